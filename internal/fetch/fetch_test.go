package fetch_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wit-deps/wdm/internal/digest"
	"github.com/wit-deps/wdm/internal/fetch"
	"github.com/wit-deps/wdm/internal/wdmerr"
)

func TestGet_ReturnsBodyAndDigest(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("wit interface contents"))
	}))
	defer srv.Close()

	c, err := fetch.NewClient()
	require.NoError(t, err)

	res, err := c.Get(context.Background(), srv.URL)
	require.NoError(t, err)
	assert.Equal(t, []byte("wit interface contents"), res.Data)
	assert.Equal(t, digest.Of([]byte("wit interface contents")).SHA256, res.Digest.SHA256)
}

func TestGet_NonOKStatusIsSourceError(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c, err := fetch.NewClient()
	require.NoError(t, err)

	_, err = c.Get(context.Background(), srv.URL)
	require.Error(t, err)
	var wErr *wdmerr.Error
	require.ErrorAs(t, err, &wErr)
	assert.Equal(t, wdmerr.KindSource, wErr.Kind)
}

func TestVerifyPin_MismatchIsIntegrityError(t *testing.T) {
	t.Parallel()
	err := fetch.VerifyPin("foo", digest.Pair{SHA256: "got"}, "want", "")
	require.Error(t, err)
	var wErr *wdmerr.Error
	require.ErrorAs(t, err, &wErr)
	assert.Equal(t, wdmerr.KindIntegrity, wErr.Kind)
}

func TestVerifyPin_EmptyPinSkipsCheck(t *testing.T) {
	t.Parallel()
	err := fetch.VerifyPin("foo", digest.Pair{SHA256: "anything"}, "", "")
	assert.NoError(t, err)
}
