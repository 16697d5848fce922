package digest_test

import (
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wit-deps/wdm/internal/digest"
)

func TestOf_KnownString(t *testing.T) {
	t.Parallel()
	pair := digest.Of([]byte("Hello, wdm!"))
	assert.Len(t, pair.SHA256, 64)
	assert.Len(t, pair.SHA512, 128)
}

func TestWriter_ForwardsBytes(t *testing.T) {
	t.Parallel()
	var out bytes.Buffer
	w := digest.NewWriter(&out)
	n, err := w.Write([]byte("payload"))
	require.NoError(t, err)
	assert.Equal(t, 7, n)
	assert.Equal(t, "payload", out.String())

	direct := digest.Of([]byte("payload"))
	assert.Equal(t, direct, w.Sum())
}

func TestReader_HashesWhileReading(t *testing.T) {
	t.Parallel()
	src := bytes.NewReader([]byte("streamed content"))
	r := digest.NewReader(src)

	got, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, "streamed content", string(got))

	expected := digest.Of([]byte("streamed content"))
	assert.Equal(t, expected, r.Sum())
}

func TestOf_DifferentInputsDifferentDigests(t *testing.T) {
	t.Parallel()
	a := digest.Of([]byte("a"))
	b := digest.Of([]byte("b"))
	assert.NotEqual(t, a.SHA256, b.SHA256)
	assert.NotEqual(t, a.SHA512, b.SHA512)
}
