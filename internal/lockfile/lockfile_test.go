package lockfile_test

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wit-deps/wdm/internal/lockfile"
)

func TestLoad_MissingFileReturnsEmptyLock(t *testing.T) {
	t.Parallel()
	l, err := lockfile.Load(filepath.Join(t.TempDir(), "deps.lock"))
	require.NoError(t, err)
	assert.Empty(t, l.Entries)
}

func TestParseEncodeRoundTrip(t *testing.T) {
	t.Parallel()
	l := lockfile.New()
	l.Entries["logging"] = lockfile.Entry{
		URL:    "https://example.com/logging.tar.gz",
		SHA256: "aaa",
		SHA512: "bbb",
		Deps:   []string{"io"},
	}
	l.Entries["io"] = lockfile.Entry{
		URL:    "https://example.com/io.tar.gz",
		SHA256: "ccc",
		SHA512: "ddd",
	}

	encoded, err := l.Encode()
	require.NoError(t, err)

	reparsed, err := lockfile.Parse(encoded)
	require.NoError(t, err)
	assert.True(t, l.Equal(reparsed))
}

func TestEncode_AlphabeticalOrder(t *testing.T) {
	t.Parallel()
	l := lockfile.New()
	l.Entries["zebra"] = lockfile.Entry{URL: "https://example.com/z", SHA256: "a"}
	l.Entries["alpha"] = lockfile.Entry{URL: "https://example.com/a", SHA256: "b"}

	encoded, err := l.Encode()
	require.NoError(t, err)

	alphaIdx := indexOf(t, string(encoded), "[alpha]")
	zebraIdx := indexOf(t, string(encoded), "[zebra]")
	assert.Less(t, alphaIdx, zebraIdx)
}

func TestEncode_Deterministic(t *testing.T) {
	t.Parallel()
	l := lockfile.New()
	l.Entries["a"] = lockfile.Entry{URL: "https://example.com/a", SHA256: "1", Deps: []string{"c", "b"}}

	first, err := l.Encode()
	require.NoError(t, err)
	second, err := l.Encode()
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestEqual_DetectsDigestChange(t *testing.T) {
	t.Parallel()
	a := lockfile.New()
	a.Entries["x"] = lockfile.Entry{URL: "https://example.com/x", SHA256: "1"}
	b := lockfile.New()
	b.Entries["x"] = lockfile.Entry{URL: "https://example.com/x", SHA256: "2"}
	assert.False(t, a.Equal(b))
}

func indexOf(t *testing.T, haystack, needle string) int {
	t.Helper()
	for i := 0; i+len(needle) <= len(haystack); i++ {
		if haystack[i:i+len(needle)] == needle {
			return i
		}
	}
	t.Fatalf("%q not found in %q", needle, haystack)
	return -1
}
