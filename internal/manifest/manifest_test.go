package manifest_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wit-deps/wdm/internal/manifest"
)

func TestParse_ShortFormURL(t *testing.T) {
	t.Parallel()
	m, err := manifest.Parse([]byte(`foo = "https://example.com/foo.tar.gz"`), "")
	require.NoError(t, err)
	entry := m.Entries["foo"]
	assert.False(t, entry.Source.IsPath)
	assert.Equal(t, "https://example.com/foo.tar.gz", entry.Source.URL)
	assert.Equal(t, "wit", entry.Source.Subdir)
}

func TestParse_ShortFormPath(t *testing.T) {
	t.Parallel()
	m, err := manifest.Parse([]byte(`foo = "../sibling/wit"`), "")
	require.NoError(t, err)
	entry := m.Entries["foo"]
	assert.True(t, entry.Source.IsPath)
	assert.Equal(t, "../sibling/wit", entry.Source.Path)
}

func TestParse_TableFormURLWithDigestsAndSubdir(t *testing.T) {
	t.Parallel()
	m, err := manifest.Parse([]byte(`
[logging]
url = "https://example.com/logging.tar.gz"
sha256 = "abc123"
subdir = "interfaces"
`), "")
	require.NoError(t, err)
	entry := m.Entries["logging"]
	assert.Equal(t, "https://example.com/logging.tar.gz", entry.Source.URL)
	assert.Equal(t, "abc123", entry.Source.SHA256)
	assert.Equal(t, "interfaces", entry.Source.Subdir)
}

func TestParse_TableFormPath(t *testing.T) {
	t.Parallel()
	m, err := manifest.Parse([]byte(`bar = { path = "./vendor/bar" }`), "/proj")
	require.NoError(t, err)
	entry := m.Entries["bar"]
	assert.True(t, entry.Source.IsPath)
	assert.Equal(t, "/proj/vendor/bar", entry.Source.Path)
}

func TestParse_RejectsPathWithDigest(t *testing.T) {
	t.Parallel()
	_, err := manifest.Parse([]byte(`bar = { path = "./vendor/bar", sha256 = "abc" }`), "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not supported in combination with path")
}

func TestParse_RejectsUnknownField(t *testing.T) {
	t.Parallel()
	_, err := manifest.Parse([]byte(`foo = { url = "https://example.com/foo", version = "1.0" }`), "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown field")
}

func TestParse_RejectsEntryMissingURLOrPath(t *testing.T) {
	t.Parallel()
	_, err := manifest.Parse([]byte(`foo = { sha256 = "abc" }`), "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "either url or path must be specified")
}

func TestIdentifiers_AlphabeticalOrder(t *testing.T) {
	t.Parallel()
	m, err := manifest.Parse([]byte(`
zebra = "https://example.com/zebra.tar.gz"
alpha = "https://example.com/alpha.tar.gz"
mid = "/local/path"
`), "")
	require.NoError(t, err)
	assert.Equal(t, []string{"alpha", "mid", "zebra"}, m.Identifiers())
}

func TestEncode_RoundTripStable(t *testing.T) {
	t.Parallel()
	m, err := manifest.Parse([]byte(`
zebra = "https://example.com/zebra.tar.gz"
alpha = { url = "https://example.com/alpha.tar.gz", sha256 = "deadbeef" }
`), "")
	require.NoError(t, err)

	encoded, err := m.Encode()
	require.NoError(t, err)

	reparsed, err := manifest.Parse(encoded, "")
	require.NoError(t, err)
	assert.Equal(t, m.Entries["zebra"], reparsed.Entries["zebra"])
	assert.Equal(t, m.Entries["alpha"], reparsed.Entries["alpha"])
}
