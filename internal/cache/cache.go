// Package cache implements the content-addressed artifact store of
// spec.md §4.5: a flat directory keyed by digest, written through a
// temp-file-then-atomic-rename so a reader never observes a partially
// written artifact. Reshaped from the original wit-deps Cache trait's
// URL-keyed layout (see crates/wit-deps/src/cache.rs) to the
// digest-keyed layout spec.md requires.
package cache

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/wit-deps/wdm/internal/digest"
)

// Cache is a content-addressed directory of raw (pre-decompression)
// artifact bytes, keyed by hex SHA-256 digest.
type Cache struct {
	dir string
}

// Open returns a Cache rooted at dir, creating dir if needed.
func Open(dir string) (*Cache, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("io: failed to create cache directory %q: %w", dir, err)
	}
	return &Cache{dir: dir}, nil
}

// DefaultDir returns the default per-user cache location for wdm
// artifacts (spec.md §4.5, §9: "Default to a per-user cache
// directory"). No ecosystem directories/XDG helper appears anywhere in
// the example pack, so this is resolved with the standard library
// (see DESIGN.md).
func DefaultDir() (string, error) {
	base, err := os.UserCacheDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(base, "wdm"), nil
}

func (c *Cache) path(sha256 string) string {
	return filepath.Join(c.dir, sha256)
}

// Get returns the cached artifact bytes for digest sha256, or
// (nil, false, nil) on a cache miss. A cached artifact whose recomputed
// digest disagrees with its filename is discarded and treated as a
// miss (spec.md §4.5: "if a cached artifact's recomputed digest
// disagrees with its filename, it is discarded and refetched").
func (c *Cache) Get(sha256 string) ([]byte, bool, error) {
	data, err := os.ReadFile(c.path(sha256))
	if os.IsNotExist(err) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("io: failed to read cache entry: %w", err)
	}
	if digest.Of(data).SHA256 != sha256 {
		_ = os.Remove(c.path(sha256))
		return nil, false, nil
	}
	return data, true, nil
}

// Put stores data under its own SHA-256 digest via a temp file plus
// atomic rename, and returns the digest pair of data. Concurrent Puts
// of the same content are safe: the final rename is the only
// observable state change, and identical content produces identical
// bytes regardless of which writer wins (spec.md §5: "Writes use
// temp+rename so concurrent writers of the same digest are safe").
func (c *Cache) Put(data []byte) (digest.Pair, error) {
	pair := digest.Of(data)

	tmp, err := os.CreateTemp(c.dir, ".tmp-*")
	if err != nil {
		return digest.Pair{}, fmt.Errorf("io: failed to create temp cache file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) // no-op once renamed

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return digest.Pair{}, fmt.Errorf("io: failed to write temp cache file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return digest.Pair{}, fmt.Errorf("io: failed to close temp cache file: %w", err)
	}

	if err := os.Rename(tmpName, c.path(pair.SHA256)); err != nil {
		return digest.Pair{}, fmt.Errorf("io: failed to install cache entry: %w", err)
	}
	return pair, nil
}

// PutStream reads r fully into memory (the cache stores whole
// artifacts) and stores it as Put would, returning the bytes read and
// their digest pair.
func (c *Cache) PutStream(r io.Reader) ([]byte, digest.Pair, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, digest.Pair{}, fmt.Errorf("source: failed to read artifact stream: %w", err)
	}
	pair, err := c.Put(data)
	if err != nil {
		return nil, digest.Pair{}, err
	}
	return data, pair, nil
}
