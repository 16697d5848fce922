// Package lockfile parses and serializes deps.lock: the machine-
// maintained record of exactly which artifact satisfies each manifest
// entry, generalizing the teacher's lockfile.PackageEntry into the
// richer url/path/sha256/sha512/subdir/deps shape of spec.md §3.
package lockfile

import (
	"bytes"
	"fmt"
	"os"
	"sort"

	"github.com/BurntSushi/toml"
)

// Entry is one lock record for a dependency identifier.
type Entry struct {
	// URL is set only for URL sources: the exact URL that produced the
	// current artifact.
	URL string
	// Path is set only for path sources: the path recorded at lock
	// time.
	Path string
	// SHA256, SHA512 are hex digests of the fetched bytes, before
	// decompression.
	SHA256 string
	SHA512 string
	// Subdir is recorded only when it differs from the default.
	Subdir string
	// Deps lists the transitive identifiers this dependency pulled in,
	// kept sorted.
	Deps []string
}

// IsPath reports whether this entry represents a path source.
func (e Entry) IsPath() bool {
	return e.Path != ""
}

// Lock is the ordered-by-identifier mapping of dependency name to lock
// entry.
type Lock struct {
	Entries map[string]Entry
}

// New returns an empty Lock.
func New() *Lock {
	return &Lock{Entries: make(map[string]Entry)}
}

// Identifiers returns the lock's dependency names in canonical
// (alphabetical) order, per spec.md §3/§4.4.
func (l *Lock) Identifiers() []string {
	ids := make([]string, 0, len(l.Entries))
	for id := range l.Entries {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// rawEntry is the TOML (de)serialization shape for a lock entry.
type rawEntry struct {
	URL    string   `toml:"url,omitempty"`
	Path   string   `toml:"path,omitempty"`
	SHA256 string   `toml:"sha256,omitempty"`
	SHA512 string   `toml:"sha512,omitempty"`
	Subdir string   `toml:"subdir,omitempty"`
	Deps   []string `toml:"deps,omitempty"`
}

// Load reads the lock TOML at path. A missing file is not an error: it
// returns an empty Lock, matching the teacher's lockfile.Load
// first-run behavior.
func Load(path string) (*Lock, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return New(), nil
	}
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

// Parse decodes lock TOML content.
func Parse(data []byte) (*Lock, error) {
	var raw map[string]rawEntry
	if _, err := toml.Decode(string(data), &raw); err != nil {
		return nil, fmt.Errorf("parse: malformed lock TOML: %w", err)
	}
	l := New()
	for id, r := range raw {
		sort.Strings(r.Deps)
		l.Entries[id] = Entry{
			URL:    r.URL,
			Path:   r.Path,
			SHA256: r.SHA256,
			SHA512: r.SHA512,
			Subdir: r.Subdir,
			Deps:   r.Deps,
		}
	}
	return l, nil
}

// Save writes the lock back to path in canonical, deterministic form
// (spec.md §4.4: identifiers alphabetically sorted, fixed intra-entry
// key order), so that two reconciliations of unchanged input produce
// byte-identical output (P1).
func (l *Lock) Save(path string) error {
	buf, err := l.Encode()
	if err != nil {
		return err
	}
	return os.WriteFile(path, buf, 0o644)
}

// Encode serializes the lock to canonical TOML bytes.
func (l *Lock) Encode() ([]byte, error) {
	var buf bytes.Buffer
	for _, id := range l.Identifiers() {
		e := l.Entries[id]
		fmt.Fprintf(&buf, "[%s]\n", id)
		if e.URL != "" {
			fmt.Fprintf(&buf, "url = %q\n", e.URL)
		}
		if e.Path != "" {
			fmt.Fprintf(&buf, "path = %q\n", e.Path)
		}
		if e.SHA256 != "" {
			fmt.Fprintf(&buf, "sha256 = %q\n", e.SHA256)
		}
		if e.SHA512 != "" {
			fmt.Fprintf(&buf, "sha512 = %q\n", e.SHA512)
		}
		if e.Subdir != "" {
			fmt.Fprintf(&buf, "subdir = %q\n", e.Subdir)
		}
		deps := append([]string(nil), e.Deps...)
		sort.Strings(deps)
		if len(deps) > 0 {
			buf.WriteString("deps = [")
			for i, d := range deps {
				if i > 0 {
					buf.WriteString(", ")
				}
				fmt.Fprintf(&buf, "%q", d)
			}
			buf.WriteString("]\n")
		} else {
			buf.WriteString("deps = []\n")
		}
		buf.WriteByte('\n')
	}
	return buf.Bytes(), nil
}

// Equal reports whether two locks are semantically identical
// (ignoring map iteration order), used to short-circuit rewriting an
// unchanged lock (P1/P2).
func (l *Lock) Equal(other *Lock) bool {
	if other == nil {
		return len(l.Entries) == 0
	}
	if len(l.Entries) != len(other.Entries) {
		return false
	}
	for id, e := range l.Entries {
		oe, ok := other.Entries[id]
		if !ok {
			return false
		}
		if e.URL != oe.URL || e.Path != oe.Path || e.SHA256 != oe.SHA256 ||
			e.SHA512 != oe.SHA512 || e.Subdir != oe.Subdir {
			return false
		}
		if len(e.Deps) != len(oe.Deps) {
			return false
		}
		for i := range e.Deps {
			if e.Deps[i] != oe.Deps[i] {
				return false
			}
		}
	}
	return true
}
