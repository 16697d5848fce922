// Package manifest parses and serializes the human-authored deps.toml
// file: an ordered mapping from dependency identifier to a URL or Path
// source specification, generalizing the teacher's project.Dependency
// into the richer tagged-union Entry modeled on the original wit-deps
// manifest::Entry.
package manifest

import (
	"bytes"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sort"

	"github.com/BurntSushi/toml"
)

// DefaultSubdir is the subdir assumed when a URL source does not name
// one explicitly.
const DefaultSubdir = "wit"

// Source is a tagged union over the two kinds of dependency source
// spec.md §3 defines: a URL source (optionally pinned by digest) or a
// local path source.
type Source struct {
	IsPath bool

	// URL source fields.
	URL    string
	SHA256 string
	SHA512 string
	Subdir string

	// Path source field.
	Path string
}

// Entry is one manifest value as written in TOML: either a bare string
// (short form) or a table with url/path/sha256/sha512/subdir keys.
type Entry struct {
	Source Source
}

// Manifest is the ordered-by-identifier mapping of dependency name to
// source specification. Map iteration order carries no meaning; callers
// that need a stable order should use Identifiers.
type Manifest struct {
	Entries map[string]Entry
}

// New returns an empty Manifest.
func New() *Manifest {
	return &Manifest{Entries: make(map[string]Entry)}
}

// Identifiers returns the manifest's dependency names in canonical
// (alphabetical) order, per spec.md §3.
func (m *Manifest) Identifiers() []string {
	ids := make([]string, 0, len(m.Entries))
	for id := range m.Entries {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// rawEntry is the TOML decode target for a single table-form entry.
type rawEntry struct {
	URL    *string `toml:"url"`
	Path   *string `toml:"path"`
	SHA256 *string `toml:"sha256"`
	SHA512 *string `toml:"sha512"`
	Subdir *string `toml:"subdir"`
}

// Load parses the manifest TOML at path, resolving any path sources
// relative to the manifest's own directory (spec.md §4.3).
func Load(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(data, filepath.Dir(path))
}

// Parse decodes manifest TOML content. baseDir is used to resolve
// relative path sources; pass "" to leave them as written.
func Parse(data []byte, baseDir string) (*Manifest, error) {
	// Decode into a generic map first so that short-form (string) and
	// table-form entries can be distinguished, and so unknown keys
	// inside a table-form entry can be rejected by decodeEntry (spec.md
	// §6: "any unknown top-level table key is a parse error").
	var raw map[string]toml.Primitive
	md, err := toml.Decode(string(data), &raw)
	if err != nil {
		return nil, fmt.Errorf("parse: malformed manifest TOML: %w", err)
	}

	m := New()
	for id, prim := range raw {
		entry, err := decodeEntry(md, prim, id)
		if err != nil {
			return nil, err
		}
		if entry.Source.IsPath && baseDir != "" && !filepath.IsAbs(entry.Source.Path) {
			entry.Source.Path = filepath.Join(baseDir, entry.Source.Path)
		}
		m.Entries[id] = entry
	}
	return m, nil
}

func decodeEntry(md toml.MetaData, prim toml.Primitive, id string) (Entry, error) {
	// Try short form (a bare string) first.
	var s string
	if err := md.PrimitiveDecode(prim, &s); err == nil {
		return Entry{Source: classify(s)}, nil
	}

	// Table form: decode generically first so unknown keys can be
	// rejected explicitly (spec.md §4.3: "unknown keys are rejected").
	var generic map[string]string
	if err := md.PrimitiveDecode(prim, &generic); err != nil {
		return Entry{}, fmt.Errorf("parse: %s: invalid entry: %w", id, err)
	}
	for k := range generic {
		switch k {
		case "url", "path", "sha256", "sha512", "subdir":
		default:
			return Entry{}, fmt.Errorf("parse: %s: unknown field %q", id, k)
		}
	}

	var raw rawEntry
	if err := md.PrimitiveDecode(prim, &raw); err != nil {
		return Entry{}, fmt.Errorf("parse: %s: invalid entry: %w", id, err)
	}

	if raw.Path != nil {
		if raw.SHA256 != nil || raw.SHA512 != nil || raw.Subdir != nil || raw.URL != nil {
			return Entry{}, fmt.Errorf("parse: %s: subdir, sha256 and sha512 are not supported in combination with path", id)
		}
		return Entry{Source: Source{IsPath: true, Path: *raw.Path}}, nil
	}

	if raw.URL == nil {
		return Entry{}, fmt.Errorf("parse: %s: either url or path must be specified", id)
	}

	subdir := DefaultSubdir
	if raw.Subdir != nil {
		subdir = *raw.Subdir
	}
	src := Source{
		IsPath: false,
		URL:    *raw.URL,
		Subdir: subdir,
	}
	if raw.SHA256 != nil {
		src.SHA256 = *raw.SHA256
	}
	if raw.SHA512 != nil {
		src.SHA512 = *raw.SHA512
	}
	return Entry{Source: src}, nil
}

// classify implements the short-form polymorphism rule (spec.md §3,
// §9): a bare string is a URL source if it parses as a URL with a
// scheme, else a path source.
func classify(s string) Source {
	if u, err := url.Parse(s); err == nil && u.Scheme != "" {
		return Source{IsPath: false, URL: s, Subdir: DefaultSubdir}
	}
	return Source{IsPath: true, Path: s}
}

// Save writes the manifest back to path in canonical (alphabetical
// identifier) order.
func (m *Manifest) Save(path string) error {
	buf, err := m.Encode()
	if err != nil {
		return err
	}
	return os.WriteFile(path, buf, 0o644)
}

// Encode serializes the manifest to TOML bytes in canonical order.
func (m *Manifest) Encode() ([]byte, error) {
	var buf bytes.Buffer
	for _, id := range m.Identifiers() {
		e := m.Entries[id]
		if err := encodeEntry(&buf, id, e); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}

func encodeEntry(buf *bytes.Buffer, id string, e Entry) error {
	src := e.Source
	if src.IsPath {
		fmt.Fprintf(buf, "[%s]\npath = %q\n\n", id, src.Path)
		return nil
	}
	fmt.Fprintf(buf, "[%s]\n", id)
	fmt.Fprintf(buf, "url = %q\n", src.URL)
	if src.SHA256 != "" {
		fmt.Fprintf(buf, "sha256 = %q\n", src.SHA256)
	}
	if src.SHA512 != "" {
		fmt.Fprintf(buf, "sha512 = %q\n", src.SHA512)
	}
	if src.Subdir != "" && src.Subdir != DefaultSubdir {
		fmt.Fprintf(buf, "subdir = %q\n", src.Subdir)
	}
	buf.WriteByte('\n')
	return nil
}
