// Package archive implements the gzip+tar pipeline that turns a fetched
// artifact into files on disk: decompression, single-top-level-component
// stripping, subdir selection, and path-escape rejection, mirroring the
// untar/tar functions of the original wit-deps implementation.
package archive

import (
	"archive/tar"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/klauspost/compress/gzip"
)

// DefaultSubdir is the subdirectory extracted from an artifact when the
// manifest entry does not specify one.
const DefaultSubdir = "wit"

// TreeSidecarName is the reconciler's internal bookkeeping file written
// into an installed deps subdirectory to detect on-disk drift. Pack
// excludes it so a re-emitted artifact only ever contains real WIT
// sources.
const TreeSidecarName = ".wdm-tree.sha256"

// ExtractSubdir reads a gzipped tar stream from r, strips a single
// shared top-level path component if every entry has one and the named
// subdir lies beneath it, and copies the contents of that subdir into
// dst. dst is created fresh
// (any prior contents are the caller's responsibility to stage-and-swap
// around). Returns an error if subdir is not found in the archive.
func ExtractSubdir(r io.Reader, dst string, subdir string) error {
	if subdir == "" {
		subdir = DefaultSubdir
	}

	gz, err := gzip.NewReader(r)
	if err != nil {
		return fmt.Errorf("malformed artifact: failed to open gzip stream: %w", err)
	}
	defer gz.Close()

	tr := tar.NewReader(gz)

	entries, err := readAllEntries(tr)
	if err != nil {
		return fmt.Errorf("malformed artifact: %w", err)
	}

	root := commonTopLevelComponent(entries)
	if root != "" {
		// Keep the shared component when subdir is not found beneath it:
		// an archive whose entries all sit under subdir itself (e.g.
		// wit/...) has no wrapper directory to strip.
		beneath := false
		for _, e := range entries {
			if _, ok := withinSubdir(strings.TrimPrefix(e.name, root+"/"), subdir); ok && e.name != root {
				beneath = true
			}
		}
		if !beneath {
			root = ""
		}
	}

	found := false
	for _, e := range entries {
		rel := e.name
		if root != "" {
			trimmed := strings.TrimPrefix(rel, root+"/")
			if trimmed == rel {
				// entry is the root component itself
				continue
			}
			rel = trimmed
		}

		subRel, ok := withinSubdir(rel, subdir)
		if !ok {
			continue
		}
		if subRel == "" {
			// the subdir entry itself (a directory header)
			found = true
			continue
		}
		found = true

		destPath, err := safeJoin(dst, subRel)
		if err != nil {
			return fmt.Errorf("layout: %w", err)
		}

		if e.typeflag == tar.TypeDir {
			if err := os.MkdirAll(destPath, 0o755); err != nil {
				return fmt.Errorf("io: %w", err)
			}
			continue
		}

		if err := os.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
			return fmt.Errorf("io: %w", err)
		}
		mode := os.FileMode(0o644)
		if e.mode&0o111 != 0 {
			mode = 0o755
		}
		if err := os.WriteFile(destPath, e.data, mode); err != nil {
			return fmt.Errorf("io: %w", err)
		}
	}

	if !found {
		return fmt.Errorf("integrity: subdir %q not found in archive", subdir)
	}
	return nil
}

type entry struct {
	name     string
	typeflag byte
	mode     int64
	data     []byte
}

func readAllEntries(tr *tar.Reader) ([]entry, error) {
	var entries []entry
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		name := filepath.ToSlash(strings.TrimSuffix(hdr.Name, "/"))
		var data []byte
		if hdr.Typeflag != tar.TypeDir {
			data, err = io.ReadAll(tr)
			if err != nil {
				return nil, err
			}
		}
		entries = append(entries, entry{
			name:     name,
			typeflag: hdr.Typeflag,
			mode:     hdr.Mode,
			data:     data,
		})
	}
	return entries, nil
}

// commonTopLevelComponent returns the first path segment shared by every
// entry, or "" if the entries do not all share one (per spec.md §4.1,
// step 1: "strip at most one top-level component if all entries share
// it").
func commonTopLevelComponent(entries []entry) string {
	var root string
	for _, e := range entries {
		top := strings.SplitN(e.name, "/", 2)[0]
		if root == "" {
			root = top
			continue
		}
		if top != root {
			return ""
		}
	}
	return root
}

// withinSubdir reports whether rel lies within subdir, returning the
// path relative to subdir (empty string if rel names subdir itself).
func withinSubdir(rel, subdir string) (string, bool) {
	if rel == subdir {
		return "", true
	}
	prefix := subdir + "/"
	if strings.HasPrefix(rel, prefix) {
		return strings.TrimPrefix(rel, prefix), true
	}
	return "", false
}

// safeJoin joins rel onto base, rejecting any path that would escape
// base after cleaning (spec.md §4.1 step 3 / §8 P6).
func safeJoin(base, rel string) (string, error) {
	cleanRel := filepath.Clean(rel)
	if cleanRel == ".." || strings.HasPrefix(cleanRel, "../") || filepath.IsAbs(cleanRel) {
		return "", fmt.Errorf("tar entry %q escapes destination", rel)
	}
	full := filepath.Join(base, cleanRel)
	baseClean := filepath.Clean(base)
	if full != baseClean && !strings.HasPrefix(full, baseClean+string(filepath.Separator)) {
		return "", fmt.Errorf("tar entry %q escapes destination", rel)
	}
	return full, nil
}

// Pack builds a deterministic gzipped tar archive of every file beneath
// src, writing it to w rooted under subdir (default DefaultSubdir). The
// `tar` subcommand uses it for path sources, which have no fetched
// artifact to re-emit.
func Pack(src string, subdir string, w io.Writer) error {
	if subdir == "" {
		subdir = DefaultSubdir
	}

	gz := gzip.NewWriter(w)
	defer gz.Close()
	tw := tar.NewWriter(gz)
	defer tw.Close()

	var files []string
	err := filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		if d.Name() == TreeSidecarName {
			return nil
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		files = append(files, rel)
		return nil
	})
	if err != nil {
		return fmt.Errorf("io: %w", err)
	}
	sort.Strings(files)

	for _, rel := range files {
		full := filepath.Join(src, rel)
		data, err := os.ReadFile(full)
		if err != nil {
			return fmt.Errorf("io: %w", err)
		}
		info, err := os.Stat(full)
		if err != nil {
			return fmt.Errorf("io: %w", err)
		}
		mode := int64(0o644)
		if info.Mode()&0o111 != 0 {
			mode = 0o755
		}
		hdr := &tar.Header{
			Name:     filepath.ToSlash(filepath.Join(subdir, rel)),
			Mode:     mode,
			Size:     int64(len(data)),
			Typeflag: tar.TypeReg,
			// ModTime is left at the zero value: spec.md §4.1 step 4
			// requires only executable-bit preservation, not timestamps,
			// and a fixed ModTime keeps the archive byte-for-bit
			// reproducible across invocations (P1 determinism).
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return fmt.Errorf("io: %w", err)
		}
		if _, err := tw.Write(data); err != nil {
			return fmt.Errorf("io: %w", err)
		}
	}
	return nil
}
