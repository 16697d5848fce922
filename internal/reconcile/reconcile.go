// Package reconcile is the orchestrator: for every manifest identifier
// it decides whether to reuse, refetch, or reinstall the on-disk deps
// subdirectory, discovers transitive dependencies via nested
// deps.toml files, hoists them into the top-level deps tree, and
// writes the updated lock. Generalizes the teacher's
// internal/cli/install decision loop from single-file diffing to the
// full decision table of spec.md §4.6, and follows
// crates/wit-deps/src/manifest.rs's Entry::lock/Manifest::lock
// (original_source) for the transitive-merge and up-to-date
// short-circuit logic.
package reconcile

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/charmbracelet/log"
	"golang.org/x/sync/errgroup"

	"github.com/wit-deps/wdm/internal/archive"
	"github.com/wit-deps/wdm/internal/cache"
	"github.com/wit-deps/wdm/internal/digest"
	"github.com/wit-deps/wdm/internal/fetch"
	"github.com/wit-deps/wdm/internal/lockfile"
	"github.com/wit-deps/wdm/internal/manifest"
	"github.com/wit-deps/wdm/internal/wdmerr"
)

// maxDepth bounds transitive discovery recursion (spec.md §9: "a
// bounded recursion depth (e.g., 16) guards against pathological
// archives").
const maxDepth = 16

// defaultJobs is the worker pool size when Options.Jobs is unset
// (spec.md §5: "a small worker pool... default: some small constant,
// e.g., hardware parallelism").
const defaultJobs = 4

// Options configures one reconciliation run.
type Options struct {
	ManifestPath string
	LockPath     string
	DepsDir      string
	// Update selects update mode: every unpinned URL source is
	// refetched regardless of what the lock already records (spec.md
	// §4.6 "Update mode vs. lock mode").
	Update bool
	// Jobs bounds fetch/extract concurrency; <=0 uses defaultJobs.
	Jobs int
}

// Reconciler holds the shared collaborators a run needs: the
// content-addressed cache and the HTTP client.
type Reconciler struct {
	Cache  *cache.Cache
	Client *fetch.Client
	Log    *log.Logger
	// OnStatus, when set, is called with the action taken ("reuse",
	// "fetch", "refetch", "reinstall", or "error") each time an
	// identifier is resolved, letting the CLI layer render its own
	// per-dependency status line without coupling the reconciler to a
	// presentation library. An identifier reached more than once, or
	// one whose resolution fails, can be reported more than once.
	OnStatus func(id, action string)
}

// New builds a Reconciler.
func New(c *cache.Cache, client *fetch.Client, logger *log.Logger) *Reconciler {
	return &Reconciler{Cache: c, Client: client, Log: logger}
}

// Run performs one full reconciliation: load manifest and lock,
// resolve every identifier concurrently, hoist transitive
// dependencies, remove identifiers no longer in the manifest, and
// write the lock back (skipping the write entirely when nothing
// changed, satisfying P1/P2).
func (r *Reconciler) Run(ctx context.Context, opts Options) error {
	m, err := manifest.Load(opts.ManifestPath)
	if err != nil {
		return wdmerr.New("", wdmerr.KindParse, err)
	}

	existing, err := lockfile.Load(opts.LockPath)
	if err != nil {
		return wdmerr.New("", wdmerr.KindParse, err)
	}

	if err := os.MkdirAll(opts.DepsDir, 0o755); err != nil {
		return wdmerr.New("", wdmerr.KindIO, err)
	}

	jobs := opts.Jobs
	if jobs <= 0 {
		jobs = defaultJobs
	}

	results := make(map[string]outcome, len(m.Entries))
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	sem := make(chan struct{}, jobs)
	// Shared across every top-level identifier's traversal so a
	// transitive dependency reached from two different top-level
	// entries is resolved by one of them at a time, and its nested
	// deps.toml is walked once per (identifier, digest); the later
	// visit still plans and, unless it reuses, installs again (spec.md §9:
	// "a visited-set keyed by (identifier, digest) detects legitimate
	// diamonds").
	v := newVisited()

	for _, id := range m.Identifiers() {
		id := id
		entry := m.Entries[id]
		var locked *lockfile.Entry
		if le, ok := existing.Entries[id]; ok {
			le := le
			locked = &le
		}

		g.Go(func() error {
			select {
			case sem <- struct{}{}:
			case <-gctx.Done():
				return gctx.Err()
			}
			defer func() { <-sem }()

			le, transitive, err := r.resolveOne(gctx, id, entry.Source, locked, opts.DepsDir, opts.Update, 0, v, existing, map[string]bool{id: true})
			if err != nil {
				if r.OnStatus != nil {
					r.OnStatus(id, "error")
				}
				return err
			}

			mu.Lock()
			results[id] = outcome{entry: le, transitive: transitive}
			mu.Unlock()
			if r.Log != nil {
				r.Log.Info("resolved", "id", id)
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}

	merged := lockfile.New()
	for _, id := range m.Identifiers() {
		merged.Entries[id] = results[id].entry
	}
	if err := hoistAll(merged, m.Identifiers(), results); err != nil {
		return err
	}

	for _, id := range existing.Identifiers() {
		if _, ok := merged.Entries[id]; ok {
			continue
		}
		if r.Log != nil {
			r.Log.Info("removing", "id", id)
		}
		if err := os.RemoveAll(filepath.Join(opts.DepsDir, id)); err != nil {
			return wdmerr.New(id, wdmerr.KindIO, err)
		}
	}

	if merged.Equal(existing) {
		return nil
	}
	if err := merged.Save(opts.LockPath); err != nil {
		return wdmerr.New("", wdmerr.KindIO, err)
	}
	return nil
}

// outcome is one identifier's resolved lock entry plus whatever it
// pulled in transitively.
type outcome struct {
	entry      lockfile.Entry
	transitive map[string]lockfile.Entry
}

func hoistAll(merged *lockfile.Lock, topLevel []string, results map[string]outcome) error {
	topSet := make(map[string]bool, len(topLevel))
	for _, id := range topLevel {
		topSet[id] = true
	}
	for _, id := range topLevel {
		for tid, te := range results[id].transitive {
			if topSet[tid] {
				// top-level manifest entries always win (spec.md
				// §4.6 hoisting policy).
				continue
			}
			existing, ok := merged.Entries[tid]
			if !ok {
				merged.Entries[tid] = te
				continue
			}
			if existing.SHA256 != te.SHA256 || existing.SHA512 != te.SHA512 {
				return wdmerr.Newf(tid, wdmerr.KindLayout, "transitive dependency collision: divergent digests from multiple sources")
			}
		}
	}
	return nil
}

// visited records the (identifier, digest) pairs already traversed so
// legitimate diamonds are walked once (spec.md §9), and serializes
// concurrent resolution of the same identifier: two top-level entries
// can discover the same transitive dependency and would otherwise race
// installing it into the same hoisted directory. Cycles are detected
// separately, by resolveOne's per-call-chain stack.
type visited struct {
	mu    sync.Mutex
	seen  map[string]bool
	perID map[string]*sync.Mutex
}

func newVisited() *visited {
	return &visited{seen: make(map[string]bool), perID: make(map[string]*sync.Mutex)}
}

func (v *visited) markAndCheck(id, sha256 string) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	key := id + "@" + sha256
	if v.seen[key] {
		return true
	}
	v.seen[key] = true
	return false
}

// lock serializes all resolution work for id, returning the unlock
// function.
func (v *visited) lock(id string) func() {
	v.mu.Lock()
	m, ok := v.perID[id]
	if !ok {
		m = &sync.Mutex{}
		v.perID[id] = m
	}
	v.mu.Unlock()
	m.Lock()
	return m.Unlock
}

// resolveOne applies the decision table of spec.md §4.6 for a single
// identifier, then recurses into any nested deps.toml it finds.
// Dependencies are always installed under topDepsDir/id: transitive
// dependencies are hoisted to the top-level deps tree rather than
// nested beneath the dependency that introduced them (spec.md §4.6).
//
// stack holds the identifiers currently being resolved by this call
// chain (not shared across goroutines, unlike v): it catches a
// dependency cycle (A's nested deps.toml reaching back to A, directly
// or through B) before it tries to re-acquire v's per-identifier lock,
// which would otherwise self-deadlock the goroutine rather than ever
// reaching the maxDepth check.
func (r *Reconciler) resolveOne(ctx context.Context, id string, src manifest.Source, locked *lockfile.Entry, topDepsDir string, update bool, depth int, v *visited, existing *lockfile.Lock, stack map[string]bool) (lockfile.Entry, map[string]lockfile.Entry, error) {
	if depth > maxDepth {
		return lockfile.Entry{}, nil, wdmerr.Newf(id, wdmerr.KindLayout, "transitive dependency recursion exceeded depth %d", maxDepth)
	}

	unlock := v.lock(id)
	defer unlock()

	dest := filepath.Join(topDepsDir, id)

	action, reason := plan(src, locked, dest)
	if r.Log != nil && action != actionReuse {
		r.Log.Debug(reason, "id", id, "action", action)
	}

	// Update mode re-probes every unpinned URL source over the network,
	// overriding a reuse decision and bypassing the cache's digest
	// short-circuit (spec.md §4.6 "Update mode vs lock mode").
	unpinned := !src.IsPath && src.SHA256 == "" && src.SHA512 == ""
	forceNetwork := update && unpinned
	if action == actionReuse && forceNetwork {
		action = actionRefetch
	}

	var entry lockfile.Entry
	switch action {
	case actionReuse:
		pair := digest.Pair{SHA256: locked.SHA256, SHA512: locked.SHA512}
		entry = lockEntryFor(src, pair)
	case actionFetch, actionRefetch, actionReinstall:
		pair, err := r.install(ctx, id, src, dest, locked, forceNetwork)
		if err != nil {
			if r.OnStatus != nil {
				r.OnStatus(id, "error")
			}
			return lockfile.Entry{}, nil, err
		}
		entry = lockEntryFor(src, pair)
	}
	if r.OnStatus != nil {
		r.OnStatus(id, action.String())
	}

	if v.markAndCheck(id, entry.SHA256) && action != actionReuse {
		// A diamond on an identical (id, digest) pair has already been
		// installed; nothing further to discover beyond what that
		// visit already recorded.
		return entry, nil, nil
	}

	transitive, err := r.discoverTransitive(ctx, dest, topDepsDir, update, depth, v, existing, stack)
	if err != nil {
		return lockfile.Entry{}, nil, err
	}
	entry.Deps = transitiveIDs(transitive)
	return entry, transitive, nil
}

func transitiveIDs(m map[string]lockfile.Entry) []string {
	ids := make([]string, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

type action int

const (
	actionReuse action = iota
	actionFetch
	actionRefetch
	actionReinstall
)

func (a action) String() string {
	switch a {
	case actionReuse:
		return "reuse"
	case actionFetch:
		return "fetch"
	case actionRefetch:
		return "refetch"
	case actionReinstall:
		return "reinstall"
	default:
		return "unknown"
	}
}

// plan implements the per-identifier decision table of spec.md §4.6,
// given the manifest source, the (possibly absent) lock entry, and
// whether the deps subdirectory D currently exists and matches.
func plan(src manifest.Source, locked *lockfile.Entry, dest string) (action, string) {
	if locked == nil {
		return actionFetch, "no lock entry"
	}
	if locked.IsPath() != src.IsPath {
		return actionRefetch, "source kind changed"
	}
	if src.IsPath {
		if src.Path != locked.Path {
			return actionRefetch, "path changed"
		}
	} else {
		if src.URL != locked.URL {
			return actionRefetch, "url changed"
		}
		if src.SHA256 != "" && src.SHA256 != locked.SHA256 {
			return actionRefetch, "pinned sha256 changed"
		}
		if src.SHA512 != "" && src.SHA512 != locked.SHA512 {
			return actionRefetch, "pinned sha512 changed"
		}
	}
	if !treeMatches(dest, locked.SHA256) {
		return actionReinstall, "deps subdirectory missing or stale"
	}
	return actionReuse, "up to date"
}

// treeMatches reports whether dest exists, is non-empty, and its
// content still matches the digest recorded for it at install time
// (spec.md §4.6 "D digest ≠ L digest ⇒ Reinstall", invariant I2, P4):
// a file tampered with or deleted out from under the deps tree is
// detected here and forces a reinstall rather than being silently
// reused.
func treeMatches(dest, sha256 string) bool {
	entries, err := os.ReadDir(dest)
	if err != nil || len(entries) == 0 {
		return false
	}
	want, err := os.ReadFile(filepath.Join(dest, archive.TreeSidecarName))
	if err != nil {
		return false
	}
	got, err := treeDigest(dest, sha256)
	if err != nil {
		return false
	}
	return string(want) == got
}

// treeDigest hashes dir's file contents, in sorted path order, together
// with the expected source digest sha256 — so both external tampering
// of the installed files and a stale/changed lock digest show up as a
// drifted digest. The sidecar file written by writeTreeSidecar is
// excluded from its own input.
func treeDigest(dir, sha256 string) (string, error) {
	var rels []string
	err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		if d.Name() == archive.TreeSidecarName {
			return nil
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		rels = append(rels, rel)
		return nil
	})
	if err != nil {
		return "", err
	}
	sort.Strings(rels)

	var buf bytes.Buffer
	buf.WriteString(sha256)
	buf.WriteByte(0)
	for _, rel := range rels {
		data, err := os.ReadFile(filepath.Join(dir, rel))
		if err != nil {
			return "", err
		}
		buf.WriteString(rel)
		buf.WriteByte(0)
		buf.Write(data)
		buf.WriteByte(0)
	}
	return digest.Of(buf.Bytes()).SHA256, nil
}

// writeTreeSidecar computes dir's tree digest and writes it as a
// sidecar file inside dir, so a later run can detect drift without
// re-deriving the artifact from its source.
func writeTreeSidecar(dir, sha256 string) error {
	td, err := treeDigest(dir, sha256)
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, archive.TreeSidecarName), []byte(td), 0o644)
}

// install fetches (or reinstalls from cache) src into dest via
// stage-and-swap, and returns the digest pair of the bytes installed.
// Path sources are copied directly with no digest tracked. forceNetwork
// skips the cache's locked-digest short-circuit (update mode).
func (r *Reconciler) install(ctx context.Context, id string, src manifest.Source, dest string, locked *lockfile.Entry, forceNetwork bool) (digest.Pair, error) {
	stage := dest + ".staging"
	_ = os.RemoveAll(stage)
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return digest.Pair{}, wdmerr.New(id, wdmerr.KindIO, err)
	}

	if src.IsPath {
		if err := copyDir(src.Path, stage); err != nil {
			_ = os.RemoveAll(stage)
			return digest.Pair{}, wdmerr.New(id, wdmerr.KindSource, err)
		}
		if err := writeTreeSidecar(stage, ""); err != nil {
			_ = os.RemoveAll(stage)
			return digest.Pair{}, wdmerr.New(id, wdmerr.KindIO, err)
		}
		if err := swap(stage, dest); err != nil {
			return digest.Pair{}, wdmerr.New(id, wdmerr.KindIO, err)
		}
		return digest.Pair{}, nil
	}

	data, pair, err := r.fetchURLBytes(ctx, id, src, locked, forceNetwork)
	if err != nil {
		return digest.Pair{}, err
	}

	if err := archive.ExtractSubdir(bytes.NewReader(data), stage, src.Subdir); err != nil {
		_ = os.RemoveAll(stage)
		return digest.Pair{}, wdmerr.New(id, classifyArchiveErr(err), err)
	}
	if err := writeTreeSidecar(stage, pair.SHA256); err != nil {
		_ = os.RemoveAll(stage)
		return digest.Pair{}, wdmerr.New(id, wdmerr.KindIO, err)
	}
	if err := swap(stage, dest); err != nil {
		return digest.Pair{}, wdmerr.New(id, wdmerr.KindIO, err)
	}
	return pair, nil
}

// fetchURLBytes resolves the raw artifact bytes for a URL source,
// preferring the cache when the expected digest (pinned, or already
// recorded in the lock) is already present, per spec.md §4.2
// idempotent-by-digest behavior. forceNetwork (update mode on an
// unpinned source) skips that short-circuit and always re-probes.
func (r *Reconciler) fetchURLBytes(ctx context.Context, id string, src manifest.Source, locked *lockfile.Entry, forceNetwork bool) ([]byte, digest.Pair, error) {
	want := src.SHA256
	if want == "" && locked != nil && !forceNetwork {
		want = locked.SHA256
	}
	if want != "" {
		if data, ok, err := r.Cache.Get(want); err == nil && ok {
			pair := digest.Of(data)
			if err := fetch.VerifyPin(id, pair, src.SHA256, src.SHA512); err != nil {
				return nil, digest.Pair{}, err
			}
			return data, pair, nil
		}
	}

	body, err := r.Client.Stream(ctx, src.URL)
	if err != nil {
		return nil, digest.Pair{}, err
	}
	defer body.Close()

	data, pair, err := r.Cache.PutStream(body)
	if err != nil {
		return nil, digest.Pair{}, wdmerr.New(id, wdmerr.KindIO, err)
	}
	if err := fetch.VerifyPin(id, pair, src.SHA256, src.SHA512); err != nil {
		return nil, digest.Pair{}, err
	}
	return data, pair, nil
}

func classifyArchiveErr(err error) wdmerr.Kind {
	msg := err.Error()
	switch {
	case hasPrefix(msg, "layout:"):
		return wdmerr.KindLayout
	case hasPrefix(msg, "io:"):
		return wdmerr.KindIO
	default:
		return wdmerr.KindIntegrity
	}
}

func hasPrefix(s, prefix string) bool {
	return len(s) >= len(prefix) && s[:len(prefix)] == prefix
}

func lockEntryFor(src manifest.Source, pair digest.Pair) lockfile.Entry {
	if src.IsPath {
		return lockfile.Entry{Path: src.Path}
	}
	subdir := ""
	if src.Subdir != manifest.DefaultSubdir {
		subdir = src.Subdir
	}
	return lockfile.Entry{
		URL:    src.URL,
		SHA256: pair.SHA256,
		SHA512: pair.SHA512,
		Subdir: subdir,
	}
}

// discoverTransitive looks for a nested deps.toml inside dest (the
// directory this identifier was just installed into) and, if found,
// recursively reconciles it, hoisting every transitive identifier
// into topDepsDir alongside the top-level entries (spec.md §4.6: "an
// identifier introduced transitively is hoisted into the top-level
// wit/deps").
func (r *Reconciler) discoverTransitive(ctx context.Context, dest, topDepsDir string, update bool, depth int, v *visited, existing *lockfile.Lock, stack map[string]bool) (map[string]lockfile.Entry, error) {
	nestedManifestPath := filepath.Join(dest, "deps.toml")
	if _, err := os.Stat(nestedManifestPath); err != nil {
		return nil, nil
	}

	nested, err := manifest.Load(nestedManifestPath)
	if err != nil {
		return nil, wdmerr.New("", wdmerr.KindParse, err)
	}

	result := make(map[string]lockfile.Entry)
	for _, tid := range nested.Identifiers() {
		if stack[tid] {
			return nil, wdmerr.Newf(tid, wdmerr.KindLayout, "dependency cycle detected")
		}

		tsrc := nested.Entries[tid].Source
		var tlocked *lockfile.Entry
		if existing != nil {
			if le, ok := existing.Entries[tid]; ok {
				le := le
				tlocked = &le
			}
		}

		childStack := make(map[string]bool, len(stack)+1)
		for k := range stack {
			childStack[k] = true
		}
		childStack[tid] = true

		entry, transitive, err := r.resolveOne(ctx, tid, tsrc, tlocked, topDepsDir, update, depth+1, v, existing, childStack)
		if err != nil {
			return nil, err
		}
		result[tid] = entry
		for k, e := range transitive {
			result[k] = e
		}
	}
	return result, nil
}

func swap(stage, dest string) error {
	_ = os.RemoveAll(dest)
	return os.Rename(stage, dest)
}

func copyDir(src, dst string) error {
	return filepath.WalkDir(src, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if d.IsDir() {
			return os.MkdirAll(target, 0o755)
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		return os.WriteFile(target, data, info.Mode().Perm())
	})
}
