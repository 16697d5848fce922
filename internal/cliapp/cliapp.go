// Package cliapp wires the reconciliation engine to a urfave/cli/v2
// command surface, following the teacher's cmd/almd + internal/cli/*
// dispatch shape: one cli.Command per subcommand, a repeated verbose
// flag, and cli.Exit(message, 1) for user-facing failures.
package cliapp

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"github.com/charmbracelet/log"
	"github.com/fatih/color"
	"github.com/urfave/cli/v2"

	"github.com/wit-deps/wdm/internal/archive"
	"github.com/wit-deps/wdm/internal/cache"
	"github.com/wit-deps/wdm/internal/fetch"
	"github.com/wit-deps/wdm/internal/lockfile"
	"github.com/wit-deps/wdm/internal/reconcile"
	"github.com/wit-deps/wdm/internal/selfupdatecmd"
	"github.com/wit-deps/wdm/internal/wdmerr"
)

// statusColor assigns each reconcile action its own color, following
// internal/cli/list's per-field SprintFunc convention (fatih/color).
var statusColor = map[string]func(a ...interface{}) string{
	"reuse":     color.New(color.FgHiBlack).SprintFunc(),
	"fetch":     color.New(color.FgGreen).SprintFunc(),
	"refetch":   color.New(color.FgYellow).SprintFunc(),
	"reinstall": color.New(color.FgYellow, color.Bold).SprintFunc(),
	"error":     color.New(color.FgRed, color.Bold).SprintFunc(),
}

var depNameColor = color.New(color.FgWhite).SprintFunc()

func printStatus(id, action string) {
	paint := statusColor[action]
	if paint == nil {
		paint = fmt.Sprint
	}
	fmt.Fprintf(os.Stderr, "%s %s\n", depNameColor(id), paint(action))
}

// Version is overridden at build time via -ldflags, the way the
// teacher's cmd/almd embeds its Version string.
var Version = "v0.0.1"

// New builds the wdm cli.App with the lock, update, tar, and self
// commands. Invoked without a command, the app prints help; it does not
// reconcile.
func New() *cli.App {
	return &cli.App{
		Name:    "wdm",
		Usage:   "a dependency manager for WIT (WebAssembly Interface Type) packages",
		Version: Version,
		Action: func(c *cli.Context) error {
			return cli.ShowAppHelp(c)
		},
		Commands: []*cli.Command{
			lockCommand(),
			updateCommand(),
			tarCommand(),
			selfupdatecmd.NewSelfCommand(),
		},
	}
}

// sharedFlags returns the global flags of spec.md §6, repeated on every
// subcommand the way the teacher repeats --verbose on every
// internal/cli/* command rather than hoisting it onto the app.
func sharedFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:  "manifest",
			Value: "wit/deps.toml",
			Usage: "path to the manifest",
		},
		&cli.StringFlag{
			Name:  "lock",
			Value: "wit/deps.lock",
			Usage: "path to the lock file",
		},
		&cli.StringFlag{
			Name:  "deps",
			Value: "wit/deps",
			Usage: "path to the deps tree",
		},
		&cli.IntFlag{
			Name:  "jobs",
			Value: runtime.GOMAXPROCS(0),
			Usage: "bound fetch/extract concurrency",
		},
		&cli.StringFlag{
			Name:  "cache-dir",
			Usage: "override the default per-user cache directory",
		},
		&cli.BoolFlag{
			Name:    "verbose",
			Aliases: []string{"v"},
			Usage:   "enable debug-level logging",
		},
	}
}

func lockCommand() *cli.Command {
	return &cli.Command{
		Name:  "lock",
		Usage: "reconcile the deps tree against the manifest in lock mode",
		Flags: sharedFlags(),
		Action: func(c *cli.Context) error {
			return runReconcile(c, false)
		},
	}
}

func updateCommand() *cli.Command {
	return &cli.Command{
		Name:  "update",
		Usage: "reconcile the deps tree, always re-probing unpinned URLs",
		Flags: sharedFlags(),
		Action: func(c *cli.Context) error {
			return runReconcile(c, true)
		},
	}
}

func runReconcile(c *cli.Context, update bool) error {
	logger := log.New(os.Stderr)
	if c.Bool("verbose") {
		logger.SetLevel(log.DebugLevel)
	} else {
		logger.SetLevel(log.InfoLevel)
	}

	ch, err := openCache(c.String("cache-dir"))
	if err != nil {
		return err
	}

	client, err := fetch.NewClient()
	if err != nil {
		return cli.Exit(fmt.Sprintf("constructing HTTP client: %v", err), 1)
	}

	r := reconcile.New(ch, client, logger)
	r.OnStatus = printStatus
	opts := reconcile.Options{
		ManifestPath: c.String("manifest"),
		LockPath:     c.String("lock"),
		DepsDir:      c.String("deps"),
		Update:       update,
		Jobs:         c.Int("jobs"),
	}

	if err := r.Run(c.Context, opts); err != nil {
		return cli.Exit(err.Error(), 1)
	}
	return nil
}

func tarCommand() *cli.Command {
	flags := append(sharedFlags(), &cli.StringFlag{
		Name:     "output",
		Aliases:  []string{"o"},
		Usage:    "output file path",
		Required: true,
	})
	return &cli.Command{
		Name:      "tar",
		Usage:     "emit the locked artifact for an identifier as a gzipped tarball",
		ArgsUsage: "<id>",
		Flags:     flags,
		Action:    tarAction,
	}
}

func tarAction(c *cli.Context) error {
	id := c.Args().First()
	if id == "" {
		return cli.Exit("tar: a dependency identifier argument is required", 1)
	}

	l, err := lockfile.Load(c.String("lock"))
	if err != nil {
		return cli.Exit(fmt.Sprintf("loading lock: %v", err), 1)
	}
	entry, ok := l.Entries[id]
	if !ok {
		return cli.Exit(wdmerr.Newf(id, wdmerr.KindParse, "not present in lock file").Error(), 1)
	}

	out, err := os.Create(c.String("output"))
	if err != nil {
		return cli.Exit(fmt.Sprintf("creating output file: %v", err), 1)
	}
	defer out.Close()

	if entry.IsPath() {
		dir := filepath.Join(c.String("deps"), id)
		if err := archive.Pack(dir, subdirOf(entry), out); err != nil {
			return cli.Exit(wdmerr.New(id, wdmerr.KindIntegrity, err).Error(), 1)
		}
		return nil
	}

	data, err := artifactBytes(c, id, entry)
	if err != nil {
		return cli.Exit(err.Error(), 1)
	}
	if _, err := out.Write(data); err != nil {
		return cli.Exit(wdmerr.New(id, wdmerr.KindIO, err).Error(), 1)
	}
	return nil
}

// artifactBytes resolves the exact bytes the lock entry's digest names:
// from the content-addressed cache when present, else by fetching them
// fresh and caching the result, so `tar`'s output matches the lock
// digest bit-for-bit (spec.md §6) whether or not the cache is warm.
func artifactBytes(c *cli.Context, id string, entry lockfile.Entry) ([]byte, error) {
	ch, err := openCache(c.String("cache-dir"))
	if err != nil {
		return nil, err
	}

	if data, ok, err := ch.Get(entry.SHA256); err == nil && ok {
		return data, nil
	}

	client, err := fetch.NewClient()
	if err != nil {
		return nil, wdmerr.New(id, wdmerr.KindSource, err)
	}
	res, err := client.Get(c.Context, entry.URL)
	if err != nil {
		return nil, err
	}
	if err := fetch.VerifyPin(id, res.Digest, entry.SHA256, entry.SHA512); err != nil {
		return nil, err
	}
	if _, err := ch.Put(res.Data); err != nil {
		return nil, wdmerr.New(id, wdmerr.KindIO, err)
	}
	return res.Data, nil
}

func subdirOf(e lockfile.Entry) string {
	if e.Subdir != "" {
		return e.Subdir
	}
	return archive.DefaultSubdir
}

func openCache(dir string) (*cache.Cache, error) {
	if dir == "" {
		d, err := cache.DefaultDir()
		if err != nil {
			return nil, cli.Exit(fmt.Sprintf("resolving default cache directory: %v", err), 1)
		}
		dir = d
	}
	ch, err := cache.Open(dir)
	if err != nil {
		return nil, cli.Exit(fmt.Sprintf("opening cache: %v", err), 1)
	}
	return ch, nil
}
