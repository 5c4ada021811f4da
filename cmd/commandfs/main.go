// Command commandfs mounts a FUSE filesystem that projects a source
// directory tree through a shell command, caching materialised output by
// content-addressed source path.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"os/user"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"syscall"
	"time"

	"bazil.org/fuse"
	fusefs "bazil.org/fuse/fs"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/mikeswain-rewrite/commandfs/internal/cleaner"
	"github.com/mikeswain-rewrite/commandfs/internal/config"
	"github.com/mikeswain-rewrite/commandfs/internal/filter"
	"github.com/mikeswain-rewrite/commandfs/internal/fusebridge"
	"github.com/mikeswain-rewrite/commandfs/internal/logging"
	"github.com/mikeswain-rewrite/commandfs/internal/monitor"
	"github.com/mikeswain-rewrite/commandfs/internal/pathutil"
	"github.com/mikeswain-rewrite/commandfs/internal/vfile"
)

// version is stamped at build time via -ldflags "-X main.version=...".
var version = "dev"

const defaultCacheRoot = "/var/cache/commandfs"

// exitCodeErr carries the process exit code an error should produce,
// matching the original's concrete codes: 1 for option-parse failure, 2 for
// cache-directory creation failure.
type exitCodeErr struct {
	code int
	err  error
}

func (e *exitCodeErr) Error() string { return e.err.Error() }
func (e *exitCodeErr) Unwrap() error { return e.err }

func main() {
	opts := newOptionSet()
	var debug bool

	root := &cobra.Command{
		Use:           "commandfs source-dir mountpoint",
		Short:         "Project a source tree through a command, caching the result",
		Version:       version,
		Args:          cobra.ExactArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(args[0], args[1], opts, debug)
		},
	}
	root.Flags().VarP(opts, "option", "o", "mount option key[=value], may be repeated or comma-separated")
	root.Flags().BoolVar(&debug, "debug", false, "enable debug logging")
	root.Flags().BoolP("version", "V", false, "print version and exit")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "commandfs:", err)
		var ec *exitCodeErr
		if errors.As(err, &ec) {
			os.Exit(ec.code)
		}
		os.Exit(1)
	}
}

// optionSet accumulates repeatable "-o key[=value]" mount options, mirroring
// the classic mount.fuse option-string convention. Multi-valued keys
// (path-re, exclude-re, mime-re, extension) keep every occurrence; all
// others keep only the last.
type optionSet struct {
	values map[string][]string
}

func newOptionSet() *optionSet { return &optionSet{values: map[string][]string{}} }

func (o *optionSet) String() string { return "" }
func (o *optionSet) Type() string   { return "opt" }

func (o *optionSet) Set(s string) error {
	for _, part := range strings.Split(s, ",") {
		if part == "" {
			continue
		}
		kv := strings.SplitN(part, "=", 2)
		key := kv[0]
		val := ""
		if len(kv) == 2 {
			val = kv[1]
		}
		o.values[key] = append(o.values[key], val)
	}
	return nil
}

func (o *optionSet) last(key string) (string, bool) {
	vals := o.values[key]
	if len(vals) == 0 {
		return "", false
	}
	return vals[len(vals)-1], true
}

func (o *optionSet) has(key string) bool {
	_, ok := o.values[key]
	return ok
}

func run(baseArg, mountArg string, opts *optionSet, debug bool) error {
	log := logging.New(debug)

	baseDir, err := pathutil.MakePath(baseArg)
	if err != nil {
		return &exitCodeErr{code: 1, err: errors.Wrap(err, "resolve source directory")}
	}
	mountDir, err := pathutil.MakePath(mountArg)
	if err != nil {
		return &exitCodeErr{code: 1, err: errors.Wrap(err, "resolve mount point")}
	}

	cfg, err := buildConfig(baseDir, mountDir, opts)
	if err != nil {
		return &exitCodeErr{code: 1, err: err}
	}

	if _, err := pathutil.MakePath(cfg.CacheDir); err != nil {
		return &exitCodeErr{code: 2, err: errors.Wrap(err, "create cache directory")}
	}

	factory := vfile.NewFactory(cfg)
	fs := fusebridge.New(cfg, factory, logging.For(log, "fusebridge"))

	mountOpts := []fuse.MountOption{
		fuse.FSName("commandfs"),
		fuse.Subtype("commandfs"),
		fuse.ReadOnly(),
		fuse.VolumeName(filepath.Base(baseDir)),
	}
	conn, err := fuse.Mount(mountDir, mountOpts...)
	if err != nil {
		return errors.Wrap(err, "mount")
	}
	defer conn.Close()

	var cl *cleaner.Cleaner
	if cfg.CleanerEnabled() {
		cl, err = cleaner.New(cfg.CacheDir, cleaner.Bounds{
			SizeLimitMB: cfg.CacheSizeLimitMB,
			EntryLimit:  cfg.CacheEntryLimit,
			AgeLimit:    cfg.CacheAgeLimit,
		}, logging.For(log, "cleaner"))
		if err != nil {
			log.WithError(err).Warn("cleaner: disabled")
		} else {
			cl.Start()
		}
	}

	var mon *monitor.Monitor
	if cfg.Monitor {
		mon = monitor.New(cfg.BaseDir, factory, logging.For(log, "monitor"))
		if err := mon.Start(); err != nil {
			log.WithError(err).Error("monitor: failed to start, continuing without eager materialisation")
			mon = nil
		}
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- fusefs.New(conn, nil).Serve(fs)
	}()

	select {
	case <-sigCh:
		log.Info("commandfs: signal received, unmounting")
	case err := <-serveErr:
		if err != nil {
			log.WithError(err).Error("commandfs: serve failed")
		}
	}

	if mon != nil {
		mon.Stop()
	}
	if cl != nil {
		cl.Stop()
	}
	if err := fuse.Unmount(mountDir); err != nil {
		log.WithError(err).Warn("commandfs: unmount failed")
	}

	return nil
}

func buildConfig(baseDir, mountDir string, opts *optionSet) (*config.Config, error) {
	cfg := &config.Config{
		BaseDir:      baseDir,
		MountDir:     mountDir,
		Command:      "dd",
		CacheMaxWait: 600 * time.Second,
	}

	cfg.LinkThru = boolOption(opts, "link-thru", "nolink-thru", false)
	cfg.StatPassThru = boolOption(opts, "stat-pass-thru", "nostat-pass-thru", false)
	cfg.HideEmptyDirs = boolOption(opts, "hide-empty-dirs", "nohide-empty-dirs", false)
	cfg.Monitor = boolOption(opts, "monitor", "nomonitor", false)

	if v, ok := opts.last("command"); ok && v != "" {
		cfg.Command = v
	}

	if v, ok := opts.last("cache-size"); ok {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return nil, errors.Wrap(err, "parse cache-size")
		}
		cfg.CacheSizeLimitMB = n
	}
	if v, ok := opts.last("cache-entries"); ok {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return nil, errors.Wrap(err, "parse cache-entries")
		}
		cfg.CacheEntryLimit = n
	}
	if v, ok := opts.last("cache-expiry"); ok {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return nil, errors.Wrap(err, "parse cache-expiry")
		}
		cfg.CacheAgeLimit = time.Duration(n) * time.Second
	}
	if v, ok := opts.last("cache-max-wait"); ok {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return nil, errors.Wrap(err, "parse cache-max-wait")
		}
		cfg.CacheMaxWait = time.Duration(n) * time.Second
	}

	rule := &filter.Rule{}
	for _, pat := range opts.values["path-re"] {
		re, err := regexp.Compile(pat)
		if err != nil {
			return nil, errors.Wrapf(err, "compile path-re %q", pat)
		}
		rule.Include = append(rule.Include, re)
	}
	for _, pat := range opts.values["exclude-re"] {
		re, err := regexp.Compile(pat)
		if err != nil {
			return nil, errors.Wrapf(err, "compile exclude-re %q", pat)
		}
		rule.Exclude = append(rule.Exclude, re)
	}
	for _, pat := range opts.values["mime-re"] {
		re, err := regexp.Compile(pat)
		if err != nil {
			return nil, errors.Wrapf(err, "compile mime-re %q", pat)
		}
		rule.MIME = append(rule.MIME, re)
	}
	for _, extList := range opts.values["extension"] {
		for _, ext := range strings.Split(extList, ";") {
			if ext == "" {
				continue
			}
			re, err := regexp.Compile(`(?i).*/.*\.` + ext)
			if err != nil {
				return nil, errors.Wrapf(err, "compile extension %q", ext)
			}
			rule.Include = append(rule.Include, re)
		}
	}
	cfg.Filter = rule

	cacheDir, ok := opts.last("cache-dir")
	if !ok || cacheDir == "" {
		cacheDir = filepath.Join(defaultCacheRoot, "%u", "%b")
	}
	cacheDir, err := expandCacheDir(cacheDir, baseDir, mountDir)
	if err != nil {
		return nil, err
	}
	cfg.CacheDir = cacheDir

	return cfg, nil
}

// boolOption resolves a [no]flag pair such as link-thru/nolink-thru.
func boolOption(opts *optionSet, onKey, noKey string, def bool) bool {
	if opts.has(noKey) {
		return false
	}
	if opts.has(onKey) {
		return true
	}
	return def
}

func expandCacheDir(template, baseDir, mountDir string) (string, error) {
	login := "unknown"
	if u, err := user.Current(); err == nil && u.Username != "" {
		login = u.Username
	}
	expanded := pathutil.SubstituteAll(template, []pathutil.TokenValue{
		{Token: "%u", Value: login},
		{Token: "%b", Value: strings.TrimPrefix(baseDir, string(filepath.Separator))},
		{Token: "%m", Value: strings.TrimPrefix(mountDir, string(filepath.Separator))},
	})
	if !filepath.IsAbs(expanded) {
		expanded = filepath.Join(defaultCacheRoot, expanded)
	}
	return expanded, nil
}
