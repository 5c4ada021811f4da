// Package vfile implements the virtual file: the (source, mount, cache)
// path triple and the operations defined over it — qualification,
// materialisation ("encache"), eviction of one entry ("decache"), and the
// attribute classification that getattr/lookup project through the FUSE
// bridge.
package vfile

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/mikeswain-rewrite/commandfs/internal/config"
	"github.com/mikeswain-rewrite/commandfs/internal/pathutil"
)

// Sentinel errors surfaced by vfile operations. The FS bridge maps these to
// kernel errno values.
var (
	ErrNotFound    = errors.New("vfile: entry does not exist in the projected namespace")
	ErrLockTimeout = errors.New("vfile: timed out waiting for materialisation lock")
	ErrPermission  = errors.New("vfile: permission denied accessing source")
)

// Kind classifies how a virtual file should be presented to the kernel.
type Kind int

const (
	// KindHidden means the entry must be reported as non-existent.
	KindHidden Kind = iota
	// KindSymlink means the entry is a pass-through link to its source.
	KindSymlink
	// KindMaterialized means the entry's content comes from the command's
	// output, cached under the cache directory.
	KindMaterialized
	// KindDirectory is a regular, visible directory.
	KindDirectory
	// KindOther covers source entries that are neither regular files nor
	// directories (passed through unmodified; not covered by the command
	// or link-thru policy).
	KindOther
)

// Attr is the fully resolved attribute set for one virtual file, ready to
// be copied into a fuse.Attr by the FS bridge.
type Attr struct {
	Kind    Kind
	Size    int64
	Mode    os.FileMode
	ModTime time.Time
}

// Factory vends VirtualFile values that share one configuration and one
// materialisation lock map, mirroring the single shared-state object the
// teacher vends per-operation handles from.
type Factory struct {
	cfg     *config.Config
	locks   *lockMap
}

// NewFactory builds a Factory bound to cfg. One Factory should be shared by
// every FS bridge node and by the monitor for the lifetime of the mount.
func NewFactory(cfg *config.Config) *Factory {
	return &Factory{cfg: cfg, locks: newLockMap(cfg.CacheMaxWait)}
}

// FromDst builds a virtual file from a mount-relative path (e.g. "/a/b.txt",
// as delivered by the FS bridge's node tree).
func (f *Factory) FromDst(rel string) *VirtualFile {
	rel = normalizeRel(rel)
	src := filepath.Join(f.cfg.BaseDir, rel)
	return f.newVirtualFile(src, rel)
}

// FromSrc builds a virtual file from an absolute source path (e.g. as
// reported by an inotify event).
func (f *Factory) FromSrc(src string) *VirtualFile {
	rel := strings.TrimPrefix(src, f.cfg.BaseDir)
	return f.newVirtualFile(src, normalizeRel(rel))
}

func (f *Factory) newVirtualFile(src, rel string) *VirtualFile {
	return &VirtualFile{
		cfg:   f.cfg,
		locks: f.locks,
		src:   src,
		rel:   rel,
		cache: filepath.Join(f.cfg.CacheDir, pathutil.Hash(src)),
	}
}

func normalizeRel(rel string) string {
	if rel == "" {
		return "/"
	}
	if !strings.HasPrefix(rel, "/") {
		rel = "/" + rel
	}
	return rel
}

// VirtualFile is the (source, mount, cache) triple for one kernel
// operation's lifetime. It is cheap to construct and destroy; callers
// should build one per operation and Destroy it when done.
type VirtualFile struct {
	cfg   *config.Config
	locks *lockMap

	src   string // S
	rel   string // M, mount-relative
	cache string // K

	handle *os.File

	commandResolved bool
	command         string
	commandErr      error
}

// SourcePath returns S, the absolute source path.
func (v *VirtualFile) SourcePath() string { return v.src }

// CachedPath returns K, the absolute cache path, with no I/O performed.
func (v *VirtualFile) CachedPath() string { return v.cache }

// GetCommand reports the command to run for this entry, or "" if the entry
// does not qualify under the configured filter. The qualification check
// (including any lazy MIME sniff) runs at most once per VirtualFile.
func (v *VirtualFile) GetCommand() (string, error) {
	if v.commandResolved {
		return v.command, v.commandErr
	}
	v.commandResolved = true

	ok, err := v.cfg.Filter.Qualifies(v.src, nil)
	if err != nil {
		v.commandErr = err
		return "", err
	}
	if ok {
		v.command = v.cfg.Command
	}
	return v.command, nil
}

// Encache materialises the command's output for this entry into the cache
// directory if it is not already there, and returns the cache path.
//
// A two-tier lock guards concurrent materialisation of the same key: an
// in-process mutex (fast path, serialises goroutines within this process)
// wraps a cross-process advisory lock file (the actual mutual-exclusion
// mechanism, bounded by cfg.CacheMaxWait).
func (v *VirtualFile) Encache(ctx context.Context) (string, error) {
	if isRegularFile(v.cache) {
		return v.cache, nil
	}

	mu := v.locks.forKey(v.cache)
	mu.Lock()
	defer mu.Unlock()

	if isRegularFile(v.cache) {
		return v.cache, nil
	}

	lockPath := v.cache + ".lock"
	if err := acquireFileLock(ctx, lockPath, v.cfg.CacheMaxWait); err != nil {
		return "", err
	}
	defer releaseFileLock(lockPath)

	if isRegularFile(v.cache) {
		return v.cache, nil
	}

	command, err := v.GetCommand()
	if err != nil {
		return "", err
	}
	if command == "" {
		return "", ErrNotFound
	}

	if err := v.materialize(ctx, command); err != nil {
		return "", err
	}
	return v.cache, nil
}

func (v *VirtualFile) materialize(ctx context.Context, command string) error {
	src, err := os.Open(v.src)
	if err != nil {
		if os.IsPermission(err) {
			return ErrPermission
		}
		return errors.Wrap(err, "vfile: open source")
	}
	defer src.Close()

	tmpPath := v.cache + ".tmp"
	tmp, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
	if err != nil {
		return errors.Wrap(err, "vfile: create tmp cache file")
	}

	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.Stdin = src
	cmd.Stdout = tmp
	runErr := cmd.Run()
	closeErr := tmp.Close()

	if runErr != nil {
		os.Remove(tmpPath)
		return errors.Wrapf(runErr, "vfile: command %q failed", command)
	}
	if closeErr != nil {
		os.Remove(tmpPath)
		return errors.Wrap(closeErr, "vfile: close tmp cache file")
	}
	if err := os.Rename(tmpPath, v.cache); err != nil {
		os.Remove(tmpPath)
		return errors.Wrap(err, "vfile: rename tmp cache file")
	}
	return nil
}

// Decache removes this entry's cache file, if any. Removing an
// already-absent entry is not an error.
func (v *VirtualFile) Decache() error {
	if err := os.Remove(v.cache); err != nil && !os.IsNotExist(err) {
		return errors.Wrap(err, "vfile: decache")
	}
	return nil
}

// GetHandle returns a read-only handle to this entry's canonical content:
// the cache file (materialising it first if necessary) for entries that
// qualify for the command, or the source file directly for pass-through
// entries. The handle is cached on the VirtualFile for reuse by subsequent
// reads within the same operation's lifetime.
func (v *VirtualFile) GetHandle(ctx context.Context) (*os.File, error) {
	if v.handle != nil {
		return v.handle, nil
	}

	command, err := v.GetCommand()
	if err != nil {
		return nil, err
	}

	path := v.src
	if command != "" {
		path, err = v.Encache(ctx)
		if err != nil {
			return nil, err
		}
	}

	f, err := os.Open(path)
	if err != nil {
		if os.IsPermission(err) {
			return nil, ErrPermission
		}
		return nil, errors.Wrap(err, "vfile: open handle")
	}
	v.handle = f
	return f, nil
}

// Destroy releases any open handle held by this VirtualFile. Safe to call
// more than once.
func (v *VirtualFile) Destroy() error {
	if v.handle == nil {
		return nil
	}
	err := v.handle.Close()
	v.handle = nil
	return err
}

// GetAttr classifies this entry and computes the attributes the FS bridge
// should report for it, following the classification table:
//
//	regular, qualifies, stat_pass_thru and no cache yet -> report source stat verbatim
//	regular, qualifies, otherwise                        -> materialise, report cache size + source mode masked read-only
//	regular, does not qualify, link_thru                 -> report as symlink, size = len(M), mode masked read-only
//	regular, does not qualify, !link_thru                -> hidden
//	directory, hide_empty_dirs and empty under the filter -> hidden
//	directory, otherwise                                  -> visible
func (v *VirtualFile) GetAttr(ctx context.Context) (*Attr, error) {
	srcInfo, err := os.Lstat(v.src)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		if os.IsPermission(err) {
			return nil, ErrPermission
		}
		return nil, errors.Wrap(err, "vfile: stat source")
	}

	switch {
	case srcInfo.Mode().IsRegular():
		command, err := v.GetCommand()
		if err != nil {
			return nil, err
		}
		if command != "" {
			if v.cfg.StatPassThru && !isRegularFile(v.cache) {
				return &Attr{Kind: KindMaterialized, Size: srcInfo.Size(), Mode: srcInfo.Mode(), ModTime: srcInfo.ModTime()}, nil
			}
			cachePath, err := v.Encache(ctx)
			if err != nil {
				return nil, err
			}
			cacheInfo, err := os.Stat(cachePath)
			if err != nil {
				return nil, errors.Wrap(err, "vfile: stat cache entry")
			}
			return &Attr{
				Kind:    KindMaterialized,
				Size:    cacheInfo.Size(),
				Mode:    srcInfo.Mode() & 0444,
				ModTime: cacheInfo.ModTime(),
			}, nil
		}
		if v.cfg.LinkThru {
			return &Attr{
				Kind:    KindSymlink,
				Size:    int64(len(v.rel)),
				Mode:    os.ModeSymlink | (srcInfo.Mode().Perm() & 0444),
				ModTime: srcInfo.ModTime(),
			}, nil
		}
		return nil, ErrNotFound

	case srcInfo.IsDir():
		if v.cfg.HideEmptyDirs {
			empty, err := v.isEmptyByFilter()
			if err != nil {
				return nil, err
			}
			if empty {
				return nil, ErrNotFound
			}
		}
		return &Attr{Kind: KindDirectory, Size: srcInfo.Size(), Mode: srcInfo.Mode(), ModTime: srcInfo.ModTime()}, nil

	default:
		return &Attr{Kind: KindOther, Size: srcInfo.Size(), Mode: srcInfo.Mode(), ModTime: srcInfo.ModTime()}, nil
	}
}

// DirectoryHiddenByFilter reports whether this directory must be hidden
// under hide_empty_dirs. It always returns false when hide_empty_dirs is
// off, without touching the filesystem.
func (v *VirtualFile) DirectoryHiddenByFilter() (bool, error) {
	if !v.cfg.HideEmptyDirs {
		return false, nil
	}
	return v.isEmptyByFilter()
}

// isEmptyByFilter walks the source subtree rooted at v.src and reports
// whether it contains nothing that would make it visible.
//
// With link_thru, any regular file makes the directory non-empty regardless
// of filter match (the source's emptiness check ignores link_thru when
// deciding whether a lone non-qualifying regular file counts — replicated
// faithfully here). Without link_thru, only a qualifying regular file
// counts; the walk short-circuits on the first one found.
func (v *VirtualFile) isEmptyByFilter() (bool, error) {
	empty := true
	err := pathutil.Visit(v.src, -1, func(e *pathutil.EntryInfo) error {
		if !e.Mode.IsRegular() {
			return nil
		}
		if v.cfg.LinkThru {
			empty = false
			return pathutil.ErrStop
		}
		ok, err := v.cfg.Filter.Qualifies(e.Path, nil)
		if err != nil {
			return err
		}
		if ok {
			empty = false
			return pathutil.ErrStop
		}
		return nil
	})
	if err != nil && err != pathutil.ErrStop {
		return false, err
	}
	return empty, nil
}

func isRegularFile(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}
