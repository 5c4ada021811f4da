// Package config defines the immutable configuration value threaded through
// every commandfs component. A Config is built once by cmd/commandfs from
// parsed CLI options and never mutated afterwards: no component holds a
// package-level options variable, unlike the classic single-process
// FUSE filesystem convention of one global options struct.
package config

import (
	"time"

	"github.com/mikeswain-rewrite/commandfs/internal/filter"
)

// Config is the fully resolved, read-only configuration for one mounted
// filesystem instance.
type Config struct {
	// BaseDir is the canonical, absolute source directory being projected.
	BaseDir string
	// MountDir is the canonical, absolute mount point.
	MountDir string
	// CacheDir is the canonical, absolute materialised-content cache
	// directory (already token-expanded and created by the CLI layer).
	CacheDir string
	// Command is the shell command run with stdin=source, stdout=cache
	// entry for qualifying files. Defaults to "dd" (byte-for-byte copy).
	Command string

	LinkThru      bool
	StatPassThru  bool
	HideEmptyDirs bool
	Monitor       bool

	// CacheSizeLimitMB bounds total cache size; <= 0 disables the bound.
	CacheSizeLimitMB int64
	// CacheEntryLimit bounds cache entry count; <= 0 disables the bound.
	CacheEntryLimit int64
	// CacheAgeLimit bounds cache entry age; <= 0 disables the bound.
	CacheAgeLimit time.Duration
	// CacheMaxWait bounds how long a caller waits for a concurrent
	// materialisation of the same key before giving up.
	CacheMaxWait time.Duration

	Filter *filter.Rule
}

// CleanerEnabled reports whether any cache bound is active, mirroring the
// original requirement that at least one bound must be set for the
// background eviction loop to run at all.
func (c *Config) CleanerEnabled() bool {
	return c.CacheSizeLimitMB > 0 || c.CacheEntryLimit > 0 || c.CacheAgeLimit > 0
}
