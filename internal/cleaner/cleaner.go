// Package cleaner implements the background cache eviction loop: it bounds
// the materialised-content cache directory by total size, entry count, and
// per-entry age, sleeping an adaptively-sized interval between cycles.
package cleaner

import (
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// SleepMin and SleepMax bound the adaptive inter-cycle sleep after the
// first cycle has run. The first cycle runs as soon as Start is called; the
// initial sleep value (1s, below SleepMin) is adapted by that cycle before
// it is ever slept.
const (
	SleepMin = 2 * time.Second
	SleepMax = 64 * time.Second
)

// Bounds configures which cache limits are enforced. A limit <= 0 disables
// that bound.
type Bounds struct {
	SizeLimitMB int64
	EntryLimit  int64
	AgeLimit    time.Duration
}

func (b Bounds) enabled() bool {
	return b.SizeLimitMB > 0 || b.EntryLimit > 0 || b.AgeLimit > 0
}

// Cleaner runs the background eviction loop over one cache directory.
type Cleaner struct {
	dir    string
	bounds Bounds
	log    logrus.FieldLogger

	sleep     time.Duration
	lastCtime time.Time

	stop chan struct{}
	done chan struct{}
}

// New builds a Cleaner. It is an error to request a Cleaner with no bound
// enabled — there would be nothing for it to do.
func New(dir string, bounds Bounds, log logrus.FieldLogger) (*Cleaner, error) {
	if !bounds.enabled() {
		return nil, errors.New("cleaner: at least one of size, entry or age bound must be set")
	}
	return &Cleaner{
		dir:    dir,
		bounds: bounds,
		log:    log,
		sleep:  time.Second,
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}, nil
}

// Start launches the background eviction goroutine.
func (c *Cleaner) Start() {
	go c.run()
}

// Stop signals the eviction goroutine to exit and waits for it to finish.
func (c *Cleaner) Stop() {
	close(c.stop)
	<-c.done
}

func (c *Cleaner) run() {
	defer close(c.done)
	for {
		select {
		case <-c.stop:
			return
		default:
		}

		c.cycle()

		select {
		case <-c.stop:
			return
		case <-time.After(c.sleep):
		}
	}
}

type candidate struct {
	path  string
	size  int64
	atime time.Time
}

// cycle runs one eviction pass: it stats the cache directory first and, if
// neither aged entries are expected nor the directory's ctime has changed
// since the last cycle, skips straight to sleeping. Entries older than the
// age bound are unlinked immediately; surviving entries are then culled
// from oldest-accessed down until both the size and count bounds are
// satisfied by the retained prefix.
func (c *Cleaner) cycle() {
	dirInfo, err := os.Stat(c.dir)
	if err != nil {
		c.log.WithError(err).Warn("cleaner: cannot stat cache directory")
		c.adapt(false)
		return
	}

	ctime := ctimeOf(dirInfo)
	ageEnabled := c.bounds.AgeLimit > 0
	if !ageEnabled && ctime.Equal(c.lastCtime) {
		c.adapt(false)
		return
	}
	c.lastCtime = ctime

	entries, err := os.ReadDir(c.dir)
	if err != nil {
		c.log.WithError(err).Warn("cleaner: cannot read cache directory")
		c.adapt(false)
		return
	}

	now := time.Now()
	var candidates []candidate
	evicted := false

	for _, entry := range entries {
		fi, err := entry.Info()
		if err != nil {
			continue
		}
		if !fi.Mode().IsRegular() || fi.Mode().Perm()&0200 == 0 {
			continue
		}
		path := filepath.Join(c.dir, entry.Name())

		if ageEnabled && now.Sub(fi.ModTime()) > c.bounds.AgeLimit {
			if err := os.Remove(path); err != nil {
				c.log.WithError(err).WithField("path", path).Warn("cleaner: failed to remove expired entry")
			} else {
				evicted = true
			}
			continue
		}

		candidates = append(candidates, candidate{path: path, size: fi.Size(), atime: atimeOf(fi)})
	}

	sizeLimitBytes := c.bounds.SizeLimitMB * 1024 * 1024
	var totalSize int64
	for _, cand := range candidates {
		totalSize += cand.size
	}
	overSize := c.bounds.SizeLimitMB > 0 && totalSize > sizeLimitBytes
	overCount := c.bounds.EntryLimit > 0 && int64(len(candidates)) > c.bounds.EntryLimit

	if overSize || overCount {
		sort.Slice(candidates, func(i, j int) bool { return candidates[i].atime.After(candidates[j].atime) })

		var running int64
		exceeded := false
		for i, cand := range candidates {
			if !exceeded {
				running += cand.size
				overSizeNow := c.bounds.SizeLimitMB > 0 && running > sizeLimitBytes
				overCountNow := c.bounds.EntryLimit > 0 && int64(i+1) > c.bounds.EntryLimit
				if !overSizeNow && !overCountNow {
					continue
				}
				exceeded = true
			}
			if err := os.Remove(cand.path); err != nil {
				c.log.WithError(err).WithField("path", cand.path).Warn("cleaner: failed to cull entry")
			} else {
				evicted = true
			}
		}
	}

	c.adapt(evicted)
}

// adapt halves the sleep interval after an eviction, doubles it otherwise,
// clamping to [SleepMin, SleepMax].
func (c *Cleaner) adapt(evicted bool) {
	if evicted {
		c.sleep /= 2
	} else {
		c.sleep *= 2
	}
	if c.sleep < SleepMin {
		c.sleep = SleepMin
	}
	if c.sleep > SleepMax {
		c.sleep = SleepMax
	}
}
