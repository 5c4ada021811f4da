// Package monitor implements the directory-tree watcher: it installs
// recursive inotify watches over the source tree and, on file creation or
// close-after-write, eagerly materialises qualifying files into the cache;
// on deletion, it evicts the corresponding cache entry. Watch descriptors
// that could not be installed due to inotify resource exhaustion are
// remembered as pending and retried whenever another watch is released.
package monitor

import (
	"context"
	"os"
	"strings"
	"sync"
	"unsafe"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/mikeswain-rewrite/commandfs/internal/pathutil"
	"github.com/mikeswain-rewrite/commandfs/internal/vfile"
)

const watchMask = unix.IN_CREATE | unix.IN_DELETE | unix.IN_CLOSE_WRITE | unix.IN_MOVED_TO | unix.IN_MOVED_FROM

// ErrWatchExhausted is logged (never returned to a caller) when inotify
// cannot grant a new watch and the request is queued as pending.
var ErrWatchExhausted = errors.New("monitor: inotify watch limit reached, request pending")

// Monitor watches a source tree and drives eager materialisation/eviction.
type Monitor struct {
	baseDir string
	factory *vfile.Factory
	log     logrus.FieldLogger

	fd    int
	file  *os.File
	table *watchTable

	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once

	// Status is the errno the read loop exited on, if any. Set once the
	// background goroutine has exited; read it only after Stop returns or
	// after a background-failure log line.
	Status error
}

// New builds a Monitor for baseDir. factory is used to materialise and
// decache entries found under baseDir.
func New(baseDir string, factory *vfile.Factory, log logrus.FieldLogger) *Monitor {
	return &Monitor{
		baseDir: baseDir,
		factory: factory,
		log:     log,
		table:   newWatchTable(),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// Start initialises inotify, installs the initial recursive watch tree, and
// launches the background read loop. A failure here is non-fatal to the
// caller: FS operations keep working without eager materialisation.
func (m *Monitor) Start() error {
	fd, err := unix.InotifyInit1(unix.IN_CLOEXEC | unix.IN_NONBLOCK)
	if err != nil {
		return errors.Wrap(err, "monitor: inotify_init1")
	}
	m.fd = fd
	m.file = os.NewFile(uintptr(fd), "inotify")

	if err := m.addTree(m.baseDir); err != nil {
		m.file.Close()
		return err
	}

	go m.run()
	return nil
}

// Stop uninstalls every remaining watch, then stops the background read
// loop and waits for it to exit.
func (m *Monitor) Stop() {
	m.stopOnce.Do(func() {
		for _, e := range m.table.all() {
			if e.wd > 0 {
				unix.InotifyRmWatch(m.fd, uint32(e.wd))
			}
		}
		m.table.clear()
		close(m.stop)
		m.file.Close()
	})
	<-m.done
}

func (m *Monitor) addTree(root string) error {
	if err := m.addWatch(root); err != nil {
		return err
	}
	return pathutil.Visit(root, -1, func(e *pathutil.EntryInfo) error {
		if e.Mode.IsDir() {
			return m.addWatch(e.Path)
		}
		return nil
	})
}

func (m *Monitor) addWatch(path string) error {
	wd, err := unix.InotifyAddWatch(m.fd, path, watchMask)
	if err != nil {
		if errors.Is(err, unix.ENOSPC) {
			m.table.insert(watchEntry{wd: pendingWd, path: path})
			m.log.WithField("path", path).WithError(ErrWatchExhausted).Debug("monitor: watch pending")
			return nil
		}
		return errors.Wrapf(err, "monitor: add watch %s", path)
	}
	m.table.insert(watchEntry{wd: int32(wd), path: path})
	m.log.WithField("path", path).Debug("monitor: watch installed")
	return nil
}

func (m *Monitor) run() {
	defer close(m.done)

	buf := make([]byte, unix.SizeofInotifyEvent*4096)
	for {
		n, err := m.file.Read(buf)
		if err != nil {
			if errors.Is(err, os.ErrClosed) {
				return
			}
			if errors.Is(err, unix.EINTR) {
				continue
			}
			if errors.Is(err, unix.EINVAL) {
				buf = make([]byte, len(buf)*2)
				continue
			}
			m.Status = err
			m.log.WithError(err).Error("monitor: read failed, stopping")
			return
		}
		if n < unix.SizeofInotifyEvent {
			buf = make([]byte, len(buf)*2)
			continue
		}
		m.handleBuffer(buf[:n])
	}
}

func (m *Monitor) handleBuffer(buf []byte) {
	var offset uint32
	n := uint32(len(buf))
	for offset+unix.SizeofInotifyEvent <= n {
		raw := (*unix.InotifyEvent)(unsafe.Pointer(&buf[offset]))
		nameLen := raw.Len
		var name string
		if nameLen > 0 {
			nameBytes := buf[offset+unix.SizeofInotifyEvent : offset+unix.SizeofInotifyEvent+nameLen]
			name = strings.TrimRight(string(nameBytes), "\x00")
		}
		m.handleEvent(raw.Wd, raw.Mask, name)
		offset += unix.SizeofInotifyEvent + nameLen
	}
}

func (m *Monitor) handleEvent(wd int32, mask uint32, name string) {
	if name == "" {
		return
	}
	watched, ok := m.table.findByWd(wd)
	if !ok {
		return
	}
	full := watched.path + "/" + name

	switch {
	case mask&(unix.IN_MOVED_TO|unix.IN_CREATE|unix.IN_CLOSE_WRITE) != 0:
		fi, err := os.Stat(full)
		if err != nil {
			return
		}
		if fi.Mode().IsRegular() {
			if err := m.triggerMaterialize(full); err != nil {
				m.log.WithError(err).WithField("path", full).Warn("monitor: eager materialisation failed")
			}
		} else if fi.IsDir() {
			if err := m.addTree(full); err != nil {
				m.log.WithError(err).WithField("path", full).Warn("monitor: failed to watch new directory")
			}
		}

	case mask&(unix.IN_DELETE|unix.IN_MOVED_FROM) != 0:
		if mask&unix.IN_ISDIR != 0 {
			m.removeTree(full)
		} else {
			m.decache(full)
		}
	}
}

func (m *Monitor) triggerMaterialize(src string) error {
	vf := m.factory.FromSrc(src)
	defer vf.Destroy()
	_, err := vf.GetAttr(context.Background())
	if errors.Is(err, vfile.ErrNotFound) {
		return nil
	}
	return err
}

func (m *Monitor) decache(src string) {
	vf := m.factory.FromSrc(src)
	defer vf.Destroy()
	if err := vf.Decache(); err != nil {
		m.log.WithError(err).WithField("path", src).Warn("monitor: failed to decache")
	}
}

// removeTree drops every watch-table entry at or below path, uninstalls the
// corresponding inotify watches, and attempts to install one pending watch
// per slot freed, consuming at most one retry per released watch.
func (m *Monitor) removeTree(path string) {
	removed := m.table.removeByPrefix(path)

	released := 0
	for _, e := range removed {
		if e.wd <= 0 {
			continue
		}
		if _, err := unix.InotifyRmWatch(m.fd, uint32(e.wd)); err == nil {
			released++
		} else {
			m.log.WithError(err).WithField("path", e.path).Warn("monitor: failed to remove watch")
		}
	}

	for i := 0; i < released; i++ {
		pending, ok := m.table.removeFirstPending()
		if !ok {
			break
		}
		wd, err := unix.InotifyAddWatch(m.fd, pending.path, watchMask)
		if err != nil {
			m.table.insert(pending)
			break
		}
		m.table.insert(watchEntry{wd: int32(wd), path: pending.path})
		m.log.WithField("path", pending.path).Debug("monitor: pending watch installed")
	}
}
