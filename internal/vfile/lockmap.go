package vfile

import (
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// lockMap is the in-process fast path of materialisation locking: a
// sharded-by-key, TTL-evicted map of *sync.Mutex, one per cache key. It sits
// in front of the cross-process lock file (acquireFileLock in filelock.go) so
// goroutines in the same process serialise on a cheap mutex instead of
// polling the filesystem. The TTL bounds the map's size; a stale unused
// entry for a key that is never materialised again is reclaimed.
type lockMap struct {
	mu    sync.Mutex
	cache *gocache.Cache
}

func newLockMap(ttl time.Duration) *lockMap {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &lockMap{cache: gocache.New(ttl, ttl*2)}
}

func (l *lockMap) forKey(key string) *sync.Mutex {
	l.mu.Lock()
	defer l.mu.Unlock()
	if v, ok := l.cache.Get(key); ok {
		return v.(*sync.Mutex)
	}
	m := &sync.Mutex{}
	l.cache.SetDefault(key, m)
	return m
}
