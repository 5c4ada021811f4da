package vfile

import (
	"context"
	"os"
	"time"

	"github.com/pkg/errors"
)

// acquireFileLock implements the cross-process materialisation lock: an
// O_CREAT|O_EXCL lock file, polled with exponential back-off up to
// maxWait. This is the actual mutual-exclusion mechanism across separate
// processes sharing a cache directory; the in-process lockMap only avoids
// redundant polling among goroutines of this process.
func acquireFileLock(ctx context.Context, lockPath string, maxWait time.Duration) error {
	deadline := time.Now().Add(maxWait)
	backoff := 10 * time.Millisecond
	const maxBackoff = 250 * time.Millisecond

	for {
		fd, err := os.OpenFile(lockPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0600)
		if err == nil {
			fd.Close()
			return nil
		}
		if !os.IsExist(err) {
			return errors.Wrap(err, "vfile: create lock file")
		}
		if time.Now().After(deadline) {
			return ErrLockTimeout
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		if backoff < maxBackoff {
			backoff *= 2
		}
	}
}

func releaseFileLock(lockPath string) {
	_ = os.Remove(lockPath)
}
