package tokenmgr

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"time"

	. "github.com/roelfdiedericks/llm-routing-proxy/internal/logging"
)

// Cross-process locking uses file existence (O_CREATE|O_EXCL), not file
// descriptors: an flock-style descriptor lock would have to stay open —
// and therefore held — across whatever the critical section awaits, while
// an existence lock is a pure filesystem fact that the holder can check
// and remove with plain synchronous syscalls. The cost is that a crashed
// holder leaves the file behind, which the stale-age check below covers.

const (
	lockSuffix      = ".lock"
	lockStaleAge    = 30 * time.Second
	lockTotalWait   = 30 * time.Second
	lockBackoffBase = 50 * time.Millisecond
	lockBackoffCap  = 2 * time.Second
)

// fileLock is a held cross-process lock. Release it exactly once.
type fileLock struct {
	path string
}

// acquireLock takes the lock file for path (path + ".lock"), waiting with
// exponential backoff (50, 100, 200, 400, 800, 1600 ms, then capped at
// 2 s) up to 30 s total. A lock file whose mtime is older than 30 s is
// presumed abandoned by a crashed process and removed.
func acquireLock(ctx context.Context, path string) (*fileLock, error) {
	lockPath := path + lockSuffix
	deadline := time.Now().Add(lockTotalWait)
	backoff := lockBackoffBase

	for {
		f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
		if err == nil {
			// The pid is informational, for a human inspecting a stuck lock.
			f.WriteString(strconv.Itoa(os.Getpid()))
			f.Close()
			return &fileLock{path: lockPath}, nil
		}
		if !os.IsExist(err) {
			return nil, fmt.Errorf("tokenmgr: create lock %s: %w", lockPath, err)
		}

		if st, statErr := os.Stat(lockPath); statErr == nil && time.Since(st.ModTime()) > lockStaleAge {
			L_warn("tokenmgr: removing stale lock", "lock", lockPath, "age", time.Since(st.ModTime()).Round(time.Second))
			os.Remove(lockPath)
			continue // retry immediately; another waiter may still win
		}

		if time.Now().After(deadline) {
			return nil, fmt.Errorf("tokenmgr: timed out waiting for lock %s", lockPath)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}
		if backoff < lockBackoffCap {
			backoff *= 2
			if backoff > lockBackoffCap {
				backoff = lockBackoffCap
			}
		}
	}
}

// release removes the lock file. Safe to call once; the guard pattern is
// defer lock.release() immediately after a successful acquire.
func (l *fileLock) release() {
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		L_warn("tokenmgr: failed to remove lock", "lock", l.path, "error", err)
	}
}
