package storage

import (
	"fmt"
	"time"

	"github.com/gofrs/flock"

	"github.com/gluonMaster/ImageSearchGPU/pkg/types"
)

const lockRetryInterval = 100 * time.Millisecond

// acquireDirLock takes the advisory lock on path, retrying until timeout.
// A zero timeout makes a single attempt.
func acquireDirLock(path string, timeout time.Duration) (*flock.Flock, error) {
	l := flock.New(path)
	deadline := time.Now().Add(timeout)
	for {
		locked, err := l.TryLock()
		if err != nil {
			return nil, fmt.Errorf("cannot acquire cache lock: %w", err)
		}
		if locked {
			return l, nil
		}
		if !time.Now().Before(deadline) {
			return nil, fmt.Errorf("%w (lock: %s)", types.ErrCacheLocked, path)
		}
		time.Sleep(lockRetryInterval)
	}
}
