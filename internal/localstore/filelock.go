package localstore

import (
	"context"
	"os"
	"time"
)

const lockPollInterval = 10 * time.Millisecond

// lockFile takes an exclusive advisory lock on path, creating it if needed.
// It polls until the lock is free or ctx is done.
func lockFile(ctx context.Context, path string) (func(), error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, err
	}

	ticker := time.NewTicker(lockPollInterval)
	defer ticker.Stop()
	for {
		locked, err := tryLock(f)
		if err != nil {
			_ = f.Close()
			return nil, err
		}
		if locked {
			return func() {
				_ = unlockFile(f)
				_ = f.Close()
			}, nil
		}
		select {
		case <-ctx.Done():
			_ = f.Close()
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}
