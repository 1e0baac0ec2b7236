package main

import (
	"os"
	"path/filepath"

	"github.com/gofrs/flock"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

const lockName = ".cardflow.lock"

// acquireLock takes the single-writer lock beside the image directory so
// two pipeline processes never advance the same assets.
func acquireLock(dir string) (*flock.Flock, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, eris.Wrapf(err, "create %s", dir)
	}
	path := filepath.Join(dir, lockName)
	lock := flock.New(path)
	ok, err := lock.TryLock()
	if err != nil {
		return nil, eris.Wrap(err, "acquire lock")
	}
	if !ok {
		return nil, eris.Errorf("another cardflow process holds %s", path)
	}
	zap.L().Debug("lock acquired", zap.String("lock", path))
	return lock, nil
}

func releaseLock(lock *flock.Flock) {
	if lock == nil {
		return
	}
	if err := lock.Unlock(); err != nil {
		zap.L().Warn("failed to release lock", zap.Error(err))
	}
}
