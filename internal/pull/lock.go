package pull

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"
)

// LockFileName is the advisory lock a pull holds in <stagingRoot>/<cid> for
// the whole copy and unpack.
const LockFileName = ".lock"

func unlockFunc(f *os.File) func() {
	return func() {
		_ = unix.Flock(int(f.Fd()), unix.LOCK_UN)
		f.Close()
	}
}

// lockStaging creates dir and blocks until its staging lock is held.
func lockStaging(dir string) (unlock func(), err error) {
	lockPath := filepath.Join(dir, LockFileName)
	for {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating staging directory: %w", err)
		}
		f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0644)
		if err != nil {
			return nil, fmt.Errorf("opening staging lock: %w", err)
		}
		if err := unix.Flock(int(f.Fd()), unix.LOCK_EX); err != nil {
			f.Close()
			return nil, fmt.Errorf("locking %s: %w", lockPath, err)
		}

		// A sweeper may have removed the directory while we waited; the lock
		// is only meaningful on the file that is still linked at lockPath.
		held, err := f.Stat()
		if err != nil {
			unlockFunc(f)()
			return nil, fmt.Errorf("stat %s: %w", lockPath, err)
		}
		if cur, err := os.Stat(lockPath); err == nil && os.SameFile(held, cur) {
			return unlockFunc(f), nil
		}
		unlockFunc(f)()
	}
}

// TryLockStaging takes the staging lock of dir without blocking. ok is false
// when a pull holds it. A missing dir is returned as an os.ErrNotExist error.
func TryLockStaging(dir string) (unlock func(), ok bool, err error) {
	f, err := os.OpenFile(filepath.Join(dir, LockFileName), os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, false, err
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		if errors.Is(err, unix.EWOULDBLOCK) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("locking %s: %w", dir, err)
	}
	return unlockFunc(f), true, nil
}

// StagingInUse reports whether a pull currently holds the staging lock of
// dir. Unlike TryLockStaging it never creates the lock file.
func StagingInUse(dir string) bool {
	f, err := os.OpenFile(filepath.Join(dir, LockFileName), os.O_RDWR, 0)
	if err != nil {
		return false
	}
	defer f.Close()
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		return errors.Is(err, unix.EWOULDBLOCK)
	}
	_ = unix.Flock(int(f.Fd()), unix.LOCK_UN)
	return false
}
