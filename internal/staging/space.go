package staging

import (
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/majorcontext/guestpull/internal/log"
)

// MinFreeBytes is the free space below which CheckSpace warns.
const MinFreeBytes = 1 << 30

// FreeBytes returns the space available to unprivileged users on the
// filesystem holding path.
func FreeBytes(path string) (uint64, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(path, &st); err != nil {
		return 0, fmt.Errorf("statfs %s: %w", path, err)
	}
	//nolint:gosec // G115: Bsize is positive on every supported filesystem
	return st.Bavail * uint64(st.Bsize), nil
}

// CheckSpace logs a warning when path has less than minFree bytes
// available. It never fails; an unreadable path is logged at debug level.
func CheckSpace(path string, minFree uint64) {
	free, err := FreeBytes(path)
	if err != nil {
		log.Debug("skipping free space check", "path", path, "error", err)
		return
	}
	if free < minFree {
		log.Warn("low free space for image data",
			"path", path,
			"free", FormatSize(int64(free)), //nolint:gosec // G115: sizes fit in int64
			"want", FormatSize(int64(minFree))) //nolint:gosec // G115: sizes fit in int64
	}
}
