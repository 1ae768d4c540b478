// Package staging finds and removes OCI layout staging directories that
// crashed or interrupted pulls left behind under the staging root.
package staging

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/majorcontext/guestpull/internal/log"
	"github.com/majorcontext/guestpull/internal/pull"
)

// StaleDir is a per-container staging directory that looks abandoned.
type StaleDir struct {
	// Path is <root>/<cid>, the directory that gets removed.
	Path        string
	ContainerID string
	ModTime     time.Time
	Size        int64
}

// FindStale returns every <root>/<cid> containing an image_oci directory
// in which nothing has been modified for minAge and whose staging lock no
// pull holds.
func FindStale(root string, minAge time.Duration) ([]StaleDir, error) {
	matches, err := filepath.Glob(filepath.Join(root, "*", pull.StagingDirName))
	if err != nil {
		return nil, fmt.Errorf("scanning %s: %w", root, err)
	}

	cutoff := time.Now().Add(-minAge)
	var stale []StaleDir
	for _, match := range matches {
		info, err := os.Stat(match)
		if err != nil || !info.IsDir() {
			continue
		}

		dir := filepath.Dir(match)
		if pull.StagingInUse(dir) {
			continue
		}
		usage := scanDir(dir)
		if usage.newest.After(cutoff) {
			continue
		}
		stale = append(stale, StaleDir{
			Path:        dir,
			ContainerID: filepath.Base(dir),
			ModTime:     usage.newest,
			Size:        usage.size,
		})
	}
	return stale, nil
}

// Clean removes dirs. Each one is locked and its age re-checked first, so a
// pull that is running or started after the scan is not disturbed. It
// returns the number removed.
func Clean(dirs []StaleDir, minAge time.Duration) (int, error) {
	var errs []error
	removed := 0
	cutoff := time.Now().Add(-minAge)

	for _, dir := range dirs {
		unlock, ok, err := pull.TryLockStaging(dir.Path)
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", dir.Path, err))
			continue
		}
		if !ok {
			log.Info("skipping staging directory locked by a pull", "path", dir.Path)
			continue
		}

		if usage := scanDir(dir.Path); usage.newest.After(cutoff) {
			unlock()
			log.Info("skipping staging directory modified since scan", "path", dir.Path)
			continue
		}

		err = os.RemoveAll(dir.Path)
		unlock()
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", dir.Path, err))
			continue
		}
		removed++
		log.Debug("removed stale staging directory", "cid", dir.ContainerID, "size", FormatSize(dir.Size))
	}

	if len(errs) > 0 {
		return removed, fmt.Errorf("failed to remove some staging directories: %w", errors.Join(errs...))
	}
	return removed, nil
}

// Sweep finds and removes stale staging directories under root.
func Sweep(root string, minAge time.Duration) (int, error) {
	stale, err := FindStale(root, minAge)
	if err != nil {
		return 0, err
	}
	if len(stale) == 0 {
		return 0, nil
	}
	return Clean(stale, minAge)
}

type dirUsage struct {
	size   int64
	newest time.Time
}

// scanDir totals the file sizes under path and finds the newest
// modification time of any entry, path itself and the lock file excluded.
func scanDir(path string) dirUsage {
	var u dirUsage
	_ = filepath.Walk(path, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return nil // Skip files we can't access
		}
		if p == path || info.Name() == pull.LockFileName {
			return nil
		}
		if info.ModTime().After(u.newest) {
			u.newest = info.ModTime()
		}
		if !info.IsDir() {
			u.size += info.Size()
		}
		return nil
	})
	return u
}

// FormatSize formats a byte size into a human-readable string.
func FormatSize(bytes int64) string {
	if bytes < 0 {
		bytes = 0
	}
	return humanize.IBytes(uint64(bytes))
}
