// Package filemark implements the file-mark cache used to share per-user
// scalar values between the web handlers and the long-running I/O daemons.
//
// A mark is an empty file whose mtime carries the cached value. POSIX gives
// atomic, lock-free publication of a single value that way: a late writer
// cannot corrupt a mark, only replace its value, and callers always write the
// value they just read from the authoritative user DB.
package filemark

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/ucphhpc/accountd/pkg/logger"
)

// GetMark returns the value encoded in the mark at baseDir/relPath. The
// second return value is false when no mark exists. An absent mark is not an
// error; any other I/O failure is reported for the caller to treat as a
// cache miss.
func GetMark(baseDir, relPath string) (time.Time, bool, error) {
	path := filepath.Join(baseDir, relPath)
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return time.Time{}, false, nil
		}
		return time.Time{}, false, fmt.Errorf("failed to stat mark %s: %w", path, err)
	}
	return info.ModTime(), true, nil
}

// UpdateMark creates or refreshes the mark at baseDir/relPath so that its
// mtime encodes ts. Parent directories are created as needed. The create and
// timestamp-set are ordered so a concurrent reader sees at worst a briefly
// stale value, never garbage: the file is created first and Chtimes follows
// immediately on the same path.
func UpdateMark(baseDir, relPath string, ts time.Time) error {
	path := filepath.Join(baseDir, relPath)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create mark dir for %s: %w", path, err)
	}
	fd, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("failed to create mark %s: %w", path, err)
	}
	if err := fd.Close(); err != nil {
		return fmt.Errorf("failed to close mark %s: %w", path, err)
	}
	if err := os.Chtimes(path, ts, ts); err != nil {
		return fmt.Errorf("failed to set mark time on %s: %w", path, err)
	}
	return nil
}

// ResetMark removes the marks named in relPaths under baseDir, or every mark
// under baseDir when relPaths is nil. Missing marks are ignored.
func ResetMark(baseDir string, relPaths []string) error {
	if relPaths == nil {
		entries, err := os.ReadDir(baseDir)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return nil
			}
			return fmt.Errorf("failed to list marks in %s: %w", baseDir, err)
		}
		for _, entry := range entries {
			relPaths = append(relPaths, entry.Name())
		}
	}
	var firstErr error
	for _, rel := range relPaths {
		path := filepath.Join(baseDir, rel)
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			logger.Warnf("failed to remove mark %s: %v", path, err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// EpochMark converts an epoch value to the time used for a mark.
func EpochMark(epoch int64) time.Time {
	return time.Unix(epoch, 0)
}

// MarkEpoch converts a mark time back to the encoded epoch value.
func MarkEpoch(ts time.Time) int64 {
	return ts.Unix()
}
