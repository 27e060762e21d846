package compressor

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/shirou/gopsutil/v3/disk"

	"github.com/tphakala/callsync/internal/errors"
	"github.com/tphakala/callsync/internal/logger"
)

// partialExt marks in-progress output next to its final path.
const partialExt = ".partial-"

// partialPath returns a unique temporary path in the same directory as dst,
// so the final rename stays on one filesystem.
func partialPath(dst string) string {
	return dst + partialExt + uuid.NewString()
}

// IsPartial reports whether path names an in-progress artifact.
func IsPartial(path string) bool {
	return strings.Contains(filepath.Base(path), partialExt)
}

// removeIfExists deletes path, ignoring a missing file.
func removeIfExists(path string) error {
	if _, err := os.Lstat(path); err != nil {
		return nil
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// copyFileAtomic copies src to dst through a temporary file and rename.
// Nothing is left at dst or the temporary path when it fails.
func copyFileAtomic(src, dst string) (int64, error) {
	in, err := os.Open(src) //nolint:gosec // G304: src comes from the record store
	if err != nil {
		return 0, fmt.Errorf("open source: %w", err)
	}
	defer in.Close()

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return 0, fmt.Errorf("create output directory: %w", err)
	}

	tmp := partialPath(dst)
	out, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644) //nolint:gosec // G304: derived from output path
	if err != nil {
		return 0, fmt.Errorf("create temporary file: %w", err)
	}

	n, err := io.Copy(out, in)
	if err == nil {
		err = out.Sync()
	}
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err == nil {
		err = os.Rename(tmp, dst)
	}
	if err != nil {
		_ = os.Remove(tmp)
		return 0, fmt.Errorf("copy %s: %w", filepath.Base(src), err)
	}
	return n, nil
}

// diskFree returns the free bytes on the filesystem holding dir.
func diskFree(dir string) (uint64, error) {
	usage, err := disk.Usage(dir)
	if err != nil {
		return 0, err
	}
	return usage.Free, nil
}

// checkFreeSpace fails when the output directory cannot hold need bytes.
// An unreadable filesystem is not treated as full.
func (c *Compressor) checkFreeSpace(dir string, need int64) error {
	if c.freeSpace == nil {
		return nil
	}
	free, err := c.freeSpace(dir)
	if err != nil {
		c.log.Debug("free space check skipped",
			logger.String("dir", dir),
			logger.Error(err))
		return nil
	}
	if free < uint64(need) { //nolint:gosec // G115: need is a non-negative file size
		return errors.Newf("insufficient disk space in %s: %d bytes free, %d needed", dir, free, need).
			Component("compressor").
			Category(errors.CategoryDiskUsage).
			Context("free_bytes", free).
			Context("needed_bytes", need).
			Build()
	}
	return nil
}
