package cache

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"time"
)

// SweepReport summarises one disk eviction pass.
type SweepReport struct {
	TotalBefore int64
	TotalAfter  int64
	BytesFreed  int64
	Evicted     []string
}

type diskFile struct {
	path     string
	size     int64
	accessed time.Time
}

// DeleteExpired sweeps the primary disk tier asynchronously: files older
// than the configured max age are removed first; if the remaining usage
// still exceeds the size bound, oldest-by-access files are removed until
// usage falls to roughly half the bound, amortizing sweep frequency.
// done (optional) fires with the report once the sweep resolves.
func (c *Cache) DeleteExpired(done func(SweepReport)) {
	ok := c.dispatch(func() {
		report := c.sweep()
		if done != nil {
			done(report)
		}
	})
	if !ok && done != nil {
		done(SweepReport{})
	}
}

// sweep must only run on the cache's I/O goroutine.
func (c *Cache) sweep() SweepReport {
	var report SweepReport

	files, total := c.listDiskFiles()
	report.TotalBefore = total

	cutoff := time.Time{}
	if age := c.cfg.maxAge(); age > 0 {
		cutoff = time.Now().Add(-age)
	}

	remaining := files[:0]
	for _, f := range files {
		if !cutoff.IsZero() && f.accessed.Before(cutoff) {
			if freed, ok := c.evictFile(f); ok {
				total -= freed
				report.BytesFreed += freed
				report.Evicted = append(report.Evicted, f.path)
				continue
			}
		}
		remaining = append(remaining, f)
	}

	limit := c.cfg.MaxCacheSizeBytes
	if limit > 0 && total > limit {
		target := limit / 2
		sort.Slice(remaining, func(i, j int) bool {
			return remaining[i].accessed.Before(remaining[j].accessed)
		})
		for _, f := range remaining {
			if total <= target {
				break
			}
			if freed, ok := c.evictFile(f); ok {
				total -= freed
				report.BytesFreed += freed
				report.Evicted = append(report.Evicted, f.path)
			}
		}
	}

	report.TotalAfter = total
	if len(report.Evicted) > 0 {
		c.logger.Infof("cache: sweep evicted %d files, freed %d bytes", len(report.Evicted), report.BytesFreed)
	}
	return report
}

func (c *Cache) evictFile(f diskFile) (int64, bool) {
	if err := os.Remove(f.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		c.logger.Errorf("cache: sweep remove %s: %v", f.path, err)
		return 0, false
	}
	return f.size, true
}

func (c *Cache) listDiskFiles() ([]diskFile, int64) {
	var files []diskFile
	var total int64
	err := filepath.WalkDir(c.diskRoot, func(path string, entry os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if entry.IsDir() {
			return nil
		}
		info, infoErr := entry.Info()
		if infoErr != nil {
			return infoErr
		}
		files = append(files, diskFile{path: path, size: info.Size(), accessed: accessTime(info)})
		total += info.Size()
		return nil
	})
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		c.logger.Warnf("cache: sweep scan: %v", err)
	}
	return files, total
}

// StartMaintenance runs DeleteExpired on a schedule until ctx is cancelled.
func (c *Cache) StartMaintenance(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = maintenanceInterval
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				c.DeleteExpired(nil)
			}
		}
	}()
}
