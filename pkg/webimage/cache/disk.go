package cache

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// writeFileAtomic stages data in a temp file in the destination directory,
// fsyncs it, and renames it into place so a crash never leaves a torn file.
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create cache directory: %w", err)
	}

	pattern := filepath.Base(path) + ".tmp-*"
	tempFile, err := os.CreateTemp(dir, pattern)
	if err != nil {
		return fmt.Errorf("create staging file: %w", err)
	}
	tempPath := tempFile.Name()

	if _, err := tempFile.Write(data); err != nil {
		_ = tempFile.Close()
		_ = os.Remove(tempPath)
		return fmt.Errorf("write staging file: %w", err)
	}
	if err := tempFile.Sync(); err != nil {
		_ = tempFile.Close()
		_ = os.Remove(tempPath)
		return fmt.Errorf("sync staging file: %w", err)
	}
	if err := tempFile.Close(); err != nil {
		_ = os.Remove(tempPath)
		return fmt.Errorf("close staging file: %w", err)
	}

	return replaceFile(tempPath, path)
}

func replaceFile(tempPath, finalPath string) error {
	if err := os.Remove(finalPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove old cache file: %w", err)
	}
	if err := os.Rename(tempPath, finalPath); err != nil {
		return fmt.Errorf("commit cache file: %w", err)
	}
	return nil
}
