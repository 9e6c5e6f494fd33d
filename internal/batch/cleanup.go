package batch

import (
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// CleanupExpired removes batch directories under root that have not been
// modified since before cutoff. It returns the number removed. Sessions
// that die without reaching EndSession leave their batches behind; this
// reclaims them.
func CleanupExpired(root string, cutoff time.Time) (int, error) {
	entries, err := os.ReadDir(root)
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read batch directory: %w", err)
	}

	removed := 0
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if info.ModTime().After(cutoff) {
			continue
		}
		if err := os.RemoveAll(filepath.Join(root, entry.Name())); err != nil {
			return removed, fmt.Errorf("failed to remove expired batch %s: %w", entry.Name(), err)
		}
		removed++
	}
	return removed, nil
}
