package manifest

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
)

// collectOrphans implements spec §4.D's recovery-time reconciliation: for
// each SST/<level>/ subdirectory, delete any file whose numeric id is not
// in active_ssts[level]; delete any SST/<level>/ whose level is absent from
// active_ssts entirely. Non-numeric names are left alone.
func (k *Keeper) collectOrphans() error {
	sstDir := filepath.Join(k.dir, "SST")
	levelDirs, err := os.ReadDir(sstDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read %s: %w", sstDir, err)
	}

	for _, ld := range levelDirs {
		if !ld.IsDir() {
			continue
		}
		level, err := strconv.ParseUint(ld.Name(), 10, 64)
		if err != nil {
			continue // non-numeric directory name: ignored
		}

		levelPath := filepath.Join(sstDir, ld.Name())
		active, levelKnown := k.manifest.ActiveSsts[level]
		if !levelKnown {
			if err := os.RemoveAll(levelPath); err != nil {
				return fmt.Errorf("remove orphaned level dir %s: %w", levelPath, err)
			}
			continue
		}

		entries, err := os.ReadDir(levelPath)
		if err != nil {
			return fmt.Errorf("read %s: %w", levelPath, err)
		}
		for _, e := range entries {
			id, err := strconv.ParseUint(e.Name(), 10, 64)
			if err != nil {
				continue // non-numeric file name: ignored
			}
			if _, live := active[id]; !live {
				if err := os.Remove(filepath.Join(levelPath, e.Name())); err != nil {
					return fmt.Errorf("remove orphaned sst %s: %w", e.Name(), err)
				}
			}
		}
	}
	return nil
}
