// Package compaction implements the leveled merge engine of spec §4.E:
// trigger checks, level-0 overlap union, k-way merge with tombstone purge
// at the deepest level, split-on-size output, and one atomic manifest batch
// per compaction.
package compaction

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"

	"github.com/adwinwhite/qikv/internal/kvrecord"
	"github.com/adwinwhite/qikv/internal/manifest"
	"github.com/adwinwhite/qikv/internal/sstable"
)

// L0CompactionTrigger is the default level-0 count trigger of spec §6.4.
const L0CompactionTrigger = 4

// defaultByteTriggerBase is the default base of the level-L byte trigger of
// spec §6.4: level L fires above base * 10^L, i.e. 10 MiB at level 1.
const defaultByteTriggerBase = int64(1 << 20)

// Tuning carries the spec §6.4 constants this package's triggers and merge
// step read, so a caller can inject them per spec §9's configurability
// design note instead of being stuck with the defaults.
type Tuning struct {
	L0CompactionTrigger int
	ByteTriggerBase     int64
	MaxFileSize         int
	SparseIndexInterval int
}

// DefaultTuning returns the spec §6.4 constants unmodified.
func DefaultTuning() Tuning {
	return Tuning{
		L0CompactionTrigger: L0CompactionTrigger,
		ByteTriggerBase:     defaultByteTriggerBase,
		MaxFileSize:         sstable.MaxFileSize,
		SparseIndexInterval: sstable.SparseIndexInterval,
	}
}

func (t Tuning) normalize() Tuning {
	if t.L0CompactionTrigger <= 0 {
		t.L0CompactionTrigger = L0CompactionTrigger
	}
	if t.ByteTriggerBase <= 0 {
		t.ByteTriggerBase = defaultByteTriggerBase
	}
	if t.MaxFileSize <= 0 {
		t.MaxFileSize = sstable.MaxFileSize
	}
	if t.SparseIndexInterval <= 0 {
		t.SparseIndexInterval = sstable.SparseIndexInterval
	}
	return t
}

// levelByteBudget returns the spec §6.4 byte trigger for level L >= 1:
// base * 10^L, so the default base of 1 MiB gives 10 MiB at level 1.
func levelByteBudget(base int64, level uint64) int64 {
	budget := base
	for i := uint64(0); i < level; i++ {
		budget *= 10
	}
	return budget
}

func defaultLog(log *logrus.Entry) *logrus.Entry {
	if log == nil {
		return logrus.NewEntry(logrus.StandardLogger())
	}
	return log
}

// Run checks every level in turn, compacting and recursing into the next
// level as long as a trigger fires (spec §4.E "After each level's
// compaction, recurse into the next level."), checked after every flush.
// A zero-valued Tuning runs with the spec §6.4 defaults.
func Run(dir string, keeper *manifest.Keeper, tuning Tuning, log *logrus.Entry) error {
	log = defaultLog(log)
	tuning = tuning.normalize()
	for level := uint64(0); ; level++ {
		fired, err := maybeCompactLevel(dir, keeper, level, tuning, log)
		if err != nil {
			return fmt.Errorf("compaction: level %d: %w", level, err)
		}
		if !fired {
			return nil
		}
	}
}

func maybeCompactLevel(dir string, keeper *manifest.Keeper, level uint64, tuning Tuning, log *logrus.Entry) (bool, error) {
	log = defaultLog(log)
	tuning = tuning.normalize()
	m := keeper.Manifest()

	if level == 0 {
		ids := m.SstByLevel(0)
		if len(ids) < tuning.L0CompactionTrigger {
			return false, nil
		}
		overlaps := unionOverlaps(m, ids)
		inputs := append(append([]sstable.SstId{}, ids...), overlaps...)
		log.WithFields(logrus.Fields{"level0_count": len(ids), "overlaps": len(overlaps)}).
			Info("level-0 compaction trigger fired")
		if err := compact(dir, keeper, inputs, 1, tuning, log); err != nil {
			return false, err
		}
		return true, nil
	}

	if m.LevelByteSize(level) <= levelByteBudget(tuning.ByteTriggerBase, level) {
		return false, nil
	}

	rotated, ok := m.LatestCompactSst(level)
	if !ok {
		ordered := m.SstByLevel(level)
		if len(ordered) == 0 {
			return false, nil
		}
		rotated = ordered[0]
	}
	keeper.StageNextCompact(level)

	overlaps := m.GetOverlappings(rotated)
	inputs := append([]sstable.SstId{rotated}, overlaps...)
	log.WithFields(logrus.Fields{"level": level, "rotated": rotated.String(), "overlaps": len(overlaps)}).
		Info("level byte-size compaction trigger fired")
	if err := compact(dir, keeper, inputs, level+1, tuning, log); err != nil {
		return false, err
	}
	return true, nil
}

// unionOverlaps computes the union of every level-0 SST's level-1 overlaps
// (spec §4.E "Level 0 interaction").
func unionOverlaps(m *manifest.Manifest, l0 []sstable.SstId) []sstable.SstId {
	seen := map[sstable.SstId]struct{}{}
	var out []sstable.SstId
	for _, id := range l0 {
		for _, o := range m.GetOverlappings(id) {
			if _, ok := seen[o]; !ok {
				seen[o] = struct{}{}
				out = append(out, o)
			}
		}
	}
	m.Sort(out)
	return out
}

// compact merges inputs (already in priority order: younger/shallower wins
// on key ties) into destLevel, splitting output by tuning.MaxFileSize,
// purging tombstones if destLevel is the pre-compaction max level, and
// installing the result as one atomic manifest batch (spec §4.E "Atomic
// install").
func compact(dir string, keeper *manifest.Keeper, inputs []sstable.SstId, destLevel uint64, tuning Tuning, log *logrus.Entry) error {
	log = defaultLog(log)
	tuning = tuning.normalize()
	preCompactionMaxLevel := keeper.Manifest().MaxLevel()
	purgeTombstones := destLevel == preCompactionMaxLevel

	loaded := make([]*sstable.SSTable, 0, len(inputs))
	for _, id := range inputs {
		sst, err := sstable.Load(sstable.FilePath(dir, id), id)
		if err != nil {
			return fmt.Errorf("load input %s: %w", id, err)
		}
		loaded = append(loaded, sst)
	}

	outDir := filepath.Join(dir, "SST", fmt.Sprint(destLevel))
	if err := os.MkdirAll(outDir, 0755); err != nil {
		return fmt.Errorf("create level dir: %w", err)
	}

	it := sstable.NewGroupIter(loaded)
	outputCount := 0
	builder := sstable.NewBuilderWithInterval(tuning.SparseIndexInterval)

	flush := func() error {
		if builder.Len() == 0 {
			return nil
		}
		id := keeper.AllocateId(destLevel)
		path := sstable.FilePath(dir, id)
		f, err := os.Create(path)
		if err != nil {
			return fmt.Errorf("create output %s: %w", id, err)
		}
		firstKey, lastKey, size, err := builder.Finish(f)
		f.Close()
		if err != nil {
			return fmt.Errorf("finish output %s: %w", id, err)
		}
		keeper.StageAdd(id, firstKey, lastKey, int64(size))
		outputCount++
		builder = sstable.NewBuilderWithInterval(tuning.SparseIndexInterval)
		return nil
	}

	for {
		key, vu, ok, err := it.Next()
		if err != nil {
			return fmt.Errorf("merge: %w", err)
		}
		if !ok {
			break
		}
		if vu.Tombstone && purgeTombstones {
			continue
		}
		if builder.Len() > 0 && builder.WouldExceed(key, vu, tuning.MaxFileSize) {
			if err := flush(); err != nil {
				return err
			}
		}
		builder.Add(key, vu)
	}
	if err := flush(); err != nil {
		return err
	}

	for _, id := range inputs {
		keeper.StageRemove(id)
	}

	if err := keeper.Commit(); err != nil {
		return fmt.Errorf("install compaction batch: %w", err)
	}

	log.WithFields(logrus.Fields{
		"dest_level":       destLevel,
		"inputs":           len(inputs),
		"outputs":          outputCount,
		"purged_tombstone": purgeTombstones,
	}).Info("compaction installed")
	return nil
}
