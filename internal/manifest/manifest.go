// Package manifest implements the durable catalog of spec §4.D: which SSTs
// are live per level, the per-level id allocator, and the rotating
// compaction cursor, journaled and snapshotted through internal/walcodec.
package manifest

import (
	"bytes"
	"errors"
	"fmt"
	"sort"

	"github.com/adwinwhite/qikv/internal/sstable"
)

// ErrCorrupt marks a CURRENT pointer, snapshot, or log action that fails to
// parse or decode during recovery (spec §4.D "Recovery", spec §7
// "Corruption ... surfaced").
var ErrCorrupt = errors.New("manifest: corrupt on-disk record")

// Range is the (first_key, last_key) an SST occupies in sst_ranges, plus its
// records-section size so the compaction engine can evaluate the level-L
// byte-size trigger (spec §4.E) without reopening every file.
type Range struct {
	FirstKey []byte
	LastKey  []byte
	Size     int64
}

// Manifest is the four-map structure of spec §3: new_ids, compact_keys,
// active_ssts, sst_ranges.
type Manifest struct {
	NewIds      map[uint64]uint64
	CompactKeys map[uint64][]byte
	ActiveSsts  map[uint64]map[uint64]struct{}
	SstRanges   map[sstable.SstId]Range
}

// New returns an empty Manifest.
func New() *Manifest {
	return &Manifest{
		NewIds:      map[uint64]uint64{},
		CompactKeys: map[uint64][]byte{},
		ActiveSsts:  map[uint64]map[uint64]struct{}{},
		SstRanges:   map[sstable.SstId]Range{},
	}
}

// MaxLevel returns the deepest level currently holding at least one live
// SST, or 0 if the manifest is empty. Used by the compaction engine to
// decide whether a destination level is the purge level (spec §4.E rule 2).
func (m *Manifest) MaxLevel() uint64 {
	var max uint64
	for level, ids := range m.ActiveSsts {
		if len(ids) > 0 && level > max {
			max = level
		}
	}
	return max
}

// SstByLevel returns the ids active at level, ordered by the SSTable
// ordering of spec §3 (level 0: id desc; level >= 1: first_key asc).
func (m *Manifest) SstByLevel(level uint64) []sstable.SstId {
	ids, ok := m.ActiveSsts[level]
	if !ok {
		return nil
	}
	out := make([]sstable.SstId, 0, len(ids))
	for id := range ids {
		out = append(out, sstable.SstId{Level: level, Id: id})
	}
	m.Sort(out)
	return out
}

// LevelByteSize sums the records-section size of every SST active at level
// (spec §4.E's level-L byte trigger).
func (m *Manifest) LevelByteSize(level uint64) int64 {
	var total int64
	for id := range m.ActiveSsts[level] {
		total += m.SstRanges[sstable.SstId{Level: level, Id: id}].Size
	}
	return total
}

// Sort orders ids by the SSTable ordering of spec §3, using the ranges
// recorded in sst_ranges (get_sst_by_key / sort, spec §4.D).
func (m *Manifest) Sort(ids []sstable.SstId) {
	sort.Slice(ids, func(i, j int) bool {
		a, b := ids[i], ids[j]
		if a.Level == 0 && b.Level == 0 {
			return a.Id > b.Id
		}
		if a.Level != b.Level {
			return a.Level < b.Level
		}
		ra, rb := m.SstRanges[a], m.SstRanges[b]
		if c := bytes.Compare(ra.FirstKey, rb.FirstKey); c != 0 {
			return c < 0
		}
		return bytes.Compare(ra.LastKey, rb.LastKey) < 0
	})
}

// GetSstByKey returns every live SST whose range contains key (spec §4.D
// get_sst_by_key). For level 0 multiple may qualify; for level >= 1 at most
// one, guaranteed by intra-level disjointness.
func (m *Manifest) GetSstByKey(key []byte) []sstable.SstId {
	var out []sstable.SstId
	for level, ids := range m.ActiveSsts {
		for id := range ids {
			r := m.SstRanges[sstable.SstId{Level: level, Id: id}]
			if bytes.Compare(key, r.FirstKey) >= 0 && bytes.Compare(key, r.LastKey) <= 0 {
				out = append(out, sstable.SstId{Level: level, Id: id})
			}
		}
	}
	m.Sort(out)
	return out
}

// GetOverlappings returns every SST in level+1 whose range intersects id's
// range (closed-interval intersection, spec §4.D get_overlappings).
func (m *Manifest) GetOverlappings(id sstable.SstId) []sstable.SstId {
	r := m.SstRanges[id]
	var out []sstable.SstId
	for other := range m.ActiveSsts[id.Level+1] {
		otherId := sstable.SstId{Level: id.Level + 1, Id: other}
		or := m.SstRanges[otherId]
		if bytes.Compare(r.FirstKey, or.LastKey) <= 0 && bytes.Compare(or.FirstKey, r.LastKey) <= 0 {
			out = append(out, otherId)
		}
	}
	m.Sort(out)
	return out
}

// LatestCompactSst returns the SST owning the current compaction cursor
// position for level (spec §4.D latest_compact_sst).
func (m *Manifest) LatestCompactSst(level uint64) (sstable.SstId, bool) {
	cursor, ok := m.CompactKeys[level]
	if !ok {
		return sstable.SstId{}, false
	}
	for id := range m.ActiveSsts[level] {
		sid := sstable.SstId{Level: level, Id: id}
		r := m.SstRanges[sid]
		if bytes.Compare(cursor, r.FirstKey) >= 0 && bytes.Compare(cursor, r.LastKey) <= 0 {
			return sid, true
		}
	}
	return sstable.SstId{}, false
}

// minFirstKeyOfLevel returns the smallest first_key among the SSTs active
// at level. This is the per-level (not cross-level) minimum the design note
// in spec §9 requires for compact_keys initialization, fixing the bleed in
// the original's global first_key_value() fallback.
func (m *Manifest) minFirstKeyOfLevel(level uint64) ([]byte, bool) {
	var min []byte
	for id := range m.ActiveSsts[level] {
		r := m.SstRanges[sstable.SstId{Level: level, Id: id}]
		if min == nil || bytes.Compare(r.FirstKey, min) < 0 {
			min = r.FirstKey
		}
	}
	return min, min != nil
}

// advanceCompactCursor implements NextCompact's semantics (spec §4.D): move
// the cursor to the next SST's first key in level's ascending first-key
// order, wrapping to the level's own minimum on first use or at the end.
func (m *Manifest) advanceCompactCursor(level uint64) {
	ordered := m.SstByLevel(level)
	if len(ordered) == 0 {
		return
	}
	cursor, have := m.CompactKeys[level]
	if !have {
		first, ok := m.minFirstKeyOfLevel(level)
		if ok {
			m.CompactKeys[level] = first
		}
		return
	}
	idx := sort.Search(len(ordered), func(i int) bool {
		return bytes.Compare(m.SstRanges[ordered[i]].FirstKey, cursor) > 0
	})
	if idx >= len(ordered) {
		idx = 0
	}
	m.CompactKeys[level] = append([]byte(nil), m.SstRanges[ordered[idx]].FirstKey...)
}

func (m *Manifest) apply(a Action) {
	switch a.Kind {
	case ActionAdd:
		if m.ActiveSsts[a.Id.Level] == nil {
			m.ActiveSsts[a.Id.Level] = map[uint64]struct{}{}
		}
		m.ActiveSsts[a.Id.Level][a.Id.Id] = struct{}{}
		m.SstRanges[a.Id] = Range{FirstKey: a.FirstKey, LastKey: a.LastKey, Size: a.Size}
	case ActionRemove:
		delete(m.ActiveSsts[a.Id.Level], a.Id.Id)
		delete(m.SstRanges, a.Id)
	case ActionNewId:
		m.NewIds[a.Id.Level]++
	case ActionNextCompact:
		m.advanceCompactCursor(a.Id.Level)
	default:
		panic(fmt.Sprintf("manifest: unknown action kind %d", a.Kind))
	}
}
