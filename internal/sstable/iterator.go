package sstable

import (
	"bytes"

	"github.com/adwinwhite/qikv/internal/kvrecord"
)

// Iterator is the shared ordering abstraction of spec §9: every iterator in
// this package (and the memtable snapshot iterator composed alongside them)
// exposes the same Next shape, so merges are written once and reused for
// SSTGroupIter, SSTLevelGroupIter, and GeneralCombinedIter rather than
// duplicated per concrete type.
type Iterator interface {
	// Next returns the next (key, ValueUpdate) in ascending order, or
	// ok=false at end of stream. An error is a one-shot terminal condition:
	// once returned, the iterator yields no further records.
	Next() (key []byte, vu kvrecord.ValueUpdate, ok bool, err error)
}

// SSTableIter decodes a single SSTable's records section forward from an
// offset to an end offset (spec §4.C).
type SSTableIter struct {
	sst *SSTable
	pos int
	end int
	err error
}

// Iter returns an iterator over the whole records section.
func (s *SSTable) Iter() *SSTableIter {
	return &SSTableIter{sst: s, pos: 0, end: len(s.buf)}
}

// Next implements Iterator.
func (it *SSTableIter) Next() ([]byte, kvrecord.ValueUpdate, bool, error) {
	if it.err != nil {
		return nil, kvrecord.ValueUpdate{}, false, it.err
	}
	if it.pos >= it.end {
		return nil, kvrecord.ValueUpdate{}, false, nil
	}
	key, vu, n, err := kvrecord.Decode(it.sst.buf[it.pos:it.end])
	if err != nil {
		it.err = err
		it.pos = it.end
		return nil, kvrecord.ValueUpdate{}, false, err
	}
	it.pos += n
	return key, vu, true, nil
}

// mergeIter is the single k-way merge implementation behind both
// SSTGroupIter and GeneralCombinedIter (spec §9). Sub-iterators must already
// be presented in priority order (highest priority first); ties on key are
// broken by sub-iterator position and the loser is dropped as an older
// duplicate.
type mergeIter struct {
	subs     []subState
	prevKey  []byte
	havePrev bool
	err      error
}

type subState struct {
	it      Iterator
	hasPeek bool
	key     []byte
	vu      kvrecord.ValueUpdate
	done    bool
}

// NewGroupIter builds an SSTGroupIter over SSTs that are already sorted by
// the SSTable ordering of spec §3 (level 0: id descending; level >= 1:
// first_key ascending).
func NewGroupIter(ssts []*SSTable) Iterator {
	subs := make([]subState, len(ssts))
	for i, sst := range ssts {
		subs[i] = subState{it: sst.Iter()}
	}
	return &mergeIter{subs: subs}
}

// NewCombinedIter builds a GeneralCombinedIter over heterogeneous
// iterators (e.g. a memtable snapshot followed by per-level iterators),
// already presented highest-priority first.
func NewCombinedIter(iters []Iterator) Iterator {
	subs := make([]subState, len(iters))
	for i, it := range iters {
		subs[i] = subState{it: it}
	}
	return &mergeIter{subs: subs}
}

func (m *mergeIter) fill(s *subState) error {
	if s.done || s.hasPeek {
		return nil
	}
	k, vu, ok, err := s.it.Next()
	if err != nil {
		s.done = true
		return err
	}
	if !ok {
		s.done = true
		return nil
	}
	s.key, s.vu, s.hasPeek = k, vu, true
	return nil
}

// Next implements Iterator.
func (m *mergeIter) Next() ([]byte, kvrecord.ValueUpdate, bool, error) {
	if m.err != nil {
		return nil, kvrecord.ValueUpdate{}, false, m.err
	}
	for {
		for i := range m.subs {
			if err := m.fill(&m.subs[i]); err != nil {
				m.err = err
				return nil, kvrecord.ValueUpdate{}, false, err
			}
		}

		minIdx := -1
		for i := range m.subs {
			if !m.subs[i].hasPeek {
				continue
			}
			if minIdx == -1 || bytes.Compare(m.subs[i].key, m.subs[minIdx].key) < 0 {
				minIdx = i
			}
		}
		if minIdx == -1 {
			return nil, kvrecord.ValueUpdate{}, false, nil
		}

		winner := &m.subs[minIdx]
		key, vu := winner.key, winner.vu
		winner.hasPeek = false

		if m.havePrev && bytes.Equal(key, m.prevKey) {
			continue
		}
		m.prevKey = append([]byte(nil), key...)
		m.havePrev = true
		return key, vu, true, nil
	}
}

// LevelGroupIter (SSTLevelGroupIter) lazily chains the SSTs of a single
// level >= 1, loading at most one at a time (spec §4.C, §9 "self-referential
// iterator holding its SST" design note: implemented as a state machine
// over a loaded SST plus a cursor, not a borrow tied to its owner).
type LevelGroupIter struct {
	paths []string
	ids   []SstId
	idx   int

	current     *SSTable
	currentIter *SSTableIter
}

// NewLevelGroupIter builds a lazy iterator over paths/ids, which must
// already be in ascending first-key order (guaranteed by intra-level
// disjointness, spec §8 property 5).
func NewLevelGroupIter(paths []string, ids []SstId) *LevelGroupIter {
	return &LevelGroupIter{paths: paths, ids: ids}
}

// Next implements Iterator.
func (it *LevelGroupIter) Next() ([]byte, kvrecord.ValueUpdate, bool, error) {
	for {
		if it.currentIter != nil {
			k, vu, ok, err := it.currentIter.Next()
			if err != nil {
				return nil, kvrecord.ValueUpdate{}, false, err
			}
			if ok {
				return k, vu, true, nil
			}
			it.current = nil
			it.currentIter = nil
		}
		if it.idx >= len(it.paths) {
			return nil, kvrecord.ValueUpdate{}, false, nil
		}
		sst, err := Load(it.paths[it.idx], it.ids[it.idx])
		if err != nil {
			return nil, kvrecord.ValueUpdate{}, false, err
		}
		it.current = sst
		it.currentIter = sst.Iter()
		it.idx++
	}
}
