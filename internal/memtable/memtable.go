// Package memtable implements the write-ahead memtable of spec §4.B: an
// ordered in-memory map of key to value-update, journaled through
// internal/walcodec so that a batch of writes is visible after recovery
// only if its Commit marker was fsynced.
package memtable

import (
	"fmt"
	"path/filepath"
	"sort"

	"github.com/adwinwhite/qikv/internal/kvrecord"
	"github.com/adwinwhite/qikv/internal/walcodec"
)

// LogFileName is the memtable WAL's name within the store directory (spec §6.1).
const LogFileName = "MEMTABLE_LOG"

// FlushThreshold is the default approx_size at which ShouldFlush reports true
// (spec §6.4). Injectable per the "Configurability" design note (spec §9).
const FlushThreshold = 1 << 20 // 1 MiB

type entry struct {
	key    []byte
	update kvrecord.ValueUpdate
}

// MemTable is a sorted-slice, binary-search ordered map of key to
// ValueUpdate, generalized from the teacher's MemTableEntry slice
// (lsm/memtable.go) to the Put/Tombstone tagged variant of spec §3.
type MemTable struct {
	entries        []entry
	approxSize     int
	flushThreshold int
}

// New returns an empty memtable with the given flush threshold in bytes.
// A threshold of 0 uses FlushThreshold.
func New(flushThreshold int) *MemTable {
	if flushThreshold <= 0 {
		flushThreshold = FlushThreshold
	}
	return &MemTable{flushThreshold: flushThreshold}
}

func (m *MemTable) search(key []byte) int {
	return sort.Search(len(m.entries), func(i int) bool {
		return string(m.entries[i].key) >= string(key)
	})
}

// Put records vu (a value or a tombstone) for key, replacing any existing
// update.
func (m *MemTable) Put(key []byte, vu kvrecord.ValueUpdate) {
	idx := m.search(key)
	if idx < len(m.entries) && string(m.entries[idx].key) == string(key) {
		m.approxSize -= contribution(m.entries[idx])
		m.entries[idx] = entry{key: append([]byte(nil), key...), update: vu}
		m.approxSize += contribution(m.entries[idx])
		return
	}
	m.entries = append(m.entries, entry{})
	copy(m.entries[idx+1:], m.entries[idx:])
	m.entries[idx] = entry{key: append([]byte(nil), key...), update: vu}
	m.approxSize += contribution(m.entries[idx])
}

func contribution(e entry) int {
	return len(e.key) + len(e.update.Value) + kvrecord.EntryOverhead
}

// Get returns the current ValueUpdate for key, or ok=false if absent.
func (m *MemTable) Get(key []byte) (kvrecord.ValueUpdate, bool) {
	idx := m.search(key)
	if idx < len(m.entries) && string(m.entries[idx].key) == string(key) {
		return m.entries[idx].update, true
	}
	return kvrecord.ValueUpdate{}, false
}

// Front returns the first key in ascending order, if any.
func (m *MemTable) Front() ([]byte, bool) {
	if len(m.entries) == 0 {
		return nil, false
	}
	return m.entries[0].key, true
}

// Back returns the last key in ascending order, if any.
func (m *MemTable) Back() ([]byte, bool) {
	if len(m.entries) == 0 {
		return nil, false
	}
	return m.entries[len(m.entries)-1].key, true
}

// Pair is one (key, ValueUpdate) observation from Iter.
type Pair struct {
	Key    []byte
	Update kvrecord.ValueUpdate
}

// Iter returns a snapshot of all entries in ascending key order, suitable
// for streaming a flush to a new level-0 SST.
func (m *MemTable) Iter() []Pair {
	out := make([]Pair, len(m.entries))
	for i, e := range m.entries {
		out[i] = Pair{Key: e.key, Update: e.update}
	}
	return out
}

// ApproxSize returns the current size accumulator (spec §3).
func (m *MemTable) ApproxSize() int { return m.approxSize }

// Len returns the number of live entries.
func (m *MemTable) Len() int { return len(m.entries) }

// ShouldFlush reports whether approx_size has crossed the flush threshold.
func (m *MemTable) ShouldFlush() bool { return m.approxSize >= m.flushThreshold }

func (m *MemTable) clear() {
	m.entries = m.entries[:0]
	m.approxSize = 0
}

// Keeper journals memtable mutations through a walcodec log before applying
// them, giving the atomicity guarantee of spec §4.B: a reader after recovery
// either sees all entries of a committed batch or none.
type Keeper struct {
	table   *MemTable
	writer  *walcodec.Writer
	logPath string

	stagedPayload [][]byte
	stagedPairs   []Pair
}

// Open creates or reopens the memtable log under dir and returns a Keeper
// wrapping a fresh, empty MemTable. Use Recover to rebuild state from an
// existing log instead.
func Open(dir string, flushThreshold int) (*Keeper, error) {
	logPath := filepath.Join(dir, LogFileName)
	w, err := walcodec.OpenWriter(logPath)
	if err != nil {
		return nil, fmt.Errorf("memtable: open log: %w", err)
	}
	return &Keeper{table: New(flushThreshold), writer: w, logPath: logPath}, nil
}

// Recover rebuilds a Keeper's MemTable by replaying the log under the
// discard-incomplete-group rule (spec §4.A, §4.B).
func Recover(dir string, flushThreshold int) (*Keeper, error) {
	table := New(flushThreshold)
	logPath := filepath.Join(dir, LogFileName)

	err := walcodec.Recover(logPath, func(group [][]byte) error {
		for _, payload := range group {
			key, vu, _, err := kvrecord.Decode(payload)
			if err != nil {
				return fmt.Errorf("memtable: decode recovered record: %w", err)
			}
			table.Put(key, vu)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("memtable: recover: %w", err)
	}

	w, err := walcodec.OpenWriter(logPath)
	if err != nil {
		return nil, fmt.Errorf("memtable: reopen log: %w", err)
	}
	return &Keeper{table: table, writer: w, logPath: logPath}, nil
}

// Table exposes the underlying MemTable for reads.
func (k *Keeper) Table() *MemTable { return k.table }

// Insert stages a ValueUpdate in the current (uncommitted) batch.
func (k *Keeper) Insert(key []byte, vu kvrecord.ValueUpdate) {
	k.stagedPayload = append(k.stagedPayload, kvrecord.Encode(key, vu))
	k.stagedPairs = append(k.stagedPairs, Pair{Key: key, Update: vu})
}

// Commit encodes the staged batch followed by a Commit marker, writes it in
// one syscall, fsyncs, and only then applies the batch to the MemTable.
func (k *Keeper) Commit() error {
	if len(k.stagedPayload) == 0 {
		return nil
	}
	if err := k.writer.WriteBatch(k.stagedPayload); err != nil {
		return fmt.Errorf("memtable: commit: %w", err)
	}
	if err := k.writer.Sync(); err != nil {
		return fmt.Errorf("memtable: commit sync: %w", err)
	}
	for _, p := range k.stagedPairs {
		k.table.Put(p.Key, p.Update)
	}
	k.stagedPayload = k.stagedPayload[:0]
	k.stagedPairs = k.stagedPairs[:0]
	return nil
}

// Reset empties the MemTable and truncates the log to zero length. Called
// after a successful flush to level 0.
func (k *Keeper) Reset() error {
	if err := k.writer.Truncate(); err != nil {
		return fmt.Errorf("memtable: reset: %w", err)
	}
	if err := k.writer.Sync(); err != nil {
		return fmt.Errorf("memtable: reset sync: %w", err)
	}
	k.table.clear()
	return nil
}

// Close releases the log file handle.
func (k *Keeper) Close() error { return k.writer.Close() }
