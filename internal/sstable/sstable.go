// Package sstable implements the immutable sorted-string table format of
// spec §4.C: a tail-loaded file (records | sparse_index | index_length),
// its point lookup, and the family of iterators that compose it with the
// memtable for full reads and with itself for compaction merges.
package sstable

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"sort"

	"github.com/adwinwhite/qikv/internal/kvrecord"
)

// SparseIndexInterval is the fixed sampling rate for the sparse index
// (spec §6.4): one entry is emitted per this many records.
const SparseIndexInterval = 16

// MaxFileSize bounds the records-section size of a single output SST
// (spec §6.4, "SSTABLE_FILE_SIZE"). Both this and SparseIndexInterval are
// only defaults: NewBuilderWithInterval falls back to SparseIndexInterval
// for a non-positive interval, and compaction.Tuning falls back to both for
// a zero field. WouldExceed uses whatever budget it is given.
const MaxFileSize = 2 << 20 // 2 MiB

// ErrCorrupt marks an on-disk SST that fails to decode or violates one of
// Load's structural invariants (bad index, non-ascending records). It is
// distinct from the plain I/O errors Load also returns for a missing or
// unreadable file, which callers may treat as a fresher condition.
var ErrCorrupt = errors.New("sstable: corrupt on-disk record")

// SstId is the (level, id) pair of spec §3. Ordering is level ascending,
// then id descending (newer-first within a level).
type SstId struct {
	Level uint64
	Id    uint64
}

// Less implements the SstId ordering of spec §3.
func (a SstId) Less(b SstId) bool {
	if a.Level != b.Level {
		return a.Level < b.Level
	}
	return a.Id > b.Id
}

func (id SstId) String() string { return fmt.Sprintf("L%d-%d", id.Level, id.Id) }

type indexEntry struct {
	key    []byte
	offset uint64
}

// SSTable is the in-memory form of spec §3: the concatenated record payload,
// its sparse index, and the SstId that owns it.
type SSTable struct {
	buf   []byte
	index []indexEntry
	id    SstId
	path  string
}

// ID returns the owning SstId.
func (s *SSTable) ID() SstId { return s.id }

// Path returns the backing file path.
func (s *SSTable) Path() string { return s.path }

// FirstKey returns the smallest key in the table.
func (s *SSTable) FirstKey() []byte { return s.index[0].key }

// LastKey returns the largest key in the table.
func (s *SSTable) LastKey() []byte { return s.index[len(s.index)-1].key }

// RecordsSize returns the byte size of the records section.
func (s *SSTable) RecordsSize() int { return len(s.buf) }

// Overlaps reports whether [FirstKey, LastKey] intersects [firstKey, lastKey]
// (closed-interval intersection, spec §4.D get_overlappings).
func (s *SSTable) Overlaps(firstKey, lastKey []byte) bool {
	return bytes.Compare(s.FirstKey(), lastKey) <= 0 && bytes.Compare(firstKey, s.LastKey()) <= 0
}

// Less orders two loaded SSTables by the SSTable ordering of spec §3:
// level 0 by id descending; level >= 1 by (level asc, first_key asc,
// last_key asc).
func Less(a, b *SSTable) bool {
	if a.id.Level == 0 && b.id.Level == 0 {
		return a.id.Id > b.id.Id
	}
	if a.id.Level != b.id.Level {
		return a.id.Level < b.id.Level
	}
	if c := bytes.Compare(a.FirstKey(), b.FirstKey()); c != 0 {
		return c < 0
	}
	return bytes.Compare(a.LastKey(), b.LastKey()) < 0
}

// FilePath builds the on-disk path for an SstId relative to the store dir
// (spec §6.1: SST/<level>/<id>).
func FilePath(dir string, id SstId) string {
	return fmt.Sprintf("%s/SST/%d/%d", dir, id.Level, id.Id)
}

// Load performs the tail-first read of spec §4.C: the last 8 bytes give the
// big-endian index length, the index precedes them, and everything before
// the index is the records section.
func Load(path string, id SstId) (*SSTable, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("sstable: open %s: %w", path, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("sstable: stat %s: %w", path, err)
	}
	size := info.Size()
	if size < 8 {
		return nil, fmt.Errorf("sstable: %s too small to hold an index length tail: %w", path, ErrCorrupt)
	}

	tail := make([]byte, 8)
	if _, err := f.ReadAt(tail, size-8); err != nil {
		return nil, fmt.Errorf("sstable: read index length tail of %s: %w", path, err)
	}
	indexLen := int64(binary.BigEndian.Uint64(tail))
	if indexLen < 0 || indexLen > size-8 {
		return nil, fmt.Errorf("sstable: %s: index length %d exceeds file size: %w", path, indexLen, ErrCorrupt)
	}

	indexStart := size - 8 - indexLen
	indexBuf := make([]byte, indexLen)
	if indexLen > 0 {
		if _, err := f.ReadAt(indexBuf, indexStart); err != nil {
			return nil, fmt.Errorf("sstable: read index of %s: %w", path, err)
		}
	}
	index, err := decodeIndex(indexBuf)
	if err != nil {
		return nil, fmt.Errorf("sstable: decode index of %s: %v: %w", path, err, ErrCorrupt)
	}
	if len(index) == 0 {
		return nil, fmt.Errorf("sstable: %s: empty sparse index violates invariant: %w", path, ErrCorrupt)
	}

	records := make([]byte, indexStart)
	if indexStart > 0 {
		if _, err := f.ReadAt(records, 0); err != nil {
			return nil, fmt.Errorf("sstable: read records of %s: %w", path, err)
		}
	}

	sst := &SSTable{buf: records, index: index, id: id, path: path}
	if err := sst.validate(); err != nil {
		return nil, fmt.Errorf("sstable: %s: %v: %w", path, err, ErrCorrupt)
	}
	return sst, nil
}

// validate enforces the load-time invariants of spec §4.C: the first and
// last key of the records equal the minimum and maximum of the index.
func (s *SSTable) validate() error {
	it := s.Iter()
	firstKey, _, ok, err := it.Next()
	if err != nil {
		return fmt.Errorf("invariant breach: %w", err)
	}
	if !ok {
		return fmt.Errorf("invariant breach: no records despite non-empty index")
	}
	if !bytes.Equal(firstKey, s.index[0].key) {
		return fmt.Errorf("invariant breach: first record key %q != min index key %q", firstKey, s.index[0].key)
	}

	var lastKey []byte
	for {
		k, _, ok, err := it.Next()
		if err != nil {
			return fmt.Errorf("invariant breach: %w", err)
		}
		if !ok {
			break
		}
		if lastKey != nil && bytes.Compare(lastKey, k) >= 0 {
			return fmt.Errorf("invariant breach: records not strictly ascending at %q", k)
		}
		lastKey = k
	}
	if lastKey == nil {
		lastKey = firstKey
	}
	if !bytes.Equal(lastKey, s.index[len(s.index)-1].key) {
		return fmt.Errorf("invariant breach: last record key %q != max index key %q", lastKey, s.index[len(s.index)-1].key)
	}
	return nil
}

// Get performs the bounded-cost point lookup of spec §4.C: locate the
// bracketing index entry, then linear-scan within its gap.
func (s *SSTable) Get(key []byte) (kvrecord.ValueUpdate, bool, error) {
	if bytes.Compare(key, s.index[0].key) < 0 {
		return kvrecord.ValueUpdate{}, false, nil
	}
	i := sort.Search(len(s.index), func(i int) bool {
		return bytes.Compare(s.index[i].key, key) > 0
	}) - 1
	if i < 0 {
		i = 0
	}

	pos := int(s.index[i].offset)
	end := len(s.buf)
	if i+1 < len(s.index) {
		end = int(s.index[i+1].offset)
	}

	for pos < end {
		k, vu, n, err := kvrecord.Decode(s.buf[pos:])
		if err != nil {
			return kvrecord.ValueUpdate{}, false, fmt.Errorf("sstable: decode at offset %d: %v: %w", pos, err, ErrCorrupt)
		}
		switch bytes.Compare(k, key) {
		case 0:
			return vu, true, nil
		case 1:
			return kvrecord.ValueUpdate{}, false, nil
		}
		pos += n
	}
	return kvrecord.ValueUpdate{}, false, nil
}

func encodeIndex(entries []indexEntry) []byte {
	size := 4
	for _, e := range entries {
		size += 4 + len(e.key) + 8
	}
	buf := make([]byte, size)
	off := 0
	binary.LittleEndian.PutUint32(buf[off:], uint32(len(entries)))
	off += 4
	for _, e := range entries {
		binary.LittleEndian.PutUint32(buf[off:], uint32(len(e.key)))
		off += 4
		off += copy(buf[off:], e.key)
		binary.LittleEndian.PutUint64(buf[off:], e.offset)
		off += 8
	}
	return buf
}

func decodeIndex(buf []byte) ([]indexEntry, error) {
	if len(buf) < 4 {
		return nil, fmt.Errorf("truncated index count")
	}
	count := int(binary.LittleEndian.Uint32(buf))
	off := 4
	entries := make([]indexEntry, 0, count)
	var prevKey []byte
	for i := 0; i < count; i++ {
		if off+4 > len(buf) {
			return nil, fmt.Errorf("truncated index entry %d", i)
		}
		keyLen := int(binary.LittleEndian.Uint32(buf[off:]))
		off += 4
		if off+keyLen+8 > len(buf) {
			return nil, fmt.Errorf("truncated index entry %d", i)
		}
		key := append([]byte(nil), buf[off:off+keyLen]...)
		off += keyLen
		offset := binary.LittleEndian.Uint64(buf[off:])
		off += 8
		if prevKey != nil && bytes.Compare(prevKey, key) >= 0 {
			return nil, fmt.Errorf("index keys not strictly ascending at entry %d", i)
		}
		prevKey = key
		entries = append(entries, indexEntry{key: key, offset: offset})
	}
	if off != len(buf) {
		return nil, fmt.Errorf("trailing bytes after index")
	}
	return entries, nil
}
