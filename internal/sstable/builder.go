package sstable

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"os"

	"github.com/adwinwhite/qikv/internal/kvrecord"
)

// Builder streams records into a new SST, sampling the sparse index every
// interval records and always indexing the first and last (spec §4.C
// "Sparse index construction").
type Builder struct {
	records  bytes.Buffer
	index    []indexEntry
	count    int
	interval int

	lastKey    []byte
	lastOffset uint64
}

// NewBuilder returns an empty Builder sampling at the default
// SparseIndexInterval.
func NewBuilder() *Builder {
	return NewBuilderWithInterval(SparseIndexInterval)
}

// NewBuilderWithInterval returns an empty Builder sampling the sparse index
// every interval records. interval <= 0 falls back to SparseIndexInterval;
// this is the injection point spec §9's configurability note asks for.
func NewBuilderWithInterval(interval int) *Builder {
	if interval <= 0 {
		interval = SparseIndexInterval
	}
	return &Builder{interval: interval}
}

// RecordsSize returns the number of bytes written to the records section so far.
func (b *Builder) RecordsSize() int { return b.records.Len() }

// WouldExceed reports whether adding (key, vu) next would push the records
// section past budget (spec §4.E rule 3: check before adding, not after).
func (b *Builder) WouldExceed(key []byte, vu kvrecord.ValueUpdate, budget int) bool {
	return b.RecordsSize()+len(kvrecord.Encode(key, vu)) > budget
}

// Add appends one record. Keys must be added in strictly ascending order;
// violating this is a caller bug, not a data condition, so it panics.
func (b *Builder) Add(key []byte, vu kvrecord.ValueUpdate) {
	if b.lastKey != nil && bytes.Compare(b.lastKey, key) >= 0 {
		panic(fmt.Sprintf("sstable: Add called out of order: %q after %q", key, b.lastKey))
	}

	offset := uint64(b.records.Len())
	if b.count == 0 || b.count%b.interval == 0 {
		b.index = append(b.index, indexEntry{key: append([]byte(nil), key...), offset: offset})
	}

	b.records.Write(kvrecord.Encode(key, vu))
	b.lastKey = append([]byte(nil), key...)
	b.lastOffset = offset
	b.count++
}

// Len returns the number of records added so far.
func (b *Builder) Len() int { return b.count }

// Finish writes records | sparse_index | index_length to f, fsyncs, and
// returns the first key, last key, and records-section size. Refuses an
// empty builder (spec §4.C "Behavior on empty memtable: refuse").
func (b *Builder) Finish(f *os.File) (firstKey, lastKey []byte, recordsSize int, err error) {
	if b.count == 0 {
		return nil, nil, 0, fmt.Errorf("sstable: refusing to finish an empty builder")
	}

	// The last record's key is always indexed, even if it fell inside the
	// current sampling interval already.
	if len(b.index) == 0 || !bytes.Equal(b.index[len(b.index)-1].key, b.lastKey) {
		b.index = append(b.index, indexEntry{key: b.lastKey, offset: b.lastOffset})
	}

	if _, err := f.Write(b.records.Bytes()); err != nil {
		return nil, nil, 0, fmt.Errorf("sstable: write records: %w", err)
	}
	indexBuf := encodeIndex(b.index)
	if _, err := f.Write(indexBuf); err != nil {
		return nil, nil, 0, fmt.Errorf("sstable: write index: %w", err)
	}
	lengthBuf := make([]byte, 8)
	binary.BigEndian.PutUint64(lengthBuf, uint64(len(indexBuf)))
	if _, err := f.Write(lengthBuf); err != nil {
		return nil, nil, 0, fmt.Errorf("sstable: write index length: %w", err)
	}
	if err := f.Sync(); err != nil {
		return nil, nil, 0, fmt.Errorf("sstable: fsync: %w", err)
	}

	return b.index[0].key, b.lastKey, b.records.Len(), nil
}

// Abort discards a builder's in-progress state. It exists for symmetry with
// the teacher's SSTableBuilder.Abort; since Builder only touches the
// filesystem in Finish, there is nothing to undo beyond letting the value
// be garbage collected.
func (b *Builder) Abort() {
	b.records.Reset()
	b.index = nil
	b.count = 0
	b.lastKey = nil
}
