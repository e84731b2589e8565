// Package kvrecord encodes the (Key, ValueUpdate) pairs that make up both a
// memtable log batch's payloads and an SST's records section (spec §3, §6.2).
// Manifest actions and snapshots use their own encoding (internal/manifest).
package kvrecord

import (
	"encoding/binary"
	"fmt"
)

// ValueUpdate is the tagged Put/Tombstone variant of spec §3. A Tombstone
// carries no value; Value holds the payload of a Put.
type ValueUpdate struct {
	Tombstone bool
	Value     []byte
}

// Put builds a live-value update.
func Put(value []byte) ValueUpdate { return ValueUpdate{Value: value} }

// Delete builds a tombstone update.
func Delete() ValueUpdate { return ValueUpdate{Tombstone: true} }

// Encode lays out one record as:
//
//	[ keyLen u32 LE ][ key ][ tombstone u8 ][ valueLen u32 LE ][ value ]
//
// valueLen and value are omitted (zero bytes) when Tombstone is set.
func Encode(key []byte, vu ValueUpdate) []byte {
	size := 4 + len(key) + 1
	if !vu.Tombstone {
		size += 4 + len(vu.Value)
	}
	buf := make([]byte, size)
	off := 0
	binary.LittleEndian.PutUint32(buf[off:], uint32(len(key)))
	off += 4
	off += copy(buf[off:], key)
	if vu.Tombstone {
		buf[off] = 1
		off++
		return buf
	}
	buf[off] = 0
	off++
	binary.LittleEndian.PutUint32(buf[off:], uint32(len(vu.Value)))
	off += 4
	copy(buf[off:], vu.Value)
	return buf
}

// Decode reads one record from the front of buf, returning the key, the
// update, and the number of bytes consumed.
func Decode(buf []byte) (key []byte, vu ValueUpdate, n int, err error) {
	if len(buf) < 4 {
		return nil, ValueUpdate{}, 0, fmt.Errorf("kvrecord: truncated key length")
	}
	keyLen := int(binary.LittleEndian.Uint32(buf))
	off := 4
	if off+keyLen+1 > len(buf) {
		return nil, ValueUpdate{}, 0, fmt.Errorf("kvrecord: truncated key or tag")
	}
	key = buf[off : off+keyLen]
	off += keyLen
	tag := buf[off]
	off++
	if tag != 0 {
		return key, ValueUpdate{Tombstone: true}, off, nil
	}
	if off+4 > len(buf) {
		return nil, ValueUpdate{}, 0, fmt.Errorf("kvrecord: truncated value length")
	}
	valLen := int(binary.LittleEndian.Uint32(buf[off:]))
	off += 4
	if off+valLen > len(buf) {
		return nil, ValueUpdate{}, 0, fmt.Errorf("kvrecord: truncated value")
	}
	vu = ValueUpdate{Value: buf[off : off+valLen]}
	off += valLen
	return key, vu, off, nil
}

// EntryOverhead is the fixed per-entry contribution to a memtable's
// approx_size accumulator (spec §3), on top of key length + value length.
const EntryOverhead = 16
