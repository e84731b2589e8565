package manifest

import (
	"encoding/binary"
	"fmt"
	"sort"

	"github.com/adwinwhite/qikv/internal/sstable"
)

// encodeSnapshot serializes the full Manifest structure (spec §4.D
// "Snapshot files — full ... encoding of the Manifest structure at a point
// in time"). Map iteration order is not stable in Go, so every section is
// written in a sorted, deterministic order.
func encodeSnapshot(m *Manifest) []byte {
	var buf []byte

	levels := make([]uint64, 0, len(m.NewIds))
	for l := range m.NewIds {
		levels = append(levels, l)
	}
	sort.Slice(levels, func(i, j int) bool { return levels[i] < levels[j] })
	buf = appendU32(buf, uint32(len(levels)))
	for _, l := range levels {
		buf = appendU64(buf, l)
		buf = appendU64(buf, m.NewIds[l])
	}

	ckLevels := make([]uint64, 0, len(m.CompactKeys))
	for l := range m.CompactKeys {
		ckLevels = append(ckLevels, l)
	}
	sort.Slice(ckLevels, func(i, j int) bool { return ckLevels[i] < ckLevels[j] })
	buf = appendU32(buf, uint32(len(ckLevels)))
	for _, l := range ckLevels {
		buf = appendU64(buf, l)
		buf = appendBytes(buf, m.CompactKeys[l])
	}

	activeLevels := make([]uint64, 0, len(m.ActiveSsts))
	for l := range m.ActiveSsts {
		activeLevels = append(activeLevels, l)
	}
	sort.Slice(activeLevels, func(i, j int) bool { return activeLevels[i] < activeLevels[j] })
	buf = appendU32(buf, uint32(len(activeLevels)))
	for _, l := range activeLevels {
		ids := make([]uint64, 0, len(m.ActiveSsts[l]))
		for id := range m.ActiveSsts[l] {
			ids = append(ids, id)
		}
		sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
		buf = appendU64(buf, l)
		buf = appendU32(buf, uint32(len(ids)))
		for _, id := range ids {
			buf = appendU64(buf, id)
		}
	}

	ranges := make([]sstable.SstId, 0, len(m.SstRanges))
	for id := range m.SstRanges {
		ranges = append(ranges, id)
	}
	sort.Slice(ranges, func(i, j int) bool {
		if ranges[i].Level != ranges[j].Level {
			return ranges[i].Level < ranges[j].Level
		}
		return ranges[i].Id < ranges[j].Id
	})
	buf = appendU32(buf, uint32(len(ranges)))
	for _, id := range ranges {
		r := m.SstRanges[id]
		buf = appendU64(buf, id.Level)
		buf = appendU64(buf, id.Id)
		buf = appendBytes(buf, r.FirstKey)
		buf = appendBytes(buf, r.LastKey)
		buf = appendU64(buf, uint64(r.Size))
	}

	return buf
}

func decodeSnapshot(buf []byte) (*Manifest, error) {
	m := New()
	r := &byteReader{buf: buf}

	n, err := r.u32()
	if err != nil {
		return nil, err
	}
	for i := uint32(0); i < n; i++ {
		level, err := r.u64()
		if err != nil {
			return nil, err
		}
		val, err := r.u64()
		if err != nil {
			return nil, err
		}
		m.NewIds[level] = val
	}

	n, err = r.u32()
	if err != nil {
		return nil, err
	}
	for i := uint32(0); i < n; i++ {
		level, err := r.u64()
		if err != nil {
			return nil, err
		}
		key, err := r.bytes()
		if err != nil {
			return nil, err
		}
		m.CompactKeys[level] = key
	}

	n, err = r.u32()
	if err != nil {
		return nil, err
	}
	for i := uint32(0); i < n; i++ {
		level, err := r.u64()
		if err != nil {
			return nil, err
		}
		count, err := r.u32()
		if err != nil {
			return nil, err
		}
		set := make(map[uint64]struct{}, count)
		for j := uint32(0); j < count; j++ {
			id, err := r.u64()
			if err != nil {
				return nil, err
			}
			set[id] = struct{}{}
		}
		m.ActiveSsts[level] = set
	}

	n, err = r.u32()
	if err != nil {
		return nil, err
	}
	for i := uint32(0); i < n; i++ {
		level, err := r.u64()
		if err != nil {
			return nil, err
		}
		id, err := r.u64()
		if err != nil {
			return nil, err
		}
		first, err := r.bytes()
		if err != nil {
			return nil, err
		}
		last, err := r.bytes()
		if err != nil {
			return nil, err
		}
		size, err := r.u64()
		if err != nil {
			return nil, err
		}
		m.SstRanges[sstable.SstId{Level: level, Id: id}] = Range{FirstKey: first, LastKey: last, Size: int64(size)}
	}

	if !r.exhausted() {
		return nil, fmt.Errorf("manifest: trailing bytes after snapshot")
	}
	return m, nil
}

func appendU32(buf []byte, v uint32) []byte {
	var tmp [4]byte
	binary.LittleEndian.PutUint32(tmp[:], v)
	return append(buf, tmp[:]...)
}

func appendU64(buf []byte, v uint64) []byte {
	var tmp [8]byte
	binary.LittleEndian.PutUint64(tmp[:], v)
	return append(buf, tmp[:]...)
}

func appendBytes(buf []byte, b []byte) []byte {
	buf = appendU32(buf, uint32(len(b)))
	return append(buf, b...)
}

type byteReader struct {
	buf []byte
	pos int
}

func (r *byteReader) exhausted() bool { return r.pos == len(r.buf) }

func (r *byteReader) u32() (uint32, error) {
	if r.pos+4 > len(r.buf) {
		return 0, fmt.Errorf("manifest: truncated u32 in snapshot")
	}
	v := binary.LittleEndian.Uint32(r.buf[r.pos:])
	r.pos += 4
	return v, nil
}

func (r *byteReader) u64() (uint64, error) {
	if r.pos+8 > len(r.buf) {
		return 0, fmt.Errorf("manifest: truncated u64 in snapshot")
	}
	v := binary.LittleEndian.Uint64(r.buf[r.pos:])
	r.pos += 8
	return v, nil
}

func (r *byteReader) bytes() ([]byte, error) {
	n, err := r.u32()
	if err != nil {
		return nil, err
	}
	if r.pos+int(n) > len(r.buf) {
		return nil, fmt.Errorf("manifest: truncated byte string in snapshot")
	}
	b := append([]byte(nil), r.buf[r.pos:r.pos+int(n)]...)
	r.pos += int(n)
	return b, nil
}
