// Package bloomfilter implements a fixed-size double-hashing bloom filter
// used as a fast negative-lookup guard in front of the manifest and SST
// read path (spec §4.B "Bloom filter"). Unlike a per-SST filter, this one
// is store-wide and rebuilt in memory from the live key set at open and
// recovery time, so it carries no on-disk encoding of its own.
package bloomfilter

import (
	"hash/fnv"
	"math"
)

// Filter is a Bloom filter over opaque byte-string keys.
type Filter struct {
	bits      []byte
	numBits   uint64
	numHashes uint32
}

// New sizes a filter for expectedKeys entries at falsePositiveRate using the
// standard optimal-parameter formulas:
//
//	m = -n*ln(p) / (ln(2)^2)
//	k = (m/n)*ln(2)
func New(expectedKeys int, falsePositiveRate float64) *Filter {
	if expectedKeys < 1 {
		expectedKeys = 1
	}
	n := float64(expectedKeys)
	numBits := uint64(math.Ceil(-n * math.Log(falsePositiveRate) / (math.Ln2 * math.Ln2)))
	if numBits < 8 {
		numBits = 8
	}
	numHashes := uint32(math.Round((float64(numBits) / n) * math.Ln2))
	if numHashes < 1 {
		numHashes = 1
	}
	return &Filter{
		bits:      make([]byte, (numBits+7)/8),
		numBits:   numBits,
		numHashes: numHashes,
	}
}

// Add records key's presence in the filter.
func (f *Filter) Add(key []byte) {
	h1, h2 := f.getHashes(key)
	for i := uint32(0); i < f.numHashes; i++ {
		bit := (h1 + uint64(i)*h2) % f.numBits
		f.bits[bit/8] |= 1 << (bit % 8)
	}
}

// MayContain reports whether key might be present. false is a definitive
// answer (key is absent); true may be a false positive.
func (f *Filter) MayContain(key []byte) bool {
	h1, h2 := f.getHashes(key)
	for i := uint32(0); i < f.numHashes; i++ {
		bit := (h1 + uint64(i)*h2) % f.numBits
		if f.bits[bit/8]&(1<<(bit%8)) == 0 {
			return false
		}
	}
	return true
}

func (f *Filter) getHashes(key []byte) (uint64, uint64) {
	return hash1(key), hash2(key)
}

func hash1(key []byte) uint64 {
	h := fnv.New64a()
	h.Write(key)
	return h.Sum64()
}

func hash2(key []byte) uint64 {
	h := fnv.New64()
	h.Write(key)
	v := h.Sum64()
	if v == 0 {
		// A zero step would make every probe land on the same bit; fold in
		// hash1 to guarantee a nonzero stride.
		return hash1(key) | 1
	}
	return v
}
