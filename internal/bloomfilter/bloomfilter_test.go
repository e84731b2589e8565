package bloomfilter

import "testing"

func TestNoFalseNegatives(t *testing.T) {
	f := New(1000, 0.01)
	keys := make([][]byte, 0, 1000)
	for i := 0; i < 1000; i++ {
		key := []byte{byte(i), byte(i >> 8), byte(i >> 16)}
		keys = append(keys, key)
		f.Add(key)
	}
	for _, key := range keys {
		if !f.MayContain(key) {
			t.Fatalf("MayContain(%v) = false, want true (bloom filters must not false-negative)", key)
		}
	}
}

func TestAbsentKeysUsuallyRejected(t *testing.T) {
	f := New(1000, 0.01)
	for i := 0; i < 1000; i++ {
		f.Add([]byte{byte(i), byte(i >> 8), byte(i >> 16)})
	}

	falsePositives := 0
	trials := 10000
	for i := 1000; i < 1000+trials; i++ {
		key := []byte{byte(i), byte(i >> 8), byte(i >> 16), 0xFF}
		if f.MayContain(key) {
			falsePositives++
		}
	}
	// Configured for 1% false-positive rate; allow generous slack since this
	// is a statistical property, not an exact one.
	if rate := float64(falsePositives) / float64(trials); rate > 0.05 {
		t.Fatalf("false positive rate = %f, want <= 0.05", rate)
	}
}

func TestEmptyFilterRejectsEverything(t *testing.T) {
	f := New(100, 0.01)
	if f.MayContain([]byte("anything")) {
		t.Fatalf("empty filter must reject every key")
	}
}
