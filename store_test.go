package qikv

import (
	"bytes"
	"fmt"
	"math/rand"
	"os"
	"testing"

	"github.com/adwinwhite/qikv/config"
	"github.com/adwinwhite/qikv/internal/sstable"
	"github.com/adwinwhite/qikv/internal/testutil"
)

func tempStoreDir(t *testing.T) string {
	return testutil.TempDir(t)
}

func TestBasicInsertGet(t *testing.T) {
	dir := tempStoreDir(t)
	s, err := New(dir)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer s.Close()

	if err := s.Insert([]byte("b"), []byte("1")); err != nil {
		t.Fatalf("Insert b: %v", err)
	}
	if err := s.Insert([]byte("a"), []byte("2")); err != nil {
		t.Fatalf("Insert a: %v", err)
	}
	if err := s.Insert([]byte("c"), []byte("3")); err != nil {
		t.Fatalf("Insert c: %v", err)
	}

	cases := map[string]string{"a": "2", "b": "1", "c": "3"}
	for k, want := range cases {
		v, ok, err := s.Get([]byte(k))
		if err != nil {
			t.Fatalf("Get(%s): %v", k, err)
		}
		if !ok || string(v) != want {
			t.Fatalf("Get(%s) = (%s, %v), want (%s, true)", k, v, ok, want)
		}
	}
	if _, ok, err := s.Get([]byte("d")); err != nil || ok {
		t.Fatalf("Get(d) = ok=%v err=%v, want ok=false", ok, err)
	}
}

func TestOverwriteAndTombstone(t *testing.T) {
	dir := tempStoreDir(t)
	s, err := New(dir)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer s.Close()

	must := func(err error) {
		t.Helper()
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	must(s.Insert([]byte("k"), []byte("x")))
	must(s.Insert([]byte("k"), []byte("y")))
	must(s.Remove([]byte("k")))

	if _, ok, err := s.Get([]byte("k")); err != nil || ok {
		t.Fatalf("Get(k) after remove = ok=%v err=%v, want ok=false", ok, err)
	}

	must(s.Insert([]byte("k"), []byte("z")))
	v, ok, err := s.Get([]byte("k"))
	if err != nil || !ok || string(v) != "z" {
		t.Fatalf("Get(k) = (%s, %v, %v), want (z, true, nil)", v, ok, err)
	}
}

func TestEmptyKeyRejected(t *testing.T) {
	dir := tempStoreDir(t)
	s, err := New(dir)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer s.Close()

	if err := s.Insert(nil, []byte("v")); err == nil {
		t.Fatalf("expected error inserting empty key")
	}
	if _, _, err := s.Get(nil); err == nil {
		t.Fatalf("expected error getting empty key")
	}
}

func TestNewRefusesExistingStore(t *testing.T) {
	dir := tempStoreDir(t)
	s, err := New(dir)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	s.Close()

	if _, err := New(dir); err == nil {
		t.Fatalf("expected New to refuse a directory that already holds a store")
	}
}

func TestFlushBoundary(t *testing.T) {
	dir := tempStoreDir(t)
	s, err := New(dir)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer s.Close()

	value := bytes.Repeat([]byte("v"), 10*1024)
	keys := make([]string, 0, 200)
	flushed := false
	for i := 0; i < 200; i++ {
		key := fmt.Sprintf("key-%04d", i)
		keys = append(keys, key)
		if err := s.Insert([]byte(key), value); err != nil {
			t.Fatalf("Insert %s: %v", key, err)
		}
		// The insert that crosses 1 MiB flushes; right after it the memtable
		// is empty (the inserts that follow refill it below the threshold).
		if !flushed && len(s.man.Manifest().SstByLevel(0)) > 0 {
			flushed = true
			if s.mem.Table().Len() != 0 {
				t.Fatalf("expected memtable empty after flush, got %d entries", s.mem.Table().Len())
			}
		}
	}

	level0 := s.man.Manifest().SstByLevel(0)
	if len(level0) != 1 {
		t.Fatalf("expected exactly one level-0 sst, got %d", len(level0))
	}

	for _, key := range keys {
		v, ok, err := s.Get([]byte(key))
		if err != nil {
			t.Fatalf("Get(%s): %v", key, err)
		}
		if !ok || !bytes.Equal(v, value) {
			t.Fatalf("Get(%s) did not return the written value", key)
		}
	}
}

func TestLevel0CompactionFiresThroughStore(t *testing.T) {
	dir := tempStoreDir(t)
	s, err := New(dir)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer s.Close()

	value := bytes.Repeat([]byte("v"), 10*1024)
	flushOnce := func(distinctKey string) {
		for i := 0; i < 105; i++ {
			key := fmt.Sprintf("%s-%03d", distinctKey, i)
			if err := s.Insert([]byte(key), value); err != nil {
				t.Fatalf("Insert %s: %v", key, err)
			}
		}
	}
	// Four rounds of ~105 * 10 KiB > 1 MiB each forces four level-0 flushes,
	// crossing the level-0 count trigger and firing a compaction to level 1.
	flushOnce("a")
	flushOnce("b")
	flushOnce("c")
	flushOnce("d")

	m := s.man.Manifest()
	if len(m.SstByLevel(0)) != 0 {
		t.Fatalf("expected level 0 empty after compaction, got %v", m.SstByLevel(0))
	}
	if len(m.SstByLevel(1)) == 0 {
		t.Fatalf("expected level 1 populated after compaction")
	}
}

func TestCrashRecoveryReplaysLastCommit(t *testing.T) {
	dir := tempStoreDir(t)
	s, err := New(dir)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	for i := 0; i < 50; i++ {
		key := fmt.Sprintf("key-%02d", i)
		if err := s.Insert([]byte(key), []byte("value")); err != nil {
			t.Fatalf("Insert %s: %v", key, err)
		}
	}
	s.Close()

	recovered, err := Recover(dir)
	if err != nil {
		t.Fatalf("Recover: %v", err)
	}
	defer recovered.Close()

	for i := 0; i < 50; i++ {
		key := fmt.Sprintf("key-%02d", i)
		v, ok, err := recovered.Get([]byte(key))
		if err != nil || !ok || string(v) != "value" {
			t.Fatalf("recovered Get(%s) = (%s, %v, %v)", key, v, ok, err)
		}
	}
}

func TestMultilevelGrowth(t *testing.T) {
	dir := tempStoreDir(t)
	s, err := New(dir)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer s.Close()

	rng := rand.New(rand.NewSource(1))
	value := bytes.Repeat([]byte("v"), 1024)
	// ~16 MiB of ~1 KiB writes with ~20% random deletions.
	for i := 0; i < 16*1024; i++ {
		key := fmt.Sprintf("key-%06d", i)
		if rng.Intn(5) == 0 {
			if err := s.Remove([]byte(key)); err != nil {
				t.Fatalf("Remove %s: %v", key, err)
			}
			continue
		}
		if err := s.Insert([]byte(key), value); err != nil {
			t.Fatalf("Insert %s: %v", key, err)
		}
	}

	if got := s.man.Manifest().MaxLevel(); got < 2 {
		t.Fatalf("MaxLevel() = %d, want >= 2 after sustained multilevel growth", got)
	}
}

// TestConfigDrivesMemtableFlushSize proves the injected MemtableFlushSize
// constant actually gates the flush, not just the package default (spec §9
// "Configurability").
func TestConfigDrivesMemtableFlushSize(t *testing.T) {
	dir := tempStoreDir(t)
	cfg := config.Default(dir)
	cfg.MemtableFlushSize = 4 * 1024

	s, err := NewWithConfig(dir, cfg)
	if err != nil {
		t.Fatalf("NewWithConfig: %v", err)
	}
	defer s.Close()

	value := bytes.Repeat([]byte("v"), 1024)
	for i := 0; i < 8; i++ {
		key := fmt.Sprintf("key-%02d", i)
		if err := s.Insert([]byte(key), value); err != nil {
			t.Fatalf("Insert %s: %v", key, err)
		}
	}

	if len(s.man.Manifest().SstByLevel(0)) == 0 {
		t.Fatalf("expected the 4 KiB flush threshold to have forced at least one flush")
	}
}

// TestConfigDrivesLevel0CompactionTrigger proves the injected
// Level0CompactionTrigger actually gates compaction, not just the package
// default (spec §9 "Configurability").
func TestConfigDrivesLevel0CompactionTrigger(t *testing.T) {
	dir := tempStoreDir(t)
	cfg := config.Default(dir)
	cfg.MemtableFlushSize = 4 * 1024
	cfg.Level0CompactionTrigger = 2

	s, err := NewWithConfig(dir, cfg)
	if err != nil {
		t.Fatalf("NewWithConfig: %v", err)
	}
	defer s.Close()

	value := bytes.Repeat([]byte("v"), 1024)
	for i := 0; i < 16; i++ {
		key := fmt.Sprintf("key-%02d", i)
		if err := s.Insert([]byte(key), value); err != nil {
			t.Fatalf("Insert %s: %v", key, err)
		}
	}

	m := s.man.Manifest()
	if len(m.SstByLevel(0)) >= cfg.Level0CompactionTrigger {
		t.Fatalf("expected a level-0 trigger of %d to have fired compaction, got %d level-0 ssts",
			cfg.Level0CompactionTrigger, len(m.SstByLevel(0)))
	}
	if len(m.SstByLevel(1)) == 0 {
		t.Fatalf("expected compaction to have populated level 1")
	}
}

// TestConfigDrivesSparseIndexInterval proves the injected SparseIndexInterval
// actually sizes the sparse index a flushed SST is built with.
func TestConfigDrivesSparseIndexInterval(t *testing.T) {
	dir := tempStoreDir(t)
	cfg := config.Default(dir)
	cfg.SparseIndexInterval = 1

	s, err := NewWithConfig(dir, cfg)
	if err != nil {
		t.Fatalf("NewWithConfig: %v", err)
	}
	defer s.Close()

	for i := 0; i < 20; i++ {
		key := fmt.Sprintf("key-%02d", i)
		if err := s.Insert([]byte(key), []byte("v")); err != nil {
			t.Fatalf("Insert %s: %v", key, err)
		}
	}
	if err := s.flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}

	level0 := s.man.Manifest().SstByLevel(0)
	if len(level0) != 1 {
		t.Fatalf("expected exactly one level-0 sst, got %d", len(level0))
	}
	sst, err := sstable.Load(sstable.FilePath(dir, level0[0]), level0[0])
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	count := 0
	it := sst.Iter()
	for {
		_, _, ok, err := it.Next()
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		if !ok {
			break
		}
		count++
	}
	if count != 20 {
		t.Fatalf("expected 20 records, got %d", count)
	}

	// With interval 1 every one of the 20 records must be indexed. The index
	// is a u32 entry count plus, per entry, a u32 key length, the 6-byte key
	// and a u64 offset; it sits between the records and the 8-byte tail.
	info, err := os.Stat(sstable.FilePath(dir, level0[0]))
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	indexLen := info.Size() - int64(sst.RecordsSize()) - 8
	if want := int64(4 + 20*(4+6+8)); indexLen != want {
		t.Fatalf("sparse index is %d bytes, want %d (one entry per record)", indexLen, want)
	}
}

// TestRecoverWithConfigAppliesInjectedMemtableFlushSize proves
// RecoverWithConfig, not just NewWithConfig, wires the injected constants.
func TestRecoverWithConfigAppliesInjectedMemtableFlushSize(t *testing.T) {
	dir := tempStoreDir(t)
	s, err := New(dir)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := s.Insert([]byte("a"), []byte("1")); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	s.Close()

	cfg := config.Default(dir)
	cfg.MemtableFlushSize = 4 * 1024
	recovered, err := RecoverWithConfig(dir, cfg)
	if err != nil {
		t.Fatalf("RecoverWithConfig: %v", err)
	}
	defer recovered.Close()

	value := bytes.Repeat([]byte("v"), 1024)
	for i := 0; i < 8; i++ {
		key := fmt.Sprintf("key-%02d", i)
		if err := recovered.Insert([]byte(key), value); err != nil {
			t.Fatalf("Insert %s: %v", key, err)
		}
	}
	if len(recovered.man.Manifest().SstByLevel(0)) == 0 {
		t.Fatalf("expected the recovered store's 4 KiB flush threshold to have forced a flush")
	}
}
