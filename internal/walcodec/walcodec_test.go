package walcodec

import (
	"os"
	"path/filepath"
	"testing"
)

func tempLogPath(t *testing.T) string {
	t.Helper()
	dir, err := os.MkdirTemp("", "walcodec-test-*")
	if err != nil {
		t.Fatalf("MkdirTemp: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })
	return filepath.Join(dir, "LOG")
}

func TestWriteBatchAndRecover(t *testing.T) {
	path := tempLogPath(t)

	w, err := OpenWriter(path)
	if err != nil {
		t.Fatalf("OpenWriter: %v", err)
	}

	if err := w.WriteBatch([][]byte{[]byte("a"), []byte("b")}); err != nil {
		t.Fatalf("WriteBatch: %v", err)
	}
	if err := w.Sync(); err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if err := w.WriteBatch([][]byte{[]byte("c")}); err != nil {
		t.Fatalf("WriteBatch: %v", err)
	}
	if err := w.Sync(); err != nil {
		t.Fatalf("Sync: %v", err)
	}
	w.Close()

	var groups [][][]byte
	err = Recover(path, func(group [][]byte) error {
		cp := make([][]byte, len(group))
		copy(cp, group)
		groups = append(groups, cp)
		return nil
	})
	if err != nil {
		t.Fatalf("Recover: %v", err)
	}

	if len(groups) != 2 {
		t.Fatalf("expected 2 groups, got %d", len(groups))
	}
	if len(groups[0]) != 2 || string(groups[0][0]) != "a" || string(groups[0][1]) != "b" {
		t.Fatalf("unexpected first group: %v", groups[0])
	}
	if len(groups[1]) != 1 || string(groups[1][0]) != "c" {
		t.Fatalf("unexpected second group: %v", groups[1])
	}
}

func TestRecoverMissingFileIsEmpty(t *testing.T) {
	path := tempLogPath(t)
	called := false
	err := Recover(path, func(group [][]byte) error {
		called = true
		return nil
	})
	if err != nil {
		t.Fatalf("Recover on missing file: %v", err)
	}
	if called {
		t.Fatalf("apply should not be called for a missing file")
	}
}

func TestRecoverDiscardsIncompleteGroup(t *testing.T) {
	path := tempLogPath(t)

	w, err := OpenWriter(path)
	if err != nil {
		t.Fatalf("OpenWriter: %v", err)
	}
	if err := w.WriteBatch([][]byte{[]byte("committed")}); err != nil {
		t.Fatalf("WriteBatch: %v", err)
	}
	if err := w.Sync(); err != nil {
		t.Fatalf("Sync: %v", err)
	}
	completeSize, err := w.Size()
	if err != nil {
		t.Fatalf("Size: %v", err)
	}

	// Simulate a torn batch: a Data record with no following Commit marker.
	torn := EncodeRecord(RecordData, []byte("dangling"))
	if _, err := w.file.Write(torn); err != nil {
		t.Fatalf("write torn record: %v", err)
	}
	if err := w.Sync(); err != nil {
		t.Fatalf("Sync: %v", err)
	}
	w.Close()

	var groups [][][]byte
	err = Recover(path, func(group [][]byte) error {
		cp := make([][]byte, len(group))
		copy(cp, group)
		groups = append(groups, cp)
		return nil
	})
	if err != nil {
		t.Fatalf("Recover: %v", err)
	}
	if len(groups) != 1 || string(groups[0][0]) != "committed" {
		t.Fatalf("expected only the committed group, got %v", groups)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if info.Size() != completeSize {
		t.Fatalf("expected truncation to %d bytes, got %d", completeSize, info.Size())
	}
}

func TestRecoverDiscardsOnCorruptRecord(t *testing.T) {
	path := tempLogPath(t)

	w, err := OpenWriter(path)
	if err != nil {
		t.Fatalf("OpenWriter: %v", err)
	}
	if err := w.WriteBatch([][]byte{[]byte("good")}); err != nil {
		t.Fatalf("WriteBatch: %v", err)
	}
	if err := w.Sync(); err != nil {
		t.Fatalf("Sync: %v", err)
	}
	goodSize, err := w.Size()
	if err != nil {
		t.Fatalf("Size: %v", err)
	}

	corrupt := EncodeRecord(RecordData, []byte("oops"))
	corrupt[len(corrupt)-1] ^= 0xFF // flip a byte in the CRC trailer
	if _, err := w.file.Write(corrupt); err != nil {
		t.Fatalf("write corrupt record: %v", err)
	}
	if err := w.Sync(); err != nil {
		t.Fatalf("Sync: %v", err)
	}
	w.Close()

	var groups [][][]byte
	err = Recover(path, func(group [][]byte) error {
		groups = append(groups, group)
		return nil
	})
	if err != nil {
		t.Fatalf("Recover: %v", err)
	}
	if len(groups) != 1 {
		t.Fatalf("expected only the good group, got %d groups", len(groups))
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if info.Size() != goodSize {
		t.Fatalf("expected truncation to %d bytes, got %d", goodSize, info.Size())
	}
}
