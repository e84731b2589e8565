package sstable

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/adwinwhite/qikv/internal/kvrecord"
)

func tempDir(t *testing.T) string {
	t.Helper()
	dir, err := os.MkdirTemp("", "sstable-test-*")
	if err != nil {
		t.Fatalf("MkdirTemp: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })
	return dir
}

func buildAndLoad(t *testing.T, dir string, id SstId, keys []string) *SSTable {
	t.Helper()
	path := filepath.Join(dir, fmt.Sprintf("sst-%d-%d", id.Level, id.Id))
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	b := NewBuilder()
	for _, k := range keys {
		b.Add([]byte(k), kvrecord.Put([]byte("v-"+k)))
	}
	if _, _, _, err := b.Finish(f); err != nil {
		t.Fatalf("Finish: %v", err)
	}
	f.Close()

	sst, err := Load(path, id)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	return sst
}

func TestBuildLoadGetRoundTrip(t *testing.T) {
	dir := tempDir(t)
	keys := make([]string, 40)
	for i := range keys {
		keys[i] = fmt.Sprintf("k%03d", i)
	}
	sst := buildAndLoad(t, dir, SstId{Level: 0, Id: 1}, keys)

	if string(sst.FirstKey()) != "k000" || string(sst.LastKey()) != "k039" {
		t.Fatalf("first/last = %q/%q", sst.FirstKey(), sst.LastKey())
	}

	for _, k := range keys {
		vu, ok, err := sst.Get([]byte(k))
		if err != nil {
			t.Fatalf("Get(%s): %v", k, err)
		}
		if !ok || string(vu.Value) != "v-"+k {
			t.Fatalf("Get(%s) = %+v, %v", k, vu, ok)
		}
	}

	if _, ok, err := sst.Get([]byte("missing")); err != nil || ok {
		t.Fatalf("Get(missing) = ok=%v err=%v", ok, err)
	}
	if _, ok, err := sst.Get([]byte("a-before-everything")); err != nil || ok {
		t.Fatalf("Get(before range) = ok=%v err=%v", ok, err)
	}
}

func TestBuilderRefusesEmpty(t *testing.T) {
	dir := tempDir(t)
	f, err := os.Create(filepath.Join(dir, "empty"))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	defer f.Close()
	b := NewBuilder()
	if _, _, _, err := b.Finish(f); err == nil {
		t.Fatalf("expected Finish on empty builder to fail")
	}
}

func TestSSTableIterAscending(t *testing.T) {
	dir := tempDir(t)
	keys := []string{"a", "b", "c", "d"}
	sst := buildAndLoad(t, dir, SstId{Level: 0, Id: 1}, keys)

	it := sst.Iter()
	var got []string
	for {
		k, _, ok, err := it.Next()
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		if !ok {
			break
		}
		got = append(got, string(k))
	}
	if len(got) != len(keys) {
		t.Fatalf("got %v, want %v", got, keys)
	}
	for i, k := range keys {
		if got[i] != k {
			t.Fatalf("got[%d] = %s, want %s", i, got[i], k)
		}
	}
}

func TestGroupIterNewerWinsOnTie(t *testing.T) {
	dir := tempDir(t)
	// Newer SST (id 2) shadows "b" from the older one (id 1); priority order
	// passed to NewGroupIter is newest-first, matching level-0 ordering.
	older := buildAndLoad(t, dir, SstId{Level: 0, Id: 1}, []string{"a", "b", "c"})
	newerPath := filepath.Join(dir, "newer")
	f, err := os.Create(newerPath)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	b := NewBuilder()
	b.Add([]byte("b"), kvrecord.Put([]byte("v-b-new")))
	b.Add([]byte("e"), kvrecord.Put([]byte("v-e")))
	if _, _, _, err := b.Finish(f); err != nil {
		t.Fatalf("Finish: %v", err)
	}
	f.Close()
	newer, err := Load(newerPath, SstId{Level: 0, Id: 2})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	it := NewGroupIter([]*SSTable{newer, older})
	want := map[string]string{"a": "v-a", "b": "v-b-new", "c": "v-c", "e": "v-e"}
	got := map[string]string{}
	for {
		k, vu, ok, err := it.Next()
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		if !ok {
			break
		}
		got[string(k)] = string(vu.Value)
	}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for k, v := range want {
		if got[k] != v {
			t.Fatalf("got[%s] = %s, want %s", k, got[k], v)
		}
	}
}

func TestLevelGroupIterChainsInOrder(t *testing.T) {
	dir := tempDir(t)
	sst1 := buildAndLoad(t, dir, SstId{Level: 1, Id: 1}, []string{"a", "b"})
	sst2 := buildAndLoad(t, dir, SstId{Level: 1, Id: 2}, []string{"c", "d"})

	it := NewLevelGroupIter([]string{sst1.Path(), sst2.Path()}, []SstId{sst1.ID(), sst2.ID()})
	var got []string
	for {
		k, _, ok, err := it.Next()
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		if !ok {
			break
		}
		got = append(got, string(k))
	}
	want := []string{"a", "b", "c", "d"}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got[%d] = %s, want %s", i, got[i], want[i])
		}
	}
}
