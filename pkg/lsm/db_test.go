package lsm

import (
	"bytes"
	"fmt"
	"sync"
	"testing"
)

func TestDBPutGet(t *testing.T) {
	dir := t.TempDir()
	db, err := Open(dir)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer db.Close()

	if err := db.Add([]byte("k1"), []byte("v1")); err != nil {
		t.Fatalf("add: %v", err)
	}

	value, found, err := db.Get([]byte("k1"))
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !found {
		t.Fatal("expected key to be found")
	}
	if !bytes.Equal(value, []byte("v1")) {
		t.Fatalf("expected v1, got %s", value)
	}
}

func TestDBGetMissing(t *testing.T) {
	dir := t.TempDir()
	db, err := Open(dir)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer db.Close()

	_, found, err := db.Get([]byte("absent"))
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if found {
		t.Fatal("expected key to be missing")
	}
}

func TestDBUpdate(t *testing.T) {
	dir := t.TempDir()
	db, err := Open(dir)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer db.Close()

	db.Add([]byte("k"), []byte("v1"))
	db.Add([]byte("k"), []byte("v2"))

	value, _, _ := db.Get([]byte("k"))
	if !bytes.Equal(value, []byte("v2")) {
		t.Fatalf("expected v2, got %s", value)
	}
}

func TestDBRemove(t *testing.T) {
	dir := t.TempDir()
	db, err := Open(dir)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer db.Close()

	db.Add([]byte("k"), []byte("v"))
	if _, found, _ := db.Get([]byte("k")); !found {
		t.Fatal("expected key present before remove")
	}

	if err := db.Remove([]byte("k")); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if _, found, _ := db.Get([]byte("k")); found {
		t.Fatal("expected key absent after remove")
	}
}

func TestDBRemoveAbsentKeyIsNotError(t *testing.T) {
	dir := t.TempDir()
	db, err := Open(dir)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer db.Close()

	if err := db.Remove([]byte("never-existed")); err != nil {
		t.Fatalf("expected no error removing an absent key, got %v", err)
	}
}

func TestDBClosedRejectsOperations(t *testing.T) {
	dir := t.TempDir()
	db, err := Open(dir)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	db.Close()

	if err := db.Add([]byte("k"), []byte("v")); err != ErrClosed {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	if err := db.Remove([]byte("k")); err != ErrClosed {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	if _, _, err := db.Get([]byte("k")); err != ErrClosed {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

func TestDBInvalidArguments(t *testing.T) {
	dir := t.TempDir()
	db, err := Open(dir)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer db.Close()

	if err := db.Add(nil, []byte("v")); err != ErrInvalidArgument {
		t.Fatalf("expected ErrInvalidArgument for empty key, got %v", err)
	}
}

func TestDBFlushCreatesSSTable(t *testing.T) {
	dir := t.TempDir()
	cfg := DefaultConfig(dir)
	cfg.MemTableBytes = 512

	db, err := OpenEx(cfg)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer db.Close()

	for i := 0; i < 200; i++ {
		key := []byte(fmt.Sprintf("key-%05d", i))
		value := []byte(fmt.Sprintf("value-%05d", i))
		if err := db.Add(key, value); err != nil {
			t.Fatalf("add: %v", err)
		}
	}

	// Force any remaining rotation to flush before inspecting files.
	db.mu.Lock()
	db.immutables = append(db.immutables, db.mem)
	fresh := db.mem
	db.mu.Unlock()
	if err := db.flushMemtable(fresh); err != nil {
		t.Fatalf("flush: %v", err)
	}

	for i := 0; i < 200; i++ {
		key := []byte(fmt.Sprintf("key-%05d", i))
		expected := []byte(fmt.Sprintf("value-%05d", i))
		value, found, err := db.Get(key)
		if err != nil {
			t.Fatalf("get %s: %v", key, err)
		}
		if !found {
			t.Fatalf("key %s not found after flush", key)
		}
		if !bytes.Equal(value, expected) {
			t.Fatalf("key %s: expected %s, got %s", key, expected, value)
		}
	}

	// Flushed data may already have been compacted out of level 0, but
	// some SST file must exist somewhere in the tree.
	stats := db.Stats()
	if stats["total_files"].(int) == 0 {
		t.Fatal("expected at least one SST file after flush")
	}
}

func TestDBPersistenceAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	cfg := DefaultConfig(dir)
	cfg.MemTableBytes = 256

	db, err := OpenEx(cfg)
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	for i := 0; i < 100; i++ {
		key := []byte(fmt.Sprintf("persist-%04d", i))
		value := []byte(fmt.Sprintf("value-%04d", i))
		if err := db.Add(key, value); err != nil {
			t.Fatalf("add: %v", err)
		}
	}
	if err := db.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	db2, err := OpenEx(cfg)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer db2.Close()

	for i := 0; i < 100; i++ {
		key := []byte(fmt.Sprintf("persist-%04d", i))
		expected := []byte(fmt.Sprintf("value-%04d", i))
		value, found, err := db2.Get(key)
		if err != nil {
			t.Fatalf("get %s: %v", key, err)
		}
		if !found {
			t.Fatalf("key %s not found after reopen", key)
		}
		if !bytes.Equal(value, expected) {
			t.Fatalf("key %s: expected %s, got %s", key, expected, value)
		}
	}
}

func TestDBWALRecoveryWithoutClose(t *testing.T) {
	dir := t.TempDir()
	cfg := DefaultConfig(dir)

	db, err := OpenEx(cfg)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	for i := 0; i < 20; i++ {
		key := []byte(fmt.Sprintf("wal-%02d", i))
		if err := db.Add(key, []byte("v")); err != nil {
			t.Fatalf("add: %v", err)
		}
	}
	// Simulate a crash: stop the background worker without flushing.
	close(db.stopChan)
	db.wg.Wait()

	db2, err := OpenEx(cfg)
	if err != nil {
		t.Fatalf("reopen after crash: %v", err)
	}
	defer db2.Close()

	for i := 0; i < 20; i++ {
		key := []byte(fmt.Sprintf("wal-%02d", i))
		_, found, err := db2.Get(key)
		if err != nil {
			t.Fatalf("get %s: %v", key, err)
		}
		if !found {
			t.Fatalf("key %s should have been recovered from the WAL", key)
		}
	}
}

func TestDBIteratorRange(t *testing.T) {
	dir := t.TempDir()
	db, err := Open(dir)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer db.Close()

	keys := []string{"a", "b", "c", "d", "e"}
	for _, k := range keys {
		db.Add([]byte(k), []byte(k+"-value"))
	}
	db.Remove([]byte("c"))

	it := db.Iterator(nil)
	defer it.Close()

	var seen []string
	for it.Next() {
		seen = append(seen, string(it.Key()))
	}

	want := []string{"a", "b", "d", "e"}
	if len(seen) != len(want) {
		t.Fatalf("expected %v, got %v", want, seen)
	}
	for i := range want {
		if seen[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, seen)
		}
	}
}

func TestDBIteratorSeek(t *testing.T) {
	dir := t.TempDir()
	db, err := Open(dir)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer db.Close()

	for _, k := range []string{"a", "c", "e", "g"} {
		db.Add([]byte(k), []byte("v"))
	}

	it := db.Iterator([]byte("d"))
	defer it.Close()

	if !it.Next() {
		t.Fatal("expected at least one entry at or after d")
	}
	if string(it.Key()) != "e" {
		t.Fatalf("expected first key e, got %s", it.Key())
	}
}

// TestDBIteratorAcrossFlushedLevels inserts enough data to force several
// memtable flushes (and with them compactions), overwrites a slice of
// the keys, deletes another slice, and then checks a full iteration
// yields exactly the surviving keys in sorted order: no duplicate from a
// stale SST level, no resurrected deletion, no omission.
func TestDBIteratorAcrossFlushedLevels(t *testing.T) {
	dir := t.TempDir()
	cfg := DefaultConfig(dir)
	cfg.MemTableBytes = 512

	db, err := OpenEx(cfg)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer db.Close()

	const n = 1000
	for i := 0; i < n; i++ {
		key := []byte(fmt.Sprintf("iter-%05d", i))
		if err := db.Add(key, []byte(fmt.Sprintf("v1-%05d", i))); err != nil {
			t.Fatalf("add: %v", err)
		}
	}
	// Overwrites land in newer memtables/SSTs than the originals.
	for i := 0; i < n; i += 3 {
		key := []byte(fmt.Sprintf("iter-%05d", i))
		if err := db.Add(key, []byte(fmt.Sprintf("v2-%05d", i))); err != nil {
			t.Fatalf("overwrite: %v", err)
		}
	}
	for i := 1; i < n; i += 7 {
		key := []byte(fmt.Sprintf("iter-%05d", i))
		if err := db.Remove(key); err != nil {
			t.Fatalf("remove: %v", err)
		}
	}

	deleted := func(i int) bool { return i%7 == 1 }
	overwritten := func(i int) bool { return i%3 == 0 }

	it := db.Iterator(nil)
	defer it.Close()

	i := 0
	for it.Next() {
		for deleted(i) {
			i++
		}
		if i >= n {
			t.Fatalf("iterator yielded extra key %s past the expected range", it.Key())
		}
		wantKey := fmt.Sprintf("iter-%05d", i)
		if string(it.Key()) != wantKey {
			t.Fatalf("expected key %s, got %s", wantKey, it.Key())
		}
		wantValue := fmt.Sprintf("v1-%05d", i)
		if overwritten(i) {
			wantValue = fmt.Sprintf("v2-%05d", i)
		}
		if string(it.Value()) != wantValue {
			t.Fatalf("key %s: expected value %s, got %s", wantKey, wantValue, it.Value())
		}
		i++
	}
	for deleted(i) {
		i++
	}
	if i != n {
		t.Fatalf("iteration stopped after key %d of %d", i, n)
	}
}

// TestDBConcurrentReadersAndWriters runs several writer goroutines, each
// inserting its own disjoint block of keys, alongside several reader
// goroutines polling keys that may or may not have been written yet.
// Every read must come back either not-found or the exact value that
// writer wrote; nothing should be corrupted or dropped.
func TestDBConcurrentReadersAndWriters(t *testing.T) {
	dir := t.TempDir()
	cfg := DefaultConfig(dir)
	cfg.MemTableBytes = 4096

	db, err := OpenEx(cfg)
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	const writers = 4
	const perWriter = 2000

	var wg sync.WaitGroup
	wg.Add(writers)
	for w := 0; w < writers; w++ {
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				key := []byte(fmt.Sprintf("w%d-k%05d", w, i))
				value := []byte(fmt.Sprintf("w%d-v%05d", w, i))
				if err := db.Add(key, value); err != nil {
					t.Errorf("writer %d add: %v", w, err)
					return
				}
			}
		}(w)
	}

	stop := make(chan struct{})
	var readerWG sync.WaitGroup
	const readers = 4
	readerWG.Add(readers)
	for r := 0; r < readers; r++ {
		go func(r int) {
			defer readerWG.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				w := r % writers
				i := r * 17 % perWriter
				key := []byte(fmt.Sprintf("w%d-k%05d", w, i))
				want := []byte(fmt.Sprintf("w%d-v%05d", w, i))
				value, found, err := db.Get(key)
				if err != nil {
					t.Errorf("reader %d get: %v", r, err)
					return
				}
				if found && !bytes.Equal(value, want) {
					t.Errorf("reader %d: key %s returned %q, want %q", r, key, value, want)
					return
				}
			}
		}(r)
	}

	wg.Wait()
	close(stop)
	readerWG.Wait()

	for w := 0; w < writers; w++ {
		for i := 0; i < perWriter; i++ {
			key := []byte(fmt.Sprintf("w%d-k%05d", w, i))
			want := []byte(fmt.Sprintf("w%d-v%05d", w, i))
			value, found, err := db.Get(key)
			if err != nil {
				t.Fatalf("get %s: %v", key, err)
			}
			if !found {
				t.Fatalf("key %s missing after all writers finished", key)
			}
			if !bytes.Equal(value, want) {
				t.Fatalf("key %s: got %q, want %q", key, value, want)
			}
		}
	}

	// Writes that raced a memtable rotation must also survive a
	// restart: a write landing in a memtable that rotation orphaned
	// would only surface here, as a WAL discarded on reopen.
	if err := db.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	reopened, err := OpenEx(cfg)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()

	for w := 0; w < writers; w++ {
		for i := 0; i < perWriter; i++ {
			key := []byte(fmt.Sprintf("w%d-k%05d", w, i))
			want := []byte(fmt.Sprintf("w%d-v%05d", w, i))
			value, found, err := reopened.Get(key)
			if err != nil {
				t.Fatalf("get %s after reopen: %v", key, err)
			}
			if !found {
				t.Fatalf("key %s lost across reopen", key)
			}
			if !bytes.Equal(value, want) {
				t.Fatalf("key %s after reopen: got %q, want %q", key, value, want)
			}
		}
	}
}

// TestDBIteratorStableAcrossMemtableReset builds an iterator, then forces
// a memtable rotation (as NeedsCompaction would trigger) while the
// iterator is still alive, and checks it still yields every key it saw
// at seek time with no crash, no skip, and no duplicate.
func TestDBIteratorStableAcrossMemtableReset(t *testing.T) {
	dir := t.TempDir()
	db, err := Open(dir)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer db.Close()

	keys := []string{"a", "b", "c", "d", "e"}
	for _, k := range keys {
		db.Add([]byte(k), []byte(k+"-value"))
	}

	it := db.Iterator(nil)
	defer it.Close()

	db.rotateMemtable()

	db.Add([]byte("f"), []byte("f-value"))

	var seen []string
	for it.Next() {
		seen = append(seen, string(it.Key()))
	}

	want := []string{"a", "b", "c", "d", "e"}
	if len(seen) != len(want) {
		t.Fatalf("expected %v, got %v", want, seen)
	}
	for i := range want {
		if seen[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, seen)
		}
	}
}

func TestDBCompactionAcrossManyFlushes(t *testing.T) {
	dir := t.TempDir()
	cfg := DefaultConfig(dir)
	cfg.MemTableBytes = 256

	db, err := OpenEx(cfg)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer db.Close()

	for i := 0; i < 2000; i++ {
		key := []byte(fmt.Sprintf("k-%05d", i))
		value := []byte(fmt.Sprintf("v-%05d", i))
		if err := db.Add(key, value); err != nil {
			t.Fatalf("add: %v", err)
		}
	}

	for i := 0; i < 2000; i += 37 {
		key := []byte(fmt.Sprintf("k-%05d", i))
		expected := []byte(fmt.Sprintf("v-%05d", i))
		value, found, err := db.Get(key)
		if err != nil {
			t.Fatalf("get %s: %v", key, err)
		}
		if !found {
			t.Fatalf("key %s not found", key)
		}
		if !bytes.Equal(value, expected) {
			t.Fatalf("key %s: expected %s, got %s", key, expected, value)
		}
	}
}
