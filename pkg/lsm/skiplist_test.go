package lsm

import (
	"bytes"
	"fmt"
	"testing"
)

func TestSkipListInsertAndLookup(t *testing.T) {
	sl := NewSkipList()

	keys := [][]byte{
		[]byte("apple"),
		[]byte("banana"),
		[]byte("cherry"),
		[]byte("date"),
		[]byte("elderberry"),
	}

	for i, key := range keys {
		sl.Insert(key, []byte(fmt.Sprintf("v%d", i)), opPut, uint64(i+1))
	}

	for i, key := range keys {
		node := sl.Lookup(key)
		if node == nil {
			t.Fatalf("key %s not found", key)
		}
		want := fmt.Sprintf("v%d", i)
		if string(node.value) != want {
			t.Fatalf("key %s: expected value %s, got %s", key, want, node.value)
		}
	}

	if sl.Lookup([]byte("fig")) != nil {
		t.Fatal("nonexistent key should not be found")
	}
}

func TestSkipListUpdate(t *testing.T) {
	sl := NewSkipList()
	key := []byte("update-test")

	sl.Insert(key, []byte("value1"), opPut, 1)
	node := sl.Lookup(key)
	if string(node.value) != "value1" {
		t.Fatalf("expected value1, got %s", node.value)
	}

	sl.Insert(key, []byte("value2"), opPut, 2)
	node = sl.Lookup(key)
	if string(node.value) != "value2" {
		t.Fatalf("expected value2, got %s", node.value)
	}
	if node.seq != 2 {
		t.Fatalf("expected seq 2, got %d", node.seq)
	}

	if sl.Size() != 1 {
		t.Fatalf("expected size 1 (update, not insert), got %d", sl.Size())
	}
}

func TestSkipListTombstone(t *testing.T) {
	sl := NewSkipList()
	key := []byte("key2")

	sl.Insert(key, []byte("v"), opPut, 1)
	sl.Insert(key, nil, opDelete, 2)

	node := sl.Lookup(key)
	if node == nil {
		t.Fatal("tombstoned key should still be present as a node")
	}
	if node.op != opDelete {
		t.Fatal("expected tombstone op")
	}
	// Size counts distinct keys, not live ones.
	if sl.Size() != 1 {
		t.Fatalf("expected size 1, got %d", sl.Size())
	}
}

func TestSkipListSortedOrder(t *testing.T) {
	sl := NewSkipList()

	keys := []string{"zebra", "apple", "mango", "banana", "cherry"}
	for i, key := range keys {
		sl.Insert([]byte(key), []byte{byte(i)}, opPut, uint64(i+1))
	}

	var prev []byte
	node := sl.Head().Forward()
	for node != nil {
		if prev != nil && bytes.Compare(prev, node.key) >= 0 {
			t.Fatalf("keys not in sorted order: %s >= %s", prev, node.key)
		}
		prev = node.key
		node = node.Forward()
	}
}

func TestSkipListSize(t *testing.T) {
	sl := NewSkipList()

	if sl.Size() != 0 {
		t.Fatalf("expected size 0, got %d", sl.Size())
	}

	for i := 0; i < 100; i++ {
		key := []byte(fmt.Sprintf("key-%04d", i))
		sl.Insert(key, []byte("v"), opPut, uint64(i+1))
	}

	if sl.Size() != 100 {
		t.Fatalf("expected size 100, got %d", sl.Size())
	}
}

func TestSkipListLookupPrev(t *testing.T) {
	sl := NewSkipList()
	for i, key := range []string{"b", "d", "f"} {
		sl.Insert([]byte(key), []byte("v"), opPut, uint64(i+1))
	}

	prev := sl.LookupPrev([]byte("e"))
	if prev == sl.Head() {
		t.Fatal("expected a real predecessor, got header")
	}
	if string(prev.key) != "d" {
		t.Fatalf("expected predecessor d, got %s", prev.key)
	}

	prev = sl.LookupPrev([]byte("a"))
	if prev != sl.Head() {
		t.Fatal("expected header as predecessor of smallest key")
	}
}

func TestSkipListEmpty(t *testing.T) {
	sl := NewSkipList()

	if sl.Lookup([]byte("any-key")) != nil {
		t.Fatal("empty skip list should not find any key")
	}
	if sl.Size() != 0 {
		t.Fatalf("empty skip list should have size 0")
	}
}

func TestSkipListAcquireRelease(t *testing.T) {
	sl := NewSkipList()
	sl.Acquire()
	sl.Acquire()
	sl.Release()
	sl.Release()
	// No assertion beyond not racing/panicking; exercised under -race in CI.
}
