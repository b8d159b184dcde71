package lsm

import (
	"bytes"
	"container/heap"
)

// entrySource is anything a merge can read sequentially in ascending key
// order: a memtable's skip list, or one SST file's blocks.
type entrySource interface {
	Next() bool
	Key() []byte
	Value() []byte
	Op() opKind
	Seq() uint64
}

// memSource adapts a memtable iterator, which walks sentinel-headed
// skip-list nodes, to the entrySource interface the merger expects.
type memSource struct {
	it *memTableIterator
}

func (s *memSource) Next() bool      { return s.it.Next() }
func (s *memSource) Key() []byte     { return s.it.Node().key }
func (s *memSource) Value() []byte   { return s.it.Node().value }
func (s *memSource) Op() opKind      { return s.it.Node().op }
func (s *memSource) Seq() uint64     { return s.it.Node().seq }

// seekedSource wraps an SST iterator that SeekTo has already positioned
// on its first entry, so that the merger's initial Next reports that
// entry instead of stepping past it.
type seekedSource struct {
	*sstableIterator
	pending bool
}

func (s *seekedSource) Next() bool {
	if s.pending {
		s.pending = false
		return true
	}
	return s.sstableIterator.Next()
}

// heapItem is one live source sitting in the merge heap, positioned at
// its current entry.
type heapItem struct {
	src entrySource
}

// sourceHeap orders items by key ascending, and for equal keys by
// sequence number descending so the newest write for a key surfaces
// first out of the heap.
type sourceHeap []*heapItem

func (h sourceHeap) Len() int { return len(h) }
func (h sourceHeap) Less(i, j int) bool {
	c := bytes.Compare(h[i].src.Key(), h[j].src.Key())
	if c != 0 {
		return c < 0
	}
	return h[i].src.Seq() > h[j].src.Seq()
}
func (h sourceHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *sourceHeap) Push(x interface{}) { *h = append(*h, x.(*heapItem)) }
func (h *sourceHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// merger merges any number of entrySources in ascending key order,
// collapsing every source's entry for a given key down to the single
// one with the highest sequence number. It is the building block shared
// by range iteration (pkg/lsm.DBIterator) and compaction.
type merger struct {
	h     sourceHeap
	key   []byte
	value []byte
	op    opKind
	seq   uint64
}

// newMerger seeds the heap with one entry from each source that has at
// least one entry.
func newMerger(sources []entrySource) *merger {
	m := &merger{}
	for _, s := range sources {
		if s.Next() {
			heap.Push(&m.h, &heapItem{src: s})
		}
	}
	return m
}

// Next advances to the next distinct key across all sources, resolving
// ties in favor of the highest sequence number. It returns false once
// every source is exhausted.
func (m *merger) Next() bool {
	if m.h.Len() == 0 {
		return false
	}

	top := m.h[0]
	m.key = append(m.key[:0], top.src.Key()...)
	m.value = append(m.value[:0], top.src.Value()...)
	m.op = top.src.Op()
	m.seq = top.src.Seq()

	// Drain every source currently positioned at m.key: the first one
	// popped (by seq descending) is the winner already captured above;
	// the rest are stale versions of the same key and are discarded.
	for m.h.Len() > 0 && bytes.Equal(m.h[0].src.Key(), m.key) {
		item := heap.Pop(&m.h).(*heapItem)
		if item.src.Next() {
			heap.Push(&m.h, item)
		}
	}

	return true
}

func (m *merger) Key() []byte   { return m.key }
func (m *merger) Value() []byte { return m.value }
func (m *merger) Op() opKind    { return m.op }
func (m *merger) Seq() uint64   { return m.seq }

// DBIterator is a client-facing range iterator: it merges the live
// memtable, any immutable memtables still awaiting flush, and every SST
// file across all levels, presenting one ascending stream of live
// (non-tombstone) entries with keys >= the seek key. Sources holding a
// memtable's skip list are pinned with Acquire for the iterator's
// lifetime so a concurrent flush cannot free nodes out from under it.
type DBIterator struct {
	m       *merger
	pinned  []*SkipList
	seekKey []byte
	closed  bool
}

// newDBIterator builds the merge over every live source as of the
// moment it is constructed. Callers obtain this snapshot under the
// engine's reader/writer gate. If seekKey is non-nil, Next only ever
// surfaces entries with key >= seekKey.
func newDBIterator(mem *MemTable, immutables []*MemTable, levels [][]*SSTable, seekKey []byte) *DBIterator {
	var sources []entrySource
	var pinned []*SkipList

	addMem := func(mt *MemTable) {
		list := mt.List()
		list.Acquire()
		pinned = append(pinned, list)
		sources = append(sources, &memSource{it: mt.Iterator()})
	}

	addMem(mem)
	for _, imm := range immutables {
		addMem(imm)
	}
	for _, lvl := range levels {
		for _, sst := range lvl {
			if seekKey != nil {
				sit := sst.SeekTo(seekKey)
				found := sit.err == nil && sit.blockIdx < len(sst.blocks)
				sources = append(sources, &seekedSource{sstableIterator: sit, pending: found})
			} else {
				sources = append(sources, sst.NewIterator())
			}
		}
	}

	return &DBIterator{m: newMerger(sources), pinned: pinned, seekKey: seekKey}
}

// Next advances to the next live key in ascending order, silently
// skipping tombstones and, while a seek key is set, any key preceding
// it (only possible from a memtable source, since SST sources are
// already positioned by SeekTo).
func (it *DBIterator) Next() bool {
	for it.m.Next() {
		if it.seekKey != nil && bytes.Compare(it.m.Key(), it.seekKey) < 0 {
			continue
		}
		if it.m.Op() != opDelete {
			return true
		}
	}
	return false
}

func (it *DBIterator) Key() []byte   { return it.m.Key() }
func (it *DBIterator) Value() []byte { return it.m.Value() }

// Close releases the memtables this iterator pinned.
func (it *DBIterator) Close() {
	if it.closed {
		return
	}
	it.closed = true
	for _, list := range it.pinned {
		list.Release()
	}
}
