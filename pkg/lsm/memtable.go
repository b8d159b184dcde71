package lsm

import (
	"sync"
	"sync/atomic"
)

// entryOverhead approximates the fixed per-entry bookkeeping cost (op,
// seq, skip-list forward pointers) used to account a memtable's size.
const entryOverhead = 24

// MemTable is the bounded in-memory write buffer: a skip list fronted by
// a write-ahead log. Every mutation is appended to the log before it
// becomes visible in the skip list, so a successful Add/Remove is durable
// even if the process dies before the memtable is ever flushed to an SST.
type MemTable struct {
	list *SkipList
	log  *WAL
	lsn  uint64 // identifies this memtable's WAL file on disk

	mu       sync.RWMutex
	seq      uint64 // highest sequence number assigned so far
	addCount int64
	delCount int64
	byteSize int64
	maxBytes int64
}

// newMemTable wraps a skip list (freshly created, or already replayed
// from a WAL) and its log into a live memtable.
func newMemTable(list *SkipList, log *WAL, lsn uint64, startSeq uint64, maxBytes int64) *MemTable {
	return &MemTable{
		list:     list,
		log:      log,
		lsn:      lsn,
		seq:      startSeq,
		maxBytes: maxBytes,
	}
}

// Add appends an ADD record to the WAL, then inserts the value into the
// skip list under the next sequence number.
func (mt *MemTable) Add(key, value []byte) error {
	mt.mu.Lock()
	defer mt.mu.Unlock()

	mt.seq++
	seq := mt.seq

	if err := mt.log.Append(opPut, seq, key, value); err != nil {
		return err
	}

	mt.list.Insert(key, value, opPut, seq)
	atomic.AddInt64(&mt.addCount, 1)
	atomic.AddInt64(&mt.byteSize, int64(len(key)+len(value)+entryOverhead))
	return nil
}

// Remove appends a DEL tombstone record to the WAL, then inserts the
// tombstone into the skip list.
func (mt *MemTable) Remove(key []byte) error {
	mt.mu.Lock()
	defer mt.mu.Unlock()

	mt.seq++
	seq := mt.seq

	if err := mt.log.Append(opDelete, seq, key, nil); err != nil {
		return err
	}

	mt.list.Insert(key, nil, opDelete, seq)
	atomic.AddInt64(&mt.delCount, 1)
	atomic.AddInt64(&mt.byteSize, int64(len(key)+entryOverhead))
	return nil
}

// lookupResult is the outcome of a memtable Get.
type lookupResult int

const (
	lookupMiss lookupResult = iota
	lookupValue
	lookupTombstone
)

// Get searches the skip list for key.
func (mt *MemTable) Get(key []byte) ([]byte, lookupResult) {
	mt.mu.RLock()
	defer mt.mu.RUnlock()

	node := mt.list.Lookup(key)
	if node == nil {
		return nil, lookupMiss
	}
	if node.op == opDelete {
		return nil, lookupTombstone
	}
	return node.value, lookupValue
}

// NeedsCompaction reports whether the byte threshold has been crossed and
// the memtable should be rotated out and flushed to an SST.
func (mt *MemTable) NeedsCompaction() bool {
	return atomic.LoadInt64(&mt.byteSize) >= mt.maxBytes
}

// Size returns the approximate number of bytes buffered.
func (mt *MemTable) Size() int64 {
	return atomic.LoadInt64(&mt.byteSize)
}

// Counts returns the number of Add and Remove calls observed.
func (mt *MemTable) Counts() (adds, dels int64) {
	return atomic.LoadInt64(&mt.addCount), atomic.LoadInt64(&mt.delCount)
}

// Seq returns the highest sequence number assigned so far.
func (mt *MemTable) Seq() uint64 {
	mt.mu.RLock()
	defer mt.mu.RUnlock()
	return mt.seq
}

// LSN identifies the memtable's WAL file.
func (mt *MemTable) LSN() uint64 {
	return mt.lsn
}

// List exposes the underlying skip list, e.g. so an iterator can acquire
// it directly.
func (mt *MemTable) List() *SkipList {
	return mt.list
}

// memTableIterator walks a memtable's skip list from its header node in
// ascending key order, surfacing tombstones as well as live entries so a
// flush or compaction can see them.
type memTableIterator struct {
	current *SkipListNode
}

// Iterator returns an iterator positioned before the first entry.
func (mt *MemTable) Iterator() *memTableIterator {
	return &memTableIterator{current: mt.list.Head()}
}

func (it *memTableIterator) Next() bool {
	it.current = it.current.Forward()
	return it.current != nil
}

func (it *memTableIterator) Node() *SkipListNode {
	return it.current
}
