// Package lsm implements an embedded, ordered key-value store on a
// log-structured merge tree: an in-memory skip list fronted by a
// write-ahead log, periodically frozen and flushed to immutable,
// block-structured SST files organized into levels, with background
// compaction keeping read amplification bounded.
package lsm

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/mnohosten/ridgekv/pkg/cache"
	"github.com/mnohosten/ridgekv/pkg/compression"
)

// Config controls one database's on-disk layout and resource budgets.
type Config struct {
	Dir             string
	MemTableBytes   int64
	BlockCacheBytes int64
	Compression     compression.Algorithm
}

// DefaultConfig returns a configuration with sensible defaults for an
// embedded workload: a 4MB memtable, a 8MB block cache, and zstd block
// compression.
func DefaultConfig(dir string) *Config {
	return &Config{
		Dir:             dir,
		MemTableBytes:   4 * 1024 * 1024,
		BlockCacheBytes: 8 * 1024 * 1024,
		Compression:     compression.AlgorithmZstd,
	}
}

// DB is the embedded key-value store. All exported methods are safe
// for concurrent use; mutations are serialized by writeMu and ordered
// against readers by the reader/writer gate (see rwgate.go) while reads proceed
// concurrently against a consistent snapshot of memtable and SST state.
type DB struct {
	dir   string
	cfg   *Config
	gate  rwGate
	tele  telemetry
	cache *cache.BlockCache
	lm    *levelManager

	// writeMu serializes Add/Remove against each other. The gate only
	// orders writers against readers; without this mutex two writers
	// could both observe the same over-threshold memtable and rotate it
	// twice, orphaning one of the replacement memtables along with any
	// write that landed in it.
	writeMu sync.Mutex

	mu         sync.Mutex // protects mem/immutables bookkeeping only
	mem        *MemTable
	immutables []*MemTable
	nextLSN    uint64

	flushChan chan *MemTable
	stopChan  chan struct{}
	wg        sync.WaitGroup
	closed    int32
}

// Open opens (or creates) a database at dir using DefaultConfig.
func Open(dir string) (*DB, error) {
	return OpenEx(DefaultConfig(dir))
}

// OpenEx opens (or creates) a database using an explicit configuration.
// It replays any write-ahead log left by an unclean shutdown, reopens
// every SST file recorded in the manifest (reading only each file's
// footer and index block, never its payload), and starts the
// background flush/compaction worker.
func OpenEx(cfg *Config) (*DB, error) {
	if err := os.MkdirAll(cfg.Dir, 0755); err != nil {
		return nil, fmt.Errorf("lsm: create dir: %w", err)
	}

	manifest, err := readManifest(cfg.Dir)
	if err != nil {
		return nil, err
	}

	blockCache := cache.NewBlockCache(cfg.BlockCacheBytes)
	lm := newLevelManager(cfg.Dir, blockCache, cfg.Compression)
	lm.observeFileNum(manifest.nextFileNum)

	// Reopening reads only each file's footer and index block, never its
	// payload, so fanning the manifest's file list out across goroutines
	// is pure I/O-bound work; errgroup collects the first failure
	// without needing a hand-rolled error channel.
	opened := make([]*SSTable, len(manifest.files))
	var g errgroup.Group
	for i, entry := range manifest.files {
		i, entry := i, entry
		g.Go(func() error {
			sst, err := OpenSSTable(sstPath(cfg.Dir, entry.fileNum), entry.fileNum, blockCache)
			if err != nil {
				return err
			}
			opened[i] = sst
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	for i, entry := range manifest.files {
		lm.observeFileNum(entry.fileNum)
		level := entry.level
		if level >= lm.maxLevels {
			level = lm.maxLevels - 1
		}
		lm.levels[level] = append(lm.levels[level], opened[i])
	}
	// Level 0 is ordered newest-first so lookups see the most recent
	// flush before older overlapping ones; deeper levels are disjoint
	// and must be ascending by smallest key for binary search.
	l0 := lm.levels[0]
	sort.Slice(l0, func(i, j int) bool { return l0[i].FileNum() > l0[j].FileNum() })
	for level := 1; level < len(lm.levels); level++ {
		lvl := lm.levels[level]
		sort.Slice(lvl, func(i, j int) bool {
			return bytes.Compare(lvl[i].MinKey(), lvl[j].MinKey()) < 0
		})
	}

	wals, err := existingWALs(cfg.Dir)
	if err != nil {
		return nil, err
	}

	seq := manifest.seq
	var mem *MemTable
	var lsn uint64

	if len(wals) > 0 {
		lsn = wals[len(wals)-1]
		list := NewSkipList()
		maxSeq, err := replayWAL(cfg.Dir, lsn, list)
		if err != nil {
			return nil, err
		}
		if maxSeq > seq {
			seq = maxSeq
		}
		log, err := openWAL(cfg.Dir, lsn)
		if err != nil {
			return nil, err
		}
		mem = newMemTable(list, log, lsn, seq, cfg.MemTableBytes)

		// Any other stray WAL files are leftovers from a crash between
		// a flush completing and its log being removed; the data they
		// describe is already durable in an SST, so they can go.
		for _, stray := range wals[:len(wals)-1] {
			os.Remove(walPath(cfg.Dir, stray))
		}
	} else {
		lsn = 1
		log, err := newWAL(cfg.Dir, lsn)
		if err != nil {
			return nil, err
		}
		mem = newMemTable(NewSkipList(), log, lsn, seq, cfg.MemTableBytes)
	}

	db := &DB{
		dir:       cfg.Dir,
		cfg:       cfg,
		cache:     blockCache,
		lm:        lm,
		mem:       mem,
		nextLSN:   lsn + 1,
		flushChan: make(chan *MemTable, 8),
		stopChan:  make(chan struct{}),
	}

	db.wg.Add(1)
	go db.flushWorker()

	return db, nil
}

func existingWALs(dir string) ([]uint64, error) {
	matches, err := filepath.Glob(filepath.Join(dir, "*.wal"))
	if err != nil {
		return nil, err
	}
	lsns := make([]uint64, 0, len(matches))
	for _, m := range matches {
		var lsn uint64
		if _, err := fmt.Sscanf(filepath.Base(m), "%d.wal", &lsn); err == nil {
			lsns = append(lsns, lsn)
		}
	}
	sort.Slice(lsns, func(i, j int) bool { return lsns[i] < lsns[j] })
	return lsns, nil
}

// Add inserts or overwrites key's value.
func (db *DB) Add(key, value []byte) error {
	if atomic.LoadInt32(&db.closed) != 0 {
		return ErrClosed
	}
	if err := validateKV(key, value); err != nil {
		return err
	}

	db.writeMu.Lock()
	defer db.writeMu.Unlock()
	db.gate.BeginWrite()
	defer db.gate.EndWrite()

	db.mu.Lock()
	mem := db.mem
	db.mu.Unlock()

	if err := mem.Add(key, value); err != nil {
		return err
	}
	db.tele.recordWrite()

	if mem.NeedsCompaction() {
		db.rotateMemtable()
	}
	return nil
}

// Remove tombstones key. Removing an absent key is not an error.
func (db *DB) Remove(key []byte) error {
	if atomic.LoadInt32(&db.closed) != 0 {
		return ErrClosed
	}
	if len(key) == 0 || len(key) > maxKeySize {
		return ErrInvalidArgument
	}

	db.writeMu.Lock()
	defer db.writeMu.Unlock()
	db.gate.BeginWrite()
	defer db.gate.EndWrite()

	db.mu.Lock()
	mem := db.mem
	db.mu.Unlock()

	if err := mem.Remove(key); err != nil {
		return err
	}
	db.tele.recordWrite()

	if mem.NeedsCompaction() {
		db.rotateMemtable()
	}
	return nil
}

// rotateMemtable freezes the active memtable and opens a fresh one with
// a new WAL, handing the frozen one to the flush worker. Called with
// writeMu and the write gate held, so no other writer can rotate or
// mutate db.mem concurrently.
func (db *DB) rotateMemtable() {
	db.mu.Lock()
	old := db.mem
	lsn := db.nextLSN
	db.nextLSN++
	db.mu.Unlock()

	log, err := newWAL(db.dir, lsn)
	if err != nil {
		// Keep writing into the existing memtable; it will simply grow
		// past its target size until a later rotation succeeds.
		return
	}

	// Re-check that old is still the live memtable in the same critical
	// section that swaps it out. A swap against anything else would
	// orphan a memtable whose WAL is discarded as stale on the next
	// open, silently dropping its writes.
	db.mu.Lock()
	if db.mem != old {
		db.mu.Unlock()
		log.Remove()
		return
	}
	fresh := newMemTable(NewSkipList(), log, lsn, old.Seq(), db.cfg.MemTableBytes)
	db.immutables = append(db.immutables, old)
	db.mem = fresh
	db.mu.Unlock()

	select {
	case db.flushChan <- old:
	default:
		// Channel full: the flush worker is behind. It will still pick
		// this memtable up via Close's final drain.
		go func() { db.flushChan <- old }()
	}
}

// Get returns the value for key and whether it was found.
func (db *DB) Get(key []byte) ([]byte, bool, error) {
	if atomic.LoadInt32(&db.closed) != 0 {
		return nil, false, ErrClosed
	}

	db.gate.BeginRead()
	defer db.gate.EndRead()
	db.tele.recordRead()

	db.mu.Lock()
	mem := db.mem
	immutables := append([]*MemTable(nil), db.immutables...)
	db.mu.Unlock()

	if value, res := mem.Get(key); res != lookupMiss {
		return value, res == lookupValue, nil
	}
	for i := len(immutables) - 1; i >= 0; i-- {
		if value, res := immutables[i].Get(key); res != lookupMiss {
			return value, res == lookupValue, nil
		}
	}

	value, op, found, err := db.lm.Get(key)
	if err != nil || !found {
		return nil, false, err
	}
	return value, op != opDelete, nil
}

// Iterator returns an iterator over every live key, in ascending order.
// If start is non-nil, iteration begins at the first key >= start.
// Callers must Close the iterator when done.
func (db *DB) Iterator(start []byte) *DBIterator {
	db.gate.BeginRead()

	db.mu.Lock()
	mem := db.mem
	immutables := append([]*MemTable(nil), db.immutables...)
	db.mu.Unlock()
	levels := db.lm.snapshot()

	it := newDBIterator(mem, immutables, levels, start)
	db.gate.EndRead()
	return it
}

func (db *DB) flushWorker() {
	defer db.wg.Done()
	for {
		select {
		case mt := <-db.flushChan:
			if err := db.flushMemtable(mt); err != nil {
				fmt.Fprintf(os.Stderr, "lsm: flush error: %v\n", err)
			}
		case <-db.stopChan:
			return
		}
	}
}

func (db *DB) flushMemtable(mt *MemTable) error {
	fileNum := db.lm.NextFileNum()
	adds, dels := mt.Counts()
	writer, err := NewSSTableWriter(db.dir, fileNum, db.cfg.Compression, int(adds+dels))
	if err != nil {
		return err
	}

	iter := mt.Iterator()
	for iter.Next() {
		node := iter.Node()
		if err := writer.Add(node.key, node.value, node.op, node.seq); err != nil {
			writer.Abort()
			return err
		}
	}

	sst, err := writer.Finalize(db.cache)
	if err != nil {
		return err
	}

	if sst != nil {
		db.lm.AddL0(sst)
		db.tele.recordFlush(mt.Size())
	}

	db.mu.Lock()
	for i, imm := range db.immutables {
		if imm == mt {
			db.immutables = append(db.immutables[:i], db.immutables[i+1:]...)
			break
		}
	}
	seq := mt.Seq()
	db.mu.Unlock()

	if err := mt.log.Remove(); err != nil {
		return err
	}

	ranCompaction, err := compactOnce(db.lm)
	if err != nil {
		return err
	}
	if ranCompaction {
		db.tele.recordCompaction()
	}

	return writeManifest(db.dir, db.lm.CurrentFileNum(), seq, db.lm.snapshot())
}

// Close flushes any remaining memtables to SST, persists the manifest,
// and stops the background worker.
func (db *DB) Close() error {
	if !atomic.CompareAndSwapInt32(&db.closed, 0, 1) {
		return nil
	}

	close(db.stopChan)
	db.wg.Wait()

	// Drain anything still queued for the worker that was in flight
	// when it stopped.
	for {
		select {
		case mt := <-db.flushChan:
			if err := db.flushMemtable(mt); err != nil {
				return err
			}
		default:
			goto drained
		}
	}
drained:

	db.mu.Lock()
	remaining := append([]*MemTable(nil), db.immutables...)
	current := db.mem
	db.mu.Unlock()

	for _, mt := range remaining {
		if err := db.flushMemtable(mt); err != nil {
			return err
		}
	}
	if current != nil && (current.Size() > 0) {
		if err := db.flushMemtable(current); err != nil {
			return err
		}
	} else if current != nil {
		current.log.Remove()
	}

	db.lm.closeAll()
	return nil
}

// Stats reports point-in-time counters useful for the benchmark driver
// and for tests asserting flush/compaction actually ran.
func (db *DB) Stats() map[string]interface{} {
	stats := db.lm.Stats()
	for k, v := range db.tele.Snapshot() {
		stats[k] = v
	}
	stats["block_cache"] = db.cache.Stats()
	return stats
}
