package lsm

import (
	"bytes"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/mnohosten/ridgekv/pkg/cache"
	"github.com/mnohosten/ridgekv/pkg/compression"
)

// defaultMaxLevels bounds the level array; L0 plus six further levels is
// enough headroom for an embedded workload without the manager ever
// needing to grow the slice.
const defaultMaxLevels = 7

// l0CompactionTrigger is the number of level-0 files that forces a
// compaction into level 1. Level 0 files may overlap in key range
// because each comes straight from a memtable flush, so every L0 file
// must be consulted on a lookup; keeping this small bounds read
// amplification.
const l0CompactionTrigger = 4

// baseLevelSizeBytes is the target total size of level 1; each deeper
// level targets levelSizeMultiplier times its parent.
const baseLevelSizeBytes = 10 * 1024 * 1024
const levelSizeMultiplier = 10

// levelManager owns the set of SST files organized into levels: level 0
// holds files with overlapping key ranges, ordered newest first; level 1
// and deeper hold files with disjoint, ascending key ranges that can be
// binary searched.
type levelManager struct {
	dir        string
	cache      *cache.BlockCache
	algo       compression.Algorithm
	maxLevels  int

	mu     sync.RWMutex
	levels [][]*SSTable

	// obsolete holds tables a compaction has replaced. Their paths are
	// already unlinked, but the descriptors stay open until closeAll so
	// a reader still walking an older snapshot can finish its blocks.
	obsolete []*SSTable

	nextFileNum uint64
}

func newLevelManager(dir string, blockCache *cache.BlockCache, algo compression.Algorithm) *levelManager {
	return &levelManager{
		dir:       dir,
		cache:     blockCache,
		algo:      algo,
		maxLevels: defaultMaxLevels,
		levels:    make([][]*SSTable, defaultMaxLevels),
	}
}

// NextFileNum allocates the next SST file number.
func (m *levelManager) NextFileNum() uint64 {
	return atomic.AddUint64(&m.nextFileNum, 1)
}

// CurrentFileNum returns the highest file number allocated so far,
// without allocating another one.
func (m *levelManager) CurrentFileNum() uint64 {
	return atomic.LoadUint64(&m.nextFileNum)
}

// observeFileNum advances the allocator past fileNum, used while
// restoring state from the manifest so newly allocated numbers never
// collide with a file already on disk.
func (m *levelManager) observeFileNum(fileNum uint64) {
	for {
		cur := atomic.LoadUint64(&m.nextFileNum)
		if fileNum <= cur {
			return
		}
		if atomic.CompareAndSwapUint64(&m.nextFileNum, cur, fileNum) {
			return
		}
	}
}

// AddL0 installs a freshly flushed memtable's SST as the newest level-0
// file.
func (m *levelManager) AddL0(sst *SSTable) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.levels[0] = append([]*SSTable{sst}, m.levels[0]...)
}

// install replaces oldFiles (drawn from fromLevel and fromLevel+1) with
// newFiles placed at fromLevel+1, the standard compaction move. Callers
// hold no lock; install takes its own.
func (m *levelManager) install(fromLevel int, oldFiles []*SSTable, newFiles []*SSTable) {
	m.mu.Lock()
	defer m.mu.Unlock()

	remove := make(map[uint64]bool, len(oldFiles))
	for _, f := range oldFiles {
		remove[f.FileNum()] = true
	}

	m.levels[fromLevel] = filterOut(m.levels[fromLevel], remove)
	target := fromLevel + 1
	if target >= m.maxLevels {
		target = m.maxLevels - 1
	}
	m.levels[target] = filterOut(m.levels[target], remove)
	m.levels[target] = append(m.levels[target], newFiles...)
	sort.Slice(m.levels[target], func(i, j int) bool {
		return bytes.Compare(m.levels[target][i].MinKey(), m.levels[target][j].MinKey()) < 0
	})
	m.obsolete = append(m.obsolete, oldFiles...)
}

// closeAll closes every table the manager still references, current and
// obsolete. Called once by DB.Close after the final flush.
func (m *levelManager) closeAll() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, lvl := range m.levels {
		for _, sst := range lvl {
			sst.Close()
		}
	}
	for _, sst := range m.obsolete {
		sst.Close()
	}
	m.obsolete = nil
}

func filterOut(files []*SSTable, remove map[uint64]bool) []*SSTable {
	kept := make([]*SSTable, 0, len(files))
	for _, f := range files {
		if !remove[f.FileNum()] {
			kept = append(kept, f)
		}
	}
	return kept
}

// snapshot returns a shallow copy of the level array safe to scan
// without holding the manager's lock; individual SSTable values never
// mutate once published.
func (m *levelManager) snapshot() [][]*SSTable {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([][]*SSTable, len(m.levels))
	for i, lvl := range m.levels {
		out[i] = append([]*SSTable(nil), lvl...)
	}
	return out
}

// Get searches every level for key, newest data first: all of level 0
// (which may overlap, so every file must be tried), then each deeper
// level's single containing file found by binary search.
func (m *levelManager) Get(key []byte) ([]byte, opKind, bool, error) {
	levels := m.snapshot()

	for _, sst := range levels[0] {
		value, op, found, err := sst.Get(key)
		if err != nil {
			return nil, 0, false, err
		}
		if found {
			return value, op, true, nil
		}
	}

	for level := 1; level < len(levels); level++ {
		files := levels[level]
		i := sort.Search(len(files), func(i int) bool {
			return bytes.Compare(files[i].MaxKey(), key) >= 0
		})
		if i >= len(files) || !files[i].Overlaps(key, key) {
			continue
		}
		value, op, found, err := files[i].Get(key)
		if err != nil {
			return nil, 0, false, err
		}
		if found {
			return value, op, true, nil
		}
	}

	return nil, 0, false, nil
}

// PickCompaction chooses the next compaction to run, if any: level 0
// once it crosses l0CompactionTrigger files, otherwise the shallowest
// level whose total size exceeds its target. It returns the source
// level and the complete set of files that must participate (including
// any overlapping files one level down).
func (m *levelManager) PickCompaction() (level int, files []*SSTable, ok bool) {
	levels := m.snapshot()

	if len(levels[0]) >= l0CompactionTrigger {
		files = append(files, levels[0]...)
		lo, hi := l0KeyRange(levels[0])
		files = append(files, overlapping(levels[1], lo, hi)...)
		return 0, files, true
	}

	target := int64(baseLevelSizeBytes)
	for lvl := 1; lvl < len(levels)-1; lvl++ {
		if levelSize(levels[lvl]) > target {
			oldest := levels[lvl][0]
			files = append(files, oldest)
			files = append(files, overlapping(levels[lvl+1], oldest.MinKey(), oldest.MaxKey())...)
			return lvl, files, true
		}
		target *= levelSizeMultiplier
	}

	return 0, nil, false
}

func l0KeyRange(files []*SSTable) (lo, hi []byte) {
	for _, f := range files {
		if lo == nil || bytes.Compare(f.MinKey(), lo) < 0 {
			lo = f.MinKey()
		}
		if hi == nil || bytes.Compare(f.MaxKey(), hi) > 0 {
			hi = f.MaxKey()
		}
	}
	return lo, hi
}

func overlapping(files []*SSTable, lo, hi []byte) []*SSTable {
	var out []*SSTable
	for _, f := range files {
		if f.Overlaps(lo, hi) {
			out = append(out, f)
		}
	}
	return out
}

// levelSize sums the on-disk byte size of every file in a level, the
// quantity PickCompaction compares against each level's byte-denominated
// target (baseLevelSizeBytes, scaled by levelSizeMultiplier per level).
func levelSize(files []*SSTable) int64 {
	var total int64
	for _, f := range files {
		total += f.Size()
	}
	return total
}

// Stats reports per-level file counts for diagnostics and the benchmark
// driver's summary output.
func (m *levelManager) Stats() map[string]interface{} {
	levels := m.snapshot()
	counts := make([]int, len(levels))
	total := 0
	for i, lvl := range levels {
		counts[i] = len(lvl)
		total += len(lvl)
	}
	return map[string]interface{}{
		"files_per_level": counts,
		"total_files":     total,
	}
}
