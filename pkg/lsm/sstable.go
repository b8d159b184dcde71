package lsm

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/mnohosten/ridgekv/pkg/cache"
	"github.com/mnohosten/ridgekv/pkg/compression"
)

// sstMagic is written as the last 8 bytes of every SST file's footer; a
// mismatch on open means the file was truncated or never finalized.
const sstMagic uint64 = 0x52_4b_56_53_53_54_30_31

// footerSize is the fixed trailer: index offset, index length, magic.
const footerSize = 24

func sstPath(dir string, fileNum uint64) string {
	return filepath.Join(dir, fmt.Sprintf("%06d.sst", fileNum))
}

// blockIndexEntry locates one data block within an SST file by the first
// key it holds.
type blockIndexEntry struct {
	firstKey []byte
	offset   int64
	length   int64
}

// SSTableWriter builds one immutable SST file from entries delivered in
// ascending key order: a flushed memtable, or the merged output of a
// compaction. Entries are grouped into fixed-size, prefix-compressed
// blocks; an index block and footer are appended once Finalize is
// called. The file is written under a temporary name and renamed into
// place atomically so a reader never observes a partially written table.
type SSTableWriter struct {
	file    *os.File
	path    string
	tmpPath string
	comp    *compression.Compressor
	algo    compression.Algorithm
	block   *blockBuilder
	blockSz int
	index   []blockIndexEntry
	bloom   *BloomFilter
	minKey  []byte
	maxKey  []byte
	count   int
	offset  int64
	fileNum uint64
}

// NewSSTableWriter creates a writer for a new SST file numbered fileNum
// in dir. expectedEntries sizes the bloom filter.
func NewSSTableWriter(dir string, fileNum uint64, algo compression.Algorithm, expectedEntries int) (*SSTableWriter, error) {
	path := sstPath(dir, fileNum)
	tmp := path + ".tmp"

	f, err := os.Create(tmp)
	if err != nil {
		return nil, fmt.Errorf("sstable: create %s: %w", tmp, err)
	}

	comp, err := compressorFor(algo)
	if err != nil {
		f.Close()
		os.Remove(tmp)
		return nil, err
	}

	if expectedEntries < 64 {
		expectedEntries = 64
	}

	return &SSTableWriter{
		file:    f,
		path:    path,
		tmpPath: tmp,
		comp:    comp,
		algo:    algo,
		block:   newBlockBuilder(),
		blockSz: defaultBlockSize,
		bloom:   NewBloomFilter(expectedEntries),
		fileNum: fileNum,
	}, nil
}

// Add appends one entry. Callers must present keys in strictly ascending
// order; Add does not itself deduplicate or sort.
func (w *SSTableWriter) Add(key, value []byte, op opKind, seq uint64) error {
	if w.minKey == nil {
		w.minKey = append([]byte(nil), key...)
	}
	w.maxKey = append(w.maxKey[:0], key...)

	w.bloom.Add(key)
	w.block.add(key, value, op, seq)
	w.count++

	if w.block.size() >= w.blockSz {
		return w.flushBlock()
	}
	return nil
}

func (w *SSTableWriter) flushBlock() error {
	if w.block.empty() {
		return nil
	}

	compressed, err := w.comp.Compress(w.block.buf.Bytes())
	if err != nil {
		return fmt.Errorf("sstable: compress block: %w", err)
	}
	n, err := w.file.Write(compressed)
	if err != nil {
		return fmt.Errorf("sstable: write block: %w", err)
	}

	w.index = append(w.index, blockIndexEntry{
		firstKey: w.block.firstKey,
		offset:   w.offset,
		length:   int64(n),
	})
	w.offset += int64(n)
	w.block.reset()
	return nil
}

// Count returns the number of entries written so far.
func (w *SSTableWriter) Count() int { return w.count }

// Finalize flushes the last partial block, writes the index block and
// footer, syncs, and renames the file into place. It returns a handle
// ready for reads.
func (w *SSTableWriter) Finalize(blockCache *cache.BlockCache) (*SSTable, error) {
	if w.count == 0 {
		w.file.Close()
		os.Remove(w.tmpPath)
		return nil, nil
	}

	if err := w.flushBlock(); err != nil {
		w.Abort()
		return nil, err
	}

	indexOffset := w.offset
	idx := new(bytes.Buffer)
	idx.WriteByte(byte(w.algo))
	binary.Write(idx, binary.LittleEndian, uint32(w.count))
	binary.Write(idx, binary.LittleEndian, uint32(len(w.minKey)))
	idx.Write(w.minKey)
	binary.Write(idx, binary.LittleEndian, uint32(len(w.maxKey)))
	idx.Write(w.maxKey)
	binary.Write(idx, binary.LittleEndian, uint32(len(w.index)))
	for _, e := range w.index {
		binary.Write(idx, binary.LittleEndian, uint32(len(e.firstKey)))
		idx.Write(e.firstKey)
		binary.Write(idx, binary.LittleEndian, e.offset)
		binary.Write(idx, binary.LittleEndian, e.length)
	}
	bloomData := w.bloom.Marshal()
	binary.Write(idx, binary.LittleEndian, uint32(len(bloomData)))
	idx.Write(bloomData)

	if _, err := w.file.Write(idx.Bytes()); err != nil {
		w.Abort()
		return nil, fmt.Errorf("sstable: write index: %w", err)
	}

	var footer [footerSize]byte
	binary.LittleEndian.PutUint64(footer[0:8], uint64(indexOffset))
	binary.LittleEndian.PutUint64(footer[8:16], uint64(idx.Len()))
	binary.LittleEndian.PutUint64(footer[16:24], sstMagic)
	if _, err := w.file.Write(footer[:]); err != nil {
		w.Abort()
		return nil, fmt.Errorf("sstable: write footer: %w", err)
	}

	if err := w.file.Sync(); err != nil {
		w.Abort()
		return nil, fmt.Errorf("sstable: sync: %w", err)
	}
	if err := w.file.Close(); err != nil {
		return nil, fmt.Errorf("sstable: close: %w", err)
	}
	if err := os.Rename(w.tmpPath, w.path); err != nil {
		return nil, fmt.Errorf("sstable: publish: %w", err)
	}

	f, err := os.Open(w.path)
	if err != nil {
		return nil, fmt.Errorf("sstable: reopen: %w", err)
	}
	stat, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("sstable: stat: %w", err)
	}

	return &SSTable{
		file:     f,
		path:     w.path,
		fileNum:  w.fileNum,
		algo:     w.algo,
		comp:     w.comp,
		minKey:   w.minKey,
		maxKey:   w.maxKey,
		count:    w.count,
		blocks:   w.index,
		bloom:    w.bloom,
		cache:    blockCache,
		fileSize: stat.Size(),
	}, nil
}

// Abort discards a writer that will never be finalized, removing its
// temporary file.
func (w *SSTableWriter) Abort() {
	w.file.Close()
	os.Remove(w.tmpPath)
}

// SSTable is a read-only handle onto one on-disk sorted table: its index
// block (loaded at open time) and bloom filter, plus enough metadata to
// decide whether a key could possibly live in it without touching disk.
// The open file descriptor is held for the table's lifetime, so a
// compaction can unlink the path while a reader that snapshotted the
// old level layout is still reading blocks through it.
type SSTable struct {
	file     *os.File
	path     string
	fileNum  uint64
	algo     compression.Algorithm
	comp     *compression.Compressor
	minKey   []byte
	maxKey   []byte
	count    int
	blocks   []blockIndexEntry
	bloom    *BloomFilter
	cache    *cache.BlockCache
	fileSize int64
}

// OpenSSTable loads an SST file's footer and index block without
// touching any data block, so reopening a database only pays for
// metadata proportional to the number of files, not their payload size.
func OpenSSTable(path string, fileNum uint64, blockCache *cache.BlockCache) (*SSTable, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("sstable: open %s: %w", path, err)
	}
	keep := false
	defer func() {
		if !keep {
			f.Close()
		}
	}()

	stat, err := f.Stat()
	if err != nil {
		return nil, err
	}
	if stat.Size() < footerSize {
		return nil, fmt.Errorf("sstable: %s: %w", path, ErrCorruption)
	}

	var footer [footerSize]byte
	if _, err := f.ReadAt(footer[:], stat.Size()-footerSize); err != nil {
		return nil, fmt.Errorf("sstable: read footer: %w", err)
	}
	indexOffset := int64(binary.LittleEndian.Uint64(footer[0:8]))
	indexLength := int64(binary.LittleEndian.Uint64(footer[8:16]))
	magic := binary.LittleEndian.Uint64(footer[16:24])
	if magic != sstMagic {
		return nil, fmt.Errorf("sstable: %s: %w", path, ErrCorruption)
	}

	idxBytes := make([]byte, indexLength)
	if _, err := f.ReadAt(idxBytes, indexOffset); err != nil {
		return nil, fmt.Errorf("sstable: read index: %w", err)
	}
	r := bytes.NewReader(idxBytes)

	algoByte, err := r.ReadByte()
	if err != nil {
		return nil, fmt.Errorf("sstable: %s: %w", path, ErrCorruption)
	}

	var numEntries, minKeyLen uint32
	binary.Read(r, binary.LittleEndian, &numEntries)
	binary.Read(r, binary.LittleEndian, &minKeyLen)
	minKey := make([]byte, minKeyLen)
	io.ReadFull(r, minKey)

	var maxKeyLen uint32
	binary.Read(r, binary.LittleEndian, &maxKeyLen)
	maxKey := make([]byte, maxKeyLen)
	io.ReadFull(r, maxKey)

	var numBlocks uint32
	binary.Read(r, binary.LittleEndian, &numBlocks)
	blocks := make([]blockIndexEntry, numBlocks)
	for i := range blocks {
		var keyLen uint32
		binary.Read(r, binary.LittleEndian, &keyLen)
		key := make([]byte, keyLen)
		io.ReadFull(r, key)
		var offset, length int64
		binary.Read(r, binary.LittleEndian, &offset)
		binary.Read(r, binary.LittleEndian, &length)
		blocks[i] = blockIndexEntry{firstKey: key, offset: offset, length: length}
	}

	var bloomLen uint32
	binary.Read(r, binary.LittleEndian, &bloomLen)
	bloomData := make([]byte, bloomLen)
	io.ReadFull(r, bloomData)
	bloom, err := UnmarshalBloomFilter(bloomData)
	if err != nil {
		return nil, err
	}

	comp, err := compressorFor(compression.Algorithm(algoByte))
	if err != nil {
		return nil, err
	}

	keep = true
	return &SSTable{
		file:     f,
		path:     path,
		fileNum:  fileNum,
		algo:     compression.Algorithm(algoByte),
		comp:     comp,
		minKey:   minKey,
		maxKey:   maxKey,
		count:    int(numEntries),
		blocks:   blocks,
		bloom:    bloom,
		cache:    blockCache,
		fileSize: stat.Size(),
	}, nil
}

// Metadata accessors used by the level manager and compaction.
func (s *SSTable) FileNum() uint64   { return s.fileNum }
func (s *SSTable) Path() string      { return s.path }
func (s *SSTable) MinKey() []byte    { return s.minKey }
func (s *SSTable) MaxKey() []byte    { return s.maxKey }
func (s *SSTable) NumEntries() int   { return s.count }

// Size returns the on-disk byte size of this SST file, used by the level
// manager to decide when a level has grown past its target size.
func (s *SSTable) Size() int64 { return s.fileSize }

// Close releases the table's file descriptor. Only the owning database
// calls it, once no reader snapshot can still reference the table.
func (s *SSTable) Close() error {
	if s.file == nil {
		return nil
	}
	return s.file.Close()
}

// Overlaps reports whether [lo, hi] intersects this table's key range.
// A nil bound is unbounded on that side.
func (s *SSTable) Overlaps(lo, hi []byte) bool {
	if hi != nil && bytes.Compare(s.minKey, hi) > 0 {
		return false
	}
	if lo != nil && bytes.Compare(s.maxKey, lo) < 0 {
		return false
	}
	return true
}

// Get looks up key, consulting the bloom filter and key range before
// touching any block.
func (s *SSTable) Get(key []byte) ([]byte, opKind, bool, error) {
	if bytes.Compare(key, s.minKey) < 0 || bytes.Compare(key, s.maxKey) > 0 {
		return nil, 0, false, nil
	}
	if s.bloom != nil && !s.bloom.Contains(key) {
		return nil, 0, false, nil
	}

	i := sort.Search(len(s.blocks), func(i int) bool {
		return bytes.Compare(s.blocks[i].firstKey, key) > 0
	})
	if i == 0 {
		return nil, 0, false, nil
	}
	entries, err := s.readBlock(s.blocks[i-1])
	if err != nil {
		return nil, 0, false, err
	}

	j := sort.Search(len(entries), func(j int) bool {
		return bytes.Compare(entries[j].key, key) >= 0
	})
	if j < len(entries) && bytes.Equal(entries[j].key, key) {
		return entries[j].value, entries[j].op, true, nil
	}
	return nil, 0, false, nil
}

func (s *SSTable) readBlock(blk blockIndexEntry) ([]blockEntry, error) {
	ck := cache.Key{FileNum: s.fileNum, Offset: blk.offset}
	if s.cache != nil {
		if raw, ok := s.cache.Get(ck); ok {
			return decodeBlock(raw)
		}
	}

	compressed := make([]byte, blk.length)
	if _, err := s.file.ReadAt(compressed, blk.offset); err != nil {
		return nil, fmt.Errorf("sstable: read block: %w", err)
	}
	raw, err := s.comp.Decompress(compressed)
	if err != nil {
		return nil, fmt.Errorf("sstable: decompress block: %w", err)
	}
	if s.cache != nil {
		s.cache.Put(ck, raw)
	}
	return decodeBlock(raw)
}

// sstableIterator walks an SST's blocks sequentially in key order. It is
// used both for a full-table scan during compaction and, via SeekTo, as
// one source feeding the merged range iterator.
type sstableIterator struct {
	sst      *SSTable
	blockIdx int
	entries  []blockEntry
	entryIdx int
	err      error
}

// NewIterator returns an iterator positioned before the first entry.
func (s *SSTable) NewIterator() *sstableIterator {
	return &sstableIterator{sst: s, blockIdx: -1, entryIdx: -1}
}

// SeekTo repositions the iterator at the first entry with key >= target.
func (s *SSTable) SeekTo(target []byte) *sstableIterator {
	it := s.NewIterator()

	i := sort.Search(len(s.blocks), func(i int) bool {
		return bytes.Compare(s.blocks[i].firstKey, target) > 0
	})
	if i > 0 {
		i--
	}
	it.blockIdx = i - 1

	for it.Next() {
		if bytes.Compare(it.Key(), target) >= 0 {
			return it
		}
	}
	return it
}

func (it *sstableIterator) Next() bool {
	for {
		if it.entries != nil && it.entryIdx+1 < len(it.entries) {
			it.entryIdx++
			return true
		}
		it.blockIdx++
		if it.blockIdx >= len(it.sst.blocks) {
			return false
		}
		entries, err := it.sst.readBlock(it.sst.blocks[it.blockIdx])
		if err != nil {
			it.err = err
			return false
		}
		it.entries = entries
		it.entryIdx = 0
		if len(entries) > 0 {
			return true
		}
	}
}

func (it *sstableIterator) Key() []byte   { return it.entries[it.entryIdx].key }
func (it *sstableIterator) Value() []byte { return it.entries[it.entryIdx].value }
func (it *sstableIterator) Op() opKind    { return it.entries[it.entryIdx].op }
func (it *sstableIterator) Seq() uint64   { return it.entries[it.entryIdx].seq }
func (it *sstableIterator) Err() error    { return it.err }
