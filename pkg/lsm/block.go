package lsm

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/mnohosten/ridgekv/pkg/compression"
)

// defaultBlockSize is the target size, before compression, of one SST
// data block.
const defaultBlockSize = 4096

// blockEntry is one decoded record within a data block.
type blockEntry struct {
	key   []byte
	value []byte
	op    opKind
	seq   uint64
}

// blockBuilder accumulates sorted entries into one prefix-compressed data
// block. Each entry after the first stores only the suffix that differs
// from the previous key, plus the length of the shared prefix.
type blockBuilder struct {
	buf      bytes.Buffer
	lastKey  []byte
	firstKey []byte
	count    int
}

func newBlockBuilder() *blockBuilder {
	return &blockBuilder{}
}

func (b *blockBuilder) add(key, value []byte, op opKind, seq uint64) {
	if b.count == 0 {
		b.firstKey = append([]byte(nil), key...)
	}

	shared := 0
	for shared < len(b.lastKey) && shared < len(key) && b.lastKey[shared] == key[shared] {
		shared++
	}
	suffix := key[shared:]

	var hdr [binary.MaxVarintLen64 * 3]byte
	n := binary.PutUvarint(hdr[0:], uint64(shared))
	n += binary.PutUvarint(hdr[n:], uint64(len(suffix)))
	n += binary.PutUvarint(hdr[n:], uint64(len(value)))
	b.buf.Write(hdr[:n])
	b.buf.WriteByte(byte(op))

	var seqBuf [binary.MaxVarintLen64]byte
	n = binary.PutUvarint(seqBuf[:], seq)
	b.buf.Write(seqBuf[:n])

	b.buf.Write(suffix)
	b.buf.Write(value)

	b.lastKey = append(b.lastKey[:0], key...)
	b.count++
}

func (b *blockBuilder) empty() bool { return b.count == 0 }
func (b *blockBuilder) size() int   { return b.buf.Len() }

func (b *blockBuilder) reset() {
	b.buf.Reset()
	b.lastKey = b.lastKey[:0]
	b.firstKey = nil
	b.count = 0
}

// decodeBlock reconstructs every entry from a block's raw (decompressed)
// bytes, in the order they were written.
func decodeBlock(data []byte) ([]blockEntry, error) {
	var entries []blockEntry
	var lastKey []byte
	r := bytes.NewReader(data)

	for r.Len() > 0 {
		shared, err := binary.ReadUvarint(r)
		if err != nil {
			return nil, fmt.Errorf("lsm: decode block: %w", ErrCorruption)
		}
		unshared, err := binary.ReadUvarint(r)
		if err != nil {
			return nil, fmt.Errorf("lsm: decode block: %w", ErrCorruption)
		}
		vlen, err := binary.ReadUvarint(r)
		if err != nil {
			return nil, fmt.Errorf("lsm: decode block: %w", ErrCorruption)
		}
		opByte, err := r.ReadByte()
		if err != nil {
			return nil, fmt.Errorf("lsm: decode block: %w", ErrCorruption)
		}
		seq, err := binary.ReadUvarint(r)
		if err != nil {
			return nil, fmt.Errorf("lsm: decode block: %w", ErrCorruption)
		}

		suffix := make([]byte, unshared)
		if _, err := r.Read(suffix); err != nil && unshared > 0 {
			return nil, fmt.Errorf("lsm: decode block: %w", ErrCorruption)
		}

		key := make([]byte, int(shared)+int(unshared))
		copy(key, lastKey[:shared])
		copy(key[shared:], suffix)

		value := make([]byte, vlen)
		if vlen > 0 {
			if _, err := r.Read(value); err != nil {
				return nil, fmt.Errorf("lsm: decode block: %w", ErrCorruption)
			}
		}

		entries = append(entries, blockEntry{key: key, value: value, op: opKind(opByte), seq: seq})
		lastKey = key
	}

	return entries, nil
}

// compressorFor returns a (de)compressor for the given algorithm byte, as
// recorded per-SST-file in its index block.
func compressorFor(algo compression.Algorithm) (*compression.Compressor, error) {
	cfg := &compression.Config{Algorithm: algo}
	if algo == compression.AlgorithmGzip || algo == compression.AlgorithmZlib {
		// Level 0 means "store uncompressed" to gzip and zlib; -1 selects
		// their default compression level.
		cfg.Level = -1
	}
	return compression.NewCompressor(cfg)
}
