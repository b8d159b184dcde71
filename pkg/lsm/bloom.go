package lsm

import (
	"encoding/binary"

	"github.com/cespare/xxhash/v2"
)

// Every SST carries a bloom filter sized at bloomBitsPerKey bits per
// expected entry and probed bloomHashCount times, which lands close to
// a 1% false-positive rate (the k = m/n * ln 2 optimum, rounded up).
const (
	bloomBitsPerKey = 10
	bloomHashCount  = 7

	// bloomSeed differentiates the second xxhash pass from the
	// unseeded first one for double hashing.
	bloomSeed = 0x9747b28c
)

// BloomFilter answers "might this table contain key?" with no false
// negatives, so SSTable.Get can reject most absent keys before reading
// any data block. Bits live in 64-bit words; probe positions are
// derived Kirsch-Mitzenmacher style, combining two xxhash passes as
// h1 + i*h2 instead of hashing once per probe.
type BloomFilter struct {
	words     []uint64
	numBits   uint64
	numHashes uint32
}

// NewBloomFilter sizes a filter for the given number of expected
// entries.
func NewBloomFilter(expectedEntries int) *BloomFilter {
	if expectedEntries < 1 {
		expectedEntries = 1
	}
	words := (uint64(expectedEntries)*bloomBitsPerKey + 63) / 64
	return &BloomFilter{
		words:     make([]uint64, words),
		numBits:   words * 64,
		numHashes: bloomHashCount,
	}
}

func bloomHashPair(key []byte) (uint64, uint64) {
	d := xxhash.NewWithSeed(bloomSeed)
	d.Write(key)
	return xxhash.Sum64(key), d.Sum64()
}

// Add sets key's probe bits.
func (bf *BloomFilter) Add(key []byte) {
	h1, h2 := bloomHashPair(key)
	for i := uint64(0); i < uint64(bf.numHashes); i++ {
		bit := (h1 + i*h2) % bf.numBits
		bf.words[bit>>6] |= 1 << (bit & 63)
	}
}

// Contains reports whether key might have been added. False positives
// occur at roughly the configured rate; false negatives never do.
func (bf *BloomFilter) Contains(key []byte) bool {
	h1, h2 := bloomHashPair(key)
	for i := uint64(0); i < uint64(bf.numHashes); i++ {
		bit := (h1 + i*h2) % bf.numBits
		if bf.words[bit>>6]&(1<<(bit&63)) == 0 {
			return false
		}
	}
	return true
}

// Marshal lays the filter out for the SST index block: hash count and
// word count, then each 64-bit word, all little-endian like the rest
// of the index encoding. The hash count travels with the file so a
// change to bloomHashCount never misreads tables written before it.
func (bf *BloomFilter) Marshal() []byte {
	buf := make([]byte, 8+8*len(bf.words))
	binary.LittleEndian.PutUint32(buf[0:4], bf.numHashes)
	binary.LittleEndian.PutUint32(buf[4:8], uint32(len(bf.words)))
	for i, w := range bf.words {
		binary.LittleEndian.PutUint64(buf[8+8*i:], w)
	}
	return buf
}

// UnmarshalBloomFilter decodes a filter serialized by Marshal.
func UnmarshalBloomFilter(data []byte) (*BloomFilter, error) {
	if len(data) < 8 {
		return nil, ErrInvalidBloomFilter
	}
	numHashes := binary.LittleEndian.Uint32(data[0:4])
	wordCount := int(binary.LittleEndian.Uint32(data[4:8]))
	if numHashes == 0 || numHashes > 64 || wordCount == 0 || len(data) != 8+8*wordCount {
		return nil, ErrInvalidBloomFilter
	}
	words := make([]uint64, wordCount)
	for i := range words {
		words[i] = binary.LittleEndian.Uint64(data[8+8*i:])
	}
	return &BloomFilter{
		words:     words,
		numBits:   uint64(wordCount) * 64,
		numHashes: numHashes,
	}, nil
}
