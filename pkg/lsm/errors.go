package lsm

import "errors"

var (
	// ErrInvalidBloomFilter is returned when bloom filter data is invalid
	ErrInvalidBloomFilter = errors.New("invalid bloom filter data")

	// ErrClosed is returned when an operation is attempted on a closed tree
	ErrClosed = errors.New("lsm: tree is closed")

	// ErrCorruption is returned when an on-disk record fails its checksum
	// or a footer/magic value doesn't match what was written.
	ErrCorruption = errors.New("lsm: corrupt record")

	// ErrInvalidArgument is returned for a zero-length key or an
	// oversized key/value.
	ErrInvalidArgument = errors.New("lsm: invalid key or value")
)

const (
	// maxKeySize bounds a single key; block entries store key lengths
	// as varints but an unbounded key would let one entry dominate a
	// block's target size.
	maxKeySize = 1 << 20
	// maxValueSize bounds a single value.
	maxValueSize = 1 << 28
)

func validateKV(key, value []byte) error {
	if len(key) == 0 || len(key) > maxKeySize {
		return ErrInvalidArgument
	}
	if len(value) > maxValueSize {
		return ErrInvalidArgument
	}
	return nil
}
