package lsm

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"sync"
)

// WAL is the append-only write-ahead log mirroring every memtable
// mutation. Appending to the WAL is the commit point for Add/Remove: once
// Append returns without error the record survives a crash and will be
// replayed into a fresh memtable on the next open.
//
// Record layout, little-endian:
//
//	op(1) | seq(8) | klen(4) | vlen(4) | key | value | crc32(4)
//
// vlen is 0 for a tombstone (DEL) record.
type WAL struct {
	mu   sync.Mutex
	file *os.File
	path string
}

func walPath(dir string, lsn uint64) string {
	return filepath.Join(dir, fmt.Sprintf("%08d.wal", lsn))
}

// newWAL creates (or truncates) the log file for the memtable identified
// by lsn.
func newWAL(dir string, lsn uint64) (*WAL, error) {
	path := walPath(dir, lsn)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_TRUNC, 0644)
	if err != nil {
		return nil, fmt.Errorf("wal: open %s: %w", path, err)
	}
	return &WAL{file: f, path: path}, nil
}

// openWAL opens an existing log file for replay, appending further
// records after it.
func openWAL(dir string, lsn uint64) (*WAL, error) {
	path := walPath(dir, lsn)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("wal: open %s: %w", path, err)
	}
	return &WAL{file: f, path: path}, nil
}

// walRecord is one decoded WAL entry.
type walRecord struct {
	op    opKind
	seq   uint64
	key   []byte
	value []byte
}

func encodeWALRecord(op opKind, seq uint64, key, value []byte) []byte {
	vlen := len(value)
	buf := make([]byte, 1+8+4+4+len(key)+vlen+4)

	buf[0] = byte(op)
	binary.LittleEndian.PutUint64(buf[1:9], seq)
	binary.LittleEndian.PutUint32(buf[9:13], uint32(len(key)))
	binary.LittleEndian.PutUint32(buf[13:17], uint32(vlen))
	n := 17
	copy(buf[n:], key)
	n += len(key)
	copy(buf[n:], value)
	n += vlen

	crc := crc32.ChecksumIEEE(buf[:n])
	binary.LittleEndian.PutUint32(buf[n:], crc)

	return buf
}

// Append writes a mutation record and fsyncs it before returning, so the
// caller's Add/Remove can rely on the record being durable.
func (w *WAL) Append(op opKind, seq uint64, key, value []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	buf := encodeWALRecord(op, seq, key, value)
	if _, err := w.file.Write(buf); err != nil {
		return fmt.Errorf("wal: append: %w", err)
	}
	return w.file.Sync()
}

// Close closes the underlying file.
func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.file.Close()
}

// Remove closes and deletes the log file. Called once its memtable has
// been durably flushed to an SST.
func (w *WAL) Remove() error {
	w.mu.Lock()
	path := w.path
	w.mu.Unlock()

	if err := w.Close(); err != nil {
		return err
	}
	return os.Remove(path)
}

// replayWAL reads every well-formed record from the log at dir/lsn and
// applies it to list, returning the highest sequence number observed,
// or zero if the log is empty or missing. A truncated tail record, the
// product of a crash mid-append, is treated as the end of the log
// rather than a fatal corruption: replay restores exactly the durable
// prefix.
func replayWAL(dir string, lsn uint64, list *SkipList) (uint64, error) {
	path := walPath(dir, lsn)
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("wal: replay open: %w", err)
	}
	defer f.Close()

	var maxSeq uint64
	for {
		rec, err := readWALRecord(f)
		if err == io.EOF {
			break
		}
		if err != nil {
			// Truncated or corrupt tail: stop replay, keep what's valid.
			break
		}
		list.Insert(rec.key, rec.value, rec.op, rec.seq)
		if rec.seq > maxSeq {
			maxSeq = rec.seq
		}
	}
	return maxSeq, nil
}

func readWALRecord(r io.Reader) (*walRecord, error) {
	var head [17]byte
	if _, err := io.ReadFull(r, head[:]); err != nil {
		return nil, err
	}

	op := opKind(head[0])
	seq := binary.LittleEndian.Uint64(head[1:9])
	klen := binary.LittleEndian.Uint32(head[9:13])
	vlen := binary.LittleEndian.Uint32(head[13:17])

	body := make([]byte, int(klen)+int(vlen)+4)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, io.ErrUnexpectedEOF
	}

	key := body[:klen]
	value := body[klen : klen+vlen]
	wantCRC := binary.LittleEndian.Uint32(body[klen+vlen:])

	full := make([]byte, 0, 17+len(key)+len(value))
	full = append(full, head[:]...)
	full = append(full, key...)
	full = append(full, value...)
	if crc32.ChecksumIEEE(full) != wantCRC {
		return nil, fmt.Errorf("wal: crc mismatch: %w", ErrCorruption)
	}

	return &walRecord{op: op, seq: seq, key: key, value: value}, nil
}
