package lsm

import "sync/atomic"

// telemetry tracks cheap, lock-free counters over the engine's shared
// resources: how many reads and writes crossed the gate, how many
// memtable flushes and compactions have run. It exists so a caller (or
// the benchmark driver) can observe contention and I/O pressure without
// the engine pulling in a metrics client library of its own.
type telemetry struct {
	reads        int64
	writes       int64
	flushes      int64
	compactions  int64
	bytesFlushed int64
}

func (t *telemetry) recordRead()       { atomic.AddInt64(&t.reads, 1) }
func (t *telemetry) recordWrite()      { atomic.AddInt64(&t.writes, 1) }
func (t *telemetry) recordCompaction() { atomic.AddInt64(&t.compactions, 1) }

func (t *telemetry) recordFlush(bytes int64) {
	atomic.AddInt64(&t.flushes, 1)
	atomic.AddInt64(&t.bytesFlushed, bytes)
}

// Snapshot returns a point-in-time copy of every counter.
func (t *telemetry) Snapshot() map[string]int64 {
	return map[string]int64{
		"reads":         atomic.LoadInt64(&t.reads),
		"writes":        atomic.LoadInt64(&t.writes),
		"flushes":       atomic.LoadInt64(&t.flushes),
		"compactions":   atomic.LoadInt64(&t.compactions),
		"bytes_flushed": atomic.LoadInt64(&t.bytesFlushed),
	}
}
