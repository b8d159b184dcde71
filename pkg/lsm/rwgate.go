package lsm

import (
	"runtime"
	"sync/atomic"
)

// rwGate is the engine's single-writer/many-reader coordinator. Unlike
// sync.RWMutex it is writer-preferring and spin-based: a reader
// announces itself by incrementing a counter, then checks whether a
// writer is active; a writer first waits for the reader count to drain
// to zero, then claims the section by setting its flag.
//
// That ordering carries a known hazard in both directions. A reader
// that increments the counter after the writer has observed zero but
// before the writer's flag store lands can slip into the section
// alongside the writer; and a stream of arriving readers, each
// incrementing before checking the flag, can hold a waiting writer off
// indefinitely even when the writer lost the race only narrowly. Both
// are accepted as narrow, rare races rather than paying for a stricter
// handshake. Data integrity does not depend on the gate: MemTable.mu
// serializes the actual structure mutations underneath.
type rwGate struct {
	readers      int64
	writerActive int32
}

// BeginRead announces a reader. Pair with EndRead.
func (g *rwGate) BeginRead() {
	atomic.AddInt64(&g.readers, 1)
	for atomic.LoadInt32(&g.writerActive) != 0 {
		runtime.Gosched()
	}
}

// EndRead retires a reader.
func (g *rwGate) EndRead() {
	atomic.AddInt64(&g.readers, -1)
}

// BeginWrite waits until no reader is known to be active, then claims
// the section. Pair with EndWrite.
//
// The gate only orders writers against readers: two writers that both
// observe a drained reader count would both proceed. Writer-writer
// exclusion is DB.writeMu's job; every BeginWrite happens with that
// mutex already held.
func (g *rwGate) BeginWrite() {
	for atomic.LoadInt64(&g.readers) > 0 {
		runtime.Gosched()
	}
	atomic.StoreInt32(&g.writerActive, 1)
}

// EndWrite releases the section.
func (g *rwGate) EndWrite() {
	atomic.StoreInt32(&g.writerActive, 0)
}
