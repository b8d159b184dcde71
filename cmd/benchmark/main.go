// Command benchmark drives a ridgekv database with a configurable mix of
// concurrent readers and writers, reporting throughput and per-operation
// latency once every thread has finished.
package main

import (
	"flag"
	"fmt"
	"math/rand"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mnohosten/ridgekv/pkg/lsm"
)

const (
	keySize   = 16
	valueSize = 1000
	charset   = "abcdefghijklmnopqrstuvwxyz0123456789"
)

func main() {
	count := flag.Int("count", 100000, "total number of operations to perform")
	writePct := flag.Int("write-percent", 50, "percentage of operations that are writes, 0-100")
	threads := flag.Int("threads", 8, "number of concurrent goroutines")
	dataDir := flag.String("data-dir", "benchdata", "database directory")
	randomKeys := flag.Bool("random-keys", true, "generate random 16-character keys instead of picking random keys from the pre-populated key space")
	keySpace := flag.Int("key-space", 100000, "number of distinct keys available to read/write")
	flag.Parse()

	if *writePct < 0 || *writePct > 100 {
		fmt.Fprintln(os.Stderr, "write-percent must be an integer between 0 and 100")
		os.Exit(1)
	}
	if *threads <= 0 {
		fmt.Fprintln(os.Stderr, "threads must be positive")
		os.Exit(1)
	}

	printHeader(*count, *threads, *writePct)

	db, err := lsm.Open(*dataDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open: %v\n", err)
		os.Exit(1)
	}
	defer db.Close()

	// Pre-populate the key space so read operations have something to
	// find even at a low write percentage.
	seed(db, *keySpace)

	writeCount := int(float64(*count) * float64(*writePct) / 100.0)
	readCount := *count - writeCount

	writingThreads := *threads * *writePct / 100
	if *writePct > 0 && writingThreads == 0 {
		writingThreads = 1
	}
	if *writePct == 100 {
		writingThreads = *threads
	}
	readingThreads := *threads - writingThreads
	if *writePct == 0 {
		readingThreads = *threads
		writingThreads = 0
	}

	var writesPerThread, readsPerThread int
	if writingThreads > 0 {
		writesPerThread = writeCount / writingThreads
	}
	if readingThreads > 0 {
		readsPerThread = readCount / readingThreads
	}

	var (
		wg                     sync.WaitGroup
		writeNanos, readNanos  int64
		writesDone, readsDone  int64
	)

	// Every spawned goroutine is joined through this one WaitGroup, so
	// wg.Wait() below always waits for every goroutine actually
	// started before any result is reported.
	for i := 0; i < writingThreads; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			elapsed := runWrites(db, n, *keySpace, *randomKeys)
			atomic.AddInt64(&writeNanos, int64(elapsed))
			atomic.AddInt64(&writesDone, int64(n))
		}(writesPerThread)
	}
	for i := 0; i < readingThreads; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			elapsed := runReads(db, n, *keySpace, *randomKeys)
			atomic.AddInt64(&readNanos, int64(elapsed))
			atomic.AddInt64(&readsDone, int64(n))
		}(readsPerThread)
	}
	wg.Wait()

	printResults(writesDone, readsDone, writeNanos, readNanos, db)
}

func seed(db *lsm.DB, keySpace int) {
	value := make([]byte, valueSize)
	for i := 0; i < keySpace; i++ {
		key := sequentialKey(i)
		db.Add(key, value)
	}
}

func sequentialKey(i int) []byte {
	return []byte(fmt.Sprintf("%0*d", keySize, i))
}

func randomKey(r *rand.Rand) []byte {
	key := make([]byte, keySize)
	for i := range key {
		key[i] = charset[r.Intn(len(charset))]
	}
	return key
}

func runWrites(db *lsm.DB, n int, keySpace int, random bool) time.Duration {
	r := rand.New(rand.NewSource(time.Now().UnixNano()))
	value := make([]byte, valueSize)
	start := time.Now()
	for i := 0; i < n; i++ {
		var key []byte
		if random {
			key = randomKey(r)
		} else {
			key = sequentialKey(r.Intn(keySpace))
		}
		db.Add(key, value)
	}
	return time.Since(start)
}

func runReads(db *lsm.DB, n int, keySpace int, random bool) time.Duration {
	r := rand.New(rand.NewSource(time.Now().UnixNano()))
	start := time.Now()
	for i := 0; i < n; i++ {
		var key []byte
		if random {
			key = randomKey(r)
		} else {
			key = sequentialKey(r.Intn(keySpace))
		}
		db.Get(key)
	}
	return time.Since(start)
}

func printHeader(count, threads, writePct int) {
	indexSize := float64(keySize+8+1) * float64(count) / 1048576.0
	dataSize := float64(valueSize+4) * float64(count) / 1048576.0

	fmt.Printf("Keys:\t\t%d bytes each\n", keySize)
	fmt.Printf("Values:\t\t%d bytes each\n", valueSize)
	fmt.Printf("Entries:\t%d\n", count)
	fmt.Printf("Threads:\t%d\n", threads)
	fmt.Printf("Write%%:\t\t%d\n", writePct)
	fmt.Printf("IndexSize:\t%.1f MB (estimated)\n", indexSize)
	fmt.Printf("DataSize:\t%.1f MB (estimated)\n", dataSize)
	fmt.Println("---------------------------------------------------------------------------------------------------")
}

func printResults(writes, reads, writeNanos, readNanos int64, db *lsm.DB) {
	fmt.Println()
	if writes > 0 {
		perOp := float64(writeNanos) / float64(writes) / 1e9
		fmt.Printf("Random-Write: %.6f sec/op; %.1f writes/sec (estimated); cost: %.3f sec\n",
			perOp, 1.0/perOp, float64(writeNanos)/1e9)
	}
	if reads > 0 {
		perOp := float64(readNanos) / float64(reads) / 1e9
		fmt.Printf("Random-Read: %.6f sec/op; %.1f reads/sec (estimated); cost: %.3f sec\n",
			perOp, 1.0/perOp, float64(readNanos)/1e9)
	}

	fmt.Println()
	for k, v := range db.Stats() {
		fmt.Printf("%s: %v\n", k, v)
	}
}
