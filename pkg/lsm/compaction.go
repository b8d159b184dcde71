package lsm

import (
	"fmt"
	"os"
)

// maxCompactionOutputEntries caps how many entries go into a single
// compaction output file before a new one is started, keeping
// individual SST files from growing unboundedly as levels deepen.
const maxCompactionOutputEntries = 200_000

// runCompaction merges files (already selected by levelManager.PickCompaction)
// into one or more new SST files at fromLevel+1, installs the result,
// and removes the inputs from disk. Tombstones are dropped only when
// the output lands in the deepest level, since no lower level remains
// that could need them as a shadow over older data.
func runCompaction(lm *levelManager, fromLevel int, files []*SSTable) error {
	target := fromLevel + 1
	if target >= lm.maxLevels {
		target = lm.maxLevels - 1
	}
	dropTombstones := target == lm.maxLevels-1

	sources := make([]entrySource, len(files))
	for i, f := range files {
		sources[i] = f.NewIterator()
	}
	m := newMerger(sources)

	var outputs []*SSTable
	var writer *SSTableWriter

	finishCurrent := func() error {
		if writer == nil {
			return nil
		}
		sst, err := writer.Finalize(lm.cache)
		if err != nil {
			return err
		}
		if sst != nil {
			outputs = append(outputs, sst)
		}
		writer = nil
		return nil
	}

	for m.Next() {
		if dropTombstones && m.Op() == opDelete {
			continue
		}

		if writer == nil {
			fileNum := lm.NextFileNum()
			var err error
			writer, err = NewSSTableWriter(lm.dir, fileNum, lm.algo, maxCompactionOutputEntries)
			if err != nil {
				return fmt.Errorf("compaction: new writer: %w", err)
			}
		}

		if err := writer.Add(m.Key(), m.Value(), m.Op(), m.Seq()); err != nil {
			writer.Abort()
			return fmt.Errorf("compaction: write entry: %w", err)
		}

		if writer.Count() >= maxCompactionOutputEntries {
			if err := finishCurrent(); err != nil {
				return err
			}
		}
	}
	if err := finishCurrent(); err != nil {
		return err
	}

	lm.install(fromLevel, files, outputs)

	// Unlink the inputs. Their descriptors stay open (the level manager
	// parks them as obsolete) so a reader that snapshotted the level
	// layout before install can still read through them.
	for _, f := range files {
		os.Remove(f.Path())
	}
	return nil
}

// compactOnce runs at most one compaction round if the level manager
// reports one is due, reporting whether it did. It is safe to call
// opportunistically after every flush.
func compactOnce(lm *levelManager) (bool, error) {
	level, files, ok := lm.PickCompaction()
	if !ok {
		return false, nil
	}
	return true, runCompaction(lm, level, files)
}
