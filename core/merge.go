package core

import (
	"fmt"
	"log"
	"os"
	"path/filepath"

	"golang.org/x/sync/errgroup"
)

// Merge compacts every sealed segment into one new segment+hint pair,
// dropping obsolete records and tombstones, then atomically replaces the
// merged-away files. It never touches the active segment. If one or
// zero sealed segments exist, Merge is a no-op.
func (db *DB) Merge() error {
	db.mu.Lock()
	defer db.mu.Unlock()

	if db.closed {
		return ErrClosed
	}
	if len(db.sealed) <= 1 {
		return nil
	}

	sealed := db.sealed
	outID := sealed[len(sealed)-1].id

	tmpDir := filepath.Join(db.dir, "tmp")
	// Clear out anything left behind by a merge that crashed before
	// cleaning up after itself; spec.md's directory layout describes
	// tmp/ as transient and owned exclusively by merge.
	if err := os.RemoveAll(tmpDir); err != nil {
		return fmt.Errorf("merge: clear tmp dir: %w", err)
	}
	if err := os.MkdirAll(tmpDir, 0o755); err != nil {
		return fmt.Errorf("merge: create tmp dir: %w", err)
	}
	defer os.RemoveAll(tmpDir) // nolint:errcheck

	outSeg, err := createSegment(tmpDir, outID)
	if err != nil {
		return fmt.Errorf("merge: create output segment: %w", err)
	}
	outHint, err := createHint(db.dir, outID)
	if err != nil {
		_ = outSeg.close()
		return fmt.Errorf("merge: create output hint: %w", err)
	}

	merged, err := db.copyLiveRecords(sealed, outSeg, outHint)
	if err != nil {
		_ = outSeg.close()
		_ = outHint.close()
		_ = os.Remove(outHint.path)
		return err
	}

	var g errgroup.Group
	g.Go(outSeg.sync)
	g.Go(outHint.sync)
	if err := g.Wait(); err != nil {
		_ = outSeg.close()
		_ = outHint.close()
		return fmt.Errorf("merge: sync output: %w", err)
	}

	if err := outSeg.rename(segmentPath(db.dir, outID)); err != nil {
		_ = outSeg.close()
		_ = outHint.close()
		return fmt.Errorf("merge: publish output segment: %w", err)
	}
	if err := outHint.close(); err != nil {
		return fmt.Errorf("merge: close output hint: %w", err)
	}
	if err := fsyncDir(db.dir); err != nil {
		return fmt.Errorf("merge: fsync dir: %w", err)
	}

	db.publishMergeOutput(sealed, outID, outSeg, merged)

	return nil
}

// copyLiveRecords scans sealed in reverse (newest-first) id order,
// copying each key's newest surviving record into outSeg/outHint exactly
// once and dropping tombstones, per spec.md §4.6. It returns the
// resulting key -> new-location map.
func (db *DB) copyLiveRecords(sealed []*segment, outSeg *segment, outHint *hintFile) (map[string]keydirEntry, error) {
	seen := make(map[string]struct{})
	merged := make(map[string]keydirEntry)

	for i := len(sealed) - 1; i >= 0; i-- {
		seg := sealed[i]

		// Buffer the segment's records so they can be replayed newest
		// first: a single sealed segment can itself hold several writes
		// for the same key (rotation happens by size, not by key), and
		// the scanner only ever walks a segment in file order.
		var records []scannedRecord
		sc := newSegmentScanner(seg, db.verifyChecksum)
		for sc.scan() {
			records = append(records, sc.record)
		}
		if sc.err != nil {
			return nil, fmt.Errorf("merge: scan segment %d: %w", seg.id, sc.err)
		}

		for j := len(records) - 1; j >= 0; j-- {
			rec := records[j]
			key := string(rec.key)

			if _, dup := seen[key]; dup {
				continue
			}
			seen[key] = struct{}{}

			if rec.isTomb {
				// Dropped: neither copied nor hinted, and since it's
				// never inserted into merged, it can never resurrect a
				// deleted key below.
				continue
			}

			off, err := outSeg.write(rec.tstamp, rec.key, rec.value)
			if err != nil {
				return nil, fmt.Errorf("merge: write segment %d: %w", outSeg.id, err)
			}
			valuePos := off + recordHeaderLen + uint32(len(rec.key))

			if err := outHint.put(rec.key, uint32(len(rec.value)), valuePos, rec.tstamp); err != nil {
				return nil, fmt.Errorf("merge: write hint %d: %w", outHint.id, err)
			}

			merged[key] = keydirEntry{
				fileID:   outSeg.id,
				valueSz:  uint32(len(rec.value)),
				valuePos: valuePos,
				tstamp:   rec.tstamp,
			}
		}
	}

	return merged, nil
}

// publishMergeOutput swaps the engine's in-memory segment/keydir state
// over to the merge output, then deletes the segments (and their hint
// pairs) that the merge made obsolete.
func (db *DB) publishMergeOutput(sealed []*segment, outID uint32, outSeg *segment, merged map[string]keydirEntry) {
	var activeID uint32
	var hasActive bool
	if db.active != nil {
		activeID, hasActive = db.active.id, true
	}

	// A key's sealed-segment copy is only still authoritative if nothing
	// newer landed in the active segment since; if it did, the live
	// keydir entry already points there and must be left alone.
	for key, loc := range merged {
		cur, ok := db.keydir.get([]byte(key))
		if !ok {
			continue // deleted by a tombstone in the active segment; stays deleted
		}
		if hasActive && cur.fileID == activeID {
			continue // superseded by a newer write in the active segment
		}
		db.keydir.set([]byte(key), loc)
	}

	for _, seg := range sealed {
		if seg.id == outID {
			if err := seg.close(); err != nil {
				log.Printf("merge: close replaced segment %d: %v", seg.id, err)
			}
			continue
		}

		if err := seg.close(); err != nil {
			log.Printf("merge: close old segment %d: %v", seg.id, err)
		}
		delete(db.bySegID, seg.id)

		if err := os.Remove(segmentPath(db.dir, seg.id)); err != nil && !os.IsNotExist(err) {
			log.Printf("merge: remove old segment %d: %v", seg.id, err)
		}
		if err := os.Remove(hintPath(db.dir, seg.id)); err != nil && !os.IsNotExist(err) {
			log.Printf("merge: remove old hint %d: %v", seg.id, err)
		}
	}

	db.sealed = []*segment{outSeg}
	db.bySegID[outID] = outSeg
}
