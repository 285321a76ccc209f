// Package core implements the Bitcask-style append-only log and keydir
// that back a keg database: on-disk record framing, segment rotation,
// keydir recovery, and compaction.
package core

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// DefaultDataFileLimit is the rotation threshold used when no
// WithDataFileLimit option is given.
const DefaultDataFileLimit = 1 << 20 // 1 MiB

// DB is a single-writer, single-process handle onto a base directory of
// segment and hint files. Every exported method takes db.mu, so calls
// from several goroutines are serialized by the DB itself.
type DB struct {
	mu sync.Mutex

	dir  string
	lock *dirLock

	active  *segment
	sealed  []*segment       // ascending by id
	bySegID map[uint32]*segment

	keydir *keydir
	nextID uint32

	dataFileLimit  uint32
	verifyChecksum bool

	closed bool
}

// Option configures a DB at Open time.
type Option func(*DB)

// WithDataFileLimit sets the rotation threshold in bytes: a record that
// would push the active segment past this size instead lands in a fresh
// segment. 0 rotates on every write.
func WithDataFileLimit(n uint32) Option {
	return func(db *DB) { db.dataFileLimit = n }
}

// WithVerifyChecksum controls whether recovery and merge verify each
// record's CRC, treating a mismatch as a truncated tail. Defaults to
// true; spec.md §4.1 only recommends this, but a new implementation has
// no reason to skip it.
func WithVerifyChecksum(b bool) Option {
	return func(db *DB) { db.verifyChecksum = b }
}

// Open opens or creates a database rooted at dir, recovering the keydir
// from whatever segment and hint files already exist there.
func Open(dir string, opts ...Option) (db *DB, err error) {
	db = &DB{
		dir:            dir,
		keydir:         newKeydir(),
		bySegID:        make(map[uint32]*segment),
		dataFileLimit:  DefaultDataFileLimit,
		verifyChecksum: true,
	}
	for _, opt := range opts {
		opt(db)
	}

	if mkErr := ensureDir(dir); mkErr != nil {
		return nil, mkErr
	}

	db.lock, err = acquireDirLock(dir)
	if err != nil {
		return nil, err
	}

	defer func() {
		if err != nil {
			db.abortOpen()
		}
	}()

	// A merge that crashed before cleaning up leaves tmp/ behind; it
	// holds nothing recovery needs, since merge only publishes its
	// output via rename once fully synced.
	if err := os.RemoveAll(filepath.Join(dir, "tmp")); err != nil {
		return nil, fmt.Errorf("open %q: clear tmp dir: %w", dir, err)
	}

	segIDs, err := listSegmentIDs(dir)
	if err != nil {
		return nil, fmt.Errorf("open %q: %w", dir, err)
	}
	hintIDs, err := listHintIDs(dir)
	if err != nil {
		return nil, fmt.Errorf("open %q: %w", dir, err)
	}
	hasHint := make(map[uint32]bool, len(hintIDs))
	for _, id := range hintIDs {
		hasHint[id] = true
	}

	for _, id := range segIDs {
		seg, err := openSegment(segmentPath(dir, id), true)
		if err != nil {
			return nil, fmt.Errorf("open %q: %w", dir, err)
		}

		if hasHint[id] {
			if err := db.loadFromHint(dir, id); err != nil {
				_ = seg.close()
				return nil, fmt.Errorf("open %q: %w", dir, err)
			}
		} else {
			if err := db.loadFromSegment(seg); err != nil {
				_ = seg.close()
				return nil, fmt.Errorf("open %q: %w", dir, err)
			}
		}

		db.sealed = append(db.sealed, seg)
		db.bySegID[id] = seg
	}

	if len(segIDs) > 0 {
		db.nextID = segIDs[len(segIDs)-1] + 1
	}

	if err := warnOrphanedFiles(dir, segIDs, hintIDs); err != nil {
		return nil, fmt.Errorf("open %q: %w", dir, err)
	}

	return db, nil
}

func ensureDir(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("mkdir %q: %w", dir, err)
	}
	return nil
}

// loadFromHint populates the keydir from segment id's paired hint file.
// Hint entries overwrite unconditionally: later segments (processed in
// ascending id order by the caller) always dominate earlier ones, and a
// hint file is asserted to hold only live keys.
func (db *DB) loadFromHint(dir string, id uint32) error {
	h, err := openHint(hintPath(dir, id))
	if err != nil {
		return err
	}
	defer h.close() // nolint:errcheck

	sc := newHintScanner(h)
	for sc.scan() {
		rec := sc.record
		db.keydir.set(rec.Key, keydirEntry{
			fileID:   id,
			valueSz:  rec.ValueSz,
			valuePos: rec.ValuePos,
			tstamp:   rec.Tstamp,
		})
	}
	if sc.err != nil {
		return fmt.Errorf("scan hint %d: %w", id, sc.err)
	}
	return nil
}

// loadFromSegment populates the keydir by scanning seg directly: a
// tombstone removes the key, otherwise a record replaces the existing
// keydir entry when its timestamp is greater than or equal to the
// existing one, so that later-in-file records win ties between writes
// landing in the same second (see SPEC_FULL.md's redesign decision #2).
func (db *DB) loadFromSegment(seg *segment) error {
	sc := newSegmentScanner(seg, db.verifyChecksum)
	for sc.scan() {
		rec := sc.record
		if rec.isTomb {
			db.keydir.remove(rec.key)
			continue
		}

		if existing, ok := db.keydir.get(rec.key); ok && rec.tstamp < existing.tstamp {
			continue
		}

		db.keydir.set(rec.key, keydirEntry{
			fileID:   seg.id,
			valueSz:  uint32(len(rec.value)),
			valuePos: rec.off + recordHeaderLen + uint32(len(rec.key)),
			tstamp:   rec.tstamp,
		})
	}
	if sc.err != nil {
		return fmt.Errorf("scan segment %d: %w", seg.id, sc.err)
	}
	return nil
}

// abortOpen releases whatever Open managed to acquire before an error
// cut recovery short.
func (db *DB) abortOpen() {
	for _, s := range db.sealed {
		_ = s.close()
	}
	if db.lock != nil {
		_ = db.lock.release()
	}
}

// Put writes key -> value, rotating the active segment first if the new
// record would not fit under the configured data file limit.
func (db *DB) Put(key, value []byte) error {
	if len(key) == 0 {
		return ErrKeyEmpty
	}
	if isTombstoneValue(value) {
		return ErrReservedValue
	}

	db.mu.Lock()
	defer db.mu.Unlock()

	if db.closed {
		return ErrClosed
	}

	if err := db.prepareActiveForWrite(key, value); err != nil {
		return fmt.Errorf("put %q: %w", key, err)
	}

	tstamp := uint32(time.Now().Unix())
	off, err := db.active.write(tstamp, key, value)
	if err != nil {
		return fmt.Errorf("put %q: %w", key, err)
	}

	db.keydir.set(key, keydirEntry{
		fileID:   db.active.id,
		valueSz:  uint32(len(value)),
		valuePos: off + recordHeaderLen + uint32(len(key)),
		tstamp:   tstamp,
	})

	return nil
}

// Get returns the current value for key, or ErrKeyNotFound if it has no
// live entry. Unlike the Bitcask reference behavior, an I/O failure
// reading the segment is returned to the caller rather than silently
// reported as "not found" (SPEC_FULL.md redesign decision #5).
func (db *DB) Get(key []byte) ([]byte, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	if db.closed {
		return nil, ErrClosed
	}

	e, ok := db.keydir.get(key)
	if !ok {
		return nil, ErrKeyNotFound
	}

	seg, ok := db.bySegID[e.fileID]
	if !ok {
		return nil, fmt.Errorf("get %q: segment %d is not open", key, e.fileID)
	}

	val, err := seg.readValue(e.valueSz, e.valuePos)
	if err != nil {
		return nil, fmt.Errorf("get %q: %w", key, err)
	}
	return val, nil
}

// Delete removes key by appending a tombstone record. It returns false,
// with no write, if the key has no live entry.
func (db *DB) Delete(key []byte) (bool, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	if db.closed {
		return false, ErrClosed
	}

	if _, ok := db.keydir.get(key); !ok {
		return false, nil
	}

	if err := db.prepareActiveForWrite(key, tombstone); err != nil {
		return false, fmt.Errorf("delete %q: %w", key, err)
	}

	tstamp := uint32(time.Now().Unix())
	if _, err := db.active.write(tstamp, key, tombstone); err != nil {
		return false, fmt.Errorf("delete %q: %w", key, err)
	}

	db.keydir.remove(key)
	return true, nil
}

// Keys returns every live key, sorted byte-lexicographically.
func (db *DB) Keys() [][]byte {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.keydir.keys()
}

// DiskSize returns the sum of all on-disk segment file sizes, active and
// sealed. Carried over from the teacher repo's DB.DiskSize as a plain
// introspection accessor; spec.md's Non-goals don't exclude it.
func (db *DB) DiskSize() (int64, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	var total int64
	for _, s := range db.sealed {
		info, err := s.file.Stat()
		if err != nil {
			return 0, fmt.Errorf("stat segment %d: %w", s.id, err)
		}
		total += info.Size()
	}
	if db.active != nil {
		info, err := db.active.file.Stat()
		if err != nil {
			return 0, fmt.Errorf("stat segment %d: %w", db.active.id, err)
		}
		total += info.Size()
	}
	return total, nil
}

// Sync flushes the active segment, if any, to stable storage.
func (db *DB) Sync() error {
	db.mu.Lock()
	defer db.mu.Unlock()

	if db.closed {
		return ErrClosed
	}
	if db.active == nil {
		return nil
	}
	return db.active.sync()
}

// Close flushes and closes every open segment and releases the
// directory lock. It is safe to call more than once.
func (db *DB) Close() error {
	db.mu.Lock()
	defer db.mu.Unlock()

	if db.closed {
		return nil
	}
	db.closed = true

	var errs error
	if db.active != nil {
		if err := db.active.sync(); err != nil {
			errs = errors.Join(errs, err)
		}
		if err := db.active.close(); err != nil {
			errs = errors.Join(errs, err)
		}
	}
	for _, s := range db.sealed {
		if err := s.close(); err != nil {
			errs = errors.Join(errs, err)
		}
	}
	if err := db.lock.release(); err != nil {
		errs = errors.Join(errs, err)
	}

	return errs
}

// prepareActiveForWrite ensures there is an active segment with room for
// a new record of key/value, rotating (sealing the current active
// segment and creating a fresh one) if necessary. A single 16-byte
// header is charged once per record; spec.md §9 open question #1 notes
// the reference implementation double-charges it.
func (db *DB) prepareActiveForWrite(key, value []byte) error {
	if db.active == nil {
		return db.rotate()
	}

	need := db.active.offset + int64(recordHeaderLen) + int64(len(key)) + int64(len(value))
	if need > int64(db.dataFileLimit) {
		return db.rotate()
	}
	return nil
}

// rotate seals the current active segment (if any) and creates a new
// one with the next id.
func (db *DB) rotate() error {
	if db.active != nil {
		db.sealed = append(db.sealed, db.active)
		db.bySegID[db.active.id] = db.active
	}

	seg, err := createSegment(db.dir, db.nextID)
	if err != nil {
		return fmt.Errorf("rotate: %w", err)
	}
	db.nextID++
	db.active = seg
	db.bySegID[seg.id] = seg

	return nil
}
