package core

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// segment is a fixed-identity append-only data file. The active segment is
// opened read-write and append-extended by Put; sealed segments are opened
// read-only and touched only by Get and merge.
type segment struct {
	id       uint32
	path     string
	file     *os.File
	offset   int64 // current write offset; equals file size
	readonly bool
}

// createSegment creates a brand new, empty segment file with id, opened
// for read-write appends.
func createSegment(dir string, id uint32) (*segment, error) {
	path := segmentPath(dir, id)

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return nil, fmt.Errorf("create segment %q: %w", path, err)
	}

	return &segment{id: id, path: path, file: f}, nil
}

// openSegment opens an existing segment file by path. The id is parsed
// from the file's numeric stem. The write offset is initialized to the
// file's current size, matching append semantics.
func openSegment(path string, readonly bool) (*segment, error) {
	id, err := parseID(filepath.Base(path), segmentExt)
	if err != nil {
		return nil, err
	}

	flag := os.O_RDWR
	if readonly {
		flag = os.O_RDONLY
	}
	f, err := os.OpenFile(path, flag, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open segment %q: %w", path, err)
	}

	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("stat segment %q: %w", path, err)
	}

	return &segment{id: id, path: path, file: f, offset: info.Size(), readonly: readonly}, nil
}

// write appends one record to the segment and returns its starting
// offset. The caller is responsible for rotation decisions before
// calling write.
func (s *segment) write(tstamp uint32, key, value []byte) (uint32, error) {
	if s.readonly {
		return 0, fmt.Errorf("write segment %d: %w", s.id, errors.New("segment is read-only"))
	}

	buf := encodeRecord(tstamp, key, value)

	off := s.offset
	if _, err := s.file.Write(buf); err != nil {
		return 0, fmt.Errorf("write segment %d: %w", s.id, err)
	}
	s.offset += int64(len(buf))

	return uint32(off), nil
}

// readValue performs a positional read of valueSz bytes starting at
// valuePos, the layout Get uses once the keydir has resolved a key.
func (s *segment) readValue(valueSz, valuePos uint32) ([]byte, error) {
	buf := make([]byte, valueSz)
	if _, err := s.file.ReadAt(buf, int64(valuePos)); err != nil {
		return nil, fmt.Errorf("read value from segment %d: %w", s.id, err)
	}
	return buf, nil
}

func (s *segment) sync() error {
	if err := s.file.Sync(); err != nil {
		return fmt.Errorf("sync segment %d: %w", s.id, err)
	}
	return nil
}

func (s *segment) close() error {
	if err := s.file.Close(); err != nil {
		return fmt.Errorf("close segment %d: %w", s.id, err)
	}
	return nil
}

// rename atomically renames the underlying file and updates the held
// path. Used by merge to publish its output segment under its final name.
func (s *segment) rename(newPath string) error {
	if err := os.Rename(s.path, newPath); err != nil {
		return fmt.Errorf("rename segment %d: %w", s.id, err)
	}
	s.path = newPath
	return nil
}

// scannedRecord is one record yielded by a segmentScanner, along with the
// byte offset it starts at within the segment.
type scannedRecord struct {
	key    []byte
	value  []byte
	tstamp uint32
	off    uint32
	isTomb bool
}

// segmentScanner is a buffered, forward-only reader over a segment's
// records. It never seeks the segment's shared file handle; it opens its
// own io.SectionReader so scanning can run concurrently with, or be
// restarted independently of, positional reads and appends on the same
// segment.
type segmentScanner struct {
	r              *bufio.Reader
	verifyChecksum bool
	end            int64
	record         scannedRecord
	err            error
}

// newSegmentScanner returns a scanner over seg's records in file order,
// starting at offset 0.
func newSegmentScanner(seg *segment, verifyChecksum bool) *segmentScanner {
	const maxInt64 = 1<<63 - 1
	sr := io.NewSectionReader(seg.file, 0, maxInt64)
	return &segmentScanner{r: bufio.NewReader(sr), verifyChecksum: verifyChecksum}
}

func isEOFLike(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF)
}

// scan advances to the next record, returning false when the scan is
// over: either clean end-of-file, a truncated trailing record, or (when
// verifyChecksum is set) a CRC mismatch. All three are treated as "end of
// stream," never as errors — see sc.err for an actual I/O failure.
func (sc *segmentScanner) scan() bool {
	if sc.err != nil {
		return false
	}

	var hdr [recordHeaderLen]byte
	if _, err := io.ReadFull(sc.r, hdr[:]); err != nil {
		if !isEOFLike(err) {
			sc.err = fmt.Errorf("read record header: %w", err)
		}
		return false
	}

	crc, tstamp, ksz, valueSz := decodeHeader(hdr[:])

	buf := make([]byte, recordHeaderLen+int(ksz)+int(valueSz))
	copy(buf, hdr[:])
	if _, err := io.ReadFull(sc.r, buf[recordHeaderLen:]); err != nil {
		if !isEOFLike(err) {
			sc.err = fmt.Errorf("read record body: %w", err)
		}
		// A truncated key/value tail means the process died mid-write;
		// treat it as the end of a valid stream, not a failure.
		return false
	}

	if sc.verifyChecksum {
		if err := verifyCRC(buf, crc); err != nil {
			// A corrupt record terminates the scan silently, same as a
			// truncated tail record.
			return false
		}
	}

	key := buf[recordHeaderLen : recordHeaderLen+int(ksz)]
	value := buf[recordHeaderLen+int(ksz):]

	sc.record = scannedRecord{
		key:    key,
		value:  value,
		tstamp: tstamp,
		off:    uint32(sc.end),
		isTomb: isTombstoneValue(value),
	}
	sc.end += int64(len(buf))

	return true
}
