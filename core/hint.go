package core

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// IndexRecord is one decoded hint entry: it asserts that the paired
// segment holds a live record for Key whose value occupies
// [ValuePos, ValuePos+ValueSz) and whose timestamp is Tstamp.
type IndexRecord struct {
	Key      []byte
	ValueSz  uint32
	ValuePos uint32
	Tstamp   uint32
}

// hintFile is the sidecar index paired 1:1 with a segment of the same id.
// It is written only by merge, and read back on recovery as a shortcut
// that avoids re-scanning the (possibly large) segment it describes.
type hintFile struct {
	id     uint32
	path   string
	file   *os.File
	offset int64
}

// createHint creates a hint file for id, truncating any previous hint
// left over from an earlier merge that targeted the same output id.
func createHint(dir string, id uint32) (*hintFile, error) {
	path := hintPath(dir, id)

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("create hint %q: %w", path, err)
	}

	return &hintFile{id: id, path: path, file: f}, nil
}

// openHint opens an existing hint file by path, read-only.
func openHint(path string) (*hintFile, error) {
	id, err := parseID(filepath.Base(path), hintExt)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open hint %q: %w", path, err)
	}

	return &hintFile{id: id, path: path, file: f}, nil
}

// put appends one hint entry: key_len | key | value_sz | value_pos |
// tstamp, all little-endian.
func (h *hintFile) put(key []byte, valueSz, valuePos, tstamp uint32) error {
	buf := make([]byte, 4+len(key)+12)

	binary.LittleEndian.PutUint32(buf[0:4], uint32(len(key)))
	copy(buf[4:4+len(key)], key)

	tail := 4 + len(key)
	binary.LittleEndian.PutUint32(buf[tail:tail+4], valueSz)
	binary.LittleEndian.PutUint32(buf[tail+4:tail+8], valuePos)
	binary.LittleEndian.PutUint32(buf[tail+8:tail+12], tstamp)

	n, err := h.file.Write(buf)
	h.offset += int64(n)
	if err != nil {
		return fmt.Errorf("write hint %d: %w", h.id, err)
	}
	return nil
}

func (h *hintFile) sync() error {
	if err := h.file.Sync(); err != nil {
		return fmt.Errorf("sync hint %d: %w", h.id, err)
	}
	return nil
}

func (h *hintFile) close() error {
	if err := h.file.Close(); err != nil {
		return fmt.Errorf("close hint %d: %w", h.id, err)
	}
	return nil
}

// rename atomically renames the underlying file and updates the held
// path. Merge does not call it: it creates its output hint file directly
// under its final name.
func (h *hintFile) rename(newPath string) error {
	if err := os.Rename(h.path, newPath); err != nil {
		return fmt.Errorf("rename hint %d: %w", h.id, err)
	}
	h.path = newPath
	return nil
}

// hintScanner is a buffered, forward-only reader over a hint file's
// entries. Like segmentScanner, it rides its own io.SectionReader rather
// than seeking the shared file handle.
type hintScanner struct {
	r      *bufio.Reader
	record IndexRecord
	err    error
}

func newHintScanner(h *hintFile) *hintScanner {
	const maxInt64 = 1<<63 - 1
	sr := io.NewSectionReader(h.file, 0, maxInt64)
	return &hintScanner{r: bufio.NewReader(sr)}
}

// scan advances to the next hint entry. A truncated tail entry silently
// ends the scan, exactly like a truncated record does for segments.
func (hs *hintScanner) scan() bool {
	if hs.err != nil {
		return false
	}

	var lenBuf [4]byte
	if _, err := io.ReadFull(hs.r, lenBuf[:]); err != nil {
		if !isEOFLike(err) {
			hs.err = fmt.Errorf("read hint key length: %w", err)
		}
		return false
	}
	keyLen := binary.LittleEndian.Uint32(lenBuf[:])

	rest := make([]byte, int(keyLen)+12)
	if _, err := io.ReadFull(hs.r, rest); err != nil {
		if !isEOFLike(err) {
			hs.err = fmt.Errorf("read hint entry: %w", err)
		}
		return false
	}

	key := rest[:keyLen]
	hs.record = IndexRecord{
		Key:      key,
		ValueSz:  binary.LittleEndian.Uint32(rest[keyLen : keyLen+4]),
		ValuePos: binary.LittleEndian.Uint32(rest[keyLen+4 : keyLen+8]),
		Tstamp:   binary.LittleEndian.Uint32(rest[keyLen+8 : keyLen+12]),
	}

	return true
}
