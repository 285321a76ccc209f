package core

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"

	mapset "github.com/deckarep/golang-set/v2"
)

// segmentExt and hintExt name the two file kinds a base directory holds.
const (
	segmentExt = ".dat"
	hintExt    = ".idx"
)

var (
	segmentNameRe = regexp.MustCompile(`^\d+\.dat$`)
	hintNameRe    = regexp.MustCompile(`^\d+\.idx$`)
)

// segmentName formats the zero-padded file name for segment id. Width 9
// keeps lexicographic and numeric ordering in agreement for ids < 1e9.
func segmentName(id uint32) string {
	return fmt.Sprintf("%09d%s", id, segmentExt)
}

// hintName formats the paired hint file name for segment id.
func hintName(id uint32) string {
	return fmt.Sprintf("%09d%s", id, hintExt)
}

func segmentPath(dir string, id uint32) string {
	return filepath.Join(dir, segmentName(id))
}

func hintPath(dir string, id uint32) string {
	return filepath.Join(dir, hintName(id))
}

// parseID extracts the numeric id from a file's decimal stem, e.g.
// "000000042.dat" -> 42. It fails if the stem is not a plain decimal u32.
func parseID(name, ext string) (uint32, error) {
	stem := name[:len(name)-len(ext)]
	n, err := strconv.ParseUint(stem, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("%w: %q: %v", ErrInvalidSegmentName, name, err)
	}
	return uint32(n), nil
}

// listSegmentIDs returns the ids of all segment files in dir, sorted
// ascending. Because names are zero-padded to width 9, lexicographic
// listing already yields numeric order.
func listSegmentIDs(dir string) ([]uint32, error) {
	return listIDs(dir, segmentNameRe, segmentExt)
}

// listHintIDs returns the ids of all hint files in dir, sorted ascending.
func listHintIDs(dir string) ([]uint32, error) {
	return listIDs(dir, hintNameRe, hintExt)
}

func listIDs(dir string, re *regexp.Regexp, ext string) ([]uint32, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read dir %q: %w", dir, err)
	}

	var names []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if re.MatchString(e.Name()) {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	ids := make([]uint32, 0, len(names))
	for _, name := range names {
		id, err := parseID(name, ext)
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// warnOrphanedFiles logs (but never errors on) any file in dir that isn't
// one of the segment/hint files the engine expects to own. It mirrors
// DB.checkOrphanedSegments in the teacher repo, using a set difference
// instead of a manual membership scan.
func warnOrphanedFiles(dir string, segIDs, hintIDs []uint32) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("read dir %q: %w", dir, err)
	}

	expected := mapset.NewSet[string]()
	for _, id := range segIDs {
		expected.Add(segmentName(id))
	}
	for _, id := range hintIDs {
		expected.Add(hintName(id))
	}
	expected.Add(dirLockName)

	actual := mapset.NewSet[string]()
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		actual.Add(e.Name())
	}

	if orphans := actual.Difference(expected); orphans.Cardinality() != 0 {
		log.Printf("warning: unexpected files in %q: %v", dir, orphans.ToSlice())
	}

	return nil
}

// fsyncDir flushes dir's own metadata (the directory entries it holds) to
// stable storage. Used after a rename so the new name is durable, the
// same pattern as createFileDurable/writeFileAtomic in the teacher repo.
func fsyncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return fmt.Errorf("open dir %q: %w", dir, err)
	}
	defer d.Close() // nolint:errcheck

	if err := d.Sync(); err != nil {
		return fmt.Errorf("sync dir %q: %w", dir, err)
	}
	return nil
}
