package core

import (
	"errors"
	"fmt"
	"testing"
)

func TestOpenEmptyDir(t *testing.T) {
	db, _ := setupTempDB(t)

	if _, err := db.Get([]byte("missing")); !errors.Is(err, ErrKeyNotFound) {
		t.Errorf("expected ErrKeyNotFound on an empty db, got %v", err)
	}
	if keys := db.Keys(); len(keys) != 0 {
		t.Errorf("expected no keys, got %v", keys)
	}
}

func TestPutThenGet(t *testing.T) {
	db, _ := setupTempDB(t)

	if err := db.Put([]byte("foo"), []byte("bar")); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	val, err := db.Get([]byte("foo"))
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if string(val) != "bar" {
		t.Errorf("Get = %q, want %q", val, "bar")
	}
}

func TestPutOverwrite(t *testing.T) {
	db, _ := setupTempDB(t)

	_ = db.Put([]byte("key"), []byte("first"))
	_ = db.Put([]byte("key"), []byte("second"))

	val, err := db.Get([]byte("key"))
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if string(val) != "second" {
		t.Errorf("Get = %q, want %q", val, "second")
	}
}

func TestPutManyKeys(t *testing.T) {
	db, _ := setupTempDB(t)

	const n = 500
	for i := 0; i < n; i++ {
		k, v := fmt.Sprintf("k%04d", i), fmt.Sprintf("v%04d", i)
		if err := db.Put([]byte(k), []byte(v)); err != nil {
			t.Fatalf("Put(%q) failed: %v", k, err)
		}
	}
	for i := 0; i < n; i++ {
		k, wantV := fmt.Sprintf("k%04d", i), fmt.Sprintf("v%04d", i)
		got, err := db.Get([]byte(k))
		if err != nil {
			t.Fatalf("Get(%q) failed: %v", k, err)
		}
		if string(got) != wantV {
			t.Errorf("Get(%q) = %q, want %q", k, got, wantV)
		}
	}
	if got := len(db.Keys()); got != n {
		t.Errorf("Keys() returned %d entries, want %d", got, n)
	}
}

func TestPutRejectsEmptyKey(t *testing.T) {
	db, _ := setupTempDB(t)
	if err := db.Put(nil, []byte("v")); !errors.Is(err, ErrKeyEmpty) {
		t.Errorf("expected ErrKeyEmpty, got %v", err)
	}
}

func TestPutRejectsTombstoneCollidingValue(t *testing.T) {
	db, _ := setupTempDB(t)
	if err := db.Put([]byte("k"), tombstone); !errors.Is(err, ErrReservedValue) {
		t.Errorf("expected ErrReservedValue, got %v", err)
	}
}

func TestDeletePersistsAcrossReopen(t *testing.T) {
	db, dir := setupTempDB(t)

	_ = db.Put([]byte("a"), []byte("1"))
	_ = db.Put([]byte("b"), []byte("2"))

	ok, err := db.Delete([]byte("a"))
	if err != nil || !ok {
		t.Fatalf("Delete(a) = %v, %v; want true, nil", ok, err)
	}
	if err := db.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	db2, err := Open(dir)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer db2.Close() // nolint:errcheck

	if _, err := db2.Get([]byte("a")); !errors.Is(err, ErrKeyNotFound) {
		t.Errorf("expected 'a' to remain deleted after reopen, got %v", err)
	}
	if val, err := db2.Get([]byte("b")); err != nil || string(val) != "2" {
		t.Errorf("expected b=2 to survive reopen, got %q, %v", val, err)
	}
}

func TestDeleteMissingKeyReturnsFalse(t *testing.T) {
	db, _ := setupTempDB(t)
	ok, err := db.Delete([]byte("nope"))
	if err != nil {
		t.Fatalf("Delete on a missing key should not error: %v", err)
	}
	if ok {
		t.Error("Delete on a missing key should return false")
	}
}

func TestRotationProducesMultipleSegments(t *testing.T) {
	db, _ := setupTempDB(t, WithDataFileLimit(64))

	for i := 0; i < 20; i++ {
		k := fmt.Sprintf("key%02d", i)
		if err := db.Put([]byte(k), []byte("some value bytes")); err != nil {
			t.Fatalf("Put failed: %v", err)
		}
	}

	if len(db.sealed) < 2 {
		t.Errorf("expected rotation to produce at least 2 sealed segments, got %d", len(db.sealed))
	}

	// every key must still resolve correctly across segment boundaries
	for i := 0; i < 20; i++ {
		k := fmt.Sprintf("key%02d", i)
		if _, err := db.Get([]byte(k)); err != nil {
			t.Errorf("Get(%q) failed after rotation: %v", k, err)
		}
	}
}

func TestRecoveryWithoutHintMatchesWithHint(t *testing.T) {
	dir1 := t.TempDir()
	db1, err := Open(dir1, WithDataFileLimit(64))
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 30; i++ {
		k := fmt.Sprintf("key%02d", i)
		if err := db1.Put([]byte(k), []byte("value-bytes-here")); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := db1.Delete([]byte("key05")); err != nil {
		t.Fatal(err)
	}
	if err := db1.Close(); err != nil {
		t.Fatal(err)
	}

	// Recover purely from segment scans (no hint files exist yet).
	dbNoHint, err := Open(dir1)
	if err != nil {
		t.Fatalf("reopen without hints failed: %v", err)
	}
	noHintKeys := dbNoHint.Keys()
	if err := dbNoHint.Merge(); err != nil {
		t.Fatalf("Merge failed: %v", err)
	}
	if err := dbNoHint.Close(); err != nil {
		t.Fatal(err)
	}

	// Recover again, this time with the merge's hint file in place.
	dbWithHint, err := Open(dir1)
	if err != nil {
		t.Fatalf("reopen with hints failed: %v", err)
	}
	defer dbWithHint.Close() // nolint:errcheck

	withHintKeys := dbWithHint.Keys()
	if len(noHintKeys) != len(withHintKeys) {
		t.Fatalf("key count differs between hint-less and hint-accelerated recovery: %d vs %d",
			len(noHintKeys), len(withHintKeys))
	}
	for i := range noHintKeys {
		if string(noHintKeys[i]) != string(withHintKeys[i]) {
			t.Errorf("key set differs at index %d: %q vs %q", i, noHintKeys[i], withHintKeys[i])
		}
	}
	if _, err := dbWithHint.Get([]byte("key05")); !errors.Is(err, ErrKeyNotFound) {
		t.Errorf("deleted key must stay deleted after hint-accelerated recovery, got %v", err)
	}
}

func TestKeysSortedLexicographically(t *testing.T) {
	db, _ := setupTempDB(t)
	for _, k := range []string{"banana", "apple", "cherry"} {
		_ = db.Put([]byte(k), []byte("v"))
	}

	got := db.Keys()
	want := []string{"apple", "banana", "cherry"}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i, w := range want {
		if string(got[i]) != w {
			t.Errorf("Keys()[%d] = %q, want %q", i, got[i], w)
		}
	}
}

func TestDiskSizeGrowsWithWrites(t *testing.T) {
	db, _ := setupTempDB(t)

	before, err := db.DiskSize()
	if err != nil {
		t.Fatalf("DiskSize failed: %v", err)
	}
	if err := db.Put([]byte("k"), []byte("some reasonably sized value")); err != nil {
		t.Fatal(err)
	}
	after, err := db.DiskSize()
	if err != nil {
		t.Fatalf("DiskSize failed: %v", err)
	}
	if after <= before {
		t.Errorf("DiskSize did not grow after a write: before=%d after=%d", before, after)
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	db, err := Open(dir)
	if err != nil {
		t.Fatal(err)
	}
	if err := db.Close(); err != nil {
		t.Fatalf("first Close failed: %v", err)
	}
	if err := db.Close(); err != nil {
		t.Fatalf("second Close should be a no-op, got: %v", err)
	}
}

func TestOperationsFailAfterClose(t *testing.T) {
	dir := t.TempDir()
	db, err := Open(dir)
	if err != nil {
		t.Fatal(err)
	}
	if err := db.Close(); err != nil {
		t.Fatal(err)
	}

	if err := db.Put([]byte("k"), []byte("v")); !errors.Is(err, ErrClosed) {
		t.Errorf("Put after Close: expected ErrClosed, got %v", err)
	}
	if _, err := db.Get([]byte("k")); !errors.Is(err, ErrClosed) {
		t.Errorf("Get after Close: expected ErrClosed, got %v", err)
	}
	if _, err := db.Delete([]byte("k")); !errors.Is(err, ErrClosed) {
		t.Errorf("Delete after Close: expected ErrClosed, got %v", err)
	}
}
