package core

import "testing"

// setupTempDB opens a fresh DB rooted at a t.TempDir(), registering its
// Close with t.Cleanup so callers don't have to.
func setupTempDB(t *testing.T, opts ...Option) (*DB, string) {
	t.Helper()

	dir := t.TempDir()
	db, err := Open(dir, opts...)
	if err != nil {
		t.Fatalf("Open(%q) failed: %v", dir, err)
	}
	t.Cleanup(func() { _ = db.Close() })

	return db, dir
}
