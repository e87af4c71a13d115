package kvstore

import (
	"os"
	"testing"
)

func openTestMemOnly(t *testing.T, opts MemOnlyOptions) *MemOnly {
	t.Helper()
	opts.DataDir = t.TempDir()
	m, err := OpenMemOnly(opts)
	if err != nil {
		t.Fatalf("OpenMemOnly: %v", err)
	}
	t.Cleanup(func() { m.Close() })
	return m
}

func TestMemOnlyGetSetTombstone(t *testing.T) {
	m := openTestMemOnly(t, MemOnlyOptions{})

	if _, err := m.Get([]byte("k")); err != ErrNotFound {
		t.Fatalf("Get(k) on empty store = %v, want ErrNotFound", err)
	}
	if err := m.Set([]byte("k"), []byte("v")); err != nil {
		t.Fatalf("Set: %v", err)
	}
	v, err := m.Get([]byte("k"))
	if err != nil || string(v) != "v" {
		t.Fatalf("Get(k) = (%q, %v), want (v, nil)", v, err)
	}
	if err := m.Set([]byte("k"), nil); err != nil {
		t.Fatalf("Set (tombstone): %v", err)
	}
	if _, err := m.Get([]byte("k")); err != ErrNotFound {
		t.Fatalf("Get(k) after tombstone = %v, want ErrNotFound", err)
	}
}

// TestMemOnlyCloseWithoutSnapshotLosesData documents §4.5: MemOnly
// carries no write-ahead log, so data set after the last Snapshot is
// gone once the store is closed and reopened.
func TestMemOnlyCloseWithoutSnapshotLosesData(t *testing.T) {
	dir := t.TempDir()
	opts := MemOnlyOptions{DataDir: dir}

	m, err := OpenMemOnly(opts)
	if err != nil {
		t.Fatalf("OpenMemOnly: %v", err)
	}
	if err := m.Set([]byte("k"), []byte("v")); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := m.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	reopened, err := OpenMemOnly(opts)
	if err != nil {
		t.Fatalf("reopen OpenMemOnly: %v", err)
	}
	defer reopened.Close()
	if _, err := reopened.Get([]byte("k")); err != ErrNotFound {
		t.Fatalf("Get(k) after un-snapshotted reopen = %v, want ErrNotFound", err)
	}
}

// TestMemOnlySnapshotPersistsAcrossReopen checks that a Snapshot
// (without a Replica configured) still writes a local run file that
// survives close/reopen.
func TestMemOnlySnapshotPersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	opts := MemOnlyOptions{DataDir: dir}

	m, err := OpenMemOnly(opts)
	if err != nil {
		t.Fatalf("OpenMemOnly: %v", err)
	}
	if err := m.Set([]byte("k"), []byte("v")); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if _, err := m.Snapshot(); err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if err := m.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	reopened, err := OpenMemOnly(opts)
	if err != nil {
		t.Fatalf("reopen OpenMemOnly: %v", err)
	}
	defer reopened.Close()
	v, err := reopened.Get([]byte("k"))
	if err != nil || string(v) != "v" {
		t.Fatalf("Get(k) after snapshot+reopen = (%q, %v), want (v, nil)", v, err)
	}
}

// TestMemOnlyReplicaSnapshotRestoreRoundTrip reproduces §8 scenario 5
// against the simplest engine. MemOnly persists its single run to the
// same (0,0,"run") slot on every snapshot, overwriting its predecessor,
// so restoring an older global version only recovers that version's
// content if the replica resolves "the slot version latest as of V"
// rather than "the slot's current absolute latest" (§4.9) — this test
// checks both the latest and the first snapshot's version.
func TestMemOnlyReplicaSnapshotRestoreRoundTrip(t *testing.T) {
	dataDir := t.TempDir()
	replicaRoot := t.TempDir()

	replica, err := NewLocalReplica(replicaRoot)
	if err != nil {
		t.Fatalf("NewLocalReplica: %v", err)
	}

	opts := MemOnlyOptions{DataDir: dataDir, Replica: replica}
	m, err := OpenMemOnly(opts)
	if err != nil {
		t.Fatalf("OpenMemOnly: %v", err)
	}
	if err := m.Set([]byte("a"), []byte("1")); err != nil {
		t.Fatalf("Set(a,1): %v", err)
	}
	if err := m.Set([]byte("b"), []byte("2")); err != nil {
		t.Fatalf("Set(b,2): %v", err)
	}
	v1, err := m.Snapshot()
	if err != nil {
		t.Fatalf("Snapshot (1st): %v", err)
	}

	if err := m.Set([]byte("a"), []byte("3")); err != nil {
		t.Fatalf("Set(a,3): %v", err)
	}
	if err := m.Set([]byte("b"), []byte("4")); err != nil {
		t.Fatalf("Set(b,4): %v", err)
	}
	v2, err := m.Snapshot()
	if err != nil {
		t.Fatalf("Snapshot (2nd): %v", err)
	}
	if v2 <= v1 {
		t.Fatalf("expected the second snapshot's version %d to exceed the first's %d", v2, v1)
	}
	if err := m.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	if err := os.RemoveAll(dataDir); err != nil {
		t.Fatalf("simulate data loss: %v", err)
	}
	if err := os.Mkdir(dataDir, 0o755); err != nil {
		t.Fatalf("recreate data dir: %v", err)
	}

	latest, err := OpenMemOnly(opts)
	if err != nil {
		t.Fatalf("reopen OpenMemOnly: %v", err)
	}
	defer latest.Close()
	if ok, err := latest.Restore(v2); err != nil || !ok {
		t.Fatalf("Restore(latest=%d) = (%v, %v), want (true, nil)", v2, ok, err)
	}
	if v, err := latest.Get([]byte("a")); err != nil || string(v) != "3" {
		t.Fatalf("Get(a) after restore(latest) = (%q, %v), want (3, nil)", v, err)
	}
	if v, err := latest.Get([]byte("b")); err != nil || string(v) != "4" {
		t.Fatalf("Get(b) after restore(latest) = (%q, %v), want (4, nil)", v, err)
	}
	if err := latest.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	if err := os.RemoveAll(dataDir); err != nil {
		t.Fatalf("simulate data loss (2nd): %v", err)
	}
	if err := os.Mkdir(dataDir, 0o755); err != nil {
		t.Fatalf("recreate data dir (2nd): %v", err)
	}

	asOfFirst, err := OpenMemOnly(opts)
	if err != nil {
		t.Fatalf("reopen OpenMemOnly (2nd): %v", err)
	}
	defer asOfFirst.Close()
	if ok, err := asOfFirst.Restore(v1); err != nil || !ok {
		t.Fatalf("Restore(v1=%d) = (%v, %v), want (true, nil)", v1, ok, err)
	}
	if v, err := asOfFirst.Get([]byte("a")); err != nil || string(v) != "1" {
		t.Fatalf("Get(a) after restore(v1) = (%q, %v), want (1, nil)", v, err)
	}
	if v, err := asOfFirst.Get([]byte("b")); err != nil || string(v) != "2" {
		t.Fatalf("Get(b) after restore(v1) = (%q, %v), want (2, nil)", v, err)
	}
}
