package kvstore

import (
	"bytes"
	"os"
	"testing"
)

func openTestLSMTree(t *testing.T, opts LSMOptions) *LSMTree {
	t.Helper()
	opts.DataDir = t.TempDir()
	tree, err := OpenLSMTree(opts)
	if err != nil {
		t.Fatalf("OpenLSMTree: %v", err)
	}
	t.Cleanup(func() { tree.Close() })
	return tree
}

func mustGet(t *testing.T, tree *LSMTree, key string) string {
	t.Helper()
	v, err := tree.Get([]byte(key))
	if err != nil {
		t.Fatalf("Get(%q): %v", key, err)
	}
	return string(v)
}

// TestLSMTreeScenario1 reproduces §8 scenario 1: a small
// memtable_bytes_limit forces two flushes mid-sequence, and a repeat
// set to an already-flushed key must still resolve to its newest
// value across runs.
func TestLSMTreeScenario1(t *testing.T) {
	tree := openTestLSMTree(t, LSMOptions{
		MaxRunsPerLevel:    3,
		DensityFactor:      3,
		MemtableBytesLimit: 10,
	})

	sets := []struct{ key, value string }{
		{"b", "2"},
		{"asdf", "12345"},
		{"cc", "cici345"},
		{"b", "3"},
	}
	for _, s := range sets {
		if err := tree.Set([]byte(s.key), []byte(s.value)); err != nil {
			t.Fatalf("Set(%q,%q): %v", s.key, s.value, err)
		}
	}

	if got := mustGet(t, tree, "b"); got != "3" {
		t.Errorf("get(b) = %q, want 3", got)
	}
	if got := mustGet(t, tree, "asdf"); got != "12345" {
		t.Errorf("get(asdf) = %q, want 12345", got)
	}
	if got := mustGet(t, tree, "cc"); got != "cici345" {
		t.Errorf("get(cc) = %q, want cici345", got)
	}
}

// TestLSMTreeMergeNewestWinsAndSorted exercises §4.6's merge contract:
// duplicate keys across merged runs resolve to the value from the
// higher-indexed (newer) run, the merged output is sorted ascending,
// and no tombstone survives into it.
func TestLSMTreeMergeNewestWinsAndSorted(t *testing.T) {
	tree := openTestLSMTree(t, LSMOptions{
		MaxRunsPerLevel:    2,
		DensityFactor:      2,
		MemtableBytesLimit: 1,
	})

	// Each Set below overflows the 1-byte memtable limit immediately,
	// forcing a flush per call. The first two flushes fill level 0 and
	// merge into level 1; the last two merge into a second level-1 run,
	// which fills level 1 and cascades into a single run at level 2.
	for _, kv := range [][2]string{
		{"a1", "a1"},
		{"a2", "a2"},
		{"a1", "a11"}, // superseded by a later flush; newer run must win
		{"a3", ""},    // tombstoned before the merge — must not survive it
	} {
		if err := tree.Set([]byte(kv[0]), []byte(kv[1])); err != nil {
			t.Fatalf("Set(%q,%q): %v", kv[0], kv[1], err)
		}
	}

	if len(tree.levels) < 3 || len(tree.levels[2]) == 0 {
		t.Fatalf("expected the merges to cascade into level 2, got levels=%v", tree.levels)
	}
	if len(tree.levels[0]) >= tree.opts.MaxRunsPerLevel {
		t.Fatalf("level 0 still holds >= max_runs_per_level runs after merge: %d", len(tree.levels[0]))
	}

	if got := mustGet(t, tree, "a1"); got != "a11" {
		t.Errorf("get(a1) = %q, want a11 (newer run should win)", got)
	}
	if got := mustGet(t, tree, "a2"); got != "a2" {
		t.Errorf("get(a2) = %q, want a2", got)
	}
	if _, err := tree.Get([]byte("a3")); err != ErrNotFound {
		t.Errorf("get(a3) = %v, want ErrNotFound (tombstone must not survive merge)", err)
	}

	// Scan the final merged run directly and confirm it is sorted
	// ascending with no tombstone records.
	run := tree.levels[2][0]
	scanner, err := newRunScanner(run, tree.codec)
	if err != nil {
		t.Fatalf("newRunScanner: %v", err)
	}
	var prev []byte
	for !scanner.done() {
		if len(scanner.value()) == 0 {
			t.Fatalf("tombstone survived into merged run for key %q", scanner.key())
		}
		if prev != nil && bytes.Compare(prev, scanner.key()) >= 0 {
			t.Fatalf("merged run not strictly increasing: %q then %q", prev, scanner.key())
		}
		prev = append([]byte(nil), scanner.key()...)
		scanner.advance()
	}
}

func TestLSMTreeTombstoneDelete(t *testing.T) {
	tree := openTestLSMTree(t, LSMOptions{})

	if err := tree.Set([]byte("k"), []byte("v")); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if got := mustGet(t, tree, "k"); got != "v" {
		t.Fatalf("get(k) = %q, want v", got)
	}
	if err := tree.Set([]byte("k"), nil); err != nil {
		t.Fatalf("Set (tombstone): %v", err)
	}
	if _, err := tree.Get([]byte("k")); err != ErrNotFound {
		t.Fatalf("get(k) after tombstone = %v, want ErrNotFound", err)
	}
}

// TestLSMTreeReopenRecovery checks close-then-reopen with no
// intervening writes yields the same get results for every
// previously-set key (§8's round-trip property), both for flushed
// (on-disk run) and unflushed (WAL-replayed) entries.
func TestLSMTreeReopenRecovery(t *testing.T) {
	dir := t.TempDir()
	opts := LSMOptions{DataDir: dir, MemtableBytesLimit: 8}

	tree, err := OpenLSMTree(opts)
	if err != nil {
		t.Fatalf("OpenLSMTree: %v", err)
	}
	if err := tree.Set([]byte("flushed"), []byte("value-one-two-three")); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := tree.Set([]byte("pending"), []byte("v")); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := tree.wal.Close(); err != nil {
		t.Fatalf("wal close: %v", err)
	}
	for _, level := range tree.levels {
		for _, r := range level {
			r.close()
		}
	}

	reopened, err := OpenLSMTree(opts)
	if err != nil {
		t.Fatalf("reopen OpenLSMTree: %v", err)
	}
	defer reopened.Close()

	if got := mustGet(t, reopened, "flushed"); got != "value-one-two-three" {
		t.Errorf("get(flushed) after reopen = %q, want value-one-two-three", got)
	}
	if got := mustGet(t, reopened, "pending"); got != "v" {
		t.Errorf("get(pending) after reopen = %q, want v (WAL replay)", got)
	}
}

// TestLSMTreeCloseAutoSnapshotsToReplica reproduces the close() half of
// §8 scenario 5: writes with no explicit Snapshot call before Close must
// still be observable via restore(latest), because Close snapshots to a
// configured Replica on its own (after flushing the memtable).
func TestLSMTreeCloseAutoSnapshotsToReplica(t *testing.T) {
	dataDir := t.TempDir()
	replicaRoot := t.TempDir()

	replica, err := NewLocalReplica(replicaRoot)
	if err != nil {
		t.Fatalf("NewLocalReplica: %v", err)
	}

	opts := LSMOptions{DataDir: dataDir, Replica: replica}
	tree, err := OpenLSMTree(opts)
	if err != nil {
		t.Fatalf("OpenLSMTree: %v", err)
	}
	if err := tree.Set([]byte("a"), []byte("1")); err != nil {
		t.Fatalf("Set(a,1): %v", err)
	}
	if err := tree.Set([]byte("b"), []byte("2")); err != nil {
		t.Fatalf("Set(b,2): %v", err)
	}
	// No explicit Snapshot call: Close must flush and auto-snapshot.
	if err := tree.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	if err := os.RemoveAll(dataDir); err != nil {
		t.Fatalf("simulate data loss: %v", err)
	}
	if err := os.Mkdir(dataDir, 0o755); err != nil {
		t.Fatalf("recreate data dir: %v", err)
	}

	latest, err := OpenLSMTree(opts)
	if err != nil {
		t.Fatalf("reopen OpenLSMTree: %v", err)
	}
	defer latest.Close()
	if ok, err := latest.Restore(-1); err != nil || !ok {
		t.Fatalf("Restore(latest) = (%v, %v), want (true, nil)", ok, err)
	}
	if got := mustGet(t, latest, "a"); got != "1" {
		t.Errorf("get(a) after restore(latest) = %q, want 1", got)
	}
	if got := mustGet(t, latest, "b"); got != "2" {
		t.Errorf("get(b) after restore(latest) = %q, want 2", got)
	}
}
