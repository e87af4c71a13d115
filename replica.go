package kvstore

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"golang.org/x/sync/errgroup"
)

// Replica abstracts a remote content store receiving versioned copies
// of an engine's run files, so a local data directory can be wiped and
// rebuilt from a prior snapshot (§4.9). Implementations: replica_local
// (a sibling local path) and replica_s3 (an S3 bucket).
type Replica interface {
	// Put uploads the named local file (relative to the engine's data
	// directory) under a new version of its (level, run, ext) slot and
	// returns the replica's global version after the upload.
	Put(ctx context.Context, localDir, filename string) (version int64, err error)
	// Get downloads filename at the given slot version (the latest
	// known version for that slot if version < 0) into localDir.
	// Returns ErrReplicaMissing if absent.
	Get(ctx context.Context, localDir, filename string, version int64) error
	// Destroy removes every object this replica holds.
	Destroy(ctx context.Context) error
	// GC removes every remote object that is not the latest version
	// for its slot.
	GC(ctx context.Context) error
	// GlobalVersion returns the current global snapshot version (the
	// number of level-0 .run puts observed so far).
	GlobalVersion() int64
	// LatestSlotVersion returns the most recent version known for a
	// given (level, run, ext) slot, or false if unknown.
	LatestSlotVersion(level, run int, ext string) (int64, bool)
	// SlotVersionAsOf returns the slot version that was the newest one
	// known for (level, run, ext) at the moment the global version last
	// reached asOf, or false if the slot had no Put by then (§4.9).
	SlotVersionAsOf(level, run int, ext string, asOf int64) (int64, bool)
	// Slots returns every (level, run, ext) triple this replica has
	// ever seen a Put for.
	Slots() []slotKey
}

// slotKey identifies one versioned remote slot.
type slotKey struct {
	Level int
	Run   int
	Ext   string
}

// remoteName renders the versioned remote object name for a slot,
// e.g. "L0.3.run-12" (§6). Version 0 omits the suffix.
func remoteName(level, run int, ext string, version int64) string {
	base := runFileName(level, run, ext)
	if version == 0 {
		return base
	}
	return fmt.Sprintf("%s-%d", base, version)
}

// parseLocalName extracts (level, run, ext) from a local run/sidecar
// filename such as "L0.3.run" or "L1.0.filter".
func parseLocalName(filename string) (level, run int, ext string, ok bool) {
	name := strings.TrimSuffix(filename, filepath.Ext(filename))
	ext = strings.TrimPrefix(filepath.Ext(filename), ".")
	if ext == "" {
		return 0, 0, "", false
	}
	if !strings.HasPrefix(name, "L") {
		return 0, 0, "", false
	}
	parts := strings.SplitN(name[1:], ".", 2)
	if len(parts) != 2 {
		return 0, 0, "", false
	}
	l, err1 := strconv.Atoi(parts[0])
	r, err2 := strconv.Atoi(parts[1])
	if err1 != nil || err2 != nil {
		return 0, 0, "", false
	}
	return l, r, ext, true
}

// expandVersion derives the set of live slots for a given global
// version V under a max_per_level digit base M, per §4.9: writing V
// in base M, digit d_i at position i contributes slots
// (i, 0), ..., (i, d_i-1). M == 1 degenerates to [(0,0)].
func expandVersion(v int64, maxPerLevel int) []struct{ Level, Run int } {
	if maxPerLevel <= 1 {
		return []struct{ Level, Run int }{{0, 0}}
	}
	var slots []struct{ Level, Run int }
	level := 0
	for v > 0 || level == 0 {
		digit := int(v % int64(maxPerLevel))
		for run := 0; run < digit; run++ {
			slots = append(slots, struct{ Level, Run int }{level, run})
		}
		v /= int64(maxPerLevel)
		level++
		if v == 0 {
			break
		}
	}
	return slots
}

// snapshotDataDir walks dataDir's run and sidecar files (skipping wal
// and metadata) and puts each one to replica, returning the resulting
// global version.
func snapshotDataDir(ctx context.Context, dataDir string, replica Replica) (int64, error) {
	entries, err := os.ReadDir(dataDir)
	if err != nil {
		return 0, err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if _, _, _, ok := parseLocalName(name); ok {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	for _, name := range names {
		if _, err := replica.Put(ctx, dataDir, name); err != nil {
			return 0, err
		}
	}
	return replica.GlobalVersion(), nil
}

// restoreDataDir resolves the slot set live at version (or the
// replica's current global version if version < 0), verifies every
// slot is known, wipes dataDir, and fetches every (run, filter,
// pointers) file for each slot. Returns false (no error) if any slot
// is unresolvable, per §4.9's fall-back-to-false contract.
func restoreDataDir(ctx context.Context, dataDir string, replica Replica, maxRunsPerLevel int, version int64, exts []string) (bool, error) {
	if version < 0 {
		version = replica.GlobalVersion()
	}
	slots := expandVersion(version, maxRunsPerLevel)

	type fetch struct {
		level, run int
		ext        string
		ver        int64
	}
	var fetches []fetch
	for _, s := range slots {
		for _, ext := range exts {
			ver, ok := replica.SlotVersionAsOf(s.Level, s.Run, ext, version)
			if !ok {
				if ext == "run" {
					return false, nil
				}
				continue
			}
			fetches = append(fetches, fetch{s.Level, s.Run, ext, ver})
		}
	}

	if err := os.RemoveAll(dataDir); err != nil {
		return false, err
	}
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return false, err
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, f := range fetches {
		f := f
		g.Go(func() error {
			name := runFileName(f.level, f.run, f.ext)
			return replica.Get(gctx, dataDir, name, f.ver)
		})
	}
	if err := g.Wait(); err != nil {
		return false, err
	}
	return true, nil
}
