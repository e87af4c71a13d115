package kvstore

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
)

// AppendOptions configures an AppendLog (§6).
type AppendOptions struct {
	DataDir         string
	MaxKeyLen       int
	MaxValueLen     int
	MaxRunsPerLevel int
	Threshold       int64
	Replica         Replica
}

func (o *AppendOptions) setDefaults() {
	if o.MaxKeyLen <= 0 {
		o.MaxKeyLen = DefaultMaxKeyLen
	}
	if o.MaxValueLen <= 0 {
		o.MaxValueLen = DefaultMaxValueLen
	}
	if o.MaxRunsPerLevel <= 0 {
		o.MaxRunsPerLevel = 3
	}
	if o.Threshold <= 0 {
		o.Threshold = 4_000_000
	}
}

// AppendOptionsFromMap builds AppendOptions from a generic settings
// map (see LSMOptionsFromMap for the numeric-coercion rationale).
func AppendOptionsFromMap(dataDir string, m map[string]any) AppendOptions {
	return AppendOptions{
		DataDir:         dataDir,
		MaxKeyLen:       intOption(m["max_key_len"], DefaultMaxKeyLen),
		MaxValueLen:     intOption(m["max_value_len"], DefaultMaxValueLen),
		MaxRunsPerLevel: intOption(m["max_runs_per_level"], 3),
		Threshold:       int64Option(m["threshold"], 4_000_000),
	}
}

// recordLoc names the (level, run, file offset) triple locating one
// record, used by both AppendLog's and HybridLog's indices (§4.7,
// §4.8, §9).
type recordLoc struct {
	Level  int
	Run    int
	Offset int64
}

// appendRun is one immutable, insertion-ordered run file kept open
// for reads.
type appendRun struct {
	level int
	idx   int
	path  string
	file  *os.File
}

// AppendLog is a hash-indexed, rollover/compaction append-only store
// (§4.8). Tombstones are not persisted: a deleted key reappears on
// recovery if an older record for it still lives on disk (documented
// source quirk, kept per §9's open question).
type AppendLog struct {
	opts  AppendOptions
	codec recordCodec

	index map[string]recordLoc

	levels    [][]*appendRun
	nextRun   []int
	active    *os.File
	activeRun int
	written   int64
}

// OpenAppendLog opens or creates an AppendLog rooted at
// opts.DataDir, rebuilding its hash index from existing runs.
func OpenAppendLog(opts AppendOptions) (*AppendLog, error) {
	opts.setDefaults()
	if _, err := openDataDir(opts.DataDir, EngineAppendLog); err != nil {
		return nil, err
	}
	a := &AppendLog{
		opts:  opts,
		codec: newRecordCodec(opts.MaxKeyLen, opts.MaxValueLen),
		index: make(map[string]recordLoc),
	}
	if err := a.loadRuns(); err != nil {
		return nil, err
	}
	if err := a.rebuildIndex(); err != nil {
		return nil, err
	}
	if err := a.openActive(); err != nil {
		return nil, err
	}
	return a, nil
}

func (a *AppendLog) loadRuns() error {
	entries, err := os.ReadDir(a.opts.DataDir)
	if err != nil {
		return err
	}
	maxLevel := -1
	type found struct {
		level, idx int
		path       string
	}
	var runs []found
	for _, e := range entries {
		name := e.Name()
		var level, idx int
		if n, _ := fmt.Sscanf(name, "L%d.%d.run", &level, &idx); n == 2 {
			runs = append(runs, found{level, idx, filepath.Join(a.opts.DataDir, name)})
			if level > maxLevel {
				maxLevel = level
			}
		}
	}
	if maxLevel < 0 {
		a.levels = [][]*appendRun{nil}
		a.nextRun = []int{0}
		return nil
	}
	a.levels = make([][]*appendRun, maxLevel+1)
	a.nextRun = make([]int, maxLevel+1)
	sort.Slice(runs, func(i, j int) bool { return runs[i].idx < runs[j].idx })
	for _, f := range runs {
		file, err := os.Open(f.path)
		if err != nil {
			return err
		}
		a.levels[f.level] = append(a.levels[f.level], &appendRun{level: f.level, idx: f.idx, path: f.path, file: file})
		if f.idx+1 > a.nextRun[f.level] {
			a.nextRun[f.level] = f.idx + 1
		}
	}
	return nil
}

// rebuildIndex replays every run, oldest data first, so later writes
// naturally overwrite the hash-index entries of older duplicates: the
// deepest (oldest) level is scanned first, level 0 (newest) last; runs
// within a level are scanned in increasing (oldest-to-newest) order.
func (a *AppendLog) rebuildIndex() error {
	for level := len(a.levels) - 1; level >= 0; level-- {
		for _, r := range a.levels[level] {
			if _, err := r.file.Seek(0, 0); err != nil {
				return err
			}
			br := bufio.NewReader(r.file)
			var offset int64
			for {
				key, value, err := a.codec.decode(br)
				if err != nil {
					break
				}
				loc := recordLoc{Level: level, Run: r.idx, Offset: offset}
				if len(value) == 0 {
					delete(a.index, string(key))
				} else {
					a.index[string(key)] = loc
				}
				offset += int64(a.codec.size(key, value))
			}
		}
	}
	return nil
}

func (a *AppendLog) openActive() error {
	level0 := a.levels[0]
	idx := a.nextRun[0]
	if len(level0) > 0 {
		idx = level0[len(level0)-1].idx
	} else {
		// no level-0 runs exist yet; create the first one.
		r, err := a.newRunFile(0, idx)
		if err != nil {
			return err
		}
		a.levels[0] = append(a.levels[0], r)
		a.nextRun[0] = idx + 1
	}
	path := filepath.Join(a.opts.DataDir, runFileName(0, idx, "run"))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	stat, err := f.Stat()
	if err != nil {
		return err
	}
	a.active = f
	a.activeRun = idx
	a.written = stat.Size()
	return nil
}

func (a *AppendLog) newRunFile(level, idx int) (*appendRun, error) {
	path := filepath.Join(a.opts.DataDir, runFileName(level, idx, "run"))
	create, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	create.Close()
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	return &appendRun{level: level, idx: idx, path: path, file: f}, nil
}

// Get implements KVStore.
func (a *AppendLog) Get(key []byte) ([]byte, error) {
	if len(key) == 0 {
		return nil, ErrEmptyKey
	}
	loc, ok := a.index[string(key)]
	if !ok {
		return nil, ErrNotFound
	}
	run := a.findRun(loc.Level, loc.Run)
	if run == nil {
		return nil, ErrCorrupt
	}
	if _, err := run.file.Seek(loc.Offset, 0); err != nil {
		return nil, err
	}
	_, value, err := a.codec.decode(bufio.NewReader(run.file))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	return value, nil
}

func (a *AppendLog) findRun(level, idx int) *appendRun {
	if level >= len(a.levels) {
		return nil
	}
	for _, r := range a.levels[level] {
		if r.idx == idx {
			return r
		}
	}
	return nil
}

// Set implements KVStore. A tombstone (empty value) removes the
// index entry but is not itself persisted (§3, §4.8).
func (a *AppendLog) Set(key, value []byte) error {
	if err := validateKV(key, value, a.opts.MaxKeyLen, a.opts.MaxValueLen); err != nil {
		return err
	}
	if len(value) == 0 {
		delete(a.index, string(key))
		return nil
	}

	offset := a.written
	if err := a.codec.writeTo(a.active, key, value); err != nil {
		return err
	}
	if err := a.active.Sync(); err != nil {
		return err
	}
	size := int64(a.codec.size(key, value))
	a.written += size
	a.index[string(key)] = recordLoc{Level: 0, Run: a.activeRun, Offset: offset}

	if a.written >= a.opts.Threshold {
		return a.rollover()
	}
	return nil
}

func (a *AppendLog) rollover() error {
	if err := a.active.Close(); err != nil {
		return err
	}
	idx := a.nextRun[0]
	r, err := a.newRunFile(0, idx)
	if err != nil {
		return err
	}
	a.levels[0] = append(a.levels[0], r)
	a.nextRun[0] = idx + 1

	path := filepath.Join(a.opts.DataDir, runFileName(0, idx, "run"))
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	a.active = f
	a.activeRun = idx
	a.written = 0

	if len(a.levels[0]) >= a.opts.MaxRunsPerLevel {
		if err := a.merge(0); err != nil {
			return err
		}
		// merge removed every level-0 run, including the one just opened
		// for writing, so start a fresh active run.
		if err := a.active.Close(); err != nil {
			return err
		}
		return a.openActive()
	}
	return nil
}

// merge scans every run at level, keeping only records whose index
// entry still points at that exact (level, run, offset) — i.e. the
// live version — and copies them into a new run at level+1, cascading
// if that level now overflows (§4.8).
func (a *AppendLog) merge(level int) error {
	srcs := a.levels[level]
	if len(srcs) == 0 {
		return nil
	}
	for len(a.levels) <= level+1 {
		a.levels = append(a.levels, nil)
		a.nextRun = append(a.nextRun, 0)
	}
	destIdx := a.nextRun[level+1]
	destPath := filepath.Join(a.opts.DataDir, runFileName(level+1, destIdx, "run"))
	dest, err := os.OpenFile(destPath, os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}

	var destOffset int64
	for _, r := range srcs {
		if _, err := r.file.Seek(0, 0); err != nil {
			dest.Close()
			return err
		}
		br := bufio.NewReader(r.file)
		var offset int64
		for {
			key, value, err := a.codec.decode(br)
			if err != nil {
				break
			}
			size := int64(a.codec.size(key, value))
			loc, live := a.index[string(key)]
			if live && loc.Level == level && loc.Run == r.idx && loc.Offset == offset {
				if err := a.codec.writeTo(dest, key, value); err != nil {
					dest.Close()
					return err
				}
				a.index[string(key)] = recordLoc{Level: level + 1, Run: destIdx, Offset: destOffset}
				destOffset += size
			}
			offset += size
		}
	}
	if err := dest.Sync(); err != nil {
		dest.Close()
		return err
	}
	if err := dest.Close(); err != nil {
		return err
	}
	destFile, err := os.Open(destPath)
	if err != nil {
		return err
	}
	a.nextRun[level+1] = destIdx + 1
	a.levels[level+1] = append(a.levels[level+1], &appendRun{level: level + 1, idx: destIdx, path: destPath, file: destFile})

	for _, r := range srcs {
		r.file.Close()
		os.Remove(r.path)
	}
	a.levels[level] = nil

	if len(a.levels[level+1]) >= a.opts.MaxRunsPerLevel {
		return a.merge(level + 1)
	}
	return nil
}

// Close implements KVStore. If a Replica is configured, it snapshots
// first so a later restore observes state as of the last write, not
// only the last explicit Snapshot call (§8 scenario 5).
func (a *AppendLog) Close() error {
	var firstErr error
	if a.opts.Replica != nil {
		if _, err := a.Snapshot(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if a.active != nil {
		if err := a.active.Close(); err != nil {
			firstErr = err
		}
	}
	for _, level := range a.levels {
		for _, r := range level {
			if r.file != nil {
				r.file.Close()
			}
		}
	}
	return firstErr
}

// Snapshot implements KVStore.
func (a *AppendLog) Snapshot() (int64, error) {
	if a.opts.Replica == nil {
		return 0, nil
	}
	return snapshotDataDir(context.Background(), a.opts.DataDir, a.opts.Replica)
}

// Restore implements KVStore.
func (a *AppendLog) Restore(version int64) (bool, error) {
	if a.opts.Replica == nil {
		return false, nil
	}
	if a.active != nil {
		a.active.Close()
	}
	for _, level := range a.levels {
		for _, r := range level {
			if r.file != nil {
				r.file.Close()
			}
		}
	}

	ok, err := restoreDataDir(context.Background(), a.opts.DataDir, a.opts.Replica, a.opts.MaxRunsPerLevel, version, []string{"run"})
	if err != nil || !ok {
		return ok, err
	}
	if _, err := openDataDir(a.opts.DataDir, EngineAppendLog); err != nil {
		return false, err
	}
	a.index = make(map[string]recordLoc)
	if err := a.loadRuns(); err != nil {
		return false, err
	}
	if err := a.rebuildIndex(); err != nil {
		return false, err
	}
	if err := a.openActive(); err != nil {
		return false, err
	}
	return true, nil
}
