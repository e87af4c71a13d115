package kvstore

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
)

// LSMOptions configures an LSMTree (§6).
type LSMOptions struct {
	DataDir            string
	MaxKeyLen          int
	MaxValueLen        int
	MaxRunsPerLevel    int
	DensityFactor      int
	MemtableBytesLimit int
	Replica            Replica
}

func (o *LSMOptions) setDefaults() {
	if o.MaxKeyLen <= 0 {
		o.MaxKeyLen = DefaultMaxKeyLen
	}
	if o.MaxValueLen <= 0 {
		o.MaxValueLen = DefaultMaxValueLen
	}
	if o.MaxRunsPerLevel <= 1 {
		o.MaxRunsPerLevel = 3
	}
	if o.DensityFactor <= 0 {
		o.DensityFactor = 20
	}
	if o.MemtableBytesLimit <= 0 {
		o.MemtableBytesLimit = 1_000_000
	}
}

// LSMOptionsFromMap builds LSMOptions from a generic settings map, the
// shape typically decoded from a JSON/YAML config file where numeric
// fields may arrive as float64, int, or a numeric string. Unset or
// non-numeric entries fall back to setDefaults' defaults.
func LSMOptionsFromMap(dataDir string, m map[string]any) LSMOptions {
	return LSMOptions{
		DataDir:            dataDir,
		MaxKeyLen:          intOption(m["max_key_len"], DefaultMaxKeyLen),
		MaxValueLen:        intOption(m["max_value_len"], DefaultMaxValueLen),
		MaxRunsPerLevel:    intOption(m["max_runs_per_level"], 3),
		DensityFactor:      intOption(m["density_factor"], 20),
		MemtableBytesLimit: intOption(m["memtable_bytes_limit"], 1_000_000),
	}
}

// memtableEntry is one pending write awaiting flush.
type memtableEntry struct {
	key   []byte
	value []byte
}

// sortedMemtable is a sorted-by-key slice of pending writes (§4.6,
// §9: "for LSMTree use an ordered container supporting bisect").
type sortedMemtable struct {
	entries []memtableEntry
	bytes   int
}

func newSortedMemtable() *sortedMemtable {
	return &sortedMemtable{}
}

func (mt *sortedMemtable) find(key []byte) int {
	return sort.Search(len(mt.entries), func(i int) bool {
		return bytes.Compare(mt.entries[i].key, key) >= 0
	})
}

// put inserts or overwrites key's entry and adds the resulting byte
// delta to mt.bytes.
func (mt *sortedMemtable) put(key, value []byte) {
	idx := mt.find(key)
	if idx < len(mt.entries) && bytes.Equal(mt.entries[idx].key, key) {
		mt.bytes += len(value) - len(mt.entries[idx].value)
		mt.entries[idx].value = append([]byte(nil), value...)
		return
	}
	e := memtableEntry{key: append([]byte(nil), key...), value: append([]byte(nil), value...)}
	mt.entries = append(mt.entries, memtableEntry{})
	copy(mt.entries[idx+1:], mt.entries[idx:])
	mt.entries[idx] = e
	mt.bytes += len(key) + len(value)
}

func (mt *sortedMemtable) get(key []byte) ([]byte, bool) {
	idx := mt.find(key)
	if idx < len(mt.entries) && bytes.Equal(mt.entries[idx].key, key) {
		return mt.entries[idx].value, true
	}
	return nil, false
}

// lsmRun is one immutable, sorted, on-disk run plus its open read
// handle and sidecars.
type lsmRun struct {
	level  int
	idx    int
	path   string
	file   *os.File
	bloom  *BloomFilter
	fence  *FencePointers
	minKey []byte
	maxKey []byte
}

func (r *lsmRun) close() error {
	if r.file != nil {
		return r.file.Close()
	}
	return nil
}

// LSMTree is a size-tiered log-structured merge tree (§4.6).
type LSMTree struct {
	opts  LSMOptions
	codec recordCodec

	memtable *sortedMemtable
	wal      *os.File
	walPath  string

	levels  [][]*lsmRun
	nextRun []int
}

// OpenLSMTree opens or creates an LSMTree rooted at opts.DataDir,
// replaying its WAL and loading any existing runs.
func OpenLSMTree(opts LSMOptions) (*LSMTree, error) {
	opts.setDefaults()
	if _, err := openDataDir(opts.DataDir, EngineLSMTree); err != nil {
		return nil, err
	}

	t := &LSMTree{
		opts:     opts,
		codec:    newRecordCodec(opts.MaxKeyLen, opts.MaxValueLen),
		memtable: newSortedMemtable(),
		walPath:  filepath.Join(opts.DataDir, "wal"),
	}

	if err := t.loadRuns(); err != nil {
		return nil, err
	}
	if err := t.replayWAL(); err != nil {
		return nil, err
	}
	wal, err := os.OpenFile(t.walPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	t.wal = wal
	return t, nil
}

func (t *LSMTree) loadRuns() error {
	entries, err := os.ReadDir(t.opts.DataDir)
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
			runs = append(runs, found{level, idx, filepath.Join(t.opts.DataDir, name)})
			if level > maxLevel {
				maxLevel = level
			}
		}
	}
	if maxLevel < 0 {
		t.levels = nil
		t.nextRun = nil
		return nil
	}
	t.levels = make([][]*lsmRun, maxLevel+1)
	t.nextRun = make([]int, maxLevel+1)
	sort.Slice(runs, func(i, j int) bool { return runs[i].idx < runs[j].idx })
	for _, f := range runs {
		r, err := t.openRun(f.level, f.idx)
		if err != nil {
			return err
		}
		t.levels[f.level] = append(t.levels[f.level], r)
		if f.idx+1 > t.nextRun[f.level] {
			t.nextRun[f.level] = f.idx + 1
		}
	}
	return nil
}

func (t *LSMTree) openRun(level, idx int) (*lsmRun, error) {
	path := filepath.Join(t.opts.DataDir, runFileName(level, idx, "run"))
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	bloom, err := readBloomFilter(filepath.Join(t.opts.DataDir, runFileName(level, idx, "filter")))
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	fence, err := readFencePointers(filepath.Join(t.opts.DataDir, runFileName(level, idx, "pointers")))
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	r := &lsmRun{level: level, idx: idx, path: path, file: f, bloom: bloom, fence: fence}
	if len(fence.entries) > 0 {
		r.minKey = fence.entries[0].Key
	}
	return r, nil
}

func (t *LSMTree) replayWAL() error {
	f, err := os.Open(t.walPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	defer f.Close()
	r := bufio.NewReader(f)
	for {
		key, value, err := t.codec.decode(r)
		if err != nil {
			break
		}
		t.memtable.put(key, value)
	}
	return nil
}

// Get implements KVStore.
func (t *LSMTree) Get(key []byte) ([]byte, error) {
	if len(key) == 0 {
		return nil, ErrEmptyKey
	}
	if v, ok := t.memtable.get(key); ok {
		if len(v) == 0 {
			return nil, ErrNotFound
		}
		return v, nil
	}
	for level := 0; level < len(t.levels); level++ {
		runs := t.levels[level]
		for i := len(runs) - 1; i >= 0; i-- {
			v, found, err := t.lookupRun(runs[i], key)
			if err != nil {
				return nil, err
			}
			if found {
				if len(v) == 0 {
					return nil, ErrNotFound
				}
				return v, nil
			}
		}
	}
	return nil, ErrNotFound
}

func (t *LSMTree) lookupRun(r *lsmRun, key []byte) (value []byte, found bool, err error) {
	if !r.bloom.Contains(key) {
		return nil, false, nil
	}
	offset, ok := r.fence.Lookup(key)
	if !ok {
		offset = 0
	}
	if _, err := r.file.Seek(offset, 0); err != nil {
		return nil, false, err
	}
	br := bufio.NewReader(r.file)
	for i := 0; i < r.fence.DensityFactor(); i++ {
		k, v, err := t.codec.decode(br)
		if err != nil {
			break
		}
		cmp := bytes.Compare(k, key)
		if cmp == 0 {
			return v, true, nil
		}
		if cmp > 0 {
			break
		}
	}
	return nil, false, nil
}

// Set implements KVStore. An empty value is a tombstone.
func (t *LSMTree) Set(key, value []byte) error {
	if err := validateKV(key, value, t.opts.MaxKeyLen, t.opts.MaxValueLen); err != nil {
		return err
	}
	t.memtable.put(key, value)

	flushed := false
	if t.memtable.bytes > t.opts.MemtableBytesLimit {
		if err := t.flush(); err != nil {
			return err
		}
		flushed = true
	}
	if !flushed {
		if err := t.codec.writeTo(t.wal, key, value); err != nil {
			return err
		}
	}
	return nil
}

func (t *LSMTree) flush() error {
	if len(t.memtable.entries) == 0 {
		return nil
	}
	entries := t.memtable.entries
	if len(t.levels) == 0 {
		t.levels = make([][]*lsmRun, 1)
		t.nextRun = make([]int, 1)
	}
	idx := t.nextRun[0]
	run, err := t.writeRun(0, idx, entries, false)
	if err != nil {
		return err
	}
	t.nextRun[0] = idx + 1
	t.levels[0] = append(t.levels[0], run)
	t.memtable = newSortedMemtable()

	if err := t.truncateWAL(); err != nil {
		return err
	}
	if len(t.levels[0]) >= t.opts.MaxRunsPerLevel {
		return t.merge(0)
	}
	return nil
}

func (t *LSMTree) truncateWAL() error {
	if t.wal == nil {
		return nil
	}
	if err := t.wal.Close(); err != nil {
		return err
	}
	f, err := os.OpenFile(t.walPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	t.wal = f
	return nil
}

// writeRun serializes entries (already sorted by key) into
// L{level}.{idx}.run plus its Bloom filter and fence pointer
// sidecars. When dropTombstones is true, tombstones are omitted
// entirely (used during merge, per §4.6).
func (t *LSMTree) writeRun(level, idx int, entries []memtableEntry, dropTombstones bool) (*lsmRun, error) {
	path := filepath.Join(t.opts.DataDir, runFileName(level, idx, "run"))
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp.*")
	if err != nil {
		return nil, err
	}
	tmpName := tmp.Name()

	count := len(entries)
	if dropTombstones {
		count = 0
		for _, e := range entries {
			if len(e.value) > 0 {
				count++
			}
		}
	}
	bloom := NewBloomFilter(max1(count), 0.01)
	fence := NewFencePointers(t.opts.DensityFactor)

	var offset int64
	written := 0
	for _, e := range entries {
		if dropTombstones && len(e.value) == 0 {
			continue
		}
		if written%t.opts.DensityFactor == 0 {
			fence.Add(e.key, offset)
		}
		if err := t.codec.writeTo(tmp, e.key, e.value); err != nil {
			tmp.Close()
			os.Remove(tmpName)
			return nil, err
		}
		bloom.Add(e.key)
		offset += int64(t.codec.size(e.key, e.value))
		written++
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return nil, err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return nil, err
	}
	if err := os.Rename(tmpName, path); err != nil {
		return nil, err
	}

	if err := writeBloomFilter(filepath.Join(dir, runFileName(level, idx, "filter")), bloom); err != nil {
		return nil, err
	}
	if err := writeFencePointers(filepath.Join(dir, runFileName(level, idx, "pointers")), fence); err != nil {
		return nil, err
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	return &lsmRun{level: level, idx: idx, path: path, file: f, bloom: bloom, fence: fence}, nil
}

func max1(n int) int {
	if n < 1 {
		return 1
	}
	return n
}

// merge performs a k-way merge of every run at level into a single
// new run at level+1, per §4.6: smallest key wins; ties broken toward
// the run with the larger index (newer); tombstones are dropped.
func (t *LSMTree) merge(level int) error {
	srcs := t.levels[level]
	if len(srcs) == 0 {
		return nil
	}

	fronts := make([]*runScanner, len(srcs))
	for i, r := range srcs {
		s, err := newRunScanner(r, t.codec)
		if err != nil {
			return err
		}
		fronts[i] = s
	}

	var merged []memtableEntry
	for {
		best := -1
		for i, s := range fronts {
			if s.done() {
				continue
			}
			if best == -1 || bytes.Compare(s.key(), fronts[best].key()) < 0 {
				best = i
			} else if bytes.Equal(s.key(), fronts[best].key()) && srcs[i].idx > srcs[best].idx {
				best = i
			}
		}
		if best == -1 {
			break
		}
		winnerKey := append([]byte(nil), fronts[best].key()...)
		winnerValue := fronts[best].value()
		for i, s := range fronts {
			if !s.done() && bytes.Equal(s.key(), winnerKey) {
				s.advance()
				_ = i
			}
		}
		merged = append(merged, memtableEntry{key: winnerKey, value: winnerValue})
	}

	for len(t.levels) <= level+1 {
		t.levels = append(t.levels, nil)
		t.nextRun = append(t.nextRun, 0)
	}
	idx := t.nextRun[level+1]
	newRun, err := t.writeRun(level+1, idx, merged, true)
	if err != nil {
		return err
	}
	t.nextRun[level+1] = idx + 1

	for _, r := range srcs {
		if err := t.deleteRun(r); err != nil {
			return err
		}
	}
	t.levels[level] = nil
	t.levels[level+1] = append(t.levels[level+1], newRun)

	if len(t.levels[level+1]) >= t.opts.MaxRunsPerLevel {
		return t.merge(level + 1)
	}
	return nil
}

func (t *LSMTree) deleteRun(r *lsmRun) error {
	if err := r.close(); err != nil {
		return err
	}
	dir := filepath.Dir(r.path)
	os.Remove(r.path)
	os.Remove(filepath.Join(dir, runFileName(r.level, r.idx, "filter")))
	os.Remove(filepath.Join(dir, runFileName(r.level, r.idx, "pointers")))
	return nil
}

// runScanner sequentially decodes records from one run's file,
// presenting a one-record lookahead front for the merge.
type runScanner struct {
	r         *bufio.Reader
	codec     recordCodec
	cur       *memtableEntry
	exhausted bool
}

func newRunScanner(run *lsmRun, codec recordCodec) (*runScanner, error) {
	if _, err := run.file.Seek(0, 0); err != nil {
		return nil, err
	}
	s := &runScanner{r: bufio.NewReader(run.file), codec: codec}
	s.advance()
	return s, nil
}

func (s *runScanner) done() bool { return s.exhausted }
func (s *runScanner) key() []byte {
	return s.cur.key
}
func (s *runScanner) value() []byte {
	return s.cur.value
}
func (s *runScanner) advance() {
	k, v, err := s.codec.decode(s.r)
	if err != nil {
		s.exhausted = true
		s.cur = nil
		return
	}
	s.cur = &memtableEntry{key: k, value: v}
}

// Close implements KVStore. If a Replica is configured, it snapshots
// after the final flush so a later restore observes state as of the
// last write, not only the last explicit Snapshot call (§8 scenario 5).
func (t *LSMTree) Close() error {
	if err := t.flush(); err != nil {
		return err
	}
	if t.opts.Replica != nil {
		if _, err := snapshotDataDir(context.Background(), t.opts.DataDir, t.opts.Replica); err != nil {
			return err
		}
	}
	for _, level := range t.levels {
		for _, r := range level {
			r.close()
		}
	}
	if t.wal != nil {
		return t.wal.Close()
	}
	return nil
}

// Snapshot implements KVStore, replicating every run and sidecar file
// to the configured Replica (§4.9). It is a no-op returning version 0
// when no Replica is configured.
func (t *LSMTree) Snapshot() (int64, error) {
	if t.opts.Replica == nil {
		return 0, nil
	}
	if err := t.flush(); err != nil {
		return 0, err
	}
	return snapshotDataDir(context.Background(), t.opts.DataDir, t.opts.Replica)
}

// Restore implements KVStore: it wipes the data directory and rebuilds
// it from the configured Replica at the given global version (or the
// latest version when negative), then reloads the in-memory state.
func (t *LSMTree) Restore(version int64) (bool, error) {
	if t.opts.Replica == nil {
		return false, nil
	}
	for _, r := range t.levels {
		for _, run := range r {
			run.close()
		}
	}
	if t.wal != nil {
		t.wal.Close()
	}

	ok, err := restoreDataDir(context.Background(), t.opts.DataDir, t.opts.Replica, t.opts.MaxRunsPerLevel, version, []string{"run", "filter", "pointers"})
	if err != nil || !ok {
		return ok, err
	}
	if _, err := openDataDir(t.opts.DataDir, EngineLSMTree); err != nil {
		return false, err
	}
	t.memtable = newSortedMemtable()
	if err := t.loadRuns(); err != nil {
		return false, err
	}
	wal, err := os.OpenFile(t.walPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return false, err
	}
	t.wal = wal
	return true, nil
}
