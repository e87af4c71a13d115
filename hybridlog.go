package kvstore

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
)

// HybridOptions configures a HybridLog (§4.7). The three region sizes
// must satisfy mem_segment_len >= ro_lag_interval + flush_interval so
// the ring never has to evict a record that hasn't yet turned
// read-only.
type HybridOptions struct {
	DataDir           string
	MaxKeyLen         int
	MaxValueLen       int
	MaxRunsPerLevel   int
	MemSegmentLen     int64
	RoLagInterval     int64
	FlushInterval     int64
	CompactionEnabled bool
	Replica           Replica
}

func (o *HybridOptions) setDefaults() {
	if o.MaxKeyLen <= 0 {
		o.MaxKeyLen = DefaultMaxKeyLen
	}
	if o.MaxValueLen <= 0 {
		o.MaxValueLen = DefaultMaxValueLen
	}
	if o.MaxRunsPerLevel <= 0 {
		o.MaxRunsPerLevel = 3
	}
	if o.MemSegmentLen <= 0 {
		o.MemSegmentLen = 1 << 20
	}
	if o.RoLagInterval <= 0 {
		o.RoLagInterval = 1 << 10
	}
	if o.FlushInterval <= 0 {
		o.FlushInterval = 4 << 10
	}
}

// HybridOptionsFromMap builds HybridOptions from a generic settings
// map (see LSMOptionsFromMap for the numeric-coercion rationale).
func HybridOptionsFromMap(dataDir string, m map[string]any) HybridOptions {
	return HybridOptions{
		DataDir:           dataDir,
		MaxKeyLen:         intOption(m["max_key_len"], DefaultMaxKeyLen),
		MaxValueLen:       intOption(m["max_value_len"], DefaultMaxValueLen),
		MaxRunsPerLevel:   intOption(m["max_runs_per_level"], 3),
		MemSegmentLen:     int64Option(m["mem_segment_len"], 1<<20),
		RoLagInterval:     int64Option(m["ro_lag_interval"], 1<<10),
		FlushInterval:     int64Option(m["flush_interval"], 4<<10),
		CompactionEnabled: m["compaction_enabled"] == true,
	}
}

// HybridLog is a hash-indexed log with a ring-buffer-backed mutable
// region sitting in front of immutable, sorted-by-append-order
// on-disk runs (§4.7, a FASTER-style hybrid log).
//
// The logical address space is partitioned by three monotonically
// advancing offsets:
//
//	head_offset <= ro_offset <= tail_offset
//
// Records with LA < head_offset have been flushed to disk and evicted
// from the ring. [head_offset, ro_offset] is the read-only region:
// still resident in the ring, but no longer updated in place. Records
// with ro_offset < LA < tail_offset are the mutable region, updated in
// place on a repeat Set. ro_offset advances independently of head_offset: tail_offset -
// ro_offset > ro_lag_interval pushes ro_offset forward, and
// ro_offset - head_offset > flush_interval drains the now-read-only
// prefix to disk.
type HybridLog struct {
	opts  HybridOptions
	codec recordCodec

	ring *ringBuffer

	// index maps a key to its current logical address. laFile maps a
	// logical address below head_offset to the (level, run, offset)
	// triple it was flushed to.
	index  map[string]int64
	laFile map[int64]recordLoc

	head, ro, tail int64

	levels  [][]*appendRun
	nextRun []int
}

// OpenHybridLog opens or creates a HybridLog rooted at opts.DataDir.
func OpenHybridLog(opts HybridOptions) (*HybridLog, error) {
	opts.setDefaults()
	if _, err := openDataDir(opts.DataDir, EngineHybridLog); err != nil {
		return nil, err
	}
	h := &HybridLog{
		opts:   opts,
		codec:  newRecordCodec(opts.MaxKeyLen, opts.MaxValueLen),
		ring:   newRingBuffer(int(opts.MemSegmentLen)),
		index:  make(map[string]int64),
		laFile: make(map[int64]recordLoc),
	}
	if err := h.loadRuns(); err != nil {
		return nil, err
	}
	if err := h.recover(); err != nil {
		return nil, err
	}
	return h, nil
}

func (h *HybridLog) loadRuns() error {
	entries, err := os.ReadDir(h.opts.DataDir)
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
			runs = append(runs, found{level, idx, filepath.Join(h.opts.DataDir, name)})
			if level > maxLevel {
				maxLevel = level
			}
		}
	}
	if maxLevel < 0 {
		h.levels = [][]*appendRun{nil}
		h.nextRun = []int{0}
		return nil
	}
	h.levels = make([][]*appendRun, maxLevel+1)
	h.nextRun = make([]int, maxLevel+1)
	sort.Slice(runs, func(i, j int) bool { return runs[i].idx < runs[j].idx })
	for _, f := range runs {
		file, err := os.Open(f.path)
		if err != nil {
			return err
		}
		h.levels[f.level] = append(h.levels[f.level], &appendRun{level: f.level, idx: f.idx, path: f.path, file: file})
		if f.idx+1 > h.nextRun[f.level] {
			h.nextRun[f.level] = f.idx + 1
		}
	}
	return nil
}

// recover rebuilds the hash index from on-disk runs, oldest data
// first (deepest level to level 0, ascending run index within a
// level) so that later records overwrite the index entries of older
// duplicates, then resumes the LA space directly above the last
// flushed record: a restarted HybridLog has an empty ring and
// head_offset == ro_offset == tail_offset.
func (h *HybridLog) recover() error {
	var la int64
	for level := len(h.levels) - 1; level >= 0; level-- {
		for _, r := range h.levels[level] {
			if _, err := r.file.Seek(0, 0); err != nil {
				return err
			}
			br := bufio.NewReader(r.file)
			var offset int64
			for {
				key, value, err := h.codec.decode(br)
				if err != nil {
					break
				}
				if len(value) == 0 {
					delete(h.index, string(key))
					delete(h.laFile, la)
				} else {
					h.index[string(key)] = la
					h.laFile[la] = recordLoc{Level: level, Run: r.idx, Offset: offset}
				}
				offset += int64(h.codec.size(key, value))
				la++
			}
		}
	}
	h.head, h.ro, h.tail = la, la, la
	h.ring.resume(la)
	return nil
}

// Get implements KVStore.
func (h *HybridLog) Get(key []byte) ([]byte, error) {
	if len(key) == 0 {
		return nil, ErrEmptyKey
	}
	la, ok := h.index[string(key)]
	if !ok {
		return nil, ErrNotFound
	}
	if la >= h.head {
		cell, ok := h.ring.At(la)
		if !ok {
			return nil, ErrCorrupt
		}
		if len(cell.value) == 0 {
			return nil, ErrNotFound
		}
		return cell.value, nil
	}
	loc, ok := h.laFile[la]
	if !ok {
		return nil, ErrCorrupt
	}
	run := h.findRun(loc.Level, loc.Run)
	if run == nil {
		return nil, ErrCorrupt
	}
	if _, err := run.file.Seek(loc.Offset, 0); err != nil {
		return nil, err
	}
	_, value, err := h.codec.decode(bufio.NewReader(run.file))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	if len(value) == 0 {
		return nil, ErrNotFound
	}
	return value, nil
}

func (h *HybridLog) findRun(level, idx int) *appendRun {
	if level >= len(h.levels) {
		return nil
	}
	for _, r := range h.levels[level] {
		if r.idx == idx {
			return r
		}
	}
	return nil
}

// Set implements KVStore. A record already resident in the mutable
// region (LA > ro_offset) is updated in place; otherwise a new LA is
// appended to the ring, flushing older entries first if the ring is
// full. Afterward, ro_offset advances while tail_offset - ro_offset
// exceeds ro_lag_interval, and the now-read-only prefix is flushed to
// disk while ro_offset - head_offset exceeds flush_interval (§4.7).
func (h *HybridLog) Set(key, value []byte) error {
	if err := validateKV(key, value, h.opts.MaxKeyLen, h.opts.MaxValueLen); err != nil {
		return err
	}

	if la, ok := h.index[string(key)]; ok && la > h.ro {
		if _, ok := h.ring.At(la); ok {
			h.ring.cells[la%h.ring.cap] = ringCell{key: append([]byte(nil), key...), value: append([]byte(nil), value...)}
			return nil
		}
	}

	for h.ring.IsFull() {
		if err := h.flushOne(); err != nil {
			return err
		}
	}
	la, err := h.ring.Add(key, value)
	if err != nil {
		return err
	}
	h.index[string(key)] = la
	h.tail = la + 1

	for h.tail-h.ro > h.opts.RoLagInterval {
		h.ro++
	}
	for h.ro-h.head > h.opts.FlushInterval {
		if err := h.flushOne(); err != nil {
			return err
		}
	}
	return nil
}

// flushOne pops the oldest ring-resident record (at head_offset) and
// appends it to the active level-0 run, unless a newer write has
// already superseded its key (dropped, not re-flushed) or it is a
// tombstone (dropped, not persisted; its index entry is removed here).
func (h *HybridLog) flushOne() error {
	la, cell, err := h.ring.Pop()
	if err != nil {
		if err == ErrRingEmpty {
			h.head++
			if h.ro < h.head {
				h.ro = h.head
			}
			return nil
		}
		return err
	}
	h.head = la + 1
	if h.ro < h.head {
		h.ro = h.head
	}

	if cur, ok := h.index[string(cell.key)]; !ok || cur != la {
		return nil
	}
	if len(cell.value) == 0 {
		delete(h.index, string(cell.key))
		return nil
	}

	run, err := h.activeRun()
	if err != nil {
		return err
	}
	stat, err := run.file.Stat()
	if err != nil {
		return err
	}
	offset := stat.Size()
	w, err := os.OpenFile(run.path, os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	if err := h.codec.writeTo(w, cell.key, cell.value); err != nil {
		w.Close()
		return err
	}
	if err := w.Sync(); err != nil {
		w.Close()
		return err
	}
	if err := w.Close(); err != nil {
		return err
	}

	h.laFile[la] = recordLoc{Level: 0, Run: run.idx, Offset: offset}
	h.index[string(cell.key)] = la

	if len(h.levels[0]) >= h.opts.MaxRunsPerLevel {
		return h.rollover()
	}
	return nil
}

func (h *HybridLog) activeRun() (*appendRun, error) {
	level0 := h.levels[0]
	if len(level0) > 0 {
		return level0[len(level0)-1], nil
	}
	idx := h.nextRun[0]
	path := filepath.Join(h.opts.DataDir, runFileName(0, idx, "run"))
	create, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	create.Close()
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	r := &appendRun{level: 0, idx: idx, path: path, file: f}
	h.levels[0] = append(h.levels[0], r)
	h.nextRun[0] = idx + 1
	return r, nil
}

func (h *HybridLog) rollover() error {
	idx := h.nextRun[0]
	path := filepath.Join(h.opts.DataDir, runFileName(0, idx, "run"))
	create, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	create.Close()
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	h.levels[0] = append(h.levels[0], &appendRun{level: 0, idx: idx, path: path, file: f})
	h.nextRun[0] = idx + 1

	if len(h.levels[0]) >= h.opts.MaxRunsPerLevel {
		return h.merge(0)
	}
	return nil
}

// merge behaves like AppendLog's: it keeps only the records whose
// LA-to-file entry still resolves back to the exact (level, run,
// offset) being scanned, rewriting the rest into a run one level
// deeper, cascading if that level now overflows.
func (h *HybridLog) merge(level int) error {
	srcs := h.levels[level]
	if len(srcs) == 0 {
		return nil
	}
	for len(h.levels) <= level+1 {
		h.levels = append(h.levels, nil)
		h.nextRun = append(h.nextRun, 0)
	}
	destIdx := h.nextRun[level+1]
	destPath := filepath.Join(h.opts.DataDir, runFileName(level+1, destIdx, "run"))
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
			key, value, err := h.codec.decode(br)
			if err != nil {
				break
			}
			size := int64(h.codec.size(key, value))
			la, live := h.index[string(key)]
			loc, onDisk := h.laFile[la]
			if live && onDisk && loc.Level == level && loc.Run == r.idx && loc.Offset == offset {
				if err := h.codec.writeTo(dest, key, value); err != nil {
					dest.Close()
					return err
				}
				h.laFile[la] = recordLoc{Level: level + 1, Run: destIdx, Offset: destOffset}
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
	h.nextRun[level+1] = destIdx + 1
	h.levels[level+1] = append(h.levels[level+1], &appendRun{level: level + 1, idx: destIdx, path: destPath, file: destFile})

	for _, r := range srcs {
		r.file.Close()
		os.Remove(r.path)
	}
	h.levels[level] = nil

	if level == 0 && h.opts.CompactionEnabled {
		return h.compact(level + 1)
	}
	if len(h.levels[level+1]) >= h.opts.MaxRunsPerLevel {
		return h.merge(level + 1)
	}
	return nil
}

// compact rewrites level's runs into a single run containing only
// live records, in place, when inline compaction is enabled (§4.7).
// It is an optional space-reclamation step distinct from merge: merge
// always fires on overflow, compaction is opt-in and may run after
// any merge.
func (h *HybridLog) compact(level int) error {
	srcs := h.levels[level]
	if len(srcs) <= 1 {
		return nil
	}
	tmpPath := filepath.Join(h.opts.DataDir, fmt.Sprintf("L%d.compact.tmp", level))
	dest, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
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
			key, value, err := h.codec.decode(br)
			if err != nil {
				break
			}
			size := int64(h.codec.size(key, value))
			la, live := h.index[string(key)]
			loc, onDisk := h.laFile[la]
			if live && onDisk && loc.Level == level && loc.Run == r.idx && loc.Offset == offset {
				if err := h.codec.writeTo(dest, key, value); err != nil {
					dest.Close()
					return err
				}
				h.laFile[la] = recordLoc{Level: level, Run: srcs[0].idx, Offset: destOffset}
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

	finalPath := filepath.Join(h.opts.DataDir, runFileName(level, srcs[0].idx, "run"))
	if err := os.Rename(tmpPath, finalPath); err != nil {
		return err
	}
	for _, r := range srcs[1:] {
		r.file.Close()
		os.Remove(r.path)
	}
	srcs[0].file.Close()
	f, err := os.Open(finalPath)
	if err != nil {
		return err
	}
	h.levels[level] = []*appendRun{{level: level, idx: srcs[0].idx, path: finalPath, file: f}}
	return nil
}

// Close implements KVStore. It drains the ring to disk so a clean
// close loses nothing above head_offset (§5). If a Replica is
// configured, it then replicates the run files so a later restore
// observes state as of the last write, not only the last explicit
// Snapshot call (§8 scenario 5).
func (h *HybridLog) Close() error {
	for h.ring.Len() > 0 {
		if err := h.flushOne(); err != nil {
			return err
		}
	}
	if h.opts.Replica != nil {
		if _, err := snapshotDataDir(context.Background(), h.opts.DataDir, h.opts.Replica); err != nil {
			return err
		}
	}
	var firstErr error
	for _, level := range h.levels {
		for _, r := range level {
			if r.file != nil {
				if err := r.file.Close(); err != nil && firstErr == nil {
					firstErr = err
				}
			}
		}
	}
	return firstErr
}

// Snapshot implements KVStore: it drains the ring to disk so that
// every live record is file-resident, then replicates every run.
func (h *HybridLog) Snapshot() (int64, error) {
	if h.opts.Replica == nil {
		return 0, nil
	}
	for h.ring.Len() > 0 {
		if err := h.flushOne(); err != nil {
			return 0, err
		}
	}
	return snapshotDataDir(context.Background(), h.opts.DataDir, h.opts.Replica)
}

// Restore implements KVStore.
func (h *HybridLog) Restore(version int64) (bool, error) {
	if h.opts.Replica == nil {
		return false, nil
	}
	for _, level := range h.levels {
		for _, r := range level {
			if r.file != nil {
				r.file.Close()
			}
		}
	}

	ok, err := restoreDataDir(context.Background(), h.opts.DataDir, h.opts.Replica, h.opts.MaxRunsPerLevel, version, []string{"run"})
	if err != nil || !ok {
		return ok, err
	}
	if _, err := openDataDir(h.opts.DataDir, EngineHybridLog); err != nil {
		return false, err
	}
	h.ring = newRingBuffer(int(h.opts.MemSegmentLen))
	h.index = make(map[string]int64)
	h.laFile = make(map[int64]recordLoc)
	if err := h.loadRuns(); err != nil {
		return false, err
	}
	if err := h.recover(); err != nil {
		return false, err
	}
	return true, nil
}
