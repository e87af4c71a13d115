package kvstore

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
)

// slotVersionRecord pairs a slot version with the global version it
// became the newest one for its slot at, so SlotVersionAsOf can answer
// "what was live as of V" instead of only "what is live now" (§4.9).
type slotVersionRecord struct {
	AsOf    int64
	Version int64
}

// historyFile is the JSON sidecar persisting every slot's full version
// history, since that timeline can't be reconstructed purely from the
// versioned object names already on disk after a process restart.
type historyFile struct {
	Level   int
	Run     int
	Ext     string
	AsOf    int64
	Version int64
}

const historyFileName = "_history.json"

// LocalReplica is a Replica backend that replicates run files to
// another path on the local filesystem (§1, §4.9): a sibling
// directory, an external disk, or a network mount presented as a
// normal path.
type LocalReplica struct {
	mu      sync.Mutex
	root    string
	latest  map[slotKey]int64
	history map[slotKey][]slotVersionRecord
	globalV int64
}

// NewLocalReplica opens (creating if needed) a local replica rooted
// at root, scanning any existing versioned objects to rebuild its
// in-memory version table.
func NewLocalReplica(root string) (*LocalReplica, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, err
	}
	lr := &LocalReplica{
		root:    root,
		latest:  make(map[slotKey]int64),
		history: make(map[slotKey][]slotVersionRecord),
	}
	if err := lr.rebuildIndex(); err != nil {
		return nil, err
	}
	return lr, nil
}

func (lr *LocalReplica) rebuildIndex() error {
	entries, err := os.ReadDir(lr.root)
	if err != nil {
		return err
	}
	for _, e := range entries {
		level, run, ext, version, ok := parseRemoteName(e.Name())
		if !ok {
			continue
		}
		key := slotKey{level, run, ext}
		if version >= lr.latest[key] {
			lr.latest[key] = version
		}
		if ext == "run" && level == 0 && version > lr.globalV {
			lr.globalV = version
		}
	}
	data, err := os.ReadFile(filepath.Join(lr.root, historyFileName))
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	var records []historyFile
	if err := json.Unmarshal(data, &records); err != nil {
		return err
	}
	for _, r := range records {
		key := slotKey{r.Level, r.Run, r.Ext}
		lr.history[key] = append(lr.history[key], slotVersionRecord{AsOf: r.AsOf, Version: r.Version})
		// Every level-0 .run Put records the global version it produced,
		// so the largest AsOf is the global version at the last Put.
		if r.AsOf > lr.globalV {
			lr.globalV = r.AsOf
		}
	}
	return nil
}

// appendHistory records that key's slot became version as of the
// current global version, then persists the full history table so it
// survives a reopen. Caller holds lr.mu.
func (lr *LocalReplica) appendHistory(key slotKey, version int64) error {
	lr.history[key] = append(lr.history[key], slotVersionRecord{AsOf: lr.globalV, Version: version})

	var records []historyFile
	for k, recs := range lr.history {
		for _, r := range recs {
			records = append(records, historyFile{Level: k.Level, Run: k.Run, Ext: k.Ext, AsOf: r.AsOf, Version: r.Version})
		}
	}
	data, err := json.Marshal(records)
	if err != nil {
		return err
	}
	return atomicWriteFile(filepath.Join(lr.root, historyFileName), data)
}

// parseRemoteName splits a versioned remote object name, e.g.
// "L0.3.run-12", into its (level, run, ext, version) components.
// Absence of the "-V" suffix means version 0 (§6).
func parseRemoteName(name string) (level, run int, ext string, version int64, ok bool) {
	base := name
	version = 0
	if idx := strings.LastIndex(name, "-"); idx >= 0 {
		if v, err := strconv.ParseInt(name[idx+1:], 10, 64); err == nil {
			base = name[:idx]
			version = v
		}
	}
	level, run, ext, ok = parseLocalName(base)
	return
}

func (lr *LocalReplica) Put(ctx context.Context, localDir, filename string) (int64, error) {
	lr.mu.Lock()
	defer lr.mu.Unlock()

	level, run, ext, ok := parseLocalName(filename)
	if !ok {
		return 0, ErrCorrupt
	}
	key := slotKey{level, run, ext}
	version := int64(0)
	if prev, seen := lr.latest[key]; seen {
		version = prev + 1
	}

	data, err := os.ReadFile(filepath.Join(localDir, filename))
	if err != nil {
		return 0, err
	}
	remote := filepath.Join(lr.root, remoteName(level, run, ext, version))
	if err := atomicWriteFile(remote, data); err != nil {
		return 0, err
	}
	lr.latest[key] = version

	if ext == "run" && level == 0 {
		lr.globalV++
	}
	if err := lr.appendHistory(key, version); err != nil {
		return 0, err
	}
	return lr.globalV, nil
}

func (lr *LocalReplica) Get(ctx context.Context, localDir, filename string, version int64) error {
	level, run, ext, ok := parseLocalName(filename)
	if !ok {
		return ErrCorrupt
	}
	if version < 0 {
		lr.mu.Lock()
		latest, seen := lr.latest[slotKey{level, run, ext}]
		lr.mu.Unlock()
		if !seen {
			return ErrReplicaMissing
		}
		version = latest
	}
	src := filepath.Join(lr.root, remoteName(level, run, ext, version))
	in, err := os.Open(src)
	if err != nil {
		if os.IsNotExist(err) {
			return ErrReplicaMissing
		}
		return err
	}
	defer in.Close()

	dst := filepath.Join(localDir, filename)
	tmp, err := os.CreateTemp(filepath.Dir(dst), filepath.Base(dst)+".tmp.*")
	if err != nil {
		return err
	}
	if _, err := io.Copy(tmp, in); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), dst)
}

func (lr *LocalReplica) Destroy(ctx context.Context) error {
	lr.mu.Lock()
	defer lr.mu.Unlock()
	if err := os.RemoveAll(lr.root); err != nil {
		return err
	}
	lr.latest = make(map[slotKey]int64)
	lr.history = make(map[slotKey][]slotVersionRecord)
	lr.globalV = 0
	return os.MkdirAll(lr.root, 0o755)
}

func (lr *LocalReplica) GC(ctx context.Context) error {
	lr.mu.Lock()
	defer lr.mu.Unlock()

	entries, err := os.ReadDir(lr.root)
	if err != nil {
		return err
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })
	for _, e := range entries {
		level, run, ext, version, ok := parseRemoteName(e.Name())
		if !ok {
			continue
		}
		if version != lr.latest[slotKey{level, run, ext}] {
			os.Remove(filepath.Join(lr.root, e.Name()))
		}
	}
	return nil
}

func (lr *LocalReplica) GlobalVersion() int64 {
	lr.mu.Lock()
	defer lr.mu.Unlock()
	return lr.globalV
}

func (lr *LocalReplica) LatestSlotVersion(level, run int, ext string) (int64, bool) {
	lr.mu.Lock()
	defer lr.mu.Unlock()
	v, ok := lr.latest[slotKey{level, run, ext}]
	return v, ok
}

// SlotVersionAsOf returns the slot version whose recorded AsOf is the
// largest one not after asOf (§4.9): the version that was newest for
// this slot at the moment the global version last reached asOf.
func (lr *LocalReplica) SlotVersionAsOf(level, run int, ext string, asOf int64) (int64, bool) {
	lr.mu.Lock()
	defer lr.mu.Unlock()
	recs := lr.history[slotKey{level, run, ext}]
	version, found := int64(0), false
	for _, r := range recs {
		if r.AsOf <= asOf {
			version, found = r.Version, true
		}
	}
	return version, found
}

func (lr *LocalReplica) Slots() []slotKey {
	lr.mu.Lock()
	defer lr.mu.Unlock()
	slots := make([]slotKey, 0, len(lr.latest))
	for k := range lr.latest {
		slots = append(slots, k)
	}
	return slots
}
