package kvstore

import (
	"bufio"
	"context"
	"os"
	"path/filepath"
)

// MemOnlyOptions configures a MemOnly store.
type MemOnlyOptions struct {
	DataDir     string
	MaxKeyLen   int
	MaxValueLen int
	Replica     Replica
}

func (o *MemOnlyOptions) setDefaults() {
	if o.MaxKeyLen <= 0 {
		o.MaxKeyLen = DefaultMaxKeyLen
	}
	if o.MaxValueLen <= 0 {
		o.MaxValueLen = DefaultMaxValueLen
	}
}

// MemOnly is a pure in-memory KVStore with no write-ahead log: it
// holds no durability guarantee between Snapshot calls (§4.5). Its
// only on-disk artifact is the single run file a Snapshot (or prior
// session) leaves behind.
type MemOnly struct {
	opts  MemOnlyOptions
	codec recordCodec
	data  map[string][]byte
}

// OpenMemOnly opens or creates a MemOnly store, loading its prior
// snapshot (a single L0.0.run file) if one exists.
func OpenMemOnly(opts MemOnlyOptions) (*MemOnly, error) {
	opts.setDefaults()
	if _, err := openDataDir(opts.DataDir, EngineMemOnly); err != nil {
		return nil, err
	}
	m := &MemOnly{
		opts:  opts,
		codec: newRecordCodec(opts.MaxKeyLen, opts.MaxValueLen),
		data:  make(map[string][]byte),
	}
	if err := m.load(); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *MemOnly) runPath() string {
	return filepath.Join(m.opts.DataDir, runFileName(0, 0, "run"))
}

func (m *MemOnly) load() error {
	f, err := os.Open(m.runPath())
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	defer f.Close()

	br := bufio.NewReader(f)
	for {
		key, value, err := m.codec.decode(br)
		if err != nil {
			break
		}
		if len(value) == 0 {
			delete(m.data, string(key))
		} else {
			m.data[string(key)] = value
		}
	}
	return nil
}

// Get implements KVStore.
func (m *MemOnly) Get(key []byte) ([]byte, error) {
	if len(key) == 0 {
		return nil, ErrEmptyKey
	}
	value, ok := m.data[string(key)]
	if !ok {
		return nil, ErrNotFound
	}
	return value, nil
}

// Set implements KVStore.
func (m *MemOnly) Set(key, value []byte) error {
	if err := validateKV(key, value, m.opts.MaxKeyLen, m.opts.MaxValueLen); err != nil {
		return err
	}
	if len(value) == 0 {
		delete(m.data, string(key))
		return nil
	}
	m.data[string(key)] = append([]byte(nil), value...)
	return nil
}

// Close implements KVStore. With no Replica configured it does not
// persist: an un-snapshotted MemOnly loses its data on close, by
// design (§4.5). With a Replica configured, Close snapshots first so a
// later restore observes state as of the last write, not only the
// last explicit Snapshot call (§8 scenario 5).
func (m *MemOnly) Close() error {
	if m.opts.Replica == nil {
		return nil
	}
	_, err := m.Snapshot()
	return err
}

// persist writes every live entry to the single L0.0.run file.
func (m *MemOnly) persist() error {
	tmp, err := os.CreateTemp(m.opts.DataDir, "L0.0.run.tmp.*")
	if err != nil {
		return err
	}
	for key, value := range m.data {
		if err := m.codec.writeTo(tmp, []byte(key), value); err != nil {
			tmp.Close()
			os.Remove(tmp.Name())
			return err
		}
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), m.runPath())
}

// Snapshot implements KVStore: it persists the current in-memory
// state to the local run file, then replicates it.
func (m *MemOnly) Snapshot() (int64, error) {
	if err := m.persist(); err != nil {
		return 0, err
	}
	if m.opts.Replica == nil {
		return 0, nil
	}
	return snapshotDataDir(context.Background(), m.opts.DataDir, m.opts.Replica)
}

// Restore implements KVStore.
func (m *MemOnly) Restore(version int64) (bool, error) {
	if m.opts.Replica == nil {
		return false, nil
	}
	ok, err := restoreDataDir(context.Background(), m.opts.DataDir, m.opts.Replica, 1, version, []string{"run"})
	if err != nil || !ok {
		return ok, err
	}
	if _, err := openDataDir(m.opts.DataDir, EngineMemOnly); err != nil {
		return false, err
	}
	m.data = make(map[string][]byte)
	if err := m.load(); err != nil {
		return false, err
	}
	return true, nil
}
