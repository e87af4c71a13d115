// Package kvstore provides three embeddable key-value storage engines
// (LSMTree, HybridLog, AppendLog) and a trivial in-memory engine
// (MemOnly), all sharing a common KVStore contract: point get/set with
// tombstone deletes, crash recovery from an on-disk data directory, and
// an optional snapshot/restore facility backed by a Replica.
package kvstore

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/oarkflow/convert"
)

// Sentinel errors surfaced at the engine's public entry points. The
// engines attempt no internal retry; callers decide how to react. Only
// S3Replica retries its own object-store requests.
var (
	ErrNotFound       = errors.New("kvstore: key not found")
	ErrEmptyKey       = errors.New("kvstore: key must not be empty")
	ErrKeyTooLarge    = errors.New("kvstore: key exceeds max_key_len")
	ErrValueTooLarge  = errors.New("kvstore: value exceeds max_value_len")
	ErrTypeMismatch   = errors.New("kvstore: data directory holds a different engine type")
	ErrCorrupt        = errors.New("kvstore: corrupt on-disk structure")
	ErrRingFull       = errors.New("kvstore: ring buffer is full")
	ErrRingEmpty      = errors.New("kvstore: ring buffer is empty")
	ErrReplicaMissing = errors.New("kvstore: replica object not found")
)

const (
	// DefaultMaxKeyLen bounds key length; both defaults fit in a
	// single length-prefix byte (ceil(log256(256)) == 1).
	DefaultMaxKeyLen = 255
	// DefaultMaxValueLen bounds value length. The empty value is a
	// tombstone.
	DefaultMaxValueLen = 255

	metadataFile = "metadata"
)

// EngineType tags a data directory so that reopening it with the wrong
// engine implementation fails fast instead of misreading the on-disk
// format.
type EngineType string

const (
	EngineLSMTree   EngineType = "lsmtree"
	EngineHybridLog EngineType = "hybridlog"
	EngineAppendLog EngineType = "appendlog"
	EngineMemOnly   EngineType = "memonly"
)

// KVStore is the contract every engine in this package satisfies.
type KVStore interface {
	// Get returns the value for key, or ErrNotFound if key is absent
	// or was tombstoned.
	Get(key []byte) ([]byte, error)
	// Set stores value under key. An empty value is a tombstone
	// delete.
	Set(key, value []byte) error
	// Close releases all resources, flushing best-effort.
	Close() error
	// Snapshot replicates the current set of run files to the
	// configured Replica, if any, and returns the new global version.
	Snapshot() (int64, error)
	// Restore wipes the local data directory and rebuilds it from the
	// configured Replica. version < 0 means "latest".
	Restore(version int64) (bool, error)
}

// Metadata is the JSON object stored at <data_dir>/metadata. Its Type
// field guards against opening a data directory with an engine
// different from the one that created it.
type Metadata struct {
	Type EngineType `json:"type"`
}

func readMetadata(dataDir string) (*Metadata, error) {
	data, err := os.ReadFile(filepath.Join(dataDir, metadataFile))
	if err != nil {
		return nil, err
	}
	var m Metadata
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("%w: metadata: %v", ErrCorrupt, err)
	}
	return &m, nil
}

func writeMetadata(dataDir string, typ EngineType) error {
	m := Metadata{Type: typ}
	data, err := json.Marshal(m)
	if err != nil {
		return err
	}
	return atomicWriteFile(filepath.Join(dataDir, metadataFile), data)
}

// openDataDir creates dataDir if needed, and checks (or writes) its
// metadata type tag. It returns whether the directory was freshly
// created (no prior metadata).
func openDataDir(dataDir string, typ EngineType) (fresh bool, err error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return false, err
	}
	meta, err := readMetadata(dataDir)
	if err != nil {
		if os.IsNotExist(err) {
			if err := writeMetadata(dataDir, typ); err != nil {
				return false, err
			}
			return true, nil
		}
		return false, err
	}
	if meta.Type != typ {
		return false, fmt.Errorf("%w: directory tagged %q, opened as %q", ErrTypeMismatch, meta.Type, typ)
	}
	return false, nil
}

// atomicWriteFile writes data to path via a temp file in the same
// directory followed by a rename, matching the teacher's SSTable
// write pattern so a crash never leaves a half-written file visible
// under the real name.
func atomicWriteFile(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp.*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}

// validateKV checks the precondition class of errors: empty key and
// oversize key/value fail synchronously with no state change.
func validateKV(key, value []byte, maxKeyLen, maxValueLen int) error {
	if len(key) == 0 {
		return ErrEmptyKey
	}
	if len(key) > maxKeyLen {
		return ErrKeyTooLarge
	}
	if len(value) > maxValueLen {
		return ErrValueTooLarge
	}
	return nil
}

// intOption coerces a free-form config value (as decoded from JSON or
// assembled by a caller from a generic settings map) to an int,
// accepting any numeric or numeric-string representation. Used by the
// engines' FromMap constructors so callers aren't forced to pre-cast
// every field to a concrete Go numeric type.
func intOption(v any, def int) int {
	if v == nil {
		return def
	}
	f, ok := convert.ToFloat64(v)
	if !ok {
		return def
	}
	return int(f)
}

func int64Option(v any, def int64) int64 {
	if v == nil {
		return def
	}
	f, ok := convert.ToFloat64(v)
	if !ok {
		return def
	}
	return int64(f)
}

// runFileName returns the canonical run file name for (level, run,
// ext), e.g. "L0.3.run" or "L1.0.filter".
func runFileName(level, run int, ext string) string {
	return fmt.Sprintf("L%d.%d.%s", level, run, ext)
}
