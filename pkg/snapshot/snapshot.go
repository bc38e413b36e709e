package snapshot

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/klauspost/compress/zstd"

	"github.com/cuemby/foreman/pkg/log"
)

// Version is the current snapshot schema version. Loading applies the
// migration chain from the stored version up to this one.
const Version uint32 = 1

// ErrTooNew reports a snapshot written by a newer daemon.
var ErrTooNew = errors.New("snapshot schema version is newer than this daemon")

// Snapshot is the decompressed checkpoint payload.
type Snapshot struct {
	Version   uint32          `json:"version"`
	Seq       uint64          `json:"seq"`
	State     json.RawMessage `json:"state"`
	CreatedAt time.Time       `json:"created_at"`
}

// Migration moves a raw snapshot payload one schema version forward.
type Migration func(*Snapshot) error

// migrations[v] upgrades a version-v snapshot to v+1. Decode walks the chain
// from the stored version, so every version below Version needs a step.
var migrations = map[uint32]Migration{}

// RegisterMigration installs the upgrade step from version v to v+1.
func RegisterMigration(v uint32, m Migration) {
	migrations[v] = m
}

// Encode serializes and compresses a snapshot (zstd level 3). Snapshots are
// always compressed; Decode assumes compression.
func Encode(s *Snapshot) ([]byte, error) {
	payload, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("encode snapshot: %w", err)
	}
	var buf bytes.Buffer
	enc, err := zstd.NewWriter(&buf, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("create compressor: %w", err)
	}
	if _, err := enc.Write(payload); err != nil {
		enc.Close()
		return nil, fmt.Errorf("compress snapshot: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("finish compression: %w", err)
	}
	return buf.Bytes(), nil
}

// Decode decompresses and parses a snapshot blob, then applies the forward
// migration chain. A version newer than the daemon fails with ErrTooNew; a
// missing migration step fails hard — silent data loss is unacceptable
// because the truncated WAL cannot recover the pre-snapshot state.
func Decode(blob []byte) (*Snapshot, error) {
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("create decompressor: %w", err)
	}
	defer dec.Close()
	payload, err := dec.DecodeAll(blob, nil)
	if err != nil {
		return nil, fmt.Errorf("decompress snapshot: %w", err)
	}
	var s Snapshot
	if err := json.Unmarshal(payload, &s); err != nil {
		return nil, fmt.Errorf("parse snapshot: %w", err)
	}
	if s.Version > Version {
		return nil, fmt.Errorf("%w: snapshot v%d, daemon v%d", ErrTooNew, s.Version, Version)
	}
	for v := s.Version; v < Version; v++ {
		m, ok := migrations[v]
		if !ok {
			return nil, fmt.Errorf("no migration from snapshot version %d", v)
		}
		if err := m(&s); err != nil {
			return nil, fmt.Errorf("migrate snapshot v%d: %w", v, err)
		}
		s.Version = v + 1
	}
	return &s, nil
}

// Store loads and rotates snapshot files in the state directory.
type Store struct {
	path string
}

// NewStore creates a store for the snapshot file at path.
func NewStore(path string) *Store {
	return &Store{path: path}
}

// Path returns the snapshot file path.
func (st *Store) Path() string { return st.path }

// Load reads the latest snapshot. A missing file returns (nil, nil). A
// malformed snapshot is rotated to .bak and the caller falls back to
// WAL-only replay; an unknown or future schema version is fatal.
func (st *Store) Load() (*Snapshot, error) {
	blob, err := os.ReadFile(st.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read snapshot: %w", err)
	}
	s, err := Decode(blob)
	if err != nil {
		if errors.Is(err, ErrTooNew) {
			return nil, err
		}
		log.WithComponent("snapshot").Warn().Err(err).Msg("Rotating malformed snapshot, falling back to WAL replay")
		if rerr := os.Rename(st.path, st.path+".bak"); rerr != nil && !os.IsNotExist(rerr) {
			return nil, fmt.Errorf("rotate malformed snapshot: %w", rerr)
		}
		return nil, nil
	}
	return s, nil
}

// FSWriter is the filesystem CheckpointWriter.
type FSWriter struct {
	path string
}

// NewFSWriter creates a writer targeting the snapshot file at path.
func NewFSWriter(path string) *FSWriter { return &FSWriter{path: path} }

// WriteTemp writes the compressed blob to the temporary file and syncs it.
func (w *FSWriter) WriteTemp(blob []byte) error {
	tmp := w.path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("create snapshot temp: %w", err)
	}
	if _, err := f.Write(blob); err != nil {
		f.Close()
		return fmt.Errorf("write snapshot temp: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("sync snapshot temp: %w", err)
	}
	return f.Close()
}

// Commit renames the temporary file over the snapshot and syncs the
// directory, making the checkpoint durable.
func (w *FSWriter) Commit() error {
	if err := os.Rename(w.path+".tmp", w.path); err != nil {
		return fmt.Errorf("rename snapshot: %w", err)
	}
	d, err := os.Open(filepath.Dir(w.path))
	if err != nil {
		return fmt.Errorf("open snapshot dir: %w", err)
	}
	defer d.Close()
	if err := d.Sync(); err != nil {
		return fmt.Errorf("sync snapshot dir: %w", err)
	}
	return nil
}
