package snapshot

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/cuemby/foreman/pkg/metrics"
	"github.com/cuemby/foreman/pkg/state"
)

// CheckpointWriter separates the I/O steps of a checkpoint so tests can
// verify ordering, inject failures at any step, and run without a
// filesystem.
type CheckpointWriter interface {
	// WriteTemp writes the compressed blob to temporary storage durably.
	WriteTemp(blob []byte) error
	// Commit atomically publishes the temporary blob as the snapshot.
	Commit() error
}

// WALTruncator is the slice of the WAL the checkpointer needs.
type WALTruncator interface {
	TruncateBefore(seq uint64) error
	Flush() error
}

// StateSource produces a consistent (clone, processed-seq) pair. The
// implementation holds the state lock only long enough to clone.
type StateSource interface {
	CloneState() (*state.State, uint64, error)
}

// Checkpointer writes periodic compacted checkpoints.
//
// The ordering is crash-safe: the WAL is truncated strictly after the new
// snapshot is durable on the directory, so a crash between any two steps
// never loses state.
type Checkpointer struct {
	Source StateSource
	Writer CheckpointWriter
	WAL    WALTruncator
	Now    func() time.Time
}

// Run performs one checkpoint cycle.
func (c *Checkpointer) Run() error {
	timer := metrics.NewTimer()

	st, seq, err := c.Source.CloneState()
	if err != nil {
		return fmt.Errorf("checkpoint clone: %w", err)
	}
	if seq == 0 {
		return nil
	}

	// Make pending appends durable before compacting up to seq.
	if err := c.WAL.Flush(); err != nil {
		return fmt.Errorf("checkpoint wal flush: %w", err)
	}

	raw, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("checkpoint serialize: %w", err)
	}
	now := time.Now
	if c.Now != nil {
		now = c.Now
	}
	blob, err := Encode(&Snapshot{
		Version:   Version,
		Seq:       seq,
		State:     raw,
		CreatedAt: now().UTC(),
	})
	if err != nil {
		return err
	}

	if err := c.Writer.WriteTemp(blob); err != nil {
		return err
	}
	if err := c.Writer.Commit(); err != nil {
		return err
	}

	// Only after the snapshot is durable: drop the compacted WAL prefix.
	if err := c.WAL.TruncateBefore(seq + 1); err != nil {
		return fmt.Errorf("checkpoint truncate: %w", err)
	}

	metrics.SnapshotsWritten.Inc()
	timer.ObserveDuration(metrics.SnapshotDuration)
	return nil
}
