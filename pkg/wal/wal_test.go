package wal

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/foreman/pkg/event"
	"github.com/cuemby/foreman/pkg/log"
	"github.com/cuemby/foreman/pkg/types"
)

func TestMain(m *testing.M) {
	log.Init(log.Config{Level: log.ErrorLevel})
	os.Exit(m.Run())
}

func openTemp(t *testing.T) (*Log, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "wal.log")
	l, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	return l, path
}

func pushEvent(t *testing.T, l *Log, queue, item string) uint64 {
	t.Helper()
	seq, err := l.Append(&event.QueuePushed{Namespace: "p", Queue: queue, ItemID: item})
	require.NoError(t, err)
	return seq
}

func TestAppendFlushScanRoundTrip(t *testing.T) {
	l, _ := openTemp(t)

	seq1 := pushEvent(t, l, "q", "a")
	seq2 := pushEvent(t, l, "q", "b")
	assert.Equal(t, seq1+1, seq2)

	// Not durable until flush.
	records, err := l.Scan()
	require.NoError(t, err)
	assert.Empty(t, records)

	require.NoError(t, l.Flush())
	records, err = l.Scan()
	require.NoError(t, err)
	require.Len(t, records, 2)

	ev, err := DecodeEvent(records[0])
	require.NoError(t, err)
	pushed, ok := ev.(*event.QueuePushed)
	require.True(t, ok)
	assert.Equal(t, "a", pushed.ItemID)
}

func TestSequencesAreMonotonicAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "wal.log")
	l, err := Open(path)
	require.NoError(t, err)

	var last uint64
	for i := 0; i < 10; i++ {
		seq := pushEvent(t, l, "q", "x")
		assert.Greater(t, seq, last)
		last = seq
	}
	require.NoError(t, l.Close())

	// Reopen continues after the persisted tail, never repeating.
	l2, err := Open(path)
	require.NoError(t, err)
	defer l2.Close()
	seq := pushEvent(t, l2, "q", "y")
	assert.Greater(t, seq, last)
}

func TestTruncateBefore(t *testing.T) {
	l, _ := openTemp(t)
	for i := 0; i < 5; i++ {
		pushEvent(t, l, "q", "x")
	}
	require.NoError(t, l.Flush())

	require.NoError(t, l.TruncateBefore(4))
	records, err := l.Scan()
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.EqualValues(t, 4, records[0].Seq)
	assert.EqualValues(t, 5, records[1].Seq)

	// Appends after truncation continue the old numbering.
	seq := pushEvent(t, l, "q", "z")
	assert.EqualValues(t, 6, seq)
	require.NoError(t, l.Flush())
	records, err = l.Scan()
	require.NoError(t, err)
	assert.Len(t, records, 3)
}

func TestTruncateBeyondTailEmptiesLog(t *testing.T) {
	l, _ := openTemp(t)
	pushEvent(t, l, "q", "a")
	require.NoError(t, l.Flush())

	require.NoError(t, l.TruncateBefore(100))
	records, err := l.Scan()
	require.NoError(t, err)
	assert.Empty(t, records)

	// Still usable afterwards.
	seq := pushEvent(t, l, "q", "b")
	assert.EqualValues(t, 2, seq)
}

func TestCorruptTrailingLineIsDiscarded(t *testing.T) {
	path := filepath.Join(t.TempDir(), "wal.log")
	l, err := Open(path)
	require.NoError(t, err)
	pushEvent(t, l, "q", "a")
	pushEvent(t, l, "q", "b")
	require.NoError(t, l.Flush())
	require.NoError(t, l.Close())

	// Simulate a torn write at the tail.
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString(`{"seq":3,"event":{"type":"queue:push`)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	l2, err := Open(path)
	require.NoError(t, err)
	defer l2.Close()

	records, err := l2.Scan()
	require.NoError(t, err)
	require.Len(t, records, 2, "only the torn line is lost")

	// The damaged file was rotated aside.
	_, err = os.Stat(path + ".bak")
	assert.NoError(t, err)

	// New appends continue after the valid prefix.
	seq := pushEvent(t, l2, "q", "c")
	assert.EqualValues(t, 3, seq)
}

func TestMarkProcessed(t *testing.T) {
	l, _ := openTemp(t)
	assert.Zero(t, l.ProcessedSeq())
	l.MarkProcessed(5)
	l.MarkProcessed(3) // never regresses
	assert.EqualValues(t, 5, l.ProcessedSeq())
}

func TestFlushThresholdSignal(t *testing.T) {
	l, _ := openTemp(t)
	l.SetFlushThreshold(3)

	pushEvent(t, l, "q", "a")
	pushEvent(t, l, "q", "b")
	select {
	case <-l.FlushRequests():
		t.Fatal("threshold signalled too early")
	default:
	}

	pushEvent(t, l, "q", "c")
	select {
	case <-l.FlushRequests():
	default:
		t.Fatal("threshold crossing did not signal")
	}
}

func TestAppendEncodesOwnerIDs(t *testing.T) {
	l, _ := openTemp(t)
	owner := types.OwnerJob(types.NewJobID())
	_, err := l.Append(&event.ShellExited{Owner: owner, Step: "s", ExitCode: 0})
	require.NoError(t, err)
	require.NoError(t, l.Flush())

	records, err := l.Scan()
	require.NoError(t, err)
	ev, err := DecodeEvent(records[0])
	require.NoError(t, err)
	assert.Equal(t, owner, ev.(*event.ShellExited).Owner)
}
