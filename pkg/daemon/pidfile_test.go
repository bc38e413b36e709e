package daemon

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAcquirePIDExclusive(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pid")

	p, err := AcquirePID(path)
	require.NoError(t, err)

	pid, err := ReadPID(path)
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), pid)

	// A second daemon against the same state dir fails fast.
	_, err = AcquirePID(path)
	assert.Error(t, err)

	require.NoError(t, p.Release())
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))

	// After release the lock is available again.
	p2, err := AcquirePID(path)
	require.NoError(t, err)
	require.NoError(t, p2.Release())
}

func TestReadPIDMalformed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pid")
	require.NoError(t, os.WriteFile(path, []byte("not a pid"), 0o644))
	_, err := ReadPID(path)
	assert.Error(t, err)
}
