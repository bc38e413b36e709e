package activitylog

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/foreman/pkg/log"
	"github.com/cuemby/foreman/pkg/types"
)

func TestMain(m *testing.M) {
	log.Init(log.Config{Level: log.ErrorLevel})
	os.Exit(m.Run())
}

func TestWriterAppendsPerEntity(t *testing.T) {
	root := t.TempDir()
	w := NewWriter(root)
	defer w.Close()

	jobID := types.NewJobID()
	w.Job(jobID, "step %s started", "compile")
	w.Job(jobID, "step %s completed", "compile")
	w.Queue("proj", "jobs", "item %s pushed", "it-1")
	w.Cron("proj", "nightly", "fired")

	data, err := os.ReadFile(filepath.Join(root, "jobs", string(jobID)+".log"))
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], "step compile started")
	assert.Contains(t, lines[1], "step compile completed")

	_, err = os.Stat(filepath.Join(root, "queues", "proj", "jobs.log"))
	assert.NoError(t, err)
	_, err = os.Stat(filepath.Join(root, "crons", "proj", "nightly.log"))
	assert.NoError(t, err)
}

func TestWriterReusesHandles(t *testing.T) {
	root := t.TempDir()
	w := NewWriter(root)
	defer w.Close()

	agentID := types.NewAgentID()
	for i := 0; i < 10; i++ {
		w.Agent(agentID, "line %d", i)
	}
	data, err := os.ReadFile(filepath.Join(root, "agents", string(agentID)+".log"))
	require.NoError(t, err)
	assert.Len(t, strings.Split(strings.TrimSpace(string(data)), "\n"), 10)
}
