package workspace

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/foreman/pkg/effect"
	"github.com/cuemby/foreman/pkg/log"
	"github.com/cuemby/foreman/pkg/types"
)

func TestMain(m *testing.M) {
	log.Init(log.Config{Level: log.ErrorLevel})
	os.Exit(m.Run())
}

func TestCreateFolderSeedsFromSource(t *testing.T) {
	root := t.TempDir()
	src := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(src, "file.txt"), []byte("data"), 0o644))

	m := NewManager(root)
	wsID := types.NewWorkspaceID()
	path := filepath.Join(root, string(wsID))
	require.NoError(t, m.Create(context.Background(), effect.CreateWorkspace{
		WorkspaceID: wsID,
		Path:        path,
		WsKind:      types.WorkspaceFolder,
		SourcePath:  src,
	}))

	data, err := os.ReadFile(filepath.Join(path, "file.txt"))
	require.NoError(t, err)
	assert.Equal(t, "data", string(data))
}

func TestCreateBareFolder(t *testing.T) {
	root := t.TempDir()
	m := NewManager(root)
	wsID := types.NewWorkspaceID()
	path := filepath.Join(root, string(wsID))
	require.NoError(t, m.Create(context.Background(), effect.CreateWorkspace{
		WorkspaceID: wsID,
		Path:        path,
		WsKind:      types.WorkspaceFolder,
	}))
	st, err := os.Stat(path)
	require.NoError(t, err)
	assert.True(t, st.IsDir())
}

func TestDeleteRefusesOutsideRoot(t *testing.T) {
	root := t.TempDir()
	outside := t.TempDir()
	m := NewManager(root)
	err := m.Delete(context.Background(), types.NewWorkspaceID(), outside)
	assert.Error(t, err)
	_, statErr := os.Stat(outside)
	assert.NoError(t, statErr, "outside directory untouched")
}

func TestDeleteRemovesWorkspace(t *testing.T) {
	root := t.TempDir()
	m := NewManager(root)
	wsID := types.NewWorkspaceID()
	path := filepath.Join(root, string(wsID))
	require.NoError(t, os.MkdirAll(path, 0o755))

	require.NoError(t, m.Delete(context.Background(), wsID, path))
	_, err := os.Stat(path)
	assert.True(t, os.IsNotExist(err))
}

func TestPruneKeepsOwnedWorkspaces(t *testing.T) {
	root := t.TempDir()
	m := NewManager(root)

	kept := types.NewWorkspaceID()
	orphan := types.NewWorkspaceID()
	require.NoError(t, os.MkdirAll(filepath.Join(root, string(kept)), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(root, string(orphan)), 0o755))

	removed, err := m.Prune(context.Background(), map[types.WorkspaceID]bool{kept: true})
	require.NoError(t, err)
	assert.Equal(t, []string{string(orphan)}, removed)

	_, err = os.Stat(filepath.Join(root, string(kept)))
	assert.NoError(t, err)
}
