package workspace

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/foreman/pkg/effect"
	"github.com/cuemby/foreman/pkg/engine"
	"github.com/cuemby/foreman/pkg/log"
	"github.com/cuemby/foreman/pkg/types"
)

// provisionTimeout bounds a single workspace create or delete.
const provisionTimeout = 60 * time.Second

// Manager provisions per-job working directories: plain folders (optionally
// seeded from a source path) or git worktrees.
type Manager struct {
	root   string
	logger zerolog.Logger
}

// NewManager creates a manager rooted at dir.
func NewManager(root string) *Manager {
	return &Manager{root: root, logger: log.WithComponent("workspace")}
}

var _ engine.WorkspaceManager = (*Manager)(nil)

// Create provisions the workspace described by spec.
func (m *Manager) Create(ctx context.Context, spec effect.CreateWorkspace) error {
	ctx, cancel := context.WithTimeout(ctx, provisionTimeout)
	defer cancel()

	if err := os.MkdirAll(filepath.Dir(spec.Path), 0o755); err != nil {
		return fmt.Errorf("create workspace parent: %w", err)
	}

	switch spec.WsKind {
	case types.WorkspaceWorktree:
		return m.createWorktree(ctx, spec)
	default:
		return m.createFolder(ctx, spec)
	}
}

func (m *Manager) createFolder(ctx context.Context, spec effect.CreateWorkspace) error {
	if err := os.MkdirAll(spec.Path, 0o755); err != nil {
		return fmt.Errorf("create workspace dir: %w", err)
	}
	if spec.SourcePath == "" {
		return nil
	}
	// Seed from the source folder.
	cmd := exec.CommandContext(ctx, "cp", "-a", spec.SourcePath+string(filepath.Separator)+".", spec.Path)
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("seed workspace from %s: %w: %s", spec.SourcePath, err, strings.TrimSpace(string(out)))
	}
	return nil
}

func (m *Manager) createWorktree(ctx context.Context, spec effect.CreateWorkspace) error {
	repo := spec.Repo
	if repo == "" {
		repo = spec.SourcePath
	}
	if repo == "" {
		return fmt.Errorf("git workspace needs a repo or source path")
	}
	ref := spec.Ref
	if ref == "" {
		ref = "HEAD"
	}
	args := []string{"-C", repo, "worktree", "add", "--detach", spec.Path, ref}
	if spec.Branch != "" {
		args = []string{"-C", repo, "worktree", "add", "-b", spec.Branch, spec.Path, ref}
	}
	cmd := exec.CommandContext(ctx, "git", args...)
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("git worktree add: %w: %s", err, strings.TrimSpace(string(out)))
	}
	return nil
}

// Delete removes the workspace directory, detaching a git worktree first
// when one is present.
func (m *Manager) Delete(ctx context.Context, id types.WorkspaceID, path string) error {
	ctx, cancel := context.WithTimeout(ctx, provisionTimeout)
	defer cancel()

	if path == "" {
		path = filepath.Join(m.root, string(id))
	}
	if !strings.HasPrefix(filepath.Clean(path), filepath.Clean(m.root)) {
		return fmt.Errorf("refusing to delete workspace outside root: %s", path)
	}

	// A worktree checkout carries a .git file pointing at the parent repo.
	if gitFile, err := os.Stat(filepath.Join(path, ".git")); err == nil && !gitFile.IsDir() {
		cmd := exec.CommandContext(ctx, "git", "-C", path, "worktree", "remove", "--force", path)
		if out, err := cmd.CombinedOutput(); err != nil {
			m.logger.Warn().Err(err).Str("out", strings.TrimSpace(string(out))).Msg("git worktree remove failed, removing directory")
		}
	}
	if err := os.RemoveAll(path); err != nil {
		return fmt.Errorf("remove workspace: %w", err)
	}
	return nil
}

// Prune removes workspace directories under the root that are not in the
// keep set. Used by the workspace prune IPC operation.
func (m *Manager) Prune(ctx context.Context, keep map[types.WorkspaceID]bool) ([]string, error) {
	entries, err := os.ReadDir(m.root)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read workspaces root: %w", err)
	}
	var removed []string
	for _, ent := range entries {
		if !ent.IsDir() {
			continue
		}
		id := types.WorkspaceID(ent.Name())
		if keep[id] {
			continue
		}
		if err := m.Delete(ctx, id, filepath.Join(m.root, ent.Name())); err != nil {
			m.logger.Warn().Err(err).Str("workspace_id", ent.Name()).Msg("Prune failed for workspace")
			continue
		}
		removed = append(removed, ent.Name())
		if ctx.Err() != nil {
			break
		}
	}
	return removed, nil
}
