// Package workspace provisions and removes per-job working directories:
// plain folders optionally seeded from a source path, or git worktrees.
package workspace
