/*
Package snapshot stores compressed checkpoints of the materialized state.

A snapshot is a zstd-compressed JSON payload carrying a schema version, the
sequence it covers, and the full state. The checkpoint protocol clones the
state under a brief lock, serializes and writes outside any lock, publishes
with rename + directory sync, and only then truncates the WAL — a crash
between any two steps never loses state.

Snapshots migrate forward on load. A missing migration step or a version
newer than the daemon refuses to start: with the WAL truncated, silently
dropping a snapshot would lose state.
*/
package snapshot
