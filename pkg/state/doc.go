// Package state holds the materialized in-memory projection of the event
// log and its deterministic Apply function. Replaying the same event
// sequence from empty state always reproduces the same state; that is the
// whole recovery story.
package state
