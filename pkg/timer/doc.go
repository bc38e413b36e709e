// Package timer provides the scheduler: a map from structured timer ids to
// deadlines. Ids encode their purpose and parameters and round-trip through
// text because they ride inside persisted timer events. Timers are one-shot;
// periodic behavior is the handler re-setting the timer on fire. The
// scheduler is rebuilt from log replay, never persisted.
package timer
