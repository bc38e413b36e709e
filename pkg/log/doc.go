// Package log provides the daemon's structured logging built on zerolog.
//
// A single global logger is initialized once at startup and child loggers
// are derived per component. The daemon log file is size-rotated with one
// .old generation; LOG_STDOUT=1 mirrors output to stdout.
package log
