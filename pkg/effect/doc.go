// Package effect defines side effects as data. Handlers return effects; the
// executor interprets them, inline for the cheap ones and via background
// tasks for I/O. Name and Fields exist for tracing.
package effect
