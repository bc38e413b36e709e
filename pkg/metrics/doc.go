// Package metrics defines the daemon's Prometheus instrumentation.
package metrics
