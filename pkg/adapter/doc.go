// Package adapter bridges the engine to external agent processes.
//
// The engine consumes the Adapter capability interface; Router dispatches
// to concrete implementations by runtime kind. Local drives sidecar
// processes on this host over a per-agent unix socket with a
// newline-delimited JSON protocol; each spawned agent gets an independent
// event-bridge task that translates sidecar messages into engine events.
// DockerRunner executes one-shot containerized commands for shell steps.
//
// Agent processes intentionally survive daemon exit; reconciliation redials
// their sockets on restart.
package adapter
