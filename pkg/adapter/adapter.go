package adapter

import (
	"context"
	"fmt"

	"github.com/cuemby/foreman/pkg/effect"
	"github.com/cuemby/foreman/pkg/event"
	"github.com/cuemby/foreman/pkg/types"
)

// EventTx is where an adapter's event-bridge tasks push engine events.
// Bridges run outside the event loop's sequential discipline; the loop
// serializes application.
type EventTx interface {
	Emit(ev event.Event) (uint64, error)
}

// Usage is the optional resource accounting an agent may report.
type Usage struct {
	InputTokens  int64 `json:"input_tokens,omitempty"`
	OutputTokens int64 `json:"output_tokens,omitempty"`
	CostCents    int64 `json:"cost_cents,omitempty"`
}

// Adapter is the capability set the engine consumes for external agent
// processes. Concrete implementations (local sidecar, container, remote
// pod) live behind this interface; the engine never touches a process
// directly.
type Adapter interface {
	// Spawn starts the agent and its event bridge, returning the runtime
	// handle persisted for reconnection.
	Spawn(ctx context.Context, spec effect.SpawnAgent) (*types.AgentRuntime, error)
	// Reconnect reattaches to a surviving process from a persisted runtime
	// handle and restarts the event bridge.
	Reconnect(ctx context.Context, agentID types.AgentID, rt *types.AgentRuntime) error
	Send(agentID types.AgentID, input string) error
	Respond(agentID types.AgentID, response string) error
	Kill(agentID types.AgentID) error
	ResolveStop(agentID types.AgentID) error
	IsAlive(agentID types.AgentID) bool
	// GetState reports the adapter's own view of the agent; the engine's
	// authoritative monitor state lives in materialized state.
	GetState(agentID types.AgentID) (types.AgentState, error)
	LastMessage(agentID types.AgentID) string
	CaptureOutput(agentID types.AgentID, lines int) (string, error)
	FetchTranscript(agentID types.AgentID) (string, error)
	FetchUsage(agentID types.AgentID) (*Usage, error)
}

// Kind names a concrete adapter implementation.
type Kind string

const (
	KindLocal Kind = "local"
)

// Router picks the adapter for a runtime kind. It is a closed tagged
// dispatch, not an open registry.
type Router struct {
	Local *Local
}

// NewRouter builds a router over the configured adapters.
func NewRouter(local *Local) *Router {
	return &Router{Local: local}
}

func (r *Router) pick(kind string) (Adapter, error) {
	switch Kind(kind) {
	case KindLocal, "":
		if r.Local == nil {
			return nil, fmt.Errorf("local adapter not configured")
		}
		return r.Local, nil
	}
	return nil, fmt.Errorf("unknown adapter kind %q", kind)
}

// Spawn routes to the local adapter; the container knob is handled inside
// it (the process is wrapped, the bridge protocol is identical).
func (r *Router) Spawn(ctx context.Context, spec effect.SpawnAgent) (*types.AgentRuntime, error) {
	a, err := r.pick(string(KindLocal))
	if err != nil {
		return nil, err
	}
	return a.Spawn(ctx, spec)
}

// Reconnect routes by the persisted runtime kind.
func (r *Router) Reconnect(ctx context.Context, agentID types.AgentID, rt *types.AgentRuntime) error {
	a, err := r.pick(rt.Kind)
	if err != nil {
		return err
	}
	return a.Reconnect(ctx, agentID, rt)
}

func (r *Router) Send(id types.AgentID, input string) error {
	return r.each(func(a Adapter) error { return a.Send(id, input) })
}

func (r *Router) Respond(id types.AgentID, response string) error {
	return r.each(func(a Adapter) error { return a.Respond(id, response) })
}

func (r *Router) Kill(id types.AgentID) error {
	return r.each(func(a Adapter) error { return a.Kill(id) })
}

func (r *Router) ResolveStop(id types.AgentID) error {
	return r.each(func(a Adapter) error { return a.ResolveStop(id) })
}

func (r *Router) IsAlive(id types.AgentID) bool {
	return r.Local != nil && r.Local.IsAlive(id)
}

func (r *Router) GetState(id types.AgentID) (types.AgentState, error) {
	a, err := r.pick(string(KindLocal))
	if err != nil {
		return "", err
	}
	return a.GetState(id)
}

func (r *Router) LastMessage(id types.AgentID) string {
	if r.Local == nil {
		return ""
	}
	return r.Local.LastMessage(id)
}

func (r *Router) CaptureOutput(id types.AgentID, lines int) (string, error) {
	a, err := r.pick(string(KindLocal))
	if err != nil {
		return "", err
	}
	return a.CaptureOutput(id, lines)
}

func (r *Router) FetchTranscript(id types.AgentID) (string, error) {
	a, err := r.pick(string(KindLocal))
	if err != nil {
		return "", err
	}
	return a.FetchTranscript(id)
}

func (r *Router) FetchUsage(id types.AgentID) (*Usage, error) {
	a, err := r.pick(string(KindLocal))
	if err != nil {
		return nil, err
	}
	return a.FetchUsage(id)
}

func (r *Router) each(fn func(Adapter) error) error {
	a, err := r.pick(string(KindLocal))
	if err != nil {
		return err
	}
	return fn(a)
}
