package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/foreman/pkg/effect"
	"github.com/cuemby/foreman/pkg/event"
	"github.com/cuemby/foreman/pkg/log"
	"github.com/cuemby/foreman/pkg/metrics"
	"github.com/cuemby/foreman/pkg/timer"
	"github.com/cuemby/foreman/pkg/types"
)

// AgentRunner is the adapter surface the executor drives. Implementations
// own their event-bridge tasks and report state transitions as events on
// the engine's pending queue.
type AgentRunner interface {
	Spawn(ctx context.Context, spec effect.SpawnAgent) (*types.AgentRuntime, error)
	Send(agentID types.AgentID, input string) error
	Respond(agentID types.AgentID, response string) error
	Kill(agentID types.AgentID) error
	ResolveStop(agentID types.AgentID) error
}

// WorkspaceManager provisions and removes per-job working directories.
type WorkspaceManager interface {
	Create(ctx context.Context, spec effect.CreateWorkspace) error
	Delete(ctx context.Context, id types.WorkspaceID, path string) error
}

// ShellResult is what a finished shell run reports.
type ShellResult struct {
	ExitCode   int
	StdoutTail string
	StderrTail string
	Err        error
}

// ShellRunner executes shell effects. Run blocks until the command exits;
// CancelOwner aborts every in-flight run for an owner.
type ShellRunner interface {
	Run(ctx context.Context, spec effect.Shell) ShellResult
	CancelOwner(owner types.OwnerID)
}

// QueueCommander runs external queue list/take commands.
type QueueCommander interface {
	List(ctx context.Context, command, cwd string) ([]event.ExternalItem, error)
	Take(ctx context.Context, command, cwd, itemID, payload string) error
}

// Notifier delivers desktop notifications. Failures are observability-only
// and are swallowed.
type Notifier interface {
	Send(title, message string) error
}

// Emitter is the slice of the engine the executor needs to hand completion
// events back.
type Emitter interface {
	Emit(ev event.Event) (uint64, error)
}

// TimerSink is the slice of the scheduler the executor needs.
type TimerSink interface {
	Set(id timer.ID, deadline time.Time)
	Cancel(id timer.ID)
	CancelOwner(owner types.OwnerID)
}

// Executor classifies effects as inline or deferred and runs them. Inline
// effects complete before Execute returns; deferred effects spawn a
// background task that owns its own I/O and emits a result event when it
// finishes, success or failure. Execution is sequential within one event's
// batch; each Execute call is fast because slow work is deferred.
type Executor struct {
	emitter    Emitter
	sched      TimerSink
	clock      Clock
	agents     AgentRunner
	workspaces WorkspaceManager
	shells     ShellRunner
	queues     QueueCommander
	notifier   Notifier
	base       context.Context
	logger     zerolog.Logger
}

// NewExecutor wires an executor. base bounds the lifetime of all deferred
// tasks; cancelling it on shutdown abandons in-flight work.
func NewExecutor(base context.Context, em Emitter, sched TimerSink, clock Clock,
	agents AgentRunner, workspaces WorkspaceManager, shells ShellRunner,
	queues QueueCommander, notifier Notifier) *Executor {
	return &Executor{
		emitter:    em,
		sched:      sched,
		clock:      clock,
		agents:     agents,
		workspaces: workspaces,
		shells:     shells,
		queues:     queues,
		notifier:   notifier,
		base:       base,
		logger:     log.WithComponent("executor"),
	}
}

// Execute runs one effect.
func (x *Executor) Execute(eff effect.Effect) error {
	metrics.EffectsExecuted.WithLabelValues(eff.Name()).Inc()
	t := metrics.NewTimer()
	defer t.ObserveDurationVec(metrics.EffectDuration, eff.Name())

	x.logger.Debug().Str("effect", eff.Name()).Fields(toAny(eff.Fields())).Msg("Executing effect")

	switch e := eff.(type) {
	// Inline.
	case effect.Emit:
		_, err := x.emitter.Emit(e.Event)
		return err
	case effect.SetTimer:
		x.sched.Set(e.ID, x.clock.Now().Add(e.After))
		return nil
	case effect.CancelTimer:
		x.sched.Cancel(e.ID)
		return nil
	case effect.CancelOwnerTimers:
		x.sched.CancelOwner(e.Owner)
		return nil
	case effect.CancelShell:
		x.shells.CancelOwner(e.Owner)
		return nil
	case effect.Notify:
		go func() {
			if err := x.notifier.Send(e.Title, e.Message); err != nil {
				x.logger.Debug().Err(err).Msg("Notification failed")
			}
		}()
		return nil

	// Deferred: spawn, complete via result event.
	case effect.Shell:
		go x.runShell(e)
		return nil
	case effect.CreateWorkspace:
		go x.runCreateWorkspace(e)
		return nil
	case effect.DeleteWorkspace:
		go x.runDeleteWorkspace(e)
		return nil
	case effect.SpawnAgent:
		go x.runSpawnAgent(e)
		return nil
	case effect.SendToAgent:
		go x.fireAndForget("send_to_agent", func() error { return x.agents.Send(e.AgentID, e.Input) })
		return nil
	case effect.RespondToAgent:
		go x.fireAndForget("respond_to_agent", func() error { return x.agents.Respond(e.AgentID, e.Response) })
		return nil
	case effect.KillAgent:
		go x.fireAndForget("kill_agent", func() error { return x.agents.Kill(e.AgentID) })
		return nil
	case effect.ResolveStop:
		go x.fireAndForget("resolve_stop", func() error { return x.agents.ResolveStop(e.AgentID) })
		return nil
	case effect.PollQueue:
		go x.runPollQueue(e)
		return nil
	case effect.TakeQueueItem:
		go x.runTakeQueueItem(e)
		return nil
	}
	return fmt.Errorf("unknown effect %q", eff.Name())
}

func (x *Executor) emit(ev event.Event) {
	if _, err := x.emitter.Emit(ev); err != nil {
		x.logger.Error().Err(err).Str("event", ev.Kind()).Msg("Failed to emit result event")
	}
}

func (x *Executor) fireAndForget(name string, fn func() error) {
	if err := fn(); err != nil {
		x.logger.Warn().Err(err).Str("effect", name).Msg("Adapter call failed")
	}
}

func (x *Executor) runShell(e effect.Shell) {
	res := x.shells.Run(x.base, e)
	out := &event.ShellExited{
		Owner:      e.Owner,
		Step:       e.Step,
		ExitCode:   res.ExitCode,
		StdoutTail: res.StdoutTail,
		StderrTail: res.StderrTail,
	}
	if res.Err != nil {
		out.Error = res.Err.Error()
		if out.ExitCode == 0 {
			out.ExitCode = -1
		}
	}
	x.emit(out)
}

func (x *Executor) runCreateWorkspace(e effect.CreateWorkspace) {
	if err := x.workspaces.Create(x.base, e); err != nil {
		x.emit(&event.WorkspaceFailed{WorkspaceID: e.WorkspaceID, Error: err.Error()})
		return
	}
	x.emit(&event.WorkspaceReady{WorkspaceID: e.WorkspaceID})
}

func (x *Executor) runDeleteWorkspace(e effect.DeleteWorkspace) {
	if err := x.workspaces.Delete(x.base, e.WorkspaceID, e.Path); err != nil {
		x.logger.Warn().Err(err).Str("workspace_id", string(e.WorkspaceID)).Msg("Workspace delete failed")
	}
	x.emit(&event.WorkspaceDeleted{WorkspaceID: e.WorkspaceID})
}

func (x *Executor) runSpawnAgent(e effect.SpawnAgent) {
	rt, err := x.agents.Spawn(x.base, e)
	if err != nil {
		x.emit(&event.AgentSpawnFailed{AgentID: e.AgentID, Error: err.Error()})
		return
	}
	x.emit(&event.AgentSpawned{AgentID: e.AgentID, Runtime: rt})
}

func (x *Executor) runPollQueue(e effect.PollQueue) {
	items, err := x.queues.List(x.base, e.ListCommand, e.Cwd)
	out := &event.WorkerPolled{Namespace: e.Namespace, Name: e.Worker, Items: items}
	if err != nil {
		out.Error = err.Error()
		out.Items = nil
	}
	x.emit(out)
}

func (x *Executor) runTakeQueueItem(e effect.TakeQueueItem) {
	err := x.queues.Take(x.base, e.TakeCommand, e.Cwd, e.ItemID, e.Payload)
	x.emit(&event.WorkerTook{
		Namespace: e.Namespace,
		Name:      e.Worker,
		ItemID:    e.ItemID,
		Success:   err == nil,
	})
}

func toAny(in map[string]string) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
