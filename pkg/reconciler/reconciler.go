// Package reconciler re-establishes live external resources after a
// restart: surviving agent processes are reattached, lost ones declared
// gone, workers and crons re-initialized, stale workspaces scheduled for
// deletion, and orphaned breadcrumbs collected for inspection.
package reconciler

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/foreman/pkg/breadcrumb"
	"github.com/cuemby/foreman/pkg/event"
	"github.com/cuemby/foreman/pkg/log"
	"github.com/cuemby/foreman/pkg/state"
	"github.com/cuemby/foreman/pkg/types"
)

// reconnectTimeout bounds one agent reconnect probe.
const reconnectTimeout = 5 * time.Second

// Emitter is where reconciliation pushes its re-initialization events.
type Emitter interface {
	Emit(ev event.Event) (uint64, error)
}

// Reconnector is the adapter capability reconciliation needs.
type Reconnector interface {
	Reconnect(ctx context.Context, agentID types.AgentID, rt *types.AgentRuntime) error
}

// Reconciler runs once at startup, after snapshot load and WAL replay have
// produced the materialized state, and before the event loop begins. It
// holds no long-lived resources.
type Reconciler struct {
	adapters       Reconnector
	emitter        Emitter
	breadcrumbsDir string
	logger         zerolog.Logger
}

// New creates a reconciler.
func New(adapters Reconnector, emitter Emitter, breadcrumbsDir string) *Reconciler {
	return &Reconciler{
		adapters:       adapters,
		emitter:        emitter,
		breadcrumbsDir: breadcrumbsDir,
		logger:         log.WithComponent("reconciler"),
	}
}

// Run performs the startup pass against the restored state and returns the
// breadcrumb orphans found on disk.
func (r *Reconciler) Run(ctx context.Context, st *state.State) ([]breadcrumb.Orphan, error) {
	r.reconcileAgents(ctx, st)
	r.reconcileJobs(st)
	r.reconcileWorkers(st)
	r.reconcileCrons(st)
	r.reconcileQueues(st)
	r.reconcileWorkspaces(st)

	orphans, err := breadcrumb.ScanOrphans(r.breadcrumbsDir, st)
	if err != nil {
		return nil, err
	}
	if len(orphans) > 0 {
		r.logger.Warn().Int("count", len(orphans)).Msg("Found orphaned breadcrumbs from unrecovered work")
	}
	return orphans, nil
}

// reconcileAgents reattaches to surviving agent processes and declares the
// rest gone.
func (r *Reconciler) reconcileAgents(ctx context.Context, st *state.State) {
	for _, a := range st.Agents {
		if !a.State.Live() {
			continue
		}
		if a.Runtime == nil {
			r.emit(&event.AgentGoneEvent{AgentID: a.ID, Reason: "no runtime recorded before restart"})
			continue
		}
		probeCtx, cancel := context.WithTimeout(ctx, reconnectTimeout)
		err := r.adapters.Reconnect(probeCtx, a.ID, a.Runtime)
		cancel()
		if err != nil {
			r.logger.Info().
				Str("agent_id", string(a.ID)).
				Err(err).
				Msg("Agent did not survive restart")
			r.emit(&event.AgentGoneEvent{AgentID: a.ID, Reason: "reconnect failed: " + err.Error()})
			continue
		}
		r.logger.Info().
			Str("agent_id", string(a.ID)).
			Int("pid", a.Runtime.PID).
			Msg("Reattached to surviving agent")
		// Resume monitoring from the idle cycle; the bridge reports the
		// real state on its next transition.
		r.emit(&event.AgentIdle{AgentID: a.ID})
	}
}

// reconcileJobs fails the shell steps whose processes died with the old
// daemon. The failure routes through the step's normal on_fail policy;
// agent steps are covered by agent reconciliation and child pipelines
// resolve through their own records.
func (r *Reconciler) reconcileJobs(st *state.State) {
	for _, job := range st.Jobs {
		if job.Status != types.JobRunning || job.CurrentStep == "" {
			continue
		}
		rb := st.Runbooks[job.RunbookHash]
		if rb == nil {
			continue
		}
		pl := rb.Pipelines[job.Pipeline]
		if pl == nil {
			continue
		}
		step := pl.Step(job.CurrentStep)
		if step == nil || step.Run.Kind() != "shell" {
			continue
		}
		r.emit(&event.StepFailed{
			JobID: job.ID,
			Step:  job.CurrentStep,
			Error: "interrupted by daemon restart",
		})
	}
}

// reconcileWorkers re-emits WorkerStarted for running workers so handlers
// re-establish poll timers and the dispatch loop.
func (r *Reconciler) reconcileWorkers(st *state.State) {
	for _, w := range st.Workers {
		if w.Status != types.WorkerRunning {
			continue
		}
		r.emit(&event.WorkerStarted{
			Namespace:   w.Namespace,
			Name:        w.Name,
			ProjectRoot: w.ProjectRoot,
			RunbookHash: w.RunbookHash,
			Queue:       w.Queue,
			Concurrency: w.Concurrency,
		})
	}
}

// reconcileCrons re-emits CronStarted for running crons to re-set their
// interval timers.
func (r *Reconciler) reconcileCrons(st *state.State) {
	for _, c := range st.Crons {
		if c.Status != types.CronRunning {
			continue
		}
		r.emit(&event.CronStarted{
			Namespace:   c.Namespace,
			Name:        c.Name,
			RunbookHash: c.RunbookHash,
			IntervalMS:  c.IntervalMS,
			Target:      c.Target,
		})
	}
}

// reconcileQueues repairs item state the crash interrupted: retry timers
// are gone, so failed items requeue immediately, and items still marked
// active whose pipeline did not survive go back through the failure path.
func (r *Reconciler) reconcileQueues(st *state.State) {
	for _, items := range st.QueueItems {
		for _, it := range items {
			switch it.Status {
			case types.ItemFailed:
				r.emit(&event.QueueRequeued{Namespace: it.Namespace, Queue: it.Queue, ItemID: it.ID})
			case types.ItemActive:
				job := st.Jobs[it.JobID]
				if job == nil || job.Status.Terminal() {
					r.emit(&event.QueueFailed{
						Namespace: it.Namespace,
						Queue:     it.Queue,
						ItemID:    it.ID,
						Error:     "pipeline lost across restart",
					})
				}
			}
		}
	}
}

// reconcileWorkspaces fails provisioning that was mid-flight at the crash
// and schedules deletion for workspaces whose owner is already terminal.
func (r *Reconciler) reconcileWorkspaces(st *state.State) {
	for _, ws := range st.Workspaces {
		switch ws.Status {
		case types.WorkspaceCreating:
			r.emit(&event.WorkspaceFailed{
				WorkspaceID: ws.ID,
				Error:       "provisioning interrupted by daemon restart",
			})
		case types.WorkspaceInUse:
			jobID, isJob := ws.Owner.Job()
			if !isJob {
				continue
			}
			job := st.Jobs[jobID]
			if job == nil || job.Status.Terminal() {
				r.emit(&event.WorkspaceDeleted{WorkspaceID: ws.ID})
			}
		}
	}
}

func (r *Reconciler) emit(ev event.Event) {
	if _, err := r.emitter.Emit(ev); err != nil {
		r.logger.Error().Err(err).Str("event", ev.Kind()).Msg("Reconcile emit failed")
	}
}
