package engine

import (
	"github.com/cuemby/foreman/pkg/effect"
	"github.com/cuemby/foreman/pkg/event"
	"github.com/cuemby/foreman/pkg/runbook"
	"github.com/cuemby/foreman/pkg/types"
)

// Handle routes an event to its handler and returns the effect batch.
// Handlers are pure: deterministic given (event, state, clock), no I/O, no
// locks, no adapter calls. All side effects come back as data.
func Handle(ev event.Event, c Ctx) []effect.Effect {
	switch e := ev.(type) {
	case *event.CommandRun:
		return handleCommandRun(e, c)
	case *event.JobCreated:
		return handleJobCreated(e, c)
	case *event.StepStarted:
		return handleStepStarted(e, c)
	case *event.StepCompleted:
		return handleStepCompleted(e, c)
	case *event.StepFailed:
		return handleStepFailed(e, c)
	case *event.StepCancelled:
		return handleStepCancelled(e, c)
	case *event.JobFinished:
		return handleJobFinished(e, c)
	case *event.JobCancel:
		return handleJobCancel(e, c)
	case *event.JobResume:
		return handleJobResume(e, c)
	case *event.ShellExited:
		return handleShellExited(e, c)
	case *event.WorkspaceReady:
		return handleWorkspaceReady(e, c)
	case *event.WorkspaceFailed:
		return handleWorkspaceFailed(e, c)
	case *event.AgentRunCreated:
		return handleAgentRunCreated(e, c)
	case *event.AgentSpawned:
		return handleAgentSpawned(e, c)
	case *event.AgentSpawnFailed:
		return handleAgentSpawnFailed(e, c)
	case *event.AgentWorking:
		return handleAgentWorking(e, c)
	case *event.AgentIdle:
		return handleAgentIdle(e, c)
	case *event.AgentPrompt:
		return handleAgentPrompt(e, c)
	case *event.AgentGoneEvent:
		return handleAgentGone(e, c)
	case *event.AgentStopBlocked:
		return handleAgentStopBlocked(e, c)
	case *event.AgentStopAllowed:
		return handleAgentStopAllowed(e, c)
	case *event.AgentSignal:
		return handleAgentSignal(e, c)
	case *event.AgentNudged:
		return handleAgentNudged(e, c)
	case *event.AgentRecovered:
		return handleAgentRecovered(e, c)
	case *event.AgentFinished:
		return handleAgentFinished(e, c)
	case *event.WorkerStarted:
		return handleWorkerStarted(e, c)
	case *event.WorkerStopped:
		return handleWorkerStopped(e, c)
	case *event.WorkerWake:
		return handleWorkerWake(e, c)
	case *event.WorkerPolled:
		return handleWorkerPolled(e, c)
	case *event.WorkerTook:
		return handleWorkerTook(e, c)
	case *event.WorkerDispatched:
		return handleWorkerDispatched(e, c)
	case *event.QueuePushed:
		return wakeWorkers(e.Namespace, e.Queue, c)
	case *event.QueueCompleted:
		return wakeWorkers(e.Namespace, e.Queue, c)
	case *event.QueueFailed:
		return handleQueueFailed(e, c)
	case *event.QueueRequeued:
		return wakeWorkers(e.Namespace, e.Queue, c)
	case *event.CronStarted:
		return handleCronStarted(e, c)
	case *event.CronStopped:
		return handleCronStopped(e, c)
	case *event.DecisionCreated:
		return handleDecisionCreated(e, c)
	case *event.DecisionResolved:
		return handleDecisionResolved(e, c)
	case *event.TimerFired:
		return handleTimerFired(e, c)
	}
	// RunbookLoaded, ProjectRegistered, CrewCreated, AgentFailed,
	// WorkspaceDeleted, QueueDead, and the remaining pure state mutations
	// need no further effects.
	return nil
}

// handleCommandRun resolves a runbook command and routes its directive.
func handleCommandRun(e *event.CommandRun, c Ctx) []effect.Effect {
	rb := c.Runbook(e.RunbookHash)
	if rb == nil {
		return nil
	}
	cmd := rb.Commands[e.Command]
	if cmd == nil {
		return nil
	}
	vars := runbook.ArgsToVars(cmd.Args, e.Args)

	switch cmd.Run.Kind() {
	case "pipeline":
		return []effect.Effect{effect.Emit{Event: &event.JobCreated{
			JobID:       types.NewJobID(),
			Pipeline:    cmd.Run.Pipeline,
			Namespace:   e.Namespace,
			RunbookHash: e.RunbookHash,
			Vars:        vars,
			At:          c.Clock.EpochMS(),
		}}}
	case "agent":
		crewID := types.NewCrewID()
		return []effect.Effect{
			effect.Emit{Event: &event.CrewCreated{
				CrewID:    crewID,
				Name:      cmd.Run.Agent,
				Namespace: e.Namespace,
				At:        c.Clock.EpochMS(),
			}},
			effect.Emit{Event: &event.AgentRunCreated{
				AgentID:     types.NewAgentID(),
				Agent:       cmd.Run.Agent,
				Owner:       types.OwnerCrew(crewID),
				Namespace:   e.Namespace,
				RunbookHash: e.RunbookHash,
				At:          c.Clock.EpochMS(),
			}},
		}
	default:
		return []effect.Effect{effect.Shell{
			Step:    e.Command,
			Command: runbook.Interpolate(cmd.Run.Shell, vars),
			Cwd:     e.Cwd,
		}}
	}
}
