package engine

import (
	"fmt"
	"strings"

	"github.com/cuemby/foreman/pkg/effect"
	"github.com/cuemby/foreman/pkg/event"
	"github.com/cuemby/foreman/pkg/runbook"
	"github.com/cuemby/foreman/pkg/types"
)

// gateSuffix marks the shell runs of idle-gate checks so their exits route
// back to the monitor instead of the step machinery.
const gateSuffix = ":gate"

func handleJobCreated(e *event.JobCreated, c Ctx) []effect.Effect {
	job := c.State.Jobs[e.JobID]
	if job == nil {
		return nil
	}
	pl := c.pipelineFor(job)
	if pl == nil {
		return []effect.Effect{effect.Emit{Event: &event.JobFinished{
			JobID:  job.ID,
			Status: types.JobFailed,
			Error:  fmt.Sprintf("unknown pipeline %q", job.Pipeline),
			At:     c.Clock.EpochMS(),
		}}}
	}

	if pl.Source != nil {
		wsID := types.NewWorkspaceID()
		kind := types.WorkspaceFolder
		if pl.Source.Kind == "git" {
			kind = types.WorkspaceWorktree
		}
		return []effect.Effect{
			effect.Emit{Event: &event.WorkspaceCreating{
				WorkspaceID:   wsID,
				Owner:         types.OwnerJob(job.ID),
				Path:          c.workspacePath(wsID),
				WorkspaceKind: kind,
				Branch:        pl.Source.Branch,
				KeepOnFailure: pl.KeepOnFailure,
			}},
			effect.CreateWorkspace{
				WorkspaceID: wsID,
				Owner:       types.OwnerJob(job.ID),
				Path:        c.workspacePath(wsID),
				WsKind:      kind,
				Repo:        pl.Source.Repo,
				Branch:      pl.Source.Branch,
				Ref:         pl.Source.Ref,
				SourcePath:  pl.Source.Path,
			},
		}
	}

	first := pl.First()
	return []effect.Effect{effect.Emit{Event: &event.StepStarted{
		JobID: job.ID,
		Step:  first.Name,
	}}}
}

func handleWorkspaceReady(e *event.WorkspaceReady, c Ctx) []effect.Effect {
	ws := c.State.Workspaces[e.WorkspaceID]
	if ws == nil {
		return nil
	}
	jobID, ok := ws.Owner.Job()
	if !ok {
		return nil
	}
	job := c.State.Jobs[jobID]
	if job == nil || job.Status != types.JobCreated {
		return nil
	}
	pl := c.pipelineFor(job)
	if pl == nil {
		return nil
	}
	return []effect.Effect{effect.Emit{Event: &event.StepStarted{
		JobID: job.ID,
		Step:  pl.First().Name,
	}}}
}

func handleWorkspaceFailed(e *event.WorkspaceFailed, c Ctx) []effect.Effect {
	for _, job := range c.State.Jobs {
		if job.WorkspaceID == e.WorkspaceID && !job.Status.Terminal() {
			return []effect.Effect{effect.Emit{Event: &event.JobFinished{
				JobID:  job.ID,
				Status: types.JobFailed,
				Error:  "workspace: " + e.Error,
				At:     c.Clock.EpochMS(),
			}}}
		}
	}
	return nil
}

func handleStepStarted(e *event.StepStarted, c Ctx) []effect.Effect {
	job := c.State.Jobs[e.JobID]
	if job == nil || job.Status.Terminal() {
		return nil
	}
	pl := c.pipelineFor(job)
	if pl == nil {
		return nil
	}
	step := pl.Step(e.Step)
	if step == nil {
		return []effect.Effect{effect.Emit{Event: &event.JobFinished{
			JobID:  job.ID,
			Status: types.JobFailed,
			Error:  fmt.Sprintf("unknown step %q", e.Step),
			At:     c.Clock.EpochMS(),
		}}}
	}

	vars := c.jobVars(job)
	switch step.Run.Kind() {
	case "pipeline":
		return []effect.Effect{effect.Emit{Event: &event.JobCreated{
			JobID:       types.NewJobID(),
			Pipeline:    step.Run.Pipeline,
			Namespace:   job.Namespace,
			RunbookHash: job.RunbookHash,
			Vars:        vars,
			Parent:      &types.ParentRef{JobID: job.ID, Step: step.Name},
			At:          c.Clock.EpochMS(),
		}}}
	case "agent":
		return []effect.Effect{effect.Emit{Event: &event.AgentRunCreated{
			AgentID:     types.NewAgentID(),
			Agent:       step.Run.Agent,
			Owner:       types.OwnerJob(job.ID),
			Step:        step.Name,
			Namespace:   job.Namespace,
			RunbookHash: job.RunbookHash,
			QueueRef:    job.QueueRef,
			At:          c.Clock.EpochMS(),
		}}}
	default:
		return []effect.Effect{effect.Shell{
			Owner:   types.OwnerJob(job.ID),
			Step:    step.Name,
			Command: runbook.Interpolate(step.Run.Shell, vars),
			Cwd:     c.cwdFor(job),
			Timeout: step.Timeout.D(),
		}}
	}
}

func handleShellExited(e *event.ShellExited, c Ctx) []effect.Effect {
	if e.Owner == "" {
		return nil
	}
	if strings.HasSuffix(e.Step, gateSuffix) {
		return handleGateExited(e, c)
	}
	jobID, ok := e.Owner.Job()
	if !ok {
		return nil
	}
	job := c.State.Jobs[jobID]
	if job == nil || job.Status.Terminal() || job.CurrentStep != e.Step {
		// Stale completion from a cancelled or re-routed step.
		return nil
	}
	if e.ExitCode == 0 {
		return []effect.Effect{effect.Emit{Event: &event.StepCompleted{
			JobID: job.ID,
			Step:  e.Step,
		}}}
	}
	msg := e.Error
	if msg == "" {
		msg = fmt.Sprintf("exit status %d", e.ExitCode)
	}
	if tail := strings.TrimSpace(e.StderrTail); tail != "" {
		msg = msg + ": " + tail
	}
	return []effect.Effect{effect.Emit{Event: &event.StepFailed{
		JobID: job.ID,
		Step:  e.Step,
		Error: msg,
	}}}
}

func handleStepCompleted(e *event.StepCompleted, c Ctx) []effect.Effect {
	job := c.State.Jobs[e.JobID]
	if job == nil || job.Status.Terminal() {
		return nil
	}
	pl := c.pipelineFor(job)
	if pl == nil {
		return nil
	}
	step := pl.Step(e.Step)
	if step == nil {
		return nil
	}
	next := step.OnDone
	if next == "" {
		if ns := pl.NextStep(e.Step); ns != nil {
			next = ns.Name
		}
	}
	if next != "" {
		return []effect.Effect{effect.Emit{Event: &event.StepStarted{JobID: job.ID, Step: next}}}
	}
	return []effect.Effect{effect.Emit{Event: &event.JobFinished{
		JobID:  job.ID,
		Status: types.JobDone,
		At:     c.Clock.EpochMS(),
	}}}
}

func handleStepFailed(e *event.StepFailed, c Ctx) []effect.Effect {
	job := c.State.Jobs[e.JobID]
	if job == nil || job.Status.Terminal() {
		return nil
	}
	pl := c.pipelineFor(job)
	if pl != nil {
		if step := pl.Step(e.Step); step != nil && step.OnFail != "" {
			return []effect.Effect{effect.Emit{Event: &event.StepStarted{JobID: job.ID, Step: step.OnFail}}}
		}
	}
	return []effect.Effect{effect.Emit{Event: &event.JobFinished{
		JobID:  job.ID,
		Status: types.JobFailed,
		Error:  e.Error,
		At:     c.Clock.EpochMS(),
	}}}
}

func handleStepCancelled(e *event.StepCancelled, c Ctx) []effect.Effect {
	job := c.State.Jobs[e.JobID]
	if job == nil || job.Status.Terminal() {
		return nil
	}
	pl := c.pipelineFor(job)
	if pl != nil {
		if step := pl.Step(e.Step); step != nil && step.OnCancel != "" {
			return []effect.Effect{effect.Emit{Event: &event.StepStarted{JobID: job.ID, Step: step.OnCancel}}}
		}
	}
	return []effect.Effect{effect.Emit{Event: &event.JobFinished{
		JobID:  job.ID,
		Status: types.JobCancelled,
		At:     c.Clock.EpochMS(),
	}}}
}

func handleJobFinished(e *event.JobFinished, c Ctx) []effect.Effect {
	job := c.State.Jobs[e.JobID]
	if job == nil {
		return nil
	}
	owner := types.OwnerJob(job.ID)
	effects := []effect.Effect{
		effect.CancelOwnerTimers{Owner: owner},
		effect.CancelShell{Owner: owner},
	}

	if a := c.State.AgentForOwner(owner); a != nil {
		st := types.AgentDone
		if job.Status != types.JobDone {
			st = types.AgentFailed
		}
		effects = append(effects,
			effect.KillAgent{AgentID: a.ID},
			effect.Emit{Event: &event.AgentFinished{AgentID: a.ID, State: st}},
		)
	}

	if ws := c.State.Workspaces[job.WorkspaceID]; ws != nil {
		if !(job.Status == types.JobFailed && ws.KeepOnFailure) {
			effects = append(effects, effect.DeleteWorkspace{
				WorkspaceID: ws.ID,
				Path:        ws.Path,
			})
		}
	}

	if ref := job.QueueRef; ref != nil && job.Worker != "" {
		if job.Status == types.JobDone {
			effects = append(effects, effect.Emit{Event: &event.QueueCompleted{
				Namespace: ref.Namespace, Queue: ref.Queue, ItemID: ref.ItemID,
			}})
		} else {
			effects = append(effects, effect.Emit{Event: &event.QueueFailed{
				Namespace: ref.Namespace, Queue: ref.Queue, ItemID: ref.ItemID, Error: job.Error,
			}})
		}
	}

	if p := job.Parent; p != nil {
		switch job.Status {
		case types.JobDone:
			effects = append(effects, effect.Emit{Event: &event.StepCompleted{JobID: p.JobID, Step: p.Step}})
		case types.JobCancelled:
			effects = append(effects, effect.Emit{Event: &event.StepCancelled{JobID: p.JobID, Step: p.Step}})
		default:
			effects = append(effects, effect.Emit{Event: &event.StepFailed{JobID: p.JobID, Step: p.Step, Error: job.Error}})
		}
	}

	if job.Status == types.JobFailed {
		effects = append(effects, effect.Notify{
			Title:   "Job failed",
			Message: fmt.Sprintf("%s (%s): %s", job.Pipeline, job.ID, job.Error),
		})
	}
	return effects
}

func handleJobCancel(e *event.JobCancel, c Ctx) []effect.Effect {
	job := c.State.Jobs[e.JobID]
	if job == nil || job.Status.Terminal() {
		// Cancelling a terminal job is a no-op.
		return nil
	}
	if job.Status == types.JobRunning && job.CurrentStep != "" {
		return []effect.Effect{effect.Emit{Event: &event.StepCancelled{
			JobID: job.ID,
			Step:  job.CurrentStep,
		}}}
	}
	return []effect.Effect{effect.Emit{Event: &event.JobFinished{
		JobID:  job.ID,
		Status: types.JobCancelled,
		At:     c.Clock.EpochMS(),
	}}}
}

func handleJobResume(e *event.JobResume, c Ctx) []effect.Effect {
	job := c.State.Jobs[e.JobID]
	if job == nil || job.Status.Terminal() {
		return nil
	}
	step := job.CurrentStep
	if step == "" {
		pl := c.pipelineFor(job)
		if pl == nil {
			return nil
		}
		step = pl.First().Name
	}
	return []effect.Effect{effect.Emit{Event: &event.StepStarted{JobID: job.ID, Step: step}}}
}
