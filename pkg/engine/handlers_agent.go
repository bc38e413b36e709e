package engine

import (
	"fmt"
	"strings"
	"time"

	"github.com/cuemby/foreman/pkg/effect"
	"github.com/cuemby/foreman/pkg/event"
	"github.com/cuemby/foreman/pkg/runbook"
	"github.com/cuemby/foreman/pkg/timer"
	"github.com/cuemby/foreman/pkg/types"
)

// Trigger names for action-attempt chains.
const (
	triggerIdle = "idle"
	triggerDead = "dead"
)

// spawnEffect builds the SpawnAgent effect for an agent record.
func spawnEffect(a *types.Agent, c Ctx) []effect.Effect {
	def := c.agentDef(a)
	if def == nil {
		return []effect.Effect{effect.Emit{Event: &event.AgentSpawnFailed{
			AgentID: a.ID,
			Error:   fmt.Sprintf("unknown agent %q", a.Name),
		}}}
	}
	vars := map[string]string{"agent_id": string(a.ID)}
	workDir := c.State.ProjectPaths[a.Namespace]
	if jobID, ok := a.Owner.Job(); ok {
		if job := c.State.Jobs[jobID]; job != nil {
			vars = runbook.MergeVars(c.jobVars(job), vars)
			workDir = c.cwdFor(job)
		}
	}
	return []effect.Effect{effect.SpawnAgent{
		AgentID:    a.ID,
		Owner:      a.Owner,
		Command:    runbook.Interpolate(def.Run, vars),
		Prompt:     runbook.Interpolate(def.Prompt, vars),
		ConfigPath: c.agentConfigPath(a.ID),
		WorkDir:    workDir,
		Container:  def.Container,
	}}
}

func handleAgentRunCreated(e *event.AgentRunCreated, c Ctx) []effect.Effect {
	a := c.State.Agents[e.AgentID]
	if a == nil {
		return nil
	}
	return spawnEffect(a, c)
}

func handleAgentSpawned(e *event.AgentSpawned, c Ctx) []effect.Effect {
	a := c.State.Agents[e.AgentID]
	if a == nil {
		return nil
	}
	return []effect.Effect{effect.SetTimer{
		ID:    timer.Liveness(a.Owner),
		After: idleGrace(a, c),
	}}
}

func handleAgentSpawnFailed(e *event.AgentSpawnFailed, c Ctx) []effect.Effect {
	a := c.State.Agents[e.AgentID]
	if a == nil {
		return nil
	}
	return dispatchDead(a, c)
}

func handleAgentWorking(e *event.AgentWorking, c Ctx) []effect.Effect {
	a := c.State.Agents[e.AgentID]
	if a == nil {
		return nil
	}
	return []effect.Effect{effect.CancelTimer{ID: timer.Liveness(a.Owner)}}
}

func handleAgentIdle(e *event.AgentIdle, c Ctx) []effect.Effect {
	a := c.State.Agents[e.AgentID]
	if a == nil || !a.State.Live() {
		return nil
	}
	return []effect.Effect{effect.SetTimer{
		ID:    timer.Liveness(a.Owner),
		After: idleGrace(a, c),
	}}
}

func handleAgentPrompt(e *event.AgentPrompt, c Ctx) []effect.Effect {
	a := c.State.Agents[e.AgentID]
	if a == nil {
		return nil
	}
	// A prompt supersedes the idle cycle until answered.
	effects := []effect.Effect{effect.CancelTimer{ID: timer.Liveness(a.Owner)}}

	def := c.agentDef(a)
	action := runbook.ActionEscalate
	if def != nil && def.OnPrompt != nil && def.OnPrompt.Action != "" {
		action = def.OnPrompt.Action
	}
	switch action {
	case runbook.ActionResume:
		return append(effects, effect.RespondToAgent{AgentID: a.ID, Response: "proceed"})
	default:
		return append(effects, escalate(a, types.DecisionPrompt, promptTitle(e), e.Text, c)...)
	}
}

func promptTitle(e *event.AgentPrompt) string {
	switch e.PromptType {
	case types.PromptPlanApproval:
		return "Agent requests plan approval"
	case types.PromptPermission:
		return "Agent requests permission"
	default:
		return "Agent has a question"
	}
}

func handleAgentGone(e *event.AgentGoneEvent, c Ctx) []effect.Effect {
	a := c.State.Agents[e.AgentID]
	if a == nil || a.State.Terminal() {
		return nil
	}
	// Defer the on_dead action briefly so a clean finish racing the exit
	// wins.
	return []effect.Effect{
		effect.CancelTimer{ID: timer.Liveness(a.Owner)},
		effect.SetTimer{ID: timer.ExitDeferred(a.Owner), After: c.Cfg.ExitDeferred},
	}
}

func handleAgentStopBlocked(e *event.AgentStopBlocked, c Ctx) []effect.Effect {
	a := c.State.Agents[e.AgentID]
	if a == nil {
		return nil
	}
	return append(
		[]effect.Effect{effect.ResolveStop{AgentID: a.ID}},
		dispatchIdle(a, c)...,
	)
}

func handleAgentStopAllowed(e *event.AgentStopAllowed, c Ctx) []effect.Effect {
	a := c.State.Agents[e.AgentID]
	if a == nil {
		return nil
	}
	return dispatchIdle(a, c)
}

func handleAgentSignal(e *event.AgentSignal, c Ctx) []effect.Effect {
	a := c.State.Agents[e.AgentID]
	if a == nil || !a.State.Live() {
		return nil
	}
	return []effect.Effect{effect.SendToAgent{AgentID: a.ID, Input: e.Input}}
}

func handleAgentNudged(e *event.AgentNudged, c Ctx) []effect.Effect {
	a := c.State.Agents[e.AgentID]
	if a == nil || !a.State.Live() {
		return nil
	}
	msg := e.Message
	if msg == "" {
		msg = "You appear to be idle. Continue with your task or state that you are finished."
	}
	return []effect.Effect{
		effect.SendToAgent{AgentID: a.ID, Input: msg},
		effect.SetTimer{
			ID:    timer.Cooldown(a.Owner, e.Trigger, e.ChainPos),
			After: actionCooldown(a, c),
		},
	}
}

func handleAgentRecovered(e *event.AgentRecovered, c Ctx) []effect.Effect {
	a := c.State.Agents[e.AgentID]
	if a == nil {
		return nil
	}
	return spawnEffect(a, c)
}

func handleAgentFinished(e *event.AgentFinished, c Ctx) []effect.Effect {
	a := c.State.Agents[e.AgentID]
	if a == nil {
		return nil
	}
	effects := []effect.Effect{
		effect.CancelOwnerTimers{Owner: a.Owner},
		effect.KillAgent{AgentID: a.ID},
	}

	if ref := a.QueueRef; ref != nil && strings.HasPrefix(string(a.Owner), types.PrefixCrew) {
		// Agent-handler worker items complete through the agent itself.
		if e.State == types.AgentDone {
			effects = append(effects, effect.Emit{Event: &event.QueueCompleted{
				Namespace: ref.Namespace, Queue: ref.Queue, ItemID: ref.ItemID,
			}})
		} else {
			effects = append(effects, effect.Emit{Event: &event.QueueFailed{
				Namespace: ref.Namespace, Queue: ref.Queue, ItemID: ref.ItemID, Error: a.LastError,
			}})
		}
	}

	jobID, ok := a.Owner.Job()
	if !ok {
		return effects
	}
	job := c.State.Jobs[jobID]
	if job == nil || job.Status.Terminal() || job.CurrentStep != a.Step {
		return effects
	}
	switch e.State {
	case types.AgentDone:
		effects = append(effects, effect.Emit{Event: &event.StepCompleted{JobID: job.ID, Step: a.Step}})
	default:
		errMsg := e.Error
		if errMsg == "" {
			errMsg = a.LastError
		}
		effects = append(effects, effect.Emit{Event: &event.StepFailed{JobID: job.ID, Step: a.Step, Error: errMsg}})
	}
	return effects
}

// --- Idle and dead action dispatch ---

func idleGrace(a *types.Agent, c Ctx) time.Duration {
	if def := c.agentDef(a); def != nil && def.OnIdle != nil && def.OnIdle.Grace > 0 {
		return def.OnIdle.Grace.D()
	}
	return c.Cfg.IdleGrace
}

func actionCooldown(a *types.Agent, c Ctx) time.Duration {
	if def := c.agentDef(a); def != nil && def.OnIdle != nil && def.OnIdle.Cooldown > 0 {
		return def.OnIdle.Cooldown.D()
	}
	return c.Cfg.ActionCooldown
}

func attemptsBudget(act *runbook.ActionDef, c Ctx) int {
	if act != nil && act.Attempts > 0 {
		return act.Attempts
	}
	return c.Cfg.ActionAttempts
}

// dispatchIdle applies the configured on_idle action to an idle agent.
func dispatchIdle(a *types.Agent, c Ctx) []effect.Effect {
	def := c.agentDef(a)
	var act *runbook.ActionDef
	if def != nil {
		act = def.OnIdle
	}
	action := runbook.ActionEscalate
	if act != nil && act.Action != "" {
		action = act.Action
	}

	switch action {
	case runbook.ActionDone:
		return []effect.Effect{effect.Emit{Event: &event.AgentFinished{AgentID: a.ID, State: types.AgentDone}}}
	case runbook.ActionFail:
		return []effect.Effect{effect.Emit{Event: &event.AgentFinished{
			AgentID: a.ID, State: types.AgentFailed, Error: "agent went idle",
		}}}
	case runbook.ActionResume:
		return []effect.Effect{
			effect.SendToAgent{AgentID: a.ID, Input: "continue"},
			effect.SetTimer{ID: timer.Liveness(a.Owner), After: idleGrace(a, c)},
		}
	case runbook.ActionNudge, runbook.ActionAuto:
		pos := a.Attempts[triggerIdle]
		if pos >= attemptsBudget(act, c) {
			return escalate(a, types.DecisionExhausted, "Agent stuck idle",
				fmt.Sprintf("%d nudge attempts exhausted", pos), c)
		}
		msg := ""
		if act != nil {
			msg = act.Message
		}
		return []effect.Effect{effect.Emit{Event: &event.AgentNudged{
			AgentID:  a.ID,
			Trigger:  triggerIdle,
			ChainPos: pos + 1,
			Message:  msg,
		}}}
	case runbook.ActionGate:
		return dispatchGate(a, c)
	default: // escalate
		return escalate(a, types.DecisionIdle, "Agent is idle", a.LastError, c)
	}
}

// dispatchGate runs the owning step's gate command; its exit decides
// whether the agent's work is complete.
func dispatchGate(a *types.Agent, c Ctx) []effect.Effect {
	jobID, ok := a.Owner.Job()
	if !ok {
		return escalate(a, types.DecisionGate, "Agent gate has no owning job", "", c)
	}
	job := c.State.Jobs[jobID]
	if job == nil || job.Status.Terminal() {
		return nil
	}
	pl := c.pipelineFor(job)
	if pl == nil {
		return nil
	}
	step := pl.Step(a.Step)
	if step == nil || step.Gate == "" {
		return escalate(a, types.DecisionGate, "Agent step has no gate command", "", c)
	}
	return []effect.Effect{effect.Shell{
		Owner:   a.Owner,
		Step:    a.Step + gateSuffix,
		Command: runbook.Interpolate(step.Gate, c.jobVars(job)),
		Cwd:     c.cwdFor(job),
	}}
}

// handleGateExited routes a gate-check shell exit back to the monitor.
func handleGateExited(e *event.ShellExited, c Ctx) []effect.Effect {
	a := c.State.AgentForOwner(e.Owner)
	if a == nil {
		return nil
	}
	if e.ExitCode == 0 {
		return []effect.Effect{effect.Emit{Event: &event.AgentFinished{AgentID: a.ID, State: types.AgentDone}}}
	}
	// Gate rejected the work: hand the result back and re-arm the idle
	// cycle.
	return []effect.Effect{
		effect.SendToAgent{
			AgentID: a.ID,
			Input:   fmt.Sprintf("The completion gate failed (exit %d). Address the output and continue:\n%s", e.ExitCode, e.StderrTail),
		},
		effect.SetTimer{ID: timer.Liveness(a.Owner), After: idleGrace(a, c)},
	}
}

// dispatchDead applies the configured on_dead action to a gone agent.
func dispatchDead(a *types.Agent, c Ctx) []effect.Effect {
	def := c.agentDef(a)
	var act *runbook.ActionDef
	if def != nil {
		act = def.OnDead
	}
	action := runbook.ActionEscalate
	if act != nil && act.Action != "" {
		action = act.Action
	}

	switch action {
	case runbook.ActionDone:
		return []effect.Effect{effect.Emit{Event: &event.AgentFinished{AgentID: a.ID, State: types.AgentDone}}}
	case runbook.ActionFail:
		return []effect.Effect{effect.Emit{Event: &event.AgentFinished{
			AgentID: a.ID, State: types.AgentFailed, Error: deadReason(a),
		}}}
	case runbook.ActionRecover:
		pos := a.Attempts[triggerDead]
		if pos >= attemptsBudget(act, c) {
			return escalate(a, types.DecisionExhausted, "Agent keeps dying",
				fmt.Sprintf("%d recover attempts exhausted: %s", pos, deadReason(a)), c)
		}
		return []effect.Effect{effect.Emit{Event: &event.AgentRecovered{
			AgentID:  a.ID,
			ChainPos: pos + 1,
		}}}
	default: // escalate
		return escalate(a, types.DecisionDead, "Agent died", deadReason(a), c)
	}
}

func deadReason(a *types.Agent) string {
	if a.LastError != "" {
		return a.LastError
	}
	return "agent process is gone"
}

// escalate creates a Decision for a human and notifies.
func escalate(a *types.Agent, reason types.DecisionKind, title, body string, c Ctx) []effect.Effect {
	if a.DecisionID != "" {
		if d := c.State.Decisions[a.DecisionID]; d != nil && d.Status == types.DecisionCreated {
			// Already waiting on a human; don't stack decisions.
			return nil
		}
	}
	return []effect.Effect{
		effect.Emit{Event: &event.DecisionCreated{
			DecisionID: types.NewDecisionID(),
			Owner:      a.Owner,
			AgentID:    a.ID,
			Reason:     reason,
			Title:      title,
			Body:       body,
			At:         c.Clock.EpochMS(),
		}},
	}
}

// --- Decisions ---

func handleDecisionCreated(e *event.DecisionCreated, c Ctx) []effect.Effect {
	return []effect.Effect{effect.Notify{
		Title:   e.Title,
		Message: e.Body,
	}}
}

func handleDecisionResolved(e *event.DecisionResolved, c Ctx) []effect.Effect {
	d := c.State.Decisions[e.DecisionID]
	if d == nil {
		return nil
	}
	a := c.State.Agents[d.AgentID]

	switch e.Resolution {
	case "fail":
		if a != nil && !a.State.Terminal() {
			return []effect.Effect{effect.Emit{Event: &event.AgentFinished{
				AgentID: a.ID, State: types.AgentFailed, Error: "failed by decision",
			}}}
		}
		if jobID, ok := d.Owner.Job(); ok {
			return []effect.Effect{effect.Emit{Event: &event.JobFinished{
				JobID: jobID, Status: types.JobFailed, Error: "failed by decision", At: c.Clock.EpochMS(),
			}}}
		}
	case "cancel":
		if jobID, ok := d.Owner.Job(); ok {
			return []effect.Effect{effect.Emit{Event: &event.JobCancel{JobID: jobID}}}
		}
	case "done":
		if a != nil && !a.State.Terminal() {
			return []effect.Effect{effect.Emit{Event: &event.AgentFinished{AgentID: a.ID, State: types.AgentDone}}}
		}
	default:
		if a != nil && a.State == types.AgentPrompting {
			return []effect.Effect{effect.RespondToAgent{AgentID: a.ID, Response: resolutionText(e)}}
		}
		if a != nil && a.State.Live() {
			return []effect.Effect{
				effect.SendToAgent{AgentID: a.ID, Input: resolutionText(e)},
				effect.SetTimer{ID: timer.Liveness(a.Owner), After: idleGrace(a, c)},
			}
		}
		if jobID, ok := d.Owner.Job(); ok {
			return []effect.Effect{effect.Emit{Event: &event.JobResume{JobID: jobID}}}
		}
	}
	return nil
}

func resolutionText(e *event.DecisionResolved) string {
	if e.Note != "" {
		return e.Note
	}
	return e.Resolution
}
