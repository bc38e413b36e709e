package engine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/foreman/pkg/effect"
	"github.com/cuemby/foreman/pkg/event"
	"github.com/cuemby/foreman/pkg/runbook"
	"github.com/cuemby/foreman/pkg/state"
	"github.com/cuemby/foreman/pkg/timer"
	"github.com/cuemby/foreman/pkg/types"
)

const testRunbook = `
[queue.jobs]
type = "persisted"

[queue.jobs.retry]
attempts = 1
backoff = "5s"

[queue.oneshot]
type = "persisted"

[pipeline.build]
[[pipeline.build.step]]
name = "compile"
run = { shell = "make ${target}" }
on_fail = "report"

[[pipeline.build.step]]
name = "test"
run = { shell = "make test" }

[[pipeline.build.step]]
name = "report"
run = { shell = "echo failed" }

[pipeline.item]
[[pipeline.item.step]]
name = "exec"
run = { shell = "${cmd}" }

[agent.fixer]
run = "fixbot"
prompt = "Fix it"

[agent.fixer.on_idle]
action = "nudge"
attempts = 2

[agent.fixer.on_dead]
action = "recover"
attempts = 2

[pipeline.agentic]
[[pipeline.agentic.step]]
name = "fix"
run = { agent = "fixer" }

[worker.runner]
concurrency = 1

[worker.runner.source]
queue = "jobs"

[worker.runner.handler]
pipeline = "item"

[worker.wide]
concurrency = 3

[worker.wide.source]
queue = "oneshot"

[worker.wide.handler]
pipeline = "item"

[cron.nightly]
interval = "1h"
run = { pipeline = "build" }

[cron.fixers]
interval = "1h"
run = { agent = "fixer" }

[command.build]
args = ["target"]
run = { pipeline = "build" }
`

const testHash = "testhash"

// rig simulates the event loop at the handler level: apply, handle, follow
// Emit cascades, and collect every non-emit effect.
type rig struct {
	t       *testing.T
	st      *state.State
	clock   *FakeClock
	cfg     Config
	effects []effect.Effect
}

func newRig(t *testing.T) *rig {
	t.Helper()
	rb, err := runbook.Parse([]byte(testRunbook))
	require.NoError(t, err)
	r := &rig{
		t:     t,
		st:    state.New(),
		clock: NewFakeClock(time.Unix(1700000000, 0)),
		cfg:   Config{}.withDefaults(),
	}
	r.inject(&event.RunbookLoaded{Hash: testHash, Runbook: rb})
	r.inject(&event.ProjectRegistered{Namespace: "proj", Path: "/proj"})
	return r
}

func (r *rig) ctx() Ctx {
	return Ctx{State: r.st, Clock: r.clock, Cfg: r.cfg}
}

// inject feeds one event through apply+handle, cascading emitted events in
// FIFO order the way the loop would.
func (r *rig) inject(ev event.Event) {
	queue := []event.Event{ev}
	for len(queue) > 0 {
		e := queue[0]
		queue = queue[1:]
		r.st.Apply(e)
		for _, eff := range Handle(e, r.ctx()) {
			if em, ok := eff.(effect.Emit); ok {
				queue = append(queue, em.Event)
				continue
			}
			r.effects = append(r.effects, eff)
		}
	}
}

// take removes and returns collected effects of the given name.
func (r *rig) take(name string) []effect.Effect {
	var out, rest []effect.Effect
	for _, eff := range r.effects {
		if eff.Name() == name {
			out = append(out, eff)
		} else {
			rest = append(rest, eff)
		}
	}
	r.effects = rest
	return out
}

func (r *rig) drop() { r.effects = nil }

// oneJob returns the only job in state.
func (r *rig) oneJob() *types.Job {
	require.Len(r.t, r.st.Jobs, 1)
	for _, j := range r.st.Jobs {
		return j
	}
	return nil
}

// oneAgent returns the only agent in state.
func (r *rig) oneAgent() *types.Agent {
	require.Len(r.t, r.st.Agents, 1)
	for _, a := range r.st.Agents {
		return a
	}
	return nil
}

func TestCommandRunStartsPipeline(t *testing.T) {
	r := newRig(t)
	r.inject(&event.CommandRun{
		Namespace: "proj", Command: "build", Args: []string{"all"},
		Cwd: "/proj", RunbookHash: testHash, At: r.clock.EpochMS(),
	})

	job := r.oneJob()
	assert.Equal(t, "build", job.Pipeline)
	assert.Equal(t, types.JobRunning, job.Status)
	assert.Equal(t, "compile", job.CurrentStep)

	shells := r.take("shell")
	require.Len(t, shells, 1)
	sh := shells[0].(effect.Shell)
	assert.Equal(t, "make all", sh.Command, "args interpolate into the step command")
	assert.Equal(t, "/proj", sh.Cwd)
	assert.Equal(t, types.OwnerJob(job.ID), sh.Owner)
}

func TestShellExitRoutesSteps(t *testing.T) {
	r := newRig(t)
	r.inject(&event.JobCreated{JobID: types.NewJobID(), Pipeline: "build", Namespace: "proj", RunbookHash: testHash})
	job := r.oneJob()
	r.drop()

	// compile ok -> test step
	r.inject(&event.ShellExited{Owner: types.OwnerJob(job.ID), Step: "compile", ExitCode: 0})
	assert.Equal(t, "test", job.CurrentStep)

	// test fails with no on_fail -> job failed
	r.inject(&event.ShellExited{Owner: types.OwnerJob(job.ID), Step: "test", ExitCode: 2, StderrTail: "boom"})
	assert.Equal(t, types.JobFailed, job.Status)
	assert.Contains(t, job.Error, "exit status 2")

	notifies := r.take("notify")
	assert.Len(t, notifies, 1, "failed jobs notify")
}

func TestOnFailRoute(t *testing.T) {
	r := newRig(t)
	r.inject(&event.JobCreated{JobID: types.NewJobID(), Pipeline: "build", Namespace: "proj", RunbookHash: testHash})
	job := r.oneJob()
	r.drop()

	r.inject(&event.ShellExited{Owner: types.OwnerJob(job.ID), Step: "compile", ExitCode: 1})
	assert.Equal(t, "report", job.CurrentStep, "on_fail routes to the report step")
	assert.Equal(t, types.JobRunning, job.Status)

	r.inject(&event.ShellExited{Owner: types.OwnerJob(job.ID), Step: "report", ExitCode: 0})
	assert.Equal(t, types.JobDone, job.Status)
}

func TestStaleShellExitIsIgnored(t *testing.T) {
	r := newRig(t)
	r.inject(&event.JobCreated{JobID: types.NewJobID(), Pipeline: "build", Namespace: "proj", RunbookHash: testHash})
	job := r.oneJob()
	r.drop()

	r.inject(&event.ShellExited{Owner: types.OwnerJob(job.ID), Step: "not-current", ExitCode: 0})
	assert.Equal(t, "compile", job.CurrentStep)
	assert.Empty(t, r.effects)
}

func TestCancelTerminalJobIsNoop(t *testing.T) {
	r := newRig(t)
	r.inject(&event.JobCreated{JobID: types.NewJobID(), Pipeline: "build", Namespace: "proj", RunbookHash: testHash})
	job := r.oneJob()
	r.inject(&event.ShellExited{Owner: types.OwnerJob(job.ID), Step: "compile", ExitCode: 0})
	r.inject(&event.ShellExited{Owner: types.OwnerJob(job.ID), Step: "test", ExitCode: 0})
	require.Equal(t, types.JobDone, job.Status)
	r.drop()

	effects := Handle(&event.JobCancel{JobID: job.ID}, r.ctx())
	assert.Empty(t, effects, "cancel of a terminal job emits nothing")
}

func TestCancelRunningJobCancelsShell(t *testing.T) {
	r := newRig(t)
	r.inject(&event.JobCreated{JobID: types.NewJobID(), Pipeline: "build", Namespace: "proj", RunbookHash: testHash})
	job := r.oneJob()
	r.drop()

	r.inject(&event.JobCancel{JobID: job.ID})
	assert.Equal(t, types.JobCancelled, job.Status)
	assert.Len(t, r.take("cancel_shell"), 1)
	assert.Len(t, r.take("cancel_owner_timers"), 1)
}

// Scenario: cancel an active queue item. With one retry configured the item
// fails once, retries, and only dies after the retry also fails; with the
// worker gone nothing re-dispatches.
func TestWorkerQueueScenarios(t *testing.T) {
	t.Run("cancel active item fails it", func(t *testing.T) {
		r := newRig(t)
		r.inject(&event.WorkerStarted{Namespace: "proj", Name: "runner", ProjectRoot: "/proj",
			RunbookHash: testHash, Queue: "jobs", Concurrency: 1})
		r.inject(&event.QueuePushed{Namespace: "proj", Queue: "jobs", ItemID: "it-1", Payload: `{"cmd":"sleep 30"}`})

		// The wake dispatched a pipeline for the item.
		job := r.oneJob()
		assert.Equal(t, "item", job.Pipeline)
		it := r.st.Item("proj", "jobs", "it-1")
		assert.Equal(t, types.ItemActive, it.Status)
		shells := r.take("shell")
		require.Len(t, shells, 1)
		assert.Equal(t, "sleep 30", shells[0].(effect.Shell).Command)

		// Cancel: the item leaves active immediately.
		r.inject(&event.JobCancel{JobID: job.ID})
		assert.Equal(t, types.JobCancelled, job.Status)
		assert.Equal(t, types.ItemFailed, it.Status)
		w := r.st.Workers[state.Key("proj", "runner")]
		assert.Empty(t, w.ActivePipelines)

		// One retry configured: a retry timer is set, not a dead letter.
		timers := r.take("set_timer")
		require.Len(t, timers, 1)
		assert.Equal(t, timer.QueueRetry("proj", "jobs", "it-1"), timers[0].(effect.SetTimer).ID)

		// The retry fires, redispatches, and the second failure is final.
		r.drop()
		r.inject(&event.TimerFired{ID: timer.QueueRetry("proj", "jobs", "it-1")})
		assert.Equal(t, types.ItemActive, it.Status)
		var newJob *types.Job
		for _, j := range r.st.Jobs {
			if !j.Status.Terminal() {
				newJob = j
			}
		}
		require.NotNil(t, newJob)
		r.inject(&event.ShellExited{Owner: types.OwnerJob(newJob.ID), Step: "exec", ExitCode: 1})
		assert.Equal(t, types.ItemDead, it.Status)
	})

	t.Run("successful pipelines free concurrency", func(t *testing.T) {
		r := newRig(t)
		r.inject(&event.WorkerStarted{Namespace: "proj", Name: "runner", ProjectRoot: "/proj",
			RunbookHash: testHash, Queue: "jobs", Concurrency: 1})
		r.inject(&event.QueuePushed{Namespace: "proj", Queue: "jobs", ItemID: "a", Payload: `{"cmd":"echo a"}`})
		r.inject(&event.QueuePushed{Namespace: "proj", Queue: "jobs", ItemID: "b", Payload: `{"cmd":"echo b"}`})

		w := r.st.Workers[state.Key("proj", "runner")]
		assert.Len(t, w.ActivePipelines, 1, "concurrency 1 dispatches one item")
		assert.Equal(t, types.ItemPending, r.st.Item("proj", "jobs", "b").Status)

		// Finish the first; the slot frees and the second dispatches.
		first := r.st.Item("proj", "jobs", "a").JobID
		r.inject(&event.ShellExited{Owner: types.OwnerJob(first), Step: "exec", ExitCode: 0})
		assert.Equal(t, types.ItemCompleted, r.st.Item("proj", "jobs", "a").Status)
		assert.Equal(t, types.ItemActive, r.st.Item("proj", "jobs", "b").Status)
		assert.Len(t, w.ActivePipelines, 1)

		second := r.st.Item("proj", "jobs", "b").JobID
		r.inject(&event.ShellExited{Owner: types.OwnerJob(second), Step: "exec", ExitCode: 0})
		assert.Equal(t, types.ItemCompleted, r.st.Item("proj", "jobs", "b").Status)
		assert.Empty(t, w.ActivePipelines)
	})

	t.Run("failing sibling does not block others", func(t *testing.T) {
		r := newRig(t)
		r.inject(&event.WorkerStarted{Namespace: "proj", Name: "wide", ProjectRoot: "/proj",
			RunbookHash: testHash, Queue: "oneshot", Concurrency: 3})
		for _, push := range []struct{ id, cmd string }{
			{"f", `{"cmd":"exit 1"}`}, {"ok1", `{"cmd":"echo ok"}`}, {"ok2", `{"cmd":"echo ok"}`},
		} {
			r.inject(&event.QueuePushed{Namespace: "proj", Queue: "oneshot", ItemID: push.id, Payload: push.cmd})
		}
		w := r.st.Workers[state.Key("proj", "wide")]
		require.Len(t, w.ActivePipelines, 3)

		fail := r.st.Item("proj", "oneshot", "f").JobID
		ok1 := r.st.Item("proj", "oneshot", "ok1").JobID
		ok2 := r.st.Item("proj", "oneshot", "ok2").JobID

		r.inject(&event.ShellExited{Owner: types.OwnerJob(fail), Step: "exec", ExitCode: 1})
		r.inject(&event.ShellExited{Owner: types.OwnerJob(ok1), Step: "exec", ExitCode: 0})
		r.inject(&event.ShellExited{Owner: types.OwnerJob(ok2), Step: "exec", ExitCode: 0})

		// No retry on this queue: the failure is dead, siblings complete.
		assert.Equal(t, types.ItemDead, r.st.Item("proj", "oneshot", "f").Status)
		assert.Equal(t, types.ItemCompleted, r.st.Item("proj", "oneshot", "ok1").Status)
		assert.Equal(t, types.ItemCompleted, r.st.Item("proj", "oneshot", "ok2").Status)
		assert.Equal(t, types.JobFailed, r.st.Jobs[fail].Status)
		assert.Equal(t, types.JobDone, r.st.Jobs[ok1].Status)
		assert.Equal(t, types.JobDone, r.st.Jobs[ok2].Status)
	})

	t.Run("stopped worker dispatches nothing", func(t *testing.T) {
		r := newRig(t)
		r.inject(&event.WorkerStarted{Namespace: "proj", Name: "runner", ProjectRoot: "/proj",
			RunbookHash: testHash, Queue: "jobs", Concurrency: 1})
		r.inject(&event.WorkerStopped{Namespace: "proj", Name: "runner"})
		r.drop()
		r.inject(&event.QueuePushed{Namespace: "proj", Queue: "jobs", ItemID: "x", Payload: `{}`})
		assert.Equal(t, types.ItemPending, r.st.Item("proj", "jobs", "x").Status)
		assert.Empty(t, r.st.Jobs)
	})
}

func TestAgentMonitorIdleCycle(t *testing.T) {
	r := newRig(t)
	r.inject(&event.JobCreated{JobID: types.NewJobID(), Pipeline: "agentic", Namespace: "proj", RunbookHash: testHash})
	job := r.oneJob()
	a := r.oneAgent()
	owner := types.OwnerJob(job.ID)

	spawns := r.take("spawn_agent")
	require.Len(t, spawns, 1)
	assert.Equal(t, "fixbot", spawns[0].(effect.SpawnAgent).Command)

	r.inject(&event.AgentSpawned{AgentID: a.ID, Runtime: &types.AgentRuntime{Kind: "local", PID: 1}})
	timers := r.take("set_timer")
	require.Len(t, timers, 1)
	assert.Equal(t, timer.Liveness(owner), timers[0].(effect.SetTimer).ID)

	// Working cancels the grace timer; idle re-arms it.
	r.inject(&event.AgentWorking{AgentID: a.ID})
	assert.Len(t, r.take("cancel_timer"), 1)
	r.inject(&event.AgentIdle{AgentID: a.ID})
	assert.Len(t, r.take("set_timer"), 1)

	// First liveness fire: nudge attempt 1.
	r.inject(&event.TimerFired{ID: timer.Liveness(owner)})
	sends := r.take("send_to_agent")
	require.Len(t, sends, 1)
	assert.Equal(t, 1, a.Attempts["idle"])
	cooldowns := r.take("set_timer")
	require.Len(t, cooldowns, 1)
	assert.Equal(t, timer.KindCooldown, cooldowns[0].(effect.SetTimer).ID.Kind)

	// Cooldown fires while still idle: attempt 2.
	r.inject(&event.TimerFired{ID: timer.Cooldown(owner, "idle", 1)})
	require.Len(t, r.take("send_to_agent"), 1)
	assert.Equal(t, 2, a.Attempts["idle"])
	r.drop()

	// Attempts exhausted: escalate, not a third nudge.
	r.inject(&event.TimerFired{ID: timer.Cooldown(owner, "idle", 2)})
	assert.Empty(t, r.take("send_to_agent"))
	require.Len(t, r.st.Decisions, 1)
	assert.Equal(t, types.JobWaiting, job.Status)
}

// Scenario: the action-attempt circuit breaker. An agent that dies
// immediately is recovered twice, then escalates to a decision instead of
// looping.
func TestRecoverCircuitBreaker(t *testing.T) {
	r := newRig(t)
	r.inject(&event.JobCreated{JobID: types.NewJobID(), Pipeline: "agentic", Namespace: "proj", RunbookHash: testHash})
	job := r.oneJob()
	a := r.oneAgent()
	owner := types.OwnerJob(job.ID)
	r.drop()

	for attempt := 1; attempt <= 2; attempt++ {
		r.inject(&event.AgentGoneEvent{AgentID: a.ID, Reason: "exited"})
		deferreds := r.take("set_timer")
		require.Len(t, deferreds, 1)
		assert.Equal(t, timer.ExitDeferred(owner), deferreds[0].(effect.SetTimer).ID)

		r.inject(&event.TimerFired{ID: timer.ExitDeferred(owner)})
		assert.Equal(t, attempt, a.Attempts["dead"], "recover attempt %d recorded", attempt)
		assert.Equal(t, types.AgentSpawning, a.State)
		require.Len(t, r.take("spawn_agent"), 1)
		r.drop()
	}

	// Third death: attempts exhausted, escalate.
	r.inject(&event.AgentGoneEvent{AgentID: a.ID, Reason: "exited"})
	r.inject(&event.TimerFired{ID: timer.ExitDeferred(owner)})
	assert.Empty(t, r.take("spawn_agent"), "no third respawn")
	require.Len(t, r.st.Decisions, 1)
	assert.Equal(t, types.JobWaiting, job.Status)
	assert.Equal(t, 2, a.Attempts["dead"])
}

func TestAgentFinishedCompletesStep(t *testing.T) {
	r := newRig(t)
	r.inject(&event.JobCreated{JobID: types.NewJobID(), Pipeline: "agentic", Namespace: "proj", RunbookHash: testHash})
	job := r.oneJob()
	a := r.oneAgent()
	r.drop()

	r.inject(&event.AgentFinished{AgentID: a.ID, State: types.AgentDone})
	assert.Equal(t, types.JobDone, job.Status)
	r.take("kill_agent")
}

func TestAgentPromptEscalates(t *testing.T) {
	r := newRig(t)
	r.inject(&event.JobCreated{JobID: types.NewJobID(), Pipeline: "agentic", Namespace: "proj", RunbookHash: testHash})
	a := r.oneAgent()
	r.inject(&event.AgentSpawned{AgentID: a.ID, Runtime: &types.AgentRuntime{Kind: "local", PID: 1}})
	r.drop()

	r.inject(&event.AgentPrompt{AgentID: a.ID, PromptType: types.PromptPlanApproval, Text: "plan?"})
	require.Len(t, r.st.Decisions, 1)
	assert.Len(t, r.take("notify"), 1)

	// Resolving the decision with guidance answers the prompt.
	var decID types.DecisionID
	for id := range r.st.Decisions {
		decID = id
	}
	r.inject(&event.DecisionResolved{DecisionID: decID, Resolution: "approve", Note: "go ahead"})
	responds := r.take("respond_to_agent")
	require.Len(t, responds, 1)
	assert.Equal(t, "go ahead", responds[0].(effect.RespondToAgent).Response)
}

func TestStopGate(t *testing.T) {
	r := newRig(t)
	r.inject(&event.JobCreated{JobID: types.NewJobID(), Pipeline: "agentic", Namespace: "proj", RunbookHash: testHash})
	a := r.oneAgent()
	r.inject(&event.AgentSpawned{AgentID: a.ID, Runtime: &types.AgentRuntime{Kind: "local", PID: 1}})
	r.drop()

	// Blocked stop resolves the block and then dispatches on_idle (nudge).
	r.inject(&event.AgentStopBlocked{AgentID: a.ID})
	assert.Len(t, r.take("resolve_stop"), 1)
	assert.Len(t, r.take("send_to_agent"), 1)
}

func TestCronFire(t *testing.T) {
	r := newRig(t)
	r.inject(&event.CronStarted{Namespace: "proj", Name: "nightly", RunbookHash: testHash,
		IntervalMS: 3600_000, Target: types.RunTarget{Kind: types.TargetPipeline, Name: "build"}})
	timers := r.take("set_timer")
	require.Len(t, timers, 1)
	assert.Equal(t, timer.Cron("proj", "nightly"), timers[0].(effect.SetTimer).ID)

	r.inject(&event.TimerFired{ID: timer.Cron("proj", "nightly")})
	assert.Len(t, r.st.Jobs, 1, "cron tick created the pipeline")
	reset := r.take("set_timer")
	var rearm bool
	for _, eff := range reset {
		if eff.(effect.SetTimer).ID == timer.Cron("proj", "nightly") {
			rearm = true
		}
	}
	assert.True(t, rearm, "cron re-arms itself")

	// Stopped cron: timer cancelled; a stray fire only reschedules.
	r.inject(&event.CronStopped{Namespace: "proj", Name: "nightly"})
	assert.Len(t, r.take("cancel_timer"), 1)
	r.drop()
	r.inject(&event.TimerFired{ID: timer.Cron("proj", "nightly")})
	assert.Len(t, r.st.Jobs, 1, "no new job from a stopped cron")
}

func TestCronAgentMaxConcurrency(t *testing.T) {
	r := newRig(t)
	r.inject(&event.CronStarted{Namespace: "proj", Name: "fixers", RunbookHash: testHash,
		IntervalMS: 3600_000, Target: types.RunTarget{Kind: types.TargetAgent, Name: "fixer"}})
	r.drop()

	r.inject(&event.TimerFired{ID: timer.Cron("proj", "fixers")})
	assert.Len(t, r.st.Agents, 1, "first tick spawns the agent")

	// Default max concurrency is 1: the next tick skips.
	r.inject(&event.TimerFired{ID: timer.Cron("proj", "fixers")})
	assert.Len(t, r.st.Agents, 1)
}

func TestWorkerStartExternalQueuePolls(t *testing.T) {
	r := newRig(t)
	rb, err := runbook.Parse([]byte(`
[queue.remote]
type = "external"
list = "queuectl list"
take = "queuectl take"

[pipeline.p]
[[pipeline.p.step]]
name = "exec"
run = { shell = "${cmd}" }

[worker.poller]
concurrency = 2

[worker.poller.source]
queue = "remote"

[worker.poller.handler]
pipeline = "p"
`))
	require.NoError(t, err)
	r.inject(&event.RunbookLoaded{Hash: "ext", Runbook: rb})
	r.inject(&event.WorkerStarted{Namespace: "proj", Name: "poller", ProjectRoot: "/proj",
		RunbookHash: "ext", Queue: "remote", Concurrency: 2})

	polls := r.take("poll_queue")
	require.Len(t, polls, 1)
	assert.Equal(t, "queuectl list", polls[0].(effect.PollQueue).ListCommand)
	require.Len(t, r.take("set_timer"), 1)

	// A poll result claims items before dispatching.
	r.inject(&event.WorkerPolled{Namespace: "proj", Name: "poller", Items: []event.ExternalItem{
		{ID: "x", Payload: `{"id":"x","cmd":"echo"}`},
	}})
	takes := r.take("take_queue_item")
	require.Len(t, takes, 1)
	assert.Equal(t, "x", takes[0].(effect.TakeQueueItem).ItemID)
	assert.Empty(t, r.st.Jobs, "no pipeline before the claim succeeds")

	// Claim confirmed: dispatch.
	r.inject(&event.WorkerTook{Namespace: "proj", Name: "poller", ItemID: "x", Success: true})
	assert.Len(t, r.st.Jobs, 1)

	// Lost claim: the item is forgotten.
	r.inject(&event.WorkerPolled{Namespace: "proj", Name: "poller", Items: []event.ExternalItem{
		{ID: "y", Payload: `{"id":"y"}`},
	}})
	r.inject(&event.WorkerTook{Namespace: "proj", Name: "poller", ItemID: "y", Success: false})
	assert.Nil(t, r.st.Item("proj", "remote", "y"))
}

func TestWorkspacePipelineFlow(t *testing.T) {
	r := newRig(t)
	rb, err := runbook.Parse([]byte(`
[pipeline.ws]
keep_on_failure = true

[pipeline.ws.source]
kind = "git"
repo = "/srv/repo.git"
branch = "work"

[[pipeline.ws.step]]
name = "go"
run = { shell = "make" }
`))
	require.NoError(t, err)
	r.inject(&event.RunbookLoaded{Hash: "ws", Runbook: rb})
	r.inject(&event.JobCreated{JobID: types.NewJobID(), Pipeline: "ws", Namespace: "proj", RunbookHash: "ws"})
	job := r.oneJob()

	creates := r.take("create_workspace")
	require.Len(t, creates, 1)
	cw := creates[0].(effect.CreateWorkspace)
	assert.Equal(t, types.WorkspaceWorktree, cw.WsKind)
	assert.Equal(t, "/srv/repo.git", cw.Repo)
	assert.Equal(t, types.JobCreated, job.Status, "no step until the workspace is ready")

	r.inject(&event.WorkspaceReady{WorkspaceID: cw.WorkspaceID})
	assert.Equal(t, "go", job.CurrentStep)
	shells := r.take("shell")
	require.Len(t, shells, 1)
	assert.Equal(t, cw.Path, shells[0].(effect.Shell).Cwd, "steps run inside the workspace")

	// keep_on_failure: a failed job leaves the workspace alone.
	r.inject(&event.ShellExited{Owner: types.OwnerJob(job.ID), Step: "go", ExitCode: 1})
	assert.Equal(t, types.JobFailed, job.Status)
	assert.Empty(t, r.take("delete_workspace"))
}

func TestWorkspaceFailureFailsJob(t *testing.T) {
	r := newRig(t)
	rb, err := runbook.Parse([]byte(`
[pipeline.ws]
[pipeline.ws.source]
kind = "folder"
path = "/srv/src"

[[pipeline.ws.step]]
name = "go"
run = { shell = "make" }
`))
	require.NoError(t, err)
	r.inject(&event.RunbookLoaded{Hash: "ws", Runbook: rb})
	r.inject(&event.JobCreated{JobID: types.NewJobID(), Pipeline: "ws", Namespace: "proj", RunbookHash: "ws"})
	job := r.oneJob()
	creates := r.take("create_workspace")
	require.Len(t, creates, 1)

	r.inject(&event.WorkspaceFailed{WorkspaceID: creates[0].(effect.CreateWorkspace).WorkspaceID, Error: "disk full"})
	assert.Equal(t, types.JobFailed, job.Status)
	assert.Contains(t, job.Error, "disk full")
}

func TestChildPipelineReportsToParent(t *testing.T) {
	r := newRig(t)
	rb, err := runbook.Parse([]byte(`
[pipeline.parent]
[[pipeline.parent.step]]
name = "delegate"
run = { pipeline = "child" }

[[pipeline.parent.step]]
name = "after"
run = { shell = "echo done" }

[pipeline.child]
[[pipeline.child.step]]
name = "work"
run = { shell = "true" }
`))
	require.NoError(t, err)
	r.inject(&event.RunbookLoaded{Hash: "nest", Runbook: rb})
	r.inject(&event.JobCreated{JobID: types.NewJobID(), Pipeline: "parent", Namespace: "proj", RunbookHash: "nest"})

	var parent, child *types.Job
	for _, j := range r.st.Jobs {
		switch j.Pipeline {
		case "parent":
			parent = j
		case "child":
			child = j
		}
	}
	require.NotNil(t, parent)
	require.NotNil(t, child)
	assert.Equal(t, "delegate", parent.CurrentStep)

	r.inject(&event.ShellExited{Owner: types.OwnerJob(child.ID), Step: "work", ExitCode: 0})
	assert.Equal(t, types.JobDone, child.Status)
	assert.Equal(t, "after", parent.CurrentStep, "child completion advances the parent")
}
