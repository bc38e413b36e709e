package daemon

import (
	"context"

	"github.com/cuemby/foreman/pkg/activitylog"
	"github.com/cuemby/foreman/pkg/event"
)

// activityBuffer bounds the event-to-activity-log channel.
const activityBuffer = 256

// activityTask drains observed events into the per-entity activity logs.
// The observer side never blocks: a full buffer drops the line, the WAL is
// the authoritative record.
type activityTask struct {
	writer *activitylog.Writer
	ch     chan event.Event
}

func newActivityTask(writer *activitylog.Writer) *activityTask {
	return &activityTask{
		writer: writer,
		ch:     make(chan event.Event, activityBuffer),
	}
}

// Observe is the engine-side hook.
func (a *activityTask) Observe(ev event.Event) {
	select {
	case a.ch <- ev:
	default:
	}
}

// Run consumes until ctx is cancelled.
func (a *activityTask) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev := <-a.ch:
			a.record(ev)
		}
	}
}

func (a *activityTask) record(ev event.Event) {
	switch e := ev.(type) {
	case *event.JobCreated:
		a.writer.Job(e.JobID, "created pipeline=%s namespace=%s", e.Pipeline, e.Namespace)
	case *event.StepStarted:
		a.writer.Job(e.JobID, "step %s started", e.Step)
	case *event.StepCompleted:
		a.writer.Job(e.JobID, "step %s completed", e.Step)
	case *event.StepFailed:
		a.writer.Job(e.JobID, "step %s failed: %s", e.Step, e.Error)
	case *event.StepCancelled:
		a.writer.Job(e.JobID, "step %s cancelled", e.Step)
	case *event.JobFinished:
		a.writer.Job(e.JobID, "finished status=%s error=%q", e.Status, e.Error)
	case *event.ShellExited:
		if jobID, ok := e.Owner.Job(); ok {
			a.writer.Job(jobID, "shell step=%s exit=%d", e.Step, e.ExitCode)
		}
	case *event.AgentRunCreated:
		a.writer.Agent(e.AgentID, "created agent=%s owner=%s", e.Agent, e.Owner)
	case *event.AgentSpawned:
		a.writer.Agent(e.AgentID, "spawned pid=%d", e.Runtime.PID)
	case *event.AgentSpawnFailed:
		a.writer.Agent(e.AgentID, "spawn failed: %s", e.Error)
	case *event.AgentIdle:
		a.writer.Agent(e.AgentID, "idle")
	case *event.AgentWorking:
		a.writer.Agent(e.AgentID, "working")
	case *event.AgentPrompt:
		a.writer.Agent(e.AgentID, "prompt type=%s", e.PromptType)
	case *event.AgentGoneEvent:
		a.writer.Agent(e.AgentID, "gone: %s", e.Reason)
	case *event.AgentNudged:
		a.writer.Agent(e.AgentID, "nudged attempt=%d", e.ChainPos)
	case *event.AgentRecovered:
		a.writer.Agent(e.AgentID, "recover attempt=%d", e.ChainPos)
	case *event.AgentFinished:
		a.writer.Agent(e.AgentID, "finished state=%s", e.State)
	case *event.QueuePushed:
		a.writer.Queue(e.Namespace, e.Queue, "item %s pushed", e.ItemID)
	case *event.QueueCompleted:
		a.writer.Queue(e.Namespace, e.Queue, "item %s completed", e.ItemID)
	case *event.QueueFailed:
		a.writer.Queue(e.Namespace, e.Queue, "item %s failed: %s", e.ItemID, e.Error)
	case *event.QueueRequeued:
		a.writer.Queue(e.Namespace, e.Queue, "item %s requeued", e.ItemID)
	case *event.QueueDead:
		a.writer.Queue(e.Namespace, e.Queue, "item %s dead", e.ItemID)
	case *event.CronStarted:
		a.writer.Cron(e.Namespace, e.Name, "started interval=%dms", e.IntervalMS)
	case *event.CronStopped:
		a.writer.Cron(e.Namespace, e.Name, "stopped")
	}
}
