package engine

import (
	"github.com/cuemby/foreman/pkg/effect"
	"github.com/cuemby/foreman/pkg/event"
	"github.com/cuemby/foreman/pkg/state"
	"github.com/cuemby/foreman/pkg/timer"
	"github.com/cuemby/foreman/pkg/types"
)

func handleWorkerStarted(e *event.WorkerStarted, c Ctx) []effect.Effect {
	w := c.State.Workers[state.Key(e.Namespace, e.Name)]
	if w == nil {
		return nil
	}
	if q := c.queueDef(w.Namespace, w.Queue); q.External() {
		return []effect.Effect{
			effect.PollQueue{
				Namespace:   w.Namespace,
				Worker:      w.Name,
				ListCommand: q.List,
				Cwd:         w.ProjectRoot,
			},
			effect.SetTimer{
				ID:    timer.QueuePoll(w.Namespace, w.Name),
				After: c.Cfg.QueuePollInterval,
			},
		}
	}
	return []effect.Effect{effect.Emit{Event: &event.WorkerWake{
		Namespace: e.Namespace,
		Name:      e.Name,
	}}}
}

func handleWorkerStopped(e *event.WorkerStopped, c Ctx) []effect.Effect {
	return []effect.Effect{effect.CancelTimer{ID: timer.QueuePoll(e.Namespace, e.Name)}}
}

func handleWorkerWake(e *event.WorkerWake, c Ctx) []effect.Effect {
	w := c.State.Workers[state.Key(e.Namespace, e.Name)]
	return dispatchWorker(w, c)
}

func handleWorkerPolled(e *event.WorkerPolled, c Ctx) []effect.Effect {
	w := c.State.Workers[state.Key(e.Namespace, e.Name)]
	return dispatchWorker(w, c)
}

// dispatchWorker fills free concurrency slots with pending items. Persisted
// queues dispatch directly; external queues claim via TakeQueueItem first
// and dispatch on WorkerTook{success}.
func dispatchWorker(w *types.Worker, c Ctx) []effect.Effect {
	if w == nil || w.Status != types.WorkerRunning {
		// Stopped workers never dispatch; active pipelines drain naturally.
		return nil
	}
	avail := w.Concurrency - len(w.ActivePipelines)
	if avail <= 0 {
		return nil
	}
	pending := c.State.PendingItems(w.Namespace, w.Queue)
	if len(pending) == 0 {
		return nil
	}
	q := c.queueDef(w.Namespace, w.Queue)

	var effects []effect.Effect
	for _, it := range pending {
		if avail == 0 {
			break
		}
		avail--
		if q.External() {
			effects = append(effects, effect.TakeQueueItem{
				Namespace:   w.Namespace,
				Worker:      w.Name,
				TakeCommand: q.Take,
				Cwd:         w.ProjectRoot,
				ItemID:      it.ID,
				Payload:     it.Payload,
			})
			continue
		}
		effects = append(effects, effect.Emit{Event: &event.WorkerDispatched{
			Namespace: w.Namespace,
			Name:      w.Name,
			ItemID:    it.ID,
			JobID:     types.NewJobID(),
			At:        c.Clock.EpochMS(),
		}})
	}
	return effects
}

func handleWorkerTook(e *event.WorkerTook, c Ctx) []effect.Effect {
	if !e.Success {
		return nil
	}
	w := c.State.Workers[state.Key(e.Namespace, e.Name)]
	if w == nil || w.Status != types.WorkerRunning {
		return nil
	}
	if len(w.ActivePipelines) >= w.Concurrency {
		// Claimed but no slot left; the item waits as pending.
		return nil
	}
	it := c.State.Item(e.Namespace, w.Queue, e.ItemID)
	if it == nil || it.Status != types.ItemPending {
		return nil
	}
	return []effect.Effect{effect.Emit{Event: &event.WorkerDispatched{
		Namespace: e.Namespace,
		Name:      e.Name,
		ItemID:    e.ItemID,
		JobID:     types.NewJobID(),
		At:        c.Clock.EpochMS(),
	}}}
}

func handleWorkerDispatched(e *event.WorkerDispatched, c Ctx) []effect.Effect {
	w := c.State.Workers[state.Key(e.Namespace, e.Name)]
	if w == nil {
		return nil
	}
	rb := c.Runbook(w.RunbookHash)
	if rb == nil {
		return nil
	}
	def := rb.Workers[w.Name]
	if def == nil {
		return nil
	}
	pipeline := def.Handler.Pipeline
	if pipeline == "" {
		pipeline = agentPipelinePrefix + def.Handler.Agent
	}
	return []effect.Effect{effect.Emit{Event: &event.JobCreated{
		JobID:       e.JobID,
		Pipeline:    pipeline,
		Namespace:   w.Namespace,
		RunbookHash: w.RunbookHash,
		QueueRef: &types.QueueRef{
			Namespace: w.Namespace,
			Queue:     w.Queue,
			ItemID:    e.ItemID,
		},
		Worker: w.Name,
		At:     c.Clock.EpochMS(),
	}}}
}

// wakeWorkers nudges every running worker sourcing a queue.
func wakeWorkers(namespace, queue string, c Ctx) []effect.Effect {
	var effects []effect.Effect
	for _, w := range c.State.WorkersForQueue(namespace, queue) {
		effects = append(effects, effect.Emit{Event: &event.WorkerWake{
			Namespace: w.Namespace,
			Name:      w.Name,
		}})
	}
	return effects
}

func handleQueueFailed(e *event.QueueFailed, c Ctx) []effect.Effect {
	effects := wakeWorkers(e.Namespace, e.Queue, c)
	it := c.State.Item(e.Namespace, e.Queue, e.ItemID)
	if it == nil {
		return effects
	}
	q := c.queueDef(e.Namespace, e.Queue)
	if q == nil || q.Retry == nil {
		// No retry policy: straight to the dead letter state.
		return append(effects, effect.Emit{Event: &event.QueueDead{
			Namespace: e.Namespace, Queue: e.Queue, ItemID: e.ItemID,
		}})
	}
	if it.Attempts <= q.Retry.Attempts {
		return append(effects, effect.SetTimer{
			ID:    timer.QueueRetry(e.Namespace, e.Queue, e.ItemID),
			After: q.Retry.Backoff.D(),
		})
	}
	return append(effects, effect.Emit{Event: &event.QueueDead{
		Namespace: e.Namespace,
		Queue:     e.Queue,
		ItemID:    e.ItemID,
		Drop:      q.Retry.OnDead == "drop",
	}})
}
