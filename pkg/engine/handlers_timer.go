package engine

import (
	"github.com/cuemby/foreman/pkg/effect"
	"github.com/cuemby/foreman/pkg/event"
	"github.com/cuemby/foreman/pkg/state"
	"github.com/cuemby/foreman/pkg/timer"
	"github.com/cuemby/foreman/pkg/types"
)

// handleTimerFired inspects the structured id and routes to the owning
// subsystem.
func handleTimerFired(e *event.TimerFired, c Ctx) []effect.Effect {
	id := e.ID
	switch id.Kind {
	case timer.KindLiveness:
		a := c.State.AgentForOwner(id.Owner)
		if a == nil || a.State != types.AgentIdle {
			return nil
		}
		return dispatchIdle(a, c)

	case timer.KindExitDeferred:
		a := goneAgentForOwner(id.Owner, c)
		if a == nil {
			return nil
		}
		return dispatchDead(a, c)

	case timer.KindCooldown:
		switch id.Trigger {
		case triggerIdle:
			a := c.State.AgentForOwner(id.Owner)
			if a == nil || a.State != types.AgentIdle {
				return nil
			}
			return dispatchIdle(a, c)
		case triggerDead:
			a := goneAgentForOwner(id.Owner, c)
			if a == nil {
				return nil
			}
			return dispatchDead(a, c)
		}
		return nil

	case timer.KindQueueRetry:
		it := c.State.Item(id.Namespace, id.Queue, id.Item)
		if it == nil || it.Status != types.ItemFailed {
			return nil
		}
		return []effect.Effect{effect.Emit{Event: &event.QueueRequeued{
			Namespace: id.Namespace,
			Queue:     id.Queue,
			ItemID:    id.Item,
		}}}

	case timer.KindCron:
		return fireCron(id.Namespace, id.Name, c)

	case timer.KindQueuePoll:
		w := c.State.Workers[state.Key(id.Namespace, id.Name)]
		if w == nil || w.Status != types.WorkerRunning {
			return nil
		}
		q := c.queueDef(w.Namespace, w.Queue)
		if !q.External() {
			return nil
		}
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
	return nil
}

// goneAgentForOwner finds the most recent non-terminal gone agent for an
// owner. AgentForOwner only sees live states.
func goneAgentForOwner(owner types.OwnerID, c Ctx) *types.Agent {
	var found *types.Agent
	for _, a := range c.State.Agents {
		if a.Owner == owner && a.State == types.AgentGone {
			if found == nil || a.CreatedAt > found.CreatedAt {
				found = a
			}
		}
	}
	return found
}
