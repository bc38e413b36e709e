package engine

import (
	"time"

	"github.com/cuemby/foreman/pkg/effect"
	"github.com/cuemby/foreman/pkg/event"
	"github.com/cuemby/foreman/pkg/state"
	"github.com/cuemby/foreman/pkg/timer"
	"github.com/cuemby/foreman/pkg/types"
)

func handleCronStarted(e *event.CronStarted, c Ctx) []effect.Effect {
	return []effect.Effect{effect.SetTimer{
		ID:    timer.Cron(e.Namespace, e.Name),
		After: time.Duration(e.IntervalMS) * time.Millisecond,
	}}
}

func handleCronStopped(e *event.CronStopped, c Ctx) []effect.Effect {
	return []effect.Effect{effect.CancelTimer{ID: timer.Cron(e.Namespace, e.Name)}}
}

// fireCron runs one cron tick: reschedule, then spawn the target unless the
// cron was stopped or the agent target is already at max concurrency.
func fireCron(namespace, name string, c Ctx) []effect.Effect {
	cr := c.State.Crons[state.Key(namespace, name)]
	if cr == nil {
		return nil
	}
	effects := []effect.Effect{effect.SetTimer{
		ID:    timer.Cron(namespace, name),
		After: time.Duration(cr.IntervalMS) * time.Millisecond,
	}}
	if cr.Status != types.CronRunning {
		return effects
	}

	switch cr.Target.Kind {
	case types.TargetPipeline:
		return append(effects, effect.Emit{Event: &event.JobCreated{
			JobID:       types.NewJobID(),
			Pipeline:    cr.Target.Name,
			Namespace:   namespace,
			RunbookHash: cr.RunbookHash,
			At:          c.Clock.EpochMS(),
		}})
	case types.TargetAgent:
		rb := c.Runbook(cr.RunbookHash)
		if rb == nil {
			return effects
		}
		def := rb.Agents[cr.Target.Name]
		if def == nil {
			return effects
		}
		max := def.MaxConcurrency
		if max <= 0 {
			max = 1
		}
		if c.State.CountAgentRuns(namespace, cr.Target.Name) >= max {
			// At max concurrency: skip this tick.
			return effects
		}
		crewID := types.NewCrewID()
		return append(effects,
			effect.Emit{Event: &event.CrewCreated{
				CrewID:    crewID,
				Name:      cr.Target.Name,
				Namespace: namespace,
				At:        c.Clock.EpochMS(),
			}},
			effect.Emit{Event: &event.AgentRunCreated{
				AgentID:     types.NewAgentID(),
				Agent:       cr.Target.Name,
				Owner:       types.OwnerCrew(crewID),
				Namespace:   namespace,
				RunbookHash: cr.RunbookHash,
				At:          c.Clock.EpochMS(),
			}},
		)
	}
	return effects
}
