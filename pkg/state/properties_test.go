package state

import (
	"fmt"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/cuemby/foreman/pkg/event"
	"github.com/cuemby/foreman/pkg/types"
)

// queueOp is a small parametrized vocabulary of queue and worker events,
// enough to exercise every item transition and the concurrency accounting.
type queueOp struct {
	Kind string // push, dispatch, complete, fail, requeue, dead, finish
	Item int
}

// jobFor derives a stable job id from an item index so dispatch and finish
// ops line up without shared test state.
func jobFor(item int) types.JobID {
	return types.JobID(fmt.Sprintf("job-%019d", item))
}

func (op queueOp) events() []event.Event {
	item := fmt.Sprintf("it-%d", op.Item)
	switch op.Kind {
	case "push":
		return []event.Event{&event.QueuePushed{Namespace: "p", Queue: "q", ItemID: item}}
	case "dispatch":
		return []event.Event{
			&event.WorkerDispatched{Namespace: "p", Name: "w", ItemID: item, JobID: jobFor(op.Item)},
			&event.JobCreated{JobID: jobFor(op.Item), Pipeline: "h", Namespace: "p", Worker: "w",
				QueueRef: &types.QueueRef{Namespace: "p", Queue: "q", ItemID: item}},
		}
	case "complete":
		return []event.Event{
			&event.JobFinished{JobID: jobFor(op.Item), Status: types.JobDone},
			&event.QueueCompleted{Namespace: "p", Queue: "q", ItemID: item},
		}
	case "fail":
		return []event.Event{
			&event.JobFinished{JobID: jobFor(op.Item), Status: types.JobFailed, Error: "x"},
			&event.QueueFailed{Namespace: "p", Queue: "q", ItemID: item, Error: "x"},
		}
	case "requeue":
		return []event.Event{&event.QueueRequeued{Namespace: "p", Queue: "q", ItemID: item}}
	case "dead":
		return []event.Event{&event.QueueDead{Namespace: "p", Queue: "q", ItemID: item}}
	}
	return nil
}

func genOps() gopter.Gen {
	kinds := gen.OneConstOf("push", "dispatch", "complete", "fail", "requeue", "dead")
	opGen := gopter.CombineGens(kinds, gen.IntRange(0, 8)).Map(func(vals []any) queueOp {
		return queueOp{Kind: vals[0].(string), Item: vals[1].(int)}
	})
	return gen.SliceOf(opGen)
}

func buildEvents(ops []queueOp) []event.Event {
	events := []event.Event{
		&event.WorkerStarted{Namespace: "p", Name: "w", Queue: "q", Concurrency: 3, RunbookHash: "h"},
	}
	for _, op := range ops {
		events = append(events, op.events()...)
	}
	return events
}

func fingerprint(t *testing.T, s *State) string {
	fp, err := s.Fingerprint()
	if err != nil {
		t.Fatalf("fingerprint: %v", err)
	}
	return string(fp)
}

// Applying the same sequence twice yields equal state.
func TestPropDeterminism(t *testing.T) {
	params := gopter.DefaultTestParameters()
	params.MinSuccessfulTests = 200
	properties := gopter.NewProperties(params)

	properties.Property("apply is deterministic", prop.ForAll(
		func(ops []queueOp) bool {
			events := buildEvents(ops)
			a, b := New(), New()
			for _, ev := range events {
				a.Apply(ev)
			}
			for _, ev := range events {
				b.Apply(ev)
			}
			return fingerprint(t, a) == fingerprint(t, b)
		},
		genOps(),
	))
	properties.TestingRun(t)
}

// Snapshot-at-any-prefix plus tail replay equals pure full replay.
func TestPropReplayEquivalence(t *testing.T) {
	params := gopter.DefaultTestParameters()
	params.MinSuccessfulTests = 200
	properties := gopter.NewProperties(params)

	properties.Property("snapshot + tail = full replay", prop.ForAll(
		func(ops []queueOp, cutRatio int) bool {
			events := buildEvents(ops)
			cut := len(events) * cutRatio / 100

			full := New()
			for _, ev := range events {
				full.Apply(ev)
			}

			prefix := New()
			for _, ev := range events[:cut] {
				prefix.Apply(ev)
			}
			snapshotted, err := prefix.Clone()
			if err != nil {
				return false
			}
			for _, ev := range events[cut:] {
				snapshotted.Apply(ev)
			}
			return fingerprint(t, full) == fingerprint(t, snapshotted)
		},
		genOps(),
		gen.IntRange(0, 100),
	))
	properties.TestingRun(t)
}

// The worker's active set never exceeds its concurrency... as maintained by
// the apply layer given dispatches the handlers would issue. Here we check
// the bookkeeping identity instead: active items always equal the worker's
// active pipelines for dispatched work.
func TestPropQueueAccounting(t *testing.T) {
	params := gopter.DefaultTestParameters()
	params.MinSuccessfulTests = 200
	properties := gopter.NewProperties(params)

	properties.Property("active items match tracked pipelines", prop.ForAll(
		func(ops []queueOp) bool {
			s := New()
			for _, ev := range buildEvents(ops) {
				s.Apply(ev)
			}
			w := s.Workers[Key("p", "w")]
			if w == nil {
				return false
			}
			active := 0
			for _, it := range s.QueueItems[Key("p", "q")] {
				if it.Status == types.ItemActive {
					active++
				}
			}
			tracked := 0
			for jobID := range w.ActivePipelines {
				if job := s.Jobs[jobID]; job != nil && !job.Status.Terminal() {
					tracked++
				}
			}
			return active == tracked
		},
		genOps(),
	))
	properties.TestingRun(t)
}
