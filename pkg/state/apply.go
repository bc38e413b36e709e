package state

import (
	"github.com/cuemby/foreman/pkg/event"
	"github.com/cuemby/foreman/pkg/types"
)

// Apply mutates the state for one event. It is deterministic: replaying the
// same event sequence from an empty state always produces the same state.
// Events the projection does not care about (signals, actions) fall through
// untouched. Apply never performs I/O and never fails on business-rule
// violations; it drops mutations whose subject no longer exists.
func (s *State) Apply(ev event.Event) {
	switch e := ev.(type) {
	case *event.RunbookLoaded:
		s.Runbooks[e.Hash] = e.Runbook

	case *event.ProjectRegistered:
		s.ProjectPaths[e.Namespace] = e.Path

	case *event.JobCreated:
		s.Jobs[e.JobID] = &types.Job{
			ID:          e.JobID,
			Pipeline:    e.Pipeline,
			Namespace:   e.Namespace,
			RunbookHash: e.RunbookHash,
			Vars:        e.Vars,
			Status:      types.JobCreated,
			QueueRef:    e.QueueRef,
			Worker:      e.Worker,
			Parent:      e.Parent,
			CreatedAt:   e.At,
		}

	case *event.StepStarted:
		if job := s.Jobs[e.JobID]; job != nil && !job.Status.Terminal() {
			job.Status = types.JobRunning
			job.CurrentStep = e.Step
			job.DecisionID = ""
			if ws := s.Workspaces[job.WorkspaceID]; ws != nil && ws.Status == types.WorkspaceReady {
				ws.Status = types.WorkspaceInUse
			}
		}

	case *event.StepFailed:
		if job := s.Jobs[e.JobID]; job != nil {
			job.Error = e.Error
		}

	case *event.JobFinished:
		job := s.Jobs[e.JobID]
		if job == nil || job.Status.Terminal() {
			return
		}
		job.Status = e.Status
		job.FinishedAt = e.At
		if e.Error != "" {
			job.Error = e.Error
		}
		if job.Worker != "" {
			if w := s.Workers[Key(job.Namespace, job.Worker)]; w != nil {
				delete(w.ActivePipelines, job.ID)
			}
		}

	case *event.WorkspaceCreating:
		s.Workspaces[e.WorkspaceID] = &types.Workspace{
			ID:            e.WorkspaceID,
			Owner:         e.Owner,
			Path:          e.Path,
			Kind:          e.WorkspaceKind,
			Branch:        e.Branch,
			Status:        types.WorkspaceCreating,
			KeepOnFailure: e.KeepOnFailure,
		}
		if jobID, ok := e.Owner.Job(); ok {
			if job := s.Jobs[jobID]; job != nil {
				job.WorkspaceID = e.WorkspaceID
			}
		}

	case *event.WorkspaceReady:
		if ws := s.Workspaces[e.WorkspaceID]; ws != nil {
			ws.Status = types.WorkspaceReady
		}

	case *event.WorkspaceFailed:
		delete(s.Workspaces, e.WorkspaceID)

	case *event.WorkspaceDeleted:
		delete(s.Workspaces, e.WorkspaceID)

	case *event.AgentRunCreated:
		s.Agents[e.AgentID] = &types.Agent{
			ID:          e.AgentID,
			Name:        e.Agent,
			Owner:       e.Owner,
			Step:        e.Step,
			Namespace:   e.Namespace,
			RunbookHash: e.RunbookHash,
			State:       types.AgentSpawning,
			QueueRef:    e.QueueRef,
			CreatedAt:   e.At,
		}

	case *event.AgentSpawned:
		if a := s.Agents[e.AgentID]; a != nil {
			a.Runtime = e.Runtime
			a.State = types.AgentIdle
		}

	case *event.AgentSpawnFailed:
		if a := s.Agents[e.AgentID]; a != nil {
			a.State = types.AgentGone
			a.LastError = e.Error
		}

	case *event.AgentWorking:
		if a := s.Agents[e.AgentID]; a != nil && a.State.Live() {
			a.State = types.AgentWorking
			a.Prompt = nil
		}

	case *event.AgentIdle:
		if a := s.Agents[e.AgentID]; a != nil && a.State.Live() {
			a.State = types.AgentIdle
		}

	case *event.AgentPrompt:
		if a := s.Agents[e.AgentID]; a != nil && a.State.Live() {
			a.State = types.AgentPrompting
			a.Prompt = &types.AgentPrompt{Type: e.PromptType, Text: e.Text}
		}

	case *event.AgentFailed:
		if a := s.Agents[e.AgentID]; a != nil {
			a.LastError = e.Error
		}

	case *event.AgentGoneEvent:
		if a := s.Agents[e.AgentID]; a != nil && !a.State.Terminal() {
			a.State = types.AgentGone
			if e.Reason != "" {
				a.LastError = e.Reason
			}
		}

	case *event.AgentNudged:
		if a := s.Agents[e.AgentID]; a != nil {
			if a.Attempts == nil {
				a.Attempts = make(map[string]int)
			}
			a.Attempts[e.Trigger] = e.ChainPos
		}

	case *event.AgentRecovered:
		if a := s.Agents[e.AgentID]; a != nil {
			if a.Attempts == nil {
				a.Attempts = make(map[string]int)
			}
			a.Attempts["dead"] = e.ChainPos
			a.State = types.AgentSpawning
			a.Runtime = nil
		}

	case *event.AgentFinished:
		if a := s.Agents[e.AgentID]; a != nil {
			a.State = e.State
			a.Prompt = nil
			if e.Error != "" {
				a.LastError = e.Error
			}
		}

	case *event.WorkerStarted:
		s.Workers[Key(e.Namespace, e.Name)] = &types.Worker{
			Namespace:       e.Namespace,
			Name:            e.Name,
			ProjectRoot:     e.ProjectRoot,
			RunbookHash:     e.RunbookHash,
			Queue:           e.Queue,
			Concurrency:     e.Concurrency,
			ActivePipelines: make(map[types.JobID]string),
			Status:          types.WorkerRunning,
		}

	case *event.WorkerStopped:
		if w := s.Workers[Key(e.Namespace, e.Name)]; w != nil {
			w.Status = types.WorkerStopped
		}

	case *event.WorkerPolled:
		w := s.Workers[Key(e.Namespace, e.Name)]
		if w == nil {
			return
		}
		key := Key(e.Namespace, w.Queue)
		for _, it := range e.Items {
			if s.Item(e.Namespace, w.Queue, it.ID) != nil {
				continue
			}
			s.QueueItems[key] = append(s.QueueItems[key], &types.QueueItem{
				ID:        it.ID,
				Namespace: e.Namespace,
				Queue:     w.Queue,
				Payload:   it.Payload,
				Status:    types.ItemPending,
			})
		}

	case *event.WorkerDispatched:
		w := s.Workers[Key(e.Namespace, e.Name)]
		if w == nil {
			return
		}
		it := s.Item(e.Namespace, w.Queue, e.ItemID)
		if it == nil {
			// The item vanished between dispatch decision and application;
			// registering the pipeline would leak a slot.
			return
		}
		if w.ActivePipelines == nil {
			w.ActivePipelines = make(map[types.JobID]string)
		}
		w.ActivePipelines[e.JobID] = e.ItemID
		it.Status = types.ItemActive
		it.JobID = e.JobID

	case *event.QueuePushed:
		key := Key(e.Namespace, e.Queue)
		if s.Item(e.Namespace, e.Queue, e.ItemID) != nil {
			return
		}
		s.QueueItems[key] = append(s.QueueItems[key], &types.QueueItem{
			ID:        e.ItemID,
			Namespace: e.Namespace,
			Queue:     e.Queue,
			Payload:   e.Payload,
			Status:    types.ItemPending,
			PushedAt:  e.At,
		})

	case *event.QueueCompleted:
		if it := s.Item(e.Namespace, e.Queue, e.ItemID); it != nil {
			it.Status = types.ItemCompleted
			it.JobID = ""
		}

	case *event.QueueFailed:
		if it := s.Item(e.Namespace, e.Queue, e.ItemID); it != nil {
			it.Status = types.ItemFailed
			it.Attempts++
			it.Error = e.Error
			it.JobID = ""
		}

	case *event.QueueRequeued:
		if it := s.Item(e.Namespace, e.Queue, e.ItemID); it != nil && it.Status == types.ItemFailed {
			it.Status = types.ItemPending
		}

	case *event.QueueDead:
		// Dead-letter only moves failed items; anything else is a stale
		// event racing a requeue.
		it := s.Item(e.Namespace, e.Queue, e.ItemID)
		if it == nil || it.Status != types.ItemFailed {
			return
		}
		if e.Drop {
			key := Key(e.Namespace, e.Queue)
			items := s.QueueItems[key]
			for i, cand := range items {
				if cand.ID == e.ItemID {
					s.QueueItems[key] = append(items[:i:i], items[i+1:]...)
					break
				}
			}
			return
		}
		it.Status = types.ItemDead

	case *event.CronStarted:
		s.Crons[Key(e.Namespace, e.Name)] = &types.Cron{
			Namespace:   e.Namespace,
			Name:        e.Name,
			RunbookHash: e.RunbookHash,
			IntervalMS:  e.IntervalMS,
			Target:      e.Target,
			Status:      types.CronRunning,
		}

	case *event.CronStopped:
		if c := s.Crons[Key(e.Namespace, e.Name)]; c != nil {
			c.Status = types.CronStopped
		}

	case *event.CrewCreated:
		s.Crews[e.CrewID] = &types.Crew{
			ID:        e.CrewID,
			Name:      e.Name,
			Namespace: e.Namespace,
			CreatedAt: e.At,
		}

	case *event.WorkerTook:
		if e.Success {
			return
		}
		// The external system refused the claim; some other consumer has
		// the item. Forget it.
		w := s.Workers[Key(e.Namespace, e.Name)]
		if w == nil {
			return
		}
		key := Key(e.Namespace, w.Queue)
		items := s.QueueItems[key]
		for i, it := range items {
			if it.ID == e.ItemID {
				s.QueueItems[key] = append(items[:i:i], items[i+1:]...)
				break
			}
		}

	case *event.JobResume:
		if job := s.Jobs[e.JobID]; job != nil && len(e.Vars) > 0 {
			if job.Vars == nil {
				job.Vars = make(map[string]string, len(e.Vars))
			}
			for k, v := range e.Vars {
				job.Vars[k] = v
			}
		}

	case *event.DecisionCreated:
		s.Decisions[e.DecisionID] = &types.Decision{
			ID:        e.DecisionID,
			Owner:     e.Owner,
			AgentID:   e.AgentID,
			Kind:      e.Reason,
			Title:     e.Title,
			Body:      e.Body,
			Status:    types.DecisionCreated,
			CreatedAt: e.At,
		}
		if jobID, ok := e.Owner.Job(); ok {
			if job := s.Jobs[jobID]; job != nil && !job.Status.Terminal() {
				job.Status = types.JobWaiting
				job.DecisionID = e.DecisionID
			}
		}
		if e.AgentID != "" {
			if a := s.Agents[e.AgentID]; a != nil {
				a.DecisionID = e.DecisionID
			}
		}

	case *event.DecisionResolved:
		if d := s.Decisions[e.DecisionID]; d != nil {
			d.Status = types.DecisionResolved
			d.Resolution = e.Resolution
		}
	}
}
