package state

import (
	"encoding/json"
	"fmt"

	"github.com/cuemby/foreman/pkg/runbook"
	"github.com/cuemby/foreman/pkg/types"
)

// State is the in-memory projection of the event log. It is a plain value:
// locking is the engine's responsibility, and the lock is never held across
// a suspension point.
type State struct {
	Jobs         map[types.JobID]*types.Job           `json:"jobs,omitempty"`
	Workspaces   map[types.WorkspaceID]*types.Workspace `json:"workspaces,omitempty"`
	Runbooks     map[string]*runbook.Runbook          `json:"runbooks,omitempty"`
	Workers      map[string]*types.Worker             `json:"workers,omitempty"`
	QueueItems   map[string][]*types.QueueItem        `json:"queue_items,omitempty"`
	Crons        map[string]*types.Cron               `json:"crons,omitempty"`
	Decisions    map[types.DecisionID]*types.Decision `json:"decisions,omitempty"`
	Crews        map[types.CrewID]*types.Crew         `json:"crews,omitempty"`
	Agents       map[types.AgentID]*types.Agent       `json:"agents,omitempty"`
	ProjectPaths map[string]string                    `json:"project_paths,omitempty"`
}

// New returns an empty materialized state.
func New() *State {
	return &State{
		Jobs:         make(map[types.JobID]*types.Job),
		Workspaces:   make(map[types.WorkspaceID]*types.Workspace),
		Runbooks:     make(map[string]*runbook.Runbook),
		Workers:      make(map[string]*types.Worker),
		QueueItems:   make(map[string][]*types.QueueItem),
		Crons:        make(map[string]*types.Cron),
		Decisions:    make(map[types.DecisionID]*types.Decision),
		Crews:        make(map[types.CrewID]*types.Crew),
		Agents:       make(map[types.AgentID]*types.Agent),
		ProjectPaths: make(map[string]string),
	}
}

// Key builds the namespace-qualified key used for workers, crons and queues.
func Key(namespace, name string) string {
	return namespace + "/" + name
}

// Clone deep-copies the state via its serialized form. Used by the
// checkpointer to release the state lock before compressing and writing.
func (s *State) Clone() (*State, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("clone state: %w", err)
	}
	out := New()
	if err := json.Unmarshal(data, out); err != nil {
		return nil, fmt.Errorf("clone state: %w", err)
	}
	out.ensureMaps()
	return out, nil
}

// ensureMaps re-establishes non-nil containers after decoding.
func (s *State) ensureMaps() {
	if s.Jobs == nil {
		s.Jobs = make(map[types.JobID]*types.Job)
	}
	if s.Workspaces == nil {
		s.Workspaces = make(map[types.WorkspaceID]*types.Workspace)
	}
	if s.Runbooks == nil {
		s.Runbooks = make(map[string]*runbook.Runbook)
	}
	if s.Workers == nil {
		s.Workers = make(map[string]*types.Worker)
	}
	if s.QueueItems == nil {
		s.QueueItems = make(map[string][]*types.QueueItem)
	}
	if s.Crons == nil {
		s.Crons = make(map[string]*types.Cron)
	}
	if s.Decisions == nil {
		s.Decisions = make(map[types.DecisionID]*types.Decision)
	}
	if s.Crews == nil {
		s.Crews = make(map[types.CrewID]*types.Crew)
	}
	if s.Agents == nil {
		s.Agents = make(map[types.AgentID]*types.Agent)
	}
	if s.ProjectPaths == nil {
		s.ProjectPaths = make(map[string]string)
	}
}

// Decode restores a state from its serialized form.
func Decode(data []byte) (*State, error) {
	out := New()
	if err := json.Unmarshal(data, out); err != nil {
		return nil, fmt.Errorf("decode state: %w", err)
	}
	out.ensureMaps()
	return out, nil
}

// Fingerprint returns a canonical byte form for semantic equality checks.
func (s *State) Fingerprint() ([]byte, error) {
	return json.Marshal(s)
}

// Item finds a queue item by id.
func (s *State) Item(namespace, queue, itemID string) *types.QueueItem {
	for _, it := range s.QueueItems[Key(namespace, queue)] {
		if it.ID == itemID {
			return it
		}
	}
	return nil
}

// PendingItems returns the pending items of a queue in push order.
func (s *State) PendingItems(namespace, queue string) []*types.QueueItem {
	var out []*types.QueueItem
	for _, it := range s.QueueItems[Key(namespace, queue)] {
		if it.Status == types.ItemPending {
			out = append(out, it)
		}
	}
	return out
}

// WorkersForQueue returns every running worker sourcing the given queue.
func (s *State) WorkersForQueue(namespace, queue string) []*types.Worker {
	var out []*types.Worker
	for _, w := range s.Workers {
		if w.Namespace == namespace && w.Queue == queue && w.Status == types.WorkerRunning {
			out = append(out, w)
		}
	}
	return out
}

// AgentForOwner returns the live agent owned by owner, if any.
func (s *State) AgentForOwner(owner types.OwnerID) *types.Agent {
	for _, a := range s.Agents {
		if a.Owner == owner && a.State.Live() {
			return a
		}
	}
	return nil
}

// CountAgentRuns counts non-terminal runs of the named agent in a namespace.
func (s *State) CountAgentRuns(namespace, name string) int {
	n := 0
	for _, a := range s.Agents {
		if a.Namespace == namespace && a.Name == name && !a.State.Terminal() {
			n++
		}
	}
	return n
}

// WorkspaceForOwner returns the owner's workspace, if any.
func (s *State) WorkspaceForOwner(owner types.OwnerID) *types.Workspace {
	for _, ws := range s.Workspaces {
		if ws.Owner == owner {
			return ws
		}
	}
	return nil
}
