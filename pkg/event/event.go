package event

import (
	"github.com/cuemby/foreman/pkg/runbook"
	"github.com/cuemby/foreman/pkg/timer"
	"github.com/cuemby/foreman/pkg/types"
)

// Event is a tagged, serializable value in a closed enumeration. Every event
// carries a stable textual discriminator returned by Kind. All events are
// persisted to the WAL; whether an event mutates state, is observed as a
// signal, or routes an external action is a property of its handler.
type Event interface {
	Kind() string
}

// --- Runbook cache ---

// RunbookLoaded caches a parsed runbook in materialized state under its
// content hash. Persisting the parsed form keeps replay self-contained.
type RunbookLoaded struct {
	Hash    string           `json:"hash"`
	Runbook *runbook.Runbook `json:"runbook"`
}

func (RunbookLoaded) Kind() string { return "runbook:loaded" }

// ProjectRegistered records the absolute path a namespace was invoked from.
type ProjectRegistered struct {
	Namespace string `json:"namespace"`
	Path      string `json:"path"`
}

func (ProjectRegistered) Kind() string { return "project:registered" }

// --- Command invocation ---

// CommandRun is the externally-originating trigger for a runbook command.
type CommandRun struct {
	Namespace   string   `json:"namespace"`
	Command     string   `json:"command"`
	Args        []string `json:"args,omitempty"`
	Cwd         string   `json:"cwd"`
	RunbookHash string   `json:"runbook_hash"`
	At          int64    `json:"at"`
}

func (CommandRun) Kind() string { return "command:run" }

// --- Job lifecycle ---

// JobCreated starts a pipeline job.
type JobCreated struct {
	JobID       types.JobID       `json:"job_id"`
	Pipeline    string            `json:"pipeline"`
	Namespace   string            `json:"namespace"`
	RunbookHash string            `json:"runbook_hash"`
	Vars        map[string]string `json:"vars,omitempty"`
	QueueRef    *types.QueueRef   `json:"queue_ref,omitempty"`
	Worker      string            `json:"worker,omitempty"`
	Parent      *types.ParentRef  `json:"parent,omitempty"`
	At          int64             `json:"at"`
}

func (JobCreated) Kind() string { return "job:created" }

// StepStarted moves a job onto a step.
type StepStarted struct {
	JobID types.JobID `json:"job_id"`
	Step  string      `json:"step"`
}

func (StepStarted) Kind() string { return "step:started" }

// StepCompleted marks the current step done.
type StepCompleted struct {
	JobID types.JobID `json:"job_id"`
	Step  string      `json:"step"`
}

func (StepCompleted) Kind() string { return "step:completed" }

// StepFailed marks the current step failed.
type StepFailed struct {
	JobID types.JobID `json:"job_id"`
	Step  string      `json:"step"`
	Error string      `json:"error,omitempty"`
}

func (StepFailed) Kind() string { return "step:failed" }

// StepCancelled marks the current step cancelled.
type StepCancelled struct {
	JobID types.JobID `json:"job_id"`
	Step  string      `json:"step"`
}

func (StepCancelled) Kind() string { return "step:cancelled" }

// JobFinished moves a job to a terminal status.
type JobFinished struct {
	JobID  types.JobID     `json:"job_id"`
	Status types.JobStatus `json:"status"`
	Error  string          `json:"error,omitempty"`
	At     int64           `json:"at"`
}

func (JobFinished) Kind() string { return "job:finished" }

// JobCancel is the externally-originating cancel action.
type JobCancel struct {
	JobID types.JobID `json:"job_id"`
}

func (JobCancel) Kind() string { return "job:cancel" }

// JobResume is the externally-originating resume action for waiting jobs.
type JobResume struct {
	JobID types.JobID       `json:"job_id"`
	Vars  map[string]string `json:"vars,omitempty"`
}

func (JobResume) Kind() string { return "job:resume" }

// ShellExited is the completion event of a deferred Shell effect.
type ShellExited struct {
	Owner      types.OwnerID `json:"owner,omitempty"`
	Step       string        `json:"step"`
	ExitCode   int           `json:"exit_code"`
	StdoutTail string        `json:"stdout_tail,omitempty"`
	StderrTail string        `json:"stderr_tail,omitempty"`
	Error      string        `json:"error,omitempty"`
}

func (ShellExited) Kind() string { return "shell:exited" }

// --- Workspace lifecycle ---

// WorkspaceCreating records a workspace request ahead of provisioning.
type WorkspaceCreating struct {
	WorkspaceID   types.WorkspaceID   `json:"workspace_id"`
	Owner         types.OwnerID       `json:"owner"`
	Path          string              `json:"path"`
	WorkspaceKind types.WorkspaceKind `json:"kind"`
	Branch        string              `json:"branch,omitempty"`
	KeepOnFailure bool                `json:"keep_on_failure,omitempty"`
}

func (WorkspaceCreating) Kind() string { return "workspace:creating" }

// WorkspaceReady is the success completion of CreateWorkspace.
type WorkspaceReady struct {
	WorkspaceID types.WorkspaceID `json:"workspace_id"`
}

func (WorkspaceReady) Kind() string { return "workspace:ready" }

// WorkspaceFailed is the failure completion of CreateWorkspace.
type WorkspaceFailed struct {
	WorkspaceID types.WorkspaceID `json:"workspace_id"`
	Error       string            `json:"error"`
}

func (WorkspaceFailed) Kind() string { return "workspace:failed" }

// WorkspaceDeleted is the completion of DeleteWorkspace.
type WorkspaceDeleted struct {
	WorkspaceID types.WorkspaceID `json:"workspace_id"`
}

func (WorkspaceDeleted) Kind() string { return "workspace:deleted" }

// --- Agent lifecycle ---

// AgentRunCreated registers an agent run before its process spawns.
type AgentRunCreated struct {
	AgentID     types.AgentID   `json:"agent_id"`
	Agent       string          `json:"agent"`
	Owner       types.OwnerID   `json:"owner"`
	Step        string          `json:"step,omitempty"`
	Namespace   string          `json:"namespace"`
	RunbookHash string          `json:"runbook_hash"`
	QueueRef    *types.QueueRef `json:"queue_ref,omitempty"`
	At          int64           `json:"at"`
}

func (AgentRunCreated) Kind() string { return "agent:run-created" }

// AgentSpawned carries the runtime handle needed for reconnection.
type AgentSpawned struct {
	AgentID types.AgentID       `json:"agent_id"`
	Runtime *types.AgentRuntime `json:"runtime"`
}

func (AgentSpawned) Kind() string { return "agent:spawned" }

// AgentSpawnFailed is the failure completion of SpawnAgent.
type AgentSpawnFailed struct {
	AgentID types.AgentID `json:"agent_id"`
	Error   string        `json:"error"`
}

func (AgentSpawnFailed) Kind() string { return "agent:spawn-failed" }

// AgentWorking reports the agent actively making progress.
type AgentWorking struct {
	AgentID types.AgentID `json:"agent_id"`
}

func (AgentWorking) Kind() string { return "agent:working" }

// AgentIdle reports the agent at rest at a turn boundary.
type AgentIdle struct {
	AgentID types.AgentID `json:"agent_id"`
}

func (AgentIdle) Kind() string { return "agent:idle" }

// AgentPrompt reports an interactive prompt awaiting a human or policy.
type AgentPrompt struct {
	AgentID    types.AgentID    `json:"agent_id"`
	PromptType types.PromptType `json:"prompt_type"`
	Text       string           `json:"text,omitempty"`
}

func (AgentPrompt) Kind() string { return "agent:prompt" }

// AgentFailed reports an agent-side error.
type AgentFailed struct {
	AgentID types.AgentID `json:"agent_id"`
	Error   string        `json:"error,omitempty"`
}

func (AgentFailed) Kind() string { return "agent:failed" }

// AgentGoneEvent reports the agent process as dead or unreachable.
type AgentGoneEvent struct {
	AgentID types.AgentID `json:"agent_id"`
	Reason  string        `json:"reason,omitempty"`
}

func (AgentGoneEvent) Kind() string { return "agent:gone" }

// AgentStopBlocked reports the coop adapter refusing a turn-boundary stop.
type AgentStopBlocked struct {
	AgentID types.AgentID `json:"agent_id"`
}

func (AgentStopBlocked) Kind() string { return "agent:stop-blocked" }

// AgentStopAllowed reports a clean turn boundary.
type AgentStopAllowed struct {
	AgentID types.AgentID `json:"agent_id"`
}

func (AgentStopAllowed) Kind() string { return "agent:stop-allowed" }

// AgentSignal is the externally-originating input action for an agent.
type AgentSignal struct {
	AgentID types.AgentID `json:"agent_id"`
	Input   string        `json:"input"`
}

func (AgentSignal) Kind() string { return "agent:signal" }

// AgentNudged records one attempt of an idle-action chain.
type AgentNudged struct {
	AgentID  types.AgentID `json:"agent_id"`
	Trigger  string        `json:"trigger"`
	ChainPos int           `json:"chain_pos"`
	Message  string        `json:"message,omitempty"`
}

func (AgentNudged) Kind() string { return "agent:nudged" }

// AgentRecovered records one respawn attempt of a dead agent.
type AgentRecovered struct {
	AgentID  types.AgentID `json:"agent_id"`
	ChainPos int           `json:"chain_pos"`
}

func (AgentRecovered) Kind() string { return "agent:recovered" }

// AgentFinished closes an agent run with a terminal monitor state.
type AgentFinished struct {
	AgentID types.AgentID    `json:"agent_id"`
	State   types.AgentState `json:"state"`
	Error   string           `json:"error,omitempty"`
}

func (AgentFinished) Kind() string { return "agent:finished" }

// --- Worker lifecycle ---

// WorkerStarted initializes (or re-initializes) a worker record.
type WorkerStarted struct {
	Namespace   string `json:"namespace"`
	Name        string `json:"name"`
	ProjectRoot string `json:"project_root"`
	RunbookHash string `json:"runbook_hash"`
	Queue       string `json:"queue"`
	Concurrency int    `json:"concurrency"`
}

func (WorkerStarted) Kind() string { return "worker:started" }

// WorkerStopped marks a worker stopped; active pipelines keep running.
type WorkerStopped struct {
	Namespace string `json:"namespace"`
	Name      string `json:"name"`
}

func (WorkerStopped) Kind() string { return "worker:stopped" }

// WorkerWake asks a worker to re-run its dispatch loop.
type WorkerWake struct {
	Namespace string `json:"namespace"`
	Name      string `json:"name"`
}

func (WorkerWake) Kind() string { return "worker:wake" }

// ExternalItem is one item observed in an external queue listing.
type ExternalItem struct {
	ID      string `json:"id"`
	Payload string `json:"payload"`
}

// WorkerPolled is the completion of a PollQueue effect.
type WorkerPolled struct {
	Namespace string         `json:"namespace"`
	Name      string         `json:"name"`
	Items     []ExternalItem `json:"items,omitempty"`
	Error     string         `json:"error,omitempty"`
}

func (WorkerPolled) Kind() string { return "worker:polled" }

// WorkerTook is the completion of a TakeQueueItem effect.
type WorkerTook struct {
	Namespace string `json:"namespace"`
	Name      string `json:"name"`
	ItemID    string `json:"item_id"`
	Success   bool   `json:"success"`
}

func (WorkerTook) Kind() string { return "worker:took" }

// WorkerDispatched binds a queue item to a freshly minted job.
type WorkerDispatched struct {
	Namespace string      `json:"namespace"`
	Name      string      `json:"name"`
	ItemID    string      `json:"item_id"`
	JobID     types.JobID `json:"job_id"`
	At        int64       `json:"at"`
}

func (WorkerDispatched) Kind() string { return "worker:dispatched" }

// --- Queue lifecycle ---

// QueuePushed appends a pending item to a persisted queue.
type QueuePushed struct {
	Namespace string `json:"namespace"`
	Queue     string `json:"queue"`
	ItemID    string `json:"item_id"`
	Payload   string `json:"payload"`
	At        int64  `json:"at"`
}

func (QueuePushed) Kind() string { return "queue:pushed" }

// QueueCompleted marks an item's handler as having finished cleanly.
type QueueCompleted struct {
	Namespace string `json:"namespace"`
	Queue     string `json:"queue"`
	ItemID    string `json:"item_id"`
}

func (QueueCompleted) Kind() string { return "queue:completed" }

// QueueFailed marks an item's handler as failed or cancelled.
type QueueFailed struct {
	Namespace string `json:"namespace"`
	Queue     string `json:"queue"`
	ItemID    string `json:"item_id"`
	Error     string `json:"error,omitempty"`
}

func (QueueFailed) Kind() string { return "queue:failed" }

// QueueRequeued returns a failed item to pending after its retry delay.
type QueueRequeued struct {
	Namespace string `json:"namespace"`
	Queue     string `json:"queue"`
	ItemID    string `json:"item_id"`
}

func (QueueRequeued) Kind() string { return "queue:requeued" }

// QueueDead moves an item with exhausted retries to the dead letter state.
// Drop removes the item entirely instead of keeping it for inspection.
type QueueDead struct {
	Namespace string `json:"namespace"`
	Queue     string `json:"queue"`
	ItemID    string `json:"item_id"`
	Drop      bool   `json:"drop,omitempty"`
}

func (QueueDead) Kind() string { return "queue:dead" }

// --- Cron lifecycle ---

// CronStarted initializes a cron record and its interval timer.
type CronStarted struct {
	Namespace   string          `json:"namespace"`
	Name        string          `json:"name"`
	RunbookHash string          `json:"runbook_hash"`
	IntervalMS  int64           `json:"interval_ms"`
	Target      types.RunTarget `json:"target"`
}

func (CronStarted) Kind() string { return "cron:started" }

// CronStopped marks a cron stopped; active child work continues.
type CronStopped struct {
	Namespace string `json:"namespace"`
	Name      string `json:"name"`
}

func (CronStopped) Kind() string { return "cron:stopped" }

// --- Crews ---

// CrewCreated registers a multi-agent grouping. Standalone agent runs
// (commands and crons targeting an agent) are owned by a crew.
type CrewCreated struct {
	CrewID    types.CrewID `json:"crew_id"`
	Name      string       `json:"name"`
	Namespace string       `json:"namespace"`
	At        int64        `json:"at"`
}

func (CrewCreated) Kind() string { return "crew:created" }

// --- Decisions ---

// DecisionCreated records a human escalation.
type DecisionCreated struct {
	DecisionID types.DecisionID   `json:"decision_id"`
	Owner      types.OwnerID      `json:"owner"`
	AgentID    types.AgentID      `json:"agent_id,omitempty"`
	Reason     types.DecisionKind `json:"reason"`
	Title      string             `json:"title"`
	Body       string             `json:"body,omitempty"`
	At         int64              `json:"at"`
}

func (DecisionCreated) Kind() string { return "decision:created" }

// DecisionResolved is the externally-originating resolution action.
type DecisionResolved struct {
	DecisionID types.DecisionID `json:"decision_id"`
	Resolution string           `json:"resolution"`
	Note       string           `json:"note,omitempty"`
}

func (DecisionResolved) Kind() string { return "decision:resolved" }

// --- Timers ---

// TimerFired delivers an expired scheduler entry back through the log.
type TimerFired struct {
	ID timer.ID `json:"id"`
}

func (TimerFired) Kind() string { return "timer:fired" }
