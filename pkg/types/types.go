package types

// Job represents a pipeline: an ordered state machine of steps spawned by a
// command invocation, a worker, or a cron.
type Job struct {
	ID          JobID             `json:"id"`
	Pipeline    string            `json:"pipeline"`
	Namespace   string            `json:"namespace"`
	RunbookHash string            `json:"runbook_hash"`
	Vars        map[string]string `json:"vars,omitempty"`
	Status      JobStatus         `json:"status"`
	CurrentStep string            `json:"current_step,omitempty"`
	Error       string            `json:"error,omitempty"`
	WorkspaceID WorkspaceID       `json:"workspace_id,omitempty"`
	QueueRef    *QueueRef         `json:"queue_ref,omitempty"`
	Worker      string            `json:"worker,omitempty"`
	Parent      *ParentRef        `json:"parent,omitempty"`
	DecisionID  DecisionID        `json:"decision_id,omitempty"`
	CreatedAt   int64             `json:"created_at"`
	FinishedAt  int64             `json:"finished_at,omitempty"`
}

// JobStatus is the job lifecycle state.
type JobStatus string

const (
	JobCreated   JobStatus = "created"
	JobRunning   JobStatus = "running"
	JobWaiting   JobStatus = "waiting"
	JobDone      JobStatus = "done"
	JobFailed    JobStatus = "failed"
	JobCancelled JobStatus = "cancelled"
)

// Terminal reports whether the status is one of the three end states.
func (s JobStatus) Terminal() bool {
	return s == JobDone || s == JobFailed || s == JobCancelled
}

// ParentRef links a child job back to the step of the job that spawned it.
type ParentRef struct {
	JobID JobID  `json:"job_id"`
	Step  string `json:"step"`
}

// QueueRef ties a job or agent run to the queue item it is processing.
type QueueRef struct {
	Namespace string `json:"namespace"`
	Queue     string `json:"queue"`
	ItemID    string `json:"item_id"`
}

// Workspace is a per-job working directory: a plain folder or a git worktree.
type Workspace struct {
	ID            WorkspaceID     `json:"id"`
	Owner         OwnerID         `json:"owner"`
	Path          string          `json:"path"`
	Kind          WorkspaceKind   `json:"kind"`
	Branch        string          `json:"branch,omitempty"`
	Status        WorkspaceStatus `json:"status"`
	KeepOnFailure bool            `json:"keep_on_failure,omitempty"`
}

// WorkspaceKind selects the provisioning mechanism.
type WorkspaceKind string

const (
	WorkspaceFolder   WorkspaceKind = "folder"
	WorkspaceWorktree WorkspaceKind = "git-worktree"
)

// WorkspaceStatus is the workspace lifecycle state.
type WorkspaceStatus string

const (
	WorkspaceCreating WorkspaceStatus = "creating"
	WorkspaceReady    WorkspaceStatus = "ready"
	WorkspaceInUse    WorkspaceStatus = "in-use"
	WorkspaceCleaning WorkspaceStatus = "cleaning"
	WorkspaceDeleted  WorkspaceStatus = "deleted"
)

// Worker pulls items from a source queue and dispatches a handler pipeline
// or agent per item, up to a concurrency bound.
type Worker struct {
	Namespace   string           `json:"namespace"`
	Name        string           `json:"name"`
	ProjectRoot string           `json:"project_root"`
	RunbookHash string           `json:"runbook_hash"`
	Queue       string           `json:"queue"`
	Concurrency int              `json:"concurrency"`
	// ActivePipelines maps a dispatched job to the queue item it carries.
	ActivePipelines map[JobID]string `json:"active_pipelines,omitempty"`
	Status          WorkerStatus     `json:"status"`
}

// WorkerStatus is the worker lifecycle state.
type WorkerStatus string

const (
	WorkerRunning WorkerStatus = "running"
	WorkerStopped WorkerStatus = "stopped"
)

// QueueItem is a single unit of queued work.
type QueueItem struct {
	ID        string          `json:"id"`
	Namespace string          `json:"namespace"`
	Queue     string          `json:"queue"`
	Payload   string          `json:"payload"`
	Status    QueueItemStatus `json:"status"`
	Attempts  int             `json:"attempts,omitempty"`
	JobID     JobID           `json:"job_id,omitempty"`
	Error     string          `json:"error,omitempty"`
	PushedAt  int64           `json:"pushed_at"`
}

// QueueItemStatus is the queue item lifecycle state.
type QueueItemStatus string

const (
	ItemPending   QueueItemStatus = "pending"
	ItemActive    QueueItemStatus = "active"
	ItemFailed    QueueItemStatus = "failed"
	ItemCompleted QueueItemStatus = "completed"
	ItemDead      QueueItemStatus = "dead"
)

// Cron is a named, self-rescheduling periodic trigger of a pipeline or agent.
type Cron struct {
	Namespace   string     `json:"namespace"`
	Name        string     `json:"name"`
	RunbookHash string     `json:"runbook_hash"`
	IntervalMS  int64      `json:"interval_ms"`
	Target      RunTarget  `json:"target"`
	Status      CronStatus `json:"status"`
}

// CronStatus is the cron lifecycle state.
type CronStatus string

const (
	CronRunning CronStatus = "running"
	CronStopped CronStatus = "stopped"
)

// RunTarget names what a cron or worker dispatches.
type RunTarget struct {
	Kind TargetKind `json:"kind"`
	Name string     `json:"name"`
}

// TargetKind discriminates run targets.
type TargetKind string

const (
	TargetPipeline TargetKind = "pipeline"
	TargetAgent    TargetKind = "agent"
)

// Decision is a human-in-the-loop record created when the engine escalates.
type Decision struct {
	ID         DecisionID     `json:"id"`
	Owner      OwnerID        `json:"owner"`
	AgentID    AgentID        `json:"agent_id,omitempty"`
	Kind       DecisionKind   `json:"kind"`
	Title      string         `json:"title"`
	Body       string         `json:"body,omitempty"`
	Status     DecisionStatus `json:"status"`
	Resolution string         `json:"resolution,omitempty"`
	CreatedAt  int64          `json:"created_at"`
}

// DecisionKind records why the escalation happened.
type DecisionKind string

const (
	DecisionPrompt    DecisionKind = "prompt"
	DecisionIdle      DecisionKind = "idle"
	DecisionDead      DecisionKind = "dead"
	DecisionGate      DecisionKind = "gate"
	DecisionExhausted DecisionKind = "exhausted"
)

// DecisionStatus is the decision lifecycle state.
type DecisionStatus string

const (
	DecisionCreated  DecisionStatus = "created"
	DecisionResolved DecisionStatus = "resolved"
)

// Crew groups multiple agents working together under one owner.
type Crew struct {
	ID        CrewID    `json:"id"`
	Name      string    `json:"name"`
	Namespace string    `json:"namespace"`
	Agents    []AgentID `json:"agents,omitempty"`
	CreatedAt int64     `json:"created_at"`
}

// Agent is the engine-side record of an external long-running process.
type Agent struct {
	ID          AgentID       `json:"id"`
	Name        string        `json:"name"`
	Owner       OwnerID       `json:"owner"`
	Step        string        `json:"step,omitempty"`
	Namespace   string        `json:"namespace"`
	RunbookHash string        `json:"runbook_hash"`
	State       AgentState    `json:"state"`
	Runtime     *AgentRuntime `json:"runtime,omitempty"`
	// Attempts counts action-chain positions per trigger (idle, dead, ...).
	Attempts   map[string]int `json:"attempts,omitempty"`
	LastError  string         `json:"last_error,omitempty"`
	Prompt     *AgentPrompt   `json:"prompt,omitempty"`
	DecisionID DecisionID     `json:"decision_id,omitempty"`
	QueueRef   *QueueRef      `json:"queue_ref,omitempty"`
	CreatedAt  int64          `json:"created_at"`
}

// AgentState is the monitor's view of the agent.
type AgentState string

const (
	AgentSpawning  AgentState = "spawning"
	AgentIdle      AgentState = "idle"
	AgentWorking   AgentState = "working"
	AgentPrompting AgentState = "prompting"
	AgentGone      AgentState = "gone"
	AgentDone      AgentState = "done"
	AgentFailed    AgentState = "failed"
)

// Terminal reports whether the monitor has finished with the agent.
func (s AgentState) Terminal() bool {
	return s == AgentDone || s == AgentFailed
}

// Live reports whether the agent may still have a running process behind it.
func (s AgentState) Live() bool {
	return s == AgentSpawning || s == AgentIdle || s == AgentWorking || s == AgentPrompting
}

// AgentRuntime is the reconnection handle recorded when an agent spawns.
type AgentRuntime struct {
	Kind       string `json:"kind"`
	PID        int    `json:"pid,omitempty"`
	Addr       string `json:"addr,omitempty"`
	Token      string `json:"token,omitempty"`
	ConfigPath string `json:"config_path,omitempty"`
	Container  string `json:"container,omitempty"`
}

// AgentPrompt captures a pending interactive prompt from the agent.
type AgentPrompt struct {
	Type PromptType `json:"type"`
	Text string     `json:"text,omitempty"`
}

// PromptType discriminates agent prompts.
type PromptType string

const (
	PromptPlanApproval PromptType = "plan-approval"
	PromptQuestion     PromptType = "question"
	PromptPermission   PromptType = "permission"
)
