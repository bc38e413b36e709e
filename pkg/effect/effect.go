package effect

import (
	"fmt"
	"time"

	"github.com/cuemby/foreman/pkg/event"
	"github.com/cuemby/foreman/pkg/timer"
	"github.com/cuemby/foreman/pkg/types"
)

// Effect is a data value representing an intended side effect. Handlers
// return effects; the executor interprets them. Name and Fields exist for
// tracing and metrics only.
type Effect interface {
	Name() string
	Fields() map[string]string
}

// --- Inline effects (microseconds on the event loop) ---

// Emit appends an event to the log and the pending queue.
type Emit struct {
	Event event.Event
}

func (Emit) Name() string { return "emit" }
func (e Emit) Fields() map[string]string {
	return map[string]string{"event": e.Event.Kind()}
}

// SetTimer inserts or replaces a scheduler deadline.
type SetTimer struct {
	ID    timer.ID
	After time.Duration
}

func (SetTimer) Name() string { return "set_timer" }
func (e SetTimer) Fields() map[string]string {
	return map[string]string{"timer": e.ID.String(), "after": e.After.String()}
}

// CancelTimer removes a scheduler deadline.
type CancelTimer struct {
	ID timer.ID
}

func (CancelTimer) Name() string { return "cancel_timer" }
func (e CancelTimer) Fields() map[string]string {
	return map[string]string{"timer": e.ID.String()}
}

// CancelOwnerTimers removes every deadline keyed to an owner. Used when a
// job reaches a terminal state.
type CancelOwnerTimers struct {
	Owner types.OwnerID
}

func (CancelOwnerTimers) Name() string { return "cancel_owner_timers" }
func (e CancelOwnerTimers) Fields() map[string]string {
	return map[string]string{"owner": string(e.Owner)}
}

// Notify hands a desktop notification to a fire-and-forget background task.
type Notify struct {
	Title   string
	Message string
}

func (Notify) Name() string { return "notify" }
func (e Notify) Fields() map[string]string {
	return map[string]string{"title": e.Title}
}

// CancelShell cancels any in-flight shell tasks for an owner. Inline: it
// only cancels a context.
type CancelShell struct {
	Owner types.OwnerID
}

func (CancelShell) Name() string { return "cancel_shell" }
func (e CancelShell) Fields() map[string]string {
	return map[string]string{"owner": string(e.Owner)}
}

// --- Deferred effects (spawn a background task, complete via result event) ---

// SpawnAgent starts an external agent process. Completion: AgentSpawned or
// AgentSpawnFailed.
type SpawnAgent struct {
	AgentID    types.AgentID
	Owner      types.OwnerID
	Command    string
	Prompt     string
	ConfigPath string
	WorkDir    string
	Container  string
}

func (SpawnAgent) Name() string { return "spawn_agent" }
func (e SpawnAgent) Fields() map[string]string {
	f := map[string]string{"agent_id": string(e.AgentID), "owner": string(e.Owner)}
	if e.Container != "" {
		f["container"] = e.Container
	}
	return f
}

// SendToAgent delivers input text. Fire-and-forget; state updates flow via
// the monitor's event bridge.
type SendToAgent struct {
	AgentID types.AgentID
	Input   string
}

func (SendToAgent) Name() string { return "send_to_agent" }
func (e SendToAgent) Fields() map[string]string {
	return map[string]string{"agent_id": string(e.AgentID)}
}

// RespondToAgent answers a pending prompt. Fire-and-forget.
type RespondToAgent struct {
	AgentID  types.AgentID
	Response string
}

func (RespondToAgent) Name() string { return "respond_to_agent" }
func (e RespondToAgent) Fields() map[string]string {
	return map[string]string{"agent_id": string(e.AgentID)}
}

// KillAgent terminates the agent process. Fire-and-forget.
type KillAgent struct {
	AgentID types.AgentID
}

func (KillAgent) Name() string { return "kill_agent" }
func (e KillAgent) Fields() map[string]string {
	return map[string]string{"agent_id": string(e.AgentID)}
}

// ResolveStop releases a coop adapter's blocked turn boundary.
type ResolveStop struct {
	AgentID types.AgentID
}

func (ResolveStop) Name() string { return "resolve_stop" }
func (e ResolveStop) Fields() map[string]string {
	return map[string]string{"agent_id": string(e.AgentID)}
}

// CreateWorkspace provisions a working directory. Completion:
// WorkspaceReady or WorkspaceFailed.
type CreateWorkspace struct {
	WorkspaceID types.WorkspaceID
	Owner       types.OwnerID
	Path        string
	WsKind      types.WorkspaceKind
	Repo        string
	Branch      string
	Ref         string
	SourcePath  string
}

func (CreateWorkspace) Name() string { return "create_workspace" }
func (e CreateWorkspace) Fields() map[string]string {
	return map[string]string{
		"workspace_id": string(e.WorkspaceID),
		"owner":        string(e.Owner),
		"kind":         string(e.WsKind),
	}
}

// DeleteWorkspace removes a working directory. Completion: WorkspaceDeleted.
type DeleteWorkspace struct {
	WorkspaceID types.WorkspaceID
	Path        string
}

func (DeleteWorkspace) Name() string { return "delete_workspace" }
func (e DeleteWorkspace) Fields() map[string]string {
	return map[string]string{"workspace_id": string(e.WorkspaceID)}
}

// Shell runs a shell command. Completion: ShellExited.
type Shell struct {
	Owner     types.OwnerID
	Step      string
	Command   string
	Cwd       string
	Env       map[string]string
	Timeout   time.Duration
	Container string
}

func (Shell) Name() string { return "shell" }
func (e Shell) Fields() map[string]string {
	f := map[string]string{"step": e.Step, "cwd": e.Cwd}
	if e.Owner != "" {
		f["owner"] = string(e.Owner)
	}
	if e.Container != "" {
		f["container"] = e.Container
	}
	return f
}

// PollQueue lists an external queue. Completion: WorkerPolled.
type PollQueue struct {
	Namespace   string
	Worker      string
	ListCommand string
	Cwd         string
}

func (PollQueue) Name() string { return "poll_queue" }
func (e PollQueue) Fields() map[string]string {
	return map[string]string{"worker": e.Worker, "namespace": e.Namespace}
}

// TakeQueueItem claims an external queue item. Completion: WorkerTook.
type TakeQueueItem struct {
	Namespace   string
	Worker      string
	TakeCommand string
	Cwd         string
	ItemID      string
	Payload     string
}

func (TakeQueueItem) Name() string { return "take_queue_item" }
func (e TakeQueueItem) Fields() map[string]string {
	return map[string]string{"worker": e.Worker, "item_id": e.ItemID}
}

// Describe renders an effect for activity logs.
func Describe(e Effect) string {
	return fmt.Sprintf("%s %v", e.Name(), e.Fields())
}
