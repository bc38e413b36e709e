package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/foreman/pkg/effect"
	"github.com/cuemby/foreman/pkg/event"
	"github.com/cuemby/foreman/pkg/timer"
	"github.com/cuemby/foreman/pkg/types"
)

type capturedEmitter struct {
	mu     sync.Mutex
	events []event.Event
}

func (c *capturedEmitter) Emit(ev event.Event) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
	return uint64(len(c.events)), nil
}

func (c *capturedEmitter) wait(t *testing.T, n int) []event.Event {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		c.mu.Lock()
		if len(c.events) >= n {
			out := append([]event.Event(nil), c.events...)
			c.mu.Unlock()
			return out
		}
		c.mu.Unlock()
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d events", n)
	return nil
}

type fakeAgents struct {
	mu      sync.Mutex
	spawned []types.AgentID
	killed  []types.AgentID
	sent    []string
	spawnErr error
}

func (f *fakeAgents) Spawn(ctx context.Context, spec effect.SpawnAgent) (*types.AgentRuntime, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.spawnErr != nil {
		return nil, f.spawnErr
	}
	f.spawned = append(f.spawned, spec.AgentID)
	return &types.AgentRuntime{Kind: "local", PID: 100}, nil
}

func (f *fakeAgents) Send(id types.AgentID, input string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, input)
	return nil
}

func (f *fakeAgents) Respond(id types.AgentID, response string) error { return nil }

func (f *fakeAgents) Kill(id types.AgentID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.killed = append(f.killed, id)
	return nil
}

func (f *fakeAgents) ResolveStop(id types.AgentID) error { return nil }

type fakeWorkspaces struct {
	createErr error
}

func (f *fakeWorkspaces) Create(ctx context.Context, spec effect.CreateWorkspace) error {
	return f.createErr
}

func (f *fakeWorkspaces) Delete(ctx context.Context, id types.WorkspaceID, path string) error {
	return nil
}

type fakeShells struct {
	result    ShellResult
	cancelled []types.OwnerID
}

func (f *fakeShells) Run(ctx context.Context, spec effect.Shell) ShellResult { return f.result }
func (f *fakeShells) CancelOwner(owner types.OwnerID) {
	f.cancelled = append(f.cancelled, owner)
}

type fakeQueues struct {
	items   []event.ExternalItem
	takeErr error
}

func (f *fakeQueues) List(ctx context.Context, command, cwd string) ([]event.ExternalItem, error) {
	return f.items, nil
}

func (f *fakeQueues) Take(ctx context.Context, command, cwd, itemID, payload string) error {
	return f.takeErr
}

type fakeNotifier struct {
	mu    sync.Mutex
	count int
}

func (f *fakeNotifier) Send(title, message string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.count++
	return nil
}

func newTestExecutor(em *capturedEmitter, agents *fakeAgents, shells *fakeShells,
	workspaces *fakeWorkspaces, queues *fakeQueues, sched *timer.Scheduler) *Executor {
	return NewExecutor(context.Background(), em, sched, SystemClock{},
		agents, workspaces, shells, queues, &fakeNotifier{})
}

func TestExecutorInlineTimers(t *testing.T) {
	em := &capturedEmitter{}
	sched := timer.NewScheduler()
	x := newTestExecutor(em, &fakeAgents{}, &fakeShells{}, &fakeWorkspaces{}, &fakeQueues{}, sched)

	id := timer.Cron("p", "c")
	require.NoError(t, x.Execute(effect.SetTimer{ID: id, After: time.Minute}))
	assert.True(t, sched.Contains(id), "inline effects complete before Execute returns")

	require.NoError(t, x.Execute(effect.CancelTimer{ID: id}))
	assert.False(t, sched.Contains(id))

	owner := types.OwnerJob(types.NewJobID())
	require.NoError(t, x.Execute(effect.SetTimer{ID: timer.Liveness(owner), After: time.Minute}))
	require.NoError(t, x.Execute(effect.CancelOwnerTimers{Owner: owner}))
	assert.Zero(t, sched.Len())
}

func TestExecutorShellEmitsResult(t *testing.T) {
	em := &capturedEmitter{}
	shells := &fakeShells{result: ShellResult{ExitCode: 3, StderrTail: "bad"}}
	x := newTestExecutor(em, &fakeAgents{}, shells, &fakeWorkspaces{}, &fakeQueues{}, timer.NewScheduler())

	owner := types.OwnerJob(types.NewJobID())
	require.NoError(t, x.Execute(effect.Shell{Owner: owner, Step: "s", Command: "false"}))

	events := em.wait(t, 1)
	exited, ok := events[0].(*event.ShellExited)
	require.True(t, ok)
	assert.Equal(t, 3, exited.ExitCode)
	assert.Equal(t, "bad", exited.StderrTail)
	assert.Equal(t, owner, exited.Owner)
}

func TestExecutorSpawnAgentResults(t *testing.T) {
	t.Run("success", func(t *testing.T) {
		em := &capturedEmitter{}
		agents := &fakeAgents{}
		x := newTestExecutor(em, agents, &fakeShells{}, &fakeWorkspaces{}, &fakeQueues{}, timer.NewScheduler())
		agentID := types.NewAgentID()
		require.NoError(t, x.Execute(effect.SpawnAgent{AgentID: agentID, Command: "run"}))

		events := em.wait(t, 1)
		spawned, ok := events[0].(*event.AgentSpawned)
		require.True(t, ok)
		assert.Equal(t, agentID, spawned.AgentID)
		assert.Equal(t, 100, spawned.Runtime.PID)
	})
	t.Run("failure becomes a result event", func(t *testing.T) {
		em := &capturedEmitter{}
		agents := &fakeAgents{spawnErr: errors.New("no such binary")}
		x := newTestExecutor(em, agents, &fakeShells{}, &fakeWorkspaces{}, &fakeQueues{}, timer.NewScheduler())
		require.NoError(t, x.Execute(effect.SpawnAgent{AgentID: types.NewAgentID()}))

		events := em.wait(t, 1)
		failed, ok := events[0].(*event.AgentSpawnFailed)
		require.True(t, ok)
		assert.Contains(t, failed.Error, "no such binary")
	})
}

func TestExecutorWorkspaceResults(t *testing.T) {
	em := &capturedEmitter{}
	x := newTestExecutor(em, &fakeAgents{}, &fakeShells{}, &fakeWorkspaces{createErr: errors.New("denied")},
		&fakeQueues{}, timer.NewScheduler())
	wsID := types.NewWorkspaceID()
	require.NoError(t, x.Execute(effect.CreateWorkspace{WorkspaceID: wsID}))

	events := em.wait(t, 1)
	failed, ok := events[0].(*event.WorkspaceFailed)
	require.True(t, ok)
	assert.Equal(t, wsID, failed.WorkspaceID)
}

func TestExecutorQueueEffects(t *testing.T) {
	em := &capturedEmitter{}
	queues := &fakeQueues{items: []event.ExternalItem{{ID: "a", Payload: "{}"}}}
	x := newTestExecutor(em, &fakeAgents{}, &fakeShells{}, &fakeWorkspaces{}, queues, timer.NewScheduler())

	require.NoError(t, x.Execute(effect.PollQueue{Namespace: "p", Worker: "w", ListCommand: "ls"}))
	events := em.wait(t, 1)
	polled, ok := events[0].(*event.WorkerPolled)
	require.True(t, ok)
	require.Len(t, polled.Items, 1)

	queues.takeErr = errors.New("lost race")
	require.NoError(t, x.Execute(effect.TakeQueueItem{Namespace: "p", Worker: "w", ItemID: "a"}))
	events = em.wait(t, 2)
	took, ok := events[1].(*event.WorkerTook)
	require.True(t, ok)
	assert.False(t, took.Success)
}

func TestExecutorCancelShellInline(t *testing.T) {
	em := &capturedEmitter{}
	shells := &fakeShells{}
	x := newTestExecutor(em, &fakeAgents{}, shells, &fakeWorkspaces{}, &fakeQueues{}, timer.NewScheduler())
	owner := types.OwnerJob(types.NewJobID())
	require.NoError(t, x.Execute(effect.CancelShell{Owner: owner}))
	assert.Equal(t, []types.OwnerID{owner}, shells.cancelled)
}
