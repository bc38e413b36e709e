package adapter

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/cuemby/foreman/pkg/effect"
	"github.com/cuemby/foreman/pkg/event"
	"github.com/cuemby/foreman/pkg/log"
	"github.com/cuemby/foreman/pkg/types"
)

// Sidecar wire protocol: the agent process listens on a unix socket in its
// working directory; the adapter dials it and exchanges newline-delimited
// JSON. Inbound lines report state transitions; outbound lines carry input,
// prompt responses, and stop resolution.
type bridgeMsg struct {
	Type    string `json:"type"`
	Text    string `json:"text,omitempty"`
	Prompt  string `json:"prompt,omitempty"`
	Message string `json:"message,omitempty"`
	Token   string `json:"token,omitempty"`
}

const (
	msgWorking     = "working"
	msgIdle        = "idle"
	msgPrompt      = "prompt"
	msgFailed      = "failed"
	msgStopBlocked = "stop-blocked"
	msgStopAllowed = "stop-allowed"
	msgInput       = "input"
	msgResponse    = "response"
	msgResolveStop = "resolve-stop"
	msgHello       = "hello"
)

// dialRetry bounds how long Spawn waits for the sidecar socket to appear.
const dialRetry = 10 * time.Second

// Local drives agent processes on this host. Each spawned agent gets a
// working directory under the adapter root holding its config, its socket,
// and its output log.
type Local struct {
	root   string
	tx     EventTx
	logger zerolog.Logger

	mu      sync.Mutex
	handles map[types.AgentID]*handle
}

type handle struct {
	agentID types.AgentID
	pid     int
	dir     string
	conn    net.Conn
	proc    *os.Process
	lastMsg string
	state   types.AgentState
	cancel  context.CancelFunc
}

// NewLocal creates the local adapter rooted at dir.
func NewLocal(root string, tx EventTx) *Local {
	return &Local{
		root:    root,
		tx:      tx,
		handles: make(map[types.AgentID]*handle),
		logger:  log.WithComponent("adapter"),
	}
}

// agentConfig is written to agent-config.json for the sidecar to read.
type agentConfig struct {
	AgentID types.AgentID `json:"agent_id"`
	Owner   types.OwnerID `json:"owner"`
	Prompt  string        `json:"prompt,omitempty"`
	Socket  string        `json:"socket"`
	Token   string        `json:"token"`
}

// Spawn starts the agent process, waits for its socket, and launches the
// event bridge.
func (l *Local) Spawn(ctx context.Context, spec effect.SpawnAgent) (*types.AgentRuntime, error) {
	dir := filepath.Join(l.root, string(spec.AgentID))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create agent dir: %w", err)
	}

	sock := filepath.Join(dir, "agent.sock")
	token := strings.ReplaceAll(uuid.NewString(), "-", "")
	cfg := agentConfig{
		AgentID: spec.AgentID,
		Owner:   spec.Owner,
		Prompt:  spec.Prompt,
		Socket:  sock,
		Token:   token,
	}
	cfgPath := spec.ConfigPath
	if cfgPath == "" {
		cfgPath = filepath.Join(dir, "agent-config.json")
	}
	cfgData, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(cfgPath, cfgData, 0o600); err != nil {
		return nil, fmt.Errorf("write agent config: %w", err)
	}

	outFile, err := os.OpenFile(filepath.Join(dir, "output.log"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open agent output log: %w", err)
	}

	command := spec.Command
	if spec.Container != "" {
		// Containerized agents run through the docker CLI with the agent
		// dir mounted so the socket protocol is unchanged.
		command = fmt.Sprintf("docker run --rm -v %s:%s -w %s %s /bin/sh -c %s",
			dir, dir, spec.WorkDir, spec.Container, shellQuote(spec.Command))
	}
	cmd := exec.Command("/bin/sh", "-c", command)
	cmd.Dir = spec.WorkDir
	cmd.Stdout = outFile
	cmd.Stderr = outFile
	cmd.Env = append(os.Environ(),
		"FOREMAN_AGENT_ID="+string(spec.AgentID),
		"FOREMAN_AGENT_CONFIG="+cfgPath,
		"FOREMAN_AGENT_SOCK="+sock,
	)
	// Detach so the agent survives a daemon exit and reconciliation can
	// reattach on restart.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		outFile.Close()
		return nil, fmt.Errorf("start agent process: %w", err)
	}
	outFile.Close()
	pid := cmd.Process.Pid
	go cmd.Wait() // reap; liveness is tracked by pid signal probes

	conn, err := dialSidecar(ctx, sock, token)
	if err != nil {
		_ = cmd.Process.Kill()
		return nil, fmt.Errorf("agent bridge: %w", err)
	}

	l.attach(spec.AgentID, pid, dir, conn)
	return &types.AgentRuntime{
		Kind:       string(KindLocal),
		PID:        pid,
		Addr:       sock,
		Token:      token,
		ConfigPath: cfgPath,
		Container:  spec.Container,
	}, nil
}

// Reconnect dials a surviving agent's socket from its persisted runtime.
func (l *Local) Reconnect(ctx context.Context, agentID types.AgentID, rt *types.AgentRuntime) error {
	if rt == nil || rt.PID == 0 {
		return fmt.Errorf("no runtime recorded")
	}
	if !pidAlive(rt.PID) {
		return fmt.Errorf("process %d is gone", rt.PID)
	}
	dialCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	conn, err := dialSidecar(dialCtx, rt.Addr, rt.Token)
	if err != nil {
		return fmt.Errorf("redial agent socket: %w", err)
	}
	l.attach(agentID, rt.PID, filepath.Dir(rt.Addr), conn)
	return nil
}

// attach records the handle and starts the per-agent event bridge task.
func (l *Local) attach(agentID types.AgentID, pid int, dir string, conn net.Conn) {
	ctx, cancel := context.WithCancel(context.Background())
	h := &handle{agentID: agentID, pid: pid, dir: dir, conn: conn, cancel: cancel}
	if p, err := os.FindProcess(pid); err == nil {
		h.proc = p
	}
	l.mu.Lock()
	if old := l.handles[agentID]; old != nil {
		old.cancel()
		old.conn.Close()
	}
	l.handles[agentID] = h
	l.mu.Unlock()
	go l.bridge(ctx, h)
}

// bridge is the independent per-agent event task: it translates sidecar
// messages into engine events and reports process death. It runs outside
// the event loop; the loop serializes application.
func (l *Local) bridge(ctx context.Context, h *handle) {
	defer h.conn.Close()
	sc := bufio.NewScanner(h.conn)
	sc.Buffer(make([]byte, 0, 4096), 1<<20)
	for sc.Scan() {
		if ctx.Err() != nil {
			return
		}
		var msg bridgeMsg
		if err := json.Unmarshal(sc.Bytes(), &msg); err != nil {
			l.logger.Warn().Str("agent_id", string(h.agentID)).Err(err).Msg("Malformed bridge message")
			continue
		}
		l.mu.Lock()
		if msg.Message != "" {
			h.lastMsg = msg.Message
		}
		if st := stateFor(msg.Type); st != "" {
			h.state = st
		}
		l.mu.Unlock()
		l.translate(h.agentID, msg)
	}
	if ctx.Err() != nil {
		return
	}
	// The socket closed. If the process is gone too, report it.
	if !pidAlive(h.pid) {
		l.emit(&event.AgentGoneEvent{AgentID: h.agentID, Reason: "process exited"})
	} else {
		l.emit(&event.AgentGoneEvent{AgentID: h.agentID, Reason: "bridge connection lost"})
	}
}

func (l *Local) translate(agentID types.AgentID, msg bridgeMsg) {
	switch msg.Type {
	case msgWorking:
		l.emit(&event.AgentWorking{AgentID: agentID})
	case msgIdle:
		l.emit(&event.AgentIdle{AgentID: agentID})
	case msgPrompt:
		l.emit(&event.AgentPrompt{
			AgentID:    agentID,
			PromptType: promptType(msg.Prompt),
			Text:       msg.Text,
		})
	case msgFailed:
		l.emit(&event.AgentFailed{AgentID: agentID, Error: msg.Text})
	case msgStopBlocked:
		l.emit(&event.AgentStopBlocked{AgentID: agentID})
	case msgStopAllowed:
		l.emit(&event.AgentStopAllowed{AgentID: agentID})
	default:
		l.logger.Debug().Str("type", msg.Type).Msg("Ignoring unknown bridge message type")
	}
}

func promptType(s string) types.PromptType {
	switch s {
	case string(types.PromptPlanApproval):
		return types.PromptPlanApproval
	case string(types.PromptPermission):
		return types.PromptPermission
	default:
		return types.PromptQuestion
	}
}

func (l *Local) emit(ev event.Event) {
	if _, err := l.tx.Emit(ev); err != nil {
		l.logger.Error().Err(err).Str("event", ev.Kind()).Msg("Failed to emit bridge event")
	}
}

func (l *Local) send(agentID types.AgentID, msg bridgeMsg) error {
	l.mu.Lock()
	h := l.handles[agentID]
	l.mu.Unlock()
	if h == nil {
		return fmt.Errorf("no handle for agent %s", agentID)
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	_, err = h.conn.Write(append(data, '\n'))
	return err
}

func (l *Local) Send(agentID types.AgentID, input string) error {
	return l.send(agentID, bridgeMsg{Type: msgInput, Text: input})
}

func (l *Local) Respond(agentID types.AgentID, response string) error {
	return l.send(agentID, bridgeMsg{Type: msgResponse, Text: response})
}

func (l *Local) ResolveStop(agentID types.AgentID) error {
	return l.send(agentID, bridgeMsg{Type: msgResolveStop})
}

// Kill terminates the agent's process group, escalating to SIGKILL.
func (l *Local) Kill(agentID types.AgentID) error {
	l.mu.Lock()
	h := l.handles[agentID]
	delete(l.handles, agentID)
	l.mu.Unlock()
	if h == nil {
		return nil
	}
	h.cancel()
	h.conn.Close()
	if h.pid > 0 && pidAlive(h.pid) {
		_ = syscall.Kill(-h.pid, syscall.SIGTERM)
		go func(pid int) {
			time.Sleep(5 * time.Second)
			if pidAlive(pid) {
				_ = syscall.Kill(-pid, syscall.SIGKILL)
			}
		}(h.pid)
	}
	return nil
}

func (l *Local) IsAlive(agentID types.AgentID) bool {
	l.mu.Lock()
	h := l.handles[agentID]
	l.mu.Unlock()
	return h != nil && pidAlive(h.pid)
}

// stateFor maps bridge message types to the adapter-local state mirror.
func stateFor(msgType string) types.AgentState {
	switch msgType {
	case msgWorking:
		return types.AgentWorking
	case msgIdle:
		return types.AgentIdle
	case msgPrompt:
		return types.AgentPrompting
	case msgFailed:
		return types.AgentFailed
	}
	return ""
}

// GetState reports the last state the bridge observed.
func (l *Local) GetState(agentID types.AgentID) (types.AgentState, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	h := l.handles[agentID]
	if h == nil {
		return "", fmt.Errorf("no handle for agent %s", agentID)
	}
	if h.state == "" {
		return types.AgentSpawning, nil
	}
	return h.state, nil
}

func (l *Local) LastMessage(agentID types.AgentID) string {
	l.mu.Lock()
	defer l.mu.Unlock()
	if h := l.handles[agentID]; h != nil {
		return h.lastMsg
	}
	return ""
}

// CaptureOutput returns the last n lines of the agent's output log.
func (l *Local) CaptureOutput(agentID types.AgentID, lines int) (string, error) {
	data, err := os.ReadFile(filepath.Join(l.root, string(agentID), "output.log"))
	if err != nil {
		return "", fmt.Errorf("read agent output: %w", err)
	}
	all := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	if lines > 0 && len(all) > lines {
		all = all[len(all)-lines:]
	}
	return strings.Join(all, "\n"), nil
}

func (l *Local) FetchTranscript(agentID types.AgentID) (string, error) {
	data, err := os.ReadFile(filepath.Join(l.root, string(agentID), "output.log"))
	if err != nil {
		return "", fmt.Errorf("read agent transcript: %w", err)
	}
	return string(data), nil
}

// FetchUsage reads the sidecar's usage file if it writes one.
func (l *Local) FetchUsage(agentID types.AgentID) (*Usage, error) {
	data, err := os.ReadFile(filepath.Join(l.root, string(agentID), "usage.json"))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var u Usage
	if err := json.Unmarshal(data, &u); err != nil {
		return nil, fmt.Errorf("parse usage: %w", err)
	}
	return &u, nil
}

// dialSidecar connects to the agent's socket, retrying while it comes up,
// and performs the token hello.
func dialSidecar(ctx context.Context, sock, token string) (net.Conn, error) {
	deadline := time.Now().Add(dialRetry)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	var lastErr error
	for time.Now().Before(deadline) {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		conn, err := net.DialTimeout("unix", sock, time.Second)
		if err == nil {
			hello, _ := json.Marshal(bridgeMsg{Type: msgHello, Token: token})
			if _, err := conn.Write(append(hello, '\n')); err != nil {
				conn.Close()
				return nil, err
			}
			return conn, nil
		}
		lastErr = err
		time.Sleep(200 * time.Millisecond)
	}
	return nil, fmt.Errorf("sidecar socket never came up: %w", lastErr)
}

func pidAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	return syscall.Kill(pid, 0) == nil
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
