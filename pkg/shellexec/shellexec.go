package shellexec

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/foreman/pkg/effect"
	"github.com/cuemby/foreman/pkg/engine"
	"github.com/cuemby/foreman/pkg/event"
	"github.com/cuemby/foreman/pkg/log"
	"github.com/cuemby/foreman/pkg/types"
)

// tailLimit caps captured stdout/stderr tails carried in result events.
const tailLimit = 4096

// ContainerRunner runs a command inside a container instead of on the host.
type ContainerRunner interface {
	Run(ctx context.Context, image, command, cwd string, env []string) (exitCode int, stdout, stderr string, err error)
}

// Runner executes Shell effects and external queue commands on the host
// (or, when the effect names a container, through the container runner).
// In-flight runs are cancellable per owner.
type Runner struct {
	mu        sync.Mutex
	inflight  map[types.OwnerID]map[*runToken]context.CancelFunc
	container ContainerRunner
	logger    zerolog.Logger
}

type runToken struct{}

// NewRunner creates a shell runner. container may be nil when container
// execution is not configured.
func NewRunner(container ContainerRunner) *Runner {
	return &Runner{
		inflight:  make(map[types.OwnerID]map[*runToken]context.CancelFunc),
		container: container,
		logger:    log.WithComponent("shell"),
	}
}

var _ engine.ShellRunner = (*Runner)(nil)
var _ engine.QueueCommander = (*Runner)(nil)

// Run executes the command and blocks until it exits. It is called from a
// dedicated background task, never from the event loop.
func (r *Runner) Run(ctx context.Context, spec effect.Shell) engine.ShellResult {
	var cancel context.CancelFunc
	if spec.Timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, spec.Timeout)
	} else {
		ctx, cancel = context.WithCancel(ctx)
	}
	tok := r.track(spec.Owner, cancel)
	defer r.untrack(spec.Owner, tok)
	defer cancel()

	if spec.Container != "" {
		if r.container == nil {
			return engine.ShellResult{ExitCode: -1, Err: fmt.Errorf("container execution not configured")}
		}
		code, stdout, stderr, err := r.container.Run(ctx, spec.Container, spec.Command, spec.Cwd, envList(spec.Env))
		return engine.ShellResult{
			ExitCode:   code,
			StdoutTail: tail(stdout),
			StderrTail: tail(stderr),
			Err:        err,
		}
	}

	cmd := exec.CommandContext(ctx, "/bin/sh", "-c", spec.Command)
	cmd.Dir = spec.Cwd
	cmd.Env = append(os.Environ(), envList(spec.Env)...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	res := engine.ShellResult{
		StdoutTail: tail(stdout.String()),
		StderrTail: tail(stderr.String()),
	}
	switch {
	case err == nil:
		res.ExitCode = 0
	case ctx.Err() != nil:
		res.ExitCode = -1
		res.Err = fmt.Errorf("command cancelled: %w", ctx.Err())
	default:
		if ee, ok := err.(*exec.ExitError); ok {
			res.ExitCode = ee.ExitCode()
		} else {
			res.ExitCode = -1
			res.Err = err
		}
	}
	return res
}

// CancelOwner aborts every in-flight run tracked for owner.
func (r *Runner) CancelOwner(owner types.OwnerID) {
	if owner == "" {
		return
	}
	r.mu.Lock()
	cancels := r.inflight[owner]
	delete(r.inflight, owner)
	r.mu.Unlock()
	for _, cancel := range cancels {
		cancel()
	}
}

func (r *Runner) track(owner types.OwnerID, cancel context.CancelFunc) *runToken {
	if owner == "" {
		return nil
	}
	tok := &runToken{}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.inflight[owner] == nil {
		r.inflight[owner] = make(map[*runToken]context.CancelFunc)
	}
	r.inflight[owner][tok] = cancel
	return tok
}

func (r *Runner) untrack(owner types.OwnerID, tok *runToken) {
	if tok == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.inflight[owner], tok)
	if len(r.inflight[owner]) == 0 {
		delete(r.inflight, owner)
	}
}

// List runs an external queue's list command and parses its stdout. The
// command prints one JSON object per line: {"id": "...", ...payload}.
func (r *Runner) List(ctx context.Context, command, cwd string) ([]event.ExternalItem, error) {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	cmd := exec.CommandContext(ctx, "/bin/sh", "-c", command)
	cmd.Dir = cwd
	out, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("queue list command: %w", err)
	}
	var items []event.ExternalItem
	for _, line := range strings.Split(string(out), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		var head struct {
			ID string `json:"id"`
		}
		if err := json.Unmarshal([]byte(line), &head); err != nil || head.ID == "" {
			r.logger.Warn().Str("line", tail(line)).Msg("Skipping unparseable queue listing line")
			continue
		}
		items = append(items, event.ExternalItem{ID: head.ID, Payload: line})
	}
	return items, nil
}

// Take runs an external queue's take command with the item id appended and
// its payload on stdin. A non-zero exit means the claim was lost.
func (r *Runner) Take(ctx context.Context, command, cwd, itemID, payload string) error {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	cmd := exec.CommandContext(ctx, "/bin/sh", "-c", command+" "+shellQuote(itemID))
	cmd.Dir = cwd
	cmd.Stdin = strings.NewReader(payload)
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("queue take command: %w", err)
	}
	return nil
}

func envList(env map[string]string) []string {
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	return out
}

func tail(s string) string {
	if len(s) <= tailLimit {
		return s
	}
	return s[len(s)-tailLimit:]
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
