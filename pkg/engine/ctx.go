package engine

import (
	"encoding/json"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/cuemby/foreman/pkg/runbook"
	"github.com/cuemby/foreman/pkg/state"
	"github.com/cuemby/foreman/pkg/types"
)

// Config carries the engine's tunables. Zero values fall back to defaults.
type Config struct {
	// IdleGrace is the default grace period before an idle agent's on_idle
	// action fires.
	IdleGrace time.Duration
	// ExitDeferred is the window after an agent goes dead before its
	// on_dead action fires, letting a clean finish event win the race.
	ExitDeferred time.Duration
	// ActionCooldown is the default minimum delay between action attempts.
	ActionCooldown time.Duration
	// ActionAttempts is the default attempts budget per action chain.
	ActionAttempts int
	// QueuePollInterval paces external queue polling.
	QueuePollInterval time.Duration
	// TickInterval paces the event loop's timer sweep.
	TickInterval time.Duration
	// WorkspacesDir is the root for per-job working directories.
	WorkspacesDir string
	// AgentsDir is the root for per-agent working directories.
	AgentsDir string
}

// withDefaults fills unset fields.
func (c Config) withDefaults() Config {
	if c.IdleGrace <= 0 {
		c.IdleGrace = 60 * time.Second
	}
	if c.ExitDeferred <= 0 {
		c.ExitDeferred = 2 * time.Second
	}
	if c.ActionCooldown <= 0 {
		c.ActionCooldown = 10 * time.Second
	}
	if c.ActionAttempts <= 0 {
		c.ActionAttempts = 3
	}
	if c.QueuePollInterval <= 0 {
		c.QueuePollInterval = 10 * time.Second
	}
	if c.TickInterval <= 0 {
		c.TickInterval = time.Second
	}
	return c
}

// Ctx is what a handler sees: the state already updated by Apply, an
// injectable clock, and the engine config. Handlers read; they never write.
type Ctx struct {
	State *state.State
	Clock Clock
	Cfg   Config
}

// Runbook returns the cached parsed runbook for a content hash, or nil.
func (c Ctx) Runbook(hash string) *runbook.Runbook {
	return c.State.Runbooks[hash]
}

// agentPipelinePrefix marks synthetic single-step pipelines wrapping a
// worker's agent handler.
const agentPipelinePrefix = "@agent:"

// pipelineFor resolves a job's pipeline, synthesizing a one-step pipeline
// for agent-handler jobs.
func (c Ctx) pipelineFor(job *types.Job) *runbook.Pipeline {
	if name, ok := strings.CutPrefix(job.Pipeline, agentPipelinePrefix); ok {
		return &runbook.Pipeline{
			Steps: []*runbook.Step{{
				Name: "agent",
				Run:  runbook.RunDirective{Agent: name},
			}},
		}
	}
	rb := c.Runbook(job.RunbookHash)
	if rb == nil {
		return nil
	}
	return rb.Pipelines[job.Pipeline]
}

// agentDef resolves an agent record's definition, or nil.
func (c Ctx) agentDef(a *types.Agent) *runbook.AgentDef {
	rb := c.Runbook(a.RunbookHash)
	if rb == nil {
		return nil
	}
	return rb.Agents[a.Name]
}

// queueDef resolves a queue's definition through any worker sourcing it.
func (c Ctx) queueDef(namespace, queue string) *runbook.QueueDef {
	for _, w := range c.State.Workers {
		if w.Namespace != namespace || w.Queue != queue {
			continue
		}
		if rb := c.Runbook(w.RunbookHash); rb != nil {
			if q := rb.Queues[queue]; q != nil {
				return q
			}
		}
	}
	return nil
}

// jobVars layers pipeline locals, job vars, and queue item payload fields.
func (c Ctx) jobVars(job *types.Job) map[string]string {
	pl := c.pipelineFor(job)
	var vars map[string]string
	if pl != nil {
		vars = runbook.MergeVars(pl.Locals, job.Vars)
	} else {
		vars = runbook.MergeVars(nil, job.Vars)
	}
	if job.QueueRef != nil {
		if it := c.State.Item(job.QueueRef.Namespace, job.QueueRef.Queue, job.QueueRef.ItemID); it != nil {
			vars = runbook.MergeVars(vars, payloadVars(it.Payload))
			if vars == nil {
				vars = map[string]string{}
			}
			vars["item_id"] = it.ID
			vars["item"] = it.Payload
		}
	}
	return vars
}

// payloadVars flattens a JSON object payload into string vars. Non-object
// payloads contribute nothing.
func payloadVars(payload string) map[string]string {
	var obj map[string]any
	if err := json.Unmarshal([]byte(payload), &obj); err != nil {
		return nil
	}
	out := make(map[string]string, len(obj))
	for k, v := range obj {
		switch t := v.(type) {
		case string:
			out[k] = t
		case bool:
			out[k] = strconv.FormatBool(t)
		case float64:
			out[k] = strconv.FormatFloat(t, 'f', -1, 64)
		}
	}
	return out
}

// cwdFor returns the directory a job's shell work runs in: the workspace
// once ready, else the project path.
func (c Ctx) cwdFor(job *types.Job) string {
	if ws := c.State.Workspaces[job.WorkspaceID]; ws != nil {
		if ws.Status == types.WorkspaceReady || ws.Status == types.WorkspaceInUse {
			return ws.Path
		}
	}
	return c.State.ProjectPaths[job.Namespace]
}

// workspacePath builds the on-disk location for a workspace.
func (c Ctx) workspacePath(id types.WorkspaceID) string {
	return filepath.Join(c.Cfg.WorkspacesDir, string(id))
}

// agentConfigPath builds the adapter config location for an agent.
func (c Ctx) agentConfigPath(id types.AgentID) string {
	return filepath.Join(c.Cfg.AgentsDir, string(id), "agent-config.json")
}
