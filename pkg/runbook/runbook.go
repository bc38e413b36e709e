package runbook

import (
	"fmt"
	"time"
)

// Runbook is a parsed declarative description of pipelines, agents, workers,
// queues, crons and user-facing commands for one project.
type Runbook struct {
	Pipelines map[string]*Pipeline  `json:"pipelines,omitempty" toml:"pipeline"`
	Agents    map[string]*AgentDef  `json:"agents,omitempty" toml:"agent"`
	Workers   map[string]*WorkerDef `json:"workers,omitempty" toml:"worker"`
	Queues    map[string]*QueueDef  `json:"queues,omitempty" toml:"queue"`
	Crons     map[string]*CronDef   `json:"crons,omitempty" toml:"cron"`
	Commands  map[string]*CommandDef `json:"commands,omitempty" toml:"command"`
}

// Pipeline is an ordered sequence of steps plus optional code provisioning.
type Pipeline struct {
	Steps  []*Step           `json:"steps" toml:"step"`
	Source *Source           `json:"source,omitempty" toml:"source"`
	Locals map[string]string `json:"locals,omitempty" toml:"locals"`
	// KeepOnFailure leaves the workspace on disk when the job fails.
	KeepOnFailure bool `json:"keep_on_failure,omitempty" toml:"keep_on_failure"`
}

// Step returns the named step, or nil.
func (p *Pipeline) Step(name string) *Step {
	for _, s := range p.Steps {
		if s.Name == name {
			return s
		}
	}
	return nil
}

// NextStep returns the step following name in declaration order, or nil.
func (p *Pipeline) NextStep(name string) *Step {
	for i, s := range p.Steps {
		if s.Name == name && i+1 < len(p.Steps) {
			return p.Steps[i+1]
		}
	}
	return nil
}

// First returns the first step, or nil for an empty pipeline.
func (p *Pipeline) First() *Step {
	if len(p.Steps) == 0 {
		return nil
	}
	return p.Steps[0]
}

// Step is one unit of pipeline work with transition routing.
type Step struct {
	Name     string       `json:"name" toml:"name"`
	Run      RunDirective `json:"run" toml:"run"`
	OnDone   string       `json:"on_done,omitempty" toml:"on_done"`
	OnFail   string       `json:"on_fail,omitempty" toml:"on_fail"`
	OnCancel string       `json:"on_cancel,omitempty" toml:"on_cancel"`
	Timeout  Duration     `json:"timeout,omitempty" toml:"timeout"`
	Gate     string       `json:"gate,omitempty" toml:"gate"`
}

// RunDirective is the tagged target of a step or command: a shell command,
// a pipeline reference, or an agent reference. Exactly one field is set.
type RunDirective struct {
	Shell    string `json:"shell,omitempty" toml:"shell"`
	Pipeline string `json:"pipeline,omitempty" toml:"pipeline"`
	Agent    string `json:"agent,omitempty" toml:"agent"`
}

// Kind returns the directive discriminator.
func (d RunDirective) Kind() string {
	switch {
	case d.Pipeline != "":
		return "pipeline"
	case d.Agent != "":
		return "agent"
	default:
		return "shell"
	}
}

// Validate checks that exactly one target is set.
func (d RunDirective) Validate() error {
	n := 0
	if d.Shell != "" {
		n++
	}
	if d.Pipeline != "" {
		n++
	}
	if d.Agent != "" {
		n++
	}
	if n != 1 {
		return fmt.Errorf("run directive must set exactly one of shell, pipeline, agent")
	}
	return nil
}

// Source describes code provisioning for a pipeline's workspace.
type Source struct {
	// Kind is "folder" or "git".
	Kind   string `json:"kind" toml:"kind"`
	Path   string `json:"path,omitempty" toml:"path"`
	Repo   string `json:"repo,omitempty" toml:"repo"`
	Branch string `json:"branch,omitempty" toml:"branch"`
	Ref    string `json:"ref,omitempty" toml:"ref"`
}

// AgentDef configures a long-running interactive agent.
type AgentDef struct {
	Run            string     `json:"run" toml:"run"`
	Prompt         string     `json:"prompt,omitempty" toml:"prompt"`
	OnIdle         *ActionDef `json:"on_idle,omitempty" toml:"on_idle"`
	OnDead         *ActionDef `json:"on_dead,omitempty" toml:"on_dead"`
	OnPrompt       *ActionDef `json:"on_prompt,omitempty" toml:"on_prompt"`
	MaxConcurrency int        `json:"max_concurrency,omitempty" toml:"max_concurrency"`
	Container      string     `json:"container,omitempty" toml:"container"`
}

// ActionDef is an escalation policy: what to do and how many times to try.
type ActionDef struct {
	Action   string   `json:"action" toml:"action"`
	Attempts int      `json:"attempts,omitempty" toml:"attempts"`
	Grace    Duration `json:"grace,omitempty" toml:"grace"`
	Cooldown Duration `json:"cooldown,omitempty" toml:"cooldown"`
	Message  string   `json:"message,omitempty" toml:"message"`
}

// Closed action vocabularies. on_idle and on_prompt draw from the first set,
// on_dead from the second.
const (
	ActionDone     = "done"
	ActionFail     = "fail"
	ActionNudge    = "nudge"
	ActionGate     = "gate"
	ActionResume   = "resume"
	ActionEscalate = "escalate"
	ActionAuto     = "auto"
	ActionRecover  = "recover"
)

// WorkerDef configures a queue-draining dispatcher.
type WorkerDef struct {
	Source      WorkerSource  `json:"source" toml:"source"`
	Handler     WorkerHandler `json:"handler" toml:"handler"`
	Concurrency int           `json:"concurrency,omitempty" toml:"concurrency"`
}

// WorkerSource names the queue a worker drains.
type WorkerSource struct {
	Queue string `json:"queue" toml:"queue"`
}

// WorkerHandler names the pipeline or agent dispatched per item.
type WorkerHandler struct {
	Pipeline string `json:"pipeline,omitempty" toml:"pipeline"`
	Agent    string `json:"agent,omitempty" toml:"agent"`
}

// QueueDef configures a persisted or external queue.
type QueueDef struct {
	// Type is "persisted" (items live in materialized state) or "external"
	// (membership observed via list/take commands).
	Type  string    `json:"type" toml:"type"`
	List  string    `json:"list,omitempty" toml:"list"`
	Take  string    `json:"take,omitempty" toml:"take"`
	Retry *RetryDef `json:"retry,omitempty" toml:"retry"`
}

// External reports whether the queue lives in a remote system.
func (q *QueueDef) External() bool { return q != nil && q.Type == "external" }

// RetryDef configures per-queue retry and dead-letter behavior.
type RetryDef struct {
	Attempts int      `json:"attempts" toml:"attempts"`
	Backoff  Duration `json:"backoff,omitempty" toml:"backoff"`
	// OnDead is "drop" or "keep" (default keep).
	OnDead string `json:"on_dead,omitempty" toml:"on_dead"`
}

// CronDef configures a periodic trigger.
type CronDef struct {
	Interval Duration     `json:"interval" toml:"interval"`
	Run      RunDirective `json:"run" toml:"run"`
}

// CommandDef is a user-facing invocation endpoint.
type CommandDef struct {
	Args []string     `json:"args,omitempty" toml:"args"`
	Run  RunDirective `json:"run" toml:"run"`
}

// Duration is a time.Duration that round-trips through TOML/JSON as a
// human-readable string ("30s", "5m").
type Duration time.Duration

// D returns the underlying time.Duration.
func (d Duration) D() time.Duration { return time.Duration(d) }

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(string(b))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}
