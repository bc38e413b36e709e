package runbook

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
)

// Load parses the runbook file at path and returns the runbook together
// with its content hash.
func Load(path string) (*Runbook, string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, "", fmt.Errorf("read runbook: %w", err)
	}
	rb, err := Parse(data)
	if err != nil {
		return nil, "", fmt.Errorf("parse runbook %s: %w", path, err)
	}
	return rb, Hash(data), nil
}

// Parse decodes a TOML runbook document.
func Parse(data []byte) (*Runbook, error) {
	var rb Runbook
	if err := toml.Unmarshal(data, &rb); err != nil {
		return nil, err
	}
	if err := rb.Validate(); err != nil {
		return nil, err
	}
	return &rb, nil
}

// Hash returns the content hash used as the runbook cache key.
func Hash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:8])
}

// Validate checks cross-references inside the runbook: step transitions name
// existing steps, workers name existing queues and handlers, commands and
// crons name existing targets.
func (rb *Runbook) Validate() error {
	for name, p := range rb.Pipelines {
		if len(p.Steps) == 0 {
			return fmt.Errorf("pipeline %q has no steps", name)
		}
		for _, s := range p.Steps {
			if s.Name == "" {
				return fmt.Errorf("pipeline %q has an unnamed step", name)
			}
			if err := s.Run.Validate(); err != nil {
				return fmt.Errorf("pipeline %q step %q: %w", name, s.Name, err)
			}
			for _, next := range []string{s.OnDone, s.OnFail, s.OnCancel} {
				if next != "" && p.Step(next) == nil {
					return fmt.Errorf("pipeline %q step %q routes to unknown step %q", name, s.Name, next)
				}
			}
			if s.Run.Pipeline != "" && rb.Pipelines[s.Run.Pipeline] == nil {
				return fmt.Errorf("pipeline %q step %q references unknown pipeline %q", name, s.Name, s.Run.Pipeline)
			}
			if s.Run.Agent != "" && rb.Agents[s.Run.Agent] == nil {
				return fmt.Errorf("pipeline %q step %q references unknown agent %q", name, s.Name, s.Run.Agent)
			}
		}
	}
	for name, w := range rb.Workers {
		if w.Source.Queue == "" {
			return fmt.Errorf("worker %q has no source queue", name)
		}
		if rb.Queues[w.Source.Queue] == nil {
			return fmt.Errorf("worker %q sources unknown queue %q", name, w.Source.Queue)
		}
		switch {
		case w.Handler.Pipeline != "":
			if rb.Pipelines[w.Handler.Pipeline] == nil {
				return fmt.Errorf("worker %q handler references unknown pipeline %q", name, w.Handler.Pipeline)
			}
		case w.Handler.Agent != "":
			if rb.Agents[w.Handler.Agent] == nil {
				return fmt.Errorf("worker %q handler references unknown agent %q", name, w.Handler.Agent)
			}
		default:
			return fmt.Errorf("worker %q has no handler", name)
		}
	}
	for name, q := range rb.Queues {
		switch q.Type {
		case "", "persisted":
		case "external":
			if q.List == "" || q.Take == "" {
				return fmt.Errorf("external queue %q needs list and take commands", name)
			}
		default:
			return fmt.Errorf("queue %q has unknown type %q", name, q.Type)
		}
	}
	for name, c := range rb.Crons {
		if c.Interval <= 0 {
			return fmt.Errorf("cron %q needs a positive interval", name)
		}
		if err := c.Run.Validate(); err != nil {
			return fmt.Errorf("cron %q: %w", name, err)
		}
		if c.Run.Shell != "" {
			return fmt.Errorf("cron %q must run a pipeline or agent", name)
		}
		if c.Run.Pipeline != "" && rb.Pipelines[c.Run.Pipeline] == nil {
			return fmt.Errorf("cron %q references unknown pipeline %q", name, c.Run.Pipeline)
		}
		if c.Run.Agent != "" && rb.Agents[c.Run.Agent] == nil {
			return fmt.Errorf("cron %q references unknown agent %q", name, c.Run.Agent)
		}
	}
	for name, cmd := range rb.Commands {
		if err := cmd.Run.Validate(); err != nil {
			return fmt.Errorf("command %q: %w", name, err)
		}
		if cmd.Run.Pipeline != "" && rb.Pipelines[cmd.Run.Pipeline] == nil {
			return fmt.Errorf("command %q references unknown pipeline %q", name, cmd.Run.Pipeline)
		}
		if cmd.Run.Agent != "" && rb.Agents[cmd.Run.Agent] == nil {
			return fmt.Errorf("command %q references unknown agent %q", name, cmd.Run.Agent)
		}
	}
	return nil
}
