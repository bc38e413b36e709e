package timer

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cuemby/foreman/pkg/types"
)

// Kind discriminates timer purposes.
type Kind string

const (
	KindLiveness     Kind = "liveness"
	KindExitDeferred Kind = "exit-deferred"
	KindCooldown     Kind = "cooldown"
	KindQueueRetry   Kind = "queue-retry"
	KindCron         Kind = "cron"
	KindQueuePoll    Kind = "queue-poll"
)

// ID is a structured timer identifier. IDs round-trip through their textual
// form because they appear in persisted timer events.
type ID struct {
	Kind      Kind
	Owner     types.OwnerID
	Trigger   string
	ChainPos  int
	Namespace string
	Queue     string
	Item      string
	Name      string
}

// Liveness keys the owner's idleness grace period.
func Liveness(owner types.OwnerID) ID {
	return ID{Kind: KindLiveness, Owner: owner}
}

// ExitDeferred keys the post-exit hook window for an owner.
func ExitDeferred(owner types.OwnerID) ID {
	return ID{Kind: KindExitDeferred, Owner: owner}
}

// Cooldown keys the minimum delay between action attempts.
func Cooldown(owner types.OwnerID, trigger string, chainPos int) ID {
	return ID{Kind: KindCooldown, Owner: owner, Trigger: trigger, ChainPos: chainPos}
}

// QueueRetry keys a per-item retry delay.
func QueueRetry(namespace, queue, item string) ID {
	return ID{Kind: KindQueueRetry, Namespace: namespace, Queue: queue, Item: item}
}

// Cron keys a self-rescheduling cron interval.
func Cron(namespace, name string) ID {
	return ID{Kind: KindCron, Namespace: namespace, Name: name}
}

// QueuePoll keys an external-queue polling interval.
func QueuePoll(namespace, worker string) ID {
	return ID{Kind: KindQueuePoll, Namespace: namespace, Name: worker}
}

// String renders the canonical textual form.
func (id ID) String() string {
	switch id.Kind {
	case KindLiveness, KindExitDeferred:
		return fmt.Sprintf("%s/%s", id.Kind, id.Owner)
	case KindCooldown:
		return fmt.Sprintf("%s/%s/%s/%d", id.Kind, id.Owner, id.Trigger, id.ChainPos)
	case KindQueueRetry:
		return fmt.Sprintf("%s/%s/%s/%s", id.Kind, id.Namespace, id.Queue, id.Item)
	case KindCron, KindQueuePoll:
		return fmt.Sprintf("%s/%s/%s", id.Kind, id.Namespace, id.Name)
	}
	return string(id.Kind)
}

// Parse rebuilds an ID from its textual form.
func Parse(s string) (ID, error) {
	parts := strings.Split(s, "/")
	if len(parts) < 2 {
		return ID{}, fmt.Errorf("malformed timer id %q", s)
	}
	kind := Kind(parts[0])
	switch kind {
	case KindLiveness, KindExitDeferred:
		if len(parts) != 2 {
			return ID{}, fmt.Errorf("malformed timer id %q", s)
		}
		owner, err := types.ParseOwnerID(parts[1])
		if err != nil {
			return ID{}, fmt.Errorf("timer id %q: %w", s, err)
		}
		return ID{Kind: kind, Owner: owner}, nil
	case KindCooldown:
		if len(parts) != 4 {
			return ID{}, fmt.Errorf("malformed timer id %q", s)
		}
		owner, err := types.ParseOwnerID(parts[1])
		if err != nil {
			return ID{}, fmt.Errorf("timer id %q: %w", s, err)
		}
		pos, err := strconv.Atoi(parts[3])
		if err != nil {
			return ID{}, fmt.Errorf("timer id %q: bad chain position: %w", s, err)
		}
		return ID{Kind: kind, Owner: owner, Trigger: parts[2], ChainPos: pos}, nil
	case KindQueueRetry:
		if len(parts) != 4 {
			return ID{}, fmt.Errorf("malformed timer id %q", s)
		}
		return ID{Kind: kind, Namespace: parts[1], Queue: parts[2], Item: parts[3]}, nil
	case KindCron, KindQueuePoll:
		if len(parts) != 3 {
			return ID{}, fmt.Errorf("malformed timer id %q", s)
		}
		return ID{Kind: kind, Namespace: parts[1], Name: parts[2]}, nil
	}
	return ID{}, fmt.Errorf("unknown timer kind %q", parts[0])
}

// MarshalText implements encoding.TextMarshaler.
func (id ID) MarshalText() ([]byte, error) { return []byte(id.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (id *ID) UnmarshalText(b []byte) error {
	parsed, err := Parse(string(b))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

// Scheduler is a map from timer id to deadline. It is rebuilt from log
// replay on restart, never persisted directly.
type Scheduler struct {
	mu        sync.Mutex
	deadlines map[ID]time.Time
}

// NewScheduler creates an empty scheduler.
func NewScheduler() *Scheduler {
	return &Scheduler{deadlines: make(map[ID]time.Time)}
}

// Set inserts or replaces the deadline for id.
func (s *Scheduler) Set(id ID, deadline time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deadlines[id] = deadline
}

// Cancel removes id; cancelling an absent id is a no-op.
func (s *Scheduler) Cancel(id ID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.deadlines, id)
}

// CancelOwner removes every timer keyed to owner.
func (s *Scheduler) CancelOwner(owner types.OwnerID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id := range s.deadlines {
		if id.Owner == owner {
			delete(s.deadlines, id)
		}
	}
}

// FiredAt returns and removes all entries expired at now, in a stable order.
func (s *Scheduler) FiredAt(now time.Time) []ID {
	s.mu.Lock()
	defer s.mu.Unlock()
	var fired []ID
	for id, deadline := range s.deadlines {
		if !deadline.After(now) {
			fired = append(fired, id)
		}
	}
	for _, id := range fired {
		delete(s.deadlines, id)
	}
	sort.Slice(fired, func(i, j int) bool { return fired[i].String() < fired[j].String() })
	return fired
}

// Contains reports whether id is currently scheduled.
func (s *Scheduler) Contains(id ID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.deadlines[id]
	return ok
}

// Len returns the number of scheduled timers.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.deadlines)
}
