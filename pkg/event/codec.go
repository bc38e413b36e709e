package event

import (
	"encoding/json"
	"fmt"
)

// registry maps discriminators to empty prototypes for decoding. The closed
// enumeration of events is exactly the keys of this map.
var registry = map[string]func() Event{}

func register(proto func() Event) {
	kind := proto().Kind()
	if _, dup := registry[kind]; dup {
		panic(fmt.Sprintf("duplicate event kind %q", kind))
	}
	registry[kind] = proto
}

func init() {
	register(func() Event { return &RunbookLoaded{} })
	register(func() Event { return &ProjectRegistered{} })
	register(func() Event { return &CommandRun{} })
	register(func() Event { return &JobCreated{} })
	register(func() Event { return &StepStarted{} })
	register(func() Event { return &StepCompleted{} })
	register(func() Event { return &StepFailed{} })
	register(func() Event { return &StepCancelled{} })
	register(func() Event { return &JobFinished{} })
	register(func() Event { return &JobCancel{} })
	register(func() Event { return &JobResume{} })
	register(func() Event { return &ShellExited{} })
	register(func() Event { return &WorkspaceCreating{} })
	register(func() Event { return &WorkspaceReady{} })
	register(func() Event { return &WorkspaceFailed{} })
	register(func() Event { return &WorkspaceDeleted{} })
	register(func() Event { return &AgentRunCreated{} })
	register(func() Event { return &AgentSpawned{} })
	register(func() Event { return &AgentSpawnFailed{} })
	register(func() Event { return &AgentWorking{} })
	register(func() Event { return &AgentIdle{} })
	register(func() Event { return &AgentPrompt{} })
	register(func() Event { return &AgentFailed{} })
	register(func() Event { return &AgentGoneEvent{} })
	register(func() Event { return &AgentStopBlocked{} })
	register(func() Event { return &AgentStopAllowed{} })
	register(func() Event { return &AgentSignal{} })
	register(func() Event { return &AgentNudged{} })
	register(func() Event { return &AgentRecovered{} })
	register(func() Event { return &AgentFinished{} })
	register(func() Event { return &WorkerStarted{} })
	register(func() Event { return &WorkerStopped{} })
	register(func() Event { return &WorkerWake{} })
	register(func() Event { return &WorkerPolled{} })
	register(func() Event { return &WorkerTook{} })
	register(func() Event { return &WorkerDispatched{} })
	register(func() Event { return &QueuePushed{} })
	register(func() Event { return &QueueCompleted{} })
	register(func() Event { return &QueueFailed{} })
	register(func() Event { return &QueueRequeued{} })
	register(func() Event { return &QueueDead{} })
	register(func() Event { return &CronStarted{} })
	register(func() Event { return &CronStopped{} })
	register(func() Event { return &CrewCreated{} })
	register(func() Event { return &DecisionCreated{} })
	register(func() Event { return &DecisionResolved{} })
	register(func() Event { return &TimerFired{} })
}

// Marshal encodes ev as a tagged JSON object carrying its discriminator in
// the "type" field.
func Marshal(ev Event) ([]byte, error) {
	body, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("marshal %s: %w", ev.Kind(), err)
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err != nil {
		return nil, fmt.Errorf("marshal %s: %w", ev.Kind(), err)
	}
	if fields == nil {
		fields = map[string]json.RawMessage{}
	}
	fields["type"] = json.RawMessage(fmt.Sprintf("%q", ev.Kind()))
	return json.Marshal(fields)
}

// Unmarshal decodes a tagged JSON object back into its concrete event.
// Unknown fields are ignored for forward compatibility within a schema
// version; an unknown discriminator is an error.
func Unmarshal(data []byte) (Event, error) {
	var tag struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &tag); err != nil {
		return nil, fmt.Errorf("unmarshal event tag: %w", err)
	}
	proto, ok := registry[tag.Type]
	if !ok {
		return nil, fmt.Errorf("unknown event type %q", tag.Type)
	}
	ev := proto()
	if err := json.Unmarshal(data, ev); err != nil {
		return nil, fmt.Errorf("unmarshal %s: %w", tag.Type, err)
	}
	return ev, nil
}

// Kinds returns the discriminators of every registered event.
func Kinds() []string {
	out := make([]string, 0, len(registry))
	for k := range registry {
		out = append(out, k)
	}
	return out
}
