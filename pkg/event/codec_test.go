package event

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/foreman/pkg/timer"
	"github.com/cuemby/foreman/pkg/types"
)

func TestMarshalRoundTrip(t *testing.T) {
	jobID := types.NewJobID()
	agentID := types.NewAgentID()
	tests := []struct {
		name string
		ev   Event
	}{
		{"job created", &JobCreated{
			JobID:       jobID,
			Pipeline:    "build",
			Namespace:   "proj",
			RunbookHash: "abc123",
			Vars:        map[string]string{"target": "all"},
			At:          1700000000000,
		}},
		{"shell exited", &ShellExited{
			Owner:      types.OwnerJob(jobID),
			Step:       "compile",
			ExitCode:   2,
			StderrTail: "boom",
		}},
		{"agent spawned", &AgentSpawned{
			AgentID: agentID,
			Runtime: &types.AgentRuntime{Kind: "local", PID: 4242, Addr: "/tmp/a.sock", Token: "tok"},
		}},
		{"worker polled", &WorkerPolled{
			Namespace: "proj",
			Name:      "runner",
			Items:     []ExternalItem{{ID: "1", Payload: `{"id":"1"}`}},
		}},
		{"timer fired", &TimerFired{
			ID: timer.Cooldown(types.OwnerJob(jobID), "idle", 2),
		}},
		{"queue dead with drop", &QueueDead{
			Namespace: "proj", Queue: "jobs", ItemID: "it-1", Drop: true,
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := Marshal(tt.ev)
			require.NoError(t, err)

			// The discriminator rides in the payload.
			var tag struct {
				Type string `json:"type"`
			}
			require.NoError(t, json.Unmarshal(data, &tag))
			assert.Equal(t, tt.ev.Kind(), tag.Type)

			back, err := Unmarshal(data)
			require.NoError(t, err)
			assert.Equal(t, tt.ev, back)
		})
	}
}

func TestUnmarshalUnknownType(t *testing.T) {
	_, err := Unmarshal([]byte(`{"type":"no:such-event"}`))
	assert.Error(t, err)
}

func TestUnmarshalIgnoresUnknownFields(t *testing.T) {
	data := []byte(`{"type":"worker:wake","namespace":"proj","name":"runner","future_field":42}`)
	ev, err := Unmarshal(data)
	require.NoError(t, err)
	wake, ok := ev.(*WorkerWake)
	require.True(t, ok)
	assert.Equal(t, "proj", wake.Namespace)
	assert.Equal(t, "runner", wake.Name)
}

func TestEveryKindRegistered(t *testing.T) {
	kinds := Kinds()
	assert.Greater(t, len(kinds), 40)
	seen := make(map[string]bool)
	for _, k := range kinds {
		assert.False(t, seen[k], "duplicate kind %s", k)
		seen[k] = true
	}
}
