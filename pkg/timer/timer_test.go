package timer

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/foreman/pkg/types"
)

func TestIDRoundTrip(t *testing.T) {
	owner := types.OwnerJob(types.NewJobID())
	tests := []struct {
		name string
		id   ID
	}{
		{"liveness", Liveness(owner)},
		{"exit deferred", ExitDeferred(owner)},
		{"cooldown", Cooldown(owner, "idle", 3)},
		{"queue retry", QueueRetry("myproj", "jobs", "item-42")},
		{"cron", Cron("myproj", "nightly")},
		{"queue poll", QueuePoll("myproj", "runner")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			parsed, err := Parse(tt.id.String())
			require.NoError(t, err)
			assert.Equal(t, tt.id, parsed)
		})
	}
}

func TestIDTextMarshalling(t *testing.T) {
	id := Cooldown(types.OwnerCrew(types.NewCrewID()), "dead", 1)
	data, err := id.MarshalText()
	require.NoError(t, err)

	var back ID
	require.NoError(t, back.UnmarshalText(data))
	assert.Equal(t, id, back)
}

func TestParseRejectsMalformed(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{"empty", ""},
		{"no slash", "liveness"},
		{"unknown kind", "bogus/job-0123456789abcdef012"},
		{"liveness bad owner", "liveness/nope"},
		{"cooldown missing pos", "cooldown/" + string(types.NewJobID()) + "/idle"},
		{"cooldown bad pos", "cooldown/" + string(types.NewJobID()) + "/idle/x"},
		{"cron missing name", "cron/proj"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(tt.input)
			assert.Error(t, err)
		})
	}
}

func TestSchedulerSetCancelFire(t *testing.T) {
	s := NewScheduler()
	now := time.Now()
	id := Cron("proj", "tick")

	s.Set(id, now.Add(time.Second))
	assert.True(t, s.Contains(id))

	// Nothing fires early.
	assert.Empty(t, s.FiredAt(now))

	fired := s.FiredAt(now.Add(2 * time.Second))
	require.Len(t, fired, 1)
	assert.Equal(t, id, fired[0])

	// One-shot: removed on fire.
	assert.False(t, s.Contains(id))
	assert.Empty(t, s.FiredAt(now.Add(time.Hour)))
}

func TestSchedulerReplaceKeepsOneEntry(t *testing.T) {
	s := NewScheduler()
	now := time.Now()
	id := Liveness(types.OwnerJob(types.NewJobID()))

	s.Set(id, now.Add(time.Second))
	s.Set(id, now.Add(10*time.Second))
	assert.Equal(t, 1, s.Len())

	// The second deadline is in place: nothing at the first one.
	assert.Empty(t, s.FiredAt(now.Add(5*time.Second)))
	fired := s.FiredAt(now.Add(11 * time.Second))
	require.Len(t, fired, 1)

	// Fires exactly once.
	assert.Empty(t, s.FiredAt(now.Add(time.Hour)))
}

func TestSchedulerCancelIdempotent(t *testing.T) {
	s := NewScheduler()
	id := QueuePoll("proj", "runner")
	s.Cancel(id) // absent: no-op
	s.Set(id, time.Now())
	s.Cancel(id)
	s.Cancel(id)
	assert.Equal(t, 0, s.Len())
}

func TestSchedulerCancelOwner(t *testing.T) {
	s := NewScheduler()
	owner := types.OwnerJob(types.NewJobID())
	other := types.OwnerJob(types.NewJobID())
	now := time.Now()

	s.Set(Liveness(owner), now)
	s.Set(Cooldown(owner, "idle", 1), now)
	s.Set(Liveness(other), now)

	s.CancelOwner(owner)
	assert.Equal(t, 1, s.Len())
	assert.True(t, s.Contains(Liveness(other)))
}
