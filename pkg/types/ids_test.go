package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewIDShapes(t *testing.T) {
	tests := []struct {
		name   string
		id     string
		prefix string
	}{
		{"job", string(NewJobID()), PrefixJob},
		{"agent", string(NewAgentID()), PrefixAgent},
		{"crew", string(NewCrewID()), PrefixCrew},
		{"workspace", string(NewWorkspaceID()), PrefixWorkspace},
		{"decision", string(NewDecisionID()), PrefixDecision},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Len(t, tt.id, 23)
			assert.Equal(t, tt.prefix, tt.id[:4])
		})
	}
}

func TestIDUniqueness(t *testing.T) {
	seen := make(map[JobID]bool)
	for i := 0; i < 1000; i++ {
		id := NewJobID()
		require.False(t, seen[id], "duplicate id %s", id)
		seen[id] = true
	}
}

func TestOwnerIDTagging(t *testing.T) {
	jobID := NewJobID()
	crewID := NewCrewID()

	owner := OwnerJob(jobID)
	got, ok := owner.Job()
	require.True(t, ok)
	assert.Equal(t, jobID, got)
	_, ok = owner.Crew()
	assert.False(t, ok)

	owner = OwnerCrew(crewID)
	gotCrew, ok := owner.Crew()
	require.True(t, ok)
	assert.Equal(t, crewID, gotCrew)
	_, ok = owner.Job()
	assert.False(t, ok)
}

func TestParseOwnerID(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr bool
	}{
		{"valid job owner", string(NewJobID()), false},
		{"valid crew owner", string(NewCrewID()), false},
		{"agent id is not an owner", string(NewAgentID()), true},
		{"garbage", "not-an-id", true},
		{"empty", "", true},
		{"right prefix wrong length", "job-short", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			owner, err := ParseOwnerID(tt.input)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.input, string(owner))
		})
	}
}
