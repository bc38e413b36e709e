package types

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Entity identifiers are fixed-size strings: a 4-character type prefix,
// a dash, and a 19-character unique suffix.
const (
	PrefixJob       = "job-"
	PrefixAgent     = "agt-"
	PrefixCrew      = "crw-"
	PrefixWorkspace = "wks-"
	PrefixDecision  = "dec-"

	suffixLen = 19
	idLen     = 4 + suffixLen
)

type (
	// JobID identifies a pipeline job.
	JobID string
	// AgentID identifies a monitored external agent.
	AgentID string
	// CrewID identifies a multi-agent grouping.
	CrewID string
	// WorkspaceID identifies a per-job working directory.
	WorkspaceID string
	// DecisionID identifies a human-decision record.
	DecisionID string
)

func newSuffix() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:suffixLen]
}

// NewJobID returns a fresh job identifier.
func NewJobID() JobID { return JobID(PrefixJob + newSuffix()) }

// NewAgentID returns a fresh agent identifier.
func NewAgentID() AgentID { return AgentID(PrefixAgent + newSuffix()) }

// NewCrewID returns a fresh crew identifier.
func NewCrewID() CrewID { return CrewID(PrefixCrew + newSuffix()) }

// NewWorkspaceID returns a fresh workspace identifier.
func NewWorkspaceID() WorkspaceID { return WorkspaceID(PrefixWorkspace + newSuffix()) }

// NewDecisionID returns a fresh decision identifier.
func NewDecisionID() DecisionID { return DecisionID(PrefixDecision + newSuffix()) }

func validID(s, prefix string) bool {
	return len(s) == idLen && strings.HasPrefix(s, prefix)
}

func (id JobID) Valid() bool       { return validID(string(id), PrefixJob) }
func (id AgentID) Valid() bool     { return validID(string(id), PrefixAgent) }
func (id CrewID) Valid() bool      { return validID(string(id), PrefixCrew) }
func (id WorkspaceID) Valid() bool { return validID(string(id), PrefixWorkspace) }
func (id DecisionID) Valid() bool  { return validID(string(id), PrefixDecision) }

// OwnerID is a tagged union of JobID and CrewID. It serializes as the
// owner's concrete textual form; the prefix carries the tag.
type OwnerID string

// OwnerJob wraps a job id as an owner.
func OwnerJob(id JobID) OwnerID { return OwnerID(id) }

// OwnerCrew wraps a crew id as an owner.
func OwnerCrew(id CrewID) OwnerID { return OwnerID(id) }

// Job returns the job id if the owner is a job.
func (o OwnerID) Job() (JobID, bool) {
	if validID(string(o), PrefixJob) {
		return JobID(o), true
	}
	return "", false
}

// Crew returns the crew id if the owner is a crew.
func (o OwnerID) Crew() (CrewID, bool) {
	if validID(string(o), PrefixCrew) {
		return CrewID(o), true
	}
	return "", false
}

// Valid reports whether the owner is a well-formed job or crew id.
func (o OwnerID) Valid() bool {
	return validID(string(o), PrefixJob) || validID(string(o), PrefixCrew)
}

// ParseOwnerID validates and returns an owner id from its textual form.
func ParseOwnerID(s string) (OwnerID, error) {
	o := OwnerID(s)
	if !o.Valid() {
		return "", fmt.Errorf("invalid owner id %q", s)
	}
	return o, nil
}
