package ipc

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"

	"github.com/cuemby/foreman/pkg/types"
)

// MaxMessageSize is the maximum allowed payload size (4 MB).
const MaxMessageSize = 4 * 1024 * 1024

// Framing: [4-byte big-endian length][UTF-8 JSON payload]. One request,
// one response, per connection.

// WriteMsg writes a length-prefixed JSON value to w.
func WriteMsg(w io.Writer, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	if len(data) > MaxMessageSize {
		return fmt.Errorf("message too large: %d > %d", len(data), MaxMessageSize)
	}
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(data)))
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	_, err = w.Write(data)
	return err
}

// ReadMsg reads a length-prefixed JSON payload from r.
func ReadMsg(r io.Reader) ([]byte, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	size := binary.BigEndian.Uint32(hdr[:])
	if size > MaxMessageSize {
		return nil, fmt.Errorf("message too large: %d > %d", size, MaxMessageSize)
	}
	data := make([]byte, size)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, err
	}
	return data, nil
}

// Request is the tagged IPC request envelope. Type selects which parameter
// fields are meaningful.
type Request struct {
	Type string `json:"type"`

	// Hello (TCP handshake).
	Token string `json:"token,omitempty"`

	// Invocation context.
	Namespace   string `json:"namespace,omitempty"`
	Cwd         string `json:"cwd,omitempty"`
	RunbookPath string `json:"runbook_path,omitempty"`

	// CommandRun.
	Command string   `json:"command,omitempty"`
	Args    []string `json:"args,omitempty"`

	// Queue operations.
	Queue   string `json:"queue,omitempty"`
	Payload string `json:"payload,omitempty"`

	// Worker and cron operations.
	Worker string `json:"worker,omitempty"`
	Cron   string `json:"cron,omitempty"`

	// Job operations.
	JobID types.JobID       `json:"job_id,omitempty"`
	Vars  map[string]string `json:"vars,omitempty"`

	// Agent operations.
	AgentID types.AgentID `json:"agent_id,omitempty"`
	Input   string        `json:"input,omitempty"`
	Lines   int           `json:"lines,omitempty"`

	// Decision operations.
	DecisionID types.DecisionID `json:"decision_id,omitempty"`
	Resolution string           `json:"resolution,omitempty"`
	Note       string           `json:"note,omitempty"`

	// Query selects the state shape to read.
	Query string `json:"query,omitempty"`

	// Orphan operations.
	Owner types.OwnerID `json:"owner,omitempty"`
}

// Request type tags.
const (
	ReqHello           = "Hello"
	ReqCommandRun      = "CommandRun"
	ReqQueuePush       = "QueuePush"
	ReqWorkerStart     = "WorkerStart"
	ReqWorkerStop      = "WorkerStop"
	ReqCronStart       = "CronStart"
	ReqCronStop        = "CronStop"
	ReqJobCancel       = "JobCancel"
	ReqJobResume       = "JobResume"
	ReqAgentSignal     = "AgentSignal"
	ReqResolveDecision = "ResolveDecision"
	ReqQuery           = "Query"
	ReqAgentOutput     = "AgentOutput"
	ReqWorkspacePrune  = "WorkspacePrune"
	ReqOrphanDismiss   = "OrphanDismiss"
)

// Query shapes.
const (
	QueryStatus    = "status"
	QueryJobs      = "jobs"
	QueryJob       = "job"
	QueryAgents    = "agents"
	QueryWorkers   = "workers"
	QueryCrons     = "crons"
	QueryQueue     = "queue"
	QueryDecisions = "decisions"
	QueryOrphans   = "orphans"
)

// Response is the tagged IPC response envelope.
type Response struct {
	Type    string          `json:"type"`
	Message string          `json:"message,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
}

// Response type tags.
const (
	RespOk     = "Ok"
	RespError  = "Error"
	RespResult = "Result"
)

func ok(message string) Response {
	return Response{Type: RespOk, Message: message}
}

func errResp(format string, args ...any) Response {
	return Response{Type: RespError, Message: fmt.Sprintf(format, args...)}
}

func result(v any) Response {
	data, err := json.Marshal(v)
	if err != nil {
		return errResp("encode result: %v", err)
	}
	return Response{Type: RespResult, Result: data}
}

// StatusInfo is the QueryStatus result shape.
type StatusInfo struct {
	PID          int    `json:"pid"`
	UptimeSecs   int64  `json:"uptime_secs"`
	ProcessedSeq uint64 `json:"processed_seq"`
	Jobs         int    `json:"jobs"`
	ActiveJobs   int    `json:"active_jobs"`
	Agents       int    `json:"agents"`
	LiveAgents   int    `json:"live_agents"`
	Workers      int    `json:"workers"`
	Crons        int    `json:"crons"`
	Decisions    int    `json:"open_decisions"`
}
