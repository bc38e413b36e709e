package ipc

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/cuemby/foreman/pkg/adapter"
	"github.com/cuemby/foreman/pkg/breadcrumb"
	"github.com/cuemby/foreman/pkg/event"
	"github.com/cuemby/foreman/pkg/log"
	"github.com/cuemby/foreman/pkg/metrics"
	"github.com/cuemby/foreman/pkg/runbook"
	"github.com/cuemby/foreman/pkg/state"
	"github.com/cuemby/foreman/pkg/types"
	"github.com/cuemby/foreman/pkg/workspace"
)

// opTimeout bounds each request read and response write.
const opTimeout = 5 * time.Second

// pruneTimeout bounds the workspace prune subprocess work per request.
const pruneTimeout = 30 * time.Second

// maxConnections bounds concurrent IPC connections.
const maxConnections = 64

// Engine is the slice of the engine the IPC surface needs: actions emit
// events, queries read state under the lock.
type Engine interface {
	Emit(ev event.Event) (uint64, error)
	Read(fn func(*state.State))
}

// Server accepts IPC connections on the local socket and, optionally, a
// bearer-token-gated TCP port. Each connection runs in a fresh task with
// per-op timeouts. Event-emitting requests never block on the state lock;
// queries take it briefly; subprocess-calling requests block only their own
// connection task.
type Server struct {
	engine       Engine
	adapters     *adapter.Router
	workspaces   *workspace.Manager
	orphans      *OrphanSet
	processedSeq func() uint64
	authToken    string
	startedAt    time.Time

	mu        sync.Mutex
	listeners []net.Listener
	wg        sync.WaitGroup
	connSem   chan struct{}
	logger    zerolog.Logger
}

// NewServer wires the IPC surface.
func NewServer(engine Engine, adapters *adapter.Router, workspaces *workspace.Manager,
	orphans *OrphanSet, processedSeq func() uint64, authToken string) *Server {
	return &Server{
		engine:       engine,
		adapters:     adapters,
		workspaces:   workspaces,
		orphans:      orphans,
		processedSeq: processedSeq,
		authToken:    authToken,
		startedAt:    time.Now(),
		connSem:      make(chan struct{}, maxConnections),
		logger:       log.WithComponent("ipc"),
	}
}

// ListenUnix starts accepting on the local socket path.
func (s *Server) ListenUnix(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove stale socket: %w", err)
	}
	ln, err := net.Listen("unix", path)
	if err != nil {
		return fmt.Errorf("listen unix: %w", err)
	}
	if err := os.Chmod(path, 0o600); err != nil {
		ln.Close()
		return fmt.Errorf("chmod socket: %w", err)
	}
	s.serve(ln, false)
	return nil
}

// ListenTCP starts accepting on a TCP port; connections must open with a
// bearer-token Hello.
func (s *Server) ListenTCP(port int) error {
	ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		return fmt.Errorf("listen tcp: %w", err)
	}
	s.serve(ln, true)
	return nil
}

func (s *Server) serve(ln net.Listener, needsAuth bool) {
	s.mu.Lock()
	s.listeners = append(s.listeners, ln)
	s.mu.Unlock()
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			select {
			case s.connSem <- struct{}{}:
			default:
				conn.Close()
				continue
			}
			s.wg.Add(1)
			go func() {
				defer s.wg.Done()
				defer func() { <-s.connSem }()
				s.handleConn(conn, needsAuth)
			}()
		}
	}()
}

// Close stops the listeners and waits for in-flight connections.
func (s *Server) Close() {
	s.mu.Lock()
	for _, ln := range s.listeners {
		ln.Close()
	}
	s.listeners = nil
	s.mu.Unlock()
	s.wg.Wait()
}

func (s *Server) handleConn(conn net.Conn, needsAuth bool) {
	defer conn.Close()

	if needsAuth {
		if !s.handshake(conn) {
			return
		}
	}

	_ = conn.SetReadDeadline(time.Now().Add(opTimeout))
	data, err := ReadMsg(conn)
	if err != nil {
		return
	}
	var req Request
	if err := json.Unmarshal(data, &req); err != nil {
		s.respond(conn, req.Type, errResp("malformed request: %v", err))
		return
	}
	s.respond(conn, req.Type, s.dispatch(&req))
}

func (s *Server) handshake(conn net.Conn) bool {
	_ = conn.SetReadDeadline(time.Now().Add(opTimeout))
	data, err := ReadMsg(conn)
	if err != nil {
		return false
	}
	var hello Request
	if err := json.Unmarshal(data, &hello); err != nil || hello.Type != ReqHello {
		s.respond(conn, ReqHello, errResp("expected Hello"))
		return false
	}
	if subtle.ConstantTimeCompare([]byte(hello.Token), []byte(s.authToken)) != 1 {
		s.respond(conn, ReqHello, errResp("bad token"))
		return false
	}
	s.respond(conn, ReqHello, ok(""))
	return true
}

func (s *Server) respond(conn net.Conn, reqType string, resp Response) {
	status := "ok"
	if resp.Type == RespError {
		status = "error"
	}
	if reqType == "" {
		reqType = "unknown"
	}
	metrics.IPCRequestsTotal.WithLabelValues(reqType, status).Inc()
	_ = conn.SetWriteDeadline(time.Now().Add(opTimeout))
	if err := WriteMsg(conn, resp); err != nil {
		s.logger.Debug().Err(err).Msg("Response write failed")
	}
}

func (s *Server) dispatch(req *Request) Response {
	switch req.Type {
	case ReqCommandRun:
		return s.commandRun(req)
	case ReqQueuePush:
		return s.queuePush(req)
	case ReqWorkerStart:
		return s.workerStart(req)
	case ReqWorkerStop:
		return s.emitSimple(&event.WorkerStopped{Namespace: req.Namespace, Name: req.Worker})
	case ReqCronStart:
		return s.cronStart(req)
	case ReqCronStop:
		return s.emitSimple(&event.CronStopped{Namespace: req.Namespace, Name: req.Cron})
	case ReqJobCancel:
		return s.jobCancel(req)
	case ReqJobResume:
		return s.jobResume(req)
	case ReqAgentSignal:
		return s.agentSignal(req)
	case ReqResolveDecision:
		return s.resolveDecision(req)
	case ReqQuery:
		return s.query(req)
	case ReqAgentOutput:
		return s.agentOutput(req)
	case ReqWorkspacePrune:
		return s.workspacePrune()
	case ReqOrphanDismiss:
		return s.orphanDismiss(req)
	}
	return errResp("unknown request type %q", req.Type)
}

// loadRunbook parses the request's runbook and makes sure the parsed form
// and the project path are in state before the action event lands.
func (s *Server) loadRunbook(req *Request) (*runbook.Runbook, string, error) {
	rb, hash, err := runbook.Load(req.RunbookPath)
	if err != nil {
		return nil, "", err
	}
	cached := false
	s.engine.Read(func(st *state.State) {
		_, cached = st.Runbooks[hash]
	})
	if !cached {
		if _, err := s.engine.Emit(&event.RunbookLoaded{Hash: hash, Runbook: rb}); err != nil {
			return nil, "", err
		}
	}
	if req.Cwd != "" {
		if _, err := s.engine.Emit(&event.ProjectRegistered{Namespace: req.Namespace, Path: req.Cwd}); err != nil {
			return nil, "", err
		}
	}
	return rb, hash, nil
}

func (s *Server) emitSimple(ev event.Event) Response {
	if _, err := s.engine.Emit(ev); err != nil {
		return errResp("%v", err)
	}
	return ok("")
}

func (s *Server) commandRun(req *Request) Response {
	rb, hash, err := s.loadRunbook(req)
	if err != nil {
		return errResp("%v", err)
	}
	if rb.Commands[req.Command] == nil {
		return errResp("unknown command %q", req.Command)
	}
	if _, err := s.engine.Emit(&event.CommandRun{
		Namespace:   req.Namespace,
		Command:     req.Command,
		Args:        req.Args,
		Cwd:         req.Cwd,
		RunbookHash: hash,
		At:          time.Now().UnixMilli(),
	}); err != nil {
		return errResp("%v", err)
	}
	return ok("")
}

func (s *Server) queuePush(req *Request) Response {
	rb, _, err := s.loadRunbook(req)
	if err != nil {
		return errResp("%v", err)
	}
	q := rb.Queues[req.Queue]
	if q == nil {
		return errResp("unknown queue %q", req.Queue)
	}
	if q.External() {
		return errResp("queue %q is external; push through its own system", req.Queue)
	}
	itemID := uuid.NewString()
	if _, err := s.engine.Emit(&event.QueuePushed{
		Namespace: req.Namespace,
		Queue:     req.Queue,
		ItemID:    itemID,
		Payload:   req.Payload,
		At:        time.Now().UnixMilli(),
	}); err != nil {
		return errResp("%v", err)
	}
	return ok(itemID)
}

func (s *Server) workerStart(req *Request) Response {
	rb, hash, err := s.loadRunbook(req)
	if err != nil {
		return errResp("%v", err)
	}
	def := rb.Workers[req.Worker]
	if def == nil {
		return errResp("unknown worker %q", req.Worker)
	}

	running := false
	s.engine.Read(func(st *state.State) {
		if w := st.Workers[state.Key(req.Namespace, req.Worker)]; w != nil {
			running = w.Status == types.WorkerRunning
		}
	})
	if running {
		// Idempotent start: the record stays, just nudge the dispatcher.
		if _, err := s.engine.Emit(&event.WorkerWake{Namespace: req.Namespace, Name: req.Worker}); err != nil {
			return errResp("%v", err)
		}
		return ok("already running")
	}

	concurrency := def.Concurrency
	if concurrency <= 0 {
		concurrency = 1
	}
	if _, err := s.engine.Emit(&event.WorkerStarted{
		Namespace:   req.Namespace,
		Name:        req.Worker,
		ProjectRoot: req.Cwd,
		RunbookHash: hash,
		Queue:       def.Source.Queue,
		Concurrency: concurrency,
	}); err != nil {
		return errResp("%v", err)
	}
	return ok("")
}

func (s *Server) cronStart(req *Request) Response {
	rb, hash, err := s.loadRunbook(req)
	if err != nil {
		return errResp("%v", err)
	}
	def := rb.Crons[req.Cron]
	if def == nil {
		return errResp("unknown cron %q", req.Cron)
	}
	target := types.RunTarget{Kind: types.TargetPipeline, Name: def.Run.Pipeline}
	if def.Run.Agent != "" {
		target = types.RunTarget{Kind: types.TargetAgent, Name: def.Run.Agent}
	}
	if _, err := s.engine.Emit(&event.CronStarted{
		Namespace:   req.Namespace,
		Name:        req.Cron,
		RunbookHash: hash,
		IntervalMS:  def.Interval.D().Milliseconds(),
		Target:      target,
	}); err != nil {
		return errResp("%v", err)
	}
	return ok("")
}

func (s *Server) jobCancel(req *Request) Response {
	var exists bool
	s.engine.Read(func(st *state.State) { exists = st.Jobs[req.JobID] != nil })
	if !exists {
		return errResp("unknown job %s", req.JobID)
	}
	return s.emitSimple(&event.JobCancel{JobID: req.JobID})
}

func (s *Server) jobResume(req *Request) Response {
	var exists bool
	s.engine.Read(func(st *state.State) { exists = st.Jobs[req.JobID] != nil })
	if !exists {
		return errResp("unknown job %s", req.JobID)
	}
	return s.emitSimple(&event.JobResume{JobID: req.JobID, Vars: req.Vars})
}

func (s *Server) agentSignal(req *Request) Response {
	var live bool
	s.engine.Read(func(st *state.State) {
		a := st.Agents[req.AgentID]
		live = a != nil && a.State.Live()
	})
	if !live {
		return errResp("agent %s is not live", req.AgentID)
	}
	return s.emitSimple(&event.AgentSignal{AgentID: req.AgentID, Input: req.Input})
}

func (s *Server) resolveDecision(req *Request) Response {
	var open bool
	s.engine.Read(func(st *state.State) {
		d := st.Decisions[req.DecisionID]
		open = d != nil && d.Status == types.DecisionCreated
	})
	if !open {
		return errResp("decision %s is not open", req.DecisionID)
	}
	return s.emitSimple(&event.DecisionResolved{
		DecisionID: req.DecisionID,
		Resolution: req.Resolution,
		Note:       req.Note,
	})
}

func (s *Server) query(req *Request) Response {
	switch req.Query {
	case QueryStatus:
		var info StatusInfo
		s.engine.Read(func(st *state.State) {
			info.Jobs = len(st.Jobs)
			for _, j := range st.Jobs {
				if !j.Status.Terminal() {
					info.ActiveJobs++
				}
			}
			info.Agents = len(st.Agents)
			for _, a := range st.Agents {
				if a.State.Live() {
					info.LiveAgents++
				}
			}
			info.Workers = len(st.Workers)
			info.Crons = len(st.Crons)
			for _, d := range st.Decisions {
				if d.Status == types.DecisionCreated {
					info.Decisions++
				}
			}
		})
		info.PID = os.Getpid()
		info.UptimeSecs = int64(time.Since(s.startedAt).Seconds())
		info.ProcessedSeq = s.processedSeq()
		return result(info)

	case QueryJobs:
		var jobs []*types.Job
		s.engine.Read(func(st *state.State) {
			for _, j := range st.Jobs {
				jobs = append(jobs, j)
			}
		})
		sort.Slice(jobs, func(i, j int) bool { return jobs[i].CreatedAt > jobs[j].CreatedAt })
		return result(jobs)

	case QueryJob:
		var job *types.Job
		s.engine.Read(func(st *state.State) { job = st.Jobs[req.JobID] })
		if job == nil {
			return errResp("unknown job %s", req.JobID)
		}
		return result(job)

	case QueryAgents:
		var agents []*types.Agent
		s.engine.Read(func(st *state.State) {
			for _, a := range st.Agents {
				agents = append(agents, a)
			}
		})
		sort.Slice(agents, func(i, j int) bool { return agents[i].CreatedAt > agents[j].CreatedAt })
		return result(agents)

	case QueryWorkers:
		var workers []*types.Worker
		s.engine.Read(func(st *state.State) {
			for _, w := range st.Workers {
				workers = append(workers, w)
			}
		})
		sort.Slice(workers, func(i, j int) bool {
			return workers[i].Namespace+workers[i].Name < workers[j].Namespace+workers[j].Name
		})
		return result(workers)

	case QueryCrons:
		var crons []*types.Cron
		s.engine.Read(func(st *state.State) {
			for _, c := range st.Crons {
				crons = append(crons, c)
			}
		})
		sort.Slice(crons, func(i, j int) bool {
			return crons[i].Namespace+crons[i].Name < crons[j].Namespace+crons[j].Name
		})
		return result(crons)

	case QueryQueue:
		var items []*types.QueueItem
		s.engine.Read(func(st *state.State) {
			items = append(items, st.QueueItems[state.Key(req.Namespace, req.Queue)]...)
		})
		return result(items)

	case QueryDecisions:
		var decisions []*types.Decision
		s.engine.Read(func(st *state.State) {
			for _, d := range st.Decisions {
				decisions = append(decisions, d)
			}
		})
		sort.Slice(decisions, func(i, j int) bool { return decisions[i].CreatedAt > decisions[j].CreatedAt })
		return result(decisions)

	case QueryOrphans:
		return result(s.orphans.List())
	}
	return errResp("unknown query %q", req.Query)
}

func (s *Server) agentOutput(req *Request) Response {
	lines := req.Lines
	if lines <= 0 {
		lines = 100
	}
	out, err := s.adapters.CaptureOutput(req.AgentID, lines)
	if err != nil {
		return errResp("%v", err)
	}
	return result(out)
}

// workspacePrune removes workspace directories with no owning record. This
// blocks the connection task on filesystem work, never the engine.
func (s *Server) workspacePrune() Response {
	keep := make(map[types.WorkspaceID]bool)
	s.engine.Read(func(st *state.State) {
		for id := range st.Workspaces {
			keep[id] = true
		}
	})
	ctx, cancel := context.WithTimeout(context.Background(), pruneTimeout)
	defer cancel()
	removed, err := s.workspaces.Prune(ctx, keep)
	if err != nil {
		return errResp("%v", err)
	}
	return result(removed)
}

func (s *Server) orphanDismiss(req *Request) Response {
	if err := s.orphans.Dismiss(req.Owner); err != nil {
		return errResp("%v", err)
	}
	return ok("")
}

// OrphanSet holds the breadcrumb orphans found at startup for inspection
// and dismissal.
type OrphanSet struct {
	mu      sync.Mutex
	orphans []breadcrumb.Orphan
}

// NewOrphanSet wraps the reconciler's findings.
func NewOrphanSet(orphans []breadcrumb.Orphan) *OrphanSet {
	return &OrphanSet{orphans: orphans}
}

// List returns the current orphans.
func (o *OrphanSet) List() []breadcrumb.Orphan {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]breadcrumb.Orphan(nil), o.orphans...)
}

// Dismiss removes an orphan and its breadcrumb file.
func (o *OrphanSet) Dismiss(owner types.OwnerID) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	for i, orphan := range o.orphans {
		if orphan.Owner == owner {
			if err := os.Remove(orphan.Path); err != nil && !os.IsNotExist(err) {
				return fmt.Errorf("remove breadcrumb: %w", err)
			}
			o.orphans = append(o.orphans[:i], o.orphans[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("no orphan for %s", owner)
}
