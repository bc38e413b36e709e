package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/foreman/pkg/event"
	"github.com/cuemby/foreman/pkg/log"
	"github.com/cuemby/foreman/pkg/metrics"
	"github.com/cuemby/foreman/pkg/state"
	"github.com/cuemby/foreman/pkg/timer"
	"github.com/cuemby/foreman/pkg/wal"
)

// Engine owns the materialized state, the WAL, the scheduler, and the
// single-consumer event loop. All state changes flow through Emit and the
// loop; everything else reads under Read.
type Engine struct {
	stateMu sync.Mutex
	st      *state.State

	emitMu  sync.Mutex
	wal     *wal.Log
	pending *pendingQueue

	sched  *timer.Scheduler
	clock  Clock
	cfg    Config
	exec   *Executor
	logger zerolog.Logger

	observer func(event.Event)

	shutdown     chan struct{}
	shutdownOnce sync.Once
}

// New wires an engine around an opened WAL and a restored state.
func New(st *state.State, w *wal.Log, sched *timer.Scheduler, clock Clock, cfg Config) *Engine {
	e := &Engine{
		st:       st,
		wal:      w,
		pending:  newPendingQueue(),
		sched:    sched,
		clock:    clock,
		cfg:      cfg.withDefaults(),
		logger:   log.WithComponent("engine"),
		shutdown: make(chan struct{}),
	}
	return e
}

// SetExecutor installs the effect executor. Must be called before Run.
func (e *Engine) SetExecutor(x *Executor) { e.exec = x }

// SetObserver installs a per-event callback run after each apply. The
// callback must not block; hand slow work to a channel.
func (e *Engine) SetObserver(fn func(event.Event)) { e.observer = fn }

// Config returns the engine configuration with defaults applied.
func (e *Engine) Config() Config { return e.cfg }

// Clock returns the engine clock.
func (e *Engine) Clock() Clock { return e.clock }

// Scheduler returns the timer scheduler.
func (e *Engine) Scheduler() *timer.Scheduler { return e.sched }

// Emit appends an event to the WAL and the pending queue. The append and
// the enqueue happen under one lock so application order always matches
// sequence order.
func (e *Engine) Emit(ev event.Event) (uint64, error) {
	e.emitMu.Lock()
	defer e.emitMu.Unlock()
	seq, err := e.wal.Append(ev)
	if err != nil {
		return 0, fmt.Errorf("emit %s: %w", ev.Kind(), err)
	}
	e.pending.Push(pendingEvent{seq: seq, ev: ev})
	return seq, nil
}

// Read runs fn with the state lock held. fn must not block or suspend.
func (e *Engine) Read(fn func(*state.State)) {
	e.stateMu.Lock()
	defer e.stateMu.Unlock()
	fn(e.st)
}

// CloneState snapshots the state and the processed sequence for the
// checkpointer. The lock is held only for the clone.
func (e *Engine) CloneState() (*state.State, uint64, error) {
	e.stateMu.Lock()
	cloned, err := e.st.Clone()
	e.stateMu.Unlock()
	if err != nil {
		return nil, 0, err
	}
	return cloned, e.wal.ProcessedSeq(), nil
}

// Shutdown asks the loop to stop after the current iteration.
func (e *Engine) Shutdown() {
	e.shutdownOnce.Do(func() { close(e.shutdown) })
}

// Seed pushes an already-persisted event into the pending queue without
// re-appending it. Used for WAL replay on startup.
func (e *Engine) Seed(seq uint64, ev event.Event) {
	e.pending.Push(pendingEvent{seq: seq, ev: ev})
}

// Replay applies the given records directly, without running handlers or
// effects. Used to rebuild state from the log before the loop starts.
func (e *Engine) Replay(records []wal.Record) error {
	e.stateMu.Lock()
	defer e.stateMu.Unlock()
	for _, rec := range records {
		ev, err := event.Unmarshal(rec.Event)
		if err != nil {
			return fmt.Errorf("replay seq %d: %w", rec.Seq, err)
		}
		e.st.Apply(ev)
		e.wal.MarkProcessed(rec.Seq)
	}
	return nil
}

// Run is the event loop: single-threaded, cooperative. Each iteration takes
// the first ready of pending event, shutdown, context cancellation, or the
// timer tick. Every iteration is bounded: inline effects are microseconds
// and deferred effects only spawn tasks.
func (e *Engine) Run(ctx context.Context) error {
	if e.exec == nil {
		return fmt.Errorf("engine: no executor installed")
	}
	ticker := time.NewTicker(e.cfg.TickInterval)
	defer ticker.Stop()

	e.logger.Info().Msg("Event loop started")
	for {
		if pe, ok := e.pending.Pop(); ok {
			e.process(pe)
			continue
		}
		select {
		case <-ctx.Done():
			e.logger.Info().Msg("Event loop stopped: context done")
			return ctx.Err()
		case <-e.shutdown:
			e.logger.Info().Msg("Event loop stopped: shutdown")
			return nil
		case <-e.pending.wake:
		case now := <-ticker.C:
			e.sweepTimers(now)
		}
	}
}

// Drain processes every pending event without waiting for new ones, up to
// the deadline. Used on graceful shutdown.
func (e *Engine) Drain(deadline time.Duration) {
	stop := time.Now().Add(deadline)
	for time.Now().Before(stop) {
		pe, ok := e.pending.Pop()
		if !ok {
			return
		}
		e.process(pe)
	}
}

func (e *Engine) sweepTimers(now time.Time) {
	for _, id := range e.sched.FiredAt(now) {
		if _, err := e.Emit(&event.TimerFired{ID: id}); err != nil {
			e.logger.Error().Err(err).Str("timer", id.String()).Msg("Failed to emit timer fire")
		}
	}
}

// process applies one event, runs its handler, and executes the effects.
func (e *Engine) process(pe pendingEvent) {
	t := metrics.NewTimer()

	// Apply and handle under the lock; both are pure and fast. The lock is
	// released before any effect executes.
	e.stateMu.Lock()
	e.st.Apply(pe.ev)
	effects := Handle(pe.ev, Ctx{State: e.st, Clock: e.clock, Cfg: e.cfg})
	e.stateMu.Unlock()

	e.wal.MarkProcessed(pe.seq)
	metrics.EventsApplied.WithLabelValues(pe.ev.Kind()).Inc()
	if e.observer != nil {
		e.observer(pe.ev)
	}

	for _, eff := range effects {
		if err := e.exec.Execute(eff); err != nil {
			// Executor failures are programmer errors or unrecoverable
			// I/O faults; business failures come back as result events.
			e.logger.Error().Err(err).
				Str("event", pe.ev.Kind()).
				Str("effect", eff.Name()).
				Msg("Effect execution failed")
		}
	}
	t.ObserveDuration(metrics.EventApplyDuration)
}
