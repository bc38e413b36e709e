// Package daemon wires the Foreman components together and owns their
// lifecycle: load snapshot, replay the WAL tail, reconcile, start the
// background tasks and listeners, run the event loop; on shutdown, drain,
// flush, checkpoint, and release the pid lock.
package daemon

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/cuemby/foreman/pkg/activitylog"
	"github.com/cuemby/foreman/pkg/adapter"
	"github.com/cuemby/foreman/pkg/breadcrumb"
	"github.com/cuemby/foreman/pkg/config"
	"github.com/cuemby/foreman/pkg/engine"
	"github.com/cuemby/foreman/pkg/ipc"
	"github.com/cuemby/foreman/pkg/log"
	"github.com/cuemby/foreman/pkg/metrics"
	"github.com/cuemby/foreman/pkg/notify"
	"github.com/cuemby/foreman/pkg/reconciler"
	"github.com/cuemby/foreman/pkg/shellexec"
	"github.com/cuemby/foreman/pkg/snapshot"
	"github.com/cuemby/foreman/pkg/state"
	"github.com/cuemby/foreman/pkg/timer"
	"github.com/cuemby/foreman/pkg/wal"
	"github.com/cuemby/foreman/pkg/workspace"
)

// drainDeadline bounds how long graceful shutdown processes leftover
// pending events.
const drainDeadline = 5 * time.Second

// Daemon is the assembled process.
type Daemon struct {
	cfg    config.Config
	logger zerolog.Logger

	pid        *PIDFile
	eng        *engine.Engine
	walLog     *wal.Log
	checkpoint *snapshot.Checkpointer
	server     *ipc.Server
	logSink    *log.FileWriter
}

// New prepares a daemon: directories, logging, durable state restore, and
// component wiring. Run starts it.
func New(cfg config.Config) (*Daemon, error) {
	for _, dir := range []string{
		cfg.StateDir, cfg.LogsDir(), cfg.BreadcrumbsDir(), cfg.AgentsDir(), cfg.WorkspacesDir(),
	} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create %s: %w", dir, err)
		}
	}

	sink, err := log.NewFileWriter(cfg.DaemonLogPath())
	if err != nil {
		return nil, err
	}
	log.Init(log.Config{
		Level:        log.Level(cfg.LogLevel),
		JSONOutput:   true,
		Output:       sink,
		MirrorStdout: cfg.LogStdout,
	})

	d := &Daemon{cfg: cfg, logger: log.WithComponent("daemon"), logSink: sink}

	d.pid, err = AcquirePID(cfg.PIDPath())
	if err != nil {
		return nil, err
	}

	st, w, err := restore(cfg)
	if err != nil {
		d.pid.Release()
		return nil, err
	}
	d.walLog = w

	sched := timer.NewScheduler()
	d.eng = engine.New(st, w, sched, engine.SystemClock{}, engine.Config{
		IdleGrace:         cfg.IdleGrace.D(),
		ExitDeferred:      cfg.ExitDeferred.D(),
		ActionCooldown:    cfg.ActionCooldown.D(),
		ActionAttempts:    cfg.ActionAttempts,
		QueuePollInterval: cfg.QueuePollInterval.D(),
		TickInterval:      cfg.TickInterval.D(),
		WorkspacesDir:     cfg.WorkspacesDir(),
		AgentsDir:         cfg.AgentsDir(),
	})

	d.checkpoint = &snapshot.Checkpointer{
		Source: d.eng,
		Writer: snapshot.NewFSWriter(cfg.SnapshotPath()),
		WAL:    w,
	}
	return d, nil
}

// restore loads the snapshot (if any), then replays the WAL tail on top.
func restore(cfg config.Config) (*state.State, *wal.Log, error) {
	w, err := wal.Open(cfg.WALPath())
	if err != nil {
		return nil, nil, err
	}
	w.SetFlushThreshold(cfg.FlushThreshold)

	st := state.New()
	var fromSeq uint64
	store := snapshot.NewStore(cfg.SnapshotPath())
	snap, err := store.Load()
	if err != nil {
		// Unknown or future schema: refuse to start rather than silently
		// lose state.
		w.Close()
		return nil, nil, err
	}
	if snap != nil {
		st, err = state.Decode(snap.State)
		if err != nil {
			w.Close()
			return nil, nil, fmt.Errorf("snapshot state: %w", err)
		}
		fromSeq = snap.Seq
		w.MarkProcessed(snap.Seq)
	}

	records, err := w.Scan()
	if err != nil {
		w.Close()
		return nil, nil, err
	}
	replayed := 0
	for _, rec := range records {
		if rec.Seq <= fromSeq {
			continue
		}
		ev, err := wal.DecodeEvent(rec)
		if err != nil {
			w.Close()
			return nil, nil, err
		}
		st.Apply(ev)
		w.MarkProcessed(rec.Seq)
		replayed++
	}
	log.WithComponent("daemon").Info().
		Uint64("snapshot_seq", fromSeq).
		Int("replayed", replayed).
		Msg("Restored state")
	return st, w, nil
}

// Run starts every task and blocks until shutdown.
func (d *Daemon) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Effect plumbing.
	var containers shellexec.ContainerRunner
	if d.cfg.Docker {
		docker, err := adapter.NewDockerRunner()
		if err != nil {
			d.logger.Warn().Err(err).Msg("Docker unavailable, container steps will fail")
		} else {
			containers = docker
			defer docker.Close()
		}
	}
	shells := shellexec.NewRunner(containers)
	workspaces := workspace.NewManager(d.cfg.WorkspacesDir())
	local := adapter.NewLocal(d.cfg.AgentsDir(), d.eng)
	adapters := adapter.NewRouter(local)
	notifier := notify.New(d.cfg.NotifyCommand)

	taskCtx, cancelTasks := context.WithCancel(context.Background())
	defer cancelTasks()

	d.eng.SetExecutor(engine.NewExecutor(
		taskCtx, d.eng, d.eng.Scheduler(), d.eng.Clock(),
		adapters, workspaces, shells, shells, notifier,
	))

	// Reconciliation runs once against the restored state, before the loop
	// starts consuming. It works on a clone so no lock spans its probes.
	rec := reconciler.New(adapters, d.eng, d.cfg.BreadcrumbsDir())
	restored, _, err := d.eng.CloneState()
	if err != nil {
		return err
	}
	orphans, err := rec.Run(ctx, restored)
	if err != nil {
		return err
	}

	// IPC listeners.
	d.server = ipc.NewServer(d.eng, adapters, workspaces,
		ipc.NewOrphanSet(orphans), d.walLog.ProcessedSeq, d.cfg.AuthToken)
	if err := d.server.ListenUnix(d.cfg.SocketPath()); err != nil {
		return err
	}
	if d.cfg.TCPPort != 0 {
		if err := d.server.ListenTCP(d.cfg.TCPPort); err != nil {
			return err
		}
	}
	if d.cfg.MetricsAddr != "" {
		go func() {
			if err := metrics.Serve(d.cfg.MetricsAddr); err != nil {
				d.logger.Warn().Err(err).Msg("Metrics listener failed")
			}
		}()
	}

	// Background tasks: group commit, checkpoints, breadcrumbs, activity
	// logs.
	g, gctx := errgroup.WithContext(taskCtx)
	g.Go(func() error { return d.groupCommit(gctx) })
	g.Go(func() error { return d.checkpointLoop(gctx) })
	crumbs := breadcrumb.NewTracker(d.cfg.BreadcrumbsDir(), d.eng)
	g.Go(func() error { return crumbs.Run(gctx) })
	activityWriter := activitylog.NewWriter(d.cfg.LogsDir())
	defer activityWriter.Close()
	activity := newActivityTask(activityWriter)
	d.eng.SetObserver(activity.Observe)
	g.Go(func() error { return activity.Run(gctx) })

	d.logger.Info().
		Str("state_dir", d.cfg.StateDir).
		Str("socket", d.cfg.SocketPath()).
		Msg("Daemon up")

	// The event loop owns the foreground until a signal or Shutdown.
	runErr := d.eng.Run(ctx)

	// Teardown: stop intake, drain, flush, final checkpoint, unlock.
	// External agent processes intentionally survive so reconciliation can
	// reattach on the next start.
	d.server.Close()
	d.eng.Drain(drainDeadline)
	cancelTasks()
	_ = g.Wait()
	if err := d.checkpoint.Run(); err != nil {
		d.logger.Error().Err(err).Msg("Final checkpoint failed")
	}
	if err := d.walLog.Close(); err != nil {
		d.logger.Error().Err(err).Msg("WAL close failed")
	}
	if err := d.pid.Release(); err != nil {
		d.logger.Warn().Err(err).Msg("PID release failed")
	}
	d.logger.Info().Msg("Daemon down")
	d.logSink.Close()

	if runErr == context.Canceled {
		return nil
	}
	return runErr
}

// groupCommit flushes the WAL on a fixed interval or when the buffer
// crosses the threshold: one durability barrier for many appends.
func (d *Daemon) groupCommit(ctx context.Context) error {
	ticker := time.NewTicker(d.cfg.FlushInterval.D())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return d.walLog.Flush()
		case <-ticker.C:
		case <-d.walLog.FlushRequests():
		}
		if err := d.walLog.Flush(); err != nil {
			d.logger.Error().Err(err).Msg("WAL flush failed")
		}
	}
}

// checkpointLoop writes a compacted snapshot periodically.
func (d *Daemon) checkpointLoop(ctx context.Context) error {
	ticker := time.NewTicker(d.cfg.SnapshotEvery.D())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := d.checkpoint.Run(); err != nil {
				d.logger.Error().Err(err).Msg("Checkpoint failed")
			}
		}
	}
}
