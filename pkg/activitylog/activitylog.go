// Package activitylog maintains the per-entity append-only activity logs
// under <state_dir>/logs. These are user-facing transcripts, not the daemon
// log: plain timestamped lines, one file per job, agent, queue, and cron.
package activitylog

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/foreman/pkg/log"
	"github.com/cuemby/foreman/pkg/types"
)

// Writer appends activity lines to per-entity files, creating directories
// and files on first use and keeping handles open across writes.
type Writer struct {
	root   string
	mu     sync.Mutex
	files  map[string]*os.File
	logger zerolog.Logger
}

// NewWriter creates a writer rooted at the logs directory.
func NewWriter(root string) *Writer {
	return &Writer{
		root:   root,
		files:  make(map[string]*os.File),
		logger: log.WithComponent("activitylog"),
	}
}

// Job appends a line to a job's activity log.
func (w *Writer) Job(id types.JobID, format string, args ...any) {
	w.append(filepath.Join("jobs", string(id)+".log"), format, args...)
}

// Agent appends a line to an agent's activity log.
func (w *Writer) Agent(id types.AgentID, format string, args ...any) {
	w.append(filepath.Join("agents", string(id)+".log"), format, args...)
}

// Queue appends a line to a queue's activity log.
func (w *Writer) Queue(namespace, queue, format string, args ...any) {
	w.append(filepath.Join("queues", namespace, queue+".log"), format, args...)
}

// Cron appends a line to a cron's activity log.
func (w *Writer) Cron(namespace, name, format string, args ...any) {
	w.append(filepath.Join("crons", namespace, name+".log"), format, args...)
}

func (w *Writer) append(rel, format string, args ...any) {
	w.mu.Lock()
	defer w.mu.Unlock()
	f, err := w.file(rel)
	if err != nil {
		w.logger.Warn().Err(err).Str("file", rel).Msg("Activity log unavailable")
		return
	}
	line := fmt.Sprintf("%s %s\n", time.Now().UTC().Format(time.RFC3339), fmt.Sprintf(format, args...))
	if _, err := f.WriteString(line); err != nil {
		w.logger.Warn().Err(err).Str("file", rel).Msg("Activity log write failed")
	}
}

func (w *Writer) file(rel string) (*os.File, error) {
	if f, ok := w.files[rel]; ok {
		return f, nil
	}
	path := filepath.Join(w.root, rel)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	w.files[rel] = f
	return f, nil
}

// Close closes every open log file.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, f := range w.files {
		f.Close()
	}
	w.files = make(map[string]*os.File)
	return nil
}
