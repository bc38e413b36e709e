package wal

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog"

	"github.com/cuemby/foreman/pkg/event"
	"github.com/cuemby/foreman/pkg/log"
	"github.com/cuemby/foreman/pkg/metrics"
)

// Record is one WAL line: a monotonic sequence number and a tagged event.
type Record struct {
	Seq   uint64          `json:"seq"`
	Event json.RawMessage `json:"event"`
}

// maxBackups caps rotated corrupt WAL files (wal.log.bak, .bak.2, .bak.3).
const maxBackups = 3

// Log is the append-only write-ahead log. Appends buffer in memory and
// become durable on Flush; a group-commit task flushes on an interval or
// when the buffer crosses a threshold.
type Log struct {
	mu        sync.Mutex
	path      string
	file      *os.File
	buf       []Record
	nextSeq   uint64
	processed uint64
	threshold int
	flushCh   chan struct{}
	logger    zerolog.Logger
}

// Open opens (creating if needed) the WAL at path. The next sequence starts
// after the greatest valid sequence already on disk.
func Open(path string) (*Log, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create wal dir: %w", err)
	}

	l := &Log{
		path:    path,
		nextSeq: 1,
		flushCh: make(chan struct{}, 1),
		logger:  log.WithComponent("wal"),
	}

	records, tail, err := l.scan()
	if err != nil {
		return nil, err
	}
	if tail {
		if err := l.rotateCorrupt(records); err != nil {
			return nil, err
		}
	}
	if n := len(records); n > 0 {
		l.nextSeq = records[n-1].Seq + 1
	}

	if l.file == nil {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("open wal: %w", err)
		}
		l.file = f
	}
	return l, nil
}

// Append assigns the next sequence to ev and enqueues it. The record is not
// durable until Flush returns.
func (l *Log) Append(ev event.Event) (uint64, error) {
	data, err := event.Marshal(ev)
	if err != nil {
		return 0, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	seq := l.nextSeq
	l.nextSeq++
	l.buf = append(l.buf, Record{Seq: seq, Event: data})
	metrics.WALAppends.Inc()
	if l.threshold > 0 && len(l.buf) >= l.threshold {
		select {
		case l.flushCh <- struct{}{}:
		default:
		}
	}
	return seq, nil
}

// SetFlushThreshold makes Append request a group commit once the buffer
// reaches n records. Zero disables threshold-triggered flushes.
func (l *Log) SetFlushThreshold(n int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.threshold = n
}

// FlushRequests signals when the buffer has crossed the flush threshold.
func (l *Log) FlushRequests() <-chan struct{} {
	return l.flushCh
}

// DecodeEvent decodes a record's event payload.
func DecodeEvent(rec Record) (event.Event, error) {
	return event.Unmarshal(rec.Event)
}

// Flush writes all buffered records with a single durability barrier.
func (l *Log) Flush() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.flushLocked()
}

func (l *Log) flushLocked() error {
	if len(l.buf) == 0 {
		return nil
	}
	timer := metrics.NewTimer()
	w := bufio.NewWriter(l.file)
	for _, rec := range l.buf {
		line, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("encode wal record %d: %w", rec.Seq, err)
		}
		if _, err := w.Write(append(line, '\n')); err != nil {
			return fmt.Errorf("write wal record %d: %w", rec.Seq, err)
		}
	}
	if err := w.Flush(); err != nil {
		return fmt.Errorf("flush wal buffer: %w", err)
	}
	if err := l.file.Sync(); err != nil {
		return fmt.Errorf("sync wal: %w", err)
	}
	metrics.WALFlushedRecords.Add(float64(len(l.buf)))
	metrics.WALFlushes.Inc()
	timer.ObserveDuration(metrics.WALFlushDuration)
	l.buf = l.buf[:0]
	return nil
}

// Buffered returns the number of appended-but-unflushed records.
func (l *Log) Buffered() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buf)
}

// NextSeq returns the sequence the next append will receive.
func (l *Log) NextSeq() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.nextSeq
}

// MarkProcessed records that every event up to seq has been applied.
func (l *Log) MarkProcessed(seq uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if seq > l.processed {
		l.processed = seq
	}
}

// ProcessedSeq returns the greatest applied sequence.
func (l *Log) ProcessedSeq() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.processed
}

// Scan streams the valid prefix of the on-disk log. Corrupt interior lines
// are logged and skipped.
func (l *Log) Scan() ([]Record, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	records, _, err := l.scan()
	return records, err
}

// scan reads records off disk. The bool result reports a corrupt tail that
// should be rotated away.
func (l *Log) scan() ([]Record, bool, error) {
	f, err := os.Open(l.path)
	if os.IsNotExist(err) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("open wal for scan: %w", err)
	}
	defer f.Close()

	var records []Record
	corrupt := false
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 16<<20)
	line := 0
	for sc.Scan() {
		line++
		raw := sc.Bytes()
		if len(raw) == 0 {
			continue
		}
		var rec Record
		if err := json.Unmarshal(raw, &rec); err != nil {
			l.logger.Warn().Int("line", line).Err(err).Msg("Skipping malformed WAL line")
			corrupt = true
			continue
		}
		if _, err := event.Unmarshal(rec.Event); err != nil {
			l.logger.Warn().Int("line", line).Uint64("seq", rec.Seq).Err(err).Msg("Skipping undecodable WAL event")
			corrupt = true
			continue
		}
		records = append(records, rec)
	}
	if err := sc.Err(); err != nil {
		// Invalid byte sequence or oversized line: stop reading here.
		l.logger.Warn().Err(err).Msg("WAL scan stopped early")
		corrupt = true
	}
	return records, corrupt, nil
}

// rotateCorrupt moves the damaged file aside (keeping at most maxBackups
// generations) and rewrites a fresh WAL holding the valid prefix.
func (l *Log) rotateCorrupt(valid []Record) error {
	l.logger.Warn().Int("valid_records", len(valid)).Msg("Rotating corrupt WAL")
	for i := maxBackups - 1; i >= 1; i-- {
		from := l.backupPath(i)
		to := l.backupPath(i + 1)
		if _, err := os.Stat(from); err == nil {
			if err := os.Rename(from, to); err != nil {
				return fmt.Errorf("rotate wal backup: %w", err)
			}
		}
	}
	if err := os.Rename(l.path, l.backupPath(1)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("rotate corrupt wal: %w", err)
	}
	return l.rewrite(valid)
}

func (l *Log) backupPath(n int) string {
	if n == 1 {
		return l.path + ".bak"
	}
	return fmt.Sprintf("%s.bak.%d", l.path, n)
}

// TruncateBefore rewrites the log to contain only records with seq >= keep.
// Truncating beyond the tail leaves an empty log. The rewrite is atomic:
// temp file, file sync, rename, directory sync.
func (l *Log) TruncateBefore(keep uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.flushLocked(); err != nil {
		return err
	}
	records, _, err := l.scan()
	if err != nil {
		return err
	}
	var kept []Record
	for _, rec := range records {
		if rec.Seq >= keep {
			kept = append(kept, rec)
		}
	}
	return l.rewrite(kept)
}

// rewrite atomically replaces the on-disk log with the given records.
func (l *Log) rewrite(records []Record) error {
	tmp := l.path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("create wal temp: %w", err)
	}
	w := bufio.NewWriter(f)
	for _, rec := range records {
		line, err := json.Marshal(rec)
		if err != nil {
			f.Close()
			return fmt.Errorf("encode wal record %d: %w", rec.Seq, err)
		}
		if _, err := w.Write(append(line, '\n')); err != nil {
			f.Close()
			return fmt.Errorf("write wal temp: %w", err)
		}
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return fmt.Errorf("flush wal temp: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("sync wal temp: %w", err)
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, l.path); err != nil {
		return fmt.Errorf("rename wal temp: %w", err)
	}
	if err := syncDir(filepath.Dir(l.path)); err != nil {
		return err
	}

	// Reopen the append handle on the fresh file.
	if l.file != nil {
		l.file.Close()
	}
	nf, err := os.OpenFile(l.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("reopen wal: %w", err)
	}
	l.file = nf
	return nil
}

// Close flushes and closes the log file.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.flushLocked(); err != nil {
		return err
	}
	if l.file != nil {
		return l.file.Close()
	}
	return nil
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return fmt.Errorf("open wal dir: %w", err)
	}
	defer d.Close()
	if err := d.Sync(); err != nil {
		return fmt.Errorf("sync wal dir: %w", err)
	}
	return nil
}
