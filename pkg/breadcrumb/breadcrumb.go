// Package breadcrumb maintains filesystem markers for live jobs. A
// breadcrumb outliving its job is how the daemon detects work it lost track
// of across an ungraceful crash.
package breadcrumb

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/foreman/pkg/log"
	"github.com/cuemby/foreman/pkg/state"
	"github.com/cuemby/foreman/pkg/types"
)

// refreshInterval paces breadcrumb rewrites for live jobs.
const refreshInterval = 5 * time.Second

// Crumb is the marker payload for one live job.
type Crumb struct {
	Owner     types.OwnerID   `json:"owner"`
	Pipeline  string          `json:"pipeline,omitempty"`
	Namespace string          `json:"namespace,omitempty"`
	Step      string          `json:"step,omitempty"`
	Status    types.JobStatus `json:"status,omitempty"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// Orphan is a breadcrumb with no corresponding entity after replay.
type Orphan struct {
	Owner types.OwnerID `json:"owner"`
	Path  string        `json:"path"`
	Crumb Crumb         `json:"crumb"`
}

// StateReader is how the tracker samples live jobs.
type StateReader interface {
	Read(fn func(*state.State))
}

// Tracker periodically rewrites one breadcrumb file per live job and
// removes the files of jobs that reached a terminal state.
type Tracker struct {
	dir    string
	src    StateReader
	logger zerolog.Logger
}

// NewTracker creates a tracker writing under dir.
func NewTracker(dir string, src StateReader) *Tracker {
	return &Tracker{dir: dir, src: src, logger: log.WithComponent("breadcrumb")}
}

// Run refreshes breadcrumbs until ctx is cancelled.
func (t *Tracker) Run(ctx context.Context) error {
	ticker := time.NewTicker(refreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			t.refresh()
		}
	}
}

func (t *Tracker) refresh() {
	if err := os.MkdirAll(t.dir, 0o755); err != nil {
		t.logger.Warn().Err(err).Msg("Breadcrumb dir unavailable")
		return
	}
	var crumbs []Crumb
	var gone []types.OwnerID
	t.src.Read(func(s *state.State) {
		for _, job := range s.Jobs {
			if job.Status.Terminal() {
				gone = append(gone, types.OwnerJob(job.ID))
				continue
			}
			crumbs = append(crumbs, Crumb{
				Owner:     types.OwnerJob(job.ID),
				Pipeline:  job.Pipeline,
				Namespace: job.Namespace,
				Step:      job.CurrentStep,
				Status:    job.Status,
			})
		}
	})
	for _, c := range crumbs {
		c.UpdatedAt = time.Now().UTC()
		data, err := json.Marshal(c)
		if err != nil {
			continue
		}
		path := t.path(c.Owner)
		if err := os.WriteFile(path, data, 0o644); err != nil {
			t.logger.Warn().Err(err).Str("path", path).Msg("Breadcrumb write failed")
		}
	}
	for _, owner := range gone {
		if err := os.Remove(t.path(owner)); err != nil && !os.IsNotExist(err) {
			t.logger.Debug().Err(err).Msg("Breadcrumb remove failed")
		}
	}
}

// Remove drops the breadcrumb for an owner immediately.
func (t *Tracker) Remove(owner types.OwnerID) {
	if err := os.Remove(t.path(owner)); err != nil && !os.IsNotExist(err) {
		t.logger.Debug().Err(err).Msg("Breadcrumb remove failed")
	}
}

func (t *Tracker) path(owner types.OwnerID) string {
	return filepath.Join(t.dir, string(owner)+".json")
}

// ScanOrphans reads every breadcrumb under dir and returns those whose
// owner is not a live entity in the given state.
func ScanOrphans(dir string, s *state.State) ([]Orphan, error) {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read breadcrumb dir: %w", err)
	}
	var orphans []Orphan
	for _, ent := range entries {
		if ent.IsDir() || !strings.HasSuffix(ent.Name(), ".json") {
			continue
		}
		owner := types.OwnerID(strings.TrimSuffix(ent.Name(), ".json"))
		if live(owner, s) {
			continue
		}
		path := filepath.Join(dir, ent.Name())
		var crumb Crumb
		if data, err := os.ReadFile(path); err == nil {
			_ = json.Unmarshal(data, &crumb)
		}
		orphans = append(orphans, Orphan{Owner: owner, Path: path, Crumb: crumb})
	}
	return orphans, nil
}

func live(owner types.OwnerID, s *state.State) bool {
	if jobID, ok := owner.Job(); ok {
		job := s.Jobs[jobID]
		return job != nil && !job.Status.Terminal()
	}
	if crewID, ok := owner.Crew(); ok {
		return s.Crews[crewID] != nil
	}
	return false
}
