// Package scheduler runs housekeeping jobs on cron expressions.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/perzivalh/perzivalh-os-sub001/internal/metrics"
	"github.com/perzivalh/perzivalh-os-sub001/internal/store"
)

// Defaults for the session sweeper.
const (
	DefaultSweepCron      = "0 * * * *"
	DefaultSweepRetention = 720 * time.Hour
	sweepTimeout          = 2 * time.Minute
)

// Scheduler provides cron-based job scheduling.
type Scheduler struct {
	cron *cron.Cron
}

// NewScheduler creates and starts a cron scheduler.
func NewScheduler() *Scheduler {
	// standard 5-field expressions; a panicking job does not take the scheduler down
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	c := cron.New(cron.WithParser(parser), cron.WithChain(cron.Recover(cron.DefaultLogger)))
	c.Start()
	return &Scheduler{cron: c}
}

// AddJob schedules a task using the provided cron expression.
// It returns an error if the expression is invalid.
func (s *Scheduler) AddJob(expr string, task func()) error {
	_, err := s.cron.AddFunc(expr, task)
	return err
}

// Stop stops the cron scheduler and waits for running jobs to finish.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}

// SessionSweeper deletes sessions idle for longer than the retention.
type SessionSweeper struct {
	store     store.Store
	retention time.Duration
	now       func() time.Time
}

// NewSessionSweeper creates a sweeper; a non-positive retention uses DefaultSweepRetention.
func NewSessionSweeper(st store.Store, retention time.Duration) *SessionSweeper {
	if retention <= 0 {
		retention = DefaultSweepRetention
	}
	return &SessionSweeper{store: st, retention: retention, now: time.Now}
}

// Sweep runs one pass and returns the number of deleted sessions.
func (w *SessionSweeper) Sweep(ctx context.Context) (int, error) {
	cutoff := w.now().Add(-w.retention)
	n, err := w.store.DeleteSessionsBefore(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("sweep sessions before %s: %w", cutoff.Format(time.RFC3339), err)
	}
	metrics.SessionsSweptTotal.Add(float64(n))
	if n > 0 {
		slog.Info("SessionSweeper: deleted idle sessions", "count", n, "cutoff", cutoff)
	} else {
		slog.Debug("SessionSweeper: nothing to delete", "cutoff", cutoff)
	}
	return n, nil
}

// ScheduleSweeper registers the sweeper on the scheduler.
func (s *Scheduler) ScheduleSweeper(expr string, w *SessionSweeper) error {
	if expr == "" {
		expr = DefaultSweepCron
	}
	err := s.AddJob(expr, func() {
		ctx, cancel := context.WithTimeout(context.Background(), sweepTimeout)
		defer cancel()
		if _, err := w.Sweep(ctx); err != nil {
			slog.Error("SessionSweeper: sweep failed", "error", err)
		}
	})
	if err != nil {
		return fmt.Errorf("invalid sweep schedule %q: %w", expr, err)
	}
	slog.Info("SessionSweeper scheduled", "cron", expr, "retention", w.retention)
	return nil
}
