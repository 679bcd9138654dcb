// Package janitor runs the nightly session rollover.
package janitor

import (
	"context"
	"log/slog"
	"time"

	"github.com/pkg/errors"
	"github.com/robfig/cron/v3"

	"dismissal/internal/dismissal"
	"dismissal/internal/metrics"
)

// Pauser is the part of the dismissal service the janitor drives.
type Pauser interface {
	PauseStaleSessions(ctx context.Context) ([]dismissal.StaleSession, error)
}

// Janitor pauses sessions left active from earlier days so a forgotten
// queue cannot take check-ins the next afternoon, and reports what they left open.
type Janitor struct {
	svc     Pauser
	log     *slog.Logger
	cron    *cron.Cron
	timeout time.Duration
}

// New schedules the janitor with a standard five-field cron expression evaluated in loc.
func New(svc Pauser, schedule string, loc *time.Location, log *slog.Logger) (*Janitor, error) {
	if log == nil {
		log = slog.Default()
	}
	if loc == nil {
		loc = time.UTC
	}
	j := &Janitor{
		svc:     svc,
		log:     log,
		timeout: 4 * time.Minute,
		cron:    cron.New(cron.WithLocation(loc), cron.WithChain(cron.SkipIfStillRunning(cron.DefaultLogger))),
	}
	_, err := j.cron.AddFunc(schedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), j.timeout)
		defer cancel()
		if _, err := j.RunOnce(ctx); err != nil {
			j.log.Error("janitor run failed", "err", err)
		}
	})
	if err != nil {
		return nil, errors.Wrapf(err, "parsing schedule %q", schedule)
	}
	return j, nil
}

// RunOnce pauses stale sessions now.
func (j *Janitor) RunOnce(ctx context.Context) ([]dismissal.StaleSession, error) {
	stale, err := j.svc.PauseStaleSessions(ctx)
	if err != nil {
		return nil, err
	}
	for _, s := range stale {
		metrics.SessionsPaused.Inc()
		j.log.Info("stale session paused",
			"school", s.Session.SchoolID, "session", s.Session.ID, "day", s.Session.Day, "left_open", s.Open)
	}
	j.log.Info("janitor run complete", "paused", len(stale))
	return stale, nil
}

// Start runs the schedule in the background.
func (j *Janitor) Start() {
	j.cron.Start()
}

// Stop halts the schedule; the returned context is done once a running job finishes.
func (j *Janitor) Stop() context.Context {
	return j.cron.Stop()
}

// Next reports when the janitor will run next.
func (j *Janitor) Next() time.Time {
	entries := j.cron.Entries()
	if len(entries) == 0 {
		return time.Time{}
	}
	return entries[0].Next
}
