package reconcile

import (
	"context"
	"log/slog"
	"time"
)

// View is what a screen renders: the last snapshot and when it was taken.
type View struct {
	Snapshot
	FetchedAt time.Time
	// Cause names what triggered the fetch: "initial", "poll", "event" or "reconnect".
	Cause string
}

// Config tunes a Reconciler.
type Config struct {
	HomeroomID string
	// Poll re-fetches on a timer even when no event arrives.
	Poll time.Duration
	// MinBackoff and MaxBackoff bound the stream reconnect delay.
	MinBackoff time.Duration
	MaxBackoff time.Duration
}

func (c *Config) defaults() {
	if c.Poll <= 0 {
		c.Poll = 30 * time.Second
	}
	if c.MinBackoff <= 0 {
		c.MinBackoff = 500 * time.Millisecond
	}
	if c.MaxBackoff < c.MinBackoff {
		c.MaxBackoff = 30 * time.Second
	}
}

// Reconciler drives a view from a Source. Any event, a reconnect or the
// poll timer marks the view dirty; dirty marks coalesce, so a burst of
// events costs one fetch.
type Reconciler struct {
	src    Source
	cfg    Config
	onView func(View)
	log    *slog.Logger
	dirty  chan string
}

// New creates a reconciler that reports every fetched view to onView.
func New(src Source, cfg Config, onView func(View), log *slog.Logger) *Reconciler {
	cfg.defaults()
	if log == nil {
		log = slog.Default()
	}
	return &Reconciler{src: src, cfg: cfg, onView: onView, log: log, dirty: make(chan string, 1)}
}

func (r *Reconciler) markDirty(cause string) {
	select {
	case r.dirty <- cause:
	default:
	}
}

// Run fetches until ctx is done. Fetch failures are logged and retried on
// the next cue.
func (r *Reconciler) Run(ctx context.Context) error {
	go r.follow(ctx)
	r.fetch(ctx, "initial")

	poll := time.NewTicker(r.cfg.Poll)
	defer poll.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case cause := <-r.dirty:
			r.fetch(ctx, cause)
		case <-poll.C:
			r.fetch(ctx, "poll")
		}
	}
}

func (r *Reconciler) fetch(ctx context.Context, cause string) {
	snap, err := r.src.Snapshot(ctx, r.cfg.HomeroomID)
	if err != nil {
		if ctx.Err() == nil {
			r.log.Warn("queue fetch failed", "cause", cause, "err", err)
		}
		return
	}
	r.onView(View{Snapshot: snap, FetchedAt: time.Now(), Cause: cause})
}

// follow keeps the event stream open, reconnecting with exponential backoff.
// Every successful (re)connection is itself a cue, since events may have
// been missed while disconnected.
func (r *Reconciler) follow(ctx context.Context) {
	backoff := r.cfg.MinBackoff
	for ctx.Err() == nil {
		connected := false
		err := r.src.Stream(ctx, func(name string) {
			if !connected {
				connected = true
				backoff = r.cfg.MinBackoff
				r.markDirty("reconnect")
				return
			}
			r.markDirty("event")
		})
		if ctx.Err() != nil {
			return
		}
		r.log.Warn("event stream lost", "err", err, "retry_in", backoff)
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		if backoff *= 2; backoff > r.cfg.MaxBackoff {
			backoff = r.cfg.MaxBackoff
		}
	}
}
