package dismissal

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"dismissal/internal/broadcast"
)

// Publisher receives change events after a write has committed.
type Publisher interface {
	Publish(ctx context.Context, evt broadcast.Event) error
}

// TagVerifier resolves a scanned QR car tag to its school and car number.
type TagVerifier func(token string) (schoolID, carNumber string, err error)

// Service is the single authority for queue changes. Every actor's writes go
// through it; it validates, applies through the repository and then publishes.
type Service struct {
	repo      Repository
	pub       Publisher
	loc       *time.Location
	now       func() time.Time
	log       *slog.Logger
	verifyTag TagVerifier
}

// Option configures a Service.
type Option func(*Service)

// WithLocation sets the timezone that decides the session day.
func WithLocation(loc *time.Location) Option {
	return func(s *Service) { s.loc = loc }
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func WithLogger(log *slog.Logger) Option {
	return func(s *Service) { s.log = log }
}

// WithTagVerifier enables QR check-ins.
func WithTagVerifier(v TagVerifier) Option {
	return func(s *Service) { s.verifyTag = v }
}

// NewService creates a service backed by a repository and a publisher.
func NewService(repo Repository, pub Publisher, opts ...Option) *Service {
	s := &Service{
		repo: repo,
		pub:  pub,
		loc:  time.UTC,
		now:  time.Now,
		log:  slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func newID() string { return uuid.NewString() }

func (s *Service) clock() time.Time { return s.now().UTC() }

func (s *Service) today() string { return s.now().In(s.loc).Format("2006-01-02") }

// publish emits the specific event (when there is one) and queue:updated for
// each entry. Delivery is best effort; failures are logged, never returned,
// because the write has already committed.
func (s *Service) publish(ctx context.Context, name string, entries ...Entry) {
	if s.pub == nil {
		return
	}
	at := s.clock()
	for _, e := range entries {
		base := broadcast.Event{
			SchoolID:   e.SchoolID,
			SessionID:  e.SessionID,
			EntryID:    e.ID,
			StudentID:  e.StudentID,
			HomeroomID: e.HomeroomID,
			Status:     string(e.Status),
			At:         at,
		}
		names := []string{broadcast.QueueUpdated}
		if name != "" && name != broadcast.QueueUpdated {
			names = []string{name, broadcast.QueueUpdated}
		}
		for _, n := range names {
			evt := base
			evt.Name = n
			if err := s.pub.Publish(ctx, evt); err != nil {
				s.log.Warn("broadcast failed", "event", n, "entry", e.ID, "err", err)
			}
		}
	}
}

// publishSession tells every actor of the school that the session itself changed.
func (s *Service) publishSession(ctx context.Context, sess Session) {
	if s.pub == nil {
		return
	}
	evt := broadcast.Event{
		Name:      broadcast.QueueUpdated,
		SchoolID:  sess.SchoolID,
		SessionID: sess.ID,
		Status:    string(sess.Status),
		At:        s.clock(),
	}
	if err := s.pub.Publish(ctx, evt); err != nil {
		s.log.Warn("broadcast failed", "event", evt.Name, "session", sess.ID, "err", err)
	}
}

// session loads a session of the actor's school. Sessions of other schools
// are reported as missing.
func (s *Service) session(ctx context.Context, actor Actor, id string) (Session, error) {
	sess, err := s.repo.GetSession(ctx, id)
	if err != nil {
		return Session{}, err
	}
	if sess.SchoolID != actor.SchoolID {
		return Session{}, errors.Wrap(ErrNotFound, "getting session")
	}
	return sess, nil
}

func (s *Service) activeSession(ctx context.Context, actor Actor, id string) (Session, error) {
	sess, err := s.session(ctx, actor, id)
	if err != nil {
		return Session{}, err
	}
	if sess.Status == SessionPaused {
		return Session{}, ErrSessionPaused
	}
	return sess, nil
}

// scopeFilter narrows a listing to what the actor may see: a homeroom
// teacher sees their class, a parent sees their children.
func scopeFilter(actor Actor, filter EntryFilter) EntryFilter {
	switch actor.Role {
	case RoleTeacher:
		if actor.HomeroomID != "" {
			filter.HomeroomID = actor.HomeroomID
		}
	case RoleParent:
		filter.StudentIDs = append([]string{}, actor.StudentIDs...)
	}
	return filter
}

// ListQueue returns the canonical queue of a session for the actor's scope.
func (s *Service) ListQueue(ctx context.Context, actor Actor, sessionID string, filter EntryFilter) ([]Entry, error) {
	if _, err := s.session(ctx, actor, sessionID); err != nil {
		return nil, err
	}
	for _, st := range filter.Statuses {
		if !st.Valid() || st == StatusRemoved {
			return nil, validationError("status", "unknown status "+string(st))
		}
	}
	return s.repo.ListEntries(ctx, sessionID, scopeFilter(actor, filter))
}

// Stats aggregates the actor's view of a session. The average wait is the
// mean time from check-in to release over non-walker entries that have been
// released; walkers are released on check-in and would skew it to zero.
func (s *Service) Stats(ctx context.Context, actor Actor, sessionID, homeroomID string) (Stats, error) {
	entries, err := s.ListQueue(ctx, actor, sessionID, EntryFilter{HomeroomID: homeroomID})
	if err != nil {
		return Stats{}, err
	}
	return computeStats(entries, s.clock()), nil
}

func computeStats(entries []Entry, now time.Time) Stats {
	st := Stats{ByStatus: map[Status]int{
		StatusWaiting: 0, StatusCalled: 0, StatusReleased: 0, StatusDismissed: 0, StatusHeld: 0,
	}}
	var waited time.Duration
	var released int
	for _, e := range entries {
		st.Total++
		st.ByStatus[e.Status]++
		if e.Method != MethodWalker && e.ReleasedAt != nil {
			waited += e.ReleasedAt.Sub(e.CheckedInAt)
			released++
		}
		if e.Status == StatusWaiting {
			if w := now.Sub(e.CheckedInAt).Seconds(); w > st.LongestWaitSec {
				st.LongestWaitSec = w
			}
		}
	}
	if released > 0 {
		st.AverageWaitSec = (waited / time.Duration(released)).Seconds()
	}
	return st
}

// ListZones returns the school's pickup zones.
func (s *Service) ListZones(ctx context.Context, actor Actor) ([]Zone, error) {
	return s.repo.ListZones(ctx, actor.SchoolID)
}

// CreateZone adds an active pickup zone. Office only.
func (s *Service) CreateZone(ctx context.Context, actor Actor, z Zone) (Zone, error) {
	if !actor.is(RoleOffice) {
		return Zone{}, ErrForbidden
	}
	z.Name = strings.TrimSpace(z.Name)
	if z.Name == "" {
		return Zone{}, validationError("name", "required")
	}
	z.ID = ""
	z.SchoolID = actor.SchoolID
	z.Active = true
	return s.repo.CreateZone(ctx, z)
}

// UpdateZone renames, reorders or (de)activates a zone. Office only.
func (s *Service) UpdateZone(ctx context.Context, actor Actor, z Zone) (Zone, error) {
	if !actor.is(RoleOffice) {
		return Zone{}, ErrForbidden
	}
	z.Name = strings.TrimSpace(z.Name)
	if z.Name == "" {
		return Zone{}, validationError("name", "required")
	}
	z.SchoolID = actor.SchoolID
	return s.repo.UpdateZone(ctx, z)
}

// resolveZone validates an optional zone name against the school's active zones.
func (s *Service) resolveZone(ctx context.Context, schoolID, name string) (*string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, nil
	}
	z, err := s.repo.ZoneByName(ctx, schoolID, name)
	if errors.Is(err, ErrNotFound) || (err == nil && !z.Active) {
		return nil, validationError("zone", "unknown zone "+name)
	}
	if err != nil {
		return nil, err
	}
	return &z.Name, nil
}
