package dismissal

import (
	"context"
	"time"

	"github.com/pkg/errors"
)

// GetOrCreateSession returns today's session for the actor's school, creating
// it on first use. Concurrent first calls converge on the same row.
func (s *Service) GetOrCreateSession(ctx context.Context, actor Actor) (Session, error) {
	if actor.SchoolID == "" {
		return Session{}, validationError("school_id", "required")
	}
	return s.repo.GetOrCreateSession(ctx, actor.SchoolID, s.today(), s.clock())
}

// GetSession returns a session of the actor's school.
func (s *Service) GetSession(ctx context.Context, actor Actor, id string) (Session, error) {
	return s.session(ctx, actor, id)
}

// SetSessionStatus pauses or resumes dismissal. Office only.
func (s *Service) SetSessionStatus(ctx context.Context, actor Actor, id string, status SessionStatus) (Session, error) {
	if !actor.is(RoleOffice) {
		return Session{}, ErrForbidden
	}
	if status != SessionActive && status != SessionPaused {
		return Session{}, validationError("status", "must be active or paused")
	}
	sess, err := s.session(ctx, actor, id)
	if err != nil {
		return Session{}, err
	}
	if sess.Status == status {
		return sess, nil
	}
	sess, err = s.repo.SetSessionStatus(ctx, id, status, s.clock())
	if err != nil {
		return Session{}, errors.Wrap(err, "setting session status")
	}
	s.log.Info("session status changed", "session", id, "status", status, "actor", actor.ID)
	s.publishSession(ctx, sess)
	return sess, nil
}

// ResetQueue clears every open entry of the session. Students that were
// reset may check in again; dismissed entries are kept.
func (s *Service) ResetQueue(ctx context.Context, actor Actor, id string) ([]Entry, error) {
	if !actor.is(RoleOffice) {
		return nil, ErrForbidden
	}
	sess, err := s.session(ctx, actor, id)
	if err != nil {
		return nil, err
	}
	removed, err := s.repo.RemoveOpen(ctx, sess.ID, s.clock())
	if err != nil {
		return nil, errors.Wrap(err, "resetting queue")
	}
	s.log.Info("queue reset", "session", id, "removed", len(removed), "actor", actor.ID)
	s.publish(ctx, "", removed...)
	return removed, nil
}

// StaleSession is a session the janitor paused, with what it left open.
type StaleSession struct {
	Session Session
	Open    int
}

// PauseStaleSessions pauses active sessions from before today so a forgotten
// queue cannot accept check-ins on a later day.
func (s *Service) PauseStaleSessions(ctx context.Context) ([]StaleSession, error) {
	paused, err := s.repo.PauseSessionsBefore(ctx, s.today(), s.clock())
	if err != nil {
		return nil, errors.Wrap(err, "pausing stale sessions")
	}
	res := make([]StaleSession, 0, len(paused))
	for _, sess := range paused {
		n, err := s.repo.CountOpen(ctx, sess.ID)
		if err != nil {
			return nil, errors.Wrap(err, "counting open entries")
		}
		res = append(res, StaleSession{Session: sess, Open: n})
		s.publishSession(ctx, sess)
	}
	return res, nil
}

// Now exposes the service clock to callers that stamp their own records.
func (s *Service) Now() time.Time { return s.clock() }
