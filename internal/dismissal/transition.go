package dismissal

import (
	"context"
	"strings"

	"github.com/pkg/errors"

	"dismissal/internal/broadcast"
	"dismissal/internal/metrics"
)

// Action is a named queue transition.
type Action string

const (
	ActionCall      Action = "call"
	ActionRelease   Action = "release"
	ActionDismiss   Action = "dismiss"
	ActionHold      Action = "hold"
	ActionClearHold Action = "clear-hold"
)

// MaxBatch caps the ids accepted by one batch request.
const MaxBatch = 500

// MaxCallNext caps a single call-next request.
const MaxCallNext = 50

type rule struct {
	from  []Status
	to    Status
	noop  Status // current status that makes the action a no-op, "" for none
	roles []Role
	event string
	// pausable actions are refused while the session is paused.
	pausable bool
}

var rules = map[Action]rule{
	ActionCall: {
		from: []Status{StatusWaiting}, to: StatusCalled, noop: StatusCalled,
		roles: []Role{RoleOffice}, event: broadcast.StudentCalled, pausable: true,
	},
	ActionRelease: {
		from: []Status{StatusWaiting, StatusCalled}, to: StatusReleased, noop: StatusReleased,
		roles: []Role{RoleOffice, RoleTeacher}, event: broadcast.StudentReleased,
	},
	ActionDismiss: {
		from: []Status{StatusWaiting, StatusCalled, StatusReleased}, to: StatusDismissed,
		roles: []Role{RoleOffice, RoleParent}, event: broadcast.StudentDismissed,
	},
	ActionHold: {
		from: []Status{StatusWaiting, StatusCalled}, to: StatusHeld, noop: StatusHeld,
		roles: []Role{RoleOffice}, event: broadcast.QueueUpdated,
	},
	ActionClearHold: {
		from: []Status{StatusHeld}, to: StatusWaiting, noop: StatusWaiting,
		roles: []Role{RoleOffice}, event: broadcast.QueueUpdated,
	},
}

// ParseAction validates an action name.
func ParseAction(s string) (Action, error) {
	a := Action(strings.ToLower(strings.TrimSpace(s)))
	if _, ok := rules[a]; !ok {
		return "", validationError("action", "unknown action "+s)
	}
	return a, nil
}

// TransitionInput carries the optional arguments of an action.
type TransitionInput struct {
	Zone   string
	Reason string
}

// prepared is an action validated once and applied to any number of entries.
type prepared struct {
	action Action
	rule   rule
	move   Move
}

func (s *Service) prepare(ctx context.Context, actor Actor, action Action, in TransitionInput) (prepared, error) {
	r, ok := rules[action]
	if !ok {
		return prepared{}, validationError("action", "unknown action "+string(action))
	}
	if !actor.is(r.roles...) {
		return prepared{}, ErrForbidden
	}
	m := Move{From: r.from, To: r.to, At: s.clock()}
	switch action {
	case ActionCall:
		zone, err := s.resolveZone(ctx, actor.SchoolID, in.Zone)
		if err != nil {
			return prepared{}, err
		}
		m.Zone = zone
	case ActionHold:
		reason := strings.TrimSpace(in.Reason)
		if reason == "" {
			return prepared{}, validationError("reason", "required for a hold")
		}
		m.HoldReason = &reason
	}
	return prepared{action: action, rule: r, move: m}, nil
}

// Transition applies one action to one entry. It reports changed=false for a
// no-op such as releasing an entry that is already released; any other
// status outside the action's sources is rejected with ErrInvalidTransition.
func (s *Service) Transition(ctx context.Context, actor Actor, entryID string, action Action, in TransitionInput) (Entry, bool, error) {
	p, err := s.prepare(ctx, actor, action, in)
	if err != nil {
		return Entry{}, false, err
	}
	return s.moveOne(ctx, actor, entryID, p)
}

func (s *Service) moveOne(ctx context.Context, actor Actor, entryID string, p prepared) (Entry, bool, error) {
	e, err := s.repo.GetEntry(ctx, entryID)
	if err != nil {
		return Entry{}, false, err
	}
	if e.SchoolID != actor.SchoolID || e.Status == StatusRemoved {
		return Entry{}, false, errors.Wrap(ErrNotFound, "getting entry")
	}
	switch actor.Role {
	case RoleTeacher:
		if actor.HomeroomID != "" && e.HomeroomID != actor.HomeroomID {
			return Entry{}, false, ErrForbidden
		}
	case RoleParent:
		if !actor.ownsStudent(e.StudentID) {
			return Entry{}, false, ErrForbidden
		}
	}
	if p.rule.pausable {
		if _, err := s.activeSession(ctx, actor, e.SessionID); err != nil {
			return Entry{}, false, err
		}
	}

	cur, changed, err := s.repo.MoveEntry(ctx, entryID, p.move)
	if err != nil {
		return Entry{}, false, errors.Wrap(err, "moving entry")
	}
	if !changed {
		if p.rule.noop != "" && cur.Status == p.rule.noop {
			metrics.Transitions.WithLabelValues(string(p.action), "noop").Inc()
			return cur, false, nil
		}
		metrics.Transitions.WithLabelValues(string(p.action), "rejected").Inc()
		return cur, false, errors.Wrapf(ErrInvalidTransition, "%s from %s", p.action, cur.Status)
	}
	metrics.Transitions.WithLabelValues(string(p.action), "changed").Inc()
	s.log.Info("entry moved", "entry", cur.ID, "action", p.action, "status", cur.Status, "actor", actor.ID)
	s.publish(ctx, p.rule.event, cur)
	return cur, true, nil
}

// ApplyBatch applies one action to each id independently. Ids that cannot
// move are reported as skipped with a reason; only storage failures abort.
func (s *Service) ApplyBatch(ctx context.Context, actor Actor, ids []string, action Action, in TransitionInput) (BatchResult, error) {
	ids = dedupe(ids)
	if len(ids) == 0 {
		return BatchResult{}, validationError("ids", "required")
	}
	if len(ids) > MaxBatch {
		return BatchResult{}, validationError("ids", "too many ids")
	}
	p, err := s.prepare(ctx, actor, action, in)
	if err != nil {
		return BatchResult{}, err
	}
	if p.rule.pausable {
		if err := s.requireActive(ctx, actor, ids); err != nil {
			return BatchResult{}, err
		}
	}
	return s.applyAll(ctx, actor, ids, p)
}

// requireActive fails with ErrSessionPaused when any entry belongs to a
// paused session. Unknown or foreign ids are left for applyAll to skip.
func (s *Service) requireActive(ctx context.Context, actor Actor, ids []string) error {
	checked := make(map[string]bool)
	for _, id := range ids {
		e, err := s.repo.GetEntry(ctx, id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return err
		}
		if e.SchoolID != actor.SchoolID || checked[e.SessionID] {
			continue
		}
		checked[e.SessionID] = true
		if _, err := s.activeSession(ctx, actor, e.SessionID); err != nil {
			return err
		}
	}
	return nil
}

func (s *Service) applyAll(ctx context.Context, actor Actor, ids []string, p prepared) (BatchResult, error) {
	res := BatchResult{Requested: len(ids), Changed: []Entry{}, Skipped: []Skip{}}
	for _, id := range ids {
		e, changed, err := s.moveOne(ctx, actor, id, p)
		if err != nil {
			reason, ok := skipReason(err)
			if !ok {
				return res, err
			}
			res.Skipped = append(res.Skipped, Skip{ID: id, Reason: reason})
			continue
		}
		if !changed {
			res.Skipped = append(res.Skipped, Skip{ID: id, Reason: "unchanged"})
			continue
		}
		res.Changed = append(res.Changed, e)
	}
	return res, nil
}

func dedupe(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}

// CallNext calls the n longest-waiting entries, optionally into a zone.
func (s *Service) CallNext(ctx context.Context, actor Actor, sessionID string, n int, zone string) ([]Entry, error) {
	if !actor.is(RoleOffice) {
		return nil, ErrForbidden
	}
	if n < 1 || n > MaxCallNext {
		return nil, validationError("count", "must be between 1 and 50")
	}
	sess, err := s.activeSession(ctx, actor, sessionID)
	if err != nil {
		return nil, err
	}
	z, err := s.resolveZone(ctx, actor.SchoolID, zone)
	if err != nil {
		return nil, err
	}
	called, err := s.repo.CallNext(ctx, sess.ID, n, z, s.clock())
	if err != nil {
		return nil, errors.Wrap(err, "calling next")
	}
	metrics.Transitions.WithLabelValues(string(ActionCall), "changed").Add(float64(len(called)))
	s.log.Info("called next", "session", sess.ID, "requested", n, "called", len(called), "actor", actor.ID)
	s.publish(ctx, broadcast.StudentCalled, called...)
	if called == nil {
		called = []Entry{}
	}
	return called, nil
}

// DismissFilter narrows a dismiss-all.
type DismissFilter struct {
	Method     Method
	HomeroomID string
}

// DismissAll confirms pickup for every open, unheld entry matching the
// filter. Entries that move concurrently are skipped, not failed.
func (s *Service) DismissAll(ctx context.Context, actor Actor, sessionID string, filter DismissFilter) (BatchResult, error) {
	if !actor.is(RoleOffice) {
		return BatchResult{}, ErrForbidden
	}
	if filter.Method != "" && !filter.Method.Valid() {
		return BatchResult{}, validationError("method", "unknown method "+string(filter.Method))
	}
	sess, err := s.session(ctx, actor, sessionID)
	if err != nil {
		return BatchResult{}, err
	}
	entries, err := s.repo.ListEntries(ctx, sess.ID, EntryFilter{
		HomeroomID: filter.HomeroomID,
		Statuses:   rules[ActionDismiss].from,
		Method:     filter.Method,
	})
	if err != nil {
		return BatchResult{}, errors.Wrap(err, "listing entries")
	}
	ids := make([]string, 0, len(entries))
	for _, e := range entries {
		ids = append(ids, e.ID)
	}
	p, err := s.prepare(ctx, actor, ActionDismiss, TransitionInput{})
	if err != nil {
		return BatchResult{}, err
	}
	return s.applyAll(ctx, actor, ids, p)
}
