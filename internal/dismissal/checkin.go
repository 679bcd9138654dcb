package dismissal

import (
	"context"
	"strings"

	"github.com/pkg/errors"

	"dismissal/internal/broadcast"
	"dismissal/internal/metrics"
)

// smsActor is the identity recorded for check-ins that arrive by text message.
const smsActor = "sms-gateway"

// CheckInCar resolves a car number to its family group, or to the students
// whose own car number matches, and opens a waiting entry for each. A repeat
// submission while every member is already queued reports already_submitted.
func (s *Service) CheckInCar(ctx context.Context, actor Actor, sessionID, carNumber string) (CheckInResult, error) {
	return s.checkInCar(ctx, actor, sessionID, carNumber, MethodCar)
}

// CheckInQR verifies a scanned car tag and checks the car in.
func (s *Service) CheckInQR(ctx context.Context, actor Actor, sessionID, token string) (CheckInResult, error) {
	if s.verifyTag == nil {
		return CheckInResult{}, validationError("token", "qr check-in is not enabled")
	}
	schoolID, car, err := s.verifyTag(strings.TrimSpace(token))
	if err != nil {
		return CheckInResult{}, validationError("token", "invalid car tag")
	}
	if schoolID != actor.SchoolID {
		return CheckInResult{}, ErrForbidden
	}
	return s.checkInCar(ctx, actor, sessionID, car, MethodQR)
}

// CheckInSMS checks a car in from an inbound text. The message body is the
// car number; today's session is opened if the office has not done so yet.
func (s *Service) CheckInSMS(ctx context.Context, schoolID, body string) (CheckInResult, error) {
	actor := Actor{ID: smsActor, Role: RoleOffice, SchoolID: schoolID}
	sess, err := s.GetOrCreateSession(ctx, actor)
	if err != nil {
		return CheckInResult{}, err
	}
	return s.checkInCar(ctx, actor, sess.ID, firstWord(body), MethodSMS)
}

func firstWord(body string) string {
	fields := strings.Fields(body)
	if len(fields) == 0 {
		return ""
	}
	return strings.TrimPrefix(fields[0], "#")
}

func (s *Service) checkInCar(ctx context.Context, actor Actor, sessionID, carNumber string, method Method) (CheckInResult, error) {
	if !actor.is(RoleOffice, RoleParent) {
		return CheckInResult{}, ErrForbidden
	}
	carNumber = strings.TrimSpace(carNumber)
	if carNumber == "" {
		return CheckInResult{}, validationError("car_number", "required")
	}
	sess, err := s.activeSession(ctx, actor, sessionID)
	if err != nil {
		return CheckInResult{}, err
	}

	display := "Car " + carNumber
	var students []Student
	group, err := s.repo.FamilyGroupByCar(ctx, actor.SchoolID, carNumber)
	switch {
	case err == nil:
		if group.Name != "" {
			display = group.Name
		}
		students, err = s.repo.StudentsByIDs(ctx, actor.SchoolID, group.StudentIDs)
	case errors.Is(err, ErrNotFound):
		students, err = s.repo.StudentsByCar(ctx, actor.SchoolID, carNumber)
	}
	if err != nil {
		return CheckInResult{}, errors.Wrap(err, "resolving car number")
	}
	if len(students) == 0 {
		return CheckInResult{}, errors.Wrapf(ErrNotFound, "car number %s", carNumber)
	}
	if actor.Role == RoleParent && !ownsAny(actor, students) {
		return CheckInResult{}, ErrForbidden
	}
	return s.open(ctx, sess, method, display, StatusWaiting, students)
}

func ownsAny(actor Actor, students []Student) bool {
	for _, st := range students {
		if actor.ownsStudent(st.ID) {
			return true
		}
	}
	return false
}

// CheckInBus opens waiting entries for every active student riding a bus.
func (s *Service) CheckInBus(ctx context.Context, actor Actor, sessionID, busNumber string) (CheckInResult, error) {
	if !actor.is(RoleOffice) {
		return CheckInResult{}, ErrForbidden
	}
	busNumber = strings.TrimSpace(busNumber)
	if busNumber == "" {
		return CheckInResult{}, validationError("bus_number", "required")
	}
	sess, err := s.activeSession(ctx, actor, sessionID)
	if err != nil {
		return CheckInResult{}, err
	}
	students, err := s.repo.StudentsByBus(ctx, actor.SchoolID, busNumber)
	if err != nil {
		return CheckInResult{}, errors.Wrap(err, "resolving bus number")
	}
	if len(students) == 0 {
		return CheckInResult{}, errors.Wrapf(ErrNotFound, "bus number %s", busNumber)
	}
	return s.open(ctx, sess, MethodBus, "Bus "+busNumber, StatusWaiting, students)
}

// ReleaseWalkers opens entries already released for the matching walkers.
// Walkers leave on their own, so they skip the waiting and called steps.
// An empty match is a successful release of nobody.
func (s *Service) ReleaseWalkers(ctx context.Context, actor Actor, sessionID string, filter WalkerFilter) (CheckInResult, error) {
	if !actor.is(RoleOffice) {
		return CheckInResult{}, ErrForbidden
	}
	switch filter.Type {
	case "", FilterGrade, FilterHomeroom:
	default:
		return CheckInResult{}, validationError("filter_type", "must be grade or homeroom")
	}
	sess, err := s.activeSession(ctx, actor, sessionID)
	if err != nil {
		return CheckInResult{}, err
	}
	students, err := s.repo.Walkers(ctx, actor.SchoolID, filter)
	if err != nil {
		return CheckInResult{}, errors.Wrap(err, "resolving walkers")
	}
	if len(students) == 0 {
		metrics.CheckIns.WithLabelValues(string(MethodWalker), string(OutcomeCreated)).Inc()
		return CheckInResult{Outcome: OutcomeCreated, Students: []StudentRef{}, Entries: []Entry{}}, nil
	}
	return s.open(ctx, sess, MethodWalker, "Walker", StatusReleased, students)
}

// open inserts one entry per student and publishes the ones created. The
// repository skips students that are already queued or dismissed, so
// concurrent submissions of the same input create exactly one set.
func (s *Service) open(ctx context.Context, sess Session, method Method, display string, status Status, students []Student) (CheckInResult, error) {
	now := s.clock()
	refs := make([]StudentRef, 0, len(students))
	entries := make([]Entry, 0, len(students))
	for _, st := range students {
		refs = append(refs, StudentRef{ID: st.ID, Name: st.Name()})
		e := Entry{
			ID:          newID(),
			SessionID:   sess.ID,
			SchoolID:    sess.SchoolID,
			StudentID:   st.ID,
			StudentName: st.Name(),
			HomeroomID:  st.HomeroomID,
			Grade:       st.Grade,
			DisplayName: display,
			Method:      method,
			Status:      status,
			CheckedInAt: now,
		}
		if status == StatusReleased {
			at := now
			e.ReleasedAt = &at
		}
		entries = append(entries, e)
	}

	created, err := s.repo.InsertEntries(ctx, entries)
	if err != nil {
		return CheckInResult{}, errors.Wrap(err, "opening entries")
	}
	res := CheckInResult{Outcome: OutcomeCreated, Students: refs, Entries: created}
	if len(created) == 0 {
		res.Outcome = OutcomeAlreadySubmitted
		res.Entries = []Entry{}
	}
	metrics.CheckIns.WithLabelValues(string(method), string(res.Outcome)).Inc()
	s.log.Info("check-in", "session", sess.ID, "method", method, "display", display,
		"outcome", res.Outcome, "created", len(created))

	event := broadcast.StudentCheckedIn
	if status == StatusReleased {
		event = broadcast.StudentReleased
	}
	s.publish(ctx, event, created...)
	return res, nil
}
