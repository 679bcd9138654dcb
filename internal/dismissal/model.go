// Package dismissal implements the per-school, per-day dismissal queue: the
// session lifecycle, the check-in resolvers that open queue entries and the
// state machine that moves them from waiting to dismissed.
package dismissal

import (
	"time"
)

// Status is the state of a queue entry.
type Status string

const (
	StatusWaiting   Status = "waiting"
	StatusCalled    Status = "called"
	StatusReleased  Status = "released"
	StatusDismissed Status = "dismissed"
	StatusHeld      Status = "held"
	// StatusRemoved marks an entry cleared by a whole-queue reset ("not in queue").
	StatusRemoved Status = "removed"
)

// OpenStatuses are the statuses covered by the one-open-entry-per-student rule.
var OpenStatuses = []Status{StatusWaiting, StatusCalled, StatusReleased, StatusHeld}

// Open reports whether s still occupies the student's slot in the session.
func (s Status) Open() bool {
	for _, o := range OpenStatuses {
		if s == o {
			return true
		}
	}
	return false
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	return s.Open() || s == StatusDismissed || s == StatusRemoved
}

// Method is how a student was checked in.
type Method string

const (
	MethodCar    Method = "car_number"
	MethodBus    Method = "bus_number"
	MethodWalker Method = "walker"
	MethodQR     Method = "qr"
	MethodSMS    Method = "sms"
)

func (m Method) Valid() bool {
	switch m {
	case MethodCar, MethodBus, MethodWalker, MethodQR, MethodSMS:
		return true
	}
	return false
}

// SessionStatus is the office-controlled state of a session.
type SessionStatus string

const (
	SessionActive SessionStatus = "active"
	SessionPaused SessionStatus = "paused"
)

// Session is the single dismissal run of a school on a calendar day.
type Session struct {
	ID        string        `json:"id"`
	SchoolID  string        `json:"school_id"`
	Day       string        `json:"day"`
	Status    SessionStatus `json:"status"`
	StartedAt time.Time     `json:"started_at"`
	UpdatedAt time.Time     `json:"updated_at"`
}

// Entry is one student's journey through a session.
type Entry struct {
	ID          string     `json:"id"`
	SessionID   string     `json:"session_id"`
	SchoolID    string     `json:"school_id"`
	StudentID   string     `json:"student_id"`
	StudentName string     `json:"student_name"`
	HomeroomID  string     `json:"homeroom_id,omitempty"`
	Grade       string     `json:"grade,omitempty"`
	DisplayName string     `json:"display_name"`
	Method      Method     `json:"method"`
	Zone        *string    `json:"zone"`
	Status      Status     `json:"status"`
	HoldReason  *string    `json:"hold_reason"`
	CheckedInAt time.Time  `json:"checked_in_at"`
	CalledAt    *time.Time `json:"called_at"`
	ReleasedAt  *time.Time `json:"released_at"`
	DismissedAt *time.Time `json:"dismissed_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// DismissalType is the roster's default way a student goes home.
type DismissalType string

const (
	DismissCar    DismissalType = "car"
	DismissBus    DismissalType = "bus"
	DismissWalker DismissalType = "walker"
)

// Student is the read-only roster view the resolvers need.
type Student struct {
	ID            string        `json:"id"`
	SchoolID      string        `json:"school_id"`
	FirstName     string        `json:"first_name"`
	LastName      string        `json:"last_name"`
	HomeroomID    string        `json:"homeroom_id,omitempty"`
	Grade         string        `json:"grade,omitempty"`
	DismissalType DismissalType `json:"dismissal_type"`
	CarNumber     string        `json:"car_number,omitempty"`
	BusNumber     string        `json:"bus_number,omitempty"`
	GuardianName  string        `json:"guardian_name,omitempty"`
	Active        bool          `json:"active"`
}

// Name is the display name used on queue entries.
func (s Student) Name() string {
	if s.LastName == "" {
		return s.FirstName
	}
	return s.FirstName + " " + s.LastName
}

// Homeroom is the roster grouping teachers are scoped to.
type Homeroom struct {
	ID        string `json:"id"`
	SchoolID  string `json:"school_id"`
	Name      string `json:"name"`
	Grade     string `json:"grade"`
	TeacherID string `json:"teacher_id,omitempty"`
}

// FamilyGroup is the set of students sharing one car number.
type FamilyGroup struct {
	ID         string   `json:"id"`
	SchoolID   string   `json:"school_id"`
	CarNumber  string   `json:"car_number"`
	Name       string   `json:"name,omitempty"`
	StudentIDs []string `json:"student_ids"`
}

// Zone is a named pickup location assigned when an entry is called.
type Zone struct {
	ID        string `json:"id"`
	SchoolID  string `json:"school_id"`
	Name      string `json:"name"`
	SortOrder int    `json:"sort_order"`
	Active    bool   `json:"active"`
}

// Role is the kind of actor issuing a request.
type Role string

const (
	RoleOffice  Role = "office"
	RoleTeacher Role = "teacher"
	RoleParent  Role = "parent"
)

// Actor is the authenticated caller. HomeroomID narrows a teacher to one
// class; StudentIDs lists a parent's children.
type Actor struct {
	ID         string
	Role       Role
	SchoolID   string
	HomeroomID string
	StudentIDs []string
}

func (a Actor) ownsStudent(id string) bool {
	for _, s := range a.StudentIDs {
		if s == id {
			return true
		}
	}
	return false
}

func (a Actor) is(roles ...Role) bool {
	for _, r := range roles {
		if a.Role == r {
			return true
		}
	}
	return false
}

// Outcome of a check-in.
type Outcome string

const (
	OutcomeCreated          Outcome = "created"
	OutcomeAlreadySubmitted Outcome = "already_submitted"
)

// StudentRef names a resolved student in check-in responses.
type StudentRef struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// CheckInResult reports what a resolver did. AlreadySubmitted is an
// informational outcome, not a failure.
type CheckInResult struct {
	Outcome  Outcome      `json:"outcome"`
	Students []StudentRef `json:"students"`
	Entries  []Entry      `json:"entries"`
}

// Skip explains why a batch member did not change.
type Skip struct {
	ID     string `json:"id"`
	Reason string `json:"reason"`
}

// BatchResult lists which ids actually changed state.
type BatchResult struct {
	Requested int     `json:"requested"`
	Changed   []Entry `json:"changed"`
	Skipped   []Skip  `json:"skipped"`
}

// Stats aggregates a queue view.
type Stats struct {
	Total          int            `json:"total"`
	ByStatus       map[Status]int `json:"by_status"`
	AverageWaitSec float64        `json:"average_wait_seconds"`
	LongestWaitSec float64        `json:"longest_waiting_seconds"`
}
