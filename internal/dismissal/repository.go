package dismissal

import (
	"context"
	"time"
)

// WalkerFilter narrows a walker release. An empty Type selects every walker.
type WalkerFilter struct {
	Type   string   // "", "grade" or "homeroom"
	Values []string // grades or homeroom ids
}

const (
	FilterGrade    = "grade"
	FilterHomeroom = "homeroom"
)

// EntryFilter selects entries of one session. Removed entries are never listed.
type EntryFilter struct {
	HomeroomID string
	Statuses   []Status
	Method     Method
	StudentIDs []string // nil means any student; an empty non-nil slice matches nothing
}

// Move is a compare-and-set status change: it applies only while the entry
// is in one of From.
type Move struct {
	From       []Status
	To         Status
	Zone       *string
	HoldReason *string
	At         time.Time
}

// Repository is the queue store. Every method is one short transaction;
// implementations must enforce the one-open-entry-per-student rule themselves.
type Repository interface {
	GetOrCreateSession(ctx context.Context, schoolID, day string, now time.Time) (Session, error)
	GetSession(ctx context.Context, id string) (Session, error)
	SetSessionStatus(ctx context.Context, id string, status SessionStatus, now time.Time) (Session, error)
	// PauseSessionsBefore pauses active sessions older than day and returns them.
	PauseSessionsBefore(ctx context.Context, day string, now time.Time) ([]Session, error)

	FamilyGroupByCar(ctx context.Context, schoolID, carNumber string) (FamilyGroup, error)
	// Students* return active students only.
	StudentsByIDs(ctx context.Context, schoolID string, ids []string) ([]Student, error)
	StudentsByCar(ctx context.Context, schoolID, carNumber string) ([]Student, error)
	StudentsByBus(ctx context.Context, schoolID, busNumber string) ([]Student, error)
	Walkers(ctx context.Context, schoolID string, filter WalkerFilter) ([]Student, error)

	ListZones(ctx context.Context, schoolID string) ([]Zone, error)
	ZoneByName(ctx context.Context, schoolID, name string) (Zone, error)
	CreateZone(ctx context.Context, z Zone) (Zone, error)
	UpdateZone(ctx context.Context, z Zone) (Zone, error)

	// InsertEntries atomically opens entries for students that have neither an
	// open nor a dismissed entry in the session and returns the ones created.
	InsertEntries(ctx context.Context, entries []Entry) ([]Entry, error)
	GetEntry(ctx context.Context, id string) (Entry, error)
	ListEntries(ctx context.Context, sessionID string, filter EntryFilter) ([]Entry, error)
	// MoveEntry applies m and reports whether it changed the entry. When it did
	// not, the current entry is returned so callers can tell a no-op from a rejection.
	MoveEntry(ctx context.Context, id string, m Move) (Entry, bool, error)
	// CallNext calls the n longest-waiting entries of the session.
	CallNext(ctx context.Context, sessionID string, n int, zone *string, at time.Time) ([]Entry, error)
	// RemoveOpen moves every open entry of the session to removed.
	RemoveOpen(ctx context.Context, sessionID string, at time.Time) ([]Entry, error)
	CountOpen(ctx context.Context, sessionID string) (int, error)
}
