package dismissal

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// MemoryRepository keeps the queue in process memory. It backs tests and the
// single-node dev mode; the mutex plays the role of the database transaction.
type MemoryRepository struct {
	mu sync.RWMutex

	sessions  map[string]*Session
	homerooms map[string]Homeroom
	students  map[string]Student
	groups    map[string]FamilyGroup // by id
	zones     map[string]Zone
	entries   map[string]*Entry
	order     []string // entry ids in insertion order
}

var _ Repository = (*MemoryRepository)(nil)

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		sessions:  make(map[string]*Session),
		homerooms: make(map[string]Homeroom),
		students:  make(map[string]Student),
		groups:    make(map[string]FamilyGroup),
		zones:     make(map[string]Zone),
		entries:   make(map[string]*Entry),
	}
}

// AddHomeroom seeds the roster.
func (r *MemoryRepository) AddHomeroom(h Homeroom) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.homerooms[h.ID] = h
}

// AddStudent seeds the roster. Grade is taken from the homeroom.
func (r *MemoryRepository) AddStudent(s Student) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.students[s.ID] = s
}

// AddFamilyGroup seeds a car-number group; car numbers and members must be
// unique per school, like the table constraints.
func (r *MemoryRepository) AddFamilyGroup(g FamilyGroup) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, other := range r.groups {
		if other.SchoolID != g.SchoolID || other.ID == g.ID {
			continue
		}
		if other.CarNumber == g.CarNumber {
			return errors.Wrapf(ErrConflict, "car number %s", g.CarNumber)
		}
		for _, a := range other.StudentIDs {
			for _, b := range g.StudentIDs {
				if a == b {
					return errors.Wrapf(ErrConflict, "student %s already in a family group", a)
				}
			}
		}
	}
	if g.ID == "" {
		g.ID = newID()
	}
	r.groups[g.ID] = g
	return nil
}

func (r *MemoryRepository) GetOrCreateSession(_ context.Context, schoolID, day string, now time.Time) (Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.sessions {
		if s.SchoolID == schoolID && s.Day == day {
			return *s, nil
		}
	}
	s := &Session{ID: newID(), SchoolID: schoolID, Day: day, Status: SessionActive, StartedAt: now, UpdatedAt: now}
	r.sessions[s.ID] = s
	return *s, nil
}

func (r *MemoryRepository) GetSession(_ context.Context, id string) (Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if s, ok := r.sessions[id]; ok {
		return *s, nil
	}
	return Session{}, errors.Wrap(ErrNotFound, "getting session")
}

func (r *MemoryRepository) SetSessionStatus(_ context.Context, id string, status SessionStatus, now time.Time) (Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return Session{}, errors.Wrap(ErrNotFound, "setting session status")
	}
	s.Status = status
	s.UpdatedAt = now
	return *s, nil
}

func (r *MemoryRepository) PauseSessionsBefore(_ context.Context, day string, now time.Time) ([]Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var res []Session
	for _, s := range r.sessions {
		// ISO dates compare lexically
		if s.Day < day && s.Status == SessionActive {
			s.Status = SessionPaused
			s.UpdatedAt = now
			res = append(res, *s)
		}
	}
	sort.Slice(res, func(i, j int) bool { return res[i].Day < res[j].Day })
	return res, nil
}

func (r *MemoryRepository) FamilyGroupByCar(_ context.Context, schoolID, carNumber string) (FamilyGroup, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, g := range r.groups {
		if g.SchoolID == schoolID && g.CarNumber == carNumber {
			g.StudentIDs = append([]string(nil), g.StudentIDs...)
			sort.Strings(g.StudentIDs)
			return g, nil
		}
	}
	return FamilyGroup{}, errors.Wrap(ErrNotFound, "getting family group")
}

// filterStudents returns active students of the school matching keep, with grades
// resolved, in roster order. Callers hold the lock.
func (r *MemoryRepository) filterStudents(schoolID string, keep func(Student) bool) []Student {
	var res []Student
	for _, s := range r.students {
		if s.SchoolID != schoolID || !s.Active {
			continue
		}
		if h, ok := r.homerooms[s.HomeroomID]; ok {
			s.Grade = h.Grade
		}
		if keep(s) {
			res = append(res, s)
		}
	}
	sort.Slice(res, func(i, j int) bool {
		if res[i].LastName != res[j].LastName {
			return res[i].LastName < res[j].LastName
		}
		if res[i].FirstName != res[j].FirstName {
			return res[i].FirstName < res[j].FirstName
		}
		return res[i].ID < res[j].ID
	})
	return res
}

func (r *MemoryRepository) StudentsByIDs(_ context.Context, schoolID string, ids []string) ([]Student, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	want := toSet(ids)
	return r.filterStudents(schoolID, func(s Student) bool { return want[s.ID] }), nil
}

func (r *MemoryRepository) StudentsByCar(_ context.Context, schoolID, carNumber string) ([]Student, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.filterStudents(schoolID, func(s Student) bool { return s.CarNumber == carNumber }), nil
}

func (r *MemoryRepository) StudentsByBus(_ context.Context, schoolID, busNumber string) ([]Student, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.filterStudents(schoolID, func(s Student) bool { return s.BusNumber == busNumber }), nil
}

func (r *MemoryRepository) Walkers(_ context.Context, schoolID string, filter WalkerFilter) ([]Student, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	values := toSet(filter.Values)
	var match func(Student) bool
	switch filter.Type {
	case "":
		match = func(Student) bool { return true }
	case FilterGrade:
		match = func(s Student) bool { return values[s.Grade] }
	case FilterHomeroom:
		match = func(s Student) bool { return values[s.HomeroomID] }
	default:
		return nil, validationError("filter_type", "must be grade or homeroom")
	}
	return r.filterStudents(schoolID, func(s Student) bool {
		return s.DismissalType == DismissWalker && match(s)
	}), nil
}

func (r *MemoryRepository) ListZones(_ context.Context, schoolID string) ([]Zone, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var res []Zone
	for _, z := range r.zones {
		if z.SchoolID == schoolID {
			res = append(res, z)
		}
	}
	sort.Slice(res, func(i, j int) bool {
		if res[i].SortOrder != res[j].SortOrder {
			return res[i].SortOrder < res[j].SortOrder
		}
		return res[i].Name < res[j].Name
	})
	return res, nil
}

func (r *MemoryRepository) ZoneByName(_ context.Context, schoolID, name string) (Zone, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, z := range r.zones {
		if z.SchoolID == schoolID && z.Name == name {
			return z, nil
		}
	}
	return Zone{}, errors.Wrap(ErrNotFound, "getting zone")
}

func (r *MemoryRepository) zoneNameTaken(z Zone) bool {
	for _, other := range r.zones {
		if other.SchoolID == z.SchoolID && other.ID != z.ID && other.Name == z.Name {
			return true
		}
	}
	return false
}

func (r *MemoryRepository) CreateZone(_ context.Context, z Zone) (Zone, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if z.ID == "" {
		z.ID = newID()
	}
	if r.zoneNameTaken(z) {
		return Zone{}, errors.Wrapf(ErrConflict, "zone %q", z.Name)
	}
	r.zones[z.ID] = z
	return z, nil
}

func (r *MemoryRepository) UpdateZone(_ context.Context, z Zone) (Zone, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.zones[z.ID]; !ok || cur.SchoolID != z.SchoolID {
		return Zone{}, errors.Wrap(ErrNotFound, "updating zone")
	}
	if r.zoneNameTaken(z) {
		return Zone{}, errors.Wrapf(ErrConflict, "zone %q", z.Name)
	}
	r.zones[z.ID] = z
	return z, nil
}

func (r *MemoryRepository) InsertEntries(_ context.Context, entries []Entry) ([]Entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	blocked := make(map[string]bool)
	for _, e := range r.entries {
		if e.Status.Open() || e.Status == StatusDismissed {
			blocked[e.SessionID+"/"+e.StudentID] = true
		}
	}
	var created []Entry
	for _, e := range entries {
		key := e.SessionID + "/" + e.StudentID
		if blocked[key] {
			continue
		}
		if e.ID == "" {
			e.ID = newID()
		}
		e.UpdatedAt = e.CheckedInAt
		stored := e
		r.entries[e.ID] = &stored
		r.order = append(r.order, e.ID)
		blocked[key] = true
		created = append(created, e)
	}
	return created, nil
}

func (r *MemoryRepository) GetEntry(_ context.Context, id string) (Entry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if e, ok := r.entries[id]; ok {
		return *e, nil
	}
	return Entry{}, errors.Wrap(ErrNotFound, "getting entry")
}

func (r *MemoryRepository) ListEntries(_ context.Context, sessionID string, filter EntryFilter) ([]Entry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	statuses := make(map[Status]bool)
	for _, s := range filter.Statuses {
		statuses[s] = true
	}
	students := toSet(filter.StudentIDs)

	var res []Entry
	for _, id := range r.order {
		e := r.entries[id]
		switch {
		case e.SessionID != sessionID, e.Status == StatusRemoved:
			continue
		case filter.HomeroomID != "" && e.HomeroomID != filter.HomeroomID:
			continue
		case len(statuses) > 0 && !statuses[e.Status]:
			continue
		case filter.Method != "" && e.Method != filter.Method:
			continue
		case filter.StudentIDs != nil && !students[e.StudentID]:
			continue
		}
		res = append(res, *e)
	}
	sort.SliceStable(res, func(i, j int) bool { return res[i].CheckedInAt.Before(res[j].CheckedInAt) })
	return res, nil
}

func apply(e *Entry, m Move) {
	at := m.At
	e.Status = m.To
	e.UpdatedAt = at
	if m.Zone != nil {
		zone := *m.Zone
		e.Zone = &zone
	}
	switch m.To {
	case StatusCalled:
		e.CalledAt = &at
	case StatusReleased:
		e.ReleasedAt = &at
	case StatusDismissed:
		e.DismissedAt = &at
	case StatusHeld:
		e.HoldReason = m.HoldReason
	case StatusWaiting:
		e.HoldReason = nil
	}
}

func (r *MemoryRepository) MoveEntry(_ context.Context, id string, m Move) (Entry, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok {
		return Entry{}, false, errors.Wrap(ErrNotFound, "getting entry")
	}
	if !containsStatus(m.From, e.Status) {
		return *e, false, nil
	}
	apply(e, m)
	return *e, true, nil
}

func (r *MemoryRepository) CallNext(_ context.Context, sessionID string, n int, zone *string, at time.Time) ([]Entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var waiting []*Entry
	for _, id := range r.order {
		if e := r.entries[id]; e.SessionID == sessionID && e.Status == StatusWaiting {
			waiting = append(waiting, e)
		}
	}
	sort.SliceStable(waiting, func(i, j int) bool { return waiting[i].CheckedInAt.Before(waiting[j].CheckedInAt) })
	if len(waiting) > n {
		waiting = waiting[:n]
	}
	res := make([]Entry, 0, len(waiting))
	for _, e := range waiting {
		apply(e, Move{To: StatusCalled, Zone: zone, At: at})
		res = append(res, *e)
	}
	return res, nil
}

func (r *MemoryRepository) RemoveOpen(_ context.Context, sessionID string, at time.Time) ([]Entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var res []Entry
	for _, id := range r.order {
		e := r.entries[id]
		if e.SessionID == sessionID && e.Status.Open() {
			e.Status = StatusRemoved
			e.UpdatedAt = at
			res = append(res, *e)
		}
	}
	return res, nil
}

func (r *MemoryRepository) CountOpen(_ context.Context, sessionID string) (int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var n int
	for _, e := range r.entries {
		if e.SessionID == sessionID && e.Status.Open() {
			n++
		}
	}
	return n, nil
}

func toSet(values []string) map[string]bool {
	set := make(map[string]bool, len(values))
	for _, v := range values {
		set[v] = true
	}
	return set
}

func containsStatus(list []Status, s Status) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
