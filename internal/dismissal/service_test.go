package dismissal

import (
	"context"
	"sync"
	"testing"
	"time"
	_ "time/tzdata"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dismissal/internal/broadcast"
)

const school = "school-1"

type recorder struct {
	mu     sync.Mutex
	events []broadcast.Event
}

func (r *recorder) Publish(_ context.Context, evt broadcast.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
	return nil
}

func (r *recorder) take() []broadcast.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := r.events
	r.events = nil
	return out
}

// fakeClock ticks one second per reading so check-in order is strict.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(time.Second)
	return c.t
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = t
}

type fixture struct {
	svc   *Service
	repo  *MemoryRepository
	rec   *recorder
	clock *fakeClock
	sess  Session
}

var (
	office   = Actor{ID: "u-office", Role: RoleOffice, SchoolID: school}
	teacher3 = Actor{ID: "t-rivera", Role: RoleTeacher, SchoolID: school, HomeroomID: "hr-3a"}
	teacher4 = Actor{ID: "t-okafor", Role: RoleTeacher, SchoolID: school, HomeroomID: "hr-4b"}
	smiths   = Actor{ID: "p-smith", Role: RoleParent, SchoolID: school, StudentIDs: []string{"st-alice", "st-bob"}}
	diaz     = Actor{ID: "p-diaz", Role: RoleParent, SchoolID: school, StudentIDs: []string{"st-carmen"}}
)

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	repo := NewMemoryRepository()
	require.NoError(t, SeedDemo(repo, school))
	repo.AddStudent(Student{ID: "st-gone", SchoolID: school, FirstName: "Gale", LastName: "Moss",
		HomeroomID: "hr-3a", DismissalType: DismissWalker, Active: false})

	clock := &fakeClock{t: time.Date(2026, 10, 16, 19, 0, 0, 0, time.UTC)}
	rec := &recorder{}
	opts = append([]Option{WithClock(clock.Now), WithLocation(time.UTC)}, opts...)
	svc := NewService(repo, rec, opts...)

	ctx := context.Background()
	sess, err := svc.GetOrCreateSession(ctx, office)
	require.NoError(t, err)
	_, err = svc.CreateZone(ctx, office, Zone{Name: "B", SortOrder: 2})
	require.NoError(t, err)
	return &fixture{svc: svc, repo: repo, rec: rec, clock: clock, sess: sess}
}

func (f *fixture) entryOf(t *testing.T, studentID string) Entry {
	t.Helper()
	entries, err := f.svc.ListQueue(context.Background(), office, f.sess.ID, EntryFilter{})
	require.NoError(t, err)
	for _, e := range entries {
		if e.StudentID == studentID {
			return e
		}
	}
	t.Fatalf("no entry for %s", studentID)
	return Entry{}
}

func (f *fixture) queue(t *testing.T) []Entry {
	t.Helper()
	entries, err := f.svc.ListQueue(context.Background(), office, f.sess.ID, EntryFilter{})
	require.NoError(t, err)
	return entries
}

func TestCarFamilyScenario(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.svc.CheckInCar(ctx, office, f.sess.ID, "142")
	require.NoError(t, err)
	assert.Equal(t, OutcomeCreated, res.Outcome)
	require.Len(t, res.Entries, 2)
	assert.ElementsMatch(t, []StudentRef{{ID: "st-alice", Name: "Alice Smith"}, {ID: "st-bob", Name: "Bob Smith"}}, res.Students)
	for _, e := range res.Entries {
		assert.Equal(t, StatusWaiting, e.Status)
		assert.Equal(t, "Smith family", e.DisplayName)
		assert.Equal(t, MethodCar, e.Method)
	}

	again, err := f.svc.CheckInCar(ctx, office, f.sess.ID, " 142 ")
	require.NoError(t, err)
	assert.Equal(t, OutcomeAlreadySubmitted, again.Outcome)
	assert.Empty(t, again.Entries)
	assert.Len(t, f.queue(t), 2)

	alice := f.entryOf(t, "st-alice")
	called, changed, err := f.svc.Transition(ctx, office, alice.ID, ActionCall, TransitionInput{Zone: "B"})
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, StatusCalled, called.Status)
	require.NotNil(t, called.Zone)
	assert.Equal(t, "B", *called.Zone)
	assert.NotNil(t, called.CalledAt)
	assert.Equal(t, StatusWaiting, f.entryOf(t, "st-bob").Status)

	released, changed, err := f.svc.Transition(ctx, teacher3, alice.ID, ActionRelease, TransitionInput{})
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, StatusReleased, released.Status)

	bob := f.entryOf(t, "st-bob")
	for _, id := range []string{alice.ID, bob.ID} {
		e, changed, err := f.svc.Transition(ctx, smiths, id, ActionDismiss, TransitionInput{})
		require.NoError(t, err)
		assert.True(t, changed)
		assert.Equal(t, StatusDismissed, e.Status)
		assert.NotNil(t, e.DismissedAt)
	}

	for _, id := range []string{alice.ID, bob.ID} {
		_, _, err := f.svc.Transition(ctx, smiths, id, ActionDismiss, TransitionInput{})
		assert.True(t, errors.Is(err, ErrInvalidTransition), "got %v", err)
		e, err := f.repo.GetEntry(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, StatusDismissed, e.Status)
	}

	// dismissed students are not queued again by a later scan
	late, err := f.svc.CheckInCar(ctx, office, f.sess.ID, "142")
	require.NoError(t, err)
	assert.Equal(t, OutcomeAlreadySubmitted, late.Outcome)
	assert.Len(t, f.queue(t), 2)
}

func TestConcurrentCheckInCreatesOneSet(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	const n = 24
	outcomes := make(chan Outcome, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := f.svc.CheckInCar(ctx, office, f.sess.ID, "142")
			assert.NoError(t, err)
			outcomes <- res.Outcome
		}()
	}
	wg.Wait()
	close(outcomes)

	var created int
	for o := range outcomes {
		if o == OutcomeCreated {
			created++
		}
	}
	assert.Equal(t, 1, created)

	open := map[string]int{}
	for _, e := range f.queue(t) {
		if e.Status.Open() {
			open[e.StudentID]++
		}
	}
	assert.Equal(t, map[string]int{"st-alice": 1, "st-bob": 1}, open)
}

func TestCheckInFallsBackToStudentCarNumber(t *testing.T) {
	f := newFixture(t)
	res, err := f.svc.CheckInCar(context.Background(), office, f.sess.ID, "77")
	require.NoError(t, err)
	require.Len(t, res.Entries, 1)
	assert.Equal(t, "st-carmen", res.Entries[0].StudentID)
	assert.Equal(t, "Car 77", res.Entries[0].DisplayName)
	assert.Equal(t, "5", res.Entries[0].Grade)
}

func TestCheckInErrors(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.CheckInCar(ctx, office, f.sess.ID, "999")
	assert.True(t, errors.Is(err, ErrNotFound))

	_, err = f.svc.CheckInCar(ctx, office, f.sess.ID, "  ")
	assert.True(t, errors.Is(err, ErrValidation))

	_, err = f.svc.CheckInBus(ctx, office, f.sess.ID, "99")
	assert.True(t, errors.Is(err, ErrNotFound))

	_, err = f.svc.CheckInCar(ctx, office, "no-such-session", "142")
	assert.True(t, errors.Is(err, ErrNotFound))

	otherSchool := Actor{ID: "u-2", Role: RoleOffice, SchoolID: "school-2"}
	_, err = f.svc.CheckInCar(ctx, otherSchool, f.sess.ID, "142")
	assert.True(t, errors.Is(err, ErrNotFound))

	_, err = f.svc.CheckInCar(ctx, teacher3, f.sess.ID, "142")
	assert.True(t, errors.Is(err, ErrForbidden))

	_, err = f.svc.CheckInCar(ctx, diaz, f.sess.ID, "142")
	assert.True(t, errors.Is(err, ErrForbidden))

	_, err = f.svc.CheckInBus(ctx, smiths, f.sess.ID, "12")
	assert.True(t, errors.Is(err, ErrForbidden))

	assert.Empty(t, f.queue(t))
}

func TestParentChecksInOwnCar(t *testing.T) {
	f := newFixture(t)
	res, err := f.svc.CheckInCar(context.Background(), smiths, f.sess.ID, "142")
	require.NoError(t, err)
	assert.Equal(t, OutcomeCreated, res.Outcome)
	assert.Len(t, res.Entries, 2)
}

func TestCheckInBus(t *testing.T) {
	f := newFixture(t)
	res, err := f.svc.CheckInBus(context.Background(), office, f.sess.ID, "12")
	require.NoError(t, err)
	require.Len(t, res.Entries, 1)
	assert.Equal(t, MethodBus, res.Entries[0].Method)
	assert.Equal(t, "Bus 12", res.Entries[0].DisplayName)
	assert.Equal(t, StatusWaiting, res.Entries[0].Status)
}

func TestCheckInQR(t *testing.T) {
	verifier := func(token string) (string, string, error) {
		if token != "tag-142" {
			return "", "", errors.New("bad signature")
		}
		return school, "142", nil
	}
	f := newFixture(t, WithTagVerifier(verifier))
	ctx := context.Background()

	res, err := f.svc.CheckInQR(ctx, smiths, f.sess.ID, "tag-142")
	require.NoError(t, err)
	require.Len(t, res.Entries, 2)
	assert.Equal(t, MethodQR, res.Entries[0].Method)

	// a manual entry racing the scan sees the scan's entries
	manual, err := f.svc.CheckInCar(ctx, office, f.sess.ID, "142")
	require.NoError(t, err)
	assert.Equal(t, OutcomeAlreadySubmitted, manual.Outcome)

	_, err = f.svc.CheckInQR(ctx, smiths, f.sess.ID, "forged")
	assert.True(t, errors.Is(err, ErrValidation))
}

func TestCheckInQRDisabled(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.CheckInQR(context.Background(), office, f.sess.ID, "tag-142")
	assert.True(t, errors.Is(err, ErrValidation))
}

func TestCheckInSMSOpensTodaysSession(t *testing.T) {
	f := newFixture(t)
	res, err := f.svc.CheckInSMS(context.Background(), school, "#142 here now")
	require.NoError(t, err)
	require.Len(t, res.Entries, 2)
	assert.Equal(t, MethodSMS, res.Entries[0].Method)
	assert.Equal(t, f.sess.ID, res.Entries[0].SessionID)
}

func TestReleaseWalkersByGrade(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.svc.ReleaseWalkers(ctx, office, f.sess.ID, WalkerFilter{Type: FilterGrade, Values: []string{"3", "4"}})
	require.NoError(t, err)
	assert.Equal(t, OutcomeCreated, res.Outcome)
	var students []string
	for _, e := range res.Entries {
		students = append(students, e.StudentID)
		assert.Equal(t, StatusReleased, e.Status)
		assert.Equal(t, MethodWalker, e.Method)
		assert.NotNil(t, e.ReleasedAt)
		assert.Contains(t, []string{"3", "4"}, e.Grade)
	}
	assert.ElementsMatch(t, []string{"st-wren", "st-will"}, students)

	none, err := f.svc.ReleaseWalkers(ctx, office, f.sess.ID, WalkerFilter{Type: FilterGrade, Values: []string{"9"}})
	require.NoError(t, err)
	assert.Equal(t, OutcomeCreated, none.Outcome)
	assert.Empty(t, none.Entries)

	rest, err := f.svc.ReleaseWalkers(ctx, office, f.sess.ID, WalkerFilter{})
	require.NoError(t, err)
	require.Len(t, rest.Entries, 1)
	assert.Equal(t, "st-wanda", rest.Entries[0].StudentID)

	// walkers go straight from released to dismissed
	e, changed, err := f.svc.Transition(ctx, office, rest.Entries[0].ID, ActionDismiss, TransitionInput{})
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, StatusDismissed, e.Status)
	assert.Nil(t, e.CalledAt)

	_, err = f.svc.ReleaseWalkers(ctx, office, f.sess.ID, WalkerFilter{Type: "bus"})
	assert.True(t, errors.Is(err, ErrValidation))
	_, err = f.svc.ReleaseWalkers(ctx, teacher3, f.sess.ID, WalkerFilter{})
	assert.True(t, errors.Is(err, ErrForbidden))
}

func TestReleaseWalkersByHomeroom(t *testing.T) {
	f := newFixture(t)
	res, err := f.svc.ReleaseWalkers(context.Background(), office, f.sess.ID, WalkerFilter{Type: FilterHomeroom, Values: []string{"hr-5c"}})
	require.NoError(t, err)
	require.Len(t, res.Entries, 1)
	assert.Equal(t, "st-wanda", res.Entries[0].StudentID)
}

func TestBatchDismissPartial(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.CheckInCar(ctx, office, f.sess.ID, "142")
	require.NoError(t, err)
	_, err = f.svc.CheckInCar(ctx, office, f.sess.ID, "77")
	require.NoError(t, err)
	_, err = f.svc.CheckInBus(ctx, office, f.sess.ID, "12")
	require.NoError(t, err)
	_, err = f.svc.ReleaseWalkers(ctx, office, f.sess.ID, WalkerFilter{Type: FilterHomeroom, Values: []string{"hr-4b"}})
	require.NoError(t, err)

	entries := f.queue(t)
	require.Len(t, entries, 5)
	ids := make([]string, 0, len(entries))
	for _, e := range entries {
		ids = append(ids, e.ID)
	}
	_, _, err = f.svc.Transition(ctx, office, ids[2], ActionDismiss, TransitionInput{})
	require.NoError(t, err)

	res, err := f.svc.ApplyBatch(ctx, office, append(ids, ids[0]), ActionDismiss, TransitionInput{})
	require.NoError(t, err)
	assert.Equal(t, 5, res.Requested)
	assert.Len(t, res.Changed, 4)
	assert.Equal(t, []Skip{{ID: ids[2], Reason: "invalid_transition"}}, res.Skipped)

	unknown, err := f.svc.ApplyBatch(ctx, office, []string{"nope"}, ActionDismiss, TransitionInput{})
	require.NoError(t, err)
	assert.Equal(t, []Skip{{ID: "nope", Reason: "not_found"}}, unknown.Skipped)

	_, err = f.svc.ApplyBatch(ctx, office, nil, ActionDismiss, TransitionInput{})
	assert.True(t, errors.Is(err, ErrValidation))
}

func TestBatchReleaseRespectsTeacherHomeroom(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.svc.CheckInCar(ctx, office, f.sess.ID, "142")
	require.NoError(t, err)
	alice, bob := f.entryOf(t, "st-alice"), f.entryOf(t, "st-bob")

	res, err := f.svc.ApplyBatch(ctx, teacher4, []string{alice.ID, bob.ID}, ActionRelease, TransitionInput{})
	require.NoError(t, err)
	require.Len(t, res.Changed, 1)
	assert.Equal(t, bob.ID, res.Changed[0].ID)
	assert.Equal(t, []Skip{{ID: alice.ID, Reason: "forbidden"}}, res.Skipped)
}

func TestConcurrentReleaseConverges(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.svc.CheckInCar(ctx, office, f.sess.ID, "142")
	require.NoError(t, err)
	alice := f.entryOf(t, "st-alice")

	var wg sync.WaitGroup
	changes := make(chan bool, 2)
	for _, actor := range []Actor{office, teacher3} {
		wg.Add(1)
		go func(a Actor) {
			defer wg.Done()
			_, changed, err := f.svc.Transition(ctx, a, alice.ID, ActionRelease, TransitionInput{})
			assert.NoError(t, err)
			changes <- changed
		}(actor)
	}
	wg.Wait()
	close(changes)

	var n int
	for c := range changes {
		if c {
			n++
		}
	}
	assert.Equal(t, 1, n)
	assert.Equal(t, StatusReleased, f.entryOf(t, "st-alice").Status)
}

func TestTransitionNoops(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.svc.CheckInCar(ctx, office, f.sess.ID, "77")
	require.NoError(t, err)
	e := f.entryOf(t, "st-carmen")

	_, changed, err := f.svc.Transition(ctx, office, e.ID, ActionCall, TransitionInput{})
	require.NoError(t, err)
	assert.True(t, changed)
	_, changed, err = f.svc.Transition(ctx, office, e.ID, ActionCall, TransitionInput{})
	require.NoError(t, err)
	assert.False(t, changed)

	_, _, err = f.svc.Transition(ctx, office, "missing", ActionCall, TransitionInput{})
	assert.True(t, errors.Is(err, ErrNotFound))

	_, _, err = f.svc.Transition(ctx, office, e.ID, ActionCall, TransitionInput{Zone: "Z"})
	assert.True(t, errors.Is(err, ErrValidation))
}

func TestHoldLifecycle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.svc.CheckInCar(ctx, office, f.sess.ID, "77")
	require.NoError(t, err)
	id := f.entryOf(t, "st-carmen").ID

	_, _, err = f.svc.Transition(ctx, office, id, ActionHold, TransitionInput{})
	assert.True(t, errors.Is(err, ErrValidation))
	_, _, err = f.svc.Transition(ctx, teacher3, id, ActionHold, TransitionInput{Reason: "custody"})
	assert.True(t, errors.Is(err, ErrForbidden))

	held, changed, err := f.svc.Transition(ctx, office, id, ActionHold, TransitionInput{Reason: "custody check"})
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, StatusHeld, held.Status)
	require.NotNil(t, held.HoldReason)
	assert.Equal(t, "custody check", *held.HoldReason)

	for _, a := range []Action{ActionCall, ActionRelease} {
		_, _, err = f.svc.Transition(ctx, office, id, a, TransitionInput{})
		assert.True(t, errors.Is(err, ErrInvalidTransition), "%s: %v", a, err)
	}
	called, err := f.svc.CallNext(ctx, office, f.sess.ID, 5, "")
	require.NoError(t, err)
	assert.Empty(t, called)

	cleared, changed, err := f.svc.Transition(ctx, office, id, ActionClearHold, TransitionInput{})
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, StatusWaiting, cleared.Status)
	assert.Nil(t, cleared.HoldReason)
}

func TestPauseBlocksCheckInsAndCalls(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.svc.CheckInCar(ctx, office, f.sess.ID, "77")
	require.NoError(t, err)
	id := f.entryOf(t, "st-carmen").ID

	_, err = f.svc.SetSessionStatus(ctx, teacher3, f.sess.ID, SessionPaused)
	assert.True(t, errors.Is(err, ErrForbidden))
	sess, err := f.svc.SetSessionStatus(ctx, office, f.sess.ID, SessionPaused)
	require.NoError(t, err)
	assert.Equal(t, SessionPaused, sess.Status)

	_, err = f.svc.CheckInCar(ctx, office, f.sess.ID, "142")
	assert.True(t, errors.Is(err, ErrSessionPaused))
	_, err = f.svc.ReleaseWalkers(ctx, office, f.sess.ID, WalkerFilter{})
	assert.True(t, errors.Is(err, ErrSessionPaused))
	_, _, err = f.svc.Transition(ctx, office, id, ActionCall, TransitionInput{})
	assert.True(t, errors.Is(err, ErrSessionPaused))
	_, err = f.svc.CallNext(ctx, office, f.sess.ID, 1, "")
	assert.True(t, errors.Is(err, ErrSessionPaused))
	batch, err := f.svc.ApplyBatch(ctx, office, []string{"missing", id}, ActionCall, TransitionInput{})
	assert.True(t, errors.Is(err, ErrSessionPaused))
	assert.Empty(t, batch.Changed)
	assert.Equal(t, StatusWaiting, f.entryOf(t, "st-carmen").Status)

	// students already on their way can still be released and dismissed
	_, changed, err := f.svc.Transition(ctx, teacher4, id, ActionRelease, TransitionInput{})
	assert.True(t, errors.Is(err, ErrForbidden))
	assert.False(t, changed)
	_, changed, err = f.svc.Transition(ctx, office, id, ActionRelease, TransitionInput{})
	require.NoError(t, err)
	assert.True(t, changed)

	_, err = f.svc.SetSessionStatus(ctx, office, f.sess.ID, SessionActive)
	require.NoError(t, err)
	res, err := f.svc.CheckInCar(ctx, office, f.sess.ID, "142")
	require.NoError(t, err)
	assert.Equal(t, OutcomeCreated, res.Outcome)

	_, err = f.svc.SetSessionStatus(ctx, office, f.sess.ID, "closed")
	assert.True(t, errors.Is(err, ErrValidation))
}

func TestCallNextTakesLongestWaiting(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.svc.CheckInCar(ctx, office, f.sess.ID, "77")
	require.NoError(t, err)
	_, err = f.svc.CheckInBus(ctx, office, f.sess.ID, "12")
	require.NoError(t, err)

	called, err := f.svc.CallNext(ctx, office, f.sess.ID, 1, "B")
	require.NoError(t, err)
	require.Len(t, called, 1)
	assert.Equal(t, "st-carmen", called[0].StudentID)
	assert.Equal(t, "B", *called[0].Zone)
	assert.Equal(t, StatusWaiting, f.entryOf(t, "st-dev").Status)

	_, err = f.svc.CallNext(ctx, office, f.sess.ID, 0, "")
	assert.True(t, errors.Is(err, ErrValidation))
	_, err = f.svc.CallNext(ctx, office, f.sess.ID, 1, "Nowhere")
	assert.True(t, errors.Is(err, ErrValidation))
	_, err = f.svc.CallNext(ctx, teacher3, f.sess.ID, 1, "")
	assert.True(t, errors.Is(err, ErrForbidden))
}

func TestDismissAllByMethod(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.svc.CheckInCar(ctx, office, f.sess.ID, "142")
	require.NoError(t, err)
	_, err = f.svc.ReleaseWalkers(ctx, office, f.sess.ID, WalkerFilter{})
	require.NoError(t, err)

	res, err := f.svc.DismissAll(ctx, office, f.sess.ID, DismissFilter{Method: MethodWalker})
	require.NoError(t, err)
	assert.Len(t, res.Changed, 3)
	assert.Equal(t, StatusWaiting, f.entryOf(t, "st-alice").Status)

	all, err := f.svc.DismissAll(ctx, office, f.sess.ID, DismissFilter{})
	require.NoError(t, err)
	assert.Len(t, all.Changed, 2)

	_, err = f.svc.DismissAll(ctx, smiths, f.sess.ID, DismissFilter{})
	assert.True(t, errors.Is(err, ErrForbidden))
}

func TestResetQueueAllowsNewCheckIn(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.svc.CheckInCar(ctx, office, f.sess.ID, "142")
	require.NoError(t, err)

	removed, err := f.svc.ResetQueue(ctx, office, f.sess.ID)
	require.NoError(t, err)
	assert.Len(t, removed, 2)
	assert.Empty(t, f.queue(t))

	_, _, err = f.svc.Transition(ctx, office, removed[0].ID, ActionCall, TransitionInput{})
	assert.True(t, errors.Is(err, ErrNotFound))

	res, err := f.svc.CheckInCar(ctx, office, f.sess.ID, "142")
	require.NoError(t, err)
	assert.Equal(t, OutcomeCreated, res.Outcome)

	_, err = f.svc.ResetQueue(ctx, teacher3, f.sess.ID)
	assert.True(t, errors.Is(err, ErrForbidden))
}

func TestQueueScopes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.svc.CheckInCar(ctx, office, f.sess.ID, "142")
	require.NoError(t, err)
	_, err = f.svc.CheckInCar(ctx, office, f.sess.ID, "77")
	require.NoError(t, err)

	students := func(a Actor, filter EntryFilter) []string {
		entries, err := f.svc.ListQueue(ctx, a, f.sess.ID, filter)
		require.NoError(t, err)
		var ids []string
		for _, e := range entries {
			ids = append(ids, e.StudentID)
		}
		return ids
	}
	assert.ElementsMatch(t, []string{"st-alice", "st-bob", "st-carmen"}, students(office, EntryFilter{}))
	assert.Equal(t, []string{"st-bob"}, students(office, EntryFilter{HomeroomID: "hr-4b"}))
	assert.Equal(t, []string{"st-alice"}, students(teacher3, EntryFilter{HomeroomID: "hr-4b"}))
	assert.Equal(t, []string{"st-carmen"}, students(diaz, EntryFilter{}))
	assert.Empty(t, students(Actor{Role: RoleParent, SchoolID: school}, EntryFilter{}))

	whole := Actor{ID: "t-float", Role: RoleTeacher, SchoolID: school}
	assert.Len(t, students(whole, EntryFilter{}), 3)

	_, err = f.svc.ListQueue(ctx, office, f.sess.ID, EntryFilter{Statuses: []Status{"lost"}})
	assert.True(t, errors.Is(err, ErrValidation))
	_, err = f.svc.ListQueue(ctx, Actor{Role: RoleOffice, SchoolID: "school-2"}, f.sess.ID, EntryFilter{})
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestParentDismissesOnlyOwnStudents(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.svc.CheckInCar(ctx, office, f.sess.ID, "77")
	require.NoError(t, err)
	id := f.entryOf(t, "st-carmen").ID

	_, _, err = f.svc.Transition(ctx, smiths, id, ActionDismiss, TransitionInput{})
	assert.True(t, errors.Is(err, ErrForbidden))
	_, _, err = f.svc.Transition(ctx, diaz, id, ActionRelease, TransitionInput{})
	assert.True(t, errors.Is(err, ErrForbidden))
	_, changed, err := f.svc.Transition(ctx, diaz, id, ActionDismiss, TransitionInput{})
	require.NoError(t, err)
	assert.True(t, changed)
}

func TestEventsFollowCommittedChanges(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.rec.take()

	res, err := f.svc.CheckInCar(ctx, office, f.sess.ID, "142")
	require.NoError(t, err)
	events := f.rec.take()
	require.Len(t, events, 4)
	var names []string
	for _, evt := range events {
		names = append(names, evt.Name)
		assert.Equal(t, school, evt.SchoolID)
		assert.Equal(t, f.sess.ID, evt.SessionID)
		assert.Equal(t, string(StatusWaiting), evt.Status)
		assert.NotEmpty(t, evt.StudentID)
	}
	assert.Equal(t, []string{
		broadcast.StudentCheckedIn, broadcast.QueueUpdated,
		broadcast.StudentCheckedIn, broadcast.QueueUpdated,
	}, names)

	_, err = f.svc.CheckInCar(ctx, office, f.sess.ID, "142")
	require.NoError(t, err)
	assert.Empty(t, f.rec.take())

	id := res.Entries[0].ID
	_, _, err = f.svc.Transition(ctx, office, id, ActionDismiss, TransitionInput{})
	require.NoError(t, err)
	events = f.rec.take()
	require.Len(t, events, 2)
	assert.Equal(t, broadcast.StudentDismissed, events[0].Name)
	assert.Equal(t, id, events[0].EntryID)

	_, _, err = f.svc.Transition(ctx, office, id, ActionDismiss, TransitionInput{})
	require.Error(t, err)
	assert.Empty(t, f.rec.take())

	_, err = f.svc.SetSessionStatus(ctx, office, f.sess.ID, SessionPaused)
	require.NoError(t, err)
	events = f.rec.take()
	require.Len(t, events, 1)
	assert.Equal(t, broadcast.QueueUpdated, events[0].Name)
	assert.Empty(t, events[0].StudentID)
	assert.Equal(t, string(SessionPaused), events[0].Status)
}

func TestGetOrCreateSessionConverges(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	ids := make(chan string, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sess, err := f.svc.GetOrCreateSession(ctx, office)
			assert.NoError(t, err)
			ids <- sess.ID
		}()
	}
	wg.Wait()
	close(ids)
	for id := range ids {
		assert.Equal(t, f.sess.ID, id)
	}

	got, err := f.svc.GetSession(ctx, teacher3, f.sess.ID)
	require.NoError(t, err)
	assert.Equal(t, "2026-10-16", got.Day)
}

func TestSessionDayUsesSchoolTimezone(t *testing.T) {
	loc, err := time.LoadLocation("America/Los_Angeles")
	require.NoError(t, err)
	f := newFixture(t, WithLocation(loc))
	f.clock.Set(time.Date(2026, 10, 17, 2, 0, 0, 0, time.UTC))
	sess, err := f.svc.GetOrCreateSession(context.Background(), Actor{Role: RoleOffice, SchoolID: "school-west"})
	require.NoError(t, err)
	assert.Equal(t, "2026-10-16", sess.Day)
}

func TestPauseStaleSessions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.svc.CheckInCar(ctx, office, f.sess.ID, "142")
	require.NoError(t, err)

	stale, err := f.svc.PauseStaleSessions(ctx)
	require.NoError(t, err)
	assert.Empty(t, stale)

	f.clock.Set(time.Date(2026, 10, 17, 11, 0, 0, 0, time.UTC))
	stale, err = f.svc.PauseStaleSessions(ctx)
	require.NoError(t, err)
	require.Len(t, stale, 1)
	assert.Equal(t, f.sess.ID, stale[0].Session.ID)
	assert.Equal(t, 2, stale[0].Open)

	_, err = f.svc.CheckInCar(ctx, office, f.sess.ID, "77")
	assert.True(t, errors.Is(err, ErrSessionPaused))

	today, err := f.svc.GetOrCreateSession(ctx, office)
	require.NoError(t, err)
	assert.NotEqual(t, f.sess.ID, today.ID)
	assert.Equal(t, SessionActive, today.Status)
}

func TestZones(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.CreateZone(ctx, office, Zone{Name: "B"})
	assert.True(t, errors.Is(err, ErrConflict))
	_, err = f.svc.CreateZone(ctx, teacher3, Zone{Name: "C"})
	assert.True(t, errors.Is(err, ErrForbidden))
	_, err = f.svc.CreateZone(ctx, office, Zone{Name: " "})
	assert.True(t, errors.Is(err, ErrValidation))

	a, err := f.svc.CreateZone(ctx, office, Zone{Name: "A", SortOrder: 1})
	require.NoError(t, err)
	assert.True(t, a.Active)

	zones, err := f.svc.ListZones(ctx, smiths)
	require.NoError(t, err)
	require.Len(t, zones, 2)
	assert.Equal(t, "A", zones[0].Name)

	a.Active = false
	_, err = f.svc.UpdateZone(ctx, office, a)
	require.NoError(t, err)
	_, err = f.svc.CallNext(ctx, office, f.sess.ID, 1, "A")
	assert.True(t, errors.Is(err, ErrValidation))

	_, err = f.svc.UpdateZone(ctx, office, Zone{ID: "missing", Name: "Q"})
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestComputeStats(t *testing.T) {
	base := time.Date(2026, 10, 16, 19, 0, 0, 0, time.UTC)
	at := func(sec int) *time.Time {
		t := base.Add(time.Duration(sec) * time.Second)
		return &t
	}
	entries := []Entry{
		{Status: StatusWaiting, Method: MethodCar, CheckedInAt: base},
		{Status: StatusWaiting, Method: MethodCar, CheckedInAt: base.Add(60 * time.Second)},
		{Status: StatusReleased, Method: MethodCar, CheckedInAt: base, ReleasedAt: at(120)},
		{Status: StatusDismissed, Method: MethodBus, CheckedInAt: base, ReleasedAt: at(240), DismissedAt: at(300)},
		{Status: StatusReleased, Method: MethodWalker, CheckedInAt: base, ReleasedAt: at(0)},
		{Status: StatusHeld, Method: MethodCar, CheckedInAt: base},
	}
	st := computeStats(entries, base.Add(10*time.Minute))
	assert.Equal(t, 6, st.Total)
	assert.Equal(t, 2, st.ByStatus[StatusWaiting])
	assert.Equal(t, 0, st.ByStatus[StatusCalled])
	assert.Equal(t, 2, st.ByStatus[StatusReleased])
	assert.Equal(t, 1, st.ByStatus[StatusDismissed])
	assert.Equal(t, 1, st.ByStatus[StatusHeld])
	assert.InDelta(t, 180.0, st.AverageWaitSec, 0.001)
	assert.InDelta(t, 600.0, st.LongestWaitSec, 0.001)

	empty := computeStats(nil, base)
	assert.Zero(t, empty.AverageWaitSec)
	assert.Len(t, empty.ByStatus, 5)
}

func TestParseAction(t *testing.T) {
	a, err := ParseAction(" Clear-Hold ")
	require.NoError(t, err)
	assert.Equal(t, ActionClearHold, a)
	_, err = ParseAction("teleport")
	assert.True(t, errors.Is(err, ErrValidation))
}
