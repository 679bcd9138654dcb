package dismissal

import (
	"context"
	"database/sql"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pkg/errors"
)

const uniqueViolation = "23505"

const sessionColumns = `id, school_id, day::text, status, started_at, updated_at`

const entryColumns = `id, session_id, school_id, student_id, student_name, homeroom_id, grade,
	display_name, method, zone, status, hold_reason, checked_in_at, called_at, released_at,
	dismissed_at, updated_at`

const studentColumns = `s.id, s.school_id, s.first_name, s.last_name, COALESCE(s.homeroom_id, ''),
	COALESCE(h.grade, ''), s.dismissal_type, COALESCE(s.car_number, ''), COALESCE(s.bus_number, ''),
	COALESCE(s.guardian_name, ''), s.active`

const studentFrom = ` FROM students s LEFT JOIN homerooms h ON h.id = s.homeroom_id `

// PostgresRepository persists the queue in Postgres. Rows are scanned by one
// function per table, so every consumer sees the same canonical shape.
type PostgresRepository struct {
	db *sql.DB
}

var _ Repository = (*PostgresRepository)(nil)

// NewPostgresRepository creates a repo.
func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSession(row scanner) (Session, error) {
	var s Session
	err := row.Scan(&s.ID, &s.SchoolID, &s.Day, &s.Status, &s.StartedAt, &s.UpdatedAt)
	return s, err
}

func scanEntry(row scanner) (Entry, error) {
	var e Entry
	err := row.Scan(&e.ID, &e.SessionID, &e.SchoolID, &e.StudentID, &e.StudentName, &e.HomeroomID,
		&e.Grade, &e.DisplayName, &e.Method, &e.Zone, &e.Status, &e.HoldReason, &e.CheckedInAt,
		&e.CalledAt, &e.ReleasedAt, &e.DismissedAt, &e.UpdatedAt)
	return e, err
}

func scanStudent(row scanner) (Student, error) {
	var s Student
	err := row.Scan(&s.ID, &s.SchoolID, &s.FirstName, &s.LastName, &s.HomeroomID, &s.Grade,
		&s.DismissalType, &s.CarNumber, &s.BusNumber, &s.GuardianName, &s.Active)
	return s, err
}

func scanZone(row scanner) (Zone, error) {
	var z Zone
	err := row.Scan(&z.ID, &z.SchoolID, &z.Name, &z.SortOrder, &z.Active)
	return z, err
}

// trapNoRows maps "no rows" to ErrNotFound.
func trapNoRows(err error, msg string) error {
	if errors.Is(err, sql.ErrNoRows) {
		return errors.Wrap(ErrNotFound, msg)
	}
	return errors.Wrap(err, msg)
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

func statusStrings(statuses []Status) []string {
	out := make([]string, 0, len(statuses))
	for _, s := range statuses {
		out = append(out, string(s))
	}
	return out
}

func placeholder(n int) string { return "$" + strconv.Itoa(n) }

// GetOrCreateSession inserts the (school, day) row unless another request won
// the race, in which case the existing row is read back.
func (r *PostgresRepository) GetOrCreateSession(ctx context.Context, schoolID, day string, now time.Time) (Session, error) {
	row := r.db.QueryRowContext(ctx, `
		INSERT INTO dismissal_sessions (id, school_id, day, status, started_at, updated_at)
		VALUES ($1, $2, $3::date, 'active', $4, $4)
		ON CONFLICT (school_id, day) DO NOTHING
		RETURNING `+sessionColumns,
		newID(), schoolID, day, now)
	s, err := scanSession(row)
	if err == nil {
		return s, nil
	}
	if !errors.Is(err, sql.ErrNoRows) && !isUniqueViolation(err) {
		return Session{}, errors.Wrap(err, "creating session")
	}
	row = r.db.QueryRowContext(ctx, `
		SELECT `+sessionColumns+` FROM dismissal_sessions WHERE school_id = $1 AND day = $2::date
	`, schoolID, day)
	s, err = scanSession(row)
	if err != nil {
		return Session{}, trapNoRows(err, "reading session")
	}
	return s, nil
}

func (r *PostgresRepository) GetSession(ctx context.Context, id string) (Session, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM dismissal_sessions WHERE id = $1`, id)
	s, err := scanSession(row)
	if err != nil {
		return Session{}, trapNoRows(err, "getting session")
	}
	return s, nil
}

func (r *PostgresRepository) SetSessionStatus(ctx context.Context, id string, status SessionStatus, now time.Time) (Session, error) {
	row := r.db.QueryRowContext(ctx, `
		UPDATE dismissal_sessions SET status = $2, updated_at = $3
		WHERE id = $1
		RETURNING `+sessionColumns, id, string(status), now)
	s, err := scanSession(row)
	if err != nil {
		return Session{}, trapNoRows(err, "setting session status")
	}
	return s, nil
}

func (r *PostgresRepository) PauseSessionsBefore(ctx context.Context, day string, now time.Time) ([]Session, error) {
	rows, err := r.db.QueryContext(ctx, `
		UPDATE dismissal_sessions SET status = 'paused', updated_at = $2
		WHERE day < $1::date AND status = 'active'
		RETURNING `+sessionColumns, day, now)
	if err != nil {
		return nil, errors.Wrap(err, "pausing stale sessions")
	}
	defer rows.Close()
	var res []Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scanning session")
		}
		res = append(res, s)
	}
	return res, rows.Err()
}

func (r *PostgresRepository) FamilyGroupByCar(ctx context.Context, schoolID, carNumber string) (FamilyGroup, error) {
	var g FamilyGroup
	err := r.db.QueryRowContext(ctx, `
		SELECT id, school_id, car_number, COALESCE(name, '')
		FROM family_groups WHERE school_id = $1 AND car_number = $2
	`, schoolID, carNumber).Scan(&g.ID, &g.SchoolID, &g.CarNumber, &g.Name)
	if err != nil {
		return FamilyGroup{}, trapNoRows(err, "getting family group")
	}

	rows, err := r.db.QueryContext(ctx, `
		SELECT student_id FROM family_group_members WHERE group_id = $1 ORDER BY student_id
	`, g.ID)
	if err != nil {
		return FamilyGroup{}, errors.Wrap(err, "listing family group members")
	}
	defer rows.Close()
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return FamilyGroup{}, errors.Wrap(err, "scanning member")
		}
		g.StudentIDs = append(g.StudentIDs, id)
	}
	return g, rows.Err()
}

func (r *PostgresRepository) queryStudents(ctx context.Context, where string, args ...any) ([]Student, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+studentColumns+studentFrom+`WHERE s.active AND `+where+
		` ORDER BY s.last_name, s.first_name, s.id`, args...)
	if err != nil {
		return nil, errors.Wrap(err, "listing students")
	}
	defer rows.Close()
	var res []Student
	for rows.Next() {
		s, err := scanStudent(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scanning student")
		}
		res = append(res, s)
	}
	return res, rows.Err()
}

func (r *PostgresRepository) StudentsByIDs(ctx context.Context, schoolID string, ids []string) ([]Student, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	return r.queryStudents(ctx, `s.school_id = $1 AND s.id = ANY($2)`, schoolID, ids)
}

func (r *PostgresRepository) StudentsByCar(ctx context.Context, schoolID, carNumber string) ([]Student, error) {
	return r.queryStudents(ctx, `s.school_id = $1 AND s.car_number = $2`, schoolID, carNumber)
}

func (r *PostgresRepository) StudentsByBus(ctx context.Context, schoolID, busNumber string) ([]Student, error) {
	return r.queryStudents(ctx, `s.school_id = $1 AND s.bus_number = $2`, schoolID, busNumber)
}

func (r *PostgresRepository) Walkers(ctx context.Context, schoolID string, filter WalkerFilter) ([]Student, error) {
	where := `s.school_id = $1 AND s.dismissal_type = 'walker'`
	switch filter.Type {
	case "":
		return r.queryStudents(ctx, where, schoolID)
	case FilterGrade:
		return r.queryStudents(ctx, where+` AND h.grade = ANY($2)`, schoolID, filter.Values)
	case FilterHomeroom:
		return r.queryStudents(ctx, where+` AND s.homeroom_id = ANY($2)`, schoolID, filter.Values)
	}
	return nil, validationError("filter_type", "must be grade or homeroom")
}

func (r *PostgresRepository) ListZones(ctx context.Context, schoolID string) ([]Zone, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, school_id, name, sort_order, active FROM pickup_zones
		WHERE school_id = $1 ORDER BY sort_order, name
	`, schoolID)
	if err != nil {
		return nil, errors.Wrap(err, "listing zones")
	}
	defer rows.Close()
	var res []Zone
	for rows.Next() {
		z, err := scanZone(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scanning zone")
		}
		res = append(res, z)
	}
	return res, rows.Err()
}

func (r *PostgresRepository) ZoneByName(ctx context.Context, schoolID, name string) (Zone, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, school_id, name, sort_order, active FROM pickup_zones WHERE school_id = $1 AND name = $2
	`, schoolID, name)
	z, err := scanZone(row)
	if err != nil {
		return Zone{}, trapNoRows(err, "getting zone")
	}
	return z, nil
}

func (r *PostgresRepository) CreateZone(ctx context.Context, z Zone) (Zone, error) {
	if z.ID == "" {
		z.ID = newID()
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO pickup_zones (id, school_id, name, sort_order, active) VALUES ($1, $2, $3, $4, $5)
	`, z.ID, z.SchoolID, z.Name, z.SortOrder, z.Active)
	if isUniqueViolation(err) {
		return Zone{}, errors.Wrapf(ErrConflict, "zone %q", z.Name)
	}
	if err != nil {
		return Zone{}, errors.Wrap(err, "creating zone")
	}
	return z, nil
}

func (r *PostgresRepository) UpdateZone(ctx context.Context, z Zone) (Zone, error) {
	row := r.db.QueryRowContext(ctx, `
		UPDATE pickup_zones SET name = $3, sort_order = $4, active = $5
		WHERE id = $1 AND school_id = $2
		RETURNING id, school_id, name, sort_order, active
	`, z.ID, z.SchoolID, z.Name, z.SortOrder, z.Active)
	updated, err := scanZone(row)
	if isUniqueViolation(err) {
		return Zone{}, errors.Wrapf(ErrConflict, "zone %q", z.Name)
	}
	if err != nil {
		return Zone{}, trapNoRows(err, "updating zone")
	}
	return updated, nil
}

// InsertEntries relies on the partial unique index over open statuses: a
// concurrent check-in of the same student blocks on the index and then does
// nothing, so exactly one request creates the entry.
func (r *PostgresRepository) InsertEntries(ctx context.Context, entries []Entry) ([]Entry, error) {
	if len(entries) == 0 {
		return nil, nil
	}
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, errors.Wrap(err, "beginning check-in")
	}
	defer func() { _ = tx.Rollback() }()

	sessionID := entries[0].SessionID
	studentIDs := make([]string, 0, len(entries))
	for _, e := range entries {
		studentIDs = append(studentIDs, e.StudentID)
	}
	// Lock the students' existing rows first. A dismiss in flight on one of
	// them commits before this returns, and none can start until we commit.
	dismissed := make(map[string]bool)
	rows, err := tx.QueryContext(ctx, `
		SELECT student_id, status FROM queue_entries
		WHERE session_id = $1 AND student_id = ANY($2) AND status <> 'removed'
		ORDER BY id
		FOR UPDATE
	`, sessionID, studentIDs)
	if err != nil {
		return nil, errors.Wrap(err, "locking student entries")
	}
	for rows.Next() {
		var id, status string
		if err := rows.Scan(&id, &status); err != nil {
			rows.Close()
			return nil, errors.Wrap(err, "scanning student entry")
		}
		if Status(status) == StatusDismissed {
			dismissed[id] = true
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "locking student entries")
	}

	var created []Entry
	for _, e := range entries {
		if dismissed[e.StudentID] {
			continue
		}
		if e.ID == "" {
			e.ID = newID()
		}
		e.UpdatedAt = e.CheckedInAt
		res, err := tx.ExecContext(ctx, `
			INSERT INTO queue_entries (id, session_id, school_id, student_id, student_name, homeroom_id, grade,
				display_name, method, zone, status, hold_reason, checked_in_at, called_at, released_at,
				dismissed_at, updated_at)
			SELECT $1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12,
				$13::timestamptz, $14::timestamptz, $15::timestamptz, $16::timestamptz, $17::timestamptz
			WHERE NOT EXISTS (
				SELECT 1 FROM queue_entries d
				WHERE d.session_id = $2 AND d.student_id = $4 AND d.status = 'dismissed'
			)
			ON CONFLICT (session_id, student_id) WHERE status IN ('waiting', 'called', 'released', 'held')
			DO NOTHING
		`, e.ID, e.SessionID, e.SchoolID, e.StudentID, e.StudentName, e.HomeroomID, e.Grade,
			e.DisplayName, string(e.Method), e.Zone, string(e.Status), e.HoldReason, e.CheckedInAt,
			e.CalledAt, e.ReleasedAt, e.DismissedAt, e.UpdatedAt)
		if err != nil {
			return nil, errors.Wrap(err, "inserting entry")
		}
		if n, _ := res.RowsAffected(); n == 1 {
			created = append(created, e)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, errors.Wrap(err, "committing check-in")
	}
	return created, nil
}

func (r *PostgresRepository) GetEntry(ctx context.Context, id string) (Entry, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+entryColumns+` FROM queue_entries WHERE id = $1`, id)
	e, err := scanEntry(row)
	if err != nil {
		return Entry{}, trapNoRows(err, "getting entry")
	}
	return e, nil
}

func (r *PostgresRepository) ListEntries(ctx context.Context, sessionID string, filter EntryFilter) ([]Entry, error) {
	args := []any{sessionID}
	clauses := []string{"session_id = $1", "status <> 'removed'"}
	if filter.HomeroomID != "" {
		args = append(args, filter.HomeroomID)
		clauses = append(clauses, "homeroom_id = "+placeholder(len(args)))
	}
	if len(filter.Statuses) > 0 {
		args = append(args, statusStrings(filter.Statuses))
		clauses = append(clauses, "status = ANY("+placeholder(len(args))+")")
	}
	if filter.Method != "" {
		args = append(args, string(filter.Method))
		clauses = append(clauses, "method = "+placeholder(len(args)))
	}
	if filter.StudentIDs != nil {
		args = append(args, filter.StudentIDs)
		clauses = append(clauses, "student_id = ANY("+placeholder(len(args))+")")
	}
	query := `SELECT ` + entryColumns + ` FROM queue_entries WHERE ` + strings.Join(clauses, " AND ") +
		` ORDER BY checked_in_at, student_name, id`

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "listing entries")
	}
	defer rows.Close()
	var res []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scanning entry")
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// MoveEntry is a single compare-and-set UPDATE, so concurrent writers of the
// same entry serialise on the row and the loser sees the winner's status.
func (r *PostgresRepository) MoveEntry(ctx context.Context, id string, m Move) (Entry, bool, error) {
	row := r.db.QueryRowContext(ctx, `
		UPDATE queue_entries SET
			status       = $2::text,
			zone         = COALESCE($3::text, zone),
			hold_reason  = CASE WHEN $2::text = 'held' THEN $4::text WHEN $2::text = 'waiting' THEN NULL ELSE hold_reason END,
			called_at    = CASE WHEN $2::text = 'called' THEN $5::timestamptz ELSE called_at END,
			released_at  = CASE WHEN $2::text = 'released' THEN $5::timestamptz ELSE released_at END,
			dismissed_at = CASE WHEN $2::text = 'dismissed' THEN $5::timestamptz ELSE dismissed_at END,
			updated_at   = $5::timestamptz
		WHERE id = $1 AND status = ANY($6)
		RETURNING `+entryColumns,
		id, string(m.To), m.Zone, m.HoldReason, m.At, statusStrings(m.From))
	e, err := scanEntry(row)
	if err == nil {
		return e, true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return Entry{}, false, errors.Wrap(err, "moving entry")
	}
	current, err := r.GetEntry(ctx, id)
	if err != nil {
		return Entry{}, false, err
	}
	return current, false, nil
}

func (r *PostgresRepository) CallNext(ctx context.Context, sessionID string, n int, zone *string, at time.Time) ([]Entry, error) {
	rows, err := r.db.QueryContext(ctx, `
		UPDATE queue_entries SET status = 'called', zone = COALESCE($3::text, zone), called_at = $4, updated_at = $4
		WHERE id IN (
			SELECT id FROM queue_entries
			WHERE session_id = $1 AND status = 'waiting'
			ORDER BY checked_in_at, id
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+entryColumns, sessionID, n, zone, at)
	if err != nil {
		return nil, errors.Wrap(err, "calling next entries")
	}
	defer rows.Close()
	var res []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scanning entry")
		}
		res = append(res, e)
	}
	sort.SliceStable(res, func(i, j int) bool { return res[i].CheckedInAt.Before(res[j].CheckedInAt) })
	return res, rows.Err()
}

func (r *PostgresRepository) RemoveOpen(ctx context.Context, sessionID string, at time.Time) ([]Entry, error) {
	rows, err := r.db.QueryContext(ctx, `
		UPDATE queue_entries SET status = 'removed', updated_at = $2
		WHERE session_id = $1 AND status = ANY($3)
		RETURNING `+entryColumns, sessionID, at, statusStrings(OpenStatuses))
	if err != nil {
		return nil, errors.Wrap(err, "resetting queue")
	}
	defer rows.Close()
	var res []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scanning entry")
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

func (r *PostgresRepository) CountOpen(ctx context.Context, sessionID string) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM queue_entries WHERE session_id = $1 AND status = ANY($2)
	`, sessionID, statusStrings(OpenStatuses)).Scan(&n)
	if err != nil {
		return 0, errors.Wrap(err, "counting open entries")
	}
	return n, nil
}
