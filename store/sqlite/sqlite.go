/*
Package sqlite provides a SQLite-backed implementation of studio.TxStore.

PURPOSE:
  Persists bookings, occurrences, registrations, price rules and
  settlements. In production the same patterns apply to PostgreSQL with
  minor SQL dialect differences.

KEY TABLES:
  bookings:          1:1 sessions (soft-cancelled, never deleted)
  occurrences:       Dated group-class instances
  registrations:     Seat claims; seq is the FIFO tie-breaker
  price_rules:       Fee definitions per tier and scope
  settlements:       Settlement headers with the policy snapshot
  settlement_items:  Insert-only settlement lines
  settlement_runs:   Background generation bookkeeping

INDEXES:
  - idx_settlement_items_session: UNIQUE(session_kind, session_id).
    A session can be held by at most one settlement. A concurrent
    generation that loses the race fails at commit time with
    ErrConcurrentModification instead of double-billing.
  - idx_registrations_active_client: at most one non-cancelled
    registration per (occurrence, client)
  - idx_bookings_instructor_start / idx_occurrences_instructor_start:
    overlap and settlement window scans (hot path)

CONCURRENCY:
  The pool is capped at one connection and transactions are opened with
  BEGIN IMMEDIATE (_txlock=immediate), so WithTx is serial. Every
  check-then-act in the engine runs inside WithTx.

TIME STORAGE:
  Timestamps are stored as fixed-width UTC text (nanosecond precision),
  so lexical comparison in SQL is chronological comparison.

USAGE:
  store, err := sqlite.New("./data/studio.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

MIGRATION:
  Schema is auto-migrated on New(). For production, use a proper
  migration tool with versioned migrations.

SEE ALSO:
  - studio/store.go: Interface definitions
  - studio/store/memory.go: In-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"github.com/warp/studio-engine/studio"
)

const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// dbtx is satisfied by *sql.DB and *sql.Tx.
type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// queries implements studio.Store over either the pool or an open transaction.
type queries struct {
	db dbtx
}

// Store implements studio.TxStore using SQLite.
type Store struct {
	queries
	conn *sql.DB
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL&_txlock=immediate&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One connection: serial transactions, and ":memory:" stays one database.
	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(0)

	store := &Store{queries: queries{db: db}, conn: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.conn.Close()
}

// Ping verifies the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.conn.PingContext(ctx)
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS instructors (
		id TEXT PRIMARY KEY,
		site_id TEXT NOT NULL DEFAULT '',
		name TEXT NOT NULL,
		active BOOLEAN NOT NULL DEFAULT TRUE
	);

	CREATE TABLE IF NOT EXISTS resources (
		id TEXT PRIMARY KEY,
		site_id TEXT NOT NULL DEFAULT '',
		name TEXT NOT NULL
	);

	-- 1:1 bookings (soft-cancelled only)
	CREATE TABLE IF NOT EXISTS bookings (
		id TEXT PRIMARY KEY,
		instructor_id TEXT NOT NULL,
		client_id TEXT NOT NULL,
		resource_id TEXT NOT NULL DEFAULT '',
		template_id TEXT NOT NULL DEFAULT '',
		start_at TEXT NOT NULL,
		end_at TEXT NOT NULL,
		status TEXT NOT NULL,
		attendance TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL,
		cancelled_at TEXT,
		checked_in_at TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_bookings_instructor_start
		ON bookings(instructor_id, start_at);
	CREATE INDEX IF NOT EXISTS idx_bookings_resource_start
		ON bookings(resource_id, start_at);

	-- Group class occurrences
	CREATE TABLE IF NOT EXISTS occurrences (
		id TEXT PRIMARY KEY,
		template_id TEXT NOT NULL,
		instructor_id TEXT NOT NULL,
		resource_id TEXT NOT NULL DEFAULT '',
		start_at TEXT NOT NULL,
		end_at TEXT NOT NULL,
		capacity INTEGER NOT NULL,
		status TEXT NOT NULL,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_occurrences_instructor_start
		ON occurrences(instructor_id, start_at);
	CREATE INDEX IF NOT EXISTS idx_occurrences_resource_start
		ON occurrences(resource_id, start_at);

	-- Registrations: seq gives FIFO order among equal booked_at
	CREATE TABLE IF NOT EXISTS registrations (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		occurrence_id TEXT NOT NULL REFERENCES occurrences(id),
		client_id TEXT NOT NULL,
		status TEXT NOT NULL,
		booked_at TEXT NOT NULL,
		cancelled_at TEXT,
		cancelled_from TEXT NOT NULL DEFAULT '',
		checked_in_at TEXT,
		promoted_at TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_registrations_occurrence
		ON registrations(occurrence_id, booked_at, seq);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_registrations_active_client
		ON registrations(occurrence_id, client_id)
		WHERE status != 'cancelled';

	-- Price rules
	CREATE TABLE IF NOT EXISTS price_rules (
		id TEXT PRIMARY KEY,
		tier TEXT NOT NULL,
		client_id TEXT NOT NULL DEFAULT '',
		occurrence_id TEXT NOT NULL DEFAULT '',
		template_id TEXT NOT NULL DEFAULT '',
		entry_fee TEXT NOT NULL,
		trainer_fee TEXT NOT NULL,
		currency TEXT NOT NULL,
		valid_from TEXT NOT NULL,
		valid_until TEXT,
		active BOOLEAN NOT NULL DEFAULT TRUE,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_price_rules_scope
		ON price_rules(tier, client_id, occurrence_id, template_id);

	-- Settlements
	CREATE TABLE IF NOT EXISTS settlements (
		id TEXT PRIMARY KEY,
		instructor_id TEXT NOT NULL,
		period_start TEXT NOT NULL,
		period_end TEXT NOT NULL,
		status TEXT NOT NULL,
		currency TEXT NOT NULL DEFAULT '',
		total_entry_fee TEXT NOT NULL,
		total_trainer_fee TEXT NOT NULL,
		policy_json TEXT NOT NULL,
		created_at TEXT NOT NULL,
		finalized_at TEXT,
		paid_at TEXT,
		payment_ref TEXT NOT NULL DEFAULT ''
	);

	CREATE INDEX IF NOT EXISTS idx_settlements_instructor
		ON settlements(instructor_id, period_start);
	CREATE INDEX IF NOT EXISTS idx_settlements_status
		ON settlements(status);

	-- Settlement items (insert-only)
	CREATE TABLE IF NOT EXISTS settlement_items (
		id TEXT PRIMARY KEY,
		settlement_id TEXT NOT NULL REFERENCES settlements(id) ON DELETE CASCADE,
		session_kind TEXT NOT NULL,
		session_id TEXT NOT NULL,
		occurrence_id TEXT NOT NULL DEFAULT '',
		client_id TEXT NOT NULL,
		session_start TEXT NOT NULL,
		entry_fee TEXT NOT NULL,
		trainer_fee TEXT NOT NULL,
		currency TEXT NOT NULL,
		outcome TEXT NOT NULL,
		price_source TEXT NOT NULL,
		price_rule_id TEXT NOT NULL,
		created_at TEXT NOT NULL
	);

	-- CRITICAL: a session is settled at most once, across all settlements
	CREATE UNIQUE INDEX IF NOT EXISTS idx_settlement_items_session
		ON settlement_items(session_kind, session_id);
	CREATE INDEX IF NOT EXISTS idx_settlement_items_settlement
		ON settlement_items(settlement_id, session_start);

	-- Settlement runs (background generation)
	CREATE TABLE IF NOT EXISTS settlement_runs (
		id TEXT PRIMARY KEY,
		instructor_id TEXT NOT NULL,
		period_start TEXT NOT NULL,
		period_end TEXT NOT NULL,
		status TEXT NOT NULL,
		attempts INTEGER NOT NULL DEFAULT 0,
		settlement_id TEXT NOT NULL DEFAULT '',
		missing_count INTEGER NOT NULL DEFAULT 0,
		error TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL,
		started_at TEXT,
		completed_at TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_settlement_runs_status
		ON settlement_runs(status, created_at);
	`

	_, err := s.conn.Exec(schema)
	return err
}

// =============================================================================
// TRANSACTIONAL STORE (studio.TxStore interface)
// =============================================================================

// WithTx executes a function within a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(store studio.Store) error) error {
	sqlTx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(queries{db: sqlTx}); err != nil {
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// =============================================================================
// SESSIONS (studio.SessionFinder)
// =============================================================================

func (q queries) ActiveSessionsOverlapping(ctx context.Context, resource studio.ResourceID, instructor studio.InstructorID, iv studio.Interval) ([]studio.SessionSlot, error) {
	query := `
		SELECT 'booking', id, resource_id, instructor_id, start_at, end_at
		FROM bookings
		WHERE status != 'cancelled'
		  AND start_at < ? AND ? < end_at
		  AND ((? != '' AND resource_id = ?) OR (? != '' AND instructor_id = ?))
		UNION ALL
		SELECT 'occurrence', id, resource_id, instructor_id, start_at, end_at
		FROM occurrences
		WHERE status != 'cancelled'
		  AND start_at < ? AND ? < end_at
		  AND ((? != '' AND resource_id = ?) OR (? != '' AND instructor_id = ?))
		ORDER BY 5, 1, 2
	`
	end, start := formatTime(iv.End), formatTime(iv.Start)
	r, in := string(resource), string(instructor)
	rows, err := q.db.QueryContext(ctx, query,
		end, start, r, r, in, in,
		end, start, r, r, in, in,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query sessions: %w", err)
	}
	defer rows.Close()

	var out []studio.SessionSlot
	for rows.Next() {
		var (
			slot           studio.SessionSlot
			kind, id       string
			startAt, endAt string
			resID, instrID string
		)
		if err := rows.Scan(&kind, &id, &resID, &instrID, &startAt, &endAt); err != nil {
			return nil, err
		}
		slot.Ref = studio.SessionRef{Kind: studio.SessionKind(kind), ID: id}
		slot.ResourceID = studio.ResourceID(resID)
		slot.InstructorID = studio.InstructorID(instrID)
		if slot.Interval.Start, err = parseTime(startAt); err != nil {
			return nil, err
		}
		if slot.Interval.End, err = parseTime(endAt); err != nil {
			return nil, err
		}
		out = append(out, slot)
	}
	return out, rows.Err()
}

// =============================================================================
// BOOKINGS
// =============================================================================

const bookingColumns = `id, instructor_id, client_id, resource_id, template_id, start_at, end_at,
	status, attendance, created_at, cancelled_at, checked_in_at`

func (q queries) SaveBooking(ctx context.Context, b studio.Booking) error {
	query := `
		INSERT INTO bookings (` + bookingColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			attendance = excluded.attendance,
			cancelled_at = excluded.cancelled_at,
			checked_in_at = excluded.checked_in_at
	`
	_, err := q.db.ExecContext(ctx, query,
		b.ID, b.InstructorID, b.ClientID, b.ResourceID, b.TemplateID,
		formatTime(b.Start), formatTime(b.End),
		b.Status, b.Attendance, formatTime(b.CreatedAt),
		nullTime(b.CancelledAt), nullTime(b.CheckedInAt),
	)
	if err != nil {
		return fmt.Errorf("failed to save booking: %w", err)
	}
	return nil
}

func (q queries) GetBooking(ctx context.Context, id studio.BookingID) (studio.Booking, error) {
	row := q.db.QueryRowContext(ctx, `SELECT `+bookingColumns+` FROM bookings WHERE id = ?`, id)
	b, err := scanBooking(row)
	if errors.Is(err, sql.ErrNoRows) {
		return studio.Booking{}, studio.NotFoundError("booking", string(id))
	}
	return b, err
}

func (q queries) BookingsForInstructor(ctx context.Context, instructor studio.InstructorID, iv studio.Interval) ([]studio.Booking, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT `+bookingColumns+` FROM bookings
		WHERE instructor_id = ? AND start_at < ? AND ? < end_at
		ORDER BY start_at ASC, id ASC
	`, instructor, formatTime(iv.End), formatTime(iv.Start))
	if err != nil {
		return nil, fmt.Errorf("failed to query bookings: %w", err)
	}
	defer rows.Close()

	var out []studio.Booking
	for rows.Next() {
		b, err := scanBooking(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func scanBooking(sc scanner) (studio.Booking, error) {
	var (
		b                         studio.Booking
		startAt, endAt, createdAt string
		cancelledAt, checkedInAt  sql.NullString
	)
	err := sc.Scan(&b.ID, &b.InstructorID, &b.ClientID, &b.ResourceID, &b.TemplateID,
		&startAt, &endAt, &b.Status, &b.Attendance, &createdAt, &cancelledAt, &checkedInAt)
	if err != nil {
		return studio.Booking{}, err
	}
	t := timeParser{}
	b.Start = t.parse(startAt)
	b.End = t.parse(endAt)
	b.CreatedAt = t.parse(createdAt)
	b.CancelledAt = t.parseNull(cancelledAt)
	b.CheckedInAt = t.parseNull(checkedInAt)
	return b, t.err
}

// =============================================================================
// OCCURRENCES
// =============================================================================

const occurrenceColumns = `id, template_id, instructor_id, resource_id, start_at, end_at, capacity, status, created_at`

func (q queries) SaveOccurrence(ctx context.Context, o studio.ClassOccurrence) error {
	query := `
		INSERT INTO occurrences (` + occurrenceColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			capacity = excluded.capacity,
			status = excluded.status
	`
	_, err := q.db.ExecContext(ctx, query,
		o.ID, o.TemplateID, o.InstructorID, o.ResourceID,
		formatTime(o.Start), formatTime(o.End), o.Capacity, o.Status, formatTime(o.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to save occurrence: %w", err)
	}
	return nil
}

func (q queries) GetOccurrence(ctx context.Context, id studio.OccurrenceID) (studio.ClassOccurrence, error) {
	row := q.db.QueryRowContext(ctx, `SELECT `+occurrenceColumns+` FROM occurrences WHERE id = ?`, id)
	o, err := scanOccurrence(row)
	if errors.Is(err, sql.ErrNoRows) {
		return studio.ClassOccurrence{}, studio.NotFoundError("occurrence", string(id))
	}
	return o, err
}

func (q queries) OccurrencesForInstructor(ctx context.Context, instructor studio.InstructorID, iv studio.Interval) ([]studio.ClassOccurrence, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT `+occurrenceColumns+` FROM occurrences
		WHERE instructor_id = ? AND start_at < ? AND ? < end_at
		ORDER BY start_at ASC, id ASC
	`, instructor, formatTime(iv.End), formatTime(iv.Start))
	if err != nil {
		return nil, fmt.Errorf("failed to query occurrences: %w", err)
	}
	defer rows.Close()

	var out []studio.ClassOccurrence
	for rows.Next() {
		o, err := scanOccurrence(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

func scanOccurrence(sc scanner) (studio.ClassOccurrence, error) {
	var (
		o                         studio.ClassOccurrence
		startAt, endAt, createdAt string
	)
	err := sc.Scan(&o.ID, &o.TemplateID, &o.InstructorID, &o.ResourceID,
		&startAt, &endAt, &o.Capacity, &o.Status, &createdAt)
	if err != nil {
		return studio.ClassOccurrence{}, err
	}
	t := timeParser{}
	o.Start = t.parse(startAt)
	o.End = t.parse(endAt)
	o.CreatedAt = t.parse(createdAt)
	return o, t.err
}

// =============================================================================
// REFERENCE DATA
// =============================================================================

func (q queries) SaveInstructor(ctx context.Context, in studio.Instructor) error {
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO instructors (id, site_id, name, active) VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET site_id = excluded.site_id, name = excluded.name, active = excluded.active
	`, in.ID, in.SiteID, in.Name, in.Active)
	if err != nil {
		return fmt.Errorf("failed to save instructor: %w", err)
	}
	return nil
}

func (q queries) ListInstructors(ctx context.Context, activeOnly bool) ([]studio.Instructor, error) {
	query := `SELECT id, site_id, name, active FROM instructors`
	if activeOnly {
		query += ` WHERE active = TRUE`
	}
	query += ` ORDER BY id ASC`

	rows, err := q.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query instructors: %w", err)
	}
	defer rows.Close()

	var out []studio.Instructor
	for rows.Next() {
		var in studio.Instructor
		if err := rows.Scan(&in.ID, &in.SiteID, &in.Name, &in.Active); err != nil {
			return nil, err
		}
		out = append(out, in)
	}
	return out, rows.Err()
}

func (q queries) SaveResource(ctx context.Context, r studio.Resource) error {
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO resources (id, site_id, name) VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET site_id = excluded.site_id, name = excluded.name
	`, r.ID, r.SiteID, r.Name)
	if err != nil {
		return fmt.Errorf("failed to save resource: %w", err)
	}
	return nil
}

// =============================================================================
// REGISTRATIONS
// =============================================================================

const registrationColumns = `seq, id, occurrence_id, client_id, status, booked_at,
	cancelled_at, cancelled_from, checked_in_at, promoted_at`

func (q queries) InsertRegistration(ctx context.Context, r *studio.ClassRegistration) error {
	res, err := q.db.ExecContext(ctx, `
		INSERT INTO registrations
		(id, occurrence_id, client_id, status, booked_at, cancelled_at, cancelled_from, checked_in_at, promoted_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, r.ID, r.OccurrenceID, r.ClientID, r.Status, formatTime(r.BookedAt),
		nullTime(r.CancelledAt), r.CancelledFrom, nullTime(r.CheckedInAt), nullTime(r.PromotedAt))
	if err != nil {
		if isUniqueConstraintError(err) {
			if strings.Contains(err.Error(), "registrations.occurrence_id") {
				return fmt.Errorf("client %s: %w", r.ClientID, studio.ErrAlreadyRegistered)
			}
			return studio.ErrConcurrentModification
		}
		return fmt.Errorf("failed to insert registration: %w", err)
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to read registration seq: %w", err)
	}
	r.Seq = seq
	return nil
}

func (q queries) UpdateRegistration(ctx context.Context, r studio.ClassRegistration) error {
	res, err := q.db.ExecContext(ctx, `
		UPDATE registrations
		SET status = ?, cancelled_at = ?, cancelled_from = ?, checked_in_at = ?, promoted_at = ?
		WHERE id = ?
	`, r.Status, nullTime(r.CancelledAt), r.CancelledFrom, nullTime(r.CheckedInAt), nullTime(r.PromotedAt), r.ID)
	if err != nil {
		return fmt.Errorf("failed to update registration: %w", err)
	}
	return requireRow(res, "registration", string(r.ID))
}

func (q queries) GetRegistration(ctx context.Context, id studio.RegistrationID) (studio.ClassRegistration, error) {
	row := q.db.QueryRowContext(ctx, `SELECT `+registrationColumns+` FROM registrations WHERE id = ?`, id)
	r, err := scanRegistration(row)
	if errors.Is(err, sql.ErrNoRows) {
		return studio.ClassRegistration{}, studio.NotFoundError("registration", string(id))
	}
	return r, err
}

func (q queries) RegistrationsForOccurrence(ctx context.Context, id studio.OccurrenceID) ([]studio.ClassRegistration, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT `+registrationColumns+` FROM registrations
		WHERE occurrence_id = ?
		ORDER BY booked_at ASC, seq ASC
	`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to query registrations: %w", err)
	}
	defer rows.Close()

	var out []studio.ClassRegistration
	for rows.Next() {
		r, err := scanRegistration(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func scanRegistration(sc scanner) (studio.ClassRegistration, error) {
	var (
		r                                    studio.ClassRegistration
		bookedAt                             string
		cancelledAt, checkedInAt, promotedAt sql.NullString
	)
	err := sc.Scan(&r.Seq, &r.ID, &r.OccurrenceID, &r.ClientID, &r.Status, &bookedAt,
		&cancelledAt, &r.CancelledFrom, &checkedInAt, &promotedAt)
	if err != nil {
		return studio.ClassRegistration{}, err
	}
	t := timeParser{}
	r.BookedAt = t.parse(bookedAt)
	r.CancelledAt = t.parseNull(cancelledAt)
	r.CheckedInAt = t.parseNull(checkedInAt)
	r.PromotedAt = t.parseNull(promotedAt)
	return r, t.err
}

// =============================================================================
// PRICE RULES
// =============================================================================

func (q queries) PriceRules(ctx context.Context, scope studio.PriceScope) ([]studio.PriceRule, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT id, tier, client_id, occurrence_id, template_id, entry_fee, trainer_fee, currency,
		       valid_from, valid_until, active, created_at
		FROM price_rules
		WHERE tier = ? AND client_id = ? AND occurrence_id = ? AND template_id = ?
		ORDER BY id ASC
	`, scope.Tier, scope.ClientID, scope.OccurrenceID, scope.TemplateID)
	if err != nil {
		return nil, fmt.Errorf("failed to query price rules: %w", err)
	}
	defer rows.Close()

	var out []studio.PriceRule
	for rows.Next() {
		var (
			r                    studio.PriceRule
			entry, trainer       string
			validFrom, createdAt string
			validUntil           sql.NullString
		)
		if err := rows.Scan(&r.ID, &r.Tier, &r.ClientID, &r.OccurrenceID, &r.TemplateID,
			&entry, &trainer, &r.Fees.Currency, &validFrom, &validUntil, &r.Active, &createdAt); err != nil {
			return nil, err
		}
		if r.Fees.Entry, err = decimal.NewFromString(entry); err != nil {
			return nil, fmt.Errorf("price rule %s: bad entry fee: %w", r.ID, err)
		}
		if r.Fees.Trainer, err = decimal.NewFromString(trainer); err != nil {
			return nil, fmt.Errorf("price rule %s: bad trainer fee: %w", r.ID, err)
		}
		t := timeParser{}
		r.ValidFrom = t.parse(validFrom)
		r.ValidUntil = t.parseNull(validUntil)
		r.CreatedAt = t.parse(createdAt)
		if t.err != nil {
			return nil, t.err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (q queries) SavePriceRule(ctx context.Context, r studio.PriceRule) error {
	r = r.Normalize()
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO price_rules
		(id, tier, client_id, occurrence_id, template_id, entry_fee, trainer_fee, currency,
		 valid_from, valid_until, active, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			tier = excluded.tier,
			client_id = excluded.client_id,
			occurrence_id = excluded.occurrence_id,
			template_id = excluded.template_id,
			entry_fee = excluded.entry_fee,
			trainer_fee = excluded.trainer_fee,
			currency = excluded.currency,
			valid_from = excluded.valid_from,
			valid_until = excluded.valid_until,
			active = excluded.active
	`, r.ID, r.Tier, r.ClientID, r.OccurrenceID, r.TemplateID,
		r.Fees.Entry.String(), r.Fees.Trainer.String(), r.Fees.Currency,
		formatTime(r.ValidFrom), nullTime(r.ValidUntil), r.Active, formatTime(r.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to save price rule: %w", err)
	}
	return nil
}

// =============================================================================
// SETTLEMENTS
// =============================================================================

const settlementColumns = `id, instructor_id, period_start, period_end, status, currency,
	total_entry_fee, total_trainer_fee, policy_json, created_at, finalized_at, paid_at, payment_ref`

const itemColumns = `id, settlement_id, session_kind, session_id, occurrence_id, client_id, session_start,
	entry_fee, trainer_fee, currency, outcome, price_source, price_rule_id, created_at`

func (q queries) InsertSettlement(ctx context.Context, s studio.Settlement) error {
	policyJSON, err := json.Marshal(s.Policy)
	if err != nil {
		return fmt.Errorf("failed to encode policy: %w", err)
	}
	_, err = q.db.ExecContext(ctx, `
		INSERT INTO settlements (`+settlementColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, s.ID, s.InstructorID, formatTime(s.PeriodStart), formatTime(s.PeriodEnd), s.Status, s.Currency,
		s.TotalEntryFee.String(), s.TotalTrainerFee.String(), string(policyJSON), formatTime(s.CreatedAt),
		nullTime(s.FinalizedAt), nullTime(s.PaidAt), s.PaymentRef)
	if err != nil {
		if isUniqueConstraintError(err) {
			return studio.ErrConcurrentModification
		}
		return fmt.Errorf("failed to insert settlement: %w", err)
	}

	for _, it := range s.Items {
		_, err := q.db.ExecContext(ctx, `
			INSERT INTO settlement_items (`+itemColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, it.ID, s.ID, it.Session.Kind, it.Session.ID, it.OccurrenceID, it.ClientID, formatTime(it.SessionStart),
			it.EntryFee.String(), it.TrainerFee.String(), it.Currency, it.Outcome, it.PriceSource, it.PriceRuleID,
			formatTime(it.CreatedAt))
		if err != nil {
			if isUniqueConstraintError(err) {
				return fmt.Errorf("session %s already settled: %w", it.Session, studio.ErrConcurrentModification)
			}
			return fmt.Errorf("failed to insert settlement item: %w", err)
		}
	}
	return nil
}

func (q queries) GetSettlement(ctx context.Context, id studio.SettlementID) (studio.Settlement, error) {
	row := q.db.QueryRowContext(ctx, `SELECT `+settlementColumns+` FROM settlements WHERE id = ?`, id)
	s, err := scanSettlement(row)
	if errors.Is(err, sql.ErrNoRows) {
		return studio.Settlement{}, studio.NotFoundError("settlement", string(id))
	}
	if err != nil {
		return studio.Settlement{}, err
	}
	s.Items, err = q.settlementItems(ctx, id)
	return s, err
}

func (q queries) ListSettlements(ctx context.Context, f studio.SettlementFilter) ([]studio.Settlement, error) {
	query := `SELECT ` + settlementColumns + ` FROM settlements WHERE 1 = 1`
	var args []any
	if f.InstructorID != "" {
		query += ` AND instructor_id = ?`
		args = append(args, f.InstructorID)
	}
	if f.Status != "" {
		query += ` AND status = ?`
		args = append(args, f.Status)
	}
	query += ` ORDER BY period_start DESC, id ASC`

	rows, err := q.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query settlements: %w", err)
	}
	var out []studio.Settlement
	for rows.Next() {
		s, err := scanSettlement(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		out = append(out, s)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Items are loaded after the header cursor is closed: the pool has one connection.
	for i := range out {
		if out[i].Items, err = q.settlementItems(ctx, out[i].ID); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (q queries) UpdateSettlementHeader(ctx context.Context, s studio.Settlement) error {
	res, err := q.db.ExecContext(ctx, `
		UPDATE settlements
		SET status = ?, currency = ?, total_entry_fee = ?, total_trainer_fee = ?,
		    finalized_at = ?, paid_at = ?, payment_ref = ?
		WHERE id = ?
	`, s.Status, s.Currency, s.TotalEntryFee.String(), s.TotalTrainerFee.String(),
		nullTime(s.FinalizedAt), nullTime(s.PaidAt), s.PaymentRef, s.ID)
	if err != nil {
		return fmt.Errorf("failed to update settlement: %w", err)
	}
	return requireRow(res, "settlement", string(s.ID))
}

// DeleteSettlement removes the header; items go with it (ON DELETE CASCADE).
func (q queries) DeleteSettlement(ctx context.Context, id studio.SettlementID) error {
	res, err := q.db.ExecContext(ctx, `DELETE FROM settlements WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete settlement: %w", err)
	}
	return requireRow(res, "settlement", string(id))
}

func (q queries) DeleteSettlementItem(ctx context.Context, id studio.SettlementID, itemID studio.SettlementItemID) error {
	res, err := q.db.ExecContext(ctx, `DELETE FROM settlement_items WHERE settlement_id = ? AND id = ?`, id, itemID)
	if err != nil {
		return fmt.Errorf("failed to delete settlement item: %w", err)
	}
	return requireRow(res, "settlement item", string(itemID))
}

func (q queries) SettledSessions(ctx context.Context, refs []studio.SessionRef) (map[studio.SessionRef]studio.SettlementID, error) {
	out := make(map[studio.SessionRef]studio.SettlementID)
	for _, ref := range refs {
		var id string
		err := q.db.QueryRowContext(ctx,
			`SELECT settlement_id FROM settlement_items WHERE session_kind = ? AND session_id = ?`,
			ref.Kind, ref.ID,
		).Scan(&id)
		if errors.Is(err, sql.ErrNoRows) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to query settled sessions: %w", err)
		}
		out[ref] = studio.SettlementID(id)
	}
	return out, nil
}

func (q queries) settlementItems(ctx context.Context, id studio.SettlementID) ([]studio.SettlementItem, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT `+itemColumns+` FROM settlement_items
		WHERE settlement_id = ?
		ORDER BY session_start ASC, id ASC
	`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to query settlement items: %w", err)
	}
	defer rows.Close()

	var out []studio.SettlementItem
	for rows.Next() {
		var (
			it                      studio.SettlementItem
			kind, sessionID         string
			sessionStart, createdAt string
			entry, trainer          string
		)
		if err := rows.Scan(&it.ID, &it.SettlementID, &kind, &sessionID, &it.OccurrenceID, &it.ClientID,
			&sessionStart, &entry, &trainer, &it.Currency, &it.Outcome, &it.PriceSource, &it.PriceRuleID,
			&createdAt); err != nil {
			return nil, err
		}
		it.Session = studio.SessionRef{Kind: studio.SessionKind(kind), ID: sessionID}
		if it.EntryFee, err = decimal.NewFromString(entry); err != nil {
			return nil, err
		}
		if it.TrainerFee, err = decimal.NewFromString(trainer); err != nil {
			return nil, err
		}
		t := timeParser{}
		it.SessionStart = t.parse(sessionStart)
		it.CreatedAt = t.parse(createdAt)
		if t.err != nil {
			return nil, t.err
		}
		out = append(out, it)
	}
	return out, rows.Err()
}

func scanSettlement(sc scanner) (studio.Settlement, error) {
	var (
		s                                 studio.Settlement
		periodStart, periodEnd, createdAt string
		totalEntry, totalTrainer, policy  string
		finalizedAt, paidAt               sql.NullString
	)
	err := sc.Scan(&s.ID, &s.InstructorID, &periodStart, &periodEnd, &s.Status, &s.Currency,
		&totalEntry, &totalTrainer, &policy, &createdAt, &finalizedAt, &paidAt, &s.PaymentRef)
	if err != nil {
		return studio.Settlement{}, err
	}
	if s.TotalEntryFee, err = decimal.NewFromString(totalEntry); err != nil {
		return studio.Settlement{}, err
	}
	if s.TotalTrainerFee, err = decimal.NewFromString(totalTrainer); err != nil {
		return studio.Settlement{}, err
	}
	if err := json.Unmarshal([]byte(policy), &s.Policy); err != nil {
		return studio.Settlement{}, fmt.Errorf("settlement %s: bad policy snapshot: %w", s.ID, err)
	}
	t := timeParser{}
	s.PeriodStart = t.parse(periodStart)
	s.PeriodEnd = t.parse(periodEnd)
	s.CreatedAt = t.parse(createdAt)
	s.FinalizedAt = t.parseNull(finalizedAt)
	s.PaidAt = t.parseNull(paidAt)
	return s, t.err
}

// =============================================================================
// SETTLEMENT RUNS
// =============================================================================

const runColumns = `id, instructor_id, period_start, period_end, status, attempts, settlement_id,
	missing_count, error, created_at, started_at, completed_at`

func (q queries) SaveSettlementRun(ctx context.Context, r studio.SettlementRun) error {
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO settlement_runs (`+runColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			attempts = excluded.attempts,
			settlement_id = excluded.settlement_id,
			missing_count = excluded.missing_count,
			error = excluded.error,
			started_at = excluded.started_at,
			completed_at = excluded.completed_at
	`, r.ID, r.InstructorID, formatTime(r.PeriodStart), formatTime(r.PeriodEnd), r.Status, r.Attempts,
		r.SettlementID, r.MissingCount, r.Error, formatTime(r.CreatedAt),
		nullTime(r.StartedAt), nullTime(r.CompletedAt))
	if err != nil {
		return fmt.Errorf("failed to save settlement run: %w", err)
	}
	return nil
}

func (q queries) GetSettlementRun(ctx context.Context, id string) (studio.SettlementRun, error) {
	row := q.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM settlement_runs WHERE id = ?`, id)
	r, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return studio.SettlementRun{}, studio.NotFoundError("settlement run", id)
	}
	return r, err
}

func (q queries) ListSettlementRuns(ctx context.Context, status studio.RunStatus) ([]studio.SettlementRun, error) {
	query := `SELECT ` + runColumns + ` FROM settlement_runs`
	var args []any
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY created_at ASC, id ASC`

	rows, err := q.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query settlement runs: %w", err)
	}
	defer rows.Close()

	var out []studio.SettlementRun
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func scanRun(sc scanner) (studio.SettlementRun, error) {
	var (
		r                                 studio.SettlementRun
		periodStart, periodEnd, createdAt string
		startedAt, completedAt            sql.NullString
	)
	err := sc.Scan(&r.ID, &r.InstructorID, &periodStart, &periodEnd, &r.Status, &r.Attempts,
		&r.SettlementID, &r.MissingCount, &r.Error, &createdAt, &startedAt, &completedAt)
	if err != nil {
		return studio.SettlementRun{}, err
	}
	t := timeParser{}
	r.PeriodStart = t.parse(periodStart)
	r.PeriodEnd = t.parse(periodEnd)
	r.CreatedAt = t.parse(createdAt)
	r.StartedAt = t.parseNull(startedAt)
	r.CompletedAt = t.parseNull(completedAt)
	return r, t.err
}

// =============================================================================
// HELPERS
// =============================================================================

type scanner interface {
	Scan(dest ...any) error
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("bad timestamp %q: %w", s, err)
	}
	return t.UTC(), nil
}

// timeParser keeps the first parse error so scans stay linear.
type timeParser struct {
	err error
}

func (p *timeParser) parse(s string) time.Time {
	t, err := parseTime(s)
	if err != nil && p.err == nil {
		p.err = err
	}
	return t
}

func (p *timeParser) parseNull(s sql.NullString) *time.Time {
	if !s.Valid {
		return nil
	}
	t := p.parse(s.String)
	return &t
}

func requireRow(res sql.Result, entity, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return studio.NotFoundError(entity, id)
	}
	return nil
}

func isUniqueConstraintError(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}

var _ studio.TxStore = (*Store)(nil)
