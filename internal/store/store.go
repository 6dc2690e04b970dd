// Package store implements the durable, ordered Queue Store and its state
// machine over SQLite: an injectable Clock, a fixed "events" table, and
// parameterized SQL, targeting an embedded single-file database — the
// natural fit for an on-device queue.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/kioskops/edge-sdk/internal/kerrors"
)

// State is one node of the event state machine graph in spec §4.4.
type State string

const (
	Pending         State = "PENDING"
	InFlight        State = "IN_FLIGHT"
	Sent            State = "SENT"
	FailedTransient State = "FAILED_TRANSIENT"
	Quarantined     State = "QUARANTINED"
)

// Event mirrors the queue row described in spec §3.
type Event struct {
	ID             string
	IdempotencyKey string
	Type           string
	PayloadBlob    []byte
	Encoding       string
	KeyVersion     int
	CreatedMs      int64
	UpdatedMs      int64
	State          State
	Attempts       int
	NextVisibleMs  int64
	LastError      string
}

// Clock is injectable for deterministic tests.
type Clock func() time.Time

// Store is a SQLite-backed Queue Store. Safe for concurrent use; database/sql
// pools connections and SQLite's own locking serializes writers.
type Store struct {
	db    *sql.DB
	clock Clock
}

// Open opens (creating if absent) the SQLite database at path and ensures schema.
func Open(path string, clock Clock) (*Store, error) {
	if clock == nil {
		clock = time.Now
	}
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("store: opening database: %w", err)
	}
	db.SetMaxOpenConns(1) // SQLite: one writer at a time; avoids SQLITE_BUSY storms
	s := &Store{db: db, clock: clock}
	if err := s.ensureSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) ensureSchema(ctx context.Context) error {
	const schema = `
CREATE TABLE IF NOT EXISTS events (
  id               TEXT PRIMARY KEY,
  idempotency_key  TEXT NOT NULL,
  type             TEXT NOT NULL,
  payload_blob     BLOB NOT NULL,
  encoding         TEXT NOT NULL,
  key_version      INTEGER NOT NULL DEFAULT 0,
  created_ms       INTEGER NOT NULL,
  updated_ms       INTEGER NOT NULL,
  state            TEXT NOT NULL,
  attempts         INTEGER NOT NULL DEFAULT 0,
  next_visible_ms  INTEGER NOT NULL DEFAULT 0,
  last_error       TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_events_claim ON events(state, next_visible_ms);
CREATE UNIQUE INDEX IF NOT EXISTS idx_events_idem_active ON events(idempotency_key) WHERE state != 'SENT';
CREATE INDEX IF NOT EXISTS idx_events_overflow ON events(state, created_ms);
`
	_, err := s.db.ExecContext(ctx, schema)
	if err != nil {
		return fmt.Errorf("store: ensuring schema: %w", err)
	}
	return nil
}

func (s *Store) now() int64 { return s.clock().UnixMilli() }

// Insert adds a new PENDING row. Idempotency-key collisions among non-SENT
// rows are the caller's (Admission's) responsibility to probe for first; a
// raw collision here surfaces as a SQLite constraint error wrapped as Corrupt.
func (s *Store) Insert(ctx context.Context, e Event) error {
	now := s.now()
	if e.CreatedMs == 0 {
		e.CreatedMs = now
	}
	if e.UpdatedMs == 0 {
		e.UpdatedMs = now
	}
	if e.State == "" {
		e.State = Pending
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO events (id, idempotency_key, type, payload_blob, encoding, key_version, created_ms, updated_ms, state, attempts, next_visible_ms, last_error)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.IdempotencyKey, e.Type, e.PayloadBlob, e.Encoding, e.KeyVersion,
		e.CreatedMs, e.UpdatedMs, e.State, e.Attempts, e.NextVisibleMs, e.LastError)
	if err != nil {
		return kerrors.Wrap(kerrors.ErrIoFailure, "insert event %s: %v", e.ID, err)
	}
	return nil
}

// FindByIdem returns the non-SENT row with this idempotency key, if any.
func (s *Store) FindByIdem(ctx context.Context, key string) (Event, bool, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT id, idempotency_key, type, payload_blob, encoding, key_version, created_ms, updated_ms, state, attempts, next_visible_ms, last_error
FROM events WHERE idempotency_key = ? AND state != 'SENT' LIMIT 1`, key)
	e, err := scanEvent(row)
	if err == sql.ErrNoRows {
		return Event{}, false, nil
	}
	if err != nil {
		return Event{}, false, kerrors.Wrap(kerrors.ErrIoFailure, "find by idem: %v", err)
	}
	return e, true, nil
}

// CountActive returns the active (non-SENT) count and payload byte footprint.
func (s *Store) CountActive(ctx context.Context) (count int, bytes int64, err error) {
	row := s.db.QueryRowContext(ctx, `
SELECT COUNT(*), COALESCE(SUM(LENGTH(payload_blob)),0) FROM events WHERE state != 'SENT'`)
	if err := row.Scan(&count, &bytes); err != nil {
		return 0, 0, kerrors.Wrap(kerrors.ErrIoFailure, "count active: %v", err)
	}
	return count, bytes, nil
}

// OldestEvictable returns the oldest row eligible for DROP_OLDEST eviction:
// any non-quarantined, non-IN_FLIGHT row (SENT rows are never "active" but are
// excluded here too since evicting them serves no overflow purpose).
func (s *Store) OldestEvictable(ctx context.Context) (Event, bool, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT id, idempotency_key, type, payload_blob, encoding, key_version, created_ms, updated_ms, state, attempts, next_visible_ms, last_error
FROM events
WHERE state NOT IN ('QUARANTINED','IN_FLIGHT','SENT')
ORDER BY created_ms ASC, id ASC LIMIT 1`)
	e, err := scanEvent(row)
	if err == sql.ErrNoRows {
		return Event{}, false, nil
	}
	if err != nil {
		return Event{}, false, kerrors.Wrap(kerrors.ErrIoFailure, "oldest evictable: %v", err)
	}
	return e, true, nil
}

// DeleteByID removes a row outright (used by the Retention Janitor;
// DROP_OLDEST eviction deletes inside InsertWithOverflow's transaction).
func (s *Store) DeleteByID(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM events WHERE id = ?`, id); err != nil {
		return kerrors.Wrap(kerrors.ErrIoFailure, "delete %s: %v", id, err)
	}
	return nil
}

// ClaimBatch atomically selects up to limit PENDING rows whose next_visible_ms
// has passed, in (created_ms ASC, id ASC) order, transitions them to
// IN_FLIGHT, and increments attempts (so a crash mid-flight still counts as
// an attempt on next boot).
func (s *Store) ClaimBatch(ctx context.Context, limit int, nowMs int64) ([]Event, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, kerrors.Wrap(kerrors.ErrIoFailure, "begin claim tx: %v", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `
SELECT id, idempotency_key, type, payload_blob, encoding, key_version, created_ms, updated_ms, state, attempts, next_visible_ms, last_error
FROM events WHERE state = 'PENDING' AND next_visible_ms <= ?
ORDER BY created_ms ASC, id ASC LIMIT ?`, nowMs, limit)
	if err != nil {
		return nil, kerrors.Wrap(kerrors.ErrIoFailure, "claim query: %v", err)
	}
	var claimed []Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			rows.Close()
			return nil, kerrors.Wrap(kerrors.ErrIoFailure, "claim scan: %v", err)
		}
		claimed = append(claimed, e)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, kerrors.Wrap(kerrors.ErrIoFailure, "claim rows: %v", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
UPDATE events SET state = 'IN_FLIGHT', attempts = attempts + 1, updated_ms = ? WHERE id = ?`)
	if err != nil {
		return nil, kerrors.Wrap(kerrors.ErrIoFailure, "claim prepare: %v", err)
	}
	defer stmt.Close()
	for i := range claimed {
		if _, err := stmt.ExecContext(ctx, nowMs, claimed[i].ID); err != nil {
			return nil, kerrors.Wrap(kerrors.ErrIoFailure, "claim update %s: %v", claimed[i].ID, err)
		}
		claimed[i].State = InFlight
		claimed[i].Attempts++
		claimed[i].UpdatedMs = nowMs
	}
	if err := tx.Commit(); err != nil {
		return nil, kerrors.Wrap(kerrors.ErrIoFailure, "claim commit: %v", err)
	}
	return claimed, nil
}

// MarkSent transitions ids from IN_FLIGHT to SENT.
func (s *Store) MarkSent(ctx context.Context, ids []string) error {
	now := s.now()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return kerrors.Wrap(kerrors.ErrIoFailure, "begin mark_sent tx: %v", err)
	}
	defer tx.Rollback()
	stmt, err := tx.PrepareContext(ctx, `UPDATE events SET state = 'SENT', updated_ms = ? WHERE id = ? AND state = 'IN_FLIGHT'`)
	if err != nil {
		return kerrors.Wrap(kerrors.ErrIoFailure, "mark_sent prepare: %v", err)
	}
	defer stmt.Close()
	for _, id := range ids {
		if _, err := stmt.ExecContext(ctx, now, id); err != nil {
			return kerrors.Wrap(kerrors.ErrIoFailure, "mark_sent %s: %v", id, err)
		}
	}
	return tx.Commit()
}

// MarkTransient returns one claimed row to PENDING with the given
// next_visible_ms and a recorded reason. attemptNo is informational only
// (attempts is already authoritative from ClaimBatch).
func (s *Store) MarkTransient(ctx context.Context, id string, nextVisibleMs int64, attemptNo int, reason string) error {
	now := s.now()
	_, err := s.db.ExecContext(ctx, `
UPDATE events SET state = 'PENDING', next_visible_ms = ?, updated_ms = ?, last_error = ?
WHERE id = ? AND state = 'IN_FLIGHT'`, nextVisibleMs, now, reason, id)
	if err != nil {
		return kerrors.Wrap(kerrors.ErrIoFailure, "mark_transient %s: %v", id, err)
	}
	return nil
}

// MarkQuarantined transitions id to the terminal QUARANTINED state.
func (s *Store) MarkQuarantined(ctx context.Context, id string, reason string) error {
	now := s.now()
	_, err := s.db.ExecContext(ctx, `
UPDATE events SET state = 'QUARANTINED', updated_ms = ?, last_error = ? WHERE id = ?`, now, reason, id)
	if err != nil {
		return kerrors.Wrap(kerrors.ErrIoFailure, "mark_quarantined %s: %v", id, err)
	}
	return nil
}

// ResetInFlight implements the §9 Open Question recommendation: on startup,
// atomically reset all IN_FLIGHT rows to PENDING with unchanged attempts and
// next_visible_ms = now.
func (s *Store) ResetInFlight(ctx context.Context) (int64, error) {
	now := s.now()
	res, err := s.db.ExecContext(ctx, `
UPDATE events SET state = 'PENDING', next_visible_ms = ?, updated_ms = ? WHERE state = 'IN_FLIGHT'`, now, now)
	if err != nil {
		return 0, kerrors.Wrap(kerrors.ErrIoFailure, "reset in_flight: %v", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// OverflowStrategy selects how InsertWithOverflow behaves when active limits
// would otherwise be exceeded by the insert.
type OverflowStrategy string

const (
	DropOldest OverflowStrategy = "DROP_OLDEST"
	DropNewest OverflowStrategy = "DROP_NEWEST"
	Block      OverflowStrategy = "BLOCK"
)

// OverflowOutcome reports what InsertWithOverflow actually did.
type OverflowOutcome struct {
	Inserted      bool
	DroppedOldest bool
	DroppedOldestID string
	Rejected      bool // row was not inserted and nothing was evicted to make room
}

// InsertWithOverflow enforces the active-footprint limits and inserts e, all
// under a single exclusive transaction, per spec §4.3 step 6. Strategy
// DROP_OLDEST evicts the oldest non-quarantined, non-IN_FLIGHT row to make
// room, repeatedly, falling back to DROP_NEWEST behavior if nothing is
// evictable; DROP_NEWEST and BLOCK both reject without inserting (BLOCK's
// caller maps the rejection to QueueFull, DROP_NEWEST's to a counted drop).
func (s *Store) InsertWithOverflow(ctx context.Context, e Event, maxActiveEvents int, maxActiveBytes int64, strategy OverflowStrategy) (OverflowOutcome, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return OverflowOutcome{}, kerrors.Wrap(kerrors.ErrIoFailure, "begin overflow tx: %v", err)
	}
	defer tx.Rollback()

	var out OverflowOutcome
	newBytes := int64(len(e.PayloadBlob))

	for {
		var count int
		var bytes int64
		row := tx.QueryRowContext(ctx, `SELECT COUNT(*), COALESCE(SUM(LENGTH(payload_blob)),0) FROM events WHERE state != 'SENT'`)
		if err := row.Scan(&count, &bytes); err != nil {
			return OverflowOutcome{}, kerrors.Wrap(kerrors.ErrIoFailure, "overflow count: %v", err)
		}

		fitsCount := maxActiveEvents <= 0 || count+1 <= maxActiveEvents
		fitsBytes := maxActiveBytes <= 0 || bytes+newBytes <= maxActiveBytes
		if fitsCount && fitsBytes {
			break
		}

		if strategy != DropOldest {
			out.Rejected = true
			return out, tx.Commit()
		}

		var id string
		row = tx.QueryRowContext(ctx, `
SELECT id FROM events
WHERE state NOT IN ('QUARANTINED','IN_FLIGHT','SENT')
ORDER BY created_ms ASC, id ASC LIMIT 1`)
		if err := row.Scan(&id); err != nil {
			if err == sql.ErrNoRows {
				// Nothing evictable: fall through to DROP_NEWEST behavior.
				out.Rejected = true
				return out, tx.Commit()
			}
			return OverflowOutcome{}, kerrors.Wrap(kerrors.ErrIoFailure, "overflow oldest query: %v", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM events WHERE id = ?`, id); err != nil {
			return OverflowOutcome{}, kerrors.Wrap(kerrors.ErrIoFailure, "overflow delete %s: %v", id, err)
		}
		out.DroppedOldest = true
		out.DroppedOldestID = id
	}

	now := s.now()
	if e.CreatedMs == 0 {
		e.CreatedMs = now
	}
	if e.UpdatedMs == 0 {
		e.UpdatedMs = now
	}
	if e.State == "" {
		e.State = Pending
	}
	_, err = tx.ExecContext(ctx, `
INSERT INTO events (id, idempotency_key, type, payload_blob, encoding, key_version, created_ms, updated_ms, state, attempts, next_visible_ms, last_error)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.IdempotencyKey, e.Type, e.PayloadBlob, e.Encoding, e.KeyVersion,
		e.CreatedMs, e.UpdatedMs, e.State, e.Attempts, e.NextVisibleMs, e.LastError)
	if err != nil {
		return OverflowOutcome{}, kerrors.Wrap(kerrors.ErrIoFailure, "overflow insert %s: %v", e.ID, err)
	}
	out.Inserted = true
	if err := tx.Commit(); err != nil {
		return OverflowOutcome{}, kerrors.Wrap(kerrors.ErrIoFailure, "overflow commit: %v", err)
	}
	return out, nil
}

// PurgeSentBefore deletes SENT rows last updated before cutoffMs.
func (s *Store) PurgeSentBefore(ctx context.Context, cutoffMs int64) (int64, error) {
	return s.purgeStateBefore(ctx, Sent, cutoffMs)
}

// PurgeQuarantinedBefore deletes QUARANTINED rows last updated before cutoffMs.
func (s *Store) PurgeQuarantinedBefore(ctx context.Context, cutoffMs int64) (int64, error) {
	return s.purgeStateBefore(ctx, Quarantined, cutoffMs)
}

// SelectBefore returns rows in state last updated before cutoffMs, ordered
// oldest-first, so a caller (the Retention Janitor) can archive them before
// purging.
func (s *Store) SelectBefore(ctx context.Context, state State, cutoffMs int64) ([]Event, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id, idempotency_key, type, payload_blob, encoding, key_version,
       created_ms, updated_ms, state, attempts, next_visible_ms, last_error
FROM events WHERE state = ? AND updated_ms < ? ORDER BY updated_ms ASC, id ASC`, string(state), cutoffMs)
	if err != nil {
		return nil, kerrors.Wrap(kerrors.ErrIoFailure, "select before %s: %v", state, err)
	}
	defer rows.Close()
	var out []Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, kerrors.Wrap(kerrors.ErrIoFailure, "scan select before: %v", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *Store) purgeStateBefore(ctx context.Context, state State, cutoffMs int64) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM events WHERE state = ? AND updated_ms < ?`, string(state), cutoffMs)
	if err != nil {
		return 0, kerrors.Wrap(kerrors.ErrIoFailure, "purge %s: %v", state, err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEvent(r rowScanner) (Event, error) {
	var e Event
	err := r.Scan(&e.ID, &e.IdempotencyKey, &e.Type, &e.PayloadBlob, &e.Encoding, &e.KeyVersion,
		&e.CreatedMs, &e.UpdatedMs, &e.State, &e.Attempts, &e.NextVisibleMs, &e.LastError)
	return e, err
}
