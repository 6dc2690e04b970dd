// Package archive implements the Retention Janitor's optional Archiver hook:
// a central mirror of terminal queue events and expired audit files, written
// before local deletion. Uses a validated-table-name, injectable-Clock,
// upsert-on-conflict shape.
package archive

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/kioskops/edge-sdk/internal/kerrors"
	"github.com/kioskops/edge-sdk/internal/store"
)

// Clock is injectable for deterministic tests.
type Clock func() time.Time

// Options configures a PostgresArchiver.
type Options struct {
	// EventsTable defaults to "kioskops_archived_events".
	EventsTable string
	// AuditFilesTable defaults to "kioskops_archived_audit_files".
	AuditFilesTable string
	Clock           Clock
}

// PostgresArchiver mirrors terminal events and audit files to PostgreSQL via
// database/sql. The lib/pq driver is registered by this package's own blank
// import in dsn.go.
type PostgresArchiver struct {
	db          *sql.DB
	eventsTable string
	auditTable  string
	clock       Clock
}

// NewPostgresArchiver validates table names and ensures the backing schema.
func NewPostgresArchiver(ctx context.Context, db *sql.DB, opts Options) (*PostgresArchiver, error) {
	if db == nil {
		return nil, fmt.Errorf("archive: db is nil")
	}
	eventsTable := strings.TrimSpace(opts.EventsTable)
	if eventsTable == "" {
		eventsTable = "kioskops_archived_events"
	}
	auditTable := strings.TrimSpace(opts.AuditFilesTable)
	if auditTable == "" {
		auditTable = "kioskops_archived_audit_files"
	}
	if err := validateTableName(eventsTable); err != nil {
		return nil, err
	}
	if err := validateTableName(auditTable); err != nil {
		return nil, err
	}
	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}
	a := &PostgresArchiver{db: db, eventsTable: eventsTable, auditTable: auditTable, clock: clock}
	if err := a.ensureSchema(ctx); err != nil {
		return nil, err
	}
	return a, nil
}

func (a *PostgresArchiver) ensureSchema(ctx context.Context) error {
	q := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
  id               TEXT PRIMARY KEY,
  idempotency_key  TEXT NOT NULL,
  type             TEXT NOT NULL,
  encoding         TEXT NOT NULL,
  key_version      INTEGER NOT NULL,
  created_ms       BIGINT NOT NULL,
  updated_ms       BIGINT NOT NULL,
  state            TEXT NOT NULL,
  attempts         INTEGER NOT NULL,
  last_error       TEXT NOT NULL,
  payload_blob     BYTEA NOT NULL,
  archived_at      TIMESTAMPTZ NOT NULL
);`, a.eventsTable)
	if _, err := a.db.ExecContext(ctx, q); err != nil {
		return kerrors.Wrap(kerrors.ErrIoFailure, "ensure events archive schema: %v", err)
	}

	q = fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
  path         TEXT PRIMARY KEY,
  contents     BYTEA NOT NULL,
  archived_at  TIMESTAMPTZ NOT NULL
);`, a.auditTable)
	if _, err := a.db.ExecContext(ctx, q); err != nil {
		return kerrors.Wrap(kerrors.ErrIoFailure, "ensure audit archive schema: %v", err)
	}
	return nil
}

// ArchiveEvent mirrors e to the events archive table, idempotently.
func (a *PostgresArchiver) ArchiveEvent(ctx context.Context, e store.Event) error {
	q := fmt.Sprintf(`
INSERT INTO %s
  (id, idempotency_key, type, encoding, key_version, created_ms, updated_ms, state, attempts, last_error, payload_blob, archived_at)
VALUES
  ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
ON CONFLICT (id) DO NOTHING;`, a.eventsTable)
	_, err := a.db.ExecContext(ctx, q,
		e.ID, e.IdempotencyKey, e.Type, e.Encoding, e.KeyVersion,
		e.CreatedMs, e.UpdatedMs, string(e.State), e.Attempts, e.LastError,
		e.PayloadBlob, a.clock())
	if err != nil {
		return kerrors.Wrap(kerrors.ErrIoFailure, "archive event %s: %v", e.ID, err)
	}
	return nil
}

// ArchiveAuditFile mirrors an aged audit day-file to the audit archive table.
func (a *PostgresArchiver) ArchiveAuditFile(ctx context.Context, path string, contents []byte) error {
	q := fmt.Sprintf(`
INSERT INTO %s (path, contents, archived_at)
VALUES ($1, $2, $3)
ON CONFLICT (path) DO NOTHING;`, a.auditTable)
	if _, err := a.db.ExecContext(ctx, q, path, contents, a.clock()); err != nil {
		return kerrors.Wrap(kerrors.ErrIoFailure, "archive audit file %s: %v", path, err)
	}
	return nil
}

// validateTableName allows only letters, digits, underscore, and dot, must
// start with a letter or underscore — a conservative guard against
// injection when interpolating identifiers fmt.Sprintf can't parameterize.
func validateTableName(name string) error {
	if name == "" {
		return fmt.Errorf("archive: empty table name")
	}
	for i, r := range name {
		if i == 0 {
			if !(r == '_' || (r >= 'A' && r <= 'Z') || (r >= 'a' && r <= 'z')) {
				return fmt.Errorf("archive: invalid table name %q", name)
			}
			continue
		}
		if r == '.' || r == '_' || (r >= '0' && r <= '9') || (r >= 'A' && r <= 'Z') || (r >= 'a' && r <= 'z') {
			continue
		}
		return fmt.Errorf("archive: invalid table name %q", name)
	}
	return nil
}
