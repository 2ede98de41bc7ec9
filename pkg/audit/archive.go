package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	_ "github.com/lib/pq"  // postgres driver
	_ "modernc.org/sqlite" // cgo-free sqlite driver

	"github.com/acgs2/agentbus/pkg/contracts"
)

// Archive persists stored records beyond process lifetime. The
// in-process store stays authoritative for chain verification; the
// archive is for retention and offline queries.
type Archive interface {
	Save(ctx context.Context, records []*StoredRecord) error
	Load(ctx context.Context, correlationID string) ([]*StoredRecord, error)
	Close() error
}

const archiveSchema = `
CREATE TABLE IF NOT EXISTS audit_records (
	sequence       BIGINT PRIMARY KEY,
	record_id      TEXT NOT NULL,
	record_hash    TEXT NOT NULL,
	previous_hash  TEXT NOT NULL,
	chain_hash     TEXT NOT NULL,
	correlation_id TEXT,
	record         TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS audit_records_correlation
	ON audit_records (correlation_id);
`

// SQLArchive implements Archive over database/sql. Works against the
// sqlite driver for single-node deployments and lib/pq for shared
// retention.
type SQLArchive struct {
	db          *sql.DB
	placeholder func(i int) string
}

// OpenSQLite opens (and migrates) a sqlite-backed archive at path.
// Use ":memory:" for tests.
func OpenSQLite(path string) (*SQLArchive, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("audit: open sqlite archive: %w", err)
	}
	a := &SQLArchive{db: db, placeholder: func(int) string { return "?" }}
	if err := a.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return a, nil
}

// OpenPostgres opens (and migrates) a postgres-backed archive.
func OpenPostgres(dsn string) (*SQLArchive, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("audit: open postgres archive: %w", err)
	}
	a := NewSQLArchiveForDB(db, true)
	if err := a.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return a, nil
}

// NewSQLArchiveForDB wraps an existing handle without migrating.
// Postgres placeholders are positional; sqlite uses "?".
func NewSQLArchiveForDB(db *sql.DB, postgres bool) *SQLArchive {
	ph := func(int) string { return "?" }
	if postgres {
		ph = func(i int) string { return fmt.Sprintf("$%d", i) }
	}
	return &SQLArchive{db: db, placeholder: ph}
}

func (a *SQLArchive) migrate() error {
	if _, err := a.db.Exec(archiveSchema); err != nil {
		return fmt.Errorf("audit: archive migration: %w", err)
	}
	return nil
}

// Save implements Archive. The batch is written in one transaction so
// a partial chain segment never lands.
func (a *SQLArchive) Save(ctx context.Context, records []*StoredRecord) error {
	if len(records) == 0 {
		return nil
	}
	tx, err := a.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("audit: archive begin: %w", err)
	}
	defer tx.Rollback()

	query := fmt.Sprintf(
		`INSERT INTO audit_records (sequence, record_id, record_hash, previous_hash, chain_hash, correlation_id, record)
		 VALUES (%s, %s, %s, %s, %s, %s, %s)`,
		a.placeholder(1), a.placeholder(2), a.placeholder(3),
		a.placeholder(4), a.placeholder(5), a.placeholder(6), a.placeholder(7),
	)
	stmt, err := tx.PrepareContext(ctx, query)
	if err != nil {
		return fmt.Errorf("audit: archive prepare: %w", err)
	}
	defer stmt.Close()

	for _, stored := range records {
		raw, err := json.Marshal(stored.Record)
		if err != nil {
			return fmt.Errorf("audit: marshal record %s: %w", stored.Record.RecordID, err)
		}
		if _, err := stmt.ExecContext(ctx,
			stored.Sequence, stored.Record.RecordID, stored.RecordHash,
			stored.PreviousHash, stored.ChainHash, stored.Record.CorrelationID, string(raw),
		); err != nil {
			return fmt.Errorf("audit: archive insert %s: %w", stored.Record.RecordID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("audit: archive commit: %w", err)
	}
	return nil
}

// Load implements Archive, returning one correlation chain in
// sequence order.
func (a *SQLArchive) Load(ctx context.Context, correlationID string) ([]*StoredRecord, error) {
	query := fmt.Sprintf(
		`SELECT sequence, record_hash, previous_hash, chain_hash, record
		 FROM audit_records WHERE correlation_id = %s ORDER BY sequence`,
		a.placeholder(1),
	)
	rows, err := a.db.QueryContext(ctx, query, correlationID)
	if err != nil {
		return nil, fmt.Errorf("audit: archive query: %w", err)
	}
	defer rows.Close()

	var out []*StoredRecord
	for rows.Next() {
		var (
			stored StoredRecord
			raw    string
		)
		if err := rows.Scan(&stored.Sequence, &stored.RecordHash, &stored.PreviousHash, &stored.ChainHash, &raw); err != nil {
			return nil, fmt.Errorf("audit: archive scan: %w", err)
		}
		var rec contracts.AuditRecord
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			return nil, fmt.Errorf("audit: archive decode: %w", err)
		}
		stored.Record = &rec
		out = append(out, &stored)
	}
	return out, rows.Err()
}

// Close releases the database handle.
func (a *SQLArchive) Close() error { return a.db.Close() }
