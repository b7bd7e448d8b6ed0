package journal

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/BloomsoftTeam/etherless/pkg/database"
	"github.com/BloomsoftTeam/etherless/pkg/ledger"
)

// SQLJournal implements Journal using database/sql.
type SQLJournal struct {
	db      *sql.DB
	dialect database.Dialect
	now     func() time.Time
}

func NewSQLJournal(db *sql.DB, dialect database.Dialect) *SQLJournal {
	return &SQLJournal{db: db, dialect: dialect, now: time.Now}
}

var schema = []string{`
CREATE TABLE IF NOT EXISTS operations (
	op_hash TEXT PRIMARY KEY,
	kind TEXT NOT NULL,
	name TEXT NOT NULL,
	requester TEXT NOT NULL,
	status TEXT NOT NULL,
	attempts INTEGER NOT NULL DEFAULT 0,
	last_error TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL
)`,
	`CREATE INDEX IF NOT EXISTS operations_pending ON operations (status, created_at)`,
}

func (j *SQLJournal) Init(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := j.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("journal: init: %w", err)
		}
	}
	return nil
}

func (j *SQLJournal) Open(ctx context.Context, e Entry) error {
	now := j.now().UTC()
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now
	}
	query := `
		INSERT INTO operations (op_hash, kind, name, requester, status, attempts, last_error, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, 0, '', $6, $7)
		ON CONFLICT (op_hash) DO NOTHING
	`
	_, err := j.db.ExecContext(ctx, j.dialect.Rebind(query),
		e.OpHash.Hex(), e.Kind.String(), e.Name, e.Requester.Hex(), string(StatusPending), e.CreatedAt.UTC(), now)
	if err != nil {
		return fmt.Errorf("journal: open %s: %w", e.OpHash.Hex(), err)
	}
	return nil
}

const selectEntry = `SELECT op_hash, kind, name, requester, status, attempts, last_error, created_at, updated_at FROM operations`

func (j *SQLJournal) Get(ctx context.Context, op common.Hash) (Entry, error) {
	row := j.db.QueryRowContext(ctx, j.dialect.Rebind(selectEntry+" WHERE op_hash = $1"), op.Hex())
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, ErrNotFound
	}
	if err != nil {
		return Entry{}, fmt.Errorf("journal: get %s: %w", op.Hex(), err)
	}
	return e, nil
}

func (j *SQLJournal) RecordAttempt(ctx context.Context, op common.Hash, lastErr string) error {
	query := `UPDATE operations SET attempts = attempts + 1, last_error = $1, updated_at = $2 WHERE op_hash = $3`
	return j.exec(ctx, query, lastErr, j.now().UTC(), op.Hex())
}

func (j *SQLJournal) Close(ctx context.Context, op common.Hash, status Status) error {
	query := `UPDATE operations SET status = $1, updated_at = $2 WHERE op_hash = $3`
	return j.exec(ctx, query, string(status), j.now().UTC(), op.Hex())
}

func (j *SQLJournal) exec(ctx context.Context, query string, args ...interface{}) error {
	res, err := j.db.ExecContext(ctx, j.dialect.Rebind(query), args...)
	if err != nil {
		return fmt.Errorf("journal: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (j *SQLJournal) ListStale(ctx context.Context, cutoff time.Time) ([]Entry, error) {
	query := selectEntry + ` WHERE status = $1 AND created_at < $2 ORDER BY created_at`
	rows, err := j.db.QueryContext(ctx, j.dialect.Rebind(query), string(StatusPending), cutoff.UTC())
	if err != nil {
		return nil, fmt.Errorf("journal: list stale: %w", err)
	}
	defer func() { _ = rows.Close() }()

	result := make([]Entry, 0)
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanEntry(row scanner) (Entry, error) {
	var (
		e                   Entry
		op, kind, requester string
		status              string
	)
	if err := row.Scan(&op, &kind, &e.Name, &requester, &status, &e.Attempts, &e.LastError, &e.CreatedAt, &e.UpdatedAt); err != nil {
		return Entry{}, err
	}
	k, ok := ledger.ParseKind(kind)
	if !ok {
		return Entry{}, fmt.Errorf("journal: corrupt kind %q for %s", kind, op)
	}
	e.OpHash = common.HexToHash(op)
	e.Kind = k
	e.Requester = common.HexToAddress(requester)
	e.Status = Status(status)
	return e, nil
}
