package registry

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/BloomsoftTeam/etherless/pkg/database"
)

// SQLStore implements Store using database/sql.
// It supports both Postgres and SQLite via standard drivers.
type SQLStore struct {
	db      *sql.DB
	dialect database.Dialect
	now     func() time.Time
}

func NewSQLStore(db *sql.DB, dialect database.Dialect) *SQLStore {
	return &SQLStore{db: db, dialect: dialect, now: time.Now}
}

const functionsSchema = `
CREATE TABLE IF NOT EXISTS functions (
	name TEXT PRIMARY KEY,
	owner TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	usage TEXT NOT NULL DEFAULT '',
	params TEXT NOT NULL DEFAULT '',
	entry TEXT NOT NULL,
	price TEXT NOT NULL,
	dev_fee TEXT NOT NULL,
	timeout_ms BIGINT NOT NULL,
	artifact_digest TEXT NOT NULL,
	version TEXT NOT NULL DEFAULT '',
	available BOOLEAN NOT NULL,
	updated_at TIMESTAMP NOT NULL
);
`

func (s *SQLStore) Init(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, functionsSchema)
	return err
}

func (s *SQLStore) Put(ctx context.Context, f *Function) error {
	if f == nil || f.Name == "" {
		return errors.New("registry: function name is required")
	}
	query := `
		INSERT INTO functions (name, owner, description, usage, params, entry, price, dev_fee, timeout_ms, artifact_digest, version, available, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (name) DO UPDATE SET
			owner = excluded.owner,
			description = excluded.description,
			usage = excluded.usage,
			params = excluded.params,
			entry = excluded.entry,
			price = excluded.price,
			dev_fee = excluded.dev_fee,
			timeout_ms = excluded.timeout_ms,
			artifact_digest = excluded.artifact_digest,
			version = excluded.version,
			available = excluded.available,
			updated_at = excluded.updated_at
	`
	_, err := s.db.ExecContext(ctx, s.dialect.Rebind(query),
		f.Name, f.Owner.Hex(), f.Description, f.Usage, f.Params, f.Entry,
		bigString(f.Price), bigString(f.DevFee), f.Timeout.Milliseconds(),
		f.ArtifactDigest, f.Version, f.Available, s.now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("registry: put %s: %w", f.Name, err)
	}
	return nil
}

const selectFunction = `SELECT name, owner, description, usage, params, entry, price, dev_fee, timeout_ms, artifact_digest, version, available, updated_at FROM functions`

func (s *SQLStore) Get(ctx context.Context, name string) (*Function, error) {
	row := s.db.QueryRowContext(ctx, s.dialect.Rebind(selectFunction+" WHERE name = $1"), name)
	f, err := scanFunction(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("registry: get %s: %w", name, err)
	}
	return f, nil
}

func (s *SQLStore) MarkUnavailable(ctx context.Context, name string) error {
	return s.affectOne(ctx, "mark unavailable", name,
		`UPDATE functions SET available = $1, updated_at = $2 WHERE name = $3`, false, s.now().UTC(), name)
}

func (s *SQLStore) Delete(ctx context.Context, name string) error {
	return s.affectOne(ctx, "delete", name, `DELETE FROM functions WHERE name = $1`, name)
}

func (s *SQLStore) affectOne(ctx context.Context, op, name, query string, args ...interface{}) error {
	res, err := s.db.ExecContext(ctx, s.dialect.Rebind(query), args...)
	if err != nil {
		return fmt.Errorf("registry: %s %s: %w", op, name, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("registry: %s %s: %w", op, name, err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLStore) List(ctx context.Context) ([]*Function, error) {
	rows, err := s.db.QueryContext(ctx, selectFunction+" ORDER BY name")
	if err != nil {
		return nil, fmt.Errorf("registry: list: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := make([]*Function, 0)
	for rows.Next() {
		f, err := scanFunction(rows)
		if err != nil {
			return nil, fmt.Errorf("registry: list: %w", err)
		}
		out = append(out, f)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanFunction(row scanner) (*Function, error) {
	var (
		f                 Function
		owner, price, fee string
		timeoutMs         int64
	)
	if err := row.Scan(&f.Name, &owner, &f.Description, &f.Usage, &f.Params, &f.Entry,
		&price, &fee, &timeoutMs, &f.ArtifactDigest, &f.Version, &f.Available, &f.UpdatedAt); err != nil {
		return nil, err
	}
	f.Owner = common.HexToAddress(owner)
	f.Timeout = time.Duration(timeoutMs) * time.Millisecond

	var ok bool
	if f.Price, ok = new(big.Int).SetString(price, 10); !ok {
		return nil, fmt.Errorf("corrupt price %q for %s", price, f.Name)
	}
	if f.DevFee, ok = new(big.Int).SetString(fee, 10); !ok {
		return nil, fmt.Errorf("corrupt dev fee %q for %s", fee, f.Name)
	}
	return &f, nil
}

func bigString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}
