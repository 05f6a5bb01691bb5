package identity

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/layer-3/authflow/core"
	"github.com/layer-3/authflow/internal/clock"
	"github.com/layer-3/authflow/ports"
)

// Schema creates the identities table.
const Schema = `
CREATE TABLE IF NOT EXISTS identities (
	id             UUID PRIMARY KEY,
	email          TEXT NOT NULL,
	name           TEXT NOT NULL DEFAULT '',
	role           TEXT NOT NULL DEFAULT 'user',
	provider       TEXT NOT NULL DEFAULT '',
	password_hash  TEXT NOT NULL DEFAULT '',
	wallet_address TEXT NOT NULL DEFAULT '',
	suspended      BOOLEAN NOT NULL DEFAULT FALSE,
	created_at     TIMESTAMPTZ NOT NULL,
	last_access_at TIMESTAMPTZ NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS identities_email_key ON identities (LOWER(email));
`

const identityColumns = `id, email, name, role, provider, password_hash, wallet_address, suspended, created_at, last_access_at`

// DB is the subset of *pgxpool.Pool the backend uses.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

var _ DB = (*pgxpool.Pool)(nil)

// Postgres stores identities in PostgreSQL.
type Postgres struct {
	db    DB
	clock clock.Clock
}

var _ ports.IdentityBackend = (*Postgres)(nil)

func NewPostgres(db DB, clk clock.Clock) *Postgres {
	if clk == nil {
		clk = clock.Real{}
	}
	return &Postgres{db: db, clock: clk}
}

// Connect opens a pool for dsn and verifies it with a ping.
func Connect(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	if cfg.MaxConns == 0 {
		cfg.MaxConns = 5
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return pool, nil
}

// Migrate applies Schema.
func (p *Postgres) Migrate(ctx context.Context) error {
	if _, err := p.db.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("migrate identities: %w", err)
	}
	return nil
}

func (p *Postgres) FindByEmail(ctx context.Context, email string) (*core.Identity, error) {
	const q = `SELECT ` + identityColumns + ` FROM identities WHERE LOWER(email) = LOWER($1) LIMIT 1`
	id, err := scanIdentity(p.db.QueryRow(ctx, q, email))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find identity: %w", err)
	}
	return id, nil
}

func (p *Postgres) Create(ctx context.Context, f core.NewIdentity) (*core.Identity, error) {
	const q = `INSERT INTO identities (` + identityColumns + `)
VALUES ($1, $2, $3, $4, $5, $6, $7, FALSE, $8, $8)
RETURNING ` + identityColumns

	now := p.clock.Now()
	id, err := scanIdentity(p.db.QueryRow(ctx, q,
		uuid.NewString(),
		strings.ToLower(strings.TrimSpace(f.Email)),
		f.Name,
		string(f.Role),
		string(f.Provider),
		f.PasswordHash,
		f.WalletAddress,
		now,
	))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" { // unique_violation
			return nil, core.ErrIdentityConflict
		}
		return nil, fmt.Errorf("create identity: %w", err)
	}
	return id, nil
}

func (p *Postgres) Update(ctx context.Context, id string, f core.IdentityUpdate) (*core.Identity, error) {
	const q = `UPDATE identities SET
	name = COALESCE($2, name),
	last_access_at = COALESCE($3, last_access_at),
	wallet_address = COALESCE($4, wallet_address),
	suspended = COALESCE($5, suspended)
WHERE id = $1
RETURNING ` + identityColumns

	rec, err := scanIdentity(p.db.QueryRow(ctx, q, id, f.Name, f.LastAccessAt, f.WalletAddress, f.Suspended))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, core.ErrIdentityNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("update identity: %w", err)
	}
	return rec, nil
}

func scanIdentity(row pgx.Row) (*core.Identity, error) {
	var (
		id             core.Identity
		role, provider string
	)
	err := row.Scan(
		&id.ID, &id.Email, &id.Name, &role, &provider, &id.PasswordHash,
		&id.WalletAddress, &id.Suspended, &id.CreatedAt, &id.LastAccessAt,
	)
	if err != nil {
		return nil, err
	}
	id.Role = core.Role(role)
	id.Provider = core.Provider(provider)
	return &id, nil
}
