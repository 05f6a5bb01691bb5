package identity

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/layer-3/authflow/core"
)

func TestMemoryBackend(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(nil)

	got, err := m.FindByEmail(ctx, "a@x.io")
	require.NoError(t, err)
	assert.Nil(t, got)

	created, err := m.Create(ctx, core.NewIdentity{Email: "A@x.io", Role: core.RoleUser, Provider: core.ProviderOAuth})
	require.NoError(t, err)
	assert.Equal(t, "a@x.io", created.Email)

	_, err = m.Create(ctx, core.NewIdentity{Email: "a@X.io"})
	assert.ErrorIs(t, err, core.ErrIdentityConflict)

	suspended := true
	updated, err := m.Update(ctx, created.ID, core.IdentityUpdate{Suspended: &suspended})
	require.NoError(t, err)
	assert.True(t, updated.Suspended)

	found, err := m.FindByEmail(ctx, "A@X.IO")
	require.NoError(t, err)
	assert.Equal(t, created.ID, found.ID)
	assert.True(t, found.Suspended)

	_, err = m.Update(ctx, "missing", core.IdentityUpdate{})
	assert.ErrorIs(t, err, core.ErrIdentityNotFound)
}

type fakeRow struct {
	err    error
	values []any
}

func (r fakeRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	for i, d := range dest {
		switch p := d.(type) {
		case *string:
			*p = r.values[i].(string)
		case *bool:
			*p = r.values[i].(bool)
		case *time.Time:
			*p = r.values[i].(time.Time)
		}
	}
	return nil
}

type fakeDB struct {
	row   fakeRow
	query string
	args  []any
}

func (f *fakeDB) Exec(context.Context, string, ...any) (pgconn.CommandTag, error) {
	return pgconn.CommandTag{}, nil
}

func (f *fakeDB) QueryRow(_ context.Context, sql string, args ...any) pgx.Row {
	f.query, f.args = sql, args
	return f.row
}

func TestPostgresFindMissing(t *testing.T) {
	db := &fakeDB{row: fakeRow{err: pgx.ErrNoRows}}
	got, err := NewPostgres(db, nil).FindByEmail(context.Background(), "a@x.io")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestPostgresCreateConflict(t *testing.T) {
	db := &fakeDB{row: fakeRow{err: &pgconn.PgError{Code: "23505"}}}
	_, err := NewPostgres(db, nil).Create(context.Background(), core.NewIdentity{Email: "A@x.io"})
	assert.ErrorIs(t, err, core.ErrIdentityConflict)
	assert.Equal(t, "a@x.io", db.args[1])
}

func TestPostgresCreate(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	db := &fakeDB{row: fakeRow{values: []any{
		"id-1", "a@x.io", "Alice", "user", "oauth", "", "", false, now, now,
	}}}
	got, err := NewPostgres(db, nil).Create(context.Background(), core.NewIdentity{Email: "a@x.io", Name: "Alice"})
	require.NoError(t, err)
	assert.Equal(t, "id-1", got.ID)
	assert.Equal(t, core.RoleUser, got.Role)
	assert.Equal(t, core.ProviderOAuth, got.Provider)
}

func TestPostgresUpdateMissing(t *testing.T) {
	db := &fakeDB{row: fakeRow{err: pgx.ErrNoRows}}
	_, err := NewPostgres(db, nil).Update(context.Background(), "id-1", core.IdentityUpdate{})
	assert.ErrorIs(t, err, core.ErrIdentityNotFound)
}

func TestPostgresErrorsWrapped(t *testing.T) {
	boom := errors.New("connection reset")
	db := &fakeDB{row: fakeRow{err: boom}}
	_, err := NewPostgres(db, nil).FindByEmail(context.Background(), "a@x.io")
	assert.ErrorIs(t, err, boom)
}
