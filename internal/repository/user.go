package repository

import (
	"context"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/xenking/digigoods-checkout/internal/domain/user"
)

const (
	getUserByIDSQL = `SELECT id, username, password_hash FROM users WHERE id = $1`

	getUserByUsernameSQL = `SELECT id, username, password_hash FROM users WHERE username = $1`

	upsertUserSQL = `INSERT INTO users (username, password_hash) VALUES ($1, $2)
		ON CONFLICT (username) DO UPDATE SET password_hash = EXCLUDED.password_hash
		RETURNING id`
)

var _ user.Repository = (*UserRepository)(nil)

// UserRepository implements user.Repository backed by PostgreSQL.
type UserRepository struct {
	pool *pgxpool.Pool
}

// NewUserRepository returns a UserRepository that uses the given pool.
func NewUserRepository(pool *pgxpool.Pool) *UserRepository {
	return &UserRepository{pool: pool}
}

// FindByID returns the user with the given id or user.ErrNotFound.
func (r *UserRepository) FindByID(ctx context.Context, id int64) (*user.User, error) {
	return r.findOne(ctx, getUserByIDSQL, id)
}

// FindByUsername returns the user with the given name or user.ErrNotFound.
func (r *UserRepository) FindByUsername(ctx context.Context, username string) (*user.User, error) {
	return r.findOne(ctx, getUserByUsernameSQL, username)
}

// Upsert creates the user or resets its password hash, returning its id.
func (r *UserRepository) Upsert(ctx context.Context, username, passwordHash string) (int64, error) {
	var id int64
	if err := conn(ctx, r.pool).QueryRow(ctx, upsertUserSQL, username, passwordHash).Scan(&id); err != nil {
		return 0, errors.Wrapf(err, "upsert user %q", username)
	}
	return id, nil
}

func (r *UserRepository) findOne(ctx context.Context, sql string, arg any) (*user.User, error) {
	rows, err := conn(ctx, r.pool).Query(ctx, sql, arg)
	if err != nil {
		return nil, errors.Wrap(err, "query user")
	}
	u, err := pgx.CollectExactlyOneRow(rows, pgx.RowToStructByPos[user.User])
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, user.ErrNotFound
		}
		return nil, errors.Wrap(err, "scan user")
	}
	return &u, nil
}
