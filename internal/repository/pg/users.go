package pg

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/r2r72/authcore/internal/service/auth"
)

// ErrEmailTaken is returned by CreateIdentity on a duplicate email.
var ErrEmailTaken = errors.New("email already registered")

// UserRepository reads and seeds identities in auth.users.
type UserRepository struct {
	db *pgxpool.Pool
}

func NewUserRepository(db *pgxpool.Pool) *UserRepository {
	return &UserRepository{db: db}
}

const selectActiveUser = `SELECT id, email, password_hash, display_name
	 FROM auth.users
	 WHERE active = true AND `

// GetByEmail implements auth.UserStore. Emails are stored lowercased.
func (r *UserRepository) GetByEmail(ctx context.Context, email string) (*auth.Identity, error) {
	u, err := r.scanOne(ctx, selectActiveUser+"email = $1", email)
	if err != nil {
		return nil, fmt.Errorf("get user by email: %w", err)
	}
	return u, nil
}

// GetByID implements auth.UserStore. A malformed id cannot match any row
// and is reported as not found.
func (r *UserRepository) GetByID(ctx context.Context, id string) (*auth.Identity, error) {
	if err := uuid.Validate(id); err != nil {
		return nil, auth.ErrIdentityNotFound
	}
	u, err := r.scanOne(ctx, selectActiveUser+"id = $1", id)
	if err != nil {
		return nil, fmt.Errorf("get user by id: %w", err)
	}
	return u, nil
}

func (r *UserRepository) scanOne(ctx context.Context, query string, arg any) (*auth.Identity, error) {
	var u auth.Identity
	err := r.db.QueryRow(ctx, query, arg).Scan(&u.ID, &u.Email, &u.SecretHash, &u.DisplayName)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, auth.ErrIdentityNotFound
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

// CreateIdentity inserts a new active identity.
func (r *UserRepository) CreateIdentity(ctx context.Context, u *auth.Identity) error {
	_, err := r.db.Exec(ctx,
		`INSERT INTO auth.users (id, email, password_hash, display_name, active)
		 VALUES ($1, $2, $3, $4, true)`,
		u.ID, u.Email, u.SecretHash, u.DisplayName,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrEmailTaken
		}
		return fmt.Errorf("create user: %w", err)
	}
	return nil
}

// isUniqueViolation detects PostgreSQL unique constraint violation.
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}
