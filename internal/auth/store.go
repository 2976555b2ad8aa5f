package auth

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type Role string

const (
	RoleCustomer   Role = "customer"
	RolePharmacist Role = "pharmacist"
)

var ErrUserNotFound = errors.New("user not found")

type User struct {
	ID           uuid.UUID
	Username     string
	Email        string
	PasswordHash string
	Role         Role
	FullName     string
	Phone        string
	CreatedAt    time.Time
}

// UserStore persists credentials and identities. The scheduling core never
// touches this; it only sees the opaque user IDs.
type UserStore interface {
	CreateUser(ctx context.Context, u User) (*User, error)
	GetByUsernameOrEmail(ctx context.Context, usernameOrEmail string) (*User, error)
	GetByEmail(ctx context.Context, email string) (*User, error)
}

type PgUserStore struct {
	pool *pgxpool.Pool
}

func NewPgUserStore(pool *pgxpool.Pool) *PgUserStore {
	return &PgUserStore{pool: pool}
}

const userColumns = "id, username, email, password_hash, role, full_name, phone, created_at"

func scanUser(row pgx.Row) (*User, error) {
	var u User
	err := row.Scan(
		&u.ID,
		&u.Username,
		&u.Email,
		&u.PasswordHash,
		&u.Role,
		&u.FullName,
		&u.Phone,
		&u.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, err
	}
	return &u, nil
}

func (s *PgUserStore) CreateUser(ctx context.Context, u User) (*User, error) {
	row := s.pool.QueryRow(ctx, `
		INSERT INTO users (id, username, email, password_hash, role, full_name, phone, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, now())
		RETURNING `+userColumns+`
	`, u.ID, u.Username, u.Email, u.PasswordHash, u.Role, u.FullName, u.Phone)
	return scanUser(row)
}

func (s *PgUserStore) GetByUsernameOrEmail(ctx context.Context, usernameOrEmail string) (*User, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+userColumns+`
		FROM users
		WHERE username = $1 OR email = $1
	`, usernameOrEmail)
	return scanUser(row)
}

func (s *PgUserStore) GetByEmail(ctx context.Context, email string) (*User, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+userColumns+`
		FROM users
		WHERE email = $1
	`, email)
	return scanUser(row)
}
