package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrEmailTaken         = errors.New("email already registered")
	ErrWeakPassword       = errors.New("password does not meet the policy")
)

// specialChars is the character set a password must draw at least one
// symbol from.
const specialChars = `!@#$%^&*(),.?":{}|<>`

// PasswordMeetsPolicy enforces the registration policy: at least 8
// characters and at least one special character.
func PasswordMeetsPolicy(password string) bool {
	return len(password) >= 8 && strings.ContainsAny(password, specialChars)
}

// Provider implements registration and login on top of a UserStore. Password
// hashes never leave this package.
type Provider struct {
	store UserStore
	log   *zap.Logger
}

func NewProvider(store UserStore, log *zap.Logger) *Provider {
	return &Provider{store: store, log: log}
}

type RegisterInput struct {
	Username string
	Password string
	FullName string
	Email    string
	Phone    string
	Role     Role
}

func (p *Provider) Register(ctx context.Context, in RegisterInput) (*User, error) {
	if !PasswordMeetsPolicy(in.Password) {
		return nil, ErrWeakPassword
	}

	taken, err := p.IsRegistered(ctx, in.Email)
	if err != nil {
		return nil, err
	}
	if taken {
		return nil, ErrEmailTaken
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(in.Password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}

	role := in.Role
	if role == "" {
		role = RoleCustomer
	}

	user := User{
		ID:           uuid.New(),
		Username:     strings.TrimSpace(in.Username),
		Email:        strings.TrimSpace(in.Email),
		PasswordHash: string(hash),
		Role:         role,
		FullName:     strings.TrimSpace(in.FullName),
		Phone:        strings.TrimSpace(in.Phone),
	}

	created, err := p.store.CreateUser(ctx, user)
	if err != nil {
		return nil, fmt.Errorf("create user: %w", err)
	}

	p.log.Info("user registered",
		zap.String("user_id", created.ID.String()),
		zap.String("role", string(created.Role)),
	)

	return created, nil
}

// Authenticate checks the secret against the stored hash and returns the
// user's role and ID. Lookup is by username or email, matching the original
// login flow.
func (p *Provider) Authenticate(ctx context.Context, usernameOrEmail, password string) (*User, error) {
	user, err := p.store.GetByUsernameOrEmail(ctx, usernameOrEmail)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			return nil, ErrInvalidCredentials
		}
		return nil, fmt.Errorf("load user: %w", err)
	}

	if bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)) != nil {
		return nil, ErrInvalidCredentials
	}

	return user, nil
}

func (p *Provider) IsRegistered(ctx context.Context, email string) (bool, error) {
	_, err := p.store.GetByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("check email: %w", err)
	}
	return true, nil
}
