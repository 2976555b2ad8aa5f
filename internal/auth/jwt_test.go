package auth

import (
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestTokenRoundTrip(t *testing.T) {
	issuer := NewTokenIssuer("test-secret", time.Hour)
	userID := uuid.New()

	token, err := issuer.Issue(userID, RolePharmacist)
	if err != nil {
		t.Fatalf("Issue error: %v", err)
	}

	gotID, gotRole, err := issuer.Verify(token)
	if err != nil {
		t.Fatalf("Verify error: %v", err)
	}
	if gotID != userID {
		t.Fatalf("user ID = %s, want %s", gotID, userID)
	}
	if gotRole != RolePharmacist {
		t.Fatalf("role = %s, want %s", gotRole, RolePharmacist)
	}
}

func TestTokenWrongSecret(t *testing.T) {
	issuer := NewTokenIssuer("secret-a", time.Hour)
	other := NewTokenIssuer("secret-b", time.Hour)

	token, err := issuer.Issue(uuid.New(), RoleCustomer)
	if err != nil {
		t.Fatalf("Issue error: %v", err)
	}

	if _, _, err := other.Verify(token); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("error = %v, want ErrInvalidToken", err)
	}
}

func TestTokenExpired(t *testing.T) {
	issuer := NewTokenIssuer("test-secret", -time.Minute)

	token, err := issuer.Issue(uuid.New(), RoleCustomer)
	if err != nil {
		t.Fatalf("Issue error: %v", err)
	}

	if _, _, err := issuer.Verify(token); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("error = %v, want ErrInvalidToken", err)
	}
}

func TestTokenGarbage(t *testing.T) {
	issuer := NewTokenIssuer("test-secret", time.Hour)

	for _, token := range []string{"", "not-a-jwt", "a.b.c"} {
		if _, _, err := issuer.Verify(token); !errors.Is(err, ErrInvalidToken) {
			t.Fatalf("Verify(%q): error = %v, want ErrInvalidToken", token, err)
		}
	}
}
