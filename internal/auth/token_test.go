package auth

import (
	"errors"
	"testing"
	"time"
)

func TestMintAndVerify_RoundTrip(t *testing.T) {
	svc := NewTokenService("a-secret-at-least-32-bytes-long!!")

	token, expiresAt, err := svc.Mint("user-1", "session-1", false)
	if err != nil {
		t.Fatalf("Mint failed: %v", err)
	}
	if expiresAt.Before(time.Now()) {
		t.Fatalf("expected expiry in the future, got %v", expiresAt)
	}

	claims, err := svc.Verify(token)
	if err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	if claims.UserID != "user-1" || claims.SessionID != "session-1" {
		t.Fatalf("unexpected claims: %+v", claims)
	}
	if claims.Creator {
		t.Fatalf("expected creator=false")
	}
}

func TestMint_CreatorClaim(t *testing.T) {
	svc := NewTokenService("a-secret-at-least-32-bytes-long!!")

	token, _, err := svc.Mint("creator-1", "session-1", true)
	if err != nil {
		t.Fatalf("Mint failed: %v", err)
	}

	claims, err := svc.Verify(token)
	if err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	if !claims.Creator {
		t.Fatalf("expected creator=true")
	}
}

func TestMint_EmptyIDs(t *testing.T) {
	svc := NewTokenService("a-secret-at-least-32-bytes-long!!")

	if _, _, err := svc.Mint("", "session-1", false); !errors.Is(err, ErrEmptyUserID) {
		t.Fatalf("expected ErrEmptyUserID, got %v", err)
	}
	if _, _, err := svc.Mint("user-1", "", false); !errors.Is(err, ErrEmptySessionID) {
		t.Fatalf("expected ErrEmptySessionID, got %v", err)
	}
}

func TestVerify_InvalidSignature(t *testing.T) {
	svc := NewTokenService("a-secret-at-least-32-bytes-long!!")
	other := NewTokenService("a-different-secret-32-bytes-long")

	token, _, err := svc.Mint("user-1", "session-1", false)
	if err != nil {
		t.Fatalf("Mint failed: %v", err)
	}

	if _, err := other.Verify(token); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
}

func TestVerify_Expired(t *testing.T) {
	svc := NewTokenService("a-secret-at-least-32-bytes-long!!")
	svc.expiry = -1 * time.Minute // force an already-expired token

	token, _, err := svc.Mint("user-1", "session-1", false)
	if err != nil {
		t.Fatalf("Mint failed: %v", err)
	}

	if _, err := svc.Verify(token); !errors.Is(err, ErrExpiredToken) {
		t.Fatalf("expected ErrExpiredToken, got %v", err)
	}
}

func TestVerify_Malformed(t *testing.T) {
	svc := NewTokenService("a-secret-at-least-32-bytes-long!!")

	if _, err := svc.Verify("not.a.token"); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
}

func TestRotation_ValidatesAgainstPreviousSecret(t *testing.T) {
	oldSecret := "old-secret-at-least-32-bytes-long"
	newSecret := "new-secret-at-least-32-bytes-long"

	oldSvc := NewTokenService(oldSecret)
	token, _, err := oldSvc.Mint("user-1", "session-1", false)
	if err != nil {
		t.Fatalf("Mint failed: %v", err)
	}

	rotated := NewTokenServiceWithRotation(newSecret, oldSecret)
	claims, err := rotated.Verify(token)
	if err != nil {
		t.Fatalf("expected token signed with previous secret to verify, got %v", err)
	}
	if claims.UserID != "user-1" {
		t.Fatalf("unexpected claims: %+v", claims)
	}
}
