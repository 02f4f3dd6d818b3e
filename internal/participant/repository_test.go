package participant

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestInMemoryRepository_JoinAndGet(t *testing.T) {
	repo := NewInMemoryRepository()
	ctx := context.Background()
	now := time.Now()

	p := &Participant{SessionID: "s1", UserID: "u1", DisplayName: "Alice", AvatarColor: "#112233", JoinedAt: now, LastSeen: now}
	if err := repo.Join(ctx, p); err != nil {
		t.Fatalf("Join failed: %v", err)
	}

	got, err := repo.Get(ctx, "s1", "u1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if !got.Active || got.DisplayName != "Alice" {
		t.Fatalf("unexpected participant: %+v", got)
	}

	if err := repo.Join(ctx, p); !errors.Is(err, ErrAlreadyActive) {
		t.Fatalf("expected ErrAlreadyActive on double join, got %v", err)
	}
}

func TestInMemoryRepository_JoinWithCapacity(t *testing.T) {
	repo := NewInMemoryRepository()
	ctx := context.Background()
	now := time.Now()

	for i := 0; i < 3; i++ {
		p := &Participant{SessionID: "s1", UserID: string(rune('a' + i)), DisplayName: "p", AvatarColor: "#112233", JoinedAt: now, LastSeen: now}
		if err := repo.JoinWithCapacity(ctx, p, 3); err != nil {
			t.Fatalf("join %d failed: %v", i, err)
		}
	}

	overflow := &Participant{SessionID: "s1", UserID: "overflow", DisplayName: "p", AvatarColor: "#112233", JoinedAt: now, LastSeen: now}
	if err := repo.JoinWithCapacity(ctx, overflow, 3); !errors.Is(err, ErrCapacityExceeded) {
		t.Fatalf("expected ErrCapacityExceeded, got %v", err)
	}

	count, err := repo.ActiveCount(ctx, "s1")
	if err != nil {
		t.Fatalf("ActiveCount failed: %v", err)
	}
	if count != 3 {
		t.Fatalf("expected active count to stay at 3 after rejected join, got %d", count)
	}
}

func TestInMemoryRepository_LeaveThenRejoin(t *testing.T) {
	repo := NewInMemoryRepository()
	ctx := context.Background()
	now := time.Now()

	p := &Participant{SessionID: "s1", UserID: "u1", DisplayName: "Alice", JoinedAt: now, LastSeen: now}
	if err := repo.Join(ctx, p); err != nil {
		t.Fatalf("Join failed: %v", err)
	}

	if err := repo.Leave(ctx, "s1", "u1", now); err != nil {
		t.Fatalf("Leave failed: %v", err)
	}

	count, _ := repo.ActiveCount(ctx, "s1")
	if count != 0 {
		t.Fatalf("expected 0 active after leave, got %d", count)
	}

	// Leave is idempotent.
	if err := repo.Leave(ctx, "s1", "u1", now); err != nil {
		t.Fatalf("second Leave should not error: %v", err)
	}

	// Rejoin is allowed after leaving.
	if err := repo.Join(ctx, p); err != nil {
		t.Fatalf("rejoin after leave failed: %v", err)
	}
	count, _ = repo.ActiveCount(ctx, "s1")
	if count != 1 {
		t.Fatalf("expected 1 active after rejoin, got %d", count)
	}
}

func TestInMemoryRepository_ActiveCountAndListActive(t *testing.T) {
	repo := NewInMemoryRepository()
	ctx := context.Background()
	now := time.Now()

	for i := 0; i < 3; i++ {
		userID := string(rune('a' + i))
		if err := repo.Join(ctx, &Participant{SessionID: "s1", UserID: userID, DisplayName: "x", JoinedAt: now, LastSeen: now}); err != nil {
			t.Fatalf("Join failed: %v", err)
		}
	}

	count, err := repo.ActiveCount(ctx, "s1")
	if err != nil || count != 3 {
		t.Fatalf("expected 3 active, got %d err %v", count, err)
	}

	active, err := repo.ListActive(ctx, "s1")
	if err != nil || len(active) != 3 {
		t.Fatalf("expected 3 active listed, got %d err %v", len(active), err)
	}
}

func TestInMemoryRepository_SweepInactive(t *testing.T) {
	repo := NewInMemoryRepository()
	ctx := context.Background()
	old := time.Now().Add(-2 * time.Hour)
	recent := time.Now()

	if err := repo.Join(ctx, &Participant{SessionID: "s1", UserID: "stale", JoinedAt: old, LastSeen: old}); err != nil {
		t.Fatalf("Join failed: %v", err)
	}
	if err := repo.Join(ctx, &Participant{SessionID: "s1", UserID: "fresh", JoinedAt: recent, LastSeen: recent}); err != nil {
		t.Fatalf("Join failed: %v", err)
	}

	cutoff := time.Now().Add(-1 * time.Hour)
	transitioned, err := repo.SweepInactive(ctx, cutoff)
	if err != nil {
		t.Fatalf("SweepInactive failed: %v", err)
	}
	if len(transitioned) != 1 || transitioned[0].UserID != "stale" {
		t.Fatalf("expected only 'stale' to be swept, got %+v", transitioned)
	}

	count, _ := repo.ActiveCount(ctx, "s1")
	if count != 1 {
		t.Fatalf("expected 1 active remaining, got %d", count)
	}
}

func TestInMemoryRepository_DeactivateSession(t *testing.T) {
	repo := NewInMemoryRepository()
	ctx := context.Background()
	now := time.Now()

	for i := 0; i < 2; i++ {
		userID := string(rune('a' + i))
		if err := repo.Join(ctx, &Participant{SessionID: "s1", UserID: userID, JoinedAt: now, LastSeen: now}); err != nil {
			t.Fatalf("Join failed: %v", err)
		}
	}

	if err := repo.DeactivateSession(ctx, "s1", now); err != nil {
		t.Fatalf("DeactivateSession failed: %v", err)
	}

	count, _ := repo.ActiveCount(ctx, "s1")
	if count != 0 {
		t.Fatalf("expected 0 active after deactivate, got %d", count)
	}
}

func TestValidateDisplayName(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr error
	}{
		{"trims_and_accepts", "  Alice  ", nil},
		{"empty_rejected", "   ", ErrEmptyDisplayName},
		{"exactly_100_accepted", string(make([]rune, 100)), nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ValidateDisplayName(tt.input)
			if tt.wantErr == nil {
				if err != nil {
					t.Fatalf("expected no error, got %v", err)
				}
				return
			}
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("expected %v, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestValidateDisplayName_TooLong(t *testing.T) {
	long := make([]byte, 101)
	for i := range long {
		long[i] = 'a'
	}
	if _, err := ValidateDisplayName(string(long)); !errors.Is(err, ErrDisplayNameTooLong) {
		t.Fatalf("expected ErrDisplayNameTooLong, got %v", err)
	}
}
