package supervisor

import (
	"context"
	"testing"
	"time"

	"github.com/onnwee/subcults/internal/participant"
	"github.com/onnwee/subcults/internal/session"
)

type fakeNotifier struct {
	ended []string
}

func (f *fakeNotifier) AnnounceSessionEnded(ctx context.Context, sessionID, reason string) error {
	f.ended = append(f.ended, sessionID+":"+reason)
	return nil
}

func TestSweepExpiry_EndsStaleSessionWithNoRecentParticipant(t *testing.T) {
	sessions := session.NewInMemoryRepository()
	participants := participant.NewInMemoryRepository()
	notifier := &fakeNotifier{}

	now := time.Now()
	stale := &session.Session{
		ID:           "s1",
		Name:         "Stale Session",
		CreatedAt:    now.Add(-2 * time.Hour),
		ExpiresAt:    now.Add(22 * time.Hour),
		CreatorID:    "creator1",
		Active:       true,
		LastActivity: now.Add(-90 * time.Minute),
	}
	if err := sessions.Create(context.Background(), stale); err != nil {
		t.Fatalf("create session: %v", err)
	}

	sv := New(Config{AutoExpireAfter: time.Hour, ParticipantStaleAfter: time.Hour}, sessions, participants, notifier, nil, nil)
	sv.sweepExpiry(context.Background())

	got, err := sessions.Get(context.Background(), "s1")
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if got.Active {
		t.Fatalf("expected session to be ended")
	}
	if len(notifier.ended) != 1 || notifier.ended[0] != "s1:expired" {
		t.Fatalf("expected session_ended announcement, got %v", notifier.ended)
	}
}

func TestSweepExpiry_SkipsSessionWithRecentParticipant(t *testing.T) {
	sessions := session.NewInMemoryRepository()
	participants := participant.NewInMemoryRepository()
	notifier := &fakeNotifier{}

	now := time.Now()
	s := &session.Session{
		ID:           "s1",
		Name:         "Active Session",
		CreatedAt:    now.Add(-2 * time.Hour),
		ExpiresAt:    now.Add(22 * time.Hour),
		CreatorID:    "creator1",
		Active:       true,
		LastActivity: now.Add(-90 * time.Minute),
	}
	if err := sessions.Create(context.Background(), s); err != nil {
		t.Fatalf("create session: %v", err)
	}
	if err := participants.Join(context.Background(), &participant.Participant{
		UserID: "u1", SessionID: "s1", DisplayName: "A", AvatarColor: "#000000",
		JoinedAt: now, LastSeen: now,
	}); err != nil {
		t.Fatalf("join participant: %v", err)
	}

	sv := New(Config{AutoExpireAfter: time.Hour, ParticipantStaleAfter: time.Hour}, sessions, participants, notifier, nil, nil)
	sv.sweepExpiry(context.Background())

	got, err := sessions.Get(context.Background(), "s1")
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if !got.Active {
		t.Fatalf("expected session to stay active due to recent participant")
	}
	if len(notifier.ended) != 0 {
		t.Fatalf("expected no announcement, got %v", notifier.ended)
	}
}

func TestSweepLiveness_MarksStaleParticipantsInactive(t *testing.T) {
	sessions := session.NewInMemoryRepository()
	participants := participant.NewInMemoryRepository()

	now := time.Now()
	if err := participants.Join(context.Background(), &participant.Participant{
		UserID: "u1", SessionID: "s1", DisplayName: "A", AvatarColor: "#000000",
		JoinedAt: now.Add(-time.Hour), LastSeen: now.Add(-2 * time.Hour),
	}); err != nil {
		t.Fatalf("join participant: %v", err)
	}

	sv := New(Config{ParticipantStaleAfter: time.Hour}, sessions, participants, nil, nil, nil)
	sv.sweepLiveness(context.Background())

	p, err := participants.Get(context.Background(), "s1", "u1")
	if err != nil {
		t.Fatalf("get participant: %v", err)
	}
	if p.Active {
		t.Fatalf("expected participant to be marked inactive")
	}
}

func TestNextBackoff_DoublesAndCaps(t *testing.T) {
	max := 10 * time.Second
	d := 1 * time.Second
	for i := 0; i < 10; i++ {
		prev := d
		d = nextBackoff(d, max)
		if d > max {
			t.Fatalf("backoff exceeded max: %v", d)
		}
		if d <= 0 {
			t.Fatalf("backoff must stay positive, got %v", d)
		}
		want := 2 * prev
		if want > max {
			want = max
		}
		if d < want*79/100 || d > want*121/100 {
			t.Fatalf("backoff %v not within jitter of doubled %v", d, want)
		}
	}
}

func TestSupervisor_StartStopWithoutWatchdog(t *testing.T) {
	sessions := session.NewInMemoryRepository()
	participants := participant.NewInMemoryRepository()

	sv := New(Config{
		ExpirySweepInterval:   10 * time.Millisecond,
		LivenessSweepInterval: 10 * time.Millisecond,
	}, sessions, participants, nil, nil, nil)

	ctx := context.Background()
	if err := sv.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	time.Sleep(30 * time.Millisecond)
	sv.Stop()
}

func TestSupervisor_SubscriberConnected_NoWatchdog(t *testing.T) {
	sessions := session.NewInMemoryRepository()
	participants := participant.NewInMemoryRepository()

	sv := New(Config{}, sessions, participants, nil, nil, nil)
	if !sv.SubscriberConnected() {
		t.Error("expected SubscriberConnected to report true when the watchdog is disabled")
	}
}
