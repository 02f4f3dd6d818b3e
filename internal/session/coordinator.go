package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/onnwee/subcults/internal/auth"
	"github.com/onnwee/subcults/internal/color"
	"github.com/onnwee/subcults/internal/participant"
)

// TokenMinter is the subset of auth.TokenService the coordinator needs,
// named here to avoid a hard dependency from session on auth.
type TokenMinter interface {
	Mint(userID, sessionID string, creator bool) (token string, expiresAt time.Time, err error)
	Verify(token string) (userID, sessionID string, creator bool, err error)
}

// TokenAdapter makes an *auth.TokenService satisfy TokenMinter by
// flattening its Claims struct into the plain return values the
// coordinator needs, keeping session decoupled from the auth package's
// claims representation.
type TokenAdapter struct {
	Tokens *auth.TokenService
}

func (a TokenAdapter) Mint(userID, sessionID string, creator bool) (string, time.Time, error) {
	return a.Tokens.Mint(userID, sessionID, creator)
}

func (a TokenAdapter) Verify(token string) (userID, sessionID string, creator bool, err error) {
	claims, err := a.Tokens.Verify(token)
	if err != nil {
		return "", "", false, err
	}
	return claims.UserID, claims.SessionID, claims.Creator, nil
}

// Publisher is the subset of the realtime broker's cross-node publish
// surface the coordinator needs to announce a session-ended control event.
// Implemented by internal/presence.Store.
type Publisher interface {
	PublishSessionEnded(ctx context.Context, sessionID, reason string) error
}

// Clock abstracts time.Now so tests can control it. Defaults to time.Now.
type Clock func() time.Time

// Coordinator implements the Session Coordinator: create, get, join, end.
// All DS mutations go through sessions/participants; all operations are
// transactional at the repository layer per operation.
type Coordinator struct {
	sessions        Repository
	participants    participant.Repository
	tokens          TokenMinter
	publisher       Publisher
	now             Clock
	baseURL         string
	maxParticipants int
}

// NewCoordinator builds a Coordinator. baseURL (e.g. "https://example.com")
// prefixes both join_link ("{baseURL}/join/{id}") and websocket_url
// ("{baseURL}/ws?token=..."), so both links share its scheme.
// The per-session participant cap defaults to MaxParticipants; override it
// with SetMaxParticipants to honor a deployment's MAX_PARTICIPANTS_PER_SESSION.
func NewCoordinator(sessions Repository, participants participant.Repository, tokens TokenMinter, publisher Publisher, baseURL string) *Coordinator {
	return &Coordinator{
		sessions:        sessions,
		participants:    participants,
		tokens:          tokens,
		publisher:       publisher,
		now:             time.Now,
		baseURL:         baseURL,
		maxParticipants: MaxParticipants,
	}
}

// SetMaxParticipants overrides the per-session participant cap. A
// non-positive value is ignored and the existing cap is kept.
func (c *Coordinator) SetMaxParticipants(n int) {
	if n > 0 {
		c.maxParticipants = n
	}
}

// CreateResult is the response payload for Create.
type CreateResult struct {
	SessionID string
	Name      string
	JoinLink  string
	ExpiresAt time.Time
	CreatorID string
}

// Create synthesizes a new session. name may be blank (a name is
// generated); ttlMinutes must be within [MinTTLMinutes, MaxTTLMinutes].
func (c *Coordinator) Create(ctx context.Context, name string, ttlMinutes int) (*CreateResult, error) {
	if ttlMinutes < MinTTLMinutes || ttlMinutes > MaxTTLMinutes {
		return nil, fmt.Errorf("%w: expires_in_minutes must be between %d and %d", ErrInvalidRequest, MinTTLMinutes, MaxTTLMinutes)
	}

	trimmed := strings.TrimSpace(name)
	if len(trimmed) > MaxNameLength {
		return nil, fmt.Errorf("%w: name exceeds %d characters", ErrInvalidRequest, MaxNameLength)
	}
	if trimmed == "" {
		trimmed = GenerateName()
	}

	now := c.now()
	sessionID := uuid.NewString()
	creatorID := uuid.NewString()

	s := &Session{
		ID:           sessionID,
		Name:         trimmed,
		CreatedAt:    now,
		ExpiresAt:    now.Add(time.Duration(ttlMinutes) * time.Minute),
		CreatorID:    creatorID,
		Active:       true,
		LastActivity: now,
	}
	if err := c.sessions.Create(ctx, s); err != nil {
		return nil, err
	}

	return &CreateResult{
		SessionID: sessionID,
		Name:      trimmed,
		JoinLink:  fmt.Sprintf("%s/join/%s", c.baseURL, sessionID),
		ExpiresAt: s.ExpiresAt,
		CreatorID: creatorID,
	}, nil
}

// GetResult is the response payload for Get.
type GetResult struct {
	Session          *Session
	ParticipantCount int
}

// Get fetches a session snapshot plus its active-participant count.
// Returns ErrNotFound, ErrExpired, or ErrInactive in that precedence order
// (see SPEC_FULL.md §4.1).
func (c *Coordinator) Get(ctx context.Context, sessionID string) (*GetResult, error) {
	s, err := c.sessions.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	switch Classify(s, c.now()) {
	case StatusExpired:
		return nil, ErrExpired
	case StatusInactive:
		return nil, ErrInactive
	}

	count, err := c.participants.ActiveCount(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return &GetResult{Session: s, ParticipantCount: count}, nil
}

// JoinResult is the response payload for Join.
type JoinResult struct {
	UserID      string
	Token       string
	TokenExpiry time.Time
	StreamURL   string
	AvatarColor string
}

// Join enrolls a new participant in sessionID. displayName is validated and
// trimmed; avatarColor, if non-empty, must be a valid #RRGGBB hex string,
// otherwise one is assigned from the fixed palette.
func (c *Coordinator) Join(ctx context.Context, sessionID, displayName, avatarColor string) (*JoinResult, error) {
	s, err := c.sessions.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	now := c.now()
	switch Classify(s, now) {
	case StatusExpired:
		return nil, ErrExpired
	case StatusInactive:
		return nil, ErrInactive
	}

	name, err := participant.ValidateDisplayName(displayName)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}

	if avatarColor != "" {
		avatarColor, err = color.Normalize(avatarColor)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
		}
	} else {
		avatarColor = color.RandomAvatarColor()
	}

	userID := uuid.NewString()
	isCreator := false // newly generated ids never match the creator id minted at create time

	p := &participant.Participant{
		UserID:      userID,
		SessionID:   sessionID,
		DisplayName: name,
		AvatarColor: avatarColor,
		Creator:     isCreator,
		JoinedAt:    now,
		LastSeen:    now,
	}
	if err := c.participants.JoinWithCapacity(ctx, p, c.maxParticipants); err != nil {
		if errors.Is(err, participant.ErrCapacityExceeded) {
			return nil, ErrCapacityExceeded
		}
		return nil, err
	}

	token, expiry, err := c.tokens.Mint(userID, sessionID, isCreator)
	if err != nil {
		return nil, err
	}

	return &JoinResult{
		UserID:      userID,
		Token:       token,
		TokenExpiry: expiry,
		StreamURL:   fmt.Sprintf("%s/ws?token=%s", c.baseURL, token),
		AvatarColor: avatarColor,
	}, nil
}

// JoinAsCreator enrolls the session's creator as its first participant,
// minting a token carrying the creator claim the end operation later
// checks. Called once, immediately after Create, by the HTTP layer's
// create-then-auto-join convenience flow described in SPEC_FULL.md §9.
func (c *Coordinator) JoinAsCreator(ctx context.Context, sessionID, creatorID, displayName, avatarColor string) (*JoinResult, error) {
	if _, err := c.sessions.Get(ctx, sessionID); err != nil {
		return nil, err
	}
	now := c.now()

	name, err := participant.ValidateDisplayName(displayName)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	if avatarColor == "" {
		avatarColor = color.RandomAvatarColor()
	} else if avatarColor, err = color.Normalize(avatarColor); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}

	p := &participant.Participant{
		UserID:      creatorID,
		SessionID:   sessionID,
		DisplayName: name,
		AvatarColor: avatarColor,
		Creator:     true,
		JoinedAt:    now,
		LastSeen:    now,
	}
	if err := c.participants.Join(ctx, p); err != nil {
		return nil, err
	}

	token, expiry, err := c.tokens.Mint(creatorID, sessionID, true)
	if err != nil {
		return nil, err
	}

	return &JoinResult{
		UserID:      creatorID,
		Token:       token,
		TokenExpiry: expiry,
		StreamURL:   fmt.Sprintf("%s/ws?token=%s", c.baseURL, token),
		AvatarColor: avatarColor,
	}, nil
}

// End terminates a session. requesterToken must verify to claims whose
// UserID matches the session's CreatorID; anything else is ErrUnauthorized.
// A repeated End on an already-ended session returns ErrNotFound (see
// SPEC_FULL.md §4.1 for why this, rather than a silent success, is correct).
func (c *Coordinator) End(ctx context.Context, sessionID, requesterToken string) error {
	s, err := c.sessions.Get(ctx, sessionID)
	if err != nil {
		return err
	}

	requesterID, requesterSessionID, _, err := c.tokens.Verify(requesterToken)
	if err != nil {
		return ErrUnauthorized
	}
	if requesterSessionID != sessionID || requesterID != s.CreatorID {
		return ErrUnauthorized
	}

	if err := c.sessions.End(ctx, sessionID); err != nil {
		return err
	}
	if err := c.participants.DeactivateSession(ctx, sessionID, c.now()); err != nil {
		return err
	}

	if c.publisher != nil {
		if err := c.publisher.PublishSessionEnded(ctx, sessionID, "ended_by_creator"); err != nil {
			return fmt.Errorf("session ended but failed to notify connected streams: %w", err)
		}
	}
	return nil
}

// ListParticipants returns the active participants of a session, for the
// /participants read endpoint.
func (c *Coordinator) ListParticipants(ctx context.Context, sessionID string) ([]*participant.Participant, error) {
	if _, err := c.sessions.Get(ctx, sessionID); err != nil {
		return nil, err
	}
	return c.participants.ListActive(ctx, sessionID)
}

// RemoveParticipant deactivates a single participant (DELETE
// /sessions/{id}/participants/{user_id}). It only updates the participant
// row: no participant_left frame is published, and an open stream for that
// user is not closed.
func (c *Coordinator) RemoveParticipant(ctx context.Context, sessionID, userID string) error {
	if _, err := c.participants.Get(ctx, sessionID, userID); err != nil {
		return err
	}
	return c.participants.Leave(ctx, sessionID, userID, c.now())
}
