// Package auth mints and verifies the signed capability tokens that bind a
// stream connection to a (participant, session) pair.
package auth

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// DefaultTokenExpiry is the lifetime granted to a token minted at join.
const DefaultTokenExpiry = 24 * time.Hour

// DefaultLeeway absorbs small clock skew between nodes when validating
// expiry and issued-at claims.
const DefaultLeeway = 30 * time.Second

// ErrInvalidToken is returned for a malformed token, a bad signature, or a
// token whose claims don't parse as Claims.
var ErrInvalidToken = errors.New("auth: invalid token")

// ErrExpiredToken is returned when the token's exp claim is in the past.
var ErrExpiredToken = errors.New("auth: token expired")

// ErrEmptyUserID is returned by Mint when the participant id is empty.
var ErrEmptyUserID = errors.New("auth: user id cannot be empty")

// ErrEmptySessionID is returned by Mint when the session id is empty.
var ErrEmptySessionID = errors.New("auth: session id cannot be empty")

// Claims are the token's payload: a participant and the session it is bound
// to, plus a Creator bit set only for the session's creating participant.
type Claims struct {
	jwt.RegisteredClaims
	UserID    string `json:"uid"`
	SessionID string `json:"sid"`
	Creator   bool   `json:"creator,omitempty"`
}

// TokenService mints and verifies capability tokens. It supports dual-key
// rotation: tokens are always signed with currentSecret, but can be
// verified with either currentSecret or previousSecret, so an in-flight
// secret rotation does not invalidate tokens minted moments earlier.
type TokenService struct {
	currentSecret  []byte
	previousSecret []byte
	leeway         time.Duration
	expiry         time.Duration
}

// NewTokenService creates a TokenService signing with secret. secret must be
// at least 32 bytes per the deployment's security requirement; that check is
// performed by the caller (config validation), not here.
func NewTokenService(secret string) *TokenService {
	return &TokenService{
		currentSecret: []byte(secret),
		leeway:        DefaultLeeway,
		expiry:        DefaultTokenExpiry,
	}
}

// NewTokenServiceWithRotation creates a TokenService that verifies against
// both currentSecret and previousSecret, for zero-downtime secret rotation.
// previousSecret may be empty if no rotation is in progress.
func NewTokenServiceWithRotation(currentSecret, previousSecret string) *TokenService {
	s := &TokenService{
		currentSecret: []byte(currentSecret),
		leeway:        DefaultLeeway,
		expiry:        DefaultTokenExpiry,
	}
	if previousSecret != "" {
		s.previousSecret = []byte(previousSecret)
	}
	return s
}

// Mint signs a new capability token binding userID to sessionID, expiring
// DefaultTokenExpiry from now. creator marks the session's creating
// participant so the end operation can authorize against it later.
func (s *TokenService) Mint(userID, sessionID string, creator bool) (string, time.Time, error) {
	if userID == "" {
		return "", time.Time{}, ErrEmptyUserID
	}
	if sessionID == "" {
		return "", time.Time{}, ErrEmptySessionID
	}

	now := time.Now()
	expiresAt := now.Add(s.expiry)
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
		UserID:    userID,
		SessionID: sessionID,
		Creator:   creator,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.currentSecret)
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, expiresAt, nil
}

// Verify parses and validates tokenString, returning its claims. It
// distinguishes an expired token (ErrExpiredToken) from every other failure
// mode (ErrInvalidToken) so callers can react differently, per the error
// taxonomy's invalid-token/token-expired split.
func (s *TokenService) Verify(tokenString string) (*Claims, error) {
	claims, err := s.verifyWithSecret(tokenString, s.currentSecret)
	if err == nil {
		return claims, nil
	}
	firstErr := err

	if s.previousSecret != nil {
		claims, err = s.verifyWithSecret(tokenString, s.previousSecret)
		if err == nil {
			return claims, nil
		}
	}

	if errors.Is(err, jwt.ErrTokenExpired) || errors.Is(firstErr, jwt.ErrTokenExpired) {
		return nil, ErrExpiredToken
	}
	return nil, ErrInvalidToken
}

func (s *TokenService) verifyWithSecret(tokenString string, secret []byte) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if token.Method.Alg() != jwt.SigningMethodHS256.Alg() {
			return nil, ErrInvalidToken
		}
		return secret, nil
	}, jwt.WithLeeway(s.leeway))
	if err != nil {
		return nil, err
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || claims.UserID == "" || claims.SessionID == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}
