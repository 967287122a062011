// Package session holds server-side session records and the pending
// challenge bound to each session context.
package session

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned for unknown, expired or already consumed entries.
var ErrNotFound = errors.New("session: not found")

// TokenBytes is the amount of entropy in a token.
const TokenBytes = 32

// TokenLength is the encoded length of a token.
var TokenLength = base64.RawURLEncoding.EncodedLen(TokenBytes)

// Record is an authenticated session.
type Record struct {
	Token         string    `json:"-"`
	IdentityID    int64     `json:"identity_id"`
	LoginCode     string    `json:"login_code"`
	EstablishedAt time.Time `json:"established_at"`
	LastActivity  time.Time `json:"last_activity"`
}

// Challenge is the pending visual challenge of a session context.
type Challenge struct {
	Text     string    `json:"text"`
	IssuedAt time.Time `json:"issued_at"`
}

// Store keeps sessions and challenges. Implementations are safe for
// concurrent use and TakeChallenge hands a challenge out at most once.
type Store interface {
	Create(ctx context.Context, identityID int64, loginCode string) (string, error)
	Get(ctx context.Context, token string) (Record, error)
	Touch(ctx context.Context, token string) error
	Delete(ctx context.Context, token string) error
	PutChallenge(ctx context.Context, token, text string) error
	TakeChallenge(ctx context.Context, token string) (Challenge, error)
}

// NewToken returns a fresh random token.
func NewToken() (string, error) {
	buf := make([]byte, TokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("session: random source: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// ValidToken reports whether token has the shape produced by NewToken.
func ValidToken(token string) bool {
	if len(token) != TokenLength {
		return false
	}
	for i := 0; i < len(token); i++ {
		c := token[i]
		switch {
		case c >= 'A' && c <= 'Z', c >= 'a' && c <= 'z', c >= '0' && c <= '9', c == '-', c == '_':
		default:
			return false
		}
	}
	return true
}

const (
	DefaultSessionTTL   = 12 * time.Hour
	DefaultIdleTimeout  = 30 * time.Minute
	DefaultChallengeTTL = 5 * time.Minute
	createAttempts      = 3
)

type settings struct {
	sessionTTL   time.Duration
	idleTimeout  time.Duration
	challengeTTL time.Duration
	now          func() time.Time
}

func defaultSettings() settings {
	return settings{
		sessionTTL:   DefaultSessionTTL,
		idleTimeout:  DefaultIdleTimeout,
		challengeTTL: DefaultChallengeTTL,
		now:          time.Now,
	}
}

// Option tunes expiry for a store.
type Option func(*settings)

// WithSessionTTL sets the absolute session lifetime.
func WithSessionTTL(d time.Duration) Option {
	return func(s *settings) {
		if d > 0 {
			s.sessionTTL = d
		}
	}
}

// WithIdleTimeout sets the inactivity limit. Zero disables it.
func WithIdleTimeout(d time.Duration) Option {
	return func(s *settings) {
		if d >= 0 {
			s.idleTimeout = d
		}
	}
}

// WithChallengeTTL sets how long an unanswered challenge stays valid.
func WithChallengeTTL(d time.Duration) Option {
	return func(s *settings) {
		if d > 0 {
			s.challengeTTL = d
		}
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *settings) {
		if now != nil {
			s.now = now
		}
	}
}

func (s settings) sessionExpired(rec Record, now time.Time) bool {
	if now.Sub(rec.EstablishedAt) >= s.sessionTTL {
		return true
	}
	return s.idleTimeout > 0 && now.Sub(rec.LastActivity) >= s.idleTimeout
}

func (s settings) challengeExpired(ch Challenge, now time.Time) bool {
	return now.Sub(ch.IssuedAt) >= s.challengeTTL
}
