// Package captcha issues short single-use visual challenges that must be
// answered before a login attempt is considered.
package captcha

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"time"
)

const (
	// DefaultLength is the number of characters in a challenge.
	DefaultLength = 4
	// MaxLength bounds both generation and rendering.
	MaxLength = 12
	// Alphabet is the set challenge characters are drawn from.
	Alphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
)

var alphabetSize = big.NewInt(int64(len(Alphabet)))

// GenerateText returns length characters drawn uniformly from Alphabet using
// crypto/rand. A non-positive length selects DefaultLength.
func GenerateText(length int) (string, error) {
	if length <= 0 {
		length = DefaultLength
	}
	if length > MaxLength {
		return "", fmt.Errorf("captcha: length %d exceeds %d", length, MaxLength)
	}
	buf := make([]byte, length)
	for i := range buf {
		n, err := rand.Int(rand.Reader, alphabetSize)
		if err != nil {
			return "", fmt.Errorf("captcha: random source: %w", err)
		}
		buf[i] = Alphabet[n.Int64()]
	}
	return string(buf), nil
}

// ChallengeStore binds challenge text to a session context token.
type ChallengeStore interface {
	PutChallenge(ctx context.Context, token, text string) error
}

// Challenge is a freshly issued challenge. Text must never leave the server.
type Challenge struct {
	Text     string
	Image    []byte
	IssuedAt time.Time
}

// Issuer generates, renders and stores challenges.
type Issuer struct {
	store    ChallengeStore
	length   int
	generate func(int) (string, error)
	now      func() time.Time
}

// Option configures an Issuer.
type Option func(*Issuer)

// WithLength overrides DefaultLength.
func WithLength(n int) Option {
	return func(i *Issuer) {
		if n > 0 {
			i.length = n
		}
	}
}

// WithGenerator replaces GenerateText, e.g. to pin the text in tests.
func WithGenerator(fn func(int) (string, error)) Option {
	return func(i *Issuer) {
		if fn != nil {
			i.generate = fn
		}
	}
}

// NewIssuer returns an Issuer writing to store.
func NewIssuer(store ChallengeStore, opts ...Option) (*Issuer, error) {
	if store == nil {
		return nil, errors.New("captcha: challenge store is required")
	}
	i := &Issuer{
		store:    store,
		length:   DefaultLength,
		generate: GenerateText,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(i)
	}
	return i, nil
}

// Issue creates a challenge for token, replacing any unconsumed one.
func (i *Issuer) Issue(ctx context.Context, token string) (Challenge, error) {
	text, err := i.generate(i.length)
	if err != nil {
		return Challenge{}, err
	}
	img, err := Render(text)
	if err != nil {
		return Challenge{}, err
	}
	if err := i.store.PutChallenge(ctx, token, text); err != nil {
		return Challenge{}, fmt.Errorf("captcha: store challenge: %w", err)
	}
	return Challenge{Text: text, Image: img, IssuedAt: i.now().UTC()}, nil
}
