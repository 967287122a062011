package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"strings"

	"prjevent.org/internal/captcha"
	"prjevent.org/internal/credential"
	"prjevent.org/internal/obs"
	"prjevent.org/internal/session"
)

// Authenticator drives the Anonymous -> Authenticated -> Anonymous session
// lifecycle: challenge issuance, login and logout.
type Authenticator struct {
	identities IdentityLookup
	sessions   session.Store
	keys       *credential.KeyRing
	issuer     *captcha.Issuer
}

// Option configures an Authenticator.
type Option func(*Authenticator) error

// WithChallengeIssuer replaces the default issuer built on the session store.
func WithChallengeIssuer(issuer *captcha.Issuer) Option {
	return func(a *Authenticator) error {
		if issuer == nil {
			return errors.New("auth: challenge issuer is nil")
		}
		a.issuer = issuer
		return nil
	}
}

// NewAuthenticator wires the collaborators a login needs.
func NewAuthenticator(identities IdentityLookup, sessions session.Store, keys *credential.KeyRing, opts ...Option) (*Authenticator, error) {
	if identities == nil || sessions == nil || keys == nil {
		return nil, errors.New("auth: identities, sessions and keys are required")
	}
	a := &Authenticator{identities: identities, sessions: sessions, keys: keys}
	for _, opt := range opts {
		if err := opt(a); err != nil {
			return nil, err
		}
	}
	if a.issuer == nil {
		issuer, err := captcha.NewIssuer(sessions)
		if err != nil {
			return nil, err
		}
		a.issuer = issuer
	}
	return a, nil
}

// IssueChallenge binds a fresh challenge to contextToken, allocating a new
// context token when the caller has none. Any earlier unanswered challenge
// for the same context is replaced.
func (a *Authenticator) IssueChallenge(ctx context.Context, contextToken string) (IssuedChallenge, error) {
	token := contextToken
	if !session.ValidToken(token) {
		fresh, err := session.NewToken()
		if err != nil {
			return IssuedChallenge{}, internalError("allocate context", err)
		}
		token = fresh
	}
	ch, err := a.issuer.Issue(ctx, token)
	if err != nil {
		return IssuedChallenge{}, internalError("issue challenge", err)
	}
	obs.ObserveChallengeIssued()
	return IssuedChallenge{ContextToken: token, Image: ch.Image, IssuedAt: ch.IssuedAt}, nil
}

// Login verifies the challenge answer and the encrypted credential and
// establishes a session. The pending challenge is consumed whatever the
// outcome. A successful login revokes req.CurrentToken.
func (a *Authenticator) Login(ctx context.Context, req LoginRequest) (res LoginResult, err error) {
	defer func() {
		outcome := loginOutcome(err)
		obs.ObserveLogin(outcome)
		if err != nil {
			obs.Log(obs.LevelWarn, "login_failed", map[string]any{
				"login_code": req.LoginCode,
				"outcome":    outcome,
				"error":      err.Error(),
			})
		}
	}()

	if req.ContextToken == "" {
		return LoginResult{}, ErrChallengeMissing
	}
	pending, err := a.sessions.TakeChallenge(ctx, req.ContextToken)
	if errors.Is(err, session.ErrNotFound) {
		return LoginResult{}, ErrChallengeMissing
	}
	if err != nil {
		return LoginResult{}, internalError("take challenge", err)
	}
	if !answerMatches(pending.Text, req.ChallengeAnswer) {
		return LoginResult{}, ErrChallengeMismatch
	}

	// Decrypt before resolving the login code so a malformed credential
	// answers the same way for known and unknown identities.
	secret, err := a.keys.Decrypt(req.EncryptedSecret)
	if err != nil {
		return LoginResult{}, fmt.Errorf("%w (%v)", ErrCredentialFormat, err)
	}

	ident, err := a.identities.FindByLoginCode(ctx, strings.TrimSpace(req.LoginCode))
	switch {
	case errors.Is(err, ErrIdentityNotFound):
		credential.VerifyDummy(secret)
		return LoginResult{}, ErrIdentityNotFound
	case err != nil:
		return LoginResult{}, internalError("find identity", err)
	case !ident.Enabled:
		credential.VerifyDummy(secret)
		return LoginResult{}, ErrInvalidCredentials
	}
	if !credential.Verify(secret, ident.Digest) {
		return LoginResult{}, ErrInvalidCredentials
	}

	if req.CurrentToken != "" {
		if err := a.sessions.Delete(ctx, req.CurrentToken); err != nil {
			return LoginResult{}, internalError("revoke previous session", err)
		}
	}
	token, err := a.sessions.Create(ctx, ident.ID, ident.LoginCode)
	if err != nil {
		return LoginResult{}, internalError("create session", err)
	}
	rec, err := a.sessions.Get(ctx, token)
	if err != nil {
		return LoginResult{}, internalError("read session", err)
	}
	return LoginResult{
		Token:         token,
		IdentityID:    rec.IdentityID,
		LoginCode:     rec.LoginCode,
		EstablishedAt: rec.EstablishedAt,
	}, nil
}

// Logout ends the session identified by token. Without a live session it
// returns ErrNotLoggedIn, so a repeated logout reports the same error.
func (a *Authenticator) Logout(ctx context.Context, token string) error {
	if token == "" {
		return ErrNotLoggedIn
	}
	if _, err := a.sessions.Get(ctx, token); err != nil {
		if errors.Is(err, session.ErrNotFound) {
			return ErrNotLoggedIn
		}
		return internalError("read session", err)
	}
	if err := a.sessions.Delete(ctx, token); err != nil {
		return internalError("delete session", err)
	}
	return nil
}

// PublicKeyPEM returns the key clients must encrypt credentials with.
func (a *Authenticator) PublicKeyPEM() (string, error) {
	return a.keys.Active().EncodePublicPEM()
}

func answerMatches(expected, supplied string) bool {
	want := strings.ToUpper(strings.TrimSpace(expected))
	got := strings.ToUpper(strings.TrimSpace(supplied))
	if want == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(want), []byte(got)) == 1
}

func loginOutcome(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, ErrChallengeMissing):
		return "challenge_missing"
	case errors.Is(err, ErrChallengeMismatch):
		return "challenge_mismatch"
	case errors.Is(err, ErrInputFormat):
		return "bad_format"
	case errors.Is(err, ErrIdentityNotFound), errors.Is(err, ErrInvalidCredentials):
		return "invalid_credentials"
	default:
		return "error"
	}
}
