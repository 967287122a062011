package auth

import "time"

// Identity is a principal that can log in. The core never mutates it.
type Identity struct {
	ID        int64
	LoginCode string
	Name      string
	Digest    string
	Enabled   bool
}

// Group is a named capability. Membership in the group grants it.
type Group struct {
	ID          int64
	Code        string
	Name        string
	Description string
	Enabled     bool
}

// LoginRequest carries one login attempt. EncryptedSecret is the base64
// RSA-OAEP ciphertext of the password.
type LoginRequest struct {
	ContextToken    string
	LoginCode       string
	EncryptedSecret string
	ChallengeAnswer string
	// CurrentToken is the caller's existing session, if any. It is revoked
	// when the login succeeds.
	CurrentToken string
}

// LoginResult describes the session established by a successful login.
type LoginResult struct {
	Token         string    `json:"token"`
	IdentityID    int64     `json:"identity_id"`
	LoginCode     string    `json:"login_code"`
	EstablishedAt time.Time `json:"established_at"`
}

// IssuedChallenge is what a client receives for a challenge request. The
// expected answer is deliberately absent.
type IssuedChallenge struct {
	ContextToken string
	Image        []byte
	IssuedAt     time.Time
}
