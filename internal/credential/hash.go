// Package credential implements the credential cipher: salted one-way digests
// for stored secrets and RSA-OAEP decryption of secrets submitted by clients.
package credential

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/crypto/bcrypt"

	"prjevent.org/internal/obs"
)

var (
	// ErrEmptyInput is returned when a secret to hash is empty.
	ErrEmptyInput = errors.New("credential: empty input")
	// ErrDecryption is returned for every asymmetric decryption failure.
	ErrDecryption = errors.New("credential: decryption failed")
)

// Hash returns a salted argon2id digest of secret. Unlike bcrypt it accepts
// secrets of any length.
func Hash(secret string) (string, error) {
	return HashArgon2id(secret)
}

// HashBcrypt returns a bcrypt digest of secret with the given cost. Secrets
// longer than 72 bytes are rejected by bcrypt.
func HashBcrypt(secret string, cost int) (string, error) {
	if len(secret) == 0 {
		return "", ErrEmptyInput
	}
	digest, err := bcrypt.GenerateFromPassword([]byte(secret), cost)
	if err != nil {
		return "", fmt.Errorf("credential: hash: %w", err)
	}
	return string(digest), nil
}

// Verify reports whether secret matches a bcrypt or argon2id digest. A
// malformed digest is reported as a plain mismatch; the cause is only written
// to the debug log.
func Verify(secret, digest string) bool {
	if secret == "" || digest == "" {
		return false
	}
	if isArgon2Digest(digest) {
		ok, err := verifyArgon2id(secret, digest)
		if err != nil {
			obs.Log(obs.LevelDebug, "credential_digest_malformed", map[string]any{"reason": err.Error()})
		}
		return ok
	}
	err := bcrypt.CompareHashAndPassword([]byte(digest), []byte(secret))
	if err == nil {
		return true
	}
	if !errors.Is(err, bcrypt.ErrMismatchedHashAndPassword) {
		obs.Log(obs.LevelDebug, "credential_digest_malformed", map[string]any{"reason": err.Error()})
	}
	return false
}

var dummyDigest = sync.OnceValue(func() string {
	buf := make([]byte, 18)
	_, _ = rand.Read(buf)
	digest, err := HashArgon2id(base64.RawStdEncoding.EncodeToString(buf))
	if err != nil {
		return ""
	}
	return digest
})

// VerifyDummy spends the same work as verifying a default digest against one
// nobody knows the secret of. Used when the identity does not exist or is
// disabled so every failure path costs the same.
func VerifyDummy(secret string) {
	_, _ = verifyArgon2id(secret, dummyDigest())
}
