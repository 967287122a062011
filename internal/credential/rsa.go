package credential

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"
)

// Clients encrypt with RSA-OAEP using SHA-1 for both the label hash and MGF1
// (PyCryptodome PKCS1_OAEP defaults). Changing the hash breaks every caller.

// Decrypt base64-decodes ciphertext and decrypts it with key.
// Every failure wraps ErrDecryption with a fixed reason and never carries key
// material, ciphertext or plaintext.
func Decrypt(ciphertext string, key *rsa.PrivateKey) (string, error) {
	if key == nil {
		return "", decryptionError("private key unavailable")
	}
	raw, err := decodeBase64(strings.TrimSpace(ciphertext))
	if err != nil {
		return "", decryptionError("malformed base64")
	}
	if len(raw) != key.Size() {
		return "", decryptionError("ciphertext length mismatch")
	}
	plain, err := rsa.DecryptOAEP(sha1.New(), nil, key, raw, nil)
	if err != nil {
		return "", decryptionError("oaep padding mismatch")
	}
	if !utf8.Valid(plain) {
		return "", decryptionError("plaintext is not utf-8")
	}
	return string(plain), nil
}

// Encrypt is the inverse of Decrypt. It is used by tooling and tests; the
// login path only ever decrypts.
func Encrypt(plaintext string, key *rsa.PublicKey) (string, error) {
	if key == nil {
		return "", errors.New("credential: public key unavailable")
	}
	out, err := rsa.EncryptOAEP(sha1.New(), rand.Reader, key, []byte(plaintext), nil)
	if err != nil {
		return "", fmt.Errorf("credential: encrypt: %w", err)
	}
	return base64.StdEncoding.EncodeToString(out), nil
}

func decodeBase64(s string) ([]byte, error) {
	if s == "" {
		return nil, errors.New("empty")
	}
	if raw, err := base64.StdEncoding.DecodeString(s); err == nil {
		return raw, nil
	}
	return base64.RawStdEncoding.DecodeString(s)
}

func decryptionError(reason string) error {
	return fmt.Errorf("%w: %s", ErrDecryption, reason)
}
