package credential

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"sync/atomic"
)

// MinKeyBits is the smallest RSA modulus accepted for credential transport.
const MinKeyBits = 2048

// KeyPair is the RSA key material used to receive encrypted secrets.
type KeyPair struct {
	Private *rsa.PrivateKey
	Public  *rsa.PublicKey
}

// GenerateKeyPair creates a fresh RSA key pair.
func GenerateKeyPair(bits int) (*KeyPair, error) {
	if bits < MinKeyBits {
		return nil, fmt.Errorf("credential: key size %d below minimum %d", bits, MinKeyBits)
	}
	priv, err := rsa.GenerateKey(rand.Reader, bits)
	if err != nil {
		return nil, fmt.Errorf("credential: generate key: %w", err)
	}
	return &KeyPair{Private: priv, Public: &priv.PublicKey}, nil
}

// ParseKeyPair parses PEM-encoded keys. publicPEM may be empty, in which case
// the public half is derived from the private key. A public key that does not
// belong to the private key is rejected.
func ParseKeyPair(privatePEM, publicPEM string) (*KeyPair, error) {
	privatePEM = strings.TrimSpace(privatePEM)
	publicPEM = strings.TrimSpace(publicPEM)
	if privatePEM == "" {
		return nil, errors.New("credential: private key is required")
	}
	priv, err := parseRSAPrivateKey(privatePEM)
	if err != nil {
		return nil, fmt.Errorf("credential: parse private key: %w", err)
	}
	pub := &priv.PublicKey
	if publicPEM != "" {
		parsed, err := parseRSAPublicKey(publicPEM)
		if err != nil {
			return nil, fmt.Errorf("credential: parse public key: %w", err)
		}
		if !parsed.Equal(pub) {
			return nil, errors.New("credential: public key does not match private key")
		}
		pub = parsed
	}
	if priv.N.BitLen() < MinKeyBits {
		return nil, fmt.Errorf("credential: key size %d below minimum %d", priv.N.BitLen(), MinKeyBits)
	}
	return &KeyPair{Private: priv, Public: pub}, nil
}

// LoadKeyPairFiles reads PEM files from disk. publicPath may be empty.
func LoadKeyPairFiles(privatePath, publicPath string) (*KeyPair, error) {
	privatePEM, err := os.ReadFile(privatePath)
	if err != nil {
		return nil, fmt.Errorf("credential: read private key: %w", err)
	}
	var publicPEM []byte
	if publicPath != "" {
		publicPEM, err = os.ReadFile(publicPath)
		if err != nil {
			return nil, fmt.Errorf("credential: read public key: %w", err)
		}
	}
	return ParseKeyPair(string(privatePEM), string(publicPEM))
}

// ParsePublicKey parses a PKIX or PKCS#1 PEM public key, as served to
// clients that encrypt credentials.
func ParsePublicKey(pemData string) (*rsa.PublicKey, error) {
	pub, err := parseRSAPublicKey(strings.TrimSpace(pemData))
	if err != nil {
		return nil, fmt.Errorf("credential: parse public key: %w", err)
	}
	return pub, nil
}

// EncodePrivatePEM returns the private key as a PKCS#8 PEM block.
func (k *KeyPair) EncodePrivatePEM() (string, error) {
	der, err := x509.MarshalPKCS8PrivateKey(k.Private)
	if err != nil {
		return "", err
	}
	return string(pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der})), nil
}

// EncodePublicPEM returns the public key as a PKIX PEM block.
func (k *KeyPair) EncodePublicPEM() (string, error) {
	der, err := x509.MarshalPKIXPublicKey(k.Public)
	if err != nil {
		return "", err
	}
	return string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})), nil
}

// KeyRing is the key material provider. The active pair can be swapped at
// runtime; the previous pair keeps decrypting until the next swap so clients
// holding the old public key are not cut off mid-login.
type KeyRing struct {
	mu       sync.Mutex
	active   atomic.Pointer[KeyPair]
	previous atomic.Pointer[KeyPair]
}

// NewKeyRing returns a ring whose active pair is pair.
func NewKeyRing(pair *KeyPair) (*KeyRing, error) {
	if pair == nil || pair.Private == nil || pair.Public == nil {
		return nil, errors.New("credential: key pair is required")
	}
	r := &KeyRing{}
	r.active.Store(pair)
	return r, nil
}

// Active returns the pair new clients should encrypt against.
func (r *KeyRing) Active() *KeyPair {
	return r.active.Load()
}

// Swap installs pair as active and demotes the current pair to previous.
func (r *KeyRing) Swap(pair *KeyPair) error {
	if pair == nil || pair.Private == nil || pair.Public == nil {
		return errors.New("credential: key pair is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.previous.Store(r.active.Load())
	r.active.Store(pair)
	return nil
}

// Decrypt tries the active key, then the previous one.
func (r *KeyRing) Decrypt(ciphertext string) (string, error) {
	plain, err := Decrypt(ciphertext, r.active.Load().Private)
	if err == nil {
		return plain, nil
	}
	if prev := r.previous.Load(); prev != nil {
		if plain, prevErr := Decrypt(ciphertext, prev.Private); prevErr == nil {
			return plain, nil
		}
	}
	return "", err
}

func parseRSAPrivateKey(pemData string) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode([]byte(pemData))
	if block == nil {
		return nil, errors.New("invalid PEM private key")
	}
	switch block.Type {
	case "RSA PRIVATE KEY":
		return x509.ParsePKCS1PrivateKey(block.Bytes)
	case "PRIVATE KEY":
		key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, err
		}
		if rsaKey, ok := key.(*rsa.PrivateKey); ok {
			return rsaKey, nil
		}
		return nil, errors.New("unsupported private key type")
	default:
		return nil, fmt.Errorf("unsupported private key type %s", block.Type)
	}
}

func parseRSAPublicKey(pemData string) (*rsa.PublicKey, error) {
	block, _ := pem.Decode([]byte(pemData))
	if block == nil {
		return nil, errors.New("invalid PEM public key")
	}
	switch block.Type {
	case "PUBLIC KEY":
		key, err := x509.ParsePKIXPublicKey(block.Bytes)
		if err != nil {
			return nil, err
		}
		rsaKey, ok := key.(*rsa.PublicKey)
		if !ok {
			return nil, errors.New("not an RSA public key")
		}
		return rsaKey, nil
	case "RSA PUBLIC KEY":
		return x509.ParsePKCS1PublicKey(block.Bytes)
	default:
		return nil, fmt.Errorf("unsupported public key type %s", block.Type)
	}
}
