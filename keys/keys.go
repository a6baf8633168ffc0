package keys

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/go-jose/go-jose/v3"
	"github.com/golang-jwt/jwt/v5"
)

// Algorithm is the only signing algorithm the broker issues.
const Algorithm = string(jose.RS256)

const keySize = 2048

// ErrUnknownKey is returned by Keyfunc when a token names a kid the manager does not hold.
var ErrUnknownKey = errors.New("unknown signing key")

// Config selects how the signing key is obtained.
type Config struct {
	PrivateKeyPath string
	JWKSPath       string
	KeyID          string
	RotateInterval time.Duration
	// RetainFor keeps a rotated-out key published and verifiable for this long,
	// normally the token TTL. Zero keeps only the most recent previous key.
	RetainFor time.Duration
}

type keyPair struct {
	PrivateKey *rsa.PrivateKey
	JWK        jose.JSONWebKey
	Kid        string
	CreatedAt  time.Time
	RetiredAt  time.Time
}

// Manager owns the broker signing key and its public key set.
type Manager struct {
	mu          sync.RWMutex
	current     keyPair
	previous    []keyPair
	rotateEvery time.Duration
	retain      time.Duration
	ephemeral   bool
	logger      *slog.Logger
}

// New selects a key provider from configuration: a PEM file, a JWKS file, or an
// ephemeral key generated at startup.
func New(cfg Config, logger *slog.Logger) (*Manager, error) {
	switch {
	case cfg.PrivateKeyPath != "":
		return LoadPEM(cfg.PrivateKeyPath, cfg.KeyID, logger)
	case cfg.JWKSPath != "":
		return LoadJWKS(cfg.JWKSPath, logger)
	default:
		m, err := NewEphemeral(cfg.RotateInterval, logger)
		if err != nil {
			return nil, err
		}
		m.retain = cfg.RetainFor
		return m, nil
	}
}

// NewEphemeral generates a fresh key. Tokens signed with it do not survive a restart.
func NewEphemeral(rotateEvery time.Duration, logger *slog.Logger) (*Manager, error) {
	m := &Manager{rotateEvery: rotateEvery, ephemeral: true, logger: logger}
	if err := m.rotate(); err != nil {
		return nil, err
	}
	logger.Warn("using ephemeral signing key; issued tokens become unverifiable on restart",
		"kid", m.current.Kid)
	return m, nil
}

// LoadPEM loads an RSA private key in PKCS#1 or PKCS#8 form. When kid is empty the
// RFC 7638 thumbprint of the public key is used so the id is stable across restarts.
func LoadPEM(path, kid string, logger *slog.Logger) (*Manager, error) {
	payload, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read private key: %w", err)
	}
	key, err := ParsePrivateKeyPEM(payload)
	if err != nil {
		return nil, fmt.Errorf("parse private key %s: %w", path, err)
	}
	pair, err := newKeyPair(key, kid)
	if err != nil {
		return nil, err
	}
	logger.Info("loaded signing key", "source", "pem", "kid", pair.Kid)
	return &Manager{current: pair, logger: logger}, nil
}

// LoadJWKS loads private keys from a JWKS document. The first key signs; the rest
// are published and accepted for verification only.
func LoadJWKS(path string, logger *slog.Logger) (*Manager, error) {
	payload, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read jwks: %w", err)
	}
	var set jose.JSONWebKeySet
	if err := json.Unmarshal(payload, &set); err != nil {
		return nil, fmt.Errorf("parse jwks %s: %w", path, err)
	}

	m := &Manager{logger: logger}
	for _, key := range set.Keys {
		priv, ok := key.Key.(*rsa.PrivateKey)
		if !ok {
			continue
		}
		pair, err := newKeyPair(priv, key.KeyID)
		if err != nil {
			return nil, err
		}
		if m.current.PrivateKey == nil {
			m.current = pair
		} else {
			m.previous = append(m.previous, pair)
		}
	}
	if m.current.PrivateKey == nil {
		return nil, fmt.Errorf("jwks %s: no RSA private keys", path)
	}
	logger.Info("loaded signing key", "source", "jwks", "kid", m.current.Kid, "verify_only", len(m.previous))
	return m, nil
}

// ParsePrivateKeyPEM decodes the first PEM block as an RSA private key.
func ParsePrivateKeyPEM(payload []byte) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode(payload)
	if block == nil {
		return nil, errors.New("no PEM block found")
	}
	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return key, nil
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, err
	}
	key, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, errors.New("PEM key is not RSA")
	}
	return key, nil
}

// EncodePrivateKeyPEM encodes key as a PKCS#1 PEM block.
func EncodePrivateKeyPEM(key *rsa.PrivateKey) []byte {
	return pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})
}

// Thumbprint returns the base64url RFC 7638 SHA-256 thumbprint of the public key.
func Thumbprint(key *rsa.PrivateKey) (string, error) {
	jwk := jose.JSONWebKey{Key: &key.PublicKey}
	sum, err := jwk.Thumbprint(crypto.SHA256)
	if err != nil {
		return "", fmt.Errorf("thumbprint: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(sum), nil
}

func newKeyPair(key *rsa.PrivateKey, kid string) (keyPair, error) {
	if kid == "" {
		var err error
		kid, err = Thumbprint(key)
		if err != nil {
			return keyPair{}, err
		}
	}
	jwk := jose.JSONWebKey{Key: key, KeyID: kid, Algorithm: Algorithm, Use: "sig"}
	return keyPair{PrivateKey: key, JWK: jwk, Kid: kid, CreatedAt: time.Now()}, nil
}

// StartRotation rotates ephemeral keys on a ticker until stop is closed.
// Persisted keys are never rotated in-process.
func (m *Manager) StartRotation(stop <-chan struct{}) {
	if m.rotateEvery <= 0 || !m.ephemeral {
		return
	}
	go func() {
		ticker := time.NewTicker(m.rotateEvery)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := m.rotate(); err != nil {
					m.logger.Error("signing key rotate", "error", err)
				}
			case <-stop:
				return
			}
		}
	}()
}

// SigningKey returns the current private key and its kid.
func (m *Manager) SigningKey() (*rsa.PrivateKey, string) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current.PrivateKey, m.current.Kid
}

// Sign signs claims with the current key, stamping kid and typ into the header.
func (m *Manager) Sign(claims jwt.Claims) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	m.mu.RLock()
	defer m.mu.RUnlock()
	token.Header["kid"] = m.current.Kid
	token.Header["typ"] = "JWT"
	return token.SignedString(m.current.PrivateKey)
}

// Keyfunc resolves the verification key by kid.
func (m *Manager) Keyfunc(token *jwt.Token) (any, error) {
	kid, _ := token.Header["kid"].(string)
	if kid == "" {
		return nil, fmt.Errorf("%w: missing kid", ErrUnknownKey)
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if kid == m.current.Kid {
		return &m.current.PrivateKey.PublicKey, nil
	}
	for _, prev := range m.previous {
		if prev.Kid == kid {
			return &prev.PrivateKey.PublicKey, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownKey, kid)
}

// PublicKeySet exposes the public halves of every key the manager accepts.
func (m *Manager) PublicKeySet() jose.JSONWebKeySet {
	m.mu.RLock()
	defer m.mu.RUnlock()
	keys := []jose.JSONWebKey{m.current.JWK.Public()}
	for _, prev := range m.previous {
		keys = append(keys, prev.JWK.Public())
	}
	return jose.JSONWebKeySet{Keys: keys}
}

func (m *Manager) rotate() error {
	key, err := rsa.GenerateKey(rand.Reader, keySize)
	if err != nil {
		return err
	}
	pair, err := newKeyPair(key, "")
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current.PrivateKey != nil {
		retired := m.current
		retired.RetiredAt = pair.CreatedAt
		m.previous = append(m.pruneRetired(pair.CreatedAt), retired)
		m.logger.Info("signing key rotated", "kid", pair.Kid, "previous_kid", retired.Kid, "verify_only", len(m.previous))
	}
	m.current = pair
	return nil
}

// pruneRetired drops keys whose last signed token has expired by now. Without a
// retention window only the newest retired key survives the next rotation.
func (m *Manager) pruneRetired(now time.Time) []keyPair {
	if m.retain <= 0 {
		return nil
	}
	kept := m.previous[:0]
	for _, prev := range m.previous {
		if now.Before(prev.RetiredAt.Add(m.retain)) {
			kept = append(kept, prev)
		}
	}
	return kept
}
