package upstream

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"

	"golang.org/x/oauth2"
)

// ChallengeMethod is the only PKCE method the broker uses.
const ChallengeMethod = "S256"

const (
	verifierBytes = 32
	stateBytes    = 24
)

// Transaction is the one-time material for a single login attempt.
type Transaction struct {
	Verifier  string
	Challenge string
	State     string
	Nonce     string
}

// NewTransaction generates a fresh verifier/challenge pair plus state and nonce.
func NewTransaction() (Transaction, error) {
	verifier, err := randomToken(verifierBytes)
	if err != nil {
		return Transaction{}, fmt.Errorf("generate verifier: %w", err)
	}
	state, err := randomToken(stateBytes)
	if err != nil {
		return Transaction{}, fmt.Errorf("generate state: %w", err)
	}
	nonce, err := randomToken(stateBytes)
	if err != nil {
		return Transaction{}, fmt.Errorf("generate nonce: %w", err)
	}
	return Transaction{
		Verifier:  verifier,
		Challenge: oauth2.S256ChallengeFromVerifier(verifier),
		State:     state,
		Nonce:     nonce,
	}, nil
}

func randomToken(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
