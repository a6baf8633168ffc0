package upstream

import (
	"crypto/sha256"
	"encoding/base64"
	"testing"
)

func TestNewTransaction(t *testing.T) {
	tx, err := NewTransaction()
	if err != nil {
		t.Fatalf("NewTransaction: %v", err)
	}
	sum := sha256.Sum256([]byte(tx.Verifier))
	if want := base64.RawURLEncoding.EncodeToString(sum[:]); tx.Challenge != want {
		t.Fatalf("challenge = %q, want S256(verifier) %q", tx.Challenge, want)
	}
	// RFC 7636 bounds the verifier to 43..128 characters.
	if n := len(tx.Verifier); n < 43 || n > 128 {
		t.Fatalf("verifier length %d out of range", n)
	}
	if tx.State == "" || tx.Nonce == "" || tx.State == tx.Nonce {
		t.Fatalf("state and nonce must be set and distinct: %+v", tx)
	}
}

func TestNewTransactionUnique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 64; i++ {
		tx, err := NewTransaction()
		if err != nil {
			t.Fatalf("NewTransaction: %v", err)
		}
		for _, v := range []string{tx.Verifier, tx.State, tx.Nonce} {
			if seen[v] {
				t.Fatalf("duplicate value %q", v)
			}
			seen[v] = true
		}
	}
}
