// Command keygen creates the RSA signing key the broker loads from keys.private_key_path
// or, with -format jwks, a private JWKS document for keys.jwks_path.
package main

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"

	"github.com/go-jose/go-jose/v3"

	"oidcbroker/keys"
)

func main() {
	if err := run(os.Args[1:], os.Stdout, os.Stderr); err != nil {
		log.Fatalf("keygen: %v", err)
	}
}

func run(args []string, stdout, stderr io.Writer) error {
	fs := flag.NewFlagSet("keygen", flag.ContinueOnError)
	fs.SetOutput(stderr)
	out := fs.String("out", "signing.pem", "Output path")
	format := fs.String("format", "pem", "Output format: pem or jwks")
	kid := fs.String("kid", "", "Key ID (defaults to the RFC 7638 thumbprint)")
	bits := fs.Int("bits", 2048, "RSA modulus size")
	force := fs.Bool("force", false, "Overwrite an existing file")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *bits < 2048 {
		return fmt.Errorf("refusing to generate a %d-bit key", *bits)
	}
	if _, err := os.Stat(*out); err == nil && !*force {
		return fmt.Errorf("%s already exists; pass -force to overwrite", *out)
	} else if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("stat %s: %w", *out, err)
	}

	key, err := rsa.GenerateKey(rand.Reader, *bits)
	if err != nil {
		return fmt.Errorf("generate key: %w", err)
	}
	id := *kid
	if id == "" {
		if id, err = keys.Thumbprint(key); err != nil {
			return err
		}
	}

	var payload []byte
	switch *format {
	case "pem":
		payload = keys.EncodePrivateKeyPEM(key)
	case "jwks":
		set := jose.JSONWebKeySet{Keys: []jose.JSONWebKey{{Key: key, KeyID: id, Algorithm: keys.Algorithm, Use: "sig"}}}
		if payload, err = json.MarshalIndent(set, "", "  "); err != nil {
			return fmt.Errorf("encode jwks: %w", err)
		}
	default:
		return fmt.Errorf("unknown format %q", *format)
	}

	if dir := filepath.Dir(*out); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("create dir: %w", err)
		}
	}
	if err := os.WriteFile(*out, payload, 0o600); err != nil {
		return fmt.Errorf("write %s: %w", *out, err)
	}
	fmt.Fprintf(stdout, "wrote %s (kid %s)\n", *out, id)
	return nil
}
