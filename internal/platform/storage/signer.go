package storage

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"strings"

	"golang.org/x/oauth2/google"
)

// Signer signs URL payloads as a service account whose email becomes the GoogleAccessID.
type Signer interface {
	Email() string
	SignBytes(ctx context.Context, payload []byte) ([]byte, error)
}

// KeyFileSigner signs locally with the RSA key from a service account JSON key.
type KeyFileSigner struct {
	email string
	key   *rsa.PrivateKey
}

func LoadKeyFileSigner(path string) (*KeyFileSigner, error) {
	raw, err := os.ReadFile(strings.TrimSpace(path))
	if err != nil {
		return nil, fmt.Errorf("storage: read signer key: %w", err)
	}
	return ParseKeyFileSigner(raw)
}

// ParseKeyFileSigner accepts only service_account keys; user credentials cannot sign.
func ParseKeyFileSigner(raw []byte) (*KeyFileSigner, error) {
	cfg, err := google.JWTConfigFromJSON(raw)
	if err != nil {
		return nil, fmt.Errorf("storage: signer key: %w", err)
	}
	if strings.TrimSpace(cfg.Email) == "" {
		return nil, errors.New("storage: signer key has no client_email")
	}
	block, _ := pem.Decode(cfg.PrivateKey)
	if block == nil {
		return nil, errors.New("storage: signer key has no PEM private key")
	}
	key, err := parseRSAKey(block.Bytes)
	if err != nil {
		return nil, err
	}
	return &KeyFileSigner{email: strings.TrimSpace(cfg.Email), key: key}, nil
}

func parseRSAKey(der []byte) (*rsa.PrivateKey, error) {
	if parsed, err := x509.ParsePKCS8PrivateKey(der); err == nil {
		if key, ok := parsed.(*rsa.PrivateKey); ok {
			return key, nil
		}
		return nil, errors.New("storage: signer key is not RSA")
	}
	key, err := x509.ParsePKCS1PrivateKey(der)
	if err != nil {
		return nil, fmt.Errorf("storage: parse signer key: %w", err)
	}
	return key, nil
}

func (s *KeyFileSigner) Email() string { return s.email }

// SignBytes produces an RSASSA-PKCS1-v1_5 SHA-256 signature, the scheme V4 signed URLs use.
func (s *KeyFileSigner) SignBytes(ctx context.Context, payload []byte) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	digest := sha256.Sum256(payload)
	return rsa.SignPKCS1v15(rand.Reader, s.key, crypto.SHA256, digest[:])
}
