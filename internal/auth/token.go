// Package auth handles the bearer credentials used toward the broker:
// RS256-signed JWTs kept one-per-file in the tokens directory, validated
// against a pinned public key before use.
package auth

import (
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"
)

var (
	// ErrExpired indicates a token whose exp claim is in the past.
	ErrExpired = errors.New("auth: token expired")

	// ErrInvalid indicates a token that fails signature or structural
	// validation.
	ErrInvalid = errors.New("auth: token invalid")

	// ErrNoToken indicates that no usable token was found.
	ErrNoToken = errors.New("auth: no valid token available")
)

// Claims are the fields the agent consumes from a validated token.
type Claims struct {
	Subject   string
	Org       string
	ExpiresAt time.Time
}

// Token is a validated credential and its source file.
type Token struct {
	Raw    string
	Path   string
	Claims Claims
}

type wireClaims struct {
	Org string `json:"org,omitempty"`
	jwt.RegisteredClaims
}

// LoadPublicKey parses a PEM-encoded RSA public key (PKIX or PKCS#1).
func LoadPublicKey(pemBytes []byte) (*rsa.PublicKey, error) {
	block, _ := pem.Decode(pemBytes)
	if block == nil {
		return nil, errors.New("auth: no PEM block in key data")
	}

	if key, err := x509.ParsePKIXPublicKey(block.Bytes); err == nil {
		rsaKey, ok := key.(*rsa.PublicKey)
		if !ok {
			return nil, errors.New("auth: pinned key is not RSA")
		}
		return rsaKey, nil
	}

	rsaKey, err := x509.ParsePKCS1PublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("auth: parse pinned key: %w", err)
	}
	return rsaKey, nil
}

// LoadPublicKeyFile reads and parses the pinned key from path.
func LoadPublicKeyFile(path string) (*rsa.PublicKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("auth: read pinned key: %w", err)
	}
	return LoadPublicKey(data)
}

// Validate checks the token signature against the pinned key and that
// exp is in the future relative to now. Returns the extracted claims.
func Validate(raw string, key *rsa.PublicKey, now time.Time) (*Claims, error) {
	var claims wireClaims
	_, err := jwt.ParseWithClaims(raw, &claims,
		func(t *jwt.Token) (interface{}, error) { return key, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
		jwt.WithTimeFunc(func() time.Time { return now }),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, fmt.Errorf("%w: %v", ErrExpired, err)
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}

	return &Claims{
		Subject:   claims.Subject,
		Org:       claims.Org,
		ExpiresAt: claims.ExpiresAt.Time,
	}, nil
}

// ScanDir reads every file in dir as a candidate JWT and returns the
// valid ones. Expired or invalid tokens are logged and skipped; the
// filename carries no meaning.
func ScanDir(dir string, key *rsa.PublicKey, logger zerolog.Logger) ([]Token, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("auth: read tokens directory: %w", err)
	}

	var tokens []Token
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			logger.Warn().Err(err).Str("path", path).Msg("skipping unreadable token file")
			continue
		}

		raw := strings.TrimSpace(string(data))
		claims, err := Validate(raw, key, time.Now())
		if err != nil {
			logger.Warn().Err(err).Str("path", path).Msg("skipping unusable token")
			continue
		}

		tokens = append(tokens, Token{Raw: raw, Path: path, Claims: *claims})
	}
	return tokens, nil
}

// Best selects the token with the latest expiry, or ErrNoToken.
func Best(tokens []Token) (*Token, error) {
	if len(tokens) == 0 {
		return nil, ErrNoToken
	}
	best := 0
	for i := 1; i < len(tokens); i++ {
		if tokens[i].Claims.ExpiresAt.After(tokens[best].Claims.ExpiresAt) {
			best = i
		}
	}
	return &tokens[best], nil
}
