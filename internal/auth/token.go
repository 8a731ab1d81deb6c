// Package auth authenticates administrative callers of the keygate API.
package auth

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"
	"golang.org/x/crypto/bcrypt"
)

const (
	// AdminTokenPrefix is the prefix of generated admin tokens.
	AdminTokenPrefix = "kgt_"
	// AdminTokenLength is the length of the hex portion of a generated token.
	AdminTokenLength = 64
)

// ErrInvalidTokenHash indicates the configured admin token hash is not a bcrypt hash.
var ErrInvalidTokenHash = errors.New("admin token hash is not a bcrypt hash")

// GenerateAdminToken returns a new random admin token.
func GenerateAdminToken() (string, error) {
	buf := make([]byte, AdminTokenLength/2)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate admin token: %w", err)
	}
	return AdminTokenPrefix + hex.EncodeToString(buf), nil
}

// HashAdminToken returns the bcrypt hash to configure as ADMIN_TOKEN_HASH.
func HashAdminToken(token string) (string, error) {
	if strings.TrimSpace(token) == "" {
		return "", errors.New("admin token is empty")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(token), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hash admin token: %w", err)
	}
	return string(hash), nil
}

// AdminVerifier checks bearer tokens against a single bcrypt hash.
type AdminVerifier struct {
	hash   []byte
	logger zerolog.Logger
}

// NewAdminVerifier creates a verifier for the given bcrypt hash.
func NewAdminVerifier(hash string, logger zerolog.Logger) (*AdminVerifier, error) {
	h := []byte(strings.TrimSpace(hash))
	if _, err := bcrypt.Cost(h); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidTokenHash, err)
	}
	return &AdminVerifier{
		hash:   h,
		logger: logger.With().Str("component", "admin_verifier").Logger(),
	}, nil
}

// Verify reports whether token matches the configured hash.
func (v *AdminVerifier) Verify(token string) bool {
	if token == "" {
		return false
	}
	if err := bcrypt.CompareHashAndPassword(v.hash, []byte(token)); err != nil {
		v.logger.Debug().Msg("admin token rejected")
		return false
	}
	return true
}

// ExtractBearerToken extracts the token from an Authorization header value.
// Returns empty string if the header is not a valid Bearer token.
func ExtractBearerToken(authHeader string) string {
	const prefix = "Bearer "
	if len(authHeader) < len(prefix) {
		return ""
	}
	if !strings.EqualFold(authHeader[:len(prefix)], prefix) {
		return ""
	}
	return strings.TrimSpace(authHeader[len(prefix):])
}
