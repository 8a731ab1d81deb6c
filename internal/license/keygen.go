package license

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"regexp"
	"strings"
)

const (
	keyAlphabet    = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	keyGroups      = 4
	keyGroupLength = 4
)

var keyPattern = regexp.MustCompile(`^[A-Z0-9]{4}-[A-Z0-9]{4}-[A-Z0-9]{4}-[A-Z0-9]{4}$`)

// KeyGenerator produces product keys in the XXXX-XXXX-XXXX-XXXX format.
type KeyGenerator interface {
	Generate() (string, error)
}

// RandomKeyGenerator draws every character uniformly from [A-Z0-9] using crypto/rand.
type RandomKeyGenerator struct{}

// Generate returns a new random product key.
func (RandomKeyGenerator) Generate() (string, error) {
	max := big.NewInt(int64(len(keyAlphabet)))
	var sb strings.Builder
	sb.Grow(keyGroups*keyGroupLength + keyGroups - 1)

	for g := 0; g < keyGroups; g++ {
		if g > 0 {
			sb.WriteByte('-')
		}
		for i := 0; i < keyGroupLength; i++ {
			n, err := rand.Int(rand.Reader, max)
			if err != nil {
				return "", fmt.Errorf("read random: %w", err)
			}
			sb.WriteByte(keyAlphabet[n.Int64()])
		}
	}

	return sb.String(), nil
}

// NormalizeKey trims and uppercases a product key as supplied by a caller.
func NormalizeKey(key string) string {
	return strings.ToUpper(strings.TrimSpace(key))
}

// IsValidKeyFormat reports whether key matches the product key format, ignoring case.
func IsValidKeyFormat(key string) bool {
	return keyPattern.MatchString(NormalizeKey(key))
}

// ValidateKey normalizes key and checks its format.
func ValidateKey(key string) (string, error) {
	normalized := NormalizeKey(key)
	if normalized == "" {
		return "", ErrKeyRequired
	}
	if !keyPattern.MatchString(normalized) {
		return "", ErrInvalidKeyFormat
	}
	return normalized, nil
}

// MaskKey hides the middle groups of a key for logging: ABCD-****-****-WXYZ.
func MaskKey(key string) string {
	if !keyPattern.MatchString(key) {
		return "****"
	}
	return key[:4] + "-****-****-" + key[15:]
}
