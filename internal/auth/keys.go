// Package auth generates and hashes organization API keys.
// Only the hash of a key is ever stored.
package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
)

// KeyPrefix marks boardgen API keys.
const KeyPrefix = "bg_"

const keyBytes = 32

// GenerateKey returns a new random API key carrying KeyPrefix.
func GenerateKey() (string, error) {
	raw := make([]byte, keyBytes)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("failed to read entropy: %w", err)
	}
	return KeyPrefix + hex.EncodeToString(raw), nil
}

// HashKey returns the hex SHA-256 of the key with surrounding whitespace removed.
func HashKey(key string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(key)))
	return hex.EncodeToString(sum[:])
}
