package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
)

// NewAPIKey generates a random API key and returns both the plaintext
// (shown to the caller exactly once) and its stored hash. Unlike
// passwords, API keys are high-entropy random strings, so a fast SHA-256
// digest is sufficient — bcrypt's deliberate slowness defends against
// guessing a low-entropy secret, which doesn't apply here.
func NewAPIKey() (key, hash string, err error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", "", err
	}
	key = base64.RawURLEncoding.EncodeToString(b)
	hash, err = HashAPIKey(key)
	return key, hash, err
}

// HashAPIKey hashes an API key for lookup/storage.
func HashAPIKey(key string) (string, error) {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:]), nil
}
