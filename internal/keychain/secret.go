package keychain

import (
	"crypto/rand"
	"encoding/base64"

	"localrouter/internal/api"

	"golang.org/x/crypto/bcrypt"
)

// SecretPrefix identifies LocalRouter-issued secrets: API keys and MCP
// client secrets share the format lr-<43 chars URL-safe base64>.
const SecretPrefix = "lr-"

// GenerateSecret produces a new secret from 32 random bytes.
func GenerateSecret() (string, error) {
	bytes := make([]byte, 32)
	if _, err := rand.Read(bytes); err != nil {
		return "", api.WrapError(api.ErrKindCrypto, err, "failed to generate random bytes")
	}
	return SecretPrefix + base64.RawURLEncoding.EncodeToString(bytes), nil
}

// HashSecret hashes a secret for on-disk metadata storage. The
// plaintext lives only in the keychain.
func HashSecret(secret string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return "", api.WrapError(api.ErrKindCrypto, err, "failed to hash secret")
	}
	return string(hash), nil
}

// VerifySecret checks a plaintext secret against a stored hash.
func VerifySecret(secret, hash string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(secret)) == nil
}
