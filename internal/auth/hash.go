package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"strings"

	"golang.org/x/crypto/argon2"
)

const (
	argonTime    = 1
	argonMemory  = 64 * 1024 // 64 MB
	argonThreads = 4
	argonKeyLen  = 32
	saltLen      = 16
)

// HashAPIKey hashes an API key using Argon2id.
func HashAPIKey(apiKey string) (string, error) {
	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("auth: generate salt: %w", err)
	}

	hash := argon2.IDKey([]byte(apiKey), salt, argonTime, argonMemory, argonThreads, argonKeyLen)

	encoded := fmt.Sprintf("%s$%s",
		base64.StdEncoding.EncodeToString(salt),
		base64.StdEncoding.EncodeToString(hash),
	)
	return encoded, nil
}

// DummyVerify performs an Argon2id hash with the same cost parameters as real
// verification. Call this on auth failure paths where no real hash was checked,
// so that response timing does not reveal which keys are configured.
func DummyVerify() {
	argon2.IDKey([]byte("dummy"), make([]byte, saltLen), argonTime, argonMemory, argonThreads, argonKeyLen)
}

// VerifyAPIKey checks an API key against an Argon2id hash.
func VerifyAPIKey(apiKey, encoded string) (bool, error) {
	parts := strings.SplitN(encoded, "$", 2)
	if len(parts) != 2 {
		return false, fmt.Errorf("auth: invalid hash format")
	}

	salt, err := base64.StdEncoding.DecodeString(parts[0])
	if err != nil {
		return false, fmt.Errorf("auth: decode salt: %w", err)
	}

	expectedHash, err := base64.StdEncoding.DecodeString(parts[1])
	if err != nil {
		return false, fmt.Errorf("auth: decode hash: %w", err)
	}

	computedHash := argon2.IDKey([]byte(apiKey), salt, argonTime, argonMemory, argonThreads, argonKeyLen)

	return subtle.ConstantTimeCompare(expectedHash, computedHash) == 1, nil
}

// Keyring verifies submitted API keys against the configured admin and
// producer keys. Plaintext keys are hashed once at construction and never
// held in memory afterwards.
type Keyring struct {
	adminHash    string
	producerHash string
}

// NewKeyring hashes the configured keys. Either key may be empty, which
// disables that role. A keyring with no keys at all reports Enabled() false.
func NewKeyring(adminKey, producerKey string) (*Keyring, error) {
	k := &Keyring{}
	if adminKey != "" {
		h, err := HashAPIKey(adminKey)
		if err != nil {
			return nil, err
		}
		k.adminHash = h
	}
	if producerKey != "" {
		h, err := HashAPIKey(producerKey)
		if err != nil {
			return nil, err
		}
		k.producerHash = h
	}
	return k, nil
}

// Enabled reports whether any API key is configured.
func (k *Keyring) Enabled() bool {
	return k != nil && (k.adminHash != "" || k.producerHash != "")
}

// Resolve maps an API key to the role it grants. The admin key is checked
// first so a deployment using one key for both roles gets admin.
func (k *Keyring) Resolve(apiKey string) (Role, bool) {
	if k.adminHash != "" {
		if ok, err := VerifyAPIKey(apiKey, k.adminHash); err == nil && ok {
			return RoleAdmin, true
		}
	}
	if k.producerHash != "" {
		if ok, err := VerifyAPIKey(apiKey, k.producerHash); err == nil && ok {
			return RoleProducer, true
		}
	}
	DummyVerify()
	return "", false
}
