// Package auth provides argon2id password hashing for the registration and
// login flow. Hashes are stored in PHC string format so the parameters travel
// with the hash and can be raised later without invalidating existing rows.
package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/argon2"
)

// Argon2id parameters. These follow the RFC 9106 low-memory recommendation.
const (
	memoryKiB   = 64 * 1024
	iterations  = 3
	parallelism = 4
	saltLen     = 16
	keyLen      = 32
)

// ErrMismatch is returned by Verify when the password does not match.
var ErrMismatch = errors.New("auth: password does not match")

// HashPassword derives an argon2id hash of the password with a fresh random
// salt and returns it PHC-encoded.
func HashPassword(password string) (string, error) {
	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("auth: failed to generate salt: %w", err)
	}

	key := argon2.IDKey([]byte(password), salt, iterations, memoryKiB, parallelism, keyLen)

	encoded := fmt.Sprintf("$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2.Version, memoryKiB, iterations, parallelism,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(key),
	)
	return encoded, nil
}

// VerifyPassword checks the password against a PHC-encoded argon2id hash.
// It returns nil on match, ErrMismatch on a wrong password, and a descriptive
// error for malformed hashes.
func VerifyPassword(password, encoded string) error {
	salt, key, m, t, p, err := decodeHash(encoded)
	if err != nil {
		return err
	}

	candidate := argon2.IDKey([]byte(password), salt, t, m, p, uint32(len(key)))
	if subtle.ConstantTimeCompare(candidate, key) != 1 {
		return ErrMismatch
	}
	return nil
}

func decodeHash(encoded string) (salt, key []byte, m uint32, t uint32, p uint8, err error) {
	parts := strings.Split(encoded, "$")
	if len(parts) != 6 || parts[1] != "argon2id" {
		return nil, nil, 0, 0, 0, fmt.Errorf("auth: malformed hash string")
	}

	var version int
	if _, err := fmt.Sscanf(parts[2], "v=%d", &version); err != nil {
		return nil, nil, 0, 0, 0, fmt.Errorf("auth: malformed hash version: %w", err)
	}
	if version != argon2.Version {
		return nil, nil, 0, 0, 0, fmt.Errorf("auth: unsupported argon2 version %d", version)
	}

	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &m, &t, &p); err != nil {
		return nil, nil, 0, 0, 0, fmt.Errorf("auth: malformed hash parameters: %w", err)
	}

	salt, err = base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil {
		return nil, nil, 0, 0, 0, fmt.Errorf("auth: malformed salt: %w", err)
	}
	key, err = base64.RawStdEncoding.DecodeString(parts[5])
	if err != nil {
		return nil, nil, 0, 0, 0, fmt.Errorf("auth: malformed key: %w", err)
	}
	return salt, key, m, t, p, nil
}
