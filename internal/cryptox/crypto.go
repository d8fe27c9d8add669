// Package cryptox implements the cryptographic primitives the vault relies
// on: password-based symmetric encryption of credential strings, one-way
// password hashing, and deterministic credential fingerprints.
package cryptox

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"

	"github.com/dmvolov/exvault/internal/common"
	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/bcrypt"
)

const (
	saltSize  = 16
	nonceSize = 12
	keySize   = 32
)

// DeriveKey derives a 256-bit AES key from a password and salt using argon2id.
func DeriveKey(password, salt []byte) []byte {
	return argon2.IDKey(password, salt, 1, 64*1024, 4, keySize)
}

// EncryptString encrypts plaintext with a key derived from password.
//
// A fresh random salt and nonce are generated per call, so encrypting the
// same plaintext twice yields different ciphertexts. The wire form is
// base64(salt || nonce || AES-GCM ciphertext).
func EncryptString(plaintext, password string) (string, error) {
	salt := common.GenerateRandByteArray(saltSize)
	key := DeriveKey([]byte(password), salt)
	defer common.WipeByteArray(key)

	block, err := aes.NewCipher(key)
	if err != nil {
		return "", err
	}
	aesgcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", err
	}

	nonce := common.GenerateRandByteArray(nonceSize)
	sealed := aesgcm.Seal(nil, nonce, []byte(plaintext), nil)

	out := make([]byte, 0, saltSize+nonceSize+len(sealed))
	out = append(out, salt...)
	out = append(out, nonce...)
	out = append(out, sealed...)
	return base64.StdEncoding.EncodeToString(out), nil
}

// DecryptString reverses EncryptString. A wrong password surfaces as an
// authentication failure from AES-GCM, never as garbage plaintext.
func DecryptString(ciphertext, password string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", fmt.Errorf("malformed ciphertext: %w", err)
	}
	if len(raw) < saltSize+nonceSize {
		return "", fmt.Errorf("malformed ciphertext: too short")
	}

	salt, nonce, sealed := raw[:saltSize], raw[saltSize:saltSize+nonceSize], raw[saltSize+nonceSize:]
	key := DeriveKey([]byte(password), salt)
	defer common.WipeByteArray(key)

	block, err := aes.NewCipher(key)
	if err != nil {
		return "", err
	}
	aesgcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", err
	}

	plaintext, err := aesgcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", err
	}
	return string(plaintext), nil
}

// HashPassword returns a one-way bcrypt hash of the password.
func HashPassword(password string) (string, error) {
	h, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(h), nil
}

// VerifyPassword reports whether password matches the stored bcrypt hash.
func VerifyPassword(password, hash string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}

// Fingerprint returns a deterministic hex digest of a credential pair.
// Credential ciphertexts are salted and therefore not comparable, so the
// digest is what uniqueness lookups and group diffing key on.
func Fingerprint(apiKey, apiSecret string) string {
	sum := sha256.Sum256([]byte(apiKey + "\x00" + apiSecret))
	return hex.EncodeToString(sum[:])
}

// NewProcessSecret returns a random hex key, stable for the process lifetime,
// used to encrypt the password embedded in session tokens.
func NewProcessSecret() (string, error) {
	return common.MakeRandHexString(keySize)
}
