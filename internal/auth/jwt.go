// Package auth issues and verifies the signed session tokens the vault hands
// out. A token carries the account id, email and the account password
// encrypted under the process secret; plaintext passwords never ride in it.
package auth

import (
	"errors"
	"time"

	"github.com/dmvolov/exvault/internal/common"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Claims bundles the registered JWT claims with the vault-specific payload.
type Claims struct {
	jwt.RegisteredClaims
	AccountID         int64  `json:"account_id"`
	Email             string `json:"email,omitempty"`
	EncryptedPassword string `json:"encrypted_password,omitempty"`
}

// GenerateToken signs a HS256 token for the given account. encryptedPassword
// must already be encrypted under the process secret.
func GenerateToken(accountID int64, email, encryptedPassword string, secretKey []byte, validityDuration time.Duration) (string, error) {
	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(validityDuration)),
		},
		AccountID:         accountID,
		Email:             email,
		EncryptedPassword: encryptedPassword,
	})

	return token.SignedString(secretKey)
}

// ParseToken verifies the signature and expiry of tokenString and returns its
// claims. Expired tokens map to common.ErrTokenExpired, everything else that
// fails verification to common.ErrInvalidToken.
func ParseToken(tokenString string, secretKey []byte) (*Claims, error) {
	claims := &Claims{}

	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		return secretKey, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, common.ErrTokenExpired
		}
		return nil, common.ErrInvalidToken
	}
	if !token.Valid {
		return nil, common.ErrInvalidToken
	}

	return claims, nil
}
