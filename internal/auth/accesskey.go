package auth

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// KeyClaims are the JWT claims of an access key.
type KeyClaims struct {
	jwt.RegisteredClaims
	Role Role `json:"role"`
}

// UserID returns the user id carried in the subject claim.
func (c *KeyClaims) UserID() (int64, error) {
	id, err := strconv.ParseInt(c.Subject, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: subject %q", ErrKeyInvalid, c.Subject)
	}
	return id, nil
}

// IssueAccessKey creates a signed access key for a user.
//
// Parameters:
//   - user: the key owner; must have an ID
//   - secret: HMAC signing secret
//   - ttl: key lifetime; zero issues a key that never expires
//   - label: free text stored with the key record
//
// Returns:
//   - string: the signed key, shown to the caller once
//   - *AccessKey: the record to store with an AccessKeyRepository
//   - error: signing failure
func IssueAccessKey(user *User, secret string, ttl time.Duration, label string) (string, *AccessKey, error) {
	now := time.Now().UTC().Truncate(time.Second)
	key := &AccessKey{
		ID:        uuid.NewString(),
		UserID:    user.ID,
		Label:     label,
		CreatedAt: now,
	}

	claims := KeyClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:  strconv.FormatInt(user.ID, 10),
			IssuedAt: jwt.NewNumericDate(now),
			ID:       key.ID,
		},
		Role: user.Role,
	}
	if ttl > 0 {
		exp := now.Add(ttl)
		key.ExpiresAt = &exp
		claims.ExpiresAt = jwt.NewNumericDate(exp)
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		return "", nil, fmt.Errorf("signing access key: %w", err)
	}
	return signed, key, nil
}

// ParseAccessKey validates the signature and expiry of an access key and
// returns its claims. Revocation is checked by the Authenticator.
func ParseAccessKey(tokenString, secret string) (*KeyClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &KeyClaims{}, func(_ *jwt.Token) (any, error) {
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, fmt.Errorf("%w: %w", ErrKeyExpired, err)
		}
		return nil, fmt.Errorf("%w: %w", ErrKeyInvalid, err)
	}

	claims, ok := token.Claims.(*KeyClaims)
	if !ok || !token.Valid {
		return nil, ErrKeyInvalid
	}
	if claims.Subject == "" || claims.ID == "" {
		return nil, fmt.Errorf("%w: missing subject or id", ErrKeyInvalid)
	}
	return claims, nil
}

