package auth

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Authenticator resolves credentials to users.
//
// Thread Safety: safe for concurrent use; all state lives in the repositories.
type Authenticator struct {
	users     UserRepository
	keys      AccessKeyRepository
	secret    string
	lockAfter int
}

// NewAuthenticator creates an authenticator.
//
// Parameters:
//   - users, keys: account and access key stores
//   - secret: HMAC secret used to sign and verify access keys
//   - lockAfter: failed logins before an account is locked out (0 = never)
func NewAuthenticator(users UserRepository, keys AccessKeyRepository, secret string, lockAfter int) *Authenticator {
	return &Authenticator{users: users, keys: keys, secret: secret, lockAfter: lockAfter}
}

// Users returns the user store.
func (a *Authenticator) Users() UserRepository { return a.users }

// AuthenticatePassword checks a login and password.
//
// Returns:
//   - *User: the authenticated user
//   - error: ErrInvalidCredentials for an unknown login or wrong password,
//     ErrUserInactive for locked or disabled accounts
func (a *Authenticator) AuthenticatePassword(ctx context.Context, login, password string) (*User, error) {
	user, err := a.users.GetByLogin(ctx, login)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			return nil, ErrInvalidCredentials
		}
		return nil, err
	}
	if user.Status != StatusActive {
		return nil, fmt.Errorf("%w: %s", ErrUserInactive, user.Status)
	}

	ok, err := VerifyPassword(password, user.PasswordHash)
	if err != nil {
		return nil, fmt.Errorf("verifying password: %w", err)
	}
	if err := a.users.RecordLogin(ctx, user.ID, ok, a.lockAfter); err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrInvalidCredentials
	}
	if NeedsRehash(user.PasswordHash) {
		if hash, err := HashPassword(password); err == nil {
			if err := a.users.UpdatePassword(ctx, user.ID, hash); err == nil {
				user.PasswordHash = hash
			}
		}
	}

	now := time.Now().UTC().Truncate(time.Second)
	user.LastLogin = &now
	user.LoginAttempts = 0
	return user, nil
}

// AuthenticateKey checks an access key.
//
// Returns:
//   - *User: the key owner
//   - error: ErrKeyInvalid, ErrKeyExpired, ErrKeyRevoked or ErrUserInactive
func (a *Authenticator) AuthenticateKey(ctx context.Context, key string) (*User, error) {
	claims, err := ParseAccessKey(key, a.secret)
	if err != nil {
		return nil, err
	}

	record, err := a.keys.Get(ctx, claims.ID)
	if err != nil {
		if errors.Is(err, ErrKeyNotFound) {
			return nil, fmt.Errorf("%w: unknown key id", ErrKeyInvalid)
		}
		return nil, err
	}
	if record.Revoked {
		return nil, ErrKeyRevoked
	}

	userID, err := claims.UserID()
	if err != nil {
		return nil, err
	}
	if userID != record.UserID {
		return nil, fmt.Errorf("%w: owner mismatch", ErrKeyInvalid)
	}

	user, err := a.users.GetByID(ctx, userID)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			return nil, fmt.Errorf("%w: owner no longer exists", ErrKeyInvalid)
		}
		return nil, err
	}
	if user.Status != StatusActive {
		return nil, fmt.Errorf("%w: %s", ErrUserInactive, user.Status)
	}
	return user, nil
}

// IssueKey signs and stores a new access key for user.
func (a *Authenticator) IssueKey(ctx context.Context, user *User, ttl time.Duration, label string) (string, error) {
	signed, record, err := IssueAccessKey(user, a.secret, ttl, label)
	if err != nil {
		return "", err
	}
	if err := a.keys.Create(ctx, record); err != nil {
		return "", err
	}
	return signed, nil
}

// ChangePassword sets a new password and revokes every access key of the user.
func (a *Authenticator) ChangePassword(ctx context.Context, user *User, password string) error {
	if password == "" {
		return fmt.Errorf("%w: empty password", ErrInvalidCredentials)
	}
	hash, err := HashPassword(password)
	if err != nil {
		return err
	}
	if err := a.users.UpdatePassword(ctx, user.ID, hash); err != nil {
		return err
	}
	user.PasswordHash = hash
	return a.keys.RevokeAllForUser(ctx, user.ID)
}
