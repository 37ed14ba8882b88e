package auth

import (
	"errors"
	"regexp"
	"time"

	"github.com/nerrad567/hivehub/internal/protocol"
)

// loginPattern defines the valid format for logins:
// alphanumeric, dots, hyphens, underscores, @, 1-64 characters.
var loginPattern = regexp.MustCompile(`^[a-zA-Z0-9._@-]{1,64}$`)

// IsValidLogin checks if a login meets format requirements.
func IsValidLogin(login string) bool {
	return loginPattern.MatchString(login)
}

// Role is the authorisation tier of a user. Values are stored as integers.
type Role int

const (
	// RoleAdministrator manages users and may act on every device.
	RoleAdministrator Role = 0

	// RoleClient may read devices and exchange messages with them.
	RoleClient Role = 1
)

// String returns the role name used in API responses.
func (r Role) String() string {
	switch r {
	case RoleAdministrator:
		return "Administrator"
	case RoleClient:
		return "Client"
	default:
		return "Unknown"
	}
}

// ParseRole parses a role name.
func ParseRole(s string) (Role, bool) {
	switch s {
	case "Administrator", "administrator", "admin":
		return RoleAdministrator, true
	case "Client", "client":
		return RoleClient, true
	default:
		return 0, false
	}
}

// Status is the account status of a user.
type Status int

const (
	StatusActive    Status = 0
	StatusLockedOut Status = 1
	StatusDisabled  Status = 2
)

func (s Status) String() string {
	switch s {
	case StatusActive:
		return "Active"
	case StatusLockedOut:
		return "LockedOut"
	case StatusDisabled:
		return "Disabled"
	default:
		return "Unknown"
	}
}

// User is a hub account. Users authenticate with login and password or
// with one of their access keys.
type User struct {
	ID            int64
	Login         string
	PasswordHash  string
	Role          Role
	Status        Status
	LoginAttempts int
	LastLogin     *time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Protocol returns the API representation of the user. The password hash is
// never included.
func (u *User) Protocol() protocol.User {
	return protocol.User{
		ID:        u.ID,
		Login:     u.Login,
		Role:      u.Role.String(),
		Status:    u.Status.String(),
		LastLogin: u.LastLogin,
	}
}

// AccessKey is the stored record of an issued access key. The signed key
// itself is only returned once, at issue time.
type AccessKey struct {
	ID        string
	UserID    int64
	Label     string
	ExpiresAt *time.Time
	Revoked   bool
	CreatedAt time.Time
}

// Sentinel errors for auth operations.
var (
	ErrInvalidCredentials = errors.New("auth: invalid credentials")
	ErrUserNotFound       = errors.New("auth: user not found")
	ErrUserInactive       = errors.New("auth: user account is not active")
	ErrLoginExists        = errors.New("auth: login already exists")
	ErrInvalidLogin       = errors.New("auth: invalid login")
	ErrKeyNotFound        = errors.New("auth: access key not found")
	ErrKeyExpired         = errors.New("auth: access key has expired")
	ErrKeyRevoked         = errors.New("auth: access key has been revoked")
	ErrKeyInvalid         = errors.New("auth: invalid access key")
	ErrForbidden          = errors.New("auth: insufficient permissions")
)
