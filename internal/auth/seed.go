package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
)

// seedPasswordBytes is the number of random bytes for a generated admin password.
const seedPasswordBytes = 16

// SeedResult reports what SeedAdmin created.
type SeedResult struct {
	Login     string
	Password  string // set only when generated
	AccessKey string // set only when requested
}

// SeedAdmin creates the initial administrator on first boot if no users exist.
//
// Parameters:
//   - login: admin login, "admin" when empty
//   - password: admin password; a random one is generated and logged when empty
//   - issueKey: also issue a non-expiring access key for the admin
//
// Returns:
//   - *SeedResult: nil when users already exist and seeding was skipped
//   - error: store or hashing failure
func SeedAdmin(ctx context.Context, a *Authenticator, login, password string, issueKey bool, logger *slog.Logger) (*SeedResult, error) {
	count, err := a.users.Count(ctx)
	if err != nil {
		return nil, fmt.Errorf("checking user count: %w", err)
	}
	if count > 0 {
		logger.Info("users exist, skipping admin seed")
		return nil, nil
	}

	if login == "" {
		login = "admin"
	}
	res := &SeedResult{Login: login}
	if password == "" {
		b := make([]byte, seedPasswordBytes)
		if _, err := rand.Read(b); err != nil {
			return nil, fmt.Errorf("generating seed password: %w", err)
		}
		password = hex.EncodeToString(b)
		res.Password = password
	}

	hash, err := HashPassword(password)
	if err != nil {
		return nil, fmt.Errorf("hashing seed password: %w", err)
	}
	admin := &User{Login: login, PasswordHash: hash, Role: RoleAdministrator, Status: StatusActive}
	if err := a.users.Create(ctx, admin); err != nil {
		return nil, fmt.Errorf("creating seed admin: %w", err)
	}

	if issueKey {
		key, err := a.IssueKey(ctx, admin, 0, "bootstrap")
		if err != nil {
			return nil, fmt.Errorf("issuing seed access key: %w", err)
		}
		res.AccessKey = key
	}

	attrs := []any{"login", login}
	if res.Password != "" {
		attrs = append(attrs, "password", res.Password, "action_required", "change this password immediately")
	}
	if res.AccessKey != "" {
		attrs = append(attrs, "access_key", res.AccessKey)
	}
	logger.Warn("seed admin account created", attrs...)
	return res, nil
}
