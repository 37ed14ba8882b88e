package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// AccessKeyRepository defines the interface for access key persistence.
type AccessKeyRepository interface {
	Create(ctx context.Context, key *AccessKey) error
	Get(ctx context.Context, id string) (*AccessKey, error)
	ListByUser(ctx context.Context, userID int64) ([]AccessKey, error)
	Revoke(ctx context.Context, id string) error
	RevokeAllForUser(ctx context.Context, userID int64) error
	DeleteExpired(ctx context.Context) (int64, error)
}

// SQLiteKeyRepository implements AccessKeyRepository using SQLite.
type SQLiteKeyRepository struct {
	db *sql.DB
}

// NewKeyRepository creates a new SQLite-backed access key repository.
func NewKeyRepository(db *sql.DB) *SQLiteKeyRepository {
	return &SQLiteKeyRepository{db: db}
}

const keyColumns = "id, user_id, label, expires_at, revoked, created_at"

// Create stores an access key record.
func (r *SQLiteKeyRepository) Create(ctx context.Context, key *AccessKey) error {
	if key.CreatedAt.IsZero() {
		key.CreatedAt = time.Now().UTC().Truncate(time.Second)
	}

	var expires sql.NullString
	if key.ExpiresAt != nil {
		expires = sql.NullString{String: key.ExpiresAt.UTC().Format(time.RFC3339), Valid: true}
	}

	_, err := r.db.ExecContext(ctx,
		`INSERT INTO access_keys (id, user_id, label, expires_at, revoked, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		key.ID, key.UserID, key.Label, expires, boolToInt(key.Revoked),
		key.CreatedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("creating access key: %w", err)
	}
	return nil
}

// Get retrieves an access key record by its id.
func (r *SQLiteKeyRepository) Get(ctx context.Context, id string) (*AccessKey, error) {
	return scanKey(r.db.QueryRowContext(ctx, "SELECT "+keyColumns+" FROM access_keys WHERE id = ?", id))
}

// ListByUser returns the keys of a user, newest first.
func (r *SQLiteKeyRepository) ListByUser(ctx context.Context, userID int64) ([]AccessKey, error) {
	rows, err := r.db.QueryContext(ctx,
		"SELECT "+keyColumns+" FROM access_keys WHERE user_id = ? ORDER BY created_at DESC, id", userID)
	if err != nil {
		return nil, fmt.Errorf("listing access keys: %w", err)
	}
	defer rows.Close()

	keys := []AccessKey{}
	for rows.Next() {
		k, err := scanKey(rows)
		if err != nil {
			return nil, err
		}
		keys = append(keys, *k)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating access keys: %w", err)
	}
	return keys, nil
}

// Revoke marks a single key as revoked.
func (r *SQLiteKeyRepository) Revoke(ctx context.Context, id string) error {
	result, err := r.db.ExecContext(ctx, "UPDATE access_keys SET revoked = 1 WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("revoking access key: %w", err)
	}
	rows, _ := result.RowsAffected() //nolint:errcheck // always succeeds on SQLite
	if rows == 0 {
		return ErrKeyNotFound
	}
	return nil
}

// RevokeAllForUser revokes every key of a user. Used when the password changes.
func (r *SQLiteKeyRepository) RevokeAllForUser(ctx context.Context, userID int64) error {
	if _, err := r.db.ExecContext(ctx, "UPDATE access_keys SET revoked = 1 WHERE user_id = ?", userID); err != nil {
		return fmt.Errorf("revoking access keys for user: %w", err)
	}
	return nil
}

// DeleteExpired removes expired key records and returns how many were removed.
func (r *SQLiteKeyRepository) DeleteExpired(ctx context.Context) (int64, error) {
	now := time.Now().UTC().Format(time.RFC3339)
	result, err := r.db.ExecContext(ctx,
		"DELETE FROM access_keys WHERE expires_at IS NOT NULL AND expires_at < ?", now)
	if err != nil {
		return 0, fmt.Errorf("deleting expired access keys: %w", err)
	}
	n, _ := result.RowsAffected() //nolint:errcheck // always succeeds on SQLite
	return n, nil
}

func scanKey(s scanner) (*AccessKey, error) {
	var k AccessKey
	var expires sql.NullString
	var revoked int
	var createdAt string

	if err := s.Scan(&k.ID, &k.UserID, &k.Label, &expires, &revoked, &createdAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrKeyNotFound
		}
		return nil, fmt.Errorf("scanning access key: %w", err)
	}

	k.Revoked = revoked != 0
	if expires.Valid {
		if t, err := time.Parse(time.RFC3339, expires.String); err == nil {
			k.ExpiresAt = &t
		}
	}
	k.CreatedAt, _ = time.Parse(time.RFC3339, createdAt) //nolint:errcheck // format is controlled
	return &k, nil
}
