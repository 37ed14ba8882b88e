package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/mattn/go-sqlite3"
)

// UserRepository persists user accounts.
type UserRepository interface {
	Create(ctx context.Context, user *User) error
	GetByID(ctx context.Context, id int64) (*User, error)
	GetByLogin(ctx context.Context, login string) (*User, error)
	List(ctx context.Context) ([]User, error)
	Update(ctx context.Context, user *User) error
	UpdatePassword(ctx context.Context, id int64, passwordHash string) error
	RecordLogin(ctx context.Context, id int64, success bool, lockAfter int) error
	Delete(ctx context.Context, id int64) error
	Count(ctx context.Context) (int, error)
}

// SQLiteUserRepository stores users in the users table. Timestamps are
// RFC 3339 text at second precision.
type SQLiteUserRepository struct {
	db *sql.DB
}

// NewUserRepository returns a UserRepository over db.
func NewUserRepository(db *sql.DB) *SQLiteUserRepository {
	return &SQLiteUserRepository{db: db}
}

const selectUser = `SELECT id, login, password_hash, role, status, login_attempts,
	last_login, created_at, updated_at FROM users`

// stamp returns the current time both as stored and as read back.
func stamp() (string, time.Time) {
	now := time.Now().UTC().Truncate(time.Second)
	return now.Format(time.RFC3339), now
}

// Create inserts user and assigns its ID. Returns ErrInvalidLogin or
// ErrLoginExists for rejected logins.
func (r *SQLiteUserRepository) Create(ctx context.Context, user *User) error {
	if !IsValidLogin(user.Login) {
		return fmt.Errorf("%w: %q", ErrInvalidLogin, user.Login)
	}
	text, now := stamp()

	res, err := r.db.ExecContext(ctx,
		`INSERT INTO users (login, password_hash, role, status, login_attempts, created_at, updated_at)
		 VALUES (?, ?, ?, ?, 0, ?, ?)`,
		user.Login, user.PasswordHash, int(user.Role), int(user.Status), text, text,
	)
	if isUniqueViolation(err) {
		return ErrLoginExists
	}
	if err != nil {
		return fmt.Errorf("creating user %q: %w", user.Login, err)
	}
	if user.ID, err = res.LastInsertId(); err != nil {
		return fmt.Errorf("reading user id: %w", err)
	}
	user.CreatedAt, user.UpdatedAt = now, now
	return nil
}

func (r *SQLiteUserRepository) GetByID(ctx context.Context, id int64) (*User, error) {
	return scanUser(r.db.QueryRowContext(ctx, selectUser+" WHERE id = ?", id))
}

func (r *SQLiteUserRepository) GetByLogin(ctx context.Context, login string) (*User, error) {
	return scanUser(r.db.QueryRowContext(ctx, selectUser+" WHERE login = ?", login))
}

// List returns every user by ascending ID; never nil.
func (r *SQLiteUserRepository) List(ctx context.Context) ([]User, error) {
	rows, err := r.db.QueryContext(ctx, selectUser+" ORDER BY id")
	if err != nil {
		return nil, fmt.Errorf("listing users: %w", err)
	}
	defer rows.Close()

	out := make([]User, 0)
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("listing users: %w", err)
	}
	return out, nil
}

// Update writes the role and status of user.
func (r *SQLiteUserRepository) Update(ctx context.Context, user *User) error {
	text, now := stamp()
	err := r.exec(ctx, "updating user",
		`UPDATE users SET role = ?, status = ?, updated_at = ? WHERE id = ?`,
		int(user.Role), int(user.Status), text, user.ID)
	if err == nil {
		user.UpdatedAt = now
	}
	return err
}

func (r *SQLiteUserRepository) UpdatePassword(ctx context.Context, id int64, passwordHash string) error {
	text, _ := stamp()
	return r.exec(ctx, "updating password",
		`UPDATE users SET password_hash = ?, updated_at = ? WHERE id = ?`,
		passwordHash, text, id)
}

// RecordLogin tracks a login attempt. Success clears the failure counter
// and stamps last_login. Failure bumps the counter and moves an active
// account to locked-out when the counter reaches lockAfter; lockAfter 0
// never locks.
func (r *SQLiteUserRepository) RecordLogin(ctx context.Context, id int64, success bool, lockAfter int) error {
	text, _ := stamp()
	if success {
		return r.exec(ctx, "recording login",
			`UPDATE users SET login_attempts = 0, last_login = ?, updated_at = ? WHERE id = ?`,
			text, text, id)
	}
	return r.exec(ctx, "recording login",
		`UPDATE users SET login_attempts = login_attempts + 1,
		        status = CASE WHEN ? > 0 AND login_attempts + 1 >= ? AND status = ? THEN ? ELSE status END,
		        updated_at = ?
		 WHERE id = ?`,
		lockAfter, lockAfter, int(StatusActive), int(StatusLockedOut), text, id)
}

// Delete removes the user; its access keys go with it by cascade.
func (r *SQLiteUserRepository) Delete(ctx context.Context, id int64) error {
	return r.exec(ctx, "deleting user", "DELETE FROM users WHERE id = ?", id)
}

func (r *SQLiteUserRepository) Count(ctx context.Context) (int, error) {
	var n int
	if err := r.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM users").Scan(&n); err != nil {
		return 0, fmt.Errorf("counting users: %w", err)
	}
	return n, nil
}

// exec runs a single-row statement, mapping zero affected rows to
// ErrUserNotFound.
func (r *SQLiteUserRepository) exec(ctx context.Context, op, query string, args ...any) error {
	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if n, _ := res.RowsAffected(); n == 0 { //nolint:errcheck // supported by the sqlite3 driver
		return ErrUserNotFound
	}
	return nil
}

// scanner is satisfied by *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanUser(s scanner) (*User, error) {
	var (
		u                    User
		role, status         int
		lastLogin            sql.NullString
		createdAt, updatedAt string
	)
	err := s.Scan(&u.ID, &u.Login, &u.PasswordHash, &role, &status,
		&u.LoginAttempts, &lastLogin, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning user: %w", err)
	}

	u.Role, u.Status = Role(role), Status(status)
	if lastLogin.Valid {
		if t, err := time.Parse(time.RFC3339, lastLogin.String); err == nil {
			u.LastLogin = &t
		}
	}
	u.CreatedAt, _ = time.Parse(time.RFC3339, createdAt) //nolint:errcheck // written by stamp
	u.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt) //nolint:errcheck // written by stamp
	return &u, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// isUniqueViolation reports a UNIQUE or PRIMARY KEY constraint failure.
func isUniqueViolation(err error) bool {
	var se sqlite3.Error
	if !errors.As(err, &se) {
		return false
	}
	return se.ExtendedCode == sqlite3.ErrConstraintUnique || se.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
}
