package auth

import (
	"database/sql"
	"path/filepath"
	"testing"

	_ "github.com/mattn/go-sqlite3"
)

// testDB creates a temporary SQLite database with the user and access key tables.
func testDB(t *testing.T) *sql.DB {
	t.Helper()

	// A file database so WAL mode works (in-memory doesn't support it).
	dbPath := filepath.Join(t.TempDir(), "auth.db")
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_foreign_keys=ON")
	if err != nil {
		t.Fatalf("opening test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	schema := `
		CREATE TABLE users (
			id             INTEGER PRIMARY KEY AUTOINCREMENT,
			login          TEXT NOT NULL UNIQUE,
			password_hash  TEXT NOT NULL,
			role           INTEGER NOT NULL DEFAULT 1,
			status         INTEGER NOT NULL DEFAULT 0,
			login_attempts INTEGER NOT NULL DEFAULT 0,
			last_login     TEXT,
			created_at     TEXT NOT NULL,
			updated_at     TEXT NOT NULL
		) STRICT;

		CREATE TABLE access_keys (
			id         TEXT PRIMARY KEY,
			user_id    INTEGER NOT NULL REFERENCES users(id) ON DELETE CASCADE,
			label      TEXT NOT NULL DEFAULT '',
			expires_at TEXT,
			revoked    INTEGER NOT NULL DEFAULT 0,
			created_at TEXT NOT NULL
		) STRICT;
	`
	if _, err := db.Exec(schema); err != nil {
		t.Fatalf("applying auth schema: %v", err)
	}
	return db
}

// seedTestUser inserts an active user with password "test-password".
func seedTestUser(t *testing.T, db *sql.DB, login string, role Role) *User {
	t.Helper()

	hash, err := HashPasswordWith("test-password", fastParams)
	if err != nil {
		t.Fatalf("hashing password: %v", err)
	}
	user := &User{Login: login, PasswordHash: hash, Role: role}
	if err := NewUserRepository(db).Create(t.Context(), user); err != nil {
		t.Fatalf("creating test user %s: %v", login, err)
	}
	return user
}

const testSecret = "test-secret-key-32-bytes-xxxxxxx"

func newTestAuthenticator(t *testing.T, lockAfter int) (*Authenticator, *sql.DB) {
	t.Helper()
	db := testDB(t)
	return NewAuthenticator(NewUserRepository(db), NewKeyRepository(db), testSecret, lockAfter), db
}
