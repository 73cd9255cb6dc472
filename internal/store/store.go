// Package store persists user accounts and the append-only log of
// failed upstream authentications in SQLite.
package store

import (
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"golang.org/x/crypto/bcrypt"
	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = errors.New("not found")

// User is a proxy account. AppToken and AuthToken are the credentials
// the client must present; they are distinct from the process-wide
// upstream credentials the pipeline injects.
type User struct {
	ID           int64
	Email        string
	PasswordHash string
	AppToken     string
	AuthToken    string
}

type Store struct {
	db *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS users (
	id            INTEGER PRIMARY KEY AUTOINCREMENT,
	email         TEXT NOT NULL UNIQUE,
	password_hash TEXT NOT NULL,
	app_token     TEXT NOT NULL,
	auth_token    TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS access_attempt_failure (
	id       INTEGER PRIMARY KEY AUTOINCREMENT,
	user_id  INTEGER,
	datetime INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_access_attempt_failure_datetime
	ON access_attempt_failure (datetime);
`

// Open opens (creating if needed) the database at path. ":memory:" gives
// an ephemeral store for tests. The connection pool is limited to one
// connection, which serializes writes and keeps the 24h-window abuse
// predicates linearizable.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate schema: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) scanUser(row *sql.Row) (*User, error) {
	var u User
	err := row.Scan(&u.ID, &u.Email, &u.PasswordHash, &u.AppToken, &u.AuthToken)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

func (s *Store) UserByID(id int64) (*User, error) {
	return s.scanUser(s.db.QueryRow(
		`SELECT id, email, password_hash, app_token, auth_token FROM users WHERE id = ?`, id))
}

func (s *Store) UserByEmail(email string) (*User, error) {
	return s.scanUser(s.db.QueryRow(
		`SELECT id, email, password_hash, app_token, auth_token FROM users WHERE email = ? COLLATE NOCASE`, email))
}

// UpsertUser creates the account for email, or resets its password if it
// already exists. Tokens are generated once at creation and survive
// password resets.
func (s *Store) UpsertUser(email, password string) (*User, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}

	existing, err := s.UserByEmail(email)
	switch {
	case err == nil:
		if _, err := s.db.Exec(`UPDATE users SET password_hash = ? WHERE id = ?`, string(hash), existing.ID); err != nil {
			return nil, err
		}
		existing.PasswordHash = string(hash)
		return existing, nil
	case errors.Is(err, ErrNotFound):
		u := &User{
			Email:        email,
			PasswordHash: string(hash),
			AppToken:     NewToken(),
			AuthToken:    NewToken(),
		}
		res, err := s.db.Exec(
			`INSERT INTO users (email, password_hash, app_token, auth_token) VALUES (?, ?, ?, ?)`,
			u.Email, u.PasswordHash, u.AppToken, u.AuthToken)
		if err != nil {
			return nil, err
		}
		u.ID, err = res.LastInsertId()
		if err != nil {
			return nil, err
		}
		return u, nil
	default:
		return nil, err
	}
}

// CheckPassword verifies a candidate password against the stored bcrypt
// hash; the comparison does not leak timing about the hash.
func (u *User) CheckPassword(password string) bool {
	return bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(password)) == nil
}

// RecordFailure appends one failed-authentication entry.
func (s *Store) RecordFailure(userID int64, at time.Time) error {
	_, err := s.db.Exec(
		`INSERT INTO access_attempt_failure (user_id, datetime) VALUES (?, ?)`,
		userID, at.Unix())
	return err
}

// CountFailuresSince counts entries at or after t across all users.
func (s *Store) CountFailuresSince(t time.Time) (int, error) {
	var n int
	err := s.db.QueryRow(
		`SELECT COUNT(*) FROM access_attempt_failure WHERE datetime >= ?`, t.Unix()).Scan(&n)
	return n, err
}

// CountUserFailuresSince counts entries for one user at or after t.
func (s *Store) CountUserFailuresSince(userID int64, t time.Time) (int, error) {
	var n int
	err := s.db.QueryRow(
		`SELECT COUNT(*) FROM access_attempt_failure WHERE user_id = ? AND datetime >= ?`,
		userID, t.Unix()).Scan(&n)
	return n, err
}

// PruneFailuresBefore garbage-collects entries older than t. Truncating
// at the 24h boundary never changes the window predicates.
func (s *Store) PruneFailuresBefore(t time.Time) error {
	_, err := s.db.Exec(`DELETE FROM access_attempt_failure WHERE datetime < ?`, t.Unix())
	return err
}

// NewToken returns a 64-hex-char random credential.
func NewToken() string {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		panic(err) // crypto/rand failure is not recoverable
	}
	return hex.EncodeToString(b)
}

// NewPassword returns a short random password for provisioning.
func NewPassword() string {
	b := make([]byte, 12)
	if _, err := rand.Read(b); err != nil {
		panic(err)
	}
	return hex.EncodeToString(b)
}
