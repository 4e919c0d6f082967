package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "github.com/mattn/go-sqlite3"

	"mailgate/internal/crypt"
)

// StandardFolders is the fixed folder set every account owns. LIST
// enumerates these; delivery may add custom folders on demand.
var StandardFolders = []string{"INBOX", "Sent", "Trash", "Drafts", "Spam"}

// Store owns persisted users, folders, and messages. It performs at-rest
// encryption and UID allocation and has no knowledge of any wire protocol.
type Store struct {
	db     *sql.DB
	cipher *crypt.Cipher
}

// Open opens (creating if needed) the mail database at path
func Open(path string, cipher *crypt.Cipher) (*Store, error) {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0750); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if _, err = db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	if err := createSchema(db); err != nil {
		db.Close()
		return nil, err
	}

	return &Store{db: db, cipher: cipher}, nil
}

// Close closes the underlying database
func (s *Store) Close() error {
	return s.db.Close()
}

func createSchema(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS users (
		email TEXT PRIMARY KEY,
		password_hash TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS folders (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		user_email TEXT NOT NULL REFERENCES users(email) ON DELETE CASCADE,
		name TEXT NOT NULL,
		UNIQUE(user_email, name)
	);

	CREATE TABLE IF NOT EXISTS messages (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		folder_id INTEGER NOT NULL REFERENCES folders(id) ON DELETE CASCADE,
		recipient TEXT NOT NULL,
		sender TEXT NOT NULL DEFAULT '',
		subject TEXT NOT NULL DEFAULT '',
		body BLOB NOT NULL,
		flags TEXT NOT NULL DEFAULT '',
		received_at TIMESTAMP NOT NULL,
		uid INTEGER UNIQUE
	);

	CREATE INDEX IF NOT EXISTS idx_messages_recipient ON messages(recipient);
	CREATE INDEX IF NOT EXISTS idx_messages_folder ON messages(folder_id);
	`

	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

// CreateUser provisions an account with its standard folder set. The
// password hash is produced by the auth package, not here.
func (s *Store) CreateUser(email, passwordHash string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(
		"INSERT INTO users (email, password_hash) VALUES (?, ?)",
		email, passwordHash,
	); err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return ErrUserExists
		}
		return fmt.Errorf("failed to create user: %w", err)
	}

	for _, name := range StandardFolders {
		if _, err := tx.Exec(
			"INSERT OR IGNORE INTO folders (user_email, name) VALUES (?, ?)",
			email, name,
		); err != nil {
			return fmt.Errorf("failed to create folder %s: %w", name, err)
		}
	}

	return tx.Commit()
}

// PasswordHash returns the stored hash for an account, or ErrNotFound
func (s *Store) PasswordHash(email string) (string, error) {
	var hash string
	err := s.db.QueryRow(
		"SELECT password_hash FROM users WHERE email = ?", email,
	).Scan(&hash)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to look up user: %w", err)
	}
	return hash, nil
}

// SetPasswordHash rotates an account's password hash
func (s *Store) SetPasswordHash(email, passwordHash string) error {
	res, err := s.db.Exec(
		"UPDATE users SET password_hash = ? WHERE email = ?",
		passwordHash, email,
	)
	if err != nil {
		return fmt.Errorf("failed to update password: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// UserExists reports whether an account exists for the address
func (s *Store) UserExists(email string) (bool, error) {
	var count int
	err := s.db.QueryRow(
		"SELECT COUNT(*) FROM users WHERE email = ?", email,
	).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("failed to check user: %w", err)
	}
	return count > 0, nil
}

// FolderExists reports whether a folder is selectable for an account.
// The standard folders always exist, even before first delivery.
func (s *Store) FolderExists(email, name string) (bool, error) {
	for _, std := range StandardFolders {
		if strings.EqualFold(name, std) {
			return true, nil
		}
	}

	var count int
	err := s.db.QueryRow(
		"SELECT COUNT(*) FROM folders WHERE user_email = ? AND name = ?",
		email, name,
	).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("failed to check folder: %w", err)
	}
	return count > 0, nil
}

// Folders returns the folder names owned by an account, the standard
// set first, then any custom folders created by delivery.
func (s *Store) Folders(email string) ([]string, error) {
	folders := make([]string, len(StandardFolders))
	copy(folders, StandardFolders)

	seen := make(map[string]bool, len(folders))
	for _, name := range folders {
		seen[name] = true
	}

	rows, err := s.db.Query(
		"SELECT name FROM folders WHERE user_email = ? ORDER BY name", email,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list folders: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		if !seen[name] {
			folders = append(folders, name)
			seen[name] = true
		}
	}

	return folders, rows.Err()
}
