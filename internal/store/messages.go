package store

import (
	"bytes"
	"fmt"
	"net/mail"
	"strings"
	"time"
)

// uidOffset keeps allocated UIDs above the protocol's reserved range.
// A message's UID is its durable row id plus this offset, so UIDs are
// unique for the store's lifetime and never decrease after a restart.
const uidOffset = 1000

// UIDFloor is the exclusive lower bound of allocated UIDs; an empty
// folder reports UIDFloor+1 as its next UID.
const UIDFloor = uidOffset

// Summary is one stored message as returned by List. Body holds the
// decrypted original bytes unless Corrupt is set, in which case the
// ciphertext could not be opened and Body is nil.
type Summary struct {
	ID       int64
	UID      int64
	Sender   string
	Subject  string
	Flags    string
	Received time.Time
	Body     []byte
	Corrupt  bool
}

// canonicalFolder maps case-variants of the standard folders onto their
// canonical names so "inbox" and "INBOX" are the same mailbox
func canonicalFolder(name string) string {
	for _, std := range StandardFolders {
		if strings.EqualFold(name, std) {
			return std
		}
	}
	return name
}

// Deliver encrypts and stores a message for one recipient. The UID is
// allocated inside the same transaction that makes the row visible, so
// no reader ever observes the message without its final UID. Returns
// ErrUnknownRecipient if no account exists for the recipient.
func (s *Store) Deliver(recipient, sender string, raw []byte, folder string) (int64, error) {
	if folder == "" {
		folder = "INBOX"
	}
	folder = canonicalFolder(folder)

	// Subject is storage metadata only; an unparseable message still
	// gets delivered with an empty subject.
	subject := extractSubject(raw)

	body, err := s.cipher.Seal(raw)
	if err != nil {
		return 0, fmt.Errorf("failed to encrypt message: %w", err)
	}

	tx, err := s.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var count int
	if err := tx.QueryRow(
		"SELECT COUNT(*) FROM users WHERE email = ?", recipient,
	).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to check recipient: %w", err)
	}
	if count == 0 {
		return 0, ErrUnknownRecipient
	}

	// First writer creates the folder, a concurrent second writer
	// observes it instead of erroring.
	if _, err := tx.Exec(
		"INSERT OR IGNORE INTO folders (user_email, name) VALUES (?, ?)",
		recipient, folder,
	); err != nil {
		return 0, fmt.Errorf("failed to create folder: %w", err)
	}

	var folderID int64
	if err := tx.QueryRow(
		"SELECT id FROM folders WHERE user_email = ? AND name = ?",
		recipient, folder,
	).Scan(&folderID); err != nil {
		return 0, fmt.Errorf("failed to resolve folder: %w", err)
	}

	res, err := tx.Exec(
		`INSERT INTO messages (folder_id, recipient, sender, subject, body, flags, received_at)
		 VALUES (?, ?, ?, ?, ?, '', ?)`,
		folderID, recipient, sender, subject, body, time.Now().UTC(),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to insert message: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to get message id: %w", err)
	}

	uid := id + uidOffset
	if _, err := tx.Exec("UPDATE messages SET uid = ? WHERE id = ?", uid, id); err != nil {
		return 0, fmt.Errorf("failed to assign uid: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit delivery: %w", err)
	}

	return uid, nil
}

// List returns the messages in a folder, most recently received first,
// ties broken by UID descending. Bodies are decrypted; a message whose
// ciphertext cannot be opened is returned with Corrupt set instead of
// aborting the listing. A folder that does not exist yet lists as empty.
func (s *Store) List(email, folder string) ([]Summary, error) {
	folder = canonicalFolder(folder)

	rows, err := s.db.Query(
		`SELECT m.id, m.uid, m.sender, m.subject, m.flags, m.received_at, m.body
		 FROM messages m
		 JOIN folders f ON m.folder_id = f.id
		 WHERE f.user_email = ? AND f.name = ?
		 ORDER BY m.received_at DESC, m.uid DESC`,
		email, folder,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	defer rows.Close()

	var summaries []Summary
	for rows.Next() {
		var sum Summary
		var body []byte
		if err := rows.Scan(&sum.ID, &sum.UID, &sum.Sender, &sum.Subject, &sum.Flags, &sum.Received, &body); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}

		plaintext, err := s.cipher.Open(body)
		if err != nil {
			sum.Corrupt = true
		} else {
			sum.Body = plaintext
		}

		summaries = append(summaries, sum)
	}

	return summaries, rows.Err()
}

// SetFlags overwrites a message's full flag set. Idempotent; returns
// ErrNotFound if the message id is absent.
func (s *Store) SetFlags(messageID int64, flags string) error {
	res, err := s.db.Exec(
		"UPDATE messages SET flags = ? WHERE id = ?", flags, messageID,
	)
	if err != nil {
		return fmt.Errorf("failed to update flags: %w", err)
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

// FolderStatus returns the message count and next UID for a folder.
// An empty or not-yet-created folder reports zero messages and
// UIDFloor+1.
func (s *Store) FolderStatus(email, folder string) (count int, uidNext int64, err error) {
	folder = canonicalFolder(folder)

	err = s.db.QueryRow(
		`SELECT COUNT(m.id), COALESCE(MAX(m.uid), ?)
		 FROM messages m
		 JOIN folders f ON m.folder_id = f.id
		 WHERE f.user_email = ? AND f.name = ?`,
		int64(UIDFloor), email, folder,
	).Scan(&count, &uidNext)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to query folder status: %w", err)
	}

	return count, uidNext + 1, nil
}

// extractSubject pulls the Subject header out of a raw message
func extractSubject(raw []byte) string {
	msg, err := mail.ReadMessage(bytes.NewReader(raw))
	if err != nil {
		return ""
	}
	return msg.Header.Get("Subject")
}
