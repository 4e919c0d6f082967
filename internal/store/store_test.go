package store

import (
	"bytes"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"mailgate/internal/crypt"
)

const (
	testUser = "alice@example.com"
	testHash = "$2a$10$N9qo8uLOickgx2ZMRZoMyeIjZAgcfl7p92ldGxad68LJZdL17lhWy"
)

// setupStore creates a store backed by a fresh database in a temp dir
func setupStore(t *testing.T) (*Store, string) {
	t.Helper()

	key, err := crypt.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey failed: %v", err)
	}
	cipher, err := crypt.NewCipher(key)
	if err != nil {
		t.Fatalf("NewCipher failed: %v", err)
	}

	path := filepath.Join(t.TempDir(), "mail.db")
	st, err := Open(path, cipher)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	return st, path
}

func setupStoreWithUser(t *testing.T) (*Store, string) {
	t.Helper()

	st, path := setupStore(t)
	if err := st.CreateUser(testUser, testHash); err != nil {
		t.Fatalf("CreateUser failed: %v", err)
	}
	return st, path
}

func testMessage(subject string) []byte {
	return []byte(fmt.Sprintf("From: bob@example.org\r\nSubject: %s\r\n\r\nBody text.\r\n", subject))
}

func TestCreateUser_Duplicate(t *testing.T) {
	st, _ := setupStoreWithUser(t)

	if err := st.CreateUser(testUser, testHash); !errors.Is(err, ErrUserExists) {
		t.Errorf("Expected ErrUserExists, got %v", err)
	}
}

func TestCreateUser_ProvisionsStandardFolders(t *testing.T) {
	st, _ := setupStoreWithUser(t)

	folders, err := st.Folders(testUser)
	if err != nil {
		t.Fatalf("Folders failed: %v", err)
	}

	if len(folders) != len(StandardFolders) {
		t.Fatalf("Expected %d folders, got %d: %v", len(StandardFolders), len(folders), folders)
	}
	for i, name := range StandardFolders {
		if folders[i] != name {
			t.Errorf("Folder %d: got %s, want %s", i, folders[i], name)
		}
	}
}

func TestPasswordHash(t *testing.T) {
	st, _ := setupStoreWithUser(t)

	hash, err := st.PasswordHash(testUser)
	if err != nil {
		t.Fatalf("PasswordHash failed: %v", err)
	}
	if hash != testHash {
		t.Errorf("Got hash %s, want %s", hash, testHash)
	}

	if _, err := st.PasswordHash("nobody@example.com"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound for unknown user, got %v", err)
	}
}

func TestSetPasswordHash_UnknownUser(t *testing.T) {
	st, _ := setupStore(t)

	if err := st.SetPasswordHash("nobody@example.com", testHash); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestDeliver_UnknownRecipient(t *testing.T) {
	st, _ := setupStore(t)

	_, err := st.Deliver("nobody@example.com", "bob@example.org", testMessage("hi"), "")
	if !errors.Is(err, ErrUnknownRecipient) {
		t.Errorf("Expected ErrUnknownRecipient, got %v", err)
	}
}

func TestDeliverList_RoundTrip(t *testing.T) {
	st, _ := setupStoreWithUser(t)

	raw := testMessage("Greetings")
	uid, err := st.Deliver(testUser, "bob@example.org", raw, "")
	if err != nil {
		t.Fatalf("Deliver failed: %v", err)
	}
	if uid <= UIDFloor {
		t.Errorf("UID %d not above floor %d", uid, UIDFloor)
	}

	summaries, err := st.List(testUser, "INBOX")
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(summaries) != 1 {
		t.Fatalf("Expected 1 message, got %d", len(summaries))
	}

	sum := summaries[0]
	if sum.UID != uid {
		t.Errorf("Got UID %d, want %d", sum.UID, uid)
	}
	if sum.Sender != "bob@example.org" {
		t.Errorf("Got sender %s, want bob@example.org", sum.Sender)
	}
	if sum.Subject != "Greetings" {
		t.Errorf("Got subject %q, want Greetings", sum.Subject)
	}
	if sum.Flags != "" {
		t.Errorf("Expected empty flags on delivery, got %q", sum.Flags)
	}
	if sum.Corrupt {
		t.Error("Message unexpectedly marked corrupt")
	}
	if !bytes.Equal(sum.Body, raw) {
		t.Errorf("Body mismatch: got %q, want %q", sum.Body, raw)
	}
}

func TestDeliver_FirstUID(t *testing.T) {
	st, _ := setupStoreWithUser(t)

	uid, err := st.Deliver(testUser, "bob@example.org", testMessage("first"), "")
	if err != nil {
		t.Fatalf("Deliver failed: %v", err)
	}
	if uid != UIDFloor+1 {
		t.Errorf("First UID: got %d, want %d", uid, UIDFloor+1)
	}
}

func TestDeliver_FolderCaseInsensitive(t *testing.T) {
	st, _ := setupStoreWithUser(t)

	if _, err := st.Deliver(testUser, "bob@example.org", testMessage("hi"), "inbox"); err != nil {
		t.Fatalf("Deliver failed: %v", err)
	}

	summaries, err := st.List(testUser, "INBOX")
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(summaries) != 1 {
		t.Errorf("Expected delivery to inbox to land in INBOX, got %d messages", len(summaries))
	}
}

func TestDeliver_CreatesCustomFolder(t *testing.T) {
	st, _ := setupStoreWithUser(t)

	if _, err := st.Deliver(testUser, "bob@example.org", testMessage("hi"), "Archive"); err != nil {
		t.Fatalf("Deliver failed: %v", err)
	}

	exists, err := st.FolderExists(testUser, "Archive")
	if err != nil {
		t.Fatalf("FolderExists failed: %v", err)
	}
	if !exists {
		t.Error("Archive folder not created by delivery")
	}

	folders, err := st.Folders(testUser)
	if err != nil {
		t.Fatalf("Folders failed: %v", err)
	}
	found := false
	for _, name := range folders {
		if name == "Archive" {
			found = true
		}
	}
	if !found {
		t.Errorf("Archive missing from folder list: %v", folders)
	}
}

func TestList_NewestFirst(t *testing.T) {
	st, _ := setupStoreWithUser(t)

	var uids []int64
	for i := 0; i < 3; i++ {
		uid, err := st.Deliver(testUser, "bob@example.org", testMessage(fmt.Sprintf("msg %d", i)), "")
		if err != nil {
			t.Fatalf("Deliver %d failed: %v", i, err)
		}
		uids = append(uids, uid)
	}

	summaries, err := st.List(testUser, "INBOX")
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(summaries) != 3 {
		t.Fatalf("Expected 3 messages, got %d", len(summaries))
	}

	// Last delivered first; UID order breaks timestamp ties.
	for i, sum := range summaries {
		want := uids[len(uids)-1-i]
		if sum.UID != want {
			t.Errorf("Position %d: got UID %d, want %d", i, sum.UID, want)
		}
	}
}

func TestList_EmptyFolder(t *testing.T) {
	st, _ := setupStoreWithUser(t)

	summaries, err := st.List(testUser, "Sent")
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(summaries) != 0 {
		t.Errorf("Expected empty folder, got %d messages", len(summaries))
	}
}

func TestDeliver_ConcurrentUIDs(t *testing.T) {
	st, _ := setupStoreWithUser(t)

	const workers = 16
	uids := make([]int64, workers)
	errs := make([]error, workers)

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			uids[i], errs[i] = st.Deliver(testUser, "bob@example.org", testMessage(fmt.Sprintf("c%d", i)), "")
		}(i)
	}
	wg.Wait()

	seen := make(map[int64]bool, workers)
	for i := 0; i < workers; i++ {
		if errs[i] != nil {
			t.Fatalf("Concurrent deliver %d failed: %v", i, errs[i])
		}
		if uids[i] <= UIDFloor {
			t.Errorf("UID %d not above floor", uids[i])
		}
		if seen[uids[i]] {
			t.Errorf("Duplicate UID %d", uids[i])
		}
		seen[uids[i]] = true
	}

	count, _, err := st.FolderStatus(testUser, "INBOX")
	if err != nil {
		t.Fatalf("FolderStatus failed: %v", err)
	}
	if count != workers {
		t.Errorf("Expected %d messages, got %d", workers, count)
	}
}

func TestSetFlags(t *testing.T) {
	st, _ := setupStoreWithUser(t)

	if _, err := st.Deliver(testUser, "bob@example.org", testMessage("hi"), ""); err != nil {
		t.Fatalf("Deliver failed: %v", err)
	}

	summaries, err := st.List(testUser, "INBOX")
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	id := summaries[0].ID

	if err := st.SetFlags(id, `\Seen`); err != nil {
		t.Fatalf("SetFlags failed: %v", err)
	}
	// Same write again must succeed unchanged.
	if err := st.SetFlags(id, `\Seen`); err != nil {
		t.Fatalf("Repeated SetFlags failed: %v", err)
	}

	summaries, err = st.List(testUser, "INBOX")
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if summaries[0].Flags != `\Seen` {
		t.Errorf("Got flags %q, want \\Seen", summaries[0].Flags)
	}

	if err := st.SetFlags(999999, `\Seen`); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound for unknown message, got %v", err)
	}
}

func TestFolderStatus_Empty(t *testing.T) {
	st, _ := setupStoreWithUser(t)

	count, uidNext, err := st.FolderStatus(testUser, "INBOX")
	if err != nil {
		t.Fatalf("FolderStatus failed: %v", err)
	}
	if count != 0 {
		t.Errorf("Expected 0 messages, got %d", count)
	}
	if uidNext != UIDFloor+1 {
		t.Errorf("Empty folder UIDNEXT: got %d, want %d", uidNext, UIDFloor+1)
	}
}

func TestFolderStatus_AfterDelivery(t *testing.T) {
	st, _ := setupStoreWithUser(t)

	uid, err := st.Deliver(testUser, "bob@example.org", testMessage("hi"), "")
	if err != nil {
		t.Fatalf("Deliver failed: %v", err)
	}

	count, uidNext, err := st.FolderStatus(testUser, "INBOX")
	if err != nil {
		t.Fatalf("FolderStatus failed: %v", err)
	}
	if count != 1 {
		t.Errorf("Expected 1 message, got %d", count)
	}
	if uidNext != uid+1 {
		t.Errorf("UIDNEXT: got %d, want %d", uidNext, uid+1)
	}
}

func TestFolderExists_StandardAlwaysPresent(t *testing.T) {
	st, _ := setupStoreWithUser(t)

	for _, name := range []string{"INBOX", "inbox", "Trash", "spam"} {
		exists, err := st.FolderExists(testUser, name)
		if err != nil {
			t.Fatalf("FolderExists(%s) failed: %v", name, err)
		}
		if !exists {
			t.Errorf("Standard folder %s reported missing", name)
		}
	}

	exists, err := st.FolderExists(testUser, "NoSuchFolder")
	if err != nil {
		t.Fatalf("FolderExists failed: %v", err)
	}
	if exists {
		t.Error("Unknown folder reported as existing")
	}
}

func TestList_CorruptMessageIsolated(t *testing.T) {
	st, path := setupStoreWithUser(t)

	goodUID, err := st.Deliver(testUser, "bob@example.org", testMessage("good"), "")
	if err != nil {
		t.Fatalf("Deliver failed: %v", err)
	}
	badUID, err := st.Deliver(testUser, "bob@example.org", testMessage("bad"), "")
	if err != nil {
		t.Fatalf("Deliver failed: %v", err)
	}

	// Overwrite one ciphertext out of band.
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		t.Fatalf("Failed to open database directly: %v", err)
	}
	defer db.Close()
	if _, err := db.Exec("UPDATE messages SET body = ? WHERE uid = ?", []byte("garbage"), badUID); err != nil {
		t.Fatalf("Failed to tamper with message: %v", err)
	}

	summaries, err := st.List(testUser, "INBOX")
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(summaries) != 2 {
		t.Fatalf("Expected 2 messages, got %d", len(summaries))
	}

	for _, sum := range summaries {
		switch sum.UID {
		case badUID:
			if !sum.Corrupt {
				t.Error("Tampered message not marked corrupt")
			}
			if sum.Body != nil {
				t.Error("Corrupt message carries a body")
			}
		case goodUID:
			if sum.Corrupt {
				t.Error("Intact message marked corrupt")
			}
			if sum.Subject != "good" {
				t.Errorf("Got subject %q, want good", sum.Subject)
			}
		default:
			t.Errorf("Unexpected UID %d", sum.UID)
		}
	}
}

func TestDeliver_UnparseableMessage(t *testing.T) {
	st, _ := setupStoreWithUser(t)

	raw := []byte("this is not an rfc822 message")
	if _, err := st.Deliver(testUser, "bob@example.org", raw, ""); err != nil {
		t.Fatalf("Deliver failed: %v", err)
	}

	summaries, err := st.List(testUser, "INBOX")
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(summaries) != 1 {
		t.Fatalf("Expected 1 message, got %d", len(summaries))
	}
	if summaries[0].Subject != "" {
		t.Errorf("Expected empty subject, got %q", summaries[0].Subject)
	}
	if !bytes.Equal(summaries[0].Body, raw) {
		t.Error("Body not preserved for unparseable message")
	}
}
