package imapd

import (
	"bufio"
	"fmt"
	"log"
	"net"
	"strings"
	"time"

	"mailgate/internal/auth"
	"mailgate/internal/conf"
	"mailgate/internal/store"
)

// flagVocabulary is the flag set advertised on SELECT
const flagVocabulary = `\Seen \Answered \Flagged \Deleted \Draft`

// Session represents one retrieval connection: the authentication state,
// the selected folder, and the command dispatch table. State is owned
// exclusively by the connection's goroutine.
type Session struct {
	conn     net.Conn
	reader   *bufio.Reader
	writer   *bufio.Writer
	store    *store.Store
	verifier *auth.Verifier
	config   *conf.Config

	authenticated bool
	username      string
	selected      string // selected folder name, empty when none

	commands map[string]handlerFunc
}

// handlerFunc handles one tagged command
type handlerFunc func(tag string, args []string) error

// errLogout signals an orderly close after LOGOUT
var errLogout = fmt.Errorf("session closed by LOGOUT")

// NewSession creates a new retrieval session
func NewSession(conn net.Conn, st *store.Store, verifier *auth.Verifier, cfg *conf.Config) *Session {
	s := &Session{
		conn:     conn,
		reader:   bufio.NewReader(conn),
		writer:   bufio.NewWriter(conn),
		store:    st,
		verifier: verifier,
		config:   cfg,
	}

	// Explicit dispatch table; the auth and selection gates wrap each
	// entry that needs them.
	s.commands = map[string]handlerFunc{
		"CAPABILITY": s.handleCapability,
		"NOOP":       s.handleNoop,
		"LOGIN":      s.handleLogin,
		"LOGOUT":     s.handleLogout,
		"LIST":       s.requireAuth(s.handleList),
		"SELECT":     s.requireAuth(s.handleSelect),
		"FETCH":      s.requireAuth(s.requireSelected(s.handleFetch)),
	}

	return s
}

// Handle runs the session until LOGOUT or disconnect
func (s *Session) Handle() error {
	s.resetDeadline()

	if err := s.sendLine("* OK [CAPABILITY IMAP4rev1] Mail gateway ready"); err != nil {
		return err
	}

	for {
		line, err := s.reader.ReadString('\n')
		if err != nil {
			return fmt.Errorf("read error: %w", err)
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		log.Printf("C: %s", line)

		parts := splitLine(line)
		if len(parts) < 2 {
			if err := s.sendLine(fmt.Sprintf("%s BAD Invalid command format", parts[0])); err != nil {
				return err
			}
			continue
		}

		tag := parts[0]
		cmd := strings.ToUpper(parts[1])
		args := parts[2:]

		handler, ok := s.commands[cmd]
		if !ok {
			if err := s.sendLine(fmt.Sprintf("%s BAD Unknown command: %s", tag, cmd)); err != nil {
				return err
			}
			continue
		}

		if err := handler(tag, args); err != nil {
			if err == errLogout {
				return nil
			}
			return err
		}

		s.resetDeadline()
	}
}

func (s *Session) resetDeadline() {
	if s.config.IMAP.Timeout > 0 {
		timeout := time.Duration(s.config.IMAP.Timeout) * time.Second
		s.conn.SetReadDeadline(time.Now().Add(timeout))
	}
}

// splitLine splits a command line into fields. A double-quoted string
// is one field, quotes removed, spaces inside it preserved.
func splitLine(line string) []string {
	var fields []string
	var cur strings.Builder
	inQuote := false
	quoted := false

	flush := func() {
		if cur.Len() > 0 || quoted {
			fields = append(fields, cur.String())
		}
		cur.Reset()
		quoted = false
	}

	for i := 0; i < len(line); i++ {
		switch c := line[i]; {
		case c == '"':
			inQuote = !inQuote
			quoted = true
		case c == ' ' && !inQuote:
			flush()
		default:
			cur.WriteByte(c)
		}
	}
	flush()

	return fields
}

// requireAuth gates a handler on a completed LOGIN
func (s *Session) requireAuth(handler handlerFunc) handlerFunc {
	return func(tag string, args []string) error {
		if !s.authenticated {
			return s.sendLine(fmt.Sprintf("%s NO Please authenticate first", tag))
		}
		return handler(tag, args)
	}
}

// requireSelected gates a handler on a selected folder
func (s *Session) requireSelected(handler handlerFunc) handlerFunc {
	return func(tag string, args []string) error {
		if s.selected == "" {
			return s.sendLine(fmt.Sprintf("%s NO No folder selected", tag))
		}
		return handler(tag, args)
	}
}

// handleCapability handles the CAPABILITY command
func (s *Session) handleCapability(tag string, args []string) error {
	if err := s.sendLine("* CAPABILITY IMAP4rev1"); err != nil {
		return err
	}
	return s.sendLine(fmt.Sprintf("%s OK CAPABILITY completed", tag))
}

// handleNoop handles the NOOP command
func (s *Session) handleNoop(tag string, args []string) error {
	return s.sendLine(fmt.Sprintf("%s OK NOOP completed", tag))
}

// handleLogin handles LOGIN user pass; valid in any state
func (s *Session) handleLogin(tag string, args []string) error {
	if len(args) < 2 {
		return s.sendLine(fmt.Sprintf("%s BAD LOGIN requires username and password", tag))
	}

	username := args[0]
	password := args[1]

	ok, err := s.verifier.Verify(username, password)
	if err != nil {
		log.Printf("Credential verification error for %s: %v", username, err)
	}

	if !ok {
		log.Printf("Login failed for user: %s", username)
		return s.sendLine(fmt.Sprintf("%s NO Invalid credentials", tag))
	}

	s.authenticated = true
	s.username = username
	s.selected = ""
	log.Printf("Login successful for user: %s", username)
	return s.sendLine(fmt.Sprintf("%s OK LOGIN completed", tag))
}

// handleList enumerates the account's folders
func (s *Session) handleList(tag string, args []string) error {
	folders, err := s.store.Folders(s.username)
	if err != nil {
		log.Printf("LIST failed for %s: %v", s.username, err)
		return s.sendLine(fmt.Sprintf("%s NO Server error", tag))
	}

	for _, folder := range folders {
		if err := s.sendLine(fmt.Sprintf(`* LIST (\HasNoChildren) "/" %s`, folder)); err != nil {
			return err
		}
	}
	return s.sendLine(fmt.Sprintf("%s OK LIST completed", tag))
}

// handleSelect selects a folder and reports its status
func (s *Session) handleSelect(tag string, args []string) error {
	if len(args) < 1 {
		return s.sendLine(fmt.Sprintf("%s BAD SELECT requires a folder name", tag))
	}

	folder := args[0]

	exists, err := s.store.FolderExists(s.username, folder)
	if err != nil {
		log.Printf("SELECT failed for %s/%s: %v", s.username, folder, err)
		return s.sendLine(fmt.Sprintf("%s NO Server error", tag))
	}
	if !exists {
		return s.sendLine(fmt.Sprintf("%s NO Folder does not exist", tag))
	}

	count, uidNext, err := s.store.FolderStatus(s.username, folder)
	if err != nil {
		log.Printf("SELECT failed for %s/%s: %v", s.username, folder, err)
		return s.sendLine(fmt.Sprintf("%s NO Server error", tag))
	}

	responses := []string{
		fmt.Sprintf("* %d EXISTS", count),
		"* 0 RECENT",
		"* OK [UIDVALIDITY 1]",
		fmt.Sprintf("* OK [UIDNEXT %d]", uidNext),
		fmt.Sprintf("* FLAGS (%s)", flagVocabulary),
		fmt.Sprintf(`* OK [PERMANENTFLAGS (%s \*)]`, flagVocabulary),
	}
	for _, resp := range responses {
		if err := s.sendLine(resp); err != nil {
			return err
		}
	}

	s.selected = folder
	return s.sendLine(fmt.Sprintf("%s OK [READ-WRITE] SELECT completed", tag))
}

// handleFetch returns flags and full body for every message in the
// selected folder. The sequence-set argument is accepted but not used
// to restrict the result; clients always get the whole folder. One
// corrupt message is reported inline and does not abort the rest.
func (s *Session) handleFetch(tag string, args []string) error {
	summaries, err := s.store.List(s.username, s.selected)
	if err != nil {
		log.Printf("FETCH failed for %s/%s: %v", s.username, s.selected, err)
		return s.sendLine(fmt.Sprintf("%s NO Server error", tag))
	}

	for _, sum := range summaries {
		if sum.Corrupt {
			log.Printf("Corrupt message UID %d in %s/%s", sum.UID, s.username, s.selected)
			if err := s.sendLine(fmt.Sprintf("* NO [CORRUPTMESSAGE] UID %d could not be decrypted", sum.UID)); err != nil {
				return err
			}
			continue
		}

		header := fmt.Sprintf("* %d FETCH (UID %d FLAGS (%s) BODY[] {%d}",
			sum.UID, sum.UID, sum.Flags, len(sum.Body))
		if err := s.sendLine(header); err != nil {
			return err
		}
		if _, err := s.writer.Write(sum.Body); err != nil {
			return err
		}
		if err := s.sendLine(")"); err != nil {
			return err
		}
	}

	return s.sendLine(fmt.Sprintf("%s OK FETCH completed", tag))
}

// handleLogout clears session state and closes the connection
func (s *Session) handleLogout(tag string, args []string) error {
	s.authenticated = false
	s.username = ""
	s.selected = ""

	if err := s.sendLine("* BYE IMAP4rev1 Server logging out"); err != nil {
		return err
	}
	if err := s.sendLine(fmt.Sprintf("%s OK LOGOUT completed", tag)); err != nil {
		return err
	}
	return errLogout
}

// sendLine writes one CRLF-terminated response line
func (s *Session) sendLine(line string) error {
	log.Printf("S: %s", line)

	if _, err := s.writer.WriteString(line + "\r\n"); err != nil {
		return err
	}
	return s.writer.Flush()
}
