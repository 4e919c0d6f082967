package smtpd

import (
	"bufio"
	"encoding/base64"
	"fmt"
	"log"
	"net"
	"strings"
	"time"

	"mailgate/internal/auth"
	"mailgate/internal/conf"
	"mailgate/internal/store"
)

// authStage tracks where a connection is in the AUTH exchange. Only the
// stage that is pending carries extra state (pendingUser during the
// LOGIN password step).
type authStage int

const (
	authNone          authStage = iota // no mechanism in progress
	authPlainResponse                  // AUTH PLAIN issued without initial response
	authLoginUsername                  // AUTH LOGIN, waiting for base64 username
	authLoginPassword                  // AUTH LOGIN, waiting for base64 password
	authDone                           // authenticated
)

// Session represents one submission connection. All state is owned by
// the connection's goroutine; nothing here is shared.
type Session struct {
	conn     net.Conn
	reader   *bufio.Reader
	writer   *bufio.Writer
	store    *store.Store
	verifier *auth.Verifier
	config   *conf.Config

	helo        string
	stage       authStage
	pendingUser string // username received during AUTH LOGIN, before the password
	username    string // authenticated identity
	mailFrom    string
	recipients  []string
}

// NewSession creates a new submission session
func NewSession(conn net.Conn, st *store.Store, verifier *auth.Verifier, cfg *conf.Config) *Session {
	return &Session{
		conn:       conn,
		reader:     bufio.NewReader(conn),
		writer:     bufio.NewWriter(conn),
		store:      st,
		verifier:   verifier,
		config:     cfg,
		recipients: make([]string, 0),
	}
}

// Handle runs the session until QUIT or disconnect
func (s *Session) Handle() error {
	s.resetDeadline()

	if err := s.sendResponse(220, "%s ESMTP Service ready", s.config.SMTP.Hostname); err != nil {
		return err
	}

	for {
		line, err := s.reader.ReadString('\n')
		if err != nil {
			return fmt.Errorf("read error: %w", err)
		}

		line = strings.TrimRight(line, "\r\n")
		if line == "" && s.stage != authPlainResponse {
			continue
		}

		log.Printf("C: %s", line)

		// A pending AUTH challenge consumes the whole next line as its
		// response; it is not a command.
		switch s.stage {
		case authPlainResponse, authLoginUsername, authLoginPassword:
			if err := s.continueAuth(line); err != nil {
				return err
			}
			s.resetDeadline()
			continue
		}

		parts := strings.SplitN(line, " ", 2)
		cmd := strings.ToUpper(parts[0])
		args := ""
		if len(parts) > 1 {
			args = parts[1]
		}

		if err := s.handleCommand(cmd, args); err != nil {
			if err == errQuit {
				return nil
			}
			return err
		}

		s.resetDeadline()
	}
}

var errQuit = fmt.Errorf("session closed by QUIT")

func (s *Session) resetDeadline() {
	if s.config.SMTP.Timeout > 0 {
		timeout := time.Duration(s.config.SMTP.Timeout) * time.Second
		s.conn.SetDeadline(time.Now().Add(timeout))
	}
}

// handleCommand dispatches a single command line
func (s *Session) handleCommand(cmd, args string) error {
	switch cmd {
	case "HELO", "EHLO":
		return s.handleHello(cmd, args)
	case "AUTH":
		return s.handleAuth(args)
	case "MAIL":
		return s.handleMail(args)
	case "RCPT":
		return s.handleRcpt(args)
	case "DATA":
		return s.handleData()
	case "RSET":
		return s.handleRset()
	case "NOOP":
		return s.sendResponse(250, "OK")
	case "QUIT":
		s.sendResponse(221, "Bye")
		return errQuit
	default:
		return s.sendResponse(500, "Command not recognized")
	}
}

// handleHello handles HELO and EHLO
func (s *Session) handleHello(cmd, args string) error {
	if args == "" {
		return s.sendResponse(501, "%s requires domain address", cmd)
	}

	s.helo = args

	if cmd == "HELO" {
		return s.sendResponse(250, "%s", s.config.SMTP.Hostname)
	}

	responses := []string{
		fmt.Sprintf("250-%s", s.config.SMTP.Hostname),
		"250-AUTH PLAIN LOGIN",
		fmt.Sprintf("250-SIZE %d", s.config.SMTP.MaxSize),
		"250 8BITMIME",
	}
	for _, resp := range responses {
		if err := s.sendRawResponse(resp); err != nil {
			return err
		}
	}
	return nil
}

// handleAuth negotiates an authentication mechanism
func (s *Session) handleAuth(args string) error {
	if s.stage == authDone {
		return s.sendResponse(503, "Already authenticated")
	}

	if args == "" {
		return s.sendResponse(501, "Syntax error in parameters or arguments")
	}

	parts := strings.SplitN(args, " ", 2)
	mechanism := strings.ToUpper(parts[0])
	initial := ""
	hasInitial := false
	if len(parts) > 1 {
		initial = parts[1]
		hasInitial = true
	}

	switch mechanism {
	case "PLAIN":
		if !hasInitial {
			s.stage = authPlainResponse
			return s.sendResponse(334, "")
		}
		return s.finishPlain(initial)
	case "LOGIN":
		if hasInitial {
			// Initial response carries the username
			return s.acceptLoginUsername(initial)
		}
		s.stage = authLoginUsername
		return s.sendResponse(334, "VXNlcm5hbWU6") // base64("Username:")
	default:
		return s.sendResponse(504, "Unrecognized authentication type %s", mechanism)
	}
}

// continueAuth consumes a challenge-response line for the pending stage
func (s *Session) continueAuth(line string) error {
	if line == "*" {
		s.resetAuth()
		return s.sendResponse(501, "Authentication cancelled")
	}

	switch s.stage {
	case authPlainResponse:
		return s.finishPlain(line)
	case authLoginUsername:
		return s.acceptLoginUsername(line)
	case authLoginPassword:
		return s.finishLogin(line)
	}
	return nil
}

// finishPlain decodes the PLAIN triple and verifies it
func (s *Session) finishPlain(response string) error {
	decoded, err := base64.StdEncoding.DecodeString(response)
	if err != nil {
		log.Printf("AUTH PLAIN: undecodable response: %v", err)
		return s.rejectAuth()
	}

	fields := strings.Split(string(decoded), "\x00")
	if len(fields) != 3 {
		log.Printf("AUTH PLAIN: expected authzid/username/password triple, got %d fields", len(fields))
		return s.rejectAuth()
	}

	return s.verifyCredentials(fields[1], fields[2])
}

// acceptLoginUsername stores the LOGIN username and prompts for the password
func (s *Session) acceptLoginUsername(response string) error {
	decoded, err := base64.StdEncoding.DecodeString(response)
	if err != nil {
		log.Printf("AUTH LOGIN: undecodable username: %v", err)
		return s.rejectAuth()
	}

	s.pendingUser = string(decoded)
	s.stage = authLoginPassword
	return s.sendResponse(334, "UGFzc3dvcmQ6") // base64("Password:")
}

// finishLogin decodes the LOGIN password and verifies the pair
func (s *Session) finishLogin(response string) error {
	decoded, err := base64.StdEncoding.DecodeString(response)
	if err != nil {
		log.Printf("AUTH LOGIN: undecodable password: %v", err)
		return s.rejectAuth()
	}

	username := s.pendingUser
	return s.verifyCredentials(username, string(decoded))
}

// verifyCredentials asks the verifier and settles the AUTH exchange.
// The failure response never says which field was wrong.
func (s *Session) verifyCredentials(username, password string) error {
	ok, err := s.verifier.Verify(username, password)
	if err != nil {
		log.Printf("Credential verification error for %s: %v", username, err)
	}

	if !ok {
		log.Printf("Authentication failed for user: %s", username)
		return s.rejectAuth()
	}

	s.stage = authDone
	s.username = username
	s.pendingUser = ""
	log.Printf("Authentication successful for user: %s", username)
	return s.sendResponse(235, "2.7.0 Authentication successful")
}

// rejectAuth resets the exchange and sends the uniform failure response
func (s *Session) rejectAuth() error {
	s.resetAuth()
	return s.sendResponse(535, "5.7.8 Authentication credentials invalid")
}

func (s *Session) resetAuth() {
	s.stage = authNone
	s.pendingUser = ""
	s.username = ""
}

// requireAuth gates the mail transaction commands. Each of MAIL, RCPT,
// and DATA re-evaluates this independently.
func (s *Session) requireAuth() bool {
	return s.stage == authDone
}

// handleMail handles the MAIL FROM command
func (s *Session) handleMail(args string) error {
	if !s.requireAuth() {
		log.Printf("MAIL FROM rejected: not authenticated")
		return s.sendResponse(530, "5.7.0 Authentication required")
	}

	if s.helo == "" {
		return s.sendResponse(503, "Please send HELO first")
	}

	if s.mailFrom != "" {
		return s.sendResponse(503, "Sender already specified")
	}

	from, err := parseMailFrom(args)
	if err != nil {
		return s.sendResponse(501, "Invalid MAIL FROM syntax: %v", err)
	}

	s.mailFrom = from
	return s.sendResponse(250, "2.1.0 Sender OK")
}

// handleRcpt handles the RCPT TO command
func (s *Session) handleRcpt(args string) error {
	if !s.requireAuth() {
		log.Printf("RCPT TO rejected: not authenticated")
		return s.sendResponse(530, "5.7.0 Authentication required")
	}

	if s.mailFrom == "" {
		return s.sendResponse(503, "Please send MAIL FROM first")
	}

	if len(s.recipients) >= s.config.SMTP.MaxRecipients {
		return s.sendResponse(452, "Too many recipients")
	}

	to, err := parseRcptTo(args)
	if err != nil {
		return s.sendResponse(501, "Invalid RCPT TO syntax: %v", err)
	}

	if !strings.HasSuffix(strings.ToLower(to), "@"+strings.ToLower(s.config.Domain)) {
		log.Printf("Rejected recipient %s: invalid domain", to)
		return s.sendResponse(550, "Invalid recipient domain")
	}

	s.recipients = append(s.recipients, to)
	return s.sendResponse(250, "2.1.5 Recipient OK")
}

// handleData handles the DATA command and delivers to every accepted
// recipient. One recipient's failure never blocks the others.
func (s *Session) handleData() error {
	if !s.requireAuth() {
		log.Printf("DATA rejected: not authenticated")
		return s.sendResponse(530, "5.7.0 Authentication required")
	}

	if s.mailFrom == "" {
		return s.sendResponse(503, "Please send MAIL FROM first")
	}

	if len(s.recipients) == 0 {
		return s.sendResponse(503, "Please send RCPT TO first")
	}

	if err := s.sendResponse(354, "Start mail input; end with <CRLF>.<CRLF>"); err != nil {
		return err
	}

	data, err := readData(s.reader, s.config.SMTP.MaxSize)
	if err != nil {
		log.Printf("Error reading message data: %v", err)
		return s.sendResponse(554, "Error reading message: %v", err)
	}

	delivered := 0
	for _, recipient := range s.recipients {
		uid, err := s.store.Deliver(recipient, s.mailFrom, data, "INBOX")
		if err != nil {
			log.Printf("Delivery failed for %s: %v", recipient, err)
			continue
		}
		delivered++
		log.Printf("Message delivered: from %s to %s (UID %d)", s.mailFrom, recipient, uid)
	}

	// Reset transaction state; the authenticated identity survives
	s.mailFrom = ""
	s.recipients = make([]string, 0)

	if delivered == 0 {
		return s.sendResponse(451, "4.3.0 Delivery failed for all recipients")
	}
	return s.sendResponse(250, "2.0.0 Message accepted for delivery")
}

// handleRset handles the RSET command
func (s *Session) handleRset() error {
	s.mailFrom = ""
	s.recipients = make([]string, 0)
	return s.sendResponse(250, "Reset state")
}

// sendResponse sends a formatted status response
func (s *Session) sendResponse(code int, format string, args ...interface{}) error {
	message := fmt.Sprintf(format, args...)
	return s.sendRawResponse(fmt.Sprintf("%d %s", code, message))
}

// sendRawResponse sends one response line
func (s *Session) sendRawResponse(response string) error {
	log.Printf("S: %s", response)

	if _, err := s.writer.WriteString(response + "\r\n"); err != nil {
		return err
	}
	return s.writer.Flush()
}
