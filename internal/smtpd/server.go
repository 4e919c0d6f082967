package smtpd

import (
	"fmt"
	"log"
	"net"
	"sync"

	"mailgate/internal/auth"
	"mailgate/internal/conf"
	"mailgate/internal/store"
)

// Server accepts submission connections and runs one session per
// connection
type Server struct {
	store    *store.Store
	verifier *auth.Verifier
	config   *conf.Config
	listener net.Listener
	wg       sync.WaitGroup
	shutdown chan struct{}
	once     sync.Once
}

// NewServer creates a new submission server
func NewServer(st *store.Store, verifier *auth.Verifier, cfg *conf.Config) *Server {
	return &Server{
		store:    st,
		verifier: verifier,
		config:   cfg,
		shutdown: make(chan struct{}),
	}
}

// ListenAndServe listens on the configured address and serves until
// Shutdown is called
func (s *Server) ListenAndServe() error {
	listener, err := net.Listen("tcp", s.config.SMTP.Address)
	if err != nil {
		return fmt.Errorf("failed to start submission listener: %w", err)
	}
	s.listener = listener

	log.Printf("Submission server listening on %s", s.config.SMTP.Address)
	return s.Serve(listener)
}

// Serve accepts connections from an existing listener
func (s *Server) Serve(listener net.Listener) error {
	s.listener = listener

	for {
		conn, err := listener.Accept()
		if err != nil {
			select {
			case <-s.shutdown:
				s.wg.Wait()
				return nil
			default:
				log.Printf("Accept error: %v", err)
				continue
			}
		}

		log.Printf("New submission connection from: %s", conn.RemoteAddr())

		s.wg.Add(1)
		go s.handleConnection(conn)
	}
}

// handleConnection handles a single submission connection
func (s *Server) handleConnection(conn net.Conn) {
	defer s.wg.Done()
	defer conn.Close()

	session := NewSession(conn, s.store, s.verifier, s.config)
	if err := session.Handle(); err != nil {
		log.Printf("Session error from %s: %v", conn.RemoteAddr(), err)
	}

	log.Printf("Submission connection closed: %s", conn.RemoteAddr())
}

// Shutdown stops accepting connections and waits for active sessions
func (s *Server) Shutdown() error {
	var err error
	s.once.Do(func() {
		close(s.shutdown)
		if s.listener != nil {
			err = s.listener.Close()
		}
		s.wg.Wait()
	})
	return err
}
