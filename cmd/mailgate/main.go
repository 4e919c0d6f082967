package main

import (
	"context"
	"flag"
	"log"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"mailgate/internal/auth"
	"mailgate/internal/conf"
	"mailgate/internal/crypt"
	"mailgate/internal/imapd"
	"mailgate/internal/smtpd"
	"mailgate/internal/store"
)

func main() {
	configPath := flag.String("config", "/etc/mailgate/mailgate.yaml", "Path to configuration file")
	smtpAddr := flag.String("smtp", "", "Submission listen address (overrides config)")
	imapAddr := flag.String("imap", "", "Retrieval listen address (overrides config)")
	dbPath := flag.String("db", "", "Path to mail database (overrides config)")
	flag.Parse()

	log.Println("Starting mail gateway...")

	cfg, err := conf.LoadConfig(*configPath)
	if err != nil {
		log.Printf("Warning: failed to load config from %s: %v", *configPath, err)
		log.Println("Using default configuration")
		cfg = conf.DefaultConfig()
	}

	if *smtpAddr != "" {
		cfg.SMTP.Address = *smtpAddr
	}
	if *imapAddr != "" {
		cfg.IMAP.Address = *imapAddr
	}
	if *dbPath != "" {
		cfg.Database.Path = *dbPath
	}

	key, err := cfg.EncryptionKeyBytes()
	if err != nil {
		// Without a configured key, stored mail is unreadable after a
		// restart. Usable for trying things out, nothing else.
		log.Printf("Warning: %v; generating an ephemeral key", err)
		key, err = crypt.GenerateKey()
		if err != nil {
			log.Fatalf("Failed to generate encryption key: %v", err)
		}
	}

	cipher, err := crypt.NewCipher(key)
	if err != nil {
		log.Fatalf("Failed to initialize body cipher: %v", err)
	}

	st, err := store.Open(cfg.Database.Path, cipher)
	if err != nil {
		log.Fatalf("Failed to open mail store: %v", err)
	}
	defer func() {
		if err := st.Close(); err != nil {
			log.Printf("Error closing mail store: %v", err)
		}
	}()

	log.Printf("Mail store opened: %s", cfg.Database.Path)

	verifier := auth.NewVerifier(st)

	submission := smtpd.NewServer(st, verifier, cfg)
	retrieval := imapd.NewServer(st, verifier, cfg)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	g.Go(submission.ListenAndServe)
	g.Go(retrieval.ListenAndServe)
	g.Go(func() error {
		<-ctx.Done()
		log.Println("Shutting down...")
		if err := submission.Shutdown(); err != nil {
			log.Printf("Error shutting down submission server: %v", err)
		}
		if err := retrieval.Shutdown(); err != nil {
			log.Printf("Error shutting down retrieval server: %v", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		log.Fatalf("Server error: %v", err)
	}

	log.Println("Mail gateway stopped")
}
