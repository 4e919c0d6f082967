package conf

import (
	"encoding/base64"
	"fmt"
	"os"

	"gopkg.in/yaml.v2"
)

// Config holds the mail gateway configuration
type Config struct {
	Domain   string         `yaml:"domain"`
	SMTP     SMTPConfig     `yaml:"smtp"`
	IMAP     IMAPConfig     `yaml:"imap"`
	Database DatabaseConfig `yaml:"database"`
	Security SecurityConfig `yaml:"security"`
}

// SMTPConfig holds submission listener configuration
type SMTPConfig struct {
	Address       string `yaml:"address"`
	Hostname      string `yaml:"hostname"`
	MaxSize       int64  `yaml:"max_size"`       // Maximum message size in bytes
	Timeout       int    `yaml:"timeout"`        // Connection timeout in seconds
	MaxRecipients int    `yaml:"max_recipients"` // Maximum recipients per transaction
}

// IMAPConfig holds retrieval listener configuration
type IMAPConfig struct {
	Address string `yaml:"address"`
	Timeout int    `yaml:"timeout"` // Connection timeout in seconds
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// SecurityConfig holds key material for at-rest encryption and web session tokens
type SecurityConfig struct {
	EncryptionKey string `yaml:"encryption_key"` // base64, 32 bytes decoded
	JWTSecret     string `yaml:"jwt_secret"`
}

// DefaultConfig returns a default configuration
func DefaultConfig() *Config {
	return &Config{
		Domain: "localhost",
		SMTP: SMTPConfig{
			Address:       "0.0.0.0:2525",
			Hostname:      "localhost",
			MaxSize:       52428800, // 50MB
			Timeout:       300,      // 5 minutes
			MaxRecipients: 100,
		},
		IMAP: IMAPConfig{
			Address: "0.0.0.0:1430",
			Timeout: 1800, // 30 minutes
		},
		Database: DatabaseConfig{
			Path: "data/mailgate.db",
		},
	}
}

// LoadConfig loads configuration from a YAML file
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Domain == "" {
		return fmt.Errorf("domain cannot be empty")
	}

	if c.SMTP.Address == "" {
		return fmt.Errorf("smtp address cannot be empty")
	}

	if c.SMTP.MaxSize <= 0 {
		return fmt.Errorf("max_size must be positive")
	}

	if c.SMTP.Timeout <= 0 {
		return fmt.Errorf("smtp timeout must be positive")
	}

	if c.SMTP.MaxRecipients <= 0 {
		return fmt.Errorf("max_recipients must be positive")
	}

	if c.IMAP.Address == "" {
		return fmt.Errorf("imap address cannot be empty")
	}

	if c.IMAP.Timeout <= 0 {
		return fmt.Errorf("imap timeout must be positive")
	}

	if c.Database.Path == "" {
		return fmt.Errorf("database path cannot be empty")
	}

	if c.Security.EncryptionKey != "" {
		key, err := base64.StdEncoding.DecodeString(c.Security.EncryptionKey)
		if err != nil {
			return fmt.Errorf("encryption_key is not valid base64: %w", err)
		}
		if len(key) != 32 {
			return fmt.Errorf("encryption_key must decode to 32 bytes, got %d", len(key))
		}
	}

	return nil
}

// EncryptionKeyBytes decodes the configured encryption key
func (c *Config) EncryptionKeyBytes() ([]byte, error) {
	if c.Security.EncryptionKey == "" {
		return nil, fmt.Errorf("encryption_key is not set")
	}
	return base64.StdEncoding.DecodeString(c.Security.EncryptionKey)
}
