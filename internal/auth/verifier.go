package auth

import (
	"errors"
	"fmt"

	"golang.org/x/crypto/bcrypt"

	"mailgate/internal/store"
)

// dummyHash is compared against when the account does not exist, so an
// unknown user costs the same as a wrong password.
var dummyHash = []byte("$2a$10$N9qo8uLOickgx2ZMRZoMyeIjZAgcfl7p92ldGxad68LJZdL17lhWy")

// Verifier checks submitted credentials against stored password hashes.
// Both protocol front ends and the web-surface login flow use it.
type Verifier struct {
	store *store.Store
}

// NewVerifier creates a verifier backed by the mailbox store
func NewVerifier(st *store.Store) *Verifier {
	return &Verifier{store: st}
}

// Verify reports whether the password matches the account's stored hash.
// An unknown user and a wrong password are indistinguishable to the
// caller. The returned error signals storage failure only, for logging;
// the boolean is authoritative either way.
func (v *Verifier) Verify(email, password string) (bool, error) {
	hash, err := v.store.PasswordHash(email)
	if err != nil {
		// Burn a comparison so lookup misses are not observably faster
		_ = bcrypt.CompareHashAndPassword(dummyHash, []byte(password))
		if errors.Is(err, store.ErrNotFound) {
			return false, nil
		}
		return false, err
	}

	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)); err != nil {
		return false, nil
	}
	return true, nil
}

// CreateUser provisions an account with a bcrypt hash of the password
func (v *Verifier) CreateUser(email, password string) error {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("failed to hash password: %w", err)
	}
	return v.store.CreateUser(email, string(hash))
}

// SetPassword rotates an account's password
func (v *Verifier) SetPassword(email, password string) error {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("failed to hash password: %w", err)
	}
	return v.store.SetPasswordHash(email, string(hash))
}
