package store

import "errors"

var (
	// ErrUnknownRecipient means the recipient has no account; domain
	// acceptance policy is the caller's job before Deliver is called.
	ErrUnknownRecipient = errors.New("unknown recipient")

	// ErrNotFound means the referenced message or user does not exist
	ErrNotFound = errors.New("not found")

	// ErrUserExists means an account with that address already exists
	ErrUserExists = errors.New("user already exists")
)
