package errors

import (
	"errors"
	"fmt"
)

// Common error types for the connection lifecycle subsystem
var (
	// Provider registry errors
	ErrUnknownProvider       = errors.New("unknown provider")
	ErrProviderMisconfigured = errors.New("provider misconfigured")

	// Authorization flow errors
	ErrInvalidOrExpiredState = errors.New("invalid or expired state")
	ErrExchangeDenied        = errors.New("authorization exchange denied")
	ErrExchangeUnavailable   = errors.New("authorization exchange unavailable")

	// Vault errors
	ErrDecryptionFailed = errors.New("decryption failed")

	// Refresh errors
	ErrRefreshPermanentlyFailed = errors.New("refresh permanently failed")
	ErrRateLimited              = errors.New("rate limited")

	// Monitor errors
	ErrWebhookSignatureInvalid = errors.New("webhook signature invalid")

	// Connection store errors
	ErrConnectionNotFound = errors.New("connection not found")

	// General errors
	ErrInternal = errors.New("internal error")
)

// Wrapf wraps an error with context using fmt.Errorf
func Wrapf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf(format+": %w", append(args, err)...)
}

// Is reports whether any error in err's chain matches target
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As finds the first error in err's chain that matches target
func As(err error, target interface{}) bool {
	return errors.As(err, target)
}
