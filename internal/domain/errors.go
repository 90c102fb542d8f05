package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrConfiguration marks invalid retry, queue or process parameters.
	// It is returned before any work is attempted and is never retried.
	ErrConfiguration = errors.New("invalid configuration")
	// ErrCrypto is returned for any decryption failure, malformed tokens included.
	ErrCrypto = errors.New("decryption failed")
	// ErrAuthentication is returned when an inbound signature does not match.
	ErrAuthentication   = errors.New("signature mismatch")
	ErrUnknownEventType = errors.New("unknown event type")
	ErrInvalidEvent     = errors.New("invalid event")
)

// TransientError is a network-class failure that may succeed on retry.
// Code follows the errno-style names used in retry allow-lists
// (ECONNRESET, ETIMEDOUT, ENOTFOUND).
type TransientError struct {
	Code string
	Err  error
}

func (e *TransientError) Error() string     { return e.Code + ": " + e.Err.Error() }
func (e *TransientError) Unwrap() error     { return e.Err }
func (e *TransientError) ErrorCode() string { return e.Code }

// PermanentError is a rejection by the destination itself.
type PermanentError struct {
	Destination string
	StatusCode  int
	Body        string
}

func (e *PermanentError) Error() string {
	return fmt.Sprintf("%s API error: %d %s", e.Destination, e.StatusCode, e.Body)
}

// DeliveryError is returned by an adapter when a send fails as a whole.
type DeliveryError struct {
	Destination string
	Err         error
}

func (e *DeliveryError) Error() string { return e.Destination + " delivery failed: " + e.Err.Error() }
func (e *DeliveryError) Unwrap() error { return e.Err }
