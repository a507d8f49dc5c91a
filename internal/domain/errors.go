package domain

import (
	"errors"
	"fmt"
	"time"
)

// RetriableError defines an interface for errors that can be retried
type RetriableError interface {
	error
	IsRetriable() bool
}

// IsRetriable checks if an error is retriable
func IsRetriable(err error) bool {
	var re RetriableError
	if errors.As(err, &re) {
		return re.IsRetriable()
	}
	return false
}

// NetworkError represents a network-related error that may be retriable
type NetworkError struct {
	Op        string // Operation that failed (e.g., "connect", "read", "write")
	Err       error  // Underlying error
	Retriable bool   // Whether this error is retriable
}

func (e *NetworkError) Error() string {
	return e.Op + ": " + e.Err.Error()
}

func (e *NetworkError) IsRetriable() bool {
	return e.Retriable
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}

// NewNetworkError creates a new retriable network error
func NewNetworkError(op string, err error) *NetworkError {
	return &NetworkError{Op: op, Err: err, Retriable: true}
}

// NewFatalNetworkError creates a non-retriable network error
func NewFatalNetworkError(op string, err error) *NetworkError {
	return &NetworkError{Op: op, Err: err, Retriable: false}
}

// ConfigError represents a configuration error (never retriable)
type ConfigError struct {
	Field string
	Err   error
}

func (e *ConfigError) Error() string {
	return "config error [" + e.Field + "]: " + e.Err.Error()
}

func (e *ConfigError) IsRetriable() bool {
	return false
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

// AuthError is returned when the venue rejects our credentials (401/403).
// Never retriable; repeated occurrences stop the market maker.
type AuthError struct {
	Status  int
	Message string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("auth rejected: status=%d msg=%s", e.Status, e.Message)
}

func (e *AuthError) IsRetriable() bool {
	return false
}

// IsAuthError reports whether err wraps an *AuthError.
func IsAuthError(err error) bool {
	var ae *AuthError
	return errors.As(err, &ae)
}

// RateLimitError is returned when the venue keeps answering 429 after the
// single post-reset retry.
type RateLimitError struct {
	ResetAt time.Time
}

func (e *RateLimitError) Error() string {
	return "rate limited until " + e.ResetAt.Format(time.RFC3339)
}

func (e *RateLimitError) IsRetriable() bool {
	return true
}

// APIError is a non-auth rejection carrying the venue's message.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d msg=%s", e.Status, e.Message)
}

func (e *APIError) IsRetriable() bool {
	return e.Status >= 500
}

// Is lets a 404 match ErrNotFound.
func (e *APIError) Is(target error) bool {
	return target == ErrNotFound && e.Status == 404
}

// CancellationError is returned when the venue refuses a cancel for a
// reason other than the order already being done.
type CancellationError struct {
	OrderID string
	Reason  string
}

func (e *CancellationError) Error() string {
	return "cancel " + e.OrderID + " rejected: " + e.Reason
}

var (
	// ErrConnectionFailed is returned when websocket connection fails. It's usually retriable.
	ErrConnectionFailed = errors.New("connection failed")

	// ErrInvalidProduct is returned when a product id is malformed. Not retriable.
	ErrInvalidProduct = errors.New("invalid product")

	// ErrConfigNotFound is returned when configuration file is missing
	ErrConfigNotFound = errors.New("configuration not found")

	// ErrNotFound is returned by REST lookups for unknown ids.
	ErrNotFound = errors.New("not found")

	// Order-domain errors. The market maker logs these and skips the action.
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrDuplicateOrder    = errors.New("order already posted")
	ErrMinSizeViolation  = errors.New("order size below minimum")
	ErrOrderLock         = errors.New("order lock")
)
