// Package errors provides domain-specific error types for harvest.
//
// These types carry structured context (host, request, attempt count)
// that helps callers decide how to handle failures and provides better
// diagnostics than plain string wrapping.
package errors

import (
	"errors"
	"fmt"
)

// ── Sentinel errors ──────────────────────────────────────────────────

var (
	// ErrReadTimeout reports that no data arrived within the absolute
	// read timeout while the prompt still did not match.
	ErrReadTimeout = errors.New("timed out while waiting for more data")

	// ErrUnexpectedEOF reports that the channel closed before the
	// expected prompt appeared and strict end-of-stream checking was on.
	ErrUnexpectedEOF = errors.New("end of stream reached before prompt")

	// ErrInvalidArgument is matched by every *ArgumentError.
	ErrInvalidArgument = errors.New("invalid argument")

	ErrSessionClosed  = errors.New("session is closed")
	ErrUnknownCommand = errors.New("unknown bound command")
	ErrNotConnected   = errors.New("not connected")
	ErrCircuitOpen    = errors.New("circuit breaker is open")
	ErrNoHosts        = errors.New("no host matches")
)

// ── Structured error types ───────────────────────────────────────────

// ConnectionError reports that the transport to a host could not be
// established within the retry budget.
type ConnectionError struct {
	Host     string
	Port     int
	Attempts int
	Err      error // last failure
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connect %s:%d: giving up after %d attempt(s): %v",
		e.Host, e.Port, e.Attempts, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// ChannelSetupError reports that the remote side rejected a channel,
// pseudo-terminal or shell request.  It is never retried.
type ChannelSetupError struct {
	Host    string
	Request string // "session", "pty-req", "shell"
	Err     error
}

func (e *ChannelSetupError) Error() string {
	return fmt.Sprintf("ssh %s request on %s rejected: %v", e.Request, e.Host, e.Err)
}

func (e *ChannelSetupError) Unwrap() error { return e.Err }

// ArgumentError reports an option value of the wrong kind.  It is
// raised before any network activity.
type ArgumentError struct {
	Name    string
	Value   interface{}
	Message string
}

func (e *ArgumentError) Error() string {
	if e.Value == nil {
		return fmt.Sprintf("invalid argument %s: %s", e.Name, e.Message)
	}
	return fmt.Sprintf("invalid argument %s=%v: %s", e.Name, e.Value, e.Message)
}

// Is makes errors.Is(err, ErrInvalidArgument) hold for every ArgumentError.
func (e *ArgumentError) Is(target error) bool { return target == ErrInvalidArgument }

// NetworkError represents a failure in a network operation.
type NetworkError struct {
	Op   string // operation: "dial", "proxy", "write", "read"
	Addr string // network address involved
	Err  error  // underlying error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Addr, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// SSHError represents an SSH-specific failure with host context.
type SSHError struct {
	Op   string // "handshake", "auth", "hostkey", "forward"
	Host string
	Port int
	Err  error
}

func (e *SSHError) Error() string {
	return fmt.Sprintf("ssh %s %s:%d: %v", e.Op, e.Host, e.Port, e.Err)
}

func (e *SSHError) Unwrap() error { return e.Err }

// ConfigError represents an invalid configuration value.
type ConfigError struct {
	Field   string      // config field name
	Value   interface{} // the invalid value (nil if missing)
	Message string      // human-readable explanation
	Hint    string      // suggestion for the user (optional)
}

func (e *ConfigError) Error() string {
	msg := fmt.Sprintf("config: --%s", e.Field)
	if e.Value != nil {
		msg += fmt.Sprintf("=%v", e.Value)
	}
	msg += ": " + e.Message
	if e.Hint != "" {
		msg += "\n  hint: " + e.Hint
	}
	return msg
}

// ── Constructors ─────────────────────────────────────────────────────

// Wrap creates a NetworkError.
func Wrap(op, addr string, err error) *NetworkError {
	return &NetworkError{Op: op, Addr: addr, Err: err}
}

// WrapSSH creates an SSHError.
func WrapSSH(op, host string, port int, err error) *SSHError {
	return &SSHError{Op: op, Host: host, Port: port, Err: err}
}

// InvalidArgument creates an ArgumentError.
func InvalidArgument(name string, value interface{}, msg string) *ArgumentError {
	return &ArgumentError{Name: name, Value: value, Message: msg}
}

// ── Re-exports for convenience ───────────────────────────────────────
//
// These allow callers to use harvest/internal/errors as a drop-in
// replacement for the standard library in common operations.

// As is [errors.As].
func As(err error, target interface{}) bool { return errors.As(err, target) }

// Is is [errors.Is].
func Is(err, target error) bool { return errors.Is(err, target) }

// New is [errors.New].
func New(text string) error { return errors.New(text) }

// Join is [errors.Join].
func Join(errs ...error) error { return errors.Join(errs...) }
