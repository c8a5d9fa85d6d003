package bindfixture

import (
	"errors"
	"fmt"
)

// Common errors returned by fixture operations
var (
	// ErrExecutableNotFound indicates named (or rndc) is not installed where expected
	ErrExecutableNotFound = errors.New("bindfixture: executable not found")

	// ErrNoFreePorts indicates no loopback port could be bound
	ErrNoFreePorts = errors.New("bindfixture: no free ports")

	// ErrTimeout indicates the daemon stayed alive but never reported ready
	ErrTimeout = errors.New("bindfixture: timeout waiting for server")

	// ErrPrematureExit indicates the daemon exited before it reported ready
	ErrPrematureExit = errors.New("bindfixture: server exited before becoming ready")

	// ErrControl indicates an rndc command could not be delivered
	ErrControl = errors.New("bindfixture: control channel failure")

	// ErrInvalidConfig indicates an InstanceConfig that violates its invariants
	ErrInvalidConfig = errors.New("bindfixture: invalid config")

	// ErrAlreadyStarted indicates Start was called twice on one Server
	ErrAlreadyStarted = errors.New("bindfixture: server already started")

	// ErrNotStarted indicates an operation that needs a running server
	ErrNotStarted = errors.New("bindfixture: server not started")

	// ErrCheckconfUnavailable indicates named-checkconf is not installed
	ErrCheckconfUnavailable = errors.New("bindfixture: named-checkconf unavailable")
)

// Kind classifies an Error for callers that need to react differently to
// environmental problems, slow start-ups and broken configurations.
type Kind int

const (
	// KindUnknown is the zero Kind
	KindUnknown Kind = iota
	// KindEnvironment is a missing executable or an exhausted port space
	KindEnvironment
	// KindConfig is a configuration that could not be rendered or parsed
	KindConfig
	// KindTimeout is a daemon that never reported ready
	KindTimeout
	// KindPrematureExit is a daemon that exited before it reported ready
	KindPrematureExit
	// KindControl is an rndc command that could not be delivered
	KindControl
)

// String returns the string representation of a Kind
func (k Kind) String() string {
	switch k {
	case KindEnvironment:
		return "environment"
	case KindConfig:
		return "config"
	case KindTimeout:
		return "timeout"
	case KindPrematureExit:
		return "premature-exit"
	case KindControl:
		return "control"
	default:
		return "unknown"
	}
}

// Error represents an error from a fixture operation
type Error struct {
	// Kind classifies the failure
	Kind Kind
	// Op is the operation that failed
	Op Operation
	// Path is the file path involved in the operation, usually the log
	// file for start-up failures
	Path string
	// Err is the underlying error
	Err error
}

// Error returns a formatted error message
func (e *Error) Error() string {
	return fmt.Sprintf("bindfixture %s %q: %v", e.Op.String(), e.Path, e.Err)
}

// Unwrap returns the underlying error for error chain inspection
func (e *Error) Unwrap() error {
	return e.Err
}

// KindOf returns the Kind of the first *Error in err's chain, or KindUnknown
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return KindUnknown
}
