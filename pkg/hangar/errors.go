// Package hangar contains the types shared across the control plane's
// public boundary: the client-facing RPC surface, the error envelope, and
// the batch/result shapes. The provider, group and batch packages build
// these types directly; the RPC layer wraps any other error as internal.
package hangar

import "fmt"

// ErrorKind is the taxonomy from the client-facing error envelope. It is a
// classification, not a Go error type hierarchy.
type ErrorKind string

const (
	ErrNotFound       ErrorKind = "not_found"
	ErrValidation     ErrorKind = "validation"
	ErrTimeout        ErrorKind = "timeout"
	ErrTransport      ErrorKind = "transport"
	ErrProtocol       ErrorKind = "protocol"
	ErrLaunchFailed   ErrorKind = "launch_failed"
	ErrCircuitOpen    ErrorKind = "circuit_open"
	ErrNoHealthyMember ErrorKind = "no_healthy_member"
	ErrRateLimited    ErrorKind = "rate_limited"
	ErrCancelled      ErrorKind = "cancelled"
	ErrConfiguration  ErrorKind = "configuration"
	ErrInternal       ErrorKind = "internal"
	ErrToolError      ErrorKind = "tool_error"
)

// Error is the client-facing error envelope described in the external
// interfaces section.
type Error struct {
	Kind          ErrorKind      `json:"kind"`
	Message       string         `json:"message"`
	ProviderID    string         `json:"provider_id,omitempty"`
	Operation     string         `json:"operation,omitempty"`
	Details       map[string]any `json:"details,omitempty"`
	RecoveryHints []string       `json:"recovery_hints,omitempty"`
}

func (e *Error) Error() string {
	if e.ProviderID != "" {
		return fmt.Sprintf("%s: %s (provider=%s)", e.Kind, e.Message, e.ProviderID)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// NewError builds an envelope error with the given kind and formatted message.
func NewError(kind ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// WithProvider returns a copy of e annotated with a provider id.
func (e *Error) WithProvider(id string) *Error {
	c := *e
	c.ProviderID = id
	return &c
}

// WithOperation returns a copy of e annotated with the operation name.
func (e *Error) WithOperation(op string) *Error {
	c := *e
	c.Operation = op
	return &c
}

// WithHints returns a copy of e carrying recovery hints.
func (e *Error) WithHints(hints ...string) *Error {
	c := *e
	c.RecoveryHints = hints
	return &c
}

// CountsAgainstHealth reports whether an error of this kind should be
// recorded as an infrastructure failure against a provider's health
// tracker, per the error classification table.
func (k ErrorKind) CountsAgainstHealth() bool {
	switch k {
	case ErrTransport, ErrProtocol, ErrTimeout:
		return true
	default:
		return false
	}
}

// RetriableInBatch reports whether the batch executor should retry a call
// that failed with this error kind, subject to max_retries.
func (k ErrorKind) RetriableInBatch() bool {
	switch k {
	case ErrTransport, ErrProtocol, ErrTimeout:
		return true
	default:
		return false
	}
}
