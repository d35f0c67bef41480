package turn

import (
	"errors"
	"fmt"
)

var (
	ErrNoTransport      = errors.New("turn: transport is required")
	ErrSessionTerminal  = errors.New("turn: session is terminal")
	ErrApprovalResolved = errors.New("turn: approval already resolved")
	ErrApprovalUnknown  = errors.New("turn: unknown approval id")
)

// ProtocolError marks a malformed or unexpected event. The event is logged
// and dropped; the session continues.
type ProtocolError struct {
	Kind   EventKind
	Reason string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("turn: protocol error on %s event: %s", e.Kind, e.Reason)
}

// ToolError marks a single failed tool call. It is surfaced inline and never
// fails the session on its own.
type ToolError struct {
	ItemID      string
	Name        string
	ServerLabel string
	Detail      *ToolErrorDetail
}

func (e *ToolError) Error() string {
	label := e.Name
	if e.ServerLabel != "" {
		label = e.ServerLabel + "." + e.Name
	}
	if e.Detail != nil && e.Detail.Message != "" {
		return fmt.Sprintf("turn: tool %s failed: %s", label, e.Detail.Message)
	}
	return fmt.Sprintf("turn: tool %s failed", label)
}

// ResourceFetchError marks a failed artifact fetch. It is represented as an
// error-variant artifact on the message.
type ResourceFetchError struct {
	FileID      string
	ContainerID string
	Err         error
}

func (e *ResourceFetchError) Error() string {
	return fmt.Sprintf("turn: fetch %s: %v", e.FileID, e.Err)
}

func (e *ResourceFetchError) Unwrap() error { return e.Err }

// SessionErrorClass drives the retry coordinator's decision.
type SessionErrorClass string

const (
	// ClassContextLength is fatal but actionable; the user gets a specific
	// remediation notice and the session ends without retry.
	ClassContextLength SessionErrorClass = "context_length"
	// ClassAuth ends the session and invalidates any cached authorization for
	// the integration so the next attempt revalidates.
	ClassAuth SessionErrorClass = "auth"
	// ClassTransient is retried up to the configured attempt bound.
	ClassTransient SessionErrorClass = "transient"
	// ClassUnknown is surfaced raw and ends the session.
	ClassUnknown SessionErrorClass = "unknown"
)

// SessionError is a session-level failure, classified for retry handling.
type SessionError struct {
	Class       SessionErrorClass
	Code        string
	Message     string
	ServerLabel string
}

func (e *SessionError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("turn: session error (%s/%s): %s", e.Class, e.Code, e.Message)
	}
	return fmt.Sprintf("turn: session error (%s): %s", e.Class, e.Message)
}

// Retriable reports whether the coordinator may reissue the request.
func (e *SessionError) Retriable() bool { return e.Class == ClassTransient }
