package turn

import (
	"context"
	"errors"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"
)

// AuthRegistry caches which integrations are believed to hold valid
// authorization. It is process-wide and safe for concurrent use; a session
// that hits an authorization failure invalidates the entry so the next
// attempt revalidates instead of reusing stale credentials.
type AuthRegistry struct {
	mu    sync.RWMutex
	valid map[string]time.Time
}

func NewAuthRegistry() *AuthRegistry {
	return &AuthRegistry{valid: make(map[string]time.Time)}
}

// MarkAuthorized records a successful authorization for the server label.
func (r *AuthRegistry) MarkAuthorized(serverLabel string) {
	if serverLabel == "" {
		return
	}
	r.mu.Lock()
	r.valid[serverLabel] = time.Now()
	r.mu.Unlock()
}

// Invalidate forgets cached authorization for the server label.
func (r *AuthRegistry) Invalidate(serverLabel string) {
	if serverLabel == "" {
		return
	}
	r.mu.Lock()
	delete(r.valid, serverLabel)
	r.mu.Unlock()
}

// Authorized reports whether the server label has cached authorization.
func (r *AuthRegistry) Authorized(serverLabel string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.valid[serverLabel]
	return ok
}

// classifyFailure maps a backend failure event to a SessionError.
func classifyFailure(code, message string) *SessionError {
	lc := strings.ToLower(code)
	lm := strings.ToLower(message)

	switch {
	case strings.Contains(lc, "context_length") ||
		strings.Contains(lm, "context length") ||
		strings.Contains(lm, "maximum context"):
		return &SessionError{Class: ClassContextLength, Code: code, Message: message}

	case lc == "invalid_api_key" || lc == "authentication_error" ||
		strings.Contains(lc, "unauthorized") || strings.Contains(lm, "unauthorized") ||
		strings.Contains(lm, "api key"):
		return &SessionError{Class: ClassAuth, Code: code, Message: message}

	case lc == "rate_limit_exceeded" || lc == "server_error" ||
		strings.Contains(lc, "overloaded") || strings.Contains(lm, "rate limit") ||
		strings.Contains(lm, "temporarily") || strings.Contains(lm, "try again"):
		return &SessionError{Class: ClassTransient, Code: code, Message: message}

	default:
		return &SessionError{Class: ClassUnknown, Code: code, Message: message}
	}
}

// classifyTransportError maps a transport failure to a SessionError.
// Network-level interruptions are transient; everything else is unknown.
func classifyTransportError(err error) *SessionError {
	var se *SessionError
	if errors.As(err, &se) {
		return se
	}
	var netErr net.Error
	if errors.As(err, &netErr) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, context.DeadlineExceeded) {
		return &SessionError{Class: ClassTransient, Message: err.Error()}
	}
	return &SessionError{Class: ClassUnknown, Message: err.Error()}
}

// remediationNotice builds the user-facing text for a terminal failure.
func remediationNotice(se *SessionError) string {
	switch se.Class {
	case ClassContextLength:
		return "The conversation is too long for the model's context window. Start a new conversation or remove some attachments and try again."
	case ClassAuth:
		if se.ServerLabel != "" {
			if hint := integrationHint(se.ServerLabel, 401); hint != "" {
				return hint
			}
			return "Authorization for " + se.ServerLabel + " was rejected. Reconnect the integration and try again."
		}
		return "The request was not authorized. Check your API credentials and try again."
	default:
		if se.Message != "" {
			return se.Message
		}
		return "The request failed for an unknown reason."
	}
}

// integrationHint returns a best-effort human hint for well-known
// integrations. Empty when no specific advice applies.
func integrationHint(serverLabel string, code int) string {
	label := strings.ToLower(serverLabel)
	switch code {
	case 401, 403:
		switch {
		case strings.Contains(label, "gmail"):
			return "Gmail access was rejected (HTTP " + strconv.Itoa(code) + "). Reconnect your Google account to restore Gmail access."
		case strings.Contains(label, "calendar"):
			return "Calendar access was rejected (HTTP " + strconv.Itoa(code) + "). Reconnect your Google account to restore Calendar access."
		case strings.Contains(label, "github"):
			return "GitHub access was rejected (HTTP " + strconv.Itoa(code) + "). Re-authorize the GitHub integration."
		case strings.Contains(label, "slack"):
			return "Slack access was rejected (HTTP " + strconv.Itoa(code) + "). Re-authorize the Slack integration."
		default:
			return "The " + serverLabel + " server rejected the request as unauthorized (HTTP " + strconv.Itoa(code) + "). Re-authorize the integration and try again."
		}
	case 429:
		return "The " + serverLabel + " server is rate limiting requests. Wait a moment and try again."
	}
	return ""
}
