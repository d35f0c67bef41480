package turn

import (
	"context"
	"errors"
	"io"
	"net"
	"strings"
	"testing"
)

func TestClassifyFailure(t *testing.T) {
	cases := []struct {
		name    string
		code    string
		message string
		want    SessionErrorClass
	}{
		{"context length code", "context_length_exceeded", "", ClassContextLength},
		{"context length message", "", "This model's maximum context length is 128000 tokens", ClassContextLength},
		{"invalid key", "invalid_api_key", "Incorrect API key provided", ClassAuth},
		{"unauthorized message", "", "Unauthorized", ClassAuth},
		{"rate limit code", "rate_limit_exceeded", "", ClassTransient},
		{"server error", "server_error", "The server had an error", ClassTransient},
		{"overloaded", "overloaded_error", "", ClassTransient},
		{"try again message", "", "Please try again later", ClassTransient},
		{"unknown", "mystery", "something odd", ClassUnknown},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			se := classifyFailure(tc.code, tc.message)
			if se.Class != tc.want {
				t.Fatalf("class = %q, want %q", se.Class, tc.want)
			}
		})
	}
}

func TestClassifyTransportError(t *testing.T) {
	if se := classifyTransportError(io.ErrUnexpectedEOF); se.Class != ClassTransient {
		t.Fatalf("unexpected EOF: %q", se.Class)
	}
	if se := classifyTransportError(context.DeadlineExceeded); se.Class != ClassTransient {
		t.Fatalf("deadline: %q", se.Class)
	}
	if se := classifyTransportError(&net.DNSError{Err: "no such host", IsTemporary: true}); se.Class != ClassTransient {
		t.Fatalf("net error: %q", se.Class)
	}
	if se := classifyTransportError(errors.New("parse error")); se.Class != ClassUnknown {
		t.Fatalf("generic error: %q", se.Class)
	}

	// An already classified error passes through untouched.
	orig := &SessionError{Class: ClassAuth, Code: "invalid_api_key"}
	if se := classifyTransportError(orig); se != orig {
		t.Fatal("SessionError not passed through")
	}
}

func TestSessionErrorRetriable(t *testing.T) {
	if !(&SessionError{Class: ClassTransient}).Retriable() {
		t.Fatal("transient should be retriable")
	}
	for _, class := range []SessionErrorClass{ClassAuth, ClassContextLength, ClassUnknown} {
		if (&SessionError{Class: class}).Retriable() {
			t.Fatalf("%q should not be retriable", class)
		}
	}
}

func TestRemediationNotice(t *testing.T) {
	n := remediationNotice(&SessionError{Class: ClassContextLength})
	if !strings.Contains(n, "context window") {
		t.Fatalf("context length notice: %q", n)
	}

	n = remediationNotice(&SessionError{Class: ClassAuth})
	if !strings.Contains(n, "credentials") {
		t.Fatalf("auth notice: %q", n)
	}

	n = remediationNotice(&SessionError{Class: ClassAuth, ServerLabel: "gmail"})
	if !strings.Contains(n, "Google account") {
		t.Fatalf("integration auth notice: %q", n)
	}

	n = remediationNotice(&SessionError{Class: ClassUnknown, Message: "boom"})
	if n != "boom" {
		t.Fatalf("unknown notice: %q", n)
	}
}

func TestIntegrationHint(t *testing.T) {
	if h := integrationHint("gmail", 401); !strings.Contains(h, "Google account") {
		t.Fatalf("gmail hint: %q", h)
	}
	if h := integrationHint("company-github", 403); !strings.Contains(h, "GitHub") {
		t.Fatalf("github hint: %q", h)
	}
	if h := integrationHint("internal-api", 401); !strings.Contains(h, "internal-api") {
		t.Fatalf("generic 401 hint: %q", h)
	}
	if h := integrationHint("gmail", 429); !strings.Contains(h, "rate limiting") {
		t.Fatalf("429 hint: %q", h)
	}
	if h := integrationHint("gmail", 500); h != "" {
		t.Fatalf("500 should have no hint: %q", h)
	}
}

func TestAuthRegistry(t *testing.T) {
	reg := NewAuthRegistry()

	if reg.Authorized("gmail") {
		t.Fatal("fresh registry should not report authorization")
	}
	reg.MarkAuthorized("gmail")
	if !reg.Authorized("gmail") {
		t.Fatal("marked server not reported as authorized")
	}
	reg.Invalidate("gmail")
	if reg.Authorized("gmail") {
		t.Fatal("invalidated server still authorized")
	}

	// Empty labels are ignored rather than polluting the map.
	reg.MarkAuthorized("")
	if reg.Authorized("") {
		t.Fatal("empty label recorded")
	}
}
