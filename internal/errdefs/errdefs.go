// Package errdefs defines the error taxonomy shared by the resolver,
// executor, oracle and orchestrator. Errors are a tagged union: a kind,
// an optional payload and a recoverable flag, dispatched on by kind
// rather than dynamic type tests.
package errdefs

import (
	"errors"
	"fmt"
	"strings"
)

// Kind classifies a failure.
type Kind string

const (
	KindCaptcha          Kind = "captcha_detected"
	KindTwoFA            Kind = "two_fa_detected"
	KindLoginFailed      Kind = "login_failed"
	KindElementMissing   Kind = "element_missing"
	KindNavigationFailed Kind = "navigation_failed"
	KindAssertionFailed  Kind = "assertion_failed"
	KindTimeout          Kind = "timeout"
	KindSchemaValidation Kind = "schema_validation_failed"
	KindLLM              Kind = "llm_error"
)

// Error is the single error type carried across component boundaries.
type Error struct {
	Kind        Kind
	Message     string
	Recoverable bool
	// Attempted lists every locator tried before an element_missing
	// failure. Empty for other kinds.
	Attempted []string
	Cause     error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Kind))
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if len(e.Attempted) > 0 {
		fmt.Fprintf(&b, " (tried %s)", strings.Join(e.Attempted, ", "))
	}
	if e.Cause != nil {
		fmt.Fprintf(&b, ": %v", e.Cause)
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Cause }

// Is makes errors.Is(err, &Error{Kind: k}) match on kind alone.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind
}

// Captcha reports a CAPTCHA challenge on the page. Always unrecoverable.
func Captcha(msg string) *Error {
	return &Error{Kind: KindCaptcha, Message: msg}
}

// TwoFA reports a second-factor challenge on the page. Always unrecoverable.
func TwoFA(msg string) *Error {
	return &Error{Kind: KindTwoFA, Message: msg}
}

// LoginFailed reports a failed authentication attempt. Always unrecoverable.
func LoginFailed(msg string) *Error {
	return &Error{Kind: KindLoginFailed, Message: msg}
}

// ElementMissing reports that no locator in a selector set matched a live
// element. attempted carries every locator that was tried.
func ElementMissing(msg string, attempted []string) *Error {
	return &Error{Kind: KindElementMissing, Message: msg, Recoverable: true, Attempted: attempted}
}

// NavigationFailed wraps a navigation error.
func NavigationFailed(url string, cause error) *Error {
	return &Error{Kind: KindNavigationFailed, Message: url, Recoverable: true, Cause: cause}
}

// AssertionFailed reports a declarative post-condition that did not hold.
func AssertionFailed(msg string) *Error {
	return &Error{Kind: KindAssertionFailed, Message: msg, Recoverable: true}
}

// Timeout wraps an operation that exceeded its deadline.
func Timeout(op string, cause error) *Error {
	return &Error{Kind: KindTimeout, Message: op, Recoverable: true, Cause: cause}
}

// SchemaValidation reports oracle output that failed contract validation
// after local repair.
func SchemaValidation(msg string, cause error) *Error {
	return &Error{Kind: KindSchemaValidation, Message: msg, Cause: cause}
}

// LLM wraps an oracle transport failure.
func LLM(msg string, cause error) *Error {
	return &Error{Kind: KindLLM, Message: msg, Recoverable: true, Cause: cause}
}

// KindOf returns the kind of err, or "" when err is not a taxonomy error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsRecoverable reports whether err may be retried by a later patch round.
// Unknown errors are treated as unrecoverable.
func IsRecoverable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Recoverable
	}
	return false
}

// IsEscalation reports whether err must force escalation: a challenge or
// authentication failure that no patch round can fix.
func IsEscalation(err error) bool {
	switch KindOf(err) {
	case KindCaptcha, KindTwoFA, KindLoginFailed:
		return true
	}
	return false
}
