// Package sserrors provides the ssops error taxonomy: a closed set of
// tagged Kinds, a wrapping Error type that preserves the cause chain for
// errors.Is/errors.As, and an aggregate type for multi-recipient failures.
package sserrors

import (
	"errors"
	"fmt"
	"strings"
)

// Kind tags an Error with one of the taxonomy entries from the error
// handling design. Kind is comparable so callers can switch on it or use
// errors.Is against a sentinel of the same Kind.
type Kind string

const (
	ConfigInvalid             Kind = "config_invalid"
	UnsupportedKdf             Kind = "unsupported_kdf"
	UnsupportedRecipientKind  Kind = "unsupported_recipient_kind"
	PassphraseMismatch        Kind = "passphrase_mismatch"
	BadPassphrase              Kind = "bad_passphrase"
	UserDeclined               Kind = "user_declined"
	AgentUnavailable           Kind = "agent_unavailable"
	AgentRefused               Kind = "agent_refused"
	KeyNotInAgent              Kind = "key_not_in_agent"
	BadSignature               Kind = "bad_signature"
	PublicKeyMismatch          Kind = "public_key_mismatch"
	PayloadTooLarge            Kind = "payload_too_large"
	DecryptFailed              Kind = "decrypt_failed"
	AllRecipientsFailedKind    Kind = "all_recipients_failed"
	DuplicateRecipient         Kind = "duplicate_recipient"
	KeyExists                  Kind = "key_exists"
	KeyMissing                 Kind = "key_missing"
	KeyStoreMissing            Kind = "key_store_missing"
	IoFailure                  Kind = "io_failure"
)

// Error is a tagged, chainable error. It always carries a Kind so callers
// can branch on the taxonomy, a human message, and an optional cause.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Cause }

// Is reports whether target is an *Error of the same Kind, so callers can
// write errors.Is(err, sserrors.New(sserrors.BadPassphrase, "")).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// Of reports the Kind of err if it (or something it wraps) is an *Error
// or an *AllRecipientsFailed, and ok=false otherwise.
func Of(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	var af *AllRecipientsFailed
	if errors.As(err, &af) {
		return af.Kind(), true
	}
	return "", false
}

// Is reports whether err carries the given Kind anywhere in its chain.
func Is(err error, kind Kind) bool {
	for ; err != nil; err = errors.Unwrap(err) {
		if k, ok := Of(err); ok && k == kind {
			return true
		}
	}
	return false
}

// RecipientFailure records why a single recipient's decrypt attempt failed,
// preserving attempt order for AllRecipientsFailed.
type RecipientFailure struct {
	Name  string
	Cause error
}

// AllRecipientsFailed is raised by the multi-recipient decrypt orchestrator
// when every entry in an artifact failed to decrypt. It carries the
// per-recipient causes in attempt order.
type AllRecipientsFailed struct {
	Failures []RecipientFailure
}

func (e *AllRecipientsFailed) Error() string {
	parts := make([]string, len(e.Failures))
	for i, f := range e.Failures {
		parts[i] = fmt.Sprintf("%s: %v", f.Name, f.Cause)
	}
	return "no recipient could decrypt: " + strings.Join(parts, "; ")
}

// Kind lets AllRecipientsFailed participate in Of/Is.
func (e *AllRecipientsFailed) Kind() Kind { return AllRecipientsFailedKind }

// Chain renders the full cause chain, one layer per line, for debug mode.
func Chain(err error) string {
	var b strings.Builder
	for err != nil {
		fmt.Fprintf(&b, "- %v\n", layerMessage(err))
		err = errors.Unwrap(err)
	}
	return b.String()
}

func layerMessage(err error) string {
	var e *Error
	if errors.As(err, &e) && e == err {
		if e.Message != "" {
			return fmt.Sprintf("[%s] %s", e.Kind, e.Message)
		}
		return fmt.Sprintf("[%s]", e.Kind)
	}
	if af, ok := err.(*AllRecipientsFailed); ok {
		return af.Error()
	}
	return err.Error()
}

// Terse renders a single concise line, suitable for non-debug output.
func Terse(err error) string {
	if af, ok := err.(*AllRecipientsFailed); ok {
		return af.Error()
	}
	return err.Error()
}
