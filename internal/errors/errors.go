// Package errors defines the coordinator's error taxonomy.
//
// Every failure surfaced by the core is an *Error carrying a Kind. Callers
// classify errors with errors.Is against the Err* sentinels (which compare by
// Kind only) or with KindOf, and decide on retries with IsRetryable. The core
// itself never retries.
//
//	if errors.Is(err, errors.ErrConflict) { ... }
//
//	var conflict *models.LockConflict
//	if errors.As(err, &conflict) { ... }
package errors

import (
	"errors"
	"fmt"
)

// Re-export standard library functions so callers only import this package.
var (
	Is     = errors.Is
	As     = errors.As
	Unwrap = errors.Unwrap
	New    = errors.New
	Join   = errors.Join
)

// Kind classifies an error.
type Kind int

const (
	KindInternal Kind = iota
	KindInvalid
	KindInvalidKey
	KindInvalidDependency
	KindConflict
	KindNotFound
	KindAlreadyTerminal
	KindPolicyDenied
	KindStoreUnavailable
	KindConfig
)

var kindNames = map[Kind]string{
	KindInternal:          "internal",
	KindInvalid:           "invalid",
	KindInvalidKey:        "invalid_key",
	KindInvalidDependency: "invalid_dependency",
	KindConflict:          "conflict",
	KindNotFound:          "not_found",
	KindAlreadyTerminal:   "already_terminal",
	KindPolicyDenied:      "policy_denied",
	KindStoreUnavailable:  "store_unavailable",
	KindConfig:            "config",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// ParseKind maps a kind name back to its Kind.
func ParseKind(name string) (Kind, bool) {
	for k, n := range kindNames {
		if n == name {
			return k, true
		}
	}
	return KindInternal, false
}

// Error is the concrete error type returned by the coordination core.
type Error struct {
	Kind    Kind
	Op      string
	Message string
	Err     error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	} else if e.Err != nil {
		msg = msg + ": " + e.Err.Error()
	}
	if msg == "" {
		msg = e.Kind.String()
	}
	if e.Op == "" {
		return msg
	}
	return e.Op + ": " + msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error of the same Kind, so the Err* sentinels work with errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// Sentinels for errors.Is checks.
var (
	ErrInternal          = &Error{Kind: KindInternal}
	ErrInvalid           = &Error{Kind: KindInvalid}
	ErrInvalidKey        = &Error{Kind: KindInvalidKey}
	ErrInvalidDependency = &Error{Kind: KindInvalidDependency}
	ErrConflict          = &Error{Kind: KindConflict}
	ErrNotFound          = &Error{Kind: KindNotFound}
	ErrAlreadyTerminal   = &Error{Kind: KindAlreadyTerminal}
	ErrPolicyDenied      = &Error{Kind: KindPolicyDenied}
	ErrStoreUnavailable  = &Error{Kind: KindStoreUnavailable}
	ErrConfig            = &Error{Kind: KindConfig}
)

// E builds an error of the given kind.
func E(kind Kind, op, format string, args ...any) error {
	return &Error{Kind: kind, Op: op, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind and operation to err. A nil err stays nil.
func Wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf returns the Kind of the outermost *Error in err's chain, or
// KindInternal for foreign errors.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// IsRetryable reports whether a caller may retry after backoff. Only
// connectivity failures qualify: retrying a rejected mutation cannot succeed
// and retrying an ambiguous one is unsafe.
func IsRetryable(err error) bool {
	return err != nil && KindOf(err) == KindStoreUnavailable
}
