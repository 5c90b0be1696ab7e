// internal/action/errors.go
package action

import (
	"errors"
	"fmt"
)

// Kind classifies failures of the action pipeline.
type Kind string

const (
	// KindCredential: the credential set is structurally incomplete. Fatal for establishment.
	KindCredential Kind = "CredentialError"
	// KindAuthentication: reachability and inference are exhausted, or a dispatch
	// landed on a login wall. Aborts the run after one re-authentication attempt.
	KindAuthentication Kind = "AuthenticationFailed"
	// KindControlNotFound: the locator chain for a required affordance is exhausted.
	KindControlNotFound Kind = "ControlNotFound"
	// KindInteraction: every interaction tier failed.
	KindInteraction Kind = "InteractionFailed"
	// KindNavigation: the target location could not be loaded.
	KindNavigation Kind = "NavigationFailed"
	// KindInvalidRequest: the request cannot be dispatched as given.
	KindInvalidRequest Kind = "InvalidRequest"
)

// Error is a classified pipeline failure. Its message always starts with the
// kind so that recorded reasons identify it.
type Error struct {
	Kind   Kind
	Detail string
	Err    error
}

func (e *Error) Error() string {
	msg := string(e.Kind)
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches sentinels of the same kind, so errors.Is(err, ErrControlNotFound)
// holds for every ControlNotFound error.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && t.Detail == "" && t.Err == nil
}

// Sentinels for errors.Is.
var (
	ErrCredential           = &Error{Kind: KindCredential}
	ErrAuthenticationFailed = &Error{Kind: KindAuthentication}
	ErrControlNotFound      = &Error{Kind: KindControlNotFound}
	ErrInteractionFailed    = &Error{Kind: KindInteraction}
	ErrNavigationFailed     = &Error{Kind: KindNavigation}
	ErrInvalidRequest       = &Error{Kind: KindInvalidRequest}
)

// Errorf builds an Error of kind k wrapping err.
func Errorf(k Kind, err error, format string, args ...any) *Error {
	return &Error{Kind: k, Detail: fmt.Sprintf(format, args...), Err: err}
}

// KindOf returns the kind of the first *Error in err's chain, or "".
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}
