// Package apperr defines the error taxonomy shared by the ledger, the
// authorization gateway and the HTTP surface.
//
// Every error carries a Kind, which decides how callers recover, and a Code,
// which names the exact condition. Sentinels are compared by Code, so a wrapped
// error with a custom message still matches with errors.Is.
package apperr

import (
	"errors"
	"fmt"
)

type Kind string

const (
	KindValidation    Kind = "ValidationError"
	KindAuthorization Kind = "AuthorizationError"
	KindConcurrency   Kind = "ConcurrencyError"
	KindNotFound      Kind = "NotFound"
	KindFatal         Kind = "FatalError"
)

type Error struct {
	Kind    Kind
	Code    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error with the same Code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

func sentinel(kind Kind, code, msg string) *Error {
	return &Error{Kind: kind, Code: code, Message: msg}
}

// Validation errors are caller-fixable and reported verbatim.
var (
	InvalidQuantity      = sentinel(KindValidation, "invalid_quantity", "invalid quantity")
	InvalidSelection     = sentinel(KindValidation, "invalid_selection", "invalid unit selection")
	PackageSizeTooSmall  = sentinel(KindValidation, "package_size_too_small", "package size below minimum")
	InvalidPackageSizes  = sentinel(KindValidation, "invalid_package_sizes", "invalid package sizes")
	InsufficientWeight   = sentinel(KindValidation, "insufficient_weight", "insufficient weight")
	IllegalTransition    = sentinel(KindValidation, "illegal_transition", "illegal transition")
	ActorRequired        = sentinel(KindValidation, "actor_required", "actor required")
	ConservationViolated = sentinel(KindValidation, "conservation_violated", "conservation invariant violated")
	InvalidRequest       = sentinel(KindValidation, "invalid_request", "invalid request")
	DuplicateMember      = sentinel(KindValidation, "duplicate_member", "member already exists")
	CredentialInUse      = sentinel(KindValidation, "credential_in_use", "credential already assigned to another member")
)

// Authorization errors prompt a re-scan.
var (
	UnknownIdentity      = sentinel(KindAuthorization, "unknown_identity", "unknown identity")
	NotVerified          = sentinel(KindAuthorization, "not_verified", "session not verified")
	SessionBusy          = sentinel(KindAuthorization, "session_busy", "scan already in progress")
	SessionNotFound      = sentinel(KindAuthorization, "session_not_found", "session not found")
	SessionAlreadyActive = sentinel(KindAuthorization, "session_already_active", "session already active")
	AlreadyConsumed      = sentinel(KindAuthorization, "already_consumed", "session already consumed")
	SessionCancelled     = sentinel(KindAuthorization, "session_cancelled", "session cancelled")
	SessionExpired       = sentinel(KindAuthorization, "session_expired", "session expired")
)

var ConcurrentModification = sentinel(KindConcurrency, "concurrent_modification", "batch was modified concurrently")

var (
	BatchNotFound  = sentinel(KindNotFound, "batch_not_found", "batch not found")
	MemberNotFound = sentinel(KindNotFound, "member_not_found", "member not found")
)

var StorageUnavailable = sentinel(KindFatal, "storage_unavailable", "storage unavailable")

// New returns an error with the sentinel's kind and code and a specific message.
func New(code *Error, format string, args ...any) *Error {
	return &Error{Kind: code.Kind, Code: code.Code, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches cause to a sentinel, keeping the sentinel's message.
func Wrap(code *Error, cause error) *Error {
	return &Error{Kind: code.Kind, Code: code.Code, Message: code.Message, Err: cause}
}

// As extracts the first *Error in err's chain.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// KindOf reports the kind of err, treating unknown errors as fatal.
func KindOf(err error) Kind {
	if e, ok := As(err); ok {
		return e.Kind
	}
	return KindFatal
}
