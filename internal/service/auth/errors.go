// Package auth defines authentication errors.
package auth

import "errors"

// ErrIdentityNotFound is returned by a UserStore when no identity has the
// requested email. It is an expected outcome, not a failure.
var ErrIdentityNotFound = errors.New("identity not found")

// Kind classifies an authentication failure.
type Kind string

const (
	KindInvalidCredentials Kind = "invalid_credentials"
	KindRateLimited        Kind = "rate_limited"
	KindTokenExpired       Kind = "token_expired"
	KindTokenMalformed     Kind = "token_malformed"
	KindTokenWrongType     Kind = "token_wrong_type"
	KindInternal           Kind = "internal_error"
)

// Error is the client-facing failure. Code and Message are all that leave
// the service; internal causes are only logged.
type Error struct {
	Kind    Kind
	Code    string
	Message string
}

func (e *Error) Error() string {
	return e.Code + ": " + e.Message
}

var (
	ErrInvalidCredentials = &Error{Kind: KindInvalidCredentials, Code: "AUTH_001", Message: "invalid email or password"}
	ErrTokenWrongType     = &Error{Kind: KindTokenWrongType, Code: "AUTH_002", Message: "invalid token type"}
	ErrTokenExpired       = &Error{Kind: KindTokenExpired, Code: "AUTH_003", Message: "token has expired"}
	ErrTokenMalformed     = &Error{Kind: KindTokenMalformed, Code: "AUTH_004", Message: "invalid token"}
	ErrRateLimited        = &Error{Kind: KindRateLimited, Code: "RATE_001", Message: "too many attempts, try again later"}
	ErrInternal           = &Error{Kind: KindInternal, Code: "SYS_001", Message: "internal error"}
)
