// Package auth defines domain types for authentication.
package auth

import "time"

// Identity is a user record as read from the user store.
type Identity struct {
	ID          string
	Email       string
	SecretHash  string
	DisplayName string
}

// Summary is the part of an identity returned to the client.
func (i *Identity) Summary() IdentitySummary {
	return IdentitySummary{ID: i.ID, Email: i.Email, Name: i.DisplayName}
}

// IdentitySummary is the public view of an identity.
type IdentitySummary struct {
	ID    string `json:"id"`
	Email string `json:"email"`
	Name  string `json:"name,omitempty"`
}

// LoginInput is the input for login.
type LoginInput struct {
	Email    string
	Password string
	// ClientKey identifies the caller for rate limiting (e.g. "login:203.0.113.7").
	ClientKey string
	TraceID   string
}

// TokenType is the scheme clients put in front of the access token.
const TokenType = "bearer"

// TokenPair holds a freshly issued access and refresh token.
type TokenPair struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
}

// LoginData is the payload of a successful login.
type LoginData struct {
	User IdentitySummary `json:"user"`
	TokenPair
}

// VerifyData is the payload of a successful token verification.
type VerifyData struct {
	Subject string `json:"subject"`
}

// Envelope is the uniform response shape. Exactly one of Data and Error is set.
type Envelope struct {
	Data  any        `json:"data"`
	Error *ErrorBody `json:"error"`
	Meta  Meta       `json:"meta"`
}

// ErrorBody is the error member of an Envelope.
type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Kind    Kind   `json:"-"`
}

// Meta carries request correlation data.
type Meta struct {
	TraceID   string `json:"trace_id"`
	Timestamp string `json:"timestamp"`
}

// OK reports whether the envelope carries data.
func (e Envelope) OK() bool { return e.Error == nil }

func newSuccess(data any, traceID string, now time.Time) Envelope {
	return Envelope{Data: data, Meta: newMeta(traceID, now)}
}

// NewFailure builds an error envelope. The HTTP layer uses it for failures
// that never reach the service, such as undecodable bodies.
func NewFailure(err *Error, traceID string, now time.Time) Envelope {
	return Envelope{
		Error: &ErrorBody{Code: err.Code, Message: err.Message, Kind: err.Kind},
		Meta:  newMeta(traceID, now),
	}
}

func newMeta(traceID string, now time.Time) Meta {
	return Meta{TraceID: traceID, Timestamp: now.UTC().Format(time.RFC3339Nano)}
}
