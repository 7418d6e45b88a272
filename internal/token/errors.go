package token

import "errors"

var (
	ErrMalformed = errors.New("token malformed")
	ErrExpired   = errors.New("token expired")
	ErrWrongType = errors.New("token has wrong type")

	ErrSecretTooShort = errors.New("signing secret must be at least 32 bytes")
	ErrInvalidTTL     = errors.New("access ttl must be positive and shorter than refresh ttl")
	ErrEmptySubject   = errors.New("token subject is empty")
)
