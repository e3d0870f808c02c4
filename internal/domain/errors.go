package domain

import "errors"

// Sentinel errors for the domain layer.
var (
	ErrNotFound          = errors.New("domain: not found")
	ErrUnknownBoard      = errors.New("domain: unknown board")
	ErrUnknownPair       = errors.New("domain: unknown pair")
	ErrInvalidMode       = errors.New("domain: invalid sync mode")
	ErrMalformedSnapshot = errors.New("domain: malformed snapshot")
)
