package domain

import "errors"

// Sentinel errors for the domain layer.
var (
	ErrNotFound     = errors.New("domain: not found")
	ErrConflict     = errors.New("domain: conflict")
	ErrUnauthorized = errors.New("domain: unauthorized")
	ErrForbidden    = errors.New("domain: forbidden")
)

// Lifecycle reason codes. The signing UI translates these into distinct
// user-facing messages, so they must stay separate sentinels rather than one
// generic conflict.
var (
	ErrAlreadySigned         = errors.New("domain: recipient already signed")
	ErrDocumentNotActionable = errors.New("domain: document no longer actionable")
	ErrDocumentExpired       = errors.New("domain: document expired")
	ErrSigningOrder          = errors.New("domain: earlier recipients must sign first")
	ErrTokenExpired          = errors.New("domain: signing token expired")
	ErrInvalidTransition     = errors.New("domain: invalid status transition")
)
