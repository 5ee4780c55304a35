package nostr

import "errors"

// Protocol errors
var (
	ErrUnknownMessage = errors.New("unknown message label")
	ErrMalformedJSON  = errors.New("malformed wire message")
	ErrUnknownVersion = errors.New("unknown encryption version")
	ErrInvalidPayload = errors.New("invalid payload")
)

// Crypto errors
var (
	ErrInvalidSignature = errors.New("invalid signature")
	ErrMacMismatch      = errors.New("MAC mismatch")
	ErrInvalidKey       = errors.New("malformed key")
)

// Validation errors
var (
	ErrInvalidID        = errors.New("event ID does not match serialized content")
	ErrEventTooLarge    = errors.New("event exceeds size limit")
	ErrTooManyTags      = errors.New("event exceeds tag limit")
	ErrDifficultyNotMet = errors.New("proof of work difficulty not met")
)

// ErrNotSupported marks an optional feature absent in the current
// backend or relay.
var ErrNotSupported = errors.New("not supported")
