package store

import "errors"

// Store error types.
var (
	ErrReservedKey   = errors.New("key is reserved for store internals")
	ErrShortSecret   = errors.New("store secret must be at least 16 characters")
	ErrBadEnvelope   = errors.New("malformed encryption envelope")
	ErrKeyFileFormat = errors.New("key file does not contain a hex-encoded key")
)
