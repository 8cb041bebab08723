package keyring

import "errors"

var (
	// ErrKeyDecode is returned when an encoded key can't be parsed.
	ErrKeyDecode = errors.New("failed to decode key")
	// ErrKeyRingNotFound is returned by Load if no key ring was persisted yet.
	ErrKeyRingNotFound = errors.New("key ring not found")
	// ErrMissingKey is returned when a pub key ring lacks one of its keys.
	ErrMissingKey = errors.New("pub key ring is missing a key")
)
