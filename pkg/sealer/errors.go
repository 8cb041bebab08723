package sealer

import (
	"errors"
	"fmt"

	"github.com/tdex-network/tdex-p2p/pkg/keyring"
)

var (
	// ErrKeyDecode is the kind of failures due to malformed encoded keys.
	ErrKeyDecode = keyring.ErrKeyDecode
	// ErrEncryptionFailed is the kind of failures while sealing a message.
	ErrEncryptionFailed = errors.New("encryption failed")
	// ErrDecryptionFailed is the kind of failures while opening a sealed
	// message, for example because it was not sealed to the local key.
	ErrDecryptionFailed = errors.New("decryption failed")
	// ErrSignatureInvalid is the kind of failures due to signatures not
	// matching the signed payload and pubkey.
	ErrSignatureInvalid = errors.New("invalid signature")
	// ErrMissingKeyRing is returned by New if no key ring is given.
	ErrMissingKeyRing = errors.New("missing key ring")
)

// CryptoError is the single error type returned by any failing crypto
// operation. Kind is one of the sentinel errors of this package, so that
// callers can check it with errors.Is.
type CryptoError struct {
	Kind error
	Err  error
}

func (e *CryptoError) Error() string {
	if e.Err == nil {
		return e.Kind.Error()
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Err)
}

func (e *CryptoError) Unwrap() error {
	return e.Err
}

func (e *CryptoError) Is(target error) bool {
	return e.Kind == target
}

func cryptoErr(kind, err error) error {
	return &CryptoError{kind, err}
}
