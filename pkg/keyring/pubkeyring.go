package keyring

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
)

// PubKeyRing is the bundle of public keys a node advertises to its peers.
// Keys are kept in their 33-byte compressed encoding, that is also what goes
// on the wire, and are parsed on demand.
type PubKeyRing struct {
	DhtSignaturePubKey []byte
	SignaturePubKey    []byte
	EncryptionPubKey   []byte
}

// NewPubKeyRing returns a PubKeyRing holding copies of the given keys.
func NewPubKeyRing(dhtSignature, signature, encryption []byte) PubKeyRing {
	return PubKeyRing{
		DhtSignaturePubKey: clone(dhtSignature),
		SignaturePubKey:    clone(signature),
		EncryptionPubKey:   clone(encryption),
	}
}

// Validate makes sure every key of the ring can be parsed.
func (p PubKeyRing) Validate() error {
	for _, key := range [][]byte{
		p.DhtSignaturePubKey, p.SignaturePubKey, p.EncryptionPubKey,
	} {
		if len(key) <= 0 {
			return ErrMissingKey
		}
		if _, err := parsePubKey(key); err != nil {
			return err
		}
	}
	return nil
}

// Equal compares two rings by their encoded keys.
func (p PubKeyRing) Equal(other PubKeyRing) bool {
	return bytes.Equal(p.DhtSignaturePubKey, other.DhtSignaturePubKey) &&
		bytes.Equal(p.SignaturePubKey, other.SignaturePubKey) &&
		bytes.Equal(p.EncryptionPubKey, other.EncryptionPubKey)
}

// Fingerprint returns the hex encoded sha256 digest of the concatenated keys.
// It's used as compact identity of the peer, for example to key its mailbox.
func (p PubKeyRing) Fingerprint() string {
	h := sha256.New()
	h.Write(p.DhtSignaturePubKey)
	h.Write(p.SignaturePubKey)
	h.Write(p.EncryptionPubKey)
	return hex.EncodeToString(h.Sum(nil))
}

func (p PubKeyRing) DhtSignatureKey() (*btcec.PublicKey, error) {
	return parsePubKey(p.DhtSignaturePubKey)
}

func (p PubKeyRing) SignatureKey() (*btcec.PublicKey, error) {
	return parsePubKey(p.SignaturePubKey)
}

func (p PubKeyRing) EncryptionKey() (*btcec.PublicKey, error) {
	return parsePubKey(p.EncryptionPubKey)
}

func (p PubKeyRing) String() string {
	return p.Fingerprint()
}

func parsePubKey(key []byte) (*btcec.PublicKey, error) {
	pubkey, err := btcec.ParsePubKey(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrKeyDecode, err)
	}
	return pubkey, nil
}

func clone(b []byte) []byte {
	if b == nil {
		return nil
	}
	return append([]byte{}, b...)
}
