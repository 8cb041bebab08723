package sealer

import (
	"bytes"
	"encoding/base64"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

const (
	signedMessageMagic = "Bitcoin Signed Message:\n"
	compactSigLen      = 65
)

// SignText returns the base64 encoded compact recoverable signature of the
// given text. The signature is made of a header byte, carrying the recovery
// id and the compression flag, followed by 32-byte r and 32-byte s.
func SignText(key *btcec.PrivateKey, text string) (string, error) {
	if key == nil {
		return "", cryptoErr(ErrKeyDecode, fmt.Errorf("missing private key"))
	}
	hash, err := textHash(text)
	if err != nil {
		return "", cryptoErr(ErrEncryptionFailed, err)
	}
	sig, err := ecdsa.SignCompact(key, hash, true)
	if err != nil {
		return "", cryptoErr(ErrEncryptionFailed, err)
	}
	return base64.StdEncoding.EncodeToString(sig), nil
}

// RecoverPubKey returns the pubkey that produced the given text signature.
func RecoverPubKey(text, signature string) (*btcec.PublicKey, error) {
	sig, err := base64.StdEncoding.DecodeString(signature)
	if err != nil {
		return nil, cryptoErr(ErrSignatureInvalid, err)
	}
	if len(sig) != compactSigLen {
		return nil, cryptoErr(
			ErrSignatureInvalid,
			fmt.Errorf("invalid signature length %d", len(sig)),
		)
	}
	hash, err := textHash(text)
	if err != nil {
		return nil, cryptoErr(ErrSignatureInvalid, err)
	}
	pubkey, _, err := ecdsa.RecoverCompact(sig, hash)
	if err != nil {
		return nil, cryptoErr(ErrSignatureInvalid, err)
	}
	return pubkey, nil
}

// VerifyText checks that the signature of the text was made with the private
// key of the given pubkey.
func VerifyText(pubkey *btcec.PublicKey, text, signature string) error {
	if pubkey == nil {
		return cryptoErr(ErrKeyDecode, fmt.Errorf("missing pubkey"))
	}
	recovered, err := RecoverPubKey(text, signature)
	if err != nil {
		return err
	}
	if !recovered.IsEqual(pubkey) {
		return cryptoErr(ErrSignatureInvalid, fmt.Errorf("signer pubkey mismatch"))
	}
	return nil
}

func textHash(text string) ([]byte, error) {
	var buf bytes.Buffer
	if err := wire.WriteVarString(&buf, 0, signedMessageMagic); err != nil {
		return nil, err
	}
	if err := wire.WriteVarString(&buf, 0, text); err != nil {
		return nil, err
	}
	return chainhash.DoubleHashB(buf.Bytes()), nil
}
