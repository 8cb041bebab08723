// Package sealer implements the hybrid encryption of peer messages. A fresh
// 128-bit AES key encrypts the signed payload and is itself sealed to the
// recipient's encryption key with ECIES over secp256k1.
package sealer

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/tdex-network/tdex-p2p/pkg/keyring"
	"golang.org/x/crypto/hkdf"
	"google.golang.org/protobuf/encoding/protowire"
)

const (
	secretKeyLen     = 16
	sealingKeyLen    = 32
	compressedKeyLen = 33

	signatureField protowire.Number = 1
	payloadField   protowire.Number = 2
)

var sealingKeyInfo = []byte("tdexp sealed secret key")

// SealedAndSignedMessage is the envelope of a message sealed to a peer.
type SealedAndSignedMessage struct {
	SealedSecretKey []byte
	SealedMessage   []byte
	SignaturePubKey []byte
}

// DecryptedMessage is the result of a successful DecryptAndVerify.
type DecryptedMessage struct {
	Payload         []byte
	SignaturePubKey []byte
}

// Sealer seals messages signed with the local key ring and opens messages
// sealed to it.
type Sealer struct {
	keyRing *keyring.KeyRing
}

func New(keyRing *keyring.KeyRing) (*Sealer, error) {
	if keyRing == nil {
		return nil, ErrMissingKeyRing
	}
	return &Sealer{keyRing}, nil
}

// EncryptAndSign signs the payload with the local signature key and seals it
// so that only the owner of the recipient's encryption key can open it.
func (s *Sealer) EncryptAndSign(
	recipient keyring.PubKeyRing, payload []byte,
) (*SealedAndSignedMessage, error) {
	encryptionKey, err := recipient.EncryptionKey()
	if err != nil {
		return nil, cryptoErr(ErrKeyDecode, err)
	}

	secretKey := make([]byte, secretKeyLen)
	if _, err := io.ReadFull(rand.Reader, secretKey); err != nil {
		return nil, cryptoErr(ErrEncryptionFailed, err)
	}

	sealedSecretKey, err := sealSecretKey(encryptionKey, secretKey)
	if err != nil {
		return nil, cryptoErr(ErrEncryptionFailed, err)
	}

	hash := sha256.Sum256(payload)
	signature := ecdsa.Sign(s.keyRing.SignatureKey(), hash[:]).Serialize()

	signedPayload := protowire.AppendTag(nil, signatureField, protowire.BytesType)
	signedPayload = protowire.AppendBytes(signedPayload, signature)
	signedPayload = protowire.AppendTag(signedPayload, payloadField, protowire.BytesType)
	signedPayload = protowire.AppendBytes(signedPayload, payload)

	sealedMessage, err := encrypt(secretKey, signedPayload, nil)
	if err != nil {
		return nil, cryptoErr(ErrEncryptionFailed, err)
	}

	return &SealedAndSignedMessage{
		SealedSecretKey: sealedSecretKey,
		SealedMessage:   sealedMessage,
		SignaturePubKey: s.keyRing.PubKeyRing().SignaturePubKey,
	}, nil
}

// DecryptAndVerify opens a message sealed to the local encryption key and
// verifies its signature against the carried signature pubkey. The payload is
// returned only if every step succeeds.
func (s *Sealer) DecryptAndVerify(
	msg *SealedAndSignedMessage,
) (*DecryptedMessage, error) {
	if msg == nil {
		return nil, cryptoErr(ErrDecryptionFailed, fmt.Errorf("missing message"))
	}

	secretKey, err := openSecretKey(s.keyRing.EncryptionKey(), msg.SealedSecretKey)
	if err != nil {
		return nil, cryptoErr(ErrDecryptionFailed, err)
	}

	signedPayload, err := decrypt(secretKey, msg.SealedMessage)
	if err != nil {
		return nil, cryptoErr(ErrDecryptionFailed, err)
	}

	signature, payload, err := parseSignedPayload(signedPayload)
	if err != nil {
		return nil, cryptoErr(ErrDecryptionFailed, err)
	}

	signerKey, err := btcec.ParsePubKey(msg.SignaturePubKey)
	if err != nil {
		return nil, cryptoErr(ErrKeyDecode, err)
	}

	sig, err := ecdsa.ParseDERSignature(signature)
	if err != nil {
		return nil, cryptoErr(ErrSignatureInvalid, err)
	}
	hash := sha256.Sum256(payload)
	if !sig.Verify(hash[:], signerKey) {
		return nil, cryptoErr(ErrSignatureInvalid, nil)
	}

	return &DecryptedMessage{
		Payload:         payload,
		SignaturePubKey: append([]byte{}, msg.SignaturePubKey...),
	}, nil
}

// sealSecretKey encrypts the secret key with a key derived from the ECDH
// between a one-time ephemeral key and the recipient's key. The result is
// ephemeral pubkey || nonce || ciphertext.
func sealSecretKey(recipient *btcec.PublicKey, secretKey []byte) ([]byte, error) {
	ephemeral, err := btcec.NewPrivateKey()
	if err != nil {
		return nil, err
	}
	ephemeralPubKey := ephemeral.PubKey().SerializeCompressed()

	sealingKey, err := deriveSealingKey(
		btcec.GenerateSharedSecret(ephemeral, recipient), ephemeralPubKey,
	)
	if err != nil {
		return nil, err
	}

	return encrypt(sealingKey, secretKey, ephemeralPubKey)
}

func openSecretKey(key *btcec.PrivateKey, sealed []byte) ([]byte, error) {
	if len(sealed) <= compressedKeyLen {
		return nil, fmt.Errorf("sealed secret key too short")
	}
	ephemeralPubKey := sealed[:compressedKeyLen]
	ephemeral, err := btcec.ParsePubKey(ephemeralPubKey)
	if err != nil {
		return nil, err
	}

	sealingKey, err := deriveSealingKey(
		btcec.GenerateSharedSecret(key, ephemeral), ephemeralPubKey,
	)
	if err != nil {
		return nil, err
	}

	secretKey, err := decrypt(sealingKey, sealed[compressedKeyLen:])
	if err != nil {
		return nil, err
	}
	if len(secretKey) != secretKeyLen {
		return nil, fmt.Errorf("invalid secret key length")
	}
	return secretKey, nil
}

func deriveSealingKey(sharedSecret, salt []byte) ([]byte, error) {
	key := make([]byte, sealingKeyLen)
	r := hkdf.New(sha256.New, sharedSecret, salt, sealingKeyInfo)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, err
	}
	return key, nil
}

// encrypt returns prefix || nonce || AES-GCM(plaintext).
func encrypt(key, plaintext, prefix []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}

	out := make([]byte, 0, len(prefix)+len(nonce)+len(plaintext)+gcm.Overhead())
	out = append(out, prefix...)
	out = append(out, nonce...)
	return gcm.Seal(out, nonce, plaintext, nil), nil
}

func decrypt(key, ciphertext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}

	if len(ciphertext) < gcm.NonceSize()+gcm.Overhead() {
		return nil, fmt.Errorf("ciphertext too short")
	}
	nonce, sealed := ciphertext[:gcm.NonceSize()], ciphertext[gcm.NonceSize():]
	return gcm.Open(nil, nonce, sealed, nil)
}

func parseSignedPayload(buf []byte) (signature, payload []byte, err error) {
	for len(buf) > 0 {
		num, typ, n := protowire.ConsumeTag(buf)
		if n < 0 {
			return nil, nil, protowire.ParseError(n)
		}
		buf = buf[n:]
		if typ != protowire.BytesType {
			return nil, nil, fmt.Errorf("unexpected wire type %d", typ)
		}
		value, n := protowire.ConsumeBytes(buf)
		if n < 0 {
			return nil, nil, protowire.ParseError(n)
		}
		buf = buf[n:]

		switch num {
		case signatureField:
			signature = value
		case payloadField:
			payload = value
		}
	}
	if signature == nil {
		return nil, nil, fmt.Errorf("missing signature")
	}
	if payload == nil {
		payload = []byte{}
	}
	return signature, payload, nil
}
