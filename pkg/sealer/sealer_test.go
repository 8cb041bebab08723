package sealer_test

import (
	"bytes"
	"encoding/base64"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/tdex-network/tdex-p2p/pkg/keyring"
	"github.com/tdex-network/tdex-p2p/pkg/sealer"
)

func TestEncryptAndSignRoundTrip(t *testing.T) {
	t.Parallel()

	alice := newTestSealer(t)
	bob := newTestSealer(t)

	tests := []struct {
		name    string
		payload []byte
	}{
		{"one byte", []byte{0x01}},
		{"contract", []byte(`{"tradeId":"d0f6","amount":100000}`)},
		{"large", bytes.Repeat([]byte("deposit tx inputs "), 10000)},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			msg, err := alice.EncryptAndSign(bob.keyRing.PubKeyRing(), tt.payload)
			require.NoError(t, err)
			require.Equal(t, alice.keyRing.PubKeyRing().SignaturePubKey, msg.SignaturePubKey)

			decrypted, err := bob.DecryptAndVerify(msg)
			require.NoError(t, err)
			require.Equal(t, tt.payload, decrypted.Payload)
			require.Equal(t, msg.SignaturePubKey, decrypted.SignaturePubKey)
		})
	}
}

func TestEmptyPayload(t *testing.T) {
	t.Parallel()

	alice := newTestSealer(t)
	bob := newTestSealer(t)

	msg, err := alice.EncryptAndSign(bob.keyRing.PubKeyRing(), nil)
	require.NoError(t, err)

	decrypted, err := bob.DecryptAndVerify(msg)
	require.NoError(t, err)
	require.Empty(t, decrypted.Payload)
}

func TestDecryptWithWrongKey(t *testing.T) {
	t.Parallel()

	alice := newTestSealer(t)
	bob := newTestSealer(t)
	eve := newTestSealer(t)

	msg, err := alice.EncryptAndSign(bob.keyRing.PubKeyRing(), []byte("secret"))
	require.NoError(t, err)

	decrypted, err := eve.DecryptAndVerify(msg)
	require.Nil(t, decrypted)
	require.ErrorIs(t, err, sealer.ErrDecryptionFailed)

	var cryptoErr *sealer.CryptoError
	require.True(t, errors.As(err, &cryptoErr))
}

func TestForgedSignerIsRejected(t *testing.T) {
	t.Parallel()

	alice := newTestSealer(t)
	bob := newTestSealer(t)
	eve := newTestSealer(t)

	msg, err := alice.EncryptAndSign(bob.keyRing.PubKeyRing(), []byte("pay me"))
	require.NoError(t, err)

	msg.SignaturePubKey = eve.keyRing.PubKeyRing().SignaturePubKey
	decrypted, err := bob.DecryptAndVerify(msg)
	require.Nil(t, decrypted)
	require.ErrorIs(t, err, sealer.ErrSignatureInvalid)
}

func TestTamperedEnvelopeIsRejected(t *testing.T) {
	t.Parallel()

	alice := newTestSealer(t)
	bob := newTestSealer(t)
	payload := []byte("finalize payout tx request")

	msg, err := alice.EncryptAndSign(bob.keyRing.PubKeyRing(), payload)
	require.NoError(t, err)

	fields := []struct {
		name string
		get  func(m *sealer.SealedAndSignedMessage) *[]byte
	}{
		{"sealed secret key", func(m *sealer.SealedAndSignedMessage) *[]byte { return &m.SealedSecretKey }},
		{"sealed message", func(m *sealer.SealedAndSignedMessage) *[]byte { return &m.SealedMessage }},
		{"signature pubkey", func(m *sealer.SealedAndSignedMessage) *[]byte { return &m.SignaturePubKey }},
	}

	for _, f := range fields {
		f := f
		t.Run(f.name, func(t *testing.T) {
			t.Parallel()

			original := *f.get(msg)
			for i := 0; i < len(original)*8; i++ {
				tampered := copyMessage(msg)
				field := f.get(tampered)
				(*field)[i/8] ^= 1 << (i % 8)

				decrypted, err := bob.DecryptAndVerify(tampered)
				require.Error(t, err, "bit %d", i)
				require.Nil(t, decrypted, "bit %d", i)

				var cryptoErr *sealer.CryptoError
				require.True(t, errors.As(err, &cryptoErr), "bit %d", i)
			}
		})
	}
}

func TestFailingEncryptAndSign(t *testing.T) {
	t.Parallel()

	alice := newTestSealer(t)

	_, err := alice.EncryptAndSign(keyring.PubKeyRing{
		EncryptionPubKey: []byte("not a key"),
	}, []byte("payload"))
	require.ErrorIs(t, err, sealer.ErrKeyDecode)

	_, err = alice.DecryptAndVerify(nil)
	require.ErrorIs(t, err, sealer.ErrDecryptionFailed)

	_, err = sealer.New(nil)
	require.ErrorIs(t, err, sealer.ErrMissingKeyRing)
}

func TestSignText(t *testing.T) {
	t.Parallel()

	keyRing, err := keyring.Generate()
	require.NoError(t, err)
	other, err := keyring.Generate()
	require.NoError(t, err)

	key := keyRing.SignatureKey()
	text := "proof of burn pre-image"

	signature, err := sealer.SignText(key, text)
	require.NoError(t, err)

	sig, err := base64.StdEncoding.DecodeString(signature)
	require.NoError(t, err)
	require.Len(t, sig, 65)
	// compressed key headers are in range 31-34.
	require.GreaterOrEqual(t, sig[0], byte(31))
	require.LessOrEqual(t, sig[0], byte(34))

	again, err := sealer.SignText(key, text)
	require.NoError(t, err)
	require.Equal(t, signature, again)

	require.NoError(t, sealer.VerifyText(key.PubKey(), text, signature))

	recovered, err := sealer.RecoverPubKey(text, signature)
	require.NoError(t, err)
	require.True(t, recovered.IsEqual(key.PubKey()))

	tests := []struct {
		name      string
		text      string
		signature string
		signer    *keyring.KeyRing
	}{
		{"altered text", text + ".", signature, keyRing},
		{"wrong signer", text, signature, other},
		{"malformed signature", text, "bm90IGEgc2lnbmF0dXJl", keyRing},
		{"not base64", text, "!!!", keyRing},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := sealer.VerifyText(tt.signer.SignatureKey().PubKey(), tt.text, tt.signature)
			require.ErrorIs(t, err, sealer.ErrSignatureInvalid)
		})
	}
}

type testSealer struct {
	*sealer.Sealer
	keyRing *keyring.KeyRing
}

func newTestSealer(t *testing.T) testSealer {
	keyRing, err := keyring.Generate()
	require.NoError(t, err)
	s, err := sealer.New(keyRing)
	require.NoError(t, err)
	return testSealer{s, keyRing}
}

func copyMessage(m *sealer.SealedAndSignedMessage) *sealer.SealedAndSignedMessage {
	return &sealer.SealedAndSignedMessage{
		SealedSecretKey: append([]byte{}, m.SealedSecretKey...),
		SealedMessage:   append([]byte{}, m.SealedMessage...),
		SignaturePubKey: append([]byte{}, m.SignaturePubKey...),
	}
}
