package keyring_test

import (
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/tdex-network/tdex-p2p/pkg/keyring"
	boltsecurestore "github.com/tdex-network/tdex-p2p/pkg/securestore/bolt"
)

func TestPubKeyRing(t *testing.T) {
	t.Parallel()

	keyRing, err := keyring.Generate()
	require.NoError(t, err)

	pubKeyRing := keyRing.PubKeyRing()
	require.NoError(t, pubKeyRing.Validate())
	require.Len(t, pubKeyRing.SignaturePubKey, 33)

	t.Run("fingerprint", func(t *testing.T) {
		fingerprint := pubKeyRing.Fingerprint()
		require.Len(t, fingerprint, 64)
		_, err := hex.DecodeString(fingerprint)
		require.NoError(t, err)
		require.Equal(t, fingerprint, pubKeyRing.Fingerprint())
	})

	t.Run("equality by encoded keys", func(t *testing.T) {
		rebuilt := keyring.NewPubKeyRing(
			pubKeyRing.DhtSignaturePubKey,
			pubKeyRing.SignaturePubKey,
			pubKeyRing.EncryptionPubKey,
		)
		require.True(t, pubKeyRing.Equal(rebuilt))
		require.Equal(t, pubKeyRing.Fingerprint(), rebuilt.Fingerprint())

		other, err := keyring.Generate()
		require.NoError(t, err)
		require.False(t, pubKeyRing.Equal(other.PubKeyRing()))
		require.NotEqual(t, pubKeyRing.Fingerprint(), other.PubKeyRing().Fingerprint())
	})

	t.Run("parsed keys match private ones", func(t *testing.T) {
		sigKey, err := pubKeyRing.SignatureKey()
		require.NoError(t, err)
		require.True(t, sigKey.IsEqual(keyRing.SignatureKey().PubKey()))

		encKey, err := pubKeyRing.EncryptionKey()
		require.NoError(t, err)
		require.True(t, encKey.IsEqual(keyRing.EncryptionKey().PubKey()))
	})
}

func TestFailingPubKeyRing(t *testing.T) {
	t.Parallel()

	keyRing, err := keyring.Generate()
	require.NoError(t, err)
	valid := keyRing.PubKeyRing()

	tests := []struct {
		name        string
		pubKeyRing  keyring.PubKeyRing
		expectedErr error
	}{
		{
			name: "missing key",
			pubKeyRing: keyring.NewPubKeyRing(
				valid.DhtSignaturePubKey, nil, valid.EncryptionPubKey,
			),
			expectedErr: keyring.ErrMissingKey,
		},
		{
			name: "malformed key",
			pubKeyRing: keyring.NewPubKeyRing(
				valid.DhtSignaturePubKey, valid.SignaturePubKey, []byte{0x04, 0x01},
			),
			expectedErr: keyring.ErrKeyDecode,
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			require.ErrorIs(t, tt.pubKeyRing.Validate(), tt.expectedErr)
		})
	}

	_, err = keyring.PubKeyRing{SignaturePubKey: []byte("garbage")}.SignatureKey()
	require.ErrorIs(t, err, keyring.ErrKeyDecode)
}

func TestLoadOrCreate(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	password := []byte("password")

	store, err := boltsecurestore.NewSecureStorage(dir, "keyring.db")
	require.NoError(t, err)

	require.NoError(t, store.CreateUnlock(&password))
	_, err = keyring.Load(store)
	require.ErrorIs(t, err, keyring.ErrKeyRingNotFound)

	created, isNew, err := keyring.LoadOrCreate(store, password)
	require.NoError(t, err)
	require.True(t, isNew)
	require.NoError(t, store.Close())

	store, err = boltsecurestore.NewSecureStorage(dir, "keyring.db")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	_, _, err = keyring.LoadOrCreate(store, []byte("wrong"))
	require.ErrorIs(t, err, boltsecurestore.ErrInvalidPassword)

	loaded, isNew, err := keyring.LoadOrCreate(store, password)
	require.NoError(t, err)
	require.False(t, isNew)
	require.True(t, created.PubKeyRing().Equal(loaded.PubKeyRing()))
	require.Equal(t, created.SignatureKey().Serialize(), loaded.SignatureKey().Serialize())
}
