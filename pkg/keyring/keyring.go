// Package keyring holds the local node's key pairs. A KeyRing is created once
// at first run, persisted encrypted into a secure store and loaded thereafter.
// It is read-only after construction and safe for concurrent use.
package keyring

import (
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/tdex-network/tdex-p2p/pkg/securestore"
)

const privKeyLen = 32

var (
	bucketKey = []byte("keyring")

	dhtSignatureKey = []byte("dht_signature")
	msgSignatureKey = []byte("msg_signature")
	msgEncryption   = []byte("msg_encryption")
)

// KeyRing is the set of private keys of the local node, one per purpose.
type KeyRing struct {
	dhtSignature  *btcec.PrivateKey
	msgSignature  *btcec.PrivateKey
	msgEncryption *btcec.PrivateKey

	pubKeyRing PubKeyRing
}

// New returns a KeyRing made of the given keys.
func New(dhtSignature, msgSignature, msgEncryption *btcec.PrivateKey) (*KeyRing, error) {
	if dhtSignature == nil || msgSignature == nil || msgEncryption == nil {
		return nil, fmt.Errorf("missing private key")
	}

	return &KeyRing{
		dhtSignature:  dhtSignature,
		msgSignature:  msgSignature,
		msgEncryption: msgEncryption,
		pubKeyRing: NewPubKeyRing(
			dhtSignature.PubKey().SerializeCompressed(),
			msgSignature.PubKey().SerializeCompressed(),
			msgEncryption.PubKey().SerializeCompressed(),
		),
	}, nil
}

// Generate returns a KeyRing with freshly generated keys.
func Generate() (*KeyRing, error) {
	keys := make([]*btcec.PrivateKey, 0, 3)
	for i := 0; i < 3; i++ {
		key, err := btcec.NewPrivateKey()
		if err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	return New(keys[0], keys[1], keys[2])
}

func (k *KeyRing) DhtSignatureKey() *btcec.PrivateKey {
	return k.dhtSignature
}

// SignatureKey is the key used to sign outgoing messages.
func (k *KeyRing) SignatureKey() *btcec.PrivateKey {
	return k.msgSignature
}

// EncryptionKey is the key incoming messages are sealed to.
func (k *KeyRing) EncryptionKey() *btcec.PrivateKey {
	return k.msgEncryption
}

func (k *KeyRing) PubKeyRing() PubKeyRing {
	return k.pubKeyRing
}

// Save persists the key ring into the given unlocked store.
func (k *KeyRing) Save(store securestore.SecureStorage) error {
	if err := store.CreateBucket(bucketKey); err != nil {
		return err
	}

	entries := map[string]*btcec.PrivateKey{
		string(dhtSignatureKey): k.dhtSignature,
		string(msgSignatureKey): k.msgSignature,
		string(msgEncryption):   k.msgEncryption,
	}
	for name, key := range entries {
		if err := store.AddToBucket(
			bucketKey, []byte(name), key.Serialize(),
		); err != nil {
			return fmt.Errorf("failed to store %s key: %w", name, err)
		}
	}
	return nil
}

// Load restores the key ring from the given unlocked store.
func Load(store securestore.SecureStorage) (*KeyRing, error) {
	buckets, err := store.ListBuckets()
	if err != nil {
		return nil, err
	}
	found := false
	for _, b := range buckets {
		if string(b) == string(bucketKey) {
			found = true
			break
		}
	}
	if !found {
		return nil, ErrKeyRingNotFound
	}

	keys := make([]*btcec.PrivateKey, 0, 3)
	for _, name := range [][]byte{dhtSignatureKey, msgSignatureKey, msgEncryption} {
		buf, err := store.GetFromBucket(bucketKey, name)
		if err != nil {
			return nil, err
		}
		if len(buf) <= 0 {
			return nil, ErrKeyRingNotFound
		}
		if len(buf) != privKeyLen {
			return nil, fmt.Errorf("%w: invalid %s key length", ErrKeyDecode, name)
		}
		key, _ := btcec.PrivKeyFromBytes(buf)
		keys = append(keys, key)
	}
	return New(keys[0], keys[1], keys[2])
}

// LoadOrCreate unlocks the store with the given password and returns the key
// ring persisted in it. If none is found, a new one is generated and saved.
// The returned bool tells whether the key ring has just been created.
func LoadOrCreate(
	store securestore.SecureStorage, password []byte,
) (*KeyRing, bool, error) {
	if err := store.CreateUnlock(&password); err != nil {
		return nil, false, err
	}

	keyRing, err := Load(store)
	if err == nil {
		return keyRing, false, nil
	}
	if err != ErrKeyRingNotFound {
		return nil, false, err
	}

	keyRing, err = Generate()
	if err != nil {
		return nil, false, err
	}
	if err := keyRing.Save(store); err != nil {
		return nil, false, err
	}
	return keyRing, true, nil
}
