package boltsecurestore

import (
	"bytes"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/btcsuite/btcwallet/snacl"
	"github.com/tdex-network/tdex-p2p/pkg/securestore"
	bolt "go.etcd.io/bbolt"
)

const (
	// DefaultDBTimeout is the time bolt waits for the file lock on open.
	DefaultDBTimeout = 5 * time.Second
)

var (
	// RootKeyBucketName is the name of the root key store bucket.
	RootKeyBucketName = []byte("root")

	// encryptionKeyID is the name of the database key that stores the
	// encryption key, encrypted with a salted + hashed password.
	encryptionKeyID = []byte("enckey")
)

type boltSecureStorage struct {
	db *bolt.DB

	encKeyMtx sync.RWMutex
	encKey    *snacl.SecretKey
}

// NewSecureStorage creates a bolt instance of the SecureStorage interface.
func NewSecureStorage(datadir, filename string) (securestore.SecureStorage, error) {
	if _, err := os.Stat(datadir); os.IsNotExist(err) {
		if err := os.MkdirAll(datadir, os.ModeDir|0700); err != nil {
			return nil, err
		}
	}

	db, err := bolt.Open(
		filepath.Join(datadir, filename), 0600,
		&bolt.Options{Timeout: DefaultDBTimeout},
	)
	if err != nil {
		return nil, err
	}

	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(RootKeyBucketName)
		return err
	}); err != nil {
		db.Close()
		return nil, err
	}

	return &boltSecureStorage{db: db}, nil
}

// IsLocked returns whether the store is locked by checking if the encryption
// key is stored in-memory.
func (s *boltSecureStorage) IsLocked() bool {
	s.encKeyMtx.RLock()
	defer s.encKeyMtx.RUnlock()

	return s.encKey == nil
}

// Lock eventually locks the store by flushing the in-memory encryption key.
func (s *boltSecureStorage) Lock() {
	s.encKeyMtx.Lock()
	defer s.encKeyMtx.Unlock()

	s.lock()
}

// CreateUnlock sets an encryption key if one is not already set, otherwise it
// checks if the password is correct for the stored encryption key.
func (s *boltSecureStorage) CreateUnlock(password *[]byte) error {
	if !s.IsLocked() {
		return nil
	}
	if password == nil {
		return ErrPasswordRequired
	}

	s.encKeyMtx.Lock()
	defer s.encKeyMtx.Unlock()

	return s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(RootKeyBucketName)
		if bucket == nil {
			return ErrRootKeyBucketNotFound
		}

		if dbKey := bucket.Get(encryptionKeyID); len(dbKey) > 0 {
			encKey := &snacl.SecretKey{}
			if err := encKey.Unmarshal(dbKey); err != nil {
				return err
			}
			if err := encKey.DeriveKey(password); err != nil {
				return ErrInvalidPassword
			}

			s.encKey = encKey
			return nil
		}

		encKey, err := snacl.NewSecretKey(
			password, snacl.DefaultN, snacl.DefaultR, snacl.DefaultP,
		)
		if err != nil {
			return err
		}
		if err := bucket.Put(encryptionKeyID, encKey.Marshal()); err != nil {
			return err
		}

		s.encKey = encKey
		return nil
	})
}

// ChangePassword verifies the old password, then re-encrypts every value of
// the store with a key derived from the new one. Everything happens in a
// single bolt transaction so a failure leaves the store untouched.
func (s *boltSecureStorage) ChangePassword(oldPw, newPw []byte) error {
	if s.IsLocked() {
		return ErrStoreLocked
	}
	if oldPw == nil || newPw == nil {
		return ErrPasswordRequired
	}

	s.encKeyMtx.Lock()
	defer s.encKeyMtx.Unlock()

	encKeyNew, err := snacl.NewSecretKey(
		&newPw, snacl.DefaultN, snacl.DefaultR, snacl.DefaultP,
	)
	if err != nil {
		return err
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		root := tx.Bucket(RootKeyBucketName)
		if root == nil {
			return ErrRootKeyBucketNotFound
		}

		dbKey := root.Get(encryptionKeyID)
		if len(dbKey) <= 0 {
			return ErrEncKeyNotFound
		}
		encKeyOld := &snacl.SecretKey{}
		if err := encKeyOld.Unmarshal(dbKey); err != nil {
			return err
		}
		if err := encKeyOld.DeriveKey(&oldPw); err != nil {
			return ErrInvalidPassword
		}

		if err := reencryptBucket(root, encKeyOld, encKeyNew); err != nil {
			return err
		}
		if err := root.Put(encryptionKeyID, encKeyNew.Marshal()); err != nil {
			return err
		}

		s.encKey = encKeyNew
		return nil
	})
}

// CreateBucket creates a nested bucket into the root one.
func (s *boltSecureStorage) CreateBucket(key []byte) error {
	if s.IsLocked() {
		return ErrStoreLocked
	}
	if len(key) <= 0 {
		return ErrMissingBucketKey
	}
	if bytes.Equal(key, encryptionKeyID) {
		return ErrForbiddenBucketKey
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		root := tx.Bucket(RootKeyBucketName)
		if root == nil {
			return ErrRootKeyBucketNotFound
		}
		_, err := root.CreateBucketIfNotExists(key)
		return err
	})
}

// AddToBucket stores the provided data encrypted into the given bucket.
// If the bucket key is nil, the key/value entry is added to the root one.
func (s *boltSecureStorage) AddToBucket(bucketKey, key, value []byte) error {
	if s.IsLocked() {
		return ErrStoreLocked
	}
	if len(key) <= 0 {
		return ErrMissingDataKey
	}
	if bytes.Equal(key, encryptionKeyID) {
		return ErrForbiddenDataKey
	}
	if len(value) <= 0 {
		return ErrMissingData
	}

	s.encKeyMtx.RLock()
	defer s.encKeyMtx.RUnlock()

	return s.db.Update(func(tx *bolt.Tx) error {
		bucket, err := s.bucket(tx, bucketKey)
		if err != nil {
			return err
		}

		encryptedValue, err := s.encKey.Encrypt(value)
		if err != nil {
			return err
		}
		return bucket.Put(key, encryptedValue)
	})
}

// GetFromBucket retrieves data for the given key and bucket. If the bucket key
// is nil, data is retrieved from the root bucket.
func (s *boltSecureStorage) GetFromBucket(bucketKey, key []byte) ([]byte, error) {
	if s.IsLocked() {
		return nil, ErrStoreLocked
	}
	if len(key) <= 0 {
		return nil, ErrMissingDataKey
	}
	if bytes.Equal(key, encryptionKeyID) {
		return nil, ErrForbiddenDataKey
	}

	s.encKeyMtx.RLock()
	defer s.encKeyMtx.RUnlock()

	var value []byte
	if err := s.db.View(func(tx *bolt.Tx) error {
		bucket, err := s.bucket(tx, bucketKey)
		if err != nil {
			return err
		}

		encryptedValue := bucket.Get(key)
		if len(encryptedValue) <= 0 {
			return nil
		}

		v, err := s.encKey.Decrypt(encryptedValue)
		if err != nil {
			return err
		}
		value = make([]byte, len(v))
		copy(value, v)
		return nil
	}); err != nil {
		return nil, err
	}

	return value, nil
}

// GetAllFromBucket returns all data stored in the given bucket, nested
// buckets excluded. If the bucket key is nil, the root bucket is used.
func (s *boltSecureStorage) GetAllFromBucket(bucketKey []byte) (map[string][]byte, error) {
	if s.IsLocked() {
		return nil, ErrStoreLocked
	}

	s.encKeyMtx.RLock()
	defer s.encKeyMtx.RUnlock()

	res := make(map[string][]byte)
	if err := s.db.View(func(tx *bolt.Tx) error {
		bucket, err := s.bucket(tx, bucketKey)
		if err != nil {
			return err
		}

		return bucket.ForEach(func(k, v []byte) error {
			if bytes.Equal(k, encryptionKeyID) || v == nil {
				return nil
			}
			value, err := s.encKey.Decrypt(v)
			if err != nil {
				return err
			}
			res[string(k)] = value
			return nil
		})
	}); err != nil {
		return nil, err
	}

	return res, nil
}

func (s *boltSecureStorage) ListBuckets() ([][]byte, error) {
	if s.IsLocked() {
		return nil, ErrStoreLocked
	}

	var bucketKeys [][]byte
	if err := s.db.View(func(tx *bolt.Tx) error {
		root := tx.Bucket(RootKeyBucketName)
		if root == nil {
			return ErrRootKeyBucketNotFound
		}

		return root.ForEach(func(key, value []byte) error {
			if value == nil {
				bucketKey := make([]byte, len(key))
				copy(bucketKey, key)
				bucketKeys = append(bucketKeys, bucketKey)
			}
			return nil
		})
	}); err != nil {
		return nil, err
	}

	return bucketKeys, nil
}

// RemoveFromBucket removes the entry identified by the given key for the given
// bucket. If bucket key is nil, the entry is removed from the root bucket.
func (s *boltSecureStorage) RemoveFromBucket(bucketKey, key []byte) error {
	if s.IsLocked() {
		return ErrStoreLocked
	}
	if len(key) <= 0 {
		return ErrMissingDataKey
	}
	if bytes.Equal(key, encryptionKeyID) {
		return ErrForbiddenDataKey
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		bucket, err := s.bucket(tx, bucketKey)
		if err != nil {
			return err
		}
		return bucket.Delete(key)
	})
}

func (s *boltSecureStorage) RemoveBucket(key []byte) error {
	if s.IsLocked() {
		return ErrStoreLocked
	}
	if len(key) <= 0 {
		return ErrMissingBucketKey
	}
	if bytes.Equal(key, encryptionKeyID) {
		return ErrForbiddenBucketKey
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		root := tx.Bucket(RootKeyBucketName)
		if root == nil {
			return ErrRootKeyBucketNotFound
		}
		if err := root.DeleteBucket(key); err != nil {
			if err == bolt.ErrBucketNotFound {
				return ErrBucketNotFound
			}
			return err
		}
		return nil
	})
}

// Close closes the underlying database and zeroes the encryption key stored
// in memory.
func (s *boltSecureStorage) Close() error {
	s.encKeyMtx.Lock()
	defer s.encKeyMtx.Unlock()

	s.lock()
	return s.db.Close()
}

func (s *boltSecureStorage) lock() {
	if s.encKey != nil {
		s.encKey.Zero()
		s.encKey = nil
	}
}

func (s *boltSecureStorage) bucket(tx *bolt.Tx, bucketKey []byte) (*bolt.Bucket, error) {
	root := tx.Bucket(RootKeyBucketName)
	if root == nil {
		return nil, ErrRootKeyBucketNotFound
	}
	if len(bucketKey) <= 0 {
		return root, nil
	}

	bucket := root.Bucket(bucketKey)
	if bucket == nil {
		return nil, ErrBucketNotFound
	}
	return bucket, nil
}

func reencryptBucket(bucket *bolt.Bucket, oldKey, newKey *snacl.SecretKey) error {
	type entry struct{ key, value []byte }

	entries := make([]entry, 0)
	nested := make([][]byte, 0)
	if err := bucket.ForEach(func(k, v []byte) error {
		if bytes.Equal(k, encryptionKeyID) {
			return nil
		}
		if v == nil {
			nested = append(nested, append([]byte{}, k...))
			return nil
		}
		plain, err := oldKey.Decrypt(v)
		if err != nil {
			return err
		}
		entries = append(entries, entry{append([]byte{}, k...), plain})
		return nil
	}); err != nil {
		return err
	}

	for _, e := range entries {
		encrypted, err := newKey.Encrypt(e.value)
		if err != nil {
			return err
		}
		if err := bucket.Put(e.key, encrypted); err != nil {
			return err
		}
	}
	for _, k := range nested {
		if err := reencryptBucket(bucket.Bucket(k), oldKey, newKey); err != nil {
			return err
		}
	}
	return nil
}
