package pubsub

import (
	"github.com/tdex-network/tdex-p2p/pkg/securestore"
)

var (
	subsBucket        = []byte("subscriptions")
	subsByEventBucket = []byte("subscriptionsbyevent")

	// Neither the secret (hex or jwt-like string) nor the endpoint (http url)
	// of a subscription can contain this byte.
	separator = []byte{255}
)

// store wraps the secure storage with the bucket layout of the pubsub
// service.
type store struct {
	store securestore.SecureStorage
}

func (s store) IsLocked() bool {
	return s.store.IsLocked()
}

// Init creates the buckets of the service and leaves the store locked.
func (s store) Init(password string) error {
	if err := s.Unlock(password); err != nil {
		return err
	}
	s.Lock()
	return nil
}

func (s store) Lock() {
	s.store.Lock()
}

// Unlock unlocks the storage, creating the missing buckets if needed.
func (s store) Unlock(password string) error {
	pwd := []byte(password)
	if err := s.store.CreateUnlock(&pwd); err != nil {
		return err
	}
	buckets, err := s.store.ListBuckets()
	if err != nil {
		return err
	}

	found := make(map[string]bool, len(buckets))
	for _, bucket := range buckets {
		found[string(bucket)] = true
	}
	for _, bucket := range [][]byte{subsBucket, subsByEventBucket} {
		if found[string(bucket)] {
			continue
		}
		if err := s.store.CreateBucket(bucket); err != nil {
			return err
		}
	}
	return nil
}

func (s store) ChangePassword(oldPwd, newPwd string) error {
	return s.store.ChangePassword([]byte(oldPwd), []byte(newPwd))
}

func (s store) Close() error {
	return s.store.Close()
}

func (s store) db() securestore.SecureStorage {
	return s.store
}
