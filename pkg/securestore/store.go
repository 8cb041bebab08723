package securestore

// SecureStorage is a key/value store that encrypts the values of its pairs
// with a secret derived from a password. It backs the node keyring and the
// webhook subscriptions.
type SecureStorage interface {
	// Lock flushes the in-memory encryption key.
	Lock()
	// Close closes the connection to the DB.
	Close() (err error)
	// IsLocked returns whether the DB is (un)locked.
	IsLocked() (locked bool)
	// CreateUnlock creates or unlocks the DB with a password.
	CreateUnlock(password *[]byte) (err error)
	// ChangePassword re-encrypts every value with a key derived from newPw.
	ChangePassword(oldPw, newPw []byte) (err error)
	// CreateBucket creates a nested bucket (a collection of key/value pairs).
	CreateBucket(key []byte) (err error)
	// AddToBucket adds the key/value entry to some bucket.
	AddToBucket(bucketKey, key, value []byte) (err error)
	// GetFromBucket retrieves a key/value entry from some bucket. A missing
	// entry is not an error, the returned value is nil.
	GetFromBucket(bucketKey, key []byte) (value []byte, err error)
	// GetAllFromBucket retrieves all key/value pairs contained by a bucket.
	GetAllFromBucket(bucketKey []byte) (valuesByKey map[string][]byte, err error)
	// ListBuckets returns the list of all buckets in the DB.
	ListBuckets() (bucketKeys [][]byte, err error)
	// RemoveFromBucket removes a key/value pair from a bucket.
	RemoveFromBucket(bucketKey, key []byte) (err error)
	// RemoveBucket removes a bucket from the root one.
	RemoveBucket(bucketKey []byte) (err error)
}
