package pubsub

import "errors"

var (
	// ErrMissingTopic is returned when subscribing without a topic.
	ErrMissingTopic = errors.New("missing subscription topic")
	// ErrInvalidEndpoint is returned when the webhook endpoint is not a valid
	// absolute URL.
	ErrInvalidEndpoint = errors.New("invalid webhook endpoint, must be a valid URI")
	// ErrSubscriptionNotFound is returned when unsubscribing an unknown id.
	ErrSubscriptionNotFound = errors.New("subscription not found")
	// ErrStoreLocked is returned by any operation requiring the store to be
	// unlocked.
	ErrStoreLocked = errors.New("pubsub store is locked")
)
