package ports

// Webhook topics are the names of the trade event types. AnyTopic matches
// every event, UnspecifiedTopic is used to look up or remove a webhook
// without knowing the event it was registered for.
const (
	AnyTopic         = "*"
	UnspecifiedTopic = ""
)

// Subscription is a webhook registered for a trade event topic.
type Subscription interface {
	Topic() string
	Id() string
	// IsSecured returns whether the notifications are signed with the secret
	// shared with the endpoint.
	IsSecured() bool
	// NotifyAt returns the endpoint the trade events are posted to.
	NotifyAt() string
}

// PubSubStore persists the webhooks across restarts of the daemon. It can be
// encrypted with a password, in which case it must be unlocked before use.
type PubSubStore interface {
	Init(password string) error
	IsLocked() bool
	Lock()
	Unlock(password string) error
	ChangePassword(oldPwd, newPwd string) error
	Close() error
}

// SecurePubSub notifies the webhooks subscribed for a topic whenever a trade
// event is published for it.
type SecurePubSub interface {
	Store() PubSubStore
	// Subscribe registers the endpoint for the topic and returns the id of
	// the new webhook. An empty secret leaves its notifications unsigned.
	Subscribe(topic, endpoint, secret string) (string, error)
	// SubscribeWithID restores a webhook with a known id.
	SubscribeWithID(id, topic, endpoint, secret string) (string, error)
	// Unsubscribe removes the webhook, topic can be UnspecifiedTopic.
	Unsubscribe(topic, id string) error
	// ListSubscriptionsForTopic returns the webhooks of the topic together
	// with those registered for AnyTopic. UnspecifiedTopic returns them all.
	ListSubscriptionsForTopic(topic string) []Subscription
	// Publish posts the serialized trade event to every webhook of the topic.
	Publish(topic string, message string) error
}
