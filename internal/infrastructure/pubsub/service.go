package pubsub

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/golang-jwt/jwt"
	log "github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"
	"github.com/tdex-network/tdex-p2p/internal/core/ports"
	"github.com/tdex-network/tdex-p2p/pkg/circuitbreaker"
	"github.com/tdex-network/tdex-p2p/pkg/securestore"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultRequestTimeout = 15 * time.Second

	tokenLifetime = 5 * time.Minute
)

// service is a SecurePubSub notifying subscribers through webhooks. The
// subscriptions, and their secrets, are kept in an encrypted store.
type service struct {
	store          store
	httpClient     *client
	requestTimeout time.Duration

	// one breaker per endpoint, so that a dead webhook doesn't stop
	// notifications to the others.
	breakers sync.Map
}

func NewService(
	secureStore securestore.SecureStorage, requestTimeout time.Duration,
) (ports.SecurePubSub, error) {
	if secureStore == nil {
		return nil, fmt.Errorf("missing secure store")
	}
	if requestTimeout <= 0 {
		requestTimeout = DefaultRequestTimeout
	}

	return &service{
		store:          store{secureStore},
		httpClient:     newHTTPClient(requestTimeout),
		requestTimeout: requestTimeout,
	}, nil
}

func (ws *service) Store() ports.PubSubStore {
	return ws.store
}

func (ws *service) Subscribe(topic, endpoint, secret string) (string, error) {
	sub, err := NewSubscription(topic, endpoint, secret)
	if err != nil {
		return "", err
	}

	return ws.addSubscription(sub)
}

func (ws *service) SubscribeWithID(id, topic, endpoint, secret string) (string, error) {
	sub, err := NewSubscription(topic, endpoint, secret)
	if err != nil {
		return "", err
	}
	if id != "" {
		sub.ID = id
	}

	return ws.addSubscription(sub)
}

func (ws *service) Unsubscribe(_, id string) error {
	return ws.removeSubscription(id)
}

func (ws *service) ListSubscriptionsForTopic(topic string) []ports.Subscription {
	return ws.listSubscriptionsForTopic(topic).toPortable()
}

func (ws *service) Publish(topic string, message string) error {
	if ws.store.IsLocked() {
		return ErrStoreLocked
	}
	return ws.publishForTopic(topic, message)
}

func (ws *service) addSubscription(sub *Subscription) (string, error) {
	if ws.store.IsLocked() {
		return "", ErrStoreLocked
	}

	subID := []byte(sub.ID)
	ss, err := ws.store.db().GetFromBucket(subsBucket, subID)
	if err != nil {
		return "", err
	}
	if ss != nil {
		return sub.ID, nil
	}

	if err := ws.store.db().AddToBucket(subsBucket, subID, sub.Serialize()); err != nil {
		return "", err
	}
	if err := ws.addSubscriptionForTopic(sub); err != nil {
		return "", err
	}

	log.WithField("topic", sub.Event).Debugf("added subscription %s", sub.ID)
	return sub.ID, nil
}

func (ws *service) removeSubscription(subID string) error {
	if ws.store.IsLocked() {
		return ErrStoreLocked
	}

	buf, err := ws.store.db().GetFromBucket(subsBucket, []byte(subID))
	if err != nil {
		return err
	}
	if buf == nil {
		return ErrSubscriptionNotFound
	}

	if err := ws.store.db().RemoveFromBucket(subsBucket, []byte(subID)); err != nil {
		return err
	}

	sub, err := NewSubscriptionFromBytes(buf)
	if err != nil {
		return err
	}
	return ws.removeSubscriptionForTopic(sub)
}

func (ws *service) listSubscriptionsForTopic(topic string) subscriptions {
	subs := ws.getSubscriptionsForTopic(topic)
	if topic != ports.AnyTopic && topic != ports.UnspecifiedTopic {
		subsForAnyTopic := ws.getSubscriptionsForTopic(ports.AnyTopic)
		subs = append(subs, subsForAnyTopic...)
	}
	return subs
}

func (ws *service) publishForTopic(topic, message string) error {
	subs := ws.listSubscriptionsForTopic(topic)

	eg := &errgroup.Group{}
	for i := range subs {
		sub := subs[i]
		eg.Go(func() error {
			if err := ws.doRequest(sub, message); err != nil {
				log.WithError(err).WithFields(log.Fields{
					"topic":    topic,
					"endpoint": sub.Endpoint,
				}).Warn("failed to notify subscriber")
				return err
			}
			return nil
		})
	}
	return eg.Wait()
}

func (ws *service) addSubscriptionForTopic(sub *Subscription) error {
	key := []byte(sub.Event)
	subs := ws.getSerializedSubscriptions(sub.Event)
	subs = append(subs, sub.Serialize())
	return ws.store.db().AddToBucket(subsByEventBucket, key, bytes.Join(subs, separator))
}

func (ws *service) removeSubscriptionForTopic(sub *Subscription) error {
	subs := ws.getSerializedSubscriptions(sub.Event)

	index := -1
	for i, buf := range subs {
		ss, err := NewSubscriptionFromBytes(buf)
		if err == nil && ss.ID == sub.ID {
			index = i
			break
		}
	}
	if index < 0 {
		return nil
	}

	key := []byte(sub.Event)
	subs = append(subs[:index], subs[index+1:]...)

	if len(subs) <= 0 {
		return ws.store.db().RemoveFromBucket(subsByEventBucket, key)
	}
	return ws.store.db().AddToBucket(subsByEventBucket, key, bytes.Join(subs, separator))
}

func (ws *service) getSubscriptionsForTopic(topic string) subscriptions {
	rawSubs := ws.getSerializedSubscriptions(topic)
	subs := make(subscriptions, 0, len(rawSubs))
	for _, buf := range rawSubs {
		sub, err := NewSubscriptionFromBytes(buf)
		if err != nil {
			log.WithError(err).Warn("skipping malformed subscription")
			continue
		}
		subs = append(subs, *sub)
	}
	sort.SliceStable(subs, func(i, j int) bool {
		return subs[i].ID < subs[j].ID
	})
	return subs
}

func (ws *service) getSerializedSubscriptions(topic string) [][]byte {
	if topic == ports.UnspecifiedTopic {
		subs := make([][]byte, 0)
		subsByTopic, _ := ws.store.db().GetAllFromBucket(subsByEventBucket)
		for _, list := range subsByTopic {
			subs = append(subs, bytes.Split(list, separator)...)
		}
		return subs
	}

	key := []byte(topic)
	subs, _ := ws.store.db().GetFromBucket(subsByEventBucket, key)
	if len(subs) <= 0 {
		return nil
	}
	return bytes.Split(subs, separator)
}

func (ws *service) doRequest(sub Subscription, payload string) error {
	cb := ws.breakerFor(sub.Endpoint)
	_, err := cb.Execute(func() (interface{}, error) {
		headers := map[string]string{
			"Content-Type": "application/json",
		}
		if sub.IsSecured() {
			token, err := newToken(sub)
			if err != nil {
				return nil, err
			}
			headers["Authorization"] = fmt.Sprintf("Bearer %s", token)
		}

		ctx, cancel := context.WithTimeout(context.Background(), ws.requestTimeout)
		defer cancel()

		status, resp, err := ws.httpClient.post(ctx, sub.Endpoint, payload, headers)
		if err != nil {
			return nil, err
		}
		if status != http.StatusOK {
			return nil, fmt.Errorf("endpoint returned status %d: %s", status, resp)
		}
		return nil, nil
	})

	return err
}

func (ws *service) breakerFor(endpoint string) *gobreaker.CircuitBreaker {
	if cb, ok := ws.breakers.Load(endpoint); ok {
		return cb.(*gobreaker.CircuitBreaker)
	}
	cb, _ := ws.breakers.LoadOrStore(
		endpoint, circuitbreaker.NewCircuitBreaker("webhook "+endpoint),
	)
	return cb.(*gobreaker.CircuitBreaker)
}

// newToken returns a short lived HS256 token signed with the subscription
// secret, so that the endpoint can authenticate the notification.
func newToken(sub Subscription) (string, error) {
	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":   sub.ID,
		"topic": sub.Event,
		"iat":   now.Unix(),
		"exp":   now.Add(tokenLifetime).Unix(),
	})
	return token.SignedString([]byte(sub.Secret))
}
