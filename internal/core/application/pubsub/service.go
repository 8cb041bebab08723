package pubsub

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	log "github.com/sirupsen/logrus"
	"github.com/tdex-network/tdex-p2p/internal/core/application/trade"
	"github.com/tdex-network/tdex-p2p/internal/core/ports"
)

var (
	ErrInvalidEvent   = errors.New("invalid webhook event type")
	ErrAlreadyStarted = errors.New("pubsub service already started")
)

var events = map[string]bool{
	trade.TradeStateChanged.String(): true,
	trade.TradeCompleted.String():    true,
	trade.TradeFailed.String():       true,
	ports.AnyTopic:                   true,
}

// EventSubscription is the stream of trade events returned by the trade
// service Subscribe method.
type EventSubscription interface {
	C() <-chan trade.TradeEvent
	Close()
}

// Service forwards the trade events to the webhooks subscribed for them.
type Service struct {
	pubsub ports.SecurePubSub

	lock sync.Mutex
	sub  EventSubscription
	wg   sync.WaitGroup
}

func NewService(pubsub ports.SecurePubSub) (*Service, error) {
	if pubsub == nil {
		return nil, errors.New("missing secure pubsub")
	}
	return &Service{pubsub: pubsub}, nil
}

func (s *Service) SecurePubSub() ports.SecurePubSub {
	return s.pubsub
}

// Start publishes every event received through the subscription until Stop
// is called.
func (s *Service) Start(sub EventSubscription) error {
	s.lock.Lock()
	defer s.lock.Unlock()

	if s.sub != nil {
		return ErrAlreadyStarted
	}

	s.sub = sub
	s.wg.Add(1)
	go s.listen(s.sub)
	return nil
}

func (s *Service) Stop() {
	s.lock.Lock()
	sub := s.sub
	s.sub = nil
	s.lock.Unlock()

	if sub != nil {
		sub.Close()
	}
	s.wg.Wait()
}

// Close stops forwarding events and closes the subscription store.
func (s *Service) Close() {
	s.Stop()
	if err := s.pubsub.Store().Close(); err != nil {
		log.WithError(err).Warn("failed to close pubsub store")
	}
}

func (s *Service) AddWebhook(
	_ context.Context, event, endpoint, secret string,
) (string, error) {
	if !events[event] {
		return "", ErrInvalidEvent
	}
	return s.pubsub.Subscribe(event, endpoint, secret)
}

func (s *Service) RemoveWebhook(_ context.Context, id string) error {
	return s.pubsub.Unsubscribe(ports.UnspecifiedTopic, id)
}

// ListWebhooks returns the webhooks notified for the given event, including
// those subscribed for any event. An empty event lists them all.
func (s *Service) ListWebhooks(
	_ context.Context, event string,
) ([]WebhookInfo, error) {
	if event != ports.UnspecifiedTopic && !events[event] {
		return nil, ErrInvalidEvent
	}

	subs := s.pubsub.ListSubscriptionsForTopic(event)
	webhooks := make([]WebhookInfo, 0, len(subs))
	for _, sub := range subs {
		webhooks = append(webhooks, WebhookInfo{
			ID:        sub.Id(),
			Event:     sub.Topic(),
			Endpoint:  sub.NotifyAt(),
			IsSecured: sub.IsSecured(),
		})
	}
	return webhooks, nil
}

// PublishTradeEvent notifies the webhooks subscribed for the type of the
// event.
func (s *Service) PublishTradeEvent(event trade.TradeEvent) error {
	topic := event.Type.String()
	message, err := json.Marshal(getTradeEventPayload(event))
	if err != nil {
		return err
	}
	return s.pubsub.Publish(topic, string(message))
}

func (s *Service) listen(sub EventSubscription) {
	defer s.wg.Done()

	for event := range sub.C() {
		if err := s.PublishTradeEvent(event); err != nil {
			log.WithError(err).WithField("trade", event.Trade.ID).Warnf(
				"failed to publish %s event", event.Type,
			)
		}
	}
}

type WebhookInfo struct {
	ID        string
	Event     string
	Endpoint  string
	IsSecured bool
}
