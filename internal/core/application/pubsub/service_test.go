package pubsub_test

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/tdex-network/tdex-p2p/internal/core/application/pubsub"
	"github.com/tdex-network/tdex-p2p/internal/core/application/trade"
	"github.com/tdex-network/tdex-p2p/internal/core/domain"
	"github.com/tdex-network/tdex-p2p/internal/core/ports"
)

func TestPublishTradeEvent(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name          string
		event         trade.TradeEvent
		expectedTopic string
		expectedKeys  []string
	}{
		{
			name: "state changed",
			event: trade.TradeEvent{
				Type:          trade.TradeStateChanged,
				PreviousState: domain.ProcessStateFeeTxPublished,
				Trade:         newTestTrade(domain.ProcessStateDepositPublished, ""),
			},
			expectedTopic: "TRADE_STATE_CHANGED",
			expectedKeys:  []string{"deposit_txid"},
		},
		{
			name: "completed",
			event: trade.TradeEvent{
				Type:          trade.TradeCompleted,
				PreviousState: domain.ProcessStatePayoutPublished,
				Trade:         newTestTrade(domain.ProcessStatePayoutPublishedMsgSent, ""),
			},
			expectedTopic: "TRADE_COMPLETED",
			expectedKeys:  []string{"deposit_txid", "payout_txid"},
		},
		{
			name: "failed",
			event: trade.TradeEvent{
				Type:          trade.TradeFailed,
				PreviousState: domain.ProcessStateFeeTxPublished,
				Trade:         newTestTrade(domain.ProcessStateTimeout, "deposit tx not published in time"),
			},
			expectedTopic: "TRADE_FAILED",
			expectedKeys:  []string{"error"},
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			securePubSub := &mockSecurePubSub{}
			securePubSub.On("Publish", tt.expectedTopic, mock.Anything).Return(nil)

			svc, err := pubsub.NewService(securePubSub)
			require.NoError(t, err)

			err = svc.PublishTradeEvent(tt.event)
			require.NoError(t, err)
			securePubSub.AssertExpectations(t)

			payload := map[string]interface{}{}
			message := securePubSub.Calls[0].Arguments.String(1)
			require.NoError(t, json.Unmarshal([]byte(message), &payload))
			require.Equal(t, tt.expectedTopic, payload["event"])
			require.Equal(t, tt.event.Trade.ID, payload["trade_id"])
			require.Equal(t, tt.event.Trade.State.String(), payload["state"])
			require.Equal(t, tt.event.PreviousState.String(), payload["previous_state"])
			for _, key := range tt.expectedKeys {
				require.Contains(t, payload, key)
			}
		})
	}
}

func TestForwardEvents(t *testing.T) {
	t.Parallel()

	securePubSub := &mockSecurePubSub{}
	securePubSub.On("Publish", mock.Anything, mock.Anything).Return(nil)
	securePubSub.On("Store").Return(&mockStore{})

	svc, err := pubsub.NewService(securePubSub)
	require.NoError(t, err)

	sub := newTestSubscription()
	require.NoError(t, svc.Start(sub))
	require.ErrorIs(t, svc.Start(sub), pubsub.ErrAlreadyStarted)

	sub.ch <- trade.TradeEvent{
		Type:  trade.TradeStateChanged,
		Trade: newTestTrade(domain.ProcessStateFeeTxPublished, ""),
	}
	sub.ch <- trade.TradeEvent{
		Type:  trade.TradeFailed,
		Trade: newTestTrade(domain.ProcessStateException, "trade abandoned"),
	}

	require.Eventually(t, func() bool {
		return len(securePubSub.publishedTopics()) == 2
	}, time.Second, 10*time.Millisecond)
	require.Equal(
		t, []string{"TRADE_STATE_CHANGED", "TRADE_FAILED"},
		securePubSub.publishedTopics(),
	)

	svc.Close()
	require.True(t, sub.isClosed())
}

func TestWebhooks(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	endpoint := "http://localhost:8080/hook"

	securePubSub := &mockSecurePubSub{}
	securePubSub.On("Subscribe", "TRADE_COMPLETED", endpoint, "secret").
		Return("hook-id", nil)
	securePubSub.On("Unsubscribe", ports.UnspecifiedTopic, "hook-id").Return(nil)
	securePubSub.On("ListSubscriptionsForTopic", "TRADE_COMPLETED").
		Return([]ports.Subscription{
			testSubscription{"hook-id", "TRADE_COMPLETED", endpoint, true},
			testSubscription{"any-id", ports.AnyTopic, endpoint, false},
		})

	svc, err := pubsub.NewService(securePubSub)
	require.NoError(t, err)

	id, err := svc.AddWebhook(ctx, "TRADE_COMPLETED", endpoint, "secret")
	require.NoError(t, err)
	require.Equal(t, "hook-id", id)

	_, err = svc.AddWebhook(ctx, "TRADE_SETTLED", endpoint, "")
	require.ErrorIs(t, err, pubsub.ErrInvalidEvent)

	hooks, err := svc.ListWebhooks(ctx, "TRADE_COMPLETED")
	require.NoError(t, err)
	require.Len(t, hooks, 2)
	require.Equal(t, pubsub.WebhookInfo{
		ID:        "hook-id",
		Event:     "TRADE_COMPLETED",
		Endpoint:  endpoint,
		IsSecured: true,
	}, hooks[0])

	_, err = svc.ListWebhooks(ctx, "ACCOUNT_DEPOSIT")
	require.ErrorIs(t, err, pubsub.ErrInvalidEvent)

	require.NoError(t, svc.RemoveWebhook(ctx, "hook-id"))
	securePubSub.AssertExpectations(t)
}

func TestFailingNewService(t *testing.T) {
	t.Parallel()

	svc, err := pubsub.NewService(nil)
	require.Error(t, err)
	require.Nil(t, svc)
}

func newTestTrade(state domain.ProcessState, errMsg string) domain.Trade {
	id := uuid.New().String()
	t := domain.Trade{
		ID: id,
		Offer: domain.Offer{
			ID:            id,
			Direction:     domain.DirectionSeller,
			Amount:        1000000,
			Price:         decimal.NewFromInt(30000),
			CurrencyCode:  "EUR",
			PaymentMethod: "SEPA",
		},
		Role:         domain.Role{Side: domain.SideMaker, Direction: domain.DirectionSeller},
		State:        state,
		Amount:       1000000,
		Price:        decimal.NewFromInt(30000),
		TradingPeer:  domain.TradingPeer{NodeAddress: domain.NodeAddress{Host: "peer.onion", Port: 9999}},
		ErrorMessage: errMsg,
		UpdateTime:   time.Now().Unix(),
	}
	if state >= domain.ProcessStateDepositPublished && !state.IsFailure() {
		t.DepositTxID = uuid.New().String()
	}
	if state >= domain.ProcessStatePayoutPublished && !state.IsFailure() {
		t.PayoutTxID = uuid.New().String()
	}
	return t
}

type mockSecurePubSub struct {
	mock.Mock

	lock   sync.Mutex
	topics []string
}

func (m *mockSecurePubSub) Store() ports.PubSubStore {
	args := m.Called()
	return args.Get(0).(ports.PubSubStore)
}

func (m *mockSecurePubSub) Subscribe(topic, endpoint, secret string) (string, error) {
	args := m.Called(topic, endpoint, secret)
	return args.String(0), args.Error(1)
}

func (m *mockSecurePubSub) SubscribeWithID(id, topic, endpoint, secret string) (string, error) {
	args := m.Called(id, topic, endpoint, secret)
	return args.String(0), args.Error(1)
}

func (m *mockSecurePubSub) Unsubscribe(topic, id string) error {
	args := m.Called(topic, id)
	return args.Error(0)
}

func (m *mockSecurePubSub) ListSubscriptionsForTopic(topic string) []ports.Subscription {
	args := m.Called(topic)
	if a := args.Get(0); a != nil {
		return a.([]ports.Subscription)
	}
	return nil
}

func (m *mockSecurePubSub) Publish(topic string, message string) error {
	m.lock.Lock()
	m.topics = append(m.topics, topic)
	m.lock.Unlock()

	args := m.Called(topic, message)
	return args.Error(0)
}

func (m *mockSecurePubSub) publishedTopics() []string {
	m.lock.Lock()
	defer m.lock.Unlock()
	return append([]string{}, m.topics...)
}

type mockStore struct {
	ports.PubSubStore
}

func (mockStore) Close() error { return nil }

type testSubscription struct {
	id        string
	topic     string
	endpoint  string
	isSecured bool
}

func (s testSubscription) Topic() string    { return s.topic }
func (s testSubscription) Id() string       { return s.id }
func (s testSubscription) IsSecured() bool  { return s.isSecured }
func (s testSubscription) NotifyAt() string { return s.endpoint }

type testEventSubscription struct {
	ch     chan trade.TradeEvent
	once   sync.Once
	closed chan struct{}
}

func newTestSubscription() *testEventSubscription {
	return &testEventSubscription{
		ch:     make(chan trade.TradeEvent, 10),
		closed: make(chan struct{}),
	}
}

func (s *testEventSubscription) C() <-chan trade.TradeEvent {
	return s.ch
}

func (s *testEventSubscription) Close() {
	s.once.Do(func() {
		close(s.ch)
		close(s.closed)
	})
}

func (s *testEventSubscription) isClosed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}
