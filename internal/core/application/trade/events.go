package trade

import (
	"sync"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"github.com/tdex-network/tdex-p2p/internal/core/domain"
)

// EventType is the kind of a TradeEvent.
type EventType int

const (
	TradeStateChanged EventType = iota
	TradeCompleted
	TradeFailed
)

func (t EventType) String() string {
	switch t {
	case TradeCompleted:
		return "TRADE_COMPLETED"
	case TradeFailed:
		return "TRADE_FAILED"
	default:
		return "TRADE_STATE_CHANGED"
	}
}

// TradeEvent notifies about a trade moving to a new state. Trade is a copy
// taken right after the transition.
type TradeEvent struct {
	Type          EventType
	PreviousState domain.ProcessState
	Trade         domain.Trade
}

const defaultSubscriptionBuffer = 64

// Subscription receives the events of every trade until closed.
type Subscription struct {
	id       string
	registry *registry
	ch       chan TradeEvent
}

func (s *Subscription) ID() string {
	return s.id
}

// C returns the channel the events are sent through. It's closed once the
// subscription is closed.
func (s *Subscription) C() <-chan TradeEvent {
	return s.ch
}

func (s *Subscription) Close() {
	s.registry.remove(s.id)
}

type registry struct {
	lock sync.Mutex
	subs map[string]*Subscription
}

func newRegistry() *registry {
	return &registry{subs: make(map[string]*Subscription)}
}

func (r *registry) add(buffer int) *Subscription {
	if buffer <= 0 {
		buffer = defaultSubscriptionBuffer
	}
	sub := &Subscription{
		id:       uuid.New().String(),
		registry: r,
		ch:       make(chan TradeEvent, buffer),
	}

	r.lock.Lock()
	defer r.lock.Unlock()

	r.subs[sub.id] = sub
	return sub
}

func (r *registry) remove(id string) {
	r.lock.Lock()
	defer r.lock.Unlock()

	if sub, ok := r.subs[id]; ok {
		delete(r.subs, id)
		close(sub.ch)
	}
}

func (r *registry) closeAll() {
	r.lock.Lock()
	defer r.lock.Unlock()

	for id, sub := range r.subs {
		delete(r.subs, id)
		close(sub.ch)
	}
}

// publish never blocks, slow subscribers miss events.
func (r *registry) publish(event TradeEvent) {
	r.lock.Lock()
	defer r.lock.Unlock()

	for _, sub := range r.subs {
		select {
		case sub.ch <- event:
		default:
			log.WithField("trade", event.Trade.ID).Warnf(
				"subscription %s is full, dropping %s event", sub.id, event.Type,
			)
		}
	}
}

func eventTypeFor(trade *domain.Trade) EventType {
	switch {
	case trade.IsFailed():
		return TradeFailed
	case trade.IsTerminal():
		return TradeCompleted
	default:
		return TradeStateChanged
	}
}
