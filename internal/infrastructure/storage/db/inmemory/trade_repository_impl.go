package inmemory

import (
	"context"
	"sort"
	"sync"

	"github.com/tdex-network/tdex-p2p/internal/core/domain"
)

type tradeRepositoryImpl struct {
	locker *sync.RWMutex
	trades map[string]domain.Trade
}

// NewTradeRepositoryImpl returns a new inmemory TradeRepository implementation.
func NewTradeRepositoryImpl() domain.TradeRepository {
	return &tradeRepositoryImpl{
		locker: &sync.RWMutex{},
		trades: make(map[string]domain.Trade),
	}
}

func (r *tradeRepositoryImpl) AddTrade(
	_ context.Context, trade *domain.Trade,
) error {
	r.locker.Lock()
	defer r.locker.Unlock()

	if _, ok := r.trades[trade.ID]; ok {
		return domain.ErrTradeAlreadyExists
	}
	r.trades[trade.ID] = copyTrade(*trade)
	return nil
}

func (r *tradeRepositoryImpl) GetTrade(
	_ context.Context, tradeID string,
) (*domain.Trade, error) {
	r.locker.RLock()
	defer r.locker.RUnlock()

	return r.getTrade(tradeID)
}

func (r *tradeRepositoryImpl) GetAllTrades(
	_ context.Context,
) ([]*domain.Trade, error) {
	r.locker.RLock()
	defer r.locker.RUnlock()

	return r.findTrades(func(*domain.Trade) bool { return true }), nil
}

func (r *tradeRepositoryImpl) GetActiveTrades(
	_ context.Context,
) ([]*domain.Trade, error) {
	r.locker.RLock()
	defer r.locker.RUnlock()

	return r.findTrades(func(t *domain.Trade) bool { return !t.Archived }), nil
}

func (r *tradeRepositoryImpl) GetTradeWithTxID(
	_ context.Context, txID string,
) (*domain.Trade, error) {
	r.locker.RLock()
	defer r.locker.RUnlock()

	if txID == "" {
		return nil, domain.ErrTradeNotFound
	}

	trades := r.findTrades(func(t *domain.Trade) bool {
		return t.DepositTxID == txID || t.PayoutTxID == txID
	})
	if len(trades) <= 0 {
		return nil, domain.ErrTradeNotFound
	}
	return trades[0], nil
}

func (r *tradeRepositoryImpl) UpdateTrade(
	_ context.Context,
	tradeID string,
	updateFn func(t *domain.Trade) (*domain.Trade, error),
) error {
	r.locker.Lock()
	defer r.locker.Unlock()

	trade, err := r.getTrade(tradeID)
	if err != nil {
		return err
	}

	updatedTrade, err := updateFn(trade)
	if err != nil {
		return err
	}

	r.trades[tradeID] = copyTrade(*updatedTrade)
	return nil
}

func (r *tradeRepositoryImpl) getTrade(tradeID string) (*domain.Trade, error) {
	trade, ok := r.trades[tradeID]
	if !ok {
		return nil, domain.ErrTradeNotFound
	}
	t := copyTrade(trade)
	return &t, nil
}

func (r *tradeRepositoryImpl) findTrades(
	filter func(t *domain.Trade) bool,
) []*domain.Trade {
	trades := make([]*domain.Trade, 0, len(r.trades))
	for _, trade := range r.trades {
		t := copyTrade(trade)
		if filter(&t) {
			trades = append(trades, &t)
		}
	}
	sort.SliceStable(trades, func(i, j int) bool {
		if trades[i].CreationTime == trades[j].CreationTime {
			return trades[i].ID < trades[j].ID
		}
		return trades[i].CreationTime < trades[j].CreationTime
	})
	return trades
}

// copyTrade makes sure that callers never share mutable state with the
// stored trade.
func copyTrade(t domain.Trade) domain.Trade {
	t.ProcessedUIDs = append([]string(nil), t.ProcessedUIDs...)
	if t.Contract != nil {
		c := *t.Contract
		t.Contract = &c
	}
	return t
}
