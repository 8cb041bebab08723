package dbbadger

import (
	"context"
	"errors"
	"sort"

	"github.com/tdex-network/tdex-p2p/internal/core/domain"
	"github.com/timshannon/badgerhold/v4"
)

type tradeRepositoryImpl struct {
	store *badgerhold.Store
}

// NewTradeRepositoryImpl returns a badger implementation of
// domain.TradeRepository.
func NewTradeRepositoryImpl(store *badgerhold.Store) domain.TradeRepository {
	return tradeRepositoryImpl{store}
}

func (t tradeRepositoryImpl) AddTrade(
	ctx context.Context, trade *domain.Trade,
) error {
	return t.insertTrade(ctx, *trade)
}

func (t tradeRepositoryImpl) GetTrade(
	ctx context.Context, tradeID string,
) (*domain.Trade, error) {
	return t.getTrade(ctx, tradeID)
}

func (t tradeRepositoryImpl) GetAllTrades(
	ctx context.Context,
) ([]*domain.Trade, error) {
	return t.findTrades(ctx, nil)
}

func (t tradeRepositoryImpl) GetActiveTrades(
	ctx context.Context,
) ([]*domain.Trade, error) {
	query := badgerhold.Where("Archived").Eq(false)
	return t.findTrades(ctx, query)
}

func (t tradeRepositoryImpl) GetTradeWithTxID(
	ctx context.Context, txID string,
) (*domain.Trade, error) {
	if txID == "" {
		return nil, domain.ErrTradeNotFound
	}

	query := badgerhold.Where("DepositTxID").Eq(txID).
		Or(badgerhold.Where("PayoutTxID").Eq(txID))
	trades, err := t.findTrades(ctx, query)
	if err != nil {
		return nil, err
	}
	if len(trades) <= 0 {
		return nil, domain.ErrTradeNotFound
	}

	return trades[0], nil
}

func (t tradeRepositoryImpl) UpdateTrade(
	ctx context.Context,
	tradeID string,
	updateFn func(t *domain.Trade) (*domain.Trade, error),
) error {
	currentTrade, err := t.getTrade(ctx, tradeID)
	if err != nil {
		return err
	}

	updatedTrade, err := updateFn(currentTrade)
	if err != nil {
		return err
	}

	return t.updateTrade(ctx, tradeID, *updatedTrade)
}

func (t tradeRepositoryImpl) findTrades(
	ctx context.Context, query *badgerhold.Query,
) ([]*domain.Trade, error) {
	var list []domain.Trade
	var err error
	if tx := txFromContext(ctx); tx != nil {
		err = t.store.TxFind(tx, &list, query)
	} else {
		err = t.store.Find(&list, query)
	}
	if err != nil {
		return nil, err
	}

	trades := make([]*domain.Trade, 0, len(list))
	for i := range list {
		trades = append(trades, &list[i])
	}
	sort.SliceStable(trades, func(i, j int) bool {
		if trades[i].CreationTime == trades[j].CreationTime {
			return trades[i].ID < trades[j].ID
		}
		return trades[i].CreationTime < trades[j].CreationTime
	})
	return trades, nil
}

func (t tradeRepositoryImpl) getTrade(
	ctx context.Context, tradeID string,
) (*domain.Trade, error) {
	var trade domain.Trade
	var err error
	if tx := txFromContext(ctx); tx != nil {
		err = t.store.TxGet(tx, tradeID, &trade)
	} else {
		err = t.store.Get(tradeID, &trade)
	}
	if err != nil {
		if errors.Is(err, badgerhold.ErrNotFound) {
			return nil, domain.ErrTradeNotFound
		}
		return nil, err
	}

	return &trade, nil
}

func (t tradeRepositoryImpl) insertTrade(
	ctx context.Context, trade domain.Trade,
) error {
	var err error
	if tx := txFromContext(ctx); tx != nil {
		err = t.store.TxInsert(tx, trade.ID, &trade)
	} else {
		err = t.store.Insert(trade.ID, &trade)
	}
	if err != nil {
		if errors.Is(err, badgerhold.ErrKeyExists) {
			return domain.ErrTradeAlreadyExists
		}
		return err
	}
	return nil
}

func (t tradeRepositoryImpl) updateTrade(
	ctx context.Context, tradeID string, trade domain.Trade,
) error {
	if tx := txFromContext(ctx); tx != nil {
		return t.store.TxUpdate(tx, tradeID, &trade)
	}
	return t.store.Update(tradeID, &trade)
}
