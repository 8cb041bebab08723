package domain

import "context"

// TradeRepository is the abstraction for any kind of database intended to
// persist Trades.
type TradeRepository interface {
	// AddTrade stores a new trade. It fails with ErrTradeAlreadyExists if a
	// trade with the same id is found.
	AddTrade(ctx context.Context, trade *Trade) error
	// GetTrade returns the trade with the given id, or ErrTradeNotFound.
	GetTrade(ctx context.Context, tradeID string) (*Trade, error)
	// GetAllTrades returns all the trades stored in the repository.
	GetAllTrades(ctx context.Context) ([]*Trade, error)
	// GetActiveTrades returns all the trades not yet archived.
	GetActiveTrades(ctx context.Context) ([]*Trade, error)
	// GetTradeWithTxID returns the trade whose deposit or payout tx matches
	// the given id.
	GetTradeWithTxID(ctx context.Context, txID string) (*Trade, error)
	// UpdateTrade allows to commit multiple changes to the same trade in a
	// transactional way.
	UpdateTrade(
		ctx context.Context,
		tradeID string,
		updateFn func(t *Trade) (*Trade, error),
	) error
}

// OfferRepository persists the offers placed by the local node.
type OfferRepository interface {
	AddOffer(ctx context.Context, offer *Offer) error
	GetOffer(ctx context.Context, offerID string) (*Offer, error)
	GetAllOffers(ctx context.Context) ([]*Offer, error)
	DeleteOffer(ctx context.Context, offerID string) error
}

// PeerRepository checkpoints the persisted peers for a warm restart.
type PeerRepository interface {
	GetPeers(ctx context.Context) ([]Peer, error)
	// ReplacePeers overwrites the stored peers with the given ones.
	ReplacePeers(ctx context.Context, peers []Peer) error
}
