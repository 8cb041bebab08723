package ports

import (
	"context"

	"github.com/tdex-network/tdex-p2p/internal/core/domain"
)

// RepoManager gives access to the repositories of the node.
type RepoManager interface {
	TradeRepository() domain.TradeRepository
	OfferRepository() domain.OfferRepository
	MailboxRepository() domain.MailboxRepository
	PeerRepository() domain.PeerRepository

	// RunTransaction runs the handler in a db transaction, committed only if
	// the handler succeeds.
	RunTransaction(
		ctx context.Context,
		readOnly bool,
		handler func(ctx context.Context) (interface{}, error),
	) (interface{}, error)
	Close()
}
