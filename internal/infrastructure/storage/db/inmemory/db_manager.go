package inmemory

import (
	"context"
	"sync"

	"github.com/tdex-network/tdex-p2p/internal/core/domain"
	"github.com/tdex-network/tdex-p2p/internal/core/ports"
)

type repoManager struct {
	// serializes transactions so that a handler sees a consistent view of
	// all repositories.
	txLock sync.Mutex

	tradeRepository   domain.TradeRepository
	offerRepository   domain.OfferRepository
	mailboxRepository domain.MailboxRepository
	peerRepository    domain.PeerRepository
}

// NewRepoManager returns a RepoManager whose repositories are all kept in
// memory.
func NewRepoManager() ports.RepoManager {
	return &repoManager{
		tradeRepository:   NewTradeRepositoryImpl(),
		offerRepository:   NewOfferRepositoryImpl(),
		mailboxRepository: NewMailboxRepositoryImpl(),
		peerRepository:    NewPeerRepositoryImpl(),
	}
}

func (d *repoManager) TradeRepository() domain.TradeRepository {
	return d.tradeRepository
}

func (d *repoManager) OfferRepository() domain.OfferRepository {
	return d.offerRepository
}

func (d *repoManager) MailboxRepository() domain.MailboxRepository {
	return d.mailboxRepository
}

func (d *repoManager) PeerRepository() domain.PeerRepository {
	return d.peerRepository
}

// RunTransaction runs the handler while holding the manager lock. Changes
// made by a failing handler are not rolled back.
func (d *repoManager) RunTransaction(
	ctx context.Context,
	_ bool,
	handler func(ctx context.Context) (interface{}, error),
) (interface{}, error) {
	d.txLock.Lock()
	defer d.txLock.Unlock()

	return handler(ctx)
}

func (d *repoManager) Close() {}
