package dbbadger

import (
	"context"
	"sort"

	"github.com/dgraph-io/badger/v3"
	"github.com/tdex-network/tdex-p2p/internal/core/domain"
	"github.com/timshannon/badgerhold/v4"
)

type peerRepositoryImpl struct {
	store *badgerhold.Store
}

// NewPeerRepositoryImpl returns a badger implementation of
// domain.PeerRepository.
func NewPeerRepositoryImpl(store *badgerhold.Store) domain.PeerRepository {
	return peerRepositoryImpl{store}
}

func (p peerRepositoryImpl) GetPeers(ctx context.Context) ([]domain.Peer, error) {
	peers, err := p.findPeers(ctx)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(peers, func(i, j int) bool {
		return peers[i].Date.After(peers[j].Date)
	})
	return peers, nil
}

func (p peerRepositoryImpl) ReplacePeers(
	ctx context.Context, peers []domain.Peer,
) error {
	if tx := txFromContext(ctx); tx != nil {
		return p.replacePeers(ctx, peers)
	}

	// Make the replacement atomic when not already in a transaction.
	return p.store.Badger().Update(func(tx *badger.Txn) error {
		return p.replacePeers(context.WithValue(ctx, "tx", tx), peers)
	})
}

func (p peerRepositoryImpl) replacePeers(
	ctx context.Context, peers []domain.Peer,
) error {
	tx := txFromContext(ctx)

	current, err := p.findPeers(ctx)
	if err != nil {
		return err
	}
	for _, peer := range current {
		key := peer.NodeAddress.String()
		if err := p.store.TxDelete(tx, key, domain.Peer{}); err != nil {
			return err
		}
	}

	for _, peer := range peers {
		peer := peer
		key := peer.NodeAddress.String()
		if err := p.store.TxUpsert(tx, key, &peer); err != nil {
			return err
		}
	}
	return nil
}

func (p peerRepositoryImpl) findPeers(ctx context.Context) ([]domain.Peer, error) {
	var peers []domain.Peer
	var err error
	if tx := txFromContext(ctx); tx != nil {
		err = p.store.TxFind(tx, &peers, nil)
	} else {
		err = p.store.Find(&peers, nil)
	}
	if err != nil {
		return nil, err
	}
	return peers, nil
}
