package inmemory

import (
	"context"
	"sort"
	"sync"

	"github.com/tdex-network/tdex-p2p/internal/core/domain"
)

type peerRepositoryImpl struct {
	locker *sync.RWMutex
	peers  []domain.Peer
}

// NewPeerRepositoryImpl returns a new inmemory PeerRepository implementation.
func NewPeerRepositoryImpl() domain.PeerRepository {
	return &peerRepositoryImpl{
		locker: &sync.RWMutex{},
	}
}

func (r *peerRepositoryImpl) GetPeers(_ context.Context) ([]domain.Peer, error) {
	r.locker.RLock()
	defer r.locker.RUnlock()

	peers := append([]domain.Peer{}, r.peers...)
	sort.SliceStable(peers, func(i, j int) bool {
		return peers[i].Date.After(peers[j].Date)
	})
	return peers, nil
}

func (r *peerRepositoryImpl) ReplacePeers(
	_ context.Context, peers []domain.Peer,
) error {
	r.locker.Lock()
	defer r.locker.Unlock()

	byAddress := make(map[domain.NodeAddress]domain.Peer, len(peers))
	for _, peer := range peers {
		byAddress[peer.NodeAddress] = peer
	}
	r.peers = make([]domain.Peer, 0, len(byAddress))
	for _, peer := range byAddress {
		r.peers = append(r.peers, peer)
	}
	return nil
}
