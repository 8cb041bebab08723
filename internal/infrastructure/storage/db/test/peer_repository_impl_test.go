package db_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/tdex-network/tdex-p2p/internal/core/domain"
)

func TestPeerRepositoryImplementations(t *testing.T) {
	repositories := createRepoManagers(t)

	for i := range repositories {
		repo := repositories[i]

		t.Run(repo.Name, func(t *testing.T) {
			t.Parallel()
			testReplacePeers(t, repo)
		})
	}
}

func testReplacePeers(t *testing.T, repo repoManager) {
	now := time.Now().Truncate(time.Second)
	older := domain.NewPeer(domain.NodeAddress{Host: "a.onion", Port: 9999})
	older.Date = now.Add(-time.Hour)
	newer := domain.NewPeer(domain.NodeAddress{Host: "b.onion", Port: 9999})
	newer.Date = now
	newer.FailedConnectionAttempts = 2

	_, err := repo.write(func(ctx context.Context) (interface{}, error) {
		return nil, repo.DBManager.PeerRepository().ReplacePeers(
			ctx, []domain.Peer{older, newer},
		)
	})
	require.NoError(t, err)

	iPeers, err := repo.read(func(ctx context.Context) (interface{}, error) {
		return repo.DBManager.PeerRepository().GetPeers(ctx)
	})
	require.NoError(t, err)
	peers := iPeers.([]domain.Peer)
	require.Len(t, peers, 2)
	require.Equal(t, newer.NodeAddress, peers[0].NodeAddress)
	require.Equal(t, 2, peers[0].FailedConnectionAttempts)
	require.True(t, newer.Date.Equal(peers[0].Date))
	require.Equal(t, older.NodeAddress, peers[1].NodeAddress)

	replacement := domain.NewPeer(domain.NodeAddress{Host: "c.onion", Port: 9999})
	_, err = repo.write(func(ctx context.Context) (interface{}, error) {
		return nil, repo.DBManager.PeerRepository().ReplacePeers(
			ctx, []domain.Peer{replacement},
		)
	})
	require.NoError(t, err)

	iPeers, err = repo.read(func(ctx context.Context) (interface{}, error) {
		return repo.DBManager.PeerRepository().GetPeers(ctx)
	})
	require.NoError(t, err)
	peers = iPeers.([]domain.Peer)
	require.Len(t, peers, 1)
	require.Equal(t, replacement.NodeAddress, peers[0].NodeAddress)
}
