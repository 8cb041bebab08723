package peerexchange_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/tdex-network/tdex-p2p/internal/core/application/peerexchange"
	"github.com/tdex-network/tdex-p2p/internal/core/domain"
	"github.com/tdex-network/tdex-p2p/internal/core/ports"
	inmemorynet "github.com/tdex-network/tdex-p2p/internal/infrastructure/network/inmemory"
)

var seedAddr = domain.NodeAddress{Host: "seed.onion", Port: 8000}

func TestManagerBootstrapFromSeedNode(t *testing.T) {
	t.Parallel()

	network := inmemorynet.NewNetwork()
	seed := newExchangeNode(t, network, seedAddr, nil, testConfig())
	newExchangeNode(t, network, bobAddr, []domain.NodeAddress{seedAddr}, testConfig())

	require.Eventually(t, func() bool {
		return isConnected(seed.node, bobAddr)
	}, 3*time.Second, 20*time.Millisecond)

	alice := newExchangeNode(t, network, aliceAddr, []domain.NodeAddress{seedAddr}, testConfig())

	// Alice learns about Bob from the seed node, then connects to him.
	require.Eventually(t, func() bool {
		return isConnected(alice.node, bobAddr)
	}, 5*time.Second, 20*time.Millisecond)
	require.True(t, isConnected(alice.node, seedAddr))

	alice.exec(t, func() {
		persisted := alice.peerManager.GetPersistedPeers()
		addresses := make([]domain.NodeAddress, 0, len(persisted))
		for _, p := range persisted {
			addresses = append(addresses, p.NodeAddress)
		}
		require.Contains(t, addresses, bobAddr)
	})
}

func TestManagerAnswersRequests(t *testing.T) {
	t.Parallel()

	network := inmemorynet.NewNetwork()
	alice := newExchangeNode(t, network, aliceAddr, nil, testConfig())
	bob := newRequester(t, network, bobAddr)

	conn, err := bob.node.SendMessage(
		context.Background(), aliceAddr, &domain.GetPeersRequest{
			SenderNodeAddress: bobAddr,
			Nonce:             42,
			ReportedPeers:     []domain.Peer{domain.NewPeer(carolAddr)},
		},
	)
	require.NoError(t, err)
	require.NotNil(t, conn)

	require.Eventually(t, func() bool {
		return len(bob.nonces()) == 1
	}, time.Second, 10*time.Millisecond)
	require.Equal(t, []int32{42}, bob.nonces())

	alice.exec(t, func() {
		reported := alice.peerManager.GetReportedPeers()
		require.Len(t, reported, 1)
		require.Equal(t, carolAddr, reported[0].NodeAddress)
	})
}

func TestManagerRejectsSpoofedSender(t *testing.T) {
	t.Parallel()

	network := inmemorynet.NewNetwork()
	alice := newExchangeNode(t, network, aliceAddr, nil, testConfig())
	bob := newRequester(t, network, bobAddr)

	_, err := bob.node.SendMessage(
		context.Background(), aliceAddr, &domain.GetPeersRequest{
			SenderNodeAddress: carolAddr,
			Nonce:             42,
		},
	)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return len(bob.node.Connections()) == 0
	}, time.Second, 10*time.Millisecond)
	require.Empty(t, bob.nonces())

	alice.exec(t, func() {
		require.Empty(t, alice.peerManager.GetReportedPeers())
	})
}

func TestManagerRateLimitsRequests(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.InboundRequestInterval = time.Hour
	cfg.InboundRequestBurst = 2

	network := inmemorynet.NewNetwork()
	alice := newExchangeNode(t, network, aliceAddr, nil, cfg)
	bob := newRequester(t, network, bobAddr)

	for i := 0; i < 4; i++ {
		_, err := bob.node.SendMessage(
			context.Background(), aliceAddr, &domain.GetPeersRequest{
				SenderNodeAddress: bobAddr,
				Nonce:             int32(i),
			},
		)
		require.NoError(t, err)
	}

	require.Eventually(t, func() bool {
		return len(bob.nonces()) == 2
	}, time.Second, 10*time.Millisecond)

	alice.exec(t, func() {})
	time.Sleep(100 * time.Millisecond)
	require.ElementsMatch(t, []int32{0, 1}, bob.nonces())
}

func TestManagerForgetsLimitersOfClosedConnections(t *testing.T) {
	t.Parallel()

	network := inmemorynet.NewNetwork()
	alice := newExchangeNode(t, network, aliceAddr, nil, testConfig())
	bob := newRequester(t, network, bobAddr)
	mallory := newRequester(t, network, carolAddr)

	_, err := bob.node.SendMessage(
		context.Background(), aliceAddr, &domain.GetPeersRequest{
			SenderNodeAddress: bobAddr,
			Nonce:             1,
		},
	)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return len(bob.nonces()) == 1
	}, time.Second, 10*time.Millisecond)

	// Requests claiming someone else's address get the connection closed.
	for i := 0; i < 3; i++ {
		_, _ = mallory.node.SendMessage(
			context.Background(), aliceAddr, &domain.GetPeersRequest{
				SenderNodeAddress: domain.NodeAddress{Host: "fake.onion", Port: 9000 + i},
				Nonce:             int32(i),
			},
		)
		require.Eventually(t, func() bool {
			return len(mallory.node.Connections()) == 0
		}, time.Second, 10*time.Millisecond)
	}
	require.Empty(t, mallory.nonces())

	rateLimited := func() int {
		var count int
		alice.exec(t, func() { count = alice.manager.RateLimitedConnections() })
		return count
	}
	require.Eventually(t, func() bool {
		return rateLimited() == 1
	}, time.Second, 10*time.Millisecond)

	bob.node.Stop()
	require.Eventually(t, func() bool {
		return rateLimited() == 0
	}, time.Second, 10*time.Millisecond)
}

func TestManagerRetriesAfterAllConnectionsLost(t *testing.T) {
	t.Parallel()

	network := inmemorynet.NewNetwork()
	seed := newResponder(t, network, seedAddr, 0)
	alice := newExchangeNode(t, network, aliceAddr, []domain.NodeAddress{seedAddr}, testConfig())

	require.Eventually(t, func() bool {
		return seed.requests() == 1
	}, 2*time.Second, 10*time.Millisecond)

	seed.node.SetOnline(false)
	require.Eventually(t, func() bool {
		return len(alice.node.Connections()) == 0
	}, time.Second, 10*time.Millisecond)

	seed.node.SetOnline(true)
	require.Eventually(t, func() bool {
		return seed.requests() >= 2 && isConnected(alice.node, seedAddr)
	}, 5*time.Second, 20*time.Millisecond)
}

func TestManagerStop(t *testing.T) {
	t.Parallel()

	network := inmemorynet.NewNetwork()
	seed := newResponder(t, network, seedAddr, 0)
	seed.node.SetMuted(true)
	alice := newExchangeNode(t, network, aliceAddr, []domain.NodeAddress{seedAddr}, testConfig())

	require.Eventually(t, func() bool {
		pending := 0
		alice.exec(t, func() { pending = len(alice.manager.PendingExchanges()) })
		return pending == 1
	}, time.Second, 10*time.Millisecond)

	alice.manager.Stop()
	alice.exec(t, func() {
		require.Empty(t, alice.manager.PendingExchanges())
	})
}

func TestFailingNewManager(t *testing.T) {
	t.Parallel()

	network := inmemorynet.NewNetwork()
	node := newTestNode(t, network, aliceAddr, nil)

	tests := []struct {
		name        string
		node        ports.NetworkNode
		peerManager ports.PeerManager
		withLoop    bool
	}{
		{"missing node", nil, node.peerManager, true},
		{"missing peer manager", node.node, nil, true},
		{"missing loop", node.node, node.peerManager, false},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			loop := node.loop
			if !tt.withLoop {
				loop = nil
			}
			manager, err := peerexchange.NewManager(
				tt.node, tt.peerManager, loop, peerexchange.DefaultConfig(),
			)
			require.Error(t, err)
			require.Nil(t, manager)
		})
	}
}

type exchangeNode struct {
	*testNode
	manager *peerexchange.Manager
}

func newExchangeNode(
	t *testing.T, network *inmemorynet.Network, addr domain.NodeAddress,
	seeds []domain.NodeAddress, cfg peerexchange.Config,
) *exchangeNode {
	node := newTestNode(t, network, addr, seeds)

	manager, err := peerexchange.NewManager(
		node.node, node.peerManager, node.loop, cfg,
	)
	require.NoError(t, err)
	require.NoError(t, manager.Start(context.Background()))
	t.Cleanup(manager.Stop)

	return &exchangeNode{node, manager}
}

func testConfig() peerexchange.Config {
	cfg := peerexchange.DefaultConfig()
	cfg.Timeout = time.Second
	cfg.RetryDelay = 200 * time.Millisecond
	return cfg
}

func isConnected(node *inmemorynet.Node, addr domain.NodeAddress) bool {
	for _, conn := range node.Connections() {
		if peer, ok := conn.PeerAddress(); ok && peer == addr {
			return true
		}
	}
	return false
}

// requester is a bare node recording the nonces of the responses it gets.
type requester struct {
	node *inmemorynet.Node

	lock     sync.Mutex
	received []int32
}

func newRequester(
	t *testing.T, network *inmemorynet.Network, addr domain.NodeAddress,
) *requester {
	node := network.NewNode(addr)
	require.NoError(t, node.Start(context.Background()))
	t.Cleanup(node.Stop)

	r := &requester{node: node}
	node.AddMessageListener(r)
	return r
}

func (r *requester) OnMessage(env domain.NetworkEnvelope, _ ports.Connection) {
	response, ok := env.(*domain.GetPeersResponse)
	if !ok {
		return
	}

	r.lock.Lock()
	defer r.lock.Unlock()
	r.received = append(r.received, response.RequestNonce)
}

func (r *requester) nonces() []int32 {
	r.lock.Lock()
	defer r.lock.Unlock()

	return append([]int32{}, r.received...)
}
