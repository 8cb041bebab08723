package peerexchange_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/tdex-network/tdex-p2p/internal/core/application/peerexchange"
	"github.com/tdex-network/tdex-p2p/internal/core/application/peers"
	"github.com/tdex-network/tdex-p2p/internal/core/domain"
	"github.com/tdex-network/tdex-p2p/internal/core/ports"
	inmemorynet "github.com/tdex-network/tdex-p2p/internal/infrastructure/network/inmemory"
	inmemorydb "github.com/tdex-network/tdex-p2p/internal/infrastructure/storage/db/inmemory"
	"github.com/tdex-network/tdex-p2p/pkg/eventloop"
)

const testTimeout = 300 * time.Millisecond

var (
	aliceAddr = domain.NodeAddress{Host: "alice.onion", Port: 9999}
	bobAddr   = domain.NodeAddress{Host: "bob.onion", Port: 9999}
	carolAddr = domain.NodeAddress{Host: "carol.onion", Port: 9999}
)

func TestHandlerComplete(t *testing.T) {
	t.Parallel()

	network := inmemorynet.NewNetwork()
	alice := newTestNode(t, network, aliceAddr, nil)
	bob := newResponder(t, network, bobAddr, 0, domain.NewPeer(carolAddr))
	listener := &testListener{}

	var handler *peerexchange.Handler
	alice.exec(t, func() {
		handler = peerexchange.NewHandler(
			alice.node, alice.peerManager, alice.loop, listener, testTimeout,
		)
		handler.SendGetPeersRequest(bobAddr)
	})

	require.Eventually(t, func() bool {
		return listener.completed() == 1
	}, time.Second, 10*time.Millisecond)

	alice.exec(t, func() {
		require.True(t, handler.IsDone())
		reported := alice.peerManager.GetReportedPeers()
		require.Len(t, reported, 1)
		require.Equal(t, carolAddr, reported[0].NodeAddress)
	})
	require.Equal(t, int32(1), bob.requests())

	// Cancelling after completion must not notify the listener again, nor
	// let the timeout fire.
	alice.exec(t, func() {
		handler.Cancel()
		handler.Cancel()
	})
	time.Sleep(2 * testTimeout)
	require.Equal(t, 1, listener.completed())
	require.Empty(t, listener.faults())
}

func TestHandlerIgnoresNonceMismatch(t *testing.T) {
	t.Parallel()

	network := inmemorynet.NewNetwork()
	alice := newTestNode(t, network, aliceAddr, nil)
	bob := newResponder(t, network, bobAddr, 1, domain.NewPeer(carolAddr))
	listener := &testListener{}

	var handler *peerexchange.Handler
	alice.exec(t, func() {
		handler = peerexchange.NewHandler(
			alice.node, alice.peerManager, alice.loop, listener, time.Minute,
		)
		handler.SendGetPeersRequest(bobAddr)
	})

	require.Eventually(t, func() bool {
		return bob.responses() == 1
	}, time.Second, 10*time.Millisecond)
	// Flush the response posted to the loop.
	alice.exec(t, func() {})

	alice.exec(t, func() {
		require.False(t, handler.IsDone())
		require.Empty(t, alice.peerManager.GetReportedPeers())
		handler.Cancel()
		require.True(t, handler.IsDone())
	})
	require.Zero(t, listener.completed())
	require.Empty(t, listener.faults())
}

func TestHandlerTimeout(t *testing.T) {
	t.Parallel()

	network := inmemorynet.NewNetwork()
	alice := newTestNode(t, network, aliceAddr, nil)
	bob := newResponder(t, network, bobAddr, 0)
	bob.node.SetMuted(true)
	listener := &testListener{}

	var handler *peerexchange.Handler
	alice.exec(t, func() {
		handler = peerexchange.NewHandler(
			alice.node, alice.peerManager, alice.loop, listener, testTimeout,
		)
		handler.SendGetPeersRequest(bobAddr)
	})

	require.Eventually(t, func() bool {
		return len(listener.faults()) == 1
	}, time.Second, 10*time.Millisecond)
	require.ErrorIs(t, listener.faults()[0], peerexchange.ErrTimeout)
	require.Empty(t, alice.node.Connections())

	alice.exec(t, func() {
		handler.Cancel()
	})
	require.Len(t, listener.faults(), 1)
	require.Zero(t, listener.completed())
}

func TestHandlerSendFailure(t *testing.T) {
	t.Parallel()

	network := inmemorynet.NewNetwork()
	alice := newTestNode(t, network, aliceAddr, nil)
	listener := &testListener{}

	alice.exec(t, func() {
		alice.peerManager.AddToReportedPeers([]domain.Peer{domain.NewPeer(bobAddr)}, nil)

		handler := peerexchange.NewHandler(
			alice.node, alice.peerManager, alice.loop, listener, testTimeout,
		)
		handler.SendGetPeersRequest(bobAddr)
	})

	require.Eventually(t, func() bool {
		return len(listener.faults()) == 1
	}, time.Second, 10*time.Millisecond)
	require.ErrorIs(t, listener.faults()[0], ports.ErrSendFailure)

	alice.exec(t, func() {
		require.Empty(t, alice.peerManager.GetReportedPeers())
	})
}

func TestHandlerCancelBeforeSending(t *testing.T) {
	t.Parallel()

	network := inmemorynet.NewNetwork()
	alice := newTestNode(t, network, aliceAddr, nil)
	bob := newResponder(t, network, bobAddr, 0)
	listener := &testListener{}

	alice.exec(t, func() {
		handler := peerexchange.NewHandler(
			alice.node, alice.peerManager, alice.loop, listener, testTimeout,
		)
		handler.SendGetPeersRequestAfterRandomDelay(bobAddr)
		handler.Cancel()
	})

	time.Sleep(1200 * time.Millisecond)
	require.Zero(t, bob.requests())
	require.Zero(t, listener.completed())
	require.Empty(t, listener.faults())
}

type testNode struct {
	node        *inmemorynet.Node
	loop        *eventloop.Loop
	peerManager *peers.Manager
}

func newTestNode(
	t *testing.T, network *inmemorynet.Network,
	addr domain.NodeAddress, seeds []domain.NodeAddress,
) *testNode {
	node := network.NewNode(addr)
	require.NoError(t, node.Start(context.Background()))
	t.Cleanup(node.Stop)

	loop := eventloop.New()
	t.Cleanup(loop.Stop)

	peerManager, err := peers.NewManager(
		node, inmemorydb.NewPeerRepositoryImpl(), loop, peers.Config{
			MaxConnections: 12,
			SeedNodes:      seeds,
		},
	)
	require.NoError(t, err)
	require.NoError(t, peerManager.Start(context.Background()))
	t.Cleanup(peerManager.Stop)

	return &testNode{node, loop, peerManager}
}

func (n *testNode) exec(t *testing.T, fn func()) {
	require.NoError(t, n.loop.ExecuteAndWait(context.Background(), fn))
}

// responder is a bare node answering peer exchange requests with a nonce
// shifted by the given offset.
type responder struct {
	node          *inmemorynet.Node
	nonceOffset   int32
	peers         []domain.Peer
	requestCount  int32
	responseCount int32
}

func newResponder(
	t *testing.T, network *inmemorynet.Network,
	addr domain.NodeAddress, nonceOffset int32, reported ...domain.Peer,
) *responder {
	node := network.NewNode(addr)
	require.NoError(t, node.Start(context.Background()))
	t.Cleanup(node.Stop)

	r := &responder{node: node, nonceOffset: nonceOffset, peers: reported}
	node.AddMessageListener(r)
	return r
}

func (r *responder) OnMessage(env domain.NetworkEnvelope, conn ports.Connection) {
	request, ok := env.(*domain.GetPeersRequest)
	if !ok {
		return
	}
	atomic.AddInt32(&r.requestCount, 1)

	go func() {
		response := &domain.GetPeersResponse{
			RequestNonce:  request.Nonce + r.nonceOffset,
			ReportedPeers: r.peers,
		}
		if err := conn.Send(context.Background(), response); err == nil {
			atomic.AddInt32(&r.responseCount, 1)
		}
	}()
}

func (r *responder) requests() int32 {
	return atomic.LoadInt32(&r.requestCount)
}

func (r *responder) responses() int32 {
	return atomic.LoadInt32(&r.responseCount)
}

type testListener struct {
	lock      sync.Mutex
	complete  int
	faultErrs []error
}

func (l *testListener) OnComplete() {
	l.lock.Lock()
	defer l.lock.Unlock()

	l.complete++
}

func (l *testListener) OnFault(err error, _ ports.Connection) {
	l.lock.Lock()
	defer l.lock.Unlock()

	if err == nil {
		err = errors.New("unknown fault")
	}
	l.faultErrs = append(l.faultErrs, err)
}

func (l *testListener) completed() int {
	l.lock.Lock()
	defer l.lock.Unlock()

	return l.complete
}

func (l *testListener) faults() []error {
	l.lock.Lock()
	defer l.lock.Unlock()

	return append([]error{}, l.faultErrs...)
}
