// Package inmemory implements an in-process overlay network, useful to run
// many nodes in the same process. Envelopes go through the wire codec, so
// that nodes never share memory.
package inmemory

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"github.com/tdex-network/tdex-p2p/internal/core/domain"
	"github.com/tdex-network/tdex-p2p/internal/core/ports"
	"github.com/tdex-network/tdex-p2p/internal/infrastructure/wire"
)

// Network is the hub all in-process nodes are connected to.
type Network struct {
	lock  sync.RWMutex
	nodes map[domain.NodeAddress]*Node
	codec ports.MessageCodec
}

func NewNetwork() *Network {
	return &Network{
		nodes: make(map[domain.NodeAddress]*Node),
		codec: wire.NewCodec(),
	}
}

// NewNode adds a new node with the given address to the network. The node is
// online but must be started to send and receive messages.
func (n *Network) NewNode(addr domain.NodeAddress) *Node {
	n.lock.Lock()
	defer n.lock.Unlock()

	node := &Node{
		network: n,
		addr:    addr,
		online:  true,
		conns:   make(map[domain.NodeAddress]*connection),
	}
	n.nodes[addr] = node
	return node
}

func (n *Network) getNode(addr domain.NodeAddress) (*Node, bool) {
	n.lock.RLock()
	defer n.lock.RUnlock()

	node, ok := n.nodes[addr]
	return node, ok
}

// Node is an in-process ports.NetworkNode.
type Node struct {
	network *Network
	addr    domain.NodeAddress

	lock          sync.RWMutex
	started       bool
	online        bool
	muted         bool
	conns         map[domain.NodeAddress]*connection
	msgListeners  []ports.MessageListener
	connListeners []ports.ConnectionListener
}

func (n *Node) Start(_ context.Context) error {
	n.lock.Lock()
	defer n.lock.Unlock()

	n.started = true
	return nil
}

func (n *Node) Stop() {
	n.lock.Lock()
	n.started = false
	n.lock.Unlock()

	n.closeAll(ports.CloseReasonTerminated)
}

func (n *Node) NodeAddress() domain.NodeAddress {
	return n.addr
}

// SetOnline makes the node reachable or not. Going offline closes all the
// node's connections.
func (n *Node) SetOnline(online bool) {
	n.lock.Lock()
	n.online = online
	n.lock.Unlock()

	if !online {
		n.closeAll(ports.CloseReasonSocketClosed)
	}
}

// SetMuted makes the node silently drop every inbound envelope, while
// keeping its connections up.
func (n *Node) SetMuted(muted bool) {
	n.lock.Lock()
	defer n.lock.Unlock()

	n.muted = muted
}

func (n *Node) SendMessage(
	ctx context.Context, peer domain.NodeAddress, env domain.NetworkEnvelope,
) (ports.Connection, error) {
	conn, err := n.connect(ctx, peer)
	if err != nil {
		return nil, err
	}
	if err := conn.Send(ctx, env); err != nil {
		return nil, err
	}
	return conn, nil
}

func (n *Node) Connections() []ports.Connection {
	n.lock.RLock()
	defer n.lock.RUnlock()

	conns := make([]ports.Connection, 0, len(n.conns))
	for _, c := range n.conns {
		conns = append(conns, c)
	}
	return conns
}

func (n *Node) AddMessageListener(l ports.MessageListener) {
	n.lock.Lock()
	defer n.lock.Unlock()

	n.msgListeners = append(n.msgListeners, l)
}

func (n *Node) RemoveMessageListener(l ports.MessageListener) {
	n.lock.Lock()
	defer n.lock.Unlock()

	for i, listener := range n.msgListeners {
		if listener == l {
			n.msgListeners = append(n.msgListeners[:i:i], n.msgListeners[i+1:]...)
			return
		}
	}
}

func (n *Node) AddConnectionListener(l ports.ConnectionListener) {
	n.lock.Lock()
	defer n.lock.Unlock()

	n.connListeners = append(n.connListeners, l)
}

func (n *Node) RemoveConnectionListener(l ports.ConnectionListener) {
	n.lock.Lock()
	defer n.lock.Unlock()

	for i, listener := range n.connListeners {
		if listener == l {
			n.connListeners = append(n.connListeners[:i:i], n.connListeners[i+1:]...)
			return
		}
	}
}

func (n *Node) isReachable() bool {
	n.lock.RLock()
	defer n.lock.RUnlock()

	return n.started && n.online
}

func (n *Node) connect(
	ctx context.Context, peer domain.NodeAddress,
) (*connection, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %s", ports.ErrSendTimeout, err)
	}
	if !n.isReachable() {
		return nil, ports.ErrNodeStopped
	}

	n.lock.RLock()
	conn, ok := n.conns[peer]
	n.lock.RUnlock()
	if ok {
		return conn, nil
	}

	remote, ok := n.network.getNode(peer)
	if !ok || !remote.isReachable() {
		return nil, fmt.Errorf("%w: peer %s unreachable", ports.ErrSendFailure, peer)
	}

	id := uuid.New().String()
	local := &connection{id: id, owner: n, peer: peer}
	other := &connection{id: id, owner: remote, peer: n.addr}
	local.remote, other.remote = other, local

	// Lock nodes in address order to avoid deadlocks when two nodes connect
	// to each other at the same time.
	first, second := n, remote
	if remote.addr.String() < n.addr.String() {
		first, second = remote, n
	}
	first.lock.Lock()
	second.lock.Lock()
	if existing, ok := n.conns[peer]; ok {
		second.lock.Unlock()
		first.lock.Unlock()
		return existing, nil
	}
	n.conns[peer] = local
	remote.conns[n.addr] = other
	second.lock.Unlock()
	first.lock.Unlock()

	n.notifyConnection(local)
	remote.notifyConnection(other)
	return local, nil
}

func (n *Node) closeAll(reason ports.CloseConnectionReason) {
	for _, conn := range n.Connections() {
		conn.Close(reason)
	}
}

func (n *Node) removeConnection(c *connection) bool {
	n.lock.Lock()
	defer n.lock.Unlock()

	if existing, ok := n.conns[c.peer]; !ok || existing != c {
		return false
	}
	delete(n.conns, c.peer)
	return true
}

func (n *Node) deliver(buf []byte, c *connection) {
	n.lock.RLock()
	muted := n.muted
	listeners := append([]ports.MessageListener{}, n.msgListeners...)
	n.lock.RUnlock()

	if muted {
		return
	}

	env, err := n.network.codec.DecodeEnvelope(buf)
	if err != nil {
		log.WithError(err).Warn("dropping malformed envelope")
		return
	}
	for _, l := range listeners {
		l.OnMessage(env, c)
	}
}

func (n *Node) notifyConnection(c *connection) {
	n.lock.RLock()
	listeners := append([]ports.ConnectionListener{}, n.connListeners...)
	n.lock.RUnlock()

	for _, l := range listeners {
		l.OnConnection(c)
	}
}

func (n *Node) notifyDisconnect(
	reason ports.CloseConnectionReason, c *connection,
) {
	n.lock.RLock()
	listeners := append([]ports.ConnectionListener{}, n.connListeners...)
	n.lock.RUnlock()

	for _, l := range listeners {
		l.OnDisconnect(reason, c)
	}
}

type connection struct {
	id     string
	owner  *Node
	peer   domain.NodeAddress
	remote *connection
}

func (c *connection) ID() string {
	return c.id
}

func (c *connection) PeerAddress() (domain.NodeAddress, bool) {
	return c.peer, true
}

func (c *connection) Send(ctx context.Context, env domain.NetworkEnvelope) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %s", ports.ErrSendTimeout, err)
	}

	c.owner.lock.RLock()
	_, open := c.owner.conns[c.peer]
	c.owner.lock.RUnlock()
	if !open || !c.remote.owner.isReachable() {
		return fmt.Errorf("%w: connection to %s closed", ports.ErrSendFailure, c.peer)
	}

	buf, err := c.owner.network.codec.EncodeEnvelope(env)
	if err != nil {
		return fmt.Errorf("%w: %s", ports.ErrSendFailure, err)
	}
	c.remote.owner.deliver(buf, c.remote)
	return nil
}

func (c *connection) Close(reason ports.CloseConnectionReason) {
	if !c.owner.removeConnection(c) {
		return
	}
	c.owner.notifyDisconnect(reason, c)

	remoteReason := ports.CloseReasonRequestedByPeer
	if reason == ports.CloseReasonSocketClosed {
		remoteReason = ports.CloseReasonSocketClosed
	}
	if c.remote.owner.removeConnection(c.remote) {
		c.remote.owner.notifyDisconnect(remoteReason, c.remote)
	}
}
