// Package tcp implements the overlay network on top of plain TCP sockets,
// optionally dialing peers through a SOCKS5 proxy such as Tor.
package tcp

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"
	"github.com/tdex-network/tdex-p2p/internal/core/domain"
	"github.com/tdex-network/tdex-p2p/internal/core/ports"
	"github.com/tdex-network/tdex-p2p/pkg/circuitbreaker"
	"golang.org/x/net/proxy"
)

const (
	DefaultMaxConnections = 12
	DefaultIdleTimeout    = 10 * time.Minute
	DefaultDialTimeout    = 2 * time.Minute
	DefaultMaxMessageSize = 10 * 1024 * 1024
)

var (
	// ErrInvalidFrameSize is returned when reading a frame that is empty or
	// bigger than the max allowed size.
	ErrInvalidFrameSize = errors.New("invalid frame size")
	// ErrMissingAddress is returned when neither the listening nor the
	// advertised address are defined.
	ErrMissingAddress = errors.New("missing listening address")
)

type Config struct {
	// ListenAddr is the host:port the node accepts connections on.
	ListenAddr string
	// AdvertisedAddr is the address reported to the other peers, like an
	// onion address. Defaults to the listening one.
	AdvertisedAddr domain.NodeAddress
	// SocksProxyAddr, if defined, is the SOCKS5 proxy used to dial peers.
	SocksProxyAddr string
	MaxConnections int
	IdleTimeout    time.Duration
	DialTimeout    time.Duration
	MaxMessageSize int
}

func DefaultConfig() Config {
	return Config{
		MaxConnections: DefaultMaxConnections,
		IdleTimeout:    DefaultIdleTimeout,
		DialTimeout:    DefaultDialTimeout,
		MaxMessageSize: DefaultMaxMessageSize,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.MaxConnections <= 0 {
		c.MaxConnections = def.MaxConnections
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = def.IdleTimeout
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = def.DialTimeout
	}
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = def.MaxMessageSize
	}
	return c
}

// Node is a ports.NetworkNode exchanging length prefixed envelopes over TCP.
// There's at most one connection per peer address, reused in both
// directions.
type Node struct {
	cfg    Config
	codec  ports.MessageCodec
	dialer proxy.ContextDialer

	breakers sync.Map

	lock          sync.RWMutex
	started       bool
	listener      net.Listener
	addr          domain.NodeAddress
	conns         map[string]*connection
	connsByPeer   map[domain.NodeAddress]*connection
	msgListeners  []ports.MessageListener
	connListeners []ports.ConnectionListener

	wg sync.WaitGroup
}

func NewNode(cfg Config, codec ports.MessageCodec) (*Node, error) {
	if codec == nil {
		return nil, fmt.Errorf("missing message codec")
	}
	if cfg.ListenAddr == "" && cfg.AdvertisedAddr.IsEmpty() {
		return nil, ErrMissingAddress
	}
	cfg = cfg.withDefaults()

	baseDialer := &net.Dialer{Timeout: cfg.DialTimeout}
	var dialer proxy.ContextDialer = baseDialer
	if cfg.SocksProxyAddr != "" {
		socks, err := proxy.SOCKS5("tcp", cfg.SocksProxyAddr, nil, baseDialer)
		if err != nil {
			return nil, fmt.Errorf("invalid socks proxy: %w", err)
		}
		contextDialer, ok := socks.(proxy.ContextDialer)
		if !ok {
			return nil, fmt.Errorf("socks dialer doesn't support context")
		}
		dialer = contextDialer
	}

	return &Node{
		cfg:         cfg,
		codec:       codec,
		dialer:      dialer,
		addr:        cfg.AdvertisedAddr,
		conns:       make(map[string]*connection),
		connsByPeer: make(map[domain.NodeAddress]*connection),
	}, nil
}

// Start starts accepting inbound connections, if a listening address is
// defined. A node without one can only dial peers.
func (n *Node) Start(_ context.Context) error {
	n.lock.Lock()
	defer n.lock.Unlock()

	if n.started {
		return nil
	}

	if n.cfg.ListenAddr != "" {
		listener, err := net.Listen("tcp", n.cfg.ListenAddr)
		if err != nil {
			return fmt.Errorf("failed to listen on %s: %w", n.cfg.ListenAddr, err)
		}
		n.listener = listener
		if n.addr.IsEmpty() {
			addr, err := domain.ParseNodeAddress(listener.Addr().String())
			if err != nil {
				listener.Close()
				return err
			}
			n.addr = addr
		}

		n.wg.Add(1)
		go n.acceptLoop(listener)
		log.Infof("p2p node listening on %s", listener.Addr())
	}

	n.started = true
	return nil
}

func (n *Node) Stop() {
	n.lock.Lock()
	if !n.started {
		n.lock.Unlock()
		return
	}
	n.started = false
	listener := n.listener
	n.listener = nil
	conns := make([]*connection, 0, len(n.conns))
	for _, c := range n.conns {
		conns = append(conns, c)
	}
	n.lock.Unlock()

	if listener != nil {
		listener.Close()
	}
	for _, c := range conns {
		c.Close(ports.CloseReasonTerminated)
	}
	n.wg.Wait()
	log.Info("p2p node stopped")
}

func (n *Node) NodeAddress() domain.NodeAddress {
	n.lock.RLock()
	defer n.lock.RUnlock()

	return n.addr
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

	conns := make([]ports.Connection, 0, len(n.connsByPeer))
	for _, c := range n.connsByPeer {
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

func (n *Node) acceptLoop(listener net.Listener) {
	defer n.wg.Done()

	for {
		netConn, err := listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			log.WithError(err).Warn("failed to accept connection")
			continue
		}

		n.lock.Lock()
		if !n.started {
			n.lock.Unlock()
			netConn.Close()
			return
		}
		if len(n.conns) >= n.cfg.MaxConnections {
			n.lock.Unlock()
			log.WithField("remote", netConn.RemoteAddr()).Debug(
				"too many connections, refusing inbound one",
			)
			netConn.Close()
			continue
		}
		c := newConnection(n, netConn, domain.NodeAddress{}, false)
		n.conns[c.id] = c
		n.lock.Unlock()

		n.wg.Add(1)
		go c.readLoop()
	}
}

func (n *Node) connect(
	ctx context.Context, peer domain.NodeAddress,
) (*connection, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %s", ports.ErrSendTimeout, err)
	}

	n.lock.RLock()
	started := n.started
	existing, ok := n.connsByPeer[peer]
	n.lock.RUnlock()
	if !started {
		return nil, ports.ErrNodeStopped
	}
	if ok {
		return existing, nil
	}

	cb := n.breakerFor(peer)
	res, err := cb.Execute(func() (interface{}, error) {
		return n.dialer.DialContext(ctx, "tcp", peer.String())
	})
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, fmt.Errorf("%w: %s", ports.ErrSendTimeout, ctxErr)
		}
		return nil, fmt.Errorf("%w: failed to dial %s: %s", ports.ErrSendFailure, peer, err)
	}
	netConn := res.(net.Conn)

	n.lock.Lock()
	if !n.started {
		n.lock.Unlock()
		netConn.Close()
		return nil, ports.ErrNodeStopped
	}
	// Another goroutine might have connected to the same peer meanwhile.
	if existing, ok := n.connsByPeer[peer]; ok {
		n.lock.Unlock()
		netConn.Close()
		return existing, nil
	}
	c := newConnection(n, netConn, peer, true)
	n.conns[c.id] = c
	n.connsByPeer[peer] = c
	n.lock.Unlock()

	n.wg.Add(1)
	go c.readLoop()

	log.WithField("peer", peer).Debug("connected to peer")
	n.notifyConnection(c)
	return c, nil
}

// setPeerAddress binds an inbound connection to the address of its peer,
// learnt from the first message received.
func (n *Node) setPeerAddress(c *connection, peer domain.NodeAddress) bool {
	n.lock.Lock()
	defer n.lock.Unlock()

	if _, ok := n.conns[c.id]; !ok {
		return false
	}
	if existing, ok := n.connsByPeer[peer]; ok && existing != c {
		// Keep the connection already known, this one is still usable to
		// receive messages.
		return false
	}
	n.connsByPeer[peer] = c
	return true
}

func (n *Node) removeConnection(c *connection) bool {
	n.lock.Lock()
	defer n.lock.Unlock()

	if _, ok := n.conns[c.id]; !ok {
		return false
	}
	delete(n.conns, c.id)
	if peer, ok := c.PeerAddress(); ok {
		if existing := n.connsByPeer[peer]; existing == c {
			delete(n.connsByPeer, peer)
		}
	}
	return true
}

func (n *Node) breakerFor(peer domain.NodeAddress) *gobreaker.CircuitBreaker {
	key := peer.String()
	if cb, ok := n.breakers.Load(key); ok {
		return cb.(*gobreaker.CircuitBreaker)
	}
	cb, _ := n.breakers.LoadOrStore(key, circuitbreaker.NewCircuitBreaker("peer "+key))
	return cb.(*gobreaker.CircuitBreaker)
}

func (n *Node) deliver(env domain.NetworkEnvelope, c *connection) {
	n.lock.RLock()
	listeners := append([]ports.MessageListener{}, n.msgListeners...)
	n.lock.RUnlock()

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
