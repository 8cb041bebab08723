package peerexchange

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/tdex-network/tdex-p2p/internal/core/domain"
	"github.com/tdex-network/tdex-p2p/internal/core/ports"
	"github.com/tdex-network/tdex-p2p/pkg/eventloop"
	"golang.org/x/time/rate"
)

const (
	DefaultRetryDelay         = 10 * time.Second
	DefaultRefreshInterval    = 10 * time.Minute
	DefaultMaxInitialRequests = 8

	defaultInboundRequestInterval = 5 * time.Second
	defaultInboundRequestBurst    = 3
)

type Config struct {
	// Timeout is the max time a peer has to answer a request.
	Timeout time.Duration
	// RetryDelay is the pause before looking for candidates again when none
	// is available or all connections were lost.
	RetryDelay time.Duration
	// RefreshInterval is the period of the peer discovery.
	RefreshInterval time.Duration
	// MaxInitialRequests is the max number of exchanges started at once when
	// we already know some peers.
	MaxInitialRequests int
	// InboundRequestInterval and InboundRequestBurst limit the rate of
	// requests accepted from a single peer.
	InboundRequestInterval time.Duration
	InboundRequestBurst    int
}

func DefaultConfig() Config {
	return Config{
		Timeout:                DefaultTimeout,
		RetryDelay:             DefaultRetryDelay,
		RefreshInterval:        DefaultRefreshInterval,
		MaxInitialRequests:     DefaultMaxInitialRequests,
		InboundRequestInterval: defaultInboundRequestInterval,
		InboundRequestBurst:    defaultInboundRequestBurst,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.Timeout <= 0 {
		c.Timeout = def.Timeout
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = def.RetryDelay
	}
	if c.RefreshInterval <= 0 {
		c.RefreshInterval = def.RefreshInterval
	}
	if c.MaxInitialRequests <= 0 {
		c.MaxInitialRequests = def.MaxInitialRequests
	}
	if c.InboundRequestInterval <= 0 {
		c.InboundRequestInterval = def.InboundRequestInterval
	}
	if c.InboundRequestBurst <= 0 {
		c.InboundRequestBurst = def.InboundRequestBurst
	}
	return c
}

// Manager keeps the node connected to enough peers by exchanging known peers
// with reported, persisted and seed nodes, in this order of preference. It
// also answers the requests of other nodes.
type Manager struct {
	node        ports.NetworkNode
	peerManager ports.PeerManager
	loop        *eventloop.Loop
	cfg         Config

	handlers      map[domain.NodeAddress]*Handler
	limiters      map[string]*rate.Limiter
	retryTimer    *eventloop.Timer
	periodicTimer *eventloop.Timer
	stopped       bool
}

func NewManager(
	node ports.NetworkNode, peerManager ports.PeerManager,
	loop *eventloop.Loop, cfg Config,
) (*Manager, error) {
	if node == nil {
		return nil, fmt.Errorf("missing network node")
	}
	if peerManager == nil {
		return nil, fmt.Errorf("missing peer manager")
	}
	if loop == nil {
		return nil, fmt.Errorf("missing event loop")
	}

	return &Manager{
		node:        node,
		peerManager: peerManager,
		loop:        loop,
		cfg:         cfg.withDefaults(),
		handlers:    make(map[domain.NodeAddress]*Handler),
		limiters:    make(map[string]*rate.Limiter),
		stopped:     true,
	}, nil
}

// Start bootstraps the peer discovery, from the known peers if any,
// otherwise from the seed nodes.
func (m *Manager) Start(ctx context.Context) error {
	m.node.AddMessageListener(m)
	m.node.AddConnectionListener(m)

	return m.loop.ExecuteAndWait(ctx, func() {
		m.stopped = false
		m.peerManager.AddListener(m)

		knownPeers := len(m.peerManager.GetReportedPeers()) +
			len(m.peerManager.GetPersistedPeers())
		if knownPeers > 0 {
			count := m.cfg.MaxInitialRequests
			if maxConns := m.peerManager.MaxConnections(); maxConns < count {
				count = maxConns
			}
			for i := 0; i < count; i++ {
				m.requestWithAvailablePeers()
			}
		} else {
			m.requestFromSeedNodes()
		}
		m.startPeriodicTimer()
	})
}

func (m *Manager) Stop() {
	m.node.RemoveMessageListener(m)
	m.node.RemoveConnectionListener(m)

	_ = m.loop.ExecuteAndWait(context.Background(), func() {
		m.stopped = true
		m.peerManager.RemoveListener(m)
		stopTimer(&m.periodicTimer)
		stopTimer(&m.retryTimer)
		m.closeAllHandlers()
	})
}

// PendingExchanges returns the peers we're currently exchanging peers with.
// It must be called from the event loop.
func (m *Manager) PendingExchanges() []domain.NodeAddress {
	addresses := make([]domain.NodeAddress, 0, len(m.handlers))
	for addr := range m.handlers {
		addresses = append(addresses, addr)
	}
	return addresses
}

// RateLimitedConnections returns how many connections have their inbound
// requests rate limited. It must be called from the event loop.
func (m *Manager) RateLimitedConnections() int {
	return len(m.limiters)
}

// OnMessage is called by the network node from its own goroutines.
func (m *Manager) OnMessage(env domain.NetworkEnvelope, conn ports.Connection) {
	request, ok := env.(*domain.GetPeersRequest)
	if !ok {
		return
	}
	m.loop.Execute(func() { m.onGetPeersRequest(request, conn) })
}

func (m *Manager) OnConnection(ports.Connection) {}

// OnDisconnect is called by the network node from its own goroutines.
func (m *Manager) OnDisconnect(
	reason ports.CloseConnectionReason, conn ports.Connection,
) {
	m.loop.Execute(func() { m.onDisconnect(reason, conn) })
}

func (m *Manager) OnAllConnectionsLost() {
	m.closeAllHandlers()
	stopTimer(&m.periodicTimer)
	stopTimer(&m.retryTimer)
	m.restart()
}

func (m *Manager) OnNewConnectionAfterAllConnectionsLost() {
	m.closeAllHandlers()
	m.restart()
}

func (m *Manager) OnAwakeFromStandby() {
	m.closeAllHandlers()
	if len(m.node.Connections()) > 0 {
		m.restart()
	}
}

func (m *Manager) onGetPeersRequest(
	request *domain.GetPeersRequest, conn ports.Connection,
) {
	if m.stopped {
		log.Debug("peer exchange stopped, ignoring request")
		return
	}

	sender := request.SenderNodeAddress
	if !m.limiter(conn.ID()).Allow() {
		log.WithField("peer", sender).Warn(ErrTooManyRequests)
		return
	}

	handler := NewRequestHandler(
		m.node, m.peerManager, m.loop, listenerFuncs{
			onComplete: func() {
				log.WithField("peer", sender).Trace("answered peer exchange request")
			},
			onFault: func(err error, conn ports.Connection) {
				m.peerManager.HandleConnectionFault(sender, conn)
			},
		}, m.cfg.Timeout,
	)
	handler.Handle(request, conn)
}

func (m *Manager) onDisconnect(
	reason ports.CloseConnectionReason, conn ports.Connection,
) {
	if m.stopped {
		return
	}

	delete(m.limiters, conn.ID())
	addr, ok := conn.PeerAddress()
	if ok {
		if handler, ok := m.handlers[addr]; ok {
			handler.ConnectionLost(reason, conn)
		}
		if reason == ports.CloseReasonPeerBanned || m.peerManager.IsPeerBanned(addr) {
			m.peerManager.RemoveSeedNode(addr)
		}
	}

	m.startRetryTimer()
}

func (m *Manager) requestFromSeedNodes() {
	seeds := m.filterCandidates(m.peerManager.SeedNodeAddresses(), nil)
	if len(seeds) <= 0 {
		log.Info("no known peers nor seed nodes, waiting for inbound connections")
		return
	}
	shuffle(seeds)
	m.requestReportedPeers(seeds[0], seeds[1:])
}

// requestWithAvailablePeers starts an exchange with the best candidate if
// the node doesn't have enough connections yet.
func (m *Manager) requestWithAvailablePeers() {
	if m.stopped {
		return
	}
	if m.peerManager.HasSufficientConnections() {
		log.Debug("sufficient connections, skip peer exchange")
		return
	}

	candidates := m.candidates()
	if len(candidates) <= 0 {
		log.Debug("no peer exchange candidates available, retrying later")
		m.startRetryTimer()
		return
	}
	m.requestReportedPeers(candidates[0], candidates[1:])
}

func (m *Manager) requestReportedPeers(
	addr domain.NodeAddress, remaining []domain.NodeAddress,
) {
	if m.stopped {
		return
	}
	if _, ok := m.handlers[addr]; ok {
		return
	}

	var handler *Handler
	handler = NewHandler(m.node, m.peerManager, m.loop, listenerFuncs{
		onComplete: func() {
			m.removeHandler(addr, handler)
			m.requestWithAvailablePeers()
		},
		onFault: func(err error, _ ports.Connection) {
			m.removeHandler(addr, handler)
			if m.stopped {
				return
			}
			if len(remaining) <= 0 {
				log.Debug("no more peer exchange candidates, retrying later")
				m.startRetryTimer()
				return
			}
			if m.peerManager.HasSufficientConnections() {
				return
			}
			next := remaining[0]
			m.requestReportedPeers(next, remaining[1:])
		},
	}, m.cfg.Timeout)

	m.handlers[addr] = handler
	handler.SendGetPeersRequestAfterRandomDelay(addr)
}

// candidates returns the not connected peers in order of preference:
// reported, persisted and finally seed nodes, each group shuffled. Peers that
// failed too many times come last.
func (m *Manager) candidates() []domain.NodeAddress {
	reported := m.filterCandidates(addresses(m.peerManager.GetReportedPeers()), nil)
	reported = m.excludeSeedNodes(reported)
	shuffle(reported)

	persisted := m.filterCandidates(addresses(m.peerManager.GetPersistedPeers()), reported)
	persisted = m.excludeSeedNodes(persisted)
	shuffle(persisted)

	list := append(reported, persisted...)
	seeds := m.filterCandidates(m.peerManager.SeedNodeAddresses(), list)
	shuffle(seeds)
	list = append(list, seeds...)

	preferred := make([]domain.NodeAddress, 0, len(list))
	deprioritized := make([]domain.NodeAddress, 0)
	for _, addr := range list {
		if m.peerManager.IsDeprioritized(addr) {
			deprioritized = append(deprioritized, addr)
			continue
		}
		preferred = append(preferred, addr)
	}
	return append(preferred, deprioritized...)
}

func (m *Manager) filterCandidates(
	list, exclude []domain.NodeAddress,
) []domain.NodeAddress {
	skip := make(map[domain.NodeAddress]struct{})
	for _, addr := range exclude {
		skip[addr] = struct{}{}
	}
	for _, addr := range m.peerManager.ConnectedNodeAddresses() {
		skip[addr] = struct{}{}
	}
	for addr := range m.handlers {
		skip[addr] = struct{}{}
	}

	filtered := make([]domain.NodeAddress, 0, len(list))
	for _, addr := range list {
		if _, ok := skip[addr]; ok {
			continue
		}
		if m.peerManager.IsSelf(addr) || m.peerManager.IsPeerBanned(addr) {
			continue
		}
		skip[addr] = struct{}{}
		filtered = append(filtered, addr)
	}
	return filtered
}

func (m *Manager) excludeSeedNodes(list []domain.NodeAddress) []domain.NodeAddress {
	filtered := make([]domain.NodeAddress, 0, len(list))
	for _, addr := range list {
		if !m.peerManager.IsSeedNode(addr) {
			filtered = append(filtered, addr)
		}
	}
	return filtered
}

func (m *Manager) restart() {
	if m.stopped {
		return
	}
	m.startPeriodicTimer()
	m.startRetryTimer()
}

func (m *Manager) startPeriodicTimer() {
	if m.periodicTimer != nil {
		return
	}
	m.periodicTimer = m.loop.RunPeriodically(
		m.cfg.RefreshInterval, m.requestWithAvailablePeers,
	)
}

func (m *Manager) startRetryTimer() {
	if m.retryTimer != nil || m.stopped {
		return
	}
	m.retryTimer = m.loop.RunAfter(m.cfg.RetryDelay, func() {
		m.retryTimer = nil
		m.requestWithAvailablePeers()
	})
}

func (m *Manager) closeAllHandlers() {
	for addr, handler := range m.handlers {
		handler.Cancel()
		delete(m.handlers, addr)
	}
}

func (m *Manager) removeHandler(addr domain.NodeAddress, handler *Handler) {
	if m.handlers[addr] == handler {
		delete(m.handlers, addr)
	}
}

// limiter returns the rate limiter of the inbound requests received over
// the given connection, it lives as long as the connection.
func (m *Manager) limiter(connID string) *rate.Limiter {
	limiter, ok := m.limiters[connID]
	if !ok {
		limiter = rate.NewLimiter(
			rate.Every(m.cfg.InboundRequestInterval), m.cfg.InboundRequestBurst,
		)
		m.limiters[connID] = limiter
	}
	return limiter
}

type listenerFuncs struct {
	onComplete func()
	onFault    func(err error, conn ports.Connection)
}

func (l listenerFuncs) OnComplete() {
	l.onComplete()
}

func (l listenerFuncs) OnFault(err error, conn ports.Connection) {
	l.onFault(err, conn)
}

func addresses(peers []domain.Peer) []domain.NodeAddress {
	list := make([]domain.NodeAddress, 0, len(peers))
	for _, p := range peers {
		list = append(list, p.NodeAddress)
	}
	return list
}

func shuffle(list []domain.NodeAddress) {
	rand.Shuffle(len(list), func(i, j int) {
		list[i], list[j] = list[j], list[i]
	})
}

func stopTimer(timer **eventloop.Timer) {
	if *timer != nil {
		(*timer).Stop()
		*timer = nil
	}
}
