package peers

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/tdex-network/tdex-p2p/internal/core/domain"
	"github.com/tdex-network/tdex-p2p/internal/core/ports"
	"github.com/tdex-network/tdex-p2p/pkg/eventloop"
)

const (
	MaxReportedPeers  = 1000
	MaxPersistedPeers = 500
	// MaxAge is the age after which reported and persisted peers are purged.
	MaxAge = 14 * 24 * time.Hour
	// MaxAgeLivePeers is the window of the live peers reported to others.
	MaxAgeLivePeers = 30 * time.Minute

	housekeepingInterval = time.Minute
	checkpointDelay      = 2 * time.Second
	standbyCheckInterval = 10 * time.Second
	standbyTolerance     = 5 * time.Second
)

// Config holds the connection limits and the seed nodes of the manager.
type Config struct {
	MaxConnections int
	SeedNodes      []domain.NodeAddress
}

func DefaultConfig() Config {
	return Config{MaxConnections: 12}
}

// Manager keeps track of reported, persisted and live peers of the node.
// Apart from Start, Stop and the connection listener methods, it must be used
// only from the event loop.
type Manager struct {
	node ports.NetworkNode
	repo domain.PeerRepository
	loop *eventloop.Loop

	maxConnections         int
	minConnections         int
	maxConnectionsAbsolute int

	seedNodes       map[domain.NodeAddress]struct{}
	reportedPeers   map[domain.NodeAddress]domain.Peer
	persistedPeers  map[domain.NodeAddress]domain.Peer
	latestLivePeers map[domain.NodeAddress]domain.Peer
	failedAttempts  map[domain.NodeAddress]int
	bannedPeers     map[domain.NodeAddress]struct{}
	listeners       []ports.PeerManagerListener

	lostAllConnections bool
	stopped            bool

	housekeepingTimer *eventloop.Timer
	standbyTimer      *eventloop.Timer
	checkpointTimer   *eventloop.Timer
	lastStandbyCheck  time.Time

	checkpointLock sync.Mutex
	checkpointSeq  uint64
	savedSeq       uint64
}

func NewManager(
	node ports.NetworkNode, repo domain.PeerRepository,
	loop *eventloop.Loop, cfg Config,
) (*Manager, error) {
	if node == nil {
		return nil, fmt.Errorf("missing network node")
	}
	if repo == nil {
		return nil, fmt.Errorf("missing peer repository")
	}
	if loop == nil {
		return nil, fmt.Errorf("missing event loop")
	}
	if cfg.MaxConnections <= 0 {
		return nil, fmt.Errorf("max connections must be a positive number")
	}

	seedNodes := make(map[domain.NodeAddress]struct{})
	for _, addr := range cfg.SeedNodes {
		seedNodes[addr] = struct{}{}
	}

	return &Manager{
		node:                   node,
		repo:                   repo,
		loop:                   loop,
		maxConnections:         cfg.MaxConnections,
		minConnections:         minConnections(cfg.MaxConnections),
		maxConnectionsAbsolute: maxConnectionsAbsolute(cfg.MaxConnections),
		seedNodes:              seedNodes,
		reportedPeers:          make(map[domain.NodeAddress]domain.Peer),
		persistedPeers:         make(map[domain.NodeAddress]domain.Peer),
		latestLivePeers:        make(map[domain.NodeAddress]domain.Peer),
		failedAttempts:         make(map[domain.NodeAddress]int),
		bannedPeers:            make(map[domain.NodeAddress]struct{}),
	}, nil
}

// Start loads the persisted peers checkpoint, dropping too old ones, and
// starts listening for connection events.
func (m *Manager) Start(ctx context.Context) error {
	peers, err := m.repo.GetPeers(ctx)
	if err != nil {
		return fmt.Errorf("failed to load persisted peers: %w", err)
	}

	return m.loop.ExecuteAndWait(ctx, func() {
		now := time.Now()
		for _, peer := range peers {
			if peer.IsOlderThan(MaxAge, now) || m.IsSelf(peer.NodeAddress) {
				continue
			}
			m.persistedPeers[peer.NodeAddress] = peer
		}
		log.Debugf("loaded %d persisted peers", len(m.persistedPeers))

		m.stopped = false
		m.lastStandbyCheck = time.Now().Round(0)
		m.housekeepingTimer = m.loop.RunPeriodically(
			housekeepingInterval, m.doHouseKeeping,
		)
		m.standbyTimer = m.loop.RunPeriodically(
			standbyCheckInterval, m.checkStandby,
		)
		m.node.AddConnectionListener(m)
	})
}

// Stop stops listening for connection events and flushes the persisted
// peers checkpoint.
func (m *Manager) Stop() {
	m.node.RemoveConnectionListener(m)

	var snapshot []domain.Peer
	var seq uint64
	_ = m.loop.ExecuteAndWait(context.Background(), func() {
		m.stopped = true
		stopTimer(&m.housekeepingTimer)
		stopTimer(&m.standbyTimer)
		stopTimer(&m.checkpointTimer)
		snapshot, seq = m.snapshotPersistedPeers()
	})
	if snapshot != nil {
		m.savePersistedPeers(snapshot, seq)
	}
}

func (m *Manager) MaxConnections() int {
	return m.maxConnections
}

func (m *Manager) IsSelf(addr domain.NodeAddress) bool {
	return addr == m.node.NodeAddress()
}

func (m *Manager) IsSeedNode(addr domain.NodeAddress) bool {
	_, ok := m.seedNodes[addr]
	return ok
}

func (m *Manager) SeedNodeAddresses() []domain.NodeAddress {
	addresses := make([]domain.NodeAddress, 0, len(m.seedNodes))
	for addr := range m.seedNodes {
		addresses = append(addresses, addr)
	}
	return addresses
}

func (m *Manager) RemoveSeedNode(addr domain.NodeAddress) {
	if _, ok := m.seedNodes[addr]; ok {
		delete(m.seedNodes, addr)
		log.Infof("removed seed node %s", addr)
	}
}

func (m *Manager) ConnectedNodeAddresses() []domain.NodeAddress {
	conns := m.node.Connections()
	addresses := make([]domain.NodeAddress, 0, len(conns))
	for _, conn := range conns {
		if addr, ok := conn.PeerAddress(); ok {
			addresses = append(addresses, addr)
		}
	}
	return addresses
}

// HasSufficientConnections returns whether the number of connections reached
// the min target, that is 70% of the max connections.
func (m *Manager) HasSufficientConnections() bool {
	return len(m.node.Connections()) >= m.minConnections
}

func (m *Manager) GetReportedPeers() []domain.Peer {
	return peerList(m.reportedPeers)
}

func (m *Manager) GetPersistedPeers() []domain.Peer {
	return peerList(m.persistedPeers)
}

// GetLivePeers returns the non-seed peers connected in the last 30 minutes,
// currently connected ones included.
func (m *Manager) GetLivePeers(exclude *domain.NodeAddress) []domain.Peer {
	now := time.Now()
	for _, addr := range m.ConnectedNodeAddresses() {
		if m.IsSeedNode(addr) || m.IsSelf(addr) {
			continue
		}
		m.latestLivePeers[addr] = domain.Peer{NodeAddress: addr, Date: now}
	}

	peers := make([]domain.Peer, 0, len(m.latestLivePeers))
	for addr, peer := range m.latestLivePeers {
		if peer.IsOlderThan(MaxAgeLivePeers, now) {
			delete(m.latestLivePeers, addr)
			continue
		}
		if exclude != nil && addr == *exclude {
			continue
		}
		peers = append(peers, peer)
	}
	return peers
}

// AddToReportedPeers merges the peers reported by the given connection into
// the reported and persisted sets. A report bigger than what an honest node
// could send is a rule violation and closes the connection.
func (m *Manager) AddToReportedPeers(peers []domain.Peer, conn ports.Connection) {
	if len(peers) > MaxReportedPeers+m.maxConnectionsAbsolute+10 {
		log.Warnf(
			"peer reported %d peers, closing connection for rule violation",
			len(peers),
		)
		if conn != nil {
			conn.Close(ports.CloseReasonRuleViolation)
		}
		return
	}

	count := 0
	for _, peer := range peers {
		addr := peer.NodeAddress
		if addr.IsEmpty() || m.IsSelf(addr) || m.IsPeerBanned(addr) {
			continue
		}
		// Reported dates in the future would keep the peer from ever being
		// removed as too old.
		reported := domain.NewPeer(addr)
		if !peer.Date.IsZero() && peer.Date.Before(reported.Date) {
			reported.Date = peer.Date
		}
		m.reportedPeers[addr] = reported
		if persisted, ok := m.persistedPeers[addr]; ok {
			reported.FailedConnectionAttempts = persisted.FailedConnectionAttempts
		}
		m.persistedPeers[addr] = reported
		count++
	}
	log.Debugf("received %d new reported peers", count)

	purgeIfExceeds(m.reportedPeers, MaxReportedPeers)
	purgeIfExceeds(m.persistedPeers, MaxPersistedPeers)
	m.requestCheckpoint()
}

// HandleConnectionFault records a failed connection attempt to the peer.
// Peers failing too many times are dropped from the persisted ones and
// deprioritized as exchange candidates.
func (m *Manager) HandleConnectionFault(
	addr domain.NodeAddress, conn ports.Connection,
) {
	delete(m.reportedPeers, addr)
	m.failedAttempts[addr]++

	removePersisted := m.failedAttempts[addr] >= domain.MaxFailedConnectionAttempts
	if persisted, ok := m.persistedPeers[addr]; ok {
		persisted.IncreaseFailedConnectionAttempts()
		m.persistedPeers[addr] = persisted
		removePersisted = removePersisted || persisted.TooManyFailedConnectionAttempts()
	}

	if removePersisted {
		if _, ok := m.persistedPeers[addr]; ok {
			delete(m.persistedPeers, addr)
			log.Debugf("removed persisted peer %s after too many failures", addr)
		}
	} else {
		m.removeTooOldPersistedPeers()
	}
	m.requestCheckpoint()
}

func (m *Manager) IsDeprioritized(addr domain.NodeAddress) bool {
	return m.failedAttempts[addr] >= domain.MaxFailedConnectionAttempts
}

func (m *Manager) IsPeerBanned(addr domain.NodeAddress) bool {
	_, ok := m.bannedPeers[addr]
	return ok
}

func (m *Manager) AddListener(l ports.PeerManagerListener) {
	m.listeners = append(m.listeners, l)
}

func (m *Manager) RemoveListener(l ports.PeerManagerListener) {
	for i, listener := range m.listeners {
		if listener == l {
			m.listeners = append(m.listeners[:i], m.listeners[i+1:]...)
			return
		}
	}
}

// OnConnection is called by the network node from its own goroutines.
func (m *Manager) OnConnection(conn ports.Connection) {
	m.loop.Execute(func() { m.onConnection(conn) })
}

// OnDisconnect is called by the network node from its own goroutines.
func (m *Manager) OnDisconnect(
	reason ports.CloseConnectionReason, conn ports.Connection,
) {
	m.loop.Execute(func() { m.onDisconnect(reason, conn) })
}

// AwakeFromStandby notifies the listeners that the node resumed after
// the host was suspended. It's triggered by the standby detector, but can be
// called from the event loop by the application as well.
func (m *Manager) AwakeFromStandby() {
	log.Info("awake from standby")
	for _, l := range m.copyListeners() {
		l.OnAwakeFromStandby()
	}
}

func (m *Manager) onConnection(conn ports.Connection) {
	if m.stopped {
		return
	}

	if m.lostAllConnections {
		m.lostAllConnections = false
		log.Info("established a new connection after all connections lost")
		for _, l := range m.copyListeners() {
			l.OnNewConnectionAfterAllConnectionsLost()
		}
	}

	if addr, ok := conn.PeerAddress(); ok {
		delete(m.failedAttempts, addr)
		if persisted, ok := m.persistedPeers[addr]; ok {
			persisted.ResetFailedConnectionAttempts()
			m.persistedPeers[addr] = persisted
		}
	}
}

func (m *Manager) onDisconnect(
	reason ports.CloseConnectionReason, conn ports.Connection,
) {
	if m.stopped {
		return
	}

	addr, hasAddr := conn.PeerAddress()
	log.WithField("peer", addr).Debugf("disconnected, reason: %s", reason)

	if hasAddr && !reason.IsIntended() {
		m.HandleConnectionFault(addr, conn)
	}

	wasLost := m.lostAllConnections
	m.lostAllConnections = len(m.node.Connections()) == 0
	if m.lostAllConnections && !wasLost {
		log.Warn("all connections lost")
		for _, l := range m.copyListeners() {
			l.OnAllConnectionsLost()
		}
	}

	if hasAddr && reason == ports.CloseReasonPeerBanned {
		m.banPeer(addr)
	}
}

func (m *Manager) banPeer(addr domain.NodeAddress) {
	m.bannedPeers[addr] = struct{}{}
	m.RemoveSeedNode(addr)
	delete(m.reportedPeers, addr)
	delete(m.persistedPeers, addr)
	delete(m.latestLivePeers, addr)
	m.requestCheckpoint()
	log.Infof("peer %s banned", addr)
}

func (m *Manager) doHouseKeeping() {
	now := time.Now()
	for addr, peer := range m.reportedPeers {
		if peer.IsOlderThan(MaxAge, now) {
			delete(m.reportedPeers, addr)
		}
	}
	m.removeTooOldPersistedPeers()
}

func (m *Manager) removeTooOldPersistedPeers() {
	now := time.Now()
	removed := false
	for addr, peer := range m.persistedPeers {
		if peer.IsOlderThan(MaxAge, now) {
			delete(m.persistedPeers, addr)
			removed = true
		}
	}
	if removed {
		m.requestCheckpoint()
	}
}

// checkStandby detects that the host has been suspended by comparing the
// elapsed wall clock time with the check interval.
func (m *Manager) checkStandby() {
	now := time.Now().Round(0)
	elapsed := now.Sub(m.lastStandbyCheck)
	m.lastStandbyCheck = now
	if elapsed > 2*standbyCheckInterval+standbyTolerance {
		log.Infof("missed %s of activity", elapsed-standbyCheckInterval)
		m.AwakeFromStandby()
	}
}

// requestCheckpoint schedules the persistence of the persisted peers,
// batching close changes into one write.
func (m *Manager) requestCheckpoint() {
	if m.checkpointTimer != nil || m.stopped {
		return
	}
	m.checkpointTimer = m.loop.RunAfter(checkpointDelay, func() {
		m.checkpointTimer = nil
		snapshot, seq := m.snapshotPersistedPeers()
		go m.savePersistedPeers(snapshot, seq)
	})
}

func (m *Manager) snapshotPersistedPeers() ([]domain.Peer, uint64) {
	m.checkpointSeq++
	return peerList(m.persistedPeers), m.checkpointSeq
}

func (m *Manager) savePersistedPeers(peers []domain.Peer, seq uint64) {
	m.checkpointLock.Lock()
	defer m.checkpointLock.Unlock()

	// An older snapshot must never overwrite a newer one.
	if seq <= m.savedSeq {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := m.repo.ReplacePeers(ctx, peers); err != nil {
		log.WithError(err).Warn("failed to checkpoint persisted peers")
		return
	}
	m.savedSeq = seq
}

func (m *Manager) copyListeners() []ports.PeerManagerListener {
	return append([]ports.PeerManagerListener{}, m.listeners...)
}

func peerList(peers map[domain.NodeAddress]domain.Peer) []domain.Peer {
	list := make([]domain.Peer, 0, len(peers))
	for _, peer := range peers {
		list = append(list, peer)
	}
	return list
}

// purgeIfExceeds removes random peers until the size of the set is within
// the limit.
func purgeIfExceeds(peers map[domain.NodeAddress]domain.Peer, limit int) {
	diff := len(peers) - limit
	if diff <= 0 {
		return
	}
	log.Debugf("removing %d random peers exceeding limit of %d", diff, limit)

	addresses := make([]domain.NodeAddress, 0, len(peers))
	for addr := range peers {
		addresses = append(addresses, addr)
	}
	rand.Shuffle(len(addresses), func(i, j int) {
		addresses[i], addresses[j] = addresses[j], addresses[i]
	})
	for _, addr := range addresses[:diff] {
		delete(peers, addr)
	}
}

func minConnections(maxConnections int) int {
	return int(math.Max(1, math.Round(float64(maxConnections)*0.7)))
}

func maxConnectionsAbsolute(maxConnections int) int {
	return int(math.Max(12, math.Round(float64(maxConnections)*2.5)))
}

func stopTimer(timer **eventloop.Timer) {
	if *timer != nil {
		(*timer).Stop()
		*timer = nil
	}
}
