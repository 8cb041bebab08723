package ports

import "github.com/tdex-network/tdex-p2p/internal/core/domain"

// PeerManagerListener is notified about the health of the node connections.
type PeerManagerListener interface {
	OnAllConnectionsLost()
	OnNewConnectionAfterAllConnectionsLost()
	OnAwakeFromStandby()
}

// PeerManager keeps track of the known peers. It must be used only from the
// protocol event loop.
type PeerManager interface {
	MaxConnections() int
	IsSelf(addr domain.NodeAddress) bool
	IsSeedNode(addr domain.NodeAddress) bool
	SeedNodeAddresses() []domain.NodeAddress
	RemoveSeedNode(addr domain.NodeAddress)
	ConnectedNodeAddresses() []domain.NodeAddress
	HasSufficientConnections() bool

	GetReportedPeers() []domain.Peer
	GetPersistedPeers() []domain.Peer
	// GetLivePeers returns the non-seed peers connected in the recent past,
	// excluding the given address.
	GetLivePeers(exclude *domain.NodeAddress) []domain.Peer
	// AddToReportedPeers merges the peers reported by the given connection.
	// Oversized reports are a rule violation and close the connection.
	AddToReportedPeers(peers []domain.Peer, conn Connection)
	// HandleConnectionFault records a failed connection attempt to the peer.
	HandleConnectionFault(addr domain.NodeAddress, conn Connection)
	// IsDeprioritized returns whether the peer failed too many times.
	IsDeprioritized(addr domain.NodeAddress) bool
	IsPeerBanned(addr domain.NodeAddress) bool

	AddListener(l PeerManagerListener)
	RemoveListener(l PeerManagerListener)
}
