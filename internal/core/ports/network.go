package ports

import (
	"context"
	"errors"

	"github.com/tdex-network/tdex-p2p/internal/core/domain"
)

var (
	// ErrSendFailure is returned when a message could not be sent to a peer.
	ErrSendFailure = errors.New("send message failure")
	// ErrSendTimeout is returned when sending a message took too long.
	ErrSendTimeout = errors.New("send message timeout")
	// ErrNodeStopped is returned when using a stopped network node.
	ErrNodeStopped = errors.New("network node is stopped")
)

// CloseConnectionReason tells why a connection was closed.
type CloseConnectionReason int

const (
	CloseReasonUnknown CloseConnectionReason = iota
	CloseReasonSocketClosed
	CloseReasonReset
	CloseReasonSocketTimeout
	CloseReasonTerminated
	CloseReasonRequestedByPeer
	CloseReasonTooManyConnections
	CloseReasonRuleViolation
	CloseReasonPeerBanned
	CloseReasonInvalidMessage
)

var closeReasonNames = map[CloseConnectionReason]string{
	CloseReasonUnknown:            "UNKNOWN",
	CloseReasonSocketClosed:       "SOCKET_CLOSED",
	CloseReasonReset:              "RESET",
	CloseReasonSocketTimeout:      "SOCKET_TIMEOUT",
	CloseReasonTerminated:         "TERMINATED",
	CloseReasonRequestedByPeer:    "CLOSE_REQUESTED_BY_PEER",
	CloseReasonTooManyConnections: "TOO_MANY_CONNECTIONS_OPEN",
	CloseReasonRuleViolation:      "RULE_VIOLATION",
	CloseReasonPeerBanned:         "PEER_BANNED",
	CloseReasonInvalidMessage:     "INVALID_MESSAGE",
}

func (r CloseConnectionReason) String() string {
	if name, ok := closeReasonNames[r]; ok {
		return name
	}
	return "UNKNOWN"
}

// IsBan returns whether the connection was closed because the peer is
// banned or misbehaved.
func (r CloseConnectionReason) IsBan() bool {
	return r == CloseReasonPeerBanned || r == CloseReasonRuleViolation
}

// IsIntended returns whether the connection was closed on purpose by one of
// the parties.
func (r CloseConnectionReason) IsIntended() bool {
	return r == CloseReasonTerminated ||
		r == CloseReasonRequestedByPeer ||
		r == CloseReasonTooManyConnections
}

// Connection is an established link with a peer.
type Connection interface {
	ID() string
	// PeerAddress returns the address of the peer, if already known. For
	// inbound connections it's learnt with the first message received.
	PeerAddress() (domain.NodeAddress, bool)
	Send(ctx context.Context, env domain.NetworkEnvelope) error
	Close(reason CloseConnectionReason)
}

// MessageListener is notified about every inbound envelope.
type MessageListener interface {
	OnMessage(env domain.NetworkEnvelope, conn Connection)
}

// ConnectionListener is notified about connections being opened and closed.
type ConnectionListener interface {
	OnConnection(conn Connection)
	OnDisconnect(reason CloseConnectionReason, conn Connection)
}

// NetworkNode sends and receives envelopes to and from the overlay.
// Listeners are notified from the node's goroutines, they must not block.
type NetworkNode interface {
	Start(ctx context.Context) error
	Stop()
	NodeAddress() domain.NodeAddress
	// SendMessage sends the envelope to the given peer, reusing an existing
	// connection if any. It blocks until the envelope is written and fails
	// with ErrSendFailure or ErrSendTimeout.
	SendMessage(
		ctx context.Context, peer domain.NodeAddress, env domain.NetworkEnvelope,
	) (Connection, error)
	// Connections returns the connections whose peer address is known.
	Connections() []Connection
	AddMessageListener(l MessageListener)
	RemoveMessageListener(l MessageListener)
	AddConnectionListener(l ConnectionListener)
	RemoveConnectionListener(l ConnectionListener)
}

// MessageCodec serializes envelopes and trade messages for the wire.
type MessageCodec interface {
	EncodeEnvelope(env domain.NetworkEnvelope) ([]byte, error)
	DecodeEnvelope(buf []byte) (domain.NetworkEnvelope, error)
	EncodeTradeMessage(msg domain.TradeMessage) ([]byte, error)
	DecodeTradeMessage(buf []byte) (domain.TradeMessage, error)
}
