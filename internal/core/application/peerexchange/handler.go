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
)

const (
	// DefaultTimeout is how long a peer has to answer a GetPeersRequest.
	DefaultTimeout = 40 * time.Second

	maxRandomDelayMs = 1000
)

// Listener is notified once about the outcome of an exchange.
type Listener interface {
	OnComplete()
	OnFault(err error, conn ports.Connection)
}

type handlerState int

const (
	stateIdle handlerState = iota
	stateRequestSent
	stateComplete
	stateFault
	stateCancelled
)

func (s handlerState) String() string {
	switch s {
	case stateIdle:
		return "IDLE"
	case stateRequestSent:
		return "REQUEST_SENT"
	case stateComplete:
		return "COMPLETE"
	case stateFault:
		return "FAULT"
	case stateCancelled:
		return "CANCELLED"
	default:
		return "UNKNOWN"
	}
}

// Handler runs a single GetPeers round trip with a peer. Apart from OnMessage
// it must be used only from the event loop, and it can't be reused.
type Handler struct {
	node        ports.NetworkNode
	peerManager ports.PeerManager
	loop        *eventloop.Loop
	listener    Listener
	timeout     time.Duration

	state        handlerState
	peer         domain.NodeAddress
	nonce        int32
	conn         ports.Connection
	ctx          context.Context
	cancel       context.CancelFunc
	delayTimer   *eventloop.Timer
	timeoutTimer *eventloop.Timer
}

func NewHandler(
	node ports.NetworkNode, peerManager ports.PeerManager,
	loop *eventloop.Loop, listener Listener, timeout time.Duration,
) *Handler {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Handler{
		node:        node,
		peerManager: peerManager,
		loop:        loop,
		listener:    listener,
		timeout:     timeout,
		ctx:         ctx,
		cancel:      cancel,
	}
}

// SendGetPeersRequestAfterRandomDelay sends the request after waiting
// between 1 and 1000 ms, so that nodes starting together don't all hit the
// seed nodes at once.
func (h *Handler) SendGetPeersRequestAfterRandomDelay(peer domain.NodeAddress) {
	delay := time.Duration(1+rand.Intn(maxRandomDelayMs)) * time.Millisecond
	h.delayTimer = h.loop.RunAfter(delay, func() {
		h.delayTimer = nil
		h.SendGetPeersRequest(peer)
	})
}

// SendGetPeersRequest sends the request to the peer reporting our live
// peers, and arms the timeout guarding the response.
func (h *Handler) SendGetPeersRequest(peer domain.NodeAddress) {
	if h.state != stateIdle {
		log.Debugf(
			"skip sending peer exchange request to %s in state %s", peer, h.state,
		)
		return
	}

	h.peer = peer
	h.nonce = rand.Int31()
	h.state = stateRequestSent
	h.node.AddMessageListener(h)

	request := &domain.GetPeersRequest{
		SenderNodeAddress: h.node.NodeAddress(),
		Nonce:             h.nonce,
		ReportedPeers:     h.peerManager.GetLivePeers(&peer),
	}

	h.timeoutTimer = h.loop.RunAfter(h.timeout, func() {
		h.timeoutTimer = nil
		err := fmt.Errorf("%w: no response from %s after %s", ErrTimeout, peer, h.timeout)
		h.fault(err, h.conn, ports.CloseReasonSocketTimeout)
	})

	ctx := h.ctx
	go func() {
		sendCtx, cancel := context.WithTimeout(ctx, h.timeout)
		defer cancel()

		conn, err := h.node.SendMessage(sendCtx, peer, request)
		h.loop.Execute(func() { h.onSendResult(conn, err) })
	}()
}

// OnMessage is called by the network node from its own goroutines.
func (h *Handler) OnMessage(env domain.NetworkEnvelope, conn ports.Connection) {
	response, ok := env.(*domain.GetPeersResponse)
	if !ok {
		return
	}
	h.loop.Execute(func() { h.onResponse(response, conn) })
}

// ConnectionLost faults the exchange if it's still waiting for the response.
// The connection fault is already known to the peer manager.
func (h *Handler) ConnectionLost(
	reason ports.CloseConnectionReason, conn ports.Connection,
) {
	if h.state != stateRequestSent {
		return
	}
	h.state = stateFault
	h.cleanup()
	h.listener.OnFault(fmt.Errorf("%w: %s", ErrConnectionLost, reason), conn)
}

// Cancel stops the exchange without notifying the listener. It's a no-op
// when the exchange is already over.
func (h *Handler) Cancel() {
	switch h.state {
	case stateComplete, stateFault, stateCancelled:
		return
	}
	h.state = stateCancelled
	h.cleanup()
}

// IsDone returns whether the exchange completed, faulted or was cancelled.
func (h *Handler) IsDone() bool {
	return h.state != stateIdle && h.state != stateRequestSent
}

func (h *Handler) Peer() domain.NodeAddress {
	return h.peer
}

func (h *Handler) onSendResult(conn ports.Connection, err error) {
	if h.state != stateRequestSent {
		return
	}
	if err != nil {
		h.fault(
			fmt.Errorf("failed to send peer exchange request to %s: %w", h.peer, err),
			conn, ports.CloseReasonReset,
		)
		return
	}
	h.conn = conn
}

func (h *Handler) onResponse(
	response *domain.GetPeersResponse, conn ports.Connection,
) {
	if h.state != stateRequestSent {
		return
	}
	if response.RequestNonce != h.nonce {
		log.WithField("peer", h.peer).Debugf(
			"%s: got %d, expected %d",
			ErrNonceMismatch, response.RequestNonce, h.nonce,
		)
		return
	}

	h.state = stateComplete
	h.conn = conn
	h.cleanup()
	h.peerManager.AddToReportedPeers(response.ReportedPeers, conn)
	h.listener.OnComplete()
}

func (h *Handler) fault(
	err error, conn ports.Connection, reason ports.CloseConnectionReason,
) {
	if h.state != stateRequestSent {
		return
	}
	log.WithField("peer", h.peer).WithError(err).Debug("peer exchange failed")

	h.state = stateFault
	h.cleanup()
	h.peerManager.HandleConnectionFault(h.peer, conn)
	if conn != nil {
		conn.Close(reason)
	}
	h.listener.OnFault(err, conn)
}

func (h *Handler) cleanup() {
	h.cancel()
	h.node.RemoveMessageListener(h)
	if h.delayTimer != nil {
		h.delayTimer.Stop()
		h.delayTimer = nil
	}
	if h.timeoutTimer != nil {
		h.timeoutTimer.Stop()
		h.timeoutTimer = nil
	}
}
