package peerexchange

import (
	"context"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/tdex-network/tdex-p2p/internal/core/domain"
	"github.com/tdex-network/tdex-p2p/internal/core/ports"
	"github.com/tdex-network/tdex-p2p/pkg/eventloop"
)

// RequestHandler answers a single inbound GetPeersRequest. It must be used
// only from the event loop.
type RequestHandler struct {
	node        ports.NetworkNode
	peerManager ports.PeerManager
	loop        *eventloop.Loop
	listener    Listener
	timeout     time.Duration

	done         bool
	timeoutTimer *eventloop.Timer
}

func NewRequestHandler(
	node ports.NetworkNode, peerManager ports.PeerManager,
	loop *eventloop.Loop, listener Listener, timeout time.Duration,
) *RequestHandler {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &RequestHandler{
		node:        node,
		peerManager: peerManager,
		loop:        loop,
		listener:    listener,
		timeout:     timeout,
	}
}

// Handle sends back our live peers, except the requester, and merges the
// peers reported with the request.
func (h *RequestHandler) Handle(
	request *domain.GetPeersRequest, conn ports.Connection,
) {
	sender := request.SenderNodeAddress
	if addr, ok := conn.PeerAddress(); ok && addr != sender {
		h.fault(
			fmt.Errorf("%w: got %s, connected to %s", ErrSenderMismatch, sender, addr),
			conn, ports.CloseReasonRuleViolation,
		)
		return
	}

	response := &domain.GetPeersResponse{
		RequestNonce:  request.Nonce,
		ReportedPeers: h.peerManager.GetLivePeers(&sender),
	}

	h.timeoutTimer = h.loop.RunAfter(h.timeout, func() {
		h.timeoutTimer = nil
		err := fmt.Errorf(
			"%w: sending response to %s took more than %s", ErrTimeout, sender, h.timeout,
		)
		h.fault(err, conn, ports.CloseReasonSocketTimeout)
	})

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), h.timeout)
		defer cancel()

		err := conn.Send(ctx, response)
		h.loop.Execute(func() {
			if err != nil {
				h.fault(
					fmt.Errorf("failed to send peer exchange response to %s: %w", sender, err),
					conn, ports.CloseReasonReset,
				)
				return
			}
			h.complete()
		})
	}()

	h.peerManager.AddToReportedPeers(request.ReportedPeers, conn)
}

func (h *RequestHandler) complete() {
	if h.done {
		return
	}
	h.done = true
	h.stopTimeout()
	h.listener.OnComplete()
}

func (h *RequestHandler) fault(
	err error, conn ports.Connection, reason ports.CloseConnectionReason,
) {
	if h.done {
		return
	}
	h.done = true
	h.stopTimeout()
	log.WithError(err).Debug("failed to answer peer exchange request")

	conn.Close(reason)
	h.listener.OnFault(err, conn)
}

func (h *RequestHandler) stopTimeout() {
	if h.timeoutTimer != nil {
		h.timeoutTimer.Stop()
		h.timeoutTimer = nil
	}
}
