package tcp

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"github.com/tdex-network/tdex-p2p/internal/core/domain"
	"github.com/tdex-network/tdex-p2p/internal/core/ports"
)

type connection struct {
	id       string
	node     *Node
	conn     net.Conn
	reader   *bufio.Reader
	outbound bool

	writeLock sync.Mutex

	lock      sync.RWMutex
	peer      domain.NodeAddress
	peerKnown bool

	closeOnce sync.Once
}

func newConnection(
	node *Node, netConn net.Conn, peer domain.NodeAddress, outbound bool,
) *connection {
	conn := newIdleBreaker(netConn, node.cfg.IdleTimeout)
	return &connection{
		id:        uuid.New().String(),
		node:      node,
		conn:      conn,
		reader:    bufio.NewReader(conn),
		outbound:  outbound,
		peer:      peer,
		peerKnown: outbound,
	}
}

func (c *connection) ID() string {
	return c.id
}

func (c *connection) PeerAddress() (domain.NodeAddress, bool) {
	c.lock.RLock()
	defer c.lock.RUnlock()

	return c.peer, c.peerKnown
}

func (c *connection) Send(ctx context.Context, env domain.NetworkEnvelope) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %s", ports.ErrSendTimeout, err)
	}

	buf, err := c.node.codec.EncodeEnvelope(env)
	if err != nil {
		return fmt.Errorf("%w: %s", ports.ErrSendFailure, err)
	}
	if len(buf) > c.node.cfg.MaxMessageSize {
		return fmt.Errorf(
			"%w: envelope exceeds max size (%d bytes)", ports.ErrSendFailure, len(buf),
		)
	}

	c.writeLock.Lock()
	defer c.writeLock.Unlock()

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Time{}
	}
	if err := c.conn.SetWriteDeadline(deadline); err != nil {
		return fmt.Errorf("%w: %s", ports.ErrSendFailure, err)
	}

	if err := writeFrame(c.conn, buf); err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			c.Close(ports.CloseReasonSocketTimeout)
			return fmt.Errorf("%w: %s", ports.ErrSendTimeout, err)
		}
		c.Close(ports.CloseReasonReset)
		return fmt.Errorf("%w: %s", ports.ErrSendFailure, err)
	}
	return nil
}

func (c *connection) Close(reason ports.CloseConnectionReason) {
	c.closeOnce.Do(func() {
		removed := c.node.removeConnection(c)
		c.conn.Close()

		if !removed {
			return
		}
		peer, known := c.PeerAddress()
		log.WithFields(log.Fields{
			"peer":     peer,
			"outbound": c.outbound,
			"reason":   reason,
		}).Debug("connection closed")
		if known {
			c.node.notifyDisconnect(reason, c)
		}
	})
}

func (c *connection) readLoop() {
	defer c.node.wg.Done()

	for {
		buf, err := readFrame(c.reader, c.node.cfg.MaxMessageSize)
		if err != nil {
			c.Close(closeReasonFor(err))
			return
		}

		env, err := c.node.codec.DecodeEnvelope(buf)
		if err != nil {
			log.WithError(err).WithField("connection", c.id).Warn(
				"closing connection after invalid envelope",
			)
			c.Close(ports.CloseReasonInvalidMessage)
			return
		}

		if _, known := c.PeerAddress(); !known {
			c.learnPeerAddress(env)
		}
		c.node.deliver(env, c)
	}
}

// learnPeerAddress binds the inbound connection to the sender address of
// the envelope, if it has one.
func (c *connection) learnPeerAddress(env domain.NetworkEnvelope) {
	peer, ok := senderOf(env)
	if !ok || peer.IsEmpty() {
		return
	}

	c.lock.Lock()
	c.peer, c.peerKnown = peer, true
	c.lock.Unlock()

	if c.node.setPeerAddress(c, peer) {
		c.node.notifyConnection(c)
	}
}

func senderOf(env domain.NetworkEnvelope) (domain.NodeAddress, bool) {
	switch m := env.(type) {
	case *domain.GetPeersRequest:
		return m.SenderNodeAddress, true
	case *domain.PrefixedSealedAndSignedMessage:
		return m.SenderNodeAddress, true
	default:
		return domain.NodeAddress{}, false
	}
}

func closeReasonFor(err error) ports.CloseConnectionReason {
	var netErr net.Error
	switch {
	case errors.Is(err, io.EOF), errors.Is(err, net.ErrClosed):
		return ports.CloseReasonSocketClosed
	case errors.Is(err, ErrInvalidFrameSize):
		return ports.CloseReasonRuleViolation
	case errors.As(err, &netErr) && netErr.Timeout():
		return ports.CloseReasonSocketTimeout
	default:
		return ports.CloseReasonReset
	}
}
