package domain

import (
	"fmt"
	"net"
	"strconv"
	"time"
)

const (
	// MaxFailedConnectionAttempts is the number of consecutive failed
	// connections after which a peer is eligible for removal.
	MaxFailedConnectionAttempts = 5
)

// NodeAddress identifies a peer on the overlay. It's compared by value.
type NodeAddress struct {
	Host string
	Port int
}

// ParseNodeAddress parses a host:port string.
func ParseNodeAddress(addr string) (NodeAddress, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return NodeAddress{}, fmt.Errorf("%w: %s", ErrInvalidNodeAddress, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 || port > 65535 {
		return NodeAddress{}, fmt.Errorf("%w: invalid port %s", ErrInvalidNodeAddress, portStr)
	}
	if len(host) <= 0 {
		return NodeAddress{}, fmt.Errorf("%w: missing host", ErrInvalidNodeAddress)
	}
	return NodeAddress{host, port}, nil
}

func (a NodeAddress) String() string {
	return net.JoinHostPort(a.Host, strconv.Itoa(a.Port))
}

func (a NodeAddress) IsEmpty() bool {
	return a.Host == "" && a.Port == 0
}

// Peer is the gossip record of a known node.
type Peer struct {
	NodeAddress              NodeAddress
	Date                     time.Time
	FailedConnectionAttempts int
}

// NewPeer returns a peer first seen now.
func NewPeer(addr NodeAddress) Peer {
	return Peer{NodeAddress: addr, Date: time.Now()}
}

func (p *Peer) IncreaseFailedConnectionAttempts() {
	p.FailedConnectionAttempts++
}

func (p *Peer) ResetFailedConnectionAttempts() {
	p.FailedConnectionAttempts = 0
}

// TooManyFailedConnectionAttempts returns whether the peer reached the max
// number of failed connection attempts.
func (p Peer) TooManyFailedConnectionAttempts() bool {
	return p.FailedConnectionAttempts >= MaxFailedConnectionAttempts
}

// IsOlderThan returns whether the peer was last seen more than maxAge ago.
func (p Peer) IsOlderThan(maxAge time.Duration, now time.Time) bool {
	return now.Sub(p.Date) > maxAge
}
