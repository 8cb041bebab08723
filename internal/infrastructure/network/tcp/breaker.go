package tcp

import (
	"net"
	"time"
)

// idleBreaker is a net.Conn wrapper that closes the connection if no data is
// exchanged for the configured amount of time.
type idleBreaker struct {
	net.Conn

	timeout time.Duration
	timer   *time.Timer
}

func newIdleBreaker(conn net.Conn, timeout time.Duration) net.Conn {
	if timeout <= 0 {
		return conn
	}
	return &idleBreaker{
		Conn:    conn,
		timeout: timeout,
		timer:   time.AfterFunc(timeout, func() { conn.Close() }),
	}
}

func (b *idleBreaker) Read(buf []byte) (int, error) {
	b.timer.Reset(b.timeout)
	return b.Conn.Read(buf)
}

func (b *idleBreaker) Write(buf []byte) (int, error) {
	b.timer.Reset(b.timeout)
	return b.Conn.Write(buf)
}

func (b *idleBreaker) Close() error {
	b.timer.Stop()
	return b.Conn.Close()
}
