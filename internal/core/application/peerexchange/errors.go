package peerexchange

import "errors"

var (
	// ErrNonceMismatch is logged when a response doesn't match the nonce of
	// the outstanding request. The response is ignored.
	ErrNonceMismatch = errors.New("response nonce does not match request")
	// ErrTimeout is returned when the peer didn't answer in time.
	ErrTimeout = errors.New("peer exchange timed out")
	// ErrConnectionLost is returned when the connection with the peer is
	// closed before the exchange completes.
	ErrConnectionLost = errors.New("connection lost during peer exchange")
	// ErrSenderMismatch is returned when the sender of a request is not the
	// peer at the other end of the connection.
	ErrSenderMismatch = errors.New("request sender does not match connection")
	// ErrTooManyRequests is returned when a peer sends requests faster than
	// allowed.
	ErrTooManyRequests = errors.New("too many peer exchange requests")
)
