package domain

import "github.com/tdex-network/tdex-p2p/pkg/sealer"

// MessageVersion is carried by every envelope for forward compatibility.
const MessageVersion = 1

// EnvelopeType is the discriminant of the messages exchanged between nodes.
type EnvelopeType int

const (
	EnvelopeTypeUnknown EnvelopeType = iota
	EnvelopeTypeGetPeersRequest
	EnvelopeTypeGetPeersResponse
	EnvelopeTypePrefixedSealedAndSigned
)

func (t EnvelopeType) String() string {
	switch t {
	case EnvelopeTypeGetPeersRequest:
		return "GetPeersRequest"
	case EnvelopeTypeGetPeersResponse:
		return "GetPeersResponse"
	case EnvelopeTypePrefixedSealedAndSigned:
		return "PrefixedSealedAndSignedMessage"
	default:
		return "Unknown"
	}
}

// NetworkEnvelope is any message sent over a connection.
type NetworkEnvelope interface {
	EnvelopeType() EnvelopeType
}

// GetPeersRequest asks a peer for the list of peers it knows, reporting
// the ones known by the sender.
type GetPeersRequest struct {
	SenderNodeAddress NodeAddress
	Nonce             int32
	ReportedPeers     []Peer
}

func (GetPeersRequest) EnvelopeType() EnvelopeType {
	return EnvelopeTypeGetPeersRequest
}

// GetPeersResponse answers a GetPeersRequest, matched by nonce.
type GetPeersResponse struct {
	RequestNonce  int32
	ReportedPeers []Peer
}

func (GetPeersResponse) EnvelopeType() EnvelopeType {
	return EnvelopeTypeGetPeersResponse
}

// PrefixedSealedAndSignedMessage carries a trade message sealed to the
// recipient. UID is the uid of the sealed trade message, in clear so that
// mailbox items can be deduplicated without opening them.
type PrefixedSealedAndSignedMessage struct {
	SenderNodeAddress NodeAddress
	SealedAndSigned   sealer.SealedAndSignedMessage
	UID               string
}

func (PrefixedSealedAndSignedMessage) EnvelopeType() EnvelopeType {
	return EnvelopeTypePrefixedSealedAndSigned
}
