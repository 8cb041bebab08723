// Package wire implements the binary serialization of the messages exchanged
// by nodes. Messages are encoded with the protobuf wire format: every
// envelope is {1: messageVersion, 2: tag, 3: body}, the tag being the
// discriminant of the variant carried in body.
package wire

import (
	"errors"
	"fmt"

	"github.com/tdex-network/tdex-p2p/internal/core/domain"
	"github.com/tdex-network/tdex-p2p/internal/core/ports"
	"google.golang.org/protobuf/encoding/protowire"
)

var (
	// ErrMalformedMessage is returned when the buffer is not a valid
	// protobuf message.
	ErrMalformedMessage = errors.New("malformed message")
	// ErrMissingVersion is returned for envelopes without message version.
	ErrMissingVersion = errors.New("missing message version")
)

const (
	versionField protowire.Number = 1
	tagField     protowire.Number = 2
	bodyField    protowire.Number = 3
)

type codec struct{}

// NewCodec returns the protobuf implementation of the MessageCodec port.
func NewCodec() ports.MessageCodec {
	return codec{}
}

func (codec) EncodeEnvelope(env domain.NetworkEnvelope) ([]byte, error) {
	var body []byte
	switch m := env.(type) {
	case domain.GetPeersRequest:
		body = encodeGetPeersRequest(m)
	case *domain.GetPeersRequest:
		body = encodeGetPeersRequest(*m)
	case domain.GetPeersResponse:
		body = encodeGetPeersResponse(m)
	case *domain.GetPeersResponse:
		body = encodeGetPeersResponse(*m)
	case domain.PrefixedSealedAndSignedMessage:
		body = encodePrefixedSealedAndSigned(m)
	case *domain.PrefixedSealedAndSignedMessage:
		body = encodePrefixedSealedAndSigned(*m)
	default:
		return nil, fmt.Errorf("%w: %T", domain.ErrUnknownMessageType, env)
	}
	return encodeFrame(domain.MessageVersion, int(env.EnvelopeType()), body), nil
}

func (codec) DecodeEnvelope(buf []byte) (domain.NetworkEnvelope, error) {
	_, tag, body, err := decodeFrame(buf)
	if err != nil {
		return nil, err
	}

	switch domain.EnvelopeType(tag) {
	case domain.EnvelopeTypeGetPeersRequest:
		return decodeGetPeersRequest(body)
	case domain.EnvelopeTypeGetPeersResponse:
		return decodeGetPeersResponse(body)
	case domain.EnvelopeTypePrefixedSealedAndSigned:
		return decodePrefixedSealedAndSigned(body)
	default:
		return nil, fmt.Errorf("%w: envelope tag %d", domain.ErrUnknownMessageType, tag)
	}
}

func (codec) EncodeTradeMessage(msg domain.TradeMessage) ([]byte, error) {
	body, err := encodeTradeMessage(msg)
	if err != nil {
		return nil, err
	}
	version := msg.GetMessageVersion()
	if version <= 0 {
		version = domain.MessageVersion
	}
	return encodeFrame(version, int(msg.Type()), body), nil
}

func (codec) DecodeTradeMessage(buf []byte) (domain.TradeMessage, error) {
	version, tag, body, err := decodeFrame(buf)
	if err != nil {
		return nil, err
	}
	return decodeTradeMessage(domain.MessageType(tag), version, body)
}

func encodeFrame(version, tag int, body []byte) []byte {
	e := &encoder{}
	e.uint(versionField, uint64(version))
	e.uint(tagField, uint64(tag))
	e.bytes(bodyField, body)
	return e.buf
}

func decodeFrame(buf []byte) (version, tag int, body []byte, err error) {
	err = decodeFields(buf, func(f field) error {
		switch f.num {
		case versionField:
			version = int(f.varint)
		case tagField:
			tag = int(f.varint)
		case bodyField:
			body = f.data
		}
		return nil
	})
	if err != nil {
		return
	}
	if version <= 0 {
		err = ErrMissingVersion
	}
	return
}
