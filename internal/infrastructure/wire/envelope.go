package wire

import (
	"time"

	"github.com/tdex-network/tdex-p2p/internal/core/domain"
	"github.com/tdex-network/tdex-p2p/pkg/keyring"
	"github.com/tdex-network/tdex-p2p/pkg/sealer"
	"google.golang.org/protobuf/encoding/protowire"
)

func encodeNodeAddress(e *encoder, addr domain.NodeAddress) {
	e.string(1, addr.Host)
	e.uint(2, uint64(addr.Port))
}

func decodeNodeAddress(buf []byte) (addr domain.NodeAddress, err error) {
	err = decodeFields(buf, func(f field) error {
		switch f.num {
		case 1:
			addr.Host = f.string()
		case 2:
			addr.Port = int(f.varint)
		}
		return nil
	})
	return
}

func encodePeers(e *encoder, num protowire.Number, peers []domain.Peer) {
	for _, p := range peers {
		p := p
		e.message(num, func(e *encoder) {
			e.message(1, func(e *encoder) { encodeNodeAddress(e, p.NodeAddress) })
			if !p.Date.IsZero() {
				e.int(2, p.Date.UnixMilli())
			}
		})
	}
}

func decodePeer(buf []byte) (peer domain.Peer, err error) {
	err = decodeFields(buf, func(f field) error {
		switch f.num {
		case 1:
			addr, err := decodeNodeAddress(f.data)
			if err != nil {
				return err
			}
			peer.NodeAddress = addr
		case 2:
			peer.Date = time.UnixMilli(f.int())
		}
		return nil
	})
	return
}

func encodeGetPeersRequest(m domain.GetPeersRequest) []byte {
	e := &encoder{}
	e.message(1, func(e *encoder) { encodeNodeAddress(e, m.SenderNodeAddress) })
	e.int(2, int64(m.Nonce))
	encodePeers(e, 3, m.ReportedPeers)
	return e.buf
}

func decodeGetPeersRequest(buf []byte) (*domain.GetPeersRequest, error) {
	m := &domain.GetPeersRequest{}
	if err := decodeFields(buf, func(f field) error {
		switch f.num {
		case 1:
			addr, err := decodeNodeAddress(f.data)
			if err != nil {
				return err
			}
			m.SenderNodeAddress = addr
		case 2:
			m.Nonce = int32(f.int())
		case 3:
			peer, err := decodePeer(f.data)
			if err != nil {
				return err
			}
			m.ReportedPeers = append(m.ReportedPeers, peer)
		}
		return nil
	}); err != nil {
		return nil, err
	}
	return m, nil
}

func encodeGetPeersResponse(m domain.GetPeersResponse) []byte {
	e := &encoder{}
	e.int(1, int64(m.RequestNonce))
	encodePeers(e, 2, m.ReportedPeers)
	return e.buf
}

func decodeGetPeersResponse(buf []byte) (*domain.GetPeersResponse, error) {
	m := &domain.GetPeersResponse{}
	if err := decodeFields(buf, func(f field) error {
		switch f.num {
		case 1:
			m.RequestNonce = int32(f.int())
		case 2:
			peer, err := decodePeer(f.data)
			if err != nil {
				return err
			}
			m.ReportedPeers = append(m.ReportedPeers, peer)
		}
		return nil
	}); err != nil {
		return nil, err
	}
	return m, nil
}

func encodePrefixedSealedAndSigned(m domain.PrefixedSealedAndSignedMessage) []byte {
	e := &encoder{}
	e.message(1, func(e *encoder) { encodeNodeAddress(e, m.SenderNodeAddress) })
	e.message(2, func(e *encoder) {
		e.bytes(1, m.SealedAndSigned.SealedSecretKey)
		e.bytes(2, m.SealedAndSigned.SealedMessage)
		e.bytes(3, m.SealedAndSigned.SignaturePubKey)
	})
	e.string(3, m.UID)
	return e.buf
}

func decodePrefixedSealedAndSigned(buf []byte) (*domain.PrefixedSealedAndSignedMessage, error) {
	m := &domain.PrefixedSealedAndSignedMessage{}
	if err := decodeFields(buf, func(f field) error {
		switch f.num {
		case 1:
			addr, err := decodeNodeAddress(f.data)
			if err != nil {
				return err
			}
			m.SenderNodeAddress = addr
		case 2:
			sealed, err := decodeSealedAndSigned(f.data)
			if err != nil {
				return err
			}
			m.SealedAndSigned = sealed
		case 3:
			m.UID = f.string()
		}
		return nil
	}); err != nil {
		return nil, err
	}
	return m, nil
}

func decodeSealedAndSigned(buf []byte) (m sealer.SealedAndSignedMessage, err error) {
	err = decodeFields(buf, func(f field) error {
		switch f.num {
		case 1:
			m.SealedSecretKey = f.bytes()
		case 2:
			m.SealedMessage = f.bytes()
		case 3:
			m.SignaturePubKey = f.bytes()
		}
		return nil
	})
	return
}

func encodePubKeyRing(e *encoder, p keyring.PubKeyRing) {
	e.bytes(1, p.DhtSignaturePubKey)
	e.bytes(2, p.SignaturePubKey)
	e.bytes(3, p.EncryptionPubKey)
}

func decodePubKeyRing(buf []byte) (p keyring.PubKeyRing, err error) {
	err = decodeFields(buf, func(f field) error {
		switch f.num {
		case 1:
			p.DhtSignaturePubKey = f.bytes()
		case 2:
			p.SignaturePubKey = f.bytes()
		case 3:
			p.EncryptionPubKey = f.bytes()
		}
		return nil
	})
	return
}
