package wire

import (
	"fmt"

	"github.com/tdex-network/tdex-p2p/internal/core/domain"
	"google.golang.org/protobuf/encoding/protowire"
)

// Header fields share numbers 1-3 across every trade message, variant fields
// start from 10.
func encodeHeader(e *encoder, h domain.MessageHeader) {
	e.string(1, h.TradeID)
	e.string(2, h.UID)
	e.message(3, func(e *encoder) { encodeNodeAddress(e, h.Sender) })
}

func decodeHeaderField(h *domain.MessageHeader, f field) (bool, error) {
	switch f.num {
	case 1:
		h.TradeID = f.string()
	case 2:
		h.UID = f.string()
	case 3:
		addr, err := decodeNodeAddress(f.data)
		if err != nil {
			return true, err
		}
		h.Sender = addr
	default:
		return false, nil
	}
	return true, nil
}

func encodeNodeAddresses(e *encoder, num protowire.Number, list []domain.NodeAddress) {
	for _, addr := range list {
		addr := addr
		e.message(num, func(e *encoder) { encodeNodeAddress(e, addr) })
	}
}

func encodeTradeMessage(msg domain.TradeMessage) ([]byte, error) {
	e := &encoder{}

	switch m := derefTradeMessage(msg).(type) {
	case domain.PayDepositRequest:
		encodeHeader(e, m.MessageHeader)
		e.uint(10, m.TradeAmount)
		e.decimal(11, m.TradePrice)
		e.uint(12, m.TxFee)
		e.uint(13, m.TakerFee)
		e.string(14, m.TakerFeeTxID)
		e.repeatedBytes(15, m.RawFundingInputs)
		e.uint(16, m.ChangeOutputValue)
		e.string(17, m.ChangeOutputAddress)
		e.bytes(18, m.TakerMultisigPubKey)
		e.string(19, m.TakerPayoutAddress)
		e.message(20, func(e *encoder) { encodePubKeyRing(e, m.TakerPubKeyRing) })
		e.bytes(21, m.TakerPaymentAccount)
		encodeNodeAddresses(e, 22, m.AcceptedArbitrators)
		encodeNodeAddresses(e, 23, m.AcceptedMediators)
	case domain.PublishDepositTxRequest:
		encodeHeader(e, m.MessageHeader)
		e.bytes(10, m.MakerPaymentAccount)
		e.string(11, m.MakerContractJSON)
		e.string(12, m.MakerContractSignature)
		e.string(13, m.MakerPayoutAddress)
		e.bytes(14, m.PreparedDepositTx)
		e.repeatedBytes(15, m.MakerInputs)
		e.bytes(16, m.MakerMultisigPubKey)
	case domain.DepositTxPublishedMessage:
		encodeHeader(e, m.MessageHeader)
		e.bytes(10, m.DepositTx)
	case domain.FiatTransferStartedMessage:
		encodeHeader(e, m.MessageHeader)
		e.string(10, m.BuyerPayoutAddress)
		e.bytes(11, m.BuyerSignature)
	case domain.FinalizePayoutTxRequest:
		encodeHeader(e, m.MessageHeader)
		e.bytes(10, m.SellerSignature)
		e.string(11, m.SellerPayoutAddress)
	case domain.PayoutTxPublishedMessage:
		encodeHeader(e, m.MessageHeader)
		e.bytes(10, m.PayoutTx)
	case domain.AckMessage:
		encodeHeader(e, m.MessageHeader)
		e.string(10, m.SourceUID)
		e.uint(11, uint64(m.SourceType))
		e.bool(12, m.Success)
		e.string(13, m.ErrorMessage)
	default:
		return nil, fmt.Errorf("%w: %T", domain.ErrUnknownMessageType, msg)
	}
	return e.buf, nil
}

func decodeTradeMessage(
	typ domain.MessageType, version int, body []byte,
) (domain.TradeMessage, error) {
	header := domain.MessageHeader{MessageVersion: version}

	switch typ {
	case domain.MessageTypePayDepositRequest:
		m := domain.PayDepositRequest{}
		err := decodeFields(body, func(f field) (err error) {
			if ok, err := decodeHeaderField(&header, f); ok {
				return err
			}
			switch f.num {
			case 10:
				m.TradeAmount = f.varint
			case 11:
				m.TradePrice, err = f.decimal()
			case 12:
				m.TxFee = f.varint
			case 13:
				m.TakerFee = f.varint
			case 14:
				m.TakerFeeTxID = f.string()
			case 15:
				m.RawFundingInputs = append(m.RawFundingInputs, f.bytes())
			case 16:
				m.ChangeOutputValue = f.varint
			case 17:
				m.ChangeOutputAddress = f.string()
			case 18:
				m.TakerMultisigPubKey = f.bytes()
			case 19:
				m.TakerPayoutAddress = f.string()
			case 20:
				m.TakerPubKeyRing, err = decodePubKeyRing(f.data)
			case 21:
				m.TakerPaymentAccount = f.bytes()
			case 22, 23:
				addr, err := decodeNodeAddress(f.data)
				if err != nil {
					return err
				}
				if f.num == 22 {
					m.AcceptedArbitrators = append(m.AcceptedArbitrators, addr)
				} else {
					m.AcceptedMediators = append(m.AcceptedMediators, addr)
				}
			}
			return
		})
		m.MessageHeader = header
		return m, err

	case domain.MessageTypePublishDepositTxRequest:
		m := domain.PublishDepositTxRequest{}
		err := decodeFields(body, func(f field) error {
			if ok, err := decodeHeaderField(&header, f); ok {
				return err
			}
			switch f.num {
			case 10:
				m.MakerPaymentAccount = f.bytes()
			case 11:
				m.MakerContractJSON = f.string()
			case 12:
				m.MakerContractSignature = f.string()
			case 13:
				m.MakerPayoutAddress = f.string()
			case 14:
				m.PreparedDepositTx = f.bytes()
			case 15:
				m.MakerInputs = append(m.MakerInputs, f.bytes())
			case 16:
				m.MakerMultisigPubKey = f.bytes()
			}
			return nil
		})
		m.MessageHeader = header
		return m, err

	case domain.MessageTypeDepositTxPublished:
		m := domain.DepositTxPublishedMessage{}
		err := decodeFields(body, func(f field) error {
			if ok, err := decodeHeaderField(&header, f); ok {
				return err
			}
			if f.num == 10 {
				m.DepositTx = f.bytes()
			}
			return nil
		})
		m.MessageHeader = header
		return m, err

	case domain.MessageTypeFiatTransferStarted:
		m := domain.FiatTransferStartedMessage{}
		err := decodeFields(body, func(f field) error {
			if ok, err := decodeHeaderField(&header, f); ok {
				return err
			}
			switch f.num {
			case 10:
				m.BuyerPayoutAddress = f.string()
			case 11:
				m.BuyerSignature = f.bytes()
			}
			return nil
		})
		m.MessageHeader = header
		return m, err

	case domain.MessageTypeFinalizePayoutTxRequest:
		m := domain.FinalizePayoutTxRequest{}
		err := decodeFields(body, func(f field) error {
			if ok, err := decodeHeaderField(&header, f); ok {
				return err
			}
			switch f.num {
			case 10:
				m.SellerSignature = f.bytes()
			case 11:
				m.SellerPayoutAddress = f.string()
			}
			return nil
		})
		m.MessageHeader = header
		return m, err

	case domain.MessageTypePayoutTxPublished:
		m := domain.PayoutTxPublishedMessage{}
		err := decodeFields(body, func(f field) error {
			if ok, err := decodeHeaderField(&header, f); ok {
				return err
			}
			if f.num == 10 {
				m.PayoutTx = f.bytes()
			}
			return nil
		})
		m.MessageHeader = header
		return m, err

	case domain.MessageTypeAck:
		m := domain.AckMessage{}
		err := decodeFields(body, func(f field) error {
			if ok, err := decodeHeaderField(&header, f); ok {
				return err
			}
			switch f.num {
			case 10:
				m.SourceUID = f.string()
			case 11:
				m.SourceType = domain.MessageType(f.varint)
			case 12:
				m.Success = f.varint != 0
			case 13:
				m.ErrorMessage = f.string()
			}
			return nil
		})
		m.MessageHeader = header
		return m, err

	default:
		return nil, fmt.Errorf("%w: trade message tag %d", domain.ErrUnknownMessageType, typ)
	}
}

// derefTradeMessage allows to encode messages passed by pointer.
func derefTradeMessage(msg domain.TradeMessage) domain.TradeMessage {
	switch m := msg.(type) {
	case *domain.PayDepositRequest:
		return *m
	case *domain.PublishDepositTxRequest:
		return *m
	case *domain.DepositTxPublishedMessage:
		return *m
	case *domain.FiatTransferStartedMessage:
		return *m
	case *domain.FinalizePayoutTxRequest:
		return *m
	case *domain.PayoutTxPublishedMessage:
		return *m
	case *domain.AckMessage:
		return *m
	default:
		return msg
	}
}
