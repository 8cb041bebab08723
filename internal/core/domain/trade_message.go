package domain

import (
	"github.com/shopspring/decimal"
	"github.com/tdex-network/tdex-p2p/pkg/keyring"
)

// MessageType is the discriminant of the TradeMessage union.
type MessageType int

const (
	MessageTypeUnknown MessageType = iota
	MessageTypePayDepositRequest
	MessageTypePublishDepositTxRequest
	MessageTypeDepositTxPublished
	MessageTypeFiatTransferStarted
	MessageTypeFinalizePayoutTxRequest
	MessageTypePayoutTxPublished
	MessageTypeAck
)

func (t MessageType) String() string {
	switch t {
	case MessageTypePayDepositRequest:
		return "PayDepositRequest"
	case MessageTypePublishDepositTxRequest:
		return "PublishDepositTxRequest"
	case MessageTypeDepositTxPublished:
		return "DepositTxPublishedMessage"
	case MessageTypeFiatTransferStarted:
		return "FiatTransferStartedMessage"
	case MessageTypeFinalizePayoutTxRequest:
		return "FinalizePayoutTxRequest"
	case MessageTypePayoutTxPublished:
		return "PayoutTxPublishedMessage"
	case MessageTypeAck:
		return "AckMessage"
	default:
		return "Unknown"
	}
}

// IsMailbox returns whether messages of this type must be stored and
// redelivered when the recipient is offline.
func (t MessageType) IsMailbox() bool {
	switch t {
	case MessageTypePublishDepositTxRequest,
		MessageTypeDepositTxPublished,
		MessageTypeFinalizePayoutTxRequest,
		MessageTypePayoutTxPublished:
		return true
	default:
		return false
	}
}

// TradeMessage is the union of the messages exchanged by the trade protocol.
type TradeMessage interface {
	Type() MessageType
	GetTradeID() string
	GetUID() string
	GetSender() NodeAddress
	GetMessageVersion() int
}

// MessageHeader holds the fields common to every trade message.
type MessageHeader struct {
	TradeID        string
	UID            string
	Sender         NodeAddress
	MessageVersion int
}

func (h MessageHeader) GetTradeID() string     { return h.TradeID }
func (h MessageHeader) GetUID() string         { return h.UID }
func (h MessageHeader) GetSender() NodeAddress { return h.Sender }
func (h MessageHeader) GetMessageVersion() int { return h.MessageVersion }

// Validate checks the mandatory header fields.
func (h MessageHeader) Validate() error {
	if h.TradeID == "" {
		return ErrMissingTradeID
	}
	if h.UID == "" {
		return ErrMissingMessageUID
	}
	return nil
}

// PayDepositRequest is sent by the taker to the maker after having paid the
// trade fee.
type PayDepositRequest struct {
	MessageHeader
	TradeAmount         uint64
	TradePrice          decimal.Decimal
	TxFee               uint64
	TakerFee            uint64
	TakerFeeTxID        string
	RawFundingInputs    [][]byte
	ChangeOutputValue   uint64
	ChangeOutputAddress string
	TakerMultisigPubKey []byte
	TakerPayoutAddress  string
	TakerPubKeyRing     keyring.PubKeyRing
	TakerPaymentAccount []byte
	AcceptedArbitrators []NodeAddress
	AcceptedMediators   []NodeAddress
}

func (PayDepositRequest) Type() MessageType { return MessageTypePayDepositRequest }

// PublishDepositTxRequest is sent by the maker with the contract and the
// prepared deposit tx.
type PublishDepositTxRequest struct {
	MessageHeader
	MakerPaymentAccount    []byte
	MakerContractJSON      string
	MakerContractSignature string
	MakerPayoutAddress     string
	PreparedDepositTx      []byte
	MakerInputs            [][]byte
	MakerMultisigPubKey    []byte
}

func (PublishDepositTxRequest) Type() MessageType {
	return MessageTypePublishDepositTxRequest
}

// DepositTxPublishedMessage notifies the maker about the published deposit.
type DepositTxPublishedMessage struct {
	MessageHeader
	DepositTx []byte
}

func (DepositTxPublishedMessage) Type() MessageType {
	return MessageTypeDepositTxPublished
}

// FiatTransferStartedMessage is sent by the buyer once the fiat payment is
// started, with its signature of the payout tx.
type FiatTransferStartedMessage struct {
	MessageHeader
	BuyerPayoutAddress string
	BuyerSignature     []byte
}

func (FiatTransferStartedMessage) Type() MessageType {
	return MessageTypeFiatTransferStarted
}

// FinalizePayoutTxRequest is sent by the seller once the fiat payment is
// received, with its signature of the payout tx.
type FinalizePayoutTxRequest struct {
	MessageHeader
	SellerSignature     []byte
	SellerPayoutAddress string
}

func (FinalizePayoutTxRequest) Type() MessageType {
	return MessageTypeFinalizePayoutTxRequest
}

// PayoutTxPublishedMessage notifies the buyer about the published payout.
type PayoutTxPublishedMessage struct {
	MessageHeader
	PayoutTx []byte
}

func (PayoutTxPublishedMessage) Type() MessageType {
	return MessageTypePayoutTxPublished
}

// AckMessage acknowledges the processing of a trade message.
type AckMessage struct {
	MessageHeader
	SourceUID    string
	SourceType   MessageType
	Success      bool
	ErrorMessage string
}

func (AckMessage) Type() MessageType { return MessageTypeAck }

// IsMailboxMessage returns whether the message must be stored and redelivered
// if the recipient is offline.
func IsMailboxMessage(msg TradeMessage) bool {
	return msg.Type().IsMailbox()
}
