package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/tdex-network/tdex-p2p/pkg/keyring"
)

// Side tells whether the node posted the offer or took it.
type Side int

const (
	SideMaker Side = iota
	SideTaker
)

// Direction tells whether the node buys or sells the cryptocurrency.
type Direction int

const (
	DirectionBuyer Direction = iota
	DirectionSeller
)

// Opposite returns the direction of the counterparty.
func (d Direction) Opposite() Direction {
	if d == DirectionBuyer {
		return DirectionSeller
	}
	return DirectionBuyer
}

func (d Direction) String() string {
	if d == DirectionBuyer {
		return "buyer"
	}
	return "seller"
}

// Role is the position of the local node in a trade.
type Role struct {
	Side      Side
	Direction Direction
}

func (r Role) IsMaker() bool  { return r.Side == SideMaker }
func (r Role) IsBuyer() bool  { return r.Direction == DirectionBuyer }
func (r Role) IsSeller() bool { return r.Direction == DirectionSeller }

func (r Role) String() string {
	if r.IsMaker() {
		return "maker-" + r.Direction.String()
	}
	return "taker-" + r.Direction.String()
}

// ProcessState is the canonical state set shared by every role.
type ProcessState int

const (
	ProcessStateUndefined ProcessState = iota
	ProcessStateFeeTxPublished
	ProcessStateDepositPublished
	ProcessStateDepositConfirmed
	ProcessStateFiatPaymentStarted
	ProcessStateFiatPaymentReceived
	ProcessStatePayoutPublished
	ProcessStatePayoutPublishedMsgSent

	ProcessStateMessageSendingFailed
	ProcessStateTimeout
	ProcessStateException
)

var processStateNames = map[ProcessState]string{
	ProcessStateUndefined:              "UNDEFINED",
	ProcessStateFeeTxPublished:         "FEE_TX_PUBLISHED",
	ProcessStateDepositPublished:       "DEPOSIT_PUBLISHED",
	ProcessStateDepositConfirmed:       "DEPOSIT_CONFIRMED",
	ProcessStateFiatPaymentStarted:     "FIAT_PAYMENT_STARTED",
	ProcessStateFiatPaymentReceived:    "FIAT_PAYMENT_RECEIVED",
	ProcessStatePayoutPublished:        "PAYOUT_PUBLISHED",
	ProcessStatePayoutPublishedMsgSent: "PAYOUT_PUBLISHED_MSG_SENT",
	ProcessStateMessageSendingFailed:   "MESSAGE_SENDING_FAILED",
	ProcessStateTimeout:                "TIMEOUT",
	ProcessStateException:              "EXCEPTION",
}

func (s ProcessState) String() string {
	if name, ok := processStateNames[s]; ok {
		return name
	}
	return "UNKNOWN"
}

// IsFailure returns whether the state is one of the terminal failures.
func (s ProcessState) IsFailure() bool {
	return s >= ProcessStateMessageSendingFailed
}

// IsTerminalFor returns whether the given state ends the trade for the given
// role. Failures end it for everyone. The buyer has got its coins once the
// payout is published, while the seller also has to notify the buyer.
func IsTerminalFor(role Role, state ProcessState) bool {
	if state.IsFailure() {
		return true
	}
	if role.IsBuyer() {
		return state >= ProcessStatePayoutPublished
	}
	return state == ProcessStatePayoutPublishedMsgSent
}

// Offer is an intent to trade posted by a maker. Direction is the one of the
// maker.
type Offer struct {
	ID              string
	MakerAddress    NodeAddress
	MakerPubKeyRing keyring.PubKeyRing
	Direction       Direction
	Amount          uint64
	Price           decimal.Decimal
	CurrencyCode    string
	PaymentMethod   string
	MakerFeeTxID    string
	TxFee           uint64
	TakerFee        uint64
	Arbitrators     []NodeAddress
	CreationTime    int64
}

// NewOffer returns a validated offer with a new id.
func NewOffer(
	makerAddress NodeAddress, makerPubKeyRing keyring.PubKeyRing,
	direction Direction, amount uint64, price decimal.Decimal,
	currencyCode, paymentMethod string,
) (*Offer, error) {
	if amount == 0 {
		return nil, ErrInvalidOfferAmount
	}
	if !price.IsPositive() {
		return nil, ErrInvalidOfferPrice
	}
	if currencyCode == "" {
		return nil, ErrMissingCurrencyCode
	}

	return &Offer{
		ID:              uuid.New().String(),
		MakerAddress:    makerAddress,
		MakerPubKeyRing: makerPubKeyRing,
		Direction:       direction,
		Amount:          amount,
		Price:           price,
		CurrencyCode:    currencyCode,
		PaymentMethod:   paymentMethod,
		CreationTime:    time.Now().Unix(),
	}, nil
}

// FiatVolume returns the amount of fiat to transfer, given amount in sats.
func (o Offer) FiatVolume() decimal.Decimal {
	return fiatVolume(o.Amount, o.Price)
}

// Contract is the agreement signed by the maker and verified by the taker.
type Contract struct {
	OfferID             string
	TradeAmount         uint64
	TradePrice          decimal.Decimal
	CurrencyCode        string
	PaymentMethod       string
	MakerDirection      Direction
	MakerNodeAddress    NodeAddress
	TakerNodeAddress    NodeAddress
	MakerPubKeyRing     keyring.PubKeyRing
	TakerPubKeyRing     keyring.PubKeyRing
	MakerPayoutAddress  string
	TakerPayoutAddress  string
	MakerMultisigPubKey []byte
	TakerMultisigPubKey []byte
	MakerPaymentAccount []byte
	TakerPaymentAccount []byte
	MakerFeeTxID        string
	TakerFeeTxID        string
}

func (c Contract) FiatVolume() decimal.Decimal {
	return fiatVolume(c.TradeAmount, c.TradePrice)
}

// BuyerPayoutAddress returns the payout address of the buyer.
func (c Contract) BuyerPayoutAddress() string {
	if c.MakerDirection == DirectionBuyer {
		return c.MakerPayoutAddress
	}
	return c.TakerPayoutAddress
}

// SellerPayoutAddress returns the payout address of the seller.
func (c Contract) SellerPayoutAddress() string {
	if c.MakerDirection == DirectionSeller {
		return c.MakerPayoutAddress
	}
	return c.TakerPayoutAddress
}

// JSON returns the canonical serialization that gets signed by the maker.
func (c Contract) JSON() (string, error) {
	buf, err := json.Marshal(c)
	if err != nil {
		return "", err
	}
	return string(buf), nil
}

// ParseContract is the inverse of Contract.JSON.
func ParseContract(contractJSON string) (*Contract, error) {
	c := &Contract{}
	if err := json.Unmarshal([]byte(contractJSON), c); err != nil {
		return nil, err
	}
	return c, nil
}

// TradingPeer holds what is known about the counterparty of a trade.
type TradingPeer struct {
	NodeAddress         NodeAddress
	PubKeyRing          keyring.PubKeyRing
	PaymentAccount      []byte
	PayoutAddress       string
	MultisigPubKey      []byte
	RawInputs           [][]byte
	ChangeOutputValue   uint64
	ChangeOutputAddress string
	FeeTxID             string
	ContractSignature   string
	PayoutSignature     []byte
}

// Trade is the aggregate driven by the trade protocol. Its State is the
// single source of truth about what has happened so far.
type Trade struct {
	ID                  string
	Offer               Offer
	Role                Role
	State               ProcessState
	Amount              uint64
	Price               decimal.Decimal
	TakerFeeTxID        string
	PayoutAddress       string
	MultisigPubKey      []byte
	// Own funding of the deposit tx.
	FundingInputs       [][]byte
	ChangeOutputValue   uint64
	ChangeOutputAddress string
	TradingPeer         TradingPeer
	Contract            *Contract
	ContractJSON        string
	ContractSignature   string
	PreparedDepositTx   []byte
	DepositTx           []byte
	DepositTxID         string
	PayoutSignature     []byte
	PayoutTx            []byte
	PayoutTxID          string
	ErrorMessage        string
	ProcessedUIDs       []string
	Archived            bool
	CreationTime        int64
	UpdateTime          int64
}

// NewTrade returns an UNDEFINED trade for the given offer. The trade id
// equals the offer id, so that both counterparties refer to it the same way.
func NewTrade(offer Offer, side Side) *Trade {
	direction := offer.Direction
	if side == SideTaker {
		direction = direction.Opposite()
	}
	now := time.Now().Unix()
	return &Trade{
		ID:           offer.ID,
		Offer:        offer,
		Role:         Role{side, direction},
		State:        ProcessStateUndefined,
		Amount:       offer.Amount,
		Price:        offer.Price,
		CreationTime: now,
		UpdateTime:   now,
	}
}

func fiatVolume(amount uint64, price decimal.Decimal) decimal.Decimal {
	return decimal.New(int64(amount), -8).Mul(price)
}
