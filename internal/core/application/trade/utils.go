package trade

import (
	"bytes"
	"fmt"

	"github.com/btcsuite/btcd/wire"
	"github.com/google/uuid"
	"github.com/tdex-network/tdex-p2p/internal/core/domain"
	"github.com/tdex-network/tdex-p2p/internal/core/ports"
)

// txIDFromRaw returns the id of the given serialized bitcoin transaction.
func txIDFromRaw(rawTx []byte) (string, error) {
	tx := wire.NewMsgTx(wire.TxVersion)
	if err := tx.Deserialize(bytes.NewReader(rawTx)); err != nil {
		return "", fmt.Errorf("invalid raw tx: %w", err)
	}
	return tx.TxHash().String(), nil
}

// fundingAmount is the amount each party has to lock into the deposit tx.
func fundingAmount(t *domain.Trade) uint64 {
	if t.Role.IsSeller() {
		return t.Amount + t.Offer.TxFee
	}
	return t.Offer.TxFee
}

func depositTxArgs(t *domain.Trade) ports.DepositTxArgs {
	peer := t.TradingPeer
	args := ports.DepositTxArgs{
		TradeID: t.ID,
		Amount:  t.Amount,
		TxFee:   t.Offer.TxFee,
	}
	if t.Role.IsMaker() {
		args.MakerIsBuyer = t.Role.IsBuyer()
		args.MakerInputs = t.FundingInputs
		args.MakerMultisigPubKey = t.MultisigPubKey
		args.MakerChangeValue = t.ChangeOutputValue
		args.MakerChangeAddress = t.ChangeOutputAddress
		args.TakerInputs = peer.RawInputs
		args.TakerMultisigPubKey = peer.MultisigPubKey
		args.TakerChangeValue = peer.ChangeOutputValue
		args.TakerChangeAddress = peer.ChangeOutputAddress
		return args
	}

	args.MakerIsBuyer = t.Role.IsSeller()
	args.TakerInputs = t.FundingInputs
	args.TakerMultisigPubKey = t.MultisigPubKey
	args.TakerChangeValue = t.ChangeOutputValue
	args.TakerChangeAddress = t.ChangeOutputAddress
	args.MakerInputs = peer.RawInputs
	args.MakerMultisigPubKey = peer.MultisigPubKey
	args.MakerChangeValue = peer.ChangeOutputValue
	args.MakerChangeAddress = peer.ChangeOutputAddress
	return args
}

// payoutTxArgs derives the payout tx from the signed contract, so that both
// parties sign exactly the same transaction.
func payoutTxArgs(t *domain.Trade) ports.PayoutTxArgs {
	c := t.Contract
	buyerKey, sellerKey := c.MakerMultisigPubKey, c.TakerMultisigPubKey
	if c.MakerDirection == domain.DirectionSeller {
		buyerKey, sellerKey = sellerKey, buyerKey
	}
	return ports.PayoutTxArgs{
		TradeID:              t.ID,
		DepositTx:            t.DepositTx,
		BuyerPayoutAddress:   c.BuyerPayoutAddress(),
		SellerPayoutAddress:  c.SellerPayoutAddress(),
		BuyerPayoutAmount:    c.TradeAmount,
		BuyerMultisigPubKey:  buyerKey,
		SellerMultisigPubKey: sellerKey,
	}
}

func newMessageHeader(tradeID string, sender domain.NodeAddress) domain.MessageHeader {
	return domain.MessageHeader{
		TradeID:        tradeID,
		UID:            uuid.New().String(),
		Sender:         sender,
		MessageVersion: domain.MessageVersion,
	}
}

func validateContract(t *domain.Trade, c *domain.Contract) error {
	peer := t.TradingPeer
	switch {
	case c.OfferID != t.ID:
		return fmt.Errorf("%w: offer id", ErrInvalidContract)
	case c.TradeAmount != t.Amount || !c.TradePrice.Equal(t.Price):
		return fmt.Errorf("%w: amount or price", ErrInvalidContract)
	case c.MakerDirection != t.Offer.Direction:
		return fmt.Errorf("%w: direction", ErrInvalidContract)
	case !c.MakerPubKeyRing.Equal(peer.PubKeyRing):
		return fmt.Errorf("%w: maker pubkey ring", ErrInvalidContract)
	case c.TakerPayoutAddress != t.PayoutAddress ||
		!bytes.Equal(c.TakerMultisigPubKey, t.MultisigPubKey):
		return fmt.Errorf("%w: taker keys", ErrInvalidContract)
	case c.TakerFeeTxID != t.TakerFeeTxID:
		return fmt.Errorf("%w: taker fee tx", ErrInvalidContract)
	}
	return nil
}
