package ports

import "context"

// Wallet is the collaborator building, signing and broadcasting the trade
// transactions. Key derivation and coin selection are up to it.
type Wallet interface {
	// PayTradeFee broadcasts the trade fee tx and returns its id.
	PayTradeFee(ctx context.Context, tradeID string, fee uint64) (string, error)
	GetFundingInputs(
		ctx context.Context, tradeID string, amount uint64,
	) (FundingInputs, error)
	NewMultisigPubKey(ctx context.Context, tradeID string) ([]byte, error)
	NewPayoutAddress(ctx context.Context, tradeID string) (string, error)
	// PrepareDepositTx returns the deposit tx signed by the maker only.
	PrepareDepositTx(ctx context.Context, args DepositTxArgs) ([]byte, error)
	// SignAndPublishDepositTx completes and broadcasts the deposit tx
	// prepared by the maker.
	SignAndPublishDepositTx(
		ctx context.Context, args DepositTxArgs, preparedTx []byte,
	) (tx []byte, txid string, err error)
	GetTxConfirmations(ctx context.Context, txid string) (uint32, error)
	// SignPayoutTx returns the local signature of the payout tx.
	SignPayoutTx(ctx context.Context, args PayoutTxArgs) ([]byte, error)
	// PublishPayoutTx finalizes the payout tx with both signatures and
	// broadcasts it.
	PublishPayoutTx(
		ctx context.Context, args PayoutTxArgs, buyerSig, sellerSig []byte,
	) (tx []byte, txid string, err error)
	GetTxNotifications() chan TxNotification
}

type FundingInputs interface {
	GetRawInputs() [][]byte
	GetChangeValue() uint64
	GetChangeAddress() string
}

type TxNotification interface {
	GetTxID() string
	GetConfirmations() uint32
}

type DepositTxArgs struct {
	TradeID             string
	Amount              uint64
	TxFee               uint64
	MakerIsBuyer        bool
	MakerInputs         [][]byte
	TakerInputs         [][]byte
	MakerMultisigPubKey []byte
	TakerMultisigPubKey []byte
	MakerChangeValue    uint64
	MakerChangeAddress  string
	TakerChangeValue    uint64
	TakerChangeAddress  string
}

type PayoutTxArgs struct {
	TradeID              string
	DepositTx            []byte
	BuyerPayoutAddress   string
	SellerPayoutAddress  string
	BuyerPayoutAmount    uint64
	SellerPayoutAmount   uint64
	BuyerMultisigPubKey  []byte
	SellerMultisigPubKey []byte
}
