package trade_test

import (
	"bytes"
	"context"
	"testing"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/tdex-network/tdex-p2p/internal/core/ports"
	"github.com/thanhpk/randstr"
)

type mockWallet struct {
	mock.Mock
	notifications chan ports.TxNotification

	depositTx   []byte
	depositTxID string
	payoutTx    []byte
	payoutTxID  string
}

func newMockWallet(t *testing.T, setup ...func(w *mockWallet)) *mockWallet {
	w := &mockWallet{notifications: make(chan ports.TxNotification, 10)}
	w.depositTx, w.depositTxID = newRawTx(t)
	w.payoutTx, w.payoutTxID = newRawTx(t)

	// Custom expectations must be registered before the default ones to
	// take precedence.
	for _, fn := range setup {
		fn(w)
	}

	w.On("PayTradeFee", mock.Anything, mock.Anything, mock.Anything).
		Return(randstr.Hex(32), nil).Maybe()
	w.On("GetFundingInputs", mock.Anything, mock.Anything, mock.Anything).
		Return(fundingInputs{
			inputs:        [][]byte{randstr.Bytes(40)},
			changeValue:   1000,
			changeAddress: randomAddress(),
		}, nil).Maybe()
	w.On("NewMultisigPubKey", mock.Anything, mock.Anything).
		Return(randstr.Bytes(33), nil).Maybe()
	w.On("NewPayoutAddress", mock.Anything, mock.Anything).
		Return(randomAddress(), nil).Maybe()
	w.On("PrepareDepositTx", mock.Anything, mock.Anything).
		Return(randstr.Bytes(120), nil).Maybe()
	w.On("SignAndPublishDepositTx", mock.Anything, mock.Anything, mock.Anything).
		Return(w.depositTx, w.depositTxID, nil).Maybe()
	w.On("GetTxConfirmations", mock.Anything, mock.Anything).
		Return(uint32(0), nil).Maybe()
	w.On("SignPayoutTx", mock.Anything, mock.Anything).
		Return(randstr.Bytes(72), nil).Maybe()
	w.On("PublishPayoutTx", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Return(w.payoutTx, w.payoutTxID, nil).Maybe()
	return w
}

func (m *mockWallet) PayTradeFee(
	ctx context.Context, tradeID string, fee uint64,
) (string, error) {
	args := m.Called(ctx, tradeID, fee)
	return args.String(0), args.Error(1)
}

func (m *mockWallet) GetFundingInputs(
	ctx context.Context, tradeID string, amount uint64,
) (ports.FundingInputs, error) {
	args := m.Called(ctx, tradeID, amount)

	var res ports.FundingInputs
	if a := args.Get(0); a != nil {
		res = a.(ports.FundingInputs)
	}
	return res, args.Error(1)
}

func (m *mockWallet) NewMultisigPubKey(
	ctx context.Context, tradeID string,
) ([]byte, error) {
	args := m.Called(ctx, tradeID)
	return bytesArg(args, 0), args.Error(1)
}

func (m *mockWallet) NewPayoutAddress(
	ctx context.Context, tradeID string,
) (string, error) {
	args := m.Called(ctx, tradeID)
	return args.String(0), args.Error(1)
}

func (m *mockWallet) PrepareDepositTx(
	ctx context.Context, txArgs ports.DepositTxArgs,
) ([]byte, error) {
	args := m.Called(ctx, txArgs)
	return bytesArg(args, 0), args.Error(1)
}

func (m *mockWallet) SignAndPublishDepositTx(
	ctx context.Context, txArgs ports.DepositTxArgs, preparedTx []byte,
) ([]byte, string, error) {
	args := m.Called(ctx, txArgs, preparedTx)
	return bytesArg(args, 0), args.String(1), args.Error(2)
}

func (m *mockWallet) GetTxConfirmations(
	ctx context.Context, txid string,
) (uint32, error) {
	args := m.Called(ctx, txid)

	var res uint32
	if a := args.Get(0); a != nil {
		res = a.(uint32)
	}
	return res, args.Error(1)
}

func (m *mockWallet) SignPayoutTx(
	ctx context.Context, txArgs ports.PayoutTxArgs,
) ([]byte, error) {
	args := m.Called(ctx, txArgs)
	return bytesArg(args, 0), args.Error(1)
}

func (m *mockWallet) PublishPayoutTx(
	ctx context.Context, txArgs ports.PayoutTxArgs, buyerSig, sellerSig []byte,
) ([]byte, string, error) {
	args := m.Called(ctx, txArgs, buyerSig, sellerSig)
	return bytesArg(args, 0), args.String(1), args.Error(2)
}

func (m *mockWallet) GetTxNotifications() chan ports.TxNotification {
	return m.notifications
}

func (m *mockWallet) confirm(txid string) {
	m.notifications <- txNotification{txid, 1}
}

func bytesArg(args mock.Arguments, i int) []byte {
	if a := args.Get(i); a != nil {
		return a.([]byte)
	}
	return nil
}

type fundingInputs struct {
	inputs        [][]byte
	changeValue   uint64
	changeAddress string
}

func (f fundingInputs) GetRawInputs() [][]byte   { return f.inputs }
func (f fundingInputs) GetChangeValue() uint64   { return f.changeValue }
func (f fundingInputs) GetChangeAddress() string { return f.changeAddress }

type txNotification struct {
	txid          string
	confirmations uint32
}

func (n txNotification) GetTxID() string          { return n.txid }
func (n txNotification) GetConfirmations() uint32 { return n.confirmations }

// newRawTx returns a serialized bitcoin tx spending a random outpoint,
// along with its id.
func newRawTx(t *testing.T) ([]byte, string) {
	prevHash, err := chainhash.NewHashFromStr(randstr.Hex(32))
	require.NoError(t, err)

	tx := wire.NewMsgTx(wire.TxVersion)
	tx.AddTxIn(wire.NewTxIn(wire.NewOutPoint(prevHash, 0), nil, nil))
	tx.AddTxOut(wire.NewTxOut(100000, append([]byte{0x00, 0x14}, randstr.Bytes(20)...)))

	buf := &bytes.Buffer{}
	require.NoError(t, tx.Serialize(buf))
	return buf.Bytes(), tx.TxHash().String()
}

func randomAddress() string {
	return "bc1q" + randstr.Hex(19)
}
