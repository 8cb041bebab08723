package domain_test

import (
	"math/rand"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"github.com/tdex-network/tdex-p2p/internal/core/domain"
	"github.com/thanhpk/randstr"
)

var (
	buyer  = domain.Role{Side: domain.SideTaker, Direction: domain.DirectionBuyer}
	seller = domain.Role{Side: domain.SideMaker, Direction: domain.DirectionSeller}
)

func TestIsTerminalFor(t *testing.T) {
	t.Parallel()

	tests := []struct {
		state          domain.ProcessState
		terminalBuyer  bool
		terminalSeller bool
	}{
		{domain.ProcessStateUndefined, false, false},
		{domain.ProcessStateFeeTxPublished, false, false},
		{domain.ProcessStateDepositPublished, false, false},
		{domain.ProcessStateDepositConfirmed, false, false},
		{domain.ProcessStateFiatPaymentStarted, false, false},
		{domain.ProcessStateFiatPaymentReceived, false, false},
		{domain.ProcessStatePayoutPublished, true, false},
		{domain.ProcessStatePayoutPublishedMsgSent, true, true},
		{domain.ProcessStateMessageSendingFailed, true, true},
		{domain.ProcessStateTimeout, true, true},
		{domain.ProcessStateException, true, true},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.state.String(), func(t *testing.T) {
			t.Parallel()
			require.Equal(t, tt.terminalBuyer, domain.IsTerminalFor(buyer, tt.state))
			require.Equal(t, tt.terminalSeller, domain.IsTerminalFor(seller, tt.state))
		})
	}
}

func TestSellerHappyPath(t *testing.T) {
	t.Parallel()

	trade := newTestTrade(domain.SideMaker, domain.DirectionSeller)
	require.Equal(t, seller, trade.Role)
	require.Equal(t, domain.ProcessStateUndefined, trade.State)

	steps := []struct {
		name     string
		apply    func() (bool, error)
		expected domain.ProcessState
	}{
		{"fee tx", func() (bool, error) { return trade.PublishFeeTx(randstr.Hex(32)) }, domain.ProcessStateFeeTxPublished},
		{"deposit", func() (bool, error) { return trade.PublishDeposit([]byte{0x01}, randstr.Hex(32)) }, domain.ProcessStateDepositPublished},
		{"confirm", trade.ConfirmDeposit, domain.ProcessStateDepositConfirmed},
		{"fiat started", trade.StartFiatPayment, domain.ProcessStateFiatPaymentStarted},
		{"fiat received", trade.ReceiveFiatPayment, domain.ProcessStateFiatPaymentReceived},
		{"payout", func() (bool, error) { return trade.PublishPayout([]byte{0x02}, randstr.Hex(32)) }, domain.ProcessStatePayoutPublished},
		{"payout msg", trade.SendPayoutMessage, domain.ProcessStatePayoutPublishedMsgSent},
	}

	for _, step := range steps {
		require.False(t, trade.IsTerminal(), step.name)

		ok, err := step.apply()
		require.NoError(t, err, step.name)
		require.True(t, ok, step.name)
		require.Equal(t, step.expected, trade.State, step.name)

		// every transition is idempotent.
		ok, err = step.apply()
		require.NoError(t, err, step.name)
		require.True(t, ok, step.name)
		require.Equal(t, step.expected, trade.State, step.name)
	}

	require.True(t, trade.IsTerminal())
	require.NoError(t, trade.Archive())
	require.True(t, trade.Archived)

	ok, err := trade.Fail(domain.ProcessStateTimeout, "late timeout")
	require.NoError(t, err)
	require.False(t, ok)
	require.Equal(t, domain.ProcessStatePayoutPublishedMsgSent, trade.State)
}

func TestPayoutBeforeDepositConfirmed(t *testing.T) {
	t.Parallel()

	for _, state := range []domain.ProcessState{
		domain.ProcessStateUndefined,
		domain.ProcessStateFeeTxPublished,
		domain.ProcessStateDepositPublished,
	} {
		trade := newTestTrade(domain.SideMaker, domain.DirectionSeller)
		trade.State = state

		ok, err := trade.PublishPayout([]byte{0x02}, randstr.Hex(32))
		require.ErrorIs(t, err, domain.ErrPayoutBeforeDepositConfirmed)
		require.False(t, ok)
		require.Equal(t, state, trade.State)
		require.Empty(t, trade.PayoutTxID)
	}
}

func TestFailingTransitions(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		state       domain.ProcessState
		apply       func(trade *domain.Trade) (bool, error)
		expectedErr error
	}{
		{
			name:        "deposit before fee",
			state:       domain.ProcessStateUndefined,
			apply:       func(tr *domain.Trade) (bool, error) { return tr.PublishDeposit(nil, "") },
			expectedErr: domain.ErrInvalidTransition,
		},
		{
			name:        "confirm before deposit",
			state:       domain.ProcessStateFeeTxPublished,
			apply:       (*domain.Trade).ConfirmDeposit,
			expectedErr: domain.ErrInvalidTransition,
		},
		{
			name:        "fiat started before confirm",
			state:       domain.ProcessStateDepositPublished,
			apply:       (*domain.Trade).StartFiatPayment,
			expectedErr: domain.ErrInvalidTransition,
		},
		{
			name:        "fiat received before started",
			state:       domain.ProcessStateDepositConfirmed,
			apply:       (*domain.Trade).ReceiveFiatPayment,
			expectedErr: domain.ErrInvalidTransition,
		},
		{
			name:        "payout before fiat started",
			state:       domain.ProcessStateDepositConfirmed,
			apply:       func(tr *domain.Trade) (bool, error) { return tr.PublishPayout(nil, "") },
			expectedErr: domain.ErrInvalidTransition,
		},
		{
			name:        "payout msg before payout",
			state:       domain.ProcessStateFiatPaymentReceived,
			apply:       (*domain.Trade).SendPayoutMessage,
			expectedErr: domain.ErrInvalidTransition,
		},
		{
			name:        "progress after failure",
			state:       domain.ProcessStateMessageSendingFailed,
			apply:       (*domain.Trade).ConfirmDeposit,
			expectedErr: domain.ErrTradeTerminated,
		},
		{
			name:  "fail with success state",
			state: domain.ProcessStateDepositPublished,
			apply: func(tr *domain.Trade) (bool, error) {
				return tr.Fail(domain.ProcessStateDepositConfirmed, "")
			},
			expectedErr: domain.ErrInvalidFailureState,
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			trade := newTestTrade(domain.SideTaker, domain.DirectionBuyer)
			trade.State = tt.state

			ok, err := tt.apply(trade)
			require.ErrorIs(t, err, tt.expectedErr)
			require.False(t, ok)
			require.Equal(t, tt.state, trade.State)
		})
	}
}

func TestFail(t *testing.T) {
	t.Parallel()

	trade := newTestTrade(domain.SideTaker, domain.DirectionBuyer)
	_, err := trade.PublishFeeTx(randstr.Hex(32))
	require.NoError(t, err)
	require.ErrorIs(t, trade.Archive(), domain.ErrTradeNotTerminated)

	ok, err := trade.Fail(domain.ProcessStateTimeout, "no response from maker")
	require.NoError(t, err)
	require.True(t, ok)
	require.True(t, trade.IsFailed())
	require.True(t, trade.IsTerminal())
	require.Equal(t, "no response from maker", trade.ErrorMessage)

	// a second failure doesn't overwrite the first one.
	ok, err = trade.Fail(domain.ProcessStateException, "boom")
	require.NoError(t, err)
	require.False(t, ok)
	require.Equal(t, domain.ProcessStateTimeout, trade.State)
	require.NoError(t, trade.Archive())
}

func TestProcessedUIDs(t *testing.T) {
	t.Parallel()

	trade := newTestTrade(domain.SideTaker, domain.DirectionBuyer)
	require.False(t, trade.HasProcessed("u1"))

	trade.MarkProcessed("u1")
	trade.MarkProcessed("u1")
	trade.MarkProcessed("")
	require.True(t, trade.HasProcessed("u1"))
	require.Len(t, trade.ProcessedUIDs, 1)
}

// TestMonotonicTransitions applies random sequences of operations to a
// trade and checks that its state never goes back, unless it ends up into
// a failure state.
func TestMonotonicTransitions(t *testing.T) {
	t.Parallel()

	ops := []func(tr *domain.Trade) (bool, error){
		func(tr *domain.Trade) (bool, error) { return tr.PublishFeeTx("fee") },
		func(tr *domain.Trade) (bool, error) { return tr.PublishDeposit(nil, "deposit") },
		(*domain.Trade).ConfirmDeposit,
		(*domain.Trade).StartFiatPayment,
		(*domain.Trade).ReceiveFiatPayment,
		func(tr *domain.Trade) (bool, error) { return tr.PublishPayout(nil, "payout") },
		(*domain.Trade).SendPayoutMessage,
		func(tr *domain.Trade) (bool, error) {
			return tr.Fail(domain.ProcessStateMessageSendingFailed, "")
		},
		func(tr *domain.Trade) (bool, error) { return tr.Fail(domain.ProcessStateTimeout, "") },
		func(tr *domain.Trade) (bool, error) { return tr.Fail(domain.ProcessStateException, "") },
	}

	rnd := rand.New(rand.NewSource(1))
	for i := 0; i < 2000; i++ {
		side := domain.Side(rnd.Intn(2))
		direction := domain.Direction(rnd.Intn(2))
		trade := newTestTrade(side, direction)

		for j := 0; j < 20; j++ {
			prev := trade.State
			// failure ops are picked less often to explore longer histories.
			op := ops[rnd.Intn(len(ops)-3)]
			if rnd.Intn(10) == 0 {
				op = ops[len(ops)-3+rnd.Intn(3)]
			}
			_, _ = op(trade)

			if prev.IsFailure() {
				require.Equal(t, prev, trade.State)
				continue
			}
			if !trade.State.IsFailure() {
				require.GreaterOrEqual(t, trade.State, prev)
			}
			if trade.State >= domain.ProcessStatePayoutPublished && !trade.State.IsFailure() {
				require.NotEmpty(t, trade.DepositTxID)
			}
		}
	}
}

func TestFiatVolume(t *testing.T) {
	t.Parallel()

	trade := newTestTrade(domain.SideMaker, domain.DirectionBuyer)
	// 0.25 BTC at 40000 EUR
	require.True(t, decimal.NewFromInt(10000).Equal(trade.Offer.FiatVolume()))

	contract := domain.Contract{
		TradeAmount:        trade.Amount,
		TradePrice:         trade.Price,
		MakerDirection:     domain.DirectionBuyer,
		MakerPayoutAddress: "maker",
		TakerPayoutAddress: "taker",
	}
	require.True(t, decimal.NewFromInt(10000).Equal(contract.FiatVolume()))
	require.Equal(t, "maker", contract.BuyerPayoutAddress())
	require.Equal(t, "taker", contract.SellerPayoutAddress())

	contractJSON, err := contract.JSON()
	require.NoError(t, err)
	parsed, err := domain.ParseContract(contractJSON)
	require.NoError(t, err)
	require.True(t, contract.TradePrice.Equal(parsed.TradePrice))
	require.Equal(t, contract.MakerPayoutAddress, parsed.MakerPayoutAddress)
}

func TestNewTrade(t *testing.T) {
	t.Parallel()

	offer := newTestOffer(domain.DirectionSeller)

	maker := domain.NewTrade(*offer, domain.SideMaker)
	taker := domain.NewTrade(*offer, domain.SideTaker)
	require.Equal(t, offer.ID, maker.ID)
	require.Equal(t, maker.ID, taker.ID)
	require.True(t, maker.Role.IsSeller())
	require.True(t, taker.Role.IsBuyer())
	require.Equal(t, domain.DirectionSeller, taker.CounterpartyDirection())
}

func newTestOffer(direction domain.Direction) *domain.Offer {
	offer, err := domain.NewOffer(
		domain.NodeAddress{Host: "localhost", Port: 9999}, testPubKeyRing(),
		direction, 25000000, decimal.NewFromInt(40000), "EUR", "SEPA",
	)
	if err != nil {
		panic(err)
	}
	return offer
}

func newTestTrade(side domain.Side, direction domain.Direction) *domain.Trade {
	offerDirection := direction
	if side == domain.SideTaker {
		offerDirection = direction.Opposite()
	}
	return domain.NewTrade(*newTestOffer(offerDirection), side)
}
