package domain

import (
	"fmt"
	"time"
)

// PublishFeeTx brings an UNDEFINED trade to FEE_TX_PUBLISHED once the trade
// fee tx has been broadcasted.
func (t *Trade) PublishFeeTx(feeTxID string) (bool, error) {
	if err := t.checkNotFailed(); err != nil {
		return false, err
	}
	if t.State >= ProcessStateFeeTxPublished {
		return true, nil
	}

	if t.Role.IsMaker() {
		t.Offer.MakerFeeTxID = feeTxID
	} else {
		t.TakerFeeTxID = feeTxID
	}
	t.setState(ProcessStateFeeTxPublished)
	return true, nil
}

// PublishDeposit brings the trade to DEPOSIT_PUBLISHED once the deposit tx
// has been broadcasted, by the local node or by the counterparty.
func (t *Trade) PublishDeposit(depositTx []byte, depositTxID string) (bool, error) {
	if err := t.checkNotFailed(); err != nil {
		return false, err
	}
	if t.State >= ProcessStateDepositPublished {
		return true, nil
	}
	if t.State != ProcessStateFeeTxPublished {
		return false, t.invalidTransition(ProcessStateDepositPublished)
	}

	t.DepositTx = depositTx
	t.DepositTxID = depositTxID
	t.setState(ProcessStateDepositPublished)
	return true, nil
}

// ConfirmDeposit brings the trade to DEPOSIT_CONFIRMED once the deposit tx
// got at least one confirmation.
func (t *Trade) ConfirmDeposit() (bool, error) {
	if err := t.checkNotFailed(); err != nil {
		return false, err
	}
	if t.State >= ProcessStateDepositConfirmed {
		return true, nil
	}
	if t.State != ProcessStateDepositPublished {
		return false, t.invalidTransition(ProcessStateDepositConfirmed)
	}

	t.setState(ProcessStateDepositConfirmed)
	return true, nil
}

// StartFiatPayment brings the trade to FIAT_PAYMENT_STARTED. On buyer side
// it's triggered by the local user, on seller side by the buyer's message.
func (t *Trade) StartFiatPayment() (bool, error) {
	if err := t.checkNotFailed(); err != nil {
		return false, err
	}
	if t.State >= ProcessStateFiatPaymentStarted {
		return true, nil
	}
	if t.State != ProcessStateDepositConfirmed {
		return false, t.invalidTransition(ProcessStateFiatPaymentStarted)
	}

	t.setState(ProcessStateFiatPaymentStarted)
	return true, nil
}

// ReceiveFiatPayment brings the trade to FIAT_PAYMENT_RECEIVED.
func (t *Trade) ReceiveFiatPayment() (bool, error) {
	if err := t.checkNotFailed(); err != nil {
		return false, err
	}
	if t.State >= ProcessStateFiatPaymentReceived {
		return true, nil
	}
	if t.State != ProcessStateFiatPaymentStarted {
		return false, t.invalidTransition(ProcessStateFiatPaymentReceived)
	}

	t.setState(ProcessStateFiatPaymentReceived)
	return true, nil
}

// PublishPayout brings the trade to PAYOUT_PUBLISHED. A payout can never be
// published for a trade whose deposit is not confirmed yet.
func (t *Trade) PublishPayout(payoutTx []byte, payoutTxID string) (bool, error) {
	if err := t.checkNotFailed(); err != nil {
		return false, err
	}
	if t.State >= ProcessStatePayoutPublished {
		return true, nil
	}
	if t.State < ProcessStateDepositConfirmed {
		return false, ErrPayoutBeforeDepositConfirmed
	}
	if t.State < ProcessStateFiatPaymentStarted {
		return false, t.invalidTransition(ProcessStatePayoutPublished)
	}

	t.PayoutTx = payoutTx
	t.PayoutTxID = payoutTxID
	t.setState(ProcessStatePayoutPublished)
	return true, nil
}

// SendPayoutMessage brings the trade to PAYOUT_PUBLISHED_MSG_SENT once the
// counterparty has been notified about the payout.
func (t *Trade) SendPayoutMessage() (bool, error) {
	if err := t.checkNotFailed(); err != nil {
		return false, err
	}
	if t.State >= ProcessStatePayoutPublishedMsgSent {
		return true, nil
	}
	if t.State != ProcessStatePayoutPublished {
		return false, t.invalidTransition(ProcessStatePayoutPublishedMsgSent)
	}

	t.setState(ProcessStatePayoutPublishedMsgSent)
	return true, nil
}

// Fail brings a non terminated trade to the given failure state. It returns
// false if the trade was already terminated.
func (t *Trade) Fail(state ProcessState, reason string) (bool, error) {
	if !state.IsFailure() {
		return false, ErrInvalidFailureState
	}
	if t.IsTerminal() {
		return false, nil
	}

	t.ErrorMessage = reason
	t.setState(state)
	return true, nil
}

// IsTerminal returns whether the trade ended for the local role.
func (t *Trade) IsTerminal() bool {
	return IsTerminalFor(t.Role, t.State)
}

// IsFailed returns whether the trade ended in a failure state.
func (t *Trade) IsFailed() bool {
	return t.State.IsFailure()
}

// Archive marks a terminated trade as archived, it won't be restored at the
// next restart.
func (t *Trade) Archive() error {
	if !t.IsTerminal() {
		return ErrTradeNotTerminated
	}
	t.Archived = true
	return nil
}

// HasProcessed returns whether the message with the given uid has been
// already processed for this trade.
func (t *Trade) HasProcessed(uid string) bool {
	for _, id := range t.ProcessedUIDs {
		if id == uid {
			return true
		}
	}
	return false
}

// MarkProcessed records the uid of a processed message.
func (t *Trade) MarkProcessed(uid string) {
	if uid == "" || t.HasProcessed(uid) {
		return
	}
	t.ProcessedUIDs = append(t.ProcessedUIDs, uid)
}

// CounterpartyDirection returns the direction of the trading peer.
func (t *Trade) CounterpartyDirection() Direction {
	return t.Role.Direction.Opposite()
}

func (t *Trade) checkNotFailed() error {
	if t.State.IsFailure() {
		return ErrTradeTerminated
	}
	return nil
}

func (t *Trade) invalidTransition(to ProcessState) error {
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, t.State, to)
}

func (t *Trade) setState(state ProcessState) {
	t.State = state
	t.UpdateTime = time.Now().Unix()
}
