package trade

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/tdex-network/tdex-p2p/internal/core/domain"
	"github.com/tdex-network/tdex-p2p/internal/core/ports"
	"github.com/tdex-network/tdex-p2p/pkg/eventloop"
	"github.com/tdex-network/tdex-p2p/pkg/sealer"
)

// protocol drives a single trade. Its methods must be called on the loop.
type protocol struct {
	svc       *Service
	trade     *domain.Trade
	lastState domain.ProcessState
	timer     *eventloop.Timer
	logger    *log.Entry

	busy            bool
	checkingDeposit bool
}

func newProtocol(svc *Service, trade *domain.Trade) *protocol {
	return &protocol{
		svc:       svc,
		trade:     trade,
		lastState: trade.State,
		logger: log.WithFields(log.Fields{
			"trade": trade.ID,
			"role":  trade.Role,
		}),
	}
}

// takeOffer prepares the trade as taker, pays the taker fee and asks the
// maker to prepare the deposit tx.
func (s *Service) takeOffer(offer domain.Offer, onDone func(*protocol, error)) {
	if _, ok := s.protocols[offer.ID]; ok {
		onDone(nil, ErrOfferAlreadyTaken)
		return
	}
	if _, ok := s.pendingTakes[offer.ID]; ok {
		onDone(nil, ErrOfferAlreadyTaken)
		return
	}
	if _, err := s.repoManager.TradeRepository().GetTrade(s.ctx, offer.ID); err == nil {
		onDone(nil, ErrOfferAlreadyTaken)
		return
	}

	t := domain.NewTrade(offer, domain.SideTaker)
	amount := fundingAmount(t)
	s.pendingTakes[t.ID] = ""

	var (
		inputs         ports.FundingInputs
		multisigPubKey []byte
		payoutAddress  string
		feeTxID        string
	)
	s.callWallet(func(ctx context.Context) error {
		var err error
		if inputs, err = s.wallet.GetFundingInputs(ctx, t.ID, amount); err != nil {
			return fmt.Errorf("failed to get funding inputs: %w", err)
		}
		if multisigPubKey, err = s.wallet.NewMultisigPubKey(ctx, t.ID); err != nil {
			return fmt.Errorf("failed to derive multisig key: %w", err)
		}
		if payoutAddress, err = s.wallet.NewPayoutAddress(ctx, t.ID); err != nil {
			return fmt.Errorf("failed to derive payout address: %w", err)
		}
		if feeTxID, err = s.wallet.PayTradeFee(ctx, t.ID, offer.TakerFee); err != nil {
			return fmt.Errorf("failed to pay taker fee: %w", err)
		}
		return nil
	}, func(err error) {
		delete(s.pendingTakes, t.ID)
		if err != nil {
			onDone(nil, err)
			return
		}

		t.FundingInputs = inputs.GetRawInputs()
		t.ChangeOutputValue = inputs.GetChangeValue()
		t.ChangeOutputAddress = inputs.GetChangeAddress()
		t.MultisigPubKey = multisigPubKey
		t.PayoutAddress = payoutAddress
		t.TradingPeer = domain.TradingPeer{
			NodeAddress: offer.MakerAddress,
			PubKeyRing:  offer.MakerPubKeyRing,
			FeeTxID:     offer.MakerFeeTxID,
		}
		if _, err := t.PublishFeeTx(feeTxID); err != nil {
			onDone(nil, err)
			return
		}

		p := newProtocol(s, t)
		p.lastState = domain.ProcessStateUndefined
		s.protocols[t.ID] = p
		p.commit()
		p.logger.Infof("took offer, fee tx %s", feeTxID)

		p.armTimeout(s.cfg.TradeTimeout)
		p.send(domain.PayDepositRequest{
			MessageHeader:       newMessageHeader(t.ID, s.node.NodeAddress()),
			TradeAmount:         t.Amount,
			TradePrice:          t.Price,
			TxFee:               offer.TxFee,
			TakerFee:            offer.TakerFee,
			TakerFeeTxID:        feeTxID,
			RawFundingInputs:    t.FundingInputs,
			ChangeOutputValue:   t.ChangeOutputValue,
			ChangeOutputAddress: t.ChangeOutputAddress,
			TakerMultisigPubKey: t.MultisigPubKey,
			TakerPayoutAddress:  t.PayoutAddress,
			TakerPubKeyRing:     s.keyRing.PubKeyRing(),
			AcceptedArbitrators: offer.Arbitrators,
		}, nil)
		onDone(p, nil)
	})
}

// handlePayDepositRequest is the maker's entry point of the protocol.
func (s *Service) handlePayDepositRequest(m domain.PayDepositRequest, signer []byte) {
	logger := log.WithFields(log.Fields{"trade": m.TradeID, "uid": m.UID})

	if !bytes.Equal(signer, m.TakerPubKeyRing.SignaturePubKey) {
		logger.WithError(ErrUnexpectedSigner).Warn("dropping take offer request")
		return
	}
	if m.Sender.IsEmpty() {
		logger.Warn("dropping take offer request with missing sender")
		return
	}

	if uid, ok := s.pendingTakes[m.TradeID]; ok {
		if uid == m.UID {
			logger.Debug("take offer request already being processed, dropping")
			return
		}
		s.sendAck(m.TradeID, m.Sender, m.TakerPubKeyRing, m, ErrOfferAlreadyTaken)
		return
	}

	existing, ok := s.protocols[m.TradeID]
	if !ok {
		t, err := s.repoManager.TradeRepository().GetTrade(s.ctx, m.TradeID)
		if err == nil {
			existing = newProtocol(s, t)
		}
	}
	if existing != nil {
		if existing.trade.HasProcessed(m.UID) {
			logger.Debug("take offer request already processed, dropping")
			return
		}
		s.sendAck(m.TradeID, m.Sender, m.TakerPubKeyRing, m, ErrOfferAlreadyTaken)
		return
	}

	s.acceptTakeOffer(m, func(err error) {
		if errors.Is(err, ErrServiceStopped) {
			return
		}
		if err != nil {
			logger.WithError(err).Warn("rejected take offer request")
		}
		s.sendAck(m.TradeID, m.Sender, m.TakerPubKeyRing, m, err)
	})
}

// acceptTakeOffer builds and signs the contract and prepares the deposit tx
// for the taker to complete.
func (s *Service) acceptTakeOffer(m domain.PayDepositRequest, onDone func(error)) {
	offerRepo := s.repoManager.OfferRepository()
	offer, err := offerRepo.GetOffer(s.ctx, m.TradeID)
	if err != nil {
		onDone(err)
		return
	}
	if m.TradeAmount != offer.Amount || !m.TradePrice.Equal(offer.Price) {
		onDone(fmt.Errorf("%w: amount or price", ErrInvalidTakeRequest))
		return
	}
	if err := m.TakerPubKeyRing.Validate(); err != nil {
		onDone(fmt.Errorf("%w: %s", ErrInvalidTakeRequest, err))
		return
	}
	if len(m.TakerMultisigPubKey) == 0 || m.TakerPayoutAddress == "" ||
		m.TakerFeeTxID == "" {
		onDone(fmt.Errorf("%w: missing taker data", ErrInvalidTakeRequest))
		return
	}

	t := domain.NewTrade(*offer, domain.SideMaker)
	t.TakerFeeTxID = m.TakerFeeTxID
	t.TradingPeer = domain.TradingPeer{
		NodeAddress:         m.Sender,
		PubKeyRing:          m.TakerPubKeyRing,
		PaymentAccount:      m.TakerPaymentAccount,
		PayoutAddress:       m.TakerPayoutAddress,
		MultisigPubKey:      m.TakerMultisigPubKey,
		RawInputs:           m.RawFundingInputs,
		ChangeOutputValue:   m.ChangeOutputValue,
		ChangeOutputAddress: m.ChangeOutputAddress,
		FeeTxID:             m.TakerFeeTxID,
	}
	if _, err := t.PublishFeeTx(offer.MakerFeeTxID); err != nil {
		onDone(err)
		return
	}

	amount := fundingAmount(t)
	s.pendingTakes[t.ID] = m.UID
	fail := func(err error) {
		delete(s.pendingTakes, t.ID)
		onDone(err)
	}

	var (
		inputs         ports.FundingInputs
		multisigPubKey []byte
		payoutAddress  string
	)
	s.callWallet(func(ctx context.Context) error {
		var err error
		if inputs, err = s.wallet.GetFundingInputs(ctx, t.ID, amount); err != nil {
			return fmt.Errorf("failed to get funding inputs: %w", err)
		}
		if multisigPubKey, err = s.wallet.NewMultisigPubKey(ctx, t.ID); err != nil {
			return fmt.Errorf("failed to derive multisig key: %w", err)
		}
		if payoutAddress, err = s.wallet.NewPayoutAddress(ctx, t.ID); err != nil {
			return fmt.Errorf("failed to derive payout address: %w", err)
		}
		return nil
	}, func(err error) {
		if err != nil {
			fail(err)
			return
		}
		t.FundingInputs = inputs.GetRawInputs()
		t.ChangeOutputValue = inputs.GetChangeValue()
		t.ChangeOutputAddress = inputs.GetChangeAddress()
		t.MultisigPubKey = multisigPubKey
		t.PayoutAddress = payoutAddress

		contract := &domain.Contract{
			OfferID:             offer.ID,
			TradeAmount:         t.Amount,
			TradePrice:          t.Price,
			CurrencyCode:        offer.CurrencyCode,
			PaymentMethod:       offer.PaymentMethod,
			MakerDirection:      offer.Direction,
			MakerNodeAddress:    s.node.NodeAddress(),
			TakerNodeAddress:    m.Sender,
			MakerPubKeyRing:     s.keyRing.PubKeyRing(),
			TakerPubKeyRing:     m.TakerPubKeyRing,
			MakerPayoutAddress:  payoutAddress,
			TakerPayoutAddress:  m.TakerPayoutAddress,
			MakerMultisigPubKey: multisigPubKey,
			TakerMultisigPubKey: m.TakerMultisigPubKey,
			TakerPaymentAccount: m.TakerPaymentAccount,
			MakerFeeTxID:        offer.MakerFeeTxID,
			TakerFeeTxID:        m.TakerFeeTxID,
		}
		contractJSON, err := contract.JSON()
		if err != nil {
			fail(err)
			return
		}
		signature, err := sealer.SignText(s.keyRing.SignatureKey(), contractJSON)
		if err != nil {
			fail(fmt.Errorf("failed to sign contract: %w", err))
			return
		}
		t.Contract = contract
		t.ContractJSON = contractJSON
		t.ContractSignature = signature

		args := depositTxArgs(t)
		var preparedTx []byte
		s.callWallet(func(ctx context.Context) error {
			var err error
			preparedTx, err = s.wallet.PrepareDepositTx(ctx, args)
			if err != nil {
				return fmt.Errorf("failed to prepare deposit tx: %w", err)
			}
			return nil
		}, func(err error) {
			if err != nil {
				fail(err)
				return
			}
			delete(s.pendingTakes, t.ID)
			t.PreparedDepositTx = preparedTx
			t.MarkProcessed(m.UID)

			if err := offerRepo.DeleteOffer(s.ctx, offer.ID); err != nil {
				log.WithError(err).WithField("offer", offer.ID).Warn("failed to remove taken offer")
			}

			p := newProtocol(s, t)
			p.lastState = domain.ProcessStateUndefined
			s.protocols[t.ID] = p
			p.commit()
			p.logger.Infof("offer taken by %s", m.Sender)

			p.send(domain.PublishDepositTxRequest{
				MessageHeader:          newMessageHeader(t.ID, s.node.NodeAddress()),
				MakerContractJSON:      contractJSON,
				MakerContractSignature: signature,
				MakerPayoutAddress:     payoutAddress,
				PreparedDepositTx:      preparedTx,
				MakerInputs:            t.FundingInputs,
				MakerMultisigPubKey:    multisigPubKey,
			}, nil)
			onDone(nil)
		})
	})
}

// handleMessage processes a trade message and reports the outcome through
// done, possibly after a wallet call.
func (p *protocol) handleMessage(msg domain.TradeMessage, done func(error)) {
	if p.trade.Contract == nil &&
		msg.Type() != domain.MessageTypePublishDepositTxRequest {
		done(fmt.Errorf("%w: %s before contract", ErrUnexpectedMessage, msg.Type()))
		return
	}

	switch m := msg.(type) {
	case domain.PublishDepositTxRequest:
		p.onPublishDepositTxRequest(m, done)
	case domain.DepositTxPublishedMessage:
		done(p.onDepositTxPublished(m))
	case domain.FiatTransferStartedMessage:
		done(p.onFiatTransferStarted(m))
	case domain.FinalizePayoutTxRequest:
		done(p.onFinalizePayoutTxRequest(m))
	case domain.PayoutTxPublishedMessage:
		done(p.onPayoutTxPublished(m))
	default:
		done(fmt.Errorf("%w: %s", domain.ErrUnknownMessageType, msg.Type()))
	}
}

// onPublishDepositTxRequest verifies the contract signed by the maker, then
// completes and publishes the deposit tx.
func (p *protocol) onPublishDepositTxRequest(
	m domain.PublishDepositTxRequest, done func(error),
) {
	t := p.trade
	if t.Role.IsMaker() {
		done(ErrUnexpectedMessage)
		return
	}
	if t.State != domain.ProcessStateFeeTxPublished {
		done(p.invalidTransition(domain.ProcessStateDepositPublished))
		return
	}
	if p.busy {
		done(ErrTradeBusy)
		return
	}

	contract, err := p.verifyContract(m)
	if err != nil {
		p.fail(domain.ProcessStateException, err.Error())
		done(err)
		return
	}

	t.Contract = contract
	t.ContractJSON = m.MakerContractJSON
	t.TradingPeer.ContractSignature = m.MakerContractSignature
	t.TradingPeer.PayoutAddress = m.MakerPayoutAddress
	t.TradingPeer.MultisigPubKey = m.MakerMultisigPubKey
	t.TradingPeer.PaymentAccount = m.MakerPaymentAccount
	t.TradingPeer.RawInputs = m.MakerInputs
	t.PreparedDepositTx = m.PreparedDepositTx

	// No timeout while the deposit tx is being published.
	p.stopTimer()

	args := depositTxArgs(t)
	var (
		depositTx   []byte
		depositTxID string
	)
	p.walletStep(func(ctx context.Context) error {
		var err error
		depositTx, depositTxID, err = p.svc.wallet.SignAndPublishDepositTx(
			ctx, args, m.PreparedDepositTx,
		)
		return err
	}, func(err error) {
		if err != nil {
			done(p.walletFailed(fmt.Errorf("failed to publish deposit tx: %w", err)))
			return
		}
		if _, err := t.PublishDeposit(depositTx, depositTxID); err != nil {
			p.fail(domain.ProcessStateException, err.Error())
			done(err)
			return
		}
		p.logger.Infof("published deposit tx %s", depositTxID)

		p.send(domain.DepositTxPublishedMessage{
			MessageHeader: newMessageHeader(t.ID, p.svc.node.NodeAddress()),
			DepositTx:     depositTx,
		}, nil)
		p.checkDepositConfirmation()
		done(nil)
	})
}

func (p *protocol) verifyContract(
	m domain.PublishDepositTxRequest,
) (*domain.Contract, error) {
	contract, err := domain.ParseContract(m.MakerContractJSON)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidContract, err)
	}
	if !contract.TakerPubKeyRing.Equal(p.svc.keyRing.PubKeyRing()) {
		return nil, fmt.Errorf("%w: taker pubkey ring", ErrInvalidContract)
	}
	if contract.MakerPayoutAddress != m.MakerPayoutAddress ||
		!bytes.Equal(contract.MakerMultisigPubKey, m.MakerMultisigPubKey) {
		return nil, fmt.Errorf("%w: maker keys", ErrInvalidContract)
	}
	if err := validateContract(p.trade, contract); err != nil {
		return nil, err
	}

	makerKey, err := p.trade.TradingPeer.PubKeyRing.SignatureKey()
	if err != nil {
		return nil, err
	}
	if err := sealer.VerifyText(
		makerKey, m.MakerContractJSON, m.MakerContractSignature,
	); err != nil {
		return nil, fmt.Errorf("invalid contract signature: %w", err)
	}
	return contract, nil
}

func (p *protocol) onDepositTxPublished(m domain.DepositTxPublishedMessage) error {
	t := p.trade
	if !t.Role.IsMaker() {
		return ErrUnexpectedMessage
	}

	depositTxID, err := txIDFromRaw(m.DepositTx)
	if err != nil {
		return err
	}
	if _, err := t.PublishDeposit(m.DepositTx, depositTxID); err != nil {
		return err
	}
	p.logger.Infof("taker published deposit tx %s", depositTxID)

	p.checkDepositConfirmation()
	return nil
}

func (p *protocol) onFiatTransferStarted(m domain.FiatTransferStartedMessage) error {
	t := p.trade
	if !t.Role.IsSeller() {
		return ErrUnexpectedMessage
	}
	if m.BuyerPayoutAddress != t.Contract.BuyerPayoutAddress() {
		return fmt.Errorf("%w: buyer payout address", ErrInvalidContract)
	}
	if len(m.BuyerSignature) == 0 {
		return ErrMissingPayoutSignature
	}

	// The buyer signs the payout only once it saw the deposit confirmed,
	// our wallet might just be lagging behind.
	if t.State == domain.ProcessStateDepositPublished {
		if _, err := t.ConfirmDeposit(); err != nil {
			return err
		}
		p.logger.Info("deposit tx confirmed by the buyer")
		p.commit()
	}
	if _, err := t.StartFiatPayment(); err != nil {
		return err
	}
	t.TradingPeer.PayoutSignature = m.BuyerSignature
	p.logger.Info("buyer started fiat payment")
	return nil
}

func (p *protocol) onFinalizePayoutTxRequest(m domain.FinalizePayoutTxRequest) error {
	t := p.trade
	if !t.Role.IsBuyer() {
		return ErrUnexpectedMessage
	}
	if m.SellerPayoutAddress != t.Contract.SellerPayoutAddress() {
		return fmt.Errorf("%w: seller payout address", ErrInvalidContract)
	}
	if len(m.SellerSignature) == 0 {
		return ErrMissingPayoutSignature
	}

	if _, err := t.ReceiveFiatPayment(); err != nil {
		return err
	}
	t.TradingPeer.PayoutSignature = m.SellerSignature
	p.logger.Info("seller confirmed fiat payment receipt")
	return nil
}

func (p *protocol) onPayoutTxPublished(m domain.PayoutTxPublishedMessage) error {
	t := p.trade
	if !t.Role.IsBuyer() {
		return ErrUnexpectedMessage
	}

	payoutTxID, err := txIDFromRaw(m.PayoutTx)
	if err != nil {
		return err
	}
	if _, err := t.PublishPayout(m.PayoutTx, payoutTxID); err != nil {
		return err
	}
	p.logger.Infof("seller published payout tx %s", payoutTxID)
	return nil
}

func (p *protocol) confirmFiatPaymentStarted(done func(error)) {
	t := p.trade
	if ok, err := p.canMoveTo(domain.ProcessStateFiatPaymentStarted); ok || err != nil {
		done(err)
		return
	}

	args := payoutTxArgs(t)
	var signature []byte
	p.walletStep(func(ctx context.Context) error {
		var err error
		signature, err = p.svc.wallet.SignPayoutTx(ctx, args)
		return err
	}, func(err error) {
		if err != nil {
			done(p.walletFailed(fmt.Errorf("failed to sign payout tx: %w", err)))
			return
		}
		t.PayoutSignature = signature
		if _, err := t.StartFiatPayment(); err != nil {
			done(err)
			return
		}
		p.commit()

		p.send(domain.FiatTransferStartedMessage{
			MessageHeader:      newMessageHeader(t.ID, p.svc.node.NodeAddress()),
			BuyerPayoutAddress: t.PayoutAddress,
			BuyerSignature:     signature,
		}, nil)
		done(nil)
	})
}

func (p *protocol) confirmFiatPaymentReceived(done func(error)) {
	t := p.trade
	if ok, err := p.canMoveTo(domain.ProcessStateFiatPaymentReceived); ok || err != nil {
		done(err)
		return
	}
	if len(t.TradingPeer.PayoutSignature) == 0 {
		done(ErrMissingPayoutSignature)
		return
	}

	args := payoutTxArgs(t)
	var signature []byte
	p.walletStep(func(ctx context.Context) error {
		var err error
		signature, err = p.svc.wallet.SignPayoutTx(ctx, args)
		return err
	}, func(err error) {
		if err != nil {
			done(p.walletFailed(fmt.Errorf("failed to sign payout tx: %w", err)))
			return
		}
		t.PayoutSignature = signature
		if _, err := t.ReceiveFiatPayment(); err != nil {
			done(err)
			return
		}
		p.commit()

		// The payout is published only once the buyer got, or will get, the
		// signature.
		p.send(domain.FinalizePayoutTxRequest{
			MessageHeader:       newMessageHeader(t.ID, p.svc.node.NodeAddress()),
			SellerSignature:     signature,
			SellerPayoutAddress: t.PayoutAddress,
		}, func() {
			p.publishPayout()
		})
		done(nil)
	})
}

func (p *protocol) publishPayout() {
	t := p.trade
	args := payoutTxArgs(t)
	peerSignature, signature := t.TradingPeer.PayoutSignature, t.PayoutSignature

	var (
		payoutTx   []byte
		payoutTxID string
	)
	p.walletStep(func(ctx context.Context) error {
		var err error
		payoutTx, payoutTxID, err = p.svc.wallet.PublishPayoutTx(
			ctx, args, peerSignature, signature,
		)
		return err
	}, func(err error) {
		if err != nil {
			p.walletFailed(fmt.Errorf("failed to publish payout tx: %w", err))
			return
		}
		if _, err := t.PublishPayout(payoutTx, payoutTxID); err != nil {
			p.fail(domain.ProcessStateException, err.Error())
			return
		}
		p.commit()
		p.logger.Infof("published payout tx %s", payoutTxID)

		p.sendPayoutPublished()
	})
}

func (p *protocol) sendPayoutPublished() {
	t := p.trade
	p.send(domain.PayoutTxPublishedMessage{
		MessageHeader: newMessageHeader(t.ID, p.svc.node.NodeAddress()),
		PayoutTx:      t.PayoutTx,
	}, func() {
		if _, err := t.SendPayoutMessage(); err != nil {
			p.logger.WithError(err).Warn("failed to complete trade")
			return
		}
		p.commit()
	})
}

// checkDepositConfirmation asks the wallet about the deposit tx, in case the
// confirmation notification was missed.
func (p *protocol) checkDepositConfirmation() {
	t := p.trade
	if t.State != domain.ProcessStateDepositPublished || t.DepositTxID == "" ||
		p.checkingDeposit {
		return
	}

	p.checkingDeposit = true
	txid := t.DepositTxID
	var confirmations uint32
	p.svc.callWallet(func(ctx context.Context) error {
		var err error
		confirmations, err = p.svc.wallet.GetTxConfirmations(ctx, txid)
		return err
	}, func(err error) {
		p.checkingDeposit = false
		if err != nil {
			if !errors.Is(err, ErrServiceStopped) {
				p.logger.WithError(err).Debug("failed to get deposit tx confirmations")
			}
			return
		}
		if confirmations > 0 && p.isActive() {
			p.confirmDeposit()
		}
	})
}

func (p *protocol) confirmDeposit() {
	if p.trade.State != domain.ProcessStateDepositPublished {
		return
	}
	if _, err := p.trade.ConfirmDeposit(); err != nil {
		p.logger.WithError(err).Debug("failed to confirm deposit")
		return
	}
	p.logger.Info("deposit tx confirmed")
	p.commit()
}

// resume restarts a trade restored from the repository.
func (p *protocol) resume() {
	t := p.trade
	switch {
	case !t.Role.IsMaker() && t.State == domain.ProcessStateFeeTxPublished:
		elapsed := time.Since(time.Unix(t.CreationTime, 0))
		remaining := p.svc.cfg.TradeTimeout - elapsed
		if remaining <= 0 {
			p.fail(domain.ProcessStateTimeout, "deposit tx not published in time")
			return
		}
		p.armTimeout(remaining)
	case t.State == domain.ProcessStateDepositPublished:
		p.checkDepositConfirmation()
	case t.Role.IsSeller() && t.State == domain.ProcessStateFiatPaymentReceived:
		p.publishPayout()
	case t.Role.IsSeller() && t.State == domain.ProcessStatePayoutPublished:
		p.sendPayoutPublished()
	}
}

// send seals and sends the message to the trading peer. Failing to deliver
// a message, or to store it in the mailbox, terminates the trade.
func (p *protocol) send(msg domain.TradeMessage, onSuccess func()) {
	peer := p.trade.TradingPeer
	err := p.svc.sendMessage(
		p.trade.ID, peer.NodeAddress, peer.PubKeyRing, msg, p.svc.cfg.SendRetries,
		func(err error) {
			if !p.isActive() {
				return
			}
			if err != nil {
				p.fail(
					domain.ProcessStateMessageSendingFailed,
					fmt.Sprintf("failed to send %s: %s", msg.Type(), err),
				)
				return
			}
			if onSuccess != nil {
				onSuccess()
			}
		},
	)
	if err != nil && !errors.Is(err, ErrServiceStopped) {
		p.fail(domain.ProcessStateException, err.Error())
	}
}

// walletStep runs a wallet call on behalf of the trade, off the loop. No
// other wallet step of the trade can start until onDone has run.
func (p *protocol) walletStep(
	call func(ctx context.Context) error, onDone func(err error),
) {
	if p.busy {
		onDone(ErrTradeBusy)
		return
	}

	p.busy = true
	p.svc.callWallet(call, func(err error) {
		p.busy = false
		if !p.isActive() {
			if err == nil {
				p.logger.Warn("wallet call completed after the trade terminated")
			}
			onDone(domain.ErrTradeTerminated)
			return
		}
		onDone(err)
	})
}

// walletFailed terminates the trade after a failed wallet call, unless the
// call was interrupted by the service stopping or the trade had already
// terminated.
func (p *protocol) walletFailed(err error) error {
	if errors.Is(err, ErrServiceStopped) || errors.Is(err, domain.ErrTradeTerminated) ||
		errors.Is(err, ErrTradeBusy) {
		return err
	}
	p.fail(domain.ProcessStateException, err.Error())
	return err
}

func (p *protocol) fail(state domain.ProcessState, reason string) {
	ok, err := p.trade.Fail(state, reason)
	if err != nil || !ok {
		return
	}
	p.logger.Errorf("trade failed with %s: %s", state, reason)
	p.commit()
}

// commit persists the trade, archives it once terminated and notifies the
// subscribers if the state changed.
func (p *protocol) commit() {
	s := p.svc
	t := p.trade

	if t.IsTerminal() && !t.Archived {
		_ = t.Archive()
		p.stopTimer()
		if s.protocols[t.ID] == p {
			delete(s.protocols, t.ID)
		}
		if !t.IsFailed() {
			p.logger.Info("trade completed")
		}
	}

	if err := s.saveTrade(t); err != nil {
		p.logger.WithError(err).Error("failed to persist trade")
	}

	if t.State != p.lastState {
		event := TradeEvent{
			Type:          eventTypeFor(t),
			PreviousState: p.lastState,
			Trade:         *t,
		}
		p.lastState = t.State
		s.subscriptions.publish(event)
	}
}

func (p *protocol) armTimeout(d time.Duration) {
	p.stopTimer()
	p.timer = p.svc.loop.RunAfter(d, func() {
		if !p.isActive() {
			return
		}
		if p.trade.State < domain.ProcessStateDepositPublished {
			p.fail(domain.ProcessStateTimeout, "deposit tx not published in time")
		}
	})
}

func (p *protocol) stopTimer() {
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
}

func (p *protocol) isActive() bool {
	return p.svc.protocols[p.trade.ID] == p
}

// updatePeerAddress follows the trading peer if it shows up at a new
// address, pending mailbox messages are moved there.
func (p *protocol) updatePeerAddress(addr domain.NodeAddress) {
	peer := &p.trade.TradingPeer
	if addr.IsEmpty() || addr == peer.NodeAddress {
		return
	}
	p.logger.Infof("trading peer moved from %s to %s", peer.NodeAddress, addr)
	peer.NodeAddress = addr

	fingerprint := peer.PubKeyRing.Fingerprint()
	p.svc.goBackground(func() {
		if _, err := p.svc.mailbox.RedeliverForRecipient(
			p.svc.ctx, fingerprint, addr,
		); err != nil {
			p.logger.WithError(err).Debug("failed to redeliver mailbox messages")
		}
	})
}

// canMoveTo tells whether the trade is already past the target state, or
// fails if the target is not the next state.
func (p *protocol) canMoveTo(target domain.ProcessState) (bool, error) {
	state := p.trade.State
	if state.IsFailure() {
		return false, domain.ErrTradeTerminated
	}
	if state >= target {
		return true, nil
	}
	if state != target-1 {
		return false, p.invalidTransition(target)
	}
	return false, nil
}

func (p *protocol) invalidTransition(to domain.ProcessState) error {
	return fmt.Errorf(
		"%w: %s -> %s", domain.ErrInvalidTransition, p.trade.State, to,
	)
}
