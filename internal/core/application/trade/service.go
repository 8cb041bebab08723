package trade

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"
	"github.com/tdex-network/tdex-p2p/internal/core/application/mailbox"
	"github.com/tdex-network/tdex-p2p/internal/core/domain"
	"github.com/tdex-network/tdex-p2p/internal/core/ports"
	"github.com/tdex-network/tdex-p2p/pkg/eventloop"
	"github.com/tdex-network/tdex-p2p/pkg/keyring"
	"github.com/tdex-network/tdex-p2p/pkg/sealer"
)

const (
	// DefaultTradeTimeout is how long the taker waits for the deposit tx
	// to be published.
	DefaultTradeTimeout  = time.Minute
	DefaultSendTimeout   = 20 * time.Second
	DefaultSendRetries   = 3
	DefaultRetryInterval = 2 * time.Second
	DefaultWalletTimeout = 30 * time.Second
)

type Config struct {
	TradeTimeout time.Duration
	// SendTimeout bounds every direct send attempt, SendRetries is the
	// number of attempts for non mailbox messages before giving up.
	SendTimeout   time.Duration
	SendRetries   int
	RetryInterval time.Duration
	WalletTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		TradeTimeout:  DefaultTradeTimeout,
		SendTimeout:   DefaultSendTimeout,
		SendRetries:   DefaultSendRetries,
		RetryInterval: DefaultRetryInterval,
		WalletTimeout: DefaultWalletTimeout,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.TradeTimeout <= 0 {
		c.TradeTimeout = def.TradeTimeout
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = def.SendTimeout
	}
	if c.SendRetries <= 0 {
		c.SendRetries = def.SendRetries
	}
	if c.RetryInterval <= 0 {
		c.RetryInterval = def.RetryInterval
	}
	if c.WalletTimeout <= 0 {
		c.WalletTimeout = def.WalletTimeout
	}
	return c
}

// OfferArgs are the terms of a new offer. Direction is the one of the local
// node as maker.
type OfferArgs struct {
	Direction     domain.Direction
	Amount        uint64
	Price         decimal.Decimal
	CurrencyCode  string
	PaymentMethod string
	MakerFee      uint64
	TakerFee      uint64
	TxFee         uint64
	Arbitrators   []domain.NodeAddress
}

// Service runs the trade protocol for every trade of the local node. Trades
// are only ever mutated on the protocol event loop.
type Service struct {
	node        ports.NetworkNode
	keyRing     *keyring.KeyRing
	sealer      *sealer.Sealer
	mailbox     *mailbox.Service
	wallet      ports.Wallet
	repoManager ports.RepoManager
	codec       ports.MessageCodec
	loop        *eventloop.Loop
	cfg         Config

	lock    sync.RWMutex
	started bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	// loop only
	protocols map[string]*protocol
	// trades whose wallet setup is in progress, mapped to the uid of the
	// take offer request on maker side
	pendingTakes map[string]string

	subscriptions *registry
}

func NewService(
	node ports.NetworkNode,
	keyRing *keyring.KeyRing,
	mailboxSvc *mailbox.Service,
	wallet ports.Wallet,
	repoManager ports.RepoManager,
	codec ports.MessageCodec,
	loop *eventloop.Loop,
	cfg Config,
) (*Service, error) {
	if node == nil {
		return nil, fmt.Errorf("missing network node")
	}
	if keyRing == nil {
		return nil, fmt.Errorf("missing key ring")
	}
	if mailboxSvc == nil {
		return nil, fmt.Errorf("missing mailbox service")
	}
	if wallet == nil {
		return nil, fmt.Errorf("missing wallet")
	}
	if repoManager == nil {
		return nil, fmt.Errorf("missing repo manager")
	}
	if codec == nil {
		return nil, fmt.Errorf("missing message codec")
	}
	if loop == nil {
		return nil, fmt.Errorf("missing event loop")
	}

	msgSealer, err := sealer.New(keyRing)
	if err != nil {
		return nil, err
	}

	return &Service{
		node:          node,
		keyRing:       keyRing,
		sealer:        msgSealer,
		mailbox:       mailboxSvc,
		wallet:        wallet,
		repoManager:   repoManager,
		codec:         codec,
		loop:          loop,
		cfg:           cfg.withDefaults(),
		protocols:     make(map[string]*protocol),
		pendingTakes:  make(map[string]string),
		subscriptions: newRegistry(),
	}, nil
}

// Start restores the non archived trades and starts listening for trade
// messages and wallet notifications.
func (s *Service) Start(ctx context.Context) error {
	s.lock.Lock()
	defer s.lock.Unlock()

	if s.started {
		return nil
	}

	s.ctx, s.cancel = context.WithCancel(context.Background())

	var restoreErr error
	if err := s.loop.ExecuteAndWait(ctx, func() {
		restoreErr = s.restoreTrades()
	}); err != nil {
		s.cancel()
		return err
	}
	if restoreErr != nil {
		s.cancel()
		return fmt.Errorf("failed to restore trades: %w", restoreErr)
	}

	s.node.AddMessageListener(s)

	s.wg.Add(1)
	go s.listenTxNotifications(s.ctx)

	s.started = true
	return nil
}

func (s *Service) Stop() {
	s.lock.Lock()
	if !s.started {
		s.lock.Unlock()
		return
	}
	s.started = false
	s.node.RemoveMessageListener(s)
	s.cancel()
	s.lock.Unlock()

	_ = s.loop.ExecuteAndWait(context.Background(), func() {
		for _, p := range s.protocols {
			p.stopTimer()
		}
	})

	s.wg.Wait()
	s.subscriptions.closeAll()
}

// PlaceOffer pays the maker fee and stores a new offer that can be taken by
// other nodes.
func (s *Service) PlaceOffer(
	ctx context.Context, args OfferArgs,
) (*domain.Offer, error) {
	if !s.isStarted() {
		return nil, ErrServiceStopped
	}

	offer, err := domain.NewOffer(
		s.node.NodeAddress(), s.keyRing.PubKeyRing(), args.Direction,
		args.Amount, args.Price, args.CurrencyCode, args.PaymentMethod,
	)
	if err != nil {
		return nil, err
	}
	offer.TxFee = args.TxFee
	offer.TakerFee = args.TakerFee
	offer.Arbitrators = args.Arbitrators

	feeTxID, err := s.wallet.PayTradeFee(ctx, offer.ID, args.MakerFee)
	if err != nil {
		return nil, fmt.Errorf("failed to pay maker fee: %w", err)
	}
	offer.MakerFeeTxID = feeTxID

	if err := s.repoManager.OfferRepository().AddOffer(ctx, offer); err != nil {
		return nil, err
	}

	log.WithField("offer", offer.ID).Infof(
		"placed offer to %s %d sats at %s %s",
		directionVerb(offer.Direction), offer.Amount, offer.Price, offer.CurrencyCode,
	)
	return offer, nil
}

// CancelOffer removes an offer not yet taken.
func (s *Service) CancelOffer(ctx context.Context, offerID string) error {
	if !s.isStarted() {
		return ErrServiceStopped
	}

	repo := s.repoManager.OfferRepository()
	if _, err := repo.GetOffer(ctx, offerID); err != nil {
		return err
	}
	if err := repo.DeleteOffer(ctx, offerID); err != nil {
		return err
	}

	log.WithField("offer", offerID).Info("offer cancelled")
	return nil
}

// TakeOffer pays the taker fee and starts the trade protocol as taker.
func (s *Service) TakeOffer(
	ctx context.Context, offer domain.Offer,
) (*domain.Trade, error) {
	if err := offer.MakerPubKeyRing.Validate(); err != nil {
		return nil, fmt.Errorf("invalid offer: %w", err)
	}
	if offer.MakerAddress.IsEmpty() {
		return nil, fmt.Errorf("invalid offer: missing maker address")
	}
	if offer.MakerAddress == s.node.NodeAddress() ||
		offer.MakerPubKeyRing.Equal(s.keyRing.PubKeyRing()) {
		return nil, ErrOwnOffer
	}

	var trade domain.Trade
	err := s.runAsync(ctx, func(done func(error)) {
		s.takeOffer(offer, func(p *protocol, err error) {
			if err == nil {
				trade = *p.trade
			}
			done(err)
		})
	})
	if err != nil {
		return nil, err
	}
	return &trade, nil
}

// ConfirmFiatPaymentStarted is called by the buyer once the fiat transfer
// has been initiated.
func (s *Service) ConfirmFiatPaymentStarted(ctx context.Context, tradeID string) error {
	return s.runAsync(ctx, func(done func(error)) {
		p, err := s.getProtocol(tradeID)
		if err != nil {
			done(err)
			return
		}
		if !p.trade.Role.IsBuyer() {
			done(ErrNotBuyer)
			return
		}
		p.confirmFiatPaymentStarted(done)
	})
}

// ConfirmFiatPaymentReceived is called by the seller once the fiat transfer
// has been received. It completes the trade by publishing the payout tx.
func (s *Service) ConfirmFiatPaymentReceived(ctx context.Context, tradeID string) error {
	return s.runAsync(ctx, func(done func(error)) {
		p, err := s.getProtocol(tradeID)
		if err != nil {
			done(err)
			return
		}
		if !p.trade.Role.IsSeller() {
			done(ErrNotSeller)
			return
		}
		p.confirmFiatPaymentReceived(done)
	})
}

// AbandonTrade terminates a trade in progress and drops the messages still
// waiting in the mailbox for the counterparty.
func (s *Service) AbandonTrade(ctx context.Context, tradeID string) error {
	err := s.run(ctx, func() error {
		p, ok := s.protocols[tradeID]
		if !ok {
			_, err := s.repoManager.TradeRepository().GetTrade(s.ctx, tradeID)
			return err
		}
		p.fail(domain.ProcessStateException, "trade abandoned")
		return nil
	})
	if err != nil {
		return err
	}

	_, err = s.mailbox.RemoveForTrade(ctx, tradeID)
	return err
}

func (s *Service) GetTrade(ctx context.Context, tradeID string) (*domain.Trade, error) {
	return s.repoManager.TradeRepository().GetTrade(ctx, tradeID)
}

func (s *Service) ListActiveTrades(ctx context.Context) ([]*domain.Trade, error) {
	return s.repoManager.TradeRepository().GetActiveTrades(ctx)
}

// Subscribe returns a subscription notified about every trade state change.
// A non positive buffer selects the default one.
func (s *Service) Subscribe(buffer int) *Subscription {
	return s.subscriptions.add(buffer)
}

// OnMessage implements ports.MessageListener.
func (s *Service) OnMessage(env domain.NetworkEnvelope, _ ports.Connection) {
	msg, ok := env.(*domain.PrefixedSealedAndSignedMessage)
	if !ok {
		return
	}
	s.loop.Execute(func() {
		s.handleSealedMessage(*msg)
	})
}

func (s *Service) run(ctx context.Context, fn func() error) error {
	if !s.isStarted() {
		return ErrServiceStopped
	}

	var err error
	if loopErr := s.loop.ExecuteAndWait(ctx, func() {
		err = fn()
	}); loopErr != nil {
		return loopErr
	}
	return err
}

// runAsync posts fn to the loop and waits until it reports its outcome
// through done, which may happen on a later loop task.
func (s *Service) runAsync(ctx context.Context, fn func(done func(error))) error {
	s.lock.RLock()
	started, svcCtx := s.started, s.ctx
	s.lock.RUnlock()
	if !started {
		return ErrServiceStopped
	}

	result := make(chan error, 1)
	var once sync.Once
	s.loop.Execute(func() {
		fn(func(err error) {
			once.Do(func() { result <- err })
		})
	})

	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-svcCtx.Done():
		return ErrServiceStopped
	}
}

// callWallet runs call in background, bounded by the wallet timeout, and
// hands its outcome to onDone on the loop. Calls interrupted by the service
// stopping report ErrServiceStopped.
func (s *Service) callWallet(
	call func(ctx context.Context) error, onDone func(err error),
) {
	ctx := s.ctx
	if ctx.Err() != nil {
		onDone(ErrServiceStopped)
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		walletCtx, cancel := context.WithTimeout(ctx, s.cfg.WalletTimeout)
		err := call(walletCtx)
		cancel()
		if err != nil && ctx.Err() != nil {
			err = ErrServiceStopped
		}
		s.loop.Execute(func() { onDone(err) })
	}()
}

func (s *Service) getProtocol(tradeID string) (*protocol, error) {
	p, ok := s.protocols[tradeID]
	if !ok {
		if _, err := s.repoManager.TradeRepository().GetTrade(s.ctx, tradeID); err != nil {
			return nil, err
		}
		return nil, domain.ErrTradeTerminated
	}
	return p, nil
}

func (s *Service) isStarted() bool {
	s.lock.RLock()
	defer s.lock.RUnlock()

	return s.started
}

func (s *Service) restoreTrades() error {
	repo := s.repoManager.TradeRepository()
	trades, err := repo.GetActiveTrades(s.ctx)
	if err != nil {
		return err
	}

	for _, t := range trades {
		p := newProtocol(s, t)
		if t.IsTerminal() {
			p.commit()
			continue
		}
		s.protocols[t.ID] = p
		p.resume()
	}

	if len(s.protocols) > 0 {
		log.Infof("restored %d trades in progress", len(s.protocols))
	}
	return nil
}

func (s *Service) listenTxNotifications(ctx context.Context) {
	defer s.wg.Done()

	notifications := s.wallet.GetTxNotifications()
	for {
		select {
		case <-ctx.Done():
			return
		case n, ok := <-notifications:
			if !ok {
				return
			}
			if n.GetConfirmations() == 0 {
				continue
			}
			txid := n.GetTxID()
			s.loop.Execute(func() {
				s.onTxConfirmed(txid)
			})
		}
	}
}

func (s *Service) onTxConfirmed(txid string) {
	for _, p := range s.protocols {
		if p.trade.DepositTxID == txid {
			p.confirmDeposit()
		}
	}
}

func (s *Service) saveTrade(t *domain.Trade) error {
	repo := s.repoManager.TradeRepository()
	err := repo.UpdateTrade(
		s.ctx, t.ID, func(_ *domain.Trade) (*domain.Trade, error) {
			return t, nil
		},
	)
	if errors.Is(err, domain.ErrTradeNotFound) {
		return repo.AddTrade(s.ctx, t)
	}
	return err
}

func (s *Service) goBackground(fn func()) {
	if s.ctx.Err() != nil {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		fn()
	}()
}

func directionVerb(d domain.Direction) string {
	if d == domain.DirectionBuyer {
		return "buy"
	}
	return "sell"
}
