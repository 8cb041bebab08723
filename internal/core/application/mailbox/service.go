package mailbox

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/tdex-network/tdex-p2p/internal/core/domain"
	"github.com/tdex-network/tdex-p2p/internal/core/ports"
	"github.com/tdex-network/tdex-p2p/pkg/keyring"
	"go.uber.org/ratelimit"
	"golang.org/x/sync/errgroup"
)

const (
	// DefaultTTL disables the expiry of the items: a pending item is only
	// dropped once acknowledged or when its trade is abandoned.
	DefaultTTL = time.Duration(0)
	// DefaultAckTimeout is how long a delivered item waits for the
	// recipient's acknowledgment before being redelivered.
	DefaultAckTimeout = time.Minute
	// DefaultRedeliveryRate is the max number of items redelivered per
	// second.
	DefaultRedeliveryRate = 10
	// DefaultPurgeInterval is the period of the expired items purge.
	DefaultPurgeInterval = time.Hour
	// DefaultSendTimeout bounds every single send attempt.
	DefaultSendTimeout = 20 * time.Second

	maxConcurrentRedeliveries = 4
)

var (
	// ErrMissingRecipient is returned when sending without recipient address
	// or with an invalid pubkey ring.
	ErrMissingRecipient = errors.New("missing mailbox recipient")
	// ErrMissingUID is returned when sending an envelope without uid, that
	// makes it impossible to deduplicate it.
	ErrMissingUID = errors.New("missing envelope uid")
	// ErrServiceStopped is returned when using a stopped service.
	ErrServiceStopped = errors.New("mailbox service is stopped")
)

// SendResult tells how an envelope reached, or will reach, the recipient.
type SendResult int

const (
	// Arrived means the envelope was written to the recipient's connection.
	Arrived SendResult = iota
	// StoredInMailbox means the recipient is not reachable at the moment and
	// the envelope will be redelivered on its next connection.
	StoredInMailbox
)

func (r SendResult) String() string {
	if r == StoredInMailbox {
		return "STORED_IN_MAILBOX"
	}
	return "ARRIVED"
}

type Config struct {
	TTL            time.Duration
	RedeliveryRate int
	PurgeInterval  time.Duration
	SendTimeout    time.Duration
	AckTimeout     time.Duration
}

func DefaultConfig() Config {
	return Config{
		TTL:            DefaultTTL,
		RedeliveryRate: DefaultRedeliveryRate,
		PurgeInterval:  DefaultPurgeInterval,
		SendTimeout:    DefaultSendTimeout,
		AckTimeout:     DefaultAckTimeout,
	}
}

// Service delivers trade critical envelopes, storing them for later
// redelivery when the recipient is offline. Envelopes for the same recipient
// are always delivered in the order they were sent.
type Service struct {
	node ports.NetworkNode
	repo domain.MailboxRepository
	cfg  Config

	limiter ratelimit.Limiter

	recipientLocks sync.Map

	lock    sync.RWMutex
	started bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

func NewService(
	node ports.NetworkNode, repo domain.MailboxRepository, cfg Config,
) (*Service, error) {
	if node == nil {
		return nil, fmt.Errorf("missing network node")
	}
	if repo == nil {
		return nil, fmt.Errorf("missing mailbox repository")
	}

	def := DefaultConfig()
	if cfg.TTL < 0 {
		cfg.TTL = 0
	}
	if cfg.RedeliveryRate <= 0 {
		cfg.RedeliveryRate = def.RedeliveryRate
	}
	if cfg.PurgeInterval <= 0 {
		cfg.PurgeInterval = def.PurgeInterval
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = def.SendTimeout
	}
	if cfg.AckTimeout <= 0 {
		cfg.AckTimeout = def.AckTimeout
	}

	return &Service{
		node:    node,
		repo:    repo,
		cfg:     cfg,
		limiter: ratelimit.New(cfg.RedeliveryRate),
	}, nil
}

// Start purges the expired items, redelivers the pending ones to the peers
// already connected and starts listening for new connections.
func (s *Service) Start(ctx context.Context) error {
	s.lock.Lock()
	defer s.lock.Unlock()

	if s.started {
		return nil
	}

	if _, err := s.PurgeExpired(ctx); err != nil {
		return err
	}

	bgCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.started = true
	s.node.AddConnectionListener(s)

	if s.cfg.TTL > 0 {
		s.wg.Add(1)
		go s.purgeLoop(bgCtx)
	}

	addresses := s.node.Connections()
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		g, gctx := errgroup.WithContext(bgCtx)
		g.SetLimit(maxConcurrentRedeliveries)
		for _, conn := range addresses {
			addr, ok := conn.PeerAddress()
			if !ok {
				continue
			}
			g.Go(func() error {
				_, err := s.Redeliver(gctx, addr)
				return err
			})
		}
		if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
			log.WithError(err).Warn("failed to redeliver mailbox items on start")
		}
	}()
	return nil
}

func (s *Service) Stop() {
	s.lock.Lock()
	if !s.started {
		s.lock.Unlock()
		return
	}
	s.started = false
	s.node.RemoveConnectionListener(s)
	s.cancel()
	s.lock.Unlock()

	s.wg.Wait()
}

// Send delivers the envelope to the peer, or stores it in the mailbox if the
// peer can't be reached. Pending envelopes for the same recipient are
// flushed first, the new one is stored behind them if they can't.
func (s *Service) Send(
	ctx context.Context, peer domain.NodeAddress, recipient keyring.PubKeyRing,
	tradeID string, envelope domain.PrefixedSealedAndSignedMessage,
) (SendResult, error) {
	if peer.IsEmpty() || recipient.Validate() != nil {
		return 0, ErrMissingRecipient
	}
	if envelope.UID == "" {
		return 0, ErrMissingUID
	}
	if !s.isStarted() {
		return 0, ErrServiceStopped
	}

	fingerprint := recipient.Fingerprint()
	unlock := s.lockRecipient(peer)
	defer unlock()

	pending, err := s.redeliver(ctx, peer)
	if err != nil {
		return 0, err
	}

	logger := log.WithFields(log.Fields{"trade": tradeID, "peer": peer})

	if pending <= 0 {
		err := s.send(ctx, peer, &envelope)
		if err == nil {
			logger.Debugf("message %s arrived", envelope.UID)
			return Arrived, nil
		}
		if !isSendError(err) {
			return 0, err
		}
		logger.WithError(err).Debug("peer not reachable, storing message in mailbox")
	}

	item := domain.NewMailboxItem(tradeID, peer, fingerprint, envelope, s.cfg.TTL)
	if err := s.repo.AddItem(ctx, item); err != nil {
		return 0, fmt.Errorf("failed to store message in mailbox: %w", err)
	}
	logger.Infof("message %s stored in mailbox", envelope.UID)
	return StoredInMailbox, nil
}

// Redeliver sends the pending items for the peer, oldest first, stopping at
// the first failure. Items delivered recently and still waiting for their
// acknowledgment are skipped. It returns the number of items delivered.
func (s *Service) Redeliver(
	ctx context.Context, peer domain.NodeAddress,
) (int, error) {
	unlock := s.lockRecipient(peer)
	defer unlock()

	items, err := s.repo.GetItemsForAddress(ctx, peer)
	if err != nil {
		return 0, err
	}
	delivered, _, err := s.deliverItems(ctx, peer, items)
	return delivered, err
}

// RedeliverForRecipient moves the pending items for the given pubkey ring to
// its new address and redelivers them.
func (s *Service) RedeliverForRecipient(
	ctx context.Context, fingerprint string, peer domain.NodeAddress,
) (int, error) {
	items, err := s.repo.GetItemsForRecipient(ctx, fingerprint)
	if err != nil {
		return 0, err
	}
	for _, item := range items {
		if item.RecipientAddress == peer {
			continue
		}
		if err := s.repo.UpdateItem(
			ctx, item.UID, func(m *domain.MailboxItem) (*domain.MailboxItem, error) {
				m.RecipientAddress = peer
				return m, nil
			},
		); err != nil && !errors.Is(err, domain.ErrMailboxItemNotFound) {
			return 0, err
		}
	}
	return s.Redeliver(ctx, peer)
}

// Acknowledge removes the item once the recipient confirmed it processed
// the message. The item must belong to the given trade.
func (s *Service) Acknowledge(ctx context.Context, tradeID, uid string) error {
	item, err := s.repo.GetItem(ctx, uid)
	if err != nil {
		return err
	}
	if item.TradeID != tradeID {
		return domain.ErrMailboxItemNotFound
	}
	if err := s.repo.DeleteItem(ctx, uid); err != nil {
		return err
	}
	log.WithField("trade", tradeID).Debugf("mailbox message %s acknowledged", uid)
	return nil
}

// RemoveForTrade drops the pending items of an abandoned trade.
func (s *Service) RemoveForTrade(ctx context.Context, tradeID string) (int, error) {
	count, err := s.repo.DeleteItemsForTrade(ctx, tradeID)
	if err != nil {
		return 0, err
	}
	if count > 0 {
		log.WithField("trade", tradeID).Infof(
			"removed %d pending mailbox messages", count,
		)
	}
	return count, nil
}

// PendingItems returns the items waiting to be delivered to the given
// recipient, oldest first.
func (s *Service) PendingItems(
	ctx context.Context, fingerprint string,
) ([]*domain.MailboxItem, error) {
	return s.repo.GetItemsForRecipient(ctx, fingerprint)
}

// PurgeExpired drops the items whose TTL elapsed, if one is configured.
func (s *Service) PurgeExpired(ctx context.Context) (int, error) {
	count, err := s.repo.DeleteExpiredItems(ctx, time.Now())
	if err != nil {
		return 0, fmt.Errorf("failed to purge expired mailbox items: %w", err)
	}
	if count > 0 {
		log.Infof("purged %d expired mailbox messages", count)
	}
	return count, nil
}

func (s *Service) OnConnection(conn ports.Connection) {
	addr, ok := conn.PeerAddress()
	if !ok {
		return
	}

	s.lock.RLock()
	defer s.lock.RUnlock()
	if !s.started {
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		if _, err := s.Redeliver(ctx, addr); err != nil {
			log.WithField("peer", addr).WithError(err).Debug(
				"failed to redeliver mailbox messages",
			)
		}
	}()
}

func (s *Service) OnDisconnect(ports.CloseConnectionReason, ports.Connection) {}

// redeliver flushes the pending items for the peer and returns how many are
// still pending. The caller must hold the recipient lock.
func (s *Service) redeliver(
	ctx context.Context, peer domain.NodeAddress,
) (int, error) {
	items, err := s.repo.GetItemsForAddress(ctx, peer)
	if err != nil {
		return 0, err
	}
	if len(items) <= 0 {
		return 0, nil
	}
	_, pending, err := s.deliverItems(ctx, peer, items)
	if err != nil && !isSendError(err) {
		return 0, err
	}
	return pending, nil
}

func (s *Service) deliverItems(
	ctx context.Context, peer domain.NodeAddress, items []*domain.MailboxItem,
) (delivered, pending int, err error) {
	now := time.Now()
	for i, item := range items {
		if item.IsExpired(now) {
			if err := s.repo.DeleteItem(ctx, item.UID); err != nil {
				return delivered, len(items) - i, err
			}
			continue
		}

		if item.IsAwaitingAck(now, s.cfg.AckTimeout) {
			continue
		}

		s.limiter.Take()
		sendErr := s.send(ctx, peer, &item.Envelope)
		if err := s.repo.UpdateItem(
			ctx, item.UID,
			func(m *domain.MailboxItem) (*domain.MailboxItem, error) {
				m.Attempts++
				if sendErr == nil {
					m.DeliveredAt = time.Now().UnixNano()
				}
				return m, nil
			},
		); err != nil && !errors.Is(err, domain.ErrMailboxItemNotFound) {
			log.WithError(err).Warn("failed to update mailbox item")
		}
		if sendErr != nil {
			return delivered, len(items) - i, sendErr
		}

		delivered++
		log.WithFields(log.Fields{
			"trade": item.TradeID, "peer": peer,
		}).Infof("mailbox message %s delivered", item.UID)
	}
	return delivered, 0, nil
}

func (s *Service) send(
	ctx context.Context, peer domain.NodeAddress,
	envelope *domain.PrefixedSealedAndSignedMessage,
) error {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.SendTimeout)
	defer cancel()

	_, err := s.node.SendMessage(ctx, peer, envelope)
	return err
}

func (s *Service) lockRecipient(peer domain.NodeAddress) func() {
	l, _ := s.recipientLocks.LoadOrStore(peer, &sync.Mutex{})
	mu := l.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

func (s *Service) isStarted() bool {
	s.lock.RLock()
	defer s.lock.RUnlock()
	return s.started
}

func (s *Service) purgeLoop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.PurgeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.PurgeExpired(ctx); err != nil {
				log.WithError(err).Warn("mailbox purge failed")
			}
		}
	}
}

func isSendError(err error) bool {
	return errors.Is(err, ports.ErrSendFailure) ||
		errors.Is(err, ports.ErrSendTimeout)
}
