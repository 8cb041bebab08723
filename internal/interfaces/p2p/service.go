// Package p2pinterface assembles the p2p node: key ring, storage, network,
// peer discovery, mailbox and, when a wallet is available, the trade
// protocol with its webhook notifications.
package p2pinterface

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/tdex-network/tdex-p2p/internal/core/application/mailbox"
	"github.com/tdex-network/tdex-p2p/internal/core/application/peerexchange"
	"github.com/tdex-network/tdex-p2p/internal/core/application/peers"
	"github.com/tdex-network/tdex-p2p/internal/core/application/pubsub"
	"github.com/tdex-network/tdex-p2p/internal/core/application/trade"
	"github.com/tdex-network/tdex-p2p/internal/core/domain"
	"github.com/tdex-network/tdex-p2p/internal/core/ports"
	"github.com/tdex-network/tdex-p2p/internal/infrastructure/network/tcp"
	webhookpubsub "github.com/tdex-network/tdex-p2p/internal/infrastructure/pubsub"
	dbbadger "github.com/tdex-network/tdex-p2p/internal/infrastructure/storage/db/badger"
	"github.com/tdex-network/tdex-p2p/internal/infrastructure/storage/db/inmemory"
	"github.com/tdex-network/tdex-p2p/internal/infrastructure/wire"
	interfaces "github.com/tdex-network/tdex-p2p/internal/interfaces"
	"github.com/tdex-network/tdex-p2p/pkg/eventloop"
	"github.com/tdex-network/tdex-p2p/pkg/keyring"
	boltsecurestore "github.com/tdex-network/tdex-p2p/pkg/securestore/bolt"
	"github.com/tdex-network/tdex-p2p/pkg/stats"
	"golang.org/x/sync/errgroup"
)

const (
	// KeyringDBFile is the name of the encrypted key ring file.
	KeyringDBFile = "keyring.db"
	// WebhookDBFile is the name of the encrypted webhook subscriptions file.
	WebhookDBFile = "pubsub.db"

	DbTypeBadger   = "badger"
	DbTypeInmemory = "inmemory"

	defaultEventBuffer = 100
)

type ServiceOpts struct {
	Datadir         string
	DBLocation      string
	KeyringLocation string
	WebhookLocation string
	DbType          string
	KeyringPassword []byte

	Network        tcp.Config
	SeedNodes      []domain.NodeAddress
	MaxConnections int

	PeerExchange peerexchange.Config
	Mailbox      mailbox.Config
	Trade        trade.Config

	WebhookEnabled    bool
	StatsInterval     time.Duration
	MetricsListenAddr string

	// Wallet enables the trade protocol. Without it the node only relays
	// peers and mailbox messages.
	Wallet ports.Wallet
}

func (o ServiceOpts) validate() error {
	if !pathExists(o.Datadir) {
		return fmt.Errorf("%s: datadir must be an existing directory", o.Datadir)
	}
	if o.DbType != DbTypeBadger && o.DbType != DbTypeInmemory {
		return fmt.Errorf("unknown db type %s", o.DbType)
	}
	if o.MaxConnections <= 0 {
		return fmt.Errorf("max connections must be a positive number")
	}
	if o.StatsInterval < 0 {
		return fmt.Errorf("stats interval must not be negative")
	}
	return nil
}

func (o ServiceOpts) dbDatadir() string {
	return filepath.Join(o.Datadir, o.DBLocation)
}

func (o ServiceOpts) keyringDatadir() string {
	return filepath.Join(o.Datadir, o.KeyringLocation)
}

func (o ServiceOpts) webhookDatadir() string {
	return filepath.Join(o.Datadir, o.WebhookLocation)
}

func (o ServiceOpts) withMetrics() bool {
	return o.MetricsListenAddr != "" || o.StatsInterval > 0
}

// Service is the p2p node.
type Service struct {
	opts ServiceOpts

	keyRing      *keyring.KeyRing
	repoManager  ports.RepoManager
	loop         *eventloop.Loop
	node         *tcp.Node
	peerManager  *peers.Manager
	peerExchange *peerexchange.Manager
	mailboxSvc   *mailbox.Service
	tradeSvc     *trade.Service
	webhookSvc   *pubsub.Service
	metrics      *stats.Metrics

	lock    sync.Mutex
	started bool
	cancel  context.CancelFunc
	group   *errgroup.Group
}

func NewService(opts ServiceOpts) (*Service, error) {
	if err := opts.validate(); err != nil {
		return nil, fmt.Errorf("invalid opts: %s", err)
	}

	keyRing, err := loadKeyRing(opts.keyringDatadir(), opts.KeyringPassword)
	if err != nil {
		return nil, err
	}

	var repoManager ports.RepoManager
	if opts.DbType == DbTypeInmemory {
		repoManager = inmemory.NewRepoManager()
	} else {
		repoManager, err = dbbadger.NewRepoManager(
			opts.dbDatadir(), log.StandardLogger(),
		)
		if err != nil {
			return nil, err
		}
	}

	svc, err := newService(opts, keyRing, repoManager)
	if err != nil {
		repoManager.Close()
		return nil, err
	}
	return svc, nil
}

func newService(
	opts ServiceOpts, keyRing *keyring.KeyRing, repoManager ports.RepoManager,
) (*Service, error) {
	codec := wire.NewCodec()
	loop := eventloop.New()

	node, err := tcp.NewNode(opts.Network, codec)
	if err != nil {
		return nil, err
	}
	peerManager, err := peers.NewManager(
		node, repoManager.PeerRepository(), loop, peers.Config{
			MaxConnections: opts.MaxConnections,
			SeedNodes:      opts.SeedNodes,
		},
	)
	if err != nil {
		return nil, err
	}
	peerExchange, err := peerexchange.NewManager(
		node, peerManager, loop, opts.PeerExchange,
	)
	if err != nil {
		return nil, err
	}
	mailboxSvc, err := mailbox.NewService(
		node, repoManager.MailboxRepository(), opts.Mailbox,
	)
	if err != nil {
		return nil, err
	}

	svc := &Service{
		opts:         opts,
		keyRing:      keyRing,
		repoManager:  repoManager,
		loop:         loop,
		node:         node,
		peerManager:  peerManager,
		peerExchange: peerExchange,
		mailboxSvc:   mailboxSvc,
	}

	if opts.Wallet != nil {
		svc.tradeSvc, err = trade.NewService(
			node, keyRing, mailboxSvc, opts.Wallet, repoManager, codec, loop,
			opts.Trade,
		)
		if err != nil {
			return nil, err
		}
	}

	if opts.WebhookEnabled {
		if svc.tradeSvc == nil {
			log.Warn("webhooks are enabled but there's no wallet, skipping")
		} else {
			svc.webhookSvc, err = newWebhookService(
				opts.webhookDatadir(), opts.KeyringPassword,
			)
			if err != nil {
				return nil, err
			}
		}
	}

	if opts.withMetrics() {
		svc.metrics, err = stats.NewMetrics()
		if err != nil {
			return nil, err
		}
	}
	return svc, nil
}

func (s *Service) Start(ctx context.Context) error {
	s.lock.Lock()
	defer s.lock.Unlock()

	if s.started {
		return nil
	}

	if s.metrics != nil {
		s.node.AddMessageListener(s)
	}
	if err := s.node.Start(ctx); err != nil {
		return err
	}
	if err := s.peerManager.Start(ctx); err != nil {
		return err
	}
	if err := s.mailboxSvc.Start(ctx); err != nil {
		return err
	}
	if s.tradeSvc != nil {
		if err := s.tradeSvc.Start(ctx); err != nil {
			return err
		}
		log.Info("trade protocol enabled")
	}
	if s.webhookSvc != nil {
		if err := s.webhookSvc.Start(
			s.tradeSvc.Subscribe(defaultEventBuffer),
		); err != nil {
			return err
		}
	}
	if err := s.peerExchange.Start(ctx); err != nil {
		return err
	}

	bgCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.group, bgCtx = errgroup.WithContext(bgCtx)
	s.startMetrics(bgCtx)

	s.started = true
	log.WithFields(log.Fields{
		"address":     s.node.NodeAddress(),
		"fingerprint": s.keyRing.PubKeyRing().Fingerprint(),
	}).Info("p2p node started")
	return nil
}

func (s *Service) Stop() {
	s.lock.Lock()
	defer s.lock.Unlock()

	if !s.started {
		return
	}
	s.started = false

	s.cancel()
	if err := s.group.Wait(); err != nil {
		log.WithError(err).Warn("metrics service stopped with error")
	}
	log.Debug("stopped metrics")

	if s.webhookSvc != nil {
		s.webhookSvc.Close()
		log.Debug("stopped webhook service")
	}
	if s.tradeSvc != nil {
		s.tradeSvc.Stop()
		log.Debug("stopped trade service")
	}
	s.peerExchange.Stop()
	log.Debug("stopped peer exchange")
	s.mailboxSvc.Stop()
	log.Debug("stopped mailbox")
	s.peerManager.Stop()
	log.Debug("stopped peer manager")
	s.node.Stop()
	s.loop.Stop()
	s.repoManager.Close()
	log.Debug("closed db")
}

func (s *Service) NodeAddress() domain.NodeAddress {
	return s.node.NodeAddress()
}

func (s *Service) KeyRing() *keyring.KeyRing {
	return s.keyRing
}

// TradeService returns nil if the node has no wallet.
func (s *Service) TradeService() *trade.Service {
	return s.tradeSvc
}

// WebhookService returns nil if webhooks are disabled.
func (s *Service) WebhookService() *pubsub.Service {
	return s.webhookSvc
}

// Snapshot collects the current figures of the node exported as metrics.
func (s *Service) Snapshot(ctx context.Context) (stats.Snapshot, error) {
	snapshot := stats.Snapshot{
		ConnectedPeers: len(s.node.Connections()),
		TradesByState:  make(map[string]int),
	}

	if err := s.loop.ExecuteAndWait(ctx, func() {
		snapshot.ReportedPeers = len(s.peerManager.GetReportedPeers())
		snapshot.PersistedPeers = len(s.peerManager.GetPersistedPeers())
		snapshot.PendingRequests = len(s.peerExchange.PendingExchanges())
	}); err != nil {
		return snapshot, err
	}

	items, err := s.repoManager.MailboxRepository().GetAllItems(ctx)
	if err != nil {
		return snapshot, err
	}
	snapshot.MailboxPending = len(items)

	trades, err := s.repoManager.TradeRepository().GetActiveTrades(ctx)
	if err != nil {
		return snapshot, err
	}
	for _, t := range trades {
		snapshot.TradesByState[t.State.String()]++
	}
	return snapshot, nil
}

// OnMessage counts the received envelopes by type.
func (s *Service) OnMessage(env domain.NetworkEnvelope, _ ports.Connection) {
	s.metrics.IncMessages(envelopeType(env))
}

func (s *Service) startMetrics(ctx context.Context) {
	if s.metrics == nil {
		return
	}

	interval := s.opts.StatsInterval
	if interval <= 0 {
		interval = time.Minute
	}
	s.group.Go(func() error {
		s.metrics.Run(ctx, interval, s.Snapshot)
		return nil
	})

	if s.opts.StatsInterval > 0 {
		stats.EnableMemoryStatistics(
			ctx, s.opts.StatsInterval, s.metrics.Gatherer(), s.opts.Datadir,
		)
	}

	if addr := s.opts.MetricsListenAddr; addr != "" {
		s.group.Go(func() error {
			return s.metrics.Serve(ctx, addr)
		})
	}
}

func loadKeyRing(datadir string, password []byte) (*keyring.KeyRing, error) {
	store, err := boltsecurestore.NewSecureStorage(datadir, KeyringDBFile)
	if err != nil {
		return nil, fmt.Errorf("failed to open keyring store: %w", err)
	}
	defer store.Close()

	keyRing, created, err := keyring.LoadOrCreate(store, password)
	if err != nil {
		return nil, fmt.Errorf("failed to unlock keyring: %w", err)
	}
	if created {
		log.Info("generated new key ring")
	}
	return keyRing, nil
}

func newWebhookService(datadir string, password []byte) (*pubsub.Service, error) {
	store, err := boltsecurestore.NewSecureStorage(datadir, WebhookDBFile)
	if err != nil {
		return nil, fmt.Errorf("failed to open webhook store: %w", err)
	}
	securePubSub, err := webhookpubsub.NewService(
		store, webhookpubsub.DefaultRequestTimeout,
	)
	if err != nil {
		store.Close()
		return nil, err
	}
	if err := securePubSub.Store().Unlock(string(password)); err != nil {
		store.Close()
		return nil, fmt.Errorf("failed to unlock webhook store: %w", err)
	}
	return pubsub.NewService(securePubSub)
}

func envelopeType(env domain.NetworkEnvelope) string {
	name := fmt.Sprintf("%T", env)
	if i := strings.LastIndex(name, "."); i >= 0 {
		name = name[i+1:]
	}
	return name
}

func pathExists(path string) bool {
	_, err := os.Stat(path)
	return !os.IsNotExist(err)
}

var _ interfaces.Service = (*Service)(nil)
