package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"
	"github.com/tdex-network/tdex-p2p/config"
	"github.com/tdex-network/tdex-p2p/internal/core/application/mailbox"
	"github.com/tdex-network/tdex-p2p/internal/core/application/peerexchange"
	"github.com/tdex-network/tdex-p2p/internal/core/application/trade"
	"github.com/tdex-network/tdex-p2p/internal/infrastructure/network/tcp"
	p2pinterface "github.com/tdex-network/tdex-p2p/internal/interfaces/p2p"
)

func main() {
	log.SetLevel(log.Level(config.GetInt(config.LogLevelKey)))

	if err := config.Load(); err != nil {
		log.WithError(err).Fatal("error while loading config")
	}

	opts, err := serviceOpts()
	if err != nil {
		log.WithError(err).Fatal("error while loading config")
	}

	svc, err := p2pinterface.NewService(opts)
	if err != nil {
		log.WithError(err).Fatal("error while setting up p2p node")
	}

	log.Debug("starting daemon")

	ctx := context.Background()
	if err := svc.Start(ctx); err != nil {
		log.WithError(err).Fatal("error while starting p2p node")
	}
	defer svc.Stop()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGTERM, syscall.SIGINT, os.Interrupt)
	<-sigChan

	log.Info("shutting down daemon")
}

func serviceOpts() (p2pinterface.ServiceOpts, error) {
	seeds, err := config.GetSeedNodes()
	if err != nil {
		return p2pinterface.ServiceOpts{}, err
	}
	advertisedAddr, err := config.GetAdvertisedAddr()
	if err != nil {
		return p2pinterface.ServiceOpts{}, err
	}
	password, err := config.GetKeyringPassword()
	if err != nil {
		return p2pinterface.ServiceOpts{}, err
	}

	maxConnections := config.GetInt(config.MaxConnectionsKey)
	sendTimeout := config.GetDuration(config.SendMsgTimeoutKey)

	network := tcp.DefaultConfig()
	network.ListenAddr = config.GetString(config.P2PListenAddrKey)
	network.AdvertisedAddr = advertisedAddr
	network.SocksProxyAddr = config.GetString(config.SocksProxyAddrKey)
	// Leave room for the inbound connections above the target.
	network.MaxConnections = maxConnections * 2

	peerExchange := peerexchange.DefaultConfig()
	peerExchange.Timeout = config.GetDuration(config.PeerExchangeTimeoutKey)

	mailboxCfg := mailbox.DefaultConfig()
	mailboxCfg.TTL = config.GetDuration(config.MailboxTTLKey)
	mailboxCfg.RedeliveryRate = config.GetInt(config.MailboxRedeliveryRateKey)
	mailboxCfg.SendTimeout = sendTimeout

	tradeCfg := trade.DefaultConfig()
	tradeCfg.TradeTimeout = config.GetDuration(config.TradeTimeoutKey)
	tradeCfg.SendTimeout = sendTimeout

	return p2pinterface.ServiceOpts{
		Datadir:           config.GetDatadir(),
		DBLocation:        config.DbLocation,
		KeyringLocation:   config.KeyringLocation,
		WebhookLocation:   config.WebhookLocation,
		DbType:            config.GetString(config.DbTypeKey),
		KeyringPassword:   password,
		Network:           network,
		SeedNodes:         seeds,
		MaxConnections:    maxConnections,
		PeerExchange:      peerExchange,
		Mailbox:           mailboxCfg,
		Trade:             tradeCfg,
		WebhookEnabled:    config.GetBool(config.WebhookEnabledKey),
		StatsInterval:     config.GetDuration(config.StatsIntervalKey),
		MetricsListenAddr: config.GetString(config.MetricsListenAddrKey),
	}, nil
}
