package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/spf13/viper"
	"github.com/tdex-network/tdex-p2p/internal/core/domain"
)

const (
	// DatadirKey is the local data directory to store the internal state of
	// the node
	DatadirKey = "DATADIR"
	// LogLevelKey are the different logging levels. For reference on the values https://godoc.org/github.com/sirupsen/logrus#Level
	LogLevelKey = "LOG_LEVEL"
	// DbTypeKey is the type of database used for trades, mailbox and peers.
	// Either "badger" or "inmemory"
	DbTypeKey = "DB_TYPE"
	// P2PListenAddrKey is the host:port the node accepts connections on
	P2PListenAddrKey = "P2P_LISTEN_ADDR"
	// P2PAdvertisedAddrKey is the host:port reported to the other peers,
	// usually an onion address. Defaults to the listening one
	P2PAdvertisedAddrKey = "P2P_ADVERTISED_ADDR"
	// SeedNodesKey is the comma separated list of seed nodes (host:port)
	SeedNodesKey = "SEED_NODES"
	// MaxConnectionsKey is the target number of connections of the node
	MaxConnectionsKey = "MAX_CONNECTIONS"
	// SocksProxyAddrKey is the address of the SOCKS5 proxy (ie. Tor) used to
	// dial peers
	SocksProxyAddrKey = "SOCKS_PROXY_ADDR"
	// PeerExchangeTimeoutKey is the max time a peer has to answer a peer
	// exchange request
	PeerExchangeTimeoutKey = "PEER_EXCHANGE_TIMEOUT"
	// SendMsgTimeoutKey is the max time to deliver a message to a peer
	SendMsgTimeoutKey = "SEND_MSG_TIMEOUT"
	// TradeTimeoutKey is the time the taker waits for the deposit tx
	TradeTimeoutKey = "TRADE_TIMEOUT"
	// MailboxTTLKey is the time after which an unacknowledged mailbox message
	// is dropped. Zero, the default, keeps it until acknowledged or until its
	// trade is abandoned
	MailboxTTLKey = "MAILBOX_TTL"
	// MailboxRedeliveryRateKey is the max number of mailbox messages
	// redelivered per second
	MailboxRedeliveryRateKey = "MAILBOX_REDELIVERY_RATE"
	// KeyringPasswordFileKey is the path of the file containing the password
	// that encrypts the key ring
	KeyringPasswordFileKey = "KEYRING_PASSWORD_FILE"
	// StatsIntervalKey defines interval for printing basic statistics. Zero
	// disables them
	StatsIntervalKey = "STATS_INTERVAL"
	// MetricsListenAddrKey is the address where prometheus metrics are
	// exposed. Empty disables the endpoint
	MetricsListenAddrKey = "METRICS_LISTEN_ADDR"
	// WebhookEnabledKey enables the notification of trade events to webhooks
	WebhookEnabledKey = "WEBHOOK_ENABLED"

	DbLocation      = "db"
	KeyringLocation = "keyring"
	WebhookLocation = "webhooks"

	DbTypeBadger   = "badger"
	DbTypeInmemory = "inmemory"
)

var vip *viper.Viper
var defaultDatadir = btcutil.AppDataDir("tdex-p2p", false)

func init() {
	vip = viper.New()
	vip.SetEnvPrefix("TDEXP")
	vip.AutomaticEnv()

	vip.SetDefault(DatadirKey, defaultDatadir)
	vip.SetDefault(LogLevelKey, 4)
	vip.SetDefault(DbTypeKey, DbTypeBadger)
	vip.SetDefault(P2PListenAddrKey, "0.0.0.0:9999")
	vip.SetDefault(MaxConnectionsKey, 12)
	vip.SetDefault(PeerExchangeTimeoutKey, 40*time.Second)
	vip.SetDefault(SendMsgTimeoutKey, 20*time.Second)
	vip.SetDefault(TradeTimeoutKey, 60*time.Second)
	vip.SetDefault(MailboxTTLKey, 0)
	vip.SetDefault(MailboxRedeliveryRateKey, 10)
	vip.SetDefault(StatsIntervalKey, 0)
	vip.SetDefault(WebhookEnabledKey, false)
}

// Load validates the current configuration and creates the data directory
// tree.
func Load() error {
	if err := validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return initDatadir()
}

//GetString ...
func GetString(key string) string {
	return vip.GetString(key)
}

//GetInt ...
func GetInt(key string) int {
	return vip.GetInt(key)
}

//GetDuration ...
func GetDuration(key string) time.Duration {
	return vip.GetDuration(key)
}

//GetBool ...
func GetBool(key string) bool {
	return vip.GetBool(key)
}

func GetDatadir() string {
	return GetString(DatadirKey)
}

// GetSeedNodes returns the parsed list of seed node addresses.
func GetSeedNodes() ([]domain.NodeAddress, error) {
	seeds := make([]domain.NodeAddress, 0)
	for _, s := range vip.GetStringSlice(SeedNodesKey) {
		for _, addr := range strings.Split(s, ",") {
			addr = strings.TrimSpace(addr)
			if addr == "" {
				continue
			}
			seed, err := domain.ParseNodeAddress(addr)
			if err != nil {
				return nil, fmt.Errorf("invalid seed node %s: %w", addr, err)
			}
			seeds = append(seeds, seed)
		}
	}
	return seeds, nil
}

// GetAdvertisedAddr returns the advertised address, if defined.
func GetAdvertisedAddr() (domain.NodeAddress, error) {
	addr := GetString(P2PAdvertisedAddrKey)
	if addr == "" {
		return domain.NodeAddress{}, nil
	}
	return domain.ParseNodeAddress(addr)
}

// GetKeyringPassword reads the password of the key ring from the configured
// file. Without a file the password is empty.
func GetKeyringPassword() ([]byte, error) {
	path := GetString(KeyringPasswordFileKey)
	if path == "" {
		return []byte{}, nil
	}
	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read keyring password file: %w", err)
	}
	return []byte(strings.TrimSpace(string(buf))), nil
}

// Set a value for the given key
func Set(key string, value interface{}) {
	vip.Set(key, value)
}

// IsSet returns whether the give key is set
func IsSet(key string) bool {
	return vip.IsSet(key)
}

func validate() error {
	datadir := GetString(DatadirKey)
	if len(datadir) <= 0 {
		return fmt.Errorf("datadir must not be null")
	}

	dbType := GetString(DbTypeKey)
	if dbType != DbTypeBadger && dbType != DbTypeInmemory {
		return fmt.Errorf(
			"db type must be either '%s' or '%s'", DbTypeBadger, DbTypeInmemory,
		)
	}

	if GetString(P2PListenAddrKey) == "" && GetString(P2PAdvertisedAddrKey) == "" {
		return fmt.Errorf("either listening or advertised address must be defined")
	}
	if _, err := GetAdvertisedAddr(); err != nil {
		return fmt.Errorf("advertised address is not valid: %s", err)
	}
	if _, err := GetSeedNodes(); err != nil {
		return err
	}

	if GetInt(MaxConnectionsKey) <= 0 {
		return fmt.Errorf("max connections must be a positive number")
	}
	if GetInt(MailboxRedeliveryRateKey) <= 0 {
		return fmt.Errorf("mailbox redelivery rate must be a positive number")
	}

	for _, key := range []string{
		PeerExchangeTimeoutKey, SendMsgTimeoutKey, TradeTimeoutKey,
	} {
		if GetDuration(key) <= 0 {
			return fmt.Errorf("%s must be a positive duration", strings.ToLower(key))
		}
	}
	if GetDuration(MailboxTTLKey) < 0 {
		return fmt.Errorf("mailbox ttl must not be negative")
	}
	if GetDuration(StatsIntervalKey) < 0 {
		return fmt.Errorf("stats interval must not be negative")
	}
	return nil
}

func initDatadir() error {
	datadir := GetDatadir()
	if err := makeDirectoryIfNotExists(datadir); err != nil {
		return err
	}
	if GetString(DbTypeKey) == DbTypeBadger {
		if err := makeDirectoryIfNotExists(filepath.Join(datadir, DbLocation)); err != nil {
			return err
		}
	}
	return nil
}

func makeDirectoryIfNotExists(path string) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return os.MkdirAll(path, os.ModeDir|0755)
	}
	return nil
}
