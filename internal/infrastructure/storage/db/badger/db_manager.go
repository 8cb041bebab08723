package dbbadger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/dgraph-io/badger/v3"
	"github.com/dgraph-io/badger/v3/options"
	log "github.com/sirupsen/logrus"
	"github.com/tdex-network/tdex-p2p/internal/core/domain"
	"github.com/tdex-network/tdex-p2p/internal/core/ports"
	"github.com/timshannon/badgerhold/v4"
)

const (
	mainDir = "main"

	maxTxRetries = 10
)

type repoManager struct {
	store *badgerhold.Store

	tradeRepository   domain.TradeRepository
	offerRepository   domain.OfferRepository
	mailboxRepository domain.MailboxRepository
	peerRepository    domain.PeerRepository
}

// NewRepoManager opens (or creates if not exists) the badger store on disk.
// It expects a base data dir and an optional logger. If the base dir is
// empty, the store is kept in memory.
// All repositories share the same store so that a transaction can span
// any of them.
func NewRepoManager(
	baseDbDir string, logger badger.Logger,
) (ports.RepoManager, error) {
	var dbDir string
	if len(baseDbDir) > 0 {
		dbDir = filepath.Join(baseDbDir, mainDir)
	}

	store, err := createDb(dbDir, logger)
	if err != nil {
		return nil, fmt.Errorf("opening main db: %w", err)
	}

	return &repoManager{
		store:             store,
		tradeRepository:   NewTradeRepositoryImpl(store),
		offerRepository:   NewOfferRepositoryImpl(store),
		mailboxRepository: NewMailboxRepositoryImpl(store),
		peerRepository:    NewPeerRepositoryImpl(store),
	}, nil
}

func (d *repoManager) TradeRepository() domain.TradeRepository {
	return d.tradeRepository
}

func (d *repoManager) OfferRepository() domain.OfferRepository {
	return d.offerRepository
}

func (d *repoManager) MailboxRepository() domain.MailboxRepository {
	return d.mailboxRepository
}

func (d *repoManager) PeerRepository() domain.PeerRepository {
	return d.peerRepository
}

// RunTransaction runs the handler in a transaction of the store. Write
// transactions in conflict are retried up to maxTxRetries times.
func (d *repoManager) RunTransaction(
	ctx context.Context,
	readOnly bool,
	handler func(ctx context.Context) (interface{}, error),
) (interface{}, error) {
	for i := 0; ; i++ {
		res, err := d.runTransaction(ctx, readOnly, handler)
		if err != nil {
			if errors.Is(err, badger.ErrConflict) && i < maxTxRetries {
				time.Sleep(time.Duration(i+1) * 10 * time.Millisecond)
				continue
			}
			return nil, err
		}
		return res, nil
	}
}

func (d *repoManager) Close() {
	d.store.Close()
}

func (d *repoManager) runTransaction(
	ctx context.Context,
	readOnly bool,
	handler func(ctx context.Context) (interface{}, error),
) (interface{}, error) {
	tx := d.store.Badger().NewTransaction(!readOnly)
	defer tx.Discard()

	ctx = context.WithValue(ctx, "tx", tx)
	res, err := handler(ctx)
	if err != nil {
		return nil, err
	}

	if readOnly {
		return res, nil
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return res, nil
}

// JSONEncode is a custom JSON based encoder for badger
func JSONEncode(value interface{}) ([]byte, error) {
	var buff bytes.Buffer

	en := json.NewEncoder(&buff)

	err := en.Encode(value)
	if err != nil {
		return nil, err
	}

	return buff.Bytes(), nil
}

// JSONDecode is a custom JSON based decoder for badger
func JSONDecode(data []byte, value interface{}) error {
	var buff bytes.Buffer
	de := json.NewDecoder(&buff)

	_, err := buff.Write(data)
	if err != nil {
		return err
	}

	return de.Decode(value)
}

func createDb(dbDir string, logger badger.Logger) (*badgerhold.Store, error) {
	isInMemory := len(dbDir) <= 0

	opts := badger.DefaultOptions(dbDir)
	opts.Logger = logger

	if isInMemory {
		opts.InMemory = true
	} else {
		opts.Compression = options.ZSTD
	}

	db, err := badgerhold.Open(badgerhold.Options{
		Encoder:          JSONEncode,
		Decoder:          JSONDecode,
		SequenceBandwith: 100,
		Options:          opts,
	})
	if err != nil {
		return nil, err
	}

	if !isInMemory {
		ticker := time.NewTicker(30 * time.Minute)

		go func() {
			for {
				<-ticker.C
				if err := db.Badger().RunValueLogGC(0.5); err != nil &&
					err != badger.ErrNoRewrite {
					log.Error(err)
				}
			}
		}()
	}

	return db, nil
}

// txFromContext returns the badger transaction carried by the context, if
// any.
func txFromContext(ctx context.Context) *badger.Txn {
	if tx, ok := ctx.Value("tx").(*badger.Txn); ok {
		return tx
	}
	return nil
}
