package db_test

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"github.com/tdex-network/tdex-p2p/internal/core/domain"
	"github.com/tdex-network/tdex-p2p/internal/core/ports"
	dbbadger "github.com/tdex-network/tdex-p2p/internal/infrastructure/storage/db/badger"
	"github.com/tdex-network/tdex-p2p/internal/infrastructure/storage/db/inmemory"
)

type repoManager struct {
	Name      string
	DBManager ports.RepoManager
}

func (r repoManager) read(
	query func(ctx context.Context) (interface{}, error),
) (interface{}, error) {
	return r.DBManager.RunTransaction(context.Background(), true, query)
}

func (r repoManager) write(
	query func(ctx context.Context) (interface{}, error),
) (interface{}, error) {
	return r.DBManager.RunTransaction(context.Background(), false, query)
}

func createRepoManagers(t *testing.T) []repoManager {
	badgerDBManager, err := dbbadger.NewRepoManager("", nil)
	require.NoError(t, err)
	t.Cleanup(badgerDBManager.Close)

	return []repoManager{
		{
			Name:      "InMemory",
			DBManager: inmemory.NewRepoManager(),
		},
		{
			Name:      "Badger",
			DBManager: badgerDBManager,
		},
	}
}

func makeRandomOffer() *domain.Offer {
	return &domain.Offer{
		ID:           randomId(),
		MakerAddress: domain.NodeAddress{Host: randomHex(8) + ".onion", Port: 9999},
		Direction:    domain.DirectionSeller,
		Amount:       100000,
		Price:        decimal.NewFromInt(40000),
		CurrencyCode: "EUR",
		CreationTime: time.Now().Unix(),
	}
}

func makeRandomTrade() *domain.Trade {
	return domain.NewTrade(*makeRandomOffer(), domain.SideMaker)
}

func makeMailboxItem(
	tradeID, fingerprint string, addr domain.NodeAddress, createdAt int64,
) *domain.MailboxItem {
	uid := randomId()
	return &domain.MailboxItem{
		UID:                  uid,
		TradeID:              tradeID,
		RecipientAddress:     addr,
		RecipientFingerprint: fingerprint,
		Envelope: domain.PrefixedSealedAndSignedMessage{
			UID: uid,
		},
		CreatedAt: createdAt,
		ExpiresAt: time.Now().Add(time.Hour).UnixNano(),
	}
}

func randomHex(len int) string {
	return hex.EncodeToString(randomBytes(len))
}

func randomId() string {
	return uuid.New().String()
}

func randomBytes(len int) []byte {
	b := make([]byte, len)
	//nolint
	rand.Read(b)
	return b
}
