package domain

import (
	"context"
	"time"
)

// MailboxItem is an envelope waiting to be delivered to an offline peer.
type MailboxItem struct {
	UID                  string
	TradeID              string
	RecipientAddress     NodeAddress
	RecipientFingerprint string
	Envelope             PrefixedSealedAndSignedMessage
	CreatedAt            int64
	ExpiresAt            int64
	// DeliveredAt is set once the envelope has been written to the
	// recipient. The item is kept until the recipient acknowledges it.
	DeliveredAt int64
	Attempts    int
}

// NewMailboxItem returns an item expiring after ttl. A non positive ttl
// means the item never expires.
func NewMailboxItem(
	tradeID string, recipient NodeAddress, fingerprint string,
	envelope PrefixedSealedAndSignedMessage, ttl time.Duration,
) *MailboxItem {
	now := time.Now()
	item := &MailboxItem{
		UID:                  envelope.UID,
		TradeID:              tradeID,
		RecipientAddress:     recipient,
		RecipientFingerprint: fingerprint,
		Envelope:             envelope,
		CreatedAt:            now.UnixNano(),
	}
	if ttl > 0 {
		item.ExpiresAt = now.Add(ttl).UnixNano()
	}
	return item
}

func (m *MailboxItem) IsExpired(now time.Time) bool {
	return m.ExpiresAt > 0 && now.UnixNano() >= m.ExpiresAt
}

// IsAwaitingAck returns whether the item was delivered less than ackTimeout
// ago and the recipient's acknowledgment can still be expected.
func (m *MailboxItem) IsAwaitingAck(now time.Time, ackTimeout time.Duration) bool {
	return m.DeliveredAt > 0 &&
		now.Sub(time.Unix(0, m.DeliveredAt)) < ackTimeout
}

// MailboxRepository stores envelopes waiting for redelivery. Items returned
// for a recipient are always sorted oldest first.
type MailboxRepository interface {
	AddItem(ctx context.Context, item *MailboxItem) error
	GetItem(ctx context.Context, uid string) (*MailboxItem, error)
	GetItemsForRecipient(ctx context.Context, fingerprint string) ([]*MailboxItem, error)
	GetItemsForAddress(ctx context.Context, addr NodeAddress) ([]*MailboxItem, error)
	GetAllItems(ctx context.Context) ([]*MailboxItem, error)
	UpdateItem(
		ctx context.Context,
		uid string,
		updateFn func(m *MailboxItem) (*MailboxItem, error),
	) error
	DeleteItem(ctx context.Context, uid string) error
	DeleteItemsForTrade(ctx context.Context, tradeID string) (int, error)
	DeleteExpiredItems(ctx context.Context, now time.Time) (int, error)
}
