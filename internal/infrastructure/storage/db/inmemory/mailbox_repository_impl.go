package inmemory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/tdex-network/tdex-p2p/internal/core/domain"
)

type mailboxRepositoryImpl struct {
	locker *sync.RWMutex
	items  map[string]domain.MailboxItem
}

// NewMailboxRepositoryImpl returns a new inmemory MailboxRepository
// implementation.
func NewMailboxRepositoryImpl() domain.MailboxRepository {
	return &mailboxRepositoryImpl{
		locker: &sync.RWMutex{},
		items:  make(map[string]domain.MailboxItem),
	}
}

func (r *mailboxRepositoryImpl) AddItem(
	_ context.Context, item *domain.MailboxItem,
) error {
	r.locker.Lock()
	defer r.locker.Unlock()

	if _, ok := r.items[item.UID]; ok {
		return nil
	}
	r.items[item.UID] = *item
	return nil
}

func (r *mailboxRepositoryImpl) GetItem(
	_ context.Context, uid string,
) (*domain.MailboxItem, error) {
	r.locker.RLock()
	defer r.locker.RUnlock()

	item, ok := r.items[uid]
	if !ok {
		return nil, domain.ErrMailboxItemNotFound
	}
	return &item, nil
}

func (r *mailboxRepositoryImpl) GetItemsForRecipient(
	_ context.Context, fingerprint string,
) ([]*domain.MailboxItem, error) {
	r.locker.RLock()
	defer r.locker.RUnlock()

	return r.findItems(func(m *domain.MailboxItem) bool {
		return m.RecipientFingerprint == fingerprint
	}), nil
}

func (r *mailboxRepositoryImpl) GetItemsForAddress(
	_ context.Context, addr domain.NodeAddress,
) ([]*domain.MailboxItem, error) {
	r.locker.RLock()
	defer r.locker.RUnlock()

	return r.findItems(func(m *domain.MailboxItem) bool {
		return m.RecipientAddress == addr
	}), nil
}

func (r *mailboxRepositoryImpl) GetAllItems(
	_ context.Context,
) ([]*domain.MailboxItem, error) {
	r.locker.RLock()
	defer r.locker.RUnlock()

	return r.findItems(func(*domain.MailboxItem) bool { return true }), nil
}

func (r *mailboxRepositoryImpl) UpdateItem(
	_ context.Context,
	uid string,
	updateFn func(m *domain.MailboxItem) (*domain.MailboxItem, error),
) error {
	r.locker.Lock()
	defer r.locker.Unlock()

	item, ok := r.items[uid]
	if !ok {
		return domain.ErrMailboxItemNotFound
	}

	updatedItem, err := updateFn(&item)
	if err != nil {
		return err
	}
	r.items[uid] = *updatedItem
	return nil
}

func (r *mailboxRepositoryImpl) DeleteItem(_ context.Context, uid string) error {
	r.locker.Lock()
	defer r.locker.Unlock()

	delete(r.items, uid)
	return nil
}

func (r *mailboxRepositoryImpl) DeleteItemsForTrade(
	_ context.Context, tradeID string,
) (int, error) {
	r.locker.Lock()
	defer r.locker.Unlock()

	return r.deleteItems(func(m *domain.MailboxItem) bool {
		return m.TradeID == tradeID
	}), nil
}

func (r *mailboxRepositoryImpl) DeleteExpiredItems(
	_ context.Context, now time.Time,
) (int, error) {
	r.locker.Lock()
	defer r.locker.Unlock()

	return r.deleteItems(func(m *domain.MailboxItem) bool {
		return m.IsExpired(now)
	}), nil
}

func (r *mailboxRepositoryImpl) deleteItems(
	filter func(m *domain.MailboxItem) bool,
) int {
	count := 0
	for uid, item := range r.items {
		item := item
		if filter(&item) {
			delete(r.items, uid)
			count++
		}
	}
	return count
}

func (r *mailboxRepositoryImpl) findItems(
	filter func(m *domain.MailboxItem) bool,
) []*domain.MailboxItem {
	items := make([]*domain.MailboxItem, 0)
	for _, item := range r.items {
		item := item
		if filter(&item) {
			items = append(items, &item)
		}
	}
	sort.SliceStable(items, func(i, j int) bool {
		if items[i].CreatedAt == items[j].CreatedAt {
			return items[i].UID < items[j].UID
		}
		return items[i].CreatedAt < items[j].CreatedAt
	})
	return items
}
