package dbbadger

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/tdex-network/tdex-p2p/internal/core/domain"
	"github.com/timshannon/badgerhold/v4"
)

type mailboxRepositoryImpl struct {
	store *badgerhold.Store
}

// NewMailboxRepositoryImpl returns a badger implementation of
// domain.MailboxRepository.
func NewMailboxRepositoryImpl(
	store *badgerhold.Store,
) domain.MailboxRepository {
	return mailboxRepositoryImpl{store}
}

func (m mailboxRepositoryImpl) AddItem(
	ctx context.Context, item *domain.MailboxItem,
) error {
	var err error
	if tx := txFromContext(ctx); tx != nil {
		err = m.store.TxInsert(tx, item.UID, item)
	} else {
		err = m.store.Insert(item.UID, item)
	}
	// Items are identified by the uid of the envelope they carry, storing the
	// same envelope twice is a no-op.
	if err != nil && !errors.Is(err, badgerhold.ErrKeyExists) {
		return err
	}
	return nil
}

func (m mailboxRepositoryImpl) GetItem(
	ctx context.Context, uid string,
) (*domain.MailboxItem, error) {
	var item domain.MailboxItem
	var err error
	if tx := txFromContext(ctx); tx != nil {
		err = m.store.TxGet(tx, uid, &item)
	} else {
		err = m.store.Get(uid, &item)
	}
	if err != nil {
		if errors.Is(err, badgerhold.ErrNotFound) {
			return nil, domain.ErrMailboxItemNotFound
		}
		return nil, err
	}
	return &item, nil
}

func (m mailboxRepositoryImpl) GetItemsForRecipient(
	ctx context.Context, fingerprint string,
) ([]*domain.MailboxItem, error) {
	query := badgerhold.Where("RecipientFingerprint").Eq(fingerprint)
	return m.findItems(ctx, query)
}

func (m mailboxRepositoryImpl) GetItemsForAddress(
	ctx context.Context, addr domain.NodeAddress,
) ([]*domain.MailboxItem, error) {
	query := badgerhold.Where("RecipientAddress.Host").Eq(addr.Host).
		And("RecipientAddress.Port").Eq(addr.Port)
	return m.findItems(ctx, query)
}

func (m mailboxRepositoryImpl) GetAllItems(
	ctx context.Context,
) ([]*domain.MailboxItem, error) {
	return m.findItems(ctx, nil)
}

func (m mailboxRepositoryImpl) UpdateItem(
	ctx context.Context,
	uid string,
	updateFn func(m *domain.MailboxItem) (*domain.MailboxItem, error),
) error {
	item, err := m.GetItem(ctx, uid)
	if err != nil {
		return err
	}

	updatedItem, err := updateFn(item)
	if err != nil {
		return err
	}

	if tx := txFromContext(ctx); tx != nil {
		return m.store.TxUpdate(tx, uid, updatedItem)
	}
	return m.store.Update(uid, updatedItem)
}

func (m mailboxRepositoryImpl) DeleteItem(ctx context.Context, uid string) error {
	var err error
	if tx := txFromContext(ctx); tx != nil {
		err = m.store.TxDelete(tx, uid, domain.MailboxItem{})
	} else {
		err = m.store.Delete(uid, domain.MailboxItem{})
	}
	if err != nil && !errors.Is(err, badgerhold.ErrNotFound) {
		return err
	}
	return nil
}

func (m mailboxRepositoryImpl) DeleteItemsForTrade(
	ctx context.Context, tradeID string,
) (int, error) {
	query := badgerhold.Where("TradeID").Eq(tradeID)
	return m.deleteItems(ctx, query)
}

func (m mailboxRepositoryImpl) DeleteExpiredItems(
	ctx context.Context, now time.Time,
) (int, error) {
	query := badgerhold.Where("ExpiresAt").Gt(int64(0)).
		And("ExpiresAt").Le(now.UnixNano())
	return m.deleteItems(ctx, query)
}

func (m mailboxRepositoryImpl) deleteItems(
	ctx context.Context, query *badgerhold.Query,
) (int, error) {
	items, err := m.findItems(ctx, query)
	if err != nil {
		return 0, err
	}
	for _, item := range items {
		if err := m.DeleteItem(ctx, item.UID); err != nil {
			return 0, err
		}
	}
	return len(items), nil
}

func (m mailboxRepositoryImpl) findItems(
	ctx context.Context, query *badgerhold.Query,
) ([]*domain.MailboxItem, error) {
	var list []domain.MailboxItem
	var err error
	if tx := txFromContext(ctx); tx != nil {
		err = m.store.TxFind(tx, &list, query)
	} else {
		err = m.store.Find(&list, query)
	}
	if err != nil {
		return nil, err
	}

	items := make([]*domain.MailboxItem, 0, len(list))
	for i := range list {
		items = append(items, &list[i])
	}
	sort.SliceStable(items, func(i, j int) bool {
		if items[i].CreatedAt == items[j].CreatedAt {
			return items[i].UID < items[j].UID
		}
		return items[i].CreatedAt < items[j].CreatedAt
	})
	return items, nil
}
