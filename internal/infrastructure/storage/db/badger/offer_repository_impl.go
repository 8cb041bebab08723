package dbbadger

import (
	"context"
	"errors"
	"sort"

	"github.com/tdex-network/tdex-p2p/internal/core/domain"
	"github.com/timshannon/badgerhold/v4"
)

type offerRepositoryImpl struct {
	store *badgerhold.Store
}

// NewOfferRepositoryImpl returns a badger implementation of
// domain.OfferRepository.
func NewOfferRepositoryImpl(store *badgerhold.Store) domain.OfferRepository {
	return offerRepositoryImpl{store}
}

func (o offerRepositoryImpl) AddOffer(
	ctx context.Context, offer *domain.Offer,
) error {
	if tx := txFromContext(ctx); tx != nil {
		return o.store.TxUpsert(tx, offer.ID, offer)
	}
	return o.store.Upsert(offer.ID, offer)
}

func (o offerRepositoryImpl) GetOffer(
	ctx context.Context, offerID string,
) (*domain.Offer, error) {
	var offer domain.Offer
	var err error
	if tx := txFromContext(ctx); tx != nil {
		err = o.store.TxGet(tx, offerID, &offer)
	} else {
		err = o.store.Get(offerID, &offer)
	}
	if err != nil {
		if errors.Is(err, badgerhold.ErrNotFound) {
			return nil, domain.ErrOfferNotFound
		}
		return nil, err
	}
	return &offer, nil
}

func (o offerRepositoryImpl) GetAllOffers(
	ctx context.Context,
) ([]*domain.Offer, error) {
	var list []domain.Offer
	var err error
	if tx := txFromContext(ctx); tx != nil {
		err = o.store.TxFind(tx, &list, nil)
	} else {
		err = o.store.Find(&list, nil)
	}
	if err != nil {
		return nil, err
	}

	offers := make([]*domain.Offer, 0, len(list))
	for i := range list {
		offers = append(offers, &list[i])
	}
	sort.SliceStable(offers, func(i, j int) bool {
		return offers[i].CreationTime < offers[j].CreationTime
	})
	return offers, nil
}

func (o offerRepositoryImpl) DeleteOffer(
	ctx context.Context, offerID string,
) error {
	var err error
	if tx := txFromContext(ctx); tx != nil {
		err = o.store.TxDelete(tx, offerID, domain.Offer{})
	} else {
		err = o.store.Delete(offerID, domain.Offer{})
	}
	if err != nil {
		if errors.Is(err, badgerhold.ErrNotFound) {
			return domain.ErrOfferNotFound
		}
		return err
	}
	return nil
}
