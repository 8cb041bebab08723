package inmemory

import (
	"context"
	"sort"
	"sync"

	"github.com/tdex-network/tdex-p2p/internal/core/domain"
)

type offerRepositoryImpl struct {
	locker *sync.RWMutex
	offers map[string]domain.Offer
}

// NewOfferRepositoryImpl returns a new inmemory OfferRepository implementation.
func NewOfferRepositoryImpl() domain.OfferRepository {
	return &offerRepositoryImpl{
		locker: &sync.RWMutex{},
		offers: make(map[string]domain.Offer),
	}
}

func (r *offerRepositoryImpl) AddOffer(
	_ context.Context, offer *domain.Offer,
) error {
	r.locker.Lock()
	defer r.locker.Unlock()

	r.offers[offer.ID] = *offer
	return nil
}

func (r *offerRepositoryImpl) GetOffer(
	_ context.Context, offerID string,
) (*domain.Offer, error) {
	r.locker.RLock()
	defer r.locker.RUnlock()

	offer, ok := r.offers[offerID]
	if !ok {
		return nil, domain.ErrOfferNotFound
	}
	return &offer, nil
}

func (r *offerRepositoryImpl) GetAllOffers(
	_ context.Context,
) ([]*domain.Offer, error) {
	r.locker.RLock()
	defer r.locker.RUnlock()

	offers := make([]*domain.Offer, 0, len(r.offers))
	for _, offer := range r.offers {
		offer := offer
		offers = append(offers, &offer)
	}
	sort.SliceStable(offers, func(i, j int) bool {
		return offers[i].CreationTime < offers[j].CreationTime
	})
	return offers, nil
}

func (r *offerRepositoryImpl) DeleteOffer(
	_ context.Context, offerID string,
) error {
	r.locker.Lock()
	defer r.locker.Unlock()

	if _, ok := r.offers[offerID]; !ok {
		return domain.ErrOfferNotFound
	}
	delete(r.offers, offerID)
	return nil
}
