package db_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/tdex-network/tdex-p2p/internal/core/domain"
)

func TestOfferRepositoryImplementations(t *testing.T) {
	repositories := createRepoManagers(t)

	for i := range repositories {
		repo := repositories[i]

		t.Run(repo.Name, func(t *testing.T) {
			t.Parallel()
			testOfferRepository(t, repo)
		})
	}
}

func testOfferRepository(t *testing.T, repo repoManager) {
	offer := makeRandomOffer()

	_, err := repo.write(func(ctx context.Context) (interface{}, error) {
		return nil, repo.DBManager.OfferRepository().AddOffer(ctx, offer)
	})
	require.NoError(t, err)

	iOffer, err := repo.read(func(ctx context.Context) (interface{}, error) {
		return repo.DBManager.OfferRepository().GetOffer(ctx, offer.ID)
	})
	require.NoError(t, err)
	gotOffer := iOffer.(*domain.Offer)
	require.Equal(t, offer.MakerAddress, gotOffer.MakerAddress)
	require.Equal(t, offer.Amount, gotOffer.Amount)
	require.True(t, offer.Price.Equal(gotOffer.Price))

	iOffers, err := repo.read(func(ctx context.Context) (interface{}, error) {
		return repo.DBManager.OfferRepository().GetAllOffers(ctx)
	})
	require.NoError(t, err)
	require.Len(t, iOffers.([]*domain.Offer), 1)

	_, err = repo.write(func(ctx context.Context) (interface{}, error) {
		return nil, repo.DBManager.OfferRepository().DeleteOffer(ctx, offer.ID)
	})
	require.NoError(t, err)

	_, err = repo.read(func(ctx context.Context) (interface{}, error) {
		return repo.DBManager.OfferRepository().GetOffer(ctx, offer.ID)
	})
	require.ErrorIs(t, err, domain.ErrOfferNotFound)

	_, err = repo.write(func(ctx context.Context) (interface{}, error) {
		return nil, repo.DBManager.OfferRepository().DeleteOffer(ctx, offer.ID)
	})
	require.ErrorIs(t, err, domain.ErrOfferNotFound)
}
