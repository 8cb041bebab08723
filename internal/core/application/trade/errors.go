package trade

import "errors"

var (
	// ErrServiceStopped is returned when using the service before Start or
	// after Stop.
	ErrServiceStopped = errors.New("trade service is not running")
	// ErrNotBuyer is returned when the buyer only action is requested for a
	// trade where the local node is the seller.
	ErrNotBuyer = errors.New("local node is not the buyer of the trade")
	// ErrNotSeller is returned when the seller only action is requested for a
	// trade where the local node is the buyer.
	ErrNotSeller = errors.New("local node is not the seller of the trade")
	// ErrOwnOffer is returned when trying to take an offer placed by the
	// local node.
	ErrOwnOffer = errors.New("can't take own offer")
	// ErrOfferAlreadyTaken is returned when a second taker tries to take an
	// offer already being traded.
	ErrOfferAlreadyTaken = errors.New("offer already taken")
	// ErrInvalidTakeRequest is returned to a taker whose request doesn't
	// match the offer.
	ErrInvalidTakeRequest = errors.New("invalid take offer request")
	// ErrMissingPayoutSignature is returned when the counterparty's payout
	// signature is missing.
	ErrMissingPayoutSignature = errors.New("missing payout tx signature")
	// ErrInvalidContract is returned when the contract proposed by the maker
	// doesn't match the terms of the trade.
	ErrInvalidContract = errors.New("contract doesn't match the trade")
	// ErrUnexpectedSigner is returned for trade messages not signed by the
	// trading peer.
	ErrUnexpectedSigner = errors.New("message not signed by the trading peer")
	// ErrTradeBusy is returned when a wallet operation for the trade is
	// already in progress.
	ErrTradeBusy = errors.New("trade has a wallet operation in progress")
	// ErrUnexpectedMessage is returned for messages a role never receives.
	ErrUnexpectedMessage = errors.New("unexpected message for the local role")
)
