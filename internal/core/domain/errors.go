package domain

import "errors"

var (
	// ErrInvalidNodeAddress is returned when parsing a malformed host:port.
	ErrInvalidNodeAddress = errors.New("invalid node address")

	// ErrUnknownMessageType is returned for envelopes or trade messages with an
	// unknown discriminant.
	ErrUnknownMessageType = errors.New("unknown message type")
	// ErrMissingTradeID ...
	ErrMissingTradeID = errors.New("missing trade id")
	// ErrMissingMessageUID ...
	ErrMissingMessageUID = errors.New("missing message uid")

	// ErrTradeTerminated is returned when trying to make a terminated trade
	// progress.
	ErrTradeTerminated = errors.New("trade is terminated")
	// ErrTradeNotTerminated is returned when archiving a trade still in progress.
	ErrTradeNotTerminated = errors.New("trade is not terminated yet")
	// ErrInvalidTransition is returned when a transition is not allowed from
	// the current state of the trade.
	ErrInvalidTransition = errors.New("invalid state transition")
	// ErrPayoutBeforeDepositConfirmed is returned when trying to publish the
	// payout of a trade whose deposit is not yet confirmed.
	ErrPayoutBeforeDepositConfirmed = errors.New(
		"payout can't be published before deposit is confirmed",
	)
	// ErrInvalidFailureState is returned by Fail if the given state is not
	// one of the failure ones.
	ErrInvalidFailureState = errors.New("state is not a failure state")
	// ErrTradeNotFound ...
	ErrTradeNotFound = errors.New("trade not found")
	// ErrTradeAlreadyExists ...
	ErrTradeAlreadyExists = errors.New("trade already exists")

	// ErrOfferNotFound ...
	ErrOfferNotFound = errors.New("offer not found")
	// ErrInvalidOfferAmount ...
	ErrInvalidOfferAmount = errors.New("offer amount must be greater than zero")
	// ErrInvalidOfferPrice ...
	ErrInvalidOfferPrice = errors.New("offer price must be greater than zero")
	// ErrMissingCurrencyCode ...
	ErrMissingCurrencyCode = errors.New("missing offer currency code")

	// ErrMailboxItemNotFound ...
	ErrMailboxItemNotFound = errors.New("mailbox item not found")
)
