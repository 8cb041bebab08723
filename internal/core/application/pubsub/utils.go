package pubsub

import (
	"time"

	"github.com/tdex-network/tdex-p2p/internal/core/application/trade"
	"github.com/tdex-network/tdex-p2p/internal/core/domain"
)

func getTradeEventPayload(event trade.TradeEvent) map[string]interface{} {
	t := event.Trade
	payload := map[string]interface{}{
		"event":            event.Type.String(),
		"trade_id":         t.ID,
		"role":             t.Role.String(),
		"state":            t.State.String(),
		"previous_state":   event.PreviousState.String(),
		"offer":            getOfferPayload(t.Offer),
		"amount":           t.Amount,
		"price":            t.Price.String(),
		"peer":             t.TradingPeer.NodeAddress.String(),
		"update_timestamp": t.UpdateTime,
		"update_date":      time.Unix(t.UpdateTime, 0).Format(time.RFC3339),
	}
	if t.DepositTxID != "" {
		payload["deposit_txid"] = t.DepositTxID
	}
	if t.PayoutTxID != "" {
		payload["payout_txid"] = t.PayoutTxID
	}
	if t.ErrorMessage != "" {
		payload["error"] = t.ErrorMessage
	}
	return payload
}

func getOfferPayload(offer domain.Offer) map[string]interface{} {
	return map[string]interface{}{
		"id":             offer.ID,
		"direction":      offer.Direction.String(),
		"currency_code":  offer.CurrencyCode,
		"payment_method": offer.PaymentMethod,
	}
}
