package gateway

import (
	"github.com/rs/zerolog/log"

	"github.com/Komaxor/btcupdown/internal/ledger"
	"github.com/Komaxor/btcupdown/internal/market"
)

// Engine event hooks. Each callback formats one push frame; per-user
// frames go through the reverse map, market-wide ones broadcast.

func (g *Gateway) OnOrderAccepted(order ledger.Order, trades []ledger.Trade) {
	g.hub.SendToUser(order.UserID, frame("order_accepted", map[string]any{
		"order":  order,
		"trades": trades,
	}))
}

func (g *Gateway) OnOrderUpdate(order ledger.Order) {
	g.hub.SendToUser(order.UserID, frame("order_update", order))
}

func (g *Gateway) OnTrade(trade ledger.Trade) {
	data := frame("trade", trade)
	g.hub.SendToUser(trade.YesUserID, data)
	g.hub.SendToUser(trade.NoUserID, data)
}

func (g *Gateway) OnOrderCancelled(userID int64, orderID string, refundCents int64, reason string) {
	payload := map[string]any{
		"orderID": orderID,
		"refund":  ledger.CentsToDollars(refundCents).StringFixed(2),
	}
	if reason != "" {
		payload["reason"] = reason
	}
	g.hub.SendToUser(userID, frame("order_cancelled", payload))
}

func (g *Gateway) OnBalanceUpdate(userID int64) {
	balance, err := g.store.GetBalance(userID)
	if err != nil {
		log.Warn().Err(err).Int64("user", userID).Msg("balance push failed")
		return
	}
	g.hub.SendToUser(userID, frame("balance_update", map[string]any{
		"balance": balance.StringFixed(2),
	}))
}

func (g *Gateway) OnSettlement(roundStart int64, outcome market.Outcome, payoutCents map[int64]int64) {
	slug := market.Slug(roundStart)
	for userID, cents := range payoutCents {
		g.hub.SendToUser(userID, frame("settlement", map[string]any{
			"slug":    slug,
			"outcome": string(outcome),
			"payout":  ledger.CentsToDollars(cents).StringFixed(2),
		}))
	}
	if g.notifier != nil {
		if m, ok := g.controller.GetByRound(roundStart); ok && m.FinalPrice != nil {
			g.notifier.RoundSettled(slug, outcome, *m.FinalPrice, len(payoutCents))
		}
	}
}

func (g *Gateway) OnLiquidityAdded(userID int64, roundStart int64, amountCents int64) {
	g.hub.SendToUser(userID, frame("liquidity_added", map[string]any{
		"slug":   market.Slug(roundStart),
		"amount": ledger.CentsToDollars(amountCents).StringFixed(2),
	}))
}

func (g *Gateway) OnBookChanged(roundStart int64) {
	g.debounce.Touch(roundStart)
}

// Lifecycle controller hooks.

func (g *Gateway) OnPhaseChange(m market.Market) {
	g.hub.Broadcast(frame("market_phase_change", m), false)
	if m.Phase == market.PhaseActive && m.PriceToBeat != nil {
		g.hub.Broadcast(frame("price_to_beat", map[string]any{
			"slug":  m.Slug,
			"price": m.PriceToBeat.StringFixed(2),
		}), false)
		if g.notifier != nil {
			g.notifier.MarketActive(m.Slug, *m.PriceToBeat)
		}
	}
}

func (g *Gateway) OnMarketList(markets []market.Market) {
	g.hub.Broadcast(frame("market_list", markets), false)
}

func (g *Gateway) OnRoundRolled(roundStart int64) {
	// The fresh round starts with an empty book; push it immediately.
	g.broadcastBook(roundStart)
}
