package gateway

import (
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/Komaxor/btcupdown/internal/engine"
	"github.com/Komaxor/btcupdown/internal/ledger"
)

// dispatch routes one inbound frame. Unknown tags are rejected uniformly.
func (g *Gateway) dispatch(c *client, data []byte) {
	var msg inbound
	if err := json.Unmarshal(data, &msg); err != nil {
		c.enqueue(outbound{data: errorFrame("error", "malformed message")})
		return
	}

	switch msg.Type {
	case "auth":
		g.handleAuth(c, msg)
	case "place_order":
		g.handlePlaceOrder(c, msg)
	case "cancel_order":
		g.handleCancelOrder(c, msg)
	case "get_orderbook":
		g.handleGetOrderbook(c, msg)
	case "get_my_orders":
		g.handleMyOrders(c, msg)
	case "get_order":
		g.handleGetOrder(c, msg)
	case "add_liquidity":
		g.handleAddLiquidity(c, msg)
	case "get_market":
		g.handleGetMarket(c, msg)
	case "get_markets":
		c.enqueue(outbound{data: frame("market_list", g.controller.Markets())})
	case "status":
		c.enqueue(outbound{data: frame("status", map[string]any{
			"aggregator": g.agg.Status(),
			"clients":    g.hub.ClientCount(),
		})})
	default:
		c.enqueue(outbound{data: errorFrame("error", fmt.Sprintf("unknown message type: %q", msg.Type))})
	}
}

// requireUser gates the trading messages behind authentication
func (g *Gateway) requireUser(c *client) (int64, bool) {
	id := c.user()
	if id == 0 {
		c.enqueue(outbound{data: errorFrame("order_rejected", "authentication required")})
		return 0, false
	}
	return id, true
}

func (g *Gateway) handleAuth(c *client, msg inbound) {
	if err := g.verifier.VerifyToken(msg.Token, msg.UserID, msg.AuthDate); err != nil {
		c.enqueue(outbound{data: errorFrame("auth_error", err.Error())})
		return
	}
	user, err := g.store.GetUser(msg.UserID)
	if err != nil {
		c.enqueue(outbound{data: errorFrame("auth_error", "unknown user")})
		return
	}
	g.hub.Bind(c, msg.UserID)
	log.Debug().Int64("user", msg.UserID).Msg("🔑 Client authenticated")
	c.enqueue(outbound{data: frame("auth_success", map[string]any{
		"user":    userView(user),
		"balance": user.Balance.StringFixed(2),
	})})
}

func (g *Gateway) handlePlaceOrder(c *client, msg inbound) {
	userID, ok := g.requireUser(c)
	if !ok {
		return
	}
	roundStart, err := g.resolveRound(msg.Slug)
	if err != nil {
		c.enqueue(outbound{data: errorFrame("order_rejected", err.Error())})
		return
	}
	_, err = g.eng.Place(engine.PlaceRequest{
		UserID:     userID,
		RoundStart: roundStart,
		OrderType:  msg.OrderType,
		Side:       msg.Side,
		Outcome:    msg.Outcome,
		Shares:     msg.Shares,
		Price:      msg.Price,
		StopPrice:  msg.StopPrice,
	})
	if err != nil {
		c.enqueue(outbound{data: errorFrame("order_rejected", err.Error())})
	}
	// Success frames flow through the engine event hooks.
}

func (g *Gateway) handleCancelOrder(c *client, msg inbound) {
	userID, ok := g.requireUser(c)
	if !ok {
		return
	}
	if _, err := g.eng.Cancel(userID, msg.OrderID); err != nil {
		c.enqueue(outbound{data: errorFrame("order_rejected", err.Error())})
	}
}

func (g *Gateway) handleGetOrderbook(c *client, msg inbound) {
	roundStart, err := g.resolveRound(msg.Slug)
	if err != nil {
		c.enqueue(outbound{data: errorFrame("error", err.Error())})
		return
	}
	snap, err := g.eng.Depth(roundStart)
	if err != nil {
		c.enqueue(outbound{data: errorFrame("error", err.Error())})
		return
	}
	c.enqueue(outbound{data: frame("orderbook", map[string]any{
		"slug":        msg.Slug,
		"round_start": roundStart,
		"bids":        snap.Bids,
		"asks":        snap.Asks,
	})})
}

func (g *Gateway) handleMyOrders(c *client, msg inbound) {
	userID, ok := g.requireUser(c)
	if !ok {
		return
	}
	var roundStart int64
	if msg.Slug != "" {
		rs, err := g.resolveRound(msg.Slug)
		if err != nil {
			c.enqueue(outbound{data: errorFrame("error", err.Error())})
			return
		}
		roundStart = rs
	}
	orders, err := g.store.GetUserOrders(userID, msg.Status, roundStart)
	if err != nil {
		c.enqueue(outbound{data: errorFrame("error", "order lookup failed")})
		return
	}
	c.enqueue(outbound{data: frame("my_orders", orders)})
}

func (g *Gateway) handleGetOrder(c *client, msg inbound) {
	userID, ok := g.requireUser(c)
	if !ok {
		return
	}
	order, err := g.store.GetOrder(msg.OrderID)
	if err != nil || order.UserID != userID {
		c.enqueue(outbound{data: errorFrame("error", "order not found")})
		return
	}
	trades, err := g.store.GetOrderTrades(msg.OrderID)
	if err != nil {
		c.enqueue(outbound{data: errorFrame("error", "trade lookup failed")})
		return
	}
	c.enqueue(outbound{data: frame("order_detail", map[string]any{
		"order":  order,
		"trades": trades,
	})})
}

func (g *Gateway) handleAddLiquidity(c *client, msg inbound) {
	userID, ok := g.requireUser(c)
	if !ok {
		return
	}
	roundStart, err := g.resolveRound(msg.Slug)
	if err != nil {
		c.enqueue(outbound{data: errorFrame("order_rejected", err.Error())})
		return
	}
	if err := g.eng.AddLiquidity(userID, roundStart, msg.Amount); err != nil {
		c.enqueue(outbound{data: errorFrame("order_rejected", err.Error())})
	}
}

func (g *Gateway) handleGetMarket(c *client, msg inbound) {
	if m, ok := g.controller.Get(msg.Slug); ok {
		c.enqueue(outbound{data: frame("market", m)})
		return
	}
	// Aged-out markets fall back to the persisted row.
	row, err := g.store.GetMarketBySlug(msg.Slug)
	if err != nil {
		c.enqueue(outbound{data: errorFrame("error", "market not found")})
		return
	}
	c.enqueue(outbound{data: frame("market", marketRowView(row))})
}

func userView(u *ledger.User) map[string]any {
	return map[string]any{
		"id":         u.ID,
		"username":   u.Username,
		"first_name": u.FirstName,
		"last_name":  u.LastName,
		"photo_url":  u.PhotoURL,
	}
}

func marketRowView(row *ledger.MarketRow) map[string]any {
	v := map[string]any{
		"round_start": row.RoundStart,
		"slug":        row.Slug,
		"phase":       row.Phase,
	}
	if row.Phase != "provision" {
		v["price_to_beat"] = row.PriceToBeat.StringFixed(2)
	}
	if row.Outcome != "" {
		v["final_price"] = row.FinalPrice.StringFixed(2)
		v["outcome"] = row.Outcome
	}
	return v
}
