package engine

import (
	"errors"

	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/Komaxor/btcupdown/internal/book"
	"github.com/Komaxor/btcupdown/internal/ledger"
)

// Stop triggers fire on top-of-book movement, on the YES scale:
//   - a bid stop triggers when bestAsk <= stopPrice (cheap enough to buy)
//   - an ask stop triggers when bestBid >= stopPrice (dear enough to sell)

func stopTriggered(o ledger.Order, bestBid, bestAsk int, hasBid, hasAsk bool) bool {
	if o.BookSide == string(book.Bid) {
		return hasAsk && bestAsk <= o.StopPrice
	}
	return hasBid && bestBid >= o.StopPrice
}

// checkStopsLocked evaluates the stop set until no more triggers fire.
// A triggered order can move top-of-book and trip further stops, so the
// loop cascades; it terminates because each stop leaves the set when it
// fires. Caller holds the round lock.
func (e *Engine) checkStopsLocked(r *round, pending *[]func(Events)) {
	for {
		bestBid, hasBid := r.book.BestBid()
		bestAsk, hasAsk := r.book.BestAsk()

		var trig *ledger.Order
		for _, o := range r.stops {
			if stopTriggered(o, bestBid, bestAsk, hasBid, hasAsk) {
				o := o
				trig = &o
				break
			}
		}
		if trig == nil {
			return
		}
		delete(r.stops, trig.ID)
		e.triggerStop(r, *trig, pending)
	}
}

// triggerStop activates one parked stop-limit: flip to open, reserve the
// balance, then match and rest like a fresh limit order, all in one
// transaction. A failed balance check cancels the order instead.
func (e *Engine) triggerStop(r *round, o ledger.Order, pending *[]func(Events)) {
	fills := r.planFills(book.Side(o.BookSide), o.BookPrice, o.Shares, o.UserID)

	var trades []ledger.Trade
	var makerUpdates []ledger.Order
	err := e.store.Transaction(func(tx *gorm.DB) error {
		if err := e.store.ActivateStopOrder(tx, o.ID); err != nil {
			return err
		}
		if err := e.store.DeductBalance(tx, o.UserID, o.Shares*int64(o.CostPerShare)); err != nil {
			return err
		}
		o.Status = ledger.StatusOpen
		var err error
		trades, makerUpdates, err = e.matchInTx(tx, &o, fills)
		return err
	})

	if errors.Is(err, ledger.ErrInsufficientBalance) {
		if cerr := e.store.Transaction(func(tx *gorm.DB) error {
			return e.store.CancelOrder(tx, o.ID)
		}); cerr != nil {
			log.Error().Err(cerr).Str("order", o.ID).Msg("stop cancel failed")
		}
		log.Info().Str("order", o.ID).Int64("user", o.UserID).Msg("⛔ Stop cancelled, balance short at trigger")
		userID, orderID := o.UserID, o.ID
		*pending = append(*pending, func(ev Events) {
			ev.OnOrderCancelled(userID, orderID, 0, "Insufficient balance at trigger")
		})
		return
	}
	if err != nil {
		log.Error().Err(err).Str("order", o.ID).Msg("stop activation failed")
		return
	}

	e.applyToBook(r, &o, book.Side(o.BookSide), fills)

	log.Debug().
		Str("order", o.ID).
		Int("stop", o.StopPrice).
		Int("limit", o.BookPrice).
		Int("fills", len(trades)).
		Msg("🎯 Stop triggered")

	oo := o
	ts := trades
	mus := makerUpdates
	*pending = append(*pending, func(ev Events) {
		ev.OnOrderUpdate(oo)
		for _, t := range ts {
			ev.OnTrade(t)
		}
		for _, mu := range mus {
			ev.OnOrderUpdate(mu)
		}
		ev.OnBalanceUpdate(oo.UserID)
		ev.OnBookChanged(oo.RoundStart)
	})
}
