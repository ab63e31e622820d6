package engine

import (
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/Komaxor/btcupdown/internal/ledger"
	"github.com/Komaxor/btcupdown/internal/market"
)

// SettleRound closes a round: every live order is cancelled with its
// unfilled reservation refunded, and winning shares pay one dollar each.
// One transaction covers the whole close so a crash leaves either the
// traded round or the settled round, never a half-paid one.
func (e *Engine) SettleRound(roundStart int64, outcome market.Outcome) error {
	r, ok := e.round(roundStart)
	if !ok {
		return ErrMarketNotFound
	}

	var pending []func(Events)
	r.mu.Lock()
	defer func() {
		r.mu.Unlock()
		for _, fn := range pending {
			e.emit(fn)
		}
	}()

	r.phase = market.PhaseClosed

	payouts := make(map[int64]int64) // userID -> cents paid to winners
	touched := make(map[int64]bool)  // everyone whose balance moved

	err := e.store.Transaction(func(tx *gorm.DB) error {
		// Snapshot carries pre-cancel remaining shares under row locks.
		snapshot, err := e.store.CancelAllRoundOrders(tx, roundStart)
		if err != nil {
			return err
		}
		for _, o := range snapshot {
			if o.Status == ledger.StatusStopped {
				continue // never reserved balance
			}
			refund := o.RemainingShares * int64(o.CostPerShare)
			if refund == 0 {
				continue
			}
			if err := e.store.CreditBalance(tx, o.UserID, refund); err != nil {
				return err
			}
			touched[o.UserID] = true
		}

		positions, err := e.store.GetAllRoundPositions(tx, roundStart)
		if err != nil {
			return err
		}
		for _, p := range positions {
			shares := p.NoShares
			if outcome == market.OutcomeUp {
				shares = p.YesShares
			}
			if shares <= 0 {
				continue
			}
			if err := e.store.CreditBalance(tx, p.UserID, shares*100); err != nil {
				return err
			}
			payouts[p.UserID] = shares * 100
			touched[p.UserID] = true
		}
		return nil
	})
	if err != nil {
		return err
	}

	r.book.Clear()
	r.stops = make(map[string]ledger.Order)

	log.Info().
		Str("slug", market.Slug(roundStart)).
		Str("outcome", string(outcome)).
		Int("winners", len(payouts)).
		Msg("💰 Round settled and paid out")

	po := payouts
	users := touched
	pending = append(pending, func(ev Events) {
		ev.OnSettlement(roundStart, outcome, po)
		for userID := range users {
			ev.OnBalanceUpdate(userID)
		}
		ev.OnBookChanged(roundStart)
	})
	return nil
}

// AddLiquidity mints amount dollars of paired yes and no shares during the
// provisioning window. The minter holds the exact complement on both
// sides, so no counterparty is needed.
func (e *Engine) AddLiquidity(userID, roundStart, amount int64) error {
	r, ok := e.round(roundStart)
	if !ok {
		return ErrMarketNotFound
	}
	if amount < 1 || amount > e.maxShares {
		return ErrInvalidAmount
	}

	var pending []func(Events)
	r.mu.Lock()
	defer func() {
		r.mu.Unlock()
		for _, fn := range pending {
			e.emit(fn)
		}
	}()

	if r.phase != market.PhaseProvision {
		return ErrMarketNotProvision
	}

	cents := amount * 100
	err := e.store.Transaction(func(tx *gorm.DB) error {
		if err := e.store.DeductBalance(tx, userID, cents); err != nil {
			return err
		}
		if err := e.store.InsertLiquidityProvision(tx, userID, roundStart, cents); err != nil {
			return err
		}
		return e.store.UpsertPosition(tx, userID, roundStart, amount, amount)
	})
	if err != nil {
		return err
	}

	pending = append(pending, func(ev Events) {
		ev.OnLiquidityAdded(userID, roundStart, cents)
		ev.OnBalanceUpdate(userID)
	})
	return nil
}
