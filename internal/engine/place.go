package engine

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/Komaxor/btcupdown/internal/book"
	"github.com/Komaxor/btcupdown/internal/ledger"
	"github.com/Komaxor/btcupdown/internal/market"
)

// PlaceRequest is one user-facing order placement
type PlaceRequest struct {
	UserID     int64
	RoundStart int64
	OrderType  string
	Side       string // "buy" or "sell"
	Outcome    string // "yes" or "no"
	Shares     int64
	Price      int // 1..99 on the user's outcome scale; ignored for market orders
	StopPrice  int // stop-limit only
}

// PlaceResult is the committed order plus any immediate fills
type PlaceResult struct {
	Order  ledger.Order
	Trades []ledger.Trade
}

// normalise maps a user-facing (side, outcome, price) triple onto the YES
// book. A "buy no at P" is the same exposure as "sell yes at 100-P", so
// everything trades on one book.
//
//	side  outcome  bookSide  bookPrice  costPerShare
//	buy   yes      bid       P          P
//	buy   no       ask       100-P      P
//	sell  yes      ask       P          100-P
//	sell  no       bid       100-P      100-P
func normalise(side, outcome string, price int) (book.Side, int, int, error) {
	switch {
	case side == ledger.SideBuy && outcome == ledger.OutcomeYes:
		return book.Bid, price, price, nil
	case side == ledger.SideBuy && outcome == ledger.OutcomeNo:
		return book.Ask, 100 - price, price, nil
	case side == ledger.SideSell && outcome == ledger.OutcomeYes:
		return book.Ask, price, 100 - price, nil
	case side == ledger.SideSell && outcome == ledger.OutcomeNo:
		return book.Bid, 100 - price, 100 - price, nil
	}
	return "", 0, 0, fmt.Errorf("unknown side/outcome: %s/%s", side, outcome)
}

// crosses reports whether an incoming order at price can trade against a
// maker at makerPrice.
func crosses(incoming book.Side, price, makerPrice int) bool {
	if incoming == book.Bid {
		return makerPrice <= price
	}
	return makerPrice >= price
}

type fill struct {
	maker book.Entry
	qty   int64
}

// planFills walks the opposing side in priority order and returns the
// fills an order would take. Own entries are skipped, not consumed.
// Caller holds the round lock.
func (r *round) planFills(incoming book.Side, price int, shares, userID int64) []fill {
	var fills []fill
	remaining := shares
	r.book.Iterate(incoming.Opposite(), func(e book.Entry) bool {
		if !crosses(incoming, price, e.Price) {
			return false
		}
		if e.UserID == userID {
			return true // self-trade prevention
		}
		qty := min(remaining, e.Remaining)
		fills = append(fills, fill{maker: e, qty: qty})
		remaining -= qty
		return remaining > 0
	})
	return fills
}

// matchableShares counts shares an order could take, for the FOK pre-check
func (r *round) matchableShares(incoming book.Side, price int, userID int64) int64 {
	var total int64
	r.book.Iterate(incoming.Opposite(), func(e book.Entry) bool {
		if !crosses(incoming, price, e.Price) {
			return false
		}
		if e.UserID != userID {
			total += e.Remaining
		}
		return true
	})
	return total
}

// Place validates, persists and matches one order. The whole placement is
// one ledger transaction: it either commits with its fills or leaves no
// state at all.
func (e *Engine) Place(req PlaceRequest) (*PlaceResult, error) {
	r, ok := e.round(req.RoundStart)
	if !ok {
		return nil, ErrMarketNotFound
	}

	if req.Shares < 1 || req.Shares > e.maxShares {
		return nil, ErrInvalidShares
	}

	price := req.Price
	switch req.OrderType {
	case ledger.TypeLimit, ledger.TypeStopLimit:
		if price < 1 || price > 99 {
			return nil, ErrInvalidPrice
		}
	case ledger.TypeMarketFAK, ledger.TypeMarketFOK:
		// Pseudo-price crossing the whole book; improvement is refunded.
		if req.Side == ledger.SideBuy {
			price = 99
		} else {
			price = 1
		}
	default:
		return nil, fmt.Errorf("unknown order type: %q", req.OrderType)
	}

	side, bookPrice, cost, err := normalise(req.Side, req.Outcome, price)
	if err != nil {
		return nil, err
	}

	stopPrice := 0
	if req.OrderType == ledger.TypeStopLimit {
		if req.StopPrice < 1 || req.StopPrice > 99 {
			return nil, ErrInvalidPrice
		}
		stopPrice = req.StopPrice
		if req.Outcome == ledger.OutcomeNo {
			stopPrice = 100 - req.StopPrice
		}
	}

	var pending []func(Events)
	r.mu.Lock()
	defer func() {
		r.mu.Unlock()
		for _, fn := range pending {
			e.emit(fn)
		}
	}()

	if r.phase != market.PhaseActive {
		return nil, ErrMarketNotActive
	}

	order := ledger.Order{
		ID:              uuid.NewString(),
		UserID:          req.UserID,
		RoundStart:      req.RoundStart,
		Side:            req.Side,
		Outcome:         req.Outcome,
		BookSide:        string(side),
		OrderType:       req.OrderType,
		BookPrice:       bookPrice,
		StopPrice:       stopPrice,
		Shares:          req.Shares,
		RemainingShares: req.Shares,
		CostPerShare:    cost,
		Status:          ledger.StatusOpen,
		CreatedAt:       time.Now(),
	}

	// Stop-limits park without reserving balance; funds are checked at
	// trigger time.
	if req.OrderType == ledger.TypeStopLimit {
		order.Status = ledger.StatusStopped
		if err := e.store.Transaction(func(tx *gorm.DB) error {
			return e.store.InsertOrder(tx, &order)
		}); err != nil {
			return nil, err
		}
		r.stops[order.ID] = order
		o := order
		pending = append(pending, func(ev Events) { ev.OnOrderAccepted(o, nil) })
		return &PlaceResult{Order: order}, nil
	}

	if req.OrderType == ledger.TypeMarketFOK {
		avail := r.matchableShares(side, bookPrice, req.UserID)
		if avail < req.Shares {
			return nil, fmt.Errorf("Insufficient liquidity: %d shares available, need %d", avail, req.Shares)
		}
	}

	fills := r.planFills(side, bookPrice, req.Shares, req.UserID)

	var trades []ledger.Trade
	var makerUpdates []ledger.Order
	err = e.store.Transaction(func(tx *gorm.DB) error {
		if err := e.store.DeductBalance(tx, req.UserID, req.Shares*int64(cost)); err != nil {
			return err
		}
		if err := e.store.InsertOrder(tx, &order); err != nil {
			return err
		}
		trades, makerUpdates, err = e.matchInTx(tx, &order, fills)
		return err
	})
	if err != nil {
		return nil, err
	}

	e.applyToBook(r, &order, side, fills)
	res := &PlaceResult{Order: order, Trades: trades}

	o := order
	ts := trades
	mus := makerUpdates
	pending = append(pending, func(ev Events) {
		ev.OnOrderAccepted(o, ts)
		for _, t := range ts {
			ev.OnTrade(t)
		}
		for _, mu := range mus {
			ev.OnOrderUpdate(mu)
		}
		ev.OnBalanceUpdate(o.UserID)
		ev.OnBookChanged(o.RoundStart)
	})

	// Fills and freshly rested orders both move top-of-book.
	rested := order.RemainingShares > 0 && order.Status != ledger.StatusCancelled
	if len(trades) > 0 || rested {
		e.checkStopsLocked(r, &pending)
	}
	return res, nil
}

// matchInTx records trades, positions, maker fill progress and the taker's
// improvement refund, then resolves the taker's terminal status. Residual
// FAK shares are cancelled with their reservation refunded; a FOK residual
// means the pre-check lied and the transaction rolls back. Stop-limits
// reaching here have triggered and rest like limits.
func (e *Engine) matchInTx(tx *gorm.DB, order *ledger.Order, fills []fill) ([]ledger.Trade, []ledger.Order, error) {
	incoming := book.Side(order.BookSide)
	var trades []ledger.Trade
	var makerUpdates []ledger.Order

	for _, f := range fills {
		exec := f.maker.Price
		trade := ledger.Trade{
			ID:         uuid.NewString(),
			RoundStart: order.RoundStart,
			ExecPrice:  exec,
			Shares:     f.qty,
		}
		// The bid side of a fill is always the YES counterparty.
		if incoming == book.Bid {
			trade.BidOrderID = order.ID
			trade.AskOrderID = f.maker.OrderID
			trade.YesUserID = order.UserID
			trade.NoUserID = f.maker.UserID
		} else {
			trade.BidOrderID = f.maker.OrderID
			trade.AskOrderID = order.ID
			trade.YesUserID = f.maker.UserID
			trade.NoUserID = order.UserID
		}
		if err := e.store.InsertTrade(tx, &trade); err != nil {
			return nil, nil, err
		}
		if err := e.store.UpsertPosition(tx, trade.YesUserID, order.RoundStart, f.qty, 0); err != nil {
			return nil, nil, err
		}
		if err := e.store.UpsertPosition(tx, trade.NoUserID, order.RoundStart, 0, f.qty); err != nil {
			return nil, nil, err
		}

		var maker ledger.Order
		if err := tx.First(&maker, "id = ?", f.maker.OrderID).Error; err != nil {
			return nil, nil, err
		}
		maker.FilledShares += f.qty
		maker.RemainingShares -= f.qty
		maker.Status = ledger.StatusPartiallyFilled
		if maker.RemainingShares == 0 {
			maker.Status = ledger.StatusFilled
		}
		if err := e.store.UpdateOrderFill(tx, maker.ID, maker.FilledShares, maker.RemainingShares, maker.Status); err != nil {
			return nil, nil, err
		}
		makerUpdates = append(makerUpdates, maker)

		// Execution at the maker's price; the taker reserved its own
		// price and gets the difference back.
		actual := exec
		if incoming == book.Ask {
			actual = 100 - exec
		}
		if order.CostPerShare > actual {
			refund := int64(order.CostPerShare-actual) * f.qty
			if err := e.store.CreditBalance(tx, order.UserID, refund); err != nil {
				return nil, nil, err
			}
		}

		order.FilledShares += f.qty
		order.RemainingShares -= f.qty
		trades = append(trades, trade)
	}

	switch {
	case order.RemainingShares == 0:
		order.Status = ledger.StatusFilled
	case order.OrderType == ledger.TypeLimit, order.OrderType == ledger.TypeStopLimit:
		order.Status = ledger.StatusOpen
		if order.FilledShares > 0 {
			order.Status = ledger.StatusPartiallyFilled
		}
	case order.OrderType == ledger.TypeMarketFOK:
		return nil, nil, fmt.Errorf("FOK residual after pre-check: %d shares", order.RemainingShares)
	default:
		order.Status = ledger.StatusCancelled
		refund := order.RemainingShares * int64(order.CostPerShare)
		if err := e.store.CreditBalance(tx, order.UserID, refund); err != nil {
			return nil, nil, err
		}
	}

	if order.FilledShares > 0 || order.Status != ledger.StatusOpen {
		if err := e.store.UpdateOrderFill(tx, order.ID, order.FilledShares, order.RemainingShares, order.Status); err != nil {
			return nil, nil, err
		}
	}
	return trades, makerUpdates, nil
}

// applyToBook replays a committed match onto the in-memory book. Caller
// holds the round lock.
func (e *Engine) applyToBook(r *round, order *ledger.Order, side book.Side, fills []fill) {
	for _, f := range fills {
		r.book.Fill(f.maker.OrderID, f.qty)
	}
	if order.RemainingShares > 0 &&
		(order.Status == ledger.StatusOpen || order.Status == ledger.StatusPartiallyFilled) {
		r.book.Insert(side, book.Entry{
			OrderID:      order.ID,
			UserID:       order.UserID,
			Price:        order.BookPrice,
			Remaining:    order.RemainingShares,
			CostPerShare: order.CostPerShare,
			CreatedAt:    order.CreatedAt,
		})
	}
}

// Cancel cancels a resting limit or parked stop-limit and refunds the
// unfilled reservation. Market orders execute synchronously and are never
// cancellable.
func (e *Engine) Cancel(userID int64, orderID string) (int64, error) {
	o, err := e.store.GetOrder(orderID)
	if err != nil {
		return 0, err
	}
	if o.UserID != userID {
		return 0, ErrOrderNotOwned
	}
	if o.OrderType != ledger.TypeLimit && o.OrderType != ledger.TypeStopLimit {
		return 0, ErrNotCancellable
	}
	r, ok := e.round(o.RoundStart)
	if !ok {
		return 0, ErrMarketNotFound
	}

	var pending []func(Events)
	r.mu.Lock()
	defer func() {
		r.mu.Unlock()
		for _, fn := range pending {
			e.emit(fn)
		}
	}()

	// Re-read under the round lock: a fill or trigger may have raced us.
	o, err = e.store.GetOrder(orderID)
	if err != nil {
		return 0, err
	}
	switch o.Status {
	case ledger.StatusOpen, ledger.StatusPartiallyFilled, ledger.StatusStopped:
	default:
		return 0, ErrNotCancellable
	}

	// Stopped orders never reserved balance, so there is nothing to refund.
	var refund int64
	if o.Status != ledger.StatusStopped {
		refund = o.RemainingShares * int64(o.CostPerShare)
	}

	err = e.store.Transaction(func(tx *gorm.DB) error {
		if err := e.store.CancelOrder(tx, orderID); err != nil {
			return err
		}
		if refund > 0 {
			return e.store.CreditBalance(tx, userID, refund)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	r.book.Remove(orderID)
	delete(r.stops, orderID)

	rs := o.RoundStart
	rf := refund
	pending = append(pending, func(ev Events) {
		ev.OnOrderCancelled(userID, orderID, rf, "")
		if rf > 0 {
			ev.OnBalanceUpdate(userID)
		}
		ev.OnBookChanged(rs)
	})
	return refund, nil
}
