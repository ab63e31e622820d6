package engine

import (
	"path/filepath"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/Komaxor/btcupdown/internal/book"
	"github.com/Komaxor/btcupdown/internal/ledger"
	"github.com/Komaxor/btcupdown/internal/market"
)

const testRound = int64(1700000000 * 1000)

// eventLog records engine events for assertions
type eventLog struct {
	accepted   []ledger.Order
	trades     []ledger.Trade
	updates    []ledger.Order
	cancelled  []cancelEvent
	settled    []int64
	bookChange int
}

type cancelEvent struct {
	userID  int64
	orderID string
	refund  int64
	reason  string
}

func (l *eventLog) OnOrderAccepted(order ledger.Order, trades []ledger.Trade) {
	l.accepted = append(l.accepted, order)
}
func (l *eventLog) OnOrderUpdate(order ledger.Order) { l.updates = append(l.updates, order) }
func (l *eventLog) OnTrade(trade ledger.Trade)       { l.trades = append(l.trades, trade) }
func (l *eventLog) OnOrderCancelled(userID int64, orderID string, refund int64, reason string) {
	l.cancelled = append(l.cancelled, cancelEvent{userID, orderID, refund, reason})
}
func (l *eventLog) OnBalanceUpdate(userID int64) {}
func (l *eventLog) OnSettlement(roundStart int64, outcome market.Outcome, payouts map[int64]int64) {
	l.settled = append(l.settled, roundStart)
}
func (l *eventLog) OnLiquidityAdded(userID int64, roundStart int64, amountCents int64) {}
func (l *eventLog) OnBookChanged(roundStart int64)                                     { l.bookChange++ }

func newTestEngine(t *testing.T) (*Engine, *ledger.Store, *eventLog) {
	t.Helper()
	store, err := ledger.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)

	e := New(store, 1000)
	log := &eventLog{}
	e.SetEvents(log)

	for id := int64(1); id <= 3; id++ {
		require.NoError(t, store.UpsertUser(&ledger.User{ID: id}))
	}
	e.InitRound(testRound)
	e.SetPhase(testRound, market.PhaseActive)
	return e, store, log
}

func balance(t *testing.T, s *ledger.Store, userID int64) decimal.Decimal {
	t.Helper()
	b, err := s.GetBalance(userID)
	require.NoError(t, err)
	return b
}

func assertBalance(t *testing.T, s *ledger.Store, userID int64, want string) {
	t.Helper()
	b := balance(t, s, userID)
	assert.True(t, b.Equal(decimal.RequireFromString(want)), "user %d balance: got %s want %s", userID, b, want)
}

func limit(user int64, side, outcome string, price int, shares int64) PlaceRequest {
	return PlaceRequest{
		UserID: user, RoundStart: testRound, OrderType: ledger.TypeLimit,
		Side: side, Outcome: outcome, Price: price, Shares: shares,
	}
}

// A resting buy-yes bid at 50 is hit by a sell-yes at 40: execution at the
// maker's 50, the seller's over-reservation refunded.
func TestLimitCrossesWithImprovement(t *testing.T) {
	e, store, _ := newTestEngine(t)

	res1, err := e.Place(limit(1, ledger.SideBuy, ledger.OutcomeYes, 50, 10))
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusOpen, res1.Order.Status)
	assertBalance(t, store, 1, "995.00") // 10 x 50c reserved

	res2, err := e.Place(limit(2, ledger.SideSell, ledger.OutcomeYes, 40, 6))
	require.NoError(t, err)
	require.Len(t, res2.Trades, 1)
	trade := res2.Trades[0]
	assert.Equal(t, 50, trade.ExecPrice) // maker price
	assert.Equal(t, int64(6), trade.Shares)
	assert.Equal(t, int64(1), trade.YesUserID)
	assert.Equal(t, int64(2), trade.NoUserID)
	assert.Equal(t, ledger.StatusFilled, res2.Order.Status)

	// Seller reserved (100-40)*6 = $3.60, actually paid (100-50)*6 = $3.00.
	assertBalance(t, store, 2, "997.00")
	assertBalance(t, store, 1, "995.00") // maker keeps its own price

	p1, err := store.GetPosition(1, testRound)
	require.NoError(t, err)
	assert.Equal(t, int64(6), p1.YesShares)
	p2, err := store.GetPosition(2, testRound)
	require.NoError(t, err)
	assert.Equal(t, int64(6), p2.NoShares)

	snap, err := e.Depth(testRound)
	require.NoError(t, err)
	require.Len(t, snap.Bids, 1)
	assert.Equal(t, book.Level{Price: 50, Shares: 4}, snap.Bids[0])

	maker, err := store.GetOrder(res1.Order.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusPartiallyFilled, maker.Status)
	assert.Equal(t, int64(6), maker.FilledShares)
	assert.Equal(t, int64(4), maker.RemainingShares)
}

func TestFOKInsufficientLiquidity(t *testing.T) {
	e, store, _ := newTestEngine(t)

	_, err := e.Place(limit(2, ledger.SideSell, ledger.OutcomeYes, 60, 10))
	require.NoError(t, err)
	_, err = e.Place(limit(3, ledger.SideSell, ledger.OutcomeYes, 61, 5))
	require.NoError(t, err)

	before := balance(t, store, 1)
	_, err = e.Place(PlaceRequest{
		UserID: 1, RoundStart: testRound, OrderType: ledger.TypeMarketFOK,
		Side: ledger.SideBuy, Outcome: ledger.OutcomeYes, Shares: 20,
	})
	require.Error(t, err)
	assert.EqualError(t, err, "Insufficient liquidity: 15 shares available, need 20")

	// No state change at all.
	assert.True(t, balance(t, store, 1).Equal(before))
	orders, err := store.GetUserOrders(1, "all", testRound)
	require.NoError(t, err)
	assert.Empty(t, orders)
}

func TestFOKFillsWhenCovered(t *testing.T) {
	e, store, _ := newTestEngine(t)

	_, err := e.Place(limit(2, ledger.SideSell, ledger.OutcomeYes, 60, 10))
	require.NoError(t, err)
	_, err = e.Place(limit(3, ledger.SideSell, ledger.OutcomeYes, 61, 5))
	require.NoError(t, err)

	res, err := e.Place(PlaceRequest{
		UserID: 1, RoundStart: testRound, OrderType: ledger.TypeMarketFOK,
		Side: ledger.SideBuy, Outcome: ledger.OutcomeYes, Shares: 12,
	})
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusFilled, res.Order.Status)
	require.Len(t, res.Trades, 2)
	assert.Equal(t, 60, res.Trades[0].ExecPrice)
	assert.Equal(t, int64(10), res.Trades[0].Shares)
	assert.Equal(t, 61, res.Trades[1].ExecPrice)
	assert.Equal(t, int64(2), res.Trades[1].Shares)

	// Reserved 12 x 99c, paid 10x60 + 2x61 = $7.22.
	assertBalance(t, store, 1, "992.78")
}

func TestSelfTradePrevention(t *testing.T) {
	e, store, _ := newTestEngine(t)

	rest, err := e.Place(limit(1, ledger.SideSell, ledger.OutcomeYes, 40, 5))
	require.NoError(t, err)
	after := balance(t, store, 1)

	res, err := e.Place(PlaceRequest{
		UserID: 1, RoundStart: testRound, OrderType: ledger.TypeMarketFAK,
		Side: ledger.SideBuy, Outcome: ledger.OutcomeYes, Shares: 5,
	})
	require.NoError(t, err)
	assert.Empty(t, res.Trades)
	assert.Equal(t, ledger.StatusCancelled, res.Order.Status)

	// FAK reservation fully refunded; resting own ask untouched.
	assert.True(t, balance(t, store, 1).Equal(after))
	o, err := store.GetOrder(rest.Order.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusOpen, o.Status)
	snap, err := e.Depth(testRound)
	require.NoError(t, err)
	require.Len(t, snap.Asks, 1)
	assert.Equal(t, book.Level{Price: 40, Shares: 5}, snap.Asks[0])
}

func TestFAKPartialFillCancelsResidual(t *testing.T) {
	e, store, _ := newTestEngine(t)

	_, err := e.Place(limit(2, ledger.SideSell, ledger.OutcomeYes, 55, 3))
	require.NoError(t, err)

	res, err := e.Place(PlaceRequest{
		UserID: 1, RoundStart: testRound, OrderType: ledger.TypeMarketFAK,
		Side: ledger.SideBuy, Outcome: ledger.OutcomeYes, Shares: 10,
	})
	require.NoError(t, err)
	require.Len(t, res.Trades, 1)
	assert.Equal(t, int64(3), res.Trades[0].Shares)
	assert.Equal(t, ledger.StatusCancelled, res.Order.Status)
	assert.Equal(t, int64(3), res.Order.FilledShares)

	// Paid 3 x 55c; everything else refunded.
	assertBalance(t, store, 1, "998.35")
}

func TestStopLimitTriggersOnBestBid(t *testing.T) {
	e, store, _ := newTestEngine(t)

	res, err := e.Place(PlaceRequest{
		UserID: 1, RoundStart: testRound, OrderType: ledger.TypeStopLimit,
		Side: ledger.SideSell, Outcome: ledger.OutcomeYes, Price: 25, StopPrice: 30, Shares: 10,
	})
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusStopped, res.Order.Status)
	assertBalance(t, store, 1, "1000.00") // nothing reserved while parked

	// A bid resting at 30 trips the stop; the triggered ask at 25 then
	// crosses it at the bid's price.
	_, err = e.Place(limit(2, ledger.SideBuy, ledger.OutcomeYes, 30, 4))
	require.NoError(t, err)

	o, err := store.GetOrder(res.Order.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusPartiallyFilled, o.Status)
	assert.Equal(t, int64(4), o.FilledShares)

	// Deducted (100-25)*10 = $7.50, refunded (75-70)*4 = $0.20.
	assertBalance(t, store, 1, "992.70")
	assertBalance(t, store, 2, "998.80")

	p2, err := store.GetPosition(2, testRound)
	require.NoError(t, err)
	assert.Equal(t, int64(4), p2.YesShares)
	p1, err := store.GetPosition(1, testRound)
	require.NoError(t, err)
	assert.Equal(t, int64(4), p1.NoShares)

	// Residual 6 shares rest at ask 25.
	snap, err := e.Depth(testRound)
	require.NoError(t, err)
	require.Len(t, snap.Asks, 1)
	assert.Equal(t, book.Level{Price: 25, Shares: 6}, snap.Asks[0])
}

func TestStopLimitInsufficientAtTrigger(t *testing.T) {
	e, store, events := newTestEngine(t)

	// Drain user 1 to under the (100-25)*10 = $7.50 the trigger needs.
	require.NoError(t, store.Transaction(func(tx *gorm.DB) error {
		return store.DeductBalance(tx, 1, 99500)
	}))

	res, err := e.Place(PlaceRequest{
		UserID: 1, RoundStart: testRound, OrderType: ledger.TypeStopLimit,
		Side: ledger.SideSell, Outcome: ledger.OutcomeYes, Price: 25, StopPrice: 30, Shares: 10,
	})
	require.NoError(t, err)

	_, err = e.Place(limit(2, ledger.SideBuy, ledger.OutcomeYes, 30, 4))
	require.NoError(t, err)

	o, err := store.GetOrder(res.Order.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusCancelled, o.Status)
	assertBalance(t, store, 1, "5.00")

	require.NotEmpty(t, events.cancelled)
	last := events.cancelled[len(events.cancelled)-1]
	assert.Equal(t, res.Order.ID, last.orderID)
	assert.Equal(t, int64(0), last.refund)
	assert.Equal(t, "Insufficient balance at trigger", last.reason)
}

func TestCancelRefundsRemaining(t *testing.T) {
	e, store, _ := newTestEngine(t)

	res, err := e.Place(limit(1, ledger.SideBuy, ledger.OutcomeYes, 50, 10))
	require.NoError(t, err)
	assertBalance(t, store, 1, "995.00")

	refund, err := e.Cancel(1, res.Order.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(500), refund)
	assertBalance(t, store, 1, "1000.00")

	o, err := store.GetOrder(res.Order.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusCancelled, o.Status)

	_, err = e.Cancel(1, res.Order.ID)
	assert.ErrorIs(t, err, ErrNotCancellable)

	snap, err := e.Depth(testRound)
	require.NoError(t, err)
	assert.Empty(t, snap.Bids)
}

func TestCancelStoppedRefundsNothing(t *testing.T) {
	e, store, _ := newTestEngine(t)

	res, err := e.Place(PlaceRequest{
		UserID: 1, RoundStart: testRound, OrderType: ledger.TypeStopLimit,
		Side: ledger.SideBuy, Outcome: ledger.OutcomeYes, Price: 40, StopPrice: 35, Shares: 10,
	})
	require.NoError(t, err)

	refund, err := e.Cancel(1, res.Order.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(0), refund)
	assertBalance(t, store, 1, "1000.00")
}

func TestCancelOwnership(t *testing.T) {
	e, _, _ := newTestEngine(t)

	res, err := e.Place(limit(1, ledger.SideBuy, ledger.OutcomeYes, 50, 10))
	require.NoError(t, err)

	_, err = e.Cancel(2, res.Order.ID)
	assert.ErrorIs(t, err, ErrOrderNotOwned)
}

func TestSettlementPaysWinnersAndRefunds(t *testing.T) {
	e, store, events := newTestEngine(t)

	// Resting bid keeps $2.00 reserved; parked stop reserved nothing.
	_, err := e.Place(limit(1, ledger.SideBuy, ledger.OutcomeYes, 20, 10))
	require.NoError(t, err)
	_, err = e.Place(PlaceRequest{
		UserID: 2, RoundStart: testRound, OrderType: ledger.TypeStopLimit,
		Side: ledger.SideSell, Outcome: ledger.OutcomeYes, Price: 25, StopPrice: 10, Shares: 5,
	})
	require.NoError(t, err)

	require.NoError(t, store.Transaction(func(tx *gorm.DB) error {
		if err := store.UpsertPosition(tx, 1, testRound, 4, 6); err != nil {
			return err
		}
		return store.UpsertPosition(tx, 2, testRound, 6, 4)
	}))

	require.NoError(t, e.SettleRound(testRound, market.OutcomeUp))

	// U1: 1000 - 2 reserved + 2 refund + 4 payout; U2: 1000 + 6 payout.
	assertBalance(t, store, 1, "1004.00")
	assertBalance(t, store, 2, "1006.00")

	open, err := store.GetOpenRoundOrders(testRound)
	require.NoError(t, err)
	assert.Empty(t, open)
	stopped, err := store.GetStoppedRoundOrders(testRound)
	require.NoError(t, err)
	assert.Empty(t, stopped)

	snap, err := e.Depth(testRound)
	require.NoError(t, err)
	assert.Empty(t, snap.Bids)
	assert.Empty(t, snap.Asks)

	assert.Equal(t, []int64{testRound}, events.settled)

	// The round is closed; further placements are rejected.
	_, err = e.Place(limit(3, ledger.SideBuy, ledger.OutcomeYes, 50, 1))
	assert.ErrorIs(t, err, ErrMarketNotActive)
}

func TestLiquidityProvision(t *testing.T) {
	e, store, _ := newTestEngine(t)

	next := testRound + 60_000
	e.InitRound(next)

	require.NoError(t, e.AddLiquidity(1, next, 25))
	assertBalance(t, store, 1, "975.00")

	pos, err := store.GetPosition(1, next)
	require.NoError(t, err)
	assert.Equal(t, int64(25), pos.YesShares)
	assert.Equal(t, int64(25), pos.NoShares)

	total, err := store.GetTotalLiquidity(next)
	require.NoError(t, err)
	assert.True(t, total.Equal(decimal.NewFromInt(25)))

	// Only the provisioning window mints shares.
	err = e.AddLiquidity(1, testRound, 10)
	assert.ErrorIs(t, err, ErrMarketNotProvision)
}

func TestPlacementValidation(t *testing.T) {
	e, _, _ := newTestEngine(t)

	_, err := e.Place(limit(1, ledger.SideBuy, ledger.OutcomeYes, 0, 10))
	assert.ErrorIs(t, err, ErrInvalidPrice)
	_, err = e.Place(limit(1, ledger.SideBuy, ledger.OutcomeYes, 100, 10))
	assert.ErrorIs(t, err, ErrInvalidPrice)
	_, err = e.Place(limit(1, ledger.SideBuy, ledger.OutcomeYes, 50, 0))
	assert.ErrorIs(t, err, ErrInvalidShares)
	_, err = e.Place(limit(1, ledger.SideBuy, ledger.OutcomeYes, 50, 1001))
	assert.ErrorIs(t, err, ErrInvalidShares)
	_, err = e.Place(limit(1, "hold", ledger.OutcomeYes, 50, 10))
	assert.Error(t, err)
	_, err = e.Place(PlaceRequest{
		UserID: 1, RoundStart: testRound + 60_000, OrderType: ledger.TypeLimit,
		Side: ledger.SideBuy, Outcome: ledger.OutcomeYes, Price: 50, Shares: 1,
	})
	assert.ErrorIs(t, err, ErrMarketNotFound)
}

func TestInsufficientBalanceOnPlacement(t *testing.T) {
	e, store, _ := newTestEngine(t)

	require.NoError(t, store.Transaction(func(tx *gorm.DB) error {
		return store.DeductBalance(tx, 1, 99900) // leave $1.00
	}))

	_, err := e.Place(limit(1, ledger.SideBuy, ledger.OutcomeYes, 50, 10))
	assert.ErrorIs(t, err, ledger.ErrInsufficientBalance)

	orders, err := store.GetUserOrders(1, "all", testRound)
	require.NoError(t, err)
	assert.Empty(t, orders)
}

// Buy-no orders land on the ask side of the YES book and match buy-yes
// bids directly.
func TestBuyNoMatchesBuyYes(t *testing.T) {
	e, store, _ := newTestEngine(t)

	_, err := e.Place(limit(1, ledger.SideBuy, ledger.OutcomeYes, 60, 10))
	require.NoError(t, err)

	// Buy no at 40 = ask at 100-40 = 60 on the YES scale.
	res, err := e.Place(limit(2, ledger.SideBuy, ledger.OutcomeNo, 40, 10))
	require.NoError(t, err)
	require.Len(t, res.Trades, 1)
	assert.Equal(t, 60, res.Trades[0].ExecPrice)
	assert.Equal(t, int64(1), res.Trades[0].YesUserID)
	assert.Equal(t, int64(2), res.Trades[0].NoUserID)

	assertBalance(t, store, 1, "994.00") // 10 x 60c
	assertBalance(t, store, 2, "996.00") // 10 x 40c, no improvement
}

func TestRecoveryReloadsOrders(t *testing.T) {
	e, store, _ := newTestEngine(t)

	first, err := e.Place(limit(1, ledger.SideBuy, ledger.OutcomeYes, 50, 10))
	require.NoError(t, err)
	_, err = e.Place(limit(2, ledger.SideBuy, ledger.OutcomeYes, 50, 5))
	require.NoError(t, err)
	_, err = e.Place(PlaceRequest{
		UserID: 3, RoundStart: testRound, OrderType: ledger.TypeStopLimit,
		Side: ledger.SideSell, Outcome: ledger.OutcomeYes, Price: 25, StopPrice: 30, Shares: 5,
	})
	require.NoError(t, err)

	// Fresh engine over the same store, as after a restart.
	e2 := New(store, 1000)
	e2.InitRound(testRound)
	e2.SetPhase(testRound, market.PhaseActive)

	snap, err := e2.Depth(testRound)
	require.NoError(t, err)
	require.Len(t, snap.Bids, 1)
	assert.Equal(t, book.Level{Price: 50, Shares: 15}, snap.Bids[0])

	// Time priority survives the reload: a crossing sell hits user 1's
	// earlier order first.
	res, err := e2.Place(limit(3, ledger.SideSell, ledger.OutcomeYes, 50, 10))
	require.NoError(t, err)
	require.Len(t, res.Trades, 1)
	assert.Equal(t, first.Order.ID, res.Trades[0].BidOrderID)
	assert.Equal(t, int64(10), res.Trades[0].Shares)
}
