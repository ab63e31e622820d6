package engine

import (
	"errors"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/Komaxor/btcupdown/internal/book"
	"github.com/Komaxor/btcupdown/internal/ledger"
	"github.com/Komaxor/btcupdown/internal/market"
)

// ═══════════════════════════════════════════════════════════════════════════════
// MATCHING ENGINE - per-round order placement, matching and settlement
// ═══════════════════════════════════════════════════════════════════════════════
//
// Multi-reader, single-writer per round: a per-round mutex serialises every
// mutation while gateway reads take book snapshots. One ledger transaction
// spans all fills of one incoming order, never more than one placement.
// Money is integer cents everywhere inside; the store converts at its edge.
//
// ═══════════════════════════════════════════════════════════════════════════════

// Business rejections surfaced to the client verbatim
var (
	ErrMarketNotFound     = errors.New("market not found")
	ErrMarketNotActive    = errors.New("market is not open for trading")
	ErrMarketNotProvision = errors.New("market is not in the provisioning window")
	ErrOrderNotOwned      = errors.New("order does not belong to you")
	ErrNotCancellable     = errors.New("order cannot be cancelled")
	ErrInvalidShares      = errors.New("shares must be a positive integer within the per-order limit")
	ErrInvalidPrice       = errors.New("price must be an integer between 1 and 99")
	ErrInvalidAmount      = errors.New("amount must be a positive whole number of dollars")
)

// Events receives engine notifications; the gateway fans them out.
// Callbacks run on the placing goroutine after the transaction commits.
type Events interface {
	OnOrderAccepted(order ledger.Order, trades []ledger.Trade)
	OnOrderUpdate(order ledger.Order)
	OnTrade(trade ledger.Trade)
	OnOrderCancelled(userID int64, orderID string, refundCents int64, reason string)
	OnBalanceUpdate(userID int64)
	OnSettlement(roundStart int64, outcome market.Outcome, payoutCents map[int64]int64)
	OnLiquidityAdded(userID int64, roundStart int64, amountCents int64)
	OnBookChanged(roundStart int64)
}

// round is one minute-market's live state
type round struct {
	mu    sync.Mutex
	start int64
	phase market.Phase
	book  *book.Book
	stops map[string]ledger.Order // parked stop-limits by order ID
}

// Engine owns all in-memory books and stop sets
type Engine struct {
	store     *ledger.Store
	maxShares int64

	mu     sync.RWMutex
	rounds map[int64]*round
	events Events
}

// New creates the engine over the ledger store
func New(store *ledger.Store, maxShares int64) *Engine {
	if maxShares <= 0 {
		maxShares = 1000
	}
	return &Engine{
		store:     store,
		maxShares: maxShares,
		rounds:    make(map[int64]*round),
	}
}

// SetEvents wires the push surface; must be called before trading starts
func (e *Engine) SetEvents(ev Events) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = ev
}

func (e *Engine) emit(fn func(ev Events)) {
	e.mu.RLock()
	ev := e.events
	e.mu.RUnlock()
	if ev != nil {
		fn(ev)
	}
}

func (e *Engine) round(roundStart int64) (*round, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	r, ok := e.rounds[roundStart]
	return r, ok
}

// InitRound creates the round's in-memory state, reloading any surviving
// orders from the store so time priority holds across a restart.
func (e *Engine) InitRound(roundStart int64) {
	e.mu.Lock()
	if _, ok := e.rounds[roundStart]; ok {
		e.mu.Unlock()
		return
	}
	r := &round{
		start: roundStart,
		phase: market.PhaseProvision,
		book:  book.New(),
		stops: make(map[string]ledger.Order),
	}
	e.rounds[roundStart] = r
	e.mu.Unlock()

	e.recoverRound(r)
}

// recoverRound reloads open and stopped orders after a restart. Fresh
// rounds have nothing persisted and the queries come back empty.
func (e *Engine) recoverRound(r *round) {
	open, err := e.store.GetOpenRoundOrders(r.start)
	if err != nil {
		log.Error().Err(err).Int64("round", r.start).Msg("open order recovery failed")
		return
	}
	stopped, err := e.store.GetStoppedRoundOrders(r.start)
	if err != nil {
		log.Error().Err(err).Int64("round", r.start).Msg("stop order recovery failed")
		return
	}
	if len(open) == 0 && len(stopped) == 0 {
		return
	}

	r.mu.Lock()
	for _, o := range open {
		// Rows come back in createdAt order; insertion order fixes priority.
		r.book.Insert(book.Side(o.BookSide), book.Entry{
			OrderID:      o.ID,
			UserID:       o.UserID,
			Price:        o.BookPrice,
			Remaining:    o.RemainingShares,
			CostPerShare: o.CostPerShare,
			CreatedAt:    o.CreatedAt,
		})
	}
	for _, o := range stopped {
		r.stops[o.ID] = o
	}
	r.mu.Unlock()

	log.Info().
		Int64("round", r.start).
		Int("open", len(open)).
		Int("stopped", len(stopped)).
		Msg("📦 Restored round orders from store")
}

// SetPhase records a lifecycle phase transition
func (e *Engine) SetPhase(roundStart int64, phase market.Phase) {
	r, ok := e.round(roundStart)
	if !ok {
		return
	}
	r.mu.Lock()
	r.phase = phase
	r.mu.Unlock()
}

// ClearRound drops a pruned round's in-memory state
func (e *Engine) ClearRound(roundStart int64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.rounds, roundStart)
}

// Depth returns the aggregated book snapshot for display
func (e *Engine) Depth(roundStart int64) (book.Snapshot, error) {
	r, ok := e.round(roundStart)
	if !ok {
		return book.Snapshot{}, ErrMarketNotFound
	}
	return r.book.Depth(), nil
}
