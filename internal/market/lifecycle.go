package market

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/Komaxor/btcupdown/internal/aggregator"
)

// ═══════════════════════════════════════════════════════════════════════════════
// ROUND LIFECYCLE CONTROLLER - settle → activate → provision → prune
// ═══════════════════════════════════════════════════════════════════════════════
//
// Single writer over the markets map. A timer armed at the next minute
// boundary drives the roll; a 500ms tick is kept as a safety net. The
// boundary action is guarded against reentrancy so overlapping ticks no-op.
//
// ═══════════════════════════════════════════════════════════════════════════════

const safetyTick = 500 * time.Millisecond

// PriceSource yields the latest reference price
type PriceSource interface {
	Latest() aggregator.AggregatedPrice
}

// Engine is the matching engine surface the controller drives
type Engine interface {
	InitRound(roundStart int64)
	SetPhase(roundStart int64, phase Phase)
	SettleRound(roundStart int64, outcome Outcome) error
	ClearRound(roundStart int64)
}

// Store persists market rows
type Store interface {
	UpsertMarket(roundStart int64, slug string) error
	ActivateMarket(roundStart int64, priceToBeat decimal.Decimal) error
	SettleMarket(roundStart int64, finalPrice decimal.Decimal, outcome Outcome) error
}

// Events receives controller notifications for client fan-out
type Events interface {
	OnPhaseChange(m Market)
	OnMarketList(markets []Market)
	OnRoundRolled(roundStart int64)
}

// Controller owns all market phase transitions
type Controller struct {
	agg    PriceSource
	engine Engine
	store  Store
	events Events

	mu           sync.RWMutex
	markets      map[int64]*Market
	currentRound int64

	inBoundary atomic.Bool // reentrancy guard for the roll action

	running bool
	stopCh  chan struct{}
}

// NewController creates the lifecycle controller
func NewController(agg PriceSource, engine Engine, store Store, events Events) *Controller {
	return &Controller{
		agg:     agg,
		engine:  engine,
		store:   store,
		events:  events,
		markets: make(map[int64]*Market),
		stopCh:  make(chan struct{}),
	}
}

// SetEvents wires the event sink; must be called before Start
func (c *Controller) SetEvents(ev Events) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = ev
}

// Start seeds the current + future provision markets and begins ticking
func (c *Controller) Start() {
	now := time.Now()
	m0 := MinuteStart(now)

	c.mu.Lock()
	c.currentRound = m0
	for i := int64(0); i <= int64(ProvisionLead/RoundDuration); i++ {
		rs := m0 + i*RoundDuration.Milliseconds()
		c.markets[rs] = NewProvisionMarket(rs)
		c.engine.InitRound(rs)
		if err := c.store.UpsertMarket(rs, Slug(rs)); err != nil {
			log.Warn().Err(err).Str("slug", Slug(rs)).Msg("market persist failed")
		}
	}
	c.running = true
	c.mu.Unlock()

	go c.run()
	log.Info().Str("slug", Slug(m0)).Msg("🕐 Round lifecycle controller started")
}

// Stop stops the controller
func (c *Controller) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.running {
		return
	}
	c.running = false
	close(c.stopCh)
}

func (c *Controller) run() {
	ticker := time.NewTicker(safetyTick)
	defer ticker.Stop()

	boundary := time.NewTimer(time.Until(nextMinute(time.Now())))
	defer boundary.Stop()

	for {
		select {
		case <-c.stopCh:
			return
		case <-boundary.C:
			c.Tick(time.Now())
			boundary.Reset(time.Until(nextMinute(time.Now())))
		case <-ticker.C:
			c.Tick(time.Now())
		}
	}
}

func nextMinute(now time.Time) time.Time {
	return now.UTC().Truncate(time.Minute).Add(time.Minute)
}

// Tick runs one controller step. Exported for tests; no-op until the
// aggregator has produced a reference price.
func (c *Controller) Tick(now time.Time) {
	latest := c.agg.Latest()
	if latest.Price == nil {
		return
	}

	m := MinuteStart(now)

	c.mu.Lock()
	current := c.markets[c.currentRound]
	c.mu.Unlock()

	// Activation can lag the minute start when no price existed at the
	// boundary; catch up on the next tick.
	if current != nil && current.Phase == PhaseProvision {
		c.activate(current, *latest.Price)
	}

	if m > c.currentRoundStart() {
		if !c.inBoundary.CompareAndSwap(false, true) {
			return
		}
		defer c.inBoundary.Store(false)
		c.rollBoundary(m, *latest.Price)
	}
}

func (c *Controller) currentRoundStart() int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.currentRound
}

// activate fixes the price to beat exactly once and opens trading
func (c *Controller) activate(m *Market, price decimal.Decimal) {
	c.mu.Lock()
	if m.Phase != PhaseProvision {
		c.mu.Unlock()
		return
	}
	for _, other := range c.markets {
		if other.Phase == PhaseActive {
			// Single-active invariant; this is an internal error, not a
			// user-visible state.
			log.Error().Str("active", other.Slug).Str("next", m.Slug).Msg("second active market detected")
			c.mu.Unlock()
			return
		}
	}
	p := price
	m.PriceToBeat = &p
	m.Phase = PhaseActive
	snapshot := *m
	c.mu.Unlock()

	c.engine.SetPhase(m.RoundStart, PhaseActive)
	if err := c.store.ActivateMarket(m.RoundStart, price); err != nil {
		log.Warn().Err(err).Str("slug", m.Slug).Msg("price to beat persist failed")
	}

	log.Info().Str("slug", m.Slug).Str("price_to_beat", price.StringFixed(2)).Msg("🟢 Market active")
	if c.events != nil {
		c.events.OnPhaseChange(snapshot)
	}
}

// rollBoundary settles the expiring round, activates the new one with the
// same reference price, provisions the future round, and prunes the old.
func (c *Controller) rollBoundary(m int64, price decimal.Decimal) {
	c.mu.Lock()
	expiring := c.markets[c.currentRound]
	c.mu.Unlock()

	// 1. Settle the expiring market: close of previous = open of next.
	if expiring != nil && expiring.Phase == PhaseActive {
		outcome := OutcomeDown
		if price.GreaterThanOrEqual(*expiring.PriceToBeat) {
			outcome = OutcomeUp
		}

		c.mu.Lock()
		p := price
		expiring.FinalPrice = &p
		expiring.Outcome = outcome
		expiring.Phase = PhaseClosed
		settled := *expiring
		c.mu.Unlock()

		if err := c.store.SettleMarket(expiring.RoundStart, price, outcome); err != nil {
			log.Error().Err(err).Str("slug", expiring.Slug).Msg("market outcome persist failed")
		}
		if err := c.engine.SettleRound(expiring.RoundStart, outcome); err != nil {
			log.Error().Err(err).Str("slug", expiring.Slug).Msg("round settlement failed")
		}

		log.Info().
			Str("slug", settled.Slug).
			Str("final", price.StringFixed(2)).
			Str("outcome", string(outcome)).
			Msg("🏁 Market settled")
		if c.events != nil {
			c.events.OnPhaseChange(settled)
		}
	}

	// 2. Activate the market at the new minute.
	c.mu.Lock()
	next, ok := c.markets[m]
	if !ok {
		// Tick stall skipped a minute; create the round late.
		next = NewProvisionMarket(m)
		c.markets[m] = next
		c.engine.InitRound(m)
		if err := c.store.UpsertMarket(m, Slug(m)); err != nil {
			log.Warn().Err(err).Msg("market persist failed")
		}
	}
	c.currentRound = m
	c.mu.Unlock()

	c.activate(next, price)

	// 3. Provision the round five minutes out.
	future := m + ProvisionLead.Milliseconds()
	c.mu.Lock()
	if _, ok := c.markets[future]; !ok {
		c.markets[future] = NewProvisionMarket(future)
		c.engine.InitRound(future)
		if err := c.store.UpsertMarket(future, Slug(future)); err != nil {
			log.Warn().Err(err).Msg("market persist failed")
		}
	}

	// 4. Prune markets closed more than PruneAge ago.
	pruneBefore := m - RoundDuration.Milliseconds() - PruneAge.Milliseconds()
	var pruned []int64
	for rs, mk := range c.markets {
		if mk.Phase == PhaseClosed && rs < pruneBefore {
			delete(c.markets, rs)
			pruned = append(pruned, rs)
		}
	}
	c.mu.Unlock()

	for _, rs := range pruned {
		c.engine.ClearRound(rs)
	}

	// 5. Broadcast the fresh market list and the empty book of the new round.
	if c.events != nil {
		c.events.OnMarketList(c.Markets())
		c.events.OnRoundRolled(m)
	}
}

// Markets returns an ordered snapshot of all in-memory markets
func (c *Controller) Markets() []Market {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]Market, 0, len(c.markets))
	for _, m := range c.markets {
		out = append(out, *m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RoundStart < out[j].RoundStart })
	return out
}

// Get looks up a market by slug
func (c *Controller) Get(slug string) (Market, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, m := range c.markets {
		if m.Slug == slug {
			return *m, true
		}
	}
	return Market{}, false
}

// GetByRound looks up a market by round start
func (c *Controller) GetByRound(roundStart int64) (Market, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if m, ok := c.markets[roundStart]; ok {
		return *m, true
	}
	return Market{}, false
}

// Current returns the market at the current round start
func (c *Controller) Current() (Market, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if m, ok := c.markets[c.currentRound]; ok {
		return *m, true
	}
	return Market{}, false
}
