package market

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Komaxor/btcupdown/internal/aggregator"
)

type fakeSource struct {
	price *decimal.Decimal
}

func (f *fakeSource) setPrice(p string) {
	d := decimal.RequireFromString(p)
	f.price = &d
}

func (f *fakeSource) Latest() aggregator.AggregatedPrice {
	return aggregator.AggregatedPrice{Price: f.price, Sources: 1, Timestamp: time.Now()}
}

type settleCall struct {
	roundStart int64
	outcome    Outcome
}

type fakeEngine struct {
	inited  []int64
	phases  map[int64]Phase
	settled []settleCall
	cleared []int64
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{phases: make(map[int64]Phase)}
}

func (f *fakeEngine) InitRound(rs int64)         { f.inited = append(f.inited, rs) }
func (f *fakeEngine) SetPhase(rs int64, p Phase) { f.phases[rs] = p }
func (f *fakeEngine) ClearRound(rs int64)        { f.cleared = append(f.cleared, rs) }

func (f *fakeEngine) SettleRound(rs int64, o Outcome) error {
	f.settled = append(f.settled, settleCall{rs, o})
	return nil
}

type fakeStore struct {
	upserted  map[int64]string
	activated map[int64]decimal.Decimal
	settledAt map[int64]decimal.Decimal
	outcomes  map[int64]Outcome
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		upserted:  make(map[int64]string),
		activated: make(map[int64]decimal.Decimal),
		settledAt: make(map[int64]decimal.Decimal),
		outcomes:  make(map[int64]Outcome),
	}
}

func (f *fakeStore) UpsertMarket(rs int64, slug string) error {
	f.upserted[rs] = slug
	return nil
}

func (f *fakeStore) ActivateMarket(rs int64, ptb decimal.Decimal) error {
	f.activated[rs] = ptb
	return nil
}

func (f *fakeStore) SettleMarket(rs int64, final decimal.Decimal, o Outcome) error {
	f.settledAt[rs] = final
	f.outcomes[rs] = o
	return nil
}

type fakeEvents struct {
	phaseChanges []Market
	lists        [][]Market
	rolled       []int64
}

func (f *fakeEvents) OnPhaseChange(m Market)   { f.phaseChanges = append(f.phaseChanges, m) }
func (f *fakeEvents) OnMarketList(ms []Market) { f.lists = append(f.lists, ms) }
func (f *fakeEvents) OnRoundRolled(rs int64)   { f.rolled = append(f.rolled, rs) }

// seed replicates Start's market setup at a fixed minute without the
// background goroutine.
func seed(c *Controller, t0 int64) {
	c.mu.Lock()
	c.currentRound = t0
	for i := int64(0); i <= int64(ProvisionLead/RoundDuration); i++ {
		rs := t0 + i*RoundDuration.Milliseconds()
		c.markets[rs] = NewProvisionMarket(rs)
		c.engine.InitRound(rs)
		_ = c.store.UpsertMarket(rs, Slug(rs))
	}
	c.mu.Unlock()
}

func testMinute(t *testing.T) (int64, time.Time) {
	t.Helper()
	base := time.Date(2026, 3, 14, 15, 9, 0, 0, time.UTC)
	return base.UnixMilli(), base
}

func TestActivationWaitsForFirstPrice(t *testing.T) {
	src := &fakeSource{}
	eng := newFakeEngine()
	st := newFakeStore()
	ev := &fakeEvents{}
	c := NewController(src, eng, st, ev)

	t0, base := testMinute(t)
	seed(c, t0)

	// No reference price yet: the current round stays in provision.
	c.Tick(base.Add(2 * time.Second))
	cur, ok := c.Current()
	require.True(t, ok)
	assert.Equal(t, PhaseProvision, cur.Phase)
	assert.Nil(t, cur.PriceToBeat)
	assert.Empty(t, ev.phaseChanges)

	// First price arrives mid-minute: the round activates late.
	src.setPrice("100000.00")
	c.Tick(base.Add(10 * time.Second))

	cur, ok = c.Current()
	require.True(t, ok)
	assert.Equal(t, PhaseActive, cur.Phase)
	require.NotNil(t, cur.PriceToBeat)
	assert.Equal(t, "100000.00", cur.PriceToBeat.StringFixed(2))
	assert.Equal(t, PhaseActive, eng.phases[t0])
	assert.Equal(t, "100000", st.activated[t0].String())

	require.Len(t, ev.phaseChanges, 1)
	assert.Equal(t, PhaseActive, ev.phaseChanges[0].Phase)
}

func TestPriceToBeatFixedOnce(t *testing.T) {
	src := &fakeSource{}
	eng := newFakeEngine()
	st := newFakeStore()
	c := NewController(src, eng, st, &fakeEvents{})

	t0, base := testMinute(t)
	seed(c, t0)

	src.setPrice("100000.00")
	c.Tick(base.Add(time.Second))

	// Later prices within the minute must not move the price to beat.
	src.setPrice("100250.00")
	c.Tick(base.Add(30 * time.Second))

	cur, _ := c.Current()
	assert.Equal(t, "100000.00", cur.PriceToBeat.StringFixed(2))
}

func TestRollSettlesAndActivatesWithSamePrice(t *testing.T) {
	src := &fakeSource{}
	eng := newFakeEngine()
	st := newFakeStore()
	ev := &fakeEvents{}
	c := NewController(src, eng, st, ev)

	t0, base := testMinute(t)
	t1 := t0 + RoundDuration.Milliseconds()
	seed(c, t0)

	src.setPrice("100000.00")
	c.Tick(base.Add(time.Second))

	// Cross the boundary with a higher price: the expiring round resolves
	// up and its final price becomes the next round's price to beat.
	src.setPrice("100042.50")
	c.Tick(base.Add(RoundDuration + time.Second))

	prev, ok := c.GetByRound(t0)
	require.True(t, ok)
	assert.Equal(t, PhaseClosed, prev.Phase)
	require.NotNil(t, prev.FinalPrice)
	assert.Equal(t, "100042.50", prev.FinalPrice.StringFixed(2))
	assert.Equal(t, OutcomeUp, prev.Outcome)

	cur, ok := c.Current()
	require.True(t, ok)
	assert.Equal(t, t1, cur.RoundStart)
	assert.Equal(t, PhaseActive, cur.Phase)
	require.NotNil(t, cur.PriceToBeat)
	assert.Equal(t, prev.FinalPrice.StringFixed(2), cur.PriceToBeat.StringFixed(2))

	require.Len(t, eng.settled, 1)
	assert.Equal(t, settleCall{t0, OutcomeUp}, eng.settled[0])
	assert.Equal(t, OutcomeUp, st.outcomes[t0])

	// A new provision round was minted five minutes out.
	future := t1 + ProvisionLead.Milliseconds()
	fm, ok := c.GetByRound(future)
	require.True(t, ok)
	assert.Equal(t, PhaseProvision, fm.Phase)

	require.Len(t, ev.rolled, 1)
	assert.Equal(t, t1, ev.rolled[0])
	require.Len(t, ev.lists, 1)
}

func TestEqualPriceResolvesUp(t *testing.T) {
	src := &fakeSource{}
	eng := newFakeEngine()
	c := NewController(src, eng, newFakeStore(), &fakeEvents{})

	t0, base := testMinute(t)
	seed(c, t0)

	src.setPrice("100000.00")
	c.Tick(base.Add(time.Second))
	c.Tick(base.Add(RoundDuration + time.Second))

	prev, _ := c.GetByRound(t0)
	assert.Equal(t, OutcomeUp, prev.Outcome)
}

func TestLowerPriceResolvesDown(t *testing.T) {
	src := &fakeSource{}
	eng := newFakeEngine()
	c := NewController(src, eng, newFakeStore(), &fakeEvents{})

	t0, base := testMinute(t)
	seed(c, t0)

	src.setPrice("100000.00")
	c.Tick(base.Add(time.Second))
	src.setPrice("99999.99")
	c.Tick(base.Add(RoundDuration + time.Second))

	prev, _ := c.GetByRound(t0)
	assert.Equal(t, OutcomeDown, prev.Outcome)
	require.Len(t, eng.settled, 1)
	assert.Equal(t, OutcomeDown, eng.settled[0].outcome)
}

func TestClosedRoundsPruned(t *testing.T) {
	src := &fakeSource{}
	eng := newFakeEngine()
	c := NewController(src, eng, newFakeStore(), &fakeEvents{})

	t0, base := testMinute(t)
	seed(c, t0)
	src.setPrice("100000.00")
	c.Tick(base.Add(time.Second))

	// Walk forward minute by minute until the first round ages out.
	minutes := int64((PruneAge+RoundDuration)/RoundDuration) + 2
	for i := int64(1); i <= minutes; i++ {
		c.Tick(base.Add(time.Duration(i)*RoundDuration + time.Second))
	}

	_, ok := c.GetByRound(t0)
	assert.False(t, ok, "settled round should be pruned after the retention window")
	assert.Contains(t, eng.cleared, t0)

	// The live round and future provision rounds survive.
	cur, ok := c.Current()
	require.True(t, ok)
	assert.Equal(t, PhaseActive, cur.Phase)
}

func TestMarketsSortedAndSlugged(t *testing.T) {
	src := &fakeSource{}
	c := NewController(src, newFakeEngine(), newFakeStore(), &fakeEvents{})

	t0, _ := testMinute(t)
	seed(c, t0)

	ms := c.Markets()
	require.Len(t, ms, int(ProvisionLead/RoundDuration)+1)
	for i := 1; i < len(ms); i++ {
		assert.Less(t, ms[i-1].RoundStart, ms[i].RoundStart)
	}
	assert.Equal(t, "btc-20260314-1509", ms[0].Slug)

	got, ok := c.Get("btc-20260314-1509")
	require.True(t, ok)
	assert.Equal(t, t0, got.RoundStart)
}
