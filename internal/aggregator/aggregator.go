package aggregator

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/Komaxor/btcupdown/internal/feeds"
)

// ═══════════════════════════════════════════════════════════════════════════════
// PRICE AGGREGATOR - One canonical BTC reference price per tick
// ═══════════════════════════════════════════════════════════════════════════════
//
// Keeps the newest sample per source and publishes a weighted average every
// interval. Missing sources shrink the denominator, never the numerator.
// Stale samples are NOT filtered: for one-minute settlement a stale-but-known
// price beats no price. Age is surfaced via Status() only.
//
// ═══════════════════════════════════════════════════════════════════════════════

// DefaultWeights is the static source weight table; weights sum to 1.0.
var DefaultWeights = map[string]float64{
	"binance":     0.30,
	"coinbase":    0.25,
	"kraken-usd":  0.15,
	"kraken-usdt": 0.10,
	"bitstamp":    0.10,
	"chainlink":   0.10,
}

// AggregatedPrice is the canonical reference price. Price is nil until the
// first sample from any source has arrived.
type AggregatedPrice struct {
	Price     *decimal.Decimal
	Sources   int
	Timestamp time.Time
}

// SourceStatus describes one source for diagnostics
type SourceStatus struct {
	Source string          `json:"source"`
	Price  decimal.Decimal `json:"price"`
	AgeMs  int64           `json:"age_ms"`
	Stale  bool            `json:"stale"`
}

// Status is the aggregator diagnostic snapshot
type Status struct {
	Sources          []SourceStatus `json:"sources"`
	StaleThresholdMs int64          `json:"stale_threshold_ms"`
	HasPrice         bool           `json:"has_price"`
}

// Aggregator fans in samples from all feeds and ticks out one price
type Aggregator struct {
	in       <-chan feeds.PriceSample
	interval time.Duration
	staleAge time.Duration
	weights  map[string]float64

	mu          sync.RWMutex
	latest      map[string]feeds.PriceSample
	current     AggregatedPrice
	subscribers []chan AggregatedPrice

	running bool
	stopCh  chan struct{}
}

// New creates an aggregator over the shared sample channel
func New(in <-chan feeds.PriceSample, interval, staleAge time.Duration) *Aggregator {
	if interval <= 0 {
		interval = time.Second
	}
	return &Aggregator{
		in:       in,
		interval: interval,
		staleAge: staleAge,
		weights:  DefaultWeights,
		latest:   make(map[string]feeds.PriceSample),
		stopCh:   make(chan struct{}),
	}
}

// Subscribe returns a channel receiving every published tick
func (a *Aggregator) Subscribe() chan AggregatedPrice {
	a.mu.Lock()
	defer a.mu.Unlock()

	ch := make(chan AggregatedPrice, 100)
	a.subscribers = append(a.subscribers, ch)
	return ch
}

// Latest returns the most recently published price
func (a *Aggregator) Latest() AggregatedPrice {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.current
}

// Start begins collecting samples and ticking out aggregates
func (a *Aggregator) Start() {
	a.mu.Lock()
	if a.running {
		a.mu.Unlock()
		return
	}
	a.running = true
	a.mu.Unlock()

	go a.run()
	log.Info().Dur("interval", a.interval).Msg("📊 Price aggregator started")
}

// Stop stops the aggregator
func (a *Aggregator) Stop() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.running {
		return
	}
	a.running = false
	close(a.stopCh)
}

func (a *Aggregator) run() {
	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()

	for {
		select {
		case <-a.stopCh:
			return
		case sample := <-a.in:
			a.Ingest(sample)
		case <-ticker.C:
			a.publish(a.Compute())
		}
	}
}

// Ingest records the newest sample for a source
func (a *Aggregator) Ingest(sample feeds.PriceSample) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.latest[sample.Source] = sample
}

// Compute returns the weighted average over all present sources
func (a *Aggregator) Compute() AggregatedPrice {
	a.mu.RLock()
	defer a.mu.RUnlock()

	agg := AggregatedPrice{Timestamp: time.Now()}
	if len(a.latest) == 0 {
		return agg
	}

	weightedSum := decimal.Zero
	weightTotal := decimal.Zero
	for source, sample := range a.latest {
		w, ok := a.weights[source]
		if !ok {
			continue
		}
		weight := decimal.NewFromFloat(w)
		weightedSum = weightedSum.Add(sample.Mid.Mul(weight))
		weightTotal = weightTotal.Add(weight)
		agg.Sources++
	}
	if agg.Sources == 0 || weightTotal.IsZero() {
		agg.Sources = 0
		return agg
	}

	price := weightedSum.Div(weightTotal).Round(2)
	agg.Price = &price
	return agg
}

func (a *Aggregator) publish(agg AggregatedPrice) {
	a.mu.Lock()
	a.current = agg
	subs := a.subscribers
	a.mu.Unlock()

	for _, ch := range subs {
		select {
		case ch <- agg:
		default:
			// Subscriber full, skip: they read Latest() on their own tick
		}
	}
}

// Status reports per-source ages for the status diagnostic
func (a *Aggregator) Status() Status {
	a.mu.RLock()
	defer a.mu.RUnlock()

	st := Status{
		StaleThresholdMs: a.staleAge.Milliseconds(),
		HasPrice:         a.current.Price != nil,
	}
	now := time.Now()
	for source, sample := range a.latest {
		age := now.Sub(sample.Timestamp)
		st.Sources = append(st.Sources, SourceStatus{
			Source: source,
			Price:  sample.Mid,
			AgeMs:  age.Milliseconds(),
			Stale:  age > a.staleAge,
		})
	}
	return st
}
