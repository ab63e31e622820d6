package aggregator

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// Persister stores reference-price ticks. Writes are best-effort: a failed
// write is logged and the fan-out continues.
type Persister interface {
	InsertPriceTick(price decimal.Decimal, sources int, ts time.Time) error
}

// ReferenceFeed distributes non-null aggregates to subscribers and persists
// each tick to the time-series store.
type ReferenceFeed struct {
	agg   *Aggregator
	store Persister

	mu          sync.Mutex
	subscribers []chan AggregatedPrice
	running     bool
	stopCh      chan struct{}
}

// NewReferenceFeed creates the reference-price fan-out
func NewReferenceFeed(agg *Aggregator, store Persister) *ReferenceFeed {
	return &ReferenceFeed{
		agg:    agg,
		store:  store,
		stopCh: make(chan struct{}),
	}
}

// Subscribe returns a channel receiving every non-null reference tick
func (f *ReferenceFeed) Subscribe() chan AggregatedPrice {
	f.mu.Lock()
	defer f.mu.Unlock()

	ch := make(chan AggregatedPrice, 100)
	f.subscribers = append(f.subscribers, ch)
	return ch
}

// Start begins relaying aggregator output
func (f *ReferenceFeed) Start() {
	f.mu.Lock()
	if f.running {
		f.mu.Unlock()
		return
	}
	f.running = true
	f.mu.Unlock()

	go f.run(f.agg.Subscribe())
}

// Stop stops the feed
func (f *ReferenceFeed) Stop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.running {
		return
	}
	f.running = false
	close(f.stopCh)
}

func (f *ReferenceFeed) run(in chan AggregatedPrice) {
	for {
		select {
		case <-f.stopCh:
			return
		case agg := <-in:
			if agg.Price == nil {
				continue
			}
			f.dispatch(agg)
		}
	}
}

func (f *ReferenceFeed) dispatch(agg AggregatedPrice) {
	if f.store != nil {
		if err := f.store.InsertPriceTick(*agg.Price, agg.Sources, agg.Timestamp); err != nil {
			log.Warn().Err(err).Msg("price tick persist failed")
		}
	}

	f.mu.Lock()
	subs := f.subscribers
	f.mu.Unlock()

	for _, ch := range subs {
		select {
		case ch <- agg:
		default:
		}
	}
}
