package feeds

import (
	"time"

	"github.com/shopspring/decimal"
)

// ═══════════════════════════════════════════════════════════════════════════════
// PRICE FEEDS - Upstream exchange adapters
// ═══════════════════════════════════════════════════════════════════════════════
//
// Each adapter owns one upstream transport (WebSocket or REST polling) and
// pushes PriceSamples into a shared channel consumed by the aggregator.
// Transport failures reconnect with exponential backoff; parse failures drop
// the sample and keep the connection alive.
//
// ═══════════════════════════════════════════════════════════════════════════════

// PriceSample is one quote from one upstream source
type PriceSample struct {
	Source    string
	Mid       decimal.Decimal
	Bid       decimal.Decimal
	Ask       decimal.Decimal
	Timestamp time.Time
}

// Adapter is a single upstream price connection
type Adapter interface {
	Name() string
	Start() error
	Stop()
}

const (
	reconnectInitialDelay = time.Second
	reconnectMaxDelay     = 2 * time.Minute
	reconnectMaxAttempts  = 10

	handshakeTimeout = 10 * time.Second
)

// backoff tracks reconnection delay: min(initial * 2^attempts, max),
// capped at reconnectMaxAttempts. Reset on a successful connect.
type backoff struct {
	attempts int
}

// next returns the delay before the next attempt, or false when the
// attempt budget is exhausted.
func (b *backoff) next() (time.Duration, bool) {
	if b.attempts >= reconnectMaxAttempts {
		return 0, false
	}
	delay := reconnectInitialDelay << b.attempts
	if delay > reconnectMaxDelay {
		delay = reconnectMaxDelay
	}
	b.attempts++
	return delay, true
}

func (b *backoff) reset() {
	b.attempts = 0
}

// emit pushes a sample without blocking; the aggregator only needs the
// newest sample per source, so a full channel drops the update.
func emit(out chan<- PriceSample, s PriceSample) {
	select {
	case out <- s:
	default:
	}
}

func mid(bid, ask decimal.Decimal) decimal.Decimal {
	if bid.IsZero() {
		return ask
	}
	if ask.IsZero() {
		return bid
	}
	return bid.Add(ask).Div(decimal.NewFromInt(2))
}
