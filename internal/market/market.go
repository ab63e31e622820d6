package market

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Phase is a market's lifecycle phase
type Phase string

const (
	PhaseProvision Phase = "provision" // liquidity minting only
	PhaseActive    Phase = "active"    // the live trading minute
	PhaseClosed    Phase = "closed"    // settled, terminal
)

// Outcome of a settled round
type Outcome string

const (
	OutcomeUp   Outcome = "up"
	OutcomeDown Outcome = "down"
)

const (
	// RoundDuration is the trading window of one market
	RoundDuration = time.Minute

	// ProvisionLead is how far ahead provision markets are created
	ProvisionLead = 5 * time.Minute

	// PruneAge is how long a closed market stays in memory after close
	PruneAge = 10 * time.Minute
)

// Market is one minute-long prediction round, keyed by its minute start
// in unix milliseconds. Slugs are unique: "btc-YYYYMMDD-HHMM" in UTC.
type Market struct {
	RoundStart  int64            `json:"round_start"`
	Slug        string           `json:"slug"`
	Phase       Phase            `json:"phase"`
	PriceToBeat *decimal.Decimal `json:"price_to_beat,omitempty"`
	FinalPrice  *decimal.Decimal `json:"final_price,omitempty"`
	Outcome     Outcome          `json:"outcome,omitempty"`
}

// Slug formats the canonical slug for a round start
func Slug(roundStart int64) string {
	t := time.UnixMilli(roundStart).UTC()
	return fmt.Sprintf("btc-%s-%s", t.Format("20060102"), t.Format("1504"))
}

// MinuteStart truncates a time to its minute boundary in unix millis
func MinuteStart(t time.Time) int64 {
	return t.UTC().Truncate(time.Minute).UnixMilli()
}

// CloseTime returns when the round's trading minute ends
func (m *Market) CloseTime() time.Time {
	return time.UnixMilli(m.RoundStart).Add(RoundDuration)
}

// NewProvisionMarket creates a market in the provision phase
func NewProvisionMarket(roundStart int64) *Market {
	return &Market{
		RoundStart: roundStart,
		Slug:       Slug(roundStart),
		Phase:      PhaseProvision,
	}
}
