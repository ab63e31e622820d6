package feeds

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

const bitstampTickerURL = "https://www.bitstamp.net/api/v2/ticker/btcusd/"

// BitstampFeed polls the Bitstamp REST ticker. The poll interval is the
// upstream rate limit; never poll faster than it.
type BitstampFeed struct {
	out      chan<- PriceSample
	interval time.Duration
	client   *http.Client

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
}

// NewBitstampFeed creates the Bitstamp polling adapter
func NewBitstampFeed(out chan<- PriceSample, interval time.Duration) *BitstampFeed {
	if interval <= 0 {
		interval = time.Second
	}
	return &BitstampFeed{
		out:      out,
		interval: interval,
		client:   &http.Client{Timeout: 10 * time.Second},
		stopCh:   make(chan struct{}),
	}
}

func (f *BitstampFeed) Name() string { return "bitstamp" }

// Start begins the polling loop
func (f *BitstampFeed) Start() error {
	f.mu.Lock()
	if f.running {
		f.mu.Unlock()
		return nil
	}
	f.running = true
	f.mu.Unlock()

	go f.pollLoop()
	log.Info().Dur("interval", f.interval).Msg("📈 Bitstamp feed started")
	return nil
}

// Stop stops the feed
func (f *BitstampFeed) Stop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.running {
		return
	}
	f.running = false
	close(f.stopCh)
}

func (f *BitstampFeed) pollLoop() {
	ticker := time.NewTicker(f.interval)
	defer ticker.Stop()

	failures := 0
	f.fetch()

	for {
		select {
		case <-f.stopCh:
			return
		case <-ticker.C:
			if err := f.fetch(); err != nil {
				failures++
				if failures >= reconnectMaxAttempts {
					log.Error().Str("feed", f.Name()).Msg("maxReconnectReached, feed giving up")
					return
				}
				log.Debug().Err(err).Int("failures", failures).Msg("Bitstamp fetch failed")
			} else {
				failures = 0
			}
		}
	}
}

func (f *BitstampFeed) fetch() error {
	resp, err := f.client.Get(bitstampTickerURL)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("bitstamp API error %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	var ticker struct {
		Last string `json:"last"`
		Bid  string `json:"bid"`
		Ask  string `json:"ask"`
	}
	if err := json.Unmarshal(body, &ticker); err != nil {
		log.Debug().Err(err).Msg("Bitstamp parse error, sample dropped")
		return nil
	}

	bid, err := decimal.NewFromString(ticker.Bid)
	if err != nil {
		return nil
	}
	ask, err := decimal.NewFromString(ticker.Ask)
	if err != nil {
		return nil
	}

	emit(f.out, PriceSample{
		Source:    f.Name(),
		Mid:       mid(bid, ask),
		Bid:       bid,
		Ask:       ask,
		Timestamp: time.Now(),
	})
	return nil
}
