package feeds

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

const krakenWSURL = "wss://ws.kraken.com"

// Kraken carries two logical sub-sources over one transport: the USD and
// USDT quoted books each count as an independent source for aggregation.
var krakenPairs = map[string]string{
	"XBT/USD":  "kraken-usd",
	"XBT/USDT": "kraken-usdt",
}

// KrakenFeed streams XBT/USD and XBT/USDT tickers from Kraken
type KrakenFeed struct {
	out chan<- PriceSample

	mu      sync.Mutex
	conn    *websocket.Conn
	running bool
	stopCh  chan struct{}

	// channelID -> pair name, filled from subscription status messages
	channels map[float64]string
}

// NewKrakenFeed creates the Kraken adapter
func NewKrakenFeed(out chan<- PriceSample) *KrakenFeed {
	return &KrakenFeed{
		out:      out,
		stopCh:   make(chan struct{}),
		channels: make(map[float64]string),
	}
}

func (f *KrakenFeed) Name() string { return "kraken" }

// Start begins the connect/read loop
func (f *KrakenFeed) Start() error {
	f.mu.Lock()
	if f.running {
		f.mu.Unlock()
		return nil
	}
	f.running = true
	f.mu.Unlock()

	go f.run()
	return nil
}

// Stop closes the connection
func (f *KrakenFeed) Stop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.running {
		return
	}
	f.running = false
	close(f.stopCh)
	if f.conn != nil {
		f.conn.Close()
	}
}

func (f *KrakenFeed) isRunning() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.running
}

func (f *KrakenFeed) run() {
	var bo backoff
	for f.isRunning() {
		if err := f.connect(); err != nil {
			log.Error().Err(err).Msg("Kraken WS connection failed")
			delay, ok := bo.next()
			if !ok {
				log.Error().Str("feed", f.Name()).Msg("maxReconnectReached, feed giving up")
				return
			}
			select {
			case <-time.After(delay):
			case <-f.stopCh:
				return
			}
			continue
		}
		bo.reset()

		f.readMessages()

		if f.isRunning() {
			log.Warn().Msg("Kraken WS disconnected, reconnecting...")
		}
	}
}

func (f *KrakenFeed) connect() error {
	dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}
	conn, _, err := dialer.Dial(krakenWSURL, nil)
	if err != nil {
		return fmt.Errorf("websocket dial failed: %w", err)
	}

	pairs := make([]string, 0, len(krakenPairs))
	for pair := range krakenPairs {
		pairs = append(pairs, pair)
	}
	sub := map[string]interface{}{
		"event":        "subscribe",
		"pair":         pairs,
		"subscription": map[string]string{"name": "ticker"},
	}
	if err := conn.WriteJSON(sub); err != nil {
		conn.Close()
		return fmt.Errorf("subscribe failed: %w", err)
	}

	f.mu.Lock()
	f.conn = conn
	f.channels = make(map[float64]string)
	f.mu.Unlock()

	log.Info().Strs("pairs", pairs).Msg("🔌 WebSocket connected to Kraken")
	return nil
}

func (f *KrakenFeed) readMessages() {
	for f.isRunning() {
		_, message, err := f.conn.ReadMessage()
		if err != nil {
			if f.isRunning() {
				log.Error().Err(err).Msg("Kraken WS read error")
			}
			return
		}
		f.handleMessage(message)
	}
}

func (f *KrakenFeed) handleMessage(data []byte) {
	// Event messages are JSON objects; ticker updates are arrays:
	// [channelID, {"a":["price","wholeLotVol","lotVol"], "b":[...]}, "ticker", "XBT/USD"]
	if len(data) > 0 && data[0] == '{' {
		var status struct {
			Event     string  `json:"event"`
			ChannelID float64 `json:"channelID"`
			Pair      string  `json:"pair"`
			Status    string  `json:"status"`
		}
		if err := json.Unmarshal(data, &status); err != nil {
			return
		}
		if status.Event == "subscriptionStatus" && status.Status == "subscribed" {
			f.mu.Lock()
			f.channels[status.ChannelID] = status.Pair
			f.mu.Unlock()
		}
		return
	}

	var frame []json.RawMessage
	if err := json.Unmarshal(data, &frame); err != nil || len(frame) < 4 {
		log.Debug().Msg("Kraken parse error, sample dropped")
		return
	}

	var pair string
	if err := json.Unmarshal(frame[len(frame)-1], &pair); err != nil {
		return
	}
	source, ok := krakenPairs[pair]
	if !ok {
		return
	}

	var ticker struct {
		Ask []string `json:"a"`
		Bid []string `json:"b"`
	}
	if err := json.Unmarshal(frame[1], &ticker); err != nil || len(ticker.Ask) == 0 || len(ticker.Bid) == 0 {
		log.Debug().Str("pair", pair).Msg("Kraken ticker parse error, sample dropped")
		return
	}

	bid, err := decimal.NewFromString(ticker.Bid[0])
	if err != nil {
		return
	}
	ask, err := decimal.NewFromString(ticker.Ask[0])
	if err != nil {
		return
	}

	emit(f.out, PriceSample{
		Source:    source,
		Mid:       mid(bid, ask),
		Bid:       bid,
		Ask:       ask,
		Timestamp: time.Now(),
	})
}
