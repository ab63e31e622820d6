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

const coinbaseWSURL = "wss://ws-feed.exchange.coinbase.com"

// CoinbaseFeed streams the BTC-USD ticker channel from Coinbase
type CoinbaseFeed struct {
	out chan<- PriceSample

	mu      sync.Mutex
	conn    *websocket.Conn
	running bool
	stopCh  chan struct{}
}

// NewCoinbaseFeed creates the Coinbase adapter
func NewCoinbaseFeed(out chan<- PriceSample) *CoinbaseFeed {
	return &CoinbaseFeed{
		out:    out,
		stopCh: make(chan struct{}),
	}
}

func (f *CoinbaseFeed) Name() string { return "coinbase" }

// Start begins the connect/read loop
func (f *CoinbaseFeed) Start() error {
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
func (f *CoinbaseFeed) Stop() {
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

func (f *CoinbaseFeed) isRunning() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.running
}

func (f *CoinbaseFeed) run() {
	var bo backoff
	for f.isRunning() {
		if err := f.connect(); err != nil {
			log.Error().Err(err).Msg("Coinbase WS connection failed")
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
			log.Warn().Msg("Coinbase WS disconnected, reconnecting...")
		}
	}
}

func (f *CoinbaseFeed) connect() error {
	dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}
	conn, _, err := dialer.Dial(coinbaseWSURL, nil)
	if err != nil {
		return fmt.Errorf("websocket dial failed: %w", err)
	}

	// Subscribe to the ticker channel for BTC-USD
	sub := map[string]interface{}{
		"type":        "subscribe",
		"product_ids": []string{"BTC-USD"},
		"channels":    []string{"ticker"},
	}
	if err := conn.WriteJSON(sub); err != nil {
		conn.Close()
		return fmt.Errorf("subscribe failed: %w", err)
	}

	f.mu.Lock()
	f.conn = conn
	f.mu.Unlock()

	log.Info().Msg("🔌 WebSocket connected to Coinbase")
	return nil
}

func (f *CoinbaseFeed) readMessages() {
	for f.isRunning() {
		_, message, err := f.conn.ReadMessage()
		if err != nil {
			if f.isRunning() {
				log.Error().Err(err).Msg("Coinbase WS read error")
			}
			return
		}
		f.handleMessage(message)
	}
}

func (f *CoinbaseFeed) handleMessage(data []byte) {
	var ticker struct {
		Type    string `json:"type"`
		Price   string `json:"price"`
		BestBid string `json:"best_bid"`
		BestAsk string `json:"best_ask"`
	}
	if err := json.Unmarshal(data, &ticker); err != nil {
		log.Debug().Err(err).Msg("Coinbase parse error, sample dropped")
		return
	}
	if ticker.Type != "ticker" {
		return
	}

	bid, err := decimal.NewFromString(ticker.BestBid)
	if err != nil {
		return
	}
	ask, err := decimal.NewFromString(ticker.BestAsk)
	if err != nil {
		return
	}

	emit(f.out, PriceSample{
		Source:    f.Name(),
		Mid:       mid(bid, ask),
		Bid:       bid,
		Ask:       ask,
		Timestamp: time.Now(),
	})
}
