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

const binanceWSURL = "wss://stream.binance.com:9443/ws/btcusdt@bookTicker"

// BinanceFeed streams the BTC/USDT book ticker from Binance
type BinanceFeed struct {
	out chan<- PriceSample

	mu      sync.Mutex
	conn    *websocket.Conn
	running bool
	stopCh  chan struct{}
}

// NewBinanceFeed creates the Binance adapter
func NewBinanceFeed(out chan<- PriceSample) *BinanceFeed {
	return &BinanceFeed{
		out:    out,
		stopCh: make(chan struct{}),
	}
}

func (f *BinanceFeed) Name() string { return "binance" }

// Start begins the connect/read loop
func (f *BinanceFeed) Start() error {
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
func (f *BinanceFeed) Stop() {
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

func (f *BinanceFeed) isRunning() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.running
}

func (f *BinanceFeed) run() {
	var bo backoff
	for f.isRunning() {
		if err := f.connect(); err != nil {
			log.Error().Err(err).Msg("Binance WS connection failed")
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
			log.Warn().Msg("Binance WS disconnected, reconnecting...")
		}
	}
}

func (f *BinanceFeed) connect() error {
	dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}
	conn, _, err := dialer.Dial(binanceWSURL, nil)
	if err != nil {
		return fmt.Errorf("websocket dial failed: %w", err)
	}

	f.mu.Lock()
	f.conn = conn
	f.mu.Unlock()

	log.Info().Msg("🔌 WebSocket connected to Binance")
	return nil
}

func (f *BinanceFeed) readMessages() {
	for f.isRunning() {
		_, message, err := f.conn.ReadMessage()
		if err != nil {
			if f.isRunning() {
				log.Error().Err(err).Msg("Binance WS read error")
			}
			return
		}
		f.handleMessage(message)
	}
}

func (f *BinanceFeed) handleMessage(data []byte) {
	// bookTicker format: {"u":..,"s":"BTCUSDT","b":"...","B":"...","a":"...","A":"..."}
	var ticker struct {
		Symbol string `json:"s"`
		Bid    string `json:"b"`
		Ask    string `json:"a"`
	}
	if err := json.Unmarshal(data, &ticker); err != nil {
		log.Debug().Err(err).Msg("Binance parse error, sample dropped")
		return
	}

	bid, err := decimal.NewFromString(ticker.Bid)
	if err != nil {
		return
	}
	ask, err := decimal.NewFromString(ticker.Ask)
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
