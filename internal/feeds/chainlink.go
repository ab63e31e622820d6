package feeds

import (
	"context"
	"encoding/hex"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// Chainlink BTC/USD aggregator on Polygon
const (
	chainlinkBTCUSDFeed = "0xc907E116054Ad103354f2D350FD2514433D57F6f"
	chainlinkDecimals   = 8

	// latestRoundData() selector
	latestRoundDataSelector = "feaf968c"
)

// ChainlinkFeed polls the on-chain BTC/USD aggregator. An oracle price is
// slow but independent of any single exchange, which anchors the aggregate.
type ChainlinkFeed struct {
	out      chan<- PriceSample
	rpcURL   string
	interval time.Duration

	mu          sync.Mutex
	client      *ethclient.Client
	running     bool
	stopCh      chan struct{}
	lastRoundID uint64
}

// NewChainlinkFeed creates the Chainlink adapter
func NewChainlinkFeed(out chan<- PriceSample, rpcURL string) *ChainlinkFeed {
	return &ChainlinkFeed{
		out:      out,
		rpcURL:   rpcURL,
		interval: time.Second,
		stopCh:   make(chan struct{}),
	}
}

func (f *ChainlinkFeed) Name() string { return "chainlink" }

// Start connects the RPC client and begins polling
func (f *ChainlinkFeed) Start() error {
	client, err := ethclient.Dial(f.rpcURL)
	if err != nil {
		return fmt.Errorf("ethclient dial failed: %w", err)
	}

	f.mu.Lock()
	f.client = client
	f.running = true
	f.mu.Unlock()

	go f.pollLoop()

	log.Info().Str("feed", chainlinkBTCUSDFeed).Str("network", "Polygon").Msg("⛓️ Chainlink feed started")
	return nil
}

// Stop stops the feed
func (f *ChainlinkFeed) Stop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.running {
		return
	}
	f.running = false
	close(f.stopCh)
	if f.client != nil {
		f.client.Close()
	}
}

func (f *ChainlinkFeed) pollLoop() {
	ticker := time.NewTicker(f.interval)
	defer ticker.Stop()

	failures := 0
	for {
		select {
		case <-f.stopCh:
			return
		case <-ticker.C:
			if err := f.fetchPrice(); err != nil {
				failures++
				if failures >= reconnectMaxAttempts {
					log.Error().Str("feed", f.Name()).Msg("maxReconnectReached, feed giving up")
					return
				}
				log.Debug().Err(err).Msg("Chainlink price fetch failed")
			} else {
				failures = 0
			}
		}
	}
}

func (f *ChainlinkFeed) fetchPrice() error {
	selector, _ := hex.DecodeString(latestRoundDataSelector)
	feed := common.HexToAddress(chainlinkBTCUSDFeed)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	result, err := f.client.CallContract(ctx, ethereum.CallMsg{To: &feed, Data: selector}, nil)
	if err != nil {
		return fmt.Errorf("eth_call failed: %w", err)
	}

	// (uint80 roundId, int256 answer, uint256 startedAt, uint256 updatedAt, uint80 answeredInRound)
	if len(result) < 160 {
		return fmt.Errorf("short latestRoundData response: %d bytes", len(result))
	}

	roundID := new(big.Int).SetBytes(result[0:32]).Uint64()
	answer := new(big.Int).SetBytes(result[32:64])
	price := decimal.NewFromBigInt(answer, -int32(chainlinkDecimals))

	f.mu.Lock()
	newRound := roundID != f.lastRoundID
	f.lastRoundID = roundID
	f.mu.Unlock()

	if !newRound {
		return nil
	}

	// The oracle publishes a single reference value, no bid/ask
	emit(f.out, PriceSample{
		Source:    f.Name(),
		Mid:       price,
		Bid:       price,
		Ask:       price,
		Timestamp: time.Now(),
	})
	return nil
}
