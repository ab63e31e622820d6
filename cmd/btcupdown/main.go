// btcupdown - minute-by-minute BTC up/down prediction exchange
//
// Every minute is an independent binary market: liquidity is minted in the
// provisioning window, limit/market/stop orders trade against a central
// limit order book during the live minute, and at the boundary the round
// settles against a weighted multi-exchange reference price. Winning
// shares pay $1.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/Komaxor/btcupdown/internal/aggregator"
	"github.com/Komaxor/btcupdown/internal/auth"
	"github.com/Komaxor/btcupdown/internal/config"
	"github.com/Komaxor/btcupdown/internal/engine"
	"github.com/Komaxor/btcupdown/internal/feeds"
	"github.com/Komaxor/btcupdown/internal/gateway"
	"github.com/Komaxor/btcupdown/internal/ledger"
	"github.com/Komaxor/btcupdown/internal/market"
	"github.com/Komaxor/btcupdown/internal/notify"
)

const version = "1.0.0"

func main() {
	// Setup logging
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	// Load environment
	if err := godotenv.Load(); err != nil {
		log.Warn().Msg("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}
	if cfg.Debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}

	log.Info().
		Str("version", version).
		Str("addr", cfg.ListenAddr).
		Msg("⚡ btcupdown exchange starting...")

	// ====== STORE ======
	store, err := ledger.Open(cfg.DatabasePath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize database")
	}

	// ====== PRICE FEEDS ======
	samples := make(chan feeds.PriceSample, 256)
	var adapters []feeds.Adapter
	if cfg.EnableBinance {
		adapters = append(adapters, feeds.NewBinanceFeed(samples))
	}
	if cfg.EnableCoinbase {
		adapters = append(adapters, feeds.NewCoinbaseFeed(samples))
	}
	if cfg.EnableKraken {
		adapters = append(adapters, feeds.NewKrakenFeed(samples))
	}
	if cfg.EnableBitstamp {
		adapters = append(adapters, feeds.NewBitstampFeed(samples, cfg.BitstampPollInterval))
	}
	if cfg.PolygonRPCURL != "" {
		adapters = append(adapters, feeds.NewChainlinkFeed(samples, cfg.PolygonRPCURL))
	}
	for _, a := range adapters {
		if err := a.Start(); err != nil {
			log.Warn().Err(err).Str("source", a.Name()).Msg("⚠️ Feed failed to start")
		} else {
			log.Info().Str("source", a.Name()).Msg("📈 Feed connected")
		}
	}

	// ====== AGGREGATION ======
	agg := aggregator.New(samples, cfg.AggregateInterval, cfg.StaleThreshold)
	agg.Start()

	feed := aggregator.NewReferenceFeed(agg, store)
	feed.Start()

	// ====== MATCHING + LIFECYCLE ======
	eng := engine.New(store, cfg.MaxSharesPerOrder)

	verifier := auth.NewVerifier(cfg.TelegramToken)

	notifier, err := notify.New(cfg.TelegramToken, cfg.TelegramChatID)
	if err != nil {
		log.Warn().Err(err).Msg("⚠️ Telegram notifier unavailable")
		notifier = nil
	}

	controller := market.NewController(agg, eng, store, nil)
	gw := gateway.New(cfg, store, eng, controller, agg, feed, verifier, notifier)
	eng.SetEvents(gw)
	controller.SetEvents(gw)

	controller.Start()
	gw.Start()

	// Price history pruning
	retention := time.Duration(cfg.HistoryRetention) * time.Second
	pruneStop := make(chan struct{})
	go func() {
		ticker := time.NewTicker(time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-pruneStop:
				return
			case <-ticker.C:
				if err := store.PrunePriceHistory(retention); err != nil {
					log.Warn().Err(err).Msg("price history prune failed")
					if notifier != nil {
						notifier.Alert("price history prune failed: " + err.Error())
					}
				}
			}
		}
	}()

	log.Info().Msg("✅ All systems online")

	// Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info().Msg("🛑 Received shutdown signal")

	log.Info().Msg("Shutting down...")
	close(pruneStop)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := gw.Stop(ctx); err != nil {
		log.Warn().Err(err).Msg("gateway shutdown incomplete")
	}
	controller.Stop()
	feed.Stop()
	agg.Stop()
	for _, a := range adapters {
		a.Stop()
	}

	log.Info().Msg("👋 Goodbye!")
}
