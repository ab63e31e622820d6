package gateway

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/Komaxor/btcupdown/internal/aggregator"
	"github.com/Komaxor/btcupdown/internal/auth"
	"github.com/Komaxor/btcupdown/internal/config"
	"github.com/Komaxor/btcupdown/internal/engine"
	"github.com/Komaxor/btcupdown/internal/ledger"
	"github.com/Komaxor/btcupdown/internal/market"
	"github.com/Komaxor/btcupdown/internal/notify"
)

// ═══════════════════════════════════════════════════════════════════════════════
// SESSION GATEWAY - HTTP API, WebSocket sessions, event fan-out
// ═══════════════════════════════════════════════════════════════════════════════

// bookDebounceInterval caps orderbook broadcasts per round
const bookDebounceInterval = 50 * time.Millisecond

// Gateway bridges clients to the engine and fans out push events
type Gateway struct {
	cfg        *config.Config
	store      *ledger.Store
	eng        *engine.Engine
	controller *market.Controller
	agg        *aggregator.Aggregator
	feed       *aggregator.ReferenceFeed
	verifier   *auth.Verifier
	notifier   *notify.Notifier

	hub      *Hub
	debounce *bookDebouncer
	srv      *http.Server
	stopCh   chan struct{}
}

// New wires the gateway; SetEvents on the engine and the controller's
// events hookup still point here.
func New(cfg *config.Config, store *ledger.Store, eng *engine.Engine,
	controller *market.Controller, agg *aggregator.Aggregator,
	feed *aggregator.ReferenceFeed, verifier *auth.Verifier,
	notifier *notify.Notifier) *Gateway {

	g := &Gateway{
		cfg:        cfg,
		store:      store,
		eng:        eng,
		controller: controller,
		agg:        agg,
		feed:       feed,
		verifier:   verifier,
		notifier:   notifier,
		stopCh:     make(chan struct{}),
	}
	g.hub = NewHub(g.dispatch)
	g.debounce = newBookDebouncer(bookDebounceInterval, g.broadcastBook)
	return g
}

// Start launches the hub, the price fan-out and the HTTP server
func (g *Gateway) Start() {
	go g.hub.Run()
	go g.priceLoop(g.feed.Subscribe())

	g.srv = &http.Server{
		Addr:    g.cfg.ListenAddr,
		Handler: g.buildRouter(),
	}
	go func() {
		if err := g.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("http server failed")
		}
	}()
	log.Info().Str("addr", g.cfg.ListenAddr).Msg("🌐 Gateway listening")
}

// Stop drains the HTTP server and disconnects all clients
func (g *Gateway) Stop(ctx context.Context) error {
	close(g.stopCh)
	g.hub.Stop()
	if g.srv == nil {
		return nil
	}
	return g.srv.Shutdown(ctx)
}

// priceLoop relays reference ticks to every client. Price frames are the
// one droppable message type under backpressure.
func (g *Gateway) priceLoop(in chan aggregator.AggregatedPrice) {
	for {
		select {
		case <-g.stopCh:
			return
		case tick := <-in:
			if tick.Price == nil {
				continue
			}
			g.hub.Broadcast(frame("price", map[string]any{
				"price":     tick.Price.StringFixed(2),
				"sources":   tick.Sources,
				"timestamp": tick.Timestamp.UnixMilli(),
			}), true)
		}
	}
}

func (g *Gateway) broadcastBook(roundStart int64) {
	snap, err := g.eng.Depth(roundStart)
	if err != nil {
		return
	}
	g.hub.Broadcast(frame("orderbook", map[string]any{
		"slug":        market.Slug(roundStart),
		"round_start": roundStart,
		"bids":        snap.Bids,
		"asks":        snap.Asks,
	}), false)
}

// resolveRound maps an optional slug onto a round start, defaulting to
// the live market.
func (g *Gateway) resolveRound(slug string) (int64, error) {
	if slug == "" {
		m, ok := g.controller.Current()
		if !ok {
			return 0, engine.ErrMarketNotFound
		}
		return m.RoundStart, nil
	}
	m, ok := g.controller.Get(slug)
	if !ok {
		return 0, engine.ErrMarketNotFound
	}
	return m.RoundStart, nil
}
