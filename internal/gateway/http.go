package gateway

import (
	"net/http"
	"os"
	"path/filepath"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/Komaxor/btcupdown/internal/ledger"
)

const (
	historyLimitMax  = 500
	outcomesLimitMax = 50
)

func (g *Gateway) buildRouter() *gin.Engine {
	if !g.cfg.Debug {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(gin.Recovery())

	api := r.Group("/api")
	api.GET("/history", g.handleHistory)
	api.GET("/outcomes", g.handleOutcomes)
	api.GET("/markets", g.handleMarkets)
	api.GET("/market/:slug", g.handleMarket)
	api.POST("/auth/telegram", g.handleTelegramAuth)

	r.GET("/ws", func(c *gin.Context) {
		g.hub.HandleWS(c.Writer, c.Request)
	})

	if g.cfg.StaticDir != "" {
		g.serveStatic(r)
	}
	return r
}

func limitParam(c *gin.Context, def, max int) int {
	limit := def
	if raw := c.Query("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}
	if limit > max {
		limit = max
	}
	return limit
}

// GET /api/history?limit=N, oldest first
func (g *Gateway) handleHistory(c *gin.Context) {
	ticks, err := g.store.GetPriceHistory(limitParam(c, 300, historyLimitMax))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "history unavailable"})
		return
	}
	out := make([]gin.H, len(ticks))
	for i, t := range ticks {
		out[i] = gin.H{
			"price":     t.Price.StringFixed(2),
			"sources":   t.Sources,
			"timestamp": t.Timestamp.UnixMilli(),
		}
	}
	c.JSON(http.StatusOK, out)
}

// GET /api/outcomes?limit=N, recent settled markets
func (g *Gateway) handleOutcomes(c *gin.Context) {
	rows, err := g.store.GetRecentOutcomes(limitParam(c, 20, outcomesLimitMax))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "outcomes unavailable"})
		return
	}
	out := make([]gin.H, len(rows))
	for i, row := range rows {
		out[i] = gin.H(marketRowView(&row))
	}
	c.JSON(http.StatusOK, out)
}

// GET /api/markets, the in-memory market list
func (g *Gateway) handleMarkets(c *gin.Context) {
	c.JSON(http.StatusOK, g.controller.Markets())
}

// GET /api/market/:slug, falling back to the store for aged-out rounds
func (g *Gateway) handleMarket(c *gin.Context) {
	slug := c.Param("slug")
	if m, ok := g.controller.Get(slug); ok {
		c.JSON(http.StatusOK, m)
		return
	}
	row, err := g.store.GetMarketBySlug(slug)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "market not found"})
		return
	}
	c.JSON(http.StatusOK, marketRowView(row))
}

// POST /api/auth/telegram verifies the login-widget claim and mints a
// session token.
func (g *Gateway) handleTelegramAuth(c *gin.Context) {
	var claim map[string]string
	if err := c.ShouldBindJSON(&claim); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "malformed claim"})
		return
	}
	verified, err := g.verifier.Verify(claim)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
		return
	}

	user := &ledger.User{
		ID:        verified.ID,
		Username:  verified.Username,
		FirstName: verified.FirstName,
		LastName:  verified.LastName,
		PhotoURL:  verified.PhotoURL,
	}
	if err := g.store.UpsertUser(user); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "user store failed"})
		return
	}
	fresh, err := g.store.GetUser(verified.ID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "user store failed"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"user":     userView(fresh),
		"balance":  fresh.Balance.StringFixed(2),
		"token":    g.verifier.SessionToken(verified.ID, verified.AuthDate),
		"authDate": verified.AuthDate,
	})
}

// serveStatic hosts the SPA: real files as-is, every other path gets
// index.html so client-side routes like /market/:slug resolve.
func (g *Gateway) serveStatic(r *gin.Engine) {
	r.NoRoute(func(c *gin.Context) {
		if c.Request.Method != http.MethodGet {
			c.Status(http.StatusNotFound)
			return
		}
		p := filepath.Join(g.cfg.StaticDir, filepath.Clean("/"+c.Request.URL.Path))
		if st, err := os.Stat(p); err == nil && !st.IsDir() {
			c.File(p)
			return
		}
		c.File(filepath.Join(g.cfg.StaticDir, "index.html"))
	})
}
