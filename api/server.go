// Package api serves the status of the running grid over HTTP.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"gridbot/backtest"
	"gridbot/kernel"
	"gridbot/ledger"
	"gridbot/logger"
	"gridbot/store"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

// StatusSource the running engine as seen by the API
type StatusSource interface {
	Status() kernel.Status
	EquityCurve() []ledger.EquitySnapshot
}

// Server HTTP API server
type Server struct {
	router     *gin.Engine
	source     StatusSource
	store      *store.Store
	metrics    http.Handler
	httpServer *http.Server
	port       int
	started    time.Time
}

// NewServer creates the API server. st and metrics may be nil.
func NewServer(source StatusSource, st *store.Store, metrics http.Handler, port int) *Server {
	gin.SetMode(gin.ReleaseMode)

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())

	s := &Server{
		router:  router,
		source:  source,
		store:   st,
		metrics: metrics,
		port:    port,
		started: time.Now(),
	}
	s.setupRoutes()
	s.httpServer = &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// corsMiddleware CORS middleware
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusOK)
			return
		}

		c.Next()
	}
}

func (s *Server) setupRoutes() {
	api := s.router.Group("/api")
	{
		api.GET("/health", s.handleHealth)
		api.GET("/status", s.handleStatus)
		api.GET("/summary", s.handleSummary)
		api.GET("/levels", s.handleLevels)
		api.GET("/equity", s.handleEquity)

		runs := api.Group("/runs")
		runs.GET("", s.handleRuns)
		runs.GET("/:id", s.handleRun)
		runs.GET("/:id/orders", s.handleRunOrders)
		runs.GET("/:id/fills", s.handleRunFills)
		runs.GET("/:id/equity", s.handleRunEquity)
		runs.GET("/:id/events", s.handleRunEvents)
	}
	if s.metrics != nil {
		s.router.GET("/metrics", gin.WrapH(s.metrics))
	}
}

// Handler the routed handler, for embedding and tests
func (s *Server) Handler() http.Handler {
	return s.router
}

// handleHealth Health check
func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "ok",
		"uptime": time.Since(s.started).Round(time.Second).String(),
	})
}

func (s *Server) handleStatus(c *gin.Context) {
	if !s.requireSource(c) {
		return
	}
	c.JSON(http.StatusOK, s.source.Status())
}

func (s *Server) handleSummary(c *gin.Context) {
	if !s.requireSource(c) {
		return
	}
	st := s.source.Status()
	c.JSON(http.StatusOK, backtest.Summarize(s.source.EquityCurve(), st.InitialEquity, st.Stats))
}

func (s *Server) handleLevels(c *gin.Context) {
	if !s.requireSource(c) {
		return
	}
	levels := s.source.Status().Levels
	if levels == nil {
		c.JSON(http.StatusOK, []interface{}{})
		return
	}
	c.JSON(http.StatusOK, levels)
}

func (s *Server) handleEquity(c *gin.Context) {
	if !s.requireSource(c) {
		return
	}
	limit, ok := parseLimit(c)
	if !ok {
		return
	}
	curve := s.source.EquityCurve()
	if limit > 0 && len(curve) > limit {
		curve = curve[len(curve)-limit:]
	}
	if curve == nil {
		curve = []ledger.EquitySnapshot{}
	}
	c.JSON(http.StatusOK, curve)
}

func (s *Server) handleRuns(c *gin.Context) {
	if !s.requireStore(c) {
		return
	}
	limit, ok := parseLimit(c)
	if !ok {
		return
	}
	runs, err := s.store.Run().List(c.Request.Context(), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": fmt.Sprintf("failed to list runs: %v", err)})
		return
	}
	c.JSON(http.StatusOK, runs)
}

func (s *Server) handleRun(c *gin.Context) {
	if !s.requireStore(c) {
		return
	}
	run, err := s.store.Run().Get(c.Request.Context(), c.Param("id"))
	if errors.Is(err, gorm.ErrRecordNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "run not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	levels, err := s.store.Run().Levels(c.Request.Context(), run.ID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"run": run, "levels": levels})
}

func (s *Server) handleRunOrders(c *gin.Context) {
	if !s.requireStore(c) {
		return
	}
	orders, err := s.store.Order().List(c.Request.Context(), c.Param("id"))
	respond(c, orders, err)
}

func (s *Server) handleRunFills(c *gin.Context) {
	if !s.requireStore(c) {
		return
	}
	fills, err := s.store.Order().Fills(c.Request.Context(), c.Param("id"))
	respond(c, fills, err)
}

func (s *Server) handleRunEquity(c *gin.Context) {
	if !s.requireStore(c) {
		return
	}
	limit, ok := parseLimit(c)
	if !ok {
		return
	}
	snaps, err := s.store.Equity().List(c.Request.Context(), c.Param("id"), limit)
	respond(c, snaps, err)
}

func (s *Server) handleRunEvents(c *gin.Context) {
	if !s.requireStore(c) {
		return
	}
	events, err := s.store.Run().Events(c.Request.Context(), c.Param("id"))
	respond(c, events, err)
}

func respond[T any](c *gin.Context, items []T, err error) {
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if items == nil {
		items = []T{}
	}
	c.JSON(http.StatusOK, items)
}

func (s *Server) requireSource(c *gin.Context) bool {
	if s.source == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "no run in progress"})
		return false
	}
	return true
}

func (s *Server) requireStore(c *gin.Context) bool {
	if s.store == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "persistence disabled"})
		return false
	}
	return true
}

func parseLimit(c *gin.Context) (int, bool) {
	raw := c.Query("limit")
	if raw == "" {
		return 0, true
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a non-negative integer"})
		return 0, false
	}
	return limit, true
}

// Start starts the server and blocks until it stops
func (s *Server) Start() error {
	addr := s.httpServer.Addr
	logger.Infof("🌐 API server starting at http://localhost%s", addr)
	logger.Infof("  • GET  /api/health   - Health check")
	logger.Infof("  • GET  /api/status   - Engine state, balance and counters")
	logger.Infof("  • GET  /api/summary  - Performance summary of the current run")
	logger.Infof("  • GET  /api/levels   - Grid ladder")
	logger.Infof("  • GET  /api/equity   - Equity curve")
	logger.Infof("  • GET  /api/runs     - Journaled runs")
	if s.metrics != nil {
		logger.Infof("  • GET  /metrics      - Prometheus metrics")
	}

	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully shuts the server down
func (s *Server) Shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.httpServer.Shutdown(ctx)
}
