package metrics

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/ees-trading/ees/internal/config"
	"github.com/ees-trading/ees/internal/marketdata"
	"github.com/ees-trading/ees/internal/position"
	"github.com/ees-trading/ees/internal/state"
)

// Deps are the read-only views the ops endpoints serve from. Each is a
// closure so the server holds no references into other packages' state.
type Deps struct {
	Phase     func() string
	Positions func() []position.Position
	Providers func() []marketdata.ProviderHealth
	Counters  func() state.Counters
	Healthy   func() bool
}

// Server is the ops HTTP surface: health, status, open positions and
// the Prometheus scrape endpoint.
type Server struct {
	cfg        config.MonitoringConfig
	deps       Deps
	collectors *Collectors
	router     *gin.Engine
	server     *http.Server
	startedAt  time.Time
	logger     zerolog.Logger
}

// NewServer builds the ops server. It does not listen until Start.
func NewServer(cfg config.MonitoringConfig, deps Deps, collectors *Collectors) *Server {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins:  []string{"*"},
		AllowMethods:  []string{"GET", "OPTIONS"},
		AllowHeaders:  []string{"Origin", "Content-Type", "Accept"},
		ExposeHeaders: []string{"Content-Length"},
		MaxAge:        12 * time.Hour,
	}))

	s := &Server{
		cfg:        cfg,
		deps:       deps,
		collectors: collectors,
		router:     router,
		startedAt:  time.Now(),
		logger:     config.NewLogger("ops"),
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.router.GET("/healthz", s.handleHealth)
	s.router.GET("/status", s.handleStatus)
	s.router.GET("/positions", s.handlePositions)
	s.router.GET("/metrics", s.handleMetrics())
}

func (s *Server) handleHealth(c *gin.Context) {
	if s.deps.Healthy != nil && !s.deps.Healthy() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) handleStatus(c *gin.Context) {
	counters := s.deps.Counters()
	c.JSON(http.StatusOK, gin.H{
		"phase":              s.deps.Phase(),
		"uptime_sec":         int(time.Since(s.startedAt).Seconds()),
		"trades_today":       counters.TradesToday,
		"realized_pnl_today": counters.RealizedPnLToday.String(),
		"providers":          s.deps.Providers(),
	})
}

func (s *Server) handlePositions(c *gin.Context) {
	positions := s.deps.Positions()
	c.JSON(http.StatusOK, gin.H{
		"count":     len(positions),
		"positions": positions,
	})
}

// handleMetrics refreshes the book gauges, then serves the scrape.
func (s *Server) handleMetrics() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		if s.collectors != nil && s.deps.Positions != nil {
			positions := s.deps.Positions()
			var value float64
			for _, p := range positions {
				v, _ := p.MarketValue().Float64()
				value += v
			}
			s.collectors.SetBook(len(positions), value)
		}
		h.ServeHTTP(c.Writer, c.Request)
	}
}

// Start listens in the background.
func (s *Server) Start() {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info().Str("addr", addr).Msg("ops server listening")
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("ops server failed")
		}
	}()
}

// Shutdown stops the listener gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutting down ops server: %w", err)
	}
	return nil
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}
