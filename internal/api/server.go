// Package api exposes the engine's operational HTTP surface: status, event
// history, bus statistics, Prometheus metrics and the signal webhook.
package api

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"bracket/internal/events"
	"bracket/internal/logger"
	"bracket/internal/monitor"
	"bracket/internal/store"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// SignalHandler executes a validated external trade signal.
type SignalHandler interface {
	HandleSignal(ctx context.Context, raw []byte) error
}

// RiskView is the read-only slice of the risk handler the API serves.
type RiskView interface {
	TradingAllowed() bool
	DailyPnL() float64
}

// PositionView is the read-only slice of the position handler the API serves.
type PositionView interface {
	InvariantViolations() uint64
}

// EventJournal serves the persisted audit log; satisfied by store.EventStore.
type EventJournal interface {
	Recent(ctx context.Context, kind string, limit int) ([]store.EventModel, error)
}

type ServerConfig struct {
	Addr      string
	Bus       *events.Bus
	Monitor   *monitor.Monitor
	Risk      RiskView
	Positions PositionView
	Signals   SignalHandler
	Journal   EventJournal
	Registry  *prometheus.Registry
}

type Server struct {
	addr   string
	router *gin.Engine
}

func NewServer(cfg ServerConfig) (*Server, error) {
	if cfg.Bus == nil || cfg.Monitor == nil {
		return nil, errors.New("api server requires bus and monitor")
	}
	if cfg.Addr == "" {
		cfg.Addr = ":9991"
	}
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery(), requestLogger())

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	if cfg.Registry != nil {
		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(cfg.Registry, promhttp.HandlerOpts{})))
	}

	r := &apiRoutes{
		bus:       cfg.Bus,
		monitor:   cfg.Monitor,
		risk:      cfg.Risk,
		positions: cfg.Positions,
		signals:   cfg.Signals,
		journal:   cfg.Journal,
	}
	group := router.Group("/api")
	group.GET("/status", r.handleStatus)
	group.GET("/events", r.handleEvents)
	group.GET("/stats", r.handleStats)
	if cfg.Signals != nil {
		group.POST("/signal", r.handleSignal)
	}

	return &Server{addr: cfg.Addr, router: router}, nil
}

func (s *Server) Addr() string {
	if s == nil {
		return ""
	}
	return s.addr
}

// Start runs the HTTP server until ctx is cancelled or the listener fails.
func (s *Server) Start(ctx context.Context) error {
	if s == nil {
		return nil
	}
	srv := &http.Server{Addr: s.addr, Handler: s.router}
	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shCtx)
		return nil
	case err := <-errCh:
		return err
	}
}

type apiRoutes struct {
	bus       *events.Bus
	monitor   *monitor.Monitor
	risk      RiskView
	positions PositionView
	signals   SignalHandler
	journal   EventJournal
}

func (r *apiRoutes) handleStatus(c *gin.Context) {
	snap := r.monitor.Snapshot()
	resp := gin.H{
		"timestamp":    snap.Timestamp,
		"has_position": snap.HasPosition,
		"positions":    snap.Positions,
	}
	if r.risk != nil {
		resp["trading_allowed"] = r.risk.TradingAllowed()
		resp["daily_pnl"] = r.risk.DailyPnL()
	}
	if r.positions != nil {
		resp["invariant_violations"] = r.positions.InvariantViolations()
	}
	c.JSON(http.StatusOK, resp)
}

// handleEvents serves the in-memory ring by default; ?source=store reads the
// persisted journal instead, which survives restarts and holds more history.
func (r *apiRoutes) handleEvents(c *gin.Context) {
	kind := events.Kind(strings.TrimSpace(c.Query("kind")))
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))
	if limit <= 0 {
		limit = 100
	}
	if limit > 500 {
		limit = 500
	}

	if strings.EqualFold(c.Query("source"), "store") {
		if r.journal == nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "event store disabled"})
			return
		}
		rows, err := r.journal.Recent(c.Request.Context(), string(kind), limit)
		if err != nil {
			logger.Errorf("[api] journal query failed: %v", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"events": rows, "count": len(rows)})
		return
	}

	recent := r.bus.Recent(kind, limit)
	c.JSON(http.StatusOK, gin.H{"events": recent, "count": len(recent)})
}

func (r *apiRoutes) handleStats(c *gin.Context) {
	c.JSON(http.StatusOK, r.bus.Stats())
}

func (r *apiRoutes) handleSignal(c *gin.Context) {
	raw, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, 64*1024))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := r.signals.HandleSignal(c.Request.Context(), raw); err != nil {
		logger.Warnf("[api] signal rejected ip=%s err=%v", c.ClientIP(), err)
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	logger.Infof("[api] signal accepted ip=%s", c.ClientIP())
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// requestLogger traces manual API calls for later audit.
func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		method := c.Request.Method
		path := c.Request.URL.Path
		client := c.ClientIP()
		c.Next()
		logger.Debugf("HTTP %s %s status=%d ip=%s dur=%s",
			method, path, c.Writer.Status(), client, time.Since(start))
	}
}
