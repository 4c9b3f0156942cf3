// Package api is the thin JSON status surface over a running engine
// session: health, engine status, open positions, circuit breaker state,
// and start/stop control.
package api

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"futures-trading-engine/config"
	"futures-trading-engine/internal/auth"
	"futures-trading-engine/internal/database"
	"futures-trading-engine/internal/engine"
	"futures-trading-engine/internal/logging"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
)

// Server is the HTTP status API.
type Server struct {
	router     *gin.Engine
	httpServer *http.Server
	engine     *engine.Engine
	db         *database.DB
	authSvc    *auth.Service
	cfg        config.ServerConfig
	log        *logging.Logger
}

// NewServer wires the routes. db may be nil when the audit log is
// disabled; trade-history endpoints then report the feature unavailable.
func NewServer(cfg config.ServerConfig, eng *engine.Engine, db *database.DB, authSvc *auth.Service) *Server {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	corsConfig := cors.DefaultConfig()
	if cfg.AllowedOrigins == "" || cfg.AllowedOrigins == "*" {
		corsConfig.AllowAllOrigins = true
	} else {
		corsConfig.AllowOrigins = strings.Split(cfg.AllowedOrigins, ",")
	}
	corsConfig.AllowHeaders = append(corsConfig.AllowHeaders, "Authorization")
	router.Use(cors.New(corsConfig))

	s := &Server{
		router:  router,
		engine:  eng,
		db:      db,
		authSvc: authSvc,
		cfg:     cfg,
		log:     logging.WithComponent("api"),
	}
	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	s.router.GET("/health", s.handleHealth)
	s.router.POST("/api/auth/login", s.handleLogin)

	authorized := s.router.Group("/api", auth.Middleware(s.authSvc))
	{
		authorized.GET("/status", s.handleStatus)
		authorized.GET("/positions", s.handlePositions)
		authorized.GET("/breaker", s.handleBreaker)
		authorized.POST("/breaker/reset", s.handleBreakerReset)
		authorized.GET("/trades/recent", s.handleRecentTrades)
		authorized.POST("/engine/start", s.handleEngineStart)
		authorized.POST("/engine/stop", s.handleEngineStop)
	}
}

// Start serves HTTP on the configured address, blocking until Shutdown.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  time.Duration(s.cfg.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(s.cfg.WriteTimeout) * time.Second,
	}

	s.log.Info("status API listening", "addr", addr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("api server: %w", err)
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// Router exposes the handler for tests.
func (s *Server) Router() http.Handler {
	return s.router
}

// ==================== HANDLERS ====================

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"running": s.engine.IsRunning(),
		"time":    time.Now().UTC().Format(time.RFC3339),
	})
}

type loginRequest struct {
	Password string `json:"password" binding:"required"`
}

func (s *Server) handleLogin(c *gin.Context) {
	if !s.authSvc.IsEnabled() {
		c.JSON(http.StatusOK, gin.H{"token": "", "auth_disabled": true})
		return
	}

	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "password is required"})
		return
	}

	token, err := s.authSvc.Login(req.Password)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid credentials"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"token": token})
}

func (s *Server) handleStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.engine.Status())
}

func (s *Server) handlePositions(c *gin.Context) {
	positions := s.engine.Store().Positions()
	out := make([]gin.H, 0, len(positions))
	for _, p := range positions {
		entry := gin.H{
			"symbol":      p.Symbol,
			"side":        string(p.Side),
			"entry_price": p.EntryPrice,
			"quantity":    p.Quantity,
			"leverage":    p.Leverage,
			"margin_type": string(p.MarginType),
			"opened_at":   p.OpenedAt,
		}
		if r, ok := s.engine.Store().GetRuntime(p.Symbol, p.Side); ok {
			entry["trailing_armed"] = r.TrailingActivated
			entry["highest_roe"] = r.HighestRoe
			entry["needs_market_stop"] = r.NeedsMarketStop
		}
		out = append(out, entry)
	}
	c.JSON(http.StatusOK, gin.H{"positions": out, "count": len(out)})
}

func (s *Server) handleBreaker(c *gin.Context) {
	c.JSON(http.StatusOK, s.engine.Breaker().GetStats())
}

func (s *Server) handleBreakerReset(c *gin.Context) {
	s.engine.Breaker().ForceReset()
	c.JSON(http.StatusOK, gin.H{"state": string(s.engine.Breaker().GetState())})
}

func (s *Server) handleRecentTrades(c *gin.Context) {
	if s.db == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "audit database is disabled"})
		return
	}
	trades, err := s.db.GetRecentTrades(c.Request.Context(), 50)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"trades": trades, "count": len(trades)})
}

func (s *Server) handleEngineStart(c *gin.Context) {
	if err := s.engine.Start(context.Background()); err != nil {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"running": true, "session_id": s.engine.SessionID()})
}

func (s *Server) handleEngineStop(c *gin.Context) {
	s.engine.Stop()
	c.JSON(http.StatusOK, gin.H{"running": false})
}
