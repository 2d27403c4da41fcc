package api

import (
	"context"
	"errors"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"

	"grid-core/internal/balance"
	"grid-core/internal/engine"
	"grid-core/internal/events"
	"grid-core/internal/risk"
	"grid-core/pkg/config"
	"grid-core/pkg/db"
	"grid-core/pkg/logger"
)

var log = logger.Component("api")

// Server exposes the operator control surface: state inspection, the risk
// picture, the action journal, pause/resume, and the emergency stop.
type Server struct {
	cfg     config.APIConfig
	engines map[string]*engine.Engine
	riskCtl *risk.Controller
	balance *balance.Cache
	db      *db.Database
	bus     *events.Bus

	lastStreamDrop atomic.Int64 // unix nano, 0 = never

	httpSrv *http.Server
}

func NewServer(cfg config.APIConfig, engines map[string]*engine.Engine, riskCtl *risk.Controller, bal *balance.Cache, database *db.Database, bus *events.Bus) *Server {
	return &Server{
		cfg:     cfg,
		engines: engines,
		riskCtl: riskCtl,
		balance: bal,
		db:      database,
		bus:     bus,
	}
}

func (s *Server) router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery(), RequestIDMiddleware(), RateLimitMiddleware())

	r.GET("/api/health", s.health)
	r.POST("/api/login", s.login)

	authed := r.Group("/api", AuthMiddleware(s.cfg.JWTSecret))
	{
		authed.GET("/state", s.state)
		authed.GET("/risk", s.riskState)
		authed.GET("/actions", s.actions)
		authed.POST("/symbols/:symbol/pause", s.pause)
		authed.POST("/symbols/:symbol/resume", s.resume)
		authed.POST("/emergency-close", s.emergencyClose)
	}
	return r
}

// Start serves until ctx is canceled.
func (s *Server) Start(ctx context.Context) {
	if s.bus != nil {
		drops, unsub := s.bus.Subscribe(events.TopicStreamDown, 4)
		go func() {
			defer unsub()
			for {
				select {
				case <-ctx.Done():
					return
				case _, ok := <-drops:
					if !ok {
						return
					}
					s.lastStreamDrop.Store(time.Now().UnixNano())
				}
			}
		}()
	}

	s.httpSrv = &http.Server{
		Addr:    ":" + s.cfg.Port,
		Handler: s.router(),
	}
	go func() {
		log.WithField("port", s.cfg.Port).Info("control api listening")
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Error("control api stopped")
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.httpSrv.Shutdown(shutdownCtx)
	}()
}

func (s *Server) health(c *gin.Context) {
	phases := make(map[string]string, len(s.engines))
	live := true
	for sym, e := range s.engines {
		phases[sym] = e.Phase().String()
		if e.Phase() != engine.PhaseLive {
			live = false
		}
	}
	status := http.StatusOK
	if !live || s.riskCtl.EmergencyClosed() {
		status = http.StatusServiceUnavailable
	}
	lastDrop := "never"
	if ns := s.lastStreamDrop.Load(); ns != 0 {
		lastDrop = time.Unix(0, ns).UTC().Format(time.RFC3339)
	}
	c.JSON(status, gin.H{
		"live":             live,
		"phases":           phases,
		"emergency":        s.riskCtl.EmergencyClosed(),
		"balance_age":      s.balance.Age().String(),
		"last_stream_drop": lastDrop,
	})
}

func (s *Server) state(c *gin.Context) {
	symbols := make(map[string]any, len(s.engines))
	for sym, e := range s.engines {
		entry := gin.H{
			"phase": e.Phase().String(),
			"book":  e.View(),
		}
		// Until the engine is live its book is empty; show the last persisted
		// snapshot for display only.
		if e.Phase() != engine.PhaseLive && s.db != nil {
			if snap, err := s.db.LoadSymbolSnapshot(c.Request.Context(), sym); err == nil {
				entry["persisted"] = snap
			}
		}
		symbols[sym] = entry
	}
	c.JSON(http.StatusOK, gin.H{
		"symbols": symbols,
		"balance": s.balance.Peek(),
	})
}

func (s *Server) riskState(c *gin.Context) {
	state, since := s.riskCtl.State()
	c.JSON(http.StatusOK, gin.H{
		"state":     state.String(),
		"since":     since,
		"emergency": s.riskCtl.EmergencyClosed(),
		"balance":   s.balance.Peek(),
	})
}

func (s *Server) actions(c *gin.Context) {
	rows, err := s.db.RecentActions(c.Request.Context(), 200)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "journal unavailable"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"actions": rows})
}

func (s *Server) pause(c *gin.Context) {
	e, ok := s.engines[c.Param("symbol")]
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown symbol"})
		return
	}
	e.Pause()
	c.JSON(http.StatusOK, gin.H{"symbol": e.Symbol(), "paused": true})
}

func (s *Server) resume(c *gin.Context) {
	e, ok := s.engines[c.Param("symbol")]
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown symbol"})
		return
	}
	e.Resume()
	c.JSON(http.StatusOK, gin.H{"symbol": e.Symbol(), "paused": false})
}

func (s *Server) emergencyClose(c *gin.Context) {
	var req struct {
		Confirm string `json:"confirm"`
	}
	// Flattening every position is not undoable; require an explicit token.
	if err := c.ShouldBindJSON(&req); err != nil || req.Confirm != "CLOSE-ALL" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "confirmation required", "code": "CONFIRM_REQUIRED"})
		return
	}
	log.WithField("ip", c.ClientIP()).Warn("operator requested emergency close")
	s.riskCtl.TriggerEmergency(c.Request.Context())
	c.JSON(http.StatusOK, gin.H{"emergency": true})
}
