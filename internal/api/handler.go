// Package api exposes the operational surface: engine start/stop/state, risk
// summary, advice management, backtests and the websocket event stream.
package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"options-core/internal/advice"
	"options-core/internal/engine"
	"options-core/internal/events"
	"options-core/internal/risk"
)

// Server wires HTTP endpoints around the trading core.
type Server struct {
	Router    *gin.Engine
	Bus       *events.Bus
	Advices   *advice.Service
	Engine    *engine.Engine
	Governor  *risk.Governor
	Params    risk.Params
	JWTSecret string
	Auth      OperatorAuth
	Meta      SystemMeta
}

// SystemMeta describes runtime status exposed to operators.
type SystemMeta struct {
	PaperTrading bool
	UseMockFeed  bool
	InstanceID   string
	Version      string
}

// NewServer builds the router with the full middleware stack.
func NewServer(bus *events.Bus, advices *advice.Service, eng *engine.Engine,
	gov *risk.Governor, params risk.Params, auth OperatorAuth, jwtSecret string,
	rateLimit float64, meta SystemMeta) *Server {
	r := gin.New()

	// Middleware stack (order matters!)
	r.Use(gin.Recovery())
	r.Use(RequestIDMiddleware())
	r.Use(RequestLogger())
	r.Use(RateLimitMiddleware(rateLimit))
	r.Use(TimeoutMiddleware(30 * time.Second))
	r.Use(CORSMiddleware())

	s := &Server{
		Router:    r,
		Bus:       bus,
		Advices:   advices,
		Engine:    eng,
		Governor:  gov,
		Params:    params,
		JWTSecret: jwtSecret,
		Auth:      auth,
		Meta:      meta,
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.Router.GET("/health", s.health)
	s.Router.GET("/ws", s.websocket)

	api := s.Router.Group("/api")
	{
		api.GET("/system/status", s.getSystemStatus)
		api.POST("/auth/login", s.login)

		protected := api.Group("")
		protected.Use(AuthMiddleware(s.JWTSecret, s.Auth.Enabled()))
		{
			protected.GET("/engine", s.getEngineState)
			protected.POST("/engine/start", s.startEngine)
			protected.POST("/engine/stop", s.stopEngine)
			protected.POST("/engine/killswitch", s.setKillSwitch)

			protected.GET("/risk", s.getRiskSummary)

			protected.GET("/advices", s.listAdvices)
			protected.POST("/advices", s.createAdvice)
			protected.GET("/advices/:id", s.getAdvice)
			protected.POST("/advices/:id/execute", s.executeAdvice)
			protected.POST("/advices/:id/dismiss", s.dismissAdvice)

			protected.POST("/backtest", s.runBacktest)
		}
	}
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) getSystemStatus(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"paper_trading": s.Meta.PaperTrading,
		"mock_feed":     s.Meta.UseMockFeed,
		"instance_id":   s.Meta.InstanceID,
		"version":       s.Meta.Version,
		"engine":        s.Engine.StateSnapshot(),
	})
}

// Start runs the HTTP server; blocks until it exits.
func (s *Server) Start(addr string) error {
	return s.Router.Run(addr)
}
