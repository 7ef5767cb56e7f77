package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"options-core/internal/advice"
	"options-core/internal/backtest"
)

// adviceError maps the lifecycle error taxonomy onto HTTP codes.
func adviceError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, advice.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"code": "NOT_FOUND", "error": err.Error()})
	case errors.Is(err, advice.ErrDuplicate):
		c.JSON(http.StatusConflict, gin.H{"code": "DUPLICATE", "error": err.Error()})
	case errors.Is(err, advice.ErrBadRequest):
		c.JSON(http.StatusBadRequest, gin.H{"code": "BAD_REQUEST", "error": err.Error()})
	case errors.Is(err, advice.ErrInvalidTransition):
		c.JSON(http.StatusConflict, gin.H{"code": "INVALID_TRANSITION", "error": err.Error()})
	case errors.Is(err, advice.ErrEntryBlocked):
		c.JSON(http.StatusForbidden, gin.H{"code": "ENTRY_BLOCKED", "error": err.Error()})
	case errors.Is(err, advice.ErrMarketClosed):
		c.JSON(http.StatusForbidden, gin.H{"code": "MARKET_CLOSED", "error": err.Error()})
	case errors.Is(err, advice.ErrOrderFailed):
		c.JSON(http.StatusBadGateway, gin.H{"code": "ORDER_ERROR", "error": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"code": "INTERNAL_ERROR", "error": err.Error()})
	}
}

func (s *Server) getEngineState(c *gin.Context) {
	c.JSON(http.StatusOK, s.Engine.StateSnapshot())
}

func (s *Server) startEngine(c *gin.Context) {
	if err := s.Engine.Start(c.Request.Context()); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"code": "INTERNAL_ERROR", "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, s.Engine.StateSnapshot())
}

func (s *Server) stopEngine(c *gin.Context) {
	s.Engine.Stop()
	c.JSON(http.StatusOK, s.Engine.StateSnapshot())
}

func (s *Server) setKillSwitch(c *gin.Context) {
	var req struct {
		On bool `json:"on"`
	}
	if err := c.BindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": "INVALID_PAYLOAD", "error": "invalid request payload"})
		return
	}
	s.Advices.SetKillSwitch(req.On)
	c.JSON(http.StatusOK, gin.H{"kill_switch": s.Advices.KillSwitch()})
}

func (s *Server) getRiskSummary(c *gin.Context) {
	c.JSON(http.StatusOK, s.Governor.Summary())
}

func (s *Server) listAdvices(c *gin.Context) {
	status := advice.Status(c.DefaultQuery("status", string(advice.StatusPending)))
	limit := 50

	var (
		out []advice.Advice
		err error
	)
	if status == advice.StatusPending {
		out, err = s.Advices.ListPending(c.Request.Context(), limit)
	} else {
		out, err = s.Advices.ListByStatus(c.Request.Context(), status, limit)
	}
	if err != nil {
		adviceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"advices": out, "count": len(out)})
}

func (s *Server) createAdvice(c *gin.Context) {
	var draft advice.Draft
	if err := c.BindJSON(&draft); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": "INVALID_PAYLOAD", "error": "invalid request payload"})
		return
	}
	a, err := s.Advices.Create(c.Request.Context(), draft)
	if err != nil {
		adviceError(c, err)
		return
	}
	c.JSON(http.StatusCreated, a)
}

func (s *Server) getAdvice(c *gin.Context) {
	a, err := s.Advices.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		adviceError(c, err)
		return
	}
	c.JSON(http.StatusOK, a)
}

func (s *Server) executeAdvice(c *gin.Context) {
	a, err := s.Advices.Execute(c.Request.Context(), c.Param("id"))
	if err != nil {
		adviceError(c, err)
		return
	}
	c.JSON(http.StatusOK, a)
}

func (s *Server) dismissAdvice(c *gin.Context) {
	a, err := s.Advices.Dismiss(c.Request.Context(), c.Param("id"))
	if err != nil {
		adviceError(c, err)
		return
	}
	c.JSON(http.StatusOK, a)
}

// runBacktest replays uploaded bars through the risk-parity emulator using a
// fixed stop/target strategy, so operators can sanity-check gate behavior
// against history.
func (s *Server) runBacktest(c *gin.Context) {
	var req struct {
		Bars        []backtest.Bar `json:"bars"`
		StartEquity float64        `json:"start_equity"`
		Qty         int64          `json:"qty"`
		StopPct     float64        `json:"stop_pct"`
		TargetPct   float64        `json:"target_pct"`
	}
	if err := c.BindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": "INVALID_PAYLOAD", "error": "invalid request payload"})
		return
	}
	if len(req.Bars) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"code": "BAD_REQUEST", "error": "bars are required"})
		return
	}
	if req.StartEquity <= 0 {
		req.StartEquity = 100000
	}
	if req.Qty <= 0 {
		req.Qty = 1
	}
	if req.StopPct <= 0 {
		req.StopPct = 5
	}

	strategy := func(bar backtest.Bar, pos *backtest.Position) backtest.Decision {
		d := backtest.Decision{
			Enter:    true,
			Qty:      req.Qty,
			StopLoss: bar.Close * (1 - req.StopPct/100),
		}
		if req.TargetPct > 0 {
			d.Target = bar.Close * (1 + req.TargetPct/100)
		}
		return d
	}

	emu := backtest.New(backtest.GatesFromParams(s.Params, req.StartEquity), strategy)
	sum, err := emu.Run(req.Bars)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": "BAD_REQUEST", "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, sum)
}
