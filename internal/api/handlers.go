package api

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"upbit-trading-bot/config"
	"upbit-trading-bot/internal/autopilot"
	"upbit-trading-bot/internal/database"
	"upbit-trading-bot/internal/monitoring"
	"upbit-trading-bot/internal/settlement"

	"github.com/gin-gonic/gin"
)

// Engine is what the API needs from the market analyzer
type Engine interface {
	Start() (bool, string)
	Stop() (bool, string)
	IsRunning() bool
	Status() map[string]interface{}
	Config() *config.Config
	UpdateConfig(partial map[string]interface{}) error
	GetHoldings(ctx context.Context) (map[string]monitoring.Holding, error)
	GetBalance(ctx context.Context) (autopilot.Balance, error)
	GetMonitoredCoins(ctx context.Context) ([]autopilot.ScoredMarket, error)
	MarketBuy(ctx context.Context, market string) autopilot.Result
	MarketSell(ctx context.Context, market string) autopilot.Result
	SellAll(ctx context.Context) autopilot.Result
	GetPerformance() settlement.Summary
	RecentTrades(ctx context.Context, limit int) ([]database.TradeRecord, error)
}

var _ Engine = (*autopilot.MarketAnalyzer)(nil)

const requestTimeout = 30 * time.Second

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":     "healthy",
		"running":    s.engine.IsRunning(),
		"ws_clients": s.hub.GetClientCount(),
		"time":       time.Now().Format(time.RFC3339),
	})
}

func (s *Server) handleStatus(c *gin.Context) {
	successResponse(c, s.engine.Status())
}

func (s *Server) handleStart(c *gin.Context) {
	ok, msg := s.engine.Start()
	status := http.StatusOK
	if !ok {
		status = http.StatusConflict
	}
	c.JSON(status, gin.H{"success": ok, "message": msg})
}

func (s *Server) handleStop(c *gin.Context) {
	ok, msg := s.engine.Stop()
	status := http.StatusOK
	if !ok {
		status = http.StatusConflict
	}
	c.JSON(status, gin.H{"success": ok, "message": msg})
}

func (s *Server) handleHoldings(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), requestTimeout)
	defer cancel()

	holdings, err := s.engine.GetHoldings(ctx)
	if err != nil {
		errorResponse(c, http.StatusBadGateway, err.Error())
		return
	}
	successResponse(c, holdings)
}

func (s *Server) handleBalance(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), requestTimeout)
	defer cancel()

	balance, err := s.engine.GetBalance(ctx)
	if err != nil {
		errorResponse(c, http.StatusBadGateway, err.Error())
		return
	}
	successResponse(c, balance)
}

func (s *Server) handleMonitored(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), requestTimeout)
	defer cancel()

	coins, err := s.engine.GetMonitoredCoins(ctx)
	if err != nil {
		errorResponse(c, http.StatusBadGateway, err.Error())
		return
	}
	successResponse(c, coins)
}

func (s *Server) handleGetSettings(c *gin.Context) {
	successResponse(c, s.engine.Config().Redacted())
}

// handleUpdateSettings merges a partial JSON document into the tunable
// config sections
func (s *Server) handleUpdateSettings(c *gin.Context) {
	var partial map[string]interface{}
	if err := c.ShouldBindJSON(&partial); err != nil {
		errorResponse(c, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}
	if len(partial) == 0 {
		errorResponse(c, http.StatusBadRequest, "empty settings update")
		return
	}
	if err := s.engine.UpdateConfig(partial); err != nil {
		errorResponse(c, http.StatusBadRequest, err.Error())
		return
	}
	successResponse(c, s.engine.Config().Redacted())
}

func (s *Server) handlePerformance(c *gin.Context) {
	successResponse(c, s.engine.GetPerformance())
}

func (s *Server) handleTrades(c *gin.Context) {
	limit := 50
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			errorResponse(c, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}
	if limit > 500 {
		limit = 500
	}

	trades, err := s.engine.RecentTrades(c.Request.Context(), limit)
	if err != nil {
		errorResponse(c, http.StatusInternalServerError, err.Error())
		return
	}
	successResponse(c, trades)
}

func (s *Server) handleBuy(c *gin.Context) {
	market := strings.ToUpper(c.Param("market"))
	ctx, cancel := context.WithTimeout(c.Request.Context(), requestTimeout)
	defer cancel()

	s.writeResult(c, s.engine.MarketBuy(ctx, market))
}

func (s *Server) handleSell(c *gin.Context) {
	market := strings.ToUpper(c.Param("market"))
	ctx, cancel := context.WithTimeout(c.Request.Context(), requestTimeout)
	defer cancel()

	s.writeResult(c, s.engine.MarketSell(ctx, market))
}

func (s *Server) handleSellAll(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*requestTimeout)
	defer cancel()

	s.writeResult(c, s.engine.SellAll(ctx))
}

func (s *Server) writeResult(c *gin.Context, r autopilot.Result) {
	if !r.Success {
		s.logger.Warn("manual order rejected", "path", c.FullPath(), "error", r.Error)
		c.JSON(http.StatusBadRequest, r)
		return
	}
	c.JSON(http.StatusOK, r)
}
