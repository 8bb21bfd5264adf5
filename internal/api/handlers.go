package api

import (
	"encoding/json"
	"net/http"

	"github.com/gin-gonic/gin"

	"mm-control-plane/internal/composite"
	"mm-control-plane/internal/prediction"
	"mm-control-plane/internal/smc"
	"mm-control-plane/internal/store"
	"mm-control-plane/internal/strategy"
)

// refreshPredictionRequest extends the refresh input with optional raw
// candles for server-side candidate computation.
type refreshPredictionRequest struct {
	prediction.Input
	Candles []smc.Candle `json:"candles,omitempty"`
}

func (s *Server) handleHealth(c *gin.Context) {
	status := gin.H{"status": "ok"}
	code := http.StatusOK
	if s.repo != nil {
		if err := s.repo.HealthCheck(c.Request.Context()); err != nil {
			status["status"] = "degraded"
			status["database"] = err.Error()
			code = http.StatusServiceUnavailable
		}
	}
	c.JSON(code, status)
}

// ============================================================================
// BOTS
// ============================================================================

func (s *Server) handleCreateBot(c *gin.Context) {
	if s.repo == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "store unavailable"})
		return
	}
	var bot store.Bot
	if err := c.ShouldBindJSON(&bot); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if bot.ID == "" || bot.UserID == "" || bot.Exchange == "" || bot.Symbol == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "id, userId, exchange and symbol are required"})
		return
	}
	if err := s.repo.CreateBot(c.Request.Context(), &bot); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, bot)
}

func (s *Server) handleListBots(c *gin.Context) {
	if s.repo == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "store unavailable"})
		return
	}
	userID := c.Query("userId")
	if userID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "userId query parameter is required"})
		return
	}
	bots, err := s.repo.ListBotsByUser(c.Request.Context(), userID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"bots": bots})
}

func (s *Server) handleGetBot(c *gin.Context) {
	if s.repo == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "store unavailable"})
		return
	}
	bot, err := s.repo.GetBot(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if bot == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "bot not found"})
		return
	}
	c.JSON(http.StatusOK, bot)
}

func (s *Server) handleGetRuntime(c *gin.Context) {
	if s.repo == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "store unavailable"})
		return
	}
	rt, err := s.repo.GetBotRuntime(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if rt == nil {
		c.JSON(http.StatusOK, gin.H{"botId": c.Param("id"), "status": "STOPPED"})
		return
	}
	c.JSON(http.StatusOK, rt)
}

type startBotRequest struct {
	UserID   string `json:"userId" binding:"required"`
	Exchange string `json:"exchange" binding:"required"`
}

func (s *Server) handleStartBot(c *gin.Context) {
	if s.orch == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "orchestrator unavailable"})
		return
	}
	var req startBotRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	res, err := s.orch.Start(c.Request.Context(), c.Param("id"), req.UserID, req.Exchange)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if !res.OK {
		c.JSON(http.StatusForbidden, res)
		return
	}
	c.JSON(http.StatusOK, res)
}

type haltBotRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) handlePauseBot(c *gin.Context) {
	s.haltBot(c, "pause")
}

func (s *Server) handleStopBot(c *gin.Context) {
	s.haltBot(c, "stop")
}

func (s *Server) haltBot(c *gin.Context, action string) {
	if s.orch == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "orchestrator unavailable"})
		return
	}
	var req haltBotRequest
	// Body is optional for halt actions.
	_ = c.ShouldBindJSON(&req)

	var rt any
	var err error
	if action == "pause" {
		rt, err = s.orch.Pause(c.Request.Context(), c.Param("id"), req.Reason)
	} else {
		rt, err = s.orch.Stop(c.Request.Context(), c.Param("id"), req.Reason)
	}
	if err != nil {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, rt)
}

func (s *Server) handleEnqueueRun(c *gin.Context) {
	if s.orch == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "orchestrator unavailable"})
		return
	}
	res, err := s.orch.EnqueueRun(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, res)
}

// ============================================================================
// PREDICTIONS
// ============================================================================

func (s *Server) handleGetPrediction(c *gin.Context) {
	if s.repo == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "store unavailable"})
		return
	}
	state, err := s.repo.GetPredictionState(c.Request.Context(), c.Param("uniqueKey"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if state == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "prediction not found"})
		return
	}
	c.JSON(http.StatusOK, state)
}

func (s *Server) handleRefreshPrediction(c *gin.Context) {
	if s.predictions == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "prediction service unavailable"})
		return
	}
	var req refreshPredictionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	in := req.Input
	if in.Exchange == "" || in.Symbol == "" || in.Timeframe == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "exchange, symbol and timeframe are required"})
		return
	}
	// Raw candles run through the structure engine; any caller-supplied
	// snapshot paths (funding, basis, history context) are merged in.
	if len(req.Candles) > 0 {
		in.Candidate = prediction.BuildCandidate(req.Candles, smc.Options{}, req.Input.Candidate.FeatureSnapshot)
	}
	outcome, err := s.predictions.GenerateAndPersistPrediction(c.Request.Context(), in)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, outcome)
}

// ============================================================================
// STRATEGIES
// ============================================================================

type runStrategyRequest struct {
	StrategyID string                 `json:"strategyId" binding:"required"`
	Signal     prediction.Signal      `json:"signal"`
	Confidence float64                `json:"confidence"`
	Snapshot   map[string]any         `json:"snapshot"`
	Config     map[string]interface{} `json:"config"`
}

func (s *Server) handleRunStrategy(c *gin.Context) {
	if s.strategies == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "strategy registry unavailable"})
		return
	}
	var req runStrategyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	def, ok := s.strategies.Resolve(req.StrategyID)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown strategy " + req.StrategyID})
		return
	}
	decision := s.strategies.Run(c.Request.Context(), def, strategy.RunContext{
		Signal:     req.Signal,
		Confidence: req.Confidence,
		Snapshot:   prediction.Snapshot(req.Snapshot),
		Config:     req.Config,
	})
	c.JSON(http.StatusOK, decision)
}

type runCompositeRequest struct {
	Nodes        json.RawMessage   `json:"nodes" binding:"required"`
	Edges        json.RawMessage   `json:"edges"`
	CombineMode  string            `json:"combineMode"`
	OutputPolicy string            `json:"outputPolicy"`
	Signal       prediction.Signal `json:"signal"`
	Confidence   float64           `json:"confidence"`
	Snapshot     map[string]any    `json:"snapshot"`
}

func (s *Server) handleRunComposite(c *gin.Context) {
	if s.runComposite == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "composite runner unavailable"})
		return
	}
	var req runCompositeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	result := s.runComposite(c.Request.Context(), composite.Input{
		NodesJSON:    req.Nodes,
		EdgesJSON:    req.Edges,
		CombineMode:  req.CombineMode,
		OutputPolicy: req.OutputPolicy,
		Signal:       req.Signal,
		Confidence:   req.Confidence,
		Snapshot:     prediction.Snapshot(req.Snapshot),
	})
	if !result.Validation.Valid {
		c.JSON(http.StatusUnprocessableEntity, result)
		return
	}
	c.JSON(http.StatusOK, result)
}

// ============================================================================
// NEWS
// ============================================================================

func (s *Server) handleListNewsEvents(c *gin.Context) {
	if s.newsSvc == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "news service unavailable"})
		return
	}
	currency := c.Query("currency")
	day := c.Query("day")
	if currency == "" || day == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "currency and day query parameters are required"})
		return
	}
	events, err := s.newsSvc.ListEconomicEvents(c.Request.Context(), currency, day)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": events})
}

func (s *Server) handleNewsBlackout(c *gin.Context) {
	if s.newsSvc == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "news service unavailable"})
		return
	}
	symbol := c.Query("symbol")
	if symbol == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "symbol query parameter is required"})
		return
	}
	res, err := s.newsSvc.EvaluateNewsRiskForSymbol(c.Request.Context(), symbol)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, res)
}

// ============================================================================
// LICENSE
// ============================================================================

func (s *Server) handleLicenseStatus(c *gin.Context) {
	if s.licenseGate == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "license gate unavailable"})
		return
	}
	ent, err := s.licenseGate.Entitlements(c.Request.Context(), c.Param("userId"))
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, ent)
}
