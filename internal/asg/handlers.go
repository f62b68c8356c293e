package asg

import (
	"adaptive-grid-go/internal/config"
	"adaptive-grid-go/internal/grid"
	"adaptive-grid-go/internal/models"
	"adaptive-grid-go/internal/reporter"
	"adaptive-grid-go/internal/risk"
	"adaptive-grid-go/internal/server"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

type createRequest struct {
	Signal  models.Signal `json:"signal"`
	Options risk.Options  `json:"options"`
}

type closeRequest struct {
	Reason string `json:"reason"`
}

type gridSummary struct {
	ID           string            `json:"id"`
	Pair         string            `json:"pair"`
	Direction    models.Side       `json:"direction"`
	Status       models.GridStatus `json:"status"`
	StartPrice   float64           `json:"startPrice"`
	CurrentPrice float64           `json:"currentPrice"`
	CreatedAt    int64             `json:"createdAt"`
	Positions    int               `json:"positions"` // 未平仓数量
	TotalProfit  float64           `json:"totalProfit"`
}

type historyEntry struct {
	ID               string            `json:"id"`
	Pair             string            `json:"pair"`
	Direction        models.Side       `json:"direction"`
	Status           models.GridStatus `json:"status"`
	CreatedAt        int64             `json:"createdAt"`
	CompletedAt      int64             `json:"completedAt"`
	CompletionReason string            `json:"completionReason"`
	FinalProfit      float64           `json:"finalProfit"`
	Duration         int64             `json:"duration"`
}

// RegisterAPIEndpoints 注册模块接口, 由注册表挂载在 /api/adaptive-grid 下
func (m *Module) RegisterAPIEndpoints(r gin.IRouter) {
	r.POST("/create", m.handleCreate)
	r.GET("/active", m.handleActive)
	r.GET("/history", m.handleHistory)
	r.GET("/report", m.handleReport)
	r.POST("/config", m.handleConfig)
	r.GET("/:id", m.handleGridInfo)
	r.POST("/:id/close", m.handleClose)
}

func (m *Module) handleCreate(c *gin.Context) {
	if m.engine == nil {
		m.fail(c, http.StatusServiceUnavailable, grid.ErrNotInitialized)
		return
	}
	var req createRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		m.fail(c, http.StatusBadRequest, errors.Wrap(err, "invalid request body"))
		return
	}
	res, err := m.intake.Accept(c.Request.Context(), req.Signal, req.Options)
	if err != nil {
		m.fail(c, statusFor(err), err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success":          true,
		"gridId":           res.GridID,
		"pair":             res.Pair,
		"direction":        res.Direction,
		"entryOrders":      res.EntryOrders,
		"takeProfitOrders": res.TakeProfitOrders,
		"stopLossOrders":   res.StopLossOrders,
	})
}

func (m *Module) handleActive(c *gin.Context) {
	if m.engine == nil {
		m.fail(c, http.StatusServiceUnavailable, grid.ErrNotInitialized)
		return
	}
	grids := m.engine.ActiveGrids()
	out := make([]gridSummary, 0, len(grids))
	for _, g := range grids {
		out = append(out, gridSummary{
			ID:           g.ID,
			Pair:         g.Pair,
			Direction:    g.Direction,
			Status:       g.Status,
			StartPrice:   g.StartPrice,
			CurrentPrice: g.CurrentPrice,
			CreatedAt:    g.CreatedAt,
			Positions:    len(g.OpenPositions()),
			TotalProfit:  g.Stats.TotalProfit,
		})
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "grids": out})
}

func (m *Module) handleHistory(c *gin.Context) {
	if m.engine == nil {
		m.fail(c, http.StatusServiceUnavailable, grid.ErrNotInitialized)
		return
	}
	limit, err := queryLimit(c)
	if err != nil {
		m.fail(c, http.StatusBadRequest, err)
		return
	}
	grids := m.engine.GridHistory(limit)
	out := make([]historyEntry, 0, len(grids))
	for _, g := range grids {
		out = append(out, historyEntry{
			ID:               g.ID,
			Pair:             g.Pair,
			Direction:        g.Direction,
			Status:           g.Status,
			CreatedAt:        g.CreatedAt,
			CompletedAt:      g.CompletedAt,
			CompletionReason: g.CompletionReason,
			FinalProfit:      g.Stats.FinalProfit,
			Duration:         g.Stats.Duration,
		})
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "history": out})
}

// handleReport 有归档库时统计归档记录, 否则统计内存中的历史
func (m *Module) handleReport(c *gin.Context) {
	if m.engine == nil {
		m.fail(c, http.StatusServiceUnavailable, grid.ErrNotInitialized)
		return
	}
	limit, err := queryLimit(c)
	if err != nil {
		m.fail(c, http.StatusBadRequest, err)
		return
	}
	if limit <= 0 {
		limit = m.engine.Config().HistoryLimit
	}

	var results []reporter.GridResult
	source := "memory"
	if m.journal != nil {
		rows, err := m.journal.ListGrids(limit)
		if err != nil {
			m.fail(c, http.StatusInternalServerError, err)
			return
		}
		results, source = reporter.FromArchive(rows), "journal"
	} else {
		results = reporter.FromGrids(m.engine.GridHistory(limit))
	}
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"source":  source,
		"metrics": reporter.CalculateHistoryMetrics(results),
		"grids":   results,
	})
}

func (m *Module) handleConfig(c *gin.Context) {
	if m.engine == nil {
		m.fail(c, http.StatusServiceUnavailable, grid.ErrNotInitialized)
		return
	}
	patch, err := c.GetRawData()
	if err != nil {
		m.fail(c, http.StatusBadRequest, errors.Wrap(err, "read request body"))
		return
	}
	merged, err := config.MergeGridConfig(m.engine.Config(), patch)
	if err != nil {
		m.fail(c, http.StatusBadRequest, err)
		return
	}
	m.engine.SetConfig(merged)
	c.JSON(http.StatusOK, gin.H{"success": true, "config": merged})
}

func (m *Module) handleGridInfo(c *gin.Context) {
	if m.engine == nil {
		m.fail(c, http.StatusServiceUnavailable, grid.ErrNotInitialized)
		return
	}
	g, err := m.engine.GridInfo(c.Param("id"))
	if err != nil {
		m.fail(c, statusFor(err), err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "grid": g})
}

func (m *Module) handleClose(c *gin.Context) {
	if m.engine == nil {
		m.fail(c, http.StatusServiceUnavailable, grid.ErrNotInitialized)
		return
	}
	var req closeRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		m.fail(c, http.StatusBadRequest, errors.Wrap(err, "invalid request body"))
		return
	}
	if req.Reason == "" {
		req.Reason = models.ReasonManualClose
	}
	id := c.Param("id")
	if err := m.engine.CloseGrid(c.Request.Context(), id, req.Reason); err != nil {
		m.fail(c, statusFor(err), err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"message": fmt.Sprintf("Grid %s closed successfully", id),
		"reason":  req.Reason,
	})
}

// fail 输出统一的错误响应. 非调试模式下服务端错误不暴露细节
func (m *Module) fail(c *gin.Context, status int, err error) {
	body := gin.H{"success": false}
	debug := m.cfg != nil && m.cfg.Server.Debug
	switch {
	case debug:
		body["error"] = err.Error()
		body["stack"] = fmt.Sprintf("%+v", err)
	case status >= http.StatusInternalServerError:
		body["error"] = "internal error"
		body["requestId"] = server.RequestID(c)
	default:
		body["error"] = err.Error()
	}
	if status >= http.StatusInternalServerError {
		m.logger.Error("request failed",
			zap.String("path", c.FullPath()),
			zap.String("request_id", server.RequestID(c)),
			zap.Error(err))
	}
	_ = c.Error(err)
	c.JSON(status, body)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, grid.ErrInvalidSignal), errors.Is(err, grid.ErrLowConfidence):
		return http.StatusBadRequest
	case errors.Is(err, grid.ErrCapacityReached), errors.Is(err, grid.ErrPairActive):
		return http.StatusConflict
	case errors.Is(err, grid.ErrGridNotFound):
		return http.StatusNotFound
	}
	return http.StatusInternalServerError
}

func queryLimit(c *gin.Context) (int, error) {
	raw := c.Query("limit")
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, errors.Errorf("invalid limit %q", raw)
	}
	return n, nil
}
