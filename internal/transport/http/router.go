package httpapi

import (
	"context"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"talon/internal/store"
	"talon/internal/store/auditlog"
	"talon/internal/types"

	"github.com/gin-gonic/gin"
)

// ExecutionController is the executor surface the API needs: progress
// reads and the cooperative cancel signal.
type ExecutionController interface {
	Progress(ctx context.Context, controlID string) (types.ExecutionControl, error)
	Cancel(ctx context.Context, controlID, reason string) error
}

// RiskController is the risk-monitor surface: current utilizations and
// the manual breaker reset.
type RiskController interface {
	CheckAccount(ctx context.Context, accountID string) ([]types.Utilization, error)
	ResetBreaker(ctx context.Context, accountID string) error
}

// ReportRenderer writes the account P&L report as a standalone HTML page.
type ReportRenderer interface {
	RenderPnL(ctx context.Context, accountID string, w io.Writer) error
}

type Router struct {
	Positions  store.PositionStore
	RiskStore  store.RiskStore
	Executions ExecutionController
	Risk       RiskController
	Audit      *auditlog.Store
	Report     ReportRenderer
}

func (r *Router) Register(group *gin.RouterGroup) {
	if group == nil {
		return
	}
	group.GET("/positions", r.handleListPositions)
	group.GET("/positions/:id", r.handlePositionByID)
	if r.Executions != nil {
		group.GET("/executions/:id", r.handleExecutionProgress)
		group.POST("/executions/:id/cancel", r.handleExecutionCancel)
	}
	if r.Risk != nil {
		group.GET("/risk/utilization", r.handleRiskUtilization)
		group.POST("/risk/breakers/:account_id/reset", r.handleBreakerReset)
	}
	if r.RiskStore != nil {
		group.GET("/risk/breakers", r.handleListBreakers)
	}
	if r.Audit != nil {
		group.GET("/audit", r.handleAuditQuery)
	}
	if r.Report != nil {
		group.GET("/report/pnl", r.handleReport)
	}
}

func (r *Router) handleListPositions(c *gin.Context) {
	accountID := strings.TrimSpace(c.Query("account_id"))
	limit := intQuery(c, "limit", 100)
	positions, err := r.Positions.ListPositions(c.Request.Context(), accountID, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if positions == nil {
		positions = []types.Position{}
	}
	c.JSON(http.StatusOK, gin.H{"positions": positions, "count": len(positions)})
}

func (r *Router) handlePositionByID(c *gin.Context) {
	pos, found, err := r.Positions.GetPosition(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if !found {
		c.JSON(http.StatusNotFound, gin.H{"error": "position not found"})
		return
	}
	c.JSON(http.StatusOK, pos)
}

func (r *Router) handleExecutionProgress(c *gin.Context) {
	ctl, err := r.Executions.Progress(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"control":          ctl,
		"percent_complete": ctl.PercentComplete(),
	})
}

type cancelRequest struct {
	Reason string `json:"reason"`
}

func (r *Router) handleExecutionCancel(c *gin.Context) {
	var req cancelRequest
	if err := c.ShouldBindJSON(&req); err != nil && err != io.EOF {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if strings.TrimSpace(req.Reason) == "" {
		req.Reason = "operator request"
	}
	if err := r.Executions.Cancel(c.Request.Context(), c.Param("id"), req.Reason); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"cancelled": true, "reason": req.Reason})
}

func (r *Router) handleRiskUtilization(c *gin.Context) {
	accountID := strings.TrimSpace(c.Query("account_id"))
	if accountID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "account_id is required"})
		return
	}
	utils, err := r.Risk.CheckAccount(c.Request.Context(), accountID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if utils == nil {
		utils = []types.Utilization{}
	}
	c.JSON(http.StatusOK, gin.H{"account_id": accountID, "utilization": utils})
}

func (r *Router) handleListBreakers(c *gin.Context) {
	breakers, err := r.RiskStore.ListActiveBreakers(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if breakers == nil {
		breakers = []types.CircuitBreakerState{}
	}
	c.JSON(http.StatusOK, gin.H{"breakers": breakers})
}

func (r *Router) handleBreakerReset(c *gin.Context) {
	accountID := c.Param("account_id")
	if err := r.Risk.ResetBreaker(c.Request.Context(), accountID); err != nil {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"account_id": accountID, "reset": true})
}

func (r *Router) handleAuditQuery(c *gin.Context) {
	q := auditlog.Query{
		AccountID: strings.TrimSpace(c.Query("account_id")),
		Category:  auditlog.Category(strings.TrimSpace(c.Query("category"))),
		Limit:     intQuery(c, "limit", 100),
	}
	if since := strings.TrimSpace(c.Query("since")); since != "" {
		ts, err := time.Parse(time.RFC3339, since)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "since must be RFC3339"})
			return
		}
		q.Since = ts
	}
	recs, err := r.Audit.List(c.Request.Context(), q)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"entries": recs, "count": len(recs)})
}

func (r *Router) handleReport(c *gin.Context) {
	accountID := strings.TrimSpace(c.Query("account_id"))
	if accountID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "account_id is required"})
		return
	}
	c.Header("Content-Type", "text/html; charset=utf-8")
	if err := r.Report.RenderPnL(c.Request.Context(), accountID, c.Writer); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}

func intQuery(c *gin.Context, key string, def int) int {
	raw := strings.TrimSpace(c.Query(key))
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return def
	}
	return n
}
