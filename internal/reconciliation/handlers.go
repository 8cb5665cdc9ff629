package reconciliation

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
)

// Handler exposes reconciliation runs.
type Handler struct {
	runner *Runner
	logger *slog.Logger
}

// NewHandler creates a new reconciliation handler.
func NewHandler(runner *Runner, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{runner: runner, logger: logger}
}

// RegisterRoutes sets up admin routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/admin/reconcile", h.Run)
	r.GET("/admin/reconcile/last", h.LastReport)
}

// Run handles GET /v1/admin/reconcile
func (h *Handler) Run(c *gin.Context) {
	report, err := h.runner.RunAll(c.Request.Context())
	if err != nil {
		h.logger.Error("reconciliation failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "reconcile_failed",
			"message": "Failed to run reconciliation",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"report": report})
}

// LastReport handles GET /v1/admin/reconcile/last
func (h *Handler) LastReport(c *gin.Context) {
	report := h.runner.Last()
	if report == nil {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "No reconciliation has run yet",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"report": report})
}
