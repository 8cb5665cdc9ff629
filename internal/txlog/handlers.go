package txlog

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"
)

// Handler exposes transaction receipts.
type Handler struct {
	log *Log
}

// NewHandler creates a new receipt handler.
func NewHandler(log *Log) *Handler {
	return &Handler{log: log}
}

// RegisterRoutes sets up receipt routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/tx/:id", h.GetReceipt)
	r.GET("/flights/:address/txs", h.ListReceipts)
}

// GetReceipt handles GET /v1/tx/:id
func (h *Handler) GetReceipt(c *gin.Context) {
	receipt, err := h.log.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, ErrReceiptNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "Transaction not found",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "receipt_error",
			"message": "Failed to retrieve transaction",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"receipt": receipt})
}

// ListReceipts handles GET /v1/flights/:address/txs
func (h *Handler) ListReceipts(c *gin.Context) {
	limit := 50
	if l := c.Query("limit"); l != "" {
		if n, err := strconv.Atoi(l); err == nil && n > 0 && n <= 500 {
			limit = n
		}
	}

	receipts, err := h.log.ListByTarget(c.Request.Context(), common.HexToAddress(c.Param("address")), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "receipt_error",
			"message": "Failed to retrieve transactions",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"receipts": receipts,
		"count":    len(receipts),
	})
}
