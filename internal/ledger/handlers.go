package ledger

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"

	"github.com/parv3213/flight-escrow/internal/ether"
	"github.com/parv3213/flight-escrow/internal/idgen"
	"github.com/parv3213/flight-escrow/internal/txlog"
	"github.com/parv3213/flight-escrow/internal/validation"
)

// Sequencer orders state changes. Satisfied by *txlog.Log.
type Sequencer interface {
	Submit(ctx context.Context, tx *txlog.Tx, apply txlog.ApplyFunc) (*txlog.Receipt, error)
}

// Handler provides HTTP endpoints for ledger operations
type Handler struct {
	ledger *Ledger
	seq    Sequencer
	logger *slog.Logger
}

// NewHandler creates a new ledger handler
func NewHandler(ledger *Ledger, seq Sequencer, logger *slog.Logger) *Handler {
	return &Handler{ledger: ledger, seq: seq, logger: logger}
}

// RegisterRoutes sets up read-only ledger routes
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/accounts/:address/balance", h.GetBalance)
	r.GET("/accounts/:address/history", h.GetHistory)
}

// RegisterAdminRoutes sets up routes that mint funds. r must be guarded by
// auth.RequireAdmin.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/accounts/:address/deposit", h.RecordDeposit)
}

// GetBalance handles GET /accounts/:address/balance
func (h *Handler) GetBalance(c *gin.Context) {
	balance, err := h.ledger.GetBalance(c.Request.Context(), common.HexToAddress(c.Param("address")))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "balance_error",
			"message": "Failed to retrieve balance",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"balance": balance,
	})
}

// GetHistory handles GET /accounts/:address/history
func (h *Handler) GetHistory(c *gin.Context) {
	limit := 50
	if l := c.Query("limit"); l != "" {
		if n, err := strconv.Atoi(l); err == nil && n > 0 {
			limit = n
		}
	}

	entries, err := h.ledger.GetHistory(c.Request.Context(), common.HexToAddress(c.Param("address")), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "ledger_error",
			"message": "Failed to retrieve ledger history",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"entries": entries,
		"count":   len(entries),
	})
}

// DepositRequest records external funds arriving for an account.
type DepositRequest struct {
	Amount string `json:"amount" binding:"required"`
	TxHash string `json:"txHash"`
}

// RecordDeposit handles POST /accounts/:address/deposit
func (h *Handler) RecordDeposit(c *gin.Context) {
	addr := common.HexToAddress(c.Param("address"))

	var req DepositRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	amount, ok := ether.Parse(req.Amount)
	if !ok || amount.Sign() <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_amount",
			"message": "Amount must be a positive decimal number with at most 18 decimals",
		})
		return
	}

	txHash := req.TxHash
	if txHash == "" {
		txHash = idgen.TxHash()
	} else if !validation.IsValidTxHash(txHash) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_tx_hash",
			"message": "txHash must be 0x followed by 64 hex chars",
		})
		return
	}

	receipt, err := SubmitDeposit(c.Request.Context(), h.seq, h.ledger, addr, amount, txHash)
	if err != nil {
		if errors.Is(err, ErrDuplicateDeposit) {
			c.JSON(http.StatusConflict, gin.H{
				"error":   "duplicate_deposit",
				"message": "Deposit already processed",
			})
			return
		}
		if errors.Is(err, ErrReservedAccount) {
			c.JSON(http.StatusForbidden, gin.H{
				"error":   "reserved_account",
				"message": "Escrow and registry accounts cannot receive deposits",
			})
			return
		}
		h.logger.Error("deposit failed", "account", addr.Hex(), "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "deposit_error",
			"message": "Failed to record deposit",
		})
		return
	}

	balance, _ := h.ledger.GetBalance(c.Request.Context(), addr)
	c.JSON(http.StatusCreated, gin.H{
		"status":  "credited",
		"receipt": receipt,
		"balance": balance,
	})
}
