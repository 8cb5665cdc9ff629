package flight

import (
	"errors"
	"log/slog"
	"math/big"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"

	"github.com/parv3213/flight-escrow/internal/ether"
	"github.com/parv3213/flight-escrow/internal/txlog"
	"github.com/parv3213/flight-escrow/internal/validation"
)

// Handler provides HTTP endpoints for flight escrow operations.
type Handler struct {
	service *Service
	logger  *slog.Logger
}

// NewHandler creates a new flight handler.
func NewHandler(service *Service, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{service: service, logger: logger}
}

// RegisterRoutes sets up public (read-only) flight routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/flights/:address", h.GetFlight)
	r.GET("/flights/:address/passengers", h.ListPassengers)
}

// RegisterProtectedRoutes sets up routes that act on behalf of a caller.
// The group must run validation.CallerMiddleware.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/flights/:address/tickets", h.BuyTicket)
	r.POST("/flights/:address/dispute", h.RaiseDispute)
	r.POST("/flights/:address/resolve", h.ResolveDispute)
	r.POST("/flights/:address/withdraw", h.Withdraw)
	r.POST("/flights/:address/refund", h.Refund)
	r.POST("/flights/:address/claim", h.Claim)
}

// View is the JSON form of a flight.
type View struct {
	Address         common.Address  `json:"address"`
	Factory         common.Address  `json:"factory"`
	Operator        common.Address  `json:"operator"`
	Authority       common.Address  `json:"authority"`
	Status          Status          `json:"status"`
	StatusCode      int             `json:"statusCode"`
	Departure       time.Time       `json:"departure"`
	DepartureCode   common.Hash     `json:"departureCode"`
	ArrivalCode     common.Hash     `json:"arrivalCode"`
	BaseFare        string          `json:"baseFare"`
	Bond            string          `json:"bond"`
	DisputeFee      string          `json:"disputeFee"`
	DelayLimit      int64           `json:"delayLimitSeconds"`
	WithdrawWait    int64           `json:"withdrawWaitSeconds"`
	DisputeOpensAt  time.Time       `json:"disputeOpensAt"`
	WithdrawOpensAt time.Time       `json:"withdrawOpensAt"`
	PassengerLimit  int             `json:"passengerLimit"`
	PassengerCount  int             `json:"passengerCount"`
	DisputeRaiser   *common.Address `json:"disputeRaiser,omitempty"`
	DecisionReason  string          `json:"decisionReason,omitempty"`
	ShouldRefund    bool            `json:"shouldRefund"`
	OperatorPaid    bool            `json:"operatorPaid"`
	RaiserClaimed   bool            `json:"raiserClaimed"`
	Balance         string          `json:"balance,omitempty"`
	Outstanding     string          `json:"outstanding"`
	CreatedAt       time.Time       `json:"createdAt"`
	UpdatedAt       time.Time       `json:"updatedAt"`
	SettledAt       *time.Time      `json:"settledAt,omitempty"`
}

// NewView renders f. A nil balance is omitted.
func NewView(f *Flight, balance *big.Int) View {
	v := View{
		Address:         f.Address,
		Factory:         f.Factory,
		Operator:        f.Operator,
		Authority:       f.Authority,
		Status:          f.Status,
		StatusCode:      f.Status.Code(),
		Departure:       f.Departure,
		DepartureCode:   f.DepartureCode,
		ArrivalCode:     f.ArrivalCode,
		BaseFare:        ether.Format(f.BaseFare),
		Bond:            ether.Format(f.Bond),
		DisputeFee:      ether.Format(f.DisputeFee),
		DelayLimit:      int64(f.DelayLimit / time.Second),
		WithdrawWait:    int64(f.WithdrawWait / time.Second),
		DisputeOpensAt:  f.DisputeOpensAt(),
		WithdrawOpensAt: f.WithdrawOpensAt(),
		PassengerLimit:  f.PassengerLimit,
		PassengerCount:  f.PassengerCount(),
		DisputeRaiser:   f.DisputeRaiser,
		DecisionReason:  f.DecisionReason,
		ShouldRefund:    f.ShouldRefund,
		OperatorPaid:    f.OperatorPaid,
		RaiserClaimed:   f.RaiserClaimed,
		Outstanding:     ether.Format(f.Outstanding()),
		CreatedAt:       f.CreatedAt,
		UpdatedAt:       f.UpdatedAt,
		SettledAt:       f.SettledAt,
	}
	if balance != nil {
		v.Balance = ether.Format(balance)
	}
	return v
}

// GetFlight handles GET /v1/flights/:address
func (h *Handler) GetFlight(c *gin.Context) {
	addr := common.HexToAddress(c.Param("address"))

	f, err := h.service.Get(c.Request.Context(), addr)
	if err != nil {
		h.writeError(c, err, nil)
		return
	}
	balance, err := h.service.Balance(c.Request.Context(), addr)
	if err != nil {
		h.logger.Warn("failed to read escrow balance", "flight", addr.Hex(), "error", err)
		balance = nil
	}

	c.JSON(http.StatusOK, gin.H{"flight": NewView(f, balance)})
}

// ListPassengers handles GET /v1/flights/:address/passengers
func (h *Handler) ListPassengers(c *gin.Context) {
	f, err := h.service.Get(c.Request.Context(), common.HexToAddress(c.Param("address")))
	if err != nil {
		h.writeError(c, err, nil)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"passengers": f.Passengers,
		"count":      f.PassengerCount(),
	})
}

// BuyTicketRequest is the body of POST /flights/:address/tickets.
type BuyTicketRequest struct {
	Name  string `json:"name"`
	Value string `json:"value" binding:"required"`
}

// BuyTicket handles POST /v1/flights/:address/tickets
func (h *Handler) BuyTicket(c *gin.Context) {
	var req BuyTicketRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}
	if errs := validation.Validate(
		validation.MaxLength("name", req.Name, validation.MaxNameLength),
		validation.ValidAmount("value", req.Value),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}

	value, _ := ether.Parse(req.Value)
	caller, _ := validation.Caller(c)
	name := validation.SanitizeString(req.Name, validation.MaxNameLength)

	f, receipt, err := h.service.BuyTicket(c.Request.Context(), common.HexToAddress(c.Param("address")), caller, name, value)
	h.respond(c, http.StatusCreated, f, receipt, err)
}

// PaymentRequest carries the value sent with a dispute.
type PaymentRequest struct {
	Value string `json:"value" binding:"required"`
}

// RaiseDispute handles POST /v1/flights/:address/dispute
func (h *Handler) RaiseDispute(c *gin.Context) {
	var req PaymentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}
	value, ok := ether.Parse(req.Value)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_amount",
			"message": "value must be a decimal number with at most 18 decimals",
		})
		return
	}

	caller, _ := validation.Caller(c)
	f, receipt, err := h.service.RaiseDelayDispute(c.Request.Context(), common.HexToAddress(c.Param("address")), caller, value)
	h.respond(c, http.StatusOK, f, receipt, err)
}

// ResolveRequest is the authority's ruling.
type ResolveRequest struct {
	Reason string `json:"reason"`
	Refund bool   `json:"refund"`
}

// ResolveDispute handles POST /v1/flights/:address/resolve
func (h *Handler) ResolveDispute(c *gin.Context) {
	var req ResolveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	caller, _ := validation.Caller(c)
	reason := validation.SanitizeString(req.Reason, 1000)
	f, receipt, err := h.service.ResolveDispute(c.Request.Context(), common.HexToAddress(c.Param("address")), caller, reason, req.Refund)
	h.respond(c, http.StatusOK, f, receipt, err)
}

// Withdraw handles POST /v1/flights/:address/withdraw
func (h *Handler) Withdraw(c *gin.Context) {
	caller, _ := validation.Caller(c)
	f, receipt, err := h.service.OperatorWithdraw(c.Request.Context(), common.HexToAddress(c.Param("address")), caller)
	h.respond(c, http.StatusOK, f, receipt, err)
}

// Refund handles POST /v1/flights/:address/refund
func (h *Handler) Refund(c *gin.Context) {
	caller, _ := validation.Caller(c)
	f, receipt, err := h.service.PassengerRefund(c.Request.Context(), common.HexToAddress(c.Param("address")), caller)
	h.respond(c, http.StatusOK, f, receipt, err)
}

// Claim handles POST /v1/flights/:address/claim
func (h *Handler) Claim(c *gin.Context) {
	caller, _ := validation.Caller(c)
	f, receipt, err := h.service.DisputeRaiserClaim(c.Request.Context(), common.HexToAddress(c.Param("address")), caller)
	h.respond(c, http.StatusOK, f, receipt, err)
}

func (h *Handler) respond(c *gin.Context, status int, f *Flight, receipt *txlog.Receipt, err error) {
	if err != nil {
		h.writeError(c, err, receipt)
		return
	}
	c.JSON(status, gin.H{
		"flight":  NewView(f, nil),
		"receipt": receipt,
	})
}

func (h *Handler) writeError(c *gin.Context, err error, receipt *txlog.Receipt) {
	revert, ok := txlog.AsRevert(err)
	if !ok {
		h.logger.Error("flight operation failed", "path", c.FullPath(), "error", err)
		body := gin.H{
			"error":   "internal_error",
			"message": "Failed to process flight operation",
		}
		if receipt != nil {
			body["receipt"] = receipt
		}
		c.JSON(http.StatusInternalServerError, body)
		return
	}

	body := gin.H{
		"error":   revert.Code,
		"message": revert.Reason,
	}
	if receipt != nil {
		body["receipt"] = receipt
	}
	c.JSON(StatusForRevert(err), body)
}

// StatusForRevert maps a revert reason to an HTTP status.
func StatusForRevert(err error) int {
	switch {
	case errors.Is(err, ErrFlightNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrNotAuthorized):
		return http.StatusForbidden
	case errors.Is(err, ErrIncorrectFareAmount),
		errors.Is(err, ErrIncorrectDisputeFee),
		errors.Is(err, ErrReasonRequired):
		return http.StatusUnprocessableEntity
	case txlog.IsRevert(err):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
