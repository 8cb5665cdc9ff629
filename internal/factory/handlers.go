package factory

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/parv3213/flight-escrow/internal/ether"
	"github.com/parv3213/flight-escrow/internal/flight"
	"github.com/parv3213/flight-escrow/internal/txlog"
	"github.com/parv3213/flight-escrow/internal/validation"
)

// Handler provides HTTP endpoints for the escrow registry.
type Handler struct {
	service *Service
	logger  *slog.Logger
}

// NewHandler creates a new registry handler.
func NewHandler(service *Service, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{service: service, logger: logger}
}

// RegisterRoutes sets up public (read-only) registry routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/flights", h.ListFlights)
	r.GET("/flights/index/:index", h.FlightAt)
	r.GET("/authority", h.GetAuthority)
	r.GET("/quote", h.Quote)
}

// RegisterProtectedRoutes sets up routes that act on behalf of a caller.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/flights", h.CreateFlight)
}

// CreateRequest is the body of POST /v1/flights. The caller becomes the
// flight's operator.
type CreateRequest struct {
	Departure      time.Time `json:"departure" binding:"required"`
	DepartureCode  string    `json:"departureCode" binding:"required"`
	ArrivalCode    string    `json:"arrivalCode" binding:"required"`
	BaseFare       string    `json:"baseFare" binding:"required"`
	PassengerLimit int       `json:"passengerLimit"`
	Bond           string    `json:"bond" binding:"required"`
}

// CreateFlight handles POST /v1/flights
func (h *Handler) CreateFlight(c *gin.Context) {
	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}
	if errs := validation.Validate(
		validation.ValidAmount("baseFare", req.BaseFare),
		validation.ValidAmount("bond", req.Bond),
		validation.MaxLength("departureCode", req.DepartureCode, 66),
		validation.MaxLength("arrivalCode", req.ArrivalCode, 66),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}

	baseFare, _ := ether.Parse(req.BaseFare)
	bond, _ := ether.Parse(req.Bond)
	caller, _ := validation.Caller(c)

	entry, f, receipt, err := h.service.CreateFlight(c.Request.Context(), caller, Params{
		Departure:      req.Departure,
		DepartureCode:  req.DepartureCode,
		ArrivalCode:    req.ArrivalCode,
		BaseFare:       baseFare,
		PassengerLimit: req.PassengerLimit,
	}, bond)
	if err != nil {
		h.writeError(c, err, receipt)
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"entry":   entry,
		"flight":  flight.NewView(f, nil),
		"receipt": receipt,
	})
}

// ListFlights handles GET /v1/flights
func (h *Handler) ListFlights(c *gin.Context) {
	limit := 50
	if l := c.Query("limit"); l != "" {
		if n, err := strconv.Atoi(l); err == nil && n > 0 {
			limit = n
		}
	}

	page, err := h.service.List(c.Request.Context(), c.Query("cursor"), limit)
	if err != nil {
		if errors.Is(err, ErrInvalidCursor) {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_cursor",
				"message": "Cursor is malformed or stale",
			})
			return
		}
		h.logger.Error("failed to list flights", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "list_failed",
			"message": "Failed to list flights",
		})
		return
	}

	c.JSON(http.StatusOK, page)
}

// FlightAt handles GET /v1/flights/index/:index
func (h *Handler) FlightAt(c *gin.Context) {
	index, err := strconv.Atoi(c.Param("index"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_index",
			"message": "index must be an integer",
		})
		return
	}

	entry, err := h.service.FlightAt(c.Request.Context(), index)
	if err != nil {
		h.writeError(c, err, nil)
		return
	}
	c.JSON(http.StatusOK, gin.H{"entry": entry})
}

// GetAuthority handles GET /v1/authority
func (h *Handler) GetAuthority(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"authority": h.service.EscrowAuthority(),
		"factory":   h.service.Address(),
	})
}

// Quote handles GET /v1/quote?baseFare=0.1 and returns the bond and dispute
// fee a flight at that fare requires.
func (h *Handler) Quote(c *gin.Context) {
	fare, ok := ether.Parse(c.Query("baseFare"))
	if !ok || fare.Sign() <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_amount",
			"message": "baseFare must be a positive decimal number",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"baseFare":   ether.Format(fare),
		"bond":       ether.Format(h.service.RequiredBond(fare)),
		"disputeFee": ether.Format(h.service.DisputeFee(fare)),
	})
}

func (h *Handler) writeError(c *gin.Context, err error, receipt *txlog.Receipt) {
	revert, ok := txlog.AsRevert(err)
	if !ok {
		h.logger.Error("registry operation failed", "path", c.FullPath(), "error", err)
		body := gin.H{
			"error":   "internal_error",
			"message": "Failed to process registry operation",
		}
		if receipt != nil {
			body["receipt"] = receipt
		}
		c.JSON(http.StatusInternalServerError, body)
		return
	}

	status := http.StatusConflict
	switch {
	case errors.Is(err, ErrIndexOutOfRange):
		status = http.StatusNotFound
	case errors.Is(err, ErrIncorrectBondAmount), errors.Is(err, ErrInvalidFlightParams):
		status = http.StatusUnprocessableEntity
	}
	body := gin.H{
		"error":   revert.Code,
		"message": err.Error(),
	}
	if receipt != nil {
		body["receipt"] = receipt
	}
	c.JSON(status, body)
}
