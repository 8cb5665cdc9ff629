package webhooks

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/parv3213/flight-escrow/internal/events"
	"github.com/parv3213/flight-escrow/internal/idgen"
	"github.com/parv3213/flight-escrow/internal/validation"
)

// maxPerOwner caps subscriptions per caller.
const maxPerOwner = 10

// Handler provides HTTP endpoints for webhook management. Every route acts
// on the caller's own subscriptions.
type Handler struct {
	store      Store
	dispatcher *Dispatcher
	logger     *slog.Logger
}

// NewHandler creates a new webhook handler
func NewHandler(store Store, dispatcher *Dispatcher, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		store:      store,
		dispatcher: dispatcher,
		logger:     logger,
	}
}

// RegisterProtectedRoutes sets up webhook routes. The group must run
// validation.CallerMiddleware.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/webhooks", h.CreateWebhook)
	r.GET("/webhooks", h.ListWebhooks)
	r.DELETE("/webhooks/:webhookId", h.DeleteWebhook)
}

// CreateWebhookRequest for creating a webhook subscription
type CreateWebhookRequest struct {
	URL    string   `json:"url" binding:"required"`
	Events []string `json:"events"`
	Flight string   `json:"flight"`
}

// CreateWebhook handles POST /v1/webhooks
func (h *Handler) CreateWebhook(c *gin.Context) {
	owner, _ := validation.Caller(c)

	var req CreateWebhookRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	if err := h.dispatcher.ValidateURL(req.URL); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_url",
			"message": err.Error(),
		})
		return
	}

	types := make([]events.Type, 0, len(req.Events))
	for _, e := range req.Events {
		t := events.Type(e)
		if !t.Valid() {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_event",
				"message": "Unknown event type: " + e,
				"valid":   events.Types,
			})
			return
		}
		types = append(types, t)
	}

	sub := &Subscription{
		ID:        idgen.WithPrefix("wh_"),
		Owner:     owner,
		URL:       req.URL,
		Secret:    generateSecret(),
		Events:    types,
		Active:    true,
		CreatedAt: time.Now().UTC(),
	}
	if req.Flight != "" {
		flight, ok := validation.ParseAddress(req.Flight)
		if !ok {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_address",
				"message": "flight must be a valid Ethereum address",
			})
			return
		}
		sub.Flight = &flight
	}

	existing, err := h.store.ListByOwner(c.Request.Context(), owner)
	if err != nil {
		h.logger.Error("failed to list webhooks", "owner", owner.Hex(), "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "create_failed",
			"message": "Failed to create webhook",
		})
		return
	}
	if len(existing) >= maxPerOwner {
		c.JSON(http.StatusConflict, gin.H{
			"error":   "limit_reached",
			"message": "Delete an existing webhook before adding another",
		})
		return
	}

	if err := h.store.Create(c.Request.Context(), sub); err != nil {
		h.logger.Error("failed to create webhook", "owner", owner.Hex(), "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "create_failed",
			"message": "Failed to create webhook",
		})
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"webhook": sub,
		"secret":  sub.Secret, // only shown once
		"usage": gin.H{
			"signature": "Verify with HMAC-SHA256(body, secret), hex encoded",
			"header":    HeaderSignature,
		},
	})
}

// ListWebhooks handles GET /v1/webhooks
func (h *Handler) ListWebhooks(c *gin.Context) {
	owner, _ := validation.Caller(c)

	subs, err := h.store.ListByOwner(c.Request.Context(), owner)
	if err != nil {
		h.logger.Error("failed to list webhooks", "owner", owner.Hex(), "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "list_failed",
			"message": "Failed to list webhooks",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"webhooks": subs,
		"count":    len(subs),
	})
}

// DeleteWebhook handles DELETE /v1/webhooks/:webhookId
func (h *Handler) DeleteWebhook(c *gin.Context) {
	owner, _ := validation.Caller(c)
	id := c.Param("webhookId")

	sub, err := h.store.Get(c.Request.Context(), id)
	if errors.Is(err, ErrNotFound) || (err == nil && sub.Owner != owner) {
		// Someone else's webhook looks the same as a missing one.
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "Webhook not found",
		})
		return
	}
	if err == nil {
		err = h.store.Delete(c.Request.Context(), id)
	}
	if err != nil && !errors.Is(err, ErrNotFound) {
		h.logger.Error("failed to delete webhook", "webhook", id, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "delete_failed",
			"message": "Failed to delete webhook",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status":  "deleted",
		"message": "Webhook deleted",
	})
}

func generateSecret() string {
	b := make([]byte, 32)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
