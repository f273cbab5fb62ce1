package notify

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/tradeloop/tradeloop/internal/identity"
	"github.com/tradeloop/tradeloop/internal/idgen"
	"github.com/tradeloop/tradeloop/internal/security"
)

// Handler provides HTTP endpoints for webhook subscription management.
type Handler struct {
	store  Store
	logger *slog.Logger

	// validateURL guards against SSRF on user-supplied endpoint URLs.
	validateURL func(string) error
}

// NewHandler creates a new subscription handler.
func NewHandler(store Store, logger *slog.Logger) *Handler {
	return &Handler{store: store, logger: logger, validateURL: security.ValidateEndpointURL}
}

// RegisterRoutes sets up subscription routes. All require an authenticated user.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/subscriptions", h.CreateSubscription)
	r.GET("/subscriptions", h.MySubscriptions)
	r.GET("/subscriptions/:id", h.GetSubscription)
	r.DELETE("/subscriptions/:id", h.DeleteSubscription)
}

type createSubscriptionRequest struct {
	URL   string   `json:"url" binding:"required"`
	Kinds []string `json:"kinds"`
}

// CreateSubscription handles POST /subscriptions.
// The signing secret is returned once here and never again.
func (h *Handler) CreateSubscription(c *gin.Context) {
	actor, _ := identity.CurrentActor(c)
	userID := actor.UserID()

	var req createSubscriptionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}
	if err := h.validateURL(req.URL); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}

	sub := &Subscription{
		ID:        idgen.WithPrefix("sub_"),
		UserID:    userID,
		URL:       req.URL,
		Secret:    generateSecret(),
		Kinds:     req.Kinds,
		Active:    true,
		CreatedAt: time.Now(),
	}
	if err := h.store.Create(c.Request.Context(), sub); err != nil {
		h.logger.Error("failed to create subscription", "userId", userID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Failed to create subscription"})
		return
	}

	h.logger.Info("subscription created", "subscriptionId", sub.ID, "userId", userID)

	c.JSON(http.StatusCreated, gin.H{
		"subscription": sub,
		"secret":       sub.Secret,
	})
}

// MySubscriptions handles GET /subscriptions
func (h *Handler) MySubscriptions(c *gin.Context) {
	actor, _ := identity.CurrentActor(c)
	userID := actor.UserID()

	subs, err := h.store.ListByUser(c.Request.Context(), userID)
	if err != nil {
		h.logger.Error("failed to list subscriptions", "userId", userID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Failed to list subscriptions"})
		return
	}
	if subs == nil {
		subs = []*Subscription{}
	}
	c.JSON(http.StatusOK, gin.H{"subscriptions": subs, "count": len(subs)})
}

// GetSubscription handles GET /subscriptions/:id
func (h *Handler) GetSubscription(c *gin.Context) {
	actor, _ := identity.CurrentActor(c)

	sub, err := h.store.Get(c.Request.Context(), c.Param("id"))
	if errors.Is(err, ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "Subscription not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Failed to get subscription"})
		return
	}
	if !actor.Is(sub.UserID) {
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden", "message": "You do not own this subscription"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"subscription": sub})
}

// DeleteSubscription handles DELETE /subscriptions/:id
func (h *Handler) DeleteSubscription(c *gin.Context) {
	actor, _ := identity.CurrentActor(c)

	sub, err := h.store.Get(c.Request.Context(), c.Param("id"))
	if errors.Is(err, ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "Subscription not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Failed to get subscription"})
		return
	}
	if !actor.Is(sub.UserID) {
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden", "message": "You do not own this subscription"})
		return
	}
	if err := h.store.Delete(c.Request.Context(), sub.ID); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Failed to delete subscription"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": sub.ID})
}
