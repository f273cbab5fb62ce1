package escrow

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/tradeloop/tradeloop/internal/identity"
	"github.com/tradeloop/tradeloop/internal/validation"
	"github.com/tradeloop/tradeloop/internal/wallet"
)

// Handler provides HTTP endpoints for escrow operations.
type Handler struct {
	service *Service
	logger  *slog.Logger
}

// NewHandler creates a new escrow handler.
func NewHandler(service *Service, logger *slog.Logger) *Handler {
	return &Handler{service: service, logger: logger}
}

// RegisterRoutes sets up escrow routes. All require an authenticated user.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/escrows", h.CreateEscrow)
	r.GET("/escrows", h.MyEscrows)
	r.GET("/escrows/:id", h.GetEscrow)
	r.POST("/escrows/:id/release", h.ReleaseEscrow)
	r.POST("/escrows/:id/refund", h.RefundEscrow)
	r.POST("/escrows/:id/dispute", h.DisputeEscrow)
}

// RegisterAdminRoutes sets up the resolution endpoint. The server mounts
// this group behind operator auth; resolution acts as the platform, not
// as either trading party.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/escrows/:id/resolve", h.ResolveEscrow)
}

// CreateEscrow handles POST /escrows
func (h *Handler) CreateEscrow(c *gin.Context) {
	actor, _ := identity.CurrentActor(c)

	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}
	if !validation.IsValidID(req.OfferID) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "offerId is not a valid id"})
		return
	}

	e, err := h.service.Create(c.Request.Context(), actor, req)
	if err != nil {
		h.writeError(c, err, "create")
		return
	}

	h.logger.Info("escrow funded",
		"escrowId", e.ID, "offerId", e.OfferID, "amount", e.Amount, "fee", e.Fee)

	c.JSON(http.StatusCreated, gin.H{"escrow": e})
}

// GetEscrow handles GET /escrows/:id
func (h *Handler) GetEscrow(c *gin.Context) {
	actor, _ := identity.CurrentActor(c)

	e, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, err, "get")
		return
	}
	if !actor.Is(e.BuyerID) && !actor.Is(e.SellerID) {
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden", "message": "You are not a party to this escrow"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrow": e})
}

// MyEscrows handles GET /escrows
func (h *Handler) MyEscrows(c *gin.Context) {
	userID := identity.CurrentUser(c)

	escrows, err := h.service.ListByUser(c.Request.Context(), userID, 50)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "escrow_error", "message": "Failed to list escrows"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrows": escrows, "count": len(escrows)})
}

// ReleaseRequest is the body for POST /escrows/:id/release
type ReleaseRequest struct {
	Confirmed bool `json:"confirmed"`
}

// ReleaseEscrow handles POST /escrows/:id/release
func (h *Handler) ReleaseEscrow(c *gin.Context) {
	actor, _ := identity.CurrentActor(c)

	var req ReleaseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}

	e, err := h.service.Release(c.Request.Context(), actor, c.Param("id"), req.Confirmed)
	if err != nil {
		h.writeError(c, err, "release")
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrow": e})
}

// RefundEscrow handles POST /escrows/:id/refund
func (h *Handler) RefundEscrow(c *gin.Context) {
	actor, _ := identity.CurrentActor(c)

	var req struct {
		Reason string `json:"reason"`
	}
	_ = c.ShouldBindJSON(&req)

	e, err := h.service.Refund(c.Request.Context(), actor, c.Param("id"), validation.SanitizeString(req.Reason, 500))
	if err != nil {
		h.writeError(c, err, "refund")
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrow": e})
}

// DisputeEscrow handles POST /escrows/:id/dispute
func (h *Handler) DisputeEscrow(c *gin.Context) {
	actor, _ := identity.CurrentActor(c)

	var req DisputeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}

	e, info, err := h.service.Dispute(c.Request.Context(), actor, c.Param("id"), validation.SanitizeString(req.Reason, 500))
	if err != nil {
		h.writeError(c, err, "dispute")
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrow": e, "dispute": info})
}

// ResolveEscrow handles POST /escrows/:id/resolve (admin)
func (h *Handler) ResolveEscrow(c *gin.Context) {
	var req ResolveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}

	e, err := h.service.Resolve(c.Request.Context(), identity.Scheduler(), c.Param("id"), req)
	if err != nil {
		h.writeError(c, err, "resolve")
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrow": e})
}

func (h *Handler) writeError(c *gin.Context, err error, op string) {
	switch {
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrOfferNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": err.Error()})
	case errors.Is(err, ErrUnauthorized):
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden", "message": err.Error()})
	case errors.Is(err, ErrAlreadyExists):
		c.JSON(http.StatusConflict, gin.H{"error": "conflict", "message": err.Error()})
	case errors.Is(err, ErrInvalidState), errors.Is(err, ErrOfferNotAccepted):
		c.JSON(http.StatusConflict, gin.H{"error": "invalid_state", "message": err.Error()})
	case errors.Is(err, ErrNotConfirmed):
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_failed", "message": err.Error()})
	case errors.Is(err, wallet.ErrInsufficientFunds):
		c.JSON(http.StatusPaymentRequired, gin.H{"error": "insufficient_funds", "message": "Buyer balance does not cover amount plus fee"})
	default:
		h.logger.Error("escrow operation failed", "op", op, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "escrow_error", "message": "Escrow operation failed"})
	}
}
