package offer

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/tradeloop/tradeloop/internal/identity"
	"github.com/tradeloop/tradeloop/internal/validation"
	"github.com/tradeloop/tradeloop/internal/wallet"
)

// Handler provides HTTP endpoints for offer negotiation.
type Handler struct {
	service *Service
	logger  *slog.Logger
}

// NewHandler creates a new offer handler.
func NewHandler(service *Service, logger *slog.Logger) *Handler {
	return &Handler{service: service, logger: logger}
}

// RegisterRoutes sets up offer routes. All require an authenticated user.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/offers", h.CreateOffer)
	r.GET("/offers", h.MyOffers)
	r.GET("/offers/:id", h.GetOffer)
	r.POST("/offers/:id/accept", h.AcceptOffer)
	r.POST("/offers/:id/reject", h.RejectOffer)
	r.POST("/offers/:id/withdraw", h.WithdrawOffer)
	r.POST("/offers/:id/counter", h.CounterOffer)
	r.GET("/listings/:id/offers", h.ListingOffers)
}

// CreateOffer handles POST /offers
func (h *Handler) CreateOffer(c *gin.Context) {
	actor, _ := identity.CurrentActor(c)

	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}
	if !validation.IsValidID(req.ListingID) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "listingId is not a valid id"})
		return
	}

	o, err := h.service.Create(c.Request.Context(), actor, req)
	if err != nil {
		h.writeError(c, err, "create")
		return
	}

	h.logger.Info("offer created",
		"offerId", o.ID, "listingId", o.ListingID, "type", o.OfferType, "sender", o.SenderID)

	c.JSON(http.StatusCreated, gin.H{"offer": o})
}

// GetOffer handles GET /offers/:id
func (h *Handler) GetOffer(c *gin.Context) {
	actor, _ := identity.CurrentActor(c)

	o, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, err, "get")
		return
	}
	if !actor.Is(o.SenderID) && !actor.Is(o.ReceiverID) {
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden", "message": "You are not a party to this offer"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"offer": o})
}

// MyOffers handles GET /offers
func (h *Handler) MyOffers(c *gin.Context) {
	actor, _ := identity.CurrentActor(c)

	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	if limit <= 0 || limit > 200 {
		limit = 50
	}

	offers, err := h.service.ListByUser(c.Request.Context(), actor.UserID(), limit)
	if err != nil {
		h.writeError(c, err, "list")
		return
	}

	c.JSON(http.StatusOK, gin.H{"offers": offers, "count": len(offers)})
}

// ListingOffers handles GET /listings/:id/offers
func (h *Handler) ListingOffers(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	if limit <= 0 || limit > 200 {
		limit = 50
	}

	offers, err := h.service.ListByListing(c.Request.Context(), c.Param("id"), limit)
	if err != nil {
		h.writeError(c, err, "list")
		return
	}

	c.JSON(http.StatusOK, gin.H{"offers": offers, "count": len(offers)})
}

// AcceptOffer handles POST /offers/:id/accept
func (h *Handler) AcceptOffer(c *gin.Context) {
	actor, _ := identity.CurrentActor(c)

	result, err := h.service.Accept(c.Request.Context(), actor, c.Param("id"))
	if err != nil {
		h.writeError(c, err, "accept")
		return
	}

	if result.EscrowErr != nil {
		// The acceptance is durable; report the funding failure so the
		// buyer can top up and retry escrow creation.
		status, code := http.StatusConflict, "escrow_failed"
		if errors.Is(result.EscrowErr, wallet.ErrInsufficientFunds) {
			status, code = http.StatusPaymentRequired, "insufficient_funds"
		}
		c.JSON(status, gin.H{
			"error":   code,
			"message": "Offer accepted, but escrow funding failed: " + result.EscrowErr.Error(),
			"offer":   result.Offer,
		})
		return
	}

	h.logger.Info("offer accepted",
		"offerId", result.Offer.ID, "receiver", result.Offer.ReceiverID)

	c.JSON(http.StatusOK, gin.H{"offer": result.Offer, "escrow": result.Escrow})
}

// RejectOffer handles POST /offers/:id/reject
func (h *Handler) RejectOffer(c *gin.Context) {
	actor, _ := identity.CurrentActor(c)

	o, err := h.service.Reject(c.Request.Context(), actor, c.Param("id"))
	if err != nil {
		h.writeError(c, err, "reject")
		return
	}

	c.JSON(http.StatusOK, gin.H{"offer": o})
}

// WithdrawOffer handles POST /offers/:id/withdraw
func (h *Handler) WithdrawOffer(c *gin.Context) {
	actor, _ := identity.CurrentActor(c)

	o, err := h.service.Withdraw(c.Request.Context(), actor, c.Param("id"))
	if err != nil {
		h.writeError(c, err, "withdraw")
		return
	}

	c.JSON(http.StatusOK, gin.H{"offer": o})
}

// CounterOffer handles POST /offers/:id/counter
func (h *Handler) CounterOffer(c *gin.Context) {
	actor, _ := identity.CurrentActor(c)

	var req CounterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}

	o, err := h.service.Counter(c.Request.Context(), actor, c.Param("id"), req)
	if err != nil {
		h.writeError(c, err, "counter")
		return
	}

	h.logger.Info("counter-offer created",
		"offerId", o.ID, "parentOfferId", o.ParentOfferID, "sender", o.SenderID)

	c.JSON(http.StatusCreated, gin.H{"offer": o})
}

func (h *Handler) writeError(c *gin.Context, err error, op string) {
	switch {
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrListingNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": err.Error()})
	case errors.Is(err, ErrUnauthorized):
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden", "message": err.Error()})
	case errors.Is(err, ErrDuplicatePending):
		c.JSON(http.StatusConflict, gin.H{"error": "conflict", "message": err.Error()})
	case errors.Is(err, ErrInvalidState):
		c.JSON(http.StatusConflict, gin.H{"error": "invalid_state", "message": err.Error()})
	case errors.Is(err, ErrValidation), errors.Is(err, ErrListingInactive),
		errors.Is(err, ErrSelfOffer), errors.Is(err, ErrExpired), errors.Is(err, ErrCounterLimit):
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_failed", "message": err.Error()})
	default:
		h.logger.Error("offer operation failed", "op", op, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "offer_error", "message": "Offer operation failed"})
	}
}
