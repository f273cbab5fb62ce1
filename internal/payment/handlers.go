package payment

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/tradeloop/tradeloop/internal/identity"
	"github.com/tradeloop/tradeloop/internal/wallet"
)

// SignatureHeader carries the provider's HMAC signature on inbound
// webhooks.
const SignatureHeader = "X-Webhook-Signature"

// Handler provides HTTP endpoints for payments.
type Handler struct {
	service *Service
	logger  *slog.Logger
}

// NewHandler creates a new payment handler.
func NewHandler(service *Service, logger *slog.Logger) *Handler {
	return &Handler{service: service, logger: logger}
}

// RegisterRoutes sets up payment routes. All require an authenticated user.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/payments/deposits", h.InitiateDeposit)
	r.POST("/payments/withdrawals", h.InitiateWithdrawal)
	r.GET("/payments", h.MyPayments)
	r.GET("/payments/:id", h.GetPayment)
}

// RegisterWebhookRoutes mounts the provider-facing webhook endpoint.
// Mounted outside /v1: the caller is the provider, not a user.
func (h *Handler) RegisterWebhookRoutes(r gin.IRoutes) {
	r.POST("/webhooks/payments", h.ProviderWebhook)
}

// InitiateDeposit handles POST /payments/deposits
func (h *Handler) InitiateDeposit(c *gin.Context) {
	actor, _ := identity.CurrentActor(c)

	var req DepositRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}

	p, handle, err := h.service.InitiateDeposit(c.Request.Context(), actor, req)
	if err != nil {
		h.writeError(c, err, "deposit")
		return
	}

	h.logger.Info("deposit initiated",
		"intentId", p.ID, "reference", p.Reference, "amount", p.Amount)

	c.JSON(http.StatusCreated, gin.H{"payment": p, "charge": handle})
}

// InitiateWithdrawal handles POST /payments/withdrawals
func (h *Handler) InitiateWithdrawal(c *gin.Context) {
	actor, _ := identity.CurrentActor(c)

	var req WithdrawRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}

	p, err := h.service.InitiateWithdrawal(c.Request.Context(), actor, req)
	if err != nil {
		h.writeError(c, err, "withdrawal")
		return
	}

	h.logger.Info("withdrawal initiated",
		"intentId", p.ID, "reference", p.Reference, "amount", p.Amount, "fee", p.Fee)

	c.JSON(http.StatusCreated, gin.H{"payment": p})
}

// GetPayment handles GET /payments/:id
func (h *Handler) GetPayment(c *gin.Context) {
	actor, _ := identity.CurrentActor(c)

	p, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, err, "get")
		return
	}
	if !actor.Is(p.UserID) {
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden", "message": "This payment belongs to another user"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"payment": p})
}

// MyPayments handles GET /payments
func (h *Handler) MyPayments(c *gin.Context) {
	actor, _ := identity.CurrentActor(c)

	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	if limit <= 0 || limit > 200 {
		limit = 50
	}

	payments, err := h.service.ListByUser(c.Request.Context(), actor.UserID(), limit)
	if err != nil {
		h.writeError(c, err, "list")
		return
	}

	c.JSON(http.StatusOK, gin.H{"payments": payments, "count": len(payments)})
}

// ProviderWebhook handles POST /webhooks/payments. Everything except a
// bad signature is acknowledged with 200 so the provider stops
// retrying deliveries this system has dispositioned.
func (h *Handler) ProviderWebhook(c *gin.Context) {
	payload, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "unreadable body"})
		return
	}

	outcome, err := h.service.HandleNotification(c.Request.Context(), payload, c.GetHeader(SignatureHeader))
	if err != nil {
		if errors.Is(err, ErrInvalidSignature) {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid_signature"})
			return
		}
		// Transient store failure: a non-2xx makes the provider retry.
		h.logger.Error("webhook reconciliation failed", "outcome", outcome, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "reconciliation_failed"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": string(outcome)})
}

func (h *Handler) writeError(c *gin.Context, err error, op string) {
	switch {
	case errors.Is(err, ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": err.Error()})
	case errors.Is(err, ErrInvalidAmount), errors.Is(err, ErrMissingDestination):
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_failed", "message": err.Error()})
	case errors.Is(err, wallet.ErrInsufficientFunds):
		c.JSON(http.StatusPaymentRequired, gin.H{"error": "insufficient_funds", "message": "Balance does not cover amount plus fee"})
	case errors.Is(err, ErrProvider):
		c.JSON(http.StatusBadGateway, gin.H{"error": "provider_error", "message": "Payment provider rejected the request"})
	default:
		h.logger.Error("payment operation failed", "op", op, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "payment_error", "message": "Payment operation failed"})
	}
}
