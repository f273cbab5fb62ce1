package wallet

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/tradeloop/tradeloop/internal/identity"
	"github.com/tradeloop/tradeloop/internal/validation"
)

// Handler provides HTTP endpoints for wallet operations.
type Handler struct {
	service *Service
	logger  *slog.Logger
}

// NewHandler creates a new wallet handler.
func NewHandler(service *Service, logger *slog.Logger) *Handler {
	return &Handler{service: service, logger: logger}
}

// RegisterRoutes sets up wallet routes. All routes require an
// authenticated user; callers only see their own wallet.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/wallet", h.GetWallet)
	r.GET("/wallet/transactions", h.GetTransactions)
	r.POST("/wallet/transfers", h.Transfer)
}

// GetWallet handles GET /wallet
func (h *Handler) GetWallet(c *gin.Context) {
	userID := identity.CurrentUser(c)

	w, err := h.service.Balance(c.Request.Context(), userID)
	if err != nil {
		h.logger.Error("wallet lookup failed", "userId", userID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "wallet_error",
			"message": "Failed to retrieve wallet",
		})
		return
	}

	c.JSON(http.StatusOK, w)
}

// GetTransactions handles GET /wallet/transactions?limit=N
func (h *Handler) GetTransactions(c *gin.Context) {
	userID := identity.CurrentUser(c)

	limit := 50
	if l := c.Query("limit"); l != "" {
		if n, err := strconv.Atoi(l); err == nil && n > 0 && n <= 200 {
			limit = n
		}
	}

	recs, err := h.service.History(c.Request.Context(), userID, limit)
	if err != nil {
		h.logger.Error("transaction history failed", "userId", userID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "wallet_error",
			"message": "Failed to retrieve transactions",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"transactions": recs,
		"count":        len(recs),
	})
}

// TransferRequest is the body for POST /wallet/transfers
type TransferRequest struct {
	ToUserID    string `json:"toUserId" binding:"required"`
	Amount      int64  `json:"amount" binding:"required"`
	Description string `json:"description"`
}

// Transfer handles POST /wallet/transfers
func (h *Handler) Transfer(c *gin.Context) {
	userID := identity.CurrentUser(c)

	var req TransferRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": err.Error(),
		})
		return
	}
	if !validation.IsValidID(req.ToUserID) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "toUserId is not a valid id",
		})
		return
	}

	rec, err := h.service.Transfer(c.Request.Context(), userID, req.ToUserID,
		req.Amount, validation.SanitizeString(req.Description, 500))
	if err != nil {
		switch {
		case errors.Is(err, ErrInvalidAmount), errors.Is(err, ErrSelfTransfer):
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		case errors.Is(err, ErrUserNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "Recipient has no wallet"})
		case errors.Is(err, ErrInsufficientFunds):
			c.JSON(http.StatusPaymentRequired, gin.H{"error": "insufficient_funds", "message": "Balance does not cover the transfer"})
		default:
			h.logger.Error("transfer failed", "from", userID, "to", req.ToUserID, "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "transfer_error", "message": "Transfer failed"})
		}
		return
	}

	h.logger.Info("transfer completed",
		"from", userID, "to", req.ToUserID, "amount", req.Amount, "txnId", rec.ID)

	c.JSON(http.StatusOK, gin.H{"transaction": rec})
}
