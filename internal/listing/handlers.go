package listing

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/tradeloop/tradeloop/internal/identity"
	"github.com/tradeloop/tradeloop/internal/validation"
)

// Handler provides HTTP endpoints for listings.
type Handler struct {
	service *Service
	logger  *slog.Logger
}

// NewHandler creates a new listing handler.
func NewHandler(service *Service, logger *slog.Logger) *Handler {
	return &Handler{service: service, logger: logger}
}

// RegisterRoutes sets up public listing routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/listings/:id", h.GetListing)
}

// RegisterProtectedRoutes sets up routes that require an authenticated user.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/listings", h.CreateListing)
	r.GET("/listings", h.MyListings)
	r.DELETE("/listings/:id", h.RemoveListing)
}

// CreateListingRequest is the body for POST /listings
type CreateListingRequest struct {
	Title       string `json:"title" binding:"required"`
	Price       int64  `json:"price"`
	AcceptsCash bool   `json:"acceptsCash"`
	AcceptsSwap bool   `json:"acceptsSwap"`
	IsSwapOnly  bool   `json:"isSwapOnly"`
}

// CreateListing handles POST /listings
func (h *Handler) CreateListing(c *gin.Context) {
	userID := identity.CurrentUser(c)

	var req CreateListingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}
	if req.Price < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "price cannot be negative"})
		return
	}

	l, err := h.service.Create(c.Request.Context(), userID, CreateParams{
		Title:       validation.SanitizeString(req.Title, 200),
		Price:       req.Price,
		AcceptsCash: req.AcceptsCash,
		AcceptsSwap: req.AcceptsSwap,
		IsSwapOnly:  req.IsSwapOnly,
	})
	if err != nil {
		h.logger.Error("listing create failed", "ownerId", userID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "listing_error", "message": "Failed to create listing"})
		return
	}

	c.JSON(http.StatusCreated, gin.H{"listing": l})
}

// GetListing handles GET /listings/:id
func (h *Handler) GetListing(c *gin.Context) {
	l, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "Listing not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "listing_error", "message": "Failed to retrieve listing"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"listing": l})
}

// MyListings handles GET /listings (own listings)
func (h *Handler) MyListings(c *gin.Context) {
	userID := identity.CurrentUser(c)

	result, err := h.service.ListByOwner(c.Request.Context(), userID, 50)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "listing_error", "message": "Failed to list listings"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"listings": result, "count": len(result)})
}

// RemoveListing handles DELETE /listings/:id
func (h *Handler) RemoveListing(c *gin.Context) {
	userID := identity.CurrentUser(c)

	err := h.service.Remove(c.Request.Context(), c.Param("id"), userID)
	if err != nil {
		switch {
		case errors.Is(err, ErrNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "Listing not found"})
		case errors.Is(err, ErrUnauthorized):
			c.JSON(http.StatusForbidden, gin.H{"error": "forbidden", "message": "You do not own this listing"})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": "listing_error", "message": "Failed to remove listing"})
		}
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "removed"})
}
