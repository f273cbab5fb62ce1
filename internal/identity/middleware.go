package identity

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/tradeloop/tradeloop/internal/validation"
)

const (
	// ContextKeyActor is the key for storing the authenticated actor in gin context
	ContextKeyActor = "actor"
	// HeaderUserID carries the authenticated user id, resolved upstream
	// by the auth service before requests reach this process.
	HeaderUserID = "X-User-ID"
)

// Middleware extracts the authenticated user from the X-User-ID header
// and stores the actor in context. Requests without the header pass
// through unauthenticated; RequireUser gates the protected routes.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if userID := c.GetHeader(HeaderUserID); userID != "" && validation.IsValidID(userID) {
			c.Set(ContextKeyActor, User(userID))
		}
		c.Next()
	}
}

// RequireUser rejects requests without an authenticated user.
func RequireUser() gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, ok := CurrentActor(c); !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "Authentication required. Include the X-User-ID header.",
			})
			return
		}
		c.Next()
	}
}

// CurrentActor returns the authenticated actor from context.
func CurrentActor(c *gin.Context) (Actor, bool) {
	v, exists := c.Get(ContextKeyActor)
	if !exists {
		return Actor{}, false
	}
	actor, ok := v.(Actor)
	return actor, ok
}

// CurrentUser returns the authenticated user's id, or "" if the request
// is unauthenticated.
func CurrentUser(c *gin.Context) string {
	actor, ok := CurrentActor(c)
	if !ok || actor.IsScheduler() {
		return ""
	}
	return actor.UserID()
}
