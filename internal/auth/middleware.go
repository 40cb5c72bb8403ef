package auth

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/OmarBoshnak/wellfitgo-doctor-sub001/internal"
	"github.com/OmarBoshnak/wellfitgo-doctor-sub001/internal/config"
)

// Middleware authenticates the coach bearer token and stores the user on the
// gin context. Local validation in development, remote otherwise.
func Middleware(provider Provider, cfg *config.Config) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if strings.HasPrefix(header, "Bearer ") {
			token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
			var user *internal.User
			var err error
			if cfg.Env == "development" {
				user, err = provider.ValidateTokenLocal(token)
			} else {
				user, err = provider.ValidateTokenRemote(c.Request.Context(), token)
			}
			if err == nil {
				c.Set("user", user)
				c.Next()
				return
			}
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Unauthorized"})
	}
}
