package middleware

import (
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/xxxsen/rvcd/internal/pkg/errcode"
	"github.com/xxxsen/rvcd/internal/pkg/jwt"
	"github.com/xxxsen/rvcd/internal/pkg/response"
)

const ContextAdminKey = "admin_subject"

// AdminAuth guards routes that change process-wide state. With an empty
// secret every caller is let through.
func AdminAuth(secret []byte) gin.HandlerFunc {
	return func(c *gin.Context) {
		if len(secret) == 0 {
			c.Next()
			return
		}
		header := c.GetHeader("Authorization")
		if header == "" {
			response.Error(c, errcode.ErrUnauthorized, "missing authorization")
			c.Abort()
			return
		}
		parts := strings.SplitN(header, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
			response.Error(c, errcode.ErrUnauthorized, "invalid authorization")
			c.Abort()
			return
		}
		claims, err := jwt.ParseAdminToken(strings.TrimSpace(parts[1]), secret)
		if err != nil {
			response.Error(c, errcode.ErrUnauthorized, "invalid token")
			c.Abort()
			return
		}
		c.Set(ContextAdminKey, claims.Subject)
		c.Next()
	}
}
