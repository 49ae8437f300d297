package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

const (
	corsMethods = "GET, POST, OPTIONS"
	corsHeaders = "Authorization, Content-Type, X-Request-Id"
)

type originPattern struct {
	prefix string
	suffix string
	exact  bool
}

func (p originPattern) match(origin string) bool {
	if p.exact {
		return origin == p.prefix
	}
	return len(origin) >= len(p.prefix)+len(p.suffix) &&
		strings.HasPrefix(origin, p.prefix) && strings.HasSuffix(origin, p.suffix)
}

// CORS allows the listed origins. An entry may hold one "*" wildcard, as
// in "https://*.example.com" or "http://localhost:*". An empty list or a
// bare "*" allows every origin.
func CORS(allowlist []string) gin.HandlerFunc {
	var patterns []originPattern
	allowAll := true
	for _, origin := range allowlist {
		trimmed := strings.TrimSpace(origin)
		if trimmed == "" {
			continue
		}
		if trimmed == "*" {
			patterns = nil
			allowAll = true
			break
		}
		allowAll = false
		if idx := strings.Index(trimmed, "*"); idx >= 0 {
			patterns = append(patterns, originPattern{prefix: trimmed[:idx], suffix: trimmed[idx+1:]})
			continue
		}
		patterns = append(patterns, originPattern{prefix: trimmed, exact: true})
	}
	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		header := c.Writer.Header()
		if allowAll {
			header.Set("Access-Control-Allow-Origin", "*")
			header.Set("Access-Control-Allow-Methods", corsMethods)
			header.Set("Access-Control-Allow-Headers", corsHeaders)
		} else if origin != "" {
			for _, p := range patterns {
				if !p.match(origin) {
					continue
				}
				header.Set("Access-Control-Allow-Origin", origin)
				header.Set("Vary", "Origin")
				header.Set("Access-Control-Allow-Methods", corsMethods)
				header.Set("Access-Control-Allow-Headers", corsHeaders)
				break
			}
		}
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}
