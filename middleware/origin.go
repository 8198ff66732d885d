package middleware

import (
	"net/http"
	"net/url"
	"strings"

	"github.com/gin-gonic/gin"
)

// OriginChecker reports whether a request's Origin host is allowed.
// An empty allow list accepts every origin; requests without an Origin
// header (non-browser clients) always pass.
func OriginChecker(allowed ...string) func(*http.Request) bool {
	allow := make(map[string]struct{}, len(allowed))
	for _, h := range allowed {
		if h = strings.ToLower(strings.TrimSpace(h)); h != "" {
			allow[h] = struct{}{}
		}
	}
	return func(r *http.Request) bool {
		if len(allow) == 0 {
			return true
		}
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		u, err := url.Parse(origin)
		if err != nil {
			return false
		}
		_, ok := allow[strings.ToLower(u.Hostname())]
		return ok
	}
}

// Origin rejects WebSocket upgrades whose Origin host is not allowed.
func Origin(allowed ...string) gin.HandlerFunc {
	check := OriginChecker(allowed...)
	return func(c *gin.Context) {
		if c.Request.Method != http.MethodGet || c.Request.URL.Path != "/ws" {
			c.Next()
			return
		}
		if !check(c.Request) {
			c.AbortWithStatus(http.StatusForbidden)
			return
		}
		c.Next()
	}
}
