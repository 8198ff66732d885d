package security

import (
	"net/http"
	"strings"

	"chatfleet/tools/errs"

	"github.com/gin-gonic/gin"
)

// context keys
const (
	PPCtxUserIDKey = "userId" // int64
)

// TokenValidator is the authentication collaborator: token -> user id.
type TokenValidator interface {
	Validate(token string) (int64, error)
}

type Options struct {
	QueryToken                string // default "token"
	HeaderToken               string // default "authorization"
	EnableAuthorizationBearer bool   // default true
}

func DefaultOptions() *Options {
	return &Options{
		QueryToken:                "token",
		HeaderToken:               "authorization",
		EnableAuthorizationBearer: true,
	}
}

// ExtractToken looks at the query string first (browsers cannot set
// headers on a WebSocket upgrade), then the raw header, then Bearer.
func ExtractToken(r *http.Request, opts *Options) string {
	if opts == nil {
		opts = DefaultOptions()
	}
	if opts.QueryToken != "" {
		if tok := strings.TrimSpace(r.URL.Query().Get(opts.QueryToken)); tok != "" {
			return tok
		}
	}
	raw := strings.TrimSpace(r.Header.Get(opts.HeaderToken))
	if raw == "" {
		return ""
	}
	if strings.HasPrefix(strings.ToLower(raw), "bearer ") {
		if !opts.EnableAuthorizationBearer {
			return ""
		}
		return strings.TrimSpace(raw[len("bearer "):])
	}
	return raw
}

// Middleware authenticates API calls and stores the user id in the context.
func Middleware(v TokenValidator, opts *Options) gin.HandlerFunc {
	if opts == nil {
		opts = DefaultOptions()
	}
	return func(c *gin.Context) {
		userID, err := v.Validate(ExtractToken(c.Request, opts))
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, errs.ErrUnauthorized)
			return
		}
		c.Set(PPCtxUserIDKey, userID)
		c.Next()
	}
}

// UserID reads the id stored by Middleware; 0 when absent.
func UserID(c *gin.Context) int64 {
	v, ok := c.Get(PPCtxUserIDKey)
	if !ok {
		return 0
	}
	id, _ := v.(int64)
	return id
}
