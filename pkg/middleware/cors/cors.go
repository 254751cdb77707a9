package cors

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

var staticHeaders = map[string]string{
	"Access-Control-Allow-Headers":  "Authorization, Content-Type, X-Requested-With, X-Request-ID",
	"Access-Control-Allow-Methods":  "GET, POST, PUT, PATCH, DELETE, OPTIONS",
	"Access-Control-Expose-Headers": "Content-Disposition, X-Request-ID",
	"Access-Control-Max-Age":        "600",
}

// New returns a CORS middleware for the given origins. An empty list allows
// any origin without credentials; a configured list echoes matching origins
// and allows credentials.
func New(allowedOrigins []string) gin.HandlerFunc {
	allowed := make(map[string]bool, len(allowedOrigins))
	for _, origin := range allowedOrigins {
		allowed[normalize(origin)] = true
	}
	open := len(allowed) == 0

	return func(c *gin.Context) {
		h := c.Writer.Header()
		h.Add("Vary", "Origin")

		origin := c.GetHeader("Origin")
		switch {
		case origin == "" && open:
			h.Set("Access-Control-Allow-Origin", "*")
		case origin == "":
		case open:
			h.Set("Access-Control-Allow-Origin", origin)
		case allowed[normalize(origin)]:
			h.Set("Access-Control-Allow-Origin", origin)
			h.Set("Access-Control-Allow-Credentials", "true")
		}

		if h.Get("Access-Control-Allow-Origin") != "" {
			for k, v := range staticHeaders {
				h.Set(k, v)
			}
		}

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

func normalize(origin string) string {
	return strings.ToLower(strings.TrimRight(origin, "/"))
}
