package server

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

// corsMiddleware allows the configured host patterns over http and https, or any origin
// when none are configured.
func corsMiddleware(hostPatterns []string) gin.HandlerFunc {
	cfg := cors.Config{
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowHeaders: []string{"Content-Type", "X-Room-Password"},
		MaxAge:       12 * time.Hour,
	}
	origins := corsOrigins(hostPatterns)
	if len(origins) == 0 {
		cfg.AllowAllOrigins = true
	} else {
		cfg.AllowOrigins = origins
		cfg.AllowWildcard = true
	}
	return cors.New(cfg)
}

func corsOrigins(hostPatterns []string) []string {
	origins := make([]string, 0, 2*len(hostPatterns))
	for _, pattern := range hostPatterns {
		pattern = strings.TrimSpace(pattern)
		if pattern == "" {
			continue
		}
		if strings.Contains(pattern, "://") {
			origins = append(origins, pattern)
			continue
		}
		origins = append(origins, "https://"+pattern, "http://"+pattern)
	}
	return origins
}

// rateLimitMiddleware bounds the request rate shared by every API route.
func rateLimitMiddleware(rps float64) gin.HandlerFunc {
	burst := int(rps)
	if burst < 1 {
		burst = 1
	}
	limiter := rate.NewLimiter(rate.Limit(rps), burst)
	return func(c *gin.Context) {
		if !limiter.Allow() {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "too_many_requests"})
			return
		}
		c.Next()
	}
}
