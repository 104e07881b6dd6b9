package api

import (
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/NikhilSetiya/storyforge/pkg/correlation"
	"github.com/NikhilSetiya/storyforge/pkg/logging"
	"github.com/NikhilSetiya/storyforge/pkg/ratelimit"
)

// contextKeyDecision holds the admission decision on the gin context
const contextKeyDecision = "ratelimit_decision"

// CORSMiddleware configures CORS for the allowed origins and exposes the
// admission and correlation headers to browsers
func CORSMiddleware(allowedOrigins []string) gin.HandlerFunc {
	config := cors.Config{
		AllowOrigins: allowedOrigins,
		AllowMethods: []string{"GET", "POST", "OPTIONS"},
		AllowHeaders: []string{
			"Origin", "Content-Type", "Accept", "Authorization",
			"X-API-Key", correlation.Header,
		},
		ExposeHeaders: []string{
			ratelimit.HeaderLimit,
			ratelimit.HeaderRemaining,
			ratelimit.HeaderReset,
			ratelimit.HeaderScope,
			ratelimit.HeaderRetryAfter,
			correlation.Header,
		},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}
	if len(allowedOrigins) == 1 && allowedOrigins[0] == "*" {
		config.AllowOrigins = nil
		config.AllowAllOrigins = true
		config.AllowCredentials = false
	}
	return cors.New(config)
}

// SecurityHeadersMiddleware adds security headers
func SecurityHeadersMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("X-Frame-Options", "DENY")
		c.Header("Referrer-Policy", "strict-origin-when-cross-origin")
		c.Header("Content-Security-Policy", "default-src 'none'")
		c.Next()
	}
}

// RequestSizeMiddleware rejects bodies larger than maxSize bytes
func RequestSizeMiddleware(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.ContentLength > maxSize {
			ErrorResponse(c, http.StatusRequestEntityTooLarge, "REQUEST_TOO_LARGE", "Request body too large", map[string]interface{}{
				"max_size": maxSize,
			})
			c.Abort()
			return
		}
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
		c.Next()
	}
}

// ClientKey identifies the caller for admission: the value of header when
// present, otherwise the client IP
func ClientKey(c *gin.Context, header string) string {
	if header != "" {
		if key := c.GetHeader(header); key != "" {
			return key
		}
	}
	return c.ClientIP()
}

// AdmissionMiddleware charges every request against the class's buckets.
// Admitted requests carry the quota headers, rejected ones get 429 and
// Retry-After. A nil controller disables admission.
func AdmissionMiddleware(controller *ratelimit.Controller, class, clientKeyHeader string, now func() time.Time, logger *logging.Logger) gin.HandlerFunc {
	if now == nil {
		now = time.Now
	}
	if logger == nil {
		logger = logging.GetLogger()
	}
	return func(c *gin.Context) {
		if controller == nil {
			c.Next()
			return
		}

		ctx := c.Request.Context()
		key := ratelimit.Key{Client: ClientKey(c, clientKeyHeader), Class: class}
		decision, err := controller.CheckAndRecord(ctx, key, now())
		if err != nil {
			// The controller already failed open
			logger.WithContext(ctx).WithFields(logrus.Fields{
				"class": class,
				"path":  c.Request.URL.Path,
			}).WithError(err).Warn("Admission check degraded")
		}

		c.Set(contextKeyDecision, decision)
		for name, value := range decision.Headers() {
			c.Header(name, value)
		}

		if !decision.Admitted {
			TooManyRequestsResponse(c, "Rate limit exceeded", map[string]interface{}{
				"limit_type":  string(decision.Scope),
				"class":       class,
				"limit":       decision.Limit,
				"retry_after": decision.RetryAfterSeconds(),
				"reset_at":    decision.ResetAt.UTC(),
			})
			c.Abort()
			return
		}

		c.Next()
	}
}

// AdmissionDecision returns the decision recorded for the request
func AdmissionDecision(c *gin.Context) (ratelimit.Decision, bool) {
	v, ok := c.Get(contextKeyDecision)
	if !ok {
		return ratelimit.Decision{}, false
	}
	d, ok := v.(ratelimit.Decision)
	return d, ok
}
