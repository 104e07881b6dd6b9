package middleware

import (
	"github.com/gin-gonic/gin"

	"github.com/NikhilSetiya/storyforge/pkg/correlation"
)

// ContextKeyCorrelationID is the gin context key holding the request's correlation id
const ContextKeyCorrelationID = "correlation_id"

// CorrelationMiddleware runs every request as its own correlation task.
// A well-formed inbound X-Correlation-ID is adopted, anything else is
// replaced with a fresh id. The id is echoed on the response.
func CorrelationMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(correlation.Header)
		if !correlation.Valid(id) {
			id = correlation.Generate()
		}

		ctx := correlation.Fork(c.Request.Context())
		tok := correlation.Install(ctx, id)
		defer correlation.Restore(ctx, tok)

		c.Request = c.Request.WithContext(ctx)
		c.Set(ContextKeyCorrelationID, id)
		c.Header(correlation.Header, id)

		c.Next()
	}
}

// CorrelationID returns the id assigned to the request
func CorrelationID(c *gin.Context) string {
	if id, ok := correlation.Current(c.Request.Context()); ok {
		return id
	}
	return c.GetString(ContextKeyCorrelationID)
}
