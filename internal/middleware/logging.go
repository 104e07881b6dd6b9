package middleware

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/NikhilSetiya/storyforge/pkg/logging"
)

// LoggingMiddleware logs request completion. It must run after
// CorrelationMiddleware so the entry carries the correlation id.
func LoggingMiddleware(logger *logging.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		logger.LogRequest(
			c.Request.Context(),
			c.Request.Method,
			c.Request.URL.Path,
			c.Request.UserAgent(),
			c.ClientIP(),
			c.Writer.Status(),
			time.Since(start),
		)
	}
}

// ErrorLoggingMiddleware logs errors attached to the gin context
func ErrorLoggingMiddleware(logger *logging.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		for _, err := range c.Errors {
			logger.LogError(
				c.Request.Context(),
				err.Err,
				"Request processing error",
				logrus.Fields{
					"error_type": err.Type,
					"path":       c.Request.URL.Path,
				},
			)
		}
	}
}

// PanicObserver is notified of every recovered panic
type PanicObserver interface {
	RecordPanic(component string)
}

// RecoveryMiddleware recovers from panics, logs them and answers 500
func RecoveryMiddleware(logger *logging.Logger, observer PanicObserver) gin.HandlerFunc {
	return gin.CustomRecovery(func(c *gin.Context, recovered interface{}) {
		logger.LogPanic(
			c.Request.Context(),
			recovered,
			"Request panic recovered",
		)
		if observer != nil {
			observer.RecordPanic("api")
		}

		id := CorrelationID(c)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
			"success": false,
			"error": gin.H{
				"code":    "INTERNAL_ERROR",
				"message": "Internal server error",
			},
			"request_id": id,
			"timestamp":  time.Now(),
		})
	})
}
