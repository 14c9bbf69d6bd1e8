package httpapi

import (
	stderrors "errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kandev/agentcoord/internal/common/apperrors"
	"github.com/kandev/agentcoord/internal/common/logger"
)

// RequestLogger stamps an X-Request-ID on every request and logs its
// outcome once the handler chain finishes.
func RequestLogger(log *logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		requestID := uuid.New().String()
		c.Set("request_id", requestID)
		c.Header("X-Request-ID", requestID)

		c.Next()

		log.Info("request completed",
			zap.String("path", c.Request.URL.Path),
			zap.String("method", c.Request.Method),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("duration", time.Since(start)),
			zap.String("request_id", requestID),
		)
	}
}

// ErrorHandler renders the last gin.Error attached to the context as an
// AppError-shaped JSON body.
func ErrorHandler(log *logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if len(c.Errors) == 0 {
			return
		}

		err := c.Errors.Last().Err
		var appErr *apperrors.AppError
		if stderrors.As(err, &appErr) {
			c.JSON(appErr.HTTPStatus, appErr)
			return
		}

		log.Error("unhandled request error", zap.Error(err))
		wrapped := apperrors.Wrap(err, "unhandled request error")
		c.JSON(wrapped.HTTPStatus, wrapped)
	}
}

// Recovery converts a panic into a 500 response instead of killing the
// server process.
func Recovery(log *logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if r := recover(); r != nil {
				log.Error("panic recovered",
					zap.Any("panic", r),
					zap.String("path", c.Request.URL.Path),
					zap.String("method", c.Request.Method),
				)
				c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
					"code":    apperrors.ErrCodeInternalError,
					"message": "an internal server error occurred",
				})
			}
		}()
		c.Next()
	}
}

// CORS allows the coordinator's HTTP API to be called from a browser
// dashboard running on a different origin.
func CORS() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, PATCH, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Accept, X-Request-ID")
		c.Header("Access-Control-Expose-Headers", "X-Request-ID")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

// respondError writes an AppError to the response, wrapping a plain
// error into an internal one first.
func respondError(c *gin.Context, err error) {
	var appErr *apperrors.AppError
	if stderrors.As(err, &appErr) {
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}
	wrapped := apperrors.Wrap(err, "request failed")
	c.JSON(wrapped.HTTPStatus, wrapped)
}
