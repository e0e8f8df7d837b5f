package errors

import (
	"kawan-hiking/backend/pkg/logger"

	"github.com/gin-gonic/gin"
)

// ErrorHandler returns a middleware that catches and formats application errors
func ErrorHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if len(c.Errors) == 0 {
			return
		}

		appErr := FromError(c.Errors.Last().Err)

		log := logger.FromGin(c)
		args := []any{
			"path", c.Request.URL.Path,
			"method", c.Request.Method,
			"status_code", appErr.StatusCode,
			"error_code", appErr.Code,
			"message", appErr.Message,
		}
		if appErr.Cause != nil {
			args = append(args, "cause", appErr.Cause.Error())
		}
		if appErr.StatusCode >= 500 {
			if appErr.Stack != "" {
				args = append(args, "stack", appErr.Stack)
			}
			log.Error("Request error", args...)
		} else {
			log.Warn("Request rejected", args...)
		}

		if c.Writer.Written() {
			return
		}

		Render(c, appErr)
	}
}

// Render writes the standard error envelope and aborts the chain
func Render(c *gin.Context, appErr *AppError) {
	c.AbortWithStatusJSON(appErr.StatusCode, gin.H{
		"error": gin.H{
			"code":    appErr.Code,
			"message": appErr.Message,
			"details": appErr.Details,
		},
	})
}

// NotFoundHandler renders unknown routes with the standard envelope
func NotFoundHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		Render(c, NewNotFoundError(CodeNotFound, "Not found"))
	}
}
