package middleware

import (
	"net/http"

	"mediasession/internal/core/domain"
	"mediasession/pkg/errors"
	"mediasession/pkg/logger"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// CaptureErrorMappings surfaces capture failures with their own codes.
var CaptureErrorMappings = []errors.Mapping{
	{Target: domain.ErrPermissionDenied, Code: errors.ErrCodePermissionDenied},
	{Target: domain.ErrDeviceUnavailable, Code: errors.ErrCodeDeviceUnavailable},
	{Target: domain.ErrUserCancelled, Code: errors.ErrCodeUserCancelled},
	{Target: domain.ErrNoAudioTrack, Code: errors.ErrCodeNoAudioTrack},
	{Target: domain.ErrAnalysisUnsupported, Code: errors.ErrCodeAnalysisUnsupported},
	{Target: domain.ErrSuperseded, Code: errors.ErrCodeConflict},
	{Target: domain.ErrSessionClosed, Code: errors.ErrCodeSessionClosed},
}

// ErrorHandlerMiddleware renders the last error attached to the gin
// context as a structured JSON response. Log lines carry the request and
// stream ids found in the request context.
func ErrorHandlerMiddleware(log *logger.ContextLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if len(c.Errors) == 0 || c.Writer.Written() {
			return
		}

		ctx := c.Request.Context()
		appErr := errors.Classify(c.Errors.Last().Err, CaptureErrorMappings)
		if appErr.HTTPStatus >= http.StatusInternalServerError {
			log.LogError(ctx, appErr.Cause, "request failed",
				zap.String("code", string(appErr.Code)),
				zap.String("path", c.Request.URL.Path),
				zap.String("method", c.Request.Method),
			)
		} else {
			log.WithContext(ctx).Sugar().Infow("request rejected",
				"code", appErr.Code,
				"message", appErr.Message,
				"path", c.Request.URL.Path,
				"method", c.Request.Method,
				"context", appErr.Context,
			)
		}

		body := gin.H{
			"error":   string(appErr.Code),
			"message": appErr.Message,
		}
		if len(appErr.Context) > 0 {
			body["details"] = appErr.Context
		}
		c.JSON(appErr.HTTPStatus, body)
	}
}

// RecoveryMiddleware recovers from panics and returns proper error responses
func RecoveryMiddleware(logger *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if err := recover(); err != nil {
				logger.Errorw("panic recovered",
					"error", err,
					"path", c.Request.URL.Path,
					"method", c.Request.Method,
				)

				c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
					"error":   string(errors.ErrCodeInternal),
					"message": "Internal server error",
				})
			}
		}()

		c.Next()
	}
}
