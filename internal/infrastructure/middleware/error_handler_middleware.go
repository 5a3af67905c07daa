package middleware

import (
	"errors"
	"net/http"

	"roomlink/internal/core/domain"
	"roomlink/pkg/logger"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// StatusFor maps domain errors onto HTTP status codes.
func StatusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrRoomNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrRoomExists):
		return http.StatusConflict
	case errors.Is(err, domain.ErrRoomLimitExceeded),
		errors.Is(err, domain.ErrParticipantLimitExceeded),
		errors.Is(err, domain.ErrTrackLimitExceeded):
		return http.StatusTooManyRequests
	case errors.Is(err, domain.ErrPoolExhausted),
		errors.Is(err, domain.ErrShutdown),
		errors.Is(err, domain.ErrConnectionFailed),
		errors.Is(err, domain.ErrTransient):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// ErrorHandlerMiddleware renders the last error a handler attached with
// c.Error.
func ErrorHandlerMiddleware(log *zap.SugaredLogger) gin.HandlerFunc {
	cl := logger.NewContextLogger(logger.OrNop(log).Desugar())

	return func(c *gin.Context) {
		c.Next()

		if len(c.Errors) == 0 || c.Writer.Written() {
			return
		}

		err := c.Errors.Last().Err
		status := StatusFor(err)
		if status >= http.StatusInternalServerError {
			cl.Sugared(c.Request.Context()).Errorw("request failed",
				"error", err,
				"status", status,
				"path", c.Request.URL.Path,
				"method", c.Request.Method,
			)
		}

		c.JSON(status, gin.H{"error": err.Error()})
	}
}

// RecoveryMiddleware recovers from panics and returns proper error responses
func RecoveryMiddleware(log *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if err := recover(); err != nil {
				log.Errorw("panic recovered",
					"error", err,
					"path", c.Request.URL.Path,
					"method", c.Request.Method,
				)

				c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
					"error": "internal server error",
				})
			}
		}()

		c.Next()
	}
}
