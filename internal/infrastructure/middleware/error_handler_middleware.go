package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	apperrors "peermesh/pkg/errors"
)

// ErrorResponse is the body of every failed API request.
type ErrorResponse struct {
	Error     string                 `json:"error"`
	Message   string                 `json:"message"`
	Details   map[string]interface{} `json:"details,omitempty"`
	RequestID string                 `json:"request_id,omitempty"`
}

func internalError(c *gin.Context) ErrorResponse {
	return ErrorResponse{
		Error:     string(apperrors.ErrCodeInternal),
		Message:   "Internal server error",
		RequestID: c.Writer.Header().Get(RequestIDHeader),
	}
}

// ErrorHandlerMiddleware renders the last error a handler attached with
// c.Error. AppErrors keep their code and status.
func ErrorHandlerMiddleware(logger *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if len(c.Errors) == 0 || c.Writer.Written() {
			return
		}
		err := c.Errors.Last().Err
		fields := []interface{}{
			"path", c.Request.URL.Path,
			"method", c.Request.Method,
			"error", err,
		}

		appErr := apperrors.GetAppError(err)
		if appErr == nil {
			logger.Errorw("Unhandled request error", fields...)
			c.JSON(http.StatusInternalServerError, internalError(c))
			return
		}

		fields = append(fields, "code", appErr.Code, "status", appErr.HTTPStatus)
		if appErr.HTTPStatus >= http.StatusInternalServerError {
			logger.Errorw("Request failed", fields...)
		} else {
			logger.Warnw("Request rejected", fields...)
		}
		c.JSON(appErr.HTTPStatus, ErrorResponse{
			Error:     string(appErr.Code),
			Message:   appErr.Message,
			Details:   appErr.Context,
			RequestID: c.Writer.Header().Get(RequestIDHeader),
		})
	}
}

// RecoveryMiddleware turns a handler panic into a 500.
func RecoveryMiddleware(logger *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if r := recover(); r != nil {
				logger.Errorw("Panic recovered",
					"panic", r,
					"path", c.Request.URL.Path,
					"method", c.Request.Method,
				)
				c.AbortWithStatusJSON(http.StatusInternalServerError, internalError(c))
			}
		}()
		c.Next()
	}
}
