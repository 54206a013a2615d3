package middleware

import (
	"net/http"

	"callmesh/pkg/errors"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// ErrorHandlerMiddleware renders the last error attached with c.Error as a
// JSON body. Handlers that already wrote a response are left alone.
func ErrorHandlerMiddleware(logger *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if len(c.Errors) == 0 || c.Writer.Written() {
			return
		}
		err := c.Errors.Last().Err

		if appErr := errors.GetAppError(err); appErr != nil {
			if appErr.HTTPStatus >= http.StatusInternalServerError {
				logger.Errorw("request failed",
					"code", appErr.Code,
					"error", err,
					"path", c.Request.URL.Path,
					"method", c.Request.Method,
				)
			} else {
				logger.Debugw("request rejected",
					"code", appErr.Code,
					"message", appErr.Message,
					"path", c.Request.URL.Path,
				)
			}
			c.JSON(appErr.HTTPStatus, appErr.Body())
			return
		}

		logger.Errorw("unhandled error",
			"error", err,
			"path", c.Request.URL.Path,
			"method", c.Request.Method,
		)
		c.JSON(http.StatusInternalServerError, errors.NewInternalError("internal server error").Body())
	}
}

func RecoveryMiddleware(logger *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if rec := recover(); rec != nil {
				logger.Errorw("panic recovered",
					"panic", rec,
					"path", c.Request.URL.Path,
					"method", c.Request.Method,
				)
				c.AbortWithStatusJSON(http.StatusInternalServerError, errors.NewInternalError("internal server error").Body())
			}
		}()

		c.Next()
	}
}
