package handler

import (
	"errors"
	"log/slog"
	"net/http"

	"circlefund/internal/service"
	"circlefund/pkg/response"

	"github.com/gin-gonic/gin"
)

// statusFor maps an error kind to its HTTP status class.
func statusFor(kind service.Kind) int {
	switch kind {
	case service.KindValidation:
		return http.StatusBadRequest
	case service.KindAuthorization:
		return http.StatusForbidden
	case service.KindStateConflict:
		return http.StatusConflict
	case service.KindNotFound:
		return http.StatusNotFound
	case service.KindTransientStore:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// respondError writes a failed engine call. Only the domain code and message
// reach the client; wrapped store errors are logged.
func respondError(c *gin.Context, err error) {
	var domainErr *service.Error
	if !errors.As(err, &domainErr) {
		slog.ErrorContext(c.Request.Context(), "unclassified error",
			"path", c.FullPath(), "request_id", c.GetString(ctxRequestID), "error", err)
		response.ServerError(c, "internal error")
		return
	}

	status := statusFor(domainErr.Kind)
	if status >= http.StatusInternalServerError {
		slog.ErrorContext(c.Request.Context(), "request failed",
			"path", c.FullPath(), "request_id", c.GetString(ctxRequestID), "error", err)
	}
	response.Error(c, status, domainErr.Code, domainErr.Message)
}
