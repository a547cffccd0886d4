package response

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

const (
	CodeSuccess         = 0
	CodeParamError      = 400
	CodeUnauthorized    = 401
	CodeForbidden       = 403
	CodeNotFound        = 404
	CodeConflict        = 409
	CodeTooManyRequests = 429
	CodeServerError     = 500
	CodeUnavailable     = 503
)

// Response is the envelope of every API reply. Reason carries the stable
// machine-readable error code when the call failed.
type Response struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Reason  string      `json:"reason,omitempty"`
	Data    interface{} `json:"data,omitempty"`
}

// Page wraps one page of a list.
type Page struct {
	Items    interface{} `json:"items"`
	Total    int64       `json:"total"`
	Page     int         `json:"page"`
	PageSize int         `json:"page_size"`
}

func Success(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, Response{
		Code:    CodeSuccess,
		Message: "success",
		Data:    data,
	})
}

func Created(c *gin.Context, data interface{}) {
	c.JSON(http.StatusCreated, Response{
		Code:    CodeSuccess,
		Message: "created",
		Data:    data,
	})
}

// Error replies with code as both the HTTP status and the envelope code.
func Error(c *gin.Context, code int, reason, message string) {
	c.AbortWithStatusJSON(code, Response{
		Code:    code,
		Message: message,
		Reason:  reason,
	})
}

// ErrorWithData is Error plus a payload, e.g. per-field validation details.
func ErrorWithData(c *gin.Context, code int, reason, message string, data interface{}) {
	c.AbortWithStatusJSON(code, Response{
		Code:    code,
		Message: message,
		Reason:  reason,
		Data:    data,
	})
}

func ParamError(c *gin.Context, message string) {
	Error(c, CodeParamError, "INVALID_REQUEST", message)
}

func Unauthorized(c *gin.Context, message string) {
	Error(c, CodeUnauthorized, "UNAUTHORIZED", message)
}

func TooManyRequests(c *gin.Context, message string) {
	Error(c, CodeTooManyRequests, "TOO_MANY_ATTEMPTS", message)
}

func ServerError(c *gin.Context, message string) {
	Error(c, CodeServerError, "INTERNAL", message)
}
