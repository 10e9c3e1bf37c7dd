package response

import (
	"net/http"

	"dataport/pkg/errors"
	"dataport/pkg/utils/logger"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Response represents a standard API response
type Response struct {
	Code    errors.ErrorCode `json:"code"`
	Message string           `json:"message"`
	Data    any              `json:"data,omitempty"`
	Details any              `json:"details,omitempty"`
	TraceID string           `json:"trace_id,omitempty"`
}

// Success sends a 200 response with data
func Success(c *gin.Context, data any) {
	write(c, http.StatusOK, data)
}

// Accepted sends a 202 response, used when work has been queued.
func Accepted(c *gin.Context, data any) {
	write(c, http.StatusAccepted, data)
}

func write(c *gin.Context, status int, data any) {
	c.JSON(status, Response{
		Code:    errors.Success,
		Message: "Success",
		Data:    data,
		TraceID: getTraceID(c),
	})
}

// Error sends an error response derived from err's code.
// Server-side failures are logged with the stack; client errors at warn level.
func Error(c *gin.Context, err error) {
	appErr := errors.GetError(err)
	status := appErr.Code.HTTPStatus()

	fields := []zap.Field{
		zap.Int("code", int(appErr.Code)),
		zap.String("message", appErr.Error()),
	}
	if status >= http.StatusInternalServerError {
		if appErr.Err != nil {
			fields = append(fields, zap.Error(appErr.Err))
		}
		fields = append(fields, zap.String("stack", appErr.Stack))
		logger.Error(c.Request.Context(), "request error", fields...)
	} else {
		logger.Warn(c.Request.Context(), "request rejected", fields...)
	}

	resp := Response{
		Code:    appErr.Code,
		Message: appErr.Error(),
		TraceID: getTraceID(c),
	}
	if len(appErr.Details) > 0 {
		resp.Details = appErr.Details
	}
	c.JSON(status, resp)
}

// ErrorWithCode sends an error response with specific error code
func ErrorWithCode(c *gin.Context, code errors.ErrorCode, message string) {
	if message == "" {
		message = code.Message()
	}
	c.JSON(code.HTTPStatus(), Response{
		Code:    code,
		Message: message,
		TraceID: getTraceID(c),
	})
}

// BadRequest sends a 400 bad request error
func BadRequest(c *gin.Context, message string) {
	ErrorWithCode(c, errors.InvalidParams, message)
}

// AbortWithError aborts the request with err's code.
func AbortWithError(c *gin.Context, err error) {
	Error(c, err)
	c.Abort()
}

// AbortWithErrorCode aborts the request with error code
func AbortWithErrorCode(c *gin.Context, code errors.ErrorCode, message string) {
	ErrorWithCode(c, code, message)
	c.Abort()
}

func getTraceID(c *gin.Context) string {
	if traceID, ok := c.Get("trace_id"); ok {
		if s, ok := traceID.(string); ok {
			return s
		}
	}
	return ""
}
