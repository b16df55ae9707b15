package handler

import (
	"context"
	"errors"
	"net/http"

	"github.com/erp/tokenledger/internal/domain/shared"
	"github.com/erp/tokenledger/internal/infrastructure/logger"
	"github.com/erp/tokenledger/internal/interfaces/http/dto"
	"github.com/erp/tokenledger/internal/interfaces/http/middleware"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// BaseHandler provides common handler utilities
type BaseHandler struct{}

// tenantID returns the tenant resolved by the tenant middleware. It answers
// the request itself and returns false when none is present.
func (h *BaseHandler) tenantID(c *gin.Context) (uuid.UUID, bool) {
	id, err := middleware.GetTenantUUID(c)
	if err != nil {
		h.ErrorWithCode(c, dto.ErrCodeTenantRequired, "Tenant identification required")
		return uuid.Nil, false
	}
	return id, true
}

// Success sends a success response
func (h *BaseHandler) Success(c *gin.Context, data any) {
	c.JSON(http.StatusOK, dto.NewSuccessResponse(data))
}

// SuccessWithTotal sends a list response with its length in meta
func (h *BaseHandler) SuccessWithTotal(c *gin.Context, data any, total int) {
	c.JSON(http.StatusOK, dto.NewSuccessResponseWithMeta(data, &dto.Meta{
		RequestID: middleware.GetRequestID(c),
		Total:     &total,
	}))
}

// SuccessWithWarning sends a success response. A non-nil warning is an
// error that did not undo the change and is reported in meta.warning.
func (h *BaseHandler) SuccessWithWarning(c *gin.Context, data any, warning error) {
	if warning == nil {
		h.Success(c, data)
		return
	}

	code := dto.ErrCodeInternal
	message := warning.Error()
	var domainErr *shared.DomainError
	if errors.As(warning, &domainErr) {
		code = dto.NormalizeErrorCode(domainErr.Code)
		message = domainErr.Message
	}

	meta := &dto.Meta{
		RequestID: middleware.GetRequestID(c),
		Warning:   &dto.ErrorInfo{Code: code, Message: message},
	}
	if sc := trace.SpanContextFromContext(c.Request.Context()); sc.HasTraceID() {
		meta.TraceID = sc.TraceID().String()
	}
	c.JSON(http.StatusOK, dto.NewSuccessResponseWithMeta(data, meta))
}

// Error sends an error response with the appropriate status code
func (h *BaseHandler) Error(c *gin.Context, statusCode int, code, message string) {
	c.JSON(statusCode, dto.NewErrorResponseWithRequestID(code, message, middleware.GetRequestID(c)))
}

// ErrorWithCode sends an error response, deriving status code from error code
func (h *BaseHandler) ErrorWithCode(c *gin.Context, code, message string) {
	h.Error(c, dto.GetHTTPStatus(code), code, message)
}

// InternalError sends a 500 internal server error response
func (h *BaseHandler) InternalError(c *gin.Context, message string) {
	h.Error(c, http.StatusInternalServerError, dto.ErrCodeInternal, message)
}

// BindError answers a failed ShouldBind* call
func (h *BaseHandler) BindError(c *gin.Context, err error) {
	middleware.HandleBindError(c, err)
}

// HandleError is a generic error handler that handles both domain and standard errors
func (h *BaseHandler) HandleError(c *gin.Context, err error) {
	if err == nil {
		return
	}

	var domainErr *shared.DomainError
	if errors.As(err, &domainErr) {
		code := dto.NormalizeErrorCode(domainErr.Code)
		status := dto.GetHTTPStatus(code)
		if status >= http.StatusInternalServerError {
			logger.GetGinLogger(c).Error("Request failed", zap.String("code", code), zap.Error(err))
		}
		h.Error(c, status, code, domainErr.Message)
		return
	}

	if errors.Is(err, context.DeadlineExceeded) {
		logger.GetGinLogger(c).Warn("Ledger lock timed out", zap.Error(err))
		h.ErrorWithCode(c, dto.ErrCodeLockTimeout, "Tenant ledger is busy, retry shortly")
		return
	}

	logger.GetGinLogger(c).Error("Unexpected error", zap.Error(err))
	h.InternalError(c, "An unexpected error occurred")
}
