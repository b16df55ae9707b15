package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/erp/tokenledger/internal/domain/billing"
	"github.com/erp/tokenledger/internal/domain/shared"
	"github.com/erp/tokenledger/internal/interfaces/http/dto"
	"github.com/erp/tokenledger/internal/interfaces/http/middleware"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func newTestContext() (*gin.Context, *httptest.ResponseRecorder) {
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(http.MethodGet, "/", nil)
	c.Set(middleware.RequestIDKey, "req-test")
	return c, w
}

func decodeResponse(t *testing.T, w *httptest.ResponseRecorder) dto.Response {
	t.Helper()
	var resp dto.Response
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return resp
}

func TestBaseHandler_Success(t *testing.T) {
	h := &BaseHandler{}
	c, w := newTestContext()

	h.Success(c, map[string]string{"key": "value"})

	assert.Equal(t, http.StatusOK, w.Code)
	resp := decodeResponse(t, w)
	assert.True(t, resp.Success)
	assert.Nil(t, resp.Meta)
}

func TestBaseHandler_SuccessWithTotal(t *testing.T) {
	h := &BaseHandler{}
	c, w := newTestContext()

	h.SuccessWithTotal(c, []string{"a", "b"}, 2)

	resp := decodeResponse(t, w)
	require.NotNil(t, resp.Meta)
	require.NotNil(t, resp.Meta.Total)
	assert.Equal(t, 2, *resp.Meta.Total)
	assert.Equal(t, "req-test", resp.Meta.RequestID)
}

func TestBaseHandler_SuccessWithWarning(t *testing.T) {
	t.Run("nil warning is a plain success", func(t *testing.T) {
		h := &BaseHandler{}
		c, w := newTestContext()
		h.SuccessWithWarning(c, "ok", nil)
		assert.Nil(t, decodeResponse(t, w).Meta)
	})

	t.Run("domain warning is normalized", func(t *testing.T) {
		h := &BaseHandler{}
		c, w := newTestContext()
		h.SuccessWithWarning(c, "ok", billing.ErrPersistenceUnavailable.WithCause(errors.New("connection refused")))

		assert.Equal(t, http.StatusOK, w.Code)
		resp := decodeResponse(t, w)
		assert.True(t, resp.Success)
		require.NotNil(t, resp.Meta)
		require.NotNil(t, resp.Meta.Warning)
		assert.Equal(t, dto.ErrCodePersistenceUnavailable, resp.Meta.Warning.Code)
		assert.Equal(t, billing.ErrPersistenceUnavailable.Message, resp.Meta.Warning.Message)
	})
}

func TestBaseHandler_HandleError(t *testing.T) {
	tests := []struct {
		name           string
		err            error
		expectedStatus int
		expectedCode   string
	}{
		{"unknown addon", billing.ErrUnknownAddon, http.StatusBadRequest, dto.ErrCodeUnknownAddon},
		{"invalid usage", billing.ErrInvalidUsageDelta, http.StatusBadRequest, dto.ErrCodeInvalidInput},
		{"invalid tenant", billing.ErrInvalidTenant, http.StatusBadRequest, dto.ErrCodeInvalidTenant},
		{"not found", shared.ErrNotFound, http.StatusNotFound, dto.ErrCodeNotFound},
		{"conflict", shared.ErrConcurrencyConflict, http.StatusConflict, dto.ErrCodeConcurrencyConflict},
		{"wrapped persistence", fmt.Errorf("load: %w", billing.ErrPersistenceUnavailable), http.StatusServiceUnavailable, dto.ErrCodePersistenceUnavailable},
		{"lock timeout", fmt.Errorf("acquire ledger lock: %w", context.DeadlineExceeded), http.StatusServiceUnavailable, dto.ErrCodeLockTimeout},
		{"plain error", errors.New("boom"), http.StatusInternalServerError, dto.ErrCodeInternal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := &BaseHandler{}
			c, w := newTestContext()

			h.HandleError(c, tt.err)

			assert.Equal(t, tt.expectedStatus, w.Code)
			resp := decodeResponse(t, w)
			assert.False(t, resp.Success)
			require.NotNil(t, resp.Error)
			assert.Equal(t, tt.expectedCode, resp.Error.Code)
			assert.Equal(t, "req-test", resp.Error.RequestID)
		})
	}
}

func TestBaseHandler_HandleErrorNil(t *testing.T) {
	h := &BaseHandler{}
	c, w := newTestContext()
	h.HandleError(c, nil)
	assert.Empty(t, w.Body.String())
}

func TestBaseHandler_TenantID(t *testing.T) {
	h := &BaseHandler{}

	c, w := newTestContext()
	_, ok := h.tenantID(c)
	assert.False(t, ok)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, dto.ErrCodeTenantRequired, decodeResponse(t, w).Error.Code)

	c, _ = newTestContext()
	id := uuid.New()
	c.Set(middleware.TenantIDKey, id.String())
	got, ok := h.tenantID(c)
	assert.True(t, ok)
	assert.Equal(t, id, got)
}
