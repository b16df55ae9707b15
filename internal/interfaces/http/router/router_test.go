package router

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/erp/tokenledger/internal/interfaces/http/handler"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func serve(engine *gin.Engine, method, path string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	engine.ServeHTTP(w, httptest.NewRequest(method, path, nil))
	return w
}

func TestNewRouter(t *testing.T) {
	engine := gin.New()
	r := NewRouter(engine)

	assert.Equal(t, "v1", r.apiVersion)
	assert.Empty(t, r.registrars)

	r = NewRouter(engine, WithAPIVersion("v2"))
	assert.Equal(t, "v2", r.apiVersion)
}

func TestRouter_Setup(t *testing.T) {
	engine := gin.New()
	ping := NewRouteTable("/test", Route{http.MethodGet, "/ping", func(c *gin.Context) {
		c.String(http.StatusOK, "pong")
	}})

	NewRouter(engine, WithAPIVersion("v2")).
		Use(func(c *gin.Context) {
			c.Header("X-Api", "yes")
			c.Next()
		}).
		Register(ping).
		Setup()

	w := serve(engine, http.MethodGet, "/api/v2/test/ping")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "pong", w.Body.String())
	assert.Equal(t, "yes", w.Header().Get("X-Api"))

	assert.Equal(t, http.StatusNotFound, serve(engine, http.MethodGet, "/api/v1/test/ping").Code)
}

func TestRouteTable(t *testing.T) {
	t.Run("registers every method", func(t *testing.T) {
		engine := gin.New()
		table := NewRouteTable("/items",
			Route{http.MethodGet, "", func(c *gin.Context) { c.Status(http.StatusOK) }},
			Route{http.MethodPost, "", func(c *gin.Context) { c.Status(http.StatusCreated) }},
			Route{http.MethodDelete, "/:id", func(c *gin.Context) { c.Status(http.StatusNoContent) }},
		)
		table.RegisterRoutes(engine.Group("/api/v1"))

		tests := []struct {
			method string
			path   string
			status int
		}{
			{http.MethodGet, "/api/v1/items", http.StatusOK},
			{http.MethodPost, "/api/v1/items", http.StatusCreated},
			{http.MethodDelete, "/api/v1/items/1", http.StatusNoContent},
		}
		for _, tt := range tests {
			assert.Equal(t, tt.status, serve(engine, tt.method, tt.path).Code, "%s %s", tt.method, tt.path)
		}
	})

	t.Run("middleware runs in order before the handler", func(t *testing.T) {
		engine := gin.New()
		var order []string
		table := NewRouteTable("/items", Route{http.MethodGet, "", func(c *gin.Context) {
			order = append(order, "handler")
			c.Status(http.StatusOK)
		}})
		table.Use(func(c *gin.Context) { order = append(order, "first") }).
			Use(func(c *gin.Context) { order = append(order, "second") })
		table.RegisterRoutes(engine.Group(""))

		serve(engine, http.MethodGet, "/items")
		assert.Equal(t, []string{"first", "second", "handler"}, order)
	})

	t.Run("aborting middleware stops the chain", func(t *testing.T) {
		engine := gin.New()
		called := false
		table := NewRouteTable("/items", Route{http.MethodGet, "", func(c *gin.Context) { called = true }})
		table.Use(func(c *gin.Context) { c.AbortWithStatus(http.StatusTooManyRequests) })
		table.RegisterRoutes(engine.Group(""))

		assert.Equal(t, http.StatusTooManyRequests, serve(engine, http.MethodGet, "/items").Code)
		assert.False(t, called)
	})
}

func TestLedgerRoutes(t *testing.T) {
	ledger := NewLedgerRoutes(handler.NewLedgerHandler(nil))
	assert.Equal(t, "/ledger", ledger.Prefix())
	assert.Len(t, ledger.Routes(), 9)

	engine := gin.New()
	NewRouter(engine).
		Register(ledger).
		Register(NewSystemRoutes(handler.NewSystemHandler("tokenledger", "test", nil, nil))).
		Setup()

	got := make(map[string]bool)
	for _, route := range engine.Routes() {
		got[route.Method+" "+route.Path] = true
	}

	for _, want := range []string{
		"GET /api/v1/ledger/snapshot",
		"GET /api/v1/ledger/addons",
		"GET /api/v1/ledger/events",
		"POST /api/v1/ledger/usage",
		"POST /api/v1/ledger/purchases",
		"DELETE /api/v1/ledger/purchases/:purchase_id",
		"POST /api/v1/ledger/killswitch/toggle",
		"POST /api/v1/ledger/auto-top-up/acknowledge",
		"POST /api/v1/ledger/rollover",
		"GET /api/v1/system/info",
	} {
		assert.True(t, got[want], "missing route %s", want)
	}
}
