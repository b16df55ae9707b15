package router

import (
	"github.com/gin-gonic/gin"
)

// RouteRegistrar mounts a set of routes under the versioned API group
type RouteRegistrar interface {
	RegisterRoutes(rg *gin.RouterGroup)
}

// Router mounts registrars under /api/<version>
type Router struct {
	engine     *gin.Engine
	apiVersion string
	registrars []RouteRegistrar
	middleware []gin.HandlerFunc
}

// RouterOption configures a Router
type RouterOption func(*Router)

// WithAPIVersion sets the version segment of the API prefix
func WithAPIVersion(version string) RouterOption {
	return func(r *Router) {
		r.apiVersion = version
	}
}

// NewRouter creates a Router for engine, defaulting to v1
func NewRouter(engine *gin.Engine, opts ...RouterOption) *Router {
	r := &Router{engine: engine, apiVersion: "v1"}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register queues a registrar; nothing is mounted until Setup
func (r *Router) Register(registrar RouteRegistrar) *Router {
	r.registrars = append(r.registrars, registrar)
	return r
}

// Use adds middleware shared by every versioned route
func (r *Router) Use(middleware ...gin.HandlerFunc) *Router {
	r.middleware = append(r.middleware, middleware...)
	return r
}

// Setup mounts every registered registrar
func (r *Router) Setup() {
	api := r.engine.Group("/api/"+r.apiVersion, r.middleware...)
	for _, registrar := range r.registrars {
		registrar.RegisterRoutes(api)
	}
}

// Route is one endpoint of a RouteTable
type Route struct {
	Method  string
	Path    string
	Handler gin.HandlerFunc
}

// RouteTable is a prefix with its middleware and endpoints. Middleware
// added with Use runs before every route in the table, in the order added.
type RouteTable struct {
	prefix     string
	middleware []gin.HandlerFunc
	routes     []Route
}

// NewRouteTable creates a table mounted at prefix
func NewRouteTable(prefix string, routes ...Route) *RouteTable {
	return &RouteTable{prefix: prefix, routes: routes}
}

// Use appends middleware to the table
func (t *RouteTable) Use(middleware ...gin.HandlerFunc) *RouteTable {
	t.middleware = append(t.middleware, middleware...)
	return t
}

// Prefix returns the mount path relative to the API group
func (t *RouteTable) Prefix() string {
	return t.prefix
}

// Routes returns the endpoints in declaration order
func (t *RouteTable) Routes() []Route {
	return t.routes
}

// RegisterRoutes implements RouteRegistrar
func (t *RouteTable) RegisterRoutes(rg *gin.RouterGroup) {
	group := rg.Group(t.prefix, t.middleware...)
	for _, route := range t.routes {
		group.Handle(route.Method, route.Path, route.Handler)
	}
}
