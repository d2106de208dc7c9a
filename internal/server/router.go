package server

import (
	"fmt"
	"net/http"
	"slices"
	"strings"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/gin-gonic/gin"

	"github.com/dorcha-inc/burrow/internal/core"
	"github.com/dorcha-inc/burrow/internal/runtime"
)

// MetricsPath is where prometheus metrics are served when enabled.
const MetricsPath = "/metrics"

// HandlerFactory builds a route handler once the Runtime exists.
type HandlerFactory func(rt *runtime.Runtime) gin.HandlerFunc

// Route binds one method and path to a handler.
type Route struct {
	Method  string
	Path    string
	Handler HandlerFactory
}

func (r Route) key() string {
	return r.Method + " " + r.Path
}

// Router is the route table of a serve command. It is only a declaration:
// nothing is checked until Validate, and nothing is bound until the server
// is built.
type Router struct {
	routes []Route
}

func NewRouter() *Router {
	return &Router{}
}

// Handle adds a route.
func (r *Router) Handle(method, path string, h HandlerFactory) *Router {
	r.routes = append(r.routes, Route{Method: strings.ToUpper(method), Path: path, Handler: h})
	return r
}

func (r *Router) Get(path string, h HandlerFactory) *Router {
	return r.Handle(http.MethodGet, path, h)
}

func (r *Router) Post(path string, h HandlerFactory) *Router {
	return r.Handle(http.MethodPost, path, h)
}

// Routes returns a copy of the route table.
func (r *Router) Routes() []Route {
	return slices.Clone(r.routes)
}

// Validate reports every malformed or duplicate route as one ConfigError.
// reserved lists paths the server itself serves for GET.
func (r *Router) Validate(reserved ...string) error {
	seen := mapset.NewThreadUnsafeSet[string]()
	for _, path := range reserved {
		seen.Add(http.MethodGet + " " + path)
	}

	var problems []string
	for _, route := range r.routes {
		switch {
		case route.Method == "":
			problems = append(problems, fmt.Sprintf("route %q: missing method", route.Path))
		case !strings.HasPrefix(route.Path, "/"):
			problems = append(problems, fmt.Sprintf("route %s: path must start with /", route.key()))
		case route.Handler == nil:
			problems = append(problems, fmt.Sprintf("route %s: missing handler", route.key()))
		case !seen.Add(route.key()):
			problems = append(problems, fmt.Sprintf("route %s: registered more than once", route.key()))
		}
	}

	if len(problems) == 0 {
		return nil
	}
	return core.NewConfigError("invalid route table: %s", strings.Join(problems, "; "))
}
