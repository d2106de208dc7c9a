// Package graphql serves a guest GraphQL schema over HTTP: single requests,
// graphql-ws subscriptions backed by pub/sub, and a playground page.
//
// The schema itself lives in the guest. Every operation is one call to the
// configured schema entry point with the query, its variables and the
// operation name. When the database is enabled, the call runs with exactly one
// pooled connection leased for its duration, so every query the guest issues
// through the host shares that connection.
package graphql

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/dorcha-inc/burrow/internal/core"
	"github.com/dorcha-inc/burrow/internal/interp"
	"github.com/dorcha-inc/burrow/internal/runtime"
	"github.com/dorcha-inc/burrow/internal/server"
)

const (
	DefaultPath              = "/graphql"
	DefaultSubscriptionsPath = "/subscriptions"
	DefaultPlaygroundPath    = "/"
)

// Mount adds the GraphQL endpoint, the subscriptions endpoint and the
// playground at their default paths.
func Mount(r *server.Router) *server.Router {
	return r.
		Post(DefaultPath, Handler).
		Get(DefaultPath, Handler).
		Get(DefaultSubscriptionsPath, Subscriptions).
		Get(DefaultPlaygroundPath, Playground(DefaultPath, DefaultSubscriptionsPath))
}

// Request is a GraphQL request as clients send it.
type Request struct {
	Query         string         `json:"query" form:"query"`
	Variables     map[string]any `json:"variables" form:"-"`
	OperationName string         `json:"operationName" form:"operationName"`
}

// Operation is what the schema entry point receives.
type Operation struct {
	Query         string         `json:"query"`
	Variables     map[string]any `json:"variables"`
	OperationName string         `json:"operation_name,omitempty"`
	Subscription  bool           `json:"subscription,omitempty"`
	ConnectionID  string         `json:"connection_id,omitempty"`
}

// Execute runs op against the configured schema.
func Execute(ctx context.Context, rt *runtime.Runtime, op Operation) (any, error) {
	schema := rt.Settings().GQLSchemaClass
	if schema == "" {
		return nil, core.NewConfigError("no GraphQL schema is configured")
	}

	if op.ConnectionID != "" {
		ctx = interp.WithConnectionID(ctx, op.ConnectionID)
	}

	db := rt.Database()
	if db == nil {
		return rt.Call(ctx, schema, op)
	}

	lease, err := db.Pool().Acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer lease.Release()

	result, err := rt.Call(interp.WithConn(ctx, lease.Conn()), schema, op)
	if core.KindOf(err) == core.KindConnectionBroken {
		lease.MarkBroken()
	}
	return result, err
}

// Response shapes a schema result as a GraphQL response. Results that are
// already a response pass through.
func Response(result any) map[string]any {
	if m, ok := result.(map[string]any); ok {
		_, hasData := m["data"]
		_, hasErrors := m["errors"]
		if hasData || hasErrors {
			return m
		}
	}
	return map[string]any{"data": result}
}

// Handler answers GraphQL requests sent as a JSON POST body or as GET query
// parameters.
func Handler(rt *runtime.Runtime) gin.HandlerFunc {
	expose := rt.Settings().ExposeTracebacks
	return func(c *gin.Context) {
		req, err := bindRequest(c)
		if err != nil {
			server.WriteError(c, err, expose)
			return
		}

		result, err := Execute(c.Request.Context(), rt, Operation{
			Query:         req.Query,
			Variables:     req.Variables,
			OperationName: req.OperationName,
		})
		if err != nil {
			server.WriteError(c, err, expose)
			return
		}
		c.JSON(http.StatusOK, Response(result))
	}
}

func bindRequest(c *gin.Context) (Request, error) {
	var req Request
	if c.Request.Method == http.MethodGet {
		if err := c.ShouldBindQuery(&req); err != nil {
			return req, server.BadRequest("invalid query parameters: %v", err)
		}
		if raw := c.Query("variables"); raw != "" {
			if err := json.Unmarshal([]byte(raw), &req.Variables); err != nil {
				return req, server.BadRequest("variables must be a JSON object: %v", err)
			}
		}
	} else if err := c.ShouldBindJSON(&req); err != nil {
		return req, server.BadRequest("invalid request body: %v", err)
	}

	if req.Query == "" {
		return req, server.BadRequest("query is required")
	}
	if req.Variables == nil {
		req.Variables = map[string]any{}
	}
	return req, nil
}
