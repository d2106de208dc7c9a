package server

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/dorcha-inc/burrow/internal/runtime"
)

// maxAppBody bounds request bodies forwarded to the application.
const maxAppBody = 10 << 20

// AppRequest is what the application entry point receives for a request no
// route matched.
type AppRequest struct {
	Method  string            `json:"method"`
	Path    string            `json:"path"`
	Query   string            `json:"query"`
	Headers map[string]string `json:"headers"`
	Body    string            `json:"body"`
}

// AppResponse is what the application entry point answers.
type AppResponse struct {
	Status  int               `json:"status"`
	Headers map[string]string `json:"headers"`
	Body    string            `json:"body"`
}

// AppHandler forwards a request to the guest application entry point.
func AppHandler(entry string) HandlerFactory {
	return func(rt *runtime.Runtime) gin.HandlerFunc {
		expose := rt.Settings().ExposeTracebacks
		return func(c *gin.Context) {
			body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxAppBody))
			if err != nil {
				WriteError(c, BadRequest("failed to read request body: %v", err), expose)
				return
			}

			headers := make(map[string]string, len(c.Request.Header))
			for name, values := range c.Request.Header {
				headers[strings.ToLower(name)] = strings.Join(values, ", ")
			}
			req := AppRequest{
				Method:  c.Request.Method,
				Path:    c.Request.URL.Path,
				Query:   c.Request.URL.RawQuery,
				Headers: headers,
				Body:    string(body),
			}

			result, err := rt.Call(c.Request.Context(), entry, req)
			if err != nil {
				WriteError(c, err, expose)
				return
			}

			resp, err := decodeAppResponse(result)
			if err != nil {
				WriteError(c, err, expose)
				return
			}
			for name, value := range resp.Headers {
				c.Header(name, value)
			}
			contentType := resp.Headers["Content-Type"]
			if contentType == "" {
				contentType = "text/plain; charset=utf-8"
			}
			c.Data(resp.Status, contentType, []byte(resp.Body))
		}
	}
}

func decodeAppResponse(result any) (AppResponse, error) {
	if s, ok := result.(string); ok {
		return AppResponse{Status: http.StatusOK, Body: s}, nil
	}
	raw, err := json.Marshal(result)
	if err != nil {
		return AppResponse{}, fmt.Errorf("failed to encode application reply: %w", err)
	}
	var resp AppResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return AppResponse{}, fmt.Errorf("application reply is not a response: %w", err)
	}
	if resp.Status == 0 {
		resp.Status = http.StatusOK
	}
	if resp.Status < 100 || resp.Status > 999 {
		return AppResponse{}, fmt.Errorf("application reply has invalid status %d", resp.Status)
	}
	return resp, nil
}
