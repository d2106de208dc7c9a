package graphql

import (
	"bytes"
	"html/template"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/dorcha-inc/burrow/internal/runtime"
	"github.com/dorcha-inc/burrow/internal/server"
)

var playgroundTemplate = template.Must(template.New("playground").Parse(`<!DOCTYPE html>
<html>
<head>
  <meta charset="utf-8" />
  <title>burrow GraphQL playground</title>
  <link rel="stylesheet" href="https://cdn.jsdelivr.net/npm/graphql-playground-react/build/static/css/index.css" />
  <script src="https://cdn.jsdelivr.net/npm/graphql-playground-react/build/static/js/middleware.js"></script>
</head>
<body>
  <div id="root"></div>
  <script>
    window.addEventListener("load", function () {
      var origin = window.location.origin;
      var ws = origin.replace(/^http/, "ws");
      GraphQLPlayground.init(document.getElementById("root"), {
        endpoint: origin + {{.Endpoint}},
        subscriptionEndpoint: ws + {{.SubscriptionEndpoint}}
      });
    });
  </script>
</body>
</html>
`))

// Playground serves an interactive page that talks to endpoint and
// subscriptionEndpoint, both paths on this server.
func Playground(endpoint, subscriptionEndpoint string) server.HandlerFactory {
	var page bytes.Buffer
	err := playgroundTemplate.Execute(&page, struct {
		Endpoint             string
		SubscriptionEndpoint string
	}{endpoint, subscriptionEndpoint})
	if err != nil {
		zap.L().Error("Failed to render playground", zap.Error(err))
	}
	body := page.Bytes()

	return func(*runtime.Runtime) gin.HandlerFunc {
		return func(c *gin.Context) {
			c.Data(http.StatusOK, "text/html; charset=utf-8", body)
		}
	}
}
