// Package httpapi assembles the optional HTTP transport: the MCP
// streamable-HTTP handler mounted behind the service's standard middleware
// chain, plus a health endpoint for deployment probes.
package httpapi

import (
	"encoding/json"
	stdhttp "net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"veomcp/internal/infra"
	"veomcp/internal/middleware"
)

// NewRouter mounts the MCP handler under /mcp with request logging and a
// health probe.
func NewRouter(mcpHandler stdhttp.Handler, logger infra.Logger) stdhttp.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID, chimw.RealIP, chimw.Recoverer)
	r.Use(middleware.Logger(logger))

	r.Get("/v1/healthz", func(w stdhttp.ResponseWriter, req *stdhttp.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
	})

	r.Mount("/mcp", mcpHandler)

	return r
}
