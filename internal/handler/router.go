package handler

import (
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/riteshkumar/carewallet/internal/metrics"
)

// RouteRegistrar is implemented by every handler in this package.
type RouteRegistrar interface {
	RegisterRoutes(router *mux.Router)
}

// NewRouter mounts the public endpoints (/health, /metrics, /ws) and every
// authenticated handler behind the JWT middleware.
func NewRouter(
	auth *Authenticator,
	ws *WebSocketHandler,
	collector *metrics.Collector,
	logger *slog.Logger,
	handlers ...RouteRegistrar,
) *mux.Router {
	router := mux.NewRouter()

	router.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"healthy"}`))
	}).Methods(http.MethodGet)
	router.Handle("/metrics", collector.Handler()).Methods(http.MethodGet)

	if ws != nil {
		ws.RegisterRoutes(router)
	}

	api := router.NewRoute().Subrouter()
	api.Use(auth.Middleware)
	for _, h := range handlers {
		h.RegisterRoutes(api)
	}

	router.Use(LoggingMiddleware(logger, collector))
	return router
}
