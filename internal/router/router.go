package router

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"chatrelay/internal/middleware"
	"chatrelay/internal/notify"
	"chatrelay/internal/proxy"
)

func New(
	forwarder *proxy.Handler,
	hub *notify.Hub,
	frontendURL string,
) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimiddleware.Logger)
	r.Use(chimiddleware.Recoverer)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.RequestID)
	r.Use(middleware.CORS(frontendURL))

	// Chat stream limiter (30 req/min per IP per route)
	streamLimiter := middleware.NewRateLimiter(30, time.Minute)

	// Health check
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok"}`))
	})

	r.Route("/api/v1", func(r chi.Router) {
		// ──── Refresh fan-out ────
		r.Get("/ws", hub.HandleWebSocket)

		// ──── Chat stream (rate limited) ────
		r.With(streamLimiter.Middleware).Post("/chat/stream", forwarder.ServeHTTP)

		// ──── Everything else relays verbatim ────
		r.HandleFunc("/*", forwarder.ServeHTTP)
	})

	return r
}
