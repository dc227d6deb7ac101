package api

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	corslib "github.com/rs/cors"
	httpSwagger "github.com/swaggo/http-swagger/v2"

	"github.com/modplast83/Modern-MPS--sub001/internal/api/handler"
	"github.com/modplast83/Modern-MPS--sub001/internal/push"
)

// NewRouter creates and configures the Chi router with all middleware and routes.
func NewRouter(d handler.Deps) *chi.Mux {
	cfg := d.Config
	d.UserID = UserFromRequest

	r := chi.NewRouter()

	// --- Middleware stack ---
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(TimingMiddleware)

	// CORS
	c := corslib.New(corslib.Options{
		AllowedOrigins:   cfg.CORSAllowOrigins,
		AllowedMethods:   []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Accept-Encoding", "Authorization", "Content-Type", "If-None-Match", "Cache-Control", "Last-Event-ID"},
		ExposedHeaders:   []string{"X-Process-Time", "X-Cache", "ETag"},
		AllowCredentials: true,
	})
	r.Use(c.Handler)

	// Rate limiting
	if cfg.RateLimitEnabled {
		r.Use(RateLimitMiddleware(cfg.RateLimitRequests, cfg.RateLimitWindow))
	}

	// --- Handler dependencies ---
	h := handler.New(d)
	auth := AuthMiddleware(cfg.JWTSecret)
	stream := push.StreamHandler(d.Hub, d.Store, push.StreamConfig{
		ReplayLimit:       cfg.PushReplayLimit,
		HeartbeatInterval: cfg.PushHeartbeatInterval,
		WriteTimeout:      cfg.PushWriteTimeout,
	}, UserFromRequest, h.Logger)

	// --- Routes ---
	r.Group(func(r chi.Router) {
		r.Use(middleware.Compress(5)) // gzip

		r.Get("/", h.Root)

		r.Route("/health", func(r chi.Router) {
			r.Get("/", h.HealthCheck)
			r.Get("/db", h.HealthCheckDB)
			r.Get("/push", h.HealthCheckPush)
			r.Get("/metrics", h.HealthCheckMetrics)
		})

		r.Get("/docs/*", httpSwagger.Handler(
			httpSwagger.URL("/docs/doc.json"),
		))
	})

	r.Route("/api", func(r chi.Router) {
		// SSE must reach the client frame by frame, so it stays outside
		// the compressed group.
		r.With(auth).Get("/notifications/stream", stream)

		r.Group(func(r chi.Router) {
			r.Use(middleware.Compress(5))

			// Provider callbacks authenticate by signature, not session.
			r.Get("/webhooks/{provider}", h.VerifyWebhook)
			r.Post("/webhooks/{provider}", h.ReceiveWebhook)

			r.Group(func(r chi.Router) {
				r.Use(auth)

				r.Post("/alerts", h.SubmitAlert)
				r.Get("/alerts", h.ListAlerts)
				r.Get("/alerts/stats", h.AlertStats)
				r.Get("/alerts/{id}", h.GetAlert)
				r.Post("/alerts/{id}/resolve", h.ResolveAlert)
				r.Post("/alerts/{id}/dismiss", h.DismissAlert)

				r.Post("/notifications/system", h.CreateSystemNotification)
				r.Post("/notifications/whatsapp", h.SendWhatsApp)
				r.Get("/notifications/user", h.ListUserNotifications)
				r.Patch("/notifications/mark-read/{id}", h.MarkRead)
				r.Patch("/notifications/mark-all-read", h.MarkAllRead)
				r.Delete("/notifications/{id}", h.DeleteNotification)
			})
		})
	})

	return r
}
