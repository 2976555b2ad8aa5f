package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/hillpark/pharmacy-booking/internal/auth"
	"github.com/hillpark/pharmacy-booking/internal/documents"
	"github.com/hillpark/pharmacy-booking/internal/scheduling"
)

type RouterConfig struct {
	Coordinator *scheduling.Coordinator
	Provider    *auth.Provider
	Issuer      *auth.TokenIssuer
	Documents   documents.Store
	PgPool      *pgxpool.Pool
	Redis       *redis.Client
	Logger      *zap.Logger
	Env         string
	Version     string
}

func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(cfg.Logger))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
		MaxAge:         300,
	}))
	r.Use(httprate.LimitByIP(100, time.Minute))

	// Health endpoints
	health := NewHealthHandler(cfg.PgPool, cfg.Redis, cfg.Env, cfg.Version)
	r.Get("/health/live", health.Liveness)
	r.Get("/health/ready", health.Readiness)

	// Public auth endpoints
	r.Post("/auth/register", registerHandler(cfg.Provider))
	r.Post("/auth/login", loginHandler(cfg.Provider, cfg.Issuer))

	// Authenticated API
	r.Group(func(r chi.Router) {
		r.Use(AuthMiddleware(cfg.Issuer))

		r.Get("/slots", listSlotsHandler(cfg.Coordinator))
		r.Get("/appointments", listAppointmentsHandler(cfg.Coordinator))
		r.Get("/appointments/{id}", getAppointmentHandler(cfg.Coordinator))
		r.Get("/appointments/{id}/referral", referralLinkHandler(cfg.Coordinator, cfg.Documents))
		r.Post("/appointments/{id}/reschedule", rescheduleAppointmentHandler(cfg.Coordinator))

		// Customer operations
		r.Group(func(r chi.Router) {
			r.Use(RequireRole(auth.RoleCustomer))
			r.Post("/documents", uploadDocumentHandler(cfg.Documents))
			r.Post("/appointments", bookAppointmentHandler(cfg.Coordinator))
			r.Post("/appointments/{id}/cancel", cancelAppointmentHandler(cfg.Coordinator))
		})

		// Pharmacist operations
		r.Group(func(r chi.Router) {
			r.Use(RequireRole(auth.RolePharmacist))
			r.Post("/slots", publishSlotHandler(cfg.Coordinator))
			r.Post("/slots/{id}/withdraw", withdrawSlotHandler(cfg.Coordinator))
			r.Post("/appointments/{id}/confirm", confirmAppointmentHandler(cfg.Coordinator))
			r.Post("/appointments/{id}/reject", rejectAppointmentHandler(cfg.Coordinator))
		})
	})

	return r
}
