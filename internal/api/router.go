package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/yaat/clickshield/internal/auth"
	"github.com/yaat/clickshield/internal/enrichment"
)

// NewRouter creates the HTTP router
func NewRouter(d Deps) http.Handler {
	h := newHandlers(d)
	authMiddleware := auth.NewMiddleware(d.Auth, d.DB)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)

	// The pixel runs on customer sites, so tracking accepts any origin and
	// never carries credentials
	trackingCORS := cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         3600,
	})

	r.With(trackingCORS).Get("/pixel/{file}", h.ServePixel)

	r.Route("/api/track", func(r chi.Router) {
		r.Use(trackingCORS)
		if limit := d.Config.Server.TrackRateLimit; limit > 0 {
			r.Use(httprate.Limit(limit, time.Minute,
				httprate.WithKeyFuncs(func(r *http.Request) (string, error) {
					return enrichment.ClientIP(r), nil
				}),
				httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
					writeError(w, http.StatusTooManyRequests, "Rate limit exceeded")
				}),
			))
		}
		r.Post("/pageview", h.TrackPageview)
		r.Post("/click", h.TrackClick)
		r.Post("/engagement", h.TrackEngagement)
		r.Post("/event", h.TrackEvent)
		r.Post("/form", h.TrackForm)
		r.Post("/identify", h.TrackIdentify)
	})

	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins:   d.Config.Server.AllowedOrigins,
			AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
			AllowedHeaders:   []string{"Accept", "Content-Type", "X-Requested-With", "Authorization"},
			ExposedHeaders:   []string{"Link"},
			AllowCredentials: true,
			MaxAge:           300,
		}))

		r.Get("/health", h.Health)
		r.Get("/version", h.GetVersion)

		r.Route("/auth", func(r chi.Router) {
			r.Get("/setup", h.CheckSetup)
			r.Post("/setup", h.Setup)
			r.Post("/login", h.Login)
			r.Post("/logout", h.Logout)

			r.Group(func(r chi.Router) {
				r.Use(authMiddleware.RequireSession)
				r.Get("/me", h.GetCurrentUser)
				r.Post("/password", h.ChangePassword)
			})
		})

		r.Group(func(r chi.Router) {
			r.Use(authMiddleware.RequireSession)

			r.Get("/tenants", h.ListTenants)

			r.Route("/tenants/{id}", func(r chi.Router) {
				r.Use(h.tenantContext)
				r.Use(authMiddleware.AdminWrites)
				r.Get("/", h.GetTenant)
				r.Get("/snippet", h.GetSnippet)
				r.Get("/pageviews", h.ListPageviews)

				r.Route("/fraud", func(r chi.Router) {
					r.Get("/settings", h.GetFraudSettings)
					r.Put("/settings", h.UpdateFraudSettings)
					r.Get("/score", h.GetScore)
					r.Get("/signals", h.ListSignals)
					r.Get("/stats", h.GetFraudStats)
					r.Get("/sources", h.GetSourceQuality)
					r.Get("/blocks", h.ListBlocks)
					r.Post("/blocks", h.AddBlock)
					r.Get("/blocks/check", h.CheckBlock)
					r.Delete("/blocks/{ip}", h.DeactivateBlock)
					r.Post("/blocks/{ip}/activate", h.ActivateBlock)
				})

				r.Route("/googleads", func(r chi.Router) {
					r.Get("/accounts", h.ListAdAccounts)
					// starts an OAuth grant for the tenant
					r.With(authMiddleware.RequireAdmin).Get("/connect", h.ConnectGoogleAds)
					r.Post("/sync", h.SyncGoogleAds)
					r.Put("/accounts/{accountID}", h.UpdateAdAccount)
					r.Delete("/accounts/{accountID}", h.DisconnectAdAccount)
				})
			})

			// Admin only
			r.Group(func(r chi.Router) {
				r.Use(authMiddleware.RequireAdmin)

				r.Post("/tenants", h.CreateTenant)
				r.Put("/tenants/{id}", h.UpdateTenant)

				r.Get("/googleads/callback", h.GoogleAdsCallback)

				r.Get("/reputation", h.LookupReputation)
				r.Get("/settings/reputation", h.GetReputationSettings)
				r.Put("/settings/reputation", h.UpdateReputationSettings)
				r.Post("/settings/reputation/download", h.DownloadReputationDatabase)
				r.Get("/settings/googleads", h.GetGoogleAdsSettings)
				r.Put("/settings/googleads", h.UpdateGoogleAdsSettings)

				r.Get("/users", h.ListUsers)
				r.Post("/users", h.CreateUser)
				r.Delete("/users/{id}", h.DeleteUser)
			})
		})
	})

	return r
}
