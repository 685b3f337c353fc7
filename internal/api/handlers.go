// Package api serves the tracking endpoints, the pixel script and the
// admin REST API.
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/yaat/clickshield/internal/adfraud"
	"github.com/yaat/clickshield/internal/adsync"
	"github.com/yaat/clickshield/internal/auth"
	"github.com/yaat/clickshield/internal/config"
	"github.com/yaat/clickshield/internal/database"
	"github.com/yaat/clickshield/internal/fraud"
	"github.com/yaat/clickshield/internal/logging"
	"github.com/yaat/clickshield/internal/reputation"
	"github.com/yaat/clickshield/internal/settings"
	"github.com/yaat/clickshield/internal/tracking"
)

// Version is reported by /api/version
var Version = "dev"

// Deps are the services behind the router. GoogleAds is nil when the API
// credentials are not configured.
type Deps struct {
	Config       *config.Config
	DB           *database.DB
	Settings     *settings.Service
	Auth         *auth.Auth
	Engine       *fraud.Engine
	FraudConfigs *database.FraudSettings
	Tracking     *tracking.Service
	Reputation   *reputation.Service
	GoogleAds    *adsync.GoogleAds
	Syncer       *adsync.Syncer
}

// Handlers contains all HTTP handlers
type Handlers struct {
	cfg        *config.Config
	db         *database.DB
	settings   *settings.Service
	auth       *auth.Auth
	engine     *fraud.Engine
	configs    *database.FraudSettings
	tracking   *tracking.Service
	reputation *reputation.Service
	reporter   *adfraud.Detector
	googleAds  *adsync.GoogleAds
	syncer     *adsync.Syncer
	log        zerolog.Logger
}

func newHandlers(d Deps) *Handlers {
	return &Handlers{
		cfg:        d.Config,
		db:         d.DB,
		settings:   d.Settings,
		auth:       d.Auth,
		engine:     d.Engine,
		configs:    d.FraudConfigs,
		tracking:   d.Tracking,
		reputation: d.Reputation,
		reporter:   adfraud.NewDetector(d.DB.Conn()),
		googleAds:  d.GoogleAds,
		syncer:     d.Syncer,
		log:        logging.With("api"),
	}
}

// Health reports whether the database answers
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := h.db.Conn().PingContext(ctx); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":        "ok",
		"fraud_enabled": h.engine.Enabled(),
		"reputation":    h.reputation.ProviderName(),
	})
}

func (h *Handlers) GetVersion(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"version": Version})
}

// requestLogger logs every request through the process logger
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)

		event := logging.Debug()
		if ww.Status() >= http.StatusInternalServerError {
			event = logging.Warn()
		}
		event.
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Int("bytes", ww.BytesWritten()).
			Dur("took", time.Since(start)).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("request")
	})
}

type tenantKey struct{}

// tenantContext loads the {id} tenant for the nested routes
func (h *Handlers) tenantContext(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, ok := int64Param(r, "id")
		if !ok {
			writeError(w, http.StatusBadRequest, "Invalid tenant id")
			return
		}
		t, err := h.db.TenantByID(r.Context(), id)
		if errors.Is(err, database.ErrNotFound) {
			writeError(w, http.StatusNotFound, "Tenant not found")
			return
		}
		if err != nil {
			h.internalError(w, err, "Failed to load tenant")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), tenantKey{}, t)))
	})
}

func tenantFrom(r *http.Request) *database.Tenant {
	return r.Context().Value(tenantKey{}).(*database.Tenant)
}

// internalError logs err and answers 500 with a generic message
func (h *Handlers) internalError(w http.ResponseWriter, err error, message string) {
	h.log.Error().Err(err).Msg(message)
	writeError(w, http.StatusInternalServerError, message)
}
