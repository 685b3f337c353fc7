package api

import (
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/yaat/clickshield/internal/database"
	"github.com/yaat/clickshield/internal/enrichment"
	"github.com/yaat/clickshield/internal/metrics"
	"github.com/yaat/clickshield/internal/tracking"
)

// ServePixel serves /pixel/{code}.js with the tenant's code baked in
func (h *Handlers) ServePixel(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/javascript; charset=utf-8")

	code, ok := strings.CutSuffix(chi.URLParam(r, "file"), ".js")
	if !ok || code == "" {
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte("// Invalid pixel code"))
		return
	}
	t, err := h.db.TenantByPixelCode(r.Context(), code)
	if err != nil {
		if !errors.Is(err, database.ErrNotFound) {
			h.log.Error().Err(err).Msg("failed to resolve pixel code")
		}
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte("// Invalid pixel code"))
		return
	}

	w.Header().Set("Cache-Control", "public, max-age=3600")
	w.Write([]byte(tracking.PixelScript(t.PixelCode, h.apiBase(r))))
}

// apiBase is the public base URL the pixel posts to
func (h *Handlers) apiBase(r *http.Request) string {
	if h.cfg.Server.BaseURL != "" {
		return h.cfg.Server.BaseURL
	}
	scheme := "http"
	if r.TLS != nil || r.Header.Get("X-Forwarded-Proto") == "https" {
		scheme = "https"
	}
	return scheme + "://" + r.Host
}

func requestMeta(r *http.Request) tracking.Meta {
	return tracking.Meta{
		IP:             enrichment.ClientIP(r),
		UserAgent:      r.UserAgent(),
		AcceptLanguage: r.Header.Get("Accept-Language"),
		AcceptEncoding: r.Header.Get("Accept-Encoding"),
	}
}

// trackingError maps ingestion errors to responses
func (h *Handlers) trackingError(w http.ResponseWriter, kind string, err error) {
	if errors.Is(err, tracking.ErrInvalidPixel) {
		writeError(w, http.StatusBadRequest, "Invalid pixel code")
		return
	}
	metrics.TrackingErrors.WithLabelValues(kind).Inc()
	h.internalError(w, err, "Failed to record "+kind)
}

func (h *Handlers) TrackPageview(w http.ResponseWriter, r *http.Request) {
	var req tracking.PageviewRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	res, err := h.tracking.Pageview(r.Context(), req, requestMeta(r))
	if err != nil {
		h.trackingError(w, "pageview", err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *Handlers) TrackClick(w http.ResponseWriter, r *http.Request) {
	var req tracking.ClickRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	id, err := h.tracking.Click(r.Context(), req, requestMeta(r))
	if err != nil {
		h.trackingError(w, "click", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "clickId": id})
}

func (h *Handlers) TrackEngagement(w http.ResponseWriter, r *http.Request) {
	var req tracking.EngagementRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	id, err := h.tracking.Engagement(r.Context(), req, requestMeta(r))
	if err != nil {
		h.trackingError(w, "engagement", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "engagementId": id})
}

func (h *Handlers) TrackEvent(w http.ResponseWriter, r *http.Request) {
	var req tracking.EventRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	id, err := h.tracking.Event(r.Context(), req, requestMeta(r))
	if err != nil {
		h.trackingError(w, "event", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "eventId": id})
}

func (h *Handlers) TrackForm(w http.ResponseWriter, r *http.Request) {
	var req tracking.FormRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	res, err := h.tracking.Form(r.Context(), req, requestMeta(r))
	if err != nil {
		h.trackingError(w, "form", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":          true,
		"formSubmissionId": res.FormSubmissionID,
		"contactId":        res.ContactID,
	})
}

func (h *Handlers) TrackIdentify(w http.ResponseWriter, r *http.Request) {
	var req tracking.IdentifyRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	id, err := h.tracking.Identify(r.Context(), req, requestMeta(r))
	if err != nil {
		h.trackingError(w, "identify", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "visitorId": id})
}
