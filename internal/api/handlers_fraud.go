package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/yaat/clickshield/internal/database"
	"github.com/yaat/clickshield/internal/fraud"
)

func (h *Handlers) GetFraudSettings(w http.ResponseWriter, r *http.Request) {
	cfg, err := h.configs.GetOrDefault(r.Context(), tenantFrom(r).ID)
	if err != nil {
		h.internalError(w, err, "Failed to load fraud settings")
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

// UpdateFraudSettings applies a partial update on top of the current
// settings. Fields left out of the body keep their value.
func (h *Handlers) UpdateFraudSettings(w http.ResponseWriter, r *http.Request) {
	tenantID := tenantFrom(r).ID
	cfg, err := h.configs.GetOrDefault(r.Context(), tenantID)
	if err != nil {
		h.internalError(w, err, "Failed to load fraud settings")
		return
	}
	if err := decodeJSON(w, r, &cfg); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := cfg.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := h.configs.Update(r.Context(), tenantID, cfg); err != nil {
		h.internalError(w, err, "Failed to save fraud settings")
		return
	}
	h.log.Info().Int64("tenant", tenantID).Msg("fraud settings updated")
	writeJSON(w, http.StatusOK, cfg)
}

// ipQuery reads the required ?ip= parameter, answering 400 when invalid
func ipQuery(w http.ResponseWriter, r *http.Request) (string, bool) {
	ip, ok := parseIP(r.URL.Query().Get("ip"))
	if !ok {
		writeError(w, http.StatusBadRequest, "A valid ip parameter is required")
	}
	return ip, ok
}

func (h *Handlers) GetScore(w http.ResponseWriter, r *http.Request) {
	ip, ok := ipQuery(w, r)
	if !ok {
		return
	}
	tenantID := tenantFrom(r).ID

	cfg, err := h.configs.GetOrDefault(r.Context(), tenantID)
	if err != nil {
		h.internalError(w, err, "Failed to load fraud settings")
		return
	}
	score, err := h.engine.Score(r.Context(), tenantID, ip)
	if err != nil {
		h.internalError(w, err, "Failed to compute score")
		return
	}
	blocked, err := h.engine.IsBlocked(r.Context(), tenantID, ip)
	if err != nil {
		h.internalError(w, err, "Failed to check block")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"ip_address":         ip,
		"score":              score,
		"threshold":          cfg.BlockThreshold,
		"score_window_hours": cfg.ScoreWindowHours,
		"blocked":            blocked,
	})
}

func (h *Handlers) ListSignals(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := database.SignalFilter{
		TenantID: tenantFrom(r).ID,
		Kind:     fraud.SignalKind(q.Get("kind")),
		Limit:    intQuery(r, "limit", 100, 1, 1000),
		Offset:   intQuery(r, "offset", 0, 0, 1<<30),
	}
	if f.Kind != "" && !f.Kind.Valid() {
		writeError(w, http.StatusBadRequest, "Unknown signal kind")
		return
	}
	if q.Get("ip") != "" {
		ip, ok := ipQuery(w, r)
		if !ok {
			return
		}
		f.IP = ip
	}
	if q.Get("hours") != "" {
		since := time.Now().Add(-time.Duration(intQuery(r, "hours", 24, 1, 24*365)) * time.Hour)
		f.Since = &since
	}

	signals, err := h.db.ListSignals(r.Context(), f)
	if err != nil {
		h.internalError(w, err, "Failed to list signals")
		return
	}
	writeJSON(w, http.StatusOK, signals)
}

func (h *Handlers) GetFraudStats(w http.ResponseWriter, r *http.Request) {
	summary, err := h.reporter.Summary(r.Context(), tenantFrom(r).ID, intQuery(r, "hours", 24, 1, 24*365))
	if err != nil {
		h.internalError(w, err, "Failed to load fraud stats")
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (h *Handlers) GetSourceQuality(w http.ResponseWriter, r *http.Request) {
	sources, err := h.reporter.SourceQuality(r.Context(), tenantFrom(r).ID, intQuery(r, "days", 7, 1, 365))
	if err != nil {
		h.internalError(w, err, "Failed to load source quality")
		return
	}
	writeJSON(w, http.StatusOK, sources)
}

func (h *Handlers) ListBlocks(w http.ResponseWriter, r *http.Request) {
	blocks, err := h.db.ListBlocks(r.Context(), tenantFrom(r).ID, r.URL.Query().Get("active") == "true")
	if err != nil {
		h.internalError(w, err, "Failed to list blocks")
		return
	}
	writeJSON(w, http.StatusOK, blocks)
}

// AddBlock blocks an IP by hand, optionally for a limited time
func (h *Handlers) AddBlock(w http.ResponseWriter, r *http.Request) {
	var input struct {
		IP             string `json:"ip_address" validate:"required,ip"`
		ExpiresInHours int    `json:"expires_in_hours" validate:"min=0,max=87600"`
	}
	if err := decodeJSON(w, r, &input); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	ip, _ := parseIP(input.IP)

	var expiresAt *time.Time
	if input.ExpiresInHours > 0 {
		t := time.Now().Add(time.Duration(input.ExpiresInHours) * time.Hour)
		expiresAt = &t
	}

	block, err := h.engine.ManualBlock(r.Context(), tenantFrom(r).ID, ip, expiresAt)
	if err != nil {
		h.internalError(w, err, "Failed to block IP")
		return
	}
	h.log.Info().Int64("tenant", block.TenantID).Str("ip", ip).Msg("IP blocked manually")
	writeJSON(w, http.StatusCreated, block)
}

func (h *Handlers) DeactivateBlock(w http.ResponseWriter, r *http.Request) {
	h.setBlockActive(w, r, false)
}

func (h *Handlers) ActivateBlock(w http.ResponseWriter, r *http.Request) {
	h.setBlockActive(w, r, true)
}

func (h *Handlers) setBlockActive(w http.ResponseWriter, r *http.Request, active bool) {
	ip, ok := parseIP(chi.URLParam(r, "ip"))
	if !ok {
		writeError(w, http.StatusBadRequest, "Invalid IP address")
		return
	}
	block, err := h.engine.SetBlockActive(r.Context(), tenantFrom(r).ID, ip, active)
	if errors.Is(err, fraud.ErrNotFound) {
		writeError(w, http.StatusNotFound, "Block not found")
		return
	}
	if err != nil {
		h.internalError(w, err, "Failed to update block")
		return
	}
	writeJSON(w, http.StatusOK, block)
}

func (h *Handlers) CheckBlock(w http.ResponseWriter, r *http.Request) {
	ip, ok := ipQuery(w, r)
	if !ok {
		return
	}
	blocked, err := h.engine.IsBlocked(r.Context(), tenantFrom(r).ID, ip)
	if err != nil {
		h.internalError(w, err, "Failed to check block")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ip_address": ip, "blocked": blocked})
}
