package api

import (
	"context"
	"net/http"
	"path/filepath"
	"time"

	"github.com/yaat/clickshield/internal/reputation"
	"github.com/yaat/clickshield/internal/settings"
)

// ReputationSettings is the admin view of the IP reputation configuration.
// Credentials are masked.
type ReputationSettings struct {
	Provider          string                    `json:"provider"`
	IPInfoToken       string                    `json:"ipinfo_token"`
	MaxMindAccountID  string                    `json:"maxmind_account_id"`
	MaxMindLicenseKey string                    `json:"maxmind_license_key"`
	LastUpdated       string                    `json:"last_updated"`
	Database          reputation.DatabaseStatus `json:"database"`
}

// LookupReputation classifies ?ip= with the active provider
func (h *Handlers) LookupReputation(w http.ResponseWriter, r *http.Request) {
	ip, ok := parseIP(r.URL.Query().Get("ip"))
	if !ok {
		writeError(w, http.StatusBadRequest, "A valid ip query parameter is required")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"ip":             ip,
		"provider":       h.reputation.ProviderName(),
		"classification": h.reputation.Lookup(r.Context(), ip),
	})
}

// configured returns the stored setting, falling back to the config file
func (h *Handlers) configured(ctx context.Context, key settings.Key, fallback string) string {
	return h.settings.Lookup(ctx, key, fallback)
}

func (h *Handlers) downloader(ctx context.Context) *reputation.Downloader {
	rc := h.cfg.Reputation
	return reputation.NewDownloader(
		h.configured(ctx, settings.KeyMaxMindAccountID, rc.MaxMindAccountID),
		h.configured(ctx, settings.KeyMaxMindLicenseKey, rc.MaxMindLicenseKey),
		rc.MaxMindEdition,
		filepath.Dir(rc.MaxMindDBPath),
	)
}

func (h *Handlers) GetReputationSettings(w http.ResponseWriter, r *http.Request) {
	rc := h.cfg.Reputation
	ctx := r.Context()
	lastUpdated, _ := h.settings.Get(ctx, settings.KeyReputationUpdated)
	writeJSON(w, http.StatusOK, ReputationSettings{
		Provider:          h.reputation.ProviderName(),
		IPInfoToken:       settings.Mask(h.configured(ctx, settings.KeyIPInfoToken, rc.IPInfoToken)),
		MaxMindAccountID:  settings.Mask(h.configured(ctx, settings.KeyMaxMindAccountID, rc.MaxMindAccountID)),
		MaxMindLicenseKey: settings.Mask(h.configured(ctx, settings.KeyMaxMindLicenseKey, rc.MaxMindLicenseKey)),
		LastUpdated:       lastUpdated,
		Database:          h.downloader(ctx).Status(),
	})
}

// UpdateReputationSettings stores provider credentials. The running provider
// is chosen at startup, so changes apply after a restart.
func (h *Handlers) UpdateReputationSettings(w http.ResponseWriter, r *http.Request) {
	var input struct {
		IPInfoToken       *string `json:"ipinfo_token" validate:"omitempty,max=256"`
		MaxMindAccountID  *string `json:"maxmind_account_id" validate:"omitempty,max=64"`
		MaxMindLicenseKey *string `json:"maxmind_license_key" validate:"omitempty,max=256"`
	}
	if err := decodeJSON(w, r, &input); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	updates := map[settings.Key]string{}
	for key, v := range map[settings.Key]*string{
		settings.KeyIPInfoToken:       input.IPInfoToken,
		settings.KeyMaxMindAccountID:  input.MaxMindAccountID,
		settings.KeyMaxMindLicenseKey: input.MaxMindLicenseKey,
	} {
		if v != nil {
			updates[key] = *v
		}
	}
	if len(updates) == 0 {
		writeError(w, http.StatusBadRequest, "Nothing to update")
		return
	}
	if err := h.settings.SetMany(r.Context(), updates); err != nil {
		h.internalError(w, err, "Failed to save settings")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":          true,
		"restart_required": true,
	})
}

// DownloadReputationDatabase fetches the MaxMind database into the data dir
func (h *Handlers) DownloadReputationDatabase(w http.ResponseWriter, r *http.Request) {
	d := h.downloader(r.Context())
	if d.AccountID == "" || d.LicenseKey == "" {
		writeError(w, http.StatusBadRequest, "MaxMind account id and license key are required")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Minute)
	defer cancel()
	if err := d.Download(ctx); err != nil {
		h.log.Error().Err(err).Str("edition", d.Edition).Msg("reputation database download failed")
		writeError(w, http.StatusBadGateway, "Download failed: "+err.Error())
		return
	}
	if err := h.settings.Set(r.Context(), settings.KeyReputationUpdated, time.Now().UTC().Format(time.RFC3339)); err != nil {
		h.log.Warn().Err(err).Msg("failed to record database update time")
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":          true,
		"database":         d.Status(),
		"restart_required": h.reputation.ProviderName() != "maxmind",
	})
}
