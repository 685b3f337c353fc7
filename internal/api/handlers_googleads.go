package api

import (
	"errors"
	"net/http"

	"github.com/yaat/clickshield/internal/adsync"
	"github.com/yaat/clickshield/internal/auth"
	"github.com/yaat/clickshield/internal/database"
	"github.com/yaat/clickshield/internal/settings"
)

const defaultAccountName = "Google Ads Account"

func (h *Handlers) requireGoogleAds(w http.ResponseWriter) bool {
	if h.googleAds == nil {
		writeError(w, http.StatusServiceUnavailable, "Google Ads API is not configured")
		return false
	}
	return true
}

// ConnectGoogleAds redirects the operator to the Google consent page
func (h *Handlers) ConnectGoogleAds(w http.ResponseWriter, r *http.Request) {
	if !h.requireGoogleAds(w) {
		return
	}
	session := auth.SessionFrom(r.Context())
	state, err := h.auth.SignState(tenantFrom(r).ID, session.UserID)
	if err != nil {
		h.internalError(w, err, "Failed to start authorization")
		return
	}
	http.Redirect(w, r, h.googleAds.AuthCodeURL(state), http.StatusFound)
}

// GoogleAdsCallback finishes the OAuth flow and connects the first
// customer the grant can access
func (h *Handlers) GoogleAdsCallback(w http.ResponseWriter, r *http.Request) {
	if !h.requireGoogleAds(w) {
		return
	}
	q := r.URL.Query()
	if e := q.Get("error"); e != "" {
		writeError(w, http.StatusBadRequest, "Authorization denied: "+e)
		return
	}
	code, state := q.Get("code"), q.Get("state")
	if code == "" || state == "" {
		writeError(w, http.StatusBadRequest, "Authorization failed. Missing code or state.")
		return
	}

	session := auth.SessionFrom(r.Context())
	tenantID, err := h.auth.VerifyState(state, session.UserID)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid or expired authorization state")
		return
	}
	if _, err := h.db.TenantByID(r.Context(), tenantID); err != nil {
		if errors.Is(err, database.ErrNotFound) {
			writeError(w, http.StatusNotFound, "Tenant not found")
			return
		}
		h.internalError(w, err, "Failed to load tenant")
		return
	}

	tokens, err := h.googleAds.Exchange(r.Context(), code)
	if err != nil {
		h.log.Warn().Err(err).Int64("tenant", tenantID).Msg("google ads code exchange failed")
		writeError(w, http.StatusBadGateway, "Failed to connect Google Ads: code exchange failed")
		return
	}
	customers, err := h.googleAds.ListAccessibleCustomers(r.Context(), tokens.AccessToken)
	if err != nil {
		h.log.Warn().Err(err).Int64("tenant", tenantID).Msg("listing google ads customers failed")
		writeError(w, http.StatusBadGateway, "Failed to connect Google Ads: could not list accounts")
		return
	}
	if len(customers) == 0 {
		writeError(w, http.StatusBadRequest, "No accessible Google Ads accounts found")
		return
	}

	acct, err := h.db.SaveAccount(r.Context(), adsync.Account{
		TenantID:       tenantID,
		CustomerID:     customers[0],
		Name:           defaultAccountName,
		AccessToken:    tokens.AccessToken,
		RefreshToken:   tokens.RefreshToken,
		TokenExpiresAt: tokens.ExpiresAt,
		AutoSync:       true,
	})
	if err != nil {
		h.internalError(w, err, "Failed to save account")
		return
	}
	h.log.Info().Int64("tenant", tenantID).Str("customer", acct.CustomerID).Msg("google ads account connected")
	writeJSON(w, http.StatusOK, acct)
}

func (h *Handlers) ListAdAccounts(w http.ResponseWriter, r *http.Request) {
	accounts, err := h.db.ListAccounts(r.Context(), tenantFrom(r).ID)
	if err != nil {
		h.internalError(w, err, "Failed to list accounts")
		return
	}
	writeJSON(w, http.StatusOK, accounts)
}

// tenantAccount loads {accountID}, answering 404 unless it belongs to the
// tenant in the path
func (h *Handlers) tenantAccount(w http.ResponseWriter, r *http.Request) (adsync.Account, bool) {
	id, ok := int64Param(r, "accountID")
	if !ok {
		writeError(w, http.StatusBadRequest, "Invalid account id")
		return adsync.Account{}, false
	}
	acct, err := h.db.AccountByID(r.Context(), id)
	if errors.Is(err, adsync.ErrNotFound) || (err == nil && acct.TenantID != tenantFrom(r).ID) {
		writeError(w, http.StatusNotFound, "Account not found")
		return acct, false
	}
	if err != nil {
		h.internalError(w, err, "Failed to load account")
		return acct, false
	}
	return acct, true
}

// UpdateAdAccount toggles auto-sync on an account
func (h *Handlers) UpdateAdAccount(w http.ResponseWriter, r *http.Request) {
	acct, ok := h.tenantAccount(w, r)
	if !ok {
		return
	}
	var input struct {
		AutoSync *bool `json:"auto_sync_enabled" validate:"required"`
	}
	if err := decodeJSON(w, r, &input); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := h.db.UpdateAccountFlags(r.Context(), acct.ID, *input.AutoSync, acct.Active); err != nil {
		h.internalError(w, err, "Failed to update account")
		return
	}
	acct.AutoSync = *input.AutoSync
	writeJSON(w, http.StatusOK, acct)
}

// DisconnectAdAccount deactivates an account. The row and its sync history
// are kept.
func (h *Handlers) DisconnectAdAccount(w http.ResponseWriter, r *http.Request) {
	acct, ok := h.tenantAccount(w, r)
	if !ok {
		return
	}
	if err := h.db.UpdateAccountFlags(r.Context(), acct.ID, acct.AutoSync, false); err != nil {
		h.internalError(w, err, "Failed to disconnect account")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// SyncGoogleAds pushes the tenant's unsynced blocks now
func (h *Handlers) SyncGoogleAds(w http.ResponseWriter, r *http.Request) {
	tenantID := tenantFrom(r).ID
	report, err := h.syncer.Run(r.Context(), &tenantID)
	if errors.Is(err, adsync.ErrNotConfigured) {
		writeError(w, http.StatusServiceUnavailable, "Google Ads API is not configured")
		return
	}
	if err != nil {
		h.internalError(w, err, "Sync failed")
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// GoogleAdsSettings is the admin view of the API credentials
type GoogleAdsSettings struct {
	Configured     bool   `json:"configured"`
	ClientID       string `json:"client_id"`
	ClientSecret   string `json:"client_secret"`
	DeveloperToken string `json:"developer_token"`
	RedirectURL    string `json:"redirect_url"`
}

func (h *Handlers) GetGoogleAdsSettings(w http.ResponseWriter, r *http.Request) {
	gc := h.cfg.GoogleAds
	redirect := gc.RedirectURL
	if redirect == "" && h.cfg.Server.BaseURL != "" {
		redirect = h.cfg.Server.BaseURL + "/api/googleads/callback"
	}
	writeJSON(w, http.StatusOK, GoogleAdsSettings{
		Configured:     h.googleAds != nil,
		ClientID:       gc.ClientID,
		ClientSecret:   settings.Mask(h.configured(r.Context(), settings.KeyGoogleAdsClientSecret, gc.ClientSecret)),
		DeveloperToken: settings.Mask(h.configured(r.Context(), settings.KeyGoogleAdsDevToken, gc.DeveloperToken)),
		RedirectURL:    redirect,
	})
}

// UpdateGoogleAdsSettings stores the client secret and developer token.
// The client is built at startup, so changes apply after a restart.
func (h *Handlers) UpdateGoogleAdsSettings(w http.ResponseWriter, r *http.Request) {
	var input struct {
		ClientSecret   *string `json:"client_secret" validate:"omitempty,max=256"`
		DeveloperToken *string `json:"developer_token" validate:"omitempty,max=256"`
	}
	if err := decodeJSON(w, r, &input); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	updates := map[settings.Key]string{}
	if input.ClientSecret != nil {
		updates[settings.KeyGoogleAdsClientSecret] = *input.ClientSecret
	}
	if input.DeveloperToken != nil {
		updates[settings.KeyGoogleAdsDevToken] = *input.DeveloperToken
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
