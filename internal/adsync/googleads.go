package adsync

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
	gobreaker "github.com/sony/gobreaker/v2"
	"golang.org/x/oauth2"
	"golang.org/x/time/rate"

	"github.com/yaat/clickshield/internal/logging"
	"github.com/yaat/clickshield/internal/metrics"
)

const (
	googleAuthURL  = "https://accounts.google.com/o/oauth2/auth"
	googleTokenURL = "https://oauth2.googleapis.com/token"
	adwordsScope   = "https://www.googleapis.com/auth/adwords"
	breakerName    = "googleads-api"
	maxErrorBody   = 512
)

// GoogleAdsConfig configures the Google Ads REST client
type GoogleAdsConfig struct {
	ClientID          string
	ClientSecret      string
	DeveloperToken    string
	RedirectURL       string
	APIVersion        string
	BaseURL           string
	RequestsPerSecond float64
	// AuthURL and TokenURL override Google's OAuth endpoints
	AuthURL    string
	TokenURL   string
	HTTPClient *http.Client
}

// TokenStore persists refreshed OAuth credentials
type TokenStore interface {
	SaveTokens(ctx context.Context, accountID int64, t Tokens) error
}

// APIError is a non-2xx response from the Google Ads API
type APIError struct {
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("google ads api: status %d: %s", e.Status, e.Body)
}

// GoogleAds adds negative IP criteria to enabled campaigns through the
// Google Ads REST API
type GoogleAds struct {
	oauth    *oauth2.Config
	devToken string
	version  string
	baseURL  string
	client   *http.Client
	limiter  *rate.Limiter
	breaker  *gobreaker.CircuitBreaker[[]byte]
	tokens   TokenStore
	log      zerolog.Logger
}

// NewGoogleAds creates the client. It returns ErrNotConfigured when the
// OAuth client or developer token is missing.
func NewGoogleAds(cfg GoogleAdsConfig, tokens TokenStore) (*GoogleAds, error) {
	if cfg.ClientID == "" || cfg.ClientSecret == "" || cfg.DeveloperToken == "" {
		return nil, ErrNotConfigured
	}
	if cfg.AuthURL == "" {
		cfg.AuthURL = googleAuthURL
	}
	if cfg.TokenURL == "" {
		cfg.TokenURL = googleTokenURL
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}

	metrics.CircuitBreakerState.WithLabelValues(breakerName).Set(0)

	return &GoogleAds{
		oauth: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURL,
			Scopes:       []string{adwordsScope},
			Endpoint: oauth2.Endpoint{
				AuthURL:  cfg.AuthURL,
				TokenURL: cfg.TokenURL,
			},
		},
		devToken: cfg.DeveloperToken,
		version:  cfg.APIVersion,
		baseURL:  strings.TrimRight(cfg.BaseURL, "/"),
		client:   cfg.HTTPClient,
		limiter:  rate.NewLimiter(limit, 1),
		breaker:  newBreaker(),
		tokens:   tokens,
		log:      logging.With("googleads"),
	}, nil
}

// newBreaker opens after 60% failures over at least 10 requests. Client
// errors do not count, since they are about the request, not the API.
func newBreaker() *gobreaker.CircuitBreaker[[]byte] {
	return gobreaker.NewCircuitBreaker[[]byte](gobreaker.Settings{
		Name:        breakerName,
		MaxRequests: 3,
		Interval:    time.Minute,
		Timeout:     2 * time.Minute,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < 10 {
				return false
			}
			return float64(counts.TotalFailures)/float64(counts.Requests) >= 0.6
		},
		IsSuccessful: func(err error) bool {
			var apiErr *APIError
			if errors.As(err, &apiErr) {
				return apiErr.Status < 500 && apiErr.Status != http.StatusTooManyRequests
			}
			return err == nil
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logging.Info().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("circuit breaker state change")
			metrics.CircuitBreakerState.WithLabelValues(name).Set(float64(to))
		},
	})
}

// AuthCodeURL is the consent page URL. state comes back on the callback.
func (g *GoogleAds) AuthCodeURL(state string) string {
	return g.oauth.AuthCodeURL(state, oauth2.AccessTypeOffline, oauth2.ApprovalForce)
}

func (g *GoogleAds) oauthContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, g.client)
}

// Exchange trades an authorization code for tokens
func (g *GoogleAds) Exchange(ctx context.Context, code string) (Tokens, error) {
	tok, err := g.oauth.Exchange(g.oauthContext(ctx), code)
	if err != nil {
		return Tokens{}, fmt.Errorf("exchange code: %w", err)
	}
	return tokensFrom(tok), nil
}

func tokensFrom(tok *oauth2.Token) Tokens {
	t := Tokens{AccessToken: tok.AccessToken, RefreshToken: tok.RefreshToken}
	if !tok.Expiry.IsZero() {
		exp := tok.Expiry
		t.ExpiresAt = &exp
	}
	return t
}

// accessToken returns a valid access token for acct, refreshing and
// persisting it when expired
func (g *GoogleAds) accessToken(ctx context.Context, acct Account) (string, error) {
	current := &oauth2.Token{
		AccessToken:  acct.AccessToken,
		RefreshToken: acct.RefreshToken,
		TokenType:    "Bearer",
	}
	if acct.TokenExpiresAt != nil {
		current.Expiry = *acct.TokenExpiresAt
	}

	tok, err := g.oauth.TokenSource(g.oauthContext(ctx), current).Token()
	if err != nil {
		return "", fmt.Errorf("refresh token: %w", err)
	}
	if tok.AccessToken != acct.AccessToken && g.tokens != nil && acct.ID != 0 {
		if err := g.tokens.SaveTokens(ctx, acct.ID, tokensFrom(tok)); err != nil {
			g.log.Warn().Err(err).Int64("account", acct.ID).Msg("failed to persist refreshed token")
		}
	}
	return tok.AccessToken, nil
}

// ListAccessibleCustomers returns the customer ids the token can manage
func (g *GoogleAds) ListAccessibleCustomers(ctx context.Context, accessToken string) ([]string, error) {
	body, err := g.do(ctx, http.MethodGet, "/customers:listAccessibleCustomers", accessToken, "", nil)
	if err != nil {
		return nil, err
	}

	var resp struct {
		ResourceNames []string `json:"resourceNames"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("decode customers: %w", err)
	}
	ids := make([]string, 0, len(resp.ResourceNames))
	for _, name := range resp.ResourceNames {
		ids = append(ids, strings.TrimPrefix(name, "customers/"))
	}
	return ids, nil
}

// ExcludeIPs adds every IP as a negative criterion on each enabled
// campaign. Individual mutation failures are logged. It fails when the
// campaigns cannot be listed or when no mutation succeeded.
func (g *GoogleAds) ExcludeIPs(ctx context.Context, acct Account, ips []string) error {
	token, err := g.accessToken(ctx, acct)
	if err != nil {
		return err
	}

	customerID := digits(acct.CustomerID)
	manager := digits(acct.ManagerCustomerID)

	campaigns, err := g.enabledCampaigns(ctx, token, customerID, manager)
	if err != nil {
		return fmt.Errorf("list campaigns: %w", err)
	}
	if len(campaigns) == 0 {
		g.log.Info().Str("customer", customerID).Msg("no enabled campaigns to exclude IPs from")
		return nil
	}

	attempted, failed := 0, 0
	var lastErr error
	for _, campaign := range campaigns {
		for _, ip := range ips {
			if err := g.limiter.Wait(ctx); err != nil {
				return err
			}
			attempted++
			if err := g.excludeIP(ctx, token, customerID, manager, campaign, ip); err != nil {
				failed++
				lastErr = err
				g.log.Warn().Err(err).
					Str("customer", customerID).
					Str("campaign", campaign).
					Str("ip", ip).
					Msg("failed to add IP exclusion")
			}
		}
	}
	if attempted > 0 && failed == attempted {
		return fmt.Errorf("all %d exclusions failed: %w", failed, lastErr)
	}
	return nil
}

func (g *GoogleAds) enabledCampaigns(ctx context.Context, token, customerID, manager string) ([]string, error) {
	query := map[string]string{
		"query": "SELECT campaign.id FROM campaign WHERE campaign.status = 'ENABLED'",
	}
	body, err := g.do(ctx, http.MethodPost, "/customers/"+customerID+"/googleAds:searchStream", token, manager, query)
	if err != nil {
		return nil, err
	}

	var batches []struct {
		Results []struct {
			Campaign struct {
				ID json.RawMessage `json:"id"`
			} `json:"campaign"`
		} `json:"results"`
	}
	if err := json.Unmarshal(body, &batches); err != nil {
		return nil, fmt.Errorf("decode campaigns: %w", err)
	}

	ids := []string{}
	for _, batch := range batches {
		for _, r := range batch.Results {
			// int64 ids arrive as JSON strings
			if id := strings.Trim(string(r.Campaign.ID), `"`); id != "" && id != "null" {
				ids = append(ids, id)
			}
		}
	}
	return ids, nil
}

type campaignCriterion struct {
	Campaign string `json:"campaign"`
	Negative bool   `json:"negative"`
	IPBlock  struct {
		IPAddress string `json:"ipAddress"`
	} `json:"ipBlock"`
}

func (g *GoogleAds) excludeIP(ctx context.Context, token, customerID, manager, campaign, ip string) error {
	c := campaignCriterion{
		Campaign: "customers/" + customerID + "/campaigns/" + campaign,
		Negative: true,
	}
	c.IPBlock.IPAddress = ip

	payload := map[string]any{
		"operations": []map[string]any{{"create": c}},
	}
	_, err := g.do(ctx, http.MethodPost, "/customers/"+customerID+"/campaignCriteria:mutate", token, manager, payload)
	return err
}

// do sends one API request through the circuit breaker
func (g *GoogleAds) do(ctx context.Context, method, path, token, manager string, payload any) ([]byte, error) {
	var reqBody []byte
	if payload != nil {
		var err error
		if reqBody, err = json.Marshal(payload); err != nil {
			return nil, err
		}
	}

	body, err := g.breaker.Execute(func() ([]byte, error) {
		req, err := http.NewRequestWithContext(ctx, method, g.baseURL+"/"+g.version+path, bytes.NewReader(reqBody))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Authorization", "Bearer "+token)
		req.Header.Set("developer-token", g.devToken)
		req.Header.Set("Content-Type", "application/json")
		if manager != "" {
			req.Header.Set("login-customer-id", manager)
		}

		resp, err := g.client.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode >= 300 {
			msg := string(data)
			if len(msg) > maxErrorBody {
				msg = msg[:maxErrorBody]
			}
			return nil, &APIError{Status: resp.StatusCode, Body: msg}
		}
		return data, nil
	})

	switch {
	case err == nil:
		metrics.GoogleAdsRequests.WithLabelValues("success").Inc()
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		metrics.GoogleAdsRequests.WithLabelValues("rejected").Inc()
	default:
		metrics.GoogleAdsRequests.WithLabelValues("failure").Inc()
	}
	return body, err
}

func digits(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}
