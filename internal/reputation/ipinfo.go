package reputation

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/netip"
	"net/url"
	"time"

	"github.com/goccy/go-json"
	"github.com/sony/gobreaker/v2"

	"github.com/yaat/clickshield/internal/logging"
)

const defaultIPInfoURL = "https://ipinfo.io"

// IPInfo queries ipinfo.io. Its privacy and company blocks require a paid token.
type IPInfo struct {
	token   string
	baseURL string
	client  *http.Client
	breaker *gobreaker.CircuitBreaker[Classification]
}

// IPInfoOption customises the client
type IPInfoOption func(*IPInfo)

// WithBaseURL points the client at another host, used by tests
func WithBaseURL(u string) IPInfoOption {
	return func(p *IPInfo) { p.baseURL = u }
}

// NewIPInfo creates the provider. timeout bounds each HTTP call.
func NewIPInfo(token string, timeout time.Duration, opts ...IPInfoOption) *IPInfo {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	p := &IPInfo{
		token:   token,
		baseURL: defaultIPInfoURL,
		client:  &http.Client{Timeout: timeout},
	}
	for _, opt := range opts {
		opt(p)
	}

	p.breaker = gobreaker.NewCircuitBreaker[Classification](gobreaker.Settings{
		Name:        "ipinfo",
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logging.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("circuit breaker state changed")
		},
	})
	return p
}

func (p *IPInfo) Name() string { return "ipinfo" }

type ipinfoResponse struct {
	Privacy struct {
		VPN     bool `json:"vpn"`
		Proxy   bool `json:"proxy"`
		Tor     bool `json:"tor"`
		Hosting bool `json:"hosting"`
	} `json:"privacy"`
	Company *struct {
		Name string `json:"name"`
		Type string `json:"type"`
	} `json:"company"`
	ASN *struct {
		Name string `json:"name"`
		Type string `json:"type"`
	} `json:"asn"`
}

func (p *IPInfo) Lookup(ctx context.Context, addr netip.Addr) (Classification, error) {
	if p.token == "" {
		return Classification{}, fmt.Errorf("ipinfo token missing: %w", ErrNotConfigured)
	}

	c, err := p.breaker.Execute(func() (Classification, error) {
		return p.fetch(ctx, addr)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return Classification{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return c, err
}

func (p *IPInfo) fetch(ctx context.Context, addr netip.Addr) (Classification, error) {
	endpoint := fmt.Sprintf("%s/%s?token=%s", p.baseURL, addr.String(), url.QueryEscape(p.token))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return Classification{}, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return Classification{}, fmt.Errorf("ipinfo request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		io.Copy(io.Discard, resp.Body)
		return Classification{}, fmt.Errorf("ipinfo returned %s", resp.Status)
	}

	var data ipinfoResponse
	if err := json.NewDecoder(resp.Body).Decode(&data); err != nil {
		return Classification{}, fmt.Errorf("decode ipinfo response: %w", err)
	}
	return classifyIPInfo(data), nil
}

func classifyIPInfo(data ipinfoResponse) Classification {
	companyType := "isp"
	provider := ""
	if data.Company != nil && data.Company.Type != "" {
		companyType = data.Company.Type
	} else if data.ASN != nil && data.ASN.Type != "" {
		companyType = data.ASN.Type
	}
	if data.Company != nil && data.Company.Name != "" {
		provider = data.Company.Name
	} else if data.ASN != nil {
		provider = data.ASN.Name
	}

	datacenter := data.Privacy.Hosting || companyType == "hosting" || companyType == "business"

	return Classification{
		IsDatacenter: datacenter,
		IsVPN:        data.Privacy.VPN,
		IsProxy:      data.Privacy.Proxy,
		IsTor:        data.Privacy.Tor,
		Provider:     provider,
		IPType:       ipType(datacenter, data.Privacy.VPN, data.Privacy.Proxy, data.Privacy.Tor),
		Source:       "ipinfo.io",
	}
}
