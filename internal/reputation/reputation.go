// Package reputation classifies client IPs as residential or
// datacenter/vpn/proxy/tor.
//
// Lookups never fail from the caller's point of view: private addresses,
// missing credentials and provider outages all return the residential
// default. Only successful provider answers are cached.
package reputation

import (
	"context"
	"errors"
	"net/netip"
	"time"

	"github.com/dgraph-io/ristretto/v2"

	"github.com/yaat/clickshield/internal/logging"
	"github.com/yaat/clickshield/internal/metrics"
)

var (
	ErrNotConfigured = errors.New("reputation provider not configured")
	ErrUnavailable   = errors.New("reputation provider unavailable")
)

const (
	TypeResidential = "residential"
	TypeHosting     = "hosting"
	TypeVPN         = "vpn"
	TypeProxy       = "proxy"
	TypeTor         = "tor"

	SourceNone = "none"
)

// Classification is the provider's verdict for one IP
type Classification struct {
	IsDatacenter bool   `json:"is_datacenter"`
	IsVPN        bool   `json:"is_vpn"`
	IsProxy      bool   `json:"is_proxy"`
	IsTor        bool   `json:"is_tor"`
	Provider     string `json:"provider,omitempty"`
	IPType       string `json:"ip_type"`
	Source       string `json:"source"`
}

// Default is the no-signal answer
func Default() Classification {
	return Classification{IPType: TypeResidential, Source: SourceNone}
}

// NonResidential reports whether the IP should be scored
func (c Classification) NonResidential() bool {
	return c.IsDatacenter || c.IsVPN || c.IsProxy || c.IsTor
}

// ipType picks the label by priority hosting > vpn > proxy > tor
func ipType(datacenter, vpn, proxy, tor bool) string {
	switch {
	case datacenter:
		return TypeHosting
	case vpn:
		return TypeVPN
	case proxy:
		return TypeProxy
	case tor:
		return TypeTor
	default:
		return TypeResidential
	}
}

// Provider performs one uncached lookup
type Provider interface {
	Name() string
	Lookup(ctx context.Context, addr netip.Addr) (Classification, error)
}

// Options configure the caching service
type Options struct {
	CacheTTL        time.Duration
	CacheMaxEntries int64
}

// Service wraps a provider with the private-range short circuit and a TTL cache
type Service struct {
	provider Provider
	cache    *ristretto.Cache[string, Classification]
	ttl      time.Duration
}

// New builds a Service. A nil provider behaves like the "none" provider.
func New(provider Provider, opts Options) (*Service, error) {
	if provider == nil {
		provider = None{}
	}
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = 24 * time.Hour
	}
	if opts.CacheMaxEntries <= 0 {
		opts.CacheMaxEntries = 100_000
	}

	cache, err := ristretto.NewCache(&ristretto.Config[string, Classification]{
		NumCounters: opts.CacheMaxEntries * 10,
		MaxCost:     opts.CacheMaxEntries,
		BufferItems: 64,
	})
	if err != nil {
		return nil, err
	}

	return &Service{provider: provider, cache: cache, ttl: opts.CacheTTL}, nil
}

// ProviderName returns the configured provider's name
func (s *Service) ProviderName() string {
	return s.provider.Name()
}

// Lookup classifies ip. It never returns an error; failures degrade to Default.
func (s *Service) Lookup(ctx context.Context, ip string) Classification {
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return Default()
	}
	addr = addr.Unmap()
	if IsPrivate(addr) {
		return Default()
	}

	key := addr.String()
	if c, ok := s.cache.Get(key); ok {
		metrics.ReputationLookups.WithLabelValues(s.provider.Name(), "cached").Inc()
		return c
	}

	start := time.Now()
	c, err := s.provider.Lookup(ctx, addr)
	metrics.ReputationLookupDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.ReputationLookups.WithLabelValues(s.provider.Name(), "error").Inc()
		logging.Warn().Err(err).Str("ip", key).Str("provider", s.provider.Name()).Msg("IP reputation lookup failed")
		return Default()
	}

	metrics.ReputationLookups.WithLabelValues(s.provider.Name(), "ok").Inc()
	s.cache.SetWithTTL(key, c, 1, s.ttl)
	s.cache.Wait()
	return c
}

// Close releases the cache and the provider's resources
func (s *Service) Close() error {
	s.cache.Close()
	if c, ok := s.provider.(interface{ Close() error }); ok {
		return c.Close()
	}
	return nil
}

// None never calls out
type None struct{}

func (None) Name() string { return "none" }

func (None) Lookup(context.Context, netip.Addr) (Classification, error) {
	return Default(), nil
}
