package reputation

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"strings"

	"github.com/oschwald/geoip2-golang"
)

// hostingOrgs are ASN organisation substrings of cloud and hosting networks.
// Used only with ASN databases, which carry no anonymity flags.
var hostingOrgs = []string{
	"amazon", "aws", "google cloud", "google-cloud", "microsoft", "azure",
	"digitalocean", "linode", "akamai", "ovh", "hetzner", "contabo",
	"choopa", "vultr", "scaleway", "online s.a.s", "oracle", "alibaba",
	"tencent", "leaseweb", "m247", "datacamp", "hostinger", "ionos",
}

// MaxMind reads a local GeoIP2 Anonymous-IP or GeoLite2 ASN database
type MaxMind struct {
	reader    *geoip2.Reader
	anonymous bool
	path      string
}

// OpenMaxMind opens the database at path and detects its edition
func OpenMaxMind(path string) (*MaxMind, error) {
	reader, err := geoip2.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open maxmind database: %w", err)
	}

	dbType := reader.Metadata().DatabaseType
	switch {
	case strings.Contains(dbType, "Anonymous-IP"):
		return &MaxMind{reader: reader, anonymous: true, path: path}, nil
	case strings.Contains(dbType, "ASN"):
		return &MaxMind{reader: reader, path: path}, nil
	default:
		reader.Close()
		return nil, fmt.Errorf("unsupported maxmind database type %q", dbType)
	}
}

func (m *MaxMind) Name() string { return "maxmind" }

func (m *MaxMind) Lookup(_ context.Context, addr netip.Addr) (Classification, error) {
	ip := net.IP(addr.AsSlice())
	if m.anonymous {
		rec, err := m.reader.AnonymousIP(ip)
		if err != nil {
			return Classification{}, fmt.Errorf("maxmind anonymous-ip lookup: %w", err)
		}
		datacenter := rec.IsHostingProvider
		vpn := rec.IsAnonymousVPN
		proxy := rec.IsPublicProxy || rec.IsResidentialProxy
		return Classification{
			IsDatacenter: datacenter,
			IsVPN:        vpn,
			IsProxy:      proxy,
			IsTor:        rec.IsTorExitNode,
			IPType:       ipType(datacenter, vpn, proxy, rec.IsTorExitNode),
			Source:       "maxmind",
		}, nil
	}

	rec, err := m.reader.ASN(ip)
	if err != nil {
		return Classification{}, fmt.Errorf("maxmind asn lookup: %w", err)
	}
	datacenter := isHostingOrg(rec.AutonomousSystemOrganization)
	return Classification{
		IsDatacenter: datacenter,
		Provider:     rec.AutonomousSystemOrganization,
		IPType:       ipType(datacenter, false, false, false),
		Source:       "maxmind",
	}, nil
}

func (m *MaxMind) Close() error {
	return m.reader.Close()
}

func isHostingOrg(org string) bool {
	org = strings.ToLower(org)
	if org == "" {
		return false
	}
	for _, h := range hostingOrgs {
		if strings.Contains(org, h) {
			return true
		}
	}
	return false
}
