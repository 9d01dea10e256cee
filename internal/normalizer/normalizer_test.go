package normalizer

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edgescope/edgescope/internal/config"
	"github.com/edgescope/edgescope/internal/logger"
	"github.com/edgescope/edgescope/pkg/types"
)

func newTestNormalizer(t *testing.T) *Normalizer {
	log, err := logger.New(config.LoggerConfig{Level: "error", Format: "json"})
	require.NoError(t, err)
	return New(log, nil)
}

func TestCanonicalDomain(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"Example.COM", "example.com", false},
		{"example.com.", "example.com", false},
		{"  sub.example.com  ", "sub.example.com", false},
		{"", "", true},
		{"localhost", "", true},
		{"-bad.example.com", "", true},
		{"exa mple.com", "", true},
	}

	for _, tt := range tests {
		got, err := CanonicalDomain(tt.in)
		if tt.wantErr {
			assert.Error(t, err, "input %q", tt.in)
			continue
		}
		require.NoError(t, err, "input %q", tt.in)
		assert.Equal(t, tt.want, got)
	}
}

func TestCanonicalIP(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"192.0.2.10", "192.0.2.10", false},
		{" 192.0.2.10 ", "192.0.2.10", false},
		{"2001:DB8:0:0:0:0:0:1", "2001:db8::1", false},
		{"not-an-ip", "", true},
		{"192.0.2.999", "", true},
		{"", "", true},
	}

	for _, tt := range tests {
		got, err := CanonicalIP(tt.in)
		if tt.wantErr {
			assert.Error(t, err, "input %q", tt.in)
			continue
		}
		require.NoError(t, err, "input %q", tt.in)
		assert.Equal(t, tt.want, got)
	}
}

func TestCanonicalURL(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"HTTPS://Example.COM/Path", "https://example.com/Path", false},
		{"https://example.com:443/app", "https://example.com/app", false},
		{"http://example.com:80/", "http://example.com/", false},
		{"http://example.com:8080/x", "http://example.com:8080/x", false},
		{"https://example.com/page#section", "https://example.com/page", false},
		{"https://example.com", "https://example.com/", false},
		{"ftp://example.com", "", true},
		{"example.com/path", "", true},
		{"", "", true},
	}

	for _, tt := range tests {
		got, err := CanonicalURL(tt.in)
		if tt.wantErr {
			assert.Error(t, err, "input %q", tt.in)
			continue
		}
		require.NoError(t, err, "input %q", tt.in)
		assert.Equal(t, tt.want, got)
	}
}

func TestNormalize_MalformedValuesDropped(t *testing.T) {
	n := newTestNormalizer(t)

	result := &types.DiscoveryResult{
		Domains: []types.DiscoveredDomain{
			{Name: "Valid.Example.com.", Source: "dns_enum"},
			{Name: "not a domain", Source: "dns_enum"},
		},
		IPs: []types.DiscoveredIP{
			{Address: "192.0.2.10", Source: "port_scan"},
			{Address: "999.999.1.1", Source: "port_scan"},
		},
	}

	batch := n.Normalize(context.Background(), result)

	require.Len(t, batch.Assets, 2)
	assert.Equal(t, "valid.example.com", batch.Assets[0].Value)
	assert.Equal(t, types.AssetTypeDomain, batch.Assets[0].AssetType)
	assert.Equal(t, "192.0.2.10", batch.Assets[1].Value)

	require.Len(t, batch.Dropped, 2)
	assert.Equal(t, "domain", batch.Dropped[0].Kind)
	assert.Equal(t, "not a domain", batch.Dropped[0].Value)
	assert.NotEmpty(t, batch.Dropped[0].Reason)
	assert.Equal(t, "ip", batch.Dropped[1].Kind)
}

func TestNormalize_PortsImplyIPAsset(t *testing.T) {
	n := newTestNormalizer(t)

	result := &types.DiscoveryResult{
		Ports: []types.DiscoveredPort{
			{Address: "192.0.2.10", Port: 22, Protocol: types.ProtocolTCP, Status: types.PortStatusOpen, ServiceName: "ssh", Source: "port_scan"},
			{Address: "192.0.2.10", Port: 443, Protocol: types.ProtocolTCP, Status: types.PortStatusOpen, Source: "port_scan"},
			{Address: "192.0.2.10", Port: 0, Protocol: types.ProtocolTCP, Status: types.PortStatusOpen, Source: "port_scan"},
			{Address: "192.0.2.10", Port: 53, Protocol: "ICMP", Status: types.PortStatusOpen, Source: "port_scan"},
		},
	}

	batch := n.Normalize(context.Background(), result)

	// One implied IP asset for both valid ports.
	require.Len(t, batch.Assets, 1)
	assert.Equal(t, types.AssetTypeIPAddress, batch.Assets[0].AssetType)
	assert.Equal(t, "192.0.2.10", batch.Assets[0].Value)

	require.Len(t, batch.Ports, 2)
	assert.Equal(t, 22, batch.Ports[0].PortNumber)
	assert.Equal(t, "ssh", batch.Ports[0].ServiceName)

	assert.Len(t, batch.Dropped, 2)
}

func TestNormalize_WebResources(t *testing.T) {
	n := newTestNormalizer(t)

	result := &types.DiscoveryResult{
		WebResources: []types.DiscoveredWebResource{
			{
				URL:        "HTTPS://Shop.Example.com:443/checkout",
				StatusCode: 200,
				Title:      "Checkout",
				Technologies: []types.DiscoveredTechnology{
					{Name: "nginx", Version: "1.25.3", Category: "web-server"},
					{Name: "", Version: "1.0"},
				},
				Source: "web_crawl",
			},
			{URL: "://broken", Source: "web_crawl"},
		},
	}

	batch := n.Normalize(context.Background(), result)

	require.Len(t, batch.Assets, 1)
	asset := batch.Assets[0]
	assert.Equal(t, types.AssetTypeWebApp, asset.AssetType)
	assert.Equal(t, "https://shop.example.com/checkout", asset.Value)
	assert.Equal(t, "Checkout", asset.Attributes["title"])
	assert.Equal(t, 200, asset.Attributes["status_code"])

	require.Len(t, batch.Technologies, 1)
	tech := batch.Technologies[0]
	assert.Equal(t, asset.Value, tech.AssetValue)
	assert.Equal(t, "nginx", tech.Name)
	assert.Equal(t, "1.25.3", tech.Version)

	assert.Len(t, batch.Dropped, 2)
}

func TestNormalize_Certificates(t *testing.T) {
	n := newTestNormalizer(t)

	result := &types.DiscoveryResult{
		Certificates: []types.DiscoveredCertificate{
			{
				SubjectCN:    "WWW.Example.com",
				SANs:         []string{"www.example.com", "api.example.com"},
				Issuer:       "C=US, O=Let's Encrypt, CN=R11",
				SerialNumber: "03a1",
				NotAfter:     "2026-12-31T23:59:59",
				Source:       "cert_scan",
			},
		},
	}

	batch := n.Normalize(context.Background(), result)

	require.Len(t, batch.Assets, 1)
	cert := batch.Assets[0]
	assert.Equal(t, types.AssetTypeCertificate, cert.AssetType)
	assert.Equal(t, "www.example.com", cert.Value)
	assert.Equal(t, "03a1", cert.Attributes["serial_number"])
	assert.Len(t, cert.Attributes["sans"], 2)
}

func TestNormalize_Vulnerabilities(t *testing.T) {
	n := newTestNormalizer(t)

	score := 7.5
	result := &types.DiscoveryResult{
		Vulnerabilities: []types.DiscoveredVulnerability{
			{Target: "192.0.2.10", Port: 22, Protocol: types.ProtocolTCP, Title: "Weak SSH ciphers", Severity: "medium"},
			{Target: "Example.COM", Title: "Zone transfer allowed", CVEID: "cve-1999-0532", CVSSScore: &score, Severity: "HIGH"},
			{Target: "https://example.com/app", Title: "Missing CSP header", Severity: "bogus"},
			{Target: "192.0.2.10", Title: "   ", Severity: "LOW"},
		},
	}

	batch := n.Normalize(context.Background(), result)

	require.Len(t, batch.Vulnerabilities, 3)

	assert.Equal(t, types.AssetTypeIPAddress, batch.Vulnerabilities[0].AssetType)
	assert.Equal(t, "192.0.2.10", batch.Vulnerabilities[0].AssetValue)
	assert.Equal(t, types.SeverityMedium, batch.Vulnerabilities[0].Severity)

	assert.Equal(t, types.AssetTypeDomain, batch.Vulnerabilities[1].AssetType)
	assert.Equal(t, "example.com", batch.Vulnerabilities[1].AssetValue)
	assert.Equal(t, "CVE-1999-0532", batch.Vulnerabilities[1].CVEID)

	assert.Equal(t, types.AssetTypeWebApp, batch.Vulnerabilities[2].AssetType)
	assert.Equal(t, types.SeverityInfo, batch.Vulnerabilities[2].Severity)

	require.Len(t, batch.Dropped, 1)
	assert.Equal(t, "vulnerability", batch.Dropped[0].Kind)
}

func TestNormalize_EmptyResult(t *testing.T) {
	n := newTestNormalizer(t)

	assert.True(t, n.Normalize(context.Background(), nil).Empty())
	assert.True(t, n.Normalize(context.Background(), types.NewDiscoveryResult()).Empty())
}
