// Package normalizer converts raw probe output into canonical findings.
// Values are canonicalized here, once, so the reconciler and the
// database only ever see one spelling of each identity.
package normalizer

import (
	"context"
	"fmt"
	"net/netip"
	"net/url"
	"regexp"
	"strings"

	"github.com/edgescope/edgescope/internal/core"
	"github.com/edgescope/edgescope/internal/logger"
	"github.com/edgescope/edgescope/pkg/types"
)

var domainPattern = regexp.MustCompile(`^([a-z0-9]([a-z0-9-]{0,61}[a-z0-9])?\.)+[a-z]{2,}$`)

type Normalizer struct {
	logger  *logger.Logger
	metrics core.Telemetry
}

func New(log *logger.Logger, metrics core.Telemetry) *Normalizer {
	return &Normalizer{
		logger:  log.WithComponent("normalizer"),
		metrics: metrics,
	}
}

// Normalize maps one probe result onto a batch of canonical findings.
// Malformed values are dropped with a logged reason, never propagated.
func (n *Normalizer) Normalize(ctx context.Context, result *types.DiscoveryResult) *types.NormalizedBatch {
	batch := &types.NormalizedBatch{}
	if result == nil {
		return batch
	}

	for _, d := range result.Domains {
		name, err := CanonicalDomain(d.Name)
		if err != nil {
			n.drop(ctx, batch, "domain", d.Name, err)
			continue
		}
		batch.Assets = append(batch.Assets, types.AssetFinding{
			AssetType:  types.AssetTypeDomain,
			Value:      name,
			Attributes: map[string]interface{}{},
			Source:     d.Source,
		})
	}

	for _, ip := range result.IPs {
		addr, err := CanonicalIP(ip.Address)
		if err != nil {
			n.drop(ctx, batch, "ip", ip.Address, err)
			continue
		}
		batch.Assets = append(batch.Assets, types.AssetFinding{
			AssetType:  types.AssetTypeIPAddress,
			Value:      addr,
			Attributes: map[string]interface{}{},
			Source:     ip.Source,
		})
	}

	for _, p := range result.Ports {
		addr, err := CanonicalIP(p.Address)
		if err != nil {
			n.drop(ctx, batch, "port", fmt.Sprintf("%s:%d", p.Address, p.Port), err)
			continue
		}
		if p.Port < 1 || p.Port > 65535 {
			n.drop(ctx, batch, "port", fmt.Sprintf("%s:%d", p.Address, p.Port), fmt.Errorf("port out of range"))
			continue
		}
		if !p.Protocol.Valid() {
			n.drop(ctx, batch, "port", fmt.Sprintf("%s:%d", p.Address, p.Port), fmt.Errorf("unknown protocol %q", p.Protocol))
			continue
		}
		// Ports only attach to IP_ADDRESS assets; make sure the owning
		// asset exists even if the probe did not report it separately.
		batch.Assets = appendAssetOnce(batch.Assets, types.AssetFinding{
			AssetType:  types.AssetTypeIPAddress,
			Value:      addr,
			Attributes: map[string]interface{}{},
			Source:     p.Source,
		})
		batch.Ports = append(batch.Ports, types.PortFinding{
			Address:     addr,
			PortNumber:  p.Port,
			Protocol:    p.Protocol,
			Status:      p.Status,
			ServiceName: p.ServiceName,
			Banner:      p.Banner,
		})
	}

	for _, page := range result.WebResources {
		canonical, err := CanonicalURL(page.URL)
		if err != nil {
			n.drop(ctx, batch, "web_resource", page.URL, err)
			continue
		}
		attrs := map[string]interface{}{
			"status_code": page.StatusCode,
		}
		if page.Title != "" {
			attrs["title"] = page.Title
		}
		batch.Assets = append(batch.Assets, types.AssetFinding{
			AssetType:  types.AssetTypeWebApp,
			Value:      canonical,
			Attributes: attrs,
			Source:     page.Source,
		})
		for _, tech := range page.Technologies {
			if strings.TrimSpace(tech.Name) == "" {
				n.drop(ctx, batch, "technology", tech.Name, fmt.Errorf("empty name"))
				continue
			}
			batch.Technologies = append(batch.Technologies, types.TechnologyFinding{
				AssetType:  types.AssetTypeWebApp,
				AssetValue: canonical,
				Name:       tech.Name,
				Version:    tech.Version,
				Category:   tech.Category,
				Evidence:   tech.Evidence,
			})
		}
	}

	for _, cert := range result.Certificates {
		subject, err := CanonicalDomain(cert.SubjectCN)
		if err != nil {
			n.drop(ctx, batch, "certificate", cert.SubjectCN, err)
			continue
		}
		attrs := map[string]interface{}{}
		if cert.Issuer != "" {
			attrs["issuer"] = cert.Issuer
		}
		if cert.SerialNumber != "" {
			attrs["serial_number"] = cert.SerialNumber
		}
		if cert.NotBefore != "" {
			attrs["not_before"] = cert.NotBefore
		}
		if cert.NotAfter != "" {
			attrs["not_after"] = cert.NotAfter
		}
		if len(cert.SANs) > 0 {
			sans := make([]interface{}, 0, len(cert.SANs))
			for _, san := range cert.SANs {
				sans = append(sans, san)
			}
			attrs["sans"] = sans
		}
		batch.Assets = append(batch.Assets, types.AssetFinding{
			AssetType:  types.AssetTypeCertificate,
			Value:      subject,
			Attributes: attrs,
			Source:     cert.Source,
		})
	}

	for _, vuln := range result.Vulnerabilities {
		finding, err := n.normalizeVulnerability(vuln)
		if err != nil {
			n.drop(ctx, batch, "vulnerability", vuln.Title, err)
			continue
		}
		batch.Vulnerabilities = append(batch.Vulnerabilities, *finding)
	}

	return batch
}

func (n *Normalizer) normalizeVulnerability(vuln types.DiscoveredVulnerability) (*types.VulnerabilityFinding, error) {
	if strings.TrimSpace(vuln.Title) == "" {
		return nil, fmt.Errorf("empty title")
	}

	severity := types.ParseSeverity(vuln.Severity)

	assetType := types.AssetTypeIPAddress
	value, err := CanonicalIP(vuln.Target)
	if err != nil {
		assetType = types.AssetTypeDomain
		value, err = CanonicalDomain(vuln.Target)
	}
	if err != nil {
		assetType = types.AssetTypeWebApp
		value, err = CanonicalURL(vuln.Target)
	}
	if err != nil {
		return nil, fmt.Errorf("target is not an IP, domain, or URL: %q", vuln.Target)
	}

	return &types.VulnerabilityFinding{
		AssetType:   assetType,
		AssetValue:  value,
		PortNumber:  vuln.Port,
		Protocol:    vuln.Protocol,
		Title:       strings.TrimSpace(vuln.Title),
		Description: vuln.Description,
		CVEID:       strings.ToUpper(strings.TrimSpace(vuln.CVEID)),
		CVSSScore:   vuln.CVSSScore,
		Severity:    severity,
		Evidence:    vuln.Evidence,
		Remediation: vuln.Remediation,
	}, nil
}

func (n *Normalizer) drop(ctx context.Context, batch *types.NormalizedBatch, kind, value string, reason error) {
	batch.Dropped = append(batch.Dropped, types.DroppedFinding{
		Kind:   kind,
		Value:  value,
		Reason: reason.Error(),
	})
	n.logger.LogDroppedFinding(ctx, kind, value, reason.Error())
	if n.metrics != nil {
		n.metrics.RecordDropped(kind)
	}
}

// appendAssetOnce keeps the batch free of duplicate (type, value) pairs
// the normalizer itself introduces. Probe-reported duplicates are left
// alone; the reconciler's upsert handles them.
func appendAssetOnce(assets []types.AssetFinding, finding types.AssetFinding) []types.AssetFinding {
	for _, a := range assets {
		if a.AssetType == finding.AssetType && a.Value == finding.Value {
			return assets
		}
	}
	return append(assets, finding)
}

// CanonicalDomain lower-cases, trims whitespace, and strips the trailing
// dot from a domain name, then validates the result.
func CanonicalDomain(name string) (string, error) {
	name = strings.TrimSuffix(strings.ToLower(strings.TrimSpace(name)), ".")
	if name == "" {
		return "", fmt.Errorf("empty domain")
	}
	if len(name) > 253 {
		return "", fmt.Errorf("domain exceeds 253 characters")
	}
	if !domainPattern.MatchString(name) {
		return "", fmt.Errorf("not a valid domain name")
	}
	return name, nil
}

// CanonicalIP validates an IP address and renders it in standard
// textual form, collapsing IPv6 spellings like 2001:DB8::0:1.
func CanonicalIP(address string) (string, error) {
	addr, err := netip.ParseAddr(strings.TrimSpace(address))
	if err != nil {
		return "", fmt.Errorf("not a valid IP address")
	}
	return addr.String(), nil
}

// CanonicalURL lower-cases scheme and host, strips default ports and
// fragments, and normalizes an empty path to "/".
func CanonicalURL(raw string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", fmt.Errorf("not a valid URL")
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return "", fmt.Errorf("missing host")
	}

	u.Scheme = scheme
	host := strings.ToLower(u.Hostname())
	port := u.Port()
	if (scheme == "http" && port == "80") || (scheme == "https" && port == "443") {
		port = ""
	}
	if port != "" {
		u.Host = host + ":" + port
	} else {
		u.Host = host
	}
	u.Fragment = ""
	if u.Path == "" {
		u.Path = "/"
	}
	return u.String(), nil
}
