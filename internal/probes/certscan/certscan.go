// Package certscan implements the CERT_SCAN probe: certificate
// transparency log queries that surface certificates and the hostnames
// they were issued for.
package certscan

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/edgescope/edgescope/internal/config"
	"github.com/edgescope/edgescope/internal/httpclient"
	"github.com/edgescope/edgescope/internal/logger"
	"github.com/edgescope/edgescope/internal/ratelimit"
	"github.com/edgescope/edgescope/pkg/types"
)

const defaultLogBaseURL = "https://crt.sh"

var domainPattern = regexp.MustCompile(`^([a-zA-Z0-9]([a-zA-Z0-9-]{0,61}[a-zA-Z0-9])?\.)+[a-zA-Z]{2,}$`)

// logEntry is one row of crt.sh JSON output. name_value packs all SANs
// into a newline-separated string.
type logEntry struct {
	ID           int64  `json:"id"`
	IssuerName   string `json:"issuer_name"`
	CommonName   string `json:"common_name"`
	NameValue    string `json:"name_value"`
	SerialNumber string `json:"serial_number"`
	NotBefore    string `json:"not_before"`
	NotAfter     string `json:"not_after"`
}

// Options is the per-job configuration document.
type Options struct {
	IncludeExpired bool `json:"include_expired,omitempty"`
}

type Probe struct {
	cfg     config.CertScanProbeConfig
	logger  *logger.Logger
	client  *http.Client
	limiter *ratelimit.Limiter
	baseURL string
}

func New(cfg config.CertScanProbeConfig, limiter *ratelimit.Limiter, log *logger.Logger) *Probe {
	return &Probe{
		cfg:     cfg,
		logger:  log.WithComponent("probe.cert_scan"),
		client:  httpclient.NewCTLogClient(cfg.RequestTimeout),
		limiter: limiter,
		baseURL: defaultLogBaseURL,
	}
}

func (p *Probe) Name() string        { return "cert_scan" }
func (p *Probe) Type() types.JobType { return types.JobTypeCertScan }

func (p *Probe) Validate(target string) error {
	target = strings.TrimSuffix(strings.ToLower(strings.TrimSpace(target)), ".")
	if target == "" {
		return types.NewProbeError(types.ProbeErrInvalidTarget, p.Name(), target, fmt.Errorf("empty target"))
	}
	if !domainPattern.MatchString(target) {
		return types.NewProbeError(types.ProbeErrInvalidTarget, p.Name(), target, fmt.Errorf("not a valid domain name"))
	}
	return nil
}

func (p *Probe) Execute(ctx context.Context, target string, configuration json.RawMessage) (*types.DiscoveryResult, error) {
	if err := p.Validate(target); err != nil {
		return nil, err
	}
	domain := strings.TrimSuffix(strings.ToLower(strings.TrimSpace(target)), ".")

	var opts Options
	if len(configuration) > 0 {
		if err := json.Unmarshal(configuration, &opts); err != nil {
			return nil, types.NewProbeError(types.ProbeErrInvalidTarget, p.Name(), target,
				fmt.Errorf("invalid configuration: %w", err))
		}
	}

	start := time.Now()
	ctx, span := p.logger.StartOperation(ctx, "cert_scan.Execute", "domain", domain)
	var execErr error
	defer func() {
		p.logger.FinishOperation(ctx, span, "cert_scan.Execute", start, execErr)
	}()

	entries, err := p.queryLog(ctx, domain)
	if err != nil {
		execErr = types.ClassifyProbeError(p.Name(), domain, err)
		return nil, execErr
	}

	cutoff := time.Time{}
	if !opts.IncludeExpired && p.cfg.LogWindow > 0 {
		cutoff = time.Now().Add(-p.cfg.LogWindow)
	}

	result := types.NewDiscoveryResult()
	result.Metadata["probe"] = p.Name()
	result.Metadata["target"] = domain

	seenCert := map[string]bool{}
	seenName := map[string]bool{}
	for _, entry := range entries {
		if !cutoff.IsZero() && expiredBefore(entry.NotAfter, cutoff) {
			continue
		}

		certKey := entry.SerialNumber
		if certKey == "" {
			certKey = strconv.FormatInt(entry.ID, 10)
		}
		if !seenCert[certKey] {
			seenCert[certKey] = true
			result.Certificates = append(result.Certificates, types.DiscoveredCertificate{
				SubjectCN:    strings.ToLower(entry.CommonName),
				SANs:         splitNames(entry.NameValue),
				Issuer:       entry.IssuerName,
				SerialNumber: entry.SerialNumber,
				NotBefore:    entry.NotBefore,
				NotAfter:     entry.NotAfter,
				Source:       "cert_scan",
			})
		}

		for _, name := range hostnamesFromEntry(entry, domain) {
			if seenName[name] {
				continue
			}
			seenName[name] = true
			result.Domains = append(result.Domains, types.DiscoveredDomain{
				Name:   name,
				Source: "cert_scan",
			})
		}
	}

	sort.Slice(result.Domains, func(i, j int) bool {
		return result.Domains[i].Name < result.Domains[j].Name
	})

	result.Metadata["log_entries"] = strconv.Itoa(len(entries))

	p.logger.Infow("Certificate log scan complete",
		"domain", domain,
		"log_entries", len(entries),
		"certificates", len(result.Certificates),
		"hostnames", len(result.Domains),
		"duration", time.Since(start).String(),
	)
	return result, nil
}

func (p *Probe) queryLog(ctx context.Context, domain string) ([]logEntry, error) {
	if p.limiter != nil {
		if err := p.limiter.WaitForHost(ctx, "crt.sh"); err != nil {
			return nil, err
		}
	}

	endpoint := fmt.Sprintf("%s/?q=%s&output=json", p.baseURL, url.QueryEscape(domain))
	req, err := http.NewRequest(http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := httpclient.DoWithContext(ctx, p.client, req)
	if err != nil {
		return nil, err
	}
	defer httpclient.CloseBody(resp)

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, types.NewProbeError(types.ProbeErrRateLimited, p.Name(), domain,
			fmt.Errorf("certificate log returned %d", resp.StatusCode))
	case resp.StatusCode >= 500:
		// crt.sh flakes under load; let the retry layer handle it.
		return nil, types.NewProbeError(types.ProbeErrTimeout, p.Name(), domain,
			fmt.Errorf("certificate log returned %d", resp.StatusCode))
	case resp.StatusCode != http.StatusOK:
		return nil, types.NewProbeError(types.ProbeErrInternal, p.Name(), domain,
			fmt.Errorf("certificate log returned %d", resp.StatusCode))
	}

	var entries []logEntry
	if err := json.NewDecoder(resp.Body).Decode(&entries); err != nil {
		return nil, types.NewProbeError(types.ProbeErrInternal, p.Name(), domain,
			fmt.Errorf("decoding log response: %w", err))
	}
	return entries, nil
}

// hostnamesFromEntry extracts in-scope hostnames from a log entry.
// Wildcard labels are stripped rather than discarded so *.app.example.com
// still yields app.example.com.
func hostnamesFromEntry(entry logEntry, domain string) []string {
	suffix := "." + domain
	var names []string
	candidates := append(splitNames(entry.NameValue), strings.ToLower(strings.TrimSpace(entry.CommonName)))
	for _, name := range candidates {
		name = strings.TrimPrefix(name, "*.")
		if name == "" || strings.ContainsAny(name, " @") {
			continue
		}
		if name != domain && !strings.HasSuffix(name, suffix) {
			continue
		}
		names = append(names, name)
	}
	return names
}

// splitNames unpacks the newline-separated name_value field.
func splitNames(nameValue string) []string {
	var names []string
	for _, name := range strings.Split(nameValue, "\n") {
		name = strings.ToLower(strings.TrimSpace(name))
		if name != "" {
			names = append(names, name)
		}
	}
	return names
}

// expiredBefore reports whether the entry's not_after timestamp falls
// before the cutoff. Unparseable timestamps are kept.
func expiredBefore(notAfter string, cutoff time.Time) bool {
	for _, layout := range []string{"2006-01-02T15:04:05", time.RFC3339} {
		if t, err := time.Parse(layout, notAfter); err == nil {
			return t.Before(cutoff)
		}
	}
	return false
}
