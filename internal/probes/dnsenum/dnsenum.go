// Package dnsenum implements the DNS_ENUM probe: base record lookups plus
// wordlist brute-forcing of subdomains, with wildcard filtering.
package dnsenum

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/miekg/dns"

	"github.com/edgescope/edgescope/internal/config"
	"github.com/edgescope/edgescope/internal/logger"
	"github.com/edgescope/edgescope/pkg/types"
)

var domainPattern = regexp.MustCompile(`^([a-zA-Z0-9]([a-zA-Z0-9-]{0,61}[a-zA-Z0-9])?\.)+[a-zA-Z]{2,}$`)

// Options is the per-job configuration accepted in the job's
// configuration document.
type Options struct {
	Wordlist    []string `json:"wordlist,omitempty"`
	SkipBrute   bool     `json:"skip_brute,omitempty"`
	Concurrency int      `json:"concurrency,omitempty"`
}

type Probe struct {
	cfg      config.DNSProbeConfig
	logger   *logger.Logger
	client   *dns.Client
	wordlist []string
}

func New(cfg config.DNSProbeConfig, log *logger.Logger) *Probe {
	words := defaultWordlist()
	if cfg.WordlistPath != "" {
		if loaded, err := loadWordlist(cfg.WordlistPath); err == nil {
			words = loaded
		} else {
			log.Warnw("Failed to load wordlist, using built-in",
				"path", cfg.WordlistPath,
				"error", err.Error(),
			)
		}
	}

	return &Probe{
		cfg:    cfg,
		logger: log.WithComponent("probe.dns_enum"),
		client: &dns.Client{
			Timeout: cfg.QueryTimeout,
		},
		wordlist: words,
	}
}

func (p *Probe) Name() string        { return "dns_enum" }
func (p *Probe) Type() types.JobType { return types.JobTypeDNSEnum }

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
	ctx, span := p.logger.StartOperation(ctx, "dns_enum.Execute", "domain", domain)
	var execErr error
	defer func() {
		p.logger.FinishOperation(ctx, span, "dns_enum.Execute", start, execErr)
	}()

	result := types.NewDiscoveryResult()
	result.Metadata["probe"] = p.Name()
	result.Metadata["target"] = domain

	if err := p.enumerateBase(ctx, domain, result); err != nil {
		execErr = err
		return nil, err
	}

	if !opts.SkipBrute {
		words := p.wordlist
		if len(opts.Wordlist) > 0 {
			words = opts.Wordlist
		}
		concurrency := p.cfg.Concurrency
		if opts.Concurrency > 0 {
			concurrency = opts.Concurrency
		}
		found := p.bruteforce(ctx, domain, words, concurrency, result)
		result.Metadata["brute_tested"] = strconv.Itoa(len(words))
		result.Metadata["brute_found"] = strconv.Itoa(found)
	}

	if err := ctx.Err(); err != nil {
		execErr = types.ClassifyProbeError(p.Name(), domain, err)
		return nil, execErr
	}

	p.logger.WithContext(ctx).Infow("DNS enumeration completed",
		"domain", domain,
		"domains_found", len(result.Domains),
		"ips_found", len(result.IPs),
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return result, nil
}

// enumerateBase queries the standard record types on the apex and records
// the domain itself plus anything the answers point at.
func (p *Probe) enumerateBase(ctx context.Context, domain string, result *types.DiscoveryResult) error {
	result.Domains = append(result.Domains, types.DiscoveredDomain{Name: domain, Source: "dns_base"})

	ips, cname, err := p.resolve(ctx, domain)
	if err != nil {
		return err
	}
	for _, ip := range ips {
		result.IPs = append(result.IPs, types.DiscoveredIP{Address: ip, Source: "dns_a"})
	}
	if cname != "" {
		result.Domains = append(result.Domains, types.DiscoveredDomain{
			Name:   strings.TrimSuffix(cname, "."),
			Source: "dns_cname",
		})
	}

	for _, lookup := range []struct {
		qtype  uint16
		source string
	}{
		{dns.TypeMX, "dns_mx"},
		{dns.TypeNS, "dns_ns"},
		{dns.TypeTXT, "dns_txt"},
	} {
		answers, err := p.query(ctx, domain, lookup.qtype)
		if err != nil {
			continue
		}
		for _, ans := range answers {
			switch v := ans.(type) {
			case *dns.MX:
				result.Domains = append(result.Domains, types.DiscoveredDomain{
					Name:   strings.TrimSuffix(v.Mx, "."),
					Source: lookup.source,
				})
			case *dns.NS:
				result.Domains = append(result.Domains, types.DiscoveredDomain{
					Name:   strings.TrimSuffix(v.Ns, "."),
					Source: lookup.source,
				})
			case *dns.TXT:
				// SPF includes often betray infrastructure domains.
				for _, txt := range v.Txt {
					for _, d := range spfIncludes(txt) {
						result.Domains = append(result.Domains, types.DiscoveredDomain{
							Name:   d,
							Source: "dns_spf",
						})
					}
				}
			}
		}
	}

	return nil
}

func spfIncludes(txt string) []string {
	if !strings.HasPrefix(txt, "v=spf1") {
		return nil
	}
	var domains []string
	for _, field := range strings.Fields(txt) {
		if d, ok := strings.CutPrefix(field, "include:"); ok {
			domains = append(domains, strings.ToLower(d))
		}
	}
	return domains
}

// bruteforce tests wordlist labels under the apex, filtering wildcard
// responses. Returns the number of non-wildcard hits.
func (p *Probe) bruteforce(ctx context.Context, domain string, words []string, concurrency int, result *types.DiscoveryResult) int {
	wildcardIPs := p.checkWildcard(ctx, domain)
	hasWildcard := len(wildcardIPs) > 0
	if hasWildcard {
		p.logger.WithContext(ctx).Infow("Wildcard DNS detected", "domain", domain, "ips", wildcardIPs)
	}

	type hit struct {
		subdomain string
		ips       []string
		cname     string
	}

	hits := make(chan hit, 100)
	var wg sync.WaitGroup
	if concurrency <= 0 {
		concurrency = 50
	}
	semaphore := make(chan struct{}, concurrency)

	for _, word := range words {
		if ctx.Err() != nil {
			break
		}

		wg.Add(1)
		semaphore <- struct{}{}
		go func(word string) {
			defer wg.Done()
			defer func() { <-semaphore }()

			fullDomain := word + "." + domain
			ips, cname, err := p.resolve(ctx, fullDomain)
			if err != nil || (len(ips) == 0 && cname == "") {
				return
			}
			if hasWildcard && matchesWildcard(ips, wildcardIPs) {
				return
			}

			select {
			case hits <- hit{subdomain: fullDomain, ips: ips, cname: cname}:
			case <-ctx.Done():
			}
		}(word)
	}

	go func() {
		wg.Wait()
		close(hits)
	}()

	found := 0
	for h := range hits {
		found++
		result.Domains = append(result.Domains, types.DiscoveredDomain{Name: h.subdomain, Source: "dns_brute"})
		for _, ip := range h.ips {
			result.IPs = append(result.IPs, types.DiscoveredIP{Address: ip, Source: "dns_brute"})
		}
		if h.cname != "" {
			result.Domains = append(result.Domains, types.DiscoveredDomain{
				Name:   strings.TrimSuffix(h.cname, "."),
				Source: "dns_cname",
			})
		}
	}
	return found
}

// resolve returns A/AAAA addresses and any CNAME target for a name.
func (p *Probe) resolve(ctx context.Context, domain string) ([]string, string, error) {
	var ips []string
	var cname string
	var lastErr error

	answers, err := p.query(ctx, domain, dns.TypeA)
	if err != nil {
		lastErr = err
	}
	for _, ans := range answers {
		switch v := ans.(type) {
		case *dns.A:
			ips = append(ips, v.A.String())
		case *dns.CNAME:
			cname = v.Target
		}
	}

	answers, err = p.query(ctx, domain, dns.TypeAAAA)
	if err == nil {
		lastErr = nil
	}
	for _, ans := range answers {
		if v, ok := ans.(*dns.AAAA); ok {
			ips = append(ips, v.AAAA.String())
		}
	}

	if len(ips) == 0 && cname == "" && lastErr != nil {
		return nil, "", types.ClassifyProbeError(p.Name(), domain, lastErr)
	}
	return ips, cname, nil
}

// query tries each configured resolver in turn until one answers.
func (p *Probe) query(ctx context.Context, domain string, qtype uint16) ([]dns.RR, error) {
	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(domain), qtype)

	var lastErr error
	for _, resolver := range p.cfg.Resolvers {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		r, _, err := p.client.ExchangeContext(ctx, m, resolver)
		if err != nil {
			lastErr = err
			continue
		}
		return r.Answer, nil
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("no resolvers configured")
	}
	return nil, lastErr
}

func (p *Probe) checkWildcard(ctx context.Context, domain string) []string {
	randomSubdomain := fmt.Sprintf("wildcard-probe-%d.%s", time.Now().UnixNano(), domain)
	ips, _, _ := p.resolve(ctx, randomSubdomain)
	return ips
}

func matchesWildcard(ips, wildcardIPs []string) bool {
	wildcardSet := make(map[string]bool, len(wildcardIPs))
	for _, ip := range wildcardIPs {
		wildcardSet[ip] = true
	}
	for _, ip := range ips {
		if wildcardSet[ip] {
			return true
		}
	}
	return false
}
