// Package webcrawl implements the WEB_CRAWL probe: a bounded same-origin
// crawl that records reachable pages and fingerprints the technologies
// serving them.
package webcrawl

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"github.com/edgescope/edgescope/internal/config"
	"github.com/edgescope/edgescope/internal/httpclient"
	"github.com/edgescope/edgescope/internal/logger"
	"github.com/edgescope/edgescope/internal/ratelimit"
	"github.com/edgescope/edgescope/pkg/types"
)

// Options is the per-job configuration document.
type Options struct {
	MaxDepth int `json:"max_depth,omitempty"`
	MaxPages int `json:"max_pages,omitempty"`
}

type Probe struct {
	cfg     config.WebCrawlProbeConfig
	logger  *logger.Logger
	client  *http.Client
	limiter *ratelimit.Limiter
}

func New(cfg config.WebCrawlProbeConfig, limiter *ratelimit.Limiter, log *logger.Logger) *Probe {
	return &Probe{
		cfg:     cfg,
		logger:  log.WithComponent("probe.web_crawl"),
		client:  httpclient.NewCrawlerClient(cfg.RequestTimeout),
		limiter: limiter,
	}
}

func (p *Probe) Name() string        { return "web_crawl" }
func (p *Probe) Type() types.JobType { return types.JobTypeWebCrawl }

func (p *Probe) Validate(target string) error {
	u, err := url.Parse(strings.TrimSpace(target))
	if err != nil {
		return types.NewProbeError(types.ProbeErrInvalidTarget, p.Name(), target,
			fmt.Errorf("not a valid URL: %w", err))
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return types.NewProbeError(types.ProbeErrInvalidTarget, p.Name(), target,
			fmt.Errorf("unsupported scheme %q", u.Scheme))
	}
	if u.Host == "" {
		return types.NewProbeError(types.ProbeErrInvalidTarget, p.Name(), target,
			fmt.Errorf("missing host"))
	}
	return nil
}

// crawlItem is one queued page fetch.
type crawlItem struct {
	url   *url.URL
	depth int
}

func (p *Probe) Execute(ctx context.Context, target string, configuration json.RawMessage) (*types.DiscoveryResult, error) {
	if err := p.Validate(target); err != nil {
		return nil, err
	}
	root, _ := url.Parse(strings.TrimSpace(target))

	var opts Options
	if len(configuration) > 0 {
		if err := json.Unmarshal(configuration, &opts); err != nil {
			return nil, types.NewProbeError(types.ProbeErrInvalidTarget, p.Name(), target,
				fmt.Errorf("invalid configuration: %w", err))
		}
	}

	maxDepth := p.cfg.MaxDepth
	if opts.MaxDepth > 0 {
		maxDepth = opts.MaxDepth
	}
	maxPages := p.cfg.MaxPages
	if opts.MaxPages > 0 {
		maxPages = opts.MaxPages
	}
	if maxPages <= 0 {
		maxPages = 50
	}

	start := time.Now()
	ctx, span := p.logger.StartOperation(ctx, "web_crawl.Execute",
		"target", root.String(),
		"max_depth", maxDepth,
		"max_pages", maxPages,
	)
	var execErr error
	defer func() {
		p.logger.FinishOperation(ctx, span, "web_crawl.Execute", start, execErr)
	}()

	result := types.NewDiscoveryResult()
	result.Metadata["probe"] = p.Name()
	result.Metadata["target"] = root.String()

	visited := map[string]bool{}
	queue := []crawlItem{{url: root, depth: 0}}
	fetched := 0
	var rootErr error

	for len(queue) > 0 && fetched < maxPages {
		if ctx.Err() != nil {
			break
		}
		item := queue[0]
		queue = queue[1:]

		key := pageKey(item.url)
		if visited[key] {
			continue
		}
		visited[key] = true

		page, links, err := p.fetchPage(ctx, item.url)
		if err != nil {
			if item.depth == 0 && rootErr == nil {
				rootErr = err
			}
			p.logger.Debugw("Page fetch failed",
				"url", item.url.String(),
				"error", err.Error(),
			)
			continue
		}
		fetched++
		result.WebResources = append(result.WebResources, *page)

		if item.depth >= maxDepth {
			continue
		}
		for _, link := range links {
			if !sameOrigin(root, link) {
				continue
			}
			if !visited[pageKey(link)] {
				queue = append(queue, crawlItem{url: link, depth: item.depth + 1})
			}
		}
	}

	// An unreachable root with nothing else fetched is a probe failure,
	// not an empty result.
	if fetched == 0 && rootErr != nil {
		execErr = types.ClassifyProbeError(p.Name(), target, rootErr)
		return nil, execErr
	}
	if err := ctx.Err(); err != nil {
		execErr = types.ClassifyProbeError(p.Name(), target, err)
		return nil, execErr
	}

	result.Metadata["pages_crawled"] = strconv.Itoa(fetched)

	p.logger.Infow("Web crawl complete",
		"target", root.String(),
		"pages_crawled", fetched,
		"duration", time.Since(start).String(),
	)
	return result, nil
}

// fetchPage retrieves one page, fingerprints it, and returns same-page
// links for the crawl frontier.
func (p *Probe) fetchPage(ctx context.Context, pageURL *url.URL) (*types.DiscoveredWebResource, []*url.URL, error) {
	if p.limiter != nil {
		if err := p.limiter.WaitForHost(ctx, pageURL.Hostname()); err != nil {
			return nil, nil, err
		}
	}

	req, err := http.NewRequest(http.MethodGet, pageURL.String(), nil)
	if err != nil {
		return nil, nil, err
	}
	req.Header.Set("User-Agent", p.cfg.UserAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml")

	resp, err := httpclient.DoWithContext(ctx, p.client, req)
	if err != nil {
		return nil, nil, err
	}
	defer httpclient.CloseBody(resp)

	if resp.StatusCode == http.StatusTooManyRequests {
		return nil, nil, types.NewProbeError(types.ProbeErrRateLimited, p.Name(), pageURL.String(),
			fmt.Errorf("server returned %d", resp.StatusCode))
	}

	page := &types.DiscoveredWebResource{
		URL:          pageURL.String(),
		StatusCode:   resp.StatusCode,
		Technologies: detectFromHeaders(resp.Header),
		Source:       "web_crawl",
	}

	contentType := resp.Header.Get("Content-Type")
	if !strings.Contains(contentType, "text/html") {
		return page, nil, nil
	}

	doc, err := goquery.NewDocumentFromReader(resp.Body)
	if err != nil {
		// Unparseable body still counts as a reachable page.
		return page, nil, nil
	}

	page.Title = strings.TrimSpace(doc.Find("title").First().Text())
	page.Technologies = append(page.Technologies, detectFromDocument(doc)...)

	var links []*url.URL
	doc.Find("a[href]").Each(func(_ int, s *goquery.Selection) {
		href, _ := s.Attr("href")
		link, err := pageURL.Parse(href)
		if err != nil {
			return
		}
		if link.Scheme != "http" && link.Scheme != "https" {
			return
		}
		links = append(links, link)
	})

	return page, links, nil
}

// sameOrigin restricts the crawl frontier to the target's scheme and host.
func sameOrigin(root, link *url.URL) bool {
	return link.Scheme == root.Scheme && link.Host == root.Host
}

// pageKey dedupes frontier entries ignoring fragments. An empty path
// and "/" are the same page.
func pageKey(u *url.URL) string {
	c := *u
	c.Fragment = ""
	if c.Path == "" {
		c.Path = "/"
	}
	return c.String()
}
