// Package httpclient builds the HTTP clients probes use for outbound
// requests.
package httpclient

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"
)

type ClientConfig struct {
	Timeout         time.Duration
	FollowRedirects bool
	MaxRedirects    int
	UserAgent       string
}

func DefaultConfig() ClientConfig {
	return ClientConfig{
		Timeout:         30 * time.Second,
		FollowRedirects: true,
		MaxRedirects:    10,
		UserAgent:       "edgescope-discovery/1.0",
	}
}

// NewClient builds an HTTP client with pooled connections, enforced
// timeouts, and a bounded redirect policy.
func NewClient(cfg ClientConfig) *http.Client {
	transport := &http.Transport{
		DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			var dialer net.Dialer
			return dialer.DialContext(ctx, network, addr)
		},

		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,

		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: 10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}

	client := &http.Client{
		Timeout:   cfg.Timeout,
		Transport: transport,
	}

	if !cfg.FollowRedirects {
		client.CheckRedirect = func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		}
	} else if cfg.MaxRedirects > 0 {
		client.CheckRedirect = func(req *http.Request, via []*http.Request) error {
			if len(via) >= cfg.MaxRedirects {
				return fmt.Errorf("stopped after %d redirects", cfg.MaxRedirects)
			}
			return nil
		}
	}

	return client
}

// NewCrawlerClient is tuned for same-origin page fetching: short
// timeout, limited redirects.
func NewCrawlerClient(timeout time.Duration) *http.Client {
	return NewClient(ClientConfig{
		Timeout:         timeout,
		FollowRedirects: true,
		MaxRedirects:    5,
	})
}

// NewCTLogClient is tuned for certificate transparency log queries,
// which can be slow for large domains.
func NewCTLogClient(timeout time.Duration) *http.Client {
	return NewClient(ClientConfig{
		Timeout:         timeout,
		FollowRedirects: true,
		MaxRedirects:    3,
	})
}

// DoWithContext performs an HTTP request bound to ctx, surfacing
// cancellation as the request error.
func DoWithContext(ctx context.Context, client *http.Client, req *http.Request) (*http.Response, error) {
	req = req.WithContext(ctx)

	resp, err := client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("request cancelled: %w", ctx.Err())
		}
		return nil, err
	}

	return resp, nil
}

// CloseBody drains and closes a response body. Unread bodies prevent
// HTTP/1.1 connection reuse.
func CloseBody(resp *http.Response) {
	if resp == nil || resp.Body == nil {
		return
	}

	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()
}
