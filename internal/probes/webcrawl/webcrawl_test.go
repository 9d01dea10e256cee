package webcrawl

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edgescope/edgescope/internal/config"
	"github.com/edgescope/edgescope/internal/logger"
	"github.com/edgescope/edgescope/pkg/types"
)

func newTestProbe(t *testing.T) *Probe {
	log, err := logger.New(config.LoggerConfig{Level: "error", Format: "json"})
	require.NoError(t, err)

	return New(config.WebCrawlProbeConfig{
		RequestTimeout: 2 * time.Second,
		MaxDepth:       2,
		MaxPages:       50,
		UserAgent:      "edgescope-test/1.0",
	}, nil, log)
}

func TestValidate(t *testing.T) {
	probe := newTestProbe(t)

	assert.NoError(t, probe.Validate("https://example.com"))
	assert.NoError(t, probe.Validate("http://example.com/app"))

	for _, target := range []string{"", "example.com", "ftp://example.com", "https://"} {
		err := probe.Validate(target)
		require.Error(t, err, "target %q", target)

		var pe *types.ProbeError
		require.True(t, errors.As(err, &pe))
		assert.Equal(t, types.ProbeErrInvalidTarget, pe.Kind)
	}
}

func TestExecute_CrawlsSameOrigin(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		fmt.Fprintf(w, `<html><head><title>Home</title>
			<meta name="generator" content="WordPress 6.4.2">
			<script src="/js/jquery-3.7.1.min.js"></script>
			</head><body>
			<a href="/about">About</a>
			<a href="%s/external">External</a>
			<a href="mailto:security@example.com">Mail</a>
			</body></html>`, "https://other.example")
	})
	mux.HandleFunc("/about", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		fmt.Fprint(w, `<html><head><title>About</title></head><body><a href="/">Home</a></body></html>`)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	probe := newTestProbe(t)
	result, err := probe.Execute(context.Background(), srv.URL, nil)
	require.NoError(t, err)

	require.Len(t, result.WebResources, 2)
	assert.Equal(t, "2", result.Metadata["pages_crawled"])

	home := result.WebResources[0]
	assert.Equal(t, "Home", home.Title)
	assert.Equal(t, http.StatusOK, home.StatusCode)

	names := map[string]string{}
	for _, tech := range home.Technologies {
		names[tech.Name] = tech.Version
	}
	assert.Equal(t, "6.4.2", names["WordPress"])
	assert.Equal(t, "3.7.1", names["jQuery"])
}

func TestExecute_RespectsMaxDepth(t *testing.T) {
	mux := http.NewServeMux()
	for i := 0; i < 5; i++ {
		depth := i
		path := "/"
		if depth > 0 {
			path = fmt.Sprintf("/d%d", depth)
		}
		mux.HandleFunc(path, func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "text/html")
			fmt.Fprintf(w, `<html><body><a href="/d%d">next</a></body></html>`, depth+1)
		})
	}
	srv := httptest.NewServer(mux)
	defer srv.Close()

	probe := newTestProbe(t)
	result, err := probe.Execute(context.Background(), srv.URL, json.RawMessage(`{"max_depth":1}`))
	require.NoError(t, err)

	// Root at depth 0 plus one link followed.
	assert.Len(t, result.WebResources, 2)
}

func TestExecute_RespectsMaxPages(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		var b strings.Builder
		b.WriteString("<html><body>")
		for i := 0; i < 20; i++ {
			fmt.Fprintf(&b, `<a href="/page%d">p</a>`, i)
		}
		b.WriteString("</body></html>")
		fmt.Fprint(w, b.String())
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	probe := newTestProbe(t)
	result, err := probe.Execute(context.Background(), srv.URL, json.RawMessage(`{"max_pages":3}`))
	require.NoError(t, err)

	assert.Len(t, result.WebResources, 3)
	assert.Equal(t, "3", result.Metadata["pages_crawled"])
}

func TestExecute_RateLimitedRoot(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	probe := newTestProbe(t)
	_, err := probe.Execute(context.Background(), srv.URL, nil)
	require.Error(t, err)

	var pe *types.ProbeError
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, types.ProbeErrRateLimited, pe.Kind)
	assert.True(t, pe.Transient())
}

func TestExecute_UnreachableRoot(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close()

	probe := newTestProbe(t)
	_, err := probe.Execute(context.Background(), srv.URL, nil)
	require.Error(t, err)

	var pe *types.ProbeError
	require.True(t, errors.As(err, &pe))
	assert.True(t, pe.Transient())
}

func TestExecute_NonHTMLPage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"status":"ok"}`)
	}))
	defer srv.Close()

	probe := newTestProbe(t)
	result, err := probe.Execute(context.Background(), srv.URL, nil)
	require.NoError(t, err)

	require.Len(t, result.WebResources, 1)
	assert.Empty(t, result.WebResources[0].Title)
}

func TestDetectFromHeaders(t *testing.T) {
	headers := http.Header{}
	headers.Set("Server", "nginx/1.25.3")
	headers.Set("X-Powered-By", "PHP/8.2.14")

	techs := detectFromHeaders(headers)
	require.Len(t, techs, 2)
	assert.Equal(t, "nginx", techs[0].Name)
	assert.Equal(t, "1.25.3", techs[0].Version)
	assert.Equal(t, "web-server", techs[0].Category)
	assert.Equal(t, "PHP", techs[1].Name)
	assert.Equal(t, "8.2.14", techs[1].Version)

	assert.Empty(t, detectFromHeaders(http.Header{}))
}

func TestDetectFromDocument_VersionlessScript(t *testing.T) {
	html := `<html><head>
		<script src="/assets/react.production.min.js"></script>
		<link rel="stylesheet" href="/css/bootstrap-5.3.2.min.css">
	</head><body></body></html>`

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	require.NoError(t, err)

	techs := detectFromDocument(doc)
	require.Len(t, techs, 2)
	assert.Equal(t, "React", techs[0].Name)
	assert.Empty(t, techs[0].Version)
	assert.Equal(t, "Bootstrap", techs[1].Name)
	assert.Equal(t, "5.3.2", techs[1].Version)
}

func TestSplitProductVersion(t *testing.T) {
	tests := []struct {
		in      string
		name    string
		version string
	}{
		{"nginx/1.25.3", "nginx", "1.25.3"},
		{"WordPress 6.4.2", "WordPress", "6.4.2"},
		{"Hugo v0.121.1", "Hugo", "0.121.1"},
		{"cloudflare", "cloudflare", ""},
		{"", "", ""},
	}

	for _, tt := range tests {
		name, version := splitProductVersion(tt.in)
		assert.Equal(t, tt.name, name, "input %q", tt.in)
		assert.Equal(t, tt.version, version, "input %q", tt.in)
	}
}
