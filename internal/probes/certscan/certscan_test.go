package certscan

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edgescope/edgescope/internal/config"
	"github.com/edgescope/edgescope/internal/logger"
	"github.com/edgescope/edgescope/pkg/types"
)

func newTestProbe(t *testing.T, baseURL string) *Probe {
	log, err := logger.New(config.LoggerConfig{Level: "error", Format: "json"})
	require.NoError(t, err)

	probe := New(config.CertScanProbeConfig{
		RequestTimeout: 2 * time.Second,
	}, nil, log)
	if baseURL != "" {
		probe.baseURL = baseURL
	}
	return probe
}

func TestValidate(t *testing.T) {
	probe := newTestProbe(t, "")

	assert.NoError(t, probe.Validate("example.com"))
	assert.NoError(t, probe.Validate("Sub.Example.COM."))

	for _, target := range []string{"", "localhost", "192.0.2.1", "bad domain"} {
		err := probe.Validate(target)
		require.Error(t, err, "target %q", target)

		var pe *types.ProbeError
		require.True(t, errors.As(err, &pe))
		assert.Equal(t, types.ProbeErrInvalidTarget, pe.Kind)
	}
}

func TestExecute_ExtractsHostnames(t *testing.T) {
	entries := []map[string]interface{}{
		{
			"id":            1001,
			"issuer_name":   "C=US, O=Let's Encrypt, CN=R11",
			"common_name":   "www.example.com",
			"name_value":    "www.example.com\napi.example.com",
			"serial_number": "03a1",
			"not_before":    "2026-01-01T00:00:00",
			"not_after":     "2026-12-31T23:59:59",
		},
		{
			"id":            1002,
			"issuer_name":   "C=US, O=Let's Encrypt, CN=R11",
			"common_name":   "*.staging.example.com",
			"name_value":    "*.staging.example.com\nother-org.net",
			"serial_number": "03b2",
			"not_before":    "2026-01-01T00:00:00",
			"not_after":     "2026-12-31T23:59:59",
		},
		{
			// Duplicate serial: same cert seen in multiple logs.
			"id":            1003,
			"issuer_name":   "C=US, O=Let's Encrypt, CN=R11",
			"common_name":   "www.example.com",
			"name_value":    "www.example.com",
			"serial_number": "03a1",
			"not_before":    "2026-01-01T00:00:00",
			"not_after":     "2026-12-31T23:59:59",
		},
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "example.com", r.URL.Query().Get("q"))
		assert.Equal(t, "json", r.URL.Query().Get("output"))
		w.Header().Set("Content-Type", "application/json")
		require.NoError(t, json.NewEncoder(w).Encode(entries))
	}))
	defer srv.Close()

	probe := newTestProbe(t, srv.URL)
	result, err := probe.Execute(context.Background(), "example.com", nil)
	require.NoError(t, err)

	var names []string
	for _, d := range result.Domains {
		names = append(names, d.Name)
	}
	assert.Equal(t, []string{"api.example.com", "staging.example.com", "www.example.com"}, names)

	// Two distinct serials, third entry deduped.
	assert.Len(t, result.Certificates, 2)
	assert.Equal(t, "www.example.com", result.Certificates[0].SubjectCN)
	assert.Equal(t, "3", result.Metadata["log_entries"])
}

func TestExecute_RateLimited(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	probe := newTestProbe(t, srv.URL)
	_, err := probe.Execute(context.Background(), "example.com", nil)
	require.Error(t, err)

	var pe *types.ProbeError
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, types.ProbeErrRateLimited, pe.Kind)
	assert.True(t, pe.Transient())
}

func TestExecute_ServerErrorIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	probe := newTestProbe(t, srv.URL)
	_, err := probe.Execute(context.Background(), "example.com", nil)
	require.Error(t, err)

	var pe *types.ProbeError
	require.True(t, errors.As(err, &pe))
	assert.True(t, pe.Transient())
}

func TestExecute_MalformedResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "<html>not json</html>")
	}))
	defer srv.Close()

	probe := newTestProbe(t, srv.URL)
	_, err := probe.Execute(context.Background(), "example.com", nil)
	require.Error(t, err)

	var pe *types.ProbeError
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, types.ProbeErrInternal, pe.Kind)
	assert.False(t, pe.Transient())
}

func TestHostnamesFromEntry_ScopeFilter(t *testing.T) {
	entry := logEntry{
		CommonName: "evil-example.com",
		NameValue:  "example.com\nsub.example.com\nnotexample.com\n*.deep.example.com",
	}

	names := hostnamesFromEntry(entry, "example.com")
	assert.Equal(t, []string{"example.com", "sub.example.com", "deep.example.com"}, names)
}

func TestSplitNames(t *testing.T) {
	assert.Equal(t, []string{"a.example.com", "b.example.com"}, splitNames("A.example.com\n\n b.example.com "))
	assert.Empty(t, splitNames(""))
}

func TestExpiredBefore(t *testing.T) {
	cutoff := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)

	assert.True(t, expiredBefore("2025-01-01T00:00:00", cutoff))
	assert.False(t, expiredBefore("2027-01-01T00:00:00", cutoff))
	assert.False(t, expiredBefore("garbage", cutoff))
}
