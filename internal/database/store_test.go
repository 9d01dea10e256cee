package database

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/edgescope/edgescope/internal/config"
	"github.com/edgescope/edgescope/internal/core"
	"github.com/edgescope/edgescope/internal/logger"
	"github.com/edgescope/edgescope/pkg/types"
)

// setupTestStore starts a PostgreSQL testcontainer and returns a migrated
// store. Tests are skipped when Docker is not available.
func setupTestStore(t *testing.T) (core.Repository, func()) {
	if testing.Short() {
		t.Skip("skipping database integration test in short mode")
	}

	ctx := context.Background()

	postgresContainer, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("edgescope_test"),
		postgres.WithUsername("edgescope_test"),
		postgres.WithPassword("edgescope_test_password"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second)),
	)
	if err != nil {
		t.Skipf("Docker not available, skipping: %v", err)
	}

	connStr, err := postgresContainer.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		postgresContainer.Terminate(ctx)
		t.Fatalf("Failed to get connection string: %v", err)
	}

	log, err := logger.New(config.LoggerConfig{Level: "error", Format: "json"})
	require.NoError(t, err)

	store, err := NewStore(config.DatabaseConfig{
		DSN:            connStr,
		MaxConnections: 5,
		MaxIdleConns:   2,
	}, log)
	if err != nil {
		postgresContainer.Terminate(ctx)
		t.Fatalf("Failed to create store: %v", err)
	}

	cleanup := func() {
		store.Close()
		if err := postgresContainer.Terminate(ctx); err != nil {
			t.Logf("Warning: failed to terminate container: %v", err)
		}
	}

	return store, cleanup
}

func createTestOrg(t *testing.T, store core.Repository) *types.Organization {
	org := types.NewOrganization("Acme Corp", "acme.example")
	require.NoError(t, store.CreateOrganization(context.Background(), org))
	return org
}

func TestOrganizationCRUD(t *testing.T) {
	store, cleanup := setupTestStore(t)
	defer cleanup()

	ctx := context.Background()
	org := createTestOrg(t, store)

	got, err := store.GetOrganization(ctx, org.ID)
	require.NoError(t, err)
	assert.Equal(t, org.Name, got.Name)
	assert.Equal(t, org.Domain, got.Domain)

	_, err = store.GetOrganization(ctx, "no-such-id")
	assert.True(t, errors.Is(err, ErrNotFound))

	orgs, err := store.ListOrganizations(ctx, types.DefaultPagination())
	require.NoError(t, err)
	assert.Len(t, orgs, 1)
}

func TestUserCRUD(t *testing.T) {
	store, cleanup := setupTestStore(t)
	defer cleanup()

	ctx := context.Background()
	org := createTestOrg(t, store)

	user := &types.User{
		ID:             "user-1",
		OrganizationID: org.ID,
		Email:          "analyst@acme.example",
		PasswordHash:   "x",
		Role:           types.RoleAnalyst,
		CreatedAt:      time.Now().UTC(),
		UpdatedAt:      time.Now().UTC(),
	}
	require.NoError(t, store.CreateUser(ctx, user))

	got, err := store.GetUserByEmail(ctx, "analyst@acme.example")
	require.NoError(t, err)
	assert.Equal(t, types.RoleAnalyst, got.Role)

	// Email is unique
	dup := *user
	dup.ID = "user-2"
	assert.Error(t, store.CreateUser(ctx, &dup))
}

func TestJobLifecycle(t *testing.T) {
	store, cleanup := setupTestStore(t)
	defer cleanup()

	ctx := context.Background()
	org := createTestOrg(t, store)

	job := types.NewDiscoveryJob(org.ID, types.JobTypeDNSEnum, "example.com", json.RawMessage(`{"wordlist_size":100}`))
	require.NoError(t, store.CreateJob(ctx, job))

	got, err := store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, types.JobStatusPending, got.Status)
	assert.Nil(t, got.StartedAt)

	claimed, err := store.ClaimNextJob(ctx)
	require.NoError(t, err)
	require.NotNil(t, claimed)
	assert.Equal(t, job.ID, claimed.ID)
	assert.Equal(t, types.JobStatusRunning, claimed.Status)
	assert.NotNil(t, claimed.StartedAt)

	// Queue is now empty
	next, err := store.ClaimNextJob(ctx)
	require.NoError(t, err)
	assert.Nil(t, next)

	require.NoError(t, store.CompleteJob(ctx, job.ID, "resolved 12 names\n"))

	got, err = store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, types.JobStatusCompleted, got.Status)
	assert.Contains(t, got.Logs, "resolved 12 names")
	assert.NotNil(t, got.CompletedAt)

	// Terminal jobs cannot be completed again
	assert.Error(t, store.CompleteJob(ctx, job.ID, "again\n"))
}

func TestClaimNextJob_OldestFirst(t *testing.T) {
	store, cleanup := setupTestStore(t)
	defer cleanup()

	ctx := context.Background()
	org := createTestOrg(t, store)

	first := types.NewDiscoveryJob(org.ID, types.JobTypePortScan, "192.0.2.10", nil)
	first.CreatedAt = time.Now().UTC().Add(-2 * time.Hour)
	second := types.NewDiscoveryJob(org.ID, types.JobTypePortScan, "192.0.2.11", nil)
	second.CreatedAt = time.Now().UTC().Add(-1 * time.Hour)

	// Insert newest first to prove ordering is by created_at, not insert order.
	require.NoError(t, store.CreateJob(ctx, second))
	require.NoError(t, store.CreateJob(ctx, first))

	claimed, err := store.ClaimNextJob(ctx)
	require.NoError(t, err)
	require.NotNil(t, claimed)
	assert.Equal(t, first.ID, claimed.ID)
}

func TestFailJob(t *testing.T) {
	store, cleanup := setupTestStore(t)
	defer cleanup()

	ctx := context.Background()
	org := createTestOrg(t, store)

	job := types.NewDiscoveryJob(org.ID, types.JobTypeWebCrawl, "https://example.com", nil)
	require.NoError(t, store.CreateJob(ctx, job))

	_, err := store.ClaimNextJob(ctx)
	require.NoError(t, err)

	require.NoError(t, store.FailJob(ctx, job.ID, "target unresolvable"))

	got, err := store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, types.JobStatusFailed, got.Status)
	assert.Equal(t, "target unresolvable", got.ErrorMessage)
	// The accumulated job log carries the failure on its own.
	assert.Contains(t, got.Logs, "failed: target unresolvable")
}

func TestSweepStaleJobs(t *testing.T) {
	store, cleanup := setupTestStore(t)
	defer cleanup()

	ctx := context.Background()
	org := createTestOrg(t, store)

	job := types.NewDiscoveryJob(org.ID, types.JobTypeCertScan, "example.com", nil)
	require.NoError(t, store.CreateJob(ctx, job))
	claimed, err := store.ClaimNextJob(ctx)
	require.NoError(t, err)
	require.NotNil(t, claimed)

	// Nothing stale yet
	ids, err := store.SweepStaleJobs(ctx, time.Hour)
	require.NoError(t, err)
	assert.Empty(t, ids)

	// With a zero grace everything RUNNING is stale
	ids, err = store.SweepStaleJobs(ctx, 0)
	require.NoError(t, err)
	require.Len(t, ids, 1)
	assert.Equal(t, job.ID, ids[0])

	got, err := store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, types.JobStatusFailed, got.Status)
	assert.Contains(t, got.ErrorMessage, "orphaned")
}

func TestTxAssetPrimitives(t *testing.T) {
	store, cleanup := setupTestStore(t)
	defer cleanup()

	ctx := context.Background()
	org := createTestOrg(t, store)

	tx, err := store.Begin(ctx)
	require.NoError(t, err)

	asset := types.NewAsset(org.ID, types.AssetTypeDomain, "www.example.com", map[string]interface{}{
		"source": "DNS_ENUM",
	})
	require.NoError(t, tx.InsertAsset(ctx, asset))

	got, err := tx.GetAssetByNaturalKey(ctx, org.ID, types.AssetTypeDomain, "www.example.com")
	require.NoError(t, err)
	assert.Equal(t, asset.ID, got.ID)
	assert.Equal(t, "DNS_ENUM", got.Attributes["source"])

	_, err = tx.GetAssetByNaturalKey(ctx, org.ID, types.AssetTypeIPAddress, "www.example.com")
	assert.True(t, errors.Is(err, ErrNotFound))

	require.NoError(t, tx.Commit())

	// last_seen can never move backwards
	tx, err = store.Begin(ctx)
	require.NoError(t, err)

	stale := *asset
	stale.LastSeen = asset.LastSeen.Add(-24 * time.Hour)
	require.NoError(t, tx.UpdateAsset(ctx, &stale))

	got, err = tx.GetAssetByNaturalKey(ctx, org.ID, types.AssetTypeDomain, "www.example.com")
	require.NoError(t, err)
	assert.False(t, got.LastSeen.Before(asset.LastSeen.Add(-time.Second)),
		"last_seen moved backwards: %v < %v", got.LastSeen, asset.LastSeen)

	require.NoError(t, tx.Commit())
}

func TestTxRollbackDiscardsWrites(t *testing.T) {
	store, cleanup := setupTestStore(t)
	defer cleanup()

	ctx := context.Background()
	org := createTestOrg(t, store)

	tx, err := store.Begin(ctx)
	require.NoError(t, err)

	asset := types.NewAsset(org.ID, types.AssetTypeIPAddress, "192.0.2.10", nil)
	require.NoError(t, tx.InsertAsset(ctx, asset))
	require.NoError(t, tx.Rollback())

	assets, err := store.ListAssets(ctx, core.AssetFilter{OrganizationID: org.ID})
	require.NoError(t, err)
	assert.Empty(t, assets)
}

func TestTxPortPrimitives(t *testing.T) {
	store, cleanup := setupTestStore(t)
	defer cleanup()

	ctx := context.Background()
	org := createTestOrg(t, store)

	tx, err := store.Begin(ctx)
	require.NoError(t, err)

	asset := types.NewAsset(org.ID, types.AssetTypeIPAddress, "192.0.2.10", nil)
	require.NoError(t, tx.InsertAsset(ctx, asset))

	now := time.Now().UTC()
	port := &types.Port{
		ID:          "port-1",
		AssetID:     asset.ID,
		PortNumber:  443,
		Protocol:    types.ProtocolTCP,
		Status:      types.PortStatusOpen,
		ServiceName: "https",
		Banner:      "",
		FirstSeen:   now,
		LastSeen:    now,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	require.NoError(t, tx.InsertPort(ctx, port))

	got, err := tx.GetPort(ctx, asset.ID, 443, types.ProtocolTCP)
	require.NoError(t, err)
	assert.Equal(t, "https", got.ServiceName)

	// Latest observation wins
	got.Status = types.PortStatusFiltered
	got.ServiceName = ""
	got.LastSeen = now.Add(time.Minute)
	require.NoError(t, tx.UpdatePort(ctx, got))

	got, err = tx.GetPort(ctx, asset.ID, 443, types.ProtocolTCP)
	require.NoError(t, err)
	assert.Equal(t, types.PortStatusFiltered, got.Status)
	assert.Equal(t, "", got.ServiceName)

	_, err = tx.GetPort(ctx, asset.ID, 80, types.ProtocolTCP)
	assert.True(t, errors.Is(err, ErrNotFound))

	require.NoError(t, tx.Commit())

	ports, err := store.ListPorts(ctx, asset.ID)
	require.NoError(t, err)
	assert.Len(t, ports, 1)
}

func TestTxTechnologyPrimitives(t *testing.T) {
	store, cleanup := setupTestStore(t)
	defer cleanup()

	ctx := context.Background()
	org := createTestOrg(t, store)

	tx, err := store.Begin(ctx)
	require.NoError(t, err)

	asset := types.NewAsset(org.ID, types.AssetTypeWebApp, "https://example.com/", nil)
	require.NoError(t, tx.InsertAsset(ctx, asset))

	now := time.Now().UTC()
	versionless := &types.Technology{
		ID: "tech-1", AssetID: asset.ID, Name: "nginx", Version: "",
		FirstSeen: now, LastSeen: now, CreatedAt: now, UpdatedAt: now,
	}
	versioned := &types.Technology{
		ID: "tech-2", AssetID: asset.ID, Name: "nginx", Version: "1.25.3",
		FirstSeen: now, LastSeen: now, CreatedAt: now, UpdatedAt: now,
	}
	require.NoError(t, tx.InsertTechnology(ctx, versionless))
	require.NoError(t, tx.InsertTechnology(ctx, versioned))

	// Versionless and versioned rows for the same product coexist
	techs, err := tx.GetTechnologiesByName(ctx, asset.ID, "nginx")
	require.NoError(t, err)
	assert.Len(t, techs, 2)

	require.NoError(t, tx.TouchTechnology(ctx, "tech-1", now.Add(time.Hour)))
	require.NoError(t, tx.Commit())

	all, err := store.ListTechnologies(ctx, asset.ID)
	require.NoError(t, err)
	require.Len(t, all, 2)
}

func TestTxVulnerabilityPrimitives(t *testing.T) {
	store, cleanup := setupTestStore(t)
	defer cleanup()

	ctx := context.Background()
	org := createTestOrg(t, store)

	tx, err := store.Begin(ctx)
	require.NoError(t, err)

	asset := types.NewAsset(org.ID, types.AssetTypeIPAddress, "192.0.2.10", nil)
	require.NoError(t, tx.InsertAsset(ctx, asset))

	now := time.Now().UTC()
	vuln := &types.Vulnerability{
		ID:        "vuln-1",
		AssetID:   asset.ID,
		Title:     "OpenSSH user enumeration",
		CVEID:     "CVE-2018-15473",
		Severity:  types.SeverityMedium,
		Status:    types.VulnStatusOpen,
		FirstSeen: now, LastSeen: now, CreatedAt: now, UpdatedAt: now,
	}
	require.NoError(t, tx.InsertVulnerability(ctx, vuln))

	got, err := tx.FindOpenVulnerability(ctx, asset.ID, "CVE-2018-15473", "")
	require.NoError(t, err)
	assert.Equal(t, "vuln-1", got.ID)

	// Title match only applies to rows without a CVE
	_, err = tx.FindOpenVulnerability(ctx, asset.ID, "", "OpenSSH user enumeration")
	assert.True(t, errors.Is(err, ErrNotFound))

	// A re-observation that pins the vulnerability to a port persists the pin
	port := &types.Port{
		ID: "port-22", AssetID: asset.ID, PortNumber: 22, Protocol: types.ProtocolTCP,
		Status: types.PortStatusOpen,
		FirstSeen: now, LastSeen: now, CreatedAt: now, UpdatedAt: now,
	}
	require.NoError(t, tx.InsertPort(ctx, port))

	vuln.PortID = &port.ID
	vuln.LastSeen = now.Add(time.Minute)
	require.NoError(t, tx.UpdateVulnerability(ctx, vuln))

	require.NoError(t, tx.Commit())

	vulns, err := store.ListVulnerabilities(ctx, asset.ID)
	require.NoError(t, err)
	require.Len(t, vulns, 1)
	require.NotNil(t, vulns[0].PortID)
	assert.Equal(t, "port-22", *vulns[0].PortID)

	// Resolving sets resolved_at; non-OPEN rows stop matching
	require.NoError(t, store.UpdateVulnerabilityStatus(ctx, "vuln-1", types.VulnStatusClosed))

	vulns, err = store.ListVulnerabilities(ctx, asset.ID)
	require.NoError(t, err)
	require.Len(t, vulns, 1)
	assert.Equal(t, types.VulnStatusClosed, vulns[0].Status)
	assert.NotNil(t, vulns[0].ResolvedAt)

	tx, err = store.Begin(ctx)
	require.NoError(t, err)
	_, err = tx.FindOpenVulnerability(ctx, asset.ID, "CVE-2018-15473", "")
	assert.True(t, errors.Is(err, ErrNotFound))
	require.NoError(t, tx.Rollback())
}

func TestLinkJobAssetIdempotent(t *testing.T) {
	store, cleanup := setupTestStore(t)
	defer cleanup()

	ctx := context.Background()
	org := createTestOrg(t, store)

	job := types.NewDiscoveryJob(org.ID, types.JobTypeDNSEnum, "example.com", nil)
	require.NoError(t, store.CreateJob(ctx, job))

	tx, err := store.Begin(ctx)
	require.NoError(t, err)

	asset := types.NewAsset(org.ID, types.AssetTypeDomain, "example.com", nil)
	require.NoError(t, tx.InsertAsset(ctx, asset))

	require.NoError(t, tx.LinkJobAsset(ctx, job.ID, asset.ID))
	require.NoError(t, tx.LinkJobAsset(ctx, job.ID, asset.ID))
	require.NoError(t, tx.Commit())
}

func TestNaturalKeyUniqueness(t *testing.T) {
	store, cleanup := setupTestStore(t)
	defer cleanup()

	ctx := context.Background()
	org := createTestOrg(t, store)

	tx, err := store.Begin(ctx)
	require.NoError(t, err)

	first := types.NewAsset(org.ID, types.AssetTypeDomain, "example.com", nil)
	require.NoError(t, tx.InsertAsset(ctx, first))
	require.NoError(t, tx.Commit())

	tx, err = store.Begin(ctx)
	require.NoError(t, err)
	dup := types.NewAsset(org.ID, types.AssetTypeDomain, "example.com", nil)
	assert.Error(t, tx.InsertAsset(ctx, dup))
	tx.Rollback()
}

func TestListJobsFilters(t *testing.T) {
	store, cleanup := setupTestStore(t)
	defer cleanup()

	ctx := context.Background()
	org := createTestOrg(t, store)

	for _, jt := range []types.JobType{types.JobTypeDNSEnum, types.JobTypePortScan, types.JobTypeDNSEnum} {
		require.NoError(t, store.CreateJob(ctx, types.NewDiscoveryJob(org.ID, jt, "example.com", nil)))
	}

	jobs, err := store.ListJobs(ctx, core.JobFilter{OrganizationID: org.ID})
	require.NoError(t, err)
	assert.Len(t, jobs, 3)

	jobs, err = store.ListJobs(ctx, core.JobFilter{JobType: types.JobTypeDNSEnum})
	require.NoError(t, err)
	assert.Len(t, jobs, 2)

	jobs, err = store.ListJobs(ctx, core.JobFilter{Status: types.JobStatusPending, Limit: 1})
	require.NoError(t, err)
	assert.Len(t, jobs, 1)
}
