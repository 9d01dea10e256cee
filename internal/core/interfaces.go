package core

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/edgescope/edgescope/pkg/types"
)

// ErrNotFound is returned by Repository and Tx lookups that match no row.
var ErrNotFound = errors.New("not found")

// Probe executes one discovery technique against a single target and
// returns raw findings. Implementations must honor ctx cancellation and
// classify failures with types.ProbeError so the scheduler can decide
// between retry and permanent failure.
type Probe interface {
	Name() string
	Type() types.JobType
	Validate(target string) error
	Execute(ctx context.Context, target string, configuration json.RawMessage) (*types.DiscoveryResult, error)
}

// ProbeRegistry maps job types to probe implementations.
type ProbeRegistry interface {
	Register(probe Probe) error
	Get(jobType types.JobType) (Probe, error)
	List() []types.JobType
}

// Repository is the persistence surface shared by the scheduler, the
// reconciler, and the CLI. It is the only shared mutable state in the
// system.
type Repository interface {
	CreateOrganization(ctx context.Context, org *types.Organization) error
	GetOrganization(ctx context.Context, id string) (*types.Organization, error)
	ListOrganizations(ctx context.Context, page types.Pagination) ([]*types.Organization, error)

	CreateUser(ctx context.Context, user *types.User) error
	GetUserByEmail(ctx context.Context, email string) (*types.User, error)

	CreateJob(ctx context.Context, job *types.DiscoveryJob) error
	GetJob(ctx context.Context, id string) (*types.DiscoveryJob, error)
	ListJobs(ctx context.Context, filter JobFilter) ([]*types.DiscoveryJob, error)

	// ClaimNextJob atomically selects the oldest PENDING job, marks it
	// RUNNING, and returns it. Returns nil when the queue is empty.
	ClaimNextJob(ctx context.Context) (*types.DiscoveryJob, error)

	// CompleteJob and FailJob move a RUNNING job to its terminal status.
	// Accumulated log lines are appended, never overwritten.
	CompleteJob(ctx context.Context, jobID string, logs string) error
	FailJob(ctx context.Context, jobID string, reason string) error

	// SweepStaleJobs fails RUNNING jobs whose last update is older than
	// the grace period. Returns the IDs of the jobs it failed.
	SweepStaleJobs(ctx context.Context, grace time.Duration) ([]string, error)

	ListAssets(ctx context.Context, filter AssetFilter) ([]*types.Asset, error)
	GetAsset(ctx context.Context, id string) (*types.Asset, error)
	ListPorts(ctx context.Context, assetID string) ([]*types.Port, error)
	ListTechnologies(ctx context.Context, assetID string) ([]*types.Technology, error)
	ListVulnerabilities(ctx context.Context, assetID string) ([]*types.Vulnerability, error)
	UpdateVulnerabilityStatus(ctx context.Context, id string, status types.VulnerabilityStatus) error

	// Begin opens the transaction a reconciliation batch runs in.
	Begin(ctx context.Context) (Tx, error)

	Ping(ctx context.Context) error
	Close() error
}

// Tx exposes the row-level primitives the reconciler composes into merge
// semantics. first_seen/last_seen and natural-key uniqueness are enforced
// here at the write boundary; merge policy lives in the reconciler.
type Tx interface {
	GetAssetByNaturalKey(ctx context.Context, orgID string, assetType types.AssetType, value string) (*types.Asset, error)
	InsertAsset(ctx context.Context, asset *types.Asset) error
	UpdateAsset(ctx context.Context, asset *types.Asset) error

	GetPort(ctx context.Context, assetID string, portNumber int, protocol types.Protocol) (*types.Port, error)
	InsertPort(ctx context.Context, port *types.Port) error
	UpdatePort(ctx context.Context, port *types.Port) error

	GetTechnologiesByName(ctx context.Context, assetID string, name string) ([]*types.Technology, error)
	InsertTechnology(ctx context.Context, tech *types.Technology) error
	TouchTechnology(ctx context.Context, id string, seen time.Time) error

	FindOpenVulnerability(ctx context.Context, assetID string, cveID string, title string) (*types.Vulnerability, error)
	InsertVulnerability(ctx context.Context, vuln *types.Vulnerability) error
	UpdateVulnerability(ctx context.Context, vuln *types.Vulnerability) error

	LinkJobAsset(ctx context.Context, jobID string, assetID string) error

	Commit() error
	Rollback() error
}

type JobFilter struct {
	OrganizationID string
	Status         types.JobStatus
	JobType        types.JobType
	Limit          int
	Offset         int
}

type AssetFilter struct {
	OrganizationID string
	AssetType      types.AssetType
	Status         types.AssetStatus
	Search         string
	Limit          int
	Offset         int
}

// WorkerPool runs claimed jobs on a bounded set of workers.
type WorkerPool interface {
	Start(ctx context.Context) error
	Stop() error
	Workers() int
}

type Telemetry interface {
	RecordJob(jobType types.JobType, duration float64, success bool)
	RecordFinding(assetType types.AssetType)
	RecordDropped(kind string)
	RecordActiveWorkers(count int)
	Close() error
}
