package types

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Organization is the tenant boundary. Every other entity belongs to exactly
// one organization and is removed with it.
type Organization struct {
	ID        string    `json:"id" db:"id"`
	Name      string    `json:"name" db:"name"`
	Domain    string    `json:"domain" db:"domain"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

func NewOrganization(name, domain string) *Organization {
	now := time.Now().UTC()
	return &Organization{
		ID:        uuid.New().String(),
		Name:      name,
		Domain:    domain,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// User accounts are managed by the external auth layer; PasswordHash is opaque
// to this service and never written by it.
type User struct {
	ID             string    `json:"id" db:"id"`
	OrganizationID string    `json:"organization_id" db:"organization_id"`
	Email          string    `json:"email" db:"email"`
	PasswordHash   string    `json:"-" db:"password_hash"`
	Role           UserRole  `json:"role" db:"role"`
	CreatedAt      time.Time `json:"created_at" db:"created_at"`
	UpdatedAt      time.Time `json:"updated_at" db:"updated_at"`
}

// Asset is one externally visible entity. (organization_id, asset_type, value)
// is the natural key; first_seen is immutable once set and last_seen never
// moves backwards.
type Asset struct {
	ID             string                 `json:"id" db:"id"`
	OrganizationID string                 `json:"organization_id" db:"organization_id"`
	AssetType      AssetType              `json:"asset_type" db:"asset_type"`
	Value          string                 `json:"value" db:"value"`
	Status         AssetStatus            `json:"status" db:"status"`
	FirstSeen      time.Time              `json:"first_seen" db:"first_seen"`
	LastSeen       time.Time              `json:"last_seen" db:"last_seen"`
	Attributes     map[string]interface{} `json:"attributes,omitempty"`
	CreatedAt      time.Time              `json:"created_at" db:"created_at"`
	UpdatedAt      time.Time              `json:"updated_at" db:"updated_at"`
}

func NewAsset(orgID string, assetType AssetType, value string, attrs map[string]interface{}) *Asset {
	now := time.Now().UTC()
	if attrs == nil {
		attrs = map[string]interface{}{}
	}
	return &Asset{
		ID:             uuid.New().String(),
		OrganizationID: orgID,
		AssetType:      assetType,
		Value:          value,
		Status:         AssetStatusActive,
		FirstSeen:      now,
		LastSeen:       now,
		Attributes:     attrs,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

// Port belongs to one asset, keyed by (asset_id, port_number, protocol).
// Service fields are point-in-time state: the latest observation wins.
type Port struct {
	ID          string     `json:"id" db:"id"`
	AssetID     string     `json:"asset_id" db:"asset_id"`
	PortNumber  int        `json:"port_number" db:"port_number"`
	Protocol    Protocol   `json:"protocol" db:"protocol"`
	ServiceName string     `json:"service_name,omitempty" db:"service_name"`
	Banner      string     `json:"banner,omitempty" db:"banner"`
	Status      PortStatus `json:"status" db:"status"`
	FirstSeen   time.Time  `json:"first_seen" db:"first_seen"`
	LastSeen    time.Time  `json:"last_seen" db:"last_seen"`
	CreatedAt   time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at" db:"updated_at"`
}

// Technology belongs to one asset, keyed by (asset_id, name, version).
// A versionless row and a versioned row for the same name are distinct
// entities so the versionless observation's history survives.
type Technology struct {
	ID        string    `json:"id" db:"id"`
	AssetID   string    `json:"asset_id" db:"asset_id"`
	Name      string    `json:"name" db:"name"`
	Version   string    `json:"version,omitempty" db:"version"`
	Category  string    `json:"category,omitempty" db:"category"`
	Evidence  string    `json:"evidence,omitempty" db:"evidence"`
	FirstSeen time.Time `json:"first_seen" db:"first_seen"`
	LastSeen  time.Time `json:"last_seen" db:"last_seen"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// Vulnerability is a tracked weakness on an asset, optionally pinned to a
// port. resolved_at is set exactly when status leaves OPEN and cleared if it
// ever returns to OPEN.
type Vulnerability struct {
	ID          string              `json:"id" db:"id"`
	AssetID     string              `json:"asset_id" db:"asset_id"`
	PortID      *string             `json:"port_id,omitempty" db:"port_id"`
	Title       string              `json:"title" db:"title"`
	Description string              `json:"description,omitempty" db:"description"`
	CVEID       string              `json:"cve_id,omitempty" db:"cve_id"`
	CVSSScore   *float64            `json:"cvss_score,omitempty" db:"cvss_score"`
	Severity    Severity            `json:"severity" db:"severity"`
	Status      VulnerabilityStatus `json:"status" db:"status"`
	Evidence    string              `json:"evidence,omitempty" db:"evidence"`
	Remediation string              `json:"remediation,omitempty" db:"remediation"`
	ResolvedAt  *time.Time          `json:"resolved_at,omitempty" db:"resolved_at"`
	FirstSeen   time.Time           `json:"first_seen" db:"first_seen"`
	LastSeen    time.Time           `json:"last_seen" db:"last_seen"`
	CreatedAt   time.Time           `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time           `json:"updated_at" db:"updated_at"`
}

// DiscoveryJob is one execution of one probe type against one target.
// Configuration is passed opaquely to the probe implementation.
type DiscoveryJob struct {
	ID             string          `json:"id" db:"id"`
	OrganizationID string          `json:"organization_id" db:"organization_id"`
	JobType        JobType         `json:"job_type" db:"job_type"`
	Status         JobStatus       `json:"status" db:"status"`
	Target         string          `json:"target" db:"target"`
	Configuration  json.RawMessage `json:"configuration,omitempty" db:"configuration"`
	Logs           string          `json:"logs,omitempty" db:"logs"`
	ErrorMessage   string          `json:"error_message,omitempty" db:"error_message"`
	StartedAt      *time.Time      `json:"started_at,omitempty" db:"started_at"`
	CompletedAt    *time.Time      `json:"completed_at,omitempty" db:"completed_at"`
	CreatedAt      time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at" db:"updated_at"`
}

func NewDiscoveryJob(orgID string, jobType JobType, target string, configuration json.RawMessage) *DiscoveryJob {
	now := time.Now().UTC()
	if configuration == nil {
		configuration = json.RawMessage(`{}`)
	}
	return &DiscoveryJob{
		ID:             uuid.New().String(),
		OrganizationID: orgID,
		JobType:        jobType,
		Status:         JobStatusPending,
		Target:         target,
		Configuration:  configuration,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

// JobAssetLink records which job touched which asset. Append-only provenance,
// at most one row per (job, asset).
type JobAssetLink struct {
	JobID     string    `json:"job_id" db:"job_id"`
	AssetID   string    `json:"asset_id" db:"asset_id"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// Pagination bounds list queries.
type Pagination struct {
	Page     int `json:"page"`
	PageSize int `json:"page_size"`
}

func DefaultPagination() Pagination {
	return Pagination{Page: 1, PageSize: 50}
}

func (p Pagination) Offset() int {
	if p.Page <= 1 {
		return 0
	}
	return (p.Page - 1) * p.PageSize
}

func (p Pagination) Limit() int {
	if p.PageSize <= 0 {
		return 50
	}
	return p.PageSize
}
