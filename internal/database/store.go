package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"github.com/edgescope/edgescope/internal/config"
	"github.com/edgescope/edgescope/internal/core"
	"github.com/edgescope/edgescope/internal/logger"
	"github.com/edgescope/edgescope/pkg/types"
)

// ErrNotFound is returned when a lookup by ID or natural key matches no row.
var ErrNotFound = core.ErrNotFound

type sqlStore struct {
	db     *sqlx.DB
	cfg    config.DatabaseConfig
	logger *logger.Logger
}

func NewStore(cfg config.DatabaseConfig, log *logger.Logger) (core.Repository, error) {
	log = log.WithComponent("database")

	ctx := context.Background()
	var err error
	ctx, span := log.StartOperation(ctx, "database.NewStore",
		"dsn_masked", maskDSN(cfg.DSN),
		"max_connections", cfg.MaxConnections,
	)
	defer func() {
		log.FinishOperation(ctx, span, "database.NewStore", time.Now(), err)
	}()

	start := time.Now()
	db, err := sqlx.Connect("postgres", cfg.DSN)
	if err != nil {
		log.LogError(ctx, err, "database.Connect",
			"duration_ms", time.Since(start).Milliseconds(),
		)
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	log.LogDuration(ctx, "database.Connect", start)

	db.SetMaxOpenConns(cfg.MaxConnections)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	store := &sqlStore{
		db:     db,
		cfg:    cfg,
		logger: log,
	}

	migrateStart := time.Now()
	if err = store.migrate(ctx); err != nil {
		log.LogError(ctx, err, "database.Migrate",
			"duration_ms", time.Since(migrateStart).Milliseconds(),
		)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	log.WithContext(ctx).Infow("Database store initialized",
		"total_init_duration_ms", time.Since(start).Milliseconds(),
	)

	return store, nil
}

// maskDSN hides credentials when the DSN appears in logs.
func maskDSN(dsn string) string {
	if len(dsn) > 10 {
		return dsn[:5] + "***" + dsn[len(dsn)-5:]
	}
	return "***"
}

func (s *sqlStore) migrate(ctx context.Context) error {
	start := time.Now()
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return err
	}
	s.logger.LogDuration(ctx, "database.migrate.schema", start)
	return nil
}

func (s *sqlStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *sqlStore) Close() error {
	return s.db.Close()
}

// Organizations

func (s *sqlStore) CreateOrganization(ctx context.Context, org *types.Organization) error {
	query := `
		INSERT INTO organizations (id, name, domain, created_at, updated_at)
		VALUES (:id, :name, :domain, :created_at, :updated_at)
	`

	result, err := s.db.NamedExecContext(ctx, query, org)
	if err != nil {
		s.logger.LogError(ctx, err, "database.CreateOrganization", "organization_id", org.ID)
		return err
	}

	rowsAffected, _ := result.RowsAffected()
	s.logger.LogDatabaseOperation(ctx, "INSERT", "organizations", rowsAffected, 0,
		"organization_id", org.ID,
	)
	return nil
}

func (s *sqlStore) GetOrganization(ctx context.Context, id string) (*types.Organization, error) {
	var org types.Organization
	err := s.db.GetContext(ctx, &org, `SELECT * FROM organizations WHERE id = $1`, id)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("organization %s: %w", id, ErrNotFound)
		}
		return nil, err
	}
	return &org, nil
}

func (s *sqlStore) ListOrganizations(ctx context.Context, page types.Pagination) ([]*types.Organization, error) {
	orgs := []*types.Organization{}
	query := `SELECT * FROM organizations ORDER BY created_at LIMIT $1 OFFSET $2`
	if err := s.db.SelectContext(ctx, &orgs, query, page.Limit(), page.Offset()); err != nil {
		return nil, err
	}
	return orgs, nil
}

// Users

func (s *sqlStore) CreateUser(ctx context.Context, user *types.User) error {
	query := `
		INSERT INTO users (id, organization_id, email, password_hash, role, created_at, updated_at)
		VALUES (:id, :organization_id, :email, :password_hash, :role, :created_at, :updated_at)
	`

	_, err := s.db.NamedExecContext(ctx, query, user)
	if err != nil {
		s.logger.LogError(ctx, err, "database.CreateUser", "email", user.Email)
	}
	return err
}

func (s *sqlStore) GetUserByEmail(ctx context.Context, email string) (*types.User, error) {
	var user types.User
	err := s.db.GetContext(ctx, &user, `SELECT * FROM users WHERE email = $1`, email)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("user %s: %w", email, ErrNotFound)
		}
		return nil, err
	}
	return &user, nil
}

// Discovery jobs

func (s *sqlStore) CreateJob(ctx context.Context, job *types.DiscoveryJob) error {
	query := `
		INSERT INTO discovery_jobs (
			id, organization_id, job_type, target, status, configuration,
			logs, error_message, created_at, started_at, completed_at, updated_at
		) VALUES (
			:id, :organization_id, :job_type, :target, :status, :configuration,
			:logs, :error_message, :created_at, :started_at, :completed_at, :updated_at
		)
	`

	args := map[string]interface{}{
		"id":              job.ID,
		"organization_id": job.OrganizationID,
		"job_type":        job.JobType,
		"target":          job.Target,
		"status":          job.Status,
		"configuration":   configurationOrEmpty(job.Configuration),
		"logs":            job.Logs,
		"error_message":   job.ErrorMessage,
		"created_at":      job.CreatedAt,
		"started_at":      job.StartedAt,
		"completed_at":    job.CompletedAt,
		"updated_at":      job.UpdatedAt,
	}

	result, err := s.db.NamedExecContext(ctx, query, args)
	if err != nil {
		s.logger.LogError(ctx, err, "database.CreateJob", "job_id", job.ID)
		return err
	}

	rowsAffected, _ := result.RowsAffected()
	s.logger.LogDatabaseOperation(ctx, "INSERT", "discovery_jobs", rowsAffected, 0,
		"job_id", job.ID,
		"job_type", string(job.JobType),
	)
	return nil
}

func configurationOrEmpty(raw json.RawMessage) string {
	if len(raw) == 0 {
		return "{}"
	}
	return string(raw)
}

type jobRow struct {
	ID             string          `db:"id"`
	OrganizationID string          `db:"organization_id"`
	JobType        types.JobType   `db:"job_type"`
	Target         string          `db:"target"`
	Status         types.JobStatus `db:"status"`
	Configuration  []byte          `db:"configuration"`
	Logs           string          `db:"logs"`
	ErrorMessage   string          `db:"error_message"`
	CreatedAt      time.Time       `db:"created_at"`
	StartedAt      *time.Time      `db:"started_at"`
	CompletedAt    *time.Time      `db:"completed_at"`
	UpdatedAt      time.Time       `db:"updated_at"`
}

func (r *jobRow) toJob() *types.DiscoveryJob {
	return &types.DiscoveryJob{
		ID:             r.ID,
		OrganizationID: r.OrganizationID,
		JobType:        r.JobType,
		Target:         r.Target,
		Status:         r.Status,
		Configuration:  json.RawMessage(r.Configuration),
		Logs:           r.Logs,
		ErrorMessage:   r.ErrorMessage,
		CreatedAt:      r.CreatedAt,
		StartedAt:      r.StartedAt,
		CompletedAt:    r.CompletedAt,
		UpdatedAt:      r.UpdatedAt,
	}
}

func (s *sqlStore) GetJob(ctx context.Context, id string) (*types.DiscoveryJob, error) {
	var row jobRow
	err := s.db.GetContext(ctx, &row, `SELECT * FROM discovery_jobs WHERE id = $1`, id)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("job %s: %w", id, ErrNotFound)
		}
		return nil, err
	}
	return row.toJob(), nil
}

func (s *sqlStore) ListJobs(ctx context.Context, filter core.JobFilter) ([]*types.DiscoveryJob, error) {
	query := `SELECT * FROM discovery_jobs WHERE 1=1`
	args := map[string]interface{}{}

	if filter.OrganizationID != "" {
		query += " AND organization_id = :organization_id"
		args["organization_id"] = filter.OrganizationID
	}
	if filter.Status != "" {
		query += " AND status = :status"
		args["status"] = filter.Status
	}
	if filter.JobType != "" {
		query += " AND job_type = :job_type"
		args["job_type"] = filter.JobType
	}

	query += " ORDER BY created_at DESC"

	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}
	if filter.Offset > 0 {
		query += fmt.Sprintf(" OFFSET %d", filter.Offset)
	}

	nstmt, err := s.db.PrepareNamedContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer nstmt.Close()

	rows := []jobRow{}
	if err := nstmt.SelectContext(ctx, &rows, args); err != nil {
		return nil, err
	}

	jobs := make([]*types.DiscoveryJob, 0, len(rows))
	for i := range rows {
		jobs = append(jobs, rows[i].toJob())
	}
	return jobs, nil
}

// ClaimNextJob picks the oldest PENDING job and transitions it to RUNNING
// in a single statement. FOR UPDATE SKIP LOCKED lets concurrent workers
// claim without blocking or double-claiming.
func (s *sqlStore) ClaimNextJob(ctx context.Context) (*types.DiscoveryJob, error) {
	query := `
		UPDATE discovery_jobs SET
			status = 'RUNNING',
			started_at = NOW(),
			updated_at = NOW()
		WHERE id = (
			SELECT id FROM discovery_jobs
			WHERE status = 'PENDING'
			ORDER BY created_at
			FOR UPDATE SKIP LOCKED
			LIMIT 1
		)
		RETURNING *
	`

	var row jobRow
	err := s.db.GetContext(ctx, &row, query)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}

	s.logger.WithContext(ctx).Debugw("Claimed job",
		"job_id", row.ID,
		"job_type", string(row.JobType),
		"target", row.Target,
	)
	return row.toJob(), nil
}

func (s *sqlStore) CompleteJob(ctx context.Context, jobID string, logs string) error {
	query := `
		UPDATE discovery_jobs SET
			status = 'COMPLETED',
			logs = logs || $2,
			completed_at = NOW(),
			updated_at = NOW()
		WHERE id = $1 AND status = 'RUNNING'
	`

	result, err := s.db.ExecContext(ctx, query, jobID, logs)
	if err != nil {
		s.logger.LogError(ctx, err, "database.CompleteJob", "job_id", jobID)
		return err
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return fmt.Errorf("job %s is not RUNNING: %w", jobID, ErrNotFound)
	}
	return nil
}

func (s *sqlStore) FailJob(ctx context.Context, jobID string, reason string) error {
	query := `
		UPDATE discovery_jobs SET
			status = 'FAILED',
			error_message = $2,
			logs = logs || 'failed: ' || $2 || E'\n',
			completed_at = NOW(),
			updated_at = NOW()
		WHERE id = $1 AND status = 'RUNNING'
	`

	result, err := s.db.ExecContext(ctx, query, jobID, reason)
	if err != nil {
		s.logger.LogError(ctx, err, "database.FailJob", "job_id", jobID)
		return err
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return fmt.Errorf("job %s is not RUNNING: %w", jobID, ErrNotFound)
	}
	return nil
}

// SweepStaleJobs fails RUNNING jobs untouched for longer than grace.
// Run at startup before the pool accepts work so jobs orphaned by a
// crashed worker do not stay RUNNING forever.
func (s *sqlStore) SweepStaleJobs(ctx context.Context, grace time.Duration) ([]string, error) {
	query := `
		UPDATE discovery_jobs SET
			status = 'FAILED',
			error_message = 'orphaned: worker did not report completion',
			completed_at = NOW(),
			updated_at = NOW()
		WHERE status = 'RUNNING' AND updated_at < $1
		RETURNING id
	`

	cutoff := time.Now().UTC().Add(-grace)

	ids := []string{}
	if err := s.db.SelectContext(ctx, &ids, query, cutoff); err != nil {
		s.logger.LogError(ctx, err, "database.SweepStaleJobs")
		return nil, err
	}

	if len(ids) > 0 {
		s.logger.WithContext(ctx).Warnw("Swept stale running jobs",
			"count", len(ids),
			"job_ids", ids,
			"cutoff", cutoff,
		)
	}
	return ids, nil
}

// Assets and findings

type assetRow struct {
	ID             string            `db:"id"`
	OrganizationID string            `db:"organization_id"`
	AssetType      types.AssetType   `db:"asset_type"`
	Value          string            `db:"value"`
	Status         types.AssetStatus `db:"status"`
	FirstSeen      time.Time         `db:"first_seen"`
	LastSeen       time.Time         `db:"last_seen"`
	Attributes     []byte            `db:"attributes"`
	CreatedAt      time.Time         `db:"created_at"`
	UpdatedAt      time.Time         `db:"updated_at"`
}

func (r *assetRow) toAsset() (*types.Asset, error) {
	asset := &types.Asset{
		ID:             r.ID,
		OrganizationID: r.OrganizationID,
		AssetType:      r.AssetType,
		Value:          r.Value,
		Status:         r.Status,
		FirstSeen:      r.FirstSeen,
		LastSeen:       r.LastSeen,
		Attributes:     map[string]interface{}{},
		CreatedAt:      r.CreatedAt,
		UpdatedAt:      r.UpdatedAt,
	}
	if len(r.Attributes) > 0 {
		if err := json.Unmarshal(r.Attributes, &asset.Attributes); err != nil {
			return nil, fmt.Errorf("failed to unmarshal attributes: %w", err)
		}
	}
	return asset, nil
}

func (s *sqlStore) ListAssets(ctx context.Context, filter core.AssetFilter) ([]*types.Asset, error) {
	query := `SELECT * FROM assets WHERE 1=1`
	args := map[string]interface{}{}

	if filter.OrganizationID != "" {
		query += " AND organization_id = :organization_id"
		args["organization_id"] = filter.OrganizationID
	}
	if filter.AssetType != "" {
		query += " AND asset_type = :asset_type"
		args["asset_type"] = filter.AssetType
	}
	if filter.Status != "" {
		query += " AND status = :status"
		args["status"] = filter.Status
	}
	if filter.Search != "" {
		query += " AND value LIKE :search"
		args["search"] = "%" + filter.Search + "%"
	}

	query += " ORDER BY last_seen DESC"

	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}
	if filter.Offset > 0 {
		query += fmt.Sprintf(" OFFSET %d", filter.Offset)
	}

	nstmt, err := s.db.PrepareNamedContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer nstmt.Close()

	rows := []assetRow{}
	if err := nstmt.SelectContext(ctx, &rows, args); err != nil {
		return nil, err
	}

	assets := make([]*types.Asset, 0, len(rows))
	for i := range rows {
		asset, err := rows[i].toAsset()
		if err != nil {
			return nil, err
		}
		assets = append(assets, asset)
	}
	return assets, nil
}

func (s *sqlStore) GetAsset(ctx context.Context, id string) (*types.Asset, error) {
	var row assetRow
	err := s.db.GetContext(ctx, &row, `SELECT * FROM assets WHERE id = $1`, id)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("asset %s: %w", id, ErrNotFound)
		}
		return nil, err
	}
	return row.toAsset()
}

func (s *sqlStore) ListPorts(ctx context.Context, assetID string) ([]*types.Port, error) {
	ports := []*types.Port{}
	query := `SELECT * FROM ports WHERE asset_id = $1 ORDER BY port_number, protocol`
	if err := s.db.SelectContext(ctx, &ports, query, assetID); err != nil {
		return nil, err
	}
	return ports, nil
}

func (s *sqlStore) ListTechnologies(ctx context.Context, assetID string) ([]*types.Technology, error) {
	techs := []*types.Technology{}
	query := `SELECT * FROM technologies WHERE asset_id = $1 ORDER BY name, version`
	if err := s.db.SelectContext(ctx, &techs, query, assetID); err != nil {
		return nil, err
	}
	return techs, nil
}

func (s *sqlStore) ListVulnerabilities(ctx context.Context, assetID string) ([]*types.Vulnerability, error) {
	vulns := []*types.Vulnerability{}
	query := `SELECT * FROM vulnerabilities WHERE asset_id = $1 ORDER BY first_seen DESC`
	if err := s.db.SelectContext(ctx, &vulns, query, assetID); err != nil {
		return nil, err
	}
	return vulns, nil
}

func (s *sqlStore) UpdateVulnerabilityStatus(ctx context.Context, id string, status types.VulnerabilityStatus) error {
	if !status.Valid() {
		return fmt.Errorf("invalid vulnerability status: %s", status)
	}

	query := `
		UPDATE vulnerabilities SET
			status = $2,
			resolved_at = CASE
				WHEN $2 = 'OPEN' THEN NULL
				WHEN resolved_at IS NULL THEN NOW()
				ELSE resolved_at
			END,
			updated_at = NOW()
		WHERE id = $1
	`

	result, err := s.db.ExecContext(ctx, query, id, status)
	if err != nil {
		s.logger.LogError(ctx, err, "database.UpdateVulnerabilityStatus", "vulnerability_id", id)
		return err
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return fmt.Errorf("vulnerability %s: %w", id, ErrNotFound)
	}
	return nil
}

func (s *sqlStore) Begin(ctx context.Context) (core.Tx, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		s.logger.LogError(ctx, err, "database.Begin")
		return nil, err
	}
	return &sqlTx{tx: tx, logger: s.logger}, nil
}
