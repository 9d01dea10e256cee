package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/edgescope/edgescope/internal/logger"
	"github.com/edgescope/edgescope/pkg/types"
)

// sqlTx wraps one reconciliation transaction. Every write a job batch
// performs goes through here so a failure rolls the whole batch back.
type sqlTx struct {
	tx     *sqlx.Tx
	logger *logger.Logger
}

func (t *sqlTx) Commit() error {
	return t.tx.Commit()
}

func (t *sqlTx) Rollback() error {
	return t.tx.Rollback()
}

func (t *sqlTx) GetAssetByNaturalKey(ctx context.Context, orgID string, assetType types.AssetType, value string) (*types.Asset, error) {
	var row assetRow
	query := `
		SELECT * FROM assets
		WHERE organization_id = $1 AND asset_type = $2 AND value = $3
		FOR UPDATE
	`
	err := t.tx.GetContext(ctx, &row, query, orgID, assetType, value)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("asset (%s, %s, %s): %w", orgID, assetType, value, ErrNotFound)
		}
		return nil, err
	}
	return row.toAsset()
}

func (t *sqlTx) InsertAsset(ctx context.Context, asset *types.Asset) error {
	attrsJSON, err := json.Marshal(asset.Attributes)
	if err != nil {
		return fmt.Errorf("failed to marshal attributes: %w", err)
	}

	query := `
		INSERT INTO assets (
			id, organization_id, asset_type, value, status,
			first_seen, last_seen, attributes, created_at, updated_at
		) VALUES (
			:id, :organization_id, :asset_type, :value, :status,
			:first_seen, :last_seen, :attributes, :created_at, :updated_at
		)
	`

	args := map[string]interface{}{
		"id":              asset.ID,
		"organization_id": asset.OrganizationID,
		"asset_type":      asset.AssetType,
		"value":           asset.Value,
		"status":          asset.Status,
		"first_seen":      asset.FirstSeen,
		"last_seen":       asset.LastSeen,
		"attributes":      string(attrsJSON),
		"created_at":      asset.CreatedAt,
		"updated_at":      asset.UpdatedAt,
	}

	_, err = t.tx.NamedExecContext(ctx, query, args)
	if err != nil {
		t.logger.LogError(ctx, err, "database.tx.InsertAsset", "asset_value", asset.Value)
	}
	return err
}

// UpdateAsset writes merge results. first_seen is deliberately absent from
// the SET list: it is immutable after insert. last_seen is clamped so a
// stale batch can never move it backwards.
func (t *sqlTx) UpdateAsset(ctx context.Context, asset *types.Asset) error {
	attrsJSON, err := json.Marshal(asset.Attributes)
	if err != nil {
		return fmt.Errorf("failed to marshal attributes: %w", err)
	}

	query := `
		UPDATE assets SET
			status = :status,
			last_seen = GREATEST(last_seen, :last_seen),
			attributes = :attributes,
			updated_at = :updated_at
		WHERE id = :id
	`

	args := map[string]interface{}{
		"id":         asset.ID,
		"status":     asset.Status,
		"last_seen":  asset.LastSeen,
		"attributes": string(attrsJSON),
		"updated_at": time.Now().UTC(),
	}

	_, err = t.tx.NamedExecContext(ctx, query, args)
	if err != nil {
		t.logger.LogError(ctx, err, "database.tx.UpdateAsset", "asset_id", asset.ID)
	}
	return err
}

func (t *sqlTx) GetPort(ctx context.Context, assetID string, portNumber int, protocol types.Protocol) (*types.Port, error) {
	var port types.Port
	query := `
		SELECT * FROM ports
		WHERE asset_id = $1 AND port_number = $2 AND protocol = $3
		FOR UPDATE
	`
	err := t.tx.GetContext(ctx, &port, query, assetID, portNumber, protocol)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("port (%s, %d, %s): %w", assetID, portNumber, protocol, ErrNotFound)
		}
		return nil, err
	}
	return &port, nil
}

func (t *sqlTx) InsertPort(ctx context.Context, port *types.Port) error {
	query := `
		INSERT INTO ports (
			id, asset_id, port_number, protocol, status, service_name,
			banner, first_seen, last_seen, created_at, updated_at
		) VALUES (
			:id, :asset_id, :port_number, :protocol, :status, :service_name,
			:banner, :first_seen, :last_seen, :created_at, :updated_at
		)
	`

	_, err := t.tx.NamedExecContext(ctx, query, port)
	if err != nil {
		t.logger.LogError(ctx, err, "database.tx.InsertPort",
			"asset_id", port.AssetID,
			"port_number", port.PortNumber,
		)
	}
	return err
}

// UpdatePort applies latest-wins semantics: status, service, and banner
// reflect the newest observation. first_seen stays put.
func (t *sqlTx) UpdatePort(ctx context.Context, port *types.Port) error {
	query := `
		UPDATE ports SET
			status = :status,
			service_name = :service_name,
			banner = :banner,
			last_seen = GREATEST(last_seen, :last_seen),
			updated_at = :updated_at
		WHERE id = :id
	`

	args := map[string]interface{}{
		"id":           port.ID,
		"status":       port.Status,
		"service_name": port.ServiceName,
		"banner":       port.Banner,
		"last_seen":    port.LastSeen,
		"updated_at":   time.Now().UTC(),
	}

	_, err := t.tx.NamedExecContext(ctx, query, args)
	if err != nil {
		t.logger.LogError(ctx, err, "database.tx.UpdatePort", "port_id", port.ID)
	}
	return err
}

func (t *sqlTx) GetTechnologiesByName(ctx context.Context, assetID string, name string) ([]*types.Technology, error) {
	techs := []*types.Technology{}
	query := `
		SELECT * FROM technologies
		WHERE asset_id = $1 AND name = $2
		ORDER BY version
		FOR UPDATE
	`
	if err := t.tx.SelectContext(ctx, &techs, query, assetID, name); err != nil {
		return nil, err
	}
	return techs, nil
}

func (t *sqlTx) InsertTechnology(ctx context.Context, tech *types.Technology) error {
	query := `
		INSERT INTO technologies (
			id, asset_id, name, version, category, evidence,
			first_seen, last_seen, created_at, updated_at
		) VALUES (
			:id, :asset_id, :name, :version, :category, :evidence,
			:first_seen, :last_seen, :created_at, :updated_at
		)
	`

	_, err := t.tx.NamedExecContext(ctx, query, tech)
	if err != nil {
		t.logger.LogError(ctx, err, "database.tx.InsertTechnology",
			"asset_id", tech.AssetID,
			"name", tech.Name,
		)
	}
	return err
}

func (t *sqlTx) TouchTechnology(ctx context.Context, id string, seen time.Time) error {
	query := `
		UPDATE technologies SET
			last_seen = GREATEST(last_seen, $2),
			updated_at = NOW()
		WHERE id = $1
	`

	_, err := t.tx.ExecContext(ctx, query, id, seen)
	if err != nil {
		t.logger.LogError(ctx, err, "database.tx.TouchTechnology", "technology_id", id)
	}
	return err
}

// FindOpenVulnerability matches by CVE when present, otherwise by title.
// Only OPEN rows are candidates: a resolved vulnerability that reappears
// becomes a new record.
func (t *sqlTx) FindOpenVulnerability(ctx context.Context, assetID string, cveID string, title string) (*types.Vulnerability, error) {
	var vuln types.Vulnerability
	var err error

	if cveID != "" {
		query := `
			SELECT * FROM vulnerabilities
			WHERE asset_id = $1 AND cve_id = $2 AND status = 'OPEN'
			ORDER BY first_seen
			LIMIT 1
			FOR UPDATE
		`
		err = t.tx.GetContext(ctx, &vuln, query, assetID, cveID)
	} else {
		query := `
			SELECT * FROM vulnerabilities
			WHERE asset_id = $1 AND cve_id = '' AND title = $2 AND status = 'OPEN'
			ORDER BY first_seen
			LIMIT 1
			FOR UPDATE
		`
		err = t.tx.GetContext(ctx, &vuln, query, assetID, title)
	}

	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("open vulnerability (%s, %s, %s): %w", assetID, cveID, title, ErrNotFound)
		}
		return nil, err
	}
	return &vuln, nil
}

func (t *sqlTx) InsertVulnerability(ctx context.Context, vuln *types.Vulnerability) error {
	query := `
		INSERT INTO vulnerabilities (
			id, asset_id, port_id, cve_id, title, description, severity,
			cvss_score, status, evidence, remediation, first_seen, last_seen,
			resolved_at, created_at, updated_at
		) VALUES (
			:id, :asset_id, :port_id, :cve_id, :title, :description, :severity,
			:cvss_score, :status, :evidence, :remediation, :first_seen, :last_seen,
			:resolved_at, :created_at, :updated_at
		)
	`

	_, err := t.tx.NamedExecContext(ctx, query, vuln)
	if err != nil {
		t.logger.LogError(ctx, err, "database.tx.InsertVulnerability",
			"asset_id", vuln.AssetID,
			"title", vuln.Title,
		)
	}
	return err
}

func (t *sqlTx) UpdateVulnerability(ctx context.Context, vuln *types.Vulnerability) error {
	query := `
		UPDATE vulnerabilities SET
			port_id = :port_id,
			severity = :severity,
			cvss_score = :cvss_score,
			description = :description,
			evidence = :evidence,
			remediation = :remediation,
			last_seen = GREATEST(last_seen, :last_seen),
			updated_at = :updated_at
		WHERE id = :id
	`

	args := map[string]interface{}{
		"id":          vuln.ID,
		"port_id":     vuln.PortID,
		"severity":    vuln.Severity,
		"cvss_score":  vuln.CVSSScore,
		"description": vuln.Description,
		"evidence":    vuln.Evidence,
		"remediation": vuln.Remediation,
		"last_seen":   vuln.LastSeen,
		"updated_at":  time.Now().UTC(),
	}

	_, err := t.tx.NamedExecContext(ctx, query, args)
	if err != nil {
		t.logger.LogError(ctx, err, "database.tx.UpdateVulnerability", "vulnerability_id", vuln.ID)
	}
	return err
}

// LinkJobAsset is idempotent: re-linking the same pair is a no-op.
func (t *sqlTx) LinkJobAsset(ctx context.Context, jobID string, assetID string) error {
	query := `
		INSERT INTO job_asset_links (job_id, asset_id, created_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (job_id, asset_id) DO NOTHING
	`

	_, err := t.tx.ExecContext(ctx, query, jobID, assetID)
	if err != nil {
		t.logger.LogError(ctx, err, "database.tx.LinkJobAsset",
			"job_id", jobID,
			"asset_id", assetID,
		)
	}
	return err
}
