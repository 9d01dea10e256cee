// Package reconciler merges normalized findings into the long-lived asset
// inventory. It owns merge policy; the storage layer owns the write-boundary
// invariants (natural-key uniqueness, monotone last_seen).
package reconciler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/edgescope/edgescope/internal/core"
	"github.com/edgescope/edgescope/internal/logger"
	"github.com/edgescope/edgescope/pkg/types"
)

// Summary counts what one batch changed. Inserted and updated are
// tracked separately because rediscovery is the common case and new
// inventory is the interesting one.
type Summary struct {
	AssetsCreated       int
	AssetsUpdated       int
	PortsCreated        int
	PortsUpdated        int
	TechnologiesCreated int
	TechnologiesUpdated int
	VulnerabilitiesNew  int
	VulnerabilitiesSeen int
	AssetsLinked        int
}

type Reconciler struct {
	repo    core.Repository
	logger  *logger.Logger
	metrics core.Telemetry
}

func New(repo core.Repository, log *logger.Logger, metrics core.Telemetry) *Reconciler {
	return &Reconciler{
		repo:    repo,
		logger:  log.WithComponent("reconciler"),
		metrics: metrics,
	}
}

// assetKey identifies an asset within one batch.
type assetKey struct {
	assetType types.AssetType
	value     string
}

// batchState carries per-batch bookkeeping through the merge steps.
type batchState struct {
	tx      core.Tx
	jobID   string
	orgID   string
	now     time.Time
	assets  map[assetKey]*types.Asset
	linked  map[string]bool
	summary Summary
}

// Reconcile applies one job's batch inside a single transaction. On any
// error the transaction is rolled back and nothing is written.
func (r *Reconciler) Reconcile(ctx context.Context, job *types.DiscoveryJob, batch *types.NormalizedBatch) (*Summary, error) {
	if batch == nil || batch.Empty() {
		return &Summary{}, nil
	}

	start := time.Now()
	ctx, span := r.logger.StartOperation(ctx, "reconciler.Reconcile",
		"job_id", job.ID,
		"organization_id", job.OrganizationID,
	)
	var opErr error
	defer func() {
		r.logger.FinishOperation(ctx, span, "reconciler.Reconcile", start, opErr)
	}()

	tx, err := r.repo.Begin(ctx)
	if err != nil {
		opErr = fmt.Errorf("beginning reconciliation transaction: %w", err)
		return nil, opErr
	}
	defer tx.Rollback()

	st := &batchState{
		tx:     tx,
		jobID:  job.ID,
		orgID:  job.OrganizationID,
		now:    time.Now().UTC(),
		assets: map[assetKey]*types.Asset{},
		linked: map[string]bool{},
	}

	for _, finding := range batch.Assets {
		if _, err := r.ensureAsset(ctx, st, finding.AssetType, finding.Value, finding.Attributes); err != nil {
			opErr = err
			return nil, err
		}
	}
	for _, finding := range batch.Ports {
		if err := r.mergePort(ctx, st, finding); err != nil {
			opErr = err
			return nil, err
		}
	}
	for _, finding := range batch.Technologies {
		if err := r.mergeTechnology(ctx, st, finding); err != nil {
			opErr = err
			return nil, err
		}
	}
	for _, finding := range batch.Vulnerabilities {
		if err := r.mergeVulnerability(ctx, st, finding); err != nil {
			opErr = err
			return nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		opErr = fmt.Errorf("committing reconciliation batch for job %s: %w", job.ID, err)
		return nil, opErr
	}

	r.logger.Infow("Batch reconciled",
		"job_id", job.ID,
		"assets_created", st.summary.AssetsCreated,
		"assets_updated", st.summary.AssetsUpdated,
		"ports_created", st.summary.PortsCreated,
		"ports_updated", st.summary.PortsUpdated,
		"technologies_created", st.summary.TechnologiesCreated,
		"technologies_updated", st.summary.TechnologiesUpdated,
		"vulnerabilities_new", st.summary.VulnerabilitiesNew,
		"vulnerabilities_seen", st.summary.VulnerabilitiesSeen,
		"duration", time.Since(start).String(),
	)
	return &st.summary, nil
}

// ensureAsset upserts the asset identified by (org, type, value) and
// links it to the job. Results are cached so later findings in the same
// batch reuse the row.
func (r *Reconciler) ensureAsset(ctx context.Context, st *batchState, assetType types.AssetType, value string, attrs map[string]interface{}) (*types.Asset, error) {
	key := assetKey{assetType: assetType, value: value}
	if cached, ok := st.assets[key]; ok {
		if len(attrs) > 0 {
			cached.Attributes = mergeAttributes(cached.Attributes, attrs)
			cached.LastSeen = st.now
			if err := st.tx.UpdateAsset(ctx, cached); err != nil {
				return nil, fmt.Errorf("updating asset (%s, %s): %w", assetType, value, err)
			}
		}
		return cached, nil
	}

	asset, err := st.tx.GetAssetByNaturalKey(ctx, st.orgID, assetType, value)
	switch {
	case err == nil:
		asset.Attributes = mergeAttributes(asset.Attributes, attrs)
		asset.LastSeen = st.now
		if asset.Status == types.AssetStatusInactive {
			asset.Status = types.AssetStatusActive
		}
		if err := st.tx.UpdateAsset(ctx, asset); err != nil {
			return nil, fmt.Errorf("updating asset (%s, %s): %w", assetType, value, err)
		}
		st.summary.AssetsUpdated++
	case errors.Is(err, core.ErrNotFound):
		asset = types.NewAsset(st.orgID, assetType, value, attrs)
		asset.FirstSeen = st.now
		asset.LastSeen = st.now
		if err := st.tx.InsertAsset(ctx, asset); err != nil {
			return nil, fmt.Errorf("inserting asset (%s, %s): %w", assetType, value, err)
		}
		st.summary.AssetsCreated++
		if r.metrics != nil {
			r.metrics.RecordFinding(assetType)
		}
	default:
		return nil, fmt.Errorf("looking up asset (%s, %s): %w", assetType, value, err)
	}

	st.assets[key] = asset
	if !st.linked[asset.ID] {
		if err := st.tx.LinkJobAsset(ctx, st.jobID, asset.ID); err != nil {
			return nil, fmt.Errorf("linking job %s to asset %s: %w", st.jobID, asset.ID, err)
		}
		st.linked[asset.ID] = true
		st.summary.AssetsLinked++
	}
	return asset, nil
}

// mergePort applies the latest-wins rule: service_name, banner, and
// status reflect the most recent observation.
func (r *Reconciler) mergePort(ctx context.Context, st *batchState, finding types.PortFinding) error {
	asset, err := r.ensureAsset(ctx, st, types.AssetTypeIPAddress, finding.Address, nil)
	if err != nil {
		return err
	}

	port, err := st.tx.GetPort(ctx, asset.ID, finding.PortNumber, finding.Protocol)
	switch {
	case err == nil:
		port.ServiceName = finding.ServiceName
		port.Banner = finding.Banner
		port.Status = finding.Status
		port.LastSeen = st.now
		if err := st.tx.UpdatePort(ctx, port); err != nil {
			return fmt.Errorf("updating port (%s, %d, %s): %w", asset.ID, finding.PortNumber, finding.Protocol, err)
		}
		st.summary.PortsUpdated++
	case errors.Is(err, core.ErrNotFound):
		now := st.now
		port = &types.Port{
			ID:          uuid.New().String(),
			AssetID:     asset.ID,
			PortNumber:  finding.PortNumber,
			Protocol:    finding.Protocol,
			ServiceName: finding.ServiceName,
			Banner:      finding.Banner,
			Status:      finding.Status,
			FirstSeen:   now,
			LastSeen:    now,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		if err := st.tx.InsertPort(ctx, port); err != nil {
			return fmt.Errorf("inserting port (%s, %d, %s): %w", asset.ID, finding.PortNumber, finding.Protocol, err)
		}
		st.summary.PortsCreated++
	default:
		return fmt.Errorf("looking up port (%s, %d, %s): %w", asset.ID, finding.PortNumber, finding.Protocol, err)
	}
	return nil
}

// mergeTechnology preserves history across versioned and versionless
// observations of the same product: an exact (name, version) match is
// touched, a versionless finding touches the current row for the name,
// and a newly versioned finding gets its own row.
func (r *Reconciler) mergeTechnology(ctx context.Context, st *batchState, finding types.TechnologyFinding) error {
	asset, err := r.ensureAsset(ctx, st, finding.AssetType, finding.AssetValue, nil)
	if err != nil {
		return err
	}

	rows, err := st.tx.GetTechnologiesByName(ctx, asset.ID, finding.Name)
	if err != nil {
		return fmt.Errorf("looking up technology (%s, %s): %w", asset.ID, finding.Name, err)
	}

	if existing := matchTechnology(rows, finding.Version); existing != nil {
		if err := st.tx.TouchTechnology(ctx, existing.ID, st.now); err != nil {
			return fmt.Errorf("touching technology (%s, %s, %s): %w", asset.ID, finding.Name, existing.Version, err)
		}
		st.summary.TechnologiesUpdated++
		return nil
	}

	now := st.now
	tech := &types.Technology{
		ID:        uuid.New().String(),
		AssetID:   asset.ID,
		Name:      finding.Name,
		Version:   finding.Version,
		Category:  finding.Category,
		Evidence:  finding.Evidence,
		FirstSeen: now,
		LastSeen:  now,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := st.tx.InsertTechnology(ctx, tech); err != nil {
		return fmt.Errorf("inserting technology (%s, %s, %s): %w", asset.ID, finding.Name, finding.Version, err)
	}
	st.summary.TechnologiesCreated++
	return nil
}

// matchTechnology picks the existing row a finding refers to, or nil if
// the finding warrants a new row.
func matchTechnology(rows []*types.Technology, version string) *types.Technology {
	if version != "" {
		for _, row := range rows {
			if row.Version == version {
				return row
			}
		}
		// A versioned finding never overwrites a versionless row.
		return nil
	}

	// Versionless finding: the same entity as whichever row for this
	// name was seen most recently.
	var latest *types.Technology
	for _, row := range rows {
		if latest == nil || row.LastSeen.After(latest.LastSeen) {
			latest = row
		}
	}
	return latest
}

// mergeVulnerability matches against OPEN vulnerabilities only, by
// cve_id when present and title otherwise. Absence of a finding never
// closes anything.
func (r *Reconciler) mergeVulnerability(ctx context.Context, st *batchState, finding types.VulnerabilityFinding) error {
	asset, err := r.ensureAsset(ctx, st, finding.AssetType, finding.AssetValue, nil)
	if err != nil {
		return err
	}

	var portID *string
	if finding.PortNumber > 0 && finding.Protocol.Valid() {
		port, err := st.tx.GetPort(ctx, asset.ID, finding.PortNumber, finding.Protocol)
		if err == nil {
			portID = &port.ID
		} else if !errors.Is(err, core.ErrNotFound) {
			return fmt.Errorf("looking up port for vulnerability (%s, %d): %w", asset.ID, finding.PortNumber, err)
		}
	}

	existing, err := st.tx.FindOpenVulnerability(ctx, asset.ID, finding.CVEID, finding.Title)
	switch {
	case err == nil:
		existing.LastSeen = st.now
		existing.Evidence = mergeEvidence(existing.Evidence, finding.Evidence)
		if finding.Description != "" {
			existing.Description = finding.Description
		}
		if finding.CVSSScore != nil {
			existing.CVSSScore = finding.CVSSScore
		}
		existing.Severity = finding.Severity
		if portID != nil {
			existing.PortID = portID
		}
		if err := st.tx.UpdateVulnerability(ctx, existing); err != nil {
			return fmt.Errorf("updating vulnerability (%s, %s, %q): %w", asset.ID, finding.CVEID, finding.Title, err)
		}
		st.summary.VulnerabilitiesSeen++
	case errors.Is(err, core.ErrNotFound):
		now := st.now
		vuln := &types.Vulnerability{
			ID:          uuid.New().String(),
			AssetID:     asset.ID,
			PortID:      portID,
			Title:       finding.Title,
			Description: finding.Description,
			CVEID:       finding.CVEID,
			CVSSScore:   finding.CVSSScore,
			Severity:    finding.Severity,
			Status:      types.VulnStatusOpen,
			Evidence:    finding.Evidence,
			Remediation: finding.Remediation,
			FirstSeen:   now,
			LastSeen:    now,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		if err := st.tx.InsertVulnerability(ctx, vuln); err != nil {
			return fmt.Errorf("inserting vulnerability (%s, %s, %q): %w", asset.ID, finding.CVEID, finding.Title, err)
		}
		st.summary.VulnerabilitiesNew++
	default:
		return fmt.Errorf("matching vulnerability (%s, %s, %q): %w", asset.ID, finding.CVEID, finding.Title, err)
	}
	return nil
}

// mergeAttributes overlays incoming keys onto existing ones. Keys absent
// from the new finding keep their old values.
func mergeAttributes(existing, incoming map[string]interface{}) map[string]interface{} {
	if existing == nil {
		existing = map[string]interface{}{}
	}
	for k, v := range incoming {
		existing[k] = v
	}
	return existing
}

// mergeEvidence appends newly observed evidence without duplicating it.
func mergeEvidence(existing, incoming string) string {
	incoming = strings.TrimSpace(incoming)
	if incoming == "" {
		return existing
	}
	if existing == "" {
		return incoming
	}
	if strings.Contains(existing, incoming) {
		return existing
	}
	return existing + "\n" + incoming
}
