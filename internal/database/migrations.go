package database

// schema is applied on startup. Every statement is idempotent so repeated
// starts against the same database are safe.
//
// Natural keys are enforced here, not in application code:
//   assets        (organization_id, asset_type, value)
//   ports         (asset_id, port_number, protocol)
//   technologies  (asset_id, name, version)
const schema = `
CREATE TABLE IF NOT EXISTS organizations (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	domain TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS users (
	id TEXT PRIMARY KEY,
	organization_id TEXT NOT NULL REFERENCES organizations(id) ON DELETE CASCADE,
	email TEXT NOT NULL UNIQUE,
	password_hash TEXT NOT NULL,
	role TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS assets (
	id TEXT PRIMARY KEY,
	organization_id TEXT NOT NULL REFERENCES organizations(id) ON DELETE CASCADE,
	asset_type TEXT NOT NULL,
	value TEXT NOT NULL,
	status TEXT NOT NULL DEFAULT 'ACTIVE',
	first_seen TIMESTAMPTZ NOT NULL,
	last_seen TIMESTAMPTZ NOT NULL,
	attributes JSONB NOT NULL DEFAULT '{}',
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL,
	UNIQUE (organization_id, asset_type, value)
);

CREATE TABLE IF NOT EXISTS ports (
	id TEXT PRIMARY KEY,
	asset_id TEXT NOT NULL REFERENCES assets(id) ON DELETE CASCADE,
	port_number INTEGER NOT NULL,
	protocol TEXT NOT NULL,
	status TEXT NOT NULL,
	service_name TEXT NOT NULL DEFAULT '',
	banner TEXT NOT NULL DEFAULT '',
	first_seen TIMESTAMPTZ NOT NULL,
	last_seen TIMESTAMPTZ NOT NULL,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL,
	UNIQUE (asset_id, port_number, protocol)
);

CREATE TABLE IF NOT EXISTS technologies (
	id TEXT PRIMARY KEY,
	asset_id TEXT NOT NULL REFERENCES assets(id) ON DELETE CASCADE,
	name TEXT NOT NULL,
	version TEXT NOT NULL DEFAULT '',
	category TEXT NOT NULL DEFAULT '',
	evidence TEXT NOT NULL DEFAULT '',
	first_seen TIMESTAMPTZ NOT NULL,
	last_seen TIMESTAMPTZ NOT NULL,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL,
	UNIQUE (asset_id, name, version)
);

CREATE TABLE IF NOT EXISTS vulnerabilities (
	id TEXT PRIMARY KEY,
	asset_id TEXT NOT NULL REFERENCES assets(id) ON DELETE CASCADE,
	port_id TEXT REFERENCES ports(id) ON DELETE SET NULL,
	cve_id TEXT NOT NULL DEFAULT '',
	title TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	severity TEXT NOT NULL,
	cvss_score DOUBLE PRECISION,
	status TEXT NOT NULL DEFAULT 'OPEN',
	evidence TEXT NOT NULL DEFAULT '',
	remediation TEXT NOT NULL DEFAULT '',
	first_seen TIMESTAMPTZ NOT NULL,
	last_seen TIMESTAMPTZ NOT NULL,
	resolved_at TIMESTAMPTZ,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS discovery_jobs (
	id TEXT PRIMARY KEY,
	organization_id TEXT NOT NULL REFERENCES organizations(id) ON DELETE CASCADE,
	job_type TEXT NOT NULL,
	target TEXT NOT NULL,
	status TEXT NOT NULL DEFAULT 'PENDING',
	configuration JSONB NOT NULL DEFAULT '{}',
	logs TEXT NOT NULL DEFAULT '',
	error_message TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL,
	started_at TIMESTAMPTZ,
	completed_at TIMESTAMPTZ,
	updated_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS job_asset_links (
	job_id TEXT NOT NULL REFERENCES discovery_jobs(id) ON DELETE CASCADE,
	asset_id TEXT NOT NULL REFERENCES assets(id) ON DELETE CASCADE,
	created_at TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (job_id, asset_id)
);

CREATE INDEX IF NOT EXISTS idx_assets_org ON assets(organization_id);
CREATE INDEX IF NOT EXISTS idx_assets_type ON assets(asset_type);
CREATE INDEX IF NOT EXISTS idx_assets_last_seen ON assets(last_seen);
CREATE INDEX IF NOT EXISTS idx_ports_asset ON ports(asset_id);
CREATE INDEX IF NOT EXISTS idx_technologies_asset ON technologies(asset_id);
CREATE INDEX IF NOT EXISTS idx_vulnerabilities_asset ON vulnerabilities(asset_id);
CREATE INDEX IF NOT EXISTS idx_vulnerabilities_status ON vulnerabilities(status);
CREATE INDEX IF NOT EXISTS idx_jobs_org ON discovery_jobs(organization_id);
CREATE INDEX IF NOT EXISTS idx_jobs_status_created ON discovery_jobs(status, created_at);
CREATE INDEX IF NOT EXISTS idx_jobs_updated ON discovery_jobs(updated_at);
`
