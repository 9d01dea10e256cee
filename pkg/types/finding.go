package types

// Raw probe output. Each probe fills the slices relevant to its protocol and
// the normalizer converts them into canonical findings.

type DiscoveredIP struct {
	Address string `json:"address"`
	Source  string `json:"source"`
}

type DiscoveredDomain struct {
	Name   string `json:"name"`
	Source string `json:"source"`
}

type DiscoveredPort struct {
	Address     string     `json:"address"`
	Port        int        `json:"port"`
	Protocol    Protocol   `json:"protocol"`
	Status      PortStatus `json:"status"`
	ServiceName string     `json:"service_name,omitempty"`
	Banner      string     `json:"banner,omitempty"`
	Source      string     `json:"source"`
}

type DiscoveredWebResource struct {
	URL          string                 `json:"url"`
	StatusCode   int                    `json:"status_code"`
	Title        string                 `json:"title,omitempty"`
	Technologies []DiscoveredTechnology `json:"technologies,omitempty"`
	Source       string                 `json:"source"`
}

type DiscoveredTechnology struct {
	Name     string `json:"name"`
	Version  string `json:"version,omitempty"`
	Category string `json:"category,omitempty"`
	Evidence string `json:"evidence,omitempty"`
}

type DiscoveredCertificate struct {
	SubjectCN    string   `json:"subject_cn"`
	SANs         []string `json:"sans,omitempty"`
	Issuer       string   `json:"issuer,omitempty"`
	SerialNumber string   `json:"serial_number,omitempty"`
	NotBefore    string   `json:"not_before,omitempty"`
	NotAfter     string   `json:"not_after,omitempty"`
	Source       string   `json:"source"`
}

type DiscoveredVulnerability struct {
	Target      string   `json:"target"`
	Port        int      `json:"port,omitempty"`
	Protocol    Protocol `json:"protocol,omitempty"`
	Title       string   `json:"title"`
	Description string   `json:"description,omitempty"`
	CVEID       string   `json:"cve_id,omitempty"`
	CVSSScore   *float64 `json:"cvss_score,omitempty"`
	Severity    string   `json:"severity"`
	Evidence    string   `json:"evidence,omitempty"`
	Remediation string   `json:"remediation,omitempty"`
	Source      string   `json:"source"`
}

// DiscoveryResult is the consolidated output of one probe execution.
type DiscoveryResult struct {
	IPs             []DiscoveredIP            `json:"ips,omitempty"`
	Domains         []DiscoveredDomain        `json:"domains,omitempty"`
	Ports           []DiscoveredPort          `json:"ports,omitempty"`
	WebResources    []DiscoveredWebResource   `json:"web_resources,omitempty"`
	Certificates    []DiscoveredCertificate   `json:"certificates,omitempty"`
	Vulnerabilities []DiscoveredVulnerability `json:"vulnerabilities,omitempty"`
	Metadata        map[string]string         `json:"metadata,omitempty"`
}

func NewDiscoveryResult() *DiscoveryResult {
	return &DiscoveryResult{Metadata: map[string]string{}}
}

// Merge folds another result into this one. Deduplication is the
// reconciler's job, not the probe's.
func (r *DiscoveryResult) Merge(other *DiscoveryResult) {
	if other == nil {
		return
	}
	r.IPs = append(r.IPs, other.IPs...)
	r.Domains = append(r.Domains, other.Domains...)
	r.Ports = append(r.Ports, other.Ports...)
	r.WebResources = append(r.WebResources, other.WebResources...)
	r.Certificates = append(r.Certificates, other.Certificates...)
	r.Vulnerabilities = append(r.Vulnerabilities, other.Vulnerabilities...)
	if r.Metadata == nil && len(other.Metadata) > 0 {
		r.Metadata = map[string]string{}
	}
	for k, v := range other.Metadata {
		r.Metadata[k] = v
	}
}

// Empty reports whether the probe produced no findings at all.
func (r *DiscoveryResult) Empty() bool {
	return len(r.IPs) == 0 && len(r.Domains) == 0 && len(r.Ports) == 0 &&
		len(r.WebResources) == 0 && len(r.Certificates) == 0 && len(r.Vulnerabilities) == 0
}

// Canonical findings: the normalizer's output, consumed by the reconciler.

type AssetFinding struct {
	AssetType  AssetType              `json:"asset_type"`
	Value      string                 `json:"value"`
	Attributes map[string]interface{} `json:"attributes,omitempty"`
	Source     string                 `json:"source"`
}

type PortFinding struct {
	Address     string     `json:"address"`
	PortNumber  int        `json:"port_number"`
	Protocol    Protocol   `json:"protocol"`
	Status      PortStatus `json:"status"`
	ServiceName string     `json:"service_name,omitempty"`
	Banner      string     `json:"banner,omitempty"`
}

type TechnologyFinding struct {
	AssetType  AssetType `json:"asset_type"`
	AssetValue string    `json:"asset_value"`
	Name       string    `json:"name"`
	Version    string    `json:"version,omitempty"`
	Category   string    `json:"category,omitempty"`
	Evidence   string    `json:"evidence,omitempty"`
}

type VulnerabilityFinding struct {
	AssetType   AssetType `json:"asset_type"`
	AssetValue  string    `json:"asset_value"`
	PortNumber  int       `json:"port_number,omitempty"`
	Protocol    Protocol  `json:"protocol,omitempty"`
	Title       string    `json:"title"`
	Description string    `json:"description,omitempty"`
	CVEID       string    `json:"cve_id,omitempty"`
	CVSSScore   *float64  `json:"cvss_score,omitempty"`
	Severity    Severity  `json:"severity"`
	Evidence    string    `json:"evidence,omitempty"`
	Remediation string    `json:"remediation,omitempty"`
}

// DroppedFinding records a raw value the normalizer refused, with the reason.
// Dropped findings are logged, never silently discarded.
type DroppedFinding struct {
	Kind   string `json:"kind"`
	Value  string `json:"value"`
	Reason string `json:"reason"`
}

// NormalizedBatch is everything one job contributes to the inventory,
// reconciled in a single transaction.
type NormalizedBatch struct {
	Assets          []AssetFinding         `json:"assets"`
	Ports           []PortFinding          `json:"ports"`
	Technologies    []TechnologyFinding    `json:"technologies"`
	Vulnerabilities []VulnerabilityFinding `json:"vulnerabilities"`
	Dropped         []DroppedFinding       `json:"dropped,omitempty"`
}

func (b *NormalizedBatch) Empty() bool {
	return len(b.Assets) == 0 && len(b.Ports) == 0 && len(b.Technologies) == 0 && len(b.Vulnerabilities) == 0
}
