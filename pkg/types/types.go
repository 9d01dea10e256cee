package types

import (
	"fmt"
	"strings"
)

type AssetType string

const (
	AssetTypeDomain      AssetType = "DOMAIN"
	AssetTypeIPAddress   AssetType = "IP_ADDRESS"
	AssetTypeWebApp      AssetType = "WEB_APP"
	AssetTypeCertificate AssetType = "CERTIFICATE"
	AssetTypeCodeRepo    AssetType = "CODE_REPO"
)

func (t AssetType) Valid() bool {
	switch t {
	case AssetTypeDomain, AssetTypeIPAddress, AssetTypeWebApp, AssetTypeCertificate, AssetTypeCodeRepo:
		return true
	}
	return false
}

type AssetStatus string

const (
	AssetStatusActive   AssetStatus = "ACTIVE"
	AssetStatusInactive AssetStatus = "INACTIVE"
	AssetStatusArchived AssetStatus = "ARCHIVED"
)

type Severity string

const (
	SeverityCritical Severity = "CRITICAL"
	SeverityHigh     Severity = "HIGH"
	SeverityMedium   Severity = "MEDIUM"
	SeverityLow      Severity = "LOW"
	SeverityInfo     Severity = "INFO"
)

// ParseSeverity maps free-form scanner output to a Severity, defaulting to INFO.
func ParseSeverity(s string) Severity {
	switch Severity(strings.ToUpper(strings.TrimSpace(s))) {
	case SeverityCritical:
		return SeverityCritical
	case SeverityHigh:
		return SeverityHigh
	case SeverityMedium:
		return SeverityMedium
	case SeverityLow:
		return SeverityLow
	}
	return SeverityInfo
}

type VulnerabilityStatus string

const (
	VulnStatusOpen          VulnerabilityStatus = "OPEN"
	VulnStatusClosed        VulnerabilityStatus = "CLOSED"
	VulnStatusAcceptedRisk  VulnerabilityStatus = "ACCEPTED_RISK"
	VulnStatusFalsePositive VulnerabilityStatus = "FALSE_POSITIVE"
)

func (s VulnerabilityStatus) Valid() bool {
	switch s {
	case VulnStatusOpen, VulnStatusClosed, VulnStatusAcceptedRisk, VulnStatusFalsePositive:
		return true
	}
	return false
}

type Protocol string

const (
	ProtocolTCP Protocol = "TCP"
	ProtocolUDP Protocol = "UDP"
)

func (p Protocol) Valid() bool {
	switch p {
	case ProtocolTCP, ProtocolUDP:
		return true
	}
	return false
}

type PortStatus string

const (
	PortStatusOpen     PortStatus = "OPEN"
	PortStatusClosed   PortStatus = "CLOSED"
	PortStatusFiltered PortStatus = "FILTERED"
)

type JobType string

const (
	JobTypeDNSEnum  JobType = "DNS_ENUM"
	JobTypePortScan JobType = "PORT_SCAN"
	JobTypeWebCrawl JobType = "WEB_CRAWL"
	JobTypeCertScan JobType = "CERT_SCAN"
)

// JobTypes is the closed set of probe types known at build time.
var JobTypes = []JobType{JobTypeDNSEnum, JobTypePortScan, JobTypeWebCrawl, JobTypeCertScan}

func (t JobType) Valid() bool {
	for _, known := range JobTypes {
		if t == known {
			return true
		}
	}
	return false
}

func ParseJobType(s string) (JobType, error) {
	t := JobType(strings.ToUpper(strings.TrimSpace(s)))
	for _, known := range JobTypes {
		if t == known {
			return t, nil
		}
	}
	return "", fmt.Errorf("unknown job type %q", s)
}

type JobStatus string

const (
	JobStatusPending   JobStatus = "PENDING"
	JobStatusRunning   JobStatus = "RUNNING"
	JobStatusCompleted JobStatus = "COMPLETED"
	JobStatusFailed    JobStatus = "FAILED"
)

// Terminal reports whether a job may never transition again.
func (s JobStatus) Terminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

type UserRole string

const (
	RoleAdmin    UserRole = "ADMIN"
	RoleManager  UserRole = "MANAGER"
	RoleAnalyst  UserRole = "ANALYST"
	RoleReadOnly UserRole = "READONLY"
)

func (r UserRole) CanAdmin() bool {
	return r == RoleAdmin
}

func (r UserRole) CanManageUsers() bool {
	return r == RoleAdmin || r == RoleManager
}

func (r UserRole) CanModifyAssets() bool {
	return r == RoleAdmin || r == RoleManager || r == RoleAnalyst
}

func (r UserRole) CanRunDiscovery() bool {
	return r.CanModifyAssets()
}
