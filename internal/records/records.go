// Package records holds the licensing record shapes that flow through an
// ingestion run: raw source records, resolved records and rejections.
package records

import "strings"

type Source string

const (
	SourceCSLB Source = "cslb"
	SourceDCA  Source = "dca"
)

// ParseSource accepts the source names used by the API and configuration.
func ParseSource(s string) (Source, bool) {
	switch Source(strings.ToLower(strings.TrimSpace(s))) {
	case SourceCSLB:
		return SourceCSLB, true
	case SourceDCA:
		return SourceDCA, true
	}
	return "", false
}

// Details are the descriptive columns every source can provide. Empty values
// are allowed; only agency name, ZIP and license number drive resolution.
type Details struct {
	BusinessName   string
	Street         string
	City           string
	State          string
	Phone          string
	IssueDate      string
	ExpirationDate string
	Status         string
	Category       string
	AgencyURL      string
}

// RawRecord is one record as received from a source. Implementations are
// value types and must not be mutated after parsing.
type RawRecord interface {
	Source() Source
	AgencyName() string
	ZipCode() string
	LicenseNumber() string
	Details() Details
	// Fields returns the source columns as received, for audit storage.
	Fields() map[string]string
}

// RegionScoped is implemented by records whose agency follows from the region
// of their ZIP instead of an agency name.
type RegionScoped interface {
	AgencyByRegion() bool
}

// AgencyByRegion reports whether r resolves its agency through its region.
func AgencyByRegion(r RawRecord) bool {
	rs, ok := r.(RegionScoped)
	return ok && rs.AgencyByRegion()
}

// ResolvedRecord is a raw record plus the canonical identifiers it resolved to.
type ResolvedRecord struct {
	Raw      RawRecord
	AgencyID string
	RegionID string
	// Zip is the normalized five digit ZIP used for the lookup.
	Zip string
}

// UUID is the natural identity of a committed license record.
func (r ResolvedRecord) UUID() string {
	return r.AgencyID + strings.TrimSpace(r.Raw.LicenseNumber())
}

type ReasonCode string

const (
	ReasonMissingAgencyMapping ReasonCode = "missing_agency_mapping"
	ReasonMissingZipMapping    ReasonCode = "missing_zip_mapping"
	ReasonAmbiguousMapping     ReasonCode = "ambiguous_mapping"
	ReasonInvalidFormat        ReasonCode = "invalid_format"
)

// RejectedRecord is kept for reporting; a rejection is never discarded.
type RejectedRecord struct {
	Raw RawRecord
	// Reason is the primary cause; Reasons lists every cause detected.
	Reason            ReasonCode
	Reasons           []ReasonCode
	RawAgencyNameSeen string
	RawZipSeen        string
	Detail            string
}
