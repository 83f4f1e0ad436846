package normalizer

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/Visual-Knowledge-LLC/california-collectors/internal/errs"
	"github.com/Visual-Knowledge-LLC/california-collectors/internal/mapping"
	"github.com/Visual-Knowledge-LLC/california-collectors/internal/metrics"
	"github.com/Visual-Knowledge-LLC/california-collectors/internal/records"
)

type Resolver interface {
	Resolve(rawAgencyName, rawZip string) (mapping.Resolution, error)
	ResolveInRegion(rawZip string) (mapping.Resolution, error)
}

// Normalizer sends raw records through the resolver. It never writes to the
// mapping store.
type Normalizer struct {
	resolver Resolver
	logger   *logrus.Entry
	metrics  *metrics.Metrics
}

type Option func(*Normalizer)

func WithLogger(logger *logrus.Entry) Option {
	return func(n *Normalizer) {
		if logger != nil {
			n.logger = logger
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(n *Normalizer) {
		n.metrics = m
	}
}

func New(resolver Resolver, opts ...Option) *Normalizer {
	discard := logrus.New()
	discard.SetOutput(io.Discard)

	n := &Normalizer{
		resolver: resolver,
		logger:   logrus.NewEntry(discard),
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// Normalize splits raw into resolved and rejected records. Both outputs keep
// input order, and every input record lands in exactly one of them.
func (n *Normalizer) Normalize(raw []records.RawRecord) ([]records.ResolvedRecord, []records.RejectedRecord) {
	resolved := make([]records.ResolvedRecord, 0, len(raw))
	var rejected []records.RejectedRecord

	for _, rec := range raw {
		r, rej, ok := n.normalizeOne(rec)
		if ok {
			resolved = append(resolved, r)
			n.metrics.IncResolved()
			continue
		}
		rejected = append(rejected, rej)
		n.metrics.IncRejected(string(rej.Reason))
		n.logRejection(rej)
	}
	return resolved, rejected
}

func (n *Normalizer) normalizeOne(rec records.RawRecord) (records.ResolvedRecord, records.RejectedRecord, bool) {
	var (
		reasons []records.ReasonCode
		details []string
	)

	if err := validateLicense(rec.LicenseNumber()); err != nil {
		reasons = append(reasons, records.ReasonInvalidFormat)
		details = append(details, err.Error())
	}

	var (
		res mapping.Resolution
		err error
	)
	if records.AgencyByRegion(rec) {
		res, err = n.resolver.ResolveInRegion(rec.ZipCode())
	} else {
		res, err = n.resolver.Resolve(rec.AgencyName(), rec.ZipCode())
	}
	if err != nil {
		reasons = append(reasons, reasonsFor(err)...)
		details = append(details, err.Error())
	}

	if len(reasons) > 0 {
		return records.ResolvedRecord{}, records.RejectedRecord{
			Raw:               rec,
			Reason:            primary(reasons),
			Reasons:           reasons,
			RawAgencyNameSeen: rec.AgencyName(),
			RawZipSeen:        rec.ZipCode(),
			Detail:            strings.Join(details, "; "),
		}, false
	}

	return records.ResolvedRecord{
		Raw:      rec,
		AgencyID: res.AgencyID,
		RegionID: res.RegionID,
		Zip:      res.Zip,
	}, records.RejectedRecord{}, true
}

func validateLicense(license string) error {
	v := strings.TrimSpace(license)
	switch strings.ToLower(v) {
	case "", "nan", "none", "null":
		return fmt.Errorf("license number %q: %w", license, errs.ErrInvalidFormat)
	}
	return nil
}

func reasonsFor(err error) []records.ReasonCode {
	var re *mapping.ResolveError
	if !errors.As(err, &re) {
		return []records.ReasonCode{records.ReasonInvalidFormat}
	}
	out := make([]records.ReasonCode, 0, len(re.Misses))
	for _, m := range re.Misses {
		switch m.Kind {
		case mapping.MissAgency:
			out = append(out, records.ReasonMissingAgencyMapping)
		case mapping.MissZip:
			out = append(out, records.ReasonMissingZipMapping)
		case mapping.MissAmbiguousAgency, mapping.MissAmbiguousZip:
			out = append(out, records.ReasonAmbiguousMapping)
		case mapping.MissInvalidZip:
			out = append(out, records.ReasonInvalidFormat)
		}
	}
	return out
}

var precedence = []records.ReasonCode{
	records.ReasonInvalidFormat,
	records.ReasonAmbiguousMapping,
	records.ReasonMissingAgencyMapping,
	records.ReasonMissingZipMapping,
}

func primary(reasons []records.ReasonCode) records.ReasonCode {
	for _, p := range precedence {
		for _, r := range reasons {
			if r == p {
				return p
			}
		}
	}
	return reasons[0]
}

func (n *Normalizer) logRejection(rej records.RejectedRecord) {
	entry := n.logger.WithFields(logrus.Fields{
		"source":         rej.Raw.Source(),
		"license_number": rej.Raw.LicenseNumber(),
		"reason":         rej.Reason,
		"agency_name":    rej.RawAgencyNameSeen,
		"zip":            rej.RawZipSeen,
	})
	if rej.Reason == records.ReasonAmbiguousMapping {
		entry.Error("record rejected: ambiguous mapping")
		return
	}
	entry.Warn("record rejected")
}
