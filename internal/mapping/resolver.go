package mapping

import (
	"errors"
	"fmt"
	"strings"

	"github.com/Visual-Knowledge-LLC/california-collectors/internal/errs"
)

// Lookup is the read side of the mapping store.
type Lookup interface {
	LookupZip(code string) (string, error)
	LookupAgency(name string) (string, error)
	LookupRegionAgency(regionID string) (string, error)
}

type MissKind string

const (
	MissAgency          MissKind = "missing_agency"
	MissZip             MissKind = "missing_zip"
	MissAmbiguousAgency MissKind = "ambiguous_agency"
	MissAmbiguousZip    MissKind = "ambiguous_zip"
	MissInvalidZip      MissKind = "invalid_zip"
)

type Miss struct {
	Kind MissKind
	Key  string
	Err  error
}

// ResolveError carries every miss found for one record. errors.Is matches
// any of the underlying sentinels.
type ResolveError struct {
	Misses []Miss
}

func (e *ResolveError) Error() string {
	parts := make([]string, 0, len(e.Misses))
	for _, m := range e.Misses {
		parts = append(parts, fmt.Sprintf("%s %q", m.Kind, m.Key))
	}
	return "resolve: " + strings.Join(parts, "; ")
}

func (e *ResolveError) Unwrap() []error {
	out := make([]error, 0, len(e.Misses))
	for _, m := range e.Misses {
		out = append(out, m.Err)
	}
	return out
}

// Has reports whether any miss is of kind k.
func (e *ResolveError) Has(k MissKind) bool {
	for _, m := range e.Misses {
		if m.Kind == k {
			return true
		}
	}
	return false
}

// Resolution is what a record resolved to. On error it holds whatever part
// did resolve.
type Resolution struct {
	AgencyID string
	RegionID string
	Zip      string
}

// Resolver combines an agency lookup and a ZIP lookup. It is stateless and
// safe for concurrent use as long as the underlying store is.
type Resolver struct {
	store Lookup
}

func NewResolver(store Lookup) *Resolver {
	return &Resolver{store: store}
}

// Resolve looks up both keys. It does not stop at the first miss, so a record
// with an unknown agency and an unknown ZIP reports both.
func (r *Resolver) Resolve(rawAgencyName, rawZip string) (Resolution, error) {
	var (
		res    Resolution
		misses []Miss
	)

	agencyID, err := r.store.LookupAgency(rawAgencyName)
	if miss, ok := agencyMiss(rawAgencyName, err); ok {
		misses = append(misses, miss)
	} else {
		res.AgencyID = agencyID
	}

	misses = r.resolveZip(&res, rawZip, misses)

	if len(misses) > 0 {
		return res, &ResolveError{Misses: misses}
	}
	return res, nil
}

// ResolveInRegion resolves a record whose agency is fixed by its region: the
// ZIP gives the region and the region gives the agency. When the ZIP does not
// resolve there is no region to look up, so only the ZIP miss is reported.
func (r *Resolver) ResolveInRegion(rawZip string) (Resolution, error) {
	var res Resolution
	misses := r.resolveZip(&res, rawZip, nil)

	if res.RegionID != "" {
		agencyID, err := r.store.LookupRegionAgency(res.RegionID)
		if miss, ok := agencyMiss(res.RegionID, err); ok {
			misses = append(misses, miss)
		} else {
			res.AgencyID = agencyID
		}
	}

	if len(misses) > 0 {
		return res, &ResolveError{Misses: misses}
	}
	return res, nil
}

func agencyMiss(key string, err error) (Miss, bool) {
	switch {
	case err == nil:
		return Miss{}, false
	case errors.Is(err, errs.ErrAmbiguousMapping):
		return Miss{Kind: MissAmbiguousAgency, Key: key, Err: err}, true
	default:
		return Miss{Kind: MissAgency, Key: key, Err: err}, true
	}
}

func (r *Resolver) resolveZip(res *Resolution, rawZip string, misses []Miss) []Miss {
	zip, ok := NormalizeZip(rawZip)
	if !ok {
		misses = append(misses, Miss{
			Kind: MissInvalidZip,
			Key:  rawZip,
			Err:  fmt.Errorf("zip %q: %w", rawZip, errs.ErrInvalidFormat),
		})
	} else {
		res.Zip = zip
		regionID, err := r.store.LookupZip(zip)
		switch {
		case err == nil:
			res.RegionID = regionID
		case errors.Is(err, errs.ErrAmbiguousMapping):
			misses = append(misses, Miss{Kind: MissAmbiguousZip, Key: zip, Err: err})
		default:
			misses = append(misses, Miss{Kind: MissZip, Key: zip, Err: err})
		}
	}
	return misses
}
