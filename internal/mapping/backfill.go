package mapping

import (
	"sort"
)

// BackfillEntry is one requested mapping, as submitted by an operator or
// derived from historical data.
type BackfillEntry struct {
	Set         Set    `json:"set" binding:"required"`
	RawKey      string `json:"raw_key" binding:"required"`
	CanonicalID string `json:"canonical_id" binding:"required"`
}

type BackfillFailure struct {
	Entry BackfillEntry `json:"entry"`
	Error string        `json:"error"`
}

// BackfillReport counts the outcome per entry. Conflicts lists the keys of
// the touched sets that still have more than one canonical id once every
// entry has been applied; lookups on them keep failing as ambiguous.
type BackfillReport struct {
	Inserted  int               `json:"inserted"`
	Unchanged int               `json:"unchanged"`
	Corrected int               `json:"corrected"`
	Failed    []BackfillFailure `json:"failed,omitempty"`
	Conflicts []Conflict        `json:"conflicts"`
	Changes   []Change          `json:"-"`
}

// Backfill upserts every entry in order. Invalid entries are reported and
// skipped; they do not stop the rest.
func (s *Store) Backfill(entries []BackfillEntry, source EntrySource) BackfillReport {
	var (
		report  BackfillReport
		touched = make(map[Set]bool)
	)
	for _, e := range entries {
		touched[e.Set] = true
		change, err := s.Upsert(e.Set, e.RawKey, e.CanonicalID, source)
		if err != nil {
			report.Failed = append(report.Failed, BackfillFailure{Entry: e, Error: err.Error()})
			continue
		}
		switch change.Action {
		case ActionInserted:
			report.Inserted++
		case ActionUnchanged:
			report.Unchanged++
		case ActionCorrected:
			report.Corrected++
		}
		if change.Action != ActionUnchanged {
			report.Changes = append(report.Changes, change)
		}
	}

	report.Conflicts = []Conflict{}
	for _, set := range []Set{SetZip, SetAgency, SetRegionAgency} {
		if touched[set] {
			report.Conflicts = append(report.Conflicts, s.Conflicts(set)...)
		}
	}
	return report
}

// KeyCount is a normalized key with the number of records that carried it.
type KeyCount struct {
	Key     string `json:"key"`
	RawKey  string `json:"raw_key"`
	Records int    `json:"records"`
}

// Coverage reports how much of an observed key population a set can resolve.
type Coverage struct {
	Set             Set        `json:"set"`
	Mapped          int        `json:"mapped_keys"`
	Missing         []KeyCount `json:"missing"`
	Ambiguous       []KeyCount `json:"ambiguous"`
	MappedRecords   int        `json:"mapped_records"`
	UnmappedRecords int        `json:"unmapped_records"`
	TotalRecords    int        `json:"total_records"`
	CoveragePercent float64    `json:"coverage_percent"`
}

// Coverage checks observed raw keys, with their record counts, against set.
// Raw keys that normalize to the same key are counted together.
func (s *Store) Coverage(set Set, observed map[string]int) Coverage {
	grouped := make(map[string]*KeyCount)
	for raw, n := range observed {
		key, err := keyFor(set, raw)
		if err != nil {
			key = NormalizeKey(raw)
		}
		if kc, ok := grouped[key]; ok {
			kc.Records += n
			if raw < kc.RawKey {
				kc.RawKey = raw
			}
			continue
		}
		grouped[key] = &KeyCount{Key: key, RawKey: raw, Records: n}
	}

	cov := Coverage{Set: set}

	s.mu.RLock()
	for key, kc := range grouped {
		cov.TotalRecords += kc.Records
		switch len(s.sets[set][key]) {
		case 0:
			cov.Missing = append(cov.Missing, *kc)
			cov.UnmappedRecords += kc.Records
		case 1:
			cov.Mapped++
			cov.MappedRecords += kc.Records
		default:
			cov.Ambiguous = append(cov.Ambiguous, *kc)
			cov.UnmappedRecords += kc.Records
		}
	}
	s.mu.RUnlock()

	byImpact := func(list []KeyCount) {
		sort.Slice(list, func(i, j int) bool {
			if list[i].Records != list[j].Records {
				return list[i].Records > list[j].Records
			}
			return list[i].Key < list[j].Key
		})
	}
	byImpact(cov.Missing)
	byImpact(cov.Ambiguous)

	if cov.TotalRecords > 0 {
		cov.CoveragePercent = float64(cov.MappedRecords) / float64(cov.TotalRecords) * 100
	}
	return cov
}
