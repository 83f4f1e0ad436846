// Package mapping holds the reference tables that turn free-text agency names
// and ZIP codes into canonical identifiers, and the resolver built on them.
package mapping

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/Visual-Knowledge-LLC/california-collectors/internal/errs"
)

// Set names one of the disjoint mapping tables. SetRegionAgency maps a
// region id to the agency that licenses it, for sources whose records carry no
// agency name.
type Set string

const (
	SetZip          Set = "zip"
	SetAgency       Set = "agency"
	SetRegionAgency Set = "region_agency"
)

// ParseSet accepts the set names used by the API.
func ParseSet(s string) (Set, bool) {
	switch Set(strings.ToLower(strings.TrimSpace(s))) {
	case SetZip:
		return SetZip, true
	case SetAgency:
		return SetAgency, true
	case SetRegionAgency:
		return SetRegionAgency, true
	}
	return "", false
}

type EntrySource string

const (
	SourceSeed       EntrySource = "seed"
	SourceBackfill   EntrySource = "backfill"
	SourceCorrection EntrySource = "correction"
)

// Entry maps one raw key to a canonical identifier.
type Entry struct {
	Set         Set         `json:"set"`
	RawKey      string      `json:"raw_key"`
	Key         string      `json:"key"`
	CanonicalID string      `json:"canonical_id"`
	Source      EntrySource `json:"source"`
	CreatedAt   time.Time   `json:"created_at"`
	UpdatedAt   time.Time   `json:"updated_at"`
}

type Action string

const (
	ActionInserted  Action = "inserted"
	ActionUnchanged Action = "unchanged"
	ActionCorrected Action = "corrected"
)

// Change describes the effect of one upsert. Previous lists the canonical ids
// replaced by a correction; a legacy conflict can replace more than one.
// RequestedBy is the source the upsert was asked for, which a correction
// does not keep on the entry itself.
type Change struct {
	Action      Action
	Entry       Entry
	Previous    []string
	PreviousRaw []string
	RequestedBy EntrySource
}

// MissError explains a failed lookup. It unwraps to errs.ErrMissingMapping,
// errs.ErrAmbiguousMapping or, for a ZIP key that is not a ZIP,
// errs.ErrInvalidFormat.
type MissError struct {
	Set        Set
	RawKey     string
	Key        string
	Candidates []string
	Err        error
}

func (e *MissError) Error() string {
	if len(e.Candidates) > 0 {
		return fmt.Sprintf("%s mapping %q: %v (candidates %s)", e.Set, e.RawKey, e.Err, strings.Join(e.Candidates, ", "))
	}
	return fmt.Sprintf("%s mapping %q: %v", e.Set, e.RawKey, e.Err)
}

func (e *MissError) Unwrap() error { return e.Err }

// Store holds both mapping sets. Lookups take a read lock and may run from any
// number of goroutines; mutations are expected only while no ingestion runs.
type Store struct {
	mu     sync.RWMutex
	sets   map[Set]map[string][]Entry
	clock  func() time.Time
	logger *logrus.Entry
}

type Option func(*Store)

func WithClock(clock func() time.Time) Option {
	return func(s *Store) {
		if clock != nil {
			s.clock = clock
		}
	}
}

func WithLogger(logger *logrus.Entry) Option {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger
		}
	}
}

func NewStore(opts ...Option) *Store {
	discard := logrus.New()
	discard.SetOutput(io.Discard)

	s := &Store{
		sets: map[Set]map[string][]Entry{
			SetZip:          {},
			SetAgency:       {},
			SetRegionAgency: {},
		},
		clock:  time.Now,
		logger: logrus.NewEntry(discard),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// LoadReport counts what Load kept. Conflicts are keys whose raw spellings
// disagree on the canonical id; lookups on them fail as ambiguous. Invalid
// counts ZIP rows whose key is not a ZIP.
type LoadReport struct {
	Loaded     int
	Duplicates int
	Conflicts  int
	Invalid    int
}

// Load adds entries as they exist in a reference source without correcting
// them. Exact duplicates collapse; disagreeing duplicates are kept so the
// inconsistency surfaces at lookup time instead of being resolved arbitrarily.
func (s *Store) Load(entries []Entry) (LoadReport, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var report LoadReport
	now := s.clock()
	for _, e := range entries {
		set, ok := s.sets[e.Set]
		if !ok {
			return report, errs.Structuralf("mapping load", "unknown mapping set %q", e.Set)
		}
		key, err := keyFor(e.Set, e.RawKey)
		if err != nil {
			report.Invalid++
			s.logger.WithError(err).WithField("set", e.Set).Warn("mapping row skipped")
			continue
		}
		e.Key = key
		e.CanonicalID = strings.TrimSpace(e.CanonicalID)
		if e.Key == "" || e.CanonicalID == "" {
			continue
		}
		if e.Source == "" {
			e.Source = SourceSeed
		}
		if e.CreatedAt.IsZero() {
			e.CreatedAt = now
		}
		if e.UpdatedAt.IsZero() {
			e.UpdatedAt = e.CreatedAt
		}

		existing := set[e.Key]
		if containsID(existing, e.CanonicalID) {
			report.Duplicates++
			continue
		}
		if len(existing) == 1 {
			report.Conflicts++
		}
		set[e.Key] = append(existing, e)
		report.Loaded++
	}
	return report, nil
}

func (s *Store) LookupZip(code string) (string, error) {
	return s.Lookup(SetZip, code)
}

func (s *Store) LookupAgency(name string) (string, error) {
	return s.Lookup(SetAgency, name)
}

func (s *Store) LookupRegionAgency(regionID string) (string, error) {
	return s.Lookup(SetRegionAgency, regionID)
}

// Lookup resolves rawKey within set after normalization. ZIP keys are reduced
// to five digits first, so "95814-1234" finds the entry seeded as "95814".
func (s *Store) Lookup(set Set, rawKey string) (string, error) {
	key, err := keyFor(set, rawKey)
	if err != nil {
		return "", &MissError{Set: set, RawKey: rawKey, Err: errs.ErrInvalidFormat}
	}

	s.mu.RLock()
	entries := s.sets[set][key]
	s.mu.RUnlock()

	switch len(entries) {
	case 0:
		return "", &MissError{Set: set, RawKey: rawKey, Key: key, Err: errs.ErrMissingMapping}
	case 1:
		return entries[0].CanonicalID, nil
	default:
		ids := make([]string, 0, len(entries))
		for _, e := range entries {
			ids = append(ids, e.CanonicalID)
		}
		sort.Strings(ids)
		return "", &MissError{Set: set, RawKey: rawKey, Key: key, Candidates: ids, Err: errs.ErrAmbiguousMapping}
	}
}

// Upsert maps rawKey to canonicalID. Re-inserting the current mapping is a
// no-op; a different id replaces the existing entry (or every entry of a
// legacy conflict) and is reported and logged as a correction.
func (s *Store) Upsert(set Set, rawKey, canonicalID string, source EntrySource) (Change, error) {
	key, err := keyFor(set, rawKey)
	if err != nil {
		return Change{}, fmt.Errorf("upsert %s mapping: %w", set, err)
	}
	canonicalID = strings.TrimSpace(canonicalID)
	if key == "" {
		return Change{}, fmt.Errorf("upsert %s mapping: %w: empty key", set, errs.ErrInvalidFormat)
	}
	if canonicalID == "" {
		return Change{}, fmt.Errorf("upsert %s mapping %q: %w: empty canonical id", set, rawKey, errs.ErrInvalidFormat)
	}
	if source == "" {
		source = SourceBackfill
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	entries, ok := s.sets[set]
	if !ok {
		return Change{}, errs.Structuralf("mapping upsert", "unknown mapping set %q", set)
	}

	now := s.clock()
	existing := entries[key]

	if len(existing) == 0 {
		e := Entry{
			Set:         set,
			RawKey:      strings.TrimSpace(rawKey),
			Key:         key,
			CanonicalID: canonicalID,
			Source:      source,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		entries[key] = []Entry{e}
		return Change{Action: ActionInserted, Entry: e, RequestedBy: source}, nil
	}

	if len(existing) == 1 && existing[0].CanonicalID == canonicalID {
		return Change{Action: ActionUnchanged, Entry: existing[0], RequestedBy: source}, nil
	}

	change := Change{Action: ActionCorrected, RequestedBy: source}
	for _, e := range existing {
		change.Previous = append(change.Previous, e.CanonicalID)
		change.PreviousRaw = append(change.PreviousRaw, e.RawKey)
	}
	e := Entry{
		Set:         set,
		RawKey:      strings.TrimSpace(rawKey),
		Key:         key,
		CanonicalID: canonicalID,
		Source:      SourceCorrection,
		CreatedAt:   existing[0].CreatedAt,
		UpdatedAt:   now,
	}
	entries[key] = []Entry{e}
	change.Entry = e

	s.logger.WithFields(logrus.Fields{
		"set":          set,
		"raw_key":      e.RawKey,
		"previous":     strings.Join(change.Previous, ","),
		"canonical_id": canonicalID,
		"requested_by": source,
	}).Warn("mapping corrected")

	return change, nil
}

// Entries returns a copy of one set ordered by normalized key, then raw key.
func (s *Store) Entries(set Set) []Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Entry, 0, len(s.sets[set]))
	for _, es := range s.sets[set] {
		out = append(out, es...)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Key != out[j].Key {
			return out[i].Key < out[j].Key
		}
		return out[i].RawKey < out[j].RawKey
	})
	return out
}

// Conflict is a normalized key with more than one canonical id.
type Conflict struct {
	Set          Set      `json:"set"`
	Key          string   `json:"key"`
	RawKeys      []string `json:"raw_keys"`
	CanonicalIDs []string `json:"canonical_ids"`
}

func (s *Store) Conflicts(set Set) []Conflict {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Conflict
	for key, es := range s.sets[set] {
		if len(es) < 2 {
			continue
		}
		c := Conflict{Set: set, Key: key}
		for _, e := range es {
			c.RawKeys = append(c.RawKeys, e.RawKey)
			c.CanonicalIDs = append(c.CanonicalIDs, e.CanonicalID)
		}
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// Len counts normalized keys in a set.
func (s *Store) Len(set Set) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sets[set])
}

// Snapshot copies the store contents so a failed backfill can be rolled back.
func (s *Store) Snapshot() map[Set]map[string][]Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap := make(map[Set]map[string][]Entry, len(s.sets))
	for set, entries := range s.sets {
		m := make(map[string][]Entry, len(entries))
		for k, es := range entries {
			m[k] = append([]Entry(nil), es...)
		}
		snap[set] = m
	}
	return snap
}

func (s *Store) Restore(snap map[Set]map[string][]Entry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sets = snap
}

// keyFor normalizes rawKey for set. ZIP keys must reduce to five digits.
func keyFor(set Set, rawKey string) (string, error) {
	if set != SetZip {
		return NormalizeKey(rawKey), nil
	}
	zip, ok := NormalizeZip(rawKey)
	if !ok {
		return "", fmt.Errorf("zip %q: %w", rawKey, errs.ErrInvalidFormat)
	}
	return zip, nil
}

func containsID(entries []Entry, id string) bool {
	for _, e := range entries {
		if e.CanonicalID == id {
			return true
		}
	}
	return false
}
