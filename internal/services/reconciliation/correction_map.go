package reconciliation

import (
	"regexp"
	"sort"
	"strings"
	"time"
)

const keySep = "\x1f"

// NaturalKey is the ordered tuple of key column values identifying a row
// across the source of truth and its dependent tables.
type NaturalKey string

func NewNaturalKey(parts ...string) NaturalKey {
	return NaturalKey(strings.Join(parts, keySep))
}

func (k NaturalKey) Parts() []string {
	return strings.Split(string(k), keySep)
}

// SourceRow is one source of truth row as streamed from the store. A nil
// Value is SQL NULL. SeenAt is zero when the row has no order column value.
type SourceRow struct {
	Key    NaturalKey
	Value  *string
	SeenAt time.Time
}

type Correction struct {
	Key    NaturalKey
	Value  string
	SeenAt time.Time
}

// CorrectionMap holds one correct value per natural key. It is immutable once
// built.
type CorrectionMap struct {
	sourceTable string
	entries     map[NaturalKey]Correction
}

func (m *CorrectionMap) SourceTable() string { return m.sourceTable }

func (m *CorrectionMap) Len() int {
	if m == nil {
		return 0
	}
	return len(m.entries)
}

func (m *CorrectionMap) Lookup(key NaturalKey) (string, bool) {
	if m == nil {
		return "", false
	}
	c, ok := m.entries[key]
	return c.Value, ok
}

// Entries returns the corrections ordered by key.
func (m *CorrectionMap) Entries() []Correction {
	if m == nil {
		return nil
	}
	out := make([]Correction, 0, len(m.entries))
	for _, c := range m.entries {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// MapBuilder accumulates source of truth rows into a CorrectionMap. For each
// key it keeps the most recently seen non-empty value; on equal timestamps the
// greater value wins, so the result never depends on row order.
type MapBuilder struct {
	sourceTable string
	pattern     *regexp.Regexp
	entries     map[NaturalKey]Correction
	skipped     int
}

// NewMapBuilder returns a builder. Values not matching pattern, when pattern
// is non-nil, are ignored.
func NewMapBuilder(sourceTable string, pattern *regexp.Regexp) *MapBuilder {
	return &MapBuilder{
		sourceTable: sourceTable,
		pattern:     pattern,
		entries:     make(map[NaturalKey]Correction),
	}
}

func (b *MapBuilder) Offer(row SourceRow) {
	if row.Value == nil || IsBlank(*row.Value) {
		b.skipped++
		return
	}
	v := *row.Value
	if b.pattern != nil && !b.pattern.MatchString(v) {
		b.skipped++
		return
	}

	cur, ok := b.entries[row.Key]
	if ok {
		if row.SeenAt.Before(cur.SeenAt) {
			return
		}
		if row.SeenAt.Equal(cur.SeenAt) && v <= cur.Value {
			return
		}
	}
	b.entries[row.Key] = Correction{Key: row.Key, Value: v, SeenAt: row.SeenAt}
}

// Skipped counts rows that could not contribute a value.
func (b *MapBuilder) Skipped() int { return b.skipped }

// Build hands the accumulated entries to an immutable map. The builder must
// not be used afterwards.
func (b *MapBuilder) Build() *CorrectionMap {
	m := &CorrectionMap{sourceTable: b.sourceTable, entries: b.entries}
	b.entries = nil
	return m
}
