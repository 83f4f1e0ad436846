package reconciliation

import (
	"fmt"
	"os"
	"regexp"

	"gopkg.in/yaml.v3"

	"github.com/Visual-Knowledge-LLC/california-collectors/internal/errs"
)

var identifierRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Filter restricts rows to those whose column holds one of values.
type Filter struct {
	Column string   `yaml:"column" json:"column"`
	Values []string `yaml:"values" json:"values"`
}

// SourceOfTruth names the table whose values are assumed correct.
// OrderColumn, when set, is a timestamp deciding which of several values for
// one key is the most recent.
type SourceOfTruth struct {
	Table       string   `yaml:"table" json:"table"`
	KeyColumns  []string `yaml:"key_columns" json:"key_columns"`
	ValueColumn string   `yaml:"value_column" json:"value_column"`
	OrderColumn string   `yaml:"order_column" json:"order_column,omitempty"`
	Filters     []Filter `yaml:"filters" json:"filters,omitempty"`
}

// DependentTable names a table and column to repair. KeyColumns correspond
// positionally to the source of truth key columns.
type DependentTable struct {
	Table       string   `yaml:"table" json:"table"`
	KeyColumns  []string `yaml:"key_columns" json:"key_columns"`
	ValueColumn string   `yaml:"value_column" json:"value_column"`
	Filters     []Filter `yaml:"filters" json:"filters,omitempty"`
}

// Descriptors is the static reconciliation configuration.
type Descriptors struct {
	// ValidPattern describes a correctly formatted value. Values not matching
	// it are counted as wrong format and never used as a correction.
	ValidPattern  string           `yaml:"valid_pattern" json:"valid_pattern,omitempty"`
	SourceOfTruth SourceOfTruth    `yaml:"source_of_truth" json:"source_of_truth"`
	Tables        []DependentTable `yaml:"dependent_tables" json:"dependent_tables"`
}

func LoadDescriptors(path string) (Descriptors, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Descriptors{}, errs.Structural("load descriptors", err)
	}
	return ParseDescriptors(data)
}

func ParseDescriptors(data []byte) (Descriptors, error) {
	var d Descriptors
	if err := yaml.Unmarshal(data, &d); err != nil {
		return Descriptors{}, errs.Structural("parse descriptors", err)
	}
	if err := d.Validate(); err != nil {
		return Descriptors{}, err
	}
	return d, nil
}

// Validate checks every identifier that will be interpolated into SQL and
// that key shapes agree.
func (d Descriptors) Validate() error {
	const op = "validate descriptors"

	sot := d.SourceOfTruth
	if err := checkIdentifiers(sot.Table, sot.ValueColumn); err != nil {
		return errs.Structural(op, fmt.Errorf("source of truth: %w", err))
	}
	if sot.OrderColumn != "" {
		if err := checkIdentifiers(sot.OrderColumn); err != nil {
			return errs.Structural(op, fmt.Errorf("source of truth: %w", err))
		}
	}
	if len(sot.KeyColumns) == 0 {
		return errs.Structuralf(op, "source of truth %s: no key columns", sot.Table)
	}
	if err := checkIdentifiers(sot.KeyColumns...); err != nil {
		return errs.Structural(op, fmt.Errorf("source of truth: %w", err))
	}
	if err := checkFilters(sot.Filters); err != nil {
		return errs.Structural(op, fmt.Errorf("source of truth: %w", err))
	}

	if len(d.Tables) == 0 {
		return errs.Structuralf(op, "no dependent tables")
	}
	seen := make(map[string]bool, len(d.Tables))
	for _, t := range d.Tables {
		if err := checkIdentifiers(t.Table, t.ValueColumn); err != nil {
			return errs.Structural(op, fmt.Errorf("dependent table: %w", err))
		}
		if seen[t.Table] {
			return errs.Structuralf(op, "dependent table %s listed twice", t.Table)
		}
		seen[t.Table] = true
		if len(t.KeyColumns) != len(sot.KeyColumns) {
			return errs.Structuralf(op, "dependent table %s: %d key columns, source of truth has %d",
				t.Table, len(t.KeyColumns), len(sot.KeyColumns))
		}
		if err := checkIdentifiers(t.KeyColumns...); err != nil {
			return errs.Structural(op, fmt.Errorf("dependent table %s: %w", t.Table, err))
		}
		if err := checkFilters(t.Filters); err != nil {
			return errs.Structural(op, fmt.Errorf("dependent table %s: %w", t.Table, err))
		}
	}

	if _, err := d.Pattern(); err != nil {
		return err
	}
	return nil
}

// Pattern compiles ValidPattern. It returns nil when no pattern is set.
func (d Descriptors) Pattern() (*regexp.Regexp, error) {
	if d.ValidPattern == "" {
		return nil, nil
	}
	re, err := regexp.Compile(d.ValidPattern)
	if err != nil {
		return nil, errs.Structural("compile valid_pattern", err)
	}
	return re, nil
}

// Select narrows the dependent tables to names, keeping configuration order.
// An empty selection keeps all tables.
func (d Descriptors) Select(names []string) (Descriptors, error) {
	if len(names) == 0 {
		return d, nil
	}
	want := make(map[string]bool, len(names))
	for _, n := range names {
		want[n] = true
	}
	out := d
	out.Tables = nil
	for _, t := range d.Tables {
		if want[t.Table] {
			out.Tables = append(out.Tables, t)
			delete(want, t.Table)
		}
	}
	for n := range want {
		return Descriptors{}, errs.Structuralf("select tables", "unknown dependent table %q", n)
	}
	return out, nil
}

func checkIdentifiers(names ...string) error {
	for _, n := range names {
		if !identifierRe.MatchString(n) {
			return fmt.Errorf("invalid identifier %q", n)
		}
	}
	return nil
}

func checkFilters(filters []Filter) error {
	for _, f := range filters {
		if err := checkIdentifiers(f.Column); err != nil {
			return err
		}
		if len(f.Values) == 0 {
			return fmt.Errorf("filter on %s has no values", f.Column)
		}
	}
	return nil
}
