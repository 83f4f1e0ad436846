package reconciliation

import (
	"regexp"
	"strings"
)

// RowClass buckets a dependent table row during analysis. Every row falls in
// exactly one class.
type RowClass int

const (
	ClassAlreadyCorrect RowClass = iota
	ClassNull
	ClassWrongFormat
	ClassMismatched
	// ClassNoSource is a well formed value with no source of truth value to
	// compare against.
	ClassNoSource
)

// BlankChars is the whitespace trimmed before deciding a value is blank. The
// SQL store trims the same set, so a value is blank in both or in neither.
const BlankChars = " \t\n\r\f\v"

// IsBlank reports whether v holds nothing but BlankChars.
func IsBlank(v string) bool {
	return strings.Trim(v, BlankChars) == ""
}

// ClassifyRow classifies a row holding value given the source of truth value
// correct for its key (nil when there is none). needsUpdate reports whether
// applying corrections would change the row. The SQL analysis query in the
// repository computes the same buckets.
func ClassifyRow(value, correct *string, pattern *regexp.Regexp) (class RowClass, needsUpdate bool) {
	needsUpdate = correct != nil && (value == nil || *value != *correct)

	switch {
	case correct != nil && !needsUpdate:
		return ClassAlreadyCorrect, false
	case value == nil || IsBlank(*value):
		return ClassNull, needsUpdate
	case pattern != nil && !pattern.MatchString(*value):
		return ClassWrongFormat, needsUpdate
	case correct != nil:
		return ClassMismatched, true
	default:
		return ClassNoSource, false
	}
}

// TableAnalysis counts the rows of one dependent table per class.
type TableAnalysis struct {
	Total          int64 `json:"total"`
	AlreadyCorrect int64 `json:"already_correct"`
	Null           int64 `json:"null"`
	WrongFormat    int64 `json:"wrong_format"`
	Mismatched     int64 `json:"mismatched"`
	NoSource       int64 `json:"no_source"`
	NeedsUpdate    int64 `json:"needs_update"`
}

// Add counts one classified row.
func (a *TableAnalysis) Add(class RowClass, needsUpdate bool) {
	a.Total++
	switch class {
	case ClassAlreadyCorrect:
		a.AlreadyCorrect++
	case ClassNull:
		a.Null++
	case ClassWrongFormat:
		a.WrongFormat++
	case ClassMismatched:
		a.Mismatched++
	case ClassNoSource:
		a.NoSource++
	}
	if needsUpdate {
		a.NeedsUpdate++
	}
}
