package repository

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"
	"strings"

	"github.com/jackc/pgx/v5"
	"gorm.io/gorm"

	"github.com/Visual-Knowledge-LLC/california-collectors/internal/errs"
	"github.com/Visual-Knowledge-LLC/california-collectors/internal/services/reconciliation"
)

const correctionsTable = "reconcile_corrections"

// ReconciliationStore runs reconciliation against Postgres. Table and column
// names come from validated descriptors and are quoted on top of that; values
// are always bound.
type ReconciliationStore struct {
	db *gorm.DB
}

func NewReconciliationStore(db *gorm.DB) *ReconciliationStore {
	return &ReconciliationStore{db: db}
}

func ident(name string) string {
	return pgx.Identifier{name}.Sanitize()
}

var blankEscaper = strings.NewReplacer(`\`, `\\`, "'", "''", "\t", `\t`, "\n", `\n`, "\r", `\r`, "\f", `\f`, "\v", `\v`)

// blankTrim trims reconciliation.BlankChars from expr, so SQL and Go agree on
// which values are blank.
func blankTrim(expr string) string {
	return fmt.Sprintf("btrim(%s, E'%s')", expr, blankEscaper.Replace(reconciliation.BlankChars))
}

// filterSQL renders descriptor filters against alias as AND clauses.
func filterSQL(alias string, filters []reconciliation.Filter) (string, []any) {
	var (
		sb   strings.Builder
		args []any
	)
	for _, f := range filters {
		fmt.Fprintf(&sb, " AND %s.%s::text IN ?", alias, ident(f.Column))
		args = append(args, f.Values)
	}
	return sb.String(), args
}

func keyExprs(alias string, cols []string) []string {
	out := make([]string, len(cols))
	for i, c := range cols {
		out[i] = fmt.Sprintf("%s.%s::text", alias, ident(c))
	}
	return out
}

func (s *ReconciliationStore) StreamSourceOfTruth(ctx context.Context, sot reconciliation.SourceOfTruth, fn func(reconciliation.SourceRow) error) error {
	order := "NULL::timestamptz"
	if sot.OrderColumn != "" {
		order = "s." + ident(sot.OrderColumn)
	}
	keys := keyExprs("s", sot.KeyColumns)
	where, args := filterSQL("s", sot.Filters)

	query := fmt.Sprintf("SELECT %s, s.%s::text, %s FROM %s s WHERE %s%s",
		strings.Join(keys, ", "), ident(sot.ValueColumn), order, ident(sot.Table),
		notNull(keys), where)

	rows, err := s.db.WithContext(ctx).Raw(query, args...).Rows()
	if err != nil {
		return err
	}
	defer rows.Close()

	parts := make([]sql.NullString, len(keys))
	dest := make([]any, 0, len(keys)+2)
	for i := range parts {
		dest = append(dest, &parts[i])
	}
	var (
		value  sql.NullString
		seenAt sql.NullTime
	)
	dest = append(dest, &value, &seenAt)

	for rows.Next() {
		if err := rows.Scan(dest...); err != nil {
			return err
		}
		key := make([]string, len(parts))
		for i, p := range parts {
			key[i] = p.String
		}
		row := reconciliation.SourceRow{Key: reconciliation.NewNaturalKey(key...)}
		if value.Valid {
			v := value.String
			row.Value = &v
		}
		if seenAt.Valid {
			row.SeenAt = seenAt.Time
		}
		if err := fn(row); err != nil {
			return err
		}
	}
	return rows.Err()
}

func notNull(exprs []string) string {
	out := make([]string, len(exprs))
	for i, e := range exprs {
		out[i] = e + " IS NOT NULL"
	}
	return strings.Join(out, " AND ")
}

// truthCTE selects one value per key the same way MapBuilder does: latest
// order column first, then the greatest value, skipping blank and malformed
// values.
func truthCTE(sot reconciliation.SourceOfTruth, pattern *regexp.Regexp) (string, []any) {
	keys := keyExprs("s", sot.KeyColumns)
	aliased := make([]string, len(keys))
	for i, k := range keys {
		aliased[i] = fmt.Sprintf("%s AS k%d", k, i)
	}
	v := "s." + ident(sot.ValueColumn) + "::text"

	var args []any
	cond := fmt.Sprintf("%s AND %s IS NOT NULL AND %s <> ''", notNull(keys), v, blankTrim(v))
	if pattern != nil {
		cond += fmt.Sprintf(" AND %s ~ ?", v)
		args = append(args, pattern.String())
	}
	where, fargs := filterSQL("s", sot.Filters)
	args = append(args, fargs...)

	orderBy := strings.Join(keys, ", ")
	if sot.OrderColumn != "" {
		orderBy += ", s." + ident(sot.OrderColumn) + " DESC NULLS LAST"
	}
	orderBy += ", " + v + ` COLLATE "C" DESC`

	cte := fmt.Sprintf("truth AS (SELECT DISTINCT ON (%s) %s, %s AS v FROM %s s WHERE %s%s ORDER BY %s)",
		strings.Join(keys, ", "), strings.Join(aliased, ", "), v, ident(sot.Table), cond, where, orderBy)
	return cte, args
}

func joinOn(table reconciliation.DependentTable) string {
	tk := keyExprs("t", table.KeyColumns)
	on := make([]string, len(tk))
	for i, k := range tk {
		on[i] = fmt.Sprintf("%s = c.k%d", k, i)
	}
	return strings.Join(on, " AND ")
}

// Analyze counts dependent rows per class. The CASE mirrors
// reconciliation.ClassifyRow.
func (s *ReconciliationStore) Analyze(ctx context.Context, sot reconciliation.SourceOfTruth, table reconciliation.DependentTable, pattern *regexp.Regexp) (reconciliation.TableAnalysis, error) {
	cte, args := truthCTE(sot, pattern)
	tv := "t." + ident(table.ValueColumn) + "::text"

	wrongFormat := "FALSE"
	if pattern != nil {
		wrongFormat = tv + " !~ ?"
	}
	class := fmt.Sprintf(`CASE
		WHEN c.v IS NOT NULL AND %[1]s = c.v THEN %[2]d
		WHEN %[1]s IS NULL OR %[8]s = '' THEN %[3]d
		WHEN %[4]s THEN %[5]d
		WHEN c.v IS NOT NULL THEN %[6]d
		ELSE %[7]d END`,
		tv, reconciliation.ClassAlreadyCorrect, reconciliation.ClassNull, wrongFormat,
		reconciliation.ClassWrongFormat, reconciliation.ClassMismatched, reconciliation.ClassNoSource, blankTrim(tv))
	if pattern != nil {
		args = append(args, pattern.String())
	}

	where, fargs := filterSQL("t", table.Filters)
	args = append(args, fargs...)

	query := fmt.Sprintf(`WITH %s
SELECT COUNT(*) AS total,
	COUNT(*) FILTER (WHERE cls = %d) AS already_correct,
	COUNT(*) FILTER (WHERE cls = %d) AS "null",
	COUNT(*) FILTER (WHERE cls = %d) AS wrong_format,
	COUNT(*) FILTER (WHERE cls = %d) AS mismatched,
	COUNT(*) FILTER (WHERE cls = %d) AS no_source,
	COUNT(*) FILTER (WHERE needs) AS needs_update
FROM (
	SELECT %s AS cls, (c.v IS NOT NULL AND %s IS DISTINCT FROM c.v) AS needs
	FROM %s t LEFT JOIN truth c ON %s
	WHERE TRUE%s
) x`,
		cte,
		reconciliation.ClassAlreadyCorrect, reconciliation.ClassNull, reconciliation.ClassWrongFormat,
		reconciliation.ClassMismatched, reconciliation.ClassNoSource,
		class, tv, ident(table.Table), joinOn(table), where)

	var out reconciliation.TableAnalysis
	err := s.db.WithContext(ctx).Raw(query, args...).Scan(&out).Error
	return out, err
}

// Apply stages the correction map in a temporary table and updates table
// from it in one statement, all inside a single transaction.
func (s *ReconciliationStore) Apply(ctx context.Context, table reconciliation.DependentTable, cm *reconciliation.CorrectionMap) (int64, error) {
	entries := cm.Entries()
	if len(entries) == 0 {
		return 0, nil
	}
	nkeys := len(table.KeyColumns)

	var affected int64
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		cols := make([]string, 0, nkeys+1)
		for i := range nkeys {
			cols = append(cols, fmt.Sprintf("k%d text", i))
		}
		cols = append(cols, "correct_value text")
		if err := tx.Exec(fmt.Sprintf("CREATE TEMP TABLE %s (%s) ON COMMIT DROP",
			correctionsTable, strings.Join(cols, ", "))).Error; err != nil {
			return err
		}

		for start := 0; start < len(entries); start += insertChunk {
			chunk := entries[start:min(start+insertChunk, len(entries))]
			if err := stageChunk(tx, chunk, nkeys); err != nil {
				return err
			}
		}

		where, args := filterSQL("t", table.Filters)
		res := tx.Exec(fmt.Sprintf(
			"UPDATE %s AS t SET %s = c.correct_value FROM %s c WHERE %s AND t.%s::text IS DISTINCT FROM c.correct_value%s",
			ident(table.Table), ident(table.ValueColumn), correctionsTable, joinOn(table),
			ident(table.ValueColumn), where), args...)
		if res.Error != nil {
			return res.Error
		}
		affected = res.RowsAffected
		return nil
	})
	if err != nil {
		return 0, err
	}
	return affected, nil
}

func stageChunk(tx *gorm.DB, chunk []reconciliation.Correction, nkeys int) error {
	row := "(" + strings.TrimSuffix(strings.Repeat("?, ", nkeys+1), ", ") + ")"
	values := make([]string, 0, len(chunk))
	args := make([]any, 0, len(chunk)*(nkeys+1))
	for _, c := range chunk {
		parts := c.Key.Parts()
		if len(parts) != nkeys {
			return errs.Structuralf("stage corrections", "key %q has %d parts, want %d", c.Key, len(parts), nkeys)
		}
		for _, p := range parts {
			args = append(args, p)
		}
		args = append(args, c.Value)
		values = append(values, row)
	}
	return tx.Exec(fmt.Sprintf("INSERT INTO %s VALUES %s", correctionsTable, strings.Join(values, ", ")), args...).Error
}
