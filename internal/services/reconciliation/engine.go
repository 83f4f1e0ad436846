package reconciliation

import (
	"context"
	"errors"
	"fmt"
	"io"
	"regexp"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/Visual-Knowledge-LLC/california-collectors/internal/errs"
	"github.com/Visual-Knowledge-LLC/california-collectors/internal/metrics"
)

// Store is the database side of a reconciliation run.
type Store interface {
	// StreamSourceOfTruth calls fn for every source of truth row that passes
	// the descriptor filters.
	StreamSourceOfTruth(ctx context.Context, sot SourceOfTruth, fn func(SourceRow) error) error
	// Analyze classifies the rows of table against the values the source of
	// truth would produce, without writing anything.
	Analyze(ctx context.Context, sot SourceOfTruth, table DependentTable, pattern *regexp.Regexp) (TableAnalysis, error)
	// Apply writes the corrections to table in one transaction and returns the
	// number of rows changed. Rows already holding the correct value are left
	// untouched.
	Apply(ctx context.Context, table DependentTable, cm *CorrectionMap) (int64, error)
}

type State string

const (
	StateAnalyzing    State = "analyzing"
	StateMappingBuilt State = "mapping_built"
	StateApplying     State = "applying"
	StateDone         State = "done"
	StateFailed       State = "failed"
)

type TableStatus string

const (
	TablePending  TableStatus = "pending"
	TableAnalyzed TableStatus = "analyzed"
	// TableSkipped means nothing needed correcting.
	TableSkipped TableStatus = "skipped"
	TableApplied TableStatus = "applied"
	TableFailed  TableStatus = "failed"
	TableStopped TableStatus = "stopped"
)

type TableReport struct {
	Table     string        `json:"table"`
	Status    TableStatus   `json:"status"`
	Analysis  TableAnalysis `json:"analysis"`
	Corrected int64         `json:"corrected"`
	// Remaining is the verification count of rows still needing an update
	// after apply; nil when verification did not run.
	Remaining *int64 `json:"remaining,omitempty"`
	Error     string `json:"error,omitempty"`
}

type Report struct {
	RunID       string        `json:"run_id"`
	State       State         `json:"state"`
	DryRun      bool          `json:"dry_run"`
	MapSize     int           `json:"map_size"`
	Skipped     int           `json:"source_rows_skipped"`
	Tables      []TableReport `json:"tables"`
	Stopped     bool          `json:"stopped"`
	Error       string        `json:"error,omitempty"`
	StartedAt   time.Time     `json:"started_at"`
	CompletedAt time.Time     `json:"completed_at"`
}

// Corrected sums the rows corrected over all tables.
func (r Report) Corrected() int64 {
	var n int64
	for _, t := range r.Tables {
		n += t.Corrected
	}
	return n
}

type RunOptions struct {
	RunID  string
	DryRun bool
	// Tables restricts the run to these dependent tables; empty means all.
	Tables []string
	Verify bool
}

type Engine struct {
	store    Store
	desc     Descriptors
	pattern  *regexp.Regexp
	workers  int
	logger   *logrus.Entry
	metrics  *metrics.Metrics
	clock    func() time.Time
	progress func(Report)
}

type Option func(*Engine)

func WithLogger(logger *logrus.Entry) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) {
		e.metrics = m
	}
}

func WithClock(clock func() time.Time) Option {
	return func(e *Engine) {
		if clock != nil {
			e.clock = clock
		}
	}
}

// WithWorkers bounds how many dependent tables are processed at once.
func WithWorkers(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.workers = n
		}
	}
}

// WithProgress registers a callback that receives a copy of the report at
// every state change and table completion.
func WithProgress(fn func(Report)) Option {
	return func(e *Engine) {
		e.progress = fn
	}
}

func NewEngine(store Store, desc Descriptors, opts ...Option) (*Engine, error) {
	if err := desc.Validate(); err != nil {
		return nil, err
	}
	pattern, err := desc.Pattern()
	if err != nil {
		return nil, err
	}

	discard := logrus.New()
	discard.SetOutput(io.Discard)

	e := &Engine{
		store:   store,
		desc:    desc,
		pattern: pattern,
		workers: 1,
		logger:  logrus.NewEntry(discard),
		clock:   time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

func (e *Engine) Descriptors() Descriptors { return e.desc }

// run is the mutable state of one Run call.
type run struct {
	mu     sync.Mutex
	report Report
	index  map[string]int
	engine *Engine
}

func (r *run) update(fn func(*Report)) {
	r.mu.Lock()
	fn(&r.report)
	snap := r.snapshotLocked()
	r.mu.Unlock()
	if r.engine.progress != nil {
		r.engine.progress(snap)
	}
}

func (r *run) table(name string, fn func(*TableReport)) {
	r.update(func(rep *Report) { fn(&rep.Tables[r.index[name]]) })
}

func (r *run) tableReport(name string) TableReport {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.report.Tables[r.index[name]]
}

func (r *run) snapshot() Report {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snapshotLocked()
}

func (r *run) snapshotLocked() Report {
	rep := r.report
	rep.Tables = append([]TableReport(nil), r.report.Tables...)
	return rep
}

// Run executes one reconciliation pass: analyze every table, build the
// correction map from the source of truth, then apply it table by table.
// A dry run stops once the map is built. A structural error while analyzing
// or building the map fails the whole run and is returned; apply failures
// only fail their table. Cancelling ctx stops the run between tables.
func (e *Engine) Run(ctx context.Context, opts RunOptions) (Report, error) {
	r := &run{
		engine: e,
		report: Report{
			RunID:     opts.RunID,
			State:     StateAnalyzing,
			DryRun:    opts.DryRun,
			StartedAt: e.clock(),
		},
	}
	log := e.logger.WithFields(logrus.Fields{"run_id": opts.RunID, "dry_run": opts.DryRun})

	desc, err := e.desc.Select(opts.Tables)
	if err != nil {
		return e.fail(r, log, err)
	}
	r.index = make(map[string]int, len(desc.Tables))
	for i, t := range desc.Tables {
		r.index[t.Table] = i
		r.report.Tables = append(r.report.Tables, TableReport{Table: t.Table, Status: TablePending})
	}
	r.update(func(*Report) {})

	// Analyzing
	log.WithField("tables", len(desc.Tables)).Info("analyzing dependent tables")
	if err := e.analyze(ctx, r, desc, log); err != nil {
		return e.fail(r, log, err)
	}
	if ctx.Err() != nil {
		return e.stop(r, log), nil
	}

	// MappingBuilt
	builder := NewMapBuilder(desc.SourceOfTruth.Table, e.pattern)
	err = e.store.StreamSourceOfTruth(ctx, desc.SourceOfTruth, func(row SourceRow) error {
		builder.Offer(row)
		return nil
	})
	if err != nil {
		if ctx.Err() != nil {
			return e.stop(r, log), nil
		}
		return e.fail(r, log, fmt.Errorf("build correction map: %w", err))
	}
	cm := builder.Build()
	r.update(func(rep *Report) {
		rep.State = StateMappingBuilt
		rep.MapSize = cm.Len()
		rep.Skipped = builder.Skipped()
	})
	log.WithFields(logrus.Fields{"keys": cm.Len(), "source_rows_skipped": builder.Skipped()}).Info("correction map built")

	if opts.DryRun {
		return e.finish(r, log, StateMappingBuilt), nil
	}

	// Applying
	r.update(func(rep *Report) { rep.State = StateApplying })
	fatal := e.apply(ctx, r, desc, cm, opts.Verify, log)

	if ctx.Err() != nil {
		rep := e.stop(r, log)
		if fatal != nil {
			return rep, fatal
		}
		return rep, nil
	}
	if fatal != nil {
		return e.fail(r, log, fatal)
	}
	return e.finish(r, log, StateDone), nil
}

func (e *Engine) analyze(ctx context.Context, r *run, desc Descriptors, log *logrus.Entry) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.workers)

	for _, t := range desc.Tables {
		g.Go(func() error {
			if gctx.Err() != nil {
				r.table(t.Table, func(tr *TableReport) { tr.Status = TableStopped })
				return nil
			}
			// Read only, but an analysis that started is allowed to finish.
			actx := context.WithoutCancel(gctx)
			analysis, err := e.store.Analyze(actx, desc.SourceOfTruth, t, e.pattern)
			tlog := log.WithField("table", t.Table)
			if err != nil {
				r.table(t.Table, func(tr *TableReport) {
					tr.Status = TableFailed
					tr.Error = err.Error()
				})
				e.metrics.IncTable(string(TableFailed))
				if errs.IsStructural(err) {
					tlog.WithError(err).Error("analysis failed on schema mismatch")
					return fmt.Errorf("analyze %s: %w", t.Table, err)
				}
				tlog.WithError(err).Error("analysis failed")
				return nil
			}
			r.table(t.Table, func(tr *TableReport) {
				tr.Status = TableAnalyzed
				tr.Analysis = analysis
			})
			tlog.WithFields(logrus.Fields{
				"total":           analysis.Total,
				"already_correct": analysis.AlreadyCorrect,
				"null":            analysis.Null,
				"wrong_format":    analysis.WrongFormat,
				"mismatched":      analysis.Mismatched,
				"needs_update":    analysis.NeedsUpdate,
			}).Info("table analyzed")
			return nil
		})
	}
	return g.Wait()
}

// apply returns a non-nil error only for a structural failure, which stops
// further tables from starting.
func (e *Engine) apply(ctx context.Context, r *run, desc Descriptors, cm *CorrectionMap, verify bool, log *logrus.Entry) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.workers)

	for _, t := range desc.Tables {
		tr := r.tableReport(t.Table)
		if tr.Status != TableAnalyzed {
			continue
		}
		if cm.Len() == 0 || tr.Analysis.NeedsUpdate == 0 {
			r.table(t.Table, func(tr *TableReport) { tr.Status = TableSkipped })
			e.metrics.IncTable(string(TableSkipped))
			continue
		}

		g.Go(func() error {
			if gctx.Err() != nil {
				r.table(t.Table, func(tr *TableReport) { tr.Status = TableStopped })
				return nil
			}
			tlog := log.WithField("table", t.Table)
			// The table transaction runs to completion once started.
			actx := context.WithoutCancel(gctx)

			start := e.clock()
			n, err := e.store.Apply(actx, t, cm)
			if err != nil {
				kind := errs.Classify(err)
				r.table(t.Table, func(tr *TableReport) {
					tr.Status = TableFailed
					tr.Error = err.Error()
				})
				e.metrics.IncTable(string(TableFailed))
				tlog.WithError(err).WithField("kind", kind.String()).Error("apply failed, table rolled back")
				if kind == errs.KindStructural {
					return fmt.Errorf("apply %s: %w", t.Table, err)
				}
				return nil
			}

			r.table(t.Table, func(tr *TableReport) {
				tr.Status = TableApplied
				tr.Corrected = n
			})
			e.metrics.IncTable(string(TableApplied))
			e.metrics.AddCorrections(t.Table, n)
			tlog.WithFields(logrus.Fields{"corrected": n, "elapsed": e.clock().Sub(start).String()}).Info("table corrected")

			if verify {
				after, err := e.store.Analyze(actx, desc.SourceOfTruth, t, e.pattern)
				if err != nil {
					tlog.WithError(err).Warn("verification failed")
					return nil
				}
				remaining := after.NeedsUpdate
				r.table(t.Table, func(tr *TableReport) { tr.Remaining = &remaining })
				if remaining > 0 {
					tlog.WithField("remaining", remaining).Warn("rows still need correction after apply")
				}
			}
			return nil
		})
	}
	return g.Wait()
}

func (e *Engine) finish(r *run, log *logrus.Entry, state State) Report {
	r.update(func(rep *Report) {
		rep.State = state
		rep.CompletedAt = e.clock()
	})
	rep := r.snapshot()
	log.WithFields(logrus.Fields{"state": rep.State, "corrected": rep.Corrected()}).Info("reconciliation finished")
	return rep
}

func (e *Engine) stop(r *run, log *logrus.Entry) Report {
	r.update(func(rep *Report) {
		rep.Stopped = true
		rep.CompletedAt = e.clock()
		for i := range rep.Tables {
			if rep.Tables[i].Status == TablePending {
				rep.Tables[i].Status = TableStopped
			}
		}
	})
	rep := r.snapshot()
	log.WithField("state", rep.State).Warn("reconciliation stopped")
	return rep
}

func (e *Engine) fail(r *run, log *logrus.Entry, err error) (Report, error) {
	r.update(func(rep *Report) {
		rep.State = StateFailed
		rep.Error = err.Error()
		rep.CompletedAt = e.clock()
	})
	log.WithError(err).Error("reconciliation failed")
	return r.snapshot(), err
}

// ErrRunning is returned when a reconciliation is requested while another one
// is in progress.
var ErrRunning = errors.New("reconciliation already running")
