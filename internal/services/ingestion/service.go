// Package ingestion coordinates runs: it sequences resolve and load for an
// ingestion, analyze, map and apply for a reconciliation, applies mapping
// backfills, and keeps an in-memory view of run progress.
package ingestion

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gorm.io/datatypes"

	"github.com/Visual-Knowledge-LLC/california-collectors/internal/errs"
	"github.com/Visual-Knowledge-LLC/california-collectors/internal/mapping"
	"github.com/Visual-Knowledge-LLC/california-collectors/internal/metrics"
	"github.com/Visual-Knowledge-LLC/california-collectors/internal/models"
	"github.com/Visual-Knowledge-LLC/california-collectors/internal/records"
	"github.com/Visual-Knowledge-LLC/california-collectors/internal/services/loader"
	"github.com/Visual-Knowledge-LLC/california-collectors/internal/services/normalizer"
	"github.com/Visual-Knowledge-LLC/california-collectors/internal/services/reconciliation"
	"github.com/Visual-Knowledge-LLC/california-collectors/internal/source"
)

type RunStore interface {
	CreateIngestion(ctx context.Context, run *models.IngestionRun) error
	SaveIngestion(ctx context.Context, run *models.IngestionRun) error
	CreateReconciliation(ctx context.Context, run *models.ReconciliationRun) error
	SaveReconciliation(ctx context.Context, run *models.ReconciliationRun) error
}

type RejectionStore interface {
	SaveAll(ctx context.Context, runID uuid.UUID, rejected []records.RejectedRecord) error
}

// MappingPersister writes mapping changes made in memory to durable storage.
type MappingPersister interface {
	SaveChanges(ctx context.Context, changes []mapping.Change, reason string) error
}

// TargetFunc returns the batch target records of one run are loaded into.
type TargetFunc func(runID uuid.UUID) loader.Target

type Deps struct {
	Mappings       *mapping.Store
	MappingRepo    MappingPersister
	Runs           RunStore
	Rejections     RejectionStore
	Targets        TargetFunc
	ReconcileStore reconciliation.Store
	Descriptors    reconciliation.Descriptors
}

type Config struct {
	Loader             loader.Config
	CSLBAgencyName     string
	CSLBAgencyByRegion bool
	ReconcileWorkers   int
	Verify             bool
}

const (
	KindIngest    = "ingest"
	KindReconcile = "reconcile"

	PhaseParsed    = "parsed"
	PhaseResolving = "resolving"
	PhaseLoading   = "loading"
	PhaseFinished  = "finished"
)

// Progress is the live view of a run.
type Progress struct {
	RunID          uuid.UUID              `json:"run_id"`
	Kind           string                 `json:"kind"`
	Status         string                 `json:"status"`
	Phase          string                 `json:"phase"`
	Ingest         *IngestResult          `json:"ingest,omitempty"`
	Reconciliation *reconciliation.Report `json:"reconciliation,omitempty"`
	Error          string                 `json:"error,omitempty"`
	UpdatedAt      time.Time              `json:"updated_at"`
}

// IngestResult accounts for every record of a run: Total equals Resolved plus
// Rejected, and Resolved equals committed plus failed plus skipped plus
// superseded records in Load.
type IngestResult struct {
	RunID            uuid.UUID                  `json:"run_id"`
	Source           records.Source             `json:"source"`
	Filename         string                     `json:"filename"`
	Total            int                        `json:"total"`
	Resolved         int                        `json:"resolved"`
	Rejected         int                        `json:"rejected"`
	RejectedByReason map[records.ReasonCode]int `json:"rejected_by_reason"`
	AgencyCoverage   mapping.Coverage           `json:"agency_coverage"`
	ZipCoverage      mapping.Coverage           `json:"zip_coverage"`
	Load             loader.LoadSummary         `json:"load"`
	Stopped          bool                       `json:"stopped"`
}

type Service struct {
	deps       Deps
	cfg        Config
	normalizer *normalizer.Normalizer
	engine     *reconciliation.Engine
	logger     *logrus.Entry
	metrics    *metrics.Metrics
	clock      func() time.Time

	progressMu sync.Mutex
	progress   sync.Map

	mu          sync.Mutex
	cancels     map[uuid.UUID]context.CancelFunc
	reconciling bool
	wg          sync.WaitGroup
}

type Option func(*Service)

func WithLogger(logger *logrus.Entry) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) {
		s.metrics = m
	}
}

func WithClock(clock func() time.Time) Option {
	return func(s *Service) {
		if clock != nil {
			s.clock = clock
		}
	}
}

func NewService(deps Deps, cfg Config, opts ...Option) (*Service, error) {
	discard := logrus.New()
	discard.SetOutput(io.Discard)

	s := &Service{
		deps:    deps,
		cfg:     cfg,
		logger:  logrus.NewEntry(discard),
		clock:   time.Now,
		cancels: make(map[uuid.UUID]context.CancelFunc),
	}
	for _, opt := range opts {
		opt(s)
	}
	if cfg.Loader.BatchSize <= 0 {
		return nil, errs.Structuralf("ingestion config", "batch size must be positive, got %d", cfg.Loader.BatchSize)
	}

	s.normalizer = normalizer.New(mapping.NewResolver(deps.Mappings),
		normalizer.WithLogger(s.logger.WithField("component", "normalizer")),
		normalizer.WithMetrics(s.metrics),
	)

	engine, err := reconciliation.NewEngine(deps.ReconcileStore, deps.Descriptors,
		reconciliation.WithLogger(s.logger.WithField("component", "reconciliation")),
		reconciliation.WithMetrics(s.metrics),
		reconciliation.WithClock(s.clock),
		reconciliation.WithWorkers(cfg.ReconcileWorkers),
		reconciliation.WithProgress(s.trackReconciliation),
	)
	if err != nil {
		return nil, fmt.Errorf("reconciliation engine: %w", err)
	}
	s.engine = engine
	return s, nil
}

// Parse decodes an uploaded source file.
func (s *Service) Parse(src records.Source, r io.Reader) ([]records.RawRecord, error) {
	return source.Read(src, r, source.Options{
		CSLBAgencyName:     s.cfg.CSLBAgencyName,
		CSLBAgencyByRegion: s.cfg.CSLBAgencyByRegion,
	})
}

// StartIngest registers a run for raw and processes it in the background.
// The returned id can be passed to Progress and Stop.
func (s *Service) StartIngest(ctx context.Context, src records.Source, filename string, raw []records.RawRecord) (uuid.UUID, error) {
	run, err := s.createIngestion(ctx, src, filename, len(raw))
	if err != nil {
		return uuid.Nil, err
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.register(run.ID, cancel)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.unregister(run.ID)
		if _, err := s.ingest(runCtx, run, raw); err != nil {
			s.logger.WithError(err).WithField("run_id", run.ID).Error("ingestion run failed")
		}
	}()
	return run.ID, nil
}

// Ingest runs a whole ingestion synchronously.
func (s *Service) Ingest(ctx context.Context, src records.Source, filename string, raw []records.RawRecord) (IngestResult, error) {
	run, err := s.createIngestion(ctx, src, filename, len(raw))
	if err != nil {
		return IngestResult{}, err
	}
	return s.ingest(ctx, run, raw)
}

func (s *Service) createIngestion(ctx context.Context, src records.Source, filename string, total int) (*models.IngestionRun, error) {
	now := s.clock()
	run := &models.IngestionRun{
		ID:           uuid.New(),
		Source:       string(src),
		Filename:     filename,
		TotalRecords: total,
		Status:       models.RunProcessing,
		StartedAt:    now,
		CreatedAt:    now,
	}
	if err := s.deps.Runs.CreateIngestion(ctx, run); err != nil {
		return nil, fmt.Errorf("create ingestion run: %w", err)
	}
	s.setProgress(Progress{RunID: run.ID, Kind: KindIngest, Status: models.RunProcessing, Phase: PhaseParsed, UpdatedAt: now})
	return run, nil
}

func (s *Service) ingest(ctx context.Context, run *models.IngestionRun, raw []records.RawRecord) (IngestResult, error) {
	log := s.logger.WithFields(logrus.Fields{"run_id": run.ID, "source": run.Source})
	res := IngestResult{
		RunID:            run.ID,
		Source:           records.Source(run.Source),
		Filename:         run.Filename,
		Total:            len(raw),
		RejectedByReason: make(map[records.ReasonCode]int),
	}
	s.updateProgress(run.ID, func(p *Progress) { p.Phase = PhaseResolving })

	res.AgencyCoverage, res.ZipCoverage = s.coverage(raw)
	if n := len(res.AgencyCoverage.Missing); n > 0 {
		log.WithFields(logrus.Fields{
			"missing_agencies": n,
			"unmapped_records": res.AgencyCoverage.UnmappedRecords,
		}).Warn("agency names without mapping")
	}

	resolved, rejected := s.normalizer.Normalize(raw)
	res.Resolved, res.Rejected = len(resolved), len(rejected)
	for _, rej := range rejected {
		res.RejectedByReason[rej.Reason]++
	}
	log.WithFields(logrus.Fields{"total": res.Total, "resolved": res.Resolved, "rejected": res.Rejected}).Info("records normalized")

	if err := s.deps.Rejections.SaveAll(ctx, run.ID, rejected); err != nil {
		return res, s.finishIngestion(ctx, run, res, fmt.Errorf("save rejections: %w", err))
	}

	s.updateProgress(run.ID, func(p *Progress) {
		p.Phase = PhaseLoading
		snap := res
		p.Ingest = &snap
	})
	l, err := loader.New(s.deps.Targets(run.ID), s.cfg.Loader,
		loader.WithLogger(log.WithField("component", "loader")),
		loader.WithMetrics(s.metrics),
		loader.WithClock(s.clock),
		loader.WithProgress(func(sum loader.LoadSummary) {
			s.updateProgress(run.ID, func(p *Progress) {
				if p.Ingest != nil {
					p.Ingest.Load = sum
				}
			})
		}),
	)
	if err != nil {
		return res, s.finishIngestion(ctx, run, res, err)
	}

	res.Load, err = l.LoadAll(ctx, resolved)
	res.Stopped = res.Load.Stopped
	return res, s.finishIngestion(ctx, run, res, err)
}

// finishIngestion persists the outcome of a run and returns runErr.
func (s *Service) finishIngestion(ctx context.Context, run *models.IngestionRun, res IngestResult, runErr error) error {
	now := s.clock()
	run.ResolvedCount = res.Resolved
	run.RejectedCount = res.Rejected
	run.CommittedCount = res.Load.RecordsCommitted
	run.FailedCount = res.Load.RecordsFailed
	run.CompletedAt = &now
	switch {
	case runErr != nil:
		run.Status = models.RunFailed
		run.Error = runErr.Error()
	case res.Stopped:
		run.Status = models.RunStopped
	default:
		run.Status = models.RunCompleted
	}
	if summary, err := json.Marshal(res); err == nil {
		run.Summary = datatypes.JSON(summary)
	}

	saveErr := s.deps.Runs.SaveIngestion(context.WithoutCancel(ctx), run)
	s.updateProgress(run.ID, func(p *Progress) {
		p.Status = run.Status
		p.Phase = PhaseFinished
		p.Error = run.Error
		snap := res
		p.Ingest = &snap
	})
	if saveErr != nil {
		return errors.Join(runErr, fmt.Errorf("save ingestion run: %w", saveErr))
	}
	s.logger.WithFields(logrus.Fields{
		"run_id":            run.ID,
		"status":            run.Status,
		"records_committed": res.Load.RecordsCommitted,
		"records_failed":    res.Load.RecordsFailed,
		"records_rejected":  res.Rejected,
		"success_rate":      res.Load.SuccessRate(),
	}).Info("ingestion run finished")
	return runErr
}

func (s *Service) coverage(raw []records.RawRecord) (mapping.Coverage, mapping.Coverage) {
	agencies := make(map[string]int)
	zips := make(map[string]int)
	for _, r := range raw {
		if !records.AgencyByRegion(r) {
			agencies[r.AgencyName()]++
		}
		zips[r.ZipCode()]++
	}
	return s.deps.Mappings.Coverage(mapping.SetAgency, agencies),
		s.deps.Mappings.Coverage(mapping.SetZip, zips)
}

// StartReconciliation runs a reconciliation in the background. Only one
// reconciliation runs at a time.
func (s *Service) StartReconciliation(ctx context.Context, dryRun bool, tables []string) (uuid.UUID, error) {
	if err := s.acquireReconciliation(); err != nil {
		return uuid.Nil, err
	}
	run, err := s.createReconciliation(ctx, dryRun)
	if err != nil {
		s.releaseReconciliation()
		return uuid.Nil, err
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.register(run.ID, cancel)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.releaseReconciliation()
		defer s.unregister(run.ID)
		if _, err := s.reconcile(runCtx, run, dryRun, tables); err != nil {
			s.logger.WithError(err).WithField("run_id", run.ID).Error("reconciliation run failed")
		}
	}()
	return run.ID, nil
}

// Reconcile runs a reconciliation synchronously.
func (s *Service) Reconcile(ctx context.Context, dryRun bool, tables []string) (reconciliation.Report, error) {
	if err := s.acquireReconciliation(); err != nil {
		return reconciliation.Report{}, err
	}
	defer s.releaseReconciliation()

	run, err := s.createReconciliation(ctx, dryRun)
	if err != nil {
		return reconciliation.Report{}, err
	}
	return s.reconcile(ctx, run, dryRun, tables)
}

func (s *Service) acquireReconciliation() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.reconciling {
		return reconciliation.ErrRunning
	}
	s.reconciling = true
	return nil
}

func (s *Service) releaseReconciliation() {
	s.mu.Lock()
	s.reconciling = false
	s.mu.Unlock()
}

func (s *Service) createReconciliation(ctx context.Context, dryRun bool) (*models.ReconciliationRun, error) {
	now := s.clock()
	run := &models.ReconciliationRun{
		ID:        uuid.New(),
		State:     string(reconciliation.StateAnalyzing),
		DryRun:    dryRun,
		StartedAt: now,
		CreatedAt: now,
	}
	if err := s.deps.Runs.CreateReconciliation(ctx, run); err != nil {
		return nil, fmt.Errorf("create reconciliation run: %w", err)
	}
	s.setProgress(Progress{RunID: run.ID, Kind: KindReconcile, Status: models.RunProcessing, Phase: string(reconciliation.StateAnalyzing), UpdatedAt: now})
	return run, nil
}

func (s *Service) reconcile(ctx context.Context, run *models.ReconciliationRun, dryRun bool, tables []string) (reconciliation.Report, error) {
	rep, runErr := s.engine.Run(ctx, reconciliation.RunOptions{
		RunID:  run.ID.String(),
		DryRun: dryRun,
		Tables: tables,
		Verify: s.cfg.Verify,
	})

	now := s.clock()
	run.State = string(rep.State)
	run.Corrected = rep.Corrected()
	run.Error = rep.Error
	run.CompletedAt = &now
	names := make([]string, 0, len(rep.Tables))
	for _, t := range rep.Tables {
		names = append(names, t.Table)
	}
	run.Tables = strings.Join(names, ",")
	if body, err := json.Marshal(rep); err == nil {
		run.Report = datatypes.JSON(body)
	}

	status := models.RunCompleted
	switch {
	case runErr != nil:
		status = models.RunFailed
	case rep.Stopped:
		status = models.RunStopped
	}
	saveErr := s.deps.Runs.SaveReconciliation(context.WithoutCancel(ctx), run)
	s.updateProgress(run.ID, func(p *Progress) {
		p.Status = status
		p.Phase = string(rep.State)
		p.Error = rep.Error
		p.Reconciliation = &rep
	})
	if saveErr != nil {
		return rep, errors.Join(runErr, fmt.Errorf("save reconciliation run: %w", saveErr))
	}
	return rep, runErr
}

func (s *Service) trackReconciliation(rep reconciliation.Report) {
	id, err := uuid.Parse(rep.RunID)
	if err != nil {
		return
	}
	s.updateProgress(id, func(p *Progress) {
		p.Phase = string(rep.State)
		p.Reconciliation = &rep
	})
}

// Backfill applies mapping entries and persists the changes. When persisting
// fails the in-memory store is restored, so it never diverges from storage.
func (s *Service) Backfill(ctx context.Context, entries []mapping.BackfillEntry, src mapping.EntrySource, reason string) (mapping.BackfillReport, error) {
	snap := s.deps.Mappings.Snapshot()
	report := s.deps.Mappings.Backfill(entries, src)

	if err := s.deps.MappingRepo.SaveChanges(ctx, report.Changes, reason); err != nil {
		s.deps.Mappings.Restore(snap)
		return mapping.BackfillReport{}, fmt.Errorf("persist mapping changes: %w", err)
	}
	for _, c := range report.Changes {
		s.metrics.IncMappingChange(string(c.Entry.Set), string(c.Action))
	}
	s.logger.WithFields(logrus.Fields{
		"source":    src,
		"inserted":  report.Inserted,
		"unchanged": report.Unchanged,
		"corrected": report.Corrected,
		"failed":    len(report.Failed),
	}).Info("mapping backfill applied")
	return report, nil
}

// SeedMappings loads a ZIP, agency or region agency reference file as seed
// entries.
func (s *Service) SeedMappings(ctx context.Context, set mapping.Set, r io.Reader) (mapping.BackfillReport, error) {
	entries, err := source.ReadMappings(r, set)
	if err != nil {
		return mapping.BackfillReport{}, err
	}
	req := make([]mapping.BackfillEntry, 0, len(entries))
	for _, e := range entries {
		req = append(req, mapping.BackfillEntry{Set: set, RawKey: e.RawKey, CanonicalID: e.CanonicalID})
	}
	return s.Backfill(ctx, req, mapping.SourceSeed, "reference file")
}

// Lookup resolves one raw key the way the resolver does.
func (s *Service) Lookup(set mapping.Set, rawKey string) (string, error) {
	return s.deps.Mappings.Lookup(set, rawKey)
}

// Mappings lists the entries of one set.
func (s *Service) Mappings(set mapping.Set) []mapping.Entry {
	return s.deps.Mappings.Entries(set)
}

// Conflicts lists the keys of one set that still resolve as ambiguous.
func (s *Service) Conflicts(set mapping.Set) []mapping.Conflict {
	return s.deps.Mappings.Conflicts(set)
}

func (s *Service) Descriptors() reconciliation.Descriptors {
	return s.engine.Descriptors()
}

// Stop signals a running run to halt at its next batch or table boundary.
// It reports whether the run was running.
func (s *Service) Stop(runID uuid.UUID) bool {
	s.mu.Lock()
	cancel, ok := s.cancels[runID]
	s.mu.Unlock()
	if ok {
		cancel()
		s.logger.WithField("run_id", runID).Warn("stop requested")
	}
	return ok
}

// Progress returns the live view of a run started by this process.
func (s *Service) Progress(runID uuid.UUID) (Progress, bool) {
	v, ok := s.progress.Load(runID)
	if !ok {
		return Progress{}, false
	}
	return v.(Progress), true
}

// Shutdown stops every running run and waits for them to persist their state.
func (s *Service) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	for _, cancel := range s.cancels {
		cancel()
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Service) register(id uuid.UUID, cancel context.CancelFunc) {
	s.mu.Lock()
	s.cancels[id] = cancel
	s.mu.Unlock()
}

func (s *Service) unregister(id uuid.UUID) {
	s.mu.Lock()
	if cancel, ok := s.cancels[id]; ok {
		cancel()
		delete(s.cancels, id)
	}
	s.mu.Unlock()
}

func (s *Service) setProgress(p Progress) {
	s.progressMu.Lock()
	s.progress.Store(p.RunID, p)
	s.progressMu.Unlock()
}

func (s *Service) updateProgress(id uuid.UUID, fn func(*Progress)) {
	s.progressMu.Lock()
	defer s.progressMu.Unlock()
	v, ok := s.progress.Load(id)
	if !ok {
		return
	}
	p := v.(Progress)
	if p.Ingest != nil {
		in := *p.Ingest
		p.Ingest = &in
	}
	fn(&p)
	p.UpdatedAt = s.clock()
	s.progress.Store(id, p)
}
