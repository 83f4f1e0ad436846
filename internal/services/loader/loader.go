package loader

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/Visual-Knowledge-LLC/california-collectors/internal/errs"
	"github.com/Visual-Knowledge-LLC/california-collectors/internal/metrics"
	"github.com/Visual-Knowledge-LLC/california-collectors/internal/records"
)

// Target stores one batch atomically: after InsertBatch returns, either all
// records of the batch are visible or none are.
type Target interface {
	InsertBatch(ctx context.Context, batch []records.ResolvedRecord) error
}

type Config struct {
	BatchSize int
	// Workers bounds how many batches are in flight at once.
	Workers      int
	BatchTimeout time.Duration
	Retry        RetryPolicy
}

type BatchFailure struct {
	Index    int    `json:"index"`
	Offset   int    `json:"offset"`
	Size     int    `json:"size"`
	Kind     string `json:"kind"`
	Attempts int    `json:"attempts"`
	Cause    string `json:"cause"`
}

// LoadSummary is the outcome of LoadAll. Records that were never attempted,
// because the run was stopped or aborted, are counted as skipped. Records
// replaced by a later record with the same UUID are counted as superseded and
// never loaded.
type LoadSummary struct {
	BatchesAttempted  int            `json:"batches_attempted"`
	BatchesCommitted  int            `json:"batches_committed"`
	BatchesFailed     int            `json:"batches_failed"`
	RecordsCommitted  int            `json:"records_committed"`
	RecordsFailed     int            `json:"records_failed"`
	RecordsSkipped    int            `json:"records_skipped"`
	RecordsSuperseded int            `json:"records_superseded"`
	Retries           int            `json:"retries"`
	Failures          []BatchFailure `json:"failures,omitempty"`
	Elapsed           time.Duration  `json:"elapsed_ns"`
	Stopped           bool           `json:"stopped"`
}

// SuccessRate is committed records over the distinct records handed to the
// loader.
func (s LoadSummary) SuccessRate() float64 {
	total := s.RecordsCommitted + s.RecordsFailed + s.RecordsSkipped
	if total == 0 {
		return 0
	}
	return float64(s.RecordsCommitted) / float64(total) * 100
}

type Loader struct {
	target   Target
	cfg      Config
	logger   *logrus.Entry
	metrics  *metrics.Metrics
	clock    func() time.Time
	progress func(LoadSummary)
}

type Option func(*Loader)

func WithLogger(logger *logrus.Entry) Option {
	return func(l *Loader) {
		if logger != nil {
			l.logger = logger
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(l *Loader) {
		l.metrics = m
	}
}

func WithClock(clock func() time.Time) Option {
	return func(l *Loader) {
		if clock != nil {
			l.clock = clock
		}
	}
}

// WithProgress registers a callback invoked with a summary snapshot after
// every finished batch.
func WithProgress(fn func(LoadSummary)) Option {
	return func(l *Loader) {
		l.progress = fn
	}
}

func New(target Target, cfg Config, opts ...Option) (*Loader, error) {
	if cfg.BatchSize <= 0 {
		return nil, errs.Structuralf("loader config", "batch size must be positive, got %d", cfg.BatchSize)
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.Retry.MaxAttempts < 1 {
		cfg.Retry.MaxAttempts = 1
	}

	discard := logrus.New()
	discard.SetOutput(io.Discard)

	l := &Loader{
		target: target,
		cfg:    cfg,
		logger: logrus.NewEntry(discard),
		clock:  time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

type accumulator struct {
	mu sync.Mutex
	s  LoadSummary
}

func (a *accumulator) committed(size, retries int) LoadSummary {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.s.BatchesAttempted++
	a.s.BatchesCommitted++
	a.s.RecordsCommitted += size
	a.s.Retries += retries
	return a.copyLocked()
}

func (a *accumulator) failed(f BatchFailure, retries int) LoadSummary {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.s.BatchesAttempted++
	a.s.BatchesFailed++
	a.s.RecordsFailed += f.Size
	a.s.Retries += retries
	a.s.Failures = append(a.s.Failures, f)
	return a.copyLocked()
}

func (a *accumulator) snapshot() LoadSummary {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.copyLocked()
}

func (a *accumulator) copyLocked() LoadSummary {
	s := a.s
	s.Failures = append([]BatchFailure(nil), a.s.Failures...)
	return s
}

// LoadAll keeps the last record per UUID, splits the rest into consecutive
// batches and stores each one atomically. No UUID appears in two batches, so
// running batches in parallel gives the same rows as running them in order. Transient failures are retried per the retry policy; integrity
// and unclassified failures fail only their batch. A structural failure stops
// further batches and is returned. Cancelling ctx stops new batches from
// starting; batches already in flight finish first.
func (l *Loader) LoadAll(ctx context.Context, resolved []records.ResolvedRecord) (LoadSummary, error) {
	started := l.clock()
	acc := &accumulator{}
	resolved, superseded := latestByUUID(resolved)
	if superseded > 0 {
		l.logger.WithField("records_superseded", superseded).Warn("duplicate license uuids, keeping the last record of each")
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(l.cfg.Workers)

	for index, offset := 0, 0; offset < len(resolved); index, offset = index+1, offset+l.cfg.BatchSize {
		if gctx.Err() != nil {
			break
		}
		batch := resolved[offset:min(offset+l.cfg.BatchSize, len(resolved))]

		g.Go(func() error {
			// g.Go may have waited for a free worker; re-check before starting.
			if gctx.Err() != nil {
				return nil
			}
			return l.loadBatch(gctx, index, offset, batch, acc)
		})
	}
	err := g.Wait()

	summary := acc.snapshot()
	sort.Slice(summary.Failures, func(i, j int) bool { return summary.Failures[i].Index < summary.Failures[j].Index })
	summary.RecordsSkipped = len(resolved) - summary.RecordsCommitted - summary.RecordsFailed
	summary.RecordsSuperseded = superseded
	summary.Elapsed = l.clock().Sub(started)

	if err != nil {
		l.logger.WithError(err).WithField("records_skipped", summary.RecordsSkipped).Error("load aborted")
		return summary, err
	}
	if summary.RecordsSkipped > 0 && ctx.Err() != nil {
		summary.Stopped = true
		l.logger.WithField("records_skipped", summary.RecordsSkipped).Warn("load stopped before all batches ran")
	}
	return summary, nil
}

func (l *Loader) loadBatch(ctx context.Context, index, offset int, batch []records.ResolvedRecord, acc *accumulator) error {
	start := l.clock()
	log := l.logger.WithFields(logrus.Fields{"batch": index, "size": len(batch)})

	// A batch that has started runs to completion even if the run is stopped.
	bctx := context.WithoutCancel(ctx)

	attempts := 0
	retries, err := l.cfg.Retry.Do(bctx, func(ctx context.Context) error {
		attempts++
		return l.insert(ctx, batch)
	}, func(attempt int, err error) {
		l.metrics.IncRetry()
		log.WithError(err).WithField("attempt", attempt).Warn("transient batch failure, retrying")
	})

	if err == nil {
		snap := acc.committed(len(batch), retries)
		l.metrics.ObserveBatch("committed", len(batch), start)
		log.WithField("retries", retries).Debug("batch committed")
		l.report(snap)
		return nil
	}

	kind := errs.Classify(err)
	snap := acc.failed(BatchFailure{
		Index:    index,
		Offset:   offset,
		Size:     len(batch),
		Kind:     kind.String(),
		Attempts: attempts,
		Cause:    err.Error(),
	}, retries)
	l.metrics.ObserveBatch("failed", len(batch), start)
	log.WithError(err).WithFields(logrus.Fields{"kind": kind.String(), "attempts": attempts}).Error("batch failed")
	l.report(snap)

	if kind == errs.KindStructural {
		return fmt.Errorf("batch %d: %w", index, err)
	}
	return nil
}

func (l *Loader) insert(ctx context.Context, batch []records.ResolvedRecord) error {
	if l.cfg.BatchTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, l.cfg.BatchTimeout)
		defer cancel()
	}
	err := l.target.InsertBatch(ctx, batch)
	if err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return errs.Transient("insert batch", err)
	}
	return err
}

// latestByUUID drops every record that a later record with the same UUID
// replaces. Survivors keep their input order.
func latestByUUID(resolved []records.ResolvedRecord) ([]records.ResolvedRecord, int) {
	last := make(map[string]int, len(resolved))
	for i, r := range resolved {
		last[r.UUID()] = i
	}
	if len(last) == len(resolved) {
		return resolved, 0
	}
	out := make([]records.ResolvedRecord, 0, len(last))
	for i, r := range resolved {
		if last[r.UUID()] == i {
			out = append(out, r)
		}
	}
	return out, len(resolved) - len(out)
}

func (l *Loader) report(s LoadSummary) {
	if l.progress != nil {
		l.progress(s)
	}
}
