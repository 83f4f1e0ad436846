package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Visual-Knowledge-LLC/california-collectors/internal/mapping"
	"github.com/Visual-Knowledge-LLC/california-collectors/internal/models"
	"github.com/Visual-Knowledge-LLC/california-collectors/internal/records"
	"github.com/Visual-Knowledge-LLC/california-collectors/internal/repository"
	"github.com/Visual-Knowledge-LLC/california-collectors/internal/services/ingestion"
	"github.com/Visual-Knowledge-LLC/california-collectors/internal/services/loader"
	"github.com/Visual-Knowledge-LLC/california-collectors/internal/services/reconciliation"
)

type memRuns struct {
	mu   sync.Mutex
	runs map[uuid.UUID]models.IngestionRun
}

func (m *memRuns) CreateIngestion(ctx context.Context, run *models.IngestionRun) error {
	return m.SaveIngestion(ctx, run)
}

func (m *memRuns) SaveIngestion(_ context.Context, run *models.IngestionRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runs[run.ID] = *run
	return nil
}

func (m *memRuns) CreateReconciliation(context.Context, *models.ReconciliationRun) error { return nil }
func (m *memRuns) SaveReconciliation(context.Context, *models.ReconciliationRun) error   { return nil }

func (m *memRuns) GetIngestion(_ context.Context, id uuid.UUID) (*models.IngestionRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[id]
	if !ok {
		return nil, repository.ErrRunNotFound
	}
	return &run, nil
}

func (m *memRuns) ListIngestions(_ context.Context, limit int) ([]models.IngestionRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.IngestionRun, 0, len(m.runs))
	for _, run := range m.runs {
		out = append(out, run)
	}
	return out[:min(limit, len(out))], nil
}

func (m *memRuns) GetReconciliation(context.Context, uuid.UUID) (*models.ReconciliationRun, error) {
	return nil, repository.ErrRunNotFound
}

type nopRejections struct{}

func (nopRejections) SaveAll(context.Context, uuid.UUID, []records.RejectedRecord) error { return nil }

func (nopRejections) List(context.Context, uuid.UUID, string, int, int) (repository.RejectionPage, error) {
	return repository.RejectionPage{}, nil
}

func (nopRejections) CountByReason(context.Context, uuid.UUID) (map[string]int64, error) {
	return map[string]int64{}, nil
}

func (nopRejections) Unmapped(context.Context, uuid.UUID) (repository.UnmappedSummary, error) {
	return repository.UnmappedSummary{Agencies: []repository.UnmappedValue{{Value: "Board of Unicorns", Records: 2}}}, nil
}

type nopMappings struct{}

func (nopMappings) SaveChanges(context.Context, []mapping.Change, string) error { return nil }

type fixedCounter int64

func (n fixedCounter) CountByRun(context.Context, uuid.UUID) (int64, error) { return int64(n), nil }

type staticCorrections []models.MappingCorrection

func (c staticCorrections) ListCorrections(_ context.Context, set mapping.Set, _ int) ([]models.MappingCorrection, error) {
	var out []models.MappingCorrection
	for _, mc := range c {
		if mc.Set == string(set) {
			out = append(out, mc)
		}
	}
	return out, nil
}

type nopTarget struct{}

func (nopTarget) InsertBatch(context.Context, []records.ResolvedRecord) error { return nil }

type emptyReconcileStore struct{}

func (emptyReconcileStore) StreamSourceOfTruth(context.Context, reconciliation.SourceOfTruth, func(reconciliation.SourceRow) error) error {
	return nil
}

func (emptyReconcileStore) Analyze(context.Context, reconciliation.SourceOfTruth, reconciliation.DependentTable, *regexp.Regexp) (reconciliation.TableAnalysis, error) {
	return reconciliation.TableAnalysis{}, nil
}

func (emptyReconcileStore) Apply(context.Context, reconciliation.DependentTable, *reconciliation.CorrectionMap) (int64, error) {
	return 0, nil
}

func newRouter(t *testing.T) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)

	store := mapping.NewStore()
	_, err := store.Load([]mapping.Entry{
		{Set: mapping.SetAgency, RawKey: "Board of Pharmacy", CanonicalID: "13"},
		{Set: mapping.SetZip, RawKey: "95814", CanonicalID: "1100"},
		{Set: mapping.SetAgency, RawKey: "Dental Board", CanonicalID: "20"},
		{Set: mapping.SetAgency, RawKey: "DENTAL BOARD", CanonicalID: "21"},
	})
	require.NoError(t, err)

	runs := &memRuns{runs: make(map[uuid.UUID]models.IngestionRun)}
	svc, err := ingestion.NewService(ingestion.Deps{
		Mappings:       store,
		MappingRepo:    nopMappings{},
		Runs:           runs,
		Rejections:     nopRejections{},
		Targets:        func(uuid.UUID) loader.Target { return nopTarget{} },
		ReconcileStore: emptyReconcileStore{},
		Descriptors: reconciliation.Descriptors{
			SourceOfTruth: reconciliation.SourceOfTruth{Table: "bbb_uploaded_data", KeyColumns: []string{"bbb_id", "license_nbr"}, ValueColumn: "agency_url"},
			Tables:        []reconciliation.DependentTable{{Table: "match_results", KeyColumns: []string{"bbb_id", "license_number"}, ValueColumn: "agency_license_url"}},
		},
	}, ingestion.Config{Loader: loader.Config{BatchSize: 100}})
	require.NoError(t, err)

	ingest := NewIngestionHandler(svc, runs, nopRejections{}, fixedCounter(2), 1<<20)
	maps := NewMappingHandler(svc, staticCorrections{
		{Set: string(mapping.SetAgency), RawKey: "Board of Pharmacy", PreviousIDs: "12", NewID: "13", PerformedBy: "backfill"},
	})
	recon := NewReconciliationHandler(svc, runs, true)

	r := gin.New()
	r.POST("/api/ingest/:source", ingest.Upload)
	r.GET("/api/runs", ingest.ListRuns)
	r.GET("/api/runs/:runId", ingest.GetRun)
	r.GET("/api/runs/:runId/records", ingest.StoredRecords)
	r.POST("/api/runs/:runId/stop", ingest.Stop)
	r.GET("/api/runs/:runId/rejections", ingest.ListRejections)
	r.GET("/api/runs/:runId/unmapped", ingest.Unmapped)
	r.POST("/api/mappings/backfill", maps.Backfill)
	r.GET("/api/mappings/:set/:rawKey", maps.Lookup)
	r.GET("/api/mapping-sets/:set", maps.List)
	r.GET("/api/mapping-sets/:set/conflicts", maps.Conflicts)
	r.GET("/api/mapping-sets/:set/corrections", maps.Corrections)
	r.POST("/api/reconciliation/run", recon.Run)
	return r
}

func multipartFile(t *testing.T, name, content string) (*bytes.Buffer, string) {
	t.Helper()
	var body bytes.Buffer
	w := multipart.NewWriter(&body)
	fw, err := w.CreateFormFile("file", name)
	require.NoError(t, err)
	_, err = fw.Write([]byte(content))
	require.NoError(t, err)
	require.NoError(t, w.Close())
	return &body, w.FormDataContentType()
}

func do(r *gin.Engine, req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func TestUploadAndPollRun(t *testing.T) {
	r := newRouter(t)
	csv := "Agency Name,License Number,Zip\n" +
		"Board of Pharmacy,RPH 1,95814\n" +
		"BOARD OF PHARMACY ,RPH 2,95814-1234\n" +
		"Board of Unicorns,U 1,95814\n"
	body, ctype := multipartFile(t, "dca.csv", csv)

	req := httptest.NewRequest(http.MethodPost, "/api/ingest/dca", body)
	req.Header.Set("Content-Type", ctype)
	rec := do(r, req)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	var accepted struct {
		RunID string `json:"run_id"`
		Total int    `json:"total"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &accepted))
	assert.Equal(t, 3, accepted.Total)

	var progress ingestion.Progress
	require.Eventually(t, func() bool {
		rec := do(r, httptest.NewRequest(http.MethodGet, "/api/runs/"+accepted.RunID, nil))
		if rec.Code != http.StatusOK {
			return false
		}
		progress = ingestion.Progress{}
		return json.Unmarshal(rec.Body.Bytes(), &progress) == nil && progress.Phase == ingestion.PhaseFinished
	}, 2*time.Second, 10*time.Millisecond)

	require.NotNil(t, progress.Ingest)
	assert.Equal(t, 2, progress.Ingest.Resolved)
	assert.Equal(t, 1, progress.Ingest.Rejected)
	assert.Equal(t, 2, progress.Ingest.Load.RecordsCommitted)

	rec = do(r, httptest.NewRequest(http.MethodGet, "/api/runs/"+accepted.RunID+"/records", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"stored_records":2`)

	rec = do(r, httptest.NewRequest(http.MethodGet, "/api/runs?limit=5", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), accepted.RunID)
}

func TestUploadRejectsUnknownSourceAndBadFile(t *testing.T) {
	r := newRouter(t)

	body, ctype := multipartFile(t, "x.csv", "a,b\n1,2\n")
	req := httptest.NewRequest(http.MethodPost, "/api/ingest/abc", body)
	req.Header.Set("Content-Type", ctype)
	assert.Equal(t, http.StatusBadRequest, do(r, req).Code)

	body, ctype = multipartFile(t, "dca.csv", "Name,City\nAcme,Davis\n")
	req = httptest.NewRequest(http.MethodPost, "/api/ingest/dca", body)
	req.Header.Set("Content-Type", ctype)
	assert.Equal(t, http.StatusBadRequest, do(r, req).Code)
}

func TestGetUnknownRun(t *testing.T) {
	r := newRouter(t)

	assert.Equal(t, http.StatusBadRequest, do(r, httptest.NewRequest(http.MethodGet, "/api/runs/nope", nil)).Code)
	assert.Equal(t, http.StatusNotFound, do(r, httptest.NewRequest(http.MethodGet, "/api/runs/"+uuid.NewString(), nil)).Code)
	assert.Equal(t, http.StatusNotFound, do(r, httptest.NewRequest(http.MethodPost, "/api/runs/"+uuid.NewString()+"/stop", nil)).Code)
	assert.Equal(t, http.StatusNotFound, do(r, httptest.NewRequest(http.MethodGet, "/api/runs/"+uuid.NewString()+"/records", nil)).Code)
	assert.Equal(t, http.StatusBadRequest, do(r, httptest.NewRequest(http.MethodGet, "/api/runs?limit=0", nil)).Code)
}

func TestListRejectionsValidatesPaging(t *testing.T) {
	r := newRouter(t)
	base := "/api/runs/" + uuid.NewString() + "/rejections"

	assert.Equal(t, http.StatusBadRequest, do(r, httptest.NewRequest(http.MethodGet, base+"?limit=0", nil)).Code)
	assert.Equal(t, http.StatusBadRequest, do(r, httptest.NewRequest(http.MethodGet, base+"?cursor=x", nil)).Code)
	assert.Equal(t, http.StatusOK, do(r, httptest.NewRequest(http.MethodGet, base+"?limit=10&reason=missing_agency_mapping", nil)).Code)
}

func TestUnmapped(t *testing.T) {
	r := newRouter(t)

	rec := do(r, httptest.NewRequest(http.MethodGet, "/api/runs/"+uuid.NewString()+"/unmapped", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "Board of Unicorns")
}

func TestLookupMapping(t *testing.T) {
	r := newRouter(t)

	rec := do(r, httptest.NewRequest(http.MethodGet, "/api/mappings/agency/board%20OF%20pharmacy", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"canonical_id":"13"`)

	assert.Equal(t, http.StatusNotFound, do(r, httptest.NewRequest(http.MethodGet, "/api/mappings/agency/Board%20of%20Unicorns", nil)).Code)
	assert.Equal(t, http.StatusBadRequest, do(r, httptest.NewRequest(http.MethodGet, "/api/mappings/region/x", nil)).Code)
}

func TestBackfill(t *testing.T) {
	r := newRouter(t)

	bad := httptest.NewRequest(http.MethodPost, "/api/mappings/backfill", bytes.NewBufferString(`{"entries":[]}`))
	bad.Header.Set("Content-Type", "application/json")
	assert.Equal(t, http.StatusBadRequest, do(r, bad).Code)

	payload := `{"source":"backfill","entries":[{"set":"agency","raw_key":"Board of Unicorns","canonical_id":"77"}]}`
	req := httptest.NewRequest(http.MethodPost, "/api/mappings/backfill", bytes.NewBufferString(payload))
	req.Header.Set("Content-Type", "application/json")
	rec := do(r, req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Contains(t, rec.Body.String(), `"inserted":1`)

	rec = do(r, httptest.NewRequest(http.MethodGet, "/api/mappings/agency/board%20of%20unicorns", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestReconciliationRunRejectsUnknownTable(t *testing.T) {
	r := newRouter(t)

	req := httptest.NewRequest(http.MethodPost, "/api/reconciliation/run", bytes.NewBufferString(`{"tables":["nope"]}`))
	req.Header.Set("Content-Type", "application/json")
	assert.Equal(t, http.StatusBadRequest, do(r, req).Code)

	req = httptest.NewRequest(http.MethodPost, "/api/reconciliation/run", bytes.NewBufferString(`{"tables":["match_results"]}`))
	req.Header.Set("Content-Type", "application/json")
	rec := do(r, req)
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Contains(t, rec.Body.String(), `"dry_run":true`)
}

func TestBackfillReportsRemainingConflicts(t *testing.T) {
	r := newRouter(t)

	rec := do(r, httptest.NewRequest(http.MethodGet, "/api/mapping-sets/agency/conflicts", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var listed struct {
		Conflicts []mapping.Conflict `json:"conflicts"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &listed))
	require.Len(t, listed.Conflicts, 1)
	assert.Equal(t, "dental board", listed.Conflicts[0].Key)
	assert.ElementsMatch(t, []string{"20", "21"}, listed.Conflicts[0].CanonicalIDs)

	payload := `{"entries":[{"set":"agency","raw_key":"Medical Board","canonical_id":"30"}]}`
	req := httptest.NewRequest(http.MethodPost, "/api/mappings/backfill", bytes.NewBufferString(payload))
	req.Header.Set("Content-Type", "application/json")
	rec = do(r, req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var report mapping.BackfillReport
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &report))
	require.Len(t, report.Conflicts, 1)
	assert.Equal(t, "dental board", report.Conflicts[0].Key)

	payload = `{"entries":[{"set":"agency","raw_key":"Dental Board","canonical_id":"21"}]}`
	req = httptest.NewRequest(http.MethodPost, "/api/mappings/backfill", bytes.NewBufferString(payload))
	req.Header.Set("Content-Type", "application/json")
	rec = do(r, req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	report = mapping.BackfillReport{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &report))
	assert.Equal(t, 1, report.Corrected)
	assert.Empty(t, report.Conflicts)

	rec = do(r, httptest.NewRequest(http.MethodGet, "/api/mapping-sets/agency/conflicts", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"set":"agency","conflicts":[]}`, rec.Body.String())
}

func TestListMappingsAndCorrections(t *testing.T) {
	r := newRouter(t)

	rec := do(r, httptest.NewRequest(http.MethodGet, "/api/mapping-sets/zip", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"count":1`)
	assert.Contains(t, rec.Body.String(), `"canonical_id":"1100"`)

	rec = do(r, httptest.NewRequest(http.MethodGet, "/api/mapping-sets/agency/corrections?limit=5", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"PerformedBy":"backfill"`)

	assert.Equal(t, http.StatusBadRequest, do(r, httptest.NewRequest(http.MethodGet, "/api/mapping-sets/county", nil)).Code)
	assert.Equal(t, http.StatusBadRequest, do(r, httptest.NewRequest(http.MethodGet, "/api/mapping-sets/agency/corrections?limit=0", nil)).Code)
}
