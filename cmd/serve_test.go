package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lumen-bio/trialscope/internal/cache"
	"github.com/lumen-bio/trialscope/internal/config"
	"github.com/lumen-bio/trialscope/internal/model"
	"github.com/lumen-bio/trialscope/internal/pipeline"
	"github.com/lumen-bio/trialscope/internal/registry"
	"github.com/lumen-bio/trialscope/pkg/ctgov"
)

// stubCTGov returns one industry-sponsored interventional study per search.
type stubCTGov struct{}

func (stubCTGov) SearchPage(context.Context, ctgov.SearchRequest) (*ctgov.StudiesPage, error) {
	var s ctgov.Study
	ps := &s.ProtocolSection
	ps.Identification.NCTID = "NCT01"
	ps.Identification.BriefTitle = "Evolocumab in adults"
	ps.Status.OverallStatus = "COMPLETED"
	ps.Sponsor.LeadSponsor.Name = "Amgen"
	ps.Sponsor.LeadSponsor.Class = ctgov.SponsorClassIndustry
	ps.Design.StudyType = ctgov.StudyTypeInterventional
	ps.Interventions.Interventions = []ctgov.StudyIntervention{
		{Name: "Evolocumab", Type: ctgov.InterventionTypeDrug},
	}
	return &ctgov.StudiesPage{Studies: []ctgov.Study{s}, TotalCount: 1}, nil
}

// newTestEnv points the global config at temp dirs and wires a pipeline
// over the stub study source.
func newTestEnv(t *testing.T) *env {
	t.Helper()
	cfg = &config.Config{
		CTGov:    config.CTGovConfig{PageSize: 100, RatePerSecond: 1000},
		Pipeline: config.PipelineConfig{MaxTrials: 10, YearsBack: 10, EnrichWorkers: 2, OutputDir: t.TempDir()},
	}

	reg := registry.New()
	return &env{
		Pipeline: pipeline.New(cfg, stubCTGov{}, nil, nil, cache.New(t.TempDir()), nil, reg),
		Registry: reg,
	}
}

func postRun(t *testing.T, router http.Handler, payload map[string]any) *httptest.ResponseRecorder {
	t.Helper()
	body, err := json.Marshal(payload)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/api/runs", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	return rr
}

func TestHealthEndpoint(t *testing.T) {
	router := newRouter(newTestEnv(t))

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Header().Get("Content-Type"), "application/json")

	var body map[string]string
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
}

func TestStartRunValidation(t *testing.T) {
	router := newRouter(newTestEnv(t))

	rr := postRun(t, router, map[string]any{"max_trials": 5})
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Contains(t, rr.Body.String(), "condition is required")

	req := httptest.NewRequest(http.MethodPost, "/api/runs", bytes.NewReader([]byte("{not json")))
	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestStartRunLifecycle(t *testing.T) {
	e := newTestEnv(t)
	router := newRouter(e)

	rr := postRun(t, router, map[string]any{
		"condition":      "hypercholesterolemia",
		"skip_financial": true,
	})
	require.Equal(t, http.StatusAccepted, rr.Code)

	var accepted map[string]string
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &accepted))
	runID := accepted["run_id"]
	require.NotEmpty(t, runID)
	assert.Equal(t, "running", accepted["status"])

	// The run proceeds in the background; wait for the terminal state.
	rec, err := e.Registry.Wait(runID, 10*time.Second)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusCompleted, rec.Status)

	// Status query reflects the finished run.
	req := httptest.NewRequest(http.MethodGet, "/api/runs/"+runID, nil)
	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	require.Equal(t, http.StatusOK, rr.Code)

	var status model.RunRecord
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &status))
	assert.Equal(t, model.RunStatusCompleted, status.Status)
	assert.Equal(t, 100, status.Progress.Percent)

	// The listing contains it too.
	req = httptest.NewRequest(http.MethodGet, "/api/runs", nil)
	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	require.Equal(t, http.StatusOK, rr.Code)

	var listing struct {
		Runs []model.RunRecord `json:"runs"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &listing))
	require.Len(t, listing.Runs, 1)
	assert.Equal(t, runID, listing.Runs[0].ID)
}

func TestRunFilesServedFromLocalDisk(t *testing.T) {
	e := newTestEnv(t)
	router := newRouter(e)

	rr := postRun(t, router, map[string]any{
		"condition":      "hypercholesterolemia",
		"skip_financial": true,
	})
	require.Equal(t, http.StatusAccepted, rr.Code)

	var accepted map[string]string
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &accepted))
	runID := accepted["run_id"]

	_, err := e.Registry.Wait(runID, 10*time.Second)
	require.NoError(t, err)

	// No remote store is wired, so the listing falls back to local disk.
	req := httptest.NewRequest(http.MethodGet, "/api/runs/"+runID+"/files", nil)
	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	require.Equal(t, http.StatusOK, rr.Code)

	var listing struct {
		Source string      `json:"source"`
		Files  []localFile `json:"files"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &listing))
	assert.Equal(t, "local", listing.Source)
	require.Len(t, listing.Files, 4)

	// Each listed URL is fetchable.
	req = httptest.NewRequest(http.MethodGet, listing.Files[0].URL, nil)
	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.NotEmpty(t, rr.Body.String())
}

func TestRunStatusNotFound(t *testing.T) {
	router := newRouter(newTestEnv(t))

	for _, path := range []string{"/api/runs/run_missing", "/api/runs/run_missing/files"} {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		rr := httptest.NewRecorder()
		router.ServeHTTP(rr, req)
		assert.Equal(t, http.StatusNotFound, rr.Code, path)
	}
}

func TestServeFileRejectsTraversal(t *testing.T) {
	router := newRouter(newTestEnv(t))

	req := httptest.NewRequest(http.MethodGet, "/files/run_1/../secret", nil)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	assert.NotEqual(t, http.StatusOK, rr.Code)
}

func TestServeFileNotFound(t *testing.T) {
	router := newRouter(newTestEnv(t))

	req := httptest.NewRequest(http.MethodGet, "/files/run_1/results/summary.json", nil)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusNotFound, rr.Code)
}
