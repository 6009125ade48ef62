package cmd

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sc2-sys/sc2-exp/exp/store"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func get(t *testing.T, st store.Store, path string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	newRouter(st).ServeHTTP(w, req)
	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body), w.Body.String())
	return w, body
}

func TestRouter_ListRuns(t *testing.T) {
	st := seedRun(t, "r1", "runc", "snp")

	w, body := get(t, st, "/runs")

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []any{"r1"}, body["runs"])
}

func TestRouter_GetRun(t *testing.T) {
	st := seedRun(t, "r1", "runc", "snp")

	w, body := get(t, st, "/runs/r1")

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "completed", body["status"])
	assert.Equal(t, []any{"runc", "snp"}, body["baselines"])
}

func TestRouter_RecordsFilteredByBaseline(t *testing.T) {
	st := seedRun(t, "r1", "runc", "snp")

	// WHEN records are requested for one baseline
	w, body := get(t, st, "/runs/r1/records?baseline=snp")

	// THEN only that baseline's records come back, in append order
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(2), body["count"])
	records := body["records"].([]any)
	for i, r := range records {
		rec := r.(map[string]any)
		assert.Equal(t, "snp", rec["baseline"])
		assert.Equal(t, float64(i), rec["trial_index"])
	}
}

func TestRouter_RecordsUnknownBaselineIsEmpty(t *testing.T) {
	st := seedRun(t, "r1", "runc")

	w, body := get(t, st, "/runs/r1/records?baseline=tdx")

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(0), body["count"])
	assert.Equal(t, []any{}, body["records"])
}

func TestRouter_Summary(t *testing.T) {
	st := seedRun(t, "r1", "runc", "snp")

	w, body := get(t, st, "/runs/r1/summary")

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "completed", body["status"])
	assert.Len(t, body["baselines"], 2)
}

func TestRouter_UnknownRun_NotFound(t *testing.T) {
	st := seedRun(t, "r1", "runc")

	for _, path := range []string{"/runs/missing", "/runs/missing/records", "/runs/missing/summary"} {
		w, body := get(t, st, path)

		assert.Equal(t, http.StatusNotFound, w.Code, path)
		assert.Contains(t, body, "error")
	}
}
