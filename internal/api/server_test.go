package api

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kfre-risk-server/internal/audit"
	"github.com/kfre-risk-server/internal/cache"
	"github.com/kfre-risk-server/internal/domain"
)

type stubConfig struct {
	cfg *domain.Config
}

func (s *stubConfig) GetConfig() *domain.Config             { return s.cfg }
func (s *stubConfig) GetServerConfig() *domain.ServerConfig { return &s.cfg.Server }
func (s *stubConfig) GetEngineConfig() *domain.EngineConfig { return &s.cfg.Engine }
func (s *stubConfig) Reload() error                         { return nil }
func (s *stubConfig) Validate() error                       { return nil }
func (s *stubConfig) IsProduction() bool                    { return false }
func (s *stubConfig) IsDevelopment() bool                   { return true }

func testConfig() *domain.Config {
	return &domain.Config{
		Server: domain.ServerConfig{Host: "127.0.0.1", Port: 0, MaxBatchSize: 3},
		Engine: domain.EngineConfig{MaleToken: "male", FemaleToken: "female", DefaultHorizon: 2, Workers: 2},
		Cache:  domain.CacheConfig{Enabled: true, MaxItems: 100, TTL: time.Minute},
		Logging: domain.LoggingConfig{
			Level:  "error",
			Format: "json",
			Output: "stdout",
		},
	}
}

type testServer struct {
	*Server
	store *audit.SQLiteStore
}

func newTestServer(t *testing.T, cfg *domain.Config) *testServer {
	t.Helper()

	logger, _ := test.NewNullLogger()
	store, err := audit.NewSQLiteStore(filepath.Join(t.TempDir(), "audit.db"))
	require.NoError(t, err)
	memCache, err := cache.NewMemoryCache(100, time.Minute)
	require.NoError(t, err)

	s, err := NewServer(&stubConfig{cfg: cfg}, logger, WithAuditStore(store), WithCache(memCache))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	return &testServer{Server: s, store: store}
}

func (ts *testServer) do(t *testing.T, method, path string, body []byte, contentType string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	w := httptest.NewRecorder()
	ts.Router().ServeHTTP(w, req)
	return w
}

func (ts *testServer) postJSON(t *testing.T, path string, payload any) *httptest.ResponseRecorder {
	t.Helper()
	body, err := json.Marshal(payload)
	require.NoError(t, err)
	return ts.do(t, http.MethodPost, path, body, "application/json")
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) domain.KFREError {
	t.Helper()
	var e domain.KFREError
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &e))
	return e
}

func referencePatient() map[string]any {
	return map[string]any{
		"age":    70,
		"sex":    "male",
		"egfr":   40,
		"uacr":   300,
		"region": "North American",
	}
}

type predictBody struct {
	RunID     string `json:"run_id"`
	Requested string `json:"requested_variant"`
	Fallbacks int    `json:"fallbacks"`
	Results   []struct {
		Index         int                     `json:"index"`
		UACR          float64                 `json:"uacr"`
		UACREstimated bool                    `json:"uacr_estimated"`
		Predictions   []domain.RiskPrediction `json:"predictions"`
	} `json:"results"`
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t, testConfig())

	w := ts.do(t, http.MethodGet, "/health", nil, "")
	require.Equal(t, http.StatusOK, w.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "healthy", body["status"])
	assert.Equal(t, Version, body["version"])
	assert.Contains(t, body, "cache")
	assert.NotEmpty(t, w.Header().Get("X-Correlation-ID"))
}

func TestPredict_SinglePatient(t *testing.T) {
	ts := newTestServer(t, testConfig())

	w := ts.postJSON(t, "/api/v1/predict", map[string]any{
		"patient":  referencePatient(),
		"horizons": []int{2, 5},
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var body predictBody
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.NotEmpty(t, body.RunID)
	assert.Equal(t, "4-variable", body.Requested)
	assert.Equal(t, 0, body.Fallbacks)
	require.Len(t, body.Results, 1)

	preds := body.Results[0].Predictions
	require.Len(t, preds, 2)
	assert.Equal(t, 2, preds[0].HorizonYears)
	assert.InDelta(t, 0.023513534070271902, preds[0].Risk, 1e-12)
	assert.Equal(t, 5, preds[1].HorizonYears)
	assert.InDelta(t, 0.07159482547378915, preds[1].Risk, 1e-12)

	run, err := ts.store.Get(context.Background(), body.RunID)
	require.NoError(t, err)
	require.NotNil(t, run)
	assert.Equal(t, audit.SourceHTTP, run.Source)
	assert.Equal(t, audit.OperationPredict, run.Operation)
	assert.Equal(t, 1, run.Rows)
	assert.Equal(t, 0, run.HorizonYears)
}

func TestPredict_BatchWithFallback(t *testing.T) {
	ts := newTestServer(t, testConfig())

	withExtras := referencePatient()
	withExtras["dm"] = 1
	withExtras["htn"] = 1

	w := ts.postJSON(t, "/api/v1/predict", map[string]any{
		"patients":       []map[string]any{withExtras, referencePatient()},
		"horizons":       []int{2},
		"use_extended":   true,
		"variable_count": 6,
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var body predictBody
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.Len(t, body.Results, 2)
	assert.Equal(t, "6-variable", body.Requested)
	assert.Equal(t, 1, body.Fallbacks)

	six := body.Results[0].Predictions[0]
	assert.Equal(t, "6-variable", six.Variant)
	assert.False(t, six.FellBack)
	assert.InDelta(t, 0.02236176405226309, six.Risk, 1e-12)

	four := body.Results[1].Predictions[0]
	assert.Equal(t, 1, body.Results[1].Index)
	assert.Equal(t, "4-variable", four.Variant)
	assert.True(t, four.FellBack)
	assert.InDelta(t, 0.023513534070271902, four.Risk, 1e-12)

	run, err := ts.store.Get(context.Background(), body.RunID)
	require.NoError(t, err)
	require.NotNil(t, run)
	assert.Equal(t, "6-variable", run.Variant)
	assert.Equal(t, 2, run.HorizonYears)
	assert.Equal(t, 2, run.Rows)
	assert.Equal(t, 1, run.Fallbacks)
}

func TestPredict_EstimatesUACRFromUPCR(t *testing.T) {
	ts := newTestServer(t, testConfig())

	patient := referencePatient()
	delete(patient, "uacr")
	patient["sex"] = "female"
	patient["upcr"] = 50

	w := ts.postJSON(t, "/api/v1/predict", map[string]any{"patient": patient, "horizons": []int{2}})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var body predictBody
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.Len(t, body.Results, 1)
	assert.True(t, body.Results[0].UACREstimated)
	assert.InDelta(t, 4.887427732580671, body.Results[0].UACR, 1e-9)
}

func TestPredict_Errors(t *testing.T) {
	ts := newTestServer(t, testConfig())

	missingAge := referencePatient()
	delete(missingAge, "age")

	tests := []struct {
		name     string
		payload  any
		wantCode int
		wantErr  string
	}{
		{"no records", map[string]any{}, http.StatusBadRequest, domain.ErrInvalidInput},
		{"unsupported horizon", map[string]any{"patient": referencePatient(), "horizons": []int{3}},
			http.StatusBadRequest, domain.ErrUnsupportedHorizon},
		{"bad variable count", map[string]any{"patient": referencePatient(), "use_extended": true, "variable_count": 4},
			http.StatusBadRequest, domain.ErrInvalidVariableCount},
		{"missing age", map[string]any{"patients": []any{referencePatient(), missingAge}},
			http.StatusBadRequest, domain.ErrValidation},
		{"too many records", map[string]any{"patients": []any{
			referencePatient(), referencePatient(), referencePatient(), referencePatient(),
		}}, http.StatusRequestEntityTooLarge, domain.ErrInvalidInput},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := ts.postJSON(t, "/api/v1/predict", tt.payload)
			require.Equal(t, tt.wantCode, w.Code, w.Body.String())
			assert.Equal(t, tt.wantErr, decodeError(t, w).Code)
		})
	}

	t.Run("row index reported", func(t *testing.T) {
		w := ts.postJSON(t, "/api/v1/predict", map[string]any{"patients": []any{referencePatient(), missingAge}})
		assert.Contains(t, decodeError(t, w).Message, "row 1")
	})

	t.Run("malformed JSON", func(t *testing.T) {
		w := ts.do(t, http.MethodPost, "/api/v1/predict", []byte("{"), "application/json")
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
}

func readCSVBody(t *testing.T, w *httptest.ResponseRecorder) (map[string]int, [][]string) {
	t.Helper()
	records, err := csv.NewReader(strings.NewReader(w.Body.String())).ReadAll()
	require.NoError(t, err)
	require.NotEmpty(t, records)

	header := make(map[string]int, len(records[0]))
	for i, name := range records[0] {
		header[name] = i
	}
	return header, records[1:]
}

func TestPredictTable(t *testing.T) {
	ts := newTestServer(t, testConfig())

	table := "age,sex,eGFR,uACR,Region\n70,male,40,300,North American\n70,Male,40,300,Europe\n"
	w := ts.do(t, http.MethodPost, "/api/v1/predict/table", []byte(table), "text/csv")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "text/csv", w.Header().Get("Content-Type"))
	assert.NotEmpty(t, w.Header().Get("X-Run-ID"))

	header, rows := readCSVBody(t, w)
	require.Len(t, rows, 2)
	require.Contains(t, header, "kfre_4var_2year")
	require.Contains(t, header, "kfre_4var_5year")

	risk, err := strconv.ParseFloat(rows[0][header["kfre_4var_2year"]], 64)
	require.NoError(t, err)
	assert.InDelta(t, 0.023513534070271902, risk, 1e-12)

	other, err := strconv.ParseFloat(rows[1][header["kfre_4var_2year"]], 64)
	require.NoError(t, err)
	assert.InDelta(t, 0.015797141151150607, other, 1e-12)
}

func TestPredictTable_ColumnMappingAndYears(t *testing.T) {
	ts := newTestServer(t, testConfig())

	table := "Age (years),sex,eGFR,uACR,Region\n70,male,40,300,North American\n"
	w := ts.do(t, http.MethodPost, "/api/v1/predict/table?years=5&col=age%3DAge%20(years)", []byte(table), "text/csv")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	header, rows := readCSVBody(t, w)
	assert.NotContains(t, header, "kfre_4var_2year")
	require.Contains(t, header, "kfre_4var_5year")

	risk, err := strconv.ParseFloat(rows[0][header["kfre_4var_5year"]], 64)
	require.NoError(t, err)
	assert.InDelta(t, 0.07159482547378915, risk, 1e-12)
}

func TestPredictTable_EstimateUACR(t *testing.T) {
	ts := newTestServer(t, testConfig())

	table := "age,sex,eGFR,uPCR,dm,htn,Region\n70,female,40,50,0,0,North American\n"
	w := ts.do(t, http.MethodPost, "/api/v1/predict/table?years=2&estimate_uacr=true", []byte(table), "text/csv")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	header, rows := readCSVBody(t, w)
	require.Contains(t, header, EstimatedUACRColumn)
	require.Contains(t, header, "kfre_4var_2year")

	uacr, err := strconv.ParseFloat(rows[0][header[EstimatedUACRColumn]], 64)
	require.NoError(t, err)
	assert.InDelta(t, 4.887427732580671, uacr, 1e-9)
}

func TestPredictTable_ConvertUnits(t *testing.T) {
	ts := newTestServer(t, testConfig())

	table := "age,sex,eGFR,uACR,Region,uPCR,Calcium,Phosphate,Albumin\n" +
		"70,male,40,300,North American,10,2.4,1.2,35\n"
	w := ts.do(t, http.MethodPost, "/api/v1/predict/table?years=2&convert=true", []byte(table), "text/csv")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	header, rows := readCSVBody(t, w)
	require.Contains(t, header, "Albumin (g/dL)")
	albumin, err := strconv.ParseFloat(rows[0][header["Albumin (g/dL)"]], 64)
	require.NoError(t, err)
	assert.InDelta(t, 3.5, albumin, 1e-12)
}

func TestPredictTable_Errors(t *testing.T) {
	ts := newTestServer(t, testConfig())

	tests := []struct {
		name     string
		path     string
		body     string
		wantCode int
		wantErr  string
	}{
		{"missing column", "/api/v1/predict/table", "age,sex,eGFR,Region\n70,male,40,North American\n",
			http.StatusUnprocessableEntity, domain.ErrMissingColumn},
		{"bad years", "/api/v1/predict/table?years=two", "age\n70\n",
			http.StatusBadRequest, domain.ErrInvalidInput},
		{"duplicate years", "/api/v1/predict/table?years=2,2",
			"age,sex,eGFR,uACR,Region\n70,male,40,300,North American\n",
			http.StatusBadRequest, domain.ErrInvalidInput},
		{"bad extended", "/api/v1/predict/table?years=2&extended=yes&vars=6",
			"age,sex,eGFR,uACR,Region,dm,htn\n70,male,40,300,North American,1,1\n",
			http.StatusBadRequest, domain.ErrInvalidInput},
		{"bad vars", "/api/v1/predict/table?years=2&extended=true&vars=six",
			"age,sex,eGFR,uACR,Region,dm,htn\n70,male,40,300,North American,1,1\n",
			http.StatusBadRequest, domain.ErrInvalidInput},
		{"bad convert", "/api/v1/predict/table?convert=maybe",
			"age,sex,eGFR,uACR,Region\n70,male,40,300,North American\n",
			http.StatusBadRequest, domain.ErrInvalidInput},
		{"bad estimate_uacr", "/api/v1/predict/table?estimate_uacr=2x",
			"age,sex,eGFR,uPCR,Region\n70,male,40,50,North American\n",
			http.StatusBadRequest, domain.ErrInvalidInput},
		{"unsupported horizon", "/api/v1/predict/table?years=3",
			"age,sex,eGFR,uACR,Region\n70,male,40,300,North American\n",
			http.StatusBadRequest, domain.ErrUnsupportedHorizon},
		{"unknown mapped field", "/api/v1/predict/table?col=weight%3Dkg", "age\n70\n",
			http.StatusBadRequest, domain.ErrInvalidInput},
		{"missing covariate", "/api/v1/predict/table",
			"age,sex,eGFR,uACR,Region\n70,male,40,,North American\n",
			http.StatusUnprocessableEntity, domain.ErrMissingCovariate},
		{"too many rows", "/api/v1/predict/table",
			"age,sex,eGFR,uACR,Region\n" + strings.Repeat("70,male,40,300,North American\n", 4),
			http.StatusRequestEntityTooLarge, domain.ErrInvalidInput},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := ts.do(t, http.MethodPost, tt.path, []byte(tt.body), "text/csv")
			require.Equal(t, tt.wantCode, w.Code, w.Body.String())
			assert.Equal(t, tt.wantErr, decodeError(t, w).Code)
		})
	}
}

func TestEstimateUACR(t *testing.T) {
	ts := newTestServer(t, testConfig())

	w := ts.postJSON(t, "/api/v1/uacr", map[string]any{"upcr": 1000, "sex": "male", "dm": 1, "htn": 1})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var body struct {
		UACR float64 `json:"uacr"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.InDelta(t, 513.9454867294033, body.UACR, 1e-9)

	w = ts.postJSON(t, "/api/v1/uacr", map[string]any{"upcr": -1, "sex": "male"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, domain.ErrValidation, decodeError(t, w).Code)

	w = ts.postJSON(t, "/api/v1/uacr", map[string]any{"sex": "male"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = ts.postJSON(t, "/api/v1/uacr", map[string]any{"upcr": 50, "sex": "male", "dm": 0.5})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, domain.ErrValidation, decodeError(t, w).Code)
}

func TestConvert(t *testing.T) {
	ts := newTestServer(t, testConfig())

	w := ts.postJSON(t, "/api/v1/convert", map[string]any{"values": map[string]float64{"albumin": 35, "uPCR": 10}})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var body struct {
		Converted map[string]float64 `json:"converted"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.InDelta(t, 3.5, body.Converted["Albumin (g/dL)"], 1e-12)
	assert.InDelta(t, 88.4, body.Converted["uPCR (mg/g)"], 1e-12)

	w = ts.postJSON(t, "/api/v1/convert", map[string]any{"values": map[string]float64{"sodium": 140}})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, domain.ErrValidation, decodeError(t, w).Code)

	w = ts.postJSON(t, "/api/v1/convert", map[string]any{"values": map[string]float64{}})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestListRuns(t *testing.T) {
	ts := newTestServer(t, testConfig())

	for i := 0; i < 3; i++ {
		w := ts.postJSON(t, "/api/v1/convert", map[string]any{"values": map[string]float64{"calcium": 2.4}})
		require.Equal(t, http.StatusOK, w.Code)
	}
	w := ts.postJSON(t, "/api/v1/predict", map[string]any{"patient": referencePatient()})
	require.Equal(t, http.StatusOK, w.Code)

	w = ts.do(t, http.MethodGet, "/api/v1/runs?limit=2", nil, "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var body struct {
		Runs  []audit.RunRecord `json:"runs"`
		Total int64             `json:"total"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, int64(4), body.Total)
	require.Len(t, body.Runs, 2)
	assert.Equal(t, audit.OperationPredict, body.Runs[0].Operation)
	assert.Equal(t, audit.OperationConvertUnits, body.Runs[1].Operation)

	w = ts.do(t, http.MethodGet, "/api/v1/runs?limit=0", nil, "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
	w = ts.do(t, http.MethodGet, "/api/v1/runs?offset=-1", nil, "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestListRuns_AuditDisabled(t *testing.T) {
	cfg := testConfig()
	logger, _ := test.NewNullLogger()
	s, err := NewServer(&stubConfig{cfg: cfg}, logger)
	require.NoError(t, err)

	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/runs", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"runs":[],"total":0}`, w.Body.String())
}

func TestNewServer_BackendFailures(t *testing.T) {
	logger, _ := test.NewNullLogger()

	cfg := testConfig()
	cfg.Cache.RedisURL = "redis://127.0.0.1:1/0"
	_, err := NewServer(&stubConfig{cfg: cfg}, logger)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "redis")

	cfg = testConfig()
	cfg.Audit = domain.AuditConfig{Enabled: true, Driver: "mysql"}
	_, err = NewServer(&stubConfig{cfg: cfg}, logger)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "audit")
}

func TestMetricsEndpoint(t *testing.T) {
	ts := newTestServer(t, testConfig())

	w := ts.postJSON(t, "/api/v1/predict", map[string]any{"patient": referencePatient(), "horizons": []int{2}})
	require.Equal(t, http.StatusOK, w.Code)

	w = ts.do(t, http.MethodGet, "/metrics", nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "kfre_predictions_total")
	assert.Contains(t, w.Body.String(), "kfre_http_requests_total")
}

func TestRateLimit(t *testing.T) {
	cfg := testConfig()
	cfg.RateLimit = domain.RateLimitConfig{Enabled: true, RequestsPerSecond: 0.001, Burst: 1}
	ts := newTestServer(t, cfg)

	payload := map[string]any{"values": map[string]float64{"calcium": 2.4}}
	w := ts.postJSON(t, "/api/v1/convert", payload)
	require.Equal(t, http.StatusOK, w.Code)

	w = ts.postJSON(t, "/api/v1/convert", payload)
	require.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "1", w.Header().Get("Retry-After"))
	assert.Equal(t, domain.ErrRateLimit, decodeError(t, w).Code)

	// health is outside the limited group
	w = ts.do(t, http.MethodGet, "/health", nil, "")
	assert.Equal(t, http.StatusOK, w.Code)
}
