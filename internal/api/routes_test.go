package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/dispatch-worker/internal/variation"
)

func newTestRouter(checks map[string]Check) http.Handler {
	return NewRouter(Deps{
		Health:  NewHealthChecker(checks),
		Preview: NewPreviewHandler(variation.NewEngine()),
		Metrics: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte("worker_jobs_processed_total 0\n"))
		}),
		AllowedOrigins: []string{"http://localhost:5173"},
	})
}

func TestHealthz(t *testing.T) {
	rr := httptest.NewRecorder()
	newTestRouter(nil).ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), `"alive"`)
}

func TestReadyz(t *testing.T) {
	up := func(context.Context) error { return nil }
	down := func(context.Context) error { return errors.New("connection refused") }

	tests := []struct {
		name   string
		checks map[string]Check
		want   int
	}{
		{"all up", map[string]Check{"database": up, "redis": up}, http.StatusOK},
		{"redis down", map[string]Check{"database": up, "redis": down}, http.StatusServiceUnavailable},
		{"no checks", nil, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := httptest.NewRecorder()
			newTestRouter(tt.checks).ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/readyz", nil))
			assert.Equal(t, tt.want, rr.Code)
			if tt.want != http.StatusOK {
				assert.Contains(t, rr.Body.String(), "connection refused")
			}
		})
	}
}

func TestMetricsMounted(t *testing.T) {
	rr := httptest.NewRecorder()
	newTestRouter(nil).ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "worker_jobs_processed_total")
}

func TestPreview(t *testing.T) {
	body := `{
		"config": {
			"rotationStrategy": "round_robin",
			"phraseBank": {"openers": ["Oi {{nome}}", "Ola {{nome}}"], "bodies": ["A", "B"], "closings": ["Abraco."]},
			"minDelayMs": 100,
			"maxDelayMs": 300
		},
		"attributes": {"name": "Rui"},
		"count": 3
	}`
	rr := httptest.NewRecorder()
	newTestRouter(nil).ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/variants/preview", strings.NewReader(body)))
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	var got []PreviewVariant
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &got))
	require.Len(t, got, 3)
	assert.Equal(t, "Oi Rui B Abraco.", got[0].Text)
	assert.Equal(t, "Ola Rui A Abraco.", got[1].Text)
	for i, v := range got {
		assert.GreaterOrEqual(t, v.DelayMs, 100)
		assert.LessOrEqual(t, v.DelayMs, 300)
		if i > 0 {
			assert.NotEqual(t, got[i-1].Hash, v.Hash)
		}
	}
}

func TestPreview_DefaultCount(t *testing.T) {
	rr := httptest.NewRecorder()
	newTestRouter(nil).ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/variants/preview",
		strings.NewReader(`{"config": {"baseTemplateText": "Oferta para {{cidade}}"}}`)))
	require.Equal(t, http.StatusOK, rr.Code)

	var got []PreviewVariant
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &got))
	assert.Len(t, got, defaultPreviewCount)
	assert.Contains(t, got[0].Text, "Oferta para sua cidade")
}

func TestPreview_Validation(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"bad json", `{`},
		{"unknown rotation", `{"config": {"rotationStrategy": "shuffle"}}`},
		{"level too high", `{"config": {"syntacticVariationLevel": 4}}`},
		{"negative delay", `{"config": {"minDelayMs": -1}}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := httptest.NewRecorder()
			newTestRouter(nil).ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/variants/preview", strings.NewReader(tt.body)))
			assert.Equal(t, http.StatusBadRequest, rr.Code)
		})
	}
}

func TestCORSPreflight(t *testing.T) {
	req := httptest.NewRequest(http.MethodOptions, "/variants/preview", nil)
	req.Header.Set("Origin", "http://localhost:5173")
	req.Header.Set("Access-Control-Request-Method", "POST")
	rr := httptest.NewRecorder()
	newTestRouter(nil).ServeHTTP(rr, req)
	assert.Equal(t, "http://localhost:5173", rr.Header().Get("Access-Control-Allow-Origin"))
}
