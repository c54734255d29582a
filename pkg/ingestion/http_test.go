package ingestion

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/citypulse/platform/pkg/common/models"
	"github.com/goccy/go-json"
	"github.com/gorilla/mux"
)

func newRouter(h *harness) *mux.Router {
	router := mux.NewRouter()
	NewHTTPHandler(h.service).Register(router.PathPrefix("/api/v1").Subrouter())
	return router
}

func TestImportEndpoint(t *testing.T) {
	h := newHarness(t, Options{}, "feed")
	h.adapters["feed"].fetch = returning(record("1", "Jazz Night", upcoming(48)))
	router := newRouter(h)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/imports", strings.NewReader(`{"source_id":"feed"}`)))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var summary models.RunSummary
	if err := json.Unmarshal(rec.Body.Bytes(), &summary); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if summary.Created != 1 || len(summary.Sources) != 1 || summary.Sources[0].JobID == "" {
		t.Fatalf("unexpected summary %+v", summary)
	}

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/imports", strings.NewReader(`{"source_id":"nope"}`)))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("unknown source should be a bad request, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/imports/jobs?source_id=feed&limit=5", nil))
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"status":"SUCCESS"`) {
		t.Fatalf("unexpected jobs response %d: %s", rec.Code, rec.Body.String())
	}

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/imports/jobs?limit=0", nil))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("invalid limit should be rejected, got %d", rec.Code)
	}
}

func TestSourcesEndpointHidesCredentials(t *testing.T) {
	h := newHarness(t, Options{}, "feed")
	router := newRouter(h)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/sources", nil))
	body := rec.Body.String()
	if rec.Code != http.StatusOK || !strings.Contains(body, `"id":"feed"`) {
		t.Fatalf("unexpected sources response %d: %s", rec.Code, body)
	}
	if strings.Contains(body, "feed.invalid") {
		t.Fatal("source config must not be exposed")
	}
}

func TestImportOutlivesDisconnectedClient(t *testing.T) {
	h := newHarness(t, Options{}, "feed")
	h.adapters["feed"].fetch = returning(record("1", "Jazz Night", upcoming(48)))
	router := newRouter(h)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/imports", strings.NewReader(`{"source_id":"feed"}`)).WithContext(ctx)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	jobs, _ := h.store.ListJobs(context.Background(), "feed", 1)
	if len(jobs) != 1 || jobs[0].Status != models.JobStatusSuccess || jobs[0].NbCreated != 1 {
		t.Fatalf("run should finish despite the gone client: %+v", jobs)
	}
	src, _ := h.store.GetSource(context.Background(), "feed")
	if src.Health.ConsecutiveFailures != 0 {
		t.Fatalf("a gone client must not count as a source failure: %+v", src.Health)
	}
}
