package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/guido-cesarano/pipelined/pkg/archive"
	"github.com/guido-cesarano/pipelined/pkg/manager"
	"github.com/guido-cesarano/pipelined/pkg/netcheck"
	"github.com/guido-cesarano/pipelined/pkg/pipeline"
	"github.com/guido-cesarano/pipelined/pkg/prefs"
	"github.com/guido-cesarano/pipelined/pkg/probe"
	"github.com/guido-cesarano/pipelined/pkg/queue"
	"github.com/guido-cesarano/pipelined/pkg/sensordb"
	"github.com/guido-cesarano/pipelined/pkg/status"
	"github.com/guido-cesarano/pipelined/pkg/upload"
	"github.com/redis/go-redis/v9"
)

type testApp struct {
	app    *App
	router http.Handler
	remote string
	mgr    *manager.RecordingManager
}

func setupApp(t *testing.T, apiKey string, limiter bool) *testApp {
	t.Helper()

	s, err := miniredis.Run()
	if err != nil {
		t.Fatalf("Failed to start miniredis: %v", err)
	}
	t.Cleanup(s.Close)
	rdb := redis.NewClient(&redis.Options{Addr: s.Addr()})
	t.Cleanup(func() { rdb.Close() })

	db, err := sensordb.Open(t.TempDir())
	if err != nil {
		t.Fatalf("Failed to open sensor database: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	ta := &testApp{remote: t.TempDir(), mgr: manager.NewRecordingManager()}
	store := prefs.NewMemoryStore("api")
	journal := queue.NewJournal(rdb, "test")
	rec := status.NewRecorder(store, nil, "UploadService")
	svc := upload.NewService(context.Background(), upload.ServiceOptions{
		Remotes:      []archive.Remote{archive.NewDirArchive("drive", ta.remote)},
		Connectivity: netcheck.NewStatic(true),
		Status:       rec,
		Journal:      journal,
	})
	t.Cleanup(svc.Close)

	base := t.TempDir()
	ta.app = &App{
		Uploads: pipeline.NewUploadPipeline(pipeline.UploadConfig{Remote: "drive"}, store, ta.mgr, svc, rec, nil),
		Sensors: pipeline.NewSensorPipeline(pipeline.SensorConfig{
			ArchiveDir: filepath.Join(base, "archive"),
			ExportDir:  filepath.Join(base, "export"),
			Remote:     "drive",
		}, store, ta.mgr, db, svc, probe.Builtins(), nil),
		Queues:    svc,
		Journal:   journal,
		Schedules: ta.mgr,
		APIKey:    apiKey,
	}
	if limiter {
		ta.app.Limiter = queue.NewLimiter(rdb, 1, 1)
	}
	ta.router = NewRouter(ta.app)
	return ta
}

func (ta *testApp) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	}
	w := httptest.NewRecorder()
	ta.router.ServeHTTP(w, req)
	return w
}

func TestAuthMiddleware(t *testing.T) {
	ta := setupApp(t, "secret-key", false)

	tests := []struct {
		name           string
		headerKey      string
		headerValue    string
		expectedStatus int
	}{
		{
			name:           "No API Key",
			expectedStatus: http.StatusUnauthorized,
		},
		{
			name:           "Wrong API Key",
			headerKey:      "X-API-Key",
			headerValue:    "wrong-key",
			expectedStatus: http.StatusUnauthorized,
		},
		{
			name:           "Correct API Key",
			headerKey:      "X-API-Key",
			headerValue:    "secret-key",
			expectedStatus: http.StatusBadRequest, // empty body, but auth passed
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("POST", "/uploads/tasks", nil)
			if tt.headerKey != "" {
				req.Header.Set(tt.headerKey, tt.headerValue)
			}

			w := httptest.NewRecorder()
			ta.router.ServeHTTP(w, req)

			if w.Code != tt.expectedStatus {
				t.Errorf("Expected status %d, got %d", tt.expectedStatus, w.Code)
			}
		})
	}
}

func TestAuthDisabled(t *testing.T) {
	ta := setupApp(t, "", false)

	w := ta.do(t, "POST", "/uploads/tasks", "")
	if w.Code == http.StatusUnauthorized {
		t.Errorf("Expected auth to be disabled, got 401")
	}
}

func TestHealthAndPreflightSkipAuth(t *testing.T) {
	ta := setupApp(t, "secret-key", false)

	if w := ta.do(t, "GET", "/healthz", ""); w.Code != http.StatusOK {
		t.Errorf("Expected /healthz to return 200, got %d", w.Code)
	}

	req := httptest.NewRequest("OPTIONS", "/uploads/tasks", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	req.Header.Set("Access-Control-Request-Method", "POST")
	w := httptest.NewRecorder()
	ta.router.ServeHTTP(w, req)
	if w.Code == http.StatusUnauthorized {
		t.Errorf("Expected preflight to bypass auth")
	}
	if w.Header().Get("Access-Control-Allow-Origin") == "" {
		t.Errorf("Expected CORS headers on preflight")
	}
}

func TestUploadTaskLifecycle(t *testing.T) {
	ta := setupApp(t, "", false)

	w := ta.do(t, "POST", "/uploads/tasks", `{"name":"export","target":"/data/export","folder":"phone","period":3600}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("Expected 201, got %d: %s", w.Code, w.Body)
	}
	if !ta.mgr.Registered(pipeline.DefaultUploadName, "UPLOAD_DATAexport") {
		t.Fatalf("Expected task to be registered with the manager")
	}

	// Sticky re-add.
	w = ta.do(t, "POST", "/uploads/tasks", `{"name":"export","target":"/data/other","period":60}`)
	if w.Code != http.StatusOK {
		t.Errorf("Expected 200 for existing task, got %d", w.Code)
	}

	w = ta.do(t, "POST", "/uploads/tasks", `{"name":"bad","target":"/data","period":0}`)
	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for zero period, got %d", w.Code)
	}

	w = ta.do(t, "PUT", "/uploads/tasks/export", `{"target":"/data/export","folder":"tablet","period":600}`)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", w.Code, w.Body)
	}

	w = ta.do(t, "GET", "/uploads/tasks", "")
	var list struct {
		Items []struct {
			Name   string            `json:"name"`
			Period int               `json:"period_seconds"`
			Params map[string]string `json:"params"`
		} `json:"items"`
	}
	if err := json.NewDecoder(w.Body).Decode(&list); err != nil {
		t.Fatalf("Failed to decode tasks: %v", err)
	}
	if len(list.Items) != 1 || list.Items[0].Period != 600 || list.Items[0].Params["folder"] != "tablet" {
		t.Errorf("Unexpected tasks: %+v", list.Items)
	}

	w = ta.do(t, "DELETE", "/uploads/tasks/export", "")
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"removed":true`) {
		t.Errorf("Expected removal, got %d: %s", w.Code, w.Body)
	}
}

func TestQueuesListsSchedules(t *testing.T) {
	ta := setupApp(t, "", false)

	w := ta.do(t, "POST", "/uploads/tasks", `{"name":"export","target":"/data/export","period":3600}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("Expected 201, got %d: %s", w.Code, w.Body)
	}

	w = ta.do(t, "GET", "/queues", "")
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}
	var resp struct {
		Schedules []manager.Registration `json:"schedules"`
	}
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("Failed to decode queues: %v", err)
	}
	if len(resp.Schedules) != 1 {
		t.Fatalf("Expected 1 schedule, got %+v", resp.Schedules)
	}
	got := resp.Schedules[0]
	if got.Pipeline != pipeline.DefaultUploadName || got.Action != "UPLOAD_DATAexport" || got.Interval != time.Hour {
		t.Errorf("Unexpected schedule %+v", got)
	}
}

func TestUploadNowAndHistory(t *testing.T) {
	ta := setupApp(t, "", false)

	src := t.TempDir()
	if err := os.WriteFile(filepath.Join(src, "a.csv"), []byte("a"), 0o644); err != nil {
		t.Fatal(err)
	}

	w := ta.do(t, "POST", "/uploads", `{"path":"`+src+`","folder":"phone"}`)
	if w.Code != http.StatusAccepted {
		t.Fatalf("Expected 202, got %d: %s", w.Code, w.Body)
	}
	ta.app.Queues.Wait()

	if _, err := os.Stat(filepath.Join(ta.remote, "phone", "a.csv")); err != nil {
		t.Errorf("Expected file in remote archive: %v", err)
	}

	w = ta.do(t, "GET", "/uploads/status", "")
	var rec status.Record
	if err := json.NewDecoder(w.Body).Decode(&rec); err != nil {
		t.Fatalf("Failed to decode status: %v", err)
	}
	if !rec.Success || rec.Message != status.MessageSuccess {
		t.Errorf("Unexpected status: %+v", rec)
	}

	w = ta.do(t, "GET", "/queues/regular/completed", "")
	var history struct {
		Items []queue.Record `json:"items"`
	}
	if err := json.NewDecoder(w.Body).Decode(&history); err != nil {
		t.Fatalf("Failed to decode history: %v", err)
	}
	if len(history.Items) != 1 || filepath.Base(history.Items[0].Item.FilePath) != "a.csv" {
		t.Errorf("Unexpected history: %+v", history.Items)
	}

	if w := ta.do(t, "DELETE", "/queues/regular/completed", ""); w.Code != http.StatusNoContent {
		t.Errorf("Expected 204 on purge, got %d", w.Code)
	}
	if w := ta.do(t, "GET", "/queues/nope/completed", ""); w.Code != http.StatusNotFound {
		t.Errorf("Expected 404 for unknown queue, got %d", w.Code)
	}

	if w := ta.do(t, "POST", "/uploads", `{"path":"/does/not/exist"}`); w.Code != http.StatusNotFound {
		t.Errorf("Expected 404 for missing path, got %d", w.Code)
	}
}

func TestUploadRateLimit(t *testing.T) {
	ta := setupApp(t, "", true)

	src := t.TempDir()
	if err := os.WriteFile(filepath.Join(src, "a.csv"), []byte("a"), 0o644); err != nil {
		t.Fatal(err)
	}
	body := `{"path":"` + filepath.Join(src, "a.csv") + `"}`

	if w := ta.do(t, "POST", "/uploads", body); w.Code != http.StatusAccepted {
		t.Fatalf("Expected first request to pass, got %d", w.Code)
	}
	w := ta.do(t, "POST", "/uploads", body)
	if w.Code != http.StatusTooManyRequests {
		t.Errorf("Expected 429, got %d", w.Code)
	}
	if got := w.Header().Get("Retry-After"); got != "1" {
		t.Errorf("Expected Retry-After 1, got %q", got)
	}

	// Another client has its own bucket.
	req := httptest.NewRequest("POST", "/uploads", strings.NewReader(body))
	req.Header.Set("X-Forwarded-For", "203.0.113.7")
	rec := httptest.NewRecorder()
	ta.router.ServeHTTP(rec, req)
	if rec.Code != http.StatusAccepted {
		t.Errorf("Expected another client to pass, got %d", rec.Code)
	}
	ta.app.Queues.Wait()
}

func TestSensorEndpoints(t *testing.T) {
	ta := setupApp(t, "", false)

	w := ta.do(t, "POST", "/sensors", `{"sensor":"clock","period":60}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("Expected 201, got %d: %s", w.Code, w.Body)
	}
	if w := ta.do(t, "POST", "/sensors", `{"sensor":"gyroscope","period":60}`); w.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for unknown probe, got %d", w.Code)
	}
	if w := ta.do(t, "PUT", "/sensors/clock", `{"period":120}`); w.Code != http.StatusOK {
		t.Errorf("Expected 200 on update, got %d", w.Code)
	}

	if w := ta.do(t, "PUT", "/sensors/schedules/ARCHIVE_DATA", `{"enabled":true}`); w.Code != http.StatusOK {
		t.Errorf("Expected 200 on schedule, got %d: %s", w.Code, w.Body)
	}
	if !ta.mgr.Registered(pipeline.DefaultSensorName, pipeline.ActionArchiveData) {
		t.Errorf("Expected archive schedule to be registered")
	}
	if w := ta.do(t, "PUT", "/sensors/schedules/DEFRAG", `{"enabled":true}`); w.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for unknown action, got %d", w.Code)
	}

	if w := ta.do(t, "PUT", "/sensors/privacy", `{"hide_sensitive_data":true}`); w.Code != http.StatusOK {
		t.Errorf("Expected 200 on privacy, got %d", w.Code)
	}

	w = ta.do(t, "GET", "/sensors", "")
	var resp struct {
		Probes      []string `json:"probes"`
		Collections []struct {
			Name   string `json:"name"`
			Period int    `json:"period_seconds"`
		} `json:"collections"`
		Hide bool `json:"hide_sensitive_data"`
	}
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("Failed to decode sensors: %v", err)
	}
	if len(resp.Collections) != 1 || resp.Collections[0].Period != 120 || !resp.Hide {
		t.Errorf("Unexpected sensors: %+v", resp)
	}

	if w := ta.do(t, "POST", "/sensors/export", ""); w.Code != http.StatusCreated {
		t.Errorf("Expected 201 on export, got %d: %s", w.Code, w.Body)
	}
	if w := ta.do(t, "POST", "/uploads/db", ""); w.Code != http.StatusAccepted {
		t.Errorf("Expected 202 on database upload, got %d", w.Code)
	}
	if w := ta.do(t, "DELETE", "/sensors/clock", ""); w.Code != http.StatusOK {
		t.Errorf("Expected 200 on removal, got %d", w.Code)
	}
	ta.app.Sensors.Destroy()
}
