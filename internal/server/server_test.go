package server

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	_ "modernc.org/sqlite"

	"github.com/ablqvist/slipway/internal/app"
	"github.com/ablqvist/slipway/internal/bulk"
	"github.com/ablqvist/slipway/internal/deploy"
	"github.com/ablqvist/slipway/internal/history"
	"github.com/ablqvist/slipway/internal/provision"
	"github.com/ablqvist/slipway/internal/registry"
	"github.com/ablqvist/slipway/internal/testutil"
)

func newTestServer(t *testing.T) (*Server, *httptest.Server) {
	t.Helper()
	logger := &testutil.DummyLogger{}

	db, err := sql.Open("sqlite", "file:"+t.TempDir()+"/registry.db")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	reg, err := registry.NewRegistry(db, 3000, logger)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	sink, err := history.NewSink(t.TempDir(), logger)
	if err != nil {
		t.Fatalf("NewSink: %v", err)
	}

	cfg := app.DefaultConfig()
	cfg.ServerIP = "203.0.113.10"
	cfg.DeployCfg.DeployRoot = t.TempDir()

	pipeline := deploy.NewPipeline(cfg.DeployCfg,
		&testutil.DummyVCS{}, &testutil.DummyBuilder{}, &testutil.DummySupervisor{},
		reg, sink, logger)

	provCfg := provision.DefaultConfig()
	provCfg.ServerIP = cfg.ServerIP
	provCfg.CertCoolDown = 0
	provisioner := provision.NewProvisioner(provCfg,
		&testutil.DummyZoneClient{}, &testutil.DummyRegistrar{},
		&testutil.DummyCertClient{}, &testutil.DummyProxy{},
		reg, sink, logger)

	orch := app.NewOrchestrator(cfg, reg, sink, pipeline, provisioner, logger)

	s := NewServerWith(Config{ListenAddr: ":0"}, orch, logger)
	ts := httptest.NewServer(s)
	t.Cleanup(ts.Close)
	return s, ts
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	raw, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	resp, err := http.Post(url, "application/json", bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("POST %s: %v", url, err)
	}
	return resp
}

func decodeBody(t *testing.T, resp *http.Response, out any) {
	t.Helper()
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
}

func TestDeployEndpoint(t *testing.T) {
	_, ts := newTestServer(t)

	resp := postJSON(t, ts.URL+"/sites/deploy", map[string]string{
		"domain": "example.com", "repo_url": "https://git.test/app.git",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var res app.DeployResult
	decodeBody(t, resp, &res)
	if res.Status != "success" || res.Port != 3000 || res.SiteID == "" {
		t.Errorf("result = %+v", res)
	}
}

func TestDeployEndpointRejectsBadInput(t *testing.T) {
	_, ts := newTestServer(t)

	resp := postJSON(t, ts.URL+"/sites/deploy", map[string]string{
		"domain": "not a domain", "repo_url": "https://git.test/app.git",
	})
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}

	resp, err := http.Post(ts.URL+"/sites/deploy", "application/json", strings.NewReader("{not json"))
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400 for malformed JSON", resp.StatusCode)
	}
}

func TestImportListAndGetSite(t *testing.T) {
	_, ts := newTestServer(t)

	resp := postJSON(t, ts.URL+"/sites/import", map[string]any{
		"sites": []map[string]string{
			{"domain": "one.com", "repo": "https://git.test/1.git"},
			{"domain": "two.com", "repo": "https://git.test/2.git"},
		},
	})
	var imp app.ImportResult
	decodeBody(t, resp, &imp)
	if imp.Imported != 2 || imp.Skipped != 0 {
		t.Errorf("import = %+v", imp)
	}

	var list struct {
		Sites []registry.SiteRecord `json:"sites"`
		Count int                   `json:"count"`
	}
	resp, err := http.Get(ts.URL + "/sites?filter=pending")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	decodeBody(t, resp, &list)
	if list.Count != 2 {
		t.Errorf("count = %d, want 2", list.Count)
	}

	resp, err = http.Get(ts.URL + "/sites/one.com")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	var st app.SiteStatus
	decodeBody(t, resp, &st)
	if st.Site.DomainName != "one.com" {
		t.Errorf("site = %+v", st.Site)
	}

	resp, err = http.Get(ts.URL + "/sites/unknown.com")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}

func TestSetupDomainEndpoint(t *testing.T) {
	_, ts := newTestServer(t)

	resp := postJSON(t, ts.URL+"/sites/deploy", map[string]string{
		"domain": "example.com", "repo_url": "https://git.test/app.git",
	})
	resp.Body.Close()

	resp = postJSON(t, ts.URL+"/sites/example.com/domain", map[string]string{})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var out struct {
		Success bool   `json:"success"`
		Message string `json:"message"`
	}
	decodeBody(t, resp, &out)
	if !out.Success || !strings.Contains(out.Message, "completed successfully") {
		t.Errorf("response = %+v", out)
	}
}

func TestBulkLifecycleOverHTTP(t *testing.T) {
	s, ts := newTestServer(t)

	resp := postJSON(t, ts.URL+"/sites/import", map[string]any{
		"sites": []map[string]string{
			{"domain": "one.com", "repo": "https://git.test/1.git"},
			{"domain": "two.com", "repo": "https://git.test/2.git"},
		},
	})
	resp.Body.Close()

	resp = postJSON(t, ts.URL+"/bulk/start", map[string]any{
		"do_domain": true, "concurrency": 2,
	})
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("start status = %d", resp.StatusCode)
	}
	var started struct {
		BatchID string `json:"batch_id"`
	}
	decodeBody(t, resp, &started)
	if started.BatchID == "" {
		t.Fatal("no batch id returned")
	}

	if err := s.Orchestrator().WaitBulk(started.BatchID); err != nil {
		t.Fatalf("WaitBulk: %v", err)
	}

	resp, err := http.Get(ts.URL + "/bulk/" + started.BatchID + "/progress")
	if err != nil {
		t.Fatalf("GET progress: %v", err)
	}
	var progress struct {
		Summary struct {
			Completed int `json:"completed"`
		} `json:"summary"`
		Total int `json:"total"`
	}
	decodeBody(t, resp, &progress)
	if progress.Summary.Completed != 2 || progress.Total != 2 {
		t.Errorf("progress = %+v", progress)
	}

	resp, err = http.Get(ts.URL + "/bulk/" + started.BatchID + "/logs")
	if err != nil {
		t.Fatalf("GET logs: %v", err)
	}
	var logs struct {
		Logs []string `json:"logs"`
	}
	decodeBody(t, resp, &logs)
	if len(logs.Logs) == 0 {
		t.Error("no batch logs returned")
	}

	resp, err = http.Get(ts.URL + "/bulk/unknown/progress")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("unknown batch status = %d, want 404", resp.StatusCode)
	}
}

func TestBulkLogsWebsocketTail(t *testing.T) {
	s, ts := newTestServer(t)

	resp := postJSON(t, ts.URL+"/sites/import", map[string]any{
		"sites": []map[string]string{{"domain": "one.com", "repo": "https://git.test/1.git"}},
	})
	resp.Body.Close()

	batchID, err := s.Orchestrator().StartBulkDeploy(context.Background(),
		bulk.Options{DoLocal: true, Concurrency: 1})
	if err != nil {
		t.Fatalf("StartBulkDeploy: %v", err)
	}

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/bulk/" + batchID + "/logs"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dialling websocket: %v", err)
	}
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	seen := map[string]int{}
	var sawEnd bool
	for !sawEnd {
		var msg map[string]string
		if err := conn.ReadJSON(&msg); err != nil {
			t.Fatalf("reading websocket: %v", err)
		}
		if msg["line"] != "" {
			seen[msg["line"]]++
		}
		if msg["event"] == "end" {
			sawEnd = true
		}
	}
	if len(seen) == 0 {
		t.Error("no log lines streamed before end")
	}
	// The replayed history and the live tail must not overlap.
	for line, n := range seen {
		if n > 1 {
			t.Errorf("line %q delivered %d times", line, n)
		}
	}
}

func TestProvisionConfigTracksAppDefaults(t *testing.T) {
	cfg := app.DefaultConfig()
	cfg.ServerIP = "198.51.100.7"
	cfg.DefaultPort = 4100

	got := provisionConfig(cfg)
	if got.ServerIP != "198.51.100.7" {
		t.Errorf("ServerIP = %q, want the app config's address", got.ServerIP)
	}
	if got.DefaultPort != 4100 {
		t.Errorf("DefaultPort = %d, want 4100", got.DefaultPort)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	_, ts := newTestServer(t)

	// Generate at least one instrumented request.
	resp, err := http.Get(ts.URL + "/bulk/status")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	resp.Body.Close()

	resp, err = http.Get(ts.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	buf := new(bytes.Buffer)
	if _, err := buf.ReadFrom(resp.Body); err != nil {
		t.Fatalf("reading body: %v", err)
	}
	if !strings.Contains(buf.String(), "slipway_api_http_requests_total") {
		t.Error("request counter missing from /metrics output")
	}
}

func TestCORSHeaders(t *testing.T) {
	_, ts := newTestServer(t)

	req, _ := http.NewRequest(http.MethodOptions, ts.URL+"/sites/deploy", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("OPTIONS: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("status = %d, want 204", resp.StatusCode)
	}
	if got := resp.Header.Get("Access-Control-Allow-Origin"); got != "*" {
		t.Errorf("Allow-Origin = %q", got)
	}
	if got := resp.Header.Get("Access-Control-Allow-Methods"); got != "POST" {
		t.Errorf("Allow-Methods = %q", got)
	}
}
