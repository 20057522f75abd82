package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"testing"

	"specline/internal/config"
	"specline/internal/db"
	"specline/internal/domain"
	"specline/internal/engine"
	"specline/internal/llm"
	"specline/internal/migrate"
)

type stubModel struct {
	reply string
	err   error
}

func (s stubModel) Model() string { return "stub" }

func (s stubModel) Generate(ctx context.Context, req llm.Request) (string, error) {
	if s.err != nil {
		return "", s.err
	}
	return s.reply, nil
}

type testServer struct {
	URL    string
	Engine *engine.Engine
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T, model llm.Client) *testServer {
	t.Helper()
	workspace := t.TempDir()
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		t.Fatalf("ensure workspace: %v", err)
	}
	cfg := config.Default("specline")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	e := engine.New(conn, cfg, model, nil)
	if _, err := e.InitProject(context.Background(), cfg.Project.ID, "", "tester"); err != nil {
		t.Fatalf("init project: %v", err)
	}
	handler, err := New(Config{
		Engine:   e,
		BasePath: "/v1",
		Auth:     AuthConfig{AllowLegacyActorHeader: true},
	})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		Engine: e,
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	t.Cleanup(testSrv.Close)
	return testSrv
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Actor-Id", "tester")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

const extractionReply = `1. **Authenticate User**
Actor: End User
Goal: sign in securely
Priority: high

2. **Reset Password**
Actor: End User
`

func TestAnalyzeToDeliverablesFlow(t *testing.T) {
	srv := newTestServer(t, stubModel{reply: extractionReply})
	client := srv.Client()
	base := srv.URL + "/v1/projects/specline"

	res, data := doJSON(t, client, http.MethodPost, base+"/analyze", map[string]any{
		"message": "Please extract the login use cases",
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("analyze status %d: %s", res.StatusCode, string(data))
	}
	var analyzed AnalyzeResponse
	if err := json.Unmarshal(data, &analyzed); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if analyzed.RequirementID == "" || len(analyzed.UseCaseIDs) != 2 {
		t.Fatalf("analyze response = %+v", analyzed)
	}

	res, data = doJSON(t, client, http.MethodPatch, base+"/requirements/"+analyzed.RequirementID+"/accept", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("accept status %d: %s", res.StatusCode, string(data))
	}
	var req domain.Requirement
	_ = json.Unmarshal(data, &req)
	if req.Status != "accepted" {
		t.Fatalf("requirement = %+v", req)
	}

	// stub replies with markdown, not a JSON array, so generation falls back
	res, data = doJSON(t, client, http.MethodPost, base+"/requirements/"+analyzed.RequirementID+"/deliverables", nil, nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("deliverables status %d: %s", res.StatusCode, string(data))
	}
	var generated DeliverablesResponse
	if err := json.Unmarshal(data, &generated); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !generated.Fallback || generated.Count != 3 {
		t.Fatalf("deliverables = %+v", generated)
	}
	if len(generated.Export) != 3 || generated.Export[0].IssueType != "epic" {
		t.Fatalf("export = %+v", generated.Export)
	}
}

func TestUseCaseApprovalOverHTTP(t *testing.T) {
	srv := newTestServer(t, stubModel{reply: extractionReply})
	client := srv.Client()
	base := srv.URL + "/v1/projects/specline"

	res, data := doJSON(t, client, http.MethodPost, base+"/roles", map[string]any{
		"actor_id": "arch-1",
		"role_id":  "architect",
	}, nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("grant role status %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, base+"/usecases", map[string]any{
		"title": "Authenticate User",
	}, nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create status %d: %s", res.StatusCode, string(data))
	}
	var uc domain.UseCase
	_ = json.Unmarshal(data, &uc)

	res, data = doJSON(t, client, http.MethodPatch, base+"/usecases/"+uc.ID+"/submit", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("submit status %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPatch, base+"/usecases/"+uc.ID+"/approve", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("approve status %d: %s", res.StatusCode, string(data))
	}
	var approved ApproveUseCaseResponse
	if err := json.Unmarshal(data, &approved); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if approved.UseCase.Status != "approved" {
		t.Fatalf("status = %q", approved.UseCase.Status)
	}
	if approved.Assignment == nil || approved.Assignment.ToRole != "architect" {
		t.Fatalf("assignment = %+v", approved.Assignment)
	}
}

func TestInvalidTransitionConflict(t *testing.T) {
	srv := newTestServer(t, stubModel{})
	client := srv.Client()
	base := srv.URL + "/v1/projects/specline"

	res, data := doJSON(t, client, http.MethodPost, base+"/usecases", map[string]any{
		"title": "Draft case",
	}, nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create status %d: %s", res.StatusCode, string(data))
	}
	var uc domain.UseCase
	_ = json.Unmarshal(data, &uc)

	res, data = doJSON(t, client, http.MethodPatch, base+"/usecases/"+uc.ID+"/approve", nil, nil)
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409, got %d: %s", res.StatusCode, string(data))
	}
	var envelope struct {
		Error struct {
			Code    string         `json:"code"`
			Details map[string]any `json:"details"`
		} `json:"error"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if envelope.Error.Code != "invalid_transition" {
		t.Fatalf("code = %q: %s", envelope.Error.Code, string(data))
	}
}

func TestModelUnavailableReturnsApology(t *testing.T) {
	srv := newTestServer(t, stubModel{err: fmt.Errorf("cascade: %w", llm.ErrModelUnavailable)})
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/projects/specline/analyze", map[string]any{
		"message": "anything at all",
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("analyze status %d: %s", res.StatusCode, string(data))
	}
	var analyzed AnalyzeResponse
	if err := json.Unmarshal(data, &analyzed); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if analyzed.RequirementID != "" || analyzed.ResponseText == "" {
		t.Fatalf("response = %+v", analyzed)
	}
}

func TestExportAndEvents(t *testing.T) {
	srv := newTestServer(t, stubModel{reply: extractionReply})
	client := srv.Client()
	base := srv.URL + "/v1/projects/specline"

	if res, data := doJSON(t, client, http.MethodPost, base+"/analyze", map[string]any{
		"message": "extract these",
	}, nil); res.StatusCode != http.StatusOK {
		t.Fatalf("analyze status %d: %s", res.StatusCode, string(data))
	}

	res, data := doJSON(t, client, http.MethodGet, base+"/export", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("export status %d: %s", res.StatusCode, string(data))
	}
	if ct := res.Header.Get("Content-Type"); ct != "text/markdown; charset=utf-8" {
		t.Fatalf("content type = %q", ct)
	}
	if !bytes.Contains(data, []byte("## Requirements")) {
		t.Fatalf("export missing requirements section:\n%s", string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, base+"/events?type=requirement.create", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("events status %d: %s", res.StatusCode, string(data))
	}
	var events []domain.Event
	if err := json.Unmarshal(data, &events); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("events = %d, want 1", len(events))
	}
}

func TestAuthRequired(t *testing.T) {
	srv := newTestServer(t, stubModel{})

	req, err := http.NewRequest(http.MethodGet, srv.URL+"/v1/projects", nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	res, err := srv.Client().Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", res.StatusCode)
	}

	// health stays open
	res2, err := srv.Client().Get(srv.URL + "/v1/health")
	if err != nil {
		t.Fatalf("health: %v", err)
	}
	defer res2.Body.Close()
	if res2.StatusCode != http.StatusOK {
		t.Fatalf("health = %d", res2.StatusCode)
	}
}
