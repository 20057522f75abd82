package engine_test

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"specline/internal/config"
	"specline/internal/db"
	"specline/internal/engine"
	"specline/internal/fetch"
	"specline/internal/llm"
	"specline/internal/migrate"
	"specline/internal/repo"
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

type testEnv struct {
	Engine *engine.Engine
	Ctx    context.Context
}

func newTestEnv(t *testing.T, model llm.Client) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default("proj-1")
	eng := engine.New(conn, cfg, model, nil)
	eng.Now = func() time.Time { return time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC) }
	ctx := context.Background()
	if _, err := eng.InitProject(ctx, "proj-1", "test", "tester"); err != nil {
		t.Fatalf("init project: %v", err)
	}
	return testEnv{Engine: eng, Ctx: ctx}
}

func countEvents(t *testing.T, env testEnv, evtType, entityID string) int {
	t.Helper()
	n, err := env.Engine.Repo.CountEvents(env.Ctx, "proj-1", evtType, entityID)
	if err != nil {
		t.Fatalf("count events: %v", err)
	}
	return n
}

func newPendingUseCase(t *testing.T, env testEnv) string {
	t.Helper()
	uc, err := env.Engine.CreateUseCase(env.Ctx, engine.UseCaseCreateOptions{
		ProjectID: "proj-1",
		Title:     "Authenticate User",
		ActorID:   "tester",
	})
	if err != nil {
		t.Fatalf("create use case: %v", err)
	}
	if _, err := env.Engine.SubmitUseCase(env.Ctx, uc.ID, "tester"); err != nil {
		t.Fatalf("submit: %v", err)
	}
	return uc.ID
}

func TestUseCaseLifecycle(t *testing.T) {
	env := newTestEnv(t, stubModel{})
	id := newPendingUseCase(t, env)

	uc, created, err := env.Engine.ApproveUseCase(env.Ctx, id, "reviewer")
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	if uc.Status != "approved" {
		t.Fatalf("status = %q", uc.Status)
	}
	// no architect granted yet, so approval stands alone
	if created != nil {
		t.Fatalf("unexpected assignment %+v", created)
	}

	if _, err := env.Engine.AssignUseCase(env.Ctx, id, "dev-1", "reviewer"); err != nil {
		t.Fatalf("assign: %v", err)
	}
	if _, err := env.Engine.StartUseCase(env.Ctx, id, "dev-1"); err != nil {
		t.Fatalf("start: %v", err)
	}
	uc, err = env.Engine.CompleteUseCase(env.Ctx, id, "dev-1")
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if uc.Status != "completed" {
		t.Fatalf("status = %q", uc.Status)
	}
}

func TestInvalidTransitionLeavesNoTrace(t *testing.T) {
	env := newTestEnv(t, stubModel{})
	uc, err := env.Engine.CreateUseCase(env.Ctx, engine.UseCaseCreateOptions{
		ProjectID: "proj-1",
		Title:     "Draft case",
		ActorID:   "tester",
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	before := countEvents(t, env, "", uc.ID)

	_, _, err = env.Engine.ApproveUseCase(env.Ctx, uc.ID, "reviewer")
	var ite *engine.InvalidTransitionError
	if !errors.As(err, &ite) {
		t.Fatalf("err = %v, want InvalidTransitionError", err)
	}
	if ite.From != "draft" || ite.To != "approved" {
		t.Fatalf("transition = %s -> %s", ite.From, ite.To)
	}

	got, err := env.Engine.Repo.GetUseCase(env.Ctx, uc.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != "draft" || got.UpdatedAt != uc.UpdatedAt {
		t.Fatalf("use case mutated: %+v", got)
	}
	if after := countEvents(t, env, "", uc.ID); after != before {
		t.Fatalf("events = %d, want %d", after, before)
	}
}

func TestApproveAutoAssignsArchitect(t *testing.T) {
	env := newTestEnv(t, stubModel{})
	if err := env.Engine.GrantRole(env.Ctx, "proj-1", "arch-1", "architect", "tester"); err != nil {
		t.Fatalf("grant: %v", err)
	}
	id := newPendingUseCase(t, env)

	_, created, err := env.Engine.ApproveUseCase(env.Ctx, id, "reviewer")
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	if created == nil {
		t.Fatal("expected auto-created assignment")
	}
	if created.ToRole != "architect" || created.Status != "pending" {
		t.Fatalf("assignment = %+v", created)
	}
	if created.DueDate == nil {
		t.Fatal("missing due date")
	}
	due, err := time.Parse(time.RFC3339, *created.DueDate)
	if err != nil {
		t.Fatalf("due date: %v", err)
	}
	want := time.Date(2026, 1, 8, 0, 0, 0, 0, time.UTC)
	if !due.Equal(want) {
		t.Fatalf("due = %v, want %v", due, want)
	}
	// approval writes exactly one event, with the assignment folded in
	if n := countEvents(t, env, "usecase.approve", id); n != 1 {
		t.Fatalf("approve events = %d, want 1", n)
	}
	if n := countEvents(t, env, "assignment.create", ""); n != 0 {
		t.Fatalf("assignment events = %d, want 0", n)
	}
}

func TestRejectRecordsReason(t *testing.T) {
	env := newTestEnv(t, stubModel{})
	id := newPendingUseCase(t, env)

	uc, err := env.Engine.RejectUseCase(env.Ctx, id, "out of scope", "reviewer")
	if err != nil {
		t.Fatalf("reject: %v", err)
	}
	if uc.Status != "rejected" {
		t.Fatalf("status = %q", uc.Status)
	}
	if uc.MetadataJSON == nil || !strings.Contains(*uc.MetadataJSON, "out of scope") {
		t.Fatalf("metadata = %v", uc.MetadataJSON)
	}
	// rejected is terminal
	if _, err := env.Engine.SubmitUseCase(env.Ctx, id, "tester"); err == nil {
		t.Fatal("expected transition error from rejected")
	}
}

func TestAcceptRequirementIdempotent(t *testing.T) {
	env := newTestEnv(t, stubModel{})
	req, err := env.Engine.CreateRequirement(env.Ctx, engine.RequirementCreateOptions{
		ProjectID: "proj-1",
		Title:     "Account management",
		Content:   "Users manage their accounts.",
		ActorID:   "tester",
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	first, err := env.Engine.AcceptRequirement(env.Ctx, req.ID, "owner-1")
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	if first.Status != "accepted" || first.AcceptedAt == nil {
		t.Fatalf("requirement = %+v", first)
	}

	second, err := env.Engine.AcceptRequirement(env.Ctx, req.ID, "owner-2")
	if err != nil {
		t.Fatalf("second accept: %v", err)
	}
	if *second.AcceptedAt != *first.AcceptedAt || *second.AcceptedBy != "owner-1" {
		t.Fatalf("second accept mutated state: %+v", second)
	}
	if n := countEvents(t, env, "requirement.accept", req.ID); n != 1 {
		t.Fatalf("accept events = %d, want 1", n)
	}
}

func TestUpdateRequirementBumpsVersion(t *testing.T) {
	env := newTestEnv(t, stubModel{})
	req, err := env.Engine.CreateRequirement(env.Ctx, engine.RequirementCreateOptions{
		ProjectID: "proj-1",
		Title:     "Reporting",
		Content:   "v1",
		ActorID:   "tester",
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	updated, err := env.Engine.UpdateRequirementContent(env.Ctx, req.ID, "v2", "tester")
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if updated.Version != 2 || updated.Content != "v2" {
		t.Fatalf("requirement = %+v", updated)
	}
}

func TestAnalyzeMessageCreatesArtifacts(t *testing.T) {
	reply := `1. **Authenticate User**
Actor: End User
Goal: sign in securely
Priority: high

2. **Reset Password**
Actor: End User
`
	env := newTestEnv(t, stubModel{reply: reply})

	res, err := env.Engine.AnalyzeMessage(env.Ctx, "proj-1", "Please extract the login use cases", "tester")
	if err != nil {
		t.Fatalf("analyze: %v", err)
	}
	if res.RequirementID == "" {
		t.Fatal("no requirement created")
	}
	if len(res.UseCaseIDs) != 2 {
		t.Fatalf("use cases = %d, want 2", len(res.UseCaseIDs))
	}
	if res.CatchAll || res.Degraded {
		t.Fatalf("unexpected flags: %+v", res)
	}
	uc, err := env.Engine.Repo.GetUseCase(env.Ctx, res.UseCaseIDs[0])
	if err != nil {
		t.Fatalf("get use case: %v", err)
	}
	if uc.Status != "draft" || uc.Priority != "high" {
		t.Fatalf("use case = %+v", uc)
	}
	if uc.RequirementID == nil || *uc.RequirementID != res.RequirementID {
		t.Fatalf("requirement link = %v", uc.RequirementID)
	}
}

func TestAnalyzeMessageCatchAll(t *testing.T) {
	env := newTestEnv(t, stubModel{reply: "The material describes a single broad capability."})

	res, err := env.Engine.AnalyzeMessage(env.Ctx, "proj-1", "vague request", "tester")
	if err != nil {
		t.Fatalf("analyze: %v", err)
	}
	if !res.CatchAll {
		t.Fatal("expected catch-all")
	}
	if len(res.UseCaseIDs) != 1 {
		t.Fatalf("use cases = %d, want 1", len(res.UseCaseIDs))
	}
}

func TestAnalyzeMessageUsesFetchedPage(t *testing.T) {
	page := `<html><head><title>Spec</title></head><body><main>
<h2>Overview</h2><h2>Login</h2>
<p>Users sign in with email and password.</p>
</main></body></html>`
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		fmt.Fprint(w, page)
	}))
	defer srv.Close()

	reply := `### UC-001 Sign in
The user signs in with email and password to reach the dashboard.
### UC-002 Sign out
The user ends the session from any page.
`
	env := newTestEnv(t, stubModel{reply: reply})
	env.Engine.Fetcher = fetch.New(nil)

	res, err := env.Engine.AnalyzeMessage(env.Ctx, "proj-1", "please analyze "+srv.URL, "tester")
	if err != nil {
		t.Fatalf("analyze: %v", err)
	}
	if res.Degraded {
		t.Fatal("unexpected degraded flag")
	}
	if res.SourceURL != srv.URL {
		t.Fatalf("source url = %q", res.SourceURL)
	}
	req, err := env.Engine.Repo.GetRequirement(env.Ctx, res.RequirementID)
	if err != nil {
		t.Fatalf("get requirement: %v", err)
	}
	if req.Title != "Spec" {
		t.Fatalf("title = %q, want page title", req.Title)
	}
	if req.SourceURL == nil || *req.SourceURL != srv.URL {
		t.Fatalf("requirement source = %v", req.SourceURL)
	}
	if len(res.UseCaseIDs) != 2 {
		t.Fatalf("use cases = %d, want 2", len(res.UseCaseIDs))
	}
	for _, id := range res.UseCaseIDs {
		uc, err := env.Engine.Repo.GetUseCase(env.Ctx, id)
		if err != nil {
			t.Fatalf("get use case: %v", err)
		}
		if uc.Priority != "medium" {
			t.Fatalf("priority = %q, want medium", uc.Priority)
		}
	}
}

func TestAnalyzeMessageDegradedFetch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	env := newTestEnv(t, stubModel{reply: "1. **Authenticate User**\nActor: End User\n"})
	env.Engine.Fetcher = fetch.New(nil)

	res, err := env.Engine.AnalyzeMessage(env.Ctx, "proj-1", "see "+srv.URL+" for details", "tester")
	if err != nil {
		t.Fatalf("analyze: %v", err)
	}
	if !res.Degraded {
		t.Fatal("expected degraded analysis")
	}
	// artifacts still come out of the message alone
	if res.RequirementID == "" || len(res.UseCaseIDs) != 1 {
		t.Fatalf("result = %+v", res)
	}
	if !strings.Contains(res.ResponseText, "could not be fetched") {
		t.Fatalf("response = %q", res.ResponseText)
	}
	if n := countEvents(t, env, "fetch.failed", ""); n != 1 {
		t.Fatalf("fetch.failed events = %d, want 1", n)
	}
}

func TestAnalyzeMessageModelUnavailable(t *testing.T) {
	env := newTestEnv(t, stubModel{err: fmt.Errorf("cascade: %w", llm.ErrModelUnavailable)})

	res, err := env.Engine.AnalyzeMessage(env.Ctx, "proj-1", "anything", "tester")
	if err != nil {
		t.Fatalf("analyze: %v", err)
	}
	if res.RequirementID != "" || len(res.UseCaseIDs) != 0 {
		t.Fatalf("artifacts created despite unavailable models: %+v", res)
	}
	if res.ResponseText == "" {
		t.Fatal("expected apology text")
	}
	reqs, err := env.Engine.Repo.ListRequirements(env.Ctx, repo.RequirementFilters{ProjectID: "proj-1"})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(reqs) != 0 {
		t.Fatalf("requirements = %d, want 0", len(reqs))
	}
}

func TestGenerateDeliverablesFallback(t *testing.T) {
	env := newTestEnv(t, stubModel{reply: "sorry, no JSON today"})
	req, err := env.Engine.CreateRequirement(env.Ctx, engine.RequirementCreateOptions{
		ProjectID: "proj-1",
		Title:     "Billing",
		Content:   "Invoices monthly.",
		ActorID:   "tester",
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	res, err := env.Engine.GenerateDeliverables(env.Ctx, req.ID, "tester")
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if !res.Fallback {
		t.Fatal("expected fallback")
	}
	if len(res.Deliverables) != 3 {
		t.Fatalf("deliverables = %d, want 3", len(res.Deliverables))
	}
	for _, d := range res.Deliverables {
		if d.RequirementID != req.ID {
			t.Fatalf("parentage = %q", d.RequirementID)
		}
	}
	if n := countEvents(t, env, "deliverables.fallback", req.ID); n != 1 {
		t.Fatalf("fallback events = %d, want 1", n)
	}
}

func TestGenerateDeliverablesFromModel(t *testing.T) {
	reply := `[{"title":"Billing epic","type":"epic","priority":"high"},
{"title":"Invoice story","type":"story","priority":"medium","story_points":3}]`
	env := newTestEnv(t, stubModel{reply: reply})
	req, err := env.Engine.CreateRequirement(env.Ctx, engine.RequirementCreateOptions{
		ProjectID: "proj-1",
		Title:     "Billing",
		Content:   "Invoices monthly.",
		ActorID:   "tester",
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	res, err := env.Engine.GenerateDeliverables(env.Ctx, req.ID, "tester")
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if res.Fallback {
		t.Fatal("unexpected fallback")
	}
	if len(res.Deliverables) != 2 {
		t.Fatalf("deliverables = %d, want 2", len(res.Deliverables))
	}
	stored, err := env.Engine.Repo.ListDeliverables(env.Ctx, req.ID)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(stored) != 2 {
		t.Fatalf("stored = %d, want 2", len(stored))
	}
}

func TestExportDocumentSectionOrder(t *testing.T) {
	env := newTestEnv(t, stubModel{})
	if _, err := env.Engine.CreateRequirement(env.Ctx, engine.RequirementCreateOptions{
		ProjectID: "proj-1", Title: "Search", Content: "Full text search.", ActorID: "tester",
	}); err != nil {
		t.Fatalf("create requirement: %v", err)
	}
	if _, err := env.Engine.CreateUseCase(env.Ctx, engine.UseCaseCreateOptions{
		ProjectID: "proj-1", Title: "Query index", ActorID: "tester",
	}); err != nil {
		t.Fatalf("create use case: %v", err)
	}

	doc, err := env.Engine.ExportDocument(env.Ctx, "proj-1")
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	overview := strings.Index(doc, "## Overview")
	reqs := strings.Index(doc, "## Requirements")
	ucs := strings.Index(doc, "## Use cases")
	if overview < 0 || reqs < 0 || ucs < 0 {
		t.Fatalf("missing sections:\n%s", doc)
	}
	if !(overview < reqs && reqs < ucs) {
		t.Fatalf("section order wrong: %d/%d/%d", overview, reqs, ucs)
	}
	if !strings.Contains(doc, "### Search") || !strings.Contains(doc, "### Query index") {
		t.Fatalf("content missing:\n%s", doc)
	}
}

func TestAssignmentLifecycle(t *testing.T) {
	env := newTestEnv(t, stubModel{})
	req, err := env.Engine.CreateRequirement(env.Ctx, engine.RequirementCreateOptions{
		ProjectID: "proj-1", Title: "Audit", Content: "Keep a trail.", ActorID: "tester",
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	a, err := env.Engine.CreateAssignment(env.Ctx, engine.AssignmentCreateOptions{
		ProjectID:  "proj-1",
		EntityKind: "requirement",
		EntityID:   req.ID,
		ToRole:     "product_manager",
		Comments:   "please review",
		ActorID:    "tester",
	})
	if err != nil {
		t.Fatalf("create assignment: %v", err)
	}
	if a.Status != "pending" {
		t.Fatalf("status = %q", a.Status)
	}
	// handing a requirement to a role stamps the requirement
	req, err = env.Engine.Repo.GetRequirement(env.Ctx, req.ID)
	if err != nil {
		t.Fatalf("get requirement: %v", err)
	}
	if req.AssignedRole == nil || *req.AssignedRole != "product_manager" {
		t.Fatalf("assigned role = %v", req.AssignedRole)
	}
	a, err = env.Engine.SetAssignmentStatus(env.Ctx, a.ID, "accepted", "pm-1")
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	a, err = env.Engine.SetAssignmentStatus(env.Ctx, a.ID, "completed", "pm-1")
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if _, err := env.Engine.SetAssignmentStatus(env.Ctx, a.ID, "pending", "pm-1"); err == nil {
		t.Fatal("expected transition error")
	}
}
