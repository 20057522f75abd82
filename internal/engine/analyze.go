package engine

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"specline/internal/deliver"
	"specline/internal/domain"
	"specline/internal/events"
	"specline/internal/extract"
	"specline/internal/fetch"
	"specline/internal/llm"
	"specline/internal/llm/prompt"
	"specline/internal/repo"
)

var urlPattern = regexp.MustCompile(`https?://[^\s<>"')]+`)

// AnalyzeResult is what one analysis run produced.
type AnalyzeResult struct {
	ResponseText  string
	SourceURL     string
	Degraded      bool
	CatchAll      bool
	RequirementID string
	UseCaseIDs    []string
}

const modelUnavailableReply = "I could not reach any of the configured language models right now, so nothing was extracted. Please check the model credentials and try again."

// AnalyzeMessage runs the full pipeline: detect a URL in the message, fetch
// and sanitize it (a failed fetch degrades to the raw message), send the
// material through the model cascade, parse the reply into use-case
// candidates, and persist a requirement with its use cases. When every model
// fails the caller gets an apology text and no artifacts.
func (e *Engine) AnalyzeMessage(ctx context.Context, projectID, message, actorID string) (AnalyzeResult, error) {
	if strings.TrimSpace(message) == "" {
		return AnalyzeResult{}, errors.New("message required")
	}
	var res AnalyzeResult

	var src fetch.Source
	haveSource := false
	if url := urlPattern.FindString(message); url != "" {
		res.SourceURL = url
		if e.Fetcher == nil {
			res.Degraded = true
		} else if fetched, err := e.Fetcher.Fetch(ctx, url); err != nil {
			// acquisition failures are recoverable: analyze the message alone
			res.Degraded = true
			e.logRecovery(ctx, projectID, actorID, "fetch.failed", events.EventPayload{"url": url, "error": err.Error()})
		} else {
			src = fetched
			haveSource = true
		}
	}

	var system, user string
	if haveSource {
		system, user = prompt.PageRequirements(src, message)
	} else {
		system, user = prompt.Guidance(message)
	}

	reply, err := e.generate(ctx, llm.Request{System: system, User: user})
	if err != nil {
		if errors.Is(err, llm.ErrModelUnavailable) {
			e.logRecovery(ctx, projectID, actorID, "analyze.model_unavailable", events.EventPayload{"error": err.Error()})
			res.ResponseText = modelUnavailableReply
			return res, nil
		}
		return AnalyzeResult{}, err
	}

	parsed := extract.Parse(reply)
	res.CatchAll = parsed.CatchAll
	if parsed.CatchAll {
		e.logRecovery(ctx, projectID, actorID, "extract.catch_all", events.EventPayload{"reply_chars": len(reply)})
	}

	title := requirementTitle(src, message, haveSource)
	req, err := e.CreateRequirement(ctx, RequirementCreateOptions{
		ProjectID: projectID,
		Title:     title,
		Content:   reply,
		SourceURL: res.SourceURL,
		ActorID:   actorID,
	})
	if err != nil {
		return AnalyzeResult{}, err
	}
	res.RequirementID = req.ID

	for _, c := range parsed.Candidates {
		uc, err := e.CreateUseCase(ctx, UseCaseCreateOptions{
			ProjectID:     projectID,
			RequirementID: req.ID,
			Title:         c.Title,
			Description:   c.Description,
			Actors:        c.Actors,
			Priority:      c.Priority,
			ActorID:       actorID,
		})
		if err != nil {
			return AnalyzeResult{}, err
		}
		res.UseCaseIDs = append(res.UseCaseIDs, uc.ID)
	}

	res.ResponseText = analyzeReply(req, len(res.UseCaseIDs), res.Degraded)
	return res, nil
}

func (e *Engine) generate(ctx context.Context, req llm.Request) (string, error) {
	if e.Models == nil {
		return "", fmt.Errorf("no models configured: %w", llm.ErrModelUnavailable)
	}
	return e.Models.Generate(ctx, req)
}

func requirementTitle(src fetch.Source, message string, haveSource bool) string {
	if haveSource && src.Title != "" {
		return src.Title
	}
	title := strings.TrimSpace(message)
	if i := strings.IndexAny(title, "\r\n"); i > 0 {
		title = title[:i]
	}
	if len(title) > 120 {
		title = strings.TrimSpace(title[:120])
	}
	if title == "" {
		title = "Untitled requirement"
	}
	return title
}

func analyzeReply(req domain.Requirement, useCases int, degraded bool) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Extracted %d use case(s) into requirement %q (%s).", useCases, req.Title, req.ID)
	if degraded {
		b.WriteString(" The linked page could not be fetched, so the analysis used only your message.")
	}
	b.WriteString(" You can review the use cases, accept the requirement, or generate deliverables.")
	return b.String()
}

// logRecovery records a recovered failure in the activity log on a best
// effort basis; analysis must not fail because logging did.
func (e *Engine) logRecovery(ctx context.Context, projectID, actorID, eventType string, payload events.EventPayload) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return
	}
	defer tx.Rollback()
	if err := e.Events.Append(ctx, tx, eventType, projectID, "analysis", "", actorID, payload); err != nil {
		return
	}
	_ = tx.Commit()
}

// --- deliverables ---

// DeliverablesResult carries the persisted work items plus whether the fixed
// fallback set was used.
type DeliverablesResult struct {
	Deliverables []domain.Deliverable
	Fallback     bool
}

// GenerateDeliverables asks the cascade for a JSON breakdown of the
// requirement and persists one deliverable per item. Unparseable model
// output falls back to the fixed epic/story/task set instead of failing.
func (e *Engine) GenerateDeliverables(ctx context.Context, requirementID, actorID string) (DeliverablesResult, error) {
	unlock := e.lockArtifact(requirementID)
	defer unlock()

	req, err := e.Repo.GetRequirement(ctx, requirementID)
	if err != nil {
		return DeliverablesResult{}, err
	}

	var items []deliver.Item
	fallback := false
	system, user := prompt.DeliverableBreakdown(req.Title, req.Content)
	reply, err := e.generate(ctx, llm.Request{System: system, User: user, JSONOnly: true})
	if err != nil {
		if !errors.Is(err, llm.ErrModelUnavailable) {
			return DeliverablesResult{}, err
		}
		fallback = true
	} else {
		items, err = deliver.ParseBreakdown(reply)
		if err != nil {
			fallback = true
		}
	}
	if fallback {
		items = deliver.Fallback(req.Title)
	}

	now := e.nowRFC3339()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return DeliverablesResult{}, err
	}
	defer tx.Rollback()

	var out []domain.Deliverable
	for _, item := range items {
		d := domain.Deliverable{
			ID:                 uuid.New().String(),
			ProjectID:          req.ProjectID,
			RequirementID:      req.ID,
			Title:              item.Title,
			Description:        item.Description,
			Type:               item.Type,
			Priority:           item.Priority,
			StoryPoints:        item.StoryPoints,
			AcceptanceCriteria: item.AcceptanceCriteria,
			Dependencies:       item.Dependencies,
			Labels:             item.Labels,
			Status:             "todo",
			CreatedAt:          now,
		}
		if err := e.Repo.InsertDeliverable(ctx, tx, d); err != nil {
			return DeliverablesResult{}, err
		}
		out = append(out, d)
	}

	eventType := "deliverables.generate"
	if fallback {
		eventType = "deliverables.fallback"
	}
	if err := e.Events.Append(ctx, tx, eventType, req.ProjectID, "requirement", req.ID, actorID, events.EventPayload{
		"count": len(out),
	}); err != nil {
		return DeliverablesResult{}, err
	}
	if err := tx.Commit(); err != nil {
		return DeliverablesResult{}, err
	}
	return DeliverablesResult{Deliverables: out, Fallback: fallback}, nil
}

// --- export ---

// ExportDocument renders the project as a markdown document with a stable
// section order: overview, requirements, then use cases.
func (e *Engine) ExportDocument(ctx context.Context, projectID string) (string, error) {
	p, err := e.Repo.GetProject(ctx, projectID)
	if err != nil {
		return "", err
	}
	reqs, err := e.Repo.ListRequirements(ctx, repo.RequirementFilters{ProjectID: projectID})
	if err != nil {
		return "", err
	}
	ucs, err := e.Repo.ListUseCases(ctx, repo.UseCaseFilters{ProjectID: projectID})
	if err != nil {
		return "", err
	}

	var b strings.Builder
	fmt.Fprintf(&b, "# Project %s\n\n", p.ID)
	fmt.Fprintf(&b, "Generated: %s\n\n", e.now().UTC().Format(time.RFC3339))
	b.WriteString("## Overview\n\n")
	if p.Description != "" {
		b.WriteString(p.Description + "\n\n")
	}
	fmt.Fprintf(&b, "Requirements: %d. Use cases: %d.\n\n", len(reqs), len(ucs))

	b.WriteString("## Requirements\n\n")
	if len(reqs) == 0 {
		b.WriteString("None yet.\n\n")
	}
	for _, req := range reqs {
		fmt.Fprintf(&b, "### %s\n\n", req.Title)
		fmt.Fprintf(&b, "- ID: %s\n- Status: %s\n- Version: %d\n", req.ID, req.Status, req.Version)
		if req.SourceURL != nil {
			fmt.Fprintf(&b, "- Source: %s\n", *req.SourceURL)
		}
		b.WriteString("\n")
		if req.Content != "" {
			b.WriteString(req.Content + "\n\n")
		}
	}

	b.WriteString("## Use cases\n\n")
	if len(ucs) == 0 {
		b.WriteString("None yet.\n")
	}
	for _, uc := range ucs {
		fmt.Fprintf(&b, "### %s\n\n", uc.Title)
		fmt.Fprintf(&b, "- ID: %s\n- Status: %s\n- Priority: %s\n", uc.ID, uc.Status, uc.Priority)
		if len(uc.Actors) > 0 {
			fmt.Fprintf(&b, "- Actors: %s\n", strings.Join(uc.Actors, ", "))
		}
		if uc.AssignedTo != nil {
			fmt.Fprintf(&b, "- Assigned to: %s\n", *uc.AssignedTo)
		}
		b.WriteString("\n")
		if uc.Description != "" {
			b.WriteString(uc.Description + "\n\n")
		}
	}
	return b.String(), nil
}
