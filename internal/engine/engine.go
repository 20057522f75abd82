package engine

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"specline/internal/config"
	"specline/internal/domain"
	"specline/internal/events"
	"specline/internal/fetch"
	"specline/internal/llm"
	"specline/internal/repo"
)

// Engine owns every workflow mutation. All writes happen in a transaction
// that also appends exactly one activity event; per-artifact mutations are
// serialized with a keyed mutex so concurrent requests on the same artifact
// cannot interleave.
type Engine struct {
	DB      *sql.DB
	Repo    repo.Repo
	Events  events.Writer
	Config  *config.Config
	Now     func() time.Time
	Models  llm.Client
	Fetcher *fetch.Fetcher

	mu    sync.Mutex
	locks map[string]*artifactLock
}

// artifactLock carries a waiter count so the entry can be evicted once
// nobody holds or wants it; otherwise a long-lived serve process would
// accumulate one mutex per artifact ever touched.
type artifactLock struct {
	mu   sync.Mutex
	refs int
}

func New(db *sql.DB, cfg *config.Config, models llm.Client, fetcher *fetch.Fetcher) *Engine {
	return &Engine{
		DB:      db,
		Repo:    repo.Repo{DB: db},
		Events:  events.Writer{DB: db},
		Config:  cfg,
		Now:     time.Now,
		Models:  models,
		Fetcher: fetcher,
		locks:   make(map[string]*artifactLock),
	}
}

func (e *Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e *Engine) nowRFC3339() string {
	return e.now().UTC().Format(time.RFC3339)
}

// lockArtifact serializes mutations on one artifact id. The returned func
// releases the lock and drops the map entry once the last waiter is gone.
func (e *Engine) lockArtifact(id string) func() {
	e.mu.Lock()
	if e.locks == nil {
		e.locks = make(map[string]*artifactLock)
	}
	l, ok := e.locks[id]
	if !ok {
		l = &artifactLock{}
		e.locks[id] = l
	}
	l.refs++
	e.mu.Unlock()
	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		e.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(e.locks, id)
		}
		e.mu.Unlock()
	}
}

// InvalidTransitionError reports a status change the workflow does not
// allow. The subject entity is left untouched and no event is written.
type InvalidTransitionError struct {
	Entity string
	From   string
	To     string
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid %s status transition %s -> %s", e.Entity, e.From, e.To)
}

func ensureUseCaseTransition(oldStatus, newStatus string) error {
	switch oldStatus {
	case "draft":
		if newStatus == "pending_review" {
			return nil
		}
	case "pending_review":
		if newStatus == "approved" || newStatus == "rejected" {
			return nil
		}
	case "approved":
		if newStatus == "assigned" {
			return nil
		}
	case "assigned":
		if newStatus == "in_development" {
			return nil
		}
	case "in_development":
		if newStatus == "completed" {
			return nil
		}
	}
	return &InvalidTransitionError{Entity: "use case", From: oldStatus, To: newStatus}
}

func ensureAssignmentTransition(oldStatus, newStatus string) error {
	if oldStatus == "pending" {
		switch newStatus {
		case "accepted", "completed", "rejected":
			return nil
		}
	}
	if oldStatus == "accepted" && newStatus == "completed" {
		return nil
	}
	return &InvalidTransitionError{Entity: "assignment", From: oldStatus, To: newStatus}
}

// InitProject creates the project row, stores its config, and logs the
// event.
func (e *Engine) InitProject(ctx context.Context, projectID, description, actorID string) (domain.Project, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Project{}, err
	}
	defer tx.Rollback()

	p := domain.Project{
		ID:          projectID,
		Kind:        "software-project",
		Status:      "active",
		Description: description,
		CreatedAt:   e.nowRFC3339(),
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO projects(id,kind,status,description,created_at) VALUES (?,?,?,?,?)`,
		p.ID, p.Kind, p.Status, nullable(p.Description), p.CreatedAt); err != nil {
		return domain.Project{}, fmt.Errorf("insert project: %w", err)
	}
	cfg := e.Config
	if cfg == nil {
		cfg = config.Default(p.ID)
	}
	if err := e.Repo.UpsertProjectConfigTx(ctx, tx, p.ID, cfg); err != nil {
		return domain.Project{}, fmt.Errorf("insert project config: %w", err)
	}
	if err := e.Repo.EnsureActor(ctx, tx, actorID, p.CreatedAt); err != nil {
		return domain.Project{}, err
	}
	if err := e.Repo.AssignRole(ctx, tx, p.ID, actorID, "owner"); err != nil {
		return domain.Project{}, err
	}
	if err := e.Events.Append(ctx, tx, "project.init", p.ID, "project", p.ID, actorID, events.EventPayload{"status": p.Status}); err != nil {
		return domain.Project{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Project{}, err
	}
	return p, nil
}

// GrantRole gives actorID a workflow role. The role must be declared in
// config when a role map is configured.
func (e *Engine) GrantRole(ctx context.Context, projectID, actorID, roleID, grantedBy string) error {
	if e.Config != nil && len(e.Config.Workflow.Roles) > 0 {
		if _, ok := e.Config.Workflow.Roles[roleID]; !ok {
			return fmt.Errorf("unknown role %q", roleID)
		}
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	now := e.nowRFC3339()
	if err := e.Repo.EnsureActor(ctx, tx, actorID, now); err != nil {
		return err
	}
	if err := e.Repo.AssignRole(ctx, tx, projectID, actorID, roleID); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, "role.grant", projectID, "actor", actorID, grantedBy, events.EventPayload{"role": roleID}); err != nil {
		return err
	}
	return tx.Commit()
}

// RevokeRole removes a workflow role grant.
func (e *Engine) RevokeRole(ctx context.Context, projectID, actorID, roleID, revokedBy string) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.RevokeRole(ctx, tx, projectID, actorID, roleID); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, "role.revoke", projectID, "actor", actorID, revokedBy, events.EventPayload{"role": roleID}); err != nil {
		return err
	}
	return tx.Commit()
}

// --- requirements ---

type RequirementCreateOptions struct {
	ID        string
	ProjectID string
	Title     string
	Content   string
	SourceURL string
	ActorID   string
}

func (e *Engine) CreateRequirement(ctx context.Context, opts RequirementCreateOptions) (domain.Requirement, error) {
	if strings.TrimSpace(opts.Title) == "" {
		return domain.Requirement{}, errors.New("title required")
	}
	now := e.nowRFC3339()
	id := opts.ID
	if id == "" {
		id = uuid.NewSHA1(uuid.NameSpaceOID, []byte(opts.ProjectID+"|"+opts.Title+"|"+now)).String()
	}
	req := domain.Requirement{
		ID:        id,
		ProjectID: opts.ProjectID,
		Title:     strings.TrimSpace(opts.Title),
		Content:   opts.Content,
		Status:    "draft",
		Version:   1,
		CreatedBy: opts.ActorID,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if opts.SourceURL != "" {
		req.SourceURL = &opts.SourceURL
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Requirement{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertRequirement(ctx, tx, req); err != nil {
		return domain.Requirement{}, fmt.Errorf("insert requirement: %w", err)
	}
	if err := e.Events.Append(ctx, tx, "requirement.create", req.ProjectID, "requirement", req.ID, opts.ActorID, events.EventPayload{
		"title":  req.Title,
		"source": opts.SourceURL,
	}); err != nil {
		return domain.Requirement{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Requirement{}, err
	}
	return req, nil
}

// AcceptRequirement moves a requirement to accepted. Accepting an already
// accepted requirement is a no-op: the stored state comes back unchanged and
// no event is written.
func (e *Engine) AcceptRequirement(ctx context.Context, requirementID, actorID string) (domain.Requirement, error) {
	unlock := e.lockArtifact(requirementID)
	defer unlock()

	req, err := e.Repo.GetRequirement(ctx, requirementID)
	if err != nil {
		return domain.Requirement{}, err
	}
	if req.Status == "accepted" {
		return req, nil
	}
	now := e.nowRFC3339()
	req.Status = "accepted"
	req.AcceptedBy = &actorID
	req.AcceptedAt = &now
	req.UpdatedAt = now

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Requirement{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateRequirement(ctx, tx, req); err != nil {
		return domain.Requirement{}, err
	}
	if err := e.Events.Append(ctx, tx, "requirement.accept", req.ProjectID, "requirement", req.ID, actorID, events.EventPayload{
		"title": req.Title,
	}); err != nil {
		return domain.Requirement{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Requirement{}, err
	}
	return req, nil
}

// UpdateRequirementContent replaces content and bumps the version.
func (e *Engine) UpdateRequirementContent(ctx context.Context, requirementID, content, actorID string) (domain.Requirement, error) {
	unlock := e.lockArtifact(requirementID)
	defer unlock()

	req, err := e.Repo.GetRequirement(ctx, requirementID)
	if err != nil {
		return domain.Requirement{}, err
	}
	req.Content = content
	req.Version++
	req.UpdatedAt = e.nowRFC3339()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Requirement{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateRequirement(ctx, tx, req); err != nil {
		return domain.Requirement{}, err
	}
	if err := e.Events.Append(ctx, tx, "requirement.update", req.ProjectID, "requirement", req.ID, actorID, events.EventPayload{
		"version": req.Version,
	}); err != nil {
		return domain.Requirement{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Requirement{}, err
	}
	return req, nil
}

// --- use cases ---

type UseCaseCreateOptions struct {
	ID            string
	ProjectID     string
	RequirementID string
	Title         string
	Description   string
	Actors        []string
	Dependencies  []string
	Priority      string
	ActorID       string
}

func (e *Engine) CreateUseCase(ctx context.Context, opts UseCaseCreateOptions) (domain.UseCase, error) {
	if strings.TrimSpace(opts.Title) == "" {
		return domain.UseCase{}, errors.New("title required")
	}
	priority := opts.Priority
	if priority == "" {
		priority = "medium"
	}
	switch priority {
	case "low", "medium", "high", "critical":
	default:
		return domain.UseCase{}, fmt.Errorf("unknown priority %q", priority)
	}
	now := e.nowRFC3339()
	id := opts.ID
	if id == "" {
		id = uuid.New().String()
	}
	uc := domain.UseCase{
		ID:           id,
		ProjectID:    opts.ProjectID,
		Title:        strings.TrimSpace(opts.Title),
		Description:  opts.Description,
		Actors:       opts.Actors,
		Dependencies: opts.Dependencies,
		Priority:     priority,
		Status:       "draft",
		CreatedBy:    opts.ActorID,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if opts.RequirementID != "" {
		if _, err := e.Repo.GetRequirement(ctx, opts.RequirementID); err != nil {
			return domain.UseCase{}, fmt.Errorf("requirement %s: %w", opts.RequirementID, err)
		}
		uc.RequirementID = &opts.RequirementID
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.UseCase{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertUseCase(ctx, tx, uc); err != nil {
		return domain.UseCase{}, fmt.Errorf("insert use case: %w", err)
	}
	if err := e.Events.Append(ctx, tx, "usecase.create", uc.ProjectID, "use_case", uc.ID, opts.ActorID, events.EventPayload{
		"title":    uc.Title,
		"priority": uc.Priority,
	}); err != nil {
		return domain.UseCase{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.UseCase{}, err
	}
	return uc, nil
}

// SubmitUseCase moves a draft into review.
func (e *Engine) SubmitUseCase(ctx context.Context, useCaseID, actorID string) (domain.UseCase, error) {
	return e.transitionUseCase(ctx, useCaseID, "pending_review", "usecase.submit", actorID, nil)
}

// ApproveUseCase approves a use case under review. When any actor holds the
// configured handoff role (architect by default) an assignment to that role
// is created in the same transaction, due in the configured number of days.
func (e *Engine) ApproveUseCase(ctx context.Context, useCaseID, actorID string) (domain.UseCase, *domain.Assignment, error) {
	unlock := e.lockArtifact(useCaseID)
	defer unlock()

	uc, err := e.Repo.GetUseCase(ctx, useCaseID)
	if err != nil {
		return domain.UseCase{}, nil, err
	}
	if err := ensureUseCaseTransition(uc.Status, "approved"); err != nil {
		return domain.UseCase{}, nil, err
	}
	now := e.nowRFC3339()
	uc.Status = "approved"
	uc.UpdatedAt = now

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.UseCase{}, nil, err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateUseCase(ctx, tx, uc); err != nil {
		return domain.UseCase{}, nil, err
	}

	var created *domain.Assignment
	role, dueDays := e.autoAssignTarget()
	actors, err := e.Repo.ActorsWithRoleTx(ctx, tx, uc.ProjectID, role)
	if err != nil {
		return domain.UseCase{}, nil, err
	}
	if len(actors) > 0 {
		due := e.now().UTC().Add(time.Duration(dueDays) * 24 * time.Hour).Format(time.RFC3339)
		a := domain.Assignment{
			ID:         uuid.New().String(),
			ProjectID:  uc.ProjectID,
			EntityKind: "use_case",
			EntityID:   uc.ID,
			FromActor:  actorID,
			ToRole:     role,
			DueDate:    &due,
			Comments:   fmt.Sprintf("Approved use case %q handed to %s for design.", uc.Title, role),
			Status:     "pending",
			CreatedBy:  actorID,
			CreatedAt:  now,
			UpdatedAt:  now,
		}
		if err := e.Repo.InsertAssignment(ctx, tx, a); err != nil {
			return domain.UseCase{}, nil, err
		}
		created = &a
	}

	payload := events.EventPayload{"status": uc.Status}
	if created != nil {
		payload["assignment_id"] = created.ID
		payload["assigned_role"] = role
	}
	if err := e.Events.Append(ctx, tx, "usecase.approve", uc.ProjectID, "use_case", uc.ID, actorID, payload); err != nil {
		return domain.UseCase{}, nil, err
	}
	if err := tx.Commit(); err != nil {
		return domain.UseCase{}, nil, err
	}
	return uc, created, nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func (e *Engine) autoAssignTarget() (role string, dueDays int) {
	role, dueDays = "architect", 7
	if e.Config == nil {
		return role, dueDays
	}
	if e.Config.Workflow.AutoAssign.Role != "" {
		role = e.Config.Workflow.AutoAssign.Role
	}
	if e.Config.Workflow.AutoAssign.DueDays > 0 {
		dueDays = e.Config.Workflow.AutoAssign.DueDays
	}
	return role, dueDays
}

// RejectUseCase rejects a use case under review, recording the reason in
// metadata.
func (e *Engine) RejectUseCase(ctx context.Context, useCaseID, reason, actorID string) (domain.UseCase, error) {
	mutate := func(uc *domain.UseCase) error {
		meta := map[string]any{}
		if uc.MetadataJSON != nil {
			_ = json.Unmarshal([]byte(*uc.MetadataJSON), &meta)
		}
		meta["rejection_reason"] = reason
		raw, err := json.Marshal(meta)
		if err != nil {
			return err
		}
		s := string(raw)
		uc.MetadataJSON = &s
		return nil
	}
	return e.transitionUseCase(ctx, useCaseID, "rejected", "usecase.reject", actorID, mutate)
}

// AssignUseCase hands an approved use case to a specific actor.
func (e *Engine) AssignUseCase(ctx context.Context, useCaseID, assigneeID, actorID string) (domain.UseCase, error) {
	if strings.TrimSpace(assigneeID) == "" {
		return domain.UseCase{}, errors.New("assignee required")
	}
	mutate := func(uc *domain.UseCase) error {
		uc.AssignedTo = &assigneeID
		return nil
	}
	return e.transitionUseCase(ctx, useCaseID, "assigned", "usecase.assign", actorID, mutate)
}

// StartUseCase marks development started.
func (e *Engine) StartUseCase(ctx context.Context, useCaseID, actorID string) (domain.UseCase, error) {
	return e.transitionUseCase(ctx, useCaseID, "in_development", "usecase.start", actorID, nil)
}

// CompleteUseCase marks development finished.
func (e *Engine) CompleteUseCase(ctx context.Context, useCaseID, actorID string) (domain.UseCase, error) {
	return e.transitionUseCase(ctx, useCaseID, "completed", "usecase.complete", actorID, nil)
}

// transitionUseCase applies one status change plus optional extra mutation,
// writing exactly one event. Invalid transitions leave nothing behind.
func (e *Engine) transitionUseCase(ctx context.Context, useCaseID, newStatus, eventType, actorID string, mutate func(*domain.UseCase) error) (domain.UseCase, error) {
	unlock := e.lockArtifact(useCaseID)
	defer unlock()

	uc, err := e.Repo.GetUseCase(ctx, useCaseID)
	if err != nil {
		return domain.UseCase{}, err
	}
	if err := ensureUseCaseTransition(uc.Status, newStatus); err != nil {
		return domain.UseCase{}, err
	}
	from := uc.Status
	uc.Status = newStatus
	uc.UpdatedAt = e.nowRFC3339()
	if mutate != nil {
		if err := mutate(&uc); err != nil {
			return domain.UseCase{}, err
		}
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.UseCase{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateUseCase(ctx, tx, uc); err != nil {
		return domain.UseCase{}, err
	}
	if err := e.Events.Append(ctx, tx, eventType, uc.ProjectID, "use_case", uc.ID, actorID, events.EventPayload{
		"from": from,
		"to":   newStatus,
	}); err != nil {
		return domain.UseCase{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.UseCase{}, err
	}
	return uc, nil
}

// --- assignments ---

type AssignmentCreateOptions struct {
	ProjectID  string
	EntityKind string
	EntityID   string
	ToRole     string
	ToActor    string
	DueDate    string
	Comments   string
	ActorID    string
}

// CreateAssignment records a manual handoff. Handing a requirement to a
// role also stamps the requirement's assigned role, in the same
// transaction.
func (e *Engine) CreateAssignment(ctx context.Context, opts AssignmentCreateOptions) (domain.Assignment, error) {
	if opts.EntityKind != "requirement" && opts.EntityKind != "use_case" {
		return domain.Assignment{}, fmt.Errorf("unknown entity kind %q", opts.EntityKind)
	}
	if opts.ToRole == "" && opts.ToActor == "" {
		return domain.Assignment{}, errors.New("to_role or to_actor required")
	}
	unlock := e.lockArtifact(opts.EntityID)
	defer unlock()

	var subject *domain.Requirement
	switch opts.EntityKind {
	case "requirement":
		req, err := e.Repo.GetRequirement(ctx, opts.EntityID)
		if err != nil {
			return domain.Assignment{}, err
		}
		subject = &req
	case "use_case":
		if _, err := e.Repo.GetUseCase(ctx, opts.EntityID); err != nil {
			return domain.Assignment{}, err
		}
	}
	now := e.nowRFC3339()
	a := domain.Assignment{
		ID:         uuid.New().String(),
		ProjectID:  opts.ProjectID,
		EntityKind: opts.EntityKind,
		EntityID:   opts.EntityID,
		FromActor:  opts.ActorID,
		ToRole:     opts.ToRole,
		ToActor:    opts.ToActor,
		Comments:   opts.Comments,
		Status:     "pending",
		CreatedBy:  opts.ActorID,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if opts.DueDate != "" {
		if _, err := time.Parse(time.RFC3339, opts.DueDate); err != nil {
			return domain.Assignment{}, fmt.Errorf("due_date: %w", err)
		}
		a.DueDate = &opts.DueDate
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Assignment{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertAssignment(ctx, tx, a); err != nil {
		return domain.Assignment{}, err
	}
	if subject != nil && opts.ToRole != "" {
		subject.AssignedRole = &opts.ToRole
		subject.UpdatedAt = now
		if err := e.Repo.UpdateRequirement(ctx, tx, *subject); err != nil {
			return domain.Assignment{}, err
		}
	}
	if err := e.Events.Append(ctx, tx, "assignment.create", a.ProjectID, "assignment", a.ID, opts.ActorID, events.EventPayload{
		"entity_kind": a.EntityKind,
		"entity_id":   a.EntityID,
		"to_role":     a.ToRole,
		"to_actor":    a.ToActor,
	}); err != nil {
		return domain.Assignment{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Assignment{}, err
	}
	return a, nil
}

// SetAssignmentStatus advances a handoff through pending -> accepted ->
// completed (or straight to completed/rejected from pending).
func (e *Engine) SetAssignmentStatus(ctx context.Context, assignmentID, status, actorID string) (domain.Assignment, error) {
	unlock := e.lockArtifact(assignmentID)
	defer unlock()

	a, err := e.Repo.GetAssignment(ctx, assignmentID)
	if err != nil {
		return domain.Assignment{}, err
	}
	if err := ensureAssignmentTransition(a.Status, status); err != nil {
		return domain.Assignment{}, err
	}
	from := a.Status
	a.Status = status
	a.UpdatedAt = e.nowRFC3339()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Assignment{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateAssignmentStatus(ctx, tx, a.ID, a.Status, a.UpdatedAt); err != nil {
		return domain.Assignment{}, err
	}
	if err := e.Events.Append(ctx, tx, "assignment.status", a.ProjectID, "assignment", a.ID, actorID, events.EventPayload{
		"from": from,
		"to":   status,
	}); err != nil {
		return domain.Assignment{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Assignment{}, err
	}
	return a, nil
}
