package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"specline/internal/config"
	"specline/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

// --- projects ---

func (r Repo) InsertProject(ctx context.Context, p domain.Project) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO projects(id,kind,status,description,created_at) VALUES (?,?,?,?,?)`,
		p.ID, p.Kind, p.Status, nullable(p.Description), p.CreatedAt)
	return err
}

func (r Repo) GetProject(ctx context.Context, id string) (domain.Project, error) {
	var p domain.Project
	var desc sql.NullString
	err := r.DB.QueryRowContext(ctx, `SELECT id,kind,status,description,created_at FROM projects WHERE id=?`, id).
		Scan(&p.ID, &p.Kind, &p.Status, &desc, &p.CreatedAt)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	if desc.Valid {
		p.Description = desc.String
	}
	return p, err
}

func (r Repo) SingleProject(ctx context.Context) (domain.Project, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,kind,status,COALESCE(description,''),created_at FROM projects`)
	if err != nil {
		return domain.Project{}, err
	}
	defer rows.Close()
	var projects []domain.Project
	for rows.Next() {
		var p domain.Project
		if err := rows.Scan(&p.ID, &p.Kind, &p.Status, &p.Description, &p.CreatedAt); err != nil {
			return domain.Project{}, err
		}
		projects = append(projects, p)
	}
	if len(projects) == 0 {
		return domain.Project{}, ErrNotFound
	}
	if len(projects) > 1 {
		return domain.Project{}, fmt.Errorf("multiple projects exist; specify --project")
	}
	return projects[0], nil
}

func (r Repo) ListProjects(ctx context.Context) ([]domain.Project, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,kind,status,COALESCE(description,''),created_at FROM projects ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Project
	for rows.Next() {
		var p domain.Project
		if err := rows.Scan(&p.ID, &p.Kind, &p.Status, &p.Description, &p.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

// --- project configs ---

func (r Repo) UpsertProjectConfig(ctx context.Context, projectID string, cfg *config.Config) error {
	return upsertProjectConfig(ctx, r.DB, nil, projectID, cfg)
}

func (r Repo) UpsertProjectConfigTx(ctx context.Context, tx *sql.Tx, projectID string, cfg *config.Config) error {
	return upsertProjectConfig(ctx, nil, tx, projectID, cfg)
}

func upsertProjectConfig(ctx context.Context, db *sql.DB, tx *sql.Tx, projectID string, cfg *config.Config) error {
	if cfg == nil {
		return fmt.Errorf("config nil")
	}
	cfg.Project.ID = projectID
	if err := cfg.Validate(); err != nil {
		return err
	}
	payload, err := json.Marshal(cfg)
	if err != nil {
		return err
	}
	now := time.Now().UTC().Format(time.RFC3339)
	exec := func(query string, args ...any) (sql.Result, error) {
		if tx != nil {
			return tx.ExecContext(ctx, query, args...)
		}
		return db.ExecContext(ctx, query, args...)
	}
	_, err = exec(`INSERT INTO project_configs(project_id,config_json,created_at,updated_at) VALUES (?,?,?,?)
ON CONFLICT(project_id) DO UPDATE SET config_json=excluded.config_json, updated_at=excluded.updated_at`, projectID, string(payload), now, now)
	return err
}

func (r Repo) GetProjectConfig(ctx context.Context, projectID string) (*config.Config, error) {
	var payload string
	err := r.DB.QueryRowContext(ctx, `SELECT config_json FROM project_configs WHERE project_id=?`, projectID).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var cfg config.Config
	if err := json.Unmarshal([]byte(payload), &cfg); err != nil {
		return nil, err
	}
	if cfg.Project.ID == "" {
		cfg.Project.ID = projectID
	}
	return &cfg, cfg.Validate()
}

// --- requirements ---

func (r Repo) InsertRequirement(ctx context.Context, tx *sql.Tx, req domain.Requirement) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO requirements(id,project_id,title,content,status,source_url,version,accepted_by,accepted_at,assigned_role,created_by,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		req.ID, req.ProjectID, req.Title, req.Content, req.Status, nullableStringPtr(req.SourceURL), req.Version,
		nullableStringPtr(req.AcceptedBy), nullableStringPtr(req.AcceptedAt), nullableStringPtr(req.AssignedRole),
		req.CreatedBy, req.CreatedAt, req.UpdatedAt)
	return err
}

func (r Repo) UpdateRequirement(ctx context.Context, tx *sql.Tx, req domain.Requirement) error {
	_, err := tx.ExecContext(ctx, `UPDATE requirements SET title=?, content=?, status=?, source_url=?, version=?, accepted_by=?, accepted_at=?, assigned_role=?, updated_at=? WHERE id=?`,
		req.Title, req.Content, req.Status, nullableStringPtr(req.SourceURL), req.Version,
		nullableStringPtr(req.AcceptedBy), nullableStringPtr(req.AcceptedAt), nullableStringPtr(req.AssignedRole),
		req.UpdatedAt, req.ID)
	return err
}

const requirementColumns = `id,project_id,title,content,status,source_url,version,accepted_by,accepted_at,assigned_role,created_by,created_at,updated_at`

func scanRequirement(scan func(dest ...any) error) (domain.Requirement, error) {
	var req domain.Requirement
	var sourceURL, acceptedBy, acceptedAt, assignedRole sql.NullString
	err := scan(&req.ID, &req.ProjectID, &req.Title, &req.Content, &req.Status, &sourceURL, &req.Version,
		&acceptedBy, &acceptedAt, &assignedRole, &req.CreatedBy, &req.CreatedAt, &req.UpdatedAt)
	if err == sql.ErrNoRows {
		return req, ErrNotFound
	}
	if err != nil {
		return req, err
	}
	if sourceURL.Valid {
		req.SourceURL = &sourceURL.String
	}
	if acceptedBy.Valid {
		req.AcceptedBy = &acceptedBy.String
	}
	if acceptedAt.Valid {
		req.AcceptedAt = &acceptedAt.String
	}
	if assignedRole.Valid {
		req.AssignedRole = &assignedRole.String
	}
	return req, nil
}

func (r Repo) GetRequirement(ctx context.Context, id string) (domain.Requirement, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+requirementColumns+` FROM requirements WHERE id=?`, id)
	return scanRequirement(row.Scan)
}

// RequirementFilters narrows a requirement listing; zero values match all.
type RequirementFilters struct {
	ProjectID       string
	Status          string
	Limit           int
	CursorCreatedAt string
	CursorID        string
}

func (r Repo) ListRequirements(ctx context.Context, f RequirementFilters) ([]domain.Requirement, error) {
	clauses := []string{"project_id=?"}
	args := []any{f.ProjectID}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.CursorCreatedAt != "" && f.CursorID != "" {
		clauses = append(clauses, "(created_at < ? OR (created_at = ? AND id < ?))")
		args = append(args, f.CursorCreatedAt, f.CursorCreatedAt, f.CursorID)
	}
	query := `SELECT ` + requirementColumns + ` FROM requirements WHERE ` + strings.Join(clauses, " AND ") + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Requirement
	for rows.Next() {
		req, err := scanRequirement(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, req)
	}
	return res, rows.Err()
}

// --- use cases ---

func (r Repo) InsertUseCase(ctx context.Context, tx *sql.Tx, uc domain.UseCase) error {
	actors, err := marshalStringSlice(uc.Actors)
	if err != nil {
		return err
	}
	deps, err := marshalStringSlice(uc.Dependencies)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO use_cases(id,project_id,requirement_id,title,description,actors_json,dependencies_json,priority,status,created_by,assigned_to,metadata_json,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		uc.ID, uc.ProjectID, nullableStringPtr(uc.RequirementID), uc.Title, nullable(uc.Description),
		nullableStringPtr(actors), nullableStringPtr(deps), uc.Priority, uc.Status, uc.CreatedBy,
		nullableStringPtr(uc.AssignedTo), nullableStringPtr(uc.MetadataJSON), uc.CreatedAt, uc.UpdatedAt)
	return err
}

func (r Repo) UpdateUseCase(ctx context.Context, tx *sql.Tx, uc domain.UseCase) error {
	actors, err := marshalStringSlice(uc.Actors)
	if err != nil {
		return err
	}
	deps, err := marshalStringSlice(uc.Dependencies)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `UPDATE use_cases SET title=?, description=?, actors_json=?, dependencies_json=?, priority=?, status=?, assigned_to=?, metadata_json=?, updated_at=? WHERE id=?`,
		uc.Title, nullable(uc.Description), nullableStringPtr(actors), nullableStringPtr(deps),
		uc.Priority, uc.Status, nullableStringPtr(uc.AssignedTo), nullableStringPtr(uc.MetadataJSON), uc.UpdatedAt, uc.ID)
	return err
}

const useCaseColumns = `id,project_id,requirement_id,title,description,actors_json,dependencies_json,priority,status,created_by,assigned_to,metadata_json,created_at,updated_at`

func scanUseCase(scan func(dest ...any) error) (domain.UseCase, error) {
	var uc domain.UseCase
	var requirementID, description, actorsJSON, depsJSON, assignedTo, metadata sql.NullString
	err := scan(&uc.ID, &uc.ProjectID, &requirementID, &uc.Title, &description, &actorsJSON, &depsJSON,
		&uc.Priority, &uc.Status, &uc.CreatedBy, &assignedTo, &metadata, &uc.CreatedAt, &uc.UpdatedAt)
	if err == sql.ErrNoRows {
		return uc, ErrNotFound
	}
	if err != nil {
		return uc, err
	}
	if requirementID.Valid {
		uc.RequirementID = &requirementID.String
	}
	if description.Valid {
		uc.Description = description.String
	}
	if actorsJSON.Valid {
		uc.Actors = unmarshalStringSlice(actorsJSON.String)
	}
	if depsJSON.Valid {
		uc.Dependencies = unmarshalStringSlice(depsJSON.String)
	}
	if assignedTo.Valid {
		uc.AssignedTo = &assignedTo.String
	}
	if metadata.Valid {
		uc.MetadataJSON = &metadata.String
	}
	return uc, nil
}

func (r Repo) GetUseCase(ctx context.Context, id string) (domain.UseCase, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+useCaseColumns+` FROM use_cases WHERE id=?`, id)
	return scanUseCase(row.Scan)
}

type UseCaseFilters struct {
	ProjectID       string
	RequirementID   string
	Status          string
	Limit           int
	CursorCreatedAt string
	CursorID        string
}

func (r Repo) ListUseCases(ctx context.Context, f UseCaseFilters) ([]domain.UseCase, error) {
	clauses := []string{"project_id=?"}
	args := []any{f.ProjectID}
	if f.RequirementID != "" {
		clauses = append(clauses, "requirement_id=?")
		args = append(args, f.RequirementID)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.CursorCreatedAt != "" && f.CursorID != "" {
		clauses = append(clauses, "(created_at < ? OR (created_at = ? AND id < ?))")
		args = append(args, f.CursorCreatedAt, f.CursorCreatedAt, f.CursorID)
	}
	query := `SELECT ` + useCaseColumns + ` FROM use_cases WHERE ` + strings.Join(clauses, " AND ") + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.UseCase
	for rows.Next() {
		uc, err := scanUseCase(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, uc)
	}
	return res, rows.Err()
}

// --- deliverables ---

func (r Repo) InsertDeliverable(ctx context.Context, tx *sql.Tx, d domain.Deliverable) error {
	criteria, err := marshalStringSlice(d.AcceptanceCriteria)
	if err != nil {
		return err
	}
	deps, err := marshalStringSlice(d.Dependencies)
	if err != nil {
		return err
	}
	labels, err := marshalStringSlice(d.Labels)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO deliverables(id,project_id,requirement_id,title,description,type,priority,story_points,acceptance_criteria_json,dependencies_json,labels_json,status,created_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		d.ID, d.ProjectID, d.RequirementID, d.Title, nullable(d.Description), d.Type, d.Priority, d.StoryPoints,
		nullableStringPtr(criteria), nullableStringPtr(deps), nullableStringPtr(labels), d.Status, d.CreatedAt)
	return err
}

func (r Repo) ListDeliverables(ctx context.Context, requirementID string) ([]domain.Deliverable, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,project_id,requirement_id,title,description,type,priority,story_points,acceptance_criteria_json,dependencies_json,labels_json,status,created_at
FROM deliverables WHERE requirement_id=? ORDER BY created_at ASC, id ASC`, requirementID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Deliverable
	for rows.Next() {
		var d domain.Deliverable
		var description, criteria, deps, labels sql.NullString
		if err := rows.Scan(&d.ID, &d.ProjectID, &d.RequirementID, &d.Title, &description, &d.Type, &d.Priority,
			&d.StoryPoints, &criteria, &deps, &labels, &d.Status, &d.CreatedAt); err != nil {
			return nil, err
		}
		if description.Valid {
			d.Description = description.String
		}
		if criteria.Valid {
			d.AcceptanceCriteria = unmarshalStringSlice(criteria.String)
		}
		if deps.Valid {
			d.Dependencies = unmarshalStringSlice(deps.String)
		}
		if labels.Valid {
			d.Labels = unmarshalStringSlice(labels.String)
		}
		res = append(res, d)
	}
	return res, rows.Err()
}

// --- assignments ---

func (r Repo) InsertAssignment(ctx context.Context, tx *sql.Tx, a domain.Assignment) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO assignments(id,project_id,entity_kind,entity_id,from_actor,to_role,to_actor,due_date,comments,status,created_by,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		a.ID, a.ProjectID, a.EntityKind, a.EntityID, a.FromActor, nullable(a.ToRole), nullable(a.ToActor),
		nullableStringPtr(a.DueDate), nullable(a.Comments), a.Status, a.CreatedBy, a.CreatedAt, a.UpdatedAt)
	return err
}

func (r Repo) UpdateAssignmentStatus(ctx context.Context, tx *sql.Tx, id, status, updatedAt string) error {
	res, err := tx.ExecContext(ctx, `UPDATE assignments SET status=?, updated_at=? WHERE id=?`, status, updatedAt, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return err
}

const assignmentColumns = `id,project_id,entity_kind,entity_id,from_actor,COALESCE(to_role,''),COALESCE(to_actor,''),due_date,COALESCE(comments,''),status,created_by,created_at,updated_at`

func scanAssignment(scan func(dest ...any) error) (domain.Assignment, error) {
	var a domain.Assignment
	var dueDate sql.NullString
	err := scan(&a.ID, &a.ProjectID, &a.EntityKind, &a.EntityID, &a.FromActor, &a.ToRole, &a.ToActor,
		&dueDate, &a.Comments, &a.Status, &a.CreatedBy, &a.CreatedAt, &a.UpdatedAt)
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	if err != nil {
		return a, err
	}
	if dueDate.Valid {
		a.DueDate = &dueDate.String
	}
	return a, nil
}

func (r Repo) GetAssignment(ctx context.Context, id string) (domain.Assignment, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+assignmentColumns+` FROM assignments WHERE id=?`, id)
	return scanAssignment(row.Scan)
}

type AssignmentFilters struct {
	ProjectID  string
	EntityKind string
	EntityID   string
	Status     string
	Limit      int
}

func (r Repo) ListAssignments(ctx context.Context, f AssignmentFilters) ([]domain.Assignment, error) {
	clauses := []string{"project_id=?"}
	args := []any{f.ProjectID}
	if f.EntityKind != "" {
		clauses = append(clauses, "entity_kind=?")
		args = append(args, f.EntityKind)
	}
	if f.EntityID != "" {
		clauses = append(clauses, "entity_id=?")
		args = append(args, f.EntityID)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	query := `SELECT ` + assignmentColumns + ` FROM assignments WHERE ` + strings.Join(clauses, " AND ") + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Assignment
	for rows.Next() {
		a, err := scanAssignment(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

// --- events ---

const eventColumns = `id,ts,type,COALESCE(project_id,''),entity_kind,COALESCE(entity_id,''),actor_id,payload_json`

func (r Repo) LatestEvents(ctx context.Context, limit int, projectID, evtType, entityKind, entityID string) ([]domain.Event, error) {
	clauses := []string{"project_id=?"}
	args := []any{projectID}
	if evtType != "" {
		clauses = append(clauses, "type=?")
		args = append(args, evtType)
	}
	if entityKind != "" {
		clauses = append(clauses, "entity_kind=?")
		args = append(args, entityKind)
	}
	if entityID != "" {
		clauses = append(clauses, "entity_id=?")
		args = append(args, entityID)
	}
	if limit <= 0 {
		limit = 20
	}
	query := `SELECT ` + eventColumns + ` FROM events WHERE ` + strings.Join(clauses, " AND ") + ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.ProjectID, &e.EntityKind, &e.EntityID, &e.ActorID, &e.Payload); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// EventsAfter returns events with id > cursor in ascending order, for the
// webhook dispatcher.
func (r Repo) EventsAfter(ctx context.Context, limit int, cursor int64, projectID string) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT `+eventColumns+` FROM events WHERE project_id=? AND id>? ORDER BY id ASC LIMIT ?`,
		projectID, cursor, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.ProjectID, &e.EntityKind, &e.EntityID, &e.ActorID, &e.Payload); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

func (r Repo) LatestEventID(ctx context.Context, projectID string) (int64, error) {
	var id sql.NullInt64
	err := r.DB.QueryRowContext(ctx, `SELECT MAX(id) FROM events WHERE project_id=?`, projectID).Scan(&id)
	if err != nil {
		return 0, err
	}
	return id.Int64, nil
}

func (r Repo) CountEvents(ctx context.Context, projectID, evtType, entityID string) (int, error) {
	clauses := []string{"project_id=?"}
	args := []any{projectID}
	if evtType != "" {
		clauses = append(clauses, "type=?")
		args = append(args, evtType)
	}
	if entityID != "" {
		clauses = append(clauses, "entity_id=?")
		args = append(args, entityID)
	}
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM events WHERE `+strings.Join(clauses, " AND "), args...).Scan(&n)
	return n, err
}

// --- helpers ---

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	if *v == "" {
		return nil
	}
	return *v
}

func marshalStringSlice(in []string) (*string, error) {
	if len(in) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(in)
	if err != nil {
		return nil, err
	}
	s := string(b)
	return &s, nil
}

func unmarshalStringSlice(raw string) []string {
	if raw == "" {
		return nil
	}
	var arr []string
	if err := json.Unmarshal([]byte(raw), &arr); err != nil {
		return nil
	}
	return arr
}
