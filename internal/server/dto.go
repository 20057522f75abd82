package server

import (
	"specline/internal/deliver"
	"specline/internal/domain"
	"specline/internal/engine"
)

// Request payloads

type CreateProjectRequest struct {
	ID          string  `json:"id"`
	Description *string `json:"description,omitempty"`
}

type AnalyzeRequest struct {
	Message string `json:"message"`
}

type UpdateRequirementRequest struct {
	Content string `json:"content"`
}

type CreateUseCaseRequest struct {
	RequirementID *string  `json:"requirement_id,omitempty"`
	Title         string   `json:"title"`
	Description   *string  `json:"description,omitempty"`
	Actors        []string `json:"actors,omitempty"`
	Dependencies  []string `json:"dependencies,omitempty"`
	Priority      string   `json:"priority,omitempty" enum:"low,medium,high,critical"`
}

type RejectUseCaseRequest struct {
	Reason string `json:"reason,omitempty"`
}

type AssignUseCaseRequest struct {
	AssigneeID string `json:"assignee_id"`
}

type CreateAssignmentRequest struct {
	EntityKind string  `json:"entity_kind" enum:"requirement,use_case"`
	EntityID   string  `json:"entity_id"`
	ToRole     *string `json:"to_role,omitempty"`
	ToActor    *string `json:"to_actor,omitempty"`
	DueDate    *string `json:"due_date,omitempty" format:"date-time"`
	Comments   *string `json:"comments,omitempty"`
}

type UpdateAssignmentRequest struct {
	Status string `json:"status" enum:"accepted,completed,rejected"`
}

type GrantRoleRequest struct {
	ActorID string `json:"actor_id"`
	RoleID  string `json:"role_id"`
}

// Response payloads

type ProjectResponse struct {
	ID          string `json:"id"`
	Kind        string `json:"kind"`
	Status      string `json:"status"`
	Description string `json:"description,omitempty"`
	CreatedAt   string `json:"created_at"`
}

type AnalyzeResponse struct {
	ResponseText  string   `json:"response_text"`
	SourceURL     string   `json:"source_url,omitempty"`
	Degraded      bool     `json:"degraded,omitempty"`
	RequirementID string   `json:"requirement_id,omitempty"`
	UseCaseIDs    []string `json:"use_case_ids,omitempty"`
	OfferActions  []string `json:"offer_actions,omitempty"`
}

type ApproveUseCaseResponse struct {
	UseCase    domain.UseCase     `json:"use_case"`
	Assignment *domain.Assignment `json:"assignment,omitempty"`
}

type DeliverablesResponse struct {
	Deliverables []domain.Deliverable `json:"deliverables"`
	Export       []deliver.ExportItem `json:"export"`
	Count        int                  `json:"count"`
	Fallback     bool                 `json:"fallback"`
}

func projectResponse(p domain.Project) ProjectResponse {
	return ProjectResponse{
		ID:          p.ID,
		Kind:        p.Kind,
		Status:      p.Status,
		Description: p.Description,
		CreatedAt:   p.CreatedAt,
	}
}

func mapProjects(in []domain.Project) []ProjectResponse {
	out := make([]ProjectResponse, 0, len(in))
	for _, p := range in {
		out = append(out, projectResponse(p))
	}
	return out
}

func analyzeResponse(res engine.AnalyzeResult) AnalyzeResponse {
	out := AnalyzeResponse{
		ResponseText:  res.ResponseText,
		SourceURL:     res.SourceURL,
		Degraded:      res.Degraded,
		RequirementID: res.RequirementID,
		UseCaseIDs:    res.UseCaseIDs,
	}
	if res.RequirementID != "" {
		out.OfferActions = []string{"accept_requirement", "generate_deliverables", "review_use_cases"}
	}
	return out
}
