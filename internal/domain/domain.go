package domain

type Project struct {
	ID          string `json:"id"`
	Kind        string `json:"kind"`
	Status      string `json:"status"`
	Description string `json:"description,omitempty"`
	CreatedAt   string `json:"created_at" format:"date-time"`
}

// Requirement is the accepted unit of analysis. Requirements are created by
// extraction or manually and are never deleted; content edits bump Version.
type Requirement struct {
	ID           string  `json:"id"`
	ProjectID    string  `json:"project_id"`
	Title        string  `json:"title"`
	Content      string  `json:"content"`
	Status       string  `json:"status" enum:"draft,accepted"`
	SourceURL    *string `json:"source_url,omitempty"`
	Version      int     `json:"version"`
	AcceptedBy   *string `json:"accepted_by,omitempty"`
	AcceptedAt   *string `json:"accepted_at,omitempty" format:"date-time"`
	AssignedRole *string `json:"assigned_role,omitempty"`
	CreatedBy    string  `json:"created_by"`
	CreatedAt    string  `json:"created_at" format:"date-time"`
	UpdatedAt    string  `json:"updated_at" format:"date-time"`
}

// UseCase is a derived business scenario. Status transitions are owned
// exclusively by the engine.
type UseCase struct {
	ID            string   `json:"id"`
	ProjectID     string   `json:"project_id"`
	RequirementID *string  `json:"requirement_id,omitempty"`
	Title         string   `json:"title"`
	Description   string   `json:"description,omitempty"`
	Actors        []string `json:"actors,omitempty"`
	Dependencies  []string `json:"dependencies,omitempty"`
	Priority      string   `json:"priority" enum:"low,medium,high,critical"`
	Status        string   `json:"status" enum:"draft,pending_review,approved,rejected,assigned,in_development,completed"`
	CreatedBy     string   `json:"created_by"`
	AssignedTo    *string  `json:"assigned_to,omitempty"`
	MetadataJSON  *string  `json:"metadata_json,omitempty"`
	CreatedAt     string   `json:"created_at" format:"date-time"`
	UpdatedAt     string   `json:"updated_at" format:"date-time"`
}

// Deliverable is an actionable work item derived from a requirement. The
// parent requirement id is fixed at creation.
type Deliverable struct {
	ID                 string   `json:"id"`
	ProjectID          string   `json:"project_id"`
	RequirementID      string   `json:"requirement_id"`
	Title              string   `json:"title"`
	Description        string   `json:"description,omitempty"`
	Type               string   `json:"type" enum:"epic,story,task,bug"`
	Priority           string   `json:"priority" enum:"low,medium,high,critical"`
	StoryPoints        int      `json:"story_points"`
	AcceptanceCriteria []string `json:"acceptance_criteria,omitempty"`
	Dependencies       []string `json:"dependencies,omitempty"`
	Labels             []string `json:"labels,omitempty"`
	Status             string   `json:"status" enum:"todo,in_progress,review,done"`
	CreatedAt          string   `json:"created_at" format:"date-time"`
}

// Assignment is a directed handoff record. Assignments form an append-only
// history; they never mutate the subject entity retroactively.
type Assignment struct {
	ID         string  `json:"id"`
	ProjectID  string  `json:"project_id"`
	EntityKind string  `json:"entity_kind" enum:"requirement,use_case"`
	EntityID   string  `json:"entity_id"`
	FromActor  string  `json:"from_actor"`
	ToRole     string  `json:"to_role,omitempty"`
	ToActor    string  `json:"to_actor,omitempty"`
	DueDate    *string `json:"due_date,omitempty" format:"date-time"`
	Comments   string  `json:"comments,omitempty"`
	Status     string  `json:"status" enum:"pending,accepted,completed,rejected"`
	CreatedBy  string  `json:"created_by"`
	CreatedAt  string  `json:"created_at" format:"date-time"`
	UpdatedAt  string  `json:"updated_at" format:"date-time"`
}

// Event is an immutable activity-log entry. Every mutating operation appends
// exactly one event inside the same transaction.
type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	ProjectID  string `json:"project_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

// ActorRole links an actor to a workflow role (architect, product_manager,
// developer, analyst, owner) within a project.
type ActorRole struct {
	ProjectID string `json:"project_id"`
	ActorID   string `json:"actor_id"`
	RoleID    string `json:"role_id"`
}
