package deliver

import (
	"testing"

	"specline/internal/domain"
)

func TestParseBreakdown(t *testing.T) {
	raw := "```json\n" + `[
  {"title": "Accounts epic", "type": "epic", "priority": "high", "story_points": 0},
  {"title": "Login story", "type": "story", "priority": "high", "story_points": 5,
   "acceptance_criteria": ["user can sign in"]},
  {"title": "Schema task", "type": "TASK", "priority": "weird", "story_points": -3}
]` + "\n```"
	items, err := ParseBreakdown(raw)
	if err != nil {
		t.Fatalf("ParseBreakdown: %v", err)
	}
	if len(items) != 3 {
		t.Fatalf("items = %d, want 3", len(items))
	}
	if items[0].Type != "epic" || items[1].Type != "story" {
		t.Fatalf("types = %q/%q", items[0].Type, items[1].Type)
	}
	// unknown values are normalized, not rejected
	if items[2].Type != "task" {
		t.Fatalf("type = %q, want task", items[2].Type)
	}
	if items[2].Priority != "medium" {
		t.Fatalf("priority = %q, want medium", items[2].Priority)
	}
	if items[2].StoryPoints != 0 {
		t.Fatalf("story points = %d, want 0", items[2].StoryPoints)
	}
}

func TestParseBreakdownToleratesLeadingProse(t *testing.T) {
	raw := `Here is the breakdown you asked for:
[{"title": "Only item", "type": "story"}]`
	items, err := ParseBreakdown(raw)
	if err != nil {
		t.Fatalf("ParseBreakdown: %v", err)
	}
	if len(items) != 1 || items[0].Title != "Only item" {
		t.Fatalf("items = %+v", items)
	}
}

func TestParseBreakdownRejectsGarbage(t *testing.T) {
	for _, raw := range []string{
		"I could not produce a breakdown.",
		`{"title": "an object, not an array"}`,
		`[{"title": ""}]`,
		"[not json]",
	} {
		if _, err := ParseBreakdown(raw); err == nil {
			t.Fatalf("expected error for %q", raw)
		}
	}
}

func TestFallbackSetShape(t *testing.T) {
	items := Fallback("Authenticate User")
	if len(items) != 3 {
		t.Fatalf("items = %d, want 3", len(items))
	}
	if items[0].Type != "epic" || items[1].Type != "story" || items[2].Type != "task" {
		t.Fatalf("types = %q/%q/%q", items[0].Type, items[1].Type, items[2].Type)
	}
	for _, item := range items {
		if item.Title == "" {
			t.Fatalf("empty title in %+v", item)
		}
	}
	// empty title still yields a usable set
	if items := Fallback("  "); len(items) != 3 {
		t.Fatalf("items = %d, want 3", len(items))
	}
}

func TestExportProjection(t *testing.T) {
	in := []domain.Deliverable{{
		ID:          "dlv-1",
		Title:       "Login story",
		Description: "Implement login.",
		Type:        "story",
		Priority:    "high",
		StoryPoints: 5,
		Labels:      []string{"auth"},
		Status:      "todo",
	}}
	out := Export(in)
	if len(out) != 1 {
		t.Fatalf("items = %d, want 1", len(out))
	}
	item := out[0]
	if item.ExternalID != "dlv-1" || item.Summary != "Login story" || item.IssueType != "story" || item.Status != "todo" {
		t.Fatalf("projection = %+v", item)
	}
}
