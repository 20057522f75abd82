// Package deliver turns accepted requirements into work items: an LLM
// breakdown parsed from a JSON array, with a fixed fallback set when the
// model output does not parse.
package deliver

import (
	"encoding/json"
	"fmt"
	"strings"

	"specline/internal/domain"
)

// Item is one proposed work item before persistence.
type Item struct {
	Title              string   `json:"title"`
	Description        string   `json:"description,omitempty"`
	Type               string   `json:"type"`
	Priority           string   `json:"priority,omitempty"`
	StoryPoints        int      `json:"story_points,omitempty"`
	AcceptanceCriteria []string `json:"acceptance_criteria,omitempty"`
	Dependencies       []string `json:"dependencies,omitempty"`
	Labels             []string `json:"labels,omitempty"`
}

var validTypes = map[string]bool{"epic": true, "story": true, "task": true, "bug": true}

var validPriorities = map[string]bool{"low": true, "medium": true, "high": true, "critical": true}

// ParseBreakdown decodes a model response into items. It tolerates code
// fences and leading prose around the array; any other shape fails.
func ParseBreakdown(raw string) ([]Item, error) {
	payload := extractArray(raw)
	if payload == "" {
		return nil, fmt.Errorf("no JSON array in response")
	}
	var items []Item
	if err := json.Unmarshal([]byte(payload), &items); err != nil {
		return nil, fmt.Errorf("decode breakdown: %w", err)
	}
	out := items[:0]
	for _, item := range items {
		item.Title = strings.TrimSpace(item.Title)
		if item.Title == "" {
			continue
		}
		item.Type = strings.ToLower(strings.TrimSpace(item.Type))
		if !validTypes[item.Type] {
			item.Type = "task"
		}
		item.Priority = strings.ToLower(strings.TrimSpace(item.Priority))
		if !validPriorities[item.Priority] {
			item.Priority = "medium"
		}
		if item.StoryPoints < 0 {
			item.StoryPoints = 0
		}
		out = append(out, item)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("breakdown contained no usable items")
	}
	return out, nil
}

// extractArray returns the outermost [...] slice of raw, stripping markdown
// fences if present.
func extractArray(raw string) string {
	raw = strings.TrimSpace(raw)
	if strings.HasPrefix(raw, "```") {
		raw = strings.TrimPrefix(raw, "```json")
		raw = strings.TrimPrefix(raw, "```")
		if i := strings.LastIndex(raw, "```"); i >= 0 {
			raw = raw[:i]
		}
		raw = strings.TrimSpace(raw)
	}
	start := strings.Index(raw, "[")
	end := strings.LastIndex(raw, "]")
	if start < 0 || end <= start {
		return ""
	}
	return raw[start : end+1]
}

// ExportItem is the tracker-import projection of a stored deliverable.
type ExportItem struct {
	ExternalID         string   `json:"external_id"`
	Summary            string   `json:"summary"`
	Description        string   `json:"description,omitempty"`
	IssueType          string   `json:"issue_type"`
	Priority           string   `json:"priority"`
	StoryPoints        int      `json:"story_points,omitempty"`
	AcceptanceCriteria []string `json:"acceptance_criteria,omitempty"`
	Labels             []string `json:"labels,omitempty"`
	Status             string   `json:"status"`
}

// Export projects stored deliverables for import into an external tracker.
// It is a pure mapping; no IDs are minted and nothing is mutated.
func Export(deliverables []domain.Deliverable) []ExportItem {
	items := make([]ExportItem, 0, len(deliverables))
	for _, d := range deliverables {
		items = append(items, ExportItem{
			ExternalID:         d.ID,
			Summary:            d.Title,
			Description:        d.Description,
			IssueType:          d.Type,
			Priority:           d.Priority,
			StoryPoints:        d.StoryPoints,
			AcceptanceCriteria: d.AcceptanceCriteria,
			Labels:             d.Labels,
			Status:             d.Status,
		})
	}
	return items
}

// Fallback is the fixed breakdown used when the model output cannot be
// parsed: one epic covering the requirement, a story for the main flow, and
// a task for the technical design.
func Fallback(title string) []Item {
	title = strings.TrimSpace(title)
	if title == "" {
		title = "Requirement"
	}
	return []Item{
		{
			Title:       title,
			Description: "Delivery epic covering the requirement end to end.",
			Type:        "epic",
			Priority:    "high",
			StoryPoints: 0,
			Labels:      []string{"generated", "fallback"},
		},
		{
			Title:       "Implement main flow: " + title,
			Description: "Implement the primary user-facing flow described by the requirement.",
			Type:        "story",
			Priority:    "high",
			StoryPoints: 5,
			AcceptanceCriteria: []string{
				"Primary flow works end to end",
				"Errors are reported to the user",
			},
			Labels: []string{"generated", "fallback"},
		},
		{
			Title:       "Technical design: " + title,
			Description: "Produce the technical design and task breakdown for the requirement.",
			Type:        "task",
			Priority:    "medium",
			StoryPoints: 2,
			Labels:      []string{"generated", "fallback"},
		},
	}
}
