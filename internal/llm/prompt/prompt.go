// Package prompt builds the system and user messages sent through the model
// cascade. Builders are pure; they never call the network.
package prompt

import (
	"fmt"
	"strings"

	"specline/internal/fetch"
)

// extractionSystem directs the model to emit markdown the extraction parser
// understands: numbered bold records with Actor/Goal/Priority fields.
const extractionSystem = `You are a senior business analyst. Extract functional requirements and use cases from the provided material.

Output rules:
- Respond in markdown only, no preamble.
- List each use case as a numbered item with a bold title, e.g. "1. **Authenticate User**".
- Under each item add lines "Actor: <who>", "Goal: <what outcome>", and "Priority: <low|medium|high|critical>".
- Keep each description under two short paragraphs.
- If the material references use case identifiers such as UC-001, keep them in the titles.`

// PageRequirements asks for use cases extracted from a fetched page plus the
// requesting message.
func PageRequirements(src fetch.Source, message string) (system, user string) {
	var b strings.Builder
	b.WriteString("Extract the use cases from the following page content.\n\n")
	b.WriteString(src.Markdown())
	if strings.TrimSpace(message) != "" {
		fmt.Fprintf(&b, "\nAdditional context from the requester:\n%s\n", strings.TrimSpace(message))
	}
	return extractionSystem, b.String()
}

// Guidance asks for use cases derived from a free-form message alone, used
// when no URL was given or the fetch failed.
func Guidance(message string) (system, user string) {
	user = fmt.Sprintf("Extract the use cases implied by this request. If it is vague, propose the most plausible ones.\n\n%s", strings.TrimSpace(message))
	return extractionSystem, user
}

// deliverableSystem directs the model to emit a JSON array of work items.
const deliverableSystem = `You are a technical product manager. Break the given requirement into delivery work items.

Output rules:
- Respond with a single JSON array only. No markdown, no commentary, no code fences.
- Each element: {"title": "<string>", "description": "<string>", "type": "<epic|story|task|bug>", "priority": "<low|medium|high|critical>", "story_points": <int>, "acceptance_criteria": ["<string>"], "dependencies": ["<string>"], "labels": ["<string>"]}
- Produce one epic, then the stories and tasks under it. Keep 3 to 8 items total.`

// DeliverableBreakdown asks for the work-item breakdown of requirement
// content.
func DeliverableBreakdown(title, content string) (system, user string) {
	user = fmt.Sprintf("Break this requirement into work items per the schema.\n\nTitle: %s\n\n%s", title, content)
	return deliverableSystem, user
}
