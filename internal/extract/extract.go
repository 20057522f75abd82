// Package extract turns model output (or raw text) into use-case candidates.
// Parse never fails and never returns zero candidates.
package extract

import (
	"bufio"
	"regexp"
	"strings"
)

// maxDescription caps each candidate description.
const maxDescription = 2000

// Candidate is one proposed use case.
type Candidate struct {
	Title       string
	Description string
	Priority    string
	Actors      []string
}

// Result carries the candidates plus whether the catch-all path produced
// them (no recognizable records in the input).
type Result struct {
	Candidates []Candidate
	CatchAll   bool
}

var (
	// "1. **Authenticate User**" and variants with ) or - separators.
	// Plain numbered lines are NOT record starts: numbered step lists
	// inside a description must fold into it, not shred it.
	numberedBold = regexp.MustCompile(`^\s*\d+[.)-]\s*\*\*(.+?)\*\*`)
	headingLine  = regexp.MustCompile(`^#{1,6}\s+(\S.*)$`)
	// "UC-001: Authenticate User" or a bare "UC-12 Reset Password"
	ucToken = regexp.MustCompile(`(?i)^\s*[-*]?\s*(UC-\d+)\s*[:.-]?\s*(.*)$`)

	actorField    = regexp.MustCompile(`(?i)^\s*[-*]?\s*\*{0,2}actors?\*{0,2}\s*[:：]\s*(.+)$`)
	goalField     = regexp.MustCompile(`(?i)^\s*[-*]?\s*\*{0,2}goal\*{0,2}\s*[:：]\s*(.+)$`)
	priorityField = regexp.MustCompile(`(?i)^\s*[-*]?\s*\*{0,2}priority\*{0,2}\s*[:：]\s*(.+)$`)

	emphasis = regexp.MustCompile(`[*_` + "`" + `]+`)
)

// sectionLabels are document structure headings, not use cases. A heading
// matching one closes the open record without starting a new one; otherwise
// "## Functional Requirements" would be persisted as a use case.
var sectionLabels = map[string]struct{}{
	"requirements":                {},
	"functional requirements":     {},
	"non-functional requirements": {},
	"nonfunctional requirements":  {},
	"use cases":                   {},
	"user stories":                {},
	"overview":                    {},
	"summary":                     {},
	"introduction":                {},
	"background":                  {},
	"notes":                       {},
	"assumptions":                 {},
	"constraints":                 {},
	"scope":                       {},
	"out of scope":                {},
	"acceptance criteria":         {},
}

func isSectionHeading(line string) bool {
	m := headingLine.FindStringSubmatch(line)
	if m == nil {
		return false
	}
	label := strings.ToLower(strings.TrimSuffix(stripEmphasis(m[1]), ":"))
	_, ok := sectionLabels[strings.TrimSpace(label)]
	return ok
}

// Parse scans raw line by line. A new candidate starts at a numbered-bold
// item, a markdown heading, or a UC-NNN token; following lines fold into the
// open candidate as fields or description text. Section-label headings
// ("## Functional Requirements") close the open candidate without starting
// a new one.
func Parse(raw string) Result {
	var (
		res     Result
		current *Candidate
	)
	flush := func() {
		if current == nil {
			return
		}
		current.Description = clip(strings.TrimSpace(current.Description))
		if current.Priority == "" {
			current.Priority = inferPriority(current.Title + " " + current.Description)
		}
		res.Candidates = append(res.Candidates, *current)
		current = nil
	}

	scanner := bufio.NewScanner(strings.NewReader(raw))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}
		if isSectionHeading(trimmed) {
			flush()
			continue
		}
		if title, ok := recordStart(trimmed); ok {
			flush()
			current = &Candidate{Title: clipTitle(title)}
			continue
		}
		if current == nil {
			continue
		}
		switch {
		case actorField.MatchString(trimmed):
			m := actorField.FindStringSubmatch(trimmed)
			current.Actors = appendActors(current.Actors, m[1])
		case goalField.MatchString(trimmed):
			m := goalField.FindStringSubmatch(trimmed)
			current.Description = joinLines(current.Description, "Goal: "+stripEmphasis(m[1]))
		case priorityField.MatchString(trimmed):
			m := priorityField.FindStringSubmatch(trimmed)
			if p := normalizePriority(m[1]); p != "" {
				current.Priority = p
			}
		default:
			current.Description = joinLines(current.Description, stripEmphasis(trimmed))
		}
	}
	flush()

	if len(res.Candidates) == 0 {
		res.CatchAll = true
		res.Candidates = []Candidate{catchAll(raw)}
	}
	return res
}

func recordStart(line string) (string, bool) {
	if m := numberedBold.FindStringSubmatch(line); m != nil {
		return m[1], true
	}
	if m := headingLine.FindStringSubmatch(line); m != nil {
		return stripEmphasis(m[1]), true
	}
	if m := ucToken.FindStringSubmatch(line); m != nil {
		title := strings.TrimSpace(stripEmphasis(m[2]))
		if title == "" {
			return m[1], true
		}
		return m[1] + ": " + title, true
	}
	return "", false
}

// catchAll wraps unstructured input in a single candidate so analysis always
// yields at least one record.
func catchAll(raw string) Candidate {
	title := "General requirement"
	for _, line := range strings.Split(raw, "\n") {
		if t := strings.TrimSpace(stripEmphasis(line)); t != "" {
			title = clipTitle(t)
			break
		}
	}
	desc := clip(strings.TrimSpace(stripEmphasis(raw)))
	if desc == "" {
		desc = title
	}
	return Candidate{
		Title:       title,
		Description: desc,
		Priority:    inferPriority(desc),
	}
}

var priorityKeywords = []struct {
	level string
	words []string
}{
	{"critical", []string{"critical", "urgent", "blocker", "security", "must-have", "must have"}},
	{"high", []string{"high", "important", "essential", "required", "core"}},
	{"low", []string{"low", "minor", "optional", "nice to have", "nice-to-have", "cosmetic"}},
}

// inferPriority scans for signal words and defaults to medium.
func inferPriority(text string) string {
	lower := strings.ToLower(text)
	for _, pk := range priorityKeywords {
		for _, w := range pk.words {
			if strings.Contains(lower, w) {
				return pk.level
			}
		}
	}
	return "medium"
}

func normalizePriority(raw string) string {
	switch strings.ToLower(strings.TrimSpace(stripEmphasis(raw))) {
	case "critical", "urgent":
		return "critical"
	case "high":
		return "high"
	case "medium", "normal":
		return "medium"
	case "low":
		return "low"
	}
	return ""
}

func appendActors(actors []string, raw string) []string {
	for _, part := range strings.FieldsFunc(stripEmphasis(raw), func(r rune) bool {
		return r == ',' || r == ';' || r == '/'
	}) {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		dup := false
		for _, a := range actors {
			if strings.EqualFold(a, part) {
				dup = true
				break
			}
		}
		if !dup {
			actors = append(actors, part)
		}
	}
	return actors
}

func stripEmphasis(s string) string {
	return strings.TrimSpace(emphasis.ReplaceAllString(s, ""))
}

func joinLines(acc, line string) string {
	if acc == "" {
		return line
	}
	return acc + "\n" + line
}

func clip(s string) string {
	if len(s) <= maxDescription {
		return s
	}
	cut := s[:maxDescription]
	for len(cut) > 0 && cut[len(cut)-1]&0xC0 == 0x80 {
		cut = cut[:len(cut)-1]
	}
	return cut
}

func clipTitle(s string) string {
	s = strings.TrimSpace(s)
	if len(s) > 200 {
		s = strings.TrimSpace(s[:200])
	}
	return s
}
