package extract

import (
	"fmt"
	"strings"
	"testing"
)

func TestParseNumberedBoldRecords(t *testing.T) {
	raw := `Here are the use cases:

1. **Authenticate User**
Actor: End User
Goal: access the dashboard securely
Priority: high

2. **Reset Password**
Actor: End User, Support Agent
The user requests a reset link by email.
`
	res := Parse(raw)
	if res.CatchAll {
		t.Fatal("unexpected catch-all")
	}
	if len(res.Candidates) != 2 {
		t.Fatalf("candidates = %d, want 2", len(res.Candidates))
	}
	first := res.Candidates[0]
	if first.Title != "Authenticate User" {
		t.Fatalf("title = %q", first.Title)
	}
	if first.Priority != "high" {
		t.Fatalf("priority = %q", first.Priority)
	}
	if len(first.Actors) != 1 || first.Actors[0] != "End User" {
		t.Fatalf("actors = %v", first.Actors)
	}
	if !strings.Contains(first.Description, "Goal: access the dashboard securely") {
		t.Fatalf("description = %q", first.Description)
	}
	second := res.Candidates[1]
	if len(second.Actors) != 2 {
		t.Fatalf("actors = %v", second.Actors)
	}
	if second.Priority != "medium" {
		t.Fatalf("priority = %q, want default medium", second.Priority)
	}
}

func TestParseOneRecordPerHeading(t *testing.T) {
	var raw strings.Builder
	for i := 1; i <= 5; i++ {
		fmt.Fprintf(&raw, "## Use case %d\nSome description for case %d.\n\n", i, i)
	}
	res := Parse(raw.String())
	if len(res.Candidates) != 5 {
		t.Fatalf("candidates = %d, want 5", len(res.Candidates))
	}
	for i, c := range res.Candidates {
		if want := fmt.Sprintf("Use case %d", i+1); c.Title != want {
			t.Fatalf("title[%d] = %q, want %q", i, c.Title, want)
		}
	}
}

func TestParseUCTokens(t *testing.T) {
	raw := `UC-001: Authenticate User
The user signs in with email and password.
UC-002 Reset Password
`
	res := Parse(raw)
	if len(res.Candidates) != 2 {
		t.Fatalf("candidates = %d, want 2", len(res.Candidates))
	}
	if res.Candidates[0].Title != "UC-001: Authenticate User" {
		t.Fatalf("title = %q", res.Candidates[0].Title)
	}
	if res.Candidates[1].Title != "UC-002: Reset Password" {
		t.Fatalf("title = %q", res.Candidates[1].Title)
	}
}

func TestParseCatchAllNeverEmpty(t *testing.T) {
	for _, raw := range []string{
		"just a plain sentence about the urgent system",
		"",
		"   \n\n  ",
	} {
		res := Parse(raw)
		if !res.CatchAll {
			t.Fatalf("expected catch-all for %q", raw)
		}
		if len(res.Candidates) != 1 {
			t.Fatalf("candidates = %d, want 1", len(res.Candidates))
		}
		c := res.Candidates[0]
		if c.Title == "" || c.Description == "" || c.Priority == "" {
			t.Fatalf("incomplete catch-all candidate: %+v", c)
		}
	}
}

func TestParsePriorityInference(t *testing.T) {
	cases := map[string]string{
		"## Audit log\nThis is a critical security control.": "critical",
		"## Search\nAn important core workflow.":             "high",
		"## Theme\nOptional cosmetic polish.":                "low",
		"## Export\nProduces a document.":                    "medium",
	}
	for raw, want := range cases {
		res := Parse(raw)
		if got := res.Candidates[0].Priority; got != want {
			t.Fatalf("priority for %q = %q, want %q", raw, got, want)
		}
	}
}

func TestParseDescriptionCeiling(t *testing.T) {
	raw := "## Long one\n" + strings.Repeat("word ", 1000)
	res := Parse(raw)
	if got := len(res.Candidates[0].Description); got > maxDescription {
		t.Fatalf("description = %d chars, want <= %d", got, maxDescription)
	}
}

func TestParseStripsEmphasis(t *testing.T) {
	res := Parse("## The *quick* __brown__ case\nIt uses `inline` code and **bold** text.")
	c := res.Candidates[0]
	if strings.ContainsAny(c.Title+c.Description, "*_`") {
		t.Fatalf("emphasis retained: %+v", c)
	}
}
