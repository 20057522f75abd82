package fetch

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

const samplePage = `<!DOCTYPE html>
<html>
<head><title>Spec</title><style>body{color:red}</style><script>track()</script></head>
<body>
<nav><a href="/home">Home</a></nav>
<div class="ad-banner">Buy now!</div>
<main>
<h1>Overview</h1>
<p>The system manages user accounts and access control.</p>
<h2>Login</h2>
<p>UC-001: Authenticate User. Actor: End User. Goal: access the dashboard.</p>
<p>UC-002: Reset Password. Actor: End User.</p>
<a href="/docs/auth">Auth docs</a>
<a href="https://example.org/rfc">RFC</a>
</main>
<footer>Copyright</footer>
</body>
</html>`

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/spec":
			if ua := r.Header.Get("User-Agent"); !strings.HasPrefix(ua, "specline/") {
				t.Errorf("unexpected user agent %q", ua)
			}
			w.Header().Set("Content-Type", "text/html; charset=utf-8")
			_, _ = w.Write([]byte(samplePage))
		case "/missing":
			http.NotFound(w, r)
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestFetchSanitizesPage(t *testing.T) {
	srv := newTestServer(t)
	f := New(nil)

	src, err := f.Fetch(context.Background(), srv.URL+"/spec")
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if src.Title != "Spec" {
		t.Fatalf("title = %q, want Spec", src.Title)
	}
	if len(src.Headings) != 2 || src.Headings[0] != "Overview" || src.Headings[1] != "Login" {
		t.Fatalf("headings = %v", src.Headings)
	}
	if strings.Contains(src.Body, "track()") || strings.Contains(src.Body, "color:red") {
		t.Fatalf("script/style content leaked into body: %q", src.Body)
	}
	if strings.Contains(src.Body, "Buy now") {
		t.Fatalf("ad container leaked into body: %q", src.Body)
	}
	if strings.Contains(src.Body, "Copyright") || strings.Contains(src.Body, "Home") {
		t.Fatalf("nav/footer leaked into body: %q", src.Body)
	}
	if !strings.Contains(src.Body, "UC-001: Authenticate User") {
		t.Fatalf("main content missing from body: %q", src.Body)
	}
	// nav link was stripped, so only the two in-content links remain,
	// relative hrefs resolved against the page URL
	if len(src.Links) != 2 {
		t.Fatalf("links = %v", src.Links)
	}
	if src.Links[0] != srv.URL+"/docs/auth" {
		t.Fatalf("links[0] = %q", src.Links[0])
	}
}

func TestFetchBudgets(t *testing.T) {
	var page strings.Builder
	page.WriteString("<html><head><title>Big</title></head><body><main>")
	for i := 0; i < 20; i++ {
		page.WriteString("<h2>Section</h2>")
	}
	for i := 0; i < 500; i++ {
		page.WriteString("<p>Lorem ipsum dolor sit amet consectetur adipiscing elit sed do.</p>")
		page.WriteString(`<a href="/l` + strings.Repeat("x", i%3) + `">link</a>`)
	}
	page.WriteString("</main></body></html>")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(page.String()))
	}))
	defer srv.Close()

	f := New(nil)
	src, err := f.Fetch(context.Background(), srv.URL)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if len(src.Headings) != defaultMaxHeadings {
		t.Fatalf("headings = %d, want %d", len(src.Headings), defaultMaxHeadings)
	}
	if len(src.Links) > defaultMaxLinks {
		t.Fatalf("links = %d, want <= %d", len(src.Links), defaultMaxLinks)
	}
	if len(src.Body) > defaultBodyBudget {
		t.Fatalf("body = %d chars, want <= %d", len(src.Body), defaultBodyBudget)
	}
}

func TestFetchErrors(t *testing.T) {
	srv := newTestServer(t)
	f := New(nil)

	_, err := f.Fetch(context.Background(), srv.URL+"/missing")
	var fe *Error
	if err == nil {
		t.Fatal("expected error for 404")
	}
	if !errors.As(err, &fe) {
		t.Fatalf("error type = %T, want *Error", err)
	}

	if _, err := f.Fetch(context.Background(), "ftp://example.com/spec"); err == nil {
		t.Fatal("expected error for unsupported scheme")
	}
}

func TestSourceMarkdown(t *testing.T) {
	src := Source{
		URL:      "https://example.com/spec",
		Title:    "Spec",
		Headings: []string{"Overview"},
		Body:     "The system manages accounts.",
		Links:    []string{"https://example.com/docs"},
	}
	md := src.Markdown()
	for _, want := range []string{"# Spec", "## Overview", "The system manages accounts.", "- https://example.com/docs"} {
		if !strings.Contains(md, want) {
			t.Fatalf("markdown missing %q:\n%s", want, md)
		}
	}
}
