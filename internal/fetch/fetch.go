// Package fetch acquires and sanitizes web page content for analysis.
package fetch

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/net/html"

	"specline/internal/config"
)

// Limits caps how much of a page survives sanitization.
type Limits struct {
	BodyBudget  int
	MaxHeadings int
	MaxLinks    int
}

const (
	defaultBodyBudget  = 8000
	defaultMaxHeadings = 10
	defaultMaxLinks    = 5
	defaultTimeout     = 10 * time.Second
	defaultUserAgent   = "specline/0.1 (+https://specline.dev; requirements bot)"

	// maxResponseBytes bounds the raw download before parsing.
	maxResponseBytes = 2 << 20
)

// Source is the sanitized digest of a fetched page.
type Source struct {
	URL      string   `json:"url"`
	Title    string   `json:"title,omitempty"`
	Headings []string `json:"headings,omitempty"`
	Body     string   `json:"body,omitempty"`
	Links    []string `json:"links,omitempty"`
}

// Markdown renders the digest for inclusion in a model prompt.
func (s Source) Markdown() string {
	var b strings.Builder
	if s.Title != "" {
		fmt.Fprintf(&b, "# %s\n\n", s.Title)
	}
	fmt.Fprintf(&b, "Source: %s\n\n", s.URL)
	for _, h := range s.Headings {
		fmt.Fprintf(&b, "## %s\n", h)
	}
	if len(s.Headings) > 0 {
		b.WriteString("\n")
	}
	if s.Body != "" {
		b.WriteString(s.Body)
		b.WriteString("\n")
	}
	if len(s.Links) > 0 {
		b.WriteString("\nLinks:\n")
		for _, l := range s.Links {
			fmt.Fprintf(&b, "- %s\n", l)
		}
	}
	return b.String()
}

// Error wraps any acquisition failure. Callers treat it as recoverable: a
// failed fetch degrades analysis to the raw message instead of aborting it.
type Error struct {
	URL string
	Err error
}

func (e *Error) Error() string {
	return fmt.Sprintf("fetch %s: %v", e.URL, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Fetcher downloads pages and reduces them to a Source.
type Fetcher struct {
	Client    *http.Client
	UserAgent string
	Limits    Limits
}

// New builds a Fetcher from config, falling back to defaults for anything
// unset.
func New(cfg *config.Config) *Fetcher {
	f := &Fetcher{
		Client:    &http.Client{Timeout: defaultTimeout},
		UserAgent: defaultUserAgent,
		Limits: Limits{
			BodyBudget:  defaultBodyBudget,
			MaxHeadings: defaultMaxHeadings,
			MaxLinks:    defaultMaxLinks,
		},
	}
	if cfg == nil {
		return f
	}
	if cfg.Fetch.TimeoutSeconds > 0 {
		f.Client.Timeout = time.Duration(cfg.Fetch.TimeoutSeconds) * time.Second
	}
	if cfg.Fetch.UserAgent != "" {
		f.UserAgent = cfg.Fetch.UserAgent
	}
	if cfg.Fetch.BodyBudget > 0 {
		f.Limits.BodyBudget = cfg.Fetch.BodyBudget
	}
	if cfg.Fetch.MaxHeadings > 0 {
		f.Limits.MaxHeadings = cfg.Fetch.MaxHeadings
	}
	if cfg.Fetch.MaxLinks > 0 {
		f.Limits.MaxLinks = cfg.Fetch.MaxLinks
	}
	return f
}

// Fetch downloads rawURL and returns its sanitized digest. All failures come
// back as *Error.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string) (Source, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") {
		return Source{}, &Error{URL: rawURL, Err: fmt.Errorf("unsupported url")}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return Source{}, &Error{URL: rawURL, Err: err}
	}
	req.Header.Set("User-Agent", f.UserAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml")
	resp, err := f.Client.Do(req)
	if err != nil {
		return Source{}, &Error{URL: rawURL, Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Source{}, &Error{URL: rawURL, Err: fmt.Errorf("status %d", resp.StatusCode)}
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return Source{}, &Error{URL: rawURL, Err: err}
	}
	doc, err := html.Parse(strings.NewReader(string(data)))
	if err != nil {
		return Source{}, &Error{URL: rawURL, Err: err}
	}
	src := f.sanitize(doc, parsed)
	src.URL = rawURL
	return src, nil
}

// strippedTags are removed wholesale before text extraction.
var strippedTags = map[string]bool{
	"script":   true,
	"style":    true,
	"noscript": true,
	"nav":      true,
	"footer":   true,
	"header":   true,
	"aside":    true,
	"form":     true,
	"iframe":   true,
	"svg":      true,
	"button":   true,
}

// noiseMarkers flag ad-like containers by class or id substring.
var noiseMarkers = []string{"advert", "banner", "sponsor", "promo", "cookie", "popup", "sidebar", "menu", "breadcrumb"}

func (f *Fetcher) sanitize(doc *html.Node, base *url.URL) Source {
	strip(doc)
	var src Source
	src.Title = strings.TrimSpace(text(find(doc, func(n *html.Node) bool {
		return n.Type == html.ElementNode && n.Data == "title"
	})))

	root := mainContent(doc)
	if root == nil {
		root = doc
	}
	if src.Title == "" {
		if h1 := find(root, isHeading); h1 != nil {
			src.Title = collapse(text(h1))
		}
	}

	walk(root, func(n *html.Node) {
		if n.Type != html.ElementNode {
			return
		}
		switch {
		case isHeading(n):
			if h := collapse(text(n)); h != "" && h != src.Title && len(src.Headings) < f.Limits.MaxHeadings {
				src.Headings = append(src.Headings, h)
			}
		case n.Data == "a":
			if len(src.Links) >= f.Limits.MaxLinks {
				return
			}
			href := attr(n, "href")
			if href == "" || strings.HasPrefix(href, "#") || strings.HasPrefix(href, "javascript:") {
				return
			}
			if u, err := base.Parse(href); err == nil {
				abs := u.String()
				if !contains(src.Links, abs) {
					src.Links = append(src.Links, abs)
				}
			}
		}
	})

	src.Body = truncate(blockText(root), f.Limits.BodyBudget)
	return src
}

// strip removes noise elements in place.
func strip(n *html.Node) {
	var next *html.Node
	for c := n.FirstChild; c != nil; c = next {
		next = c.NextSibling
		if c.Type == html.ElementNode && (strippedTags[c.Data] || noisy(c)) {
			n.RemoveChild(c)
			continue
		}
		strip(c)
	}
}

func noisy(n *html.Node) bool {
	marker := strings.ToLower(attr(n, "class") + " " + attr(n, "id"))
	if marker == " " {
		return false
	}
	for _, m := range noiseMarkers {
		if strings.Contains(marker, m) {
			return true
		}
	}
	// bare "ad"/"ads" tokens, not substrings like "download"
	for _, tok := range strings.FieldsFunc(marker, func(r rune) bool { return r == ' ' || r == '-' || r == '_' }) {
		if tok == "ad" || tok == "ads" {
			return true
		}
	}
	return false
}

// contentSelectors, in preference order, locate the main content container.
var contentSelectors = []func(*html.Node) bool{
	func(n *html.Node) bool { return n.Data == "main" },
	func(n *html.Node) bool { return attr(n, "role") == "main" },
	func(n *html.Node) bool { return n.Data == "article" },
	func(n *html.Node) bool { return attr(n, "id") == "content" },
	func(n *html.Node) bool { return hasClass(n, "content") },
	func(n *html.Node) bool { return attr(n, "id") == "main" },
	func(n *html.Node) bool { return hasClass(n, "main") },
}

func mainContent(doc *html.Node) *html.Node {
	for _, match := range contentSelectors {
		if n := find(doc, func(n *html.Node) bool { return n.Type == html.ElementNode && match(n) }); n != nil {
			return n
		}
	}
	return find(doc, func(n *html.Node) bool { return n.Type == html.ElementNode && n.Data == "body" })
}

func isHeading(n *html.Node) bool {
	if n.Type != html.ElementNode {
		return false
	}
	switch n.Data {
	case "h1", "h2", "h3", "h4", "h5", "h6":
		return true
	}
	return false
}

var blockTags = map[string]bool{
	"p": true, "div": true, "li": true, "section": true, "article": true,
	"h1": true, "h2": true, "h3": true, "h4": true, "h5": true, "h6": true,
	"td": true, "th": true, "tr": true, "blockquote": true, "pre": true,
	"ul": true, "ol": true, "table": true, "br": true,
}

// blockText flattens root to plain text with newlines at block boundaries.
func blockText(root *html.Node) string {
	var b strings.Builder
	var visit func(*html.Node)
	visit = func(n *html.Node) {
		if n.Type == html.TextNode {
			b.WriteString(n.Data)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			visit(c)
		}
		if n.Type == html.ElementNode && blockTags[n.Data] {
			b.WriteString("\n")
		}
	}
	visit(root)
	lines := strings.Split(b.String(), "\n")
	out := make([]string, 0, len(lines))
	for _, l := range lines {
		if l = collapse(l); l != "" {
			out = append(out, l)
		}
	}
	return strings.Join(out, "\n")
}

func truncate(s string, budget int) string {
	if budget <= 0 || len(s) <= budget {
		return s
	}
	cut := s[:budget]
	// avoid splitting a multi-byte rune
	for len(cut) > 0 && cut[len(cut)-1]&0xC0 == 0x80 {
		cut = cut[:len(cut)-1]
	}
	return cut
}

func find(n *html.Node, match func(*html.Node) bool) *html.Node {
	if n == nil {
		return nil
	}
	if match(n) {
		return n
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if found := find(c, match); found != nil {
			return found
		}
	}
	return nil
}

func walk(n *html.Node, fn func(*html.Node)) {
	if n == nil {
		return
	}
	fn(n)
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		walk(c, fn)
	}
}

func text(n *html.Node) string {
	if n == nil {
		return ""
	}
	var b strings.Builder
	walk(n, func(n *html.Node) {
		if n.Type == html.TextNode {
			b.WriteString(n.Data)
		}
	})
	return b.String()
}

func attr(n *html.Node, name string) string {
	for _, a := range n.Attr {
		if a.Key == name {
			return a.Val
		}
	}
	return ""
}

func hasClass(n *html.Node, class string) bool {
	for _, c := range strings.Fields(attr(n, "class")) {
		if c == class {
			return true
		}
	}
	return false
}

func collapse(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}
