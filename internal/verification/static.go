package verification

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"golang.org/x/net/html"

	"loopsmith/internal/logging"
)

// StaticInspector fetches the page over HTTP and inspects the parsed DOM.
// It cannot run scripts: console errors are limited to same-origin scripts
// and stylesheets that fail to load, and the chat form is not exercised.
type StaticInspector struct {
	client *http.Client
}

// NewStaticInspector creates a static HTML inspector.
func NewStaticInspector(timeout time.Duration) *StaticInspector {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &StaticInspector{client: &http.Client{Timeout: timeout}}
}

// Inspect fetches req.URL and checks selectors against the parsed document.
func (s *StaticInspector) Inspect(ctx context.Context, req InspectRequest) (*PageReport, error) {
	base, err := url.Parse(req.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid page url %q: %w", req.URL, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, req.URL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := s.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("navigation to %s failed: %w", req.URL, err)
	}
	doc, err := html.Parse(resp.Body)
	resp.Body.Close()
	if err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", req.URL, err)
	}

	nodes := elements(doc)
	report := &PageReport{}
	report.MissingSelectors = missingFrom(req.Selectors, func(sel string) bool {
		m, ok := parseSelector(sel)
		if !ok {
			logging.BrowserDebug("Unsupported selector for static inspection: %s", sel)
			return false
		}
		for _, n := range nodes {
			if m.matches(n) {
				return true
			}
		}
		return false
	})

	for _, ref := range resourceRefs(nodes) {
		target, err := base.Parse(ref)
		if err != nil || target.Host != base.Host {
			continue
		}
		if msg := s.probe(ctx, target.String()); msg != "" {
			report.ConsoleErrors = append(report.ConsoleErrors, msg)
		}
	}

	logging.BrowserDebug("Static inspection of %s: missing=%d console=%d",
		req.URL, len(report.MissingSelectors), len(report.ConsoleErrors))
	return report, nil
}

func (s *StaticInspector) probe(ctx context.Context, target string) string {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return ""
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Sprintf("Failed to load resource: %s (%v)", target, err)
	}
	drain(resp)
	if resp.StatusCode >= 400 {
		return fmt.Sprintf("Failed to load resource: %s (status %d)", target, resp.StatusCode)
	}
	return ""
}

// Close is a no-op.
func (s *StaticInspector) Close() error { return nil }

func elements(doc *html.Node) []*html.Node {
	var out []*html.Node
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			out = append(out, n)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)
	return out
}

// resourceRefs returns script sources and stylesheet hrefs in document order.
func resourceRefs(nodes []*html.Node) []string {
	var refs []string
	for _, n := range nodes {
		switch n.Data {
		case "script":
			if src, ok := attr(n, "src"); ok && src != "" {
				refs = append(refs, src)
			}
		case "link":
			rel, _ := attr(n, "rel")
			if href, ok := attr(n, "href"); ok && href != "" && strings.EqualFold(rel, "stylesheet") {
				refs = append(refs, href)
			}
		}
	}
	return refs
}

func attr(n *html.Node, key string) (string, bool) {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val, true
		}
	}
	return "", false
}

var (
	selectorRe   = regexp.MustCompile(`^([a-zA-Z][\w-]*)?((?:[#.][\w-]+)*)((?:\[[^\]]+\])*)$`)
	simpleRe     = regexp.MustCompile(`[#.][\w-]+`)
	attrClauseRe = regexp.MustCompile(`\[\s*([\w-]+)\s*(?:=\s*["']?([^"'\]]*)["']?)?\s*\]`)
)

type attrCond struct {
	key   string
	value string
	exact bool
}

// selector is a single compound selector: tag, #id, .class and [attr=value].
type selector struct {
	tag     string
	id      string
	classes []string
	attrs   []attrCond
}

func parseSelector(s string) (selector, bool) {
	s = strings.TrimSpace(s)
	m := selectorRe.FindStringSubmatch(s)
	if m == nil || s == "" {
		return selector{}, false
	}
	sel := selector{tag: strings.ToLower(m[1])}
	for _, part := range simpleRe.FindAllString(m[2], -1) {
		if part[0] == '#' {
			sel.id = part[1:]
		} else {
			sel.classes = append(sel.classes, part[1:])
		}
	}
	for _, c := range attrClauseRe.FindAllStringSubmatch(m[3], -1) {
		sel.attrs = append(sel.attrs, attrCond{
			key:   strings.ToLower(c[1]),
			value: c[2],
			exact: strings.Contains(c[0], "="),
		})
	}
	return sel, true
}

func (sel selector) matches(n *html.Node) bool {
	if sel.tag != "" && n.Data != sel.tag {
		return false
	}
	if sel.id != "" {
		if id, _ := attr(n, "id"); id != sel.id {
			return false
		}
	}
	if len(sel.classes) > 0 {
		class, _ := attr(n, "class")
		have := strings.Fields(class)
		for _, want := range sel.classes {
			if !contains(have, want) {
				return false
			}
		}
	}
	for _, c := range sel.attrs {
		v, ok := attr(n, c.key)
		if !ok || (c.exact && v != c.value) {
			return false
		}
	}
	return true
}
