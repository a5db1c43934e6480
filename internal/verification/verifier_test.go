package verification

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/net/html"
)

const chatPage = `<!DOCTYPE html>
<html>
<head><link rel="stylesheet" href="/static/style.css"></head>
<body>
  <div id="chat-container" class="chat wide">
    <form id="message-form">
      <input id="message-input" type="text">
      <button type="submit">Send</button>
    </form>
  </div>
  <script src="/static/script.js"></script>
</body>
</html>`

var selectors = []string{"#chat-container", "#message-form", "#message-input", `button[type="submit"]`}

func writeFile(t *testing.T, root, rel string, size int) {
	t.Helper()
	path := filepath.Join(root, rel)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte(strings.Repeat("x", size)), 0644))
}

func newService(t *testing.T, page string, chatStatus int) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte(page))
	})
	mux.HandleFunc("/static/style.css", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("body{}"))
	})
	mux.HandleFunc("/static/script.js", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("console.log('ok')"))
	})
	mux.HandleFunc("/chat", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		if r.Method != http.MethodPost || body["message"] != "test" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.WriteHeader(chatStatus)
		_, _ = w.Write([]byte(`{"response":"ok"}`))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func newVerifier(ws, baseURL string) *Verifier {
	return New(Options{
		Workspace:      ws,
		MinFileSize:    50,
		MinFileSizes:   map[string]int{"requirements.txt": 3},
		BaseURL:        baseURL,
		ChatPath:       "/chat",
		Selectors:      selectors,
		InputSelector:  "#message-input",
		SubmitSelector: `button[type="submit"]`,
	}, NewStaticInspector(0))
}

func TestIntegrity(t *testing.T) {
	ws := t.TempDir()
	writeFile(t, ws, "app.py", 120)
	writeFile(t, ws, "static/style.css", 10)
	writeFile(t, ws, "requirements.txt", 5)

	v := newVerifier(ws, "http://127.0.0.1:1")
	errs := v.checkIntegrity(context.Background(), []string{"app.py", "templates/index.html", "static/style.css", "requirements.txt"})

	assert.Equal(t, []string{
		"Missing file: templates/index.html",
		"File too small: static/style.css (10 chars, minimum 50)",
	}, errs)
}

func TestIntegrity_EmptyListPasses(t *testing.T) {
	v := newVerifier(t.TempDir(), "http://127.0.0.1:1")
	assert.Empty(t, v.checkIntegrity(context.Background(), nil))
}

func TestVerify_ShortCircuitsAfterIntegrity(t *testing.T) {
	v := newVerifier(t.TempDir(), "http://127.0.0.1:1")

	report := v.Verify(context.Background(), []string{"app.py"})

	assert.False(t, report.Passed)
	assert.Equal(t, []string{"Missing file: app.py"}, report.Errors)
	backend, ok := report.Layer(LayerBackend)
	require.True(t, ok)
	assert.False(t, backend.Ran)
	frontend, ok := report.Layer(LayerFrontend)
	require.True(t, ok)
	assert.False(t, frontend.Ran)
}

func TestVerify_BackendDown(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	ws := t.TempDir()
	writeFile(t, ws, "app.py", 100)
	ok, errs := newVerifier(ws, url).RunAllVerifications(context.Background(), []string{"app.py"})

	assert.False(t, ok)
	require.Len(t, errs, 1)
	assert.True(t, strings.HasPrefix(errs[0], "Backend GET / failed: "), errs[0])
}

func TestVerify_ChatEndpointStatus(t *testing.T) {
	srv := newService(t, chatPage, http.StatusInternalServerError)
	ws := t.TempDir()
	writeFile(t, ws, "app.py", 100)

	ok, errs := newVerifier(ws, srv.URL).RunAllVerifications(context.Background(), []string{"app.py"})

	assert.False(t, ok)
	assert.Equal(t, []string{"Backend POST /chat returned status 500"}, errs)
}

func TestVerify_AllLayersPass(t *testing.T) {
	srv := newService(t, chatPage, http.StatusOK)
	ws := t.TempDir()
	writeFile(t, ws, "app.py", 100)
	writeFile(t, ws, "requirements.txt", 6)

	report := newVerifier(ws, srv.URL).Verify(context.Background(), []string{"app.py", "requirements.txt"})

	assert.True(t, report.Passed, report.Errors)
	assert.Empty(t, report.Errors)
	require.Len(t, report.Layers, 3)
	for _, l := range report.Layers {
		assert.True(t, l.Ran, l.Layer)
		assert.True(t, l.Passed, l.Layer)
	}
}

func TestVerify_MissingSelectors(t *testing.T) {
	page := `<html><body><div id="chat-container"></div><script src="/static/missing.js"></script></body></html>`
	srv := newService(t, page, http.StatusOK)
	ws := t.TempDir()

	ok, errs := newVerifier(ws, srv.URL).RunAllVerifications(context.Background(), nil)

	assert.False(t, ok)
	require.Len(t, errs, 4)
	assert.Equal(t, "Missing: #message-form", errs[0])
	assert.Equal(t, "Missing: #message-input", errs[1])
	assert.Equal(t, `Missing: button[type="submit"]`, errs[2])
	assert.True(t, strings.HasPrefix(errs[3], "Console error: Failed to load resource: "), errs[3])
	assert.Contains(t, errs[3], "status 404")
}

func TestVerify_NilInspectorSkipsFrontend(t *testing.T) {
	srv := newService(t, "<html></html>", http.StatusOK)
	v := New(Options{Workspace: t.TempDir(), BaseURL: srv.URL, Selectors: selectors}, nil)

	ok, errs := v.RunAllVerifications(context.Background(), nil)
	assert.True(t, ok)
	assert.Empty(t, errs)
}

func TestVerify_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	ok, errs := newVerifier(t.TempDir(), "http://127.0.0.1:1").RunAllVerifications(ctx, nil)
	assert.False(t, ok)
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0], "cancelled")
}

func TestParseSelector(t *testing.T) {
	doc, err := html.Parse(strings.NewReader(chatPage))
	require.NoError(t, err)
	nodes := elements(doc)

	cases := []struct {
		sel  string
		want bool
	}{
		{"#chat-container", true},
		{"div#chat-container.chat", true},
		{".wide", true},
		{".narrow", false},
		{`button[type="submit"]`, true},
		{`button[type='reset']`, false},
		{"input[type]", true},
		{"form", true},
		{"#nope", false},
	}
	for _, tc := range cases {
		t.Run(tc.sel, func(t *testing.T) {
			sel, ok := parseSelector(tc.sel)
			require.True(t, ok)
			found := false
			for _, n := range nodes {
				if sel.matches(n) {
					found = true
					break
				}
			}
			assert.Equal(t, tc.want, found)
		})
	}

	_, ok := parseSelector("div > span")
	assert.False(t, ok)
}
