package executor

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"loopsmith/internal/deploy"
	"loopsmith/internal/llm"
	"loopsmith/internal/research"
	"loopsmith/internal/tasks"
)

// fakeGateway serves canned file contents and fixes.
type fakeGateway struct {
	mu       sync.Mutex
	files    map[string]string
	failFor  map[string]bool
	fix      func(prompt string) string
	plan     func(goal string) []*tasks.Task
	analysis *llm.Analysis

	codeCalls    int
	fixCalls     int
	analyzeCalls int
	fixPrompts   []string
}

func (f *fakeGateway) GenerateCode(_ context.Context, _, filename, _, _ string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.codeCalls++
	if f.failFor[filename] {
		return "", errors.New("model unavailable")
	}
	return f.files[filename], nil
}

func (f *fakeGateway) GenerateFix(_ context.Context, prompt string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fixCalls++
	f.fixPrompts = append(f.fixPrompts, prompt)
	if f.fix == nil {
		return "", errors.New("no fix configured")
	}
	return f.fix(prompt), nil
}

func (f *fakeGateway) DecomposeGoal(_ context.Context, goal string, _ []string) []*tasks.Task {
	if f.plan != nil {
		return f.plan(goal)
	}
	return []*tasks.Task{tasks.ExecuteGoal(goal)}
}

func (f *fakeGateway) AnalyzeError(_ context.Context, errText, _, _ string) (*llm.Analysis, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.analyzeCalls++
	if f.analysis == nil {
		return &llm.Analysis{Diagnosis: errText}, nil
	}
	return f.analysis, nil
}

type fakeResearcher struct {
	runs     int
	solution string
	searched []string
}

func (r *fakeResearcher) Run(_ context.Context, _ string) (*research.Report, error) {
	r.runs++
	return &research.Report{Researched: []string{"flask"}}, nil
}

func (r *fakeResearcher) SearchSolution(_ context.Context, _, file, _ string) (string, error) {
	r.searched = append(r.searched, file)
	return r.solution, nil
}

type fakeDeployer struct {
	deploys int
	err     error
}

func (d *fakeDeployer) Deploy(context.Context) error {
	d.deploys++
	return d.err
}

func (d *fakeDeployer) Stop(context.Context) error { return nil }

type fakeRunner struct {
	commands []string
	exitCode int
}

func (r *fakeRunner) Shell(_ context.Context, line string) (*deploy.Result, error) {
	r.commands = append(r.commands, line)
	return &deploy.Result{
		Command:  line,
		ExitCode: r.exitCode,
		Combined: "ERROR: No matching distribution found for flask-magic",
	}, nil
}

// workspaceServer stands in for the deployed Flask app by serving the
// workspace files directly. POST /chat succeeds when app.py declares the route.
func workspaceServer(t *testing.T, ws string) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		data, err := os.ReadFile(filepath.Join(ws, "templates", "index.html"))
		if err != nil {
			http.Error(w, "TemplateNotFound: index.html", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write(data)
	})
	mux.Handle("/static/", http.StripPrefix("/static/", http.FileServer(http.Dir(filepath.Join(ws, "static")))))
	mux.HandleFunc("/chat", func(w http.ResponseWriter, r *http.Request) {
		app, err := os.ReadFile(filepath.Join(ws, "app.py"))
		if err != nil || r.Method != http.MethodPost || !strings.Contains(string(app), "/chat") {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		_, _ = w.Write([]byte(`{"response":"ok"}`))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}
