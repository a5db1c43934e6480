package executor

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"loopsmith/internal/config"
	"loopsmith/internal/knowledge"
	"loopsmith/internal/llm"
	"loopsmith/internal/memory"
	"loopsmith/internal/strategy"
	"loopsmith/internal/tasks"
	"loopsmith/internal/templates"
	"loopsmith/internal/types"
	"loopsmith/internal/verification"
)

var requiredFiles = []string{
	"app.py",
	"requirements.txt",
	"templates/index.html",
	"static/style.css",
	"static/script.js",
}

type harness struct {
	ws       string
	ex       *Executor
	gw       *fakeGateway
	research *fakeResearcher
	deployer *fakeDeployer
	learner  *memory.Learner
	kb       *knowledge.Base
}

func goodFiles() map[string]string {
	set := templates.Flask()
	files := make(map[string]string)
	for _, rel := range set.Files() {
		data, _ := set.Content(rel)
		files[rel] = string(data)
	}
	return files
}

func newHarness(t *testing.T, gw *fakeGateway) *harness {
	t.Helper()
	ws := t.TempDir()
	srv := workspaceServer(t, ws)

	store, err := memory.Open("")
	require.NoError(t, err)
	kb, err := knowledge.Open("")
	require.NoError(t, err)

	h := &harness{
		ws:       ws,
		gw:       gw,
		research: &fakeResearcher{},
		deployer: &fakeDeployer{},
		learner:  memory.NewLearner(store, memory.DefaultSigner()),
		kb:       kb,
	}
	verifier := verification.New(verification.Options{
		Workspace:      ws,
		MinFileSize:    50,
		MinFileSizes:   map[string]int{"requirements.txt": 3},
		BaseURL:        srv.URL,
		ChatPath:       "/chat",
		HTTPTimeout:    2 * time.Second,
		Selectors:      config.DefaultSelectors,
		InputSelector:  "#message-input",
		SubmitSelector: `button[type="submit"]`,
	}, verification.NewStaticInspector(2*time.Second))

	goal := types.Goal{
		Description:   "Create a Flask chat app",
		RequiredFiles: requiredFiles,
		Workspace:     ws,
	}
	h.ex = New(goal, Deps{
		Gateway:   gw,
		Research:  h.research,
		Knowledge: kb,
		Learner:   h.learner,
		Verifier:  verifier,
		Deployer:  h.deployer,
	}, Options{})
	return h
}

func (h *harness) read(t *testing.T, rel string) string {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(h.ws, filepath.FromSlash(rel)))
	require.NoError(t, err)
	return string(data)
}

func TestRunWithStrategy_StoredSolutionNeedsNoLLM(t *testing.T) {
	files := goodFiles()
	files["requirements.txt"] = ""
	h := newHarness(t, &fakeGateway{files: files})

	require.NoError(t, h.learner.Store().Put(memory.Solution{
		Signature:    "empty_file:requirements.txt",
		FilePath:     "requirements.txt",
		FixedContent: "Flask\n",
		FixType:      "llm_fix",
		Strategy:     string(strategy.DirectFileFix),
	}))
	ctx := context.Background()

	ok, bundle := h.ex.RunWithStrategy(ctx, strategy.DirectFileFix)
	assert.False(t, ok)
	assert.Contains(t, bundle, "File too small: requirements.txt")
	assert.Equal(t, 0, h.gw.fixCalls)
	assert.Equal(t, "Flask\n", h.read(t, "requirements.txt"))

	ok, bundle = h.ex.RunWithStrategy(ctx, strategy.DirectFileFix)
	assert.True(t, ok, bundle)
	assert.Empty(t, bundle)
	assert.Equal(t, 0, h.gw.fixCalls)
	assert.Equal(t, 2, h.deployer.deploys)
	assert.Equal(t, 1, h.research.runs)
}

func TestRunWithStrategy_MissingSelectorFixedAndRemembered(t *testing.T) {
	files := goodFiles()
	good := files["templates/index.html"]
	files["templates/index.html"] = strings.Replace(good, `id="message-input"`, `id="msg"`, 1)
	gw := &fakeGateway{files: files, fix: func(string) string { return good }}
	h := newHarness(t, gw)
	ctx := context.Background()

	ok, bundle := h.ex.RunWithStrategy(ctx, strategy.DirectFileFix)
	require.False(t, ok)
	assert.Equal(t, "Missing: #message-input", bundle)

	lr, found := h.ex.LastReport().Layer(verification.LayerIntegrity)
	require.True(t, found)
	assert.True(t, lr.Passed)
	lr, found = h.ex.LastReport().Layer(verification.LayerBackend)
	require.True(t, found)
	assert.True(t, lr.Passed)

	require.Len(t, gw.fixPrompts, 1)
	assert.Contains(t, gw.fixPrompts[0], "Rewrite templates/index.html")
	assert.Equal(t, good, h.read(t, "templates/index.html"))

	ok, _ = h.ex.RunWithStrategy(ctx, strategy.DirectFileFix)
	require.True(t, ok)

	sol, found, err := h.learner.Store().Get("missing_element:#message-input")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "templates/index.html", sol.FilePath)
	assert.Equal(t, good, sol.FixedContent)
	assert.Equal(t, "Missing: #message-input", sol.ErrorSample)

	_, found, err = h.kb.GetPattern("missing_element:#message-input")
	require.NoError(t, err)
	assert.True(t, found)
}

func TestRunWithStrategy_FailedFixIsNotRemembered(t *testing.T) {
	files := goodFiles()
	broken := "<html><body><p>nothing useful is rendered on this page at all</p></body></html>"
	files["templates/index.html"] = broken
	gw := &fakeGateway{files: files, fix: func(string) string { return broken }}
	h := newHarness(t, gw)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		ok, _ := h.ex.RunWithStrategy(ctx, strategy.DirectFileFix)
		require.False(t, ok)
	}
	assert.Empty(t, h.learner.Store().Solutions())
	_, pending := h.learner.Pending()
	assert.True(t, pending)
}

func TestRunWithStrategy_ContextualIncludesSiblings(t *testing.T) {
	files := goodFiles()
	good := files["templates/index.html"]
	files["templates/index.html"] = strings.Replace(good, `id="message-input"`, `id="msg"`, 1)
	gw := &fakeGateway{files: files, fix: func(string) string { return good }}
	h := newHarness(t, gw)

	ok, _ := h.ex.RunWithStrategy(context.Background(), strategy.ContextualFileFix)
	require.False(t, ok)
	require.Len(t, gw.fixPrompts, 1)
	prompt := gw.fixPrompts[0]
	assert.Contains(t, prompt, "--- static/style.css ---")
	assert.Contains(t, prompt, "--- static/script.js ---")
	assert.Contains(t, prompt, "--- app.py ---")
	assert.Contains(t, prompt, files["app.py"])
}

func TestRunWithStrategy_TemplateNeverCallsLLM(t *testing.T) {
	files := goodFiles()
	files["templates/index.html"] = "<html><body><p>nothing useful is rendered on this page at all</p></body></html>"
	gw := &fakeGateway{files: files}
	h := newHarness(t, gw)
	ctx := context.Background()

	ok, _ := h.ex.RunWithStrategy(ctx, strategy.UseTemplate)
	require.False(t, ok)
	assert.Equal(t, 0, gw.fixCalls)

	ok, bundle := h.ex.RunWithStrategy(ctx, strategy.UseTemplate)
	require.True(t, ok, bundle)

	sol, found, err := h.learner.Store().Get(memory.SigBrokenTemplate)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "template", sol.FixType)
	assert.Equal(t, string(strategy.UseTemplate), sol.Strategy)
}

func TestRunWithStrategy_NoCandidateForMissingFile(t *testing.T) {
	gw := &fakeGateway{
		files:   goodFiles(),
		failFor: map[string]bool{"static/script.js": true},
		fix:     func(string) string { return "console.log('fixed');" },
	}
	h := newHarness(t, gw)
	ctx := context.Background()

	ok, bundle := h.ex.RunWithStrategy(ctx, strategy.DirectFileFix)
	require.False(t, ok)
	assert.Contains(t, bundle, "Missing file: static/script.js")
	assert.Equal(t, 0, gw.fixCalls)
	assert.NoFileExists(t, filepath.Join(h.ws, "static", "script.js"))

	ok, _ = h.ex.RunWithStrategy(ctx, strategy.UseTemplate)
	require.False(t, ok)
	assert.FileExists(t, filepath.Join(h.ws, "static", "script.js"))

	ok, bundle = h.ex.RunWithStrategy(ctx, strategy.UseTemplate)
	assert.True(t, ok, bundle)
}

func TestRunWithStrategy_WebSearch(t *testing.T) {
	files := goodFiles()
	good := files["templates/index.html"]
	files["templates/index.html"] = strings.Replace(good, `id="message-input"`, `id="msg"`, 1)
	gw := &fakeGateway{files: files}
	h := newHarness(t, gw)
	h.research.solution = good
	ctx := context.Background()

	ok, _ := h.ex.RunWithStrategy(ctx, strategy.WebSearchForSolution)
	require.False(t, ok)
	assert.Equal(t, []string{"templates/index.html"}, h.research.searched)
	assert.Equal(t, 0, gw.fixCalls)

	ok, _ = h.ex.RunWithStrategy(ctx, strategy.WebSearchForSolution)
	require.True(t, ok)
	sol, found, err := h.learner.Store().Get("missing_element:#message-input")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "web_search", sol.FixType)
}

func TestRunWithStrategy_EmptyFixLeavesFile(t *testing.T) {
	files := goodFiles()
	broken := strings.Replace(files["templates/index.html"], `id="message-input"`, `id="msg"`, 1)
	files["templates/index.html"] = broken
	h := newHarness(t, &fakeGateway{files: files, fix: func(string) string { return "  \n" }})

	ok, _ := h.ex.RunWithStrategy(context.Background(), strategy.DirectFileFix)
	require.False(t, ok)
	assert.Equal(t, broken, h.read(t, "templates/index.html"))
	_, pending := h.learner.Pending()
	assert.False(t, pending)
}

func TestInitialBuild_ExecuteGoalFallback(t *testing.T) {
	gw := &fakeGateway{files: goodFiles()}
	h := newHarness(t, gw)

	ok, bundle := h.ex.RunWithStrategy(context.Background(), strategy.DirectFileFix)
	assert.True(t, ok, bundle)

	p := h.ex.Tasks().Progress()
	assert.Equal(t, 1, p.Completed)
	assert.Equal(t, len(requiredFiles), gw.codeCalls)
	assert.ElementsMatch(t, requiredFiles, h.ex.Tasks().StateList("files_created"))

	assert.FileExists(t, filepath.Join(h.ws, ".loopsmith", "state", "tasks.json"))
	snap := h.read(t, ".loopsmith/state/snapshot.json")
	assert.Contains(t, snap, `"path": "app.py"`)
	assert.Contains(t, snap, `"sha256"`)
}

func TestInitialBuild_RunsOnce(t *testing.T) {
	gw := &fakeGateway{files: goodFiles()}
	h := newHarness(t, gw)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		ok, _ := h.ex.RunWithStrategy(ctx, strategy.DirectFileFix)
		require.True(t, ok)
	}
	assert.Equal(t, 1, h.research.runs)
	assert.Equal(t, len(requiredFiles), gw.codeCalls)
	assert.Equal(t, 1, h.deployer.deploys)
}

func TestInitialBuild_FailingCommandRecordsDiagnosis(t *testing.T) {
	gw := &fakeGateway{
		files: goodFiles(),
		plan: func(goal string) []*tasks.Task {
			return []*tasks.Task{tasks.RunCommand("Install dependencies", "pip install flask-magic")}
		},
		analysis: &llm.Analysis{Diagnosis: "package does not exist", FixStrategy: "remove it"},
	}
	h := newHarness(t, gw)
	runner := &fakeRunner{exitCode: 1}
	h.ex.deps.Runner = runner

	ok, _ := h.ex.RunWithStrategy(context.Background(), strategy.DirectFileFix)
	assert.True(t, ok)

	assert.Len(t, runner.commands, tasks.DefaultMaxRetries+1)
	assert.Equal(t, tasks.DefaultMaxRetries+1, gw.analyzeCalls)
	assert.Equal(t, 1, h.ex.Tasks().Progress().Failed)
	assert.Contains(t, h.kb.Summary().Tools, "pip")
}

func TestRunWithStrategy_RedeployFailureIsNotFatal(t *testing.T) {
	files := goodFiles()
	files["requirements.txt"] = ""
	h := newHarness(t, &fakeGateway{files: files, fix: func(string) string { return "flask\n" }})
	h.deployer.err = errors.New("server exited during warm-up")

	ok, _ := h.ex.RunWithStrategy(context.Background(), strategy.DirectFileFix)
	assert.False(t, ok)
	assert.Equal(t, "flask\n", h.read(t, "requirements.txt"))
	assert.Equal(t, 2, h.deployer.deploys)
}

func TestRunWithStrategy_CancelledSkipsFix(t *testing.T) {
	files := goodFiles()
	files["requirements.txt"] = ""
	gw := &fakeGateway{files: files, fix: func(string) string { return "flask\n" }}
	h := newHarness(t, gw)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	ok, bundle := h.ex.RunWithStrategy(ctx, strategy.DirectFileFix)
	assert.False(t, ok)
	assert.NotEmpty(t, bundle)
	assert.Equal(t, 0, gw.fixCalls)
	assert.Equal(t, 0, h.deployer.deploys)
}

func TestRunWithStrategy_KnowledgeMatchingErrorText(t *testing.T) {
	files := goodFiles()
	good := files["templates/index.html"]
	files["templates/index.html"] = strings.Replace(good, `id="message-input"`, `id="msg"`, 1)
	gw := &fakeGateway{files: files, fix: func(string) string { return good }}
	h := newHarness(t, gw)
	require.NoError(t, h.kb.AddEntry("chat form markup",
		"The text box must carry id #message-input so the script can find it.", "research"))

	ok, bundle := h.ex.RunWithStrategy(context.Background(), strategy.DirectFileFix)
	require.False(t, ok)
	require.Equal(t, "Missing: #message-input", bundle)

	require.Len(t, gw.fixPrompts, 1)
	assert.Contains(t, gw.fixPrompts[0], "Relevant knowledge:")
	assert.Contains(t, gw.fixPrompts[0], "The text box must carry id #message-input")
}

func TestRunWithStrategy_RepeatedErrorAsksForNewApproach(t *testing.T) {
	files := goodFiles()
	broken := "<html><body><p>nothing useful is rendered on this page at all</p></body></html>"
	files["templates/index.html"] = broken
	gw := &fakeGateway{files: files, fix: func(string) string { return broken }}
	h := newHarness(t, gw)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		ok, _ := h.ex.RunWithStrategy(ctx, strategy.DirectFileFix)
		require.False(t, ok)
	}
	require.Len(t, gw.fixPrompts, 3)
	assert.NotContains(t, gw.fixPrompts[0], "consecutive fix attempts")
	assert.Contains(t, gw.fixPrompts[1], "survived 1 consecutive fix attempts")
	assert.Contains(t, gw.fixPrompts[2], "survived 2 consecutive fix attempts")
}

func TestQueryTerms(t *testing.T) {
	bundle := types.ErrorBundle{
		"Missing: #message-input",
		"File too small: static/style.css (10 chars, minimum 50)",
		"Console error: Uncaught TypeError: Cannot read properties of null",
	}.String()

	assert.Equal(t, []string{"#message-input", "style.css", "typeerror", "cannot"}, queryTerms(bundle))
	assert.Empty(t, queryTerms(""))
}

func TestSettle_EmptyResultEndsFailed(t *testing.T) {
	h := newHarness(t, &fakeGateway{files: goodFiles()})
	m := h.ex.Tasks()
	task := m.Add(tasks.CreateFile("backend", "app.py"))

	for i := 0; i <= tasks.DefaultMaxRetries; i++ {
		got, err := m.Next()
		require.NoError(t, err)
		h.ex.settle(got, "", nil)
		assert.NotEqual(t, tasks.StatusInProgress, task.Status)
	}

	assert.Equal(t, tasks.StatusFailed, task.Status)
	assert.Contains(t, task.Error, "empty result")
	assert.Equal(t, 0, m.Len())
}
