// Package verification implements the three-layer check run after every deploy:
// build integrity, backend HTTP and the rendered frontend.
// Layers run in order and short-circuit: a failed layer stops the later ones.
package verification

import (
	"context"
	"net/http"
	"path/filepath"
	"time"

	"loopsmith/internal/config"
	"loopsmith/internal/logging"
)

// Layer names one verification layer.
type Layer string

const (
	LayerIntegrity Layer = "build_integrity"
	LayerBackend   Layer = "backend"
	LayerFrontend  Layer = "frontend"
)

// Options configures a Verifier.
type Options struct {
	Workspace      string
	MinFileSize    int
	MinFileSizes   map[string]int // by base name or relative path
	BaseURL        string
	ChatPath       string
	ChatMessage    string
	HTTPTimeout    time.Duration
	Selectors      []string
	InputSelector  string
	SubmitSelector string
}

// OptionsFromConfig builds verifier options for a workspace.
func OptionsFromConfig(cfg *config.Config, workspace string) Options {
	return Options{
		Workspace:      workspace,
		MinFileSize:    cfg.Verification.MinFileSize,
		MinFileSizes:   cfg.Verification.MinFileSizes,
		BaseURL:        cfg.Verification.BaseURL,
		ChatPath:       cfg.Verification.ChatPath,
		HTTPTimeout:    cfg.GetHTTPTimeout(),
		Selectors:      cfg.Verification.Selectors,
		InputSelector:  cfg.Verification.InputSelector,
		SubmitSelector: cfg.Verification.SubmitSelector,
	}
}

// LayerResult is the outcome of one layer.
type LayerResult struct {
	Layer    Layer         `json:"layer"`
	Ran      bool          `json:"ran"`
	Passed   bool          `json:"passed"`
	Errors   []string      `json:"errors,omitempty"`
	Duration time.Duration `json:"duration"`
}

// Report is the outcome of a full verification pass.
type Report struct {
	Passed bool          `json:"passed"`
	Layers []LayerResult `json:"layers"`
	Errors []string      `json:"errors,omitempty"`
}

// Layer returns the result for the named layer.
func (r *Report) Layer(l Layer) (LayerResult, bool) {
	for _, lr := range r.Layers {
		if lr.Layer == l {
			return lr, true
		}
	}
	return LayerResult{}, false
}

// Verifier runs the verification layers against a deployed workspace.
type Verifier struct {
	opts      Options
	client    *http.Client
	inspector Inspector
}

// New creates a verifier. A nil inspector disables the frontend layer.
func New(opts Options, inspector Inspector) *Verifier {
	if opts.HTTPTimeout <= 0 {
		opts.HTTPTimeout = 5 * time.Second
	}
	if opts.ChatPath == "" {
		opts.ChatPath = "/chat"
	}
	if opts.ChatMessage == "" {
		opts.ChatMessage = "test"
	}
	return &Verifier{
		opts:      opts,
		client:    &http.Client{Timeout: opts.HTTPTimeout},
		inspector: inspector,
	}
}

// RunAllVerifications runs every layer and returns the pass flag with the
// ordered error list.
func (v *Verifier) RunAllVerifications(ctx context.Context, requiredFiles []string) (bool, []string) {
	r := v.Verify(ctx, requiredFiles)
	return r.Passed, r.Errors
}

// Verify runs every layer and returns per-layer results.
func (v *Verifier) Verify(ctx context.Context, requiredFiles []string) *Report {
	timer := logging.StartTimer(logging.CategoryVerify, "Verify")
	defer timer.Stop()

	report := &Report{Passed: true}
	layers := []struct {
		layer Layer
		run   func(context.Context, []string) []string
	}{
		{LayerIntegrity, v.checkIntegrity},
		{LayerBackend, v.checkBackend},
		{LayerFrontend, v.checkFrontend},
	}

	for _, l := range layers {
		if !report.Passed {
			report.Layers = append(report.Layers, LayerResult{Layer: l.layer})
			continue
		}
		if err := ctx.Err(); err != nil {
			report.Passed = false
			report.Errors = append(report.Errors, "Verification cancelled: "+err.Error())
			report.Layers = append(report.Layers, LayerResult{Layer: l.layer})
			continue
		}

		start := time.Now()
		errs := l.run(ctx, requiredFiles)
		res := LayerResult{
			Layer:    l.layer,
			Ran:      true,
			Passed:   len(errs) == 0,
			Errors:   errs,
			Duration: time.Since(start),
		}
		report.Layers = append(report.Layers, res)
		if !res.Passed {
			report.Passed = false
			report.Errors = append(report.Errors, errs...)
			logging.Verify("%s failed with %d error(s)", l.layer, len(errs))
		} else {
			logging.VerifyDebug("%s passed in %v", l.layer, res.Duration)
		}
	}
	return report
}

func (v *Verifier) minSizeFor(path string) int {
	if n, ok := v.opts.MinFileSizes[path]; ok {
		return n
	}
	if n, ok := v.opts.MinFileSizes[filepath.Base(path)]; ok {
		return n
	}
	return v.opts.MinFileSize
}

// Close releases the inspector.
func (v *Verifier) Close() error {
	if v.inspector == nil {
		return nil
	}
	return v.inspector.Close()
}
