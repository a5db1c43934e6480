package verification

import (
	"context"
	"errors"
	"fmt"

	"loopsmith/internal/config"
	"loopsmith/internal/logging"
)

// ErrBrowserUnavailable is returned when the headless browser cannot be launched.
var ErrBrowserUnavailable = errors.New("headless browser unavailable")

// InspectRequest describes one frontend inspection.
type InspectRequest struct {
	URL            string
	Selectors      []string
	InputSelector  string
	SubmitSelector string
	Message        string
}

// PageReport is what an Inspector observed on the page.
type PageReport struct {
	MissingSelectors []string
	ConsoleErrors    []string
	InteractionErr   string
}

// Inspector loads a page and reports missing elements, console errors and
// interaction failures.
type Inspector interface {
	Inspect(ctx context.Context, req InspectRequest) (*PageReport, error)
	Close() error
}

// NewInspector returns the browser inspector when enabled, with the static
// inspector as its fallback; otherwise the static inspector alone.
func NewInspector(cfg *config.Config) Inspector {
	static := NewStaticInspector(cfg.GetHTTPTimeout())
	if !cfg.Browser.Enabled {
		logging.Browser("Browser disabled; using static HTML inspector")
		return static
	}
	return NewRodInspector(RodOptions{
		Headless:          cfg.Browser.Headless,
		BinPath:           cfg.Browser.BinPath,
		NavigationTimeout: cfg.GetNavigationTimeout(),
		IdleWait:          cfg.GetIdleWait(),
	}, static)
}

// checkFrontend inspects the root page through the configured Inspector.
func (v *Verifier) checkFrontend(ctx context.Context, _ []string) []string {
	if v.inspector == nil {
		return nil
	}

	page, err := v.inspector.Inspect(ctx, InspectRequest{
		URL:            v.url("/"),
		Selectors:      v.opts.Selectors,
		InputSelector:  v.opts.InputSelector,
		SubmitSelector: v.opts.SubmitSelector,
		Message:        v.opts.ChatMessage,
	})
	if err != nil {
		return []string{fmt.Sprintf("Frontend check failed: %v", err)}
	}

	var errs []string
	for _, sel := range page.MissingSelectors {
		errs = append(errs, "Missing: "+sel)
	}
	for _, msg := range page.ConsoleErrors {
		errs = append(errs, "Console error: "+msg)
	}
	if page.InteractionErr != "" {
		errs = append(errs, "Interaction failed: "+page.InteractionErr)
	}
	return errs
}

// missingFrom returns the selectors not present according to has.
func missingFrom(selectors []string, has func(string) bool) []string {
	var missing []string
	for _, sel := range selectors {
		if !has(sel) {
			missing = append(missing, sel)
		}
	}
	return missing
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
