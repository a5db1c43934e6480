package verification

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"

	"loopsmith/internal/logging"
)

// RodOptions configures the headless browser inspector. IdleWait is how long
// the page must have no requests in flight to count as network idle.
type RodOptions struct {
	Headless          bool
	BinPath           string
	NavigationTimeout time.Duration
	IdleWait          time.Duration
}

// RodInspector drives a headless Chrome through go-rod. The browser is
// launched on first use and reused across attempts; each inspection gets
// its own incognito context.
type RodInspector struct {
	opts     RodOptions
	fallback Inspector

	mu          sync.Mutex
	launcher    *launcher.Launcher
	browser     *rod.Browser
	unavailable bool
}

// NewRodInspector creates a browser inspector. When the browser cannot be
// launched, inspections are delegated to fallback (if non-nil).
func NewRodInspector(opts RodOptions, fallback Inspector) *RodInspector {
	if opts.NavigationTimeout <= 0 {
		opts.NavigationTimeout = 10 * time.Second
	}
	if opts.IdleWait <= 0 {
		opts.IdleWait = 2 * time.Second
	}
	return &RodInspector{opts: opts, fallback: fallback}
}

func (r *RodInspector) ensureBrowser(ctx context.Context) (*rod.Browser, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.browser != nil {
		return r.browser, nil
	}
	if r.unavailable {
		return nil, ErrBrowserUnavailable
	}

	l := launcher.New().Headless(r.opts.Headless)
	if r.opts.BinPath != "" {
		l = l.Bin(r.opts.BinPath)
	}
	controlURL, err := l.Launch()
	if err != nil {
		r.unavailable = true
		logging.BrowserWarn("Failed to launch browser: %v", err)
		return nil, fmt.Errorf("%w: %v", ErrBrowserUnavailable, err)
	}

	browser := rod.New().ControlURL(controlURL).Context(ctx)
	if err := browser.Connect(); err != nil {
		l.Kill()
		r.unavailable = true
		logging.BrowserWarn("Failed to connect to browser: %v", err)
		return nil, fmt.Errorf("%w: %v", ErrBrowserUnavailable, err)
	}

	logging.Browser("Launched headless browser (headless=%v)", r.opts.Headless)
	r.launcher = l
	r.browser = browser
	return browser, nil
}

// Inspect loads req.URL, collects console errors, checks selectors and
// exercises the chat form.
func (r *RodInspector) Inspect(ctx context.Context, req InspectRequest) (*PageReport, error) {
	browser, err := r.ensureBrowser(ctx)
	if err != nil {
		if r.fallback != nil {
			logging.BrowserDebug("Delegating to fallback inspector: %v", err)
			return r.fallback.Inspect(ctx, req)
		}
		return nil, err
	}

	incognito, err := browser.Incognito()
	if err != nil {
		return nil, fmt.Errorf("failed to create incognito context: %w", err)
	}
	defer incognito.Close()

	page, err := incognito.Page(proto.TargetCreateTarget{})
	if err != nil {
		return nil, fmt.Errorf("failed to create page: %w", err)
	}
	defer page.Close()

	var (
		consoleMu sync.Mutex
		console   []string
		wg        sync.WaitGroup
	)
	record := func(msg string) {
		msg = strings.TrimSpace(msg)
		if msg == "" {
			return
		}
		consoleMu.Lock()
		console = append(console, msg)
		consoleMu.Unlock()
	}

	eventCtx, stopEvents := context.WithCancel(ctx)
	wait := page.Context(eventCtx).EachEvent(
		func(ev *proto.RuntimeConsoleAPICalled) {
			if ev.Type == proto.RuntimeConsoleAPICalledTypeError {
				record(stringifyConsoleArgs(ev.Args))
			}
		},
		func(ev *proto.RuntimeExceptionThrown) {
			if ev.ExceptionDetails == nil {
				return
			}
			msg := ev.ExceptionDetails.Text
			if ev.ExceptionDetails.Exception != nil && ev.ExceptionDetails.Exception.Description != "" {
				msg = ev.ExceptionDetails.Exception.Description
			}
			record(msg)
		},
	)
	wg.Add(1)
	go func() {
		defer wg.Done()
		wait()
	}()
	defer func() {
		stopEvents()
		wg.Wait()
	}()

	nav := page.Context(ctx).Timeout(r.opts.NavigationTimeout)
	defer nav.CancelTimeout()
	waitIdle := nav.WaitRequestIdle(r.opts.IdleWait, nil, nil, nil)
	if err := nav.Navigate(req.URL); err != nil {
		return nil, fmt.Errorf("navigation to %s failed: %w", req.URL, err)
	}
	if err := nav.WaitLoad(); err != nil {
		return nil, fmt.Errorf("page load failed: %w", err)
	}
	waitIdle()

	report := &PageReport{}
	report.MissingSelectors = missingFrom(req.Selectors, func(sel string) bool {
		ok, _, err := page.Context(ctx).Has(sel)
		return err == nil && ok
	})

	if req.InputSelector != "" && req.SubmitSelector != "" &&
		!contains(report.MissingSelectors, req.InputSelector) &&
		!contains(report.MissingSelectors, req.SubmitSelector) {
		if err := r.interact(ctx, page, req); err != nil {
			report.InteractionErr = err.Error()
		}
	}

	stopEvents()
	wg.Wait()
	consoleMu.Lock()
	report.ConsoleErrors = append(report.ConsoleErrors, console...)
	consoleMu.Unlock()

	logging.BrowserDebug("Inspected %s: missing=%d console=%d interaction=%q",
		req.URL, len(report.MissingSelectors), len(report.ConsoleErrors), report.InteractionErr)
	return report, nil
}

func (r *RodInspector) interact(ctx context.Context, page *rod.Page, req InspectRequest) error {
	p := page.Context(ctx).Timeout(r.opts.NavigationTimeout)
	defer p.CancelTimeout()

	input, err := p.Element(req.InputSelector)
	if err != nil {
		return fmt.Errorf("input %s: %w", req.InputSelector, err)
	}
	if err := input.Input(req.Message); err != nil {
		return fmt.Errorf("typing into %s: %w", req.InputSelector, err)
	}
	submit, err := p.Element(req.SubmitSelector)
	if err != nil {
		return fmt.Errorf("submit %s: %w", req.SubmitSelector, err)
	}
	waitIdle := p.WaitRequestIdle(r.opts.IdleWait, nil, nil, nil)
	if err := submit.Click(proto.InputMouseButtonLeft, 1); err != nil {
		return fmt.Errorf("clicking %s: %w", req.SubmitSelector, err)
	}
	waitIdle()
	return nil
}

// Close shuts the browser down and kills the launched process.
func (r *RodInspector) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var err error
	if r.browser != nil {
		err = r.browser.Close()
		r.browser = nil
	}
	if r.launcher != nil {
		r.launcher.Kill()
		r.launcher = nil
	}
	if r.fallback != nil {
		if ferr := r.fallback.Close(); err == nil {
			err = ferr
		}
	}
	return err
}

func stringifyConsoleArgs(args []*proto.RuntimeRemoteObject) string {
	parts := make([]string, 0, len(args))
	for _, a := range args {
		if a == nil {
			continue
		}
		if !a.Value.Nil() {
			parts = append(parts, a.Value.String())
			continue
		}
		if a.Description != "" {
			parts = append(parts, a.Description)
		}
	}
	return strings.Join(parts, " ")
}
