package llm

import (
	"context"
	"errors"
	"fmt"
	"time"

	"loopsmith/internal/logging"
	"loopsmith/internal/usage"
)

// Chain tries providers in order. The primary is retried with exponential
// backoff on quota errors only; every other provider gets one try.
type Chain struct {
	providers   []Provider
	maxRetries  int
	backoffBase time.Duration
	sleep       func(ctx context.Context, d time.Duration) error
	usage       *usage.Tracker
}

// ChainOption configures a Chain.
type ChainOption func(*Chain)

// WithMaxRetries sets how many times the primary is retried on quota errors.
func WithMaxRetries(n int) ChainOption { return func(c *Chain) { c.maxRetries = n } }

// WithBackoffBase sets the first backoff delay; later delays double.
func WithBackoffBase(d time.Duration) ChainOption { return func(c *Chain) { c.backoffBase = d } }

// WithSleep replaces the backoff sleeper.
func WithSleep(fn func(ctx context.Context, d time.Duration) error) ChainOption {
	return func(c *Chain) { c.sleep = fn }
}

// WithUsage records every call into tracker.
func WithUsage(tracker *usage.Tracker) ChainOption { return func(c *Chain) { c.usage = tracker } }

// NewChain builds a chain over providers (first is primary).
func NewChain(providers []Provider, opts ...ChainOption) *Chain {
	c := &Chain{
		providers:   providers,
		maxRetries:  3,
		backoffBase: 2 * time.Second,
		sleep:       sleepContext,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Backoff returns the delay before retry k (0-based): base * 2^k.
func (c *Chain) Backoff(k int) time.Duration {
	return c.backoffBase << uint(k)
}

// Providers returns the provider names in chain order.
func (c *Chain) Providers() []string {
	names := make([]string, len(c.providers))
	for i, p := range c.providers {
		names[i] = p.Name()
	}
	return names
}

// Generate runs req through the chain.
func (c *Chain) Generate(ctx context.Context, req Request) (*Response, error) {
	if len(c.providers) == 0 {
		return nil, fmt.Errorf("%w: no providers configured", ErrProvidersExhausted)
	}

	var errs []error
	for i, p := range c.providers {
		attempts := 1
		if i == 0 {
			attempts += c.maxRetries
		}

		for a := 0; a < attempts; a++ {
			if a > 0 {
				delay := c.Backoff(a - 1)
				logging.LLMWarn("%s quota exceeded, retry %d/%d in %v", p.Name(), a, c.maxRetries, delay)
				c.trackRetry()
				if err := c.sleep(ctx, delay); err != nil {
					return nil, err
				}
			}

			resp, err := p.Generate(ctx, req)
			c.track(p, req, resp, err)
			if err == nil {
				resp.Provider = p.Name()
				return resp, nil
			}
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}

			errs = append(errs, fmt.Errorf("%s: %w", p.Name(), err))
			if !IsQuota(err) {
				logging.LLMWarn("%s failed (%v), abandoning provider", p.Name(), err)
				break
			}
		}

		if i < len(c.providers)-1 {
			logging.LLM("falling over from %s to %s", p.Name(), c.providers[i+1].Name())
			if c.usage != nil {
				c.usage.Fallover()
			}
		}
	}

	if c.usage != nil {
		c.usage.Exhausted()
	}
	logging.LLMError("all providers failed for %s", req.Operation)
	return nil, fmt.Errorf("%w: %w", ErrProvidersExhausted, errors.Join(errs...))
}

func (c *Chain) trackRetry() {
	if c.usage != nil {
		c.usage.QuotaRetry()
	}
}

func (c *Chain) track(p Provider, req Request, resp *Response, err error) {
	if c.usage == nil {
		return
	}
	ev := usage.Event{
		Provider:    p.Name(),
		Operation:   req.Operation,
		PromptChars: len(req.System) + len(req.Prompt),
		Failed:      err != nil,
	}
	if resp != nil {
		ev.Model = resp.Model
		ev.OutputChars = len(resp.Text)
	}
	c.usage.Track(ev)
}
