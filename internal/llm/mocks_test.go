package llm

import (
	"context"
	"sync"
)

// scriptedProvider returns queued results in order, repeating the last one.
type scriptedProvider struct {
	mu       sync.Mutex
	name     string
	results  []scriptedResult
	calls    int
	requests []Request
}

type scriptedResult struct {
	text string
	err  error
}

func (p *scriptedProvider) Name() string { return p.name }

func (p *scriptedProvider) Generate(_ context.Context, req Request) (*Response, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.requests = append(p.requests, req)
	i := p.calls
	if i >= len(p.results) {
		i = len(p.results) - 1
	}
	p.calls++
	r := p.results[i]
	if r.err != nil {
		return nil, r.err
	}
	return &Response{Text: r.text, Model: p.name + "-model"}, nil
}

// generatorFunc adapts a function to Generator.
type generatorFunc func(ctx context.Context, req Request) (*Response, error)

func (f generatorFunc) Generate(ctx context.Context, req Request) (*Response, error) { return f(ctx, req) }
