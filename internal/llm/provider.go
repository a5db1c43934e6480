// Package llm implements the resilient LLM gateway: a provider chain with
// quota backoff and fallover, a two-model router and the structured
// operations used by the build-fix loop.
package llm

import (
	"context"
	"errors"
	"strings"
)

// Tier selects between a provider's cheap and strong model.
type Tier int

const (
	TierFast Tier = iota
	TierStrong
)

func (t Tier) String() string {
	if t == TierStrong {
		return "strong"
	}
	return "fast"
}

// Request is one provider call.
type Request struct {
	System      string
	Prompt      string
	Tier        Tier
	Temperature float32
	JSON        bool // ask for application/json output
	Search      bool // enable grounded web search where supported
	Operation   string
}

// Response is the text a provider returned.
type Response struct {
	Text     string
	Sources  []string
	Provider string
	Model    string
}

// Provider is one LLM backend in the chain.
type Provider interface {
	Name() string
	Generate(ctx context.Context, req Request) (*Response, error)
}

// Sentinel errors.
var (
	// ErrQuota marks a rate-limit/quota failure. Only these are retried.
	ErrQuota = errors.New("provider quota exceeded")
	// ErrProvidersExhausted is returned when every provider in the chain failed.
	ErrProvidersExhausted = errors.New("all LLM providers failed")
)

// IsQuota reports whether err is a quota failure.
func IsQuota(err error) bool {
	return errors.Is(err, ErrQuota)
}

// looksLikeQuota classifies provider error text that does not carry a typed code.
func looksLikeQuota(msg string) bool {
	m := strings.ToLower(msg)
	return strings.Contains(m, "429") ||
		strings.Contains(m, "resource_exhausted") ||
		strings.Contains(m, "rate limit") ||
		strings.Contains(m, "too many requests") ||
		strings.Contains(m, "quota")
}
