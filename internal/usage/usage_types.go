package usage

// UsageData represents the root structure stored in persistence.
type UsageData struct {
	Version   string          `json:"version"`
	Aggregate AggregatedStats `json:"aggregate"`
}

// AggregatedStats holds gateway counters broken down by various dimensions.
type AggregatedStats struct {
	Total        CallCounts            `json:"total"`
	ByProvider   map[string]CallCounts `json:"by_provider"`
	ByModel      map[string]CallCounts `json:"by_model"`
	ByOperation  map[string]CallCounts `json:"by_operation"` // code, decompose, analysis, research
	QuotaRetries int64                 `json:"quota_retries"`
	Fallovers    int64                 `json:"fallovers"`
	Exhausted    int64                 `json:"exhausted"`
}

// CallCounts holds call and character sums.
type CallCounts struct {
	Calls       int64 `json:"calls"`
	Failures    int64 `json:"failures"`
	PromptChars int64 `json:"prompt_chars"`
	OutputChars int64 `json:"output_chars"`
}

// Add records one call.
func (c *CallCounts) Add(promptChars, outputChars int, failed bool) {
	c.Calls++
	if failed {
		c.Failures++
	}
	c.PromptChars += int64(promptChars)
	c.OutputChars += int64(outputChars)
}
