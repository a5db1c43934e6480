package verification

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

func (v *Verifier) url(path string) string {
	return strings.TrimRight(v.opts.BaseURL, "/") + "/" + strings.TrimLeft(path, "/")
}

// checkBackend probes GET / and POST <chat path>.
func (v *Verifier) checkBackend(ctx context.Context, _ []string) []string {
	var errs []string

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, v.url("/"), nil)
	if err != nil {
		return []string{fmt.Sprintf("Backend GET / failed: %v", err)}
	}
	resp, err := v.client.Do(req)
	if err != nil {
		// Nothing is listening; the chat probe would fail the same way.
		return []string{fmt.Sprintf("Backend GET / failed: %v", err)}
	}
	drain(resp)
	if resp.StatusCode != http.StatusOK {
		errs = append(errs, fmt.Sprintf("Backend GET / failed: status %d", resp.StatusCode))
	}

	body, err := json.Marshal(map[string]string{"message": v.opts.ChatMessage})
	if err != nil {
		return append(errs, fmt.Sprintf("Backend POST %s failed: %v", v.opts.ChatPath, err))
	}
	req, err = http.NewRequestWithContext(ctx, http.MethodPost, v.url(v.opts.ChatPath), bytes.NewReader(body))
	if err != nil {
		return append(errs, fmt.Sprintf("Backend POST %s failed: %v", v.opts.ChatPath, err))
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err = v.client.Do(req)
	if err != nil {
		return append(errs, fmt.Sprintf("Backend POST %s failed: %v", v.opts.ChatPath, err))
	}
	drain(resp)
	if resp.StatusCode != http.StatusOK {
		errs = append(errs, fmt.Sprintf("Backend POST %s returned status %d", v.opts.ChatPath, resp.StatusCode))
	}
	return errs
}

func drain(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<20))
	resp.Body.Close()
}
