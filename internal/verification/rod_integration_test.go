//go:build integration

package verification

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRodInspector_ConsoleErrorsAndInteraction(t *testing.T) {
	page := `<html><body>
  <div id="chat-container"><form id="message-form" onsubmit="event.preventDefault()">
    <input id="message-input"><button type="submit">Send</button>
  </form></div>
  <script>console.error("boom")</script>
</body></html>`
	srv := newService(t, page, http.StatusOK)

	insp := NewRodInspector(RodOptions{Headless: true, NavigationTimeout: 20 * time.Second, IdleWait: time.Second}, nil)
	defer insp.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	report, err := insp.Inspect(ctx, InspectRequest{
		URL:            srv.URL + "/",
		Selectors:      selectors,
		InputSelector:  "#message-input",
		SubmitSelector: `button[type="submit"]`,
		Message:        "test",
	})
	require.NoError(t, err)
	assert.Empty(t, report.MissingSelectors)
	assert.Empty(t, report.InteractionErr)
	assert.Contains(t, report.ConsoleErrors, "boom")
}

func TestRodInspector_WaitsForSlowRequests(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte(`<html><body><div id="chat-container"></div>
  <script>fetch("/slow").then(r => r.text()).then(t => console.error(t))</script>
</body></html>`))
	})
	mux.HandleFunc("/slow", func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(1500 * time.Millisecond)
		_, _ = w.Write([]byte("late failure"))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	insp := NewRodInspector(RodOptions{Headless: true, NavigationTimeout: 20 * time.Second, IdleWait: 300 * time.Millisecond}, nil)
	defer insp.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	report, err := insp.Inspect(ctx, InspectRequest{URL: srv.URL + "/", Selectors: []string{"#chat-container"}})
	require.NoError(t, err)
	assert.Contains(t, report.ConsoleErrors, "late failure")
}
