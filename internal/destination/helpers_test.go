package destination

import (
	"encoding/json"
	"io"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"eventrelay/internal/domain"
	"eventrelay/internal/retry"
)

// fastRetry keeps the network allow-list but removes the waiting.
var fastRetry = retry.Options{
	MaxAttempts:     3,
	BaseDelay:       time.Millisecond,
	MaxDelay:        5 * time.Millisecond,
	BackoffFactor:   2,
	RetryableErrors: retry.NetworkErrors,
}

func testOptions(baseURL string) Options {
	return Options{BaseURL: baseURL, Retry: fastRetry, Logger: zerolog.Nop()}
}

type recorded struct {
	Method string
	Path   string
	Query  string
	Header http.Header
	Body   map[string]any
}

// recorder captures requests and answers with the configured status/body.
type recorder struct {
	mu       sync.Mutex
	requests []recorded
	status   int
	body     string
}

func (rec *recorder) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	raw, _ := io.ReadAll(r.Body)
	var body map[string]any
	_ = json.Unmarshal(raw, &body)

	rec.mu.Lock()
	rec.requests = append(rec.requests, recorded{
		Method: r.Method, Path: r.URL.Path, Query: r.URL.RawQuery, Header: r.Header.Clone(), Body: body,
	})
	status, respBody := rec.status, rec.body
	rec.mu.Unlock()

	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	_, _ = io.WriteString(w, respBody)
}

func (rec *recorder) calls() []recorded {
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return append([]recorded(nil), rec.requests...)
}

// dropFirst closes the connection without a response for the first n
// requests, then delegates to next.
func dropFirst(t *testing.T, n int, next http.Handler) http.Handler {
	var mu sync.Mutex
	seen := 0
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		seen++
		drop := seen <= n
		mu.Unlock()
		if drop {
			hj, ok := w.(http.Hijacker)
			if !ok {
				t.Fatalf("expected hijackable response writer")
			}
			conn, _, err := hj.Hijack()
			if err != nil {
				t.Fatalf("hijack: %v", err)
			}
			_ = conn.Close()
			return
		}
		next.ServeHTTP(w, r)
	})
}

func orderEvent() domain.Event {
	e := domain.NewEvent(domain.OrderPlaced, "demo.myshopify.com",
		domain.WithOrderID("450789469"),
		domain.WithCustomerID("207119551"),
		domain.WithUserID("207119551"),
		domain.WithProperties(map[string]any{
			"total_price": "598.94",
			"currency":    "USD",
			"email":       "  Bob.Norman@Example.com ",
			"line_items":  []any{map[string]any{"product_id": 632910392, "quantity": 1}},
		}),
		domain.WithContext(domain.EventContext{
			IP:        "203.0.113.9",
			UserAgent: "Mozilla/5.0",
			Page:      &domain.PageContext{URL: "https://demo.myshopify.com/checkout"},
		}),
	)
	return e
}
