package scraper

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"github.com/jarcoal/httpmock"

	"github.com/aluiziolira/go-scrape-products/config"
)

func TestClassifyError(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		statusCode int
		expected   string
	}{
		{name: "nil", err: nil, statusCode: 0, expected: "unknown"},
		{name: "ok status", err: nil, statusCode: http.StatusOK, expected: "unknown"},
		{name: "context timeout", err: context.DeadlineExceeded, statusCode: 0, expected: "timeout"},
		{name: "net timeout", err: &net.DNSError{IsTimeout: true}, statusCode: 0, expected: "timeout"},
		{name: "connection", err: &net.OpError{Op: "dial", Net: "tcp", Err: errors.New("connection refused")}, statusCode: 0, expected: "connection"},
		{name: "forbidden", err: nil, statusCode: http.StatusForbidden, expected: "forbidden"},
		{name: "not found", err: nil, statusCode: http.StatusNotFound, expected: "not_found"},
		{name: "rate limited", err: nil, statusCode: http.StatusTooManyRequests, expected: "rate_limited"},
		{name: "server", err: nil, statusCode: http.StatusServiceUnavailable, expected: "server"},
		{name: "bad gateway", err: nil, statusCode: http.StatusBadGateway, expected: "server"},
		{name: "other status", err: nil, statusCode: http.StatusGone, expected: "status"},
		{name: "canceled", err: context.Canceled, statusCode: 0, expected: "canceled"},
		{name: "transport", err: errors.New("connection reset by peer"), statusCode: 0, expected: "connection"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := errorTypeLabel(classifyError(tt.err, tt.statusCode)); got != tt.expected {
				t.Fatalf("classifyError(%v, %d) = %q, want %q", tt.err, tt.statusCode, got, tt.expected)
			}
		})
	}
}

func TestIsTransient(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{err: nil, want: false},
		{err: &FetchError{Err: ErrServer{Err: errors.New("503")}}, want: true},
		{err: &FetchError{Err: ErrRateLimited{Err: errors.New("429")}}, want: true},
		{err: ErrTimeout{Err: context.DeadlineExceeded}, want: true},
		{err: ErrConnection{Err: errors.New("reset")}, want: true},
		{err: &FetchError{Err: ErrNotFound{Err: errors.New("404")}}, want: false},
		{err: ErrForbidden{Err: errors.New("403")}, want: false},
		{err: ErrMalformedBody{Err: errors.New("bad json")}, want: false},
	}

	for _, tt := range tests {
		if got := IsTransient(tt.err); got != tt.want {
			t.Errorf("IsTransient(%v) = %v, want %v", tt.err, got, tt.want)
		}
	}
}

func TestBackoffCapped(t *testing.T) {
	base := 200 * time.Millisecond
	limit := 500 * time.Millisecond

	if got := backoff(base, limit, 1); got != base {
		t.Fatalf("first delay = %v, want %v", got, base)
	}
	if got := backoff(base, limit, 2); got != 400*time.Millisecond {
		t.Fatalf("second delay = %v, want 400ms", got)
	}
	if got := backoff(base, limit, 4); got != limit {
		t.Fatalf("delay %v should be capped at %v", got, limit)
	}
}

func newTestFetcher(t *testing.T) (*CollyFetcher, *httpmock.MockTransport, *config.Config) {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Delay = 0
	cfg.Parallelism = 1
	cfg.MaxRetries = 2
	cfg.RetryBackoff = time.Millisecond
	cfg.RetryBackoffMax = 5 * time.Millisecond
	cfg.Timeout = 5 * time.Second

	f, err := NewCollyFetcher(cfg, NewMetrics())
	if err != nil {
		t.Fatalf("new fetcher: %v", err)
	}
	transport := httpmock.NewMockTransport()
	f.WithTransport(transport)
	return f, transport, cfg
}

func TestFetcherHTTPStatusClassification(t *testing.T) {
	tests := []struct {
		status   int
		expected string
		attempts int
	}{
		{status: http.StatusTooManyRequests, expected: "rate_limited", attempts: 3},
		{status: http.StatusServiceUnavailable, expected: "server", attempts: 3},
		{status: http.StatusForbidden, expected: "forbidden", attempts: 1},
		{status: http.StatusNotFound, expected: "not_found", attempts: 1},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("status_%d", tt.status), func(t *testing.T) {
			f, transport, _ := newTestFetcher(t)
			target := "http://example.test/items"
			transport.RegisterResponder("GET", target, httpmock.NewStringResponder(tt.status, "nope"))

			_, err := f.Fetch(context.Background(), Request{URL: target})
			var fe *FetchError
			if !errors.As(err, &fe) {
				t.Fatalf("expected *FetchError, got %v", err)
			}
			if fe.StatusCode != tt.status || fe.BodyPrefix != "nope" {
				t.Fatalf("unexpected fetch error fields: %+v", fe)
			}
			if got := errorTypeLabel(err); got != tt.expected {
				t.Fatalf("label = %q, want %q", got, tt.expected)
			}
			if got := transport.GetTotalCallCount(); got != tt.attempts {
				t.Fatalf("attempts = %d, want %d", got, tt.attempts)
			}
		})
	}
}

func TestFetcherRetriesTransientThenSucceeds(t *testing.T) {
	f, transport, _ := newTestFetcher(t)
	target := "http://example.test/api"

	calls := 0
	transport.RegisterResponder("GET", target, func(*http.Request) (*http.Response, error) {
		calls++
		if calls == 1 {
			return httpmock.NewStringResponse(http.StatusServiceUnavailable, "busy"), nil
		}
		return httpmock.NewStringResponse(http.StatusOK, `{"ok":true}`), nil
	})

	resp, err := f.Fetch(context.Background(), Request{URL: target, ExpectJSON: true})
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if string(resp.Body) != `{"ok":true}` {
		t.Fatalf("body = %q", resp.Body)
	}
	if f.Retries() != 1 || f.Requests() != 2 {
		t.Fatalf("retries=%d requests=%d, want 1 and 2", f.Retries(), f.Requests())
	}
}

func TestFetcherConnectionFailureExhaustsRetries(t *testing.T) {
	f, transport, cfg := newTestFetcher(t)
	target := "http://example.test/down"
	transport.RegisterResponder("GET", target, httpmock.NewErrorResponder(errors.New("connection reset by peer")))

	_, err := f.Fetch(context.Background(), Request{URL: target})
	var conn ErrConnection
	if !errors.As(err, &conn) {
		t.Fatalf("expected ErrConnection, got %v", err)
	}
	if got := transport.GetTotalCallCount(); got != cfg.MaxRetries+1 {
		t.Fatalf("attempts = %d, want %d", got, cfg.MaxRetries+1)
	}
	if f.Retries() != cfg.MaxRetries {
		t.Fatalf("retries = %d, want %d", f.Retries(), cfg.MaxRetries)
	}
}

func TestFetcherMalformedJSONIsPermanent(t *testing.T) {
	f, transport, _ := newTestFetcher(t)
	target := "http://example.test/api"
	transport.RegisterResponder("GET", target, httpmock.NewStringResponder(http.StatusOK, "<html>maintenance</html>"))

	_, err := f.Fetch(context.Background(), Request{URL: target, ExpectJSON: true})
	var malformed ErrMalformedBody
	if !errors.As(err, &malformed) {
		t.Fatalf("expected ErrMalformedBody, got %v", err)
	}
	if transport.GetTotalCallCount() != 1 {
		t.Fatalf("malformed body must not be retried")
	}
}

func TestFetcherSendsParamsHeadersAndCookies(t *testing.T) {
	f, transport, cfg := newTestFetcher(t)
	cfg.Headers = map[string]string{"X-Client": "crawler"}
	cfg.Cookies = map[string]string{"session": "abc"}

	var got *http.Request
	transport.RegisterResponderWithQuery("GET", "http://example.test/search", "page=2&q=phone",
		func(req *http.Request) (*http.Response, error) {
			got = req
			return httpmock.NewStringResponse(http.StatusOK, "ok"), nil
		})

	_, err := f.Fetch(context.Background(), Request{
		URL:     "http://example.test/search",
		Params:  map[string]string{"q": "phone", "page": "2"},
		Headers: map[string]string{"Referer": "http://example.test/"},
		Cookies: map[string]string{"lang": "fa"},
	})
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if got == nil {
		t.Fatalf("responder was not called")
	}
	if got.Header.Get("X-Client") != "crawler" || got.Header.Get("Referer") != "http://example.test/" {
		t.Fatalf("headers not sent: %v", got.Header)
	}
	if got.Header.Get("Cookie") != "lang=fa; session=abc" {
		t.Fatalf("cookie = %q", got.Header.Get("Cookie"))
	}
	if got.Header.Get("User-Agent") != cfg.UserAgent {
		t.Fatalf("user agent = %q", got.Header.Get("User-Agent"))
	}
}

func TestFetcherStopsOnCanceledContext(t *testing.T) {
	f, transport, _ := newTestFetcher(t)
	transport.RegisterResponder("GET", "http://example.test/x", httpmock.NewStringResponder(http.StatusOK, "ok"))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := f.Fetch(ctx, Request{URL: "http://example.test/x"}); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if transport.GetTotalCallCount() != 0 {
		t.Fatalf("no request should be sent after cancel")
	}
}

func TestDeduplicatorMarkNew(t *testing.T) {
	d, err := NewDeduplicator(16)
	if err != nil {
		t.Fatalf("new deduplicator: %v", err)
	}
	if !d.MarkNew("1") {
		t.Fatalf("first sighting should be new")
	}
	if d.MarkNew("1") {
		t.Fatalf("second sighting should be a duplicate")
	}
	d.MarkSeen("2")
	if !d.Seen("2") || d.Len() != 2 {
		t.Fatalf("seen=%v len=%d", d.Seen("2"), d.Len())
	}
	if _, err := NewDeduplicator(0); err == nil {
		t.Fatalf("expected error for zero size")
	}
}

func TestLedgerSaveLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out", "failed_urls.txt")

	l := NewFailureLedger()
	l.Record("https://shop.test/a", errors.New("boom"))
	l.Record("https://shop.test/b", nil)
	l.Record("https://shop.test/a", errors.New("again"))
	l.Record("  ", nil)

	if l.Len() != 2 {
		t.Fatalf("len = %d, want 2", l.Len())
	}
	if l.Records()[0].Reason != "boom" {
		t.Fatalf("first reason should be kept: %+v", l.Records()[0])
	}
	if err := l.Save(path); err != nil {
		t.Fatalf("save: %v", err)
	}

	urls, err := LoadLedger(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(urls) != 2 || urls[0] != "https://shop.test/a" || urls[1] != "https://shop.test/b" {
		t.Fatalf("urls = %v", urls)
	}

	if _, err := LoadLedger(filepath.Join(t.TempDir(), "missing.txt")); err == nil {
		t.Fatalf("expected error for missing ledger")
	}
}

func BenchmarkDeduplicatorMarkNew(b *testing.B) {
	d, err := NewDeduplicator(1_000_000)
	if err != nil {
		b.Fatalf("new deduplicator: %v", err)
	}
	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		d.MarkNew(fmt.Sprintf("item-%d", i%500_000))
	}
}
