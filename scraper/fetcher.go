package scraper

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"net"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gocolly/colly/v2"
	"golang.org/x/time/rate"

	"github.com/aluiziolira/go-scrape-products/config"
)

const bodyPrefixLen = 256

// Request describes one fetch. Params are encoded into the query string.
type Request struct {
	URL        string
	Params     map[string]string
	Headers    map[string]string
	Cookies    map[string]string
	ExpectJSON bool
	// Phase labels the request in metrics, usually the work unit kind.
	Phase string
}

// Response is a successful fetch.
type Response struct {
	URL        string
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Fetcher retrieves raw content for a URL.
type Fetcher interface {
	Fetch(ctx context.Context, req Request) (*Response, error)
}

// CollyFetcher fetches through a colly collector with a shared politeness
// limiter and retries transient failures with exponential backoff.
type CollyFetcher struct {
	cfg       *config.Config
	collector *colly.Collector
	limiter   *rate.Limiter
	metrics   *Metrics

	requestCount atomic.Int64
	retryCount   atomic.Int64
}

// NewCollyFetcher builds a fetcher configured from cfg.
func NewCollyFetcher(cfg *config.Config, metrics *Metrics) (*CollyFetcher, error) {
	collector := colly.NewCollector(
		colly.UserAgent(cfg.UserAgent),
		colly.AllowURLRevisit(),
	)
	collector.ParseHTTPErrorResponse = true
	collector.SetRequestTimeout(cfg.Timeout)
	collector.IgnoreRobotsTxt = !cfg.RespectRobotsTxt
	collector.WithTransport(&http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   cfg.Timeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:        100,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
	})

	if err := collector.Limit(&colly.LimitRule{
		DomainGlob:  "*",
		Parallelism: cfg.Parallelism,
		RandomDelay: cfg.RandomDelay,
	}); err != nil {
		return nil, fmt.Errorf("configure rate limits: %w", err)
	}

	limit := rate.Inf
	if cfg.Delay > 0 {
		limit = rate.Every(cfg.Delay)
	}

	return &CollyFetcher{
		cfg:       cfg,
		collector: collector,
		limiter:   rate.NewLimiter(limit, 1),
		metrics:   metrics,
	}, nil
}

// WithTransport replaces the HTTP transport, shared by every fetch.
func (f *CollyFetcher) WithTransport(rt http.RoundTripper) {
	f.collector.WithTransport(rt)
}

// Requests returns the number of HTTP attempts made.
func (f *CollyFetcher) Requests() int {
	return int(f.requestCount.Load())
}

// Retries returns the number of retries scheduled.
func (f *CollyFetcher) Retries() int {
	return int(f.retryCount.Load())
}

// Fetch retrieves req.URL. Transient failures are retried up to MaxRetries
// times; the final failure is a *FetchError. Cancelling ctx stops waiting
// for the limiter and for backoff, but an attempt already on the wire runs
// until it completes or times out.
func (f *CollyFetcher) Fetch(ctx context.Context, req Request) (*Response, error) {
	target, err := encodeURL(req.URL, req.Params)
	if err != nil {
		return nil, &FetchError{URL: req.URL, Err: ErrStatus{Err: err}}
	}

	for attempt := 0; ; attempt++ {
		if err := f.limiter.Wait(ctx); err != nil {
			return nil, &FetchError{URL: target, Err: err}
		}

		resp, err := f.attempt(target, req)
		if err == nil {
			return resp, nil
		}

		fe := &FetchError{URL: target, Err: err}
		if resp != nil {
			fe.StatusCode = resp.StatusCode
			fe.BodyPrefix = prefix(resp.Body)
		}
		label := errorTypeLabel(err)
		f.metrics.IncError(label)

		if !IsTransient(err) || attempt >= f.cfg.MaxRetries || ctx.Err() != nil {
			return nil, fe
		}

		f.retryCount.Add(1)
		f.metrics.IncRetries()
		delay := backoff(f.cfg.RetryBackoff, f.cfg.RetryBackoffMax, attempt+1)
		slog.Debug("retrying request",
			slog.String("url", target),
			slog.String("category", label),
			slog.Int("attempt", attempt+1),
			slog.Duration("delay", delay),
		)
		if err := sleep(ctx, delay); err != nil {
			return nil, fe
		}
	}
}

func (f *CollyFetcher) attempt(target string, req Request) (*Response, error) {
	c := f.collector.Clone()

	var (
		resp     *Response
		start    time.Time
		visitErr error
	)
	c.OnRequest(func(r *colly.Request) {
		start = time.Now()
		f.requestCount.Add(1)
		f.metrics.IncRequest(req.Phase)
		if f.cfg.Accept != "" {
			r.Headers.Set("Accept", f.cfg.Accept)
		}
		for k, v := range f.cfg.Headers {
			r.Headers.Set(k, v)
		}
		for k, v := range req.Headers {
			r.Headers.Set(k, v)
		}
		if cookie := cookieHeader(f.cfg.Cookies, req.Cookies); cookie != "" {
			r.Headers.Set("Cookie", cookie)
		}
	})
	c.OnResponse(func(r *colly.Response) {
		f.metrics.ObserveDuration(time.Since(start))
		header := http.Header{}
		if r.Headers != nil {
			header = r.Headers.Clone()
		}
		resp = &Response{
			URL:        r.Request.URL.String(),
			StatusCode: r.StatusCode,
			Header:     header,
			Body:       r.Body,
		}
	})
	c.OnError(func(r *colly.Response, err error) {
		visitErr = err
		if r != nil && r.StatusCode != 0 {
			resp = &Response{URL: target, StatusCode: r.StatusCode, Body: r.Body}
		}
	})

	err := c.Visit(target)
	if err == nil {
		err = visitErr
	}
	status := 0
	if resp != nil {
		status = resp.StatusCode
	}
	if classified := classifyError(err, status); classified != nil {
		return resp, classified
	}
	if resp == nil {
		return nil, ErrConnection{Err: errors.New("no response")}
	}
	if req.ExpectJSON && !json.Valid(resp.Body) {
		return resp, ErrMalformedBody{Err: errors.New("response is not valid JSON")}
	}
	return resp, nil
}

// backoff returns base * 2^(attempt-1), capped at limit when limit is set.
func backoff(base, limit time.Duration, attempt int) time.Duration {
	if attempt <= 0 {
		attempt = 1
	}
	if base <= 0 {
		base = 100 * time.Millisecond
	}

	delay := base * time.Duration(1<<(attempt-1))
	if limit > 0 && delay > limit {
		delay = limit
	}
	return delay
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func encodeURL(raw string, params map[string]string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("parse url: %w", err)
	}
	if u.Host == "" {
		return "", fmt.Errorf("url %q has no host", raw)
	}
	if len(params) == 0 {
		return u.String(), nil
	}
	q := u.Query()
	for k, v := range params {
		q.Set(k, v)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func cookieHeader(sets ...map[string]string) string {
	merged := map[string]string{}
	for _, s := range sets {
		maps.Copy(merged, s)
	}
	if len(merged) == 0 {
		return ""
	}
	parts := make([]string, 0, len(merged))
	for _, name := range slices.Sorted(maps.Keys(merged)) {
		parts = append(parts, (&http.Cookie{Name: name, Value: merged[name]}).String())
	}
	return strings.Join(parts, "; ")
}

func prefix(body []byte) string {
	if len(body) > bodyPrefixLen {
		body = body[:bodyPrefixLen]
	}
	return string(body)
}
