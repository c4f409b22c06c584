package crawler

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/openonco/coverage-watch/internal/resilience"
)

// maxDocumentBytes bounds how much of a source document is read.
const maxDocumentBytes = 4 << 20

// FetchResult is the outcome of one conditional fetch.
type FetchResult struct {
	Body        []byte
	ETag        string
	NotModified bool
}

// Fetcher fetches source content with a cheap change check.
type Fetcher interface {
	// Fetch performs a conditional GET. When etag is non-empty it is
	// sent as If-None-Match; a 304 comes back as NotModified with no
	// body. The returned ETag is the current validator for the URL.
	Fetch(ctx context.Context, rawURL, etag string) (*FetchResult, error)
}

// adaptiveLimiter wraps a rate.Limiter that speeds up on success (20%
// per fetch, capped at 2x the initial rate) and halves on 429 (floored
// at a quarter of the initial rate).
type adaptiveLimiter struct {
	mu      sync.Mutex
	limiter *rate.Limiter
	current rate.Limit
	max     rate.Limit
	min     rate.Limit
}

func newAdaptiveLimiter(initial rate.Limit, burst int) *adaptiveLimiter {
	return &adaptiveLimiter{
		limiter: rate.NewLimiter(initial, burst),
		current: initial,
		max:     initial * 2,
		min:     initial / 4,
	}
}

func (a *adaptiveLimiter) Wait(ctx context.Context) error {
	return a.limiter.Wait(ctx)
}

func (a *adaptiveLimiter) OnSuccess() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.current = min(a.current*1.2, a.max)
	a.limiter.SetLimit(a.current)
}

func (a *adaptiveLimiter) OnRateLimit() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.current = max(a.current*0.5, a.min)
	a.limiter.SetLimit(a.current)
	zap.L().Warn("reducing per-host rate after 429", zap.Float64("new_rate", float64(a.current)))
}

// HTTPFetcher fetches over net/http with per-host politeness. Limiter
// state is owned by the instance: created with the pipeline, torn down
// with it, never a process-wide map.
type HTTPFetcher struct {
	client    *http.Client
	userAgent string
	hostRate  rate.Limit
	hostBurst int
	retry     resilience.RetryConfig

	mu       sync.Mutex
	limiters map[string]*adaptiveLimiter
}

// HTTPOptions configures an HTTPFetcher.
type HTTPOptions struct {
	UserAgent   string
	Timeout     time.Duration
	PerHostRate rate.Limit
	HostBurst   int
	Retry       resilience.RetryConfig
}

// NewHTTPFetcher builds a fetcher with per-host adaptive rate limiting.
func NewHTTPFetcher(opts HTTPOptions) *HTTPFetcher {
	if opts.Timeout == 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.UserAgent == "" {
		opts.UserAgent = "coverage-watch/1.0"
	}
	if opts.PerHostRate == 0 {
		opts.PerHostRate = 2
	}
	if opts.HostBurst == 0 {
		opts.HostBurst = 2
	}
	return &HTTPFetcher{
		client: &http.Client{
			Timeout: opts.Timeout,
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 4,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		userAgent: opts.UserAgent,
		hostRate:  opts.PerHostRate,
		hostBurst: opts.HostBurst,
		retry:     opts.Retry,
		limiters:  make(map[string]*adaptiveLimiter),
	}
}

func (f *HTTPFetcher) limiterFor(rawURL string) *adaptiveLimiter {
	host := ""
	if u, err := url.Parse(rawURL); err == nil {
		host = u.Host
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	lim, ok := f.limiters[host]
	if !ok {
		lim = newAdaptiveLimiter(f.hostRate, f.hostBurst)
		f.limiters[host] = lim
	}
	return lim
}

// Fetch implements Fetcher. Transient statuses are retried with backoff;
// 4xx responses other than 408/429 fail permanently.
func (f *HTTPFetcher) Fetch(ctx context.Context, rawURL, etag string) (*FetchResult, error) {
	lim := f.limiterFor(rawURL)

	return resilience.DoVal(ctx, f.retry, func(ctx context.Context) (*FetchResult, error) {
		if err := lim.Wait(ctx); err != nil {
			return nil, eris.Wrap(err, "rate limiter wait")
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
		if err != nil {
			return nil, resilience.PermanentSource(eris.Wrap(err, "create request"))
		}
		req.Header.Set("User-Agent", f.userAgent)
		if etag != "" {
			req.Header.Set("If-None-Match", etag)
		}

		resp, err := f.client.Do(req)
		if err != nil {
			return nil, resilience.TransientIO(eris.Wrapf(err, "fetch %s", rawURL), 0)
		}
		defer resp.Body.Close()

		switch {
		case resp.StatusCode == http.StatusNotModified:
			lim.OnSuccess()
			return &FetchResult{ETag: etag, NotModified: true}, nil
		case resp.StatusCode == http.StatusTooManyRequests:
			lim.OnRateLimit()
			return nil, resilience.TransientIO(eris.Errorf("http 429 from %s", rawURL), resp.StatusCode)
		case resilience.IsTransientHTTPStatus(resp.StatusCode):
			return nil, resilience.TransientIO(eris.Errorf("http %d from %s", resp.StatusCode, rawURL), resp.StatusCode)
		case resp.StatusCode != http.StatusOK:
			return nil, resilience.PermanentSource(eris.Errorf("http %d from %s", resp.StatusCode, rawURL))
		}

		body, err := io.ReadAll(io.LimitReader(resp.Body, maxDocumentBytes))
		if err != nil {
			return nil, resilience.TransientIO(eris.Wrapf(err, "read body from %s", rawURL), 0)
		}

		lim.OnSuccess()
		return &FetchResult{Body: body, ETag: resp.Header.Get("ETag")}, nil
	})
}
