// Package fetch implements the paginated REST fetcher: bounded-concurrency
// wave-based page fetching with retry/backoff and short-page/empty/hard-
// error termination (spec.md §4.1). Grounded on
// other_examples/6246e0cd_Sternrassler-eve-esi-client's batch_fetcher.go
// (worker-pool page fetch, ordered result collection) and
// other_examples/2fe06954_Onegaishimas-autogrc's servicenow/pagination.go
// (offset-pagination loop, exponential backoff, short-page termination),
// generalized to the LimitOffset/PageNumber pair spec.md names and wired to
// internal/apierr kinds instead of a generic error return.
package fetch

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Ramsey-B/apitap/internal/apierr"
	"github.com/Ramsey-B/apitap/internal/config"
	"github.com/Ramsey-B/apitap/internal/httpclient"
	"github.com/Ramsey-B/apitap/internal/logging"
	"github.com/Ramsey-B/apitap/internal/qtemplate"
	itracing "github.com/Ramsey-B/apitap/internal/tracing"
)

// Record is one decoded JSON object extracted from a response page.
type Record = map[string]any

// Opts are the process-wide fetch defaults the orchestrator passes per
// spec.md §4.5 step 7: FetchOpts{concurrency=5, default_page_size=50,
// fetch_batch_size=256}.
type Opts struct {
	Concurrency     int
	DefaultPageSize int
	FetchBatchSize  int
}

// Request is everything the fetcher needs to drive one module's paginated
// GET sequence.
type Request struct {
	URL         string
	Headers     map[string]string
	DataPath    string
	ExtraParams []config.KV
	Pagination  config.Pagination
	Retry       config.Retry
}

// Stats accumulates the per-run counters spec.md §3 names. Fields are
// updated with atomic ops while the run is in flight; read Stats() only
// after Wait() returns.
type Stats struct {
	TotalItems   int64
	PagesFetched int64
	Retries      int64
	ElapsedMs    int64
}

// Result is a running fetch: a bounded record channel plus completion
// signaling, mirroring the "lazy record sequence plus FetchStats" output
// spec.md §4.1 describes.
type Result struct {
	Records <-chan Record

	stats   Stats
	done    chan struct{}
	err     error
	errOnce sync.Once
}

// Stats returns a snapshot of the run's counters. Only meaningful after
// Wait() has returned.
func (r *Result) Stats() Stats {
	return Stats{
		TotalItems:   atomic.LoadInt64(&r.stats.TotalItems),
		PagesFetched: atomic.LoadInt64(&r.stats.PagesFetched),
		Retries:      atomic.LoadInt64(&r.stats.Retries),
		ElapsedMs:    atomic.LoadInt64(&r.stats.ElapsedMs),
	}
}

// Wait blocks until the fetch completes and returns its terminal error, if
// any. Safe to call once the Records channel has been fully drained or
// concurrently with draining it.
func (r *Result) Wait() error {
	<-r.done
	return r.err
}

// Fetcher drives paginated GETs against a single source.
type Fetcher struct {
	client *httpclient.Client
	logger logging.Logger
}

// New builds a Fetcher over an already-constructed HTTP client (the
// orchestrator builds one client per run; the run's headers travel in
// Request.Headers and are set on every page request).
func New(client *httpclient.Client, logger logging.Logger) *Fetcher {
	return &Fetcher{client: client, logger: logger}
}

// Run starts the paginated fetch and returns immediately with a Result
// whose Records channel streams decoded records in page order.
func (f *Fetcher) Run(ctx context.Context, req Request, opts Opts) (*Result, error) {
	pageSize := opts.DefaultPageSize
	if pageSize <= 0 {
		return nil, apierr.Config("default_page_size must be positive, got %d", pageSize)
	}

	result := &Result{done: make(chan struct{})}

	switch req.Pagination.Type {
	case config.PaginationLimitOffset, config.PaginationPageNumber:
		ch := make(chan Record, opts.FetchBatchSize)
		result.Records = ch
		go f.run(ctx, req, opts, pageSize, ch, result)
		return result, nil

	case config.PaginationPageOnly, config.PaginationCursor:
		// Reserved strategies: accepted by configuration, never executed.
		// spec.md §9 Non-goals; SPEC_FULL.md §5.1 "silent no-op, log a
		// warning" resolution of the open question.
		f.logger.Warnf("pagination type %q is reserved and not executed; fetch will yield zero records", req.Pagination.Type)
		ch := make(chan Record)
		close(ch)
		result.Records = ch
		close(result.done)
		return result, nil

	default:
		return nil, apierr.Config("unknown pagination type %q", req.Pagination.Type)
	}
}

func (f *Fetcher) run(ctx context.Context, req Request, opts Opts, pageSize int, ch chan<- Record, result *Result) {
	start := time.Now()
	defer close(ch)
	defer close(result.done)
	defer func() {
		atomic.StoreInt64(&result.stats.ElapsedMs, time.Since(start).Milliseconds())
	}()

	concurrency := opts.Concurrency
	if concurrency <= 0 {
		concurrency = 1
	}

	for wave := 0; ; wave++ {
		waveStart := wave * concurrency

		waveCtx, cancel := context.WithCancel(ctx)
		pages := make([]pageOutcome, concurrency)
		var wg sync.WaitGroup
		for i := 0; i < concurrency; i++ {
			pageIndex := waveStart + i
			wg.Add(1)
			go func(slot, pageIndex int) {
				defer wg.Done()
				pages[slot] = f.fetchPageWithRetry(waveCtx, req, pageSize, pageIndex, &result.stats)
				if pages[slot].err != nil {
					cancel()
				}
			}(i, pageIndex)
		}
		wg.Wait()
		cancel()

		terminal := false
		for _, p := range pages {
			if p.skipped {
				continue
			}
			if p.err != nil {
				result.err = p.err
				return
			}
			for _, rec := range p.records {
				select {
				case ch <- rec:
				case <-ctx.Done():
					result.err = ctx.Err()
					return
				}
			}
			atomic.AddInt64(&result.stats.TotalItems, int64(len(p.records)))
			atomic.AddInt64(&result.stats.PagesFetched, 1)
			if len(p.records) < pageSize {
				terminal = true
				break
			}
		}

		if terminal {
			return
		}
		select {
		case <-ctx.Done():
			result.err = ctx.Err()
			return
		default:
		}
	}
}

type pageOutcome struct {
	records []Record
	err     error
	skipped bool
}

func (f *Fetcher) fetchPageWithRetry(ctx context.Context, req Request, pageSize, pageIndex int, stats *Stats) pageOutcome {
	retry := req.Retry
	maxAttempts := retry.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if attempt > 1 {
			atomic.AddInt64(&stats.Retries, 1)
			delay := backoffDelay(retry, attempt)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return pageOutcome{skipped: true, err: ctx.Err()}
			}
		}

		select {
		case <-ctx.Done():
			return pageOutcome{skipped: true, err: ctx.Err()}
		default:
		}

		records, retryable, err := f.fetchPage(ctx, req, pageSize, pageIndex)
		if err == nil {
			return pageOutcome{records: records}
		}
		lastErr = err
		if !retryable {
			return pageOutcome{err: err}
		}
	}
	return pageOutcome{err: apierr.Network(lastErr, "page %d: retries exhausted after %d attempts", pageIndex, maxAttempts)}
}

// backoffDelay computes min(base * multiplier^(k-1), max_delay) for the
// k-th attempt (1-indexed after the first, i.e. k = attempt-1 here since
// the caller only calls this for attempt > 1).
func backoffDelay(r config.Retry, attempt int) time.Duration {
	k := float64(attempt - 1)
	delayMs := float64(r.BaseDelayMs) * math.Pow(r.Multiplier, k-1)
	if r.MaxDelayMs > 0 && delayMs > float64(r.MaxDelayMs) {
		delayMs = float64(r.MaxDelayMs)
	}
	if delayMs < 0 {
		delayMs = 0
	}
	return time.Duration(delayMs) * time.Millisecond
}

func (f *Fetcher) fetchPage(ctx context.Context, req Request, pageSize, pageIndex int) (records []Record, retryable bool, err error) {
	ctx, span := itracing.StartSpan(ctx, "fetch.page")
	defer span.End()

	reqURL, err := buildPageURL(req, pageSize, pageIndex)
	if err != nil {
		return nil, false, apierr.ConfigWrap(err, "building page %d URL", pageIndex)
	}

	resp, err := f.client.Get(ctx, reqURL, req.Headers)
	if err != nil {
		return nil, true, apierr.Network(err, "page %d request failed", pageIndex)
	}

	if resp.StatusCode >= 300 {
		retryable := httpclient.IsRetryableStatus(resp.StatusCode)
		return nil, retryable, apierr.HTTPStatus("page %d returned status %d", pageIndex, resp.StatusCode)
	}

	var body any
	if err := json.Unmarshal(resp.Body, &body); err != nil {
		return nil, false, apierr.Parse(err, "page %d: invalid JSON body", pageIndex)
	}

	records, err = extractRecords(body, req.DataPath)
	if err != nil {
		return nil, false, err
	}
	return records, false, nil
}

func buildPageURL(req Request, pageSize, pageIndex int) (string, error) {
	parsed, err := url.Parse(req.URL)
	if err != nil {
		return "", err
	}
	q := parsed.Query()

	switch req.Pagination.Type {
	case config.PaginationLimitOffset:
		q.Set(req.Pagination.LimitParam, strconv.Itoa(pageSize))
		q.Set(req.Pagination.OffsetParam, strconv.Itoa(pageIndex*pageSize))
	case config.PaginationPageNumber:
		q.Set(req.Pagination.PageParam, strconv.Itoa(pageIndex+1))
		q.Set(req.Pagination.PerPageParam, strconv.Itoa(pageSize))
	default:
		return "", fmt.Errorf("unsupported pagination type %q", req.Pagination.Type)
	}

	for _, kv := range req.ExtraParams {
		val, err := qtemplate.Substitute(kv.Value)
		if err != nil {
			return "", err
		}
		q.Set(kv.Key, val)
	}

	parsed.RawQuery = q.Encode()
	return parsed.String(), nil
}

// extractRecords walks body by data_path's dot components and returns the
// array found there; a missing array at the path is treated as an empty
// page, while a value present at the path that is not an array is a Parse
// error (spec.md §4.1 "Page extraction").
func extractRecords(body any, dataPath string) ([]Record, error) {
	node := body
	if dataPath != "" {
		for _, key := range splitDotPath(dataPath) {
			m, ok := node.(map[string]any)
			if !ok {
				return nil, nil
			}
			next, ok := m[key]
			if !ok {
				return nil, nil
			}
			node = next
		}
	}

	arr, ok := node.([]any)
	if !ok {
		if dataPath == "" {
			return nil, apierr.Parse(nil, "response root is not an array")
		}
		if node == nil {
			return nil, nil
		}
		return nil, apierr.Parse(nil, "data_path %q does not resolve to an array", dataPath)
	}

	records := make([]Record, 0, len(arr))
	for _, el := range arr {
		rec, ok := el.(map[string]any)
		if !ok {
			rec = map[string]any{"_value": el}
		}
		records = append(records, rec)
	}
	return records, nil
}

func splitDotPath(path string) []string {
	var parts []string
	start := 0
	for i := 0; i < len(path); i++ {
		if path[i] == '.' {
			parts = append(parts, path[start:i])
			start = i + 1
		}
	}
	parts = append(parts, path[start:])
	return parts
}
