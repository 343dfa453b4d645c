package fetch

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ramsey-B/apitap/internal/config"
	"github.com/Ramsey-B/apitap/internal/httpclient"
	"github.com/Ramsey-B/apitap/internal/logging"
)

func recordsFrom(t *testing.T, ch <-chan Record) []Record {
	t.Helper()
	var out []Record
	for r := range ch {
		out = append(out, r)
	}
	return out
}

func limitOffsetPagination() config.Pagination {
	return config.Pagination{Type: config.PaginationLimitOffset, LimitParam: "limit", OffsetParam: "offset"}
}

func newFetcher(t *testing.T, handler http.HandlerFunc) (*Fetcher, *httptest.Server) {
	srv := httptest.NewServer(handler)
	logger, err := logging.New("debug", false)
	require.NoError(t, err)
	client := httpclient.New(httpclient.DefaultConfig(), logger)
	return New(client, logger), srv
}

func TestFetchCompleteness(t *testing.T) {
	total := 167
	fetcher, srv := newFetcher(t, func(w http.ResponseWriter, r *http.Request) {
		offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
		remaining := total - offset
		if remaining < 0 {
			remaining = 0
		}
		n := limit
		if remaining < n {
			n = remaining
		}
		records := make([]map[string]any, n)
		for i := range records {
			records[i] = map[string]any{"id": offset + i}
		}
		_ = json.NewEncoder(w).Encode(records)
	})
	defer srv.Close()

	req := Request{
		URL:        srv.URL,
		Pagination: limitOffsetPagination(),
		Retry:      config.Retry{MaxAttempts: 1, Multiplier: 1},
	}
	opts := Opts{Concurrency: 3, DefaultPageSize: 50, FetchBatchSize: 256}

	result, err := fetcher.Run(context.Background(), req, opts)
	require.NoError(t, err)
	records := recordsFrom(t, result.Records)
	require.NoError(t, result.Wait())

	assert.Len(t, records, total)
	stats := result.Stats()
	assert.EqualValues(t, total, stats.TotalItems)
	assert.EqualValues(t, 4, stats.PagesFetched) // ceil(167/50)
}

func TestFetchEmptyResponseZeroItems(t *testing.T) {
	fetcher, srv := newFetcher(t, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode([]map[string]any{})
	})
	defer srv.Close()

	req := Request{
		URL:        srv.URL,
		Pagination: config.Pagination{Type: config.PaginationPageNumber, PageParam: "page", PerPageParam: "per_page"},
		Retry:      config.Retry{MaxAttempts: 1, Multiplier: 1},
	}
	opts := Opts{Concurrency: 2, DefaultPageSize: 50, FetchBatchSize: 256}

	result, err := fetcher.Run(context.Background(), req, opts)
	require.NoError(t, err)
	records := recordsFrom(t, result.Records)
	require.NoError(t, result.Wait())

	assert.Empty(t, records)
	assert.EqualValues(t, 0, result.Stats().TotalItems)
	assert.EqualValues(t, 1, result.Stats().PagesFetched)
}

func TestFetchRetriesOnRateLimit(t *testing.T) {
	var hits int64
	fetcher, srv := newFetcher(t, func(w http.ResponseWriter, r *http.Request) {
		offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
		if offset == 0 && atomic.AddInt64(&hits, 1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
		if offset >= 10 {
			_ = json.NewEncoder(w).Encode([]map[string]any{})
			return
		}
		records := make([]map[string]any, limit)
		for i := range records {
			records[i] = map[string]any{"id": offset + i}
		}
		if offset == 0 {
			records = records[:10]
		}
		_ = json.NewEncoder(w).Encode(records)
	})
	defer srv.Close()

	req := Request{
		URL:        srv.URL,
		Pagination: limitOffsetPagination(),
		Retry:      config.Retry{MaxAttempts: 3, BaseDelayMs: 1, Multiplier: 2, MaxDelayMs: 10},
	}
	opts := Opts{Concurrency: 1, DefaultPageSize: 50, FetchBatchSize: 256}

	result, err := fetcher.Run(context.Background(), req, opts)
	require.NoError(t, err)
	_ = recordsFrom(t, result.Records)
	require.NoError(t, result.Wait())

	assert.GreaterOrEqual(t, result.Stats().Retries, int64(1))
}

func TestFetchRunReservedPaginationIsNoOp(t *testing.T) {
	fetcher, srv := newFetcher(t, func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("reserved pagination strategies must never issue HTTP requests")
	})
	defer srv.Close()

	req := Request{
		URL:        srv.URL,
		Pagination: config.Pagination{Type: config.PaginationCursor, CursorParam: "cursor", PageSizeParam: "page_size"},
		Retry:      config.Retry{MaxAttempts: 1, Multiplier: 1},
	}
	opts := Opts{Concurrency: 1, DefaultPageSize: 50, FetchBatchSize: 256}

	result, err := fetcher.Run(context.Background(), req, opts)
	require.NoError(t, err)
	records := recordsFrom(t, result.Records)
	require.NoError(t, result.Wait())
	assert.Empty(t, records)
}

func TestFetchUnknownPaginationIsFatal(t *testing.T) {
	fetcher, srv := newFetcher(t, func(w http.ResponseWriter, r *http.Request) {})
	defer srv.Close()

	req := Request{URL: srv.URL, Pagination: config.Pagination{Type: "bogus"}, Retry: config.Retry{MaxAttempts: 1, Multiplier: 1}}
	opts := Opts{Concurrency: 1, DefaultPageSize: 50, FetchBatchSize: 256}

	_, err := fetcher.Run(context.Background(), req, opts)
	require.Error(t, err)
}

func TestFetchDataPathExtractsNestedArray(t *testing.T) {
	fetcher, srv := newFetcher(t, func(w http.ResponseWriter, r *http.Request) {
		offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
		if offset > 0 {
			fmt.Fprint(w, `{"data":{"items":[]}}`)
			return
		}
		fmt.Fprint(w, `{"data":{"items":[{"id":1},{"id":2}]}}`)
	})
	defer srv.Close()

	req := Request{
		URL:        srv.URL,
		DataPath:   "data.items",
		Pagination: limitOffsetPagination(),
		Retry:      config.Retry{MaxAttempts: 1, Multiplier: 1},
	}
	opts := Opts{Concurrency: 1, DefaultPageSize: 50, FetchBatchSize: 256}

	result, err := fetcher.Run(context.Background(), req, opts)
	require.NoError(t, err)
	records := recordsFrom(t, result.Records)
	require.NoError(t, result.Wait())
	assert.Len(t, records, 2)
}

func TestBackoffDelayCapsAtMaxDelay(t *testing.T) {
	r := config.Retry{BaseDelayMs: 100, Multiplier: 10, MaxDelayMs: 500}
	d := backoffDelay(r, 4) // attempt 4 -> k=3 -> 100*10^2=10000ms, capped to 500ms
	assert.Equal(t, 500*time.Millisecond, d)
}
