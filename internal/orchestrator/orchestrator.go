// Package orchestrator runs one module's ETL job end to end: resolve
// source/sink, fetch paginated JSON, execute the module's SQL over the
// resulting virtual table, and write the projected rows to the sink
// (spec.md §4.5 `execute_pipeline_job`). Grounded directly on
// original_source/src/cmd/mod.rs's execute_pipeline_job (same step order,
// same default constants) re-expressed with a dependency-injected
// constructor, matching orchid/pkg/scheduler.NewScheduler's shape
// (struct holding its collaborators + a Config value, built once at
// startup).
package orchestrator

import (
	"context"
	"time"

	"github.com/Ramsey-B/apitap/internal/apierr"
	"github.com/Ramsey-B/apitap/internal/config"
	"github.com/Ramsey-B/apitap/internal/envsubst"
	"github.com/Ramsey-B/apitap/internal/fetch"
	"github.com/Ramsey-B/apitap/internal/httpclient"
	"github.com/Ramsey-B/apitap/internal/logging"
	"github.com/Ramsey-B/apitap/internal/metrics"
	"github.com/Ramsey-B/apitap/internal/schema"
	"github.com/Ramsey-B/apitap/internal/sink"
	"github.com/Ramsey-B/apitap/internal/sqlexec"
	itracing "github.com/Ramsey-B/apitap/internal/tracing"
)

// Default fetch tuning, matching original_source/src/cmd/mod.rs's
// CONCURRENCY/DEFAULT_PAGE_SIZE/FETCH_BATCH_SIZE constants.
const (
	defaultConcurrency     = 5
	defaultPageSize        = 50
	defaultFetchBatchSize  = 256
	defaultWriterBatchSize = 50
	defaultSampleSize      = 10
)

// Stats is the per-run summary the scheduler logs, per spec.md §4.5's
// `{module_name, total_items, elapsed_ms}`.
type Stats struct {
	ModuleName string
	TotalItems int64
	ElapsedMs  int64
}

// Orchestrator runs execute_pipeline_job against a fixed, already-loaded
// Config.
type Orchestrator struct {
	cfg    *config.Config
	logger logging.Logger
}

// New builds an Orchestrator over cfg.
func New(cfg *config.Config, logger logging.Logger) *Orchestrator {
	return &Orchestrator{cfg: cfg, logger: logger}
}

// Run executes one module: moduleName is for logging, metric labels and the
// returned Stats, sourceName/
// sinkName/sql come from the module's RenderCapture (internal/templating).
func (o *Orchestrator) Run(ctx context.Context, moduleName, sourceName, sinkName, sql string) (stats *Stats, err error) {
	ctx, span := itracing.StartSpan(ctx, "orchestrator.run")
	defer span.End()

	start := time.Now()
	log := o.logger.WithContext(ctx)

	defer func() {
		status := "success"
		if err != nil {
			status = "error"
		}
		metrics.RecordRun(moduleName, status, time.Since(start).Seconds())
	}()

	source, ok := o.cfg.Sources[sourceName]
	if !ok {
		return nil, apierr.Config("source not found in config: %s", sourceName)
	}
	target, ok := o.cfg.Targets[sinkName]
	if !ok {
		return nil, apierr.Config("target not found in config: %s", sinkName)
	}
	if target.Pool == nil {
		return nil, apierr.Config("target %q has no open connection pool", sinkName)
	}

	destTable := source.TableDestinationName
	if destTable == "" {
		return nil, apierr.Config("table_destination_name is required for source: %s", sourceName)
	}

	url, err := envsubst.Substitute(source.URL)
	if err != nil {
		return nil, err
	}
	headers := make(map[string]string, len(source.Headers))
	for _, h := range source.Headers {
		val, err := envsubst.Substitute(h.Value)
		if err != nil {
			return nil, err
		}
		headers[h.Key] = val
	}

	client := httpclient.New(httpclient.DefaultConfig(), o.logger)
	fetcher := fetch.New(client, o.logger)

	rewritten := sqlexec.RewriteSQL(sql, sourceName, destTable)
	query, err := sqlexec.Parse(rewritten)
	if err != nil {
		return nil, err
	}

	writer := sink.New(target.Pool, sink.Opts{
		DestTable:     destTable,
		PrimaryKey:    source.PrimaryKeyInDest,
		BatchSize:     defaultWriterBatchSize,
		SampleSize:    defaultSampleSize,
		AutoCreate:    true,
		AutoTruncate:  false,
		TruncateFirst: false,
		WriteMode:     sink.Merge,
	}, o.logger)

	if err := writer.Truncate(ctx); err != nil {
		return nil, err
	}

	fetchReq := fetch.Request{
		URL:         url,
		Headers:     headers,
		DataPath:    source.DataPath,
		ExtraParams: source.QueryParams,
		Pagination:  source.Pagination,
		Retry:       source.Retry,
	}
	fetchOpts := fetch.Opts{
		Concurrency:     defaultConcurrency,
		DefaultPageSize: defaultPageSize,
		FetchBatchSize:  defaultFetchBatchSize,
	}

	var lastFetch *fetch.Result
	table := &sqlexec.VirtualTable{
		Name: destTable,
		Source: sqlexec.NewStreamSource(func(ctx context.Context) (<-chan schema.RecordBatch, error) {
			result, err := fetcher.Run(ctx, fetchReq, fetchOpts)
			if err != nil {
				return nil, err
			}
			lastFetch = result

			inferredSchema, replay, err := schema.SampleAndInfer(result.Records)
			if err != nil {
				return nil, err
			}
			return schema.NewBatcher(inferredSchema).Run(replay), nil
		}),
	}

	result, err := sqlexec.Execute(ctx, query, table)
	if err != nil {
		return nil, err
	}

	log.Infof("running module %s: %s -> %s", moduleName, sourceName, destTable)

	if err := writer.Begin(ctx); err != nil {
		return nil, err
	}
	if err := writer.Write(ctx, result); err != nil {
		_ = writer.Rollback(ctx)
		return nil, err
	}
	if err := writer.Commit(ctx); err != nil {
		return nil, err
	}

	if lastFetch != nil {
		if err := lastFetch.Wait(); err != nil {
			return nil, err
		}
	}

	elapsed := time.Since(start)
	var totalItems int64
	if lastFetch != nil {
		fetchStats := lastFetch.Stats()
		totalItems = fetchStats.TotalItems
		metrics.FetchPagesTotal.WithLabelValues(moduleName).Add(float64(fetchStats.PagesFetched))
		metrics.FetchRetriesTotal.WithLabelValues(moduleName).Add(float64(fetchStats.Retries))
	}
	metrics.RowsWrittenTotal.WithLabelValues(moduleName, destTable).Add(float64(writer.RowsWritten()))

	log.Infof("completed module %s: %d records in %dms", moduleName, totalItems, elapsed.Milliseconds())

	return &Stats{ModuleName: moduleName, TotalItems: totalItems, ElapsedMs: elapsed.Milliseconds()}, nil
}
