// Package sqlexec is the SQL execution adapter (spec.md §4.3): it exposes a
// restartable record-batch stream as a single named virtual table and runs
// the small subset of SQL a rendered module actually needs against it.
//
// Go has no embedded DataFusion, and none of the retrieved third-party
// libraries (jmoiron/sqlx, lib/pq, huandu/go-sqlbuilder) execute SQL over
// in-memory data — they all assume a live database connection — so this
// package is a minimal in-process query executor built on the standard
// library, justified in DESIGN.md.
package sqlexec

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/Ramsey-B/apitap/internal/apierr"
	"github.com/Ramsey-B/apitap/internal/schema"
)

// StreamSource models the restartable stream factory spec.md §4.3
// requires: Open must be callable more than once, each call restarting the
// underlying fetch pipeline from page zero (SPEC_FULL.md §9 "Factory
// closure for restartable streams" redesign note — an explicit interface
// instead of a captured closure).
type StreamSource interface {
	Open(ctx context.Context) (<-chan schema.RecordBatch, error)
}

// funcStreamSource adapts a plain factory function to StreamSource.
type funcStreamSource struct {
	open func(ctx context.Context) (<-chan schema.RecordBatch, error)
}

func (f funcStreamSource) Open(ctx context.Context) (<-chan schema.RecordBatch, error) {
	return f.open(ctx)
}

// NewStreamSource wraps a factory function as a StreamSource.
func NewStreamSource(open func(ctx context.Context) (<-chan schema.RecordBatch, error)) StreamSource {
	return funcStreamSource{open: open}
}

// VirtualTable registers one restartable stream under a fixed table name —
// the destination table's name, per spec.md §4.3 — for the query engine to
// scan.
type VirtualTable struct {
	Name   string
	Source StreamSource
}

// RewriteSQL replaces every literal occurrence of sourceName in sql with
// destTable. This is the unsafe whole-text substitution spec.md §4.3/§9
// names explicitly as a preserved, flagged behavior: it is not
// identifier-aware and will also rewrite occurrences inside string
// literals or as substrings of unrelated identifiers. Implementers should
// prefer a tokenizing rewrite; this behavior is kept unchanged pending a
// product decision (spec.md §9 Open Questions).
func RewriteSQL(sql, sourceName, destTable string) string {
	return strings.ReplaceAll(sql, sourceName, destTable)
}

var (
	selectPattern = regexp.MustCompile(`(?is)^\s*SELECT\s+(.+?)\s+FROM\s+([a-zA-Z_][a-zA-Z0-9_]*)\s*(?:WHERE\s+(.+?))?\s*;?\s*$`)
)

// Query is a parsed `SELECT <cols|*> FROM <table> [WHERE <predicate>]`
// statement — the subset of SQL a rendered module's text actually needs
// per spec.md §4.3 ("projection pushdown only, no predicate pushdown
// required").
type Query struct {
	Columns   []string // nil means "*"
	Table     string
	Predicate string // raw, unparsed; evaluated by filterPredicate
}

// Parse parses sql into a Query, failing with an apierr.SQL error if it
// does not match the supported subset.
func Parse(sql string) (*Query, error) {
	m := selectPattern.FindStringSubmatch(sql)
	if m == nil {
		return nil, apierr.SQL(nil, "unsupported SQL; only SELECT <cols|*> FROM <table> [WHERE <predicate>] is implemented: %q", sql)
	}

	colsRaw := strings.TrimSpace(m[1])
	var cols []string
	if colsRaw != "*" {
		for _, c := range strings.Split(colsRaw, ",") {
			cols = append(cols, strings.TrimSpace(c))
		}
	}

	return &Query{Columns: cols, Table: m[2], Predicate: strings.TrimSpace(m[3])}, nil
}

// Result is the streamed output of executing a Query against a
// VirtualTable: projected record batches, lazily produced from the table's
// restartable stream.
type Result struct {
	TableName string
	Schema    *schema.Schema
	Batches   <-chan schema.RecordBatch
}

// Execute runs query against table, restarting table's stream source (per
// the partition-count-1, "both" emission-boundedness contract spec.md
// §4.3 describes) and projecting each batch to query's declared columns.
func Execute(ctx context.Context, query *Query, table *VirtualTable) (*Result, error) {
	if query.Table != table.Name {
		return nil, apierr.SQL(nil, "query references table %q but only %q is registered", query.Table, table.Name)
	}

	raw, err := table.Source.Open(ctx)
	if err != nil {
		return nil, apierr.SQL(err, "opening virtual table %q", table.Name)
	}

	out := make(chan schema.RecordBatch)
	go func() {
		defer close(out)
		for batch := range raw {
			projected := project(batch, query.Columns)
			if query.Predicate != "" {
				projected.Records = filterPredicate(projected.Records, query.Predicate)
			}
			select {
			case out <- projected:
			case <-ctx.Done():
				return
			}
		}
	}()

	return &Result{TableName: table.Name, Batches: out}, nil
}

func project(batch schema.RecordBatch, columns []string) schema.RecordBatch {
	if columns == nil {
		return batch
	}
	projectedSchema := &schema.Schema{Fields: columns, Types: batch.Schema.Types}
	records := make([]map[string]any, len(batch.Records))
	for i, rec := range batch.Records {
		out := make(map[string]any, len(columns))
		for _, col := range columns {
			out[col] = rec[col]
		}
		records[i] = out
	}
	return schema.RecordBatch{Schema: projectedSchema, Records: records}
}

// filterPredicate supports the single comparison form this codebase's
// rendered modules actually emit: `<column> = '<literal>'` or
// `<column> = <literal>`. Anything more elaborate is out of scope for the
// minimal executor (spec.md §4.3 requires projection pushdown only).
func filterPredicate(records []map[string]any, predicate string) []map[string]any {
	parts := strings.SplitN(predicate, "=", 2)
	if len(parts) != 2 {
		return records
	}
	col := strings.TrimSpace(parts[0])
	val := strings.Trim(strings.TrimSpace(parts[1]), "'\"")

	filtered := records[:0:0]
	for _, rec := range records {
		if toComparableString(rec[col]) == val {
			filtered = append(filtered, rec)
		}
	}
	return filtered
}

func toComparableString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case nil:
		return ""
	default:
		return fmt.Sprintf("%v", t)
	}
}
