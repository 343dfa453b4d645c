// Package schema implements streaming schema inference and record
// batching (spec.md §4.2), translated directly from
// original_source/src/utils/schema.rs's FieldInference/FieldType merge
// lattice and MIN_SAMPLES constant — the Go corpus has no closer analogue
// to a streaming Arrow-like schema inferrer, so this component is grounded
// on the Rust original rather than a pack repo (see DESIGN.md).
package schema

import (
	"encoding/json"

	"github.com/Ramsey-B/apitap/internal/apierr"
	"github.com/Ramsey-B/apitap/internal/fetch"
)

const (
	// MinSamples is the number of records consumed before schema
	// inference closes.
	MinSamples = 100
	// BatchSize is the number of records per emitted RecordBatch.
	BatchSize = 256
	// MaxBufferedItems bounds the batch channel's backpressure.
	MaxBufferedItems = 512
)

// FieldType is the inferred column type lattice.
type FieldType int

const (
	Unknown FieldType = iota
	Bool
	Int64
	Float64
	String
)

// Merge combines two observed types per spec.md's commutative merge rules:
// Unknown is absorbed, Int64⊕Float64=Float64, String absorbs everything,
// and (handled by the caller before Merge is invoked) List/Struct collapse
// to String on observation.
func (t FieldType) Merge(other FieldType) FieldType {
	if t == other {
		return t
	}
	if t == Unknown {
		return other
	}
	if other == Unknown {
		return t
	}
	if t == String || other == String {
		return String
	}
	if (t == Int64 && other == Float64) || (t == Float64 && other == Int64) {
		return Float64
	}
	return String
}

// FieldInference tracks one column's observed type and nullability while
// sampling.
type FieldInference struct {
	DataType   FieldType
	IsNullable bool
}

// Observe folds one observed JSON value into the inference.
func (f *FieldInference) Observe(v any) {
	if v == nil {
		f.IsNullable = true
		return
	}
	f.DataType = f.DataType.Merge(jsonValueType(v))
}

func jsonValueType(v any) FieldType {
	switch v.(type) {
	case bool:
		return Bool
	case float64:
		// encoding/json decodes all JSON numbers as float64; spec.md's
		// Int64/Float64 distinction is recovered by checking for a
		// fractional part.
		if isIntegral(v.(float64)) {
			return Int64
		}
		return Float64
	case string:
		return String
	case []any, map[string]any:
		// List/Struct fold to String per spec.md §4.2.
		return String
	default:
		return String
	}
}

func isIntegral(f float64) bool {
	return f == float64(int64(f))
}

// Schema is the inferred, fixed-for-the-run record schema: field names in
// first-appearance order, each nullable per spec.md's conservative policy
// (a field not observed as null in the sample is still declared nullable,
// since re-inference never happens after the sample window).
type Schema struct {
	Fields []string
	Types  map[string]FieldType
}

// Infer consumes up to MinSamples records from samples (or fewer if the
// slice is shorter) and returns the inferred Schema. Field order follows
// first appearance across the sampled records; keys that first appear in
// the same record are taken in Go map iteration order, so their relative
// order is not fixed.
func Infer(samples []fetch.Record) (*Schema, error) {
	limit := len(samples)
	if limit > MinSamples {
		limit = MinSamples
	}

	order := make([]string, 0)
	seen := make(map[string]bool)
	inference := make(map[string]*FieldInference)

	for i := 0; i < limit; i++ {
		record := samples[i]
		for key, val := range record {
			if !seen[key] {
				seen[key] = true
				order = append(order, key)
				inference[key] = &FieldInference{}
			}
			inference[key].Observe(val)
		}
		for key, fi := range inference {
			if _, present := record[key]; !present {
				fi.IsNullable = true
			}
		}
	}

	if len(order) == 0 {
		return nil, apierr.Schema("no fields observed in sample of %d records", limit)
	}

	types := make(map[string]FieldType, len(order))
	for _, key := range order {
		types[key] = inference[key].DataType
	}

	return &Schema{Fields: order, Types: types}, nil
}

// RecordBatch is a fixed-size, fixed-schema slice of coerced records ready
// for SQL execution / writing.
type RecordBatch struct {
	Schema  *Schema
	Records []fetch.Record
}

// Coerce normalizes one raw record against schema: missing keys become
// nil, values whose runtime type doesn't match the inferred column type are
// coerced to string (numbers/bools), and nested arrays/objects are
// JSON-serialized to string, per spec.md §4.2 "Batching".
func Coerce(schema *Schema, record fetch.Record) fetch.Record {
	out := make(fetch.Record, len(schema.Fields))
	for _, field := range schema.Fields {
		val, present := record[field]
		if !present || val == nil {
			out[field] = nil
			continue
		}
		out[field] = coerceValue(schema.Types[field], val)
	}
	return out
}

func coerceValue(target FieldType, val any) any {
	switch target {
	case String:
		switch v := val.(type) {
		case string:
			return v
		case []any, map[string]any:
			b, err := json.Marshal(v)
			if err != nil {
				return ""
			}
			return string(b)
		default:
			b, err := json.Marshal(v)
			if err != nil {
				return ""
			}
			return string(b)
		}
	case Int64, Float64:
		if f, ok := val.(float64); ok {
			return f
		}
		b, _ := json.Marshal(val)
		return string(b)
	case Bool:
		if b, ok := val.(bool); ok {
			return b
		}
		bs, _ := json.Marshal(val)
		return string(bs)
	default:
		return val
	}
}

// SampleAndInfer buffers up to MinSamples records from in, infers a Schema
// from them, then returns a replay channel that first yields the buffered
// prefix and then forwards whatever remains of in — so the caller sees the
// complete stream exactly once despite the sampling phase peeking ahead.
// This replay-buffered-prefix shape is reused by internal/sink's
// auto-create sampling (see SPEC_FULL.md §5.2).
func SampleAndInfer(in <-chan fetch.Record) (*Schema, <-chan fetch.Record, error) {
	buffered := make([]fetch.Record, 0, MinSamples)
	for rec := range in {
		buffered = append(buffered, rec)
		if len(buffered) >= MinSamples {
			break
		}
	}

	schema, err := Infer(buffered)
	if err != nil {
		return nil, nil, err
	}

	replay := make(chan fetch.Record, MaxBufferedItems)
	go func() {
		defer close(replay)
		for _, rec := range buffered {
			replay <- rec
		}
		for rec := range in {
			replay <- rec
		}
	}()

	return schema, replay, nil
}

// Batcher re-processes the full record stream (including the sampled
// prefix, which must not be discarded) against the inferred schema, filling
// and emitting batches of BatchSize records through a channel bounded at
// MaxBufferedItems-worth of backpressure.
type Batcher struct {
	schema *Schema
}

// NewBatcher builds a Batcher bound to an already-inferred schema.
func NewBatcher(schema *Schema) *Batcher {
	return &Batcher{schema: schema}
}

// Run streams in, coercing and grouping records into fixed-size batches on
// the returned channel. The channel closes when in closes.
func (b *Batcher) Run(in <-chan fetch.Record) <-chan RecordBatch {
	out := make(chan RecordBatch, MaxBufferedItems/BatchSize)
	go func() {
		defer close(out)
		buf := make([]fetch.Record, 0, BatchSize)
		for rec := range in {
			buf = append(buf, Coerce(b.schema, rec))
			if len(buf) == BatchSize {
				out <- RecordBatch{Schema: b.schema, Records: buf}
				buf = make([]fetch.Record, 0, BatchSize)
			}
		}
		if len(buf) > 0 {
			out <- RecordBatch{Schema: b.schema, Records: buf}
		}
	}()
	return out
}
