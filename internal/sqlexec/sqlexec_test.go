package sqlexec

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ramsey-B/apitap/internal/schema"
)

func TestRewriteSQLLiteralSubstitution(t *testing.T) {
	got := RewriteSQL("SELECT * FROM users_api WHERE 1=1", "users_api", "users")
	assert.Equal(t, "SELECT * FROM users WHERE 1=1", got)
}

func TestParseSelectStar(t *testing.T) {
	q, err := Parse("SELECT * FROM users")
	require.NoError(t, err)
	assert.Nil(t, q.Columns)
	assert.Equal(t, "users", q.Table)
}

func TestParseSelectColumns(t *testing.T) {
	q, err := Parse("SELECT id, name FROM users WHERE status = 'active'")
	require.NoError(t, err)
	assert.Equal(t, []string{"id", "name"}, q.Columns)
	assert.Equal(t, "status = 'active'", q.Predicate)
}

func TestParseUnsupportedSQLIsError(t *testing.T) {
	_, err := Parse("DELETE FROM users")
	require.Error(t, err)
}

func testSchema() *schema.Schema {
	return &schema.Schema{Fields: []string{"id", "name"}, Types: map[string]schema.FieldType{"id": schema.Int64, "name": schema.String}}
}

func staticStream(batches []schema.RecordBatch, restarts *int) StreamSource {
	return NewStreamSource(func(ctx context.Context) (<-chan schema.RecordBatch, error) {
		*restarts++
		out := make(chan schema.RecordBatch, len(batches))
		for _, b := range batches {
			out <- b
		}
		close(out)
		return out, nil
	})
}

func TestExecuteProjectsColumns(t *testing.T) {
	s := testSchema()
	batches := []schema.RecordBatch{{Schema: s, Records: []map[string]any{{"id": 1.0, "name": "a"}, {"id": 2.0, "name": "b"}}}}
	restarts := 0
	table := &VirtualTable{Name: "users", Source: staticStream(batches, &restarts)}

	q, err := Parse("SELECT id FROM users")
	require.NoError(t, err)

	result, err := Execute(context.Background(), q, table)
	require.NoError(t, err)

	var all []map[string]any
	for b := range result.Batches {
		all = append(all, b.Records...)
	}
	require.Len(t, all, 2)
	assert.Equal(t, 1.0, all[0]["id"])
	_, hasName := all[0]["name"]
	assert.False(t, hasName)
}

func TestExecuteStreamSourceIsRestartable(t *testing.T) {
	s := testSchema()
	batches := []schema.RecordBatch{{Schema: s, Records: []map[string]any{{"id": 1.0, "name": "a"}}}}
	restarts := 0
	table := &VirtualTable{Name: "users", Source: staticStream(batches, &restarts)}
	q, err := Parse("SELECT * FROM users")
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		result, err := Execute(context.Background(), q, table)
		require.NoError(t, err)
		for range result.Batches {
		}
	}
	assert.Equal(t, 3, restarts)
}

func TestExecuteWrongTableNameIsError(t *testing.T) {
	s := testSchema()
	restarts := 0
	table := &VirtualTable{Name: "users", Source: staticStream(nil, &restarts)}
	q, err := Parse("SELECT * FROM other")
	require.NoError(t, err)
	_, err = Execute(context.Background(), q, table)
	require.Error(t, err)
	_ = s
}

func TestFilterPredicateMatchesEquality(t *testing.T) {
	records := []map[string]any{{"status": "active"}, {"status": "inactive"}}
	got := filterPredicate(records, "status = 'active'")
	require.Len(t, got, 1)
	assert.Equal(t, "active", got[0]["status"])
}
