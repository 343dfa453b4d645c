package orchestrator

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ramsey-B/apitap/internal/config"
	"github.com/Ramsey-B/apitap/internal/logging"
)

func testLogger(t *testing.T) logging.Logger {
	l, err := logging.New("debug", false)
	require.NoError(t, err)
	return l
}

func baseSource(url string) config.Source {
	return config.Source{
		URL:                  url,
		DataPath:             "items",
		TableDestinationName: "widgets",
		PrimaryKeyInDest:     "id",
		Pagination: config.Pagination{
			Type:        config.PaginationLimitOffset,
			LimitParam:  "limit",
			OffsetParam: "offset",
		},
		Retry: config.Retry{MaxAttempts: 1, BaseDelayMs: 1, Multiplier: 1},
	}
}

func TestRunMissingSourceIsConfigError(t *testing.T) {
	cfg := &config.Config{Sources: map[string]config.Source{}, Targets: map[string]config.Target{}}
	o := New(cfg, testLogger(t))
	_, err := o.Run(context.Background(), "mod", "missing", "sink", "SELECT * FROM missing")
	require.Error(t, err)
}

func TestRunMissingTargetIsConfigError(t *testing.T) {
	cfg := &config.Config{
		Sources: map[string]config.Source{"src": baseSource("http://example.com")},
		Targets: map[string]config.Target{},
	}
	o := New(cfg, testLogger(t))
	_, err := o.Run(context.Background(), "mod", "src", "missing", "SELECT * FROM src")
	require.Error(t, err)
}

func TestRunMissingPoolIsConfigError(t *testing.T) {
	cfg := &config.Config{
		Sources: map[string]config.Source{"src": baseSource("http://example.com")},
		Targets: map[string]config.Target{"sink": {Type: config.TargetRelational, DSN: "unused"}},
	}
	o := New(cfg, testLogger(t))
	_, err := o.Run(context.Background(), "mod", "src", "sink", "SELECT * FROM src")
	require.Error(t, err)
}

func TestRunMissingDestTableIsConfigError(t *testing.T) {
	src := baseSource("http://example.com")
	src.TableDestinationName = ""

	mockDB, _, err := sqlmock.New()
	require.NoError(t, err)
	defer mockDB.Close()

	cfg := &config.Config{
		Sources: map[string]config.Source{"src": src},
		Targets: map[string]config.Target{"sink": {Type: config.TargetRelational, DSN: "unused", Pool: sqlx.NewDb(mockDB, "sqlmock")}},
	}
	o := New(cfg, testLogger(t))
	_, err = o.Run(context.Background(), "mod", "src", "sink", "SELECT * FROM src")
	require.Error(t, err)
}

func TestRunFullPipelineWritesRecords(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		offset := r.URL.Query().Get("offset")
		w.Header().Set("Content-Type", "application/json")
		if offset == "0" {
			json.NewEncoder(w).Encode(map[string]any{
				"items": []map[string]any{{"id": 1.0, "name": "a"}, {"id": 2.0, "name": "b"}},
			})
			return
		}
		json.NewEncoder(w).Encode(map[string]any{"items": []map[string]any{}})
	}))
	defer srv.Close()

	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer mockDB.Close()

	mock.ExpectBegin()
	mock.ExpectQuery("to_regclass").WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS widgets").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("INSERT INTO widgets").WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectCommit()

	src := baseSource(srv.URL)
	src.Pagination.LimitParam = "limit"
	src.Pagination.OffsetParam = "offset"

	cfg := &config.Config{
		Sources: map[string]config.Source{"src": src},
		Targets: map[string]config.Target{"sink": {Type: config.TargetRelational, DSN: "unused", Pool: sqlx.NewDb(mockDB, "sqlmock")}},
	}
	o := New(cfg, testLogger(t))

	stats, err := o.Run(context.Background(), "widgets_module", "src", "sink", "SELECT * FROM src")
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
	assert.Equal(t, int64(2), stats.TotalItems)
	assert.Equal(t, "widgets_module", stats.ModuleName)
}
