// Package config loads and validates the YAML pipeline configuration
// (sources, targets) the same way orchid's config.go loads environment-bound
// settings: a plain struct tree, a small loader function, and
// go-playground/validator struct tags instead of hand-written checks.
package config

import (
	"fmt"
	"os"

	"github.com/go-playground/validator/v10"
	"github.com/jmoiron/sqlx"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/Ramsey-B/apitap/internal/apierr"

	_ "github.com/lib/pq"
)

// KV is a key/value pair, used for headers and query params, which the
// config keeps as ordered lists in their declared order. The orchestrator
// collects headers into a map before the request is built, so a repeated
// header key keeps its last value and declared order is not carried onto
// the request.
type KV struct {
	Key   string `yaml:"key" validate:"required"`
	Value string `yaml:"value"`
}

// PaginationType discriminates the Pagination tagged union.
type PaginationType string

const (
	PaginationLimitOffset PaginationType = "limit_offset"
	PaginationPageNumber  PaginationType = "page_number"
	PaginationPageOnly    PaginationType = "page_only"
	PaginationCursor      PaginationType = "cursor"
)

// Pagination is the tagged-union pagination strategy. Exactly one case is
// populated per Type; LimitOffset/PageNumber are executed, PageOnly/Cursor
// are reserved (accepted, but the fetcher issues no request for them and
// yields zero records).
type Pagination struct {
	Type PaginationType `yaml:"type" validate:"required,oneof=limit_offset page_number page_only cursor"`

	LimitParam  string `yaml:"limit_param,omitempty"`
	OffsetParam string `yaml:"offset_param,omitempty"`

	PageParam    string `yaml:"page_param,omitempty"`
	PerPageParam string `yaml:"per_page_param,omitempty"`

	CursorParam   string `yaml:"cursor_param,omitempty"`
	PageSizeParam string `yaml:"page_size_param,omitempty"`
}

// Retry controls the fetcher's per-page retry/backoff policy.
type Retry struct {
	MaxAttempts int     `yaml:"max_attempts" validate:"required,min=1"`
	BaseDelayMs int64   `yaml:"base_delay_ms" validate:"min=0"`
	Multiplier  float64 `yaml:"multiplier" validate:"min=1.0"`
	MaxDelayMs  int64   `yaml:"max_delay_ms" validate:"min=0"`
}

// Source describes one fetchable REST resource.
type Source struct {
	URL                  string     `yaml:"url" validate:"required"`
	Headers              []KV       `yaml:"headers,omitempty"`
	DataPath             string     `yaml:"data_path,omitempty"`
	QueryParams          []KV       `yaml:"query_params,omitempty"`
	Pagination           Pagination `yaml:"pagination" validate:"required"`
	Retry                Retry      `yaml:"retry" validate:"required"`
	TableDestinationName string     `yaml:"table_destination_name" validate:"required"`
	PrimaryKeyInDest     string     `yaml:"primary_key_in_dest,omitempty"`
}

// TargetType discriminates the Target tagged union. Relational is the only
// case currently implemented (spec.md's stated non-goal: "multi-sink
// dialects beyond one relational dialect").
type TargetType string

const TargetRelational TargetType = "postgres"

// Target describes one warehouse connection.
type Target struct {
	Type TargetType `yaml:"type" validate:"required,eq=postgres"`
	DSN  string     `yaml:"dsn" validate:"required"`

	// Pool is populated by Config.OpenPools, not read from YAML.
	Pool *sqlx.DB `yaml:"-"`
}

// Config is the top-level YAML document: named sources and targets a
// rendered module's RenderCapture resolves by name.
type Config struct {
	Sources map[string]Source `yaml:"sources" validate:"required,dive"`
	Targets map[string]Target `yaml:"targets" validate:"required,dive"`
}

// Load reads and validates the YAML config at path. It also loads a .env
// file from the working directory if present, the same way orchid's
// entrypoint loads .env before binding environment variables. Besides
// whatever ${VAR} references appear in source URLs/headers, the only
// ambient env vars this repo reads are APITAP_LOG_LEVEL, APITAP_LOG_FORMAT
// and APITAP_REDIS_ADDR, all in cmd/apitap-run (the two log settings are
// read before Load runs, so a .env file does not set them).
func Load(path string) (*Config, error) {
	_ = godotenv.Load() // optional; local dev convenience, same as orchid/lotus

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	if err := validate.Struct(&cfg); err != nil {
		return nil, fmt.Errorf("validating config %s: %w", path, err)
	}

	for name, src := range cfg.Sources {
		if err := validatePagination(src.Pagination); err != nil {
			return nil, fmt.Errorf("source %q: %w", name, err)
		}
	}

	return &cfg, nil
}

var validate = validator.New()

func validatePagination(p Pagination) error {
	switch p.Type {
	case PaginationLimitOffset:
		if p.LimitParam == "" || p.OffsetParam == "" {
			return apierr.Config("limit_offset pagination requires limit_param and offset_param")
		}
	case PaginationPageNumber:
		if p.PageParam == "" || p.PerPageParam == "" {
			return apierr.Config("page_number pagination requires page_param and per_page_param")
		}
	case PaginationPageOnly:
		if p.PageParam == "" {
			return apierr.Config("page_only pagination requires page_param")
		}
	case PaginationCursor:
		if p.CursorParam == "" || p.PageSizeParam == "" {
			return apierr.Config("cursor pagination requires cursor_param and page_size_param")
		}
	default:
		return apierr.Config("unknown pagination type %q", p.Type)
	}
	return nil
}

// OpenPools connects every Relational target's pool, replacing the Target
// value in the map with one carrying a live *sqlx.DB.
func (c *Config) OpenPools(maxOpenConns, maxIdleConns int) error {
	for name, tgt := range c.Targets {
		db, err := sqlx.Connect("postgres", tgt.DSN)
		if err != nil {
			return fmt.Errorf("connecting target %q: %w", name, err)
		}
		db.SetMaxOpenConns(maxOpenConns)
		db.SetMaxIdleConns(maxIdleConns)
		tgt.Pool = db
		c.Targets[name] = tgt
	}
	return nil
}
