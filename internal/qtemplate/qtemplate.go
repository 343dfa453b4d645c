// Package qtemplate implements the small query-parameter template engine
// the orchestrator applies to `extra_params` values before each HTTP
// request (spec.md §4.5 "Template query parameters"): a fixed dispatch
// table of `{{ function_name(args) }}` calls, grounded on
// original_source/src/utils/template.rs's parse_function! macro and
// extract_function_names regex, re-expressed as a Go function table instead
// of macro-driven dispatch (see SPEC_FULL.md §9 "Macro-driven template
// function dispatch").
package qtemplate

import (
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/Ramsey-B/apitap/internal/apierr"
)

var callPattern = regexp.MustCompile(`\{\{\s*([a-zA-Z_][a-zA-Z0-9_]*\([^}]*\))\s*\}\}`)

// now is overridden in tests; production code always calls time.Now().
var now = time.Now

const dateLayout = "2006-01-02"

// Substitute replaces every `{{ function(args) }}` occurrence in s with the
// function's result. An unknown function name or a malformed argument is a
// fatal Template error, since this runs once per HTTP request and there is
// no sensible default.
func Substitute(s string) (string, error) {
	var firstErr error
	result := callPattern.ReplaceAllStringFunc(s, func(match string) string {
		if firstErr != nil {
			return match
		}
		call := callPattern.FindStringSubmatch(match)[1]
		val, err := evalCall(call)
		if err != nil {
			firstErr = err
			return match
		}
		return val
	})
	if firstErr != nil {
		return "", firstErr
	}
	return result, nil
}

func evalCall(call string) (string, error) {
	switch {
	case call == "current_date()":
		return CurrentDate(), nil
	case strings.HasPrefix(call, "few_date_ago(") && strings.HasSuffix(call, ")"):
		arg := strings.TrimSpace(call[len("few_date_ago(") : len(call)-1])
		days, err := strconv.ParseInt(arg, 10, 64)
		if err != nil {
			return "", apierr.Template("few_date_ago: invalid argument %q", arg)
		}
		return FewDateAgo(days)
	default:
		return "", apierr.Template("unknown template function: %s", call)
	}
}

// CurrentDate returns today's date, local timezone, YYYY-MM-DD.
func CurrentDate() string {
	return now().Format(dateLayout)
}

// FewDateAgo returns the date `days` days before today, local timezone,
// YYYY-MM-DD. Negative days is an error — there is no "few days from now"
// use case in this dispatch table.
func FewDateAgo(days int64) (string, error) {
	if days < 0 {
		return "", apierr.Template("few_date_ago: days must be non-negative, got %d", days)
	}
	return now().AddDate(0, 0, -int(days)).Format(dateLayout), nil
}
