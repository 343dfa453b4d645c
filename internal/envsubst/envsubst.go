// Package envsubst implements the `${VAR}` environment-variable
// substitution the orchestrator applies to source URLs and header values
// (spec.md §4.5 step 2, §6 "Environment variables").
package envsubst

import (
	"os"
	"regexp"

	"github.com/Ramsey-B/apitap/internal/apierr"
)

var varPattern = regexp.MustCompile(`\$\{([a-zA-Z_][a-zA-Z0-9_]*)\}`)

// Substitute replaces every `${VAR}` occurrence in s with the value of the
// corresponding environment variable. A referenced variable that is unset
// (including set-but-empty, since an empty credential is almost always a
// misconfiguration) is a fatal Config error.
func Substitute(s string) (string, error) {
	var firstErr error
	result := varPattern.ReplaceAllStringFunc(s, func(match string) string {
		if firstErr != nil {
			return match
		}
		name := varPattern.FindStringSubmatch(match)[1]
		val, ok := os.LookupEnv(name)
		if !ok || val == "" {
			firstErr = apierr.Config("environment variable %q is not set", name)
			return match
		}
		return val
	})
	if firstErr != nil {
		return "", firstErr
	}
	return result, nil
}
