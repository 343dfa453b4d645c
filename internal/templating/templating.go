// Package templating discovers SQL modules under a root directory and
// renders each one through a text/template environment exposing three
// side-effecting functions — sink, use_source, schedule — that record into
// a mutex-guarded RenderCapture, grounded on
// original_source/src/config/templating.rs's Minijinja environment (same
// three functions, same "clear capture, render, clone capture out" shape)
// and re-expressed with Go's native text/template engine instead of Jinja,
// per SPEC_FULL.md §6/§9.
package templating

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"text/template"

	"github.com/Ramsey-B/apitap/internal/apierr"
)

// RenderCapture records the three values a module's template declares as it
// renders: which sink to write to, which source to read from, and the cron
// schedule to run on.
type RenderCapture struct {
	Sink     string
	Source   string
	Schedule string
}

// Renderer owns the single mutex-guarded capture buffer every module
// render writes through, mirroring the Rust original's
// `Arc<Mutex<RenderCapture>>` shared across template invocations. Renders
// happen one at a time (spec.md §5: "one template renders at a time").
type Renderer struct {
	mu      sync.Mutex
	capture RenderCapture
}

// NewRenderer constructs an empty Renderer.
func NewRenderer() *Renderer {
	return &Renderer{}
}

// ListModules walks root for `*.sql` files (case-insensitive extension),
// sorted by relative path, mirroring list_sql_templates's WalkDir + sort.
func ListModules(root string) ([]string, error) {
	var modules []string
	err := filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		if strings.EqualFold(filepath.Ext(path), ".sql") {
			modules = append(modules, path)
		}
		return nil
	})
	if err != nil {
		return nil, apierr.ConfigWrap(err, "discovering modules under %s", root)
	}
	sort.Strings(modules)
	return modules, nil
}

// Render renders the module at path and returns the rendered SQL text along
// with the RenderCapture populated by that render's sink/use_source/
// schedule calls. A panic while the capture is held (e.g. a concurrent
// caller somehow reentering — this should never happen given the mutex, but
// mirrors the Rust original's "mutex poisoning is fatal") is recovered and
// surfaced as an apierr.Mutex error instead of crashing the scheduler.
func (r *Renderer) Render(path string) (sql string, capture RenderCapture, err error) {
	body, readErr := os.ReadFile(path)
	if readErr != nil {
		return "", RenderCapture{}, apierr.ConfigWrap(readErr, "reading module %s", path)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	defer func() {
		if rec := recover(); rec != nil {
			err = apierr.Mutex(fmt.Errorf("%v", rec), "panic while rendering module %s", path)
		}
	}()

	r.capture = RenderCapture{}

	tmpl, parseErr := template.New(filepath.Base(path)).Funcs(template.FuncMap{
		"sink": func(name string) string {
			r.capture.Sink = name
			return ""
		},
		"use_source": func(name string) string {
			r.capture.Source = name
			return name
		},
		"schedule": func(expr string) string {
			r.capture.Schedule = expr
			return ""
		},
	}).Parse(string(body))
	if parseErr != nil {
		return "", RenderCapture{}, apierr.ConfigWrap(parseErr, "parsing module %s", path)
	}

	var out strings.Builder
	if execErr := tmpl.Execute(&out, nil); execErr != nil {
		return "", RenderCapture{}, apierr.ConfigWrap(execErr, "rendering module %s", path)
	}

	return out.String(), r.capture, nil
}
