package templating

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeModule(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestListModulesFindsSQLFilesSorted(t *testing.T) {
	dir := t.TempDir()
	writeModule(t, dir, "b.sql", "SELECT 1")
	writeModule(t, dir, "a.SQL", "SELECT 1")
	writeModule(t, dir, "notes.txt", "ignored")
	require.NoError(t, os.Mkdir(filepath.Join(dir, "sub"), 0o755))
	writeModule(t, filepath.Join(dir, "sub"), "c.sql", "SELECT 1")

	modules, err := ListModules(dir)
	require.NoError(t, err)
	require.Len(t, modules, 3)
	assert.True(t, modules[0] < modules[1] && modules[1] < modules[2])
}

func TestListModulesMissingRootIsError(t *testing.T) {
	_, err := ListModules(filepath.Join(t.TempDir(), "does-not-exist"))
	assert.Error(t, err)
}

func TestRenderCapturesSinkSourceSchedule(t *testing.T) {
	dir := t.TempDir()
	path := writeModule(t, dir, "widgets.sql", `
{{ sink "warehouse" }}{{ use_source "widgets_api" }}{{ schedule "0 * * * *" }}
SELECT * FROM {{ use_source "widgets_api" }}
`)

	r := NewRenderer()
	sql, capture, err := r.Render(path)
	require.NoError(t, err)

	assert.Equal(t, "warehouse", capture.Sink)
	assert.Equal(t, "widgets_api", capture.Source)
	assert.Equal(t, "0 * * * *", capture.Schedule)
	assert.Contains(t, sql, "SELECT * FROM widgets_api")
}

func TestRenderResetsCaptureBetweenCalls(t *testing.T) {
	dir := t.TempDir()
	first := writeModule(t, dir, "first.sql", `{{ sink "a" }}{{ use_source "a_src" }}{{ schedule "@hourly" }}SELECT 1`)
	second := writeModule(t, dir, "second.sql", `SELECT 2`)

	r := NewRenderer()
	_, _, err := r.Render(first)
	require.NoError(t, err)

	_, capture, err := r.Render(second)
	require.NoError(t, err)

	assert.Empty(t, capture.Sink)
	assert.Empty(t, capture.Source)
	assert.Empty(t, capture.Schedule)
}

func TestRenderInvalidTemplateIsError(t *testing.T) {
	dir := t.TempDir()
	path := writeModule(t, dir, "broken.sql", `{{ .Unclosed`)

	r := NewRenderer()
	_, _, err := r.Render(path)
	assert.Error(t, err)
}

func TestRenderMissingFileIsError(t *testing.T) {
	r := NewRenderer()
	_, _, err := r.Render(filepath.Join(t.TempDir(), "missing.sql"))
	assert.Error(t, err)
}
