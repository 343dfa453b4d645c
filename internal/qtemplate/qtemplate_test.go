package qtemplate

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func withFrozenNow(t *testing.T, fixed time.Time) {
	t.Helper()
	orig := now
	now = func() time.Time { return fixed }
	t.Cleanup(func() { now = orig })
}

func TestCurrentDateFormat(t *testing.T) {
	withFrozenNow(t, time.Date(2026, 3, 5, 12, 0, 0, 0, time.UTC))
	assert.Equal(t, "2026-03-05", CurrentDate())
}

func TestFewDateAgoZeroEqualsCurrentDate(t *testing.T) {
	withFrozenNow(t, time.Date(2026, 3, 5, 12, 0, 0, 0, time.UTC))
	got, err := FewDateAgo(0)
	require.NoError(t, err)
	assert.Equal(t, CurrentDate(), got)
}

func TestFewDateAgoNegativeErrors(t *testing.T) {
	_, err := FewDateAgo(-1)
	require.Error(t, err)
}

func TestFewDateAgoSubtractsDays(t *testing.T) {
	withFrozenNow(t, time.Date(2026, 3, 5, 12, 0, 0, 0, time.UTC))
	got, err := FewDateAgo(7)
	require.NoError(t, err)
	assert.Equal(t, "2026-02-26", got)
}

func TestSubstituteUnknownFunctionErrors(t *testing.T) {
	_, err := Substitute("{{ mystery_fn() }}")
	require.Error(t, err)
}

func TestSubstituteMixedText(t *testing.T) {
	withFrozenNow(t, time.Date(2026, 3, 5, 12, 0, 0, 0, time.UTC))
	got, err := Substitute("start={{ few_date_ago(7) }}&end={{ current_date() }}")
	require.NoError(t, err)
	assert.Equal(t, "start=2026-02-26&end=2026-03-05", got)
}

func TestSubstituteIdempotentOnPlainText(t *testing.T) {
	got, err := Substitute("no templates here")
	require.NoError(t, err)
	assert.Equal(t, "no templates here", got)
}
