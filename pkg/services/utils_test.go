package services

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseTime(t *testing.T) {
	now := time.Date(2025, 8, 21, 15, 30, 0, 0, time.UTC)

	tests := []struct {
		input string
		want  time.Time
	}{
		{"2025-08-21T10:11:12Z", time.Date(2025, 8, 21, 10, 11, 12, 0, time.UTC)},
		{"2025-08-21T10:11:12", time.Date(2025, 8, 21, 10, 11, 12, 0, time.UTC)},
		{"2025-08-21T10:11:12.250", time.Date(2025, 8, 21, 10, 11, 12, 250000000, time.UTC)},
		{"2025-08-21 10:11:12", time.Date(2025, 8, 21, 10, 11, 12, 0, time.UTC)},
		{"2025-08-21 00:18:56,273", time.Date(2025, 8, 21, 0, 18, 56, 273000000, time.UTC)},
		{"2025-08-21 10:11", time.Date(2025, 8, 21, 10, 11, 0, 0, time.UTC)},
		{"2025-08-21 10", time.Date(2025, 8, 21, 10, 0, 0, 0, time.UTC)},
		{"2025-08-21", time.Date(2025, 8, 21, 0, 0, 0, 0, time.UTC)},
		{"now", now},
		{"today", time.Date(2025, 8, 21, 0, 0, 0, 0, time.UTC)},
		{"Yesterday", time.Date(2025, 8, 20, 0, 0, 0, 0, time.UTC)},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParseTime(tt.input, now)
			require.NoError(t, err)
			assert.True(t, tt.want.Equal(got), "got %s", got)
		})
	}

	_, err := ParseTime("21/08/2025", now)
	assert.Error(t, err)
}

func TestParseTimeRange(t *testing.T) {
	now := time.Date(2025, 8, 21, 15, 30, 0, 0, time.UTC)

	from, to, err := ParseTimeRange("", "", now)
	require.NoError(t, err)
	assert.Nil(t, from)
	assert.Nil(t, to)

	from, to, err = ParseTimeRange("2025-08-20", "", now)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2025, 8, 20, 0, 0, 0, 0, time.UTC), *from)
	assert.Equal(t, time.Date(2025, 8, 20, 23, 59, 59, 999999999, time.UTC), *to)

	from, to, err = ParseTimeRange("", "2025-08-20 12:00:00", now)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2025, 8, 20, 0, 0, 0, 0, time.UTC), *from)
	assert.Equal(t, time.Date(2025, 8, 20, 12, 0, 0, 0, time.UTC), *to)

	_, _, err = ParseTimeRange("2025-08-21", "2025-08-20", now)
	assert.Error(t, err)

	_, _, err = ParseTimeRange("bogus", "", now)
	assert.ErrorContains(t, err, "start_time")
}
