package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func TestBufferRecord_QuietUntil(t *testing.T) {
	rec := BufferRecord{UpdatedAt: t0}
	require.Equal(t, t0.Add(10*time.Second), rec.QuietUntil(10*time.Second))

	rec.DebounceWindow = 3 * time.Second
	require.Equal(t, t0.Add(3*time.Second), rec.QuietUntil(10*time.Second))
}

func TestBufferRecord_ScheduleActive(t *testing.T) {
	window := 10 * time.Second
	rec := BufferRecord{}
	require.False(t, rec.ScheduleActive(t0, window))

	at := t0
	rec.FlushScheduledAt = &at
	require.True(t, rec.ScheduleActive(t0, window))
	require.True(t, rec.ScheduleActive(t0.Add(window-time.Millisecond), window))
	require.False(t, rec.ScheduleActive(t0.Add(window), window))
}

func TestCombineMessages(t *testing.T) {
	require.Equal(t, "", CombineMessages(nil))
	require.Equal(t, "hola", CombineMessages([]string{"hola"}))
	require.Equal(t, "hola\nquiero una cita\nmañana", CombineMessages([]string{"hola", "quiero una cita", "mañana"}))
}
