package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMissionStatusString(t *testing.T) {
	tests := []struct {
		status MissionStatus
		want   string
	}{
		{MissionPending, "pending"},
		{MissionRunning, "running"},
		{MissionCompleted, "completed"},
		{MissionFailed, "failed"},
		{MissionCanceled, "canceled"},
	}
	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			assert.Equal(t, tt.want, string(tt.status))
		})
	}
}

func TestMissionStatusIsTerminal(t *testing.T) {
	assert.False(t, MissionPending.IsTerminal())
	assert.False(t, MissionRunning.IsTerminal())
	assert.True(t, MissionCompleted.IsTerminal())
	assert.True(t, MissionFailed.IsTerminal())
	assert.True(t, MissionCanceled.IsTerminal())
}

func TestMissionTypeValid(t *testing.T) {
	for _, missionType := range MissionTypes {
		assert.True(t, missionType.Valid(), "%s should be valid", missionType)
	}
	assert.False(t, MissionType("").Valid())
	assert.False(t, MissionType("telemetry_sweep").Valid())
}

func TestParsePriority(t *testing.T) {
	tests := []struct {
		in   string
		want Priority
	}{
		{"", PriorityNormal},
		{"low", PriorityLow},
		{"Normal", PriorityNormal},
		{" high ", PriorityHigh},
		{"CRITICAL", PriorityCritical},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParsePriority(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			if tt.in != "" {
				assert.Equal(t, got, mustParse(t, got.String()))
			}
		})
	}

	_, err := ParsePriority("urgent")
	assert.EqualError(t, err, `unknown priority "urgent"`)
}

func mustParse(t *testing.T, value string) Priority {
	t.Helper()
	p, err := ParsePriority(value)
	require.NoError(t, err)
	return p
}

func TestPriorityOrdering(t *testing.T) {
	assert.Less(t, int(PriorityLow), int(PriorityNormal))
	assert.Less(t, int(PriorityNormal), int(PriorityHigh))
	assert.Less(t, int(PriorityHigh), int(PriorityCritical))
	assert.False(t, Priority(0).Valid())
	assert.False(t, Priority(5).Valid())
	assert.Equal(t, "priority(9)", Priority(9).String())
}

func TestContactWindowTiming(t *testing.T) {
	aos := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	w := ContactWindow{AOS: aos, LOS: aos.Add(10 * time.Minute)}

	assert.Equal(t, 600.0, w.DurationSeconds())
	assert.False(t, w.InProgress(aos.Add(-time.Second)))
	assert.True(t, w.InProgress(aos))
	assert.True(t, w.InProgress(aos.Add(5*time.Minute)))
	assert.True(t, w.InProgress(w.LOS))
	assert.False(t, w.InProgress(w.LOS.Add(time.Nanosecond)))
}

func TestMissionHasDeadline(t *testing.T) {
	assert.False(t, Mission{}.HasDeadline())
	assert.True(t, Mission{Deadline: time.Now()}.HasDeadline())
}
