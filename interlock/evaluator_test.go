package interlock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/growplane/types"
)

func reading(streamID string, value float64, age time.Duration) *types.Reading {
	return &types.Reading{
		StreamID:   streamID,
		Value:      value,
		SourceTime: time.Now().Add(-age),
	}
}

func tripTypes(trips []types.InterlockTrip) []types.InterlockType {
	out := make([]types.InterlockType, 0, len(trips))
	for _, t := range trips {
		out = append(out, t.Type)
	}
	return out
}

func TestEvaluateCleanSnapshot(t *testing.T) {
	e := NewEvaluator(DefaultLimits())

	trips := e.Evaluate(Snapshot{
		Now:       time.Now(),
		TankLevel: reading("tank-1", 80, time.Minute),
		EC:        reading("ec-1", 1.8, time.Minute),
		PH:        reading("ph-1", 6.0, time.Minute),
	})
	assert.Empty(t, trips)
	assert.Empty(t, e.LastEvaluation())
}

func TestEvaluateTrippedConditions(t *testing.T) {
	e := NewEvaluator(DefaultLimits())

	tests := []struct {
		name string
		snap Snapshot
		want types.InterlockType
	}{
		{
			name: "emergency stop",
			snap: Snapshot{EmergencyStop: true},
			want: types.InterlockEmergencyStop,
		},
		{
			name: "door open",
			snap: Snapshot{DoorOpen: true},
			want: types.InterlockDoorOpen,
		},
		{
			name: "tank low",
			snap: Snapshot{TankLevel: reading("tank-1", 4, time.Minute)},
			want: types.InterlockTankLevelLow,
		},
		{
			name: "ec out of bounds",
			snap: Snapshot{EC: reading("ec-1", 4.2, time.Minute)},
			want: types.InterlockECOutOfBounds,
		},
		{
			name: "ph out of bounds",
			snap: Snapshot{PH: reading("ph-1", 8.1, time.Minute)},
			want: types.InterlockPHOutOfBounds,
		},
		{
			name: "co2 lockout only while occupied",
			snap: Snapshot{RoomOccupied: true, CO2: reading("co2-1", 1800, time.Minute)},
			want: types.InterlockCO2Lockout,
		},
		{
			name: "max runtime",
			snap: Snapshot{RunSince: map[string]time.Time{
				"pump-1": time.Now().Add(-45 * time.Minute),
			}},
			want: types.InterlockMaxRuntimeExceeded,
		},
		{
			name: "concurrency limit",
			snap: Snapshot{ScopeInFlight: 2, ScopeLimit: 2},
			want: types.InterlockConcurrencyLimit,
		},
		{
			name: "stale telemetry",
			snap: Snapshot{TankLevel: reading("tank-1", 80, 30*time.Minute)},
			want: types.InterlockStaleTelemetry,
		},
		{
			name: "device timeout",
			snap: Snapshot{LastSeen: map[string]time.Time{
				"valve-3": time.Now().Add(-10 * time.Minute),
			}},
			want: types.InterlockDeviceTimeout,
		},
		{
			name: "flow ceiling",
			snap: Snapshot{Flow: reading("flow-1", 90, time.Minute)},
			want: types.InterlockFlowAnomaly,
		},
		{
			name: "no flow on open line",
			snap: Snapshot{FlowOpen: true, Flow: reading("flow-1", 0.1, time.Minute)},
			want: types.InterlockFlowAnomaly,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			trips := e.Evaluate(tt.snap)
			assert.Contains(t, tripTypes(trips), tt.want)
			for _, trip := range trips {
				assert.NotEmpty(t, trip.Detail)
				assert.False(t, trip.TrippedAt.IsZero())
			}
		})
	}
}

func TestCO2RequiresOccupancy(t *testing.T) {
	e := NewEvaluator(DefaultLimits())

	trips := e.Evaluate(Snapshot{
		RoomOccupied: false,
		CO2:          reading("co2-1", 1800, time.Minute),
	})
	assert.NotContains(t, tripTypes(trips), types.InterlockCO2Lockout)
}

func TestCurfewWindow(t *testing.T) {
	e := NewEvaluator(DefaultLimits())
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	// 22:00 - 06:00, wrapping midnight.
	snap := Snapshot{CurfewStart: 22 * 60, CurfewEnd: 6 * 60}

	snap.Now = base.Add(23 * time.Hour)
	assert.Contains(t, tripTypes(e.Evaluate(snap)), types.InterlockCurfewWindow)

	snap.Now = base.Add(3 * time.Hour)
	assert.Contains(t, tripTypes(e.Evaluate(snap)), types.InterlockCurfewWindow)

	snap.Now = base.Add(12 * time.Hour)
	assert.NotContains(t, tripTypes(e.Evaluate(snap)), types.InterlockCurfewWindow)
}

func TestMultipleTripsReported(t *testing.T) {
	e := NewEvaluator(DefaultLimits())

	trips := e.Evaluate(Snapshot{
		EmergencyStop: true,
		DoorOpen:      true,
		TankLevel:     reading("tank-1", 2, time.Minute),
	})
	got := tripTypes(trips)
	require.GreaterOrEqual(t, len(got), 3)
	assert.Contains(t, got, types.InterlockEmergencyStop)
	assert.Contains(t, got, types.InterlockDoorOpen)
	assert.Contains(t, got, types.InterlockTankLevelLow)
}

func TestLastEvaluationIsIndependentCopy(t *testing.T) {
	e := NewEvaluator(DefaultLimits())
	e.Evaluate(Snapshot{EmergencyStop: true})

	last := e.LastEvaluation()
	require.Len(t, last, 1)
	last[0].Type = "scribbled"

	again := e.LastEvaluation()
	require.Len(t, again, 1)
	assert.Equal(t, types.InterlockEmergencyStop, again[0].Type)
}
