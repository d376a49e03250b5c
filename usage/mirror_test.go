package usage_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	ng "github.com/ineyio/neutralgate"
	"github.com/ineyio/neutralgate/usage"
)

func TestApply_Accumulates(t *testing.T) {
	m := usage.NewMirror()

	s, err := m.Apply(usage.Increment{DeviceID: "d", RequestID: "r1", Date: "2025-03-01",
		Increments: map[string]int64{"openai": 1, "gemini": 2}})
	require.NoError(t, err)
	assert.False(t, s.Duplicate)

	s, err = m.Apply(usage.Increment{DeviceID: "d", RequestID: "r2", Date: "2025-03-01",
		Increments: map[string]int64{"openai": 3}})
	require.NoError(t, err)
	assert.Equal(t, map[string]int64{"openai": 4, "gemini": 2}, s.Totals)
	assert.Equal(t, "2025-03-01", s.Date)
}

func TestApply_IdempotentByRequestID(t *testing.T) {
	m := usage.NewMirror()
	inc := usage.Increment{DeviceID: "d", RequestID: "same", Date: "2025-03-01", Increments: map[string]int64{"claude": 1}}

	_, err := m.Apply(inc)
	require.NoError(t, err)

	s, err := m.Apply(inc)
	require.NoError(t, err)
	assert.True(t, s.Duplicate)
	assert.Equal(t, map[string]int64{"claude": 1}, s.Totals)

	// Same request id on another device is independent.
	other := inc
	other.DeviceID = "e"
	s, err = m.Apply(other)
	require.NoError(t, err)
	assert.False(t, s.Duplicate)
}

func TestApply_DefaultDate(t *testing.T) {
	now := time.Date(2025, 5, 6, 23, 0, 0, 0, time.UTC)
	m := usage.NewMirror(usage.WithClock(func() time.Time { return now }))

	s, err := m.Apply(usage.Increment{DeviceID: "d", RequestID: "r", Increments: map[string]int64{"x": 1}})
	require.NoError(t, err)
	assert.Equal(t, "2025-05-06", s.Date)
}

func TestApply_Validation(t *testing.T) {
	m := usage.NewMirror()

	tests := []usage.Increment{
		{RequestID: "r"},
		{DeviceID: "d"},
		{DeviceID: "d", RequestID: "r", Date: "03/01/2025"},
		{DeviceID: "d", RequestID: "r", Increments: map[string]int64{"x": -1}},
	}
	for _, inc := range tests {
		_, err := m.Apply(inc)
		assert.ErrorIs(t, err, ng.ErrInvalidRequest)
	}
}

func TestApply_PrunesOldDates(t *testing.T) {
	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	m := usage.NewMirror(usage.WithRetention(2), usage.WithClock(func() time.Time { return now }))

	_, err := m.Apply(usage.Increment{DeviceID: "d", RequestID: "r1", Increments: map[string]int64{"x": 1}})
	require.NoError(t, err)

	now = now.AddDate(0, 0, 5)
	_, err = m.Apply(usage.Increment{DeviceID: "d", RequestID: "r2", Increments: map[string]int64{"x": 1}})
	require.NoError(t, err)

	assert.Empty(t, m.Totals("d", "2025-01-01"))
	assert.Equal(t, map[string]int64{"x": 1}, m.Totals("d", "2025-01-06"))

	// The pruned request id may be reused.
	s, err := m.Apply(usage.Increment{DeviceID: "d", RequestID: "r1", Increments: map[string]int64{"x": 1}})
	require.NoError(t, err)
	assert.False(t, s.Duplicate)
}

func TestApply_RequestIDsAreBounded(t *testing.T) {
	m := usage.NewMirror(usage.WithMaxRequestIDs(3))
	apply := func(id string) usage.Snapshot {
		s, err := m.Apply(usage.Increment{DeviceID: "d", RequestID: id, Date: "2025-03-01", Increments: map[string]int64{"x": 1}})
		require.NoError(t, err)
		return s
	}

	for _, id := range []string{"r1", "r2", "r3", "r4"} {
		assert.False(t, apply(id).Duplicate)
	}
	assert.Equal(t, 3, m.RememberedRequestIDs())

	// r1 was evicted to make room for r4; the newest ids still deduplicate.
	assert.True(t, apply("r4").Duplicate)
	assert.True(t, apply("r3").Duplicate)
	assert.False(t, apply("r1").Duplicate)
	assert.Equal(t, 3, m.RememberedRequestIDs())
}
