package alerts

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRequiredGap(t *testing.T) {
	tests := []struct {
		alarmCount int
		want       time.Duration
	}{
		{0, 0},
		{1, 6 * time.Hour},
		{2, 12 * time.Hour},
		{3, 24 * time.Hour},
		{4, 48 * time.Hour},
		{5, 48 * time.Hour},
		{10, 48 * time.Hour},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, RequiredGap(tt.alarmCount), "alarmCount=%d", tt.alarmCount)
	}
}

func TestProgressiveSchedule(t *testing.T) {
	state := newProgressiveState()
	now := time.Now()

	// First alarm fires immediately.
	assert.True(t, state.shouldSend("nolus-1", now))
	state.markSent("nolus-1", now)

	// Second alarm is gated by the 6h gap.
	assert.False(t, state.shouldSend("nolus-1", now.Add(5*time.Hour)))
	assert.True(t, state.shouldSend("nolus-1", now.Add(6*time.Hour)))
	state.markSent("nolus-1", now.Add(6*time.Hour))

	// Third by 12h from the second.
	assert.False(t, state.shouldSend("nolus-1", now.Add(17*time.Hour)))
	assert.True(t, state.shouldSend("nolus-1", now.Add(18*time.Hour)))

	// Other targets are independent.
	assert.True(t, state.shouldSend("osmosis-1", now))
}

func TestClearAlarms(t *testing.T) {
	state := newProgressiveState()
	now := time.Now()

	// Clearing an untouched target reports no alarms sent.
	assert.False(t, state.clear("nolus-1"))

	state.markSent("nolus-1", now)
	state.markSent("nolus-1", now.Add(6*time.Hour))
	assert.Equal(t, 2, state.count("nolus-1"))

	// Clearing after alarms reports true and resets the schedule.
	assert.True(t, state.clear("nolus-1"))
	assert.Equal(t, 0, state.count("nolus-1"))
	assert.True(t, state.shouldSend("nolus-1", now.Add(6*time.Hour+time.Minute)))
}
