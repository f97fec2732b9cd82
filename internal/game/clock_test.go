package game

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fianchetto/arbiter/internal/models"
)

func TestClockStartsWithWhiteRunning(t *testing.T) {
	c := NewClockWithBudget(time.Minute, nil)
	defer c.Stop()

	snap := c.Snapshot()
	assert.Equal(t, models.White, snap.Running)
	assert.False(t, snap.Flagged)
	assert.Equal(t, time.Minute, snap.Black)
	assert.LessOrEqual(t, snap.White, time.Minute)
	assert.Greater(t, snap.White, 50*time.Second)
}

func TestSnapshotDebitsObservationTimeWithoutMutating(t *testing.T) {
	c := NewClockWithBudget(time.Minute, nil)
	defer c.Stop()

	first := c.Snapshot()
	time.Sleep(30 * time.Millisecond)
	second := c.Snapshot()

	assert.Less(t, second.White, first.White)
	assert.Equal(t, time.Minute, second.Black, "idle side never loses time")
}

func TestSwitchDebitsRunningSideAndStartsOther(t *testing.T) {
	c := NewClockWithBudget(time.Minute, nil)
	defer c.Stop()

	time.Sleep(30 * time.Millisecond)
	snap := c.Switch()

	assert.Equal(t, models.Black, snap.Running)
	assert.False(t, snap.Flagged)
	assert.Less(t, snap.White, time.Minute)
	assert.Equal(t, time.Minute, snap.Black)

	time.Sleep(30 * time.Millisecond)
	later := c.Snapshot()
	assert.Less(t, later.Black, time.Minute, "black runs after the switch")
	assert.Equal(t, snap.White, later.White, "white is frozen after the switch")
}

func TestFlagFallFiresCallbackOnce(t *testing.T) {
	fired := make(chan models.Color, 4)
	c := NewClockWithBudget(100*time.Millisecond, func(loser models.Color) {
		fired <- loser
	})
	defer c.Stop()

	select {
	case loser := <-fired:
		assert.Equal(t, models.White, loser)
	case <-time.After(3 * time.Second):
		t.Fatal("flag fall callback never fired")
	}

	// The watcher retires after the first flag; give it time to prove it.
	time.Sleep(1500 * time.Millisecond)
	assert.Empty(t, fired)

	snap := c.Snapshot()
	assert.True(t, snap.Flagged)
	assert.Equal(t, models.White, snap.Loser)
	assert.Equal(t, time.Duration(0), snap.White)
}

func TestSwitchOnExhaustedClockFlagsWithoutCallback(t *testing.T) {
	fired := make(chan models.Color, 4)
	c := NewClockWithBudget(30*time.Millisecond, func(loser models.Color) {
		fired <- loser
	})
	defer c.Stop()

	time.Sleep(60 * time.Millisecond)
	snap := c.Switch()

	require.True(t, snap.Flagged)
	assert.Equal(t, models.White, snap.Loser)
	assert.Equal(t, models.White, snap.Running, "a flagged clock never switches sides")

	// The caller saw the flag synchronously; the watcher must stay quiet.
	time.Sleep(1300 * time.Millisecond)
	assert.Empty(t, fired)
}

func TestStopFreezesAndIsIdempotent(t *testing.T) {
	c := NewClockWithBudget(time.Minute, nil)

	time.Sleep(20 * time.Millisecond)
	c.Stop()
	c.Stop()

	first := c.Snapshot()
	time.Sleep(50 * time.Millisecond)
	second := c.Snapshot()

	assert.Equal(t, first.White, second.White)
	assert.Equal(t, first.Black, second.Black)
}

func TestSecondsTruncatesToWholeSeconds(t *testing.T) {
	c := NewClockWithBudget(90*time.Second, nil)
	defer c.Stop()

	snap := c.Snapshot()
	secs := snap.Seconds(models.White)
	assert.True(t, secs == 89 || secs == 90, "got %d", secs)
	assert.Equal(t, int64(90), snap.Seconds(models.Black))
}
