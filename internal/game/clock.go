package game

import (
	"sync"
	"time"

	"github.com/fianchetto/arbiter/internal/models"
)

// Snapshot is a read-only view of a clock computed at a single instant.
// Flagged is set once a side has run out; Loser is only meaningful then.
type Snapshot struct {
	White   time.Duration
	Black   time.Duration
	Running models.Color
	At      time.Time
	Flagged bool
	Loser   models.Color
}

// Remaining returns the snapshot's budget for one side.
func (s Snapshot) Remaining(c models.Color) time.Duration {
	if c == models.White {
		return s.White
	}
	return s.Black
}

// Seconds returns a side's remaining whole seconds, the wire format for
// all timer payloads.
func (s Snapshot) Seconds(c models.Color) int64 {
	return int64(s.Remaining(c) / time.Second)
}

// Clock is the dual countdown for one game. White runs from the moment
// of construction (the pairing instant, not move one). Elapsed time is
// debited against the wall clock at observation time, so snapshots are
// exact regardless of tick granularity; the internal one-second ticker
// exists only to schedule flag-fall detection.
type Clock struct {
	mu           sync.Mutex
	white        time.Duration
	black        time.Duration
	running      models.Color
	runningSince time.Time
	stopped      bool
	flagged      bool
	loser        models.Color
	onFlagFall   func(models.Color)
	stopCh       chan struct{}
	stopOnce     sync.Once
}

// NewClock starts a clock with the given per-side budget in minutes.
// onFlagFall is invoked at most once, from the clock's own goroutine,
// when the running side first reaches zero.
func NewClock(minutes int, onFlagFall func(loser models.Color)) *Clock {
	return NewClockWithBudget(time.Duration(minutes)*time.Minute, onFlagFall)
}

// NewClockWithBudget is NewClock with an explicit per-side duration.
func NewClockWithBudget(perSide time.Duration, onFlagFall func(loser models.Color)) *Clock {
	c := &Clock{
		white:        perSide,
		black:        perSide,
		running:      models.White,
		runningSince: time.Now(),
		onFlagFall:   onFlagFall,
		stopCh:       make(chan struct{}),
	}
	go c.watch()
	return c
}

func (c *Clock) watch() {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			if c.expire() {
				return
			}
		}
	}
}

// expire fires the flag-fall callback if the running side has run out.
// Returns true once the clock no longer needs watching.
func (c *Clock) expire() bool {
	c.mu.Lock()
	if c.stopped || c.flagged {
		c.mu.Unlock()
		return true
	}
	now := time.Now()
	if c.liveRemaining(c.running, now) > 0 {
		c.mu.Unlock()
		return false
	}
	c.flagLocked(now)
	cb := c.onFlagFall
	loser := c.loser
	c.mu.Unlock()

	if cb != nil {
		cb(loser)
	}
	return true
}

// Snapshot may be called at any time; it never mutates the clock.
func (c *Clock) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked(time.Now())
}

// Switch stops the running side, debits its elapsed time, and starts the
// other side. If the running side had already run out, the clock flags
// instead of switching and the returned snapshot carries the loser; the
// flag-fall callback is not invoked on this path, since the caller
// observes the flag synchronously in the snapshot.
func (c *Clock) Switch() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := time.Now()
	if c.stopped || c.flagged {
		return c.snapshotLocked(now)
	}
	if c.liveRemaining(c.running, now) <= 0 {
		c.flagLocked(now)
		return c.snapshotLocked(now)
	}
	c.settleLocked(now)
	c.running = c.running.Opponent()
	return c.snapshotLocked(now)
}

// Stop freezes the clock. Idempotent; safe to call after a flag fall.
func (c *Clock) Stop() {
	c.mu.Lock()
	if !c.stopped {
		c.settleLocked(time.Now())
		c.stopped = true
	}
	c.mu.Unlock()
	c.stopOnce.Do(func() { close(c.stopCh) })
}

func (c *Clock) snapshotLocked(now time.Time) Snapshot {
	return Snapshot{
		White:   c.liveRemaining(models.White, now),
		Black:   c.liveRemaining(models.Black, now),
		Running: c.running,
		At:      now,
		Flagged: c.flagged,
		Loser:   c.loser,
	}
}

// liveRemaining computes a side's remaining budget at now, without
// mutating stored state.
func (c *Clock) liveRemaining(side models.Color, now time.Time) time.Duration {
	rem := c.white
	if side == models.Black {
		rem = c.black
	}
	if !c.stopped && c.running == side {
		rem -= now.Sub(c.runningSince)
	}
	if rem < 0 {
		rem = 0
	}
	return rem
}

// settleLocked debits the running side up to now and restarts the
// measurement window.
func (c *Clock) settleLocked(now time.Time) {
	elapsed := now.Sub(c.runningSince)
	if elapsed < 0 {
		elapsed = 0
	}
	if c.running == models.White {
		c.white -= elapsed
		if c.white < 0 {
			c.white = 0
		}
	} else {
		c.black -= elapsed
		if c.black < 0 {
			c.black = 0
		}
	}
	c.runningSince = now
}

// flagLocked freezes the clock with the running side at zero.
func (c *Clock) flagLocked(now time.Time) {
	c.settleLocked(now)
	c.flagged = true
	c.stopped = true
	c.loser = c.running
	if c.running == models.White {
		c.white = 0
	} else {
		c.black = 0
	}
}
