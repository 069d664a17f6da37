package logic

import (
	"sort"
	"time"
)

// Detector debounces each pin independently and reports transitions.
type Detector struct {
	debounceDuration time.Duration
	pins             map[int]*pinState
	startTime        time.Time
	counts           map[int]PinCounts
	lastHeartbeat    time.Time
}

// NewDetector creates a new transition detector with the given debounce duration.
// The startTime is used for calculating uptime in heartbeat data.
func NewDetector(debounceDuration time.Duration, startTime time.Time) *Detector {
	return &Detector{
		debounceDuration: debounceDuration,
		pins:             make(map[int]*pinState),
		startTime:        startTime,
		counts:           make(map[int]PinCounts),
		lastHeartbeat:    startTime,
	}
}

// Process takes a new input sample and returns the changes it completes,
// ordered by pin. A pin produces no changes until its own baseline is
// established.
func (d *Detector) Process(input Input) []Change {
	pins := make([]int, 0, len(input.Levels))
	for pin := range input.Levels {
		pins = append(pins, pin)
	}
	sort.Ints(pins)

	var changes []Change
	for _, pin := range pins {
		ps, ok := d.pins[pin]
		if !ok {
			ps = &pinState{}
			d.pins[pin] = ps
		}
		if c, ok := d.processPin(ps, boolToLevel(input.Levels[pin]), input.Time); ok {
			c.Pin = pin
			changes = append(changes, c)

			counts := d.counts[pin]
			if c.Level == LevelHigh {
				counts.High++
			} else {
				counts.Low++
			}
			d.counts[pin] = counts
		}
	}
	return changes
}

// processPin handles debounce logic for a single pin.
func (d *Detector) processPin(ps *pinState, level Level, now time.Time) (Change, bool) {
	if !ps.baselined {
		if ps.pending != level {
			// first sample, or level changed during baseline: restart
			ps.pending = level
			ps.pendingSince = now
		}
		if now.Sub(ps.pendingSince) >= d.debounceDuration {
			ps.stable = level
			ps.stableSince = now
			ps.baselined = true
			ps.pending = ""
		}
		return Change{}, false
	}

	if level == ps.stable {
		ps.pending = ""
		return Change{}, false
	}

	if ps.pending != level {
		ps.pending = level
		ps.pendingSince = now
		if d.debounceDuration > 0 {
			return Change{}, false
		}
	}

	if now.Sub(ps.pendingSince) < d.debounceDuration {
		return Change{}, false
	}

	c := Change{Level: level, Time: now, Held: now.Sub(ps.stableSince)}
	ps.stable = level
	ps.stableSince = now
	ps.pending = ""
	return c, true
}

func boolToLevel(b bool) Level {
	if b {
		return LevelHigh
	}
	return LevelLow
}

// IsBaselined reports whether every pin seen so far has a baseline.
func (d *Detector) IsBaselined() bool {
	if len(d.pins) == 0 {
		return false
	}
	for _, ps := range d.pins {
		if !ps.baselined {
			return false
		}
	}
	return true
}

// Level returns the stable level of pin and whether it is baselined.
func (d *Detector) Level(pin int) (Level, bool) {
	ps, ok := d.pins[pin]
	if !ok || !ps.baselined {
		return "", false
	}
	return ps.stable, true
}

// Counts returns a copy of the per-pin transition counts.
func (d *Detector) Counts() map[int]PinCounts {
	out := make(map[int]PinCounts, len(d.counts))
	for pin, c := range d.counts {
		out[pin] = c
	}
	return out
}

// CheckHeartbeat returns heartbeat data if the interval has elapsed since the
// last heartbeat (or startup). Returns nil if not yet baselined, if the
// interval has not elapsed, or if interval is <= 0 (disabled).
func (d *Detector) CheckHeartbeat(now time.Time, interval time.Duration) *HeartbeatData {
	if interval <= 0 {
		return nil
	}

	if !d.IsBaselined() {
		return nil
	}

	if now.Sub(d.lastHeartbeat) < interval {
		return nil
	}

	d.lastHeartbeat = now
	return &HeartbeatData{
		Timestamp: now,
		Uptime:    now.Sub(d.startTime),
		Counts:    d.Counts(),
	}
}
