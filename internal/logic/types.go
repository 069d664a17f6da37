// Package logic contains the pure edge-detection logic of the monitor.
// This package has NO external dependencies (no GPIO, network, OS, or time.Sleep).
// Time is always injectable via time.Time parameters.
package logic

import "time"

// Level is the electrical level of a pin, as sent on the wire.
type Level string

const (
	LevelHigh Level = "HIGH"
	LevelLow  Level = "LOW"
)

// Change is one debounced transition of a pin.
type Change struct {
	Pin   int
	Level Level // level the pin changed to
	Time  time.Time
	// Held is how long the pin sat at its previous level.
	Held time.Duration
}

// pinState tracks debounce state for a single pin.
type pinState struct {
	// Current stable (debounced) level
	stable Level
	// StableSince is when the stable level was confirmed
	stableSince time.Time
	// Pending level during debounce
	pending Level
	// Time when pending level was first observed
	pendingSince time.Time
	// Whether we have established a baseline
	baselined bool
}

// Input is a single sample of every watched pin.
type Input struct {
	Levels map[int]bool // true = HIGH
	Time   time.Time
}

// PinCounts tracks transitions of one pin since startup.
type PinCounts struct {
	High int
	Low  int
}

// HeartbeatData contains information for a heartbeat log line.
type HeartbeatData struct {
	Timestamp time.Time
	Uptime    time.Duration
	Counts    map[int]PinCounts
}
