package config

import (
	"errors"
	"fmt"
	"net"
	"time"
)

// DefaultMonitorFile is the monitor config path used when --config is unset.
const DefaultMonitorFile = "andon_monitor.toml"

// Monitor is the andon-monitor configuration.
type Monitor struct {
	Device DeviceSection `toml:"device" yaml:"device"`
	Server TargetSection `toml:"server" yaml:"server"`
	GPIO   GPIOSection   `toml:"gpio" yaml:"gpio"`
	Log    LogSection    `toml:"log" yaml:"log"`
}

type DeviceSection struct {
	Name string `toml:"name" yaml:"name"`
}

// TargetSection is the ingestion server the monitor reports to.
type TargetSection struct {
	Address string `toml:"address" yaml:"address"`
}

type GPIOSection struct {
	Chip       string `toml:"chip" yaml:"chip"`
	Pins       []int  `toml:"pins" yaml:"pins"`
	DebounceMs int    `toml:"debounce_ms" yaml:"debounce_ms"`
	PollMs     int    `toml:"poll_ms" yaml:"poll_ms"`
}

// DefaultMonitor returns the configuration used when no file exists.
func DefaultMonitor() Monitor {
	return Monitor{
		Device: DeviceSection{Name: "Andon-1"},
		Server: TargetSection{Address: "192.168.1.128:5000"},
		GPIO: GPIOSection{
			Chip:       "gpiochip0",
			Pins:       []int{23, 24, 25, 12},
			DebounceMs: 100,
			PollMs:     20,
		},
		Log: LogSection{Level: "info"},
	}
}

// Debounce returns the GPIO debounce window.
func (c Monitor) Debounce() time.Duration {
	return time.Duration(c.GPIO.DebounceMs) * time.Millisecond
}

// Poll returns the GPIO sampling interval.
func (c Monitor) Poll() time.Duration {
	return time.Duration(c.GPIO.PollMs) * time.Millisecond
}

// Validate reports the first invalid field.
func (c Monitor) Validate() error {
	if c.Device.Name == "" {
		return errors.New("device.name is empty")
	}
	if _, _, err := net.SplitHostPort(c.Server.Address); err != nil {
		return fmt.Errorf("server.address %q: %w", c.Server.Address, err)
	}
	if len(c.GPIO.Pins) == 0 {
		return errors.New("gpio.pins is empty")
	}
	seen := make(map[int]bool, len(c.GPIO.Pins))
	for _, p := range c.GPIO.Pins {
		if p < 0 {
			return fmt.Errorf("gpio.pins: invalid pin %d", p)
		}
		if seen[p] {
			return fmt.Errorf("gpio.pins: duplicate pin %d", p)
		}
		seen[p] = true
	}
	if c.GPIO.DebounceMs < 0 {
		return fmt.Errorf("gpio.debounce_ms must not be negative, got %d", c.GPIO.DebounceMs)
	}
	if c.GPIO.PollMs < 1 {
		return fmt.Errorf("gpio.poll_ms must be positive, got %d", c.GPIO.PollMs)
	}
	if _, err := ParseLevel(c.Log.Level); err != nil {
		return err
	}
	return nil
}

// LoadMonitor reads path into a Monitor seeded with defaults. created reports
// whether the file was missing and a default one was written.
func LoadMonitor(path string) (cfg Monitor, created bool, err error) {
	cfg = DefaultMonitor()
	created, err = load(path, &cfg)
	if err != nil {
		return Monitor{}, false, err
	}
	return cfg, created, cfg.Validate()
}
