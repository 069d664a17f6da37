//go:build linux

package gpio

import (
	"errors"
	"fmt"

	"github.com/warthog618/go-gpiocdev"
)

// RealReader reads GPIO from actual hardware using Linux GPIO character device.
type RealReader struct {
	chip   *gpiocdev.Chip
	lines  *gpiocdev.Lines
	pins   []int
	values []int
}

// NewRealReader requests pins on chip as inputs with pull-ups.
func NewRealReader(chip string, pins []int) (*RealReader, error) {
	if len(pins) == 0 {
		return nil, errors.New("no pins requested")
	}
	if chip == "" {
		chip = DefaultChip
	}

	c, err := gpiocdev.NewChip(chip)
	if err != nil {
		return nil, fmt.Errorf("open gpio chip %s: %w", chip, err)
	}

	lines, err := c.RequestLines(pins, gpiocdev.AsInput, gpiocdev.WithPullUp, gpiocdev.WithConsumer("andon-monitor"))
	if err != nil {
		c.Close()
		return nil, fmt.Errorf("request pins %v: %w", pins, err)
	}

	return &RealReader{
		chip:   c,
		lines:  lines,
		pins:   append([]int(nil), pins...),
		values: make([]int, len(pins)),
	}, nil
}

// Read returns the current level of every requested pin.
func (r *RealReader) Read() (map[int]bool, error) {
	if err := r.lines.Values(r.values); err != nil {
		return nil, fmt.Errorf("read pins: %w", err)
	}
	levels := make(map[int]bool, len(r.pins))
	for i, pin := range r.pins {
		levels[pin] = r.values[i] == 1
	}
	return levels, nil
}

// Close releases the lines and the chip.
func (r *RealReader) Close() error {
	var errs []error
	if r.lines != nil {
		if err := r.lines.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close lines: %w", err))
		}
	}
	if r.chip != nil {
		if err := r.chip.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close chip: %w", err))
		}
	}
	return errors.Join(errs...)
}
