// Package gpio provides GPIO input reading with hardware abstraction.
// The real implementation uses the Linux GPIO character device.
// The fake implementation allows testing without hardware.
package gpio

// Reader samples a fixed set of input pins.
type Reader interface {
	// Read returns the electrical level of every watched pin, keyed by BCM
	// number. true is HIGH. With pull-ups, a released button reads HIGH.
	Read() (map[int]bool, error)

	// Close releases GPIO resources.
	Close() error
}

// DefaultChip is the Raspberry Pi header's GPIO controller.
const DefaultChip = "gpiochip0"
