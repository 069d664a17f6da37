package event

import "strconv"

// Andon light tower wiring (BCM numbering).
const (
	PinGreen  = 23
	PinYellow = 24
	PinRed    = 25
	PinLoad   = 12
)

// DefaultPins is the set of lines a monitor watches unless configured otherwise.
var DefaultPins = []int{PinGreen, PinYellow, PinRed, PinLoad}

var pinNames = map[int]string{
	PinGreen:  "Green",
	PinYellow: "Yellow",
	PinRed:    "Red",
	PinLoad:   "Load",
}

// PinLabel returns the display name for pin, or "Pin_<n>" for unmapped lines.
func PinLabel(pin int) string {
	if name, ok := pinNames[pin]; ok {
		return name
	}
	return "Pin_" + strconv.Itoa(pin)
}
