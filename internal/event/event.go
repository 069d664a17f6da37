// Package event defines the GPIO state-change record that flows from a TCP
// client through the persistence queue into a device file, and the decoding
// rules that turn one JSON document into that record.
package event

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"time"
	"unicode/utf8"
)

// Defaults substituted when a request omits a field.
const (
	DefaultDevice = "unknown"
	DefaultState  = "unknown"
)

// TimestampLayout is the server-side timestamp format (millisecond precision).
const TimestampLayout = "2006-01-02 15:04:05.000"

// ClientTimestampLayout is the second-precision format the monitor sends.
const ClientTimestampLayout = "2006-01-02 15:04:05"

var (
	// ErrInvalidJSON is returned when the input is not exactly one JSON document.
	ErrInvalidJSON = errors.New("invalid JSON")
	// ErrFieldType is returned when the document is valid JSON but is not an
	// object, or a known field carries a value of the wrong type.
	ErrFieldType = errors.New("unexpected field type")
)

// Record is one decoded state change. All four fields are always set after
// Decode.
type Record struct {
	Pin         int
	State       string
	TimeDiffSec float64
	Timestamp   string
}

// Item pairs a Record with the device that produced it. It is the unit of
// work handed from a connection to the persistence worker.
type Item struct {
	Device string
	Record Record
}

// Message is the request schema as sent on the wire. Clients marshal it;
// the server decodes with Decode so that absent fields can be defaulted.
type Message struct {
	DeviceName  string  `json:"device_name"`
	Pin         int     `json:"pin"`
	State       string  `json:"state"`
	TimeDiffSec float64 `json:"time_diff_sec"`
	Timestamp   string  `json:"timestamp,omitempty"`
}

// FormatTimestamp renders t in local time using TimestampLayout.
func FormatTimestamp(t time.Time) string {
	return t.Local().Format(TimestampLayout)
}

// Complete reports whether data holds exactly one JSON document in valid
// UTF-8, optionally surrounded by whitespace. A valid prefix followed by more
// bytes is not complete.
func Complete(data []byte) bool {
	return utf8.Valid(data) && json.Valid(data)
}

// Decode parses one JSON document into an Item, filling defaults for absent
// fields. now supplies the timestamp when the request carries none.
func Decode(data []byte, now time.Time) (Item, error) {
	if len(bytes.TrimSpace(data)) == 0 || !Complete(data) {
		return Item{}, ErrInvalidJSON
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		// Valid JSON that is not an object.
		return Item{}, fmt.Errorf("%w: document is not an object", ErrFieldType)
	}
	if fields == nil {
		return Item{}, fmt.Errorf("%w: document is null", ErrFieldType)
	}

	item := Item{
		Device: DefaultDevice,
		Record: Record{
			State: DefaultState,
		},
	}
	var err error
	if raw, ok := fields["device_name"]; ok {
		if item.Device, err = decodeString("device_name", raw); err != nil {
			return Item{}, err
		}
	}
	if raw, ok := fields["pin"]; ok {
		if item.Record.Pin, err = decodeInt("pin", raw); err != nil {
			return Item{}, err
		}
	}
	if raw, ok := fields["state"]; ok {
		if item.Record.State, err = decodeString("state", raw); err != nil {
			return Item{}, err
		}
	}
	if raw, ok := fields["time_diff_sec"]; ok {
		if item.Record.TimeDiffSec, err = decodeFloat("time_diff_sec", raw); err != nil {
			return Item{}, err
		}
	}
	if raw, ok := fields["timestamp"]; ok {
		if item.Record.Timestamp, err = decodeString("timestamp", raw); err != nil {
			return Item{}, err
		}
	} else {
		item.Record.Timestamp = FormatTimestamp(now)
	}
	return item, nil
}

func isNull(raw json.RawMessage) bool {
	return bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}

func decodeString(name string, raw json.RawMessage) (string, error) {
	var s string
	if isNull(raw) || json.Unmarshal(raw, &s) != nil {
		return "", fmt.Errorf("%w: %s must be a string", ErrFieldType, name)
	}
	return s, nil
}

func decodeFloat(name string, raw json.RawMessage) (float64, error) {
	var f float64
	if isNull(raw) || json.Unmarshal(raw, &f) != nil {
		return 0, fmt.Errorf("%w: %s must be a number", ErrFieldType, name)
	}
	return f, nil
}

// decodeInt accepts any JSON number; fractional values truncate toward zero.
// Numbers outside the int range are type errors.
func decodeInt(name string, raw json.RawMessage) (int, error) {
	if isNull(raw) {
		return 0, fmt.Errorf("%w: %s must be a number", ErrFieldType, name)
	}
	var n int
	if err := json.Unmarshal(raw, &n); err == nil {
		return n, nil
	}
	f, err := decodeFloat(name, raw)
	if err != nil {
		return 0, err
	}
	if f < float64(math.MinInt) || f >= -float64(math.MinInt) {
		return 0, fmt.Errorf("%w: %s out of range", ErrFieldType, name)
	}
	return int(f), nil
}

// FormatTimeDiff renders seconds with up to six significant digits, the way
// the device files have always stored them ("1.5", "0", "0.123457").
func FormatTimeDiff(sec float64) string {
	return strconv.FormatFloat(sec, 'g', 6, 64)
}
