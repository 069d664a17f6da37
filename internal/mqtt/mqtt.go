// Package mqtt mirrors persisted andon events to an MQTT broker, with an
// abstraction for testing.
package mqtt

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/sweeney/andon/internal/event"
)

// DefaultTopicPrefix is the root of every topic published by the server.
const DefaultTopicPrefix = "andon"

// topicSegment maps characters that are not allowed inside a single publish
// topic level to "_".
var topicSegment = strings.NewReplacer("/", "_", "+", "_", "#", "_", "\x00", "_")

// EventTopic returns the topic that carries events for device. The device
// name always occupies exactly one topic level.
func EventTopic(prefix, device string) string {
	return prefix + "/" + topicSegment.Replace(device) + "/events"
}

// SystemTopic returns the topic for server lifecycle events.
func SystemTopic(prefix string) string {
	return prefix + "/server/system"
}

// Publisher publishes events to MQTT.
type Publisher interface {
	// Publish sends one persisted record to the broker.
	// Returns error if publishing fails (should not crash the process).
	Publish(item event.Item) error

	// PublishSystem sends a system lifecycle event to the broker.
	PublishSystem(event SystemEvent) error

	// Close disconnects from the broker.
	Close() error
}

// ConnectionStatus reports whether the MQTT connection is active.
type ConnectionStatus interface {
	IsConnected() bool
}

// Forwarder adapts a Publisher to the persistence worker's forwarder hook.
type Forwarder struct {
	Publisher Publisher
}

// Forward publishes item.
func (f Forwarder) Forward(_ context.Context, item event.Item) error {
	return f.Publisher.Publish(item)
}

// SystemEvent represents a server lifecycle event (STARTUP, SHUTDOWN).
type SystemEvent struct {
	Timestamp  time.Time
	Event      string // e.g., "STARTUP", "SHUTDOWN"
	Reason     string // e.g., "SIGTERM", "SIGINT" (shutdown only)
	RawPayload []byte // Pre-formatted JSON payload; if set, FormatSystemPayload returns it directly
	Retained   bool
}

// Payload is the MQTT message body for one record.
type Payload struct {
	Andon AndonPayload `json:"andon"`
}

// AndonPayload contains the record details.
type AndonPayload struct {
	Device      string  `json:"device"`
	Pin         int     `json:"pin"`
	PinLabel    string  `json:"pin_label"`
	State       string  `json:"state"`
	TimeDiffSec float64 `json:"time_diff_sec"`
	Timestamp   string  `json:"timestamp"`
}

// FormatPayload creates the JSON payload for a persisted record.
func FormatPayload(item event.Item) ([]byte, error) {
	return json.Marshal(Payload{
		Andon: AndonPayload{
			Device:      item.Device,
			Pin:         item.Record.Pin,
			PinLabel:    event.PinLabel(item.Record.Pin),
			State:       item.Record.State,
			TimeDiffSec: item.Record.TimeDiffSec,
			Timestamp:   item.Record.Timestamp,
		},
	})
}

// SystemPayload is used for events that don't carry a full status snapshot
// (the broker will message, for instance).
type SystemPayload struct {
	System SystemPayloadInner `json:"system"`
}

// SystemPayloadInner contains the system event details.
type SystemPayloadInner struct {
	Timestamp string `json:"timestamp"`
	Event     string `json:"event"`
	Reason    string `json:"reason,omitempty"`
}

// FormatSystemPayload creates the JSON payload for a system event.
// If event.RawPayload is set, it is returned directly.
func FormatSystemPayload(event SystemEvent) ([]byte, error) {
	if event.RawPayload != nil {
		return event.RawPayload, nil
	}

	return json.Marshal(SystemPayload{
		System: SystemPayloadInner{
			Timestamp: event.Timestamp.UTC().Format(time.RFC3339),
			Event:     event.Event,
			Reason:    event.Reason,
		},
	})
}
