// Package status provides a thread-safe tracker of ingestion activity for
// the andon server. It is fed by the connection handlers and the persistence
// worker and read by the HTTP status page and MQTT system events.
package status

import (
	"sort"
	"sync"
	"time"

	"github.com/sweeney/andon/internal/event"
	"github.com/sweeney/andon/internal/server"
)

// Config contains server configuration for display.
type Config struct {
	ListenAddr     string
	MaxConnections int
	OutputDir      string
	FilePrefix     string
	Broker         string
	HTTPAddr       string
	Archive        bool
}

// Counts tracks connection and persistence outcomes since startup.
type Counts struct {
	Accepted       int // answered OK and queued
	InvalidJSON    int
	InternalErrors int
	Refused        int // decoded but the queue was closed
	Persisted      int
	Dropped        int // file write failed
	ForwardErrors  int
}

// Device is the per-device view shown on the status page.
type Device struct {
	Name          string
	Rows          int
	LastPin       string
	LastState     string
	LastTimestamp string
	UpdatedAt     time.Time
}

// Sources supplies live gauges read at snapshot time. Any field may be nil.
type Sources struct {
	QueueDepth    func() int
	Active        func() int64
	MQTTConnected func() bool
}

// Snapshot is a point-in-time view of server state.
// It is a value type and may be used after the lock is released.
type Snapshot struct {
	StartTime     time.Time
	Now           time.Time
	Counts        Counts
	Devices       []Device // sorted by name
	QueueDepth    int
	Active        int64
	MQTTConnected bool
	Disk          *DiskInfo
	Config        Config
}

// Uptime returns the duration since the server started.
func (s Snapshot) Uptime() time.Duration {
	return s.Now.Sub(s.StartTime)
}

// Device returns the entry for name.
func (s Snapshot) Device(name string) (Device, bool) {
	for _, d := range s.Devices {
		if d.Name == name {
			return d, true
		}
	}
	return Device{}, false
}

// Tracker holds mutable server state behind an RWMutex.
type Tracker struct {
	mu        sync.RWMutex
	startTime time.Time
	cfg       Config
	counts    Counts
	devices   map[string]*Device
	sources   Sources
	now       func() time.Time
	diskUsage func(path string) (*DiskInfo, error)
}

// NewTracker creates a Tracker with the given start time and config.
func NewTracker(startTime time.Time, cfg Config) *Tracker {
	return &Tracker{
		startTime: startTime,
		cfg:       cfg,
		devices:   make(map[string]*Device),
		now:       time.Now,
		diskUsage: DiskUsage,
	}
}

// SetSources installs the live gauges.
func (t *Tracker) SetSources(s Sources) {
	t.mu.Lock()
	t.sources = s
	t.mu.Unlock()
}

// Handled records how a connection was answered.
func (t *Tracker) Handled(outcome server.Outcome, _ event.Item) {
	t.mu.Lock()
	defer t.mu.Unlock()
	switch outcome {
	case server.OutcomeOK:
		t.counts.Accepted++
	case server.OutcomeInvalidJSON:
		t.counts.InvalidJSON++
	case server.OutcomeInternal:
		t.counts.InternalErrors++
	case server.OutcomeRefused:
		t.counts.Refused++
	}
}

// Persisted records a row written to a device file.
func (t *Tracker) Persisted(item event.Item) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.counts.Persisted++
	d, ok := t.devices[item.Device]
	if !ok {
		d = &Device{Name: item.Device}
		t.devices[item.Device] = d
	}
	d.Rows++
	d.LastPin = event.PinLabel(item.Record.Pin)
	d.LastState = item.Record.State
	d.LastTimestamp = item.Record.Timestamp
	d.UpdatedAt = t.now()
}

// Dropped records a record lost to a write failure.
func (t *Tracker) Dropped(event.Item, error) {
	t.mu.Lock()
	t.counts.Dropped++
	t.mu.Unlock()
}

// ForwardFailed records a failed mirror of a persisted record.
func (t *Tracker) ForwardFailed(string, event.Item, error) {
	t.mu.Lock()
	t.counts.ForwardErrors++
	t.mu.Unlock()
}

// Snapshot returns a point-in-time copy of the server state.
// The Now field is set to the current time at the moment of the call.
func (t *Tracker) Snapshot() Snapshot {
	t.mu.RLock()
	s := Snapshot{
		StartTime: t.startTime,
		Counts:    t.counts,
		Config:    t.cfg,
		Devices:   make([]Device, 0, len(t.devices)),
	}
	for _, d := range t.devices {
		s.Devices = append(s.Devices, *d)
	}
	src := t.sources
	diskUsage := t.diskUsage
	t.mu.RUnlock()

	sort.Slice(s.Devices, func(i, j int) bool { return s.Devices[i].Name < s.Devices[j].Name })

	// Gauges are read outside the lock; they take their own.
	if src.QueueDepth != nil {
		s.QueueDepth = src.QueueDepth()
	}
	if src.Active != nil {
		s.Active = src.Active()
	}
	if src.MQTTConnected != nil {
		s.MQTTConnected = src.MQTTConnected()
	}
	if s.Config.OutputDir != "" && diskUsage != nil {
		if d, err := diskUsage(s.Config.OutputDir); err == nil {
			s.Disk = d
		}
	}
	s.Now = t.now()
	return s
}
