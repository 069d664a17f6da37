package status

import (
	"encoding/json"
	"time"
)

// StatusJSON is the top-level JSON envelope for status output.
type StatusJSON struct {
	Status StatusInner `json:"status"`
}

// StatusInner contains the status details.
type StatusInner struct {
	Event             string       `json:"event,omitempty"`
	Reason            string       `json:"reason,omitempty"`
	UptimeSeconds     int64        `json:"uptime_seconds"`
	StartTime         string       `json:"start_time"`
	Timestamp         string       `json:"timestamp"`
	QueueDepth        int          `json:"queue_depth"`
	ActiveConnections int64        `json:"active_connections"`
	MQTT              MQTTStatus   `json:"mqtt"`
	Counts            CountsJSON   `json:"counts"`
	Devices           []DeviceJSON `json:"devices"`
	Disk              *DiskJSON    `json:"disk,omitempty"`
	Config            ConfigJSON   `json:"config"`
}

// MQTTStatus reports MQTT connection state.
type MQTTStatus struct {
	Connected bool   `json:"connected"`
	Broker    string `json:"broker,omitempty"`
}

// CountsJSON is the JSON representation of outcome counts.
type CountsJSON struct {
	Accepted       int `json:"accepted"`
	InvalidJSON    int `json:"invalid_json"`
	InternalErrors int `json:"internal_errors"`
	Refused        int `json:"refused"`
	Persisted      int `json:"persisted"`
	Dropped        int `json:"dropped"`
	ForwardErrors  int `json:"forward_errors"`
}

// DeviceJSON is the JSON representation of one device.
type DeviceJSON struct {
	Name          string `json:"name"`
	Rows          int    `json:"rows"`
	LastPin       string `json:"last_pin"`
	LastState     string `json:"last_state"`
	LastTimestamp string `json:"last_timestamp"`
}

// DiskJSON is the JSON representation of output filesystem usage.
type DiskJSON struct {
	Path        string  `json:"path"`
	TotalBytes  uint64  `json:"total_bytes"`
	FreeBytes   uint64  `json:"free_bytes"`
	UsedPercent float64 `json:"used_percent"`
}

// ConfigJSON is the JSON representation of server config.
type ConfigJSON struct {
	ListenAddr     string `json:"listen_addr"`
	MaxConnections int    `json:"max_connections"`
	OutputDir      string `json:"output_dir"`
	FilePrefix     string `json:"file_prefix"`
	HTTPAddr       string `json:"http_addr,omitempty"`
	Archive        bool   `json:"archive"`
}

func buildInner(snap Snapshot) StatusInner {
	inner := StatusInner{
		UptimeSeconds:     int64(snap.Uptime().Truncate(time.Second).Seconds()),
		StartTime:         snap.StartTime.UTC().Format(time.RFC3339),
		Timestamp:         snap.Now.UTC().Format(time.RFC3339),
		QueueDepth:        snap.QueueDepth,
		ActiveConnections: snap.Active,
		MQTT:              MQTTStatus{Connected: snap.MQTTConnected, Broker: snap.Config.Broker},
		Counts: CountsJSON{
			Accepted:       snap.Counts.Accepted,
			InvalidJSON:    snap.Counts.InvalidJSON,
			InternalErrors: snap.Counts.InternalErrors,
			Refused:        snap.Counts.Refused,
			Persisted:      snap.Counts.Persisted,
			Dropped:        snap.Counts.Dropped,
			ForwardErrors:  snap.Counts.ForwardErrors,
		},
		Devices: make([]DeviceJSON, 0, len(snap.Devices)),
		Config: ConfigJSON{
			ListenAddr:     snap.Config.ListenAddr,
			MaxConnections: snap.Config.MaxConnections,
			OutputDir:      snap.Config.OutputDir,
			FilePrefix:     snap.Config.FilePrefix,
			HTTPAddr:       snap.Config.HTTPAddr,
			Archive:        snap.Config.Archive,
		},
	}
	for _, d := range snap.Devices {
		inner.Devices = append(inner.Devices, DeviceJSON{
			Name:          d.Name,
			Rows:          d.Rows,
			LastPin:       d.LastPin,
			LastState:     d.LastState,
			LastTimestamp: d.LastTimestamp,
		})
	}
	if snap.Disk != nil {
		inner.Disk = &DiskJSON{
			Path:        snap.Disk.Path,
			TotalBytes:  snap.Disk.TotalBytes,
			FreeBytes:   snap.Disk.FreeBytes,
			UsedPercent: snap.Disk.UsedPercent,
		}
	}
	return inner
}

// FormatJSON returns the JSON status for the web endpoint (no event/reason).
func FormatJSON(snap Snapshot) []byte {
	data, _ := json.MarshalIndent(StatusJSON{Status: buildInner(snap)}, "", "  ")
	return data
}

// FormatStatusEvent returns the JSON status for an MQTT system event.
func FormatStatusEvent(snap Snapshot, event, reason string) []byte {
	inner := buildInner(snap)
	inner.Event = event
	inner.Reason = reason

	data, _ := json.Marshal(StatusJSON{Status: inner})
	return data
}
