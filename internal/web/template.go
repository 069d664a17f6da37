package web

import (
	"fmt"
	"html/template"
	"io"
	"time"

	"github.com/sweeney/andon/internal/status"
)

var indexTmpl = template.Must(template.New("index").Funcs(template.FuncMap{
	"uptime": func(d time.Duration) string {
		d = d.Truncate(time.Second)
		days := int(d.Hours()) / 24
		h := int(d.Hours()) % 24
		m := int(d.Minutes()) % 60
		s := int(d.Seconds()) % 60
		if days > 0 {
			return fmt.Sprintf("%dd %dh %dm %ds", days, h, m, s)
		}
		if h > 0 {
			return fmt.Sprintf("%dh %dm %ds", h, m, s)
		}
		if m > 0 {
			return fmt.Sprintf("%dm %ds", m, s)
		}
		return fmt.Sprintf("%ds", s)
	},
	"gib": func(b uint64) string {
		return fmt.Sprintf("%.1f GiB", float64(b)/(1<<30))
	},
	"stateClass": func(s string) string {
		switch s {
		case "HIGH":
			return "high"
		case "LOW":
			return "low"
		}
		return "unknown"
	},
}).Parse(indexHTML))

const indexHTML = `<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<meta http-equiv="refresh" content="10">
<title>Andon Server</title>
<style>
body { font-family: monospace; max-width: 800px; margin: 2em auto; padding: 0 1em; }
h1 { font-size: 1.4em; }
table { border-collapse: collapse; width: 100%; margin: 1em 0; }
td, th { text-align: left; padding: 4px 8px; border-bottom: 1px solid #ddd; }
.high { color: green; font-weight: bold; }
.low { color: #c00; font-weight: bold; }
.unknown { color: orange; }
.connected { color: green; }
.disconnected { color: red; }
</style>
</head>
<body>
<h1>Andon Server</h1>

<h2>Devices</h2>
{{if .Devices}}<table>
<tr><th>Device</th><th>Rows</th><th>Last pin</th><th>State</th><th>Timestamp</th></tr>
{{range .Devices}}<tr><td>{{.Name}}</td><td>{{.Rows}}</td><td>{{.LastPin}}</td><td class="{{stateClass .LastState}}">{{.LastState}}</td><td>{{.LastTimestamp}}</td></tr>
{{end}}</table>{{else}}<p>No events received yet.</p>{{end}}

<h2>Ingestion</h2>
<table>
<tr><th>Accepted</th><td>{{.Counts.Accepted}}</td></tr>
<tr><th>Invalid JSON</th><td>{{.Counts.InvalidJSON}}</td></tr>
<tr><th>Internal errors</th><td>{{.Counts.InternalErrors}}</td></tr>
<tr><th>Refused</th><td>{{.Counts.Refused}}</td></tr>
<tr><th>Persisted</th><td>{{.Counts.Persisted}}</td></tr>
<tr><th>Dropped</th><td>{{.Counts.Dropped}}</td></tr>
<tr><th>Forward errors</th><td>{{.Counts.ForwardErrors}}</td></tr>
<tr><th>Queue depth</th><td>{{.QueueDepth}}</td></tr>
<tr><th>Active connections</th><td>{{.Active}}</td></tr>
</table>

<h2>Connectivity</h2>
<table>
{{if .Config.Broker}}<tr><th>MQTT</th><td class="{{if .MQTTConnected}}connected{{else}}disconnected{{end}}">{{if .MQTTConnected}}connected{{else}}disconnected{{end}}</td></tr>
<tr><th>Broker</th><td>{{.Config.Broker}}</td></tr>{{else}}<tr><th>MQTT</th><td>disabled</td></tr>{{end}}
<tr><th>Archive</th><td>{{if .Config.Archive}}<a href="/events.json">enabled</a>{{else}}disabled{{end}}</td></tr>
</table>

<h2>System</h2>
<table>
<tr><th>Uptime</th><td>{{uptime .Uptime}}</td></tr>
<tr><th>Started</th><td>{{.StartTime.UTC.Format "2006-01-02T15:04:05Z"}}</td></tr>
<tr><th>Listen</th><td>{{.Config.ListenAddr}} (max {{.Config.MaxConnections}})</td></tr>
<tr><th>Output</th><td>{{.Config.OutputDir}}/{{.Config.FilePrefix}}*.csv</td></tr>
{{if .Disk}}<tr><th>Disk</th><td>{{gib .Disk.FreeBytes}} free of {{gib .Disk.TotalBytes}} ({{printf "%.1f" .Disk.UsedPercent}}% used)</td></tr>{{end}}
<tr><th>HTTP</th><td>{{.Config.HTTPAddr}}</td></tr>
</table>

<p><a href="/index.json">JSON</a></p>
</body>
</html>
`

func renderHTML(w io.Writer, snap status.Snapshot) {
	// Snapshot has Uptime() method but template needs a Duration field.
	data := struct {
		status.Snapshot
		Uptime time.Duration
	}{
		Snapshot: snap,
		Uptime:   snap.Uptime(),
	}
	indexTmpl.Execute(w, data)
}
