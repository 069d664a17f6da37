// Package sink appends event records to one delimited text file per device.
//
// Rows are comma-joined without quoting, so a state or timestamp containing
// a comma produces a row with extra columns.
package sink

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/sweeney/andon/internal/event"
)

// Header is written exactly once, as the first line of every device file.
const Header = "Timestamp,Pin,State,Time Difference (sec)"

// Extension of every device file.
const Extension = ".csv"

// DeviceSink tracks and appends to the per-device files under one directory.
// Append is meant to be called from a single goroutine (the persistence
// worker); the path map is still lock-protected.
type DeviceSink struct {
	dir    string
	prefix string

	mu    sync.Mutex
	paths map[string]string
}

// New creates a sink rooted at dir, creating the directory if needed.
func New(dir, prefix string) (*DeviceSink, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create output dir: %w", err)
	}
	return &DeviceSink{
		dir:    dir,
		prefix: prefix,
		paths:  make(map[string]string),
	}, nil
}

// Dir returns the output directory.
func (s *DeviceSink) Dir() string {
	return s.dir
}

// Path returns the file for device, registering it on first use.
func (s *DeviceSink) Path(device string) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	if p, ok := s.paths[device]; ok {
		return p
	}
	p := filepath.Join(s.dir, s.prefix+safeName(device)+Extension)
	s.paths[device] = p
	return p
}

// Known returns how many devices have been registered.
func (s *DeviceSink) Known() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.paths)
}

// Append writes rec as one row of device's file, preceded by Header when
// the file is empty. The row is synced to disk before Append returns.
func (s *DeviceSink) Append(device string, rec event.Record) (err error) {
	path := s.Path(device)

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer func() {
		if cerr := f.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("close %s: %w", path, cerr)
		}
	}()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("stat %s: %w", path, err)
	}

	var b strings.Builder
	if info.Size() == 0 {
		b.WriteString(Header)
		b.WriteByte('\n')
	}
	b.WriteString(FormatRow(rec))
	b.WriteByte('\n')

	if _, err := f.WriteString(b.String()); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("sync %s: %w", path, err)
	}
	return nil
}

// FormatRow renders rec as "timestamp,pinLabel,state,timeDiff".
func FormatRow(rec event.Record) string {
	return strings.Join([]string{
		rec.Timestamp,
		event.PinLabel(rec.Pin),
		rec.State,
		event.FormatTimeDiff(rec.TimeDiffSec),
	}, ",")
}

// safeName keeps device names from naming a path outside the output dir.
func safeName(device string) string {
	return strings.NewReplacer("/", "_", `\`, "_").Replace(device)
}
