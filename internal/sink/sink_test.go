package sink

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/sweeney/andon/internal/event"
)

func readLines(t *testing.T, path string) []string {
	t.Helper()
	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read %s: %v", path, err)
	}
	return strings.Split(strings.TrimSuffix(string(b), "\n"), "\n")
}

func TestNewCreatesDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "data")
	if _, err := New(dir, "data_"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	info, err := os.Stat(dir)
	if err != nil || !info.IsDir() {
		t.Fatalf("expected %s to be a directory (err=%v)", dir, err)
	}
}

func TestPath(t *testing.T) {
	dir := t.TempDir()
	s, _ := New(dir, "data_")

	got := s.Path("door1")
	want := filepath.Join(dir, "data_door1.csv")
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}
	if s.Known() != 1 {
		t.Errorf("expected 1 known device, got %d", s.Known())
	}
	s.Path("door1")
	if s.Known() != 1 {
		t.Errorf("repeat lookup registered a second entry: %d", s.Known())
	}
}

func TestPathSeparatorsReplaced(t *testing.T) {
	dir := t.TempDir()
	s, _ := New(dir, "data_")

	got := s.Path("../etc/passwd")
	if filepath.Dir(got) != dir {
		t.Errorf("path %q escaped output dir %q", got, dir)
	}
	if filepath.Base(got) != "data_.._etc_passwd.csv" {
		t.Errorf("unexpected file name %q", filepath.Base(got))
	}
}

func TestAppendWritesHeaderOnce(t *testing.T) {
	dir := t.TempDir()
	s, _ := New(dir, "data_")

	for i := 0; i < 3; i++ {
		err := s.Append("door1", event.Record{Pin: 23, State: "HIGH", TimeDiffSec: 1.5, Timestamp: "2026-01-01 12:00:00.000"})
		if err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}

	lines := readLines(t, s.Path("door1"))
	if len(lines) != 4 {
		t.Fatalf("expected header + 3 rows, got %d lines: %q", len(lines), lines)
	}
	if lines[0] != Header {
		t.Errorf("first line: got %q, want %q", lines[0], Header)
	}
	headers := 0
	for _, l := range lines {
		if l == Header {
			headers++
		}
	}
	if headers != 1 {
		t.Errorf("expected header exactly once, found %d", headers)
	}
	if lines[1] != "2026-01-01 12:00:00.000,Green,HIGH,1.5" {
		t.Errorf("row: got %q", lines[1])
	}
}

func TestAppendExistingNonEmptyFileSkipsHeader(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "data_x.csv")
	if err := os.WriteFile(path, []byte(Header+"\nold,row,,0\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	s, _ := New(dir, "data_")

	if err := s.Append("x", event.Record{Pin: 5, State: "LOW", Timestamp: "t"}); err != nil {
		t.Fatal(err)
	}
	lines := readLines(t, path)
	if len(lines) != 3 {
		t.Fatalf("expected 3 lines, got %q", lines)
	}
	if lines[2] != "t,Pin_5,LOW,0" {
		t.Errorf("row: got %q", lines[2])
	}
}

func TestAppendSeparateDevices(t *testing.T) {
	dir := t.TempDir()
	s, _ := New(dir, "data_")

	s.Append("a", event.Record{Pin: 23, State: "HIGH", Timestamp: "ta"})
	s.Append("b", event.Record{Pin: 25, State: "LOW", Timestamp: "tb"})

	a := readLines(t, s.Path("a"))
	b := readLines(t, s.Path("b"))
	if len(a) != 2 || a[1] != "ta,Green,HIGH,0" {
		t.Errorf("device a: %q", a)
	}
	if len(b) != 2 || b[1] != "tb,Red,LOW,0" {
		t.Errorf("device b: %q", b)
	}
}

func TestAppendOpenFailure(t *testing.T) {
	dir := t.TempDir()
	s, _ := New(dir, "data_")

	// A directory where the file should be makes the open fail.
	if err := os.Mkdir(s.Path("blocked"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := s.Append("blocked", event.Record{Timestamp: "t"}); err == nil {
		t.Error("expected error when device path is a directory")
	}
}

func TestFormatRowNoQuoting(t *testing.T) {
	got := FormatRow(event.Record{Pin: 12, State: "ON,OFF", TimeDiffSec: 0.25, Timestamp: "ts"})
	if got != "ts,Load,ON,OFF,0.25" {
		t.Errorf("got %q", got)
	}
}
