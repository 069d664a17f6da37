// Package config loads the server and monitor configuration files.
//
// Files are TOML by default; a .yaml or .yml extension selects YAML. A
// missing file is not an error: defaults are used and written back so the
// operator has something to edit.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// DefaultServerFile is the server config path used when --config is unset.
const DefaultServerFile = "andon_server.toml"

// Server is the andon-server configuration.
type Server struct {
	Server  ServerSection  `toml:"server" yaml:"server"`
	Data    DataSection    `toml:"data" yaml:"data"`
	MQTT    MQTTSection    `toml:"mqtt" yaml:"mqtt"`
	Redis   RedisSection   `toml:"redis" yaml:"redis"`
	Archive ArchiveSection `toml:"archive" yaml:"archive"`
	HTTP    HTTPSection    `toml:"http" yaml:"http"`
	Log     LogSection     `toml:"log" yaml:"log"`
}

type ServerSection struct {
	Host           string `toml:"host" yaml:"host"`
	Port           int    `toml:"port" yaml:"port"`
	MaxConnections int    `toml:"max_connections" yaml:"max_connections"`
}

type DataSection struct {
	OutputDir string `toml:"output_dir" yaml:"output_dir"`
	// ExcelPrefix keeps its historical name; files are CSV.
	ExcelPrefix string `toml:"excel_prefix" yaml:"excel_prefix"`
}

// MQTTSection enables the broker mirror when Broker is set.
type MQTTSection struct {
	Broker      string `toml:"broker" yaml:"broker"`
	ClientID    string `toml:"client_id" yaml:"client_id"`
	TopicPrefix string `toml:"topic_prefix" yaml:"topic_prefix"`
}

// RedisSection enables the last-state cache when Addr is set.
type RedisSection struct {
	Addr       string `toml:"addr" yaml:"addr"`
	Password   string `toml:"password" yaml:"password"`
	DB         int    `toml:"db" yaml:"db"`
	TTLSeconds int    `toml:"ttl_seconds" yaml:"ttl_seconds"`
}

// ArchiveSection enables the SQLite archive when Path is set.
type ArchiveSection struct {
	Path string `toml:"path" yaml:"path"`
}

// HTTPSection enables the status server when Addr is set.
type HTTPSection struct {
	Addr string `toml:"addr" yaml:"addr"`
}

type LogSection struct {
	Level string `toml:"level" yaml:"level"`
}

// DefaultServer returns the configuration used when no file exists.
func DefaultServer() Server {
	return Server{
		Server: ServerSection{Host: "0.0.0.0", Port: 5000, MaxConnections: 50},
		Data:   DataSection{OutputDir: "data", ExcelPrefix: "data_"},
		MQTT:   MQTTSection{ClientID: "andon-server", TopicPrefix: "andon"},
		Redis:  RedisSection{TTLSeconds: int((24 * time.Hour).Seconds())},
		Log:    LogSection{Level: "info"},
	}
}

// ListenAddr joins host and port.
func (c Server) ListenAddr() string {
	return net.JoinHostPort(c.Server.Host, strconv.Itoa(c.Server.Port))
}

// RedisTTL returns the cache key lifetime.
func (c Server) RedisTTL() time.Duration {
	return time.Duration(c.Redis.TTLSeconds) * time.Second
}

// Validate reports the first invalid field.
func (c Server) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}
	if c.Server.MaxConnections < 1 {
		return fmt.Errorf("server.max_connections must be positive, got %d", c.Server.MaxConnections)
	}
	if strings.TrimSpace(c.Data.OutputDir) == "" {
		return errors.New("data.output_dir is empty")
	}
	if _, err := ParseLevel(c.Log.Level); err != nil {
		return err
	}
	return nil
}

// LoadServer reads path into a Server seeded with defaults. created reports
// whether the file was missing and a default one was written.
func LoadServer(path string) (cfg Server, created bool, err error) {
	cfg = DefaultServer()
	created, err = load(path, &cfg)
	if err != nil {
		return Server{}, false, err
	}
	return cfg, created, cfg.Validate()
}

// ParseLevel maps debug|info|warn|error to a slog level. Empty is info.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return 0, fmt.Errorf("log.level %q: want debug, info, warn or error", s)
}

func isYAML(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return true
	}
	return false
}

// load decodes path into v. If the file does not exist, v is written to path
// unchanged and created is true.
func load(path string, v any) (created bool, err error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		if err := Save(path, v); err != nil {
			return false, err
		}
		return true, nil
	}
	if err != nil {
		return false, fmt.Errorf("read config %s: %w", path, err)
	}

	if isYAML(path) {
		err = yaml.Unmarshal(data, v)
	} else {
		_, err = toml.Decode(string(data), v)
	}
	if err != nil {
		return false, fmt.Errorf("parse config %s: %w", path, err)
	}
	return false, nil
}

// Encode renders v in the format selected by path's extension.
func Encode(path string, v any) ([]byte, error) {
	if isYAML(path) {
		return yaml.Marshal(v)
	}
	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Save writes v to path, creating parent directories.
func Save(path string, v any) error {
	data, err := Encode(path, v)
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config dir: %w", err)
		}
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write config %s: %w", path, err)
	}
	return nil
}
