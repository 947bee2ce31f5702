// Package config loads the netdebug configuration file.
package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/omochice/netdebug/internal/transport/tcp"
)

// Mode selects the network role netdebug runs as.
type Mode string

const (
	ModeTCPClient Mode = "tcp-client"
	ModeTCPServer Mode = "tcp-server"
	ModeUDP       Mode = "udp"
	ModeWSClient  Mode = "ws-client"
)

// MinAutoSendInterval is the shortest accepted auto-send period.
const MinAutoSendInterval = time.Second

// Duration wraps time.Duration to support YAML unmarshalling from strings.
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses duration strings like "5s" or "1m".
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return fmt.Errorf("duration value node is nil")
	}
	var raw string
	if err := value.Decode(&raw); err != nil {
		return fmt.Errorf("decode duration: %w", err)
	}
	if raw == "" {
		d.Duration = 0
		return nil
	}
	dur, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	d.Duration = dur
	return nil
}

// MarshalYAML renders the duration as a string.
func (d Duration) MarshalYAML() (interface{}, error) {
	return d.Duration.String(), nil
}

// ServerConfig holds TCP server options.
type ServerConfig struct {
	// Buffer is "auto" or a positive byte count.
	Buffer    string   `yaml:"buffer"`
	Heartbeat Duration `yaml:"heartbeat,omitempty"`
}

// UDPConfig holds UDP endpoint options.
type UDPConfig struct {
	Buffer int `yaml:"buffer,omitempty"`
	// Target is the default "host:port" datagrams are sent to.
	Target string `yaml:"target,omitempty"`
}

// ConsoleConfig holds presentation options.
type ConsoleConfig struct {
	HexSend          bool     `yaml:"hex_send"`
	HexRecv          bool     `yaml:"hex_recv"`
	AutoAnswer       bool     `yaml:"auto_answer"`
	AutoSendInterval Duration `yaml:"auto_send_interval,omitempty"`
	AutoSendText     string   `yaml:"auto_send_text,omitempty"`
}

// LoggingConfig encapsulates runtime logging options.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// TaskConfig tunes the shared task manager.
type TaskConfig struct {
	GracePeriod       Duration `yaml:"grace_period,omitempty"`
	IdleTimeout       Duration `yaml:"idle_timeout,omitempty"`
	BackgroundWorkers int      `yaml:"background_workers,omitempty"`
}

// Config is the root configuration structure.
type Config struct {
	Mode       Mode          `yaml:"mode"`
	Host       string        `yaml:"host"`
	Port       int           `yaml:"port"`
	URL        string        `yaml:"url,omitempty"`
	Server     ServerConfig  `yaml:"server"`
	UDP        UDPConfig     `yaml:"udp"`
	Console    ConsoleConfig `yaml:"console"`
	HistoryDir string        `yaml:"history_dir,omitempty"`
	Capture    string        `yaml:"capture,omitempty"`
	Metrics    string        `yaml:"metrics_listen,omitempty"`
	Logging    LoggingConfig `yaml:"logging"`
	Tasks      TaskConfig    `yaml:"tasks"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Mode:   ModeTCPClient,
		Host:   "127.0.0.1",
		Port:   8080,
		Server: ServerConfig{Buffer: "auto"},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// Load reads and decodes the configuration file from disk on top of Default.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return cfg, nil
}

// BufferSize resolves the TCP server buffer setting.
func (c *Config) BufferSize() (int, error) {
	return tcp.ParseBufferSize(c.Server.Buffer)
}

// Address returns Host and Port joined as "host:port".
func (c *Config) Address() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// Validate reports every invalid setting.
func (c *Config) Validate() error {
	var errs []error

	switch c.Mode {
	case ModeTCPClient:
		if c.Host == "" {
			errs = append(errs, errors.New("host is required"))
		}
		if c.Port < 1 || c.Port > 65535 {
			errs = append(errs, fmt.Errorf("port %d out of range 1-65535", c.Port))
		}
	case ModeTCPServer, ModeUDP:
		if c.Port < 0 || c.Port > 65535 {
			errs = append(errs, fmt.Errorf("port %d out of range 0-65535", c.Port))
		}
	case ModeWSClient:
		if !strings.HasPrefix(c.URL, "ws://") && !strings.HasPrefix(c.URL, "wss://") {
			errs = append(errs, fmt.Errorf("url %q must start with ws:// or wss://", c.URL))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown mode %q", c.Mode))
	}

	if _, err := c.BufferSize(); err != nil {
		errs = append(errs, err)
	}
	if c.Server.Heartbeat.Duration < 0 {
		errs = append(errs, errors.New("heartbeat must not be negative"))
	}
	if c.UDP.Buffer < 0 {
		errs = append(errs, errors.New("udp buffer must not be negative"))
	}
	if c.UDP.Target != "" {
		if _, _, err := SplitTarget(c.UDP.Target); err != nil {
			errs = append(errs, err)
		}
	}
	if d := c.Console.AutoSendInterval.Duration; d != 0 && d < MinAutoSendInterval {
		errs = append(errs, fmt.Errorf("auto send interval %s is below %s", d, MinAutoSendInterval))
	}
	switch strings.ToLower(c.Logging.Format) {
	case "", "console", "text", "json":
	default:
		errs = append(errs, fmt.Errorf("unknown log format %q", c.Logging.Format))
	}

	return errors.Join(errs...)
}

// SplitTarget parses a "host:port" target.
func SplitTarget(target string) (string, int, error) {
	host, portStr, err := net.SplitHostPort(strings.TrimSpace(target))
	if err != nil {
		return "", 0, fmt.Errorf("invalid target %q: %w", target, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port < 0 || port > 65535 {
		return "", 0, fmt.Errorf("invalid target %q: bad port", target)
	}
	return host, port, nil
}
