package config

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config is layered: defaults, then the YAML file, then flags given on the
// command line, then WSLA_* environment variables.
type Config struct {
	Port          int      `yaml:"port"`
	DataDir       string   `yaml:"data_dir"`
	LogLevel      string   `yaml:"log_level"`
	EngineSocket  string   `yaml:"engine_socket"`
	SessionName   string   `yaml:"session_name"`
	PortRangeLow  uint16   `yaml:"port_range_low"`
	PortRangeHigh uint16   `yaml:"port_range_high"`
	VolumeRoot    string   `yaml:"volume_root"`
	DaemonCommand []string `yaml:"daemon_command"`
	EventsCommand []string `yaml:"events_command"`
	NoAuth        bool     `yaml:"no_auth"`
	Pprof         bool     `yaml:"pprof"`

	File  string     `yaml:"-"`
	Level slog.Level `yaml:"-"`

	args []string
}

func Default() *Config {
	return &Config{
		Port:          5002,
		DataDir:       "./data",
		LogLevel:      "info",
		EngineSocket:  "/var/run/docker.sock",
		SessionName:   "default",
		PortRangeLow:  32768,
		PortRangeHigh: 60999,
		VolumeRoot:    "/mnt/wsla/volumes",
		EventsCommand: []string{"ctr", "events"},
	}
}

// Parse builds the configuration from args (without the program name).
func Parse(args []string) (*Config, error) {
	fs := flag.NewFlagSet("wsla", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	var (
		file, dataDir, logLevel, socket, session, volumes, daemon, events string
		port, low, high                                                   int
		noAuth, pprof                                                     bool
	)
	fs.StringVar(&file, "config", "", "Path to a YAML config file")
	fs.IntVar(&port, "port", 0, "Control surface port")
	fs.StringVar(&dataDir, "data-dir", "", "Path to data directory (bbolt DB)")
	fs.StringVar(&logLevel, "log-level", "", "Log level (debug, info, warn, error)")
	fs.StringVar(&socket, "engine-socket", "", "Container engine Unix socket inside the VM")
	fs.StringVar(&session, "session", "", "Session name")
	fs.IntVar(&low, "port-range-low", 0, "First VM port handed out for bridge mappings")
	fs.IntVar(&high, "port-range-high", 0, "Last VM port handed out for bridge mappings")
	fs.StringVar(&volumes, "volume-root", "", "VM directory holding volume mounts")
	fs.StringVar(&daemon, "daemon-cmd", "", "Engine daemon command line to supervise")
	fs.StringVar(&events, "events-cmd", "", "Command printing the engine task event feed")
	fs.BoolVar(&noAuth, "no-auth", false, "Disable authentication on the control surface")
	fs.BoolVar(&pprof, "pprof", false, "Enable /debug/pprof/ endpoints")
	if err := fs.Parse(args); err != nil {
		return nil, fmt.Errorf("parse flags: %w", err)
	}

	cfg := Default()
	cfg.args = append([]string(nil), args...)
	if file == "" {
		file = os.Getenv("WSLA_CONFIG")
	}
	if file != "" {
		if err := cfg.loadFile(file); err != nil {
			return nil, err
		}
		cfg.File = file
	}

	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "port":
			cfg.Port = port
		case "data-dir":
			cfg.DataDir = dataDir
		case "log-level":
			cfg.LogLevel = logLevel
		case "engine-socket":
			cfg.EngineSocket = socket
		case "session":
			cfg.SessionName = session
		case "port-range-low":
			cfg.PortRangeLow = uint16(low)
		case "port-range-high":
			cfg.PortRangeHigh = uint16(high)
		case "volume-root":
			cfg.VolumeRoot = volumes
		case "daemon-cmd":
			cfg.DaemonCommand = strings.Fields(daemon)
		case "events-cmd":
			cfg.EventsCommand = strings.Fields(events)
		case "no-auth":
			cfg.NoAuth = noAuth
		case "pprof":
			cfg.Pprof = pprof
		}
	})

	// Env vars override flags (if set)
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	cfg.Level = ParseLogLevel(cfg.LogLevel)
	return cfg, nil
}

// Reload re-reads the file and environment with the original arguments.
func (c *Config) Reload() (*Config, error) {
	return Parse(c.args)
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() error {
	if v := os.Getenv("WSLA_PORT"); v != "" {
		p, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("WSLA_PORT: %w", err)
		}
		c.Port = p
	}
	if v := os.Getenv("WSLA_DATA_DIR"); v != "" {
		c.DataDir = v
	}
	if v := os.Getenv("WSLA_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	if v := os.Getenv("WSLA_ENGINE_SOCKET"); v != "" {
		c.EngineSocket = v
	}
	if v := os.Getenv("WSLA_SESSION"); v != "" {
		c.SessionName = v
	}
	if v := os.Getenv("WSLA_PORT_RANGE"); v != "" {
		lo, hi, ok := strings.Cut(v, "-")
		l, err1 := strconv.ParseUint(lo, 10, 16)
		h, err2 := strconv.ParseUint(hi, 10, 16)
		if !ok || err1 != nil || err2 != nil {
			return fmt.Errorf("WSLA_PORT_RANGE %q: want LOW-HIGH", v)
		}
		c.PortRangeLow, c.PortRangeHigh = uint16(l), uint16(h)
	}
	if v := os.Getenv("WSLA_VOLUME_ROOT"); v != "" {
		c.VolumeRoot = v
	}
	if v := os.Getenv("WSLA_DAEMON_CMD"); v != "" {
		c.DaemonCommand = strings.Fields(v)
	}
	if v := os.Getenv("WSLA_EVENTS_CMD"); v != "" {
		c.EventsCommand = strings.Fields(v)
	}
	if v := os.Getenv("WSLA_NO_AUTH"); v == "1" || v == "true" {
		c.NoAuth = true
	}
	if v := os.Getenv("WSLA_PPROF"); v == "1" || v == "true" {
		c.Pprof = true
	}
	return nil
}

func (c *Config) validate() error {
	var errs []error
	if c.Port <= 0 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("port %d out of range", c.Port))
	}
	if c.PortRangeLow == 0 || c.PortRangeHigh < c.PortRangeLow {
		errs = append(errs, fmt.Errorf("port range %d-%d is empty", c.PortRangeLow, c.PortRangeHigh))
	}
	if c.EngineSocket == "" {
		errs = append(errs, errors.New("engine socket is required"))
	}
	if c.SessionName == "" {
		errs = append(errs, errors.New("session name is required"))
	}
	if len(c.EventsCommand) == 0 {
		errs = append(errs, errors.New("events command is required"))
	}
	return errors.Join(errs...)
}

func ParseLogLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
