package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/danmuck/framehub/internal/transport"
	"github.com/joho/godotenv"
)

const (
	EnvHost            = "FRAMEHUB_HOST"
	EnvPort            = "FRAMEHUB_PORT"
	EnvListen          = "FRAMEHUB_LISTEN"
	EnvMetricsAddr     = "FRAMEHUB_METRICS_ADDR"
	EnvConnectTimeout  = "FRAMEHUB_CONNECT_TIMEOUT"
	EnvWriteTimeout    = "FRAMEHUB_WRITE_TIMEOUT"
	EnvIdleTimeout     = "FRAMEHUB_IDLE_TIMEOUT"
	EnvShutdownTimeout = "FRAMEHUB_SHUTDOWN_TIMEOUT"
	EnvMaxFrameBytes   = "FRAMEHUB_MAX_FRAME_BYTES"
	EnvSendRate        = "FRAMEHUB_SEND_RATE"
	EnvSendBurst       = "FRAMEHUB_SEND_BURST"
	EnvConnectAttempts = "FRAMEHUB_CONNECT_ATTEMPTS"
)

// Config is the resolved hubctl runtime configuration.
type Config struct {
	Host        string
	Port        int
	Listen      string
	MetricsAddr string
	Transport   transport.Config
}

func (c Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// hubctl config.toml key mapping.
type fileConfig struct {
	Host        string        `toml:"host"`
	Port        int           `toml:"port"`
	Listen      string        `toml:"listen"`
	MetricsAddr string        `toml:"metrics_addr"`
	Transport   fileTransport `toml:"transport"`
}

type fileTransport struct {
	ConnectTimeout  string  `toml:"connect_timeout"`
	ConnectAttempts int     `toml:"connect_attempts"`
	WriteTimeout    string  `toml:"write_timeout"`
	IdleTimeout     string  `toml:"idle_timeout"`
	ShutdownTimeout string  `toml:"shutdown_timeout"`
	MaxFrameBytes   int64   `toml:"max_frame_bytes"`
	SendRate        float64 `toml:"send_rate"`
	SendBurst       int     `toml:"send_burst"`
}

func Default() Config {
	return Config{
		Host:      "127.0.0.1",
		Port:      8080,
		Listen:    ":8080",
		Transport: transport.DefaultConfig(),
	}
}

// Load resolves defaults, then the TOML file at path (skipped when empty),
// then FRAMEHUB_* environment variables.
func Load(path string) (Config, error) {
	cfg := Default()
	if strings.TrimSpace(path) != "" {
		if err := applyFile(&cfg, path); err != nil {
			return Config{}, err
		}
	}
	if err := applyEnv(&cfg, os.LookupEnv); err != nil {
		return Config{}, err
	}
	if err := Validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadDotEnv loads .env style files into the process environment without
// overriding variables that are already set. Missing files are ignored.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("load env file %s: %w", p, err)
		}
	}
	return nil
}

func Validate(cfg Config) error {
	if strings.TrimSpace(cfg.Host) == "" {
		return fmt.Errorf("config missing host")
	}
	if cfg.Port <= 0 || cfg.Port > 65535 {
		return fmt.Errorf("config port out of range: %d", cfg.Port)
	}
	if strings.TrimSpace(cfg.Listen) == "" {
		return fmt.Errorf("config missing listen")
	}
	if cfg.Transport.SendRate < 0 {
		return fmt.Errorf("config send_rate must not be negative")
	}
	return nil
}

func applyFile(cfg *Config, path string) error {
	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return fmt.Errorf("load framehub config: %w", err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return fmt.Errorf("load framehub config: unknown key %q", undecoded[0].String())
	}

	if meta.IsDefined("host") {
		cfg.Host = strings.TrimSpace(raw.Host)
	}
	if meta.IsDefined("port") {
		cfg.Port = raw.Port
	}
	if meta.IsDefined("listen") {
		cfg.Listen = strings.TrimSpace(raw.Listen)
	}
	if meta.IsDefined("metrics_addr") {
		cfg.MetricsAddr = strings.TrimSpace(raw.MetricsAddr)
	}

	t := &cfg.Transport
	rt := raw.Transport
	durations := []struct {
		key string
		raw string
		dst *time.Duration
	}{
		{"connect_timeout", rt.ConnectTimeout, &t.ConnectTimeout},
		{"write_timeout", rt.WriteTimeout, &t.WriteTimeout},
		{"idle_timeout", rt.IdleTimeout, &t.IdleTimeout},
		{"shutdown_timeout", rt.ShutdownTimeout, &t.ShutdownTimeout},
	}
	for _, d := range durations {
		if !meta.IsDefined("transport", d.key) {
			continue
		}
		v, err := time.ParseDuration(strings.TrimSpace(d.raw))
		if err != nil {
			return fmt.Errorf("load framehub config: transport.%s: %w", d.key, err)
		}
		*d.dst = v
	}
	if meta.IsDefined("transport", "connect_attempts") {
		t.ConnectAttempts = rt.ConnectAttempts
	}
	if meta.IsDefined("transport", "max_frame_bytes") {
		n, err := frameBytes(rt.MaxFrameBytes)
		if err != nil {
			return fmt.Errorf("load framehub config: transport.max_frame_bytes: %w", err)
		}
		t.MaxFrameBytes = n
	}
	if meta.IsDefined("transport", "send_rate") {
		t.SendRate = rt.SendRate
	}
	if meta.IsDefined("transport", "send_burst") {
		t.SendBurst = rt.SendBurst
	}
	return nil
}

func applyEnv(cfg *Config, lookup func(string) (string, bool)) error {
	get := func(key string) (string, bool) {
		v, ok := lookup(key)
		v = strings.TrimSpace(v)
		return v, ok && v != ""
	}

	if v, ok := get(EnvHost); ok {
		cfg.Host = v
	}
	if v, ok := get(EnvPort); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvPort, err)
		}
		cfg.Port = n
	}
	if v, ok := get(EnvListen); ok {
		cfg.Listen = v
	}
	if v, ok := get(EnvMetricsAddr); ok {
		cfg.MetricsAddr = v
	}

	t := &cfg.Transport
	durations := map[string]*time.Duration{
		EnvConnectTimeout:  &t.ConnectTimeout,
		EnvWriteTimeout:    &t.WriteTimeout,
		EnvIdleTimeout:     &t.IdleTimeout,
		EnvShutdownTimeout: &t.ShutdownTimeout,
	}
	for key, dst := range durations {
		v, ok := get(key)
		if !ok {
			continue
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		*dst = d
	}
	if v, ok := get(EnvConnectAttempts); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvConnectAttempts, err)
		}
		t.ConnectAttempts = n
	}
	if v, ok := get(EnvMaxFrameBytes); ok {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvMaxFrameBytes, err)
		}
		if t.MaxFrameBytes, err = frameBytes(n); err != nil {
			return fmt.Errorf("%s: %w", EnvMaxFrameBytes, err)
		}
	}
	if v, ok := get(EnvSendRate); ok {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvSendRate, err)
		}
		t.SendRate = f
	}
	if v, ok := get(EnvSendBurst); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvSendBurst, err)
		}
		t.SendBurst = n
	}
	return nil
}

func frameBytes(n int64) (uint32, error) {
	if n <= 0 || n > int64(^uint32(0)) {
		return 0, fmt.Errorf("out of range: %d", n)
	}
	return uint32(n), nil
}
