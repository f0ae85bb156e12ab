package transport

import (
	"time"

	"github.com/danmuck/framehub/internal/protocol/frame"
	"golang.org/x/time/rate"
)

// BackoffConfig defines retry backoff behavior between connect attempts.
type BackoffConfig struct {
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
	Jitter       bool
}

// Config defines dial, I/O and shutdown bounds for one connection.
type Config struct {
	ConnectTimeout  time.Duration
	ConnectAttempts int
	WriteTimeout    time.Duration
	// IdleTimeout bounds each blocking read; zero waits forever.
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
	MaxFrameBytes   uint32
	// SendRate is frames per second; zero disables the limiter.
	SendRate  float64
	SendBurst int
	Backoff   BackoffConfig
}

func DefaultConfig() Config {
	return Config{
		ConnectTimeout:  5 * time.Second,
		ConnectAttempts: 1,
		WriteTimeout:    15 * time.Second,
		IdleTimeout:     0,
		ShutdownTimeout: 5 * time.Second,
		MaxFrameBytes:   frame.DefaultLimits().MaxFrameBytes,
		SendRate:        0,
		SendBurst:       20,
		Backoff: BackoffConfig{
			InitialDelay: 250 * time.Millisecond,
			Multiplier:   2.0,
			MaxDelay:     5 * time.Second,
			Jitter:       true,
		},
	}
}

// WithDefaults fills zero-valued bounds from DefaultConfig.
func (c Config) WithDefaults() Config {
	def := DefaultConfig()
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = def.ConnectTimeout
	}
	if c.ConnectAttempts <= 0 {
		c.ConnectAttempts = def.ConnectAttempts
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = def.WriteTimeout
	}
	if c.IdleTimeout < 0 {
		c.IdleTimeout = 0
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = def.ShutdownTimeout
	}
	if c.MaxFrameBytes == 0 {
		c.MaxFrameBytes = def.MaxFrameBytes
	}
	if c.SendBurst <= 0 {
		c.SendBurst = def.SendBurst
	}
	if c.Backoff == (BackoffConfig{}) {
		c.Backoff = def.Backoff
	}
	return c
}

func (c Config) Limits() frame.Limits {
	return frame.Limits{MaxFrameBytes: c.MaxFrameBytes}
}

func (c Config) newLimiter() *rate.Limiter {
	if c.SendRate <= 0 {
		return nil
	}
	return rate.NewLimiter(rate.Limit(c.SendRate), c.SendBurst)
}
