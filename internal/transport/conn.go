package transport

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/framehub/internal/observability"
	"github.com/danmuck/framehub/internal/protocol"
	"github.com/danmuck/framehub/internal/protocol/frame"
	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

// Conn is a framed TCP connection. One goroutine may read while any number
// of goroutines write; writes are serialized so frames never interleave.
type Conn struct {
	id      string
	raw     net.Conn
	reader  *bufio.Reader
	cfg     Config
	limiter *rate.Limiter

	wmu       sync.Mutex
	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

func NewConn(raw net.Conn, cfg Config) *Conn {
	cfg = cfg.WithDefaults()
	return &Conn{
		id:      uuid.NewString(),
		raw:     raw,
		reader:  bufio.NewReader(raw),
		cfg:     cfg,
		limiter: cfg.newLimiter(),
	}
}

func (c *Conn) ID() string {
	return c.id
}

func (c *Conn) RemoteAddr() string {
	return c.raw.RemoteAddr().String()
}

func (c *Conn) LocalAddr() string {
	return c.raw.LocalAddr().String()
}

func (c *Conn) Config() Config {
	return c.cfg
}

// ReadFrame blocks for the next frame. It must only be called from a single
// goroutine.
func (c *Conn) ReadFrame() (frame.Frame, error) {
	if c.cfg.IdleTimeout > 0 {
		if err := c.raw.SetReadDeadline(time.Now().Add(c.cfg.IdleTimeout)); err != nil {
			return frame.Frame{}, c.ioError(err)
		}
	}
	f, err := frame.ReadFrame(c.reader, c.cfg.Limits())
	if err != nil {
		return frame.Frame{}, c.ioError(err)
	}
	observability.RecordFrame(observability.DirectionInbound, len(f.Payload))
	return f, nil
}

// WriteFrame writes one frame, waiting on the send limiter first. The write
// deadline is the earlier of WriteTimeout and ctx's deadline.
func (c *Conn) WriteFrame(ctx context.Context, f frame.Frame) error {
	if c.closed.Load() {
		return fmt.Errorf("%w: write on closed connection", protocol.ErrConnectionClosed)
	}
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}
	}

	c.wmu.Lock()
	defer c.wmu.Unlock()

	deadline := time.Now().Add(c.cfg.WriteTimeout)
	if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(deadline) {
		deadline = ctxDeadline
	}
	if err := c.raw.SetWriteDeadline(deadline); err != nil {
		return c.ioError(err)
	}
	if err := frame.WriteFrame(c.raw, f, c.cfg.Limits()); err != nil {
		if errors.Is(err, protocol.ErrFraming) {
			return err
		}
		return c.ioError(err)
	}
	observability.RecordFrame(observability.DirectionOutbound, len(f.Payload))
	return nil
}

// Close shuts the connection down best-effort and unblocks a pending read.
// Errors from the shutdown half are swallowed since the peer may already be
// gone. Close is idempotent.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		if tcp, ok := c.raw.(*net.TCPConn); ok {
			_ = tcp.CloseWrite()
		}
		if err := c.raw.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			c.closeErr = err
		}
	})
	return c.closeErr
}

func (c *Conn) Closed() bool {
	return c.closed.Load()
}

func (c *Conn) ioError(err error) error {
	if errors.Is(err, net.ErrClosed) {
		return fmt.Errorf("%w: %v", protocol.ErrConnectionClosed, err)
	}
	return err
}
