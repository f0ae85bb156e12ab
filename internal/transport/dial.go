package transport

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"syscall"
	"time"

	"github.com/danmuck/framehub/internal/logging"
	"github.com/danmuck/framehub/internal/observability"
	"github.com/danmuck/framehub/internal/protocol"
)

// Dial opens a framed connection to addr, retrying up to cfg.ConnectAttempts
// times with backoff. Failures are classified as ErrConnectTimeout or
// ErrConnectionRefused where possible.
func Dial(ctx context.Context, addr string, cfg Config) (*Conn, error) {
	cfg = cfg.WithDefaults()
	logger := logging.Component("transport")
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))

	var attempt int
	for {
		attempt++
		raw, err := dialOnce(ctx, addr, cfg.ConnectTimeout)
		if err == nil {
			observability.RecordConnect("ok")
			return NewConn(raw, cfg), nil
		}

		err = classifyDialError(ctx, addr, err)
		observability.RecordConnect(dialResult(err))
		logger.Warn().Int("attempt", attempt).Str("addr", addr).Err(err).Msg("dial failed")

		if attempt >= cfg.ConnectAttempts || ctx.Err() != nil {
			return nil, err
		}
		if serr := sleepBackoff(ctx, cfg.Backoff, attempt, rng); serr != nil {
			return nil, err
		}
	}
}

func dialOnce(ctx context.Context, addr string, timeout time.Duration) (net.Conn, error) {
	dialer := net.Dialer{Timeout: timeout}
	return dialer.DialContext(ctx, "tcp", addr)
}

func classifyDialError(ctx context.Context, addr string, err error) error {
	var netErr net.Error
	switch {
	case errors.Is(err, syscall.ECONNREFUSED):
		return fmt.Errorf("%w: %s: %v", protocol.ErrConnectionRefused, addr, err)
	case errors.Is(err, context.DeadlineExceeded),
		errors.As(err, &netErr) && netErr.Timeout():
		return fmt.Errorf("%w: %s: %v", protocol.ErrConnectTimeout, addr, err)
	case ctx.Err() != nil:
		return fmt.Errorf("dial %s: %w", addr, ctx.Err())
	default:
		return fmt.Errorf("dial %s: %w", addr, err)
	}
}

func dialResult(err error) string {
	switch {
	case errors.Is(err, protocol.ErrConnectTimeout):
		return "timeout"
	case errors.Is(err, protocol.ErrConnectionRefused):
		return "refused"
	default:
		return "error"
	}
}
