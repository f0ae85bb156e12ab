// Package hub owns one client connection: it dials, runs the receive loop
// that feeds a dispatch.Dispatcher, and exposes a goroutine-safe send and
// registration facade.
package hub

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/framehub/internal/dispatch"
	"github.com/danmuck/framehub/internal/envelope"
	"github.com/danmuck/framehub/internal/logging"
	"github.com/danmuck/framehub/internal/observability"
	"github.com/danmuck/framehub/internal/protocol"
	"github.com/danmuck/framehub/internal/protocol/frame"
	"github.com/danmuck/framehub/internal/transport"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/danmuck/framehub/internal/hub"

type Option func(*Hub)

func WithLogger(l zerolog.Logger) Option {
	return func(h *Hub) {
		h.log = l
	}
}

// WithTracer overrides the tracer taken from the global otel provider.
func WithTracer(t trace.Tracer) Option {
	return func(h *Hub) {
		if t != nil {
			h.tracer = t
		}
	}
}

type Hub struct {
	cfg    transport.Config
	log    zerolog.Logger
	tracer trace.Tracer

	// lifecycle serializes Connect and Disconnect. mu guards the fields below.
	lifecycle sync.Mutex
	mu        sync.RWMutex

	state       State
	conn        *transport.Conn
	dispatcher  *dispatch.Dispatcher
	cancel      context.CancelFunc
	done        chan struct{}
	connectedAt time.Time
	lastErr     error

	sent         atomic.Uint64
	received     atomic.Uint64
	dispatchErrs atomic.Uint64
}

func New(cfg transport.Config, opts ...Option) *Hub {
	h := &Hub{
		cfg:    cfg.WithDefaults(),
		log:    logging.Component("hub"),
		tracer: otel.Tracer(tracerName),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	observability.RecordStateChange("", Disconnected.String())
	return h
}

// Connect dials host:port, installs a fresh dispatcher and starts the receive
// loop. It is only valid while Disconnected.
func (h *Hub) Connect(ctx context.Context, host string, port int) error {
	h.lifecycle.Lock()
	defer h.lifecycle.Unlock()

	if h.State() != Disconnected {
		return protocol.ErrAlreadyConnected
	}
	if port <= 0 || port > 65535 {
		return fmt.Errorf("hub: invalid port %d", port)
	}

	addr := net.JoinHostPort(host, strconv.Itoa(port))
	conn, err := transport.Dial(ctx, addr, h.cfg)
	if err != nil {
		h.mu.Lock()
		h.lastErr = err
		h.mu.Unlock()
		h.log.Warn().Str("addr", addr).Err(err).Msg("connect failed")
		return err
	}

	d := dispatch.New(dispatch.WithLogger(h.log.With().Str("conn", conn.ID()).Logger()))
	loopCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	h.mu.Lock()
	h.conn = conn
	h.dispatcher = d
	h.cancel = cancel
	h.done = done
	h.connectedAt = time.Now()
	h.lastErr = nil
	h.sent.Store(0)
	h.received.Store(0)
	h.dispatchErrs.Store(0)
	h.setState(Connected)
	h.setState(Listening)
	h.mu.Unlock()

	go h.receiveLoop(loopCtx, conn, d, done)
	h.log.Info().Str("addr", addr).Str("conn", conn.ID()).Msg("connected")
	return nil
}

// Disconnect stops the receive loop and releases the connection. It waits for
// the loop at most cfg.ShutdownTimeout and is a no-op when already
// Disconnected.
func (h *Hub) Disconnect() error {
	h.lifecycle.Lock()
	defer h.lifecycle.Unlock()

	h.mu.RLock()
	state, conn, cancel, done := h.state, h.conn, h.cancel, h.done
	h.mu.RUnlock()
	if state == Disconnected {
		return nil
	}

	cancel()
	_ = conn.Close()

	timer := time.NewTimer(h.cfg.ShutdownTimeout)
	defer timer.Stop()
	select {
	case <-done:
	case <-timer.C:
		h.log.Warn().Dur("timeout", h.cfg.ShutdownTimeout).Msg("receive loop did not stop in time")
	}

	h.mu.Lock()
	h.conn = nil
	h.dispatcher = nil
	h.cancel = nil
	h.done = nil
	h.setState(Disconnected)
	h.mu.Unlock()

	h.log.Info().Str("conn", conn.ID()).Msg("disconnected")
	return nil
}

func (h *Hub) State() State {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.state
}

// Done is closed when the current receive loop exits. It is nil while
// Disconnected.
func (h *Hub) Done() <-chan struct{} {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.done
}

func (h *Hub) Stats() Stats {
	h.mu.RLock()
	defer h.mu.RUnlock()
	st := Stats{
		State:          h.state,
		ConnectedAt:    h.connectedAt,
		FramesSent:     h.sent.Load(),
		FramesReceived: h.received.Load(),
		DispatchErrors: h.dispatchErrs.Load(),
		LastError:      h.lastErr,
	}
	if h.conn != nil {
		st.ConnID = h.conn.ID()
		st.RemoteAddr = h.conn.RemoteAddr()
	}
	if h.dispatcher != nil {
		st.Registered = h.dispatcher.Len()
	}
	return st
}

func (h *Hub) Register(b envelope.Binding) error {
	_, d, err := h.active()
	if err != nil {
		return err
	}
	return d.Register(b)
}

func (h *Hub) Unregister(name string) error {
	_, d, err := h.active()
	if err != nil {
		return err
	}
	return d.Unregister(name)
}

func (h *Hub) ClearDispatcher() error {
	_, d, err := h.active()
	if err != nil {
		return err
	}
	d.Clear()
	return nil
}

func (h *Hub) SetSender(name string, v any) error {
	_, d, err := h.active()
	if err != nil {
		return err
	}
	return d.SetSender(name, v)
}

// SendByName writes the staged sender of the envelope registered as name.
func (h *Hub) SendByName(ctx context.Context, name string) error {
	conn, d, err := h.active()
	if err != nil {
		return err
	}
	payload, err := d.Send(name)
	if err != nil {
		return err
	}
	return h.write(ctx, conn, frame.Frame{Command: name, Payload: payload})
}

// SendObject stages v on the envelope registered as name and sends it.
func (h *Hub) SendObject(ctx context.Context, name string, v any) error {
	if err := h.SetSender(name, v); err != nil {
		return err
	}
	return h.SendByName(ctx, name)
}

// SendEnvelope sends b's staged sender without registering b.
func (h *Hub) SendEnvelope(ctx context.Context, b envelope.Binding) error {
	if b == nil {
		return protocol.ErrNilEnvelope
	}
	conn, _, err := h.active()
	if err != nil {
		return err
	}
	payload, err := b.SerializeForSend()
	if err != nil {
		return err
	}
	return h.write(ctx, conn, frame.Frame{Command: b.Name(), Payload: payload})
}

func (h *Hub) Names() ([]string, error) {
	_, d, err := h.active()
	if err != nil {
		return nil, err
	}
	return d.Names(), nil
}

func (h *Hub) Messages() ([]any, error) {
	_, d, err := h.active()
	if err != nil {
		return nil, err
	}
	return d.Messages(), nil
}

func (h *Hub) Senders() ([]any, error) {
	_, d, err := h.active()
	if err != nil {
		return nil, err
	}
	return d.Senders(), nil
}

func (h *Hub) Message(name string) (any, error) {
	_, d, err := h.active()
	if err != nil {
		return nil, err
	}
	msg, ok := d.Message(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", protocol.ErrUnknownName, name)
	}
	return msg, nil
}

// Sender returns the staged value for name, or nil when nothing is staged.
func (h *Hub) Sender(name string) (any, error) {
	_, d, err := h.active()
	if err != nil {
		return nil, err
	}
	if _, ok := d.Lookup(name); !ok {
		return nil, fmt.Errorf("%w: %s", protocol.ErrUnknownName, name)
	}
	s, _ := d.Sender(name)
	return s, nil
}

func (h *Hub) receiveLoop(ctx context.Context, conn *transport.Conn, d *dispatch.Dispatcher, done chan struct{}) {
	defer close(done)
	log := h.log.With().Str("conn", conn.ID()).Logger()
	log.Debug().Msg("receive loop started")

	for {
		f, err := conn.ReadFrame()
		if err != nil {
			if ctx.Err() != nil {
				log.Debug().Msg("receive loop stopped")
				return
			}
			if errors.Is(err, protocol.ErrFraming) {
				observability.RecordDispatch(observability.DispatchFraming)
				log.Warn().Err(err).Msg("skipping malformed frame")
				continue
			}
			h.loopEnded(conn, err)
			return
		}
		h.received.Add(1)
		h.dispatch(ctx, d, f)
	}
}

func (h *Hub) dispatch(ctx context.Context, d *dispatch.Dispatcher, f frame.Frame) {
	_, span := h.tracer.Start(ctx, "framehub.dispatch",
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("framehub.command", f.Command),
			attribute.Int("framehub.payload_bytes", len(f.Payload)),
		),
	)
	defer span.End()

	if err := d.Dispatch(f.Command, []byte(f.Payload)); err != nil {
		h.dispatchErrs.Add(1)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return
	}
	span.SetStatus(codes.Ok, "")
}

// loopEnded demotes Listening to Connected when the loop for conn exits on
// its own. The socket is kept until Disconnect.
func (h *Hub) loopEnded(conn *transport.Conn, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.conn != conn {
		return
	}
	h.lastErr = err
	if h.state == Listening {
		h.setState(Connected)
	}
	h.log.Warn().Str("conn", conn.ID()).Err(err).Msg("receive loop ended")
}

func (h *Hub) write(ctx context.Context, conn *transport.Conn, f frame.Frame) error {
	if err := conn.WriteFrame(ctx, f); err != nil {
		h.log.Warn().Str("command", f.Command).Err(err).Msg("send failed")
		return err
	}
	h.sent.Add(1)
	return nil
}

func (h *Hub) active() (*transport.Conn, *dispatch.Dispatcher, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.state == Disconnected || h.conn == nil || h.dispatcher == nil {
		return nil, nil, protocol.ErrNotConnected
	}
	return h.conn, h.dispatcher, nil
}

// setState must be called with mu held.
func (h *Hub) setState(to State) {
	from := h.state
	if from == to {
		return
	}
	h.state = to
	observability.RecordStateChange(from.String(), to.String())
	h.log.Debug().Str("from", from.String()).Str("to", to.String()).Msg("state changed")
}
