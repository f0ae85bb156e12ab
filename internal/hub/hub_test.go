package hub

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/danmuck/framehub/internal/envelope"
	"github.com/danmuck/framehub/internal/messages"
	"github.com/danmuck/framehub/internal/peer"
	"github.com/danmuck/framehub/internal/protocol"
	"github.com/danmuck/framehub/internal/protocol/frame"
	"github.com/danmuck/framehub/internal/testutil/testlog"
	"github.com/danmuck/framehub/internal/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type order struct {
	Title string `json:"title,omitempty"`
	Qty   int    `json:"qty,omitempty"`
}

func (o order) MessageName() string { return o.Title }

func testConfig() transport.Config {
	cfg := transport.DefaultConfig()
	cfg.ShutdownTimeout = 2 * time.Second
	return cfg
}

func startPeer(t *testing.T, h peer.Handler) (*peer.Server, string, int) {
	t.Helper()
	srv := peer.NewServer(testConfig(), h)
	require.NoError(t, srv.Listen("127.0.0.1:0"))
	go func() { _ = srv.Serve(context.Background()) }()
	t.Cleanup(func() { _ = srv.Close() })

	host, portStr, err := net.SplitHostPort(srv.Addr().String())
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	return srv, host, port
}

func connectHub(t *testing.T, host string, port int) *Hub {
	t.Helper()
	h := New(testConfig())
	require.NoError(t, h.Connect(context.Background(), host, port))
	t.Cleanup(func() { _ = h.Disconnect() })
	return h
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met before deadline")
}

func closedPort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())
	return port
}

func TestConnectRefusedStaysDisconnected(t *testing.T) {
	testlog.Start(t)
	h := New(testConfig())
	err := h.Connect(context.Background(), "127.0.0.1", closedPort(t))
	if !errors.Is(err, protocol.ErrConnectionRefused) {
		t.Fatalf("expected ErrConnectionRefused, got %v", err)
	}
	assert.Equal(t, Disconnected, h.State())
	assert.ErrorIs(t, h.Stats().LastError, protocol.ErrConnectionRefused)
}

func TestConnectTimeoutFromContext(t *testing.T) {
	testlog.Start(t)
	_, host, port := startPeer(t, nil)
	h := New(testConfig())

	ctx, cancel := context.WithDeadline(context.Background(), time.Now().Add(-time.Second))
	defer cancel()
	err := h.Connect(ctx, host, port)
	assert.ErrorIs(t, err, protocol.ErrConnectTimeout)
	assert.Equal(t, Disconnected, h.State())
}

func TestConnectRejectsBadPort(t *testing.T) {
	testlog.Start(t)
	h := New(testConfig())
	assert.Error(t, h.Connect(context.Background(), "127.0.0.1", 0))
	assert.Equal(t, Disconnected, h.State())
}

func TestLifecycle(t *testing.T) {
	testlog.Start(t)
	_, host, port := startPeer(t, nil)
	h := New(testConfig())

	require.NoError(t, h.Connect(context.Background(), host, port))
	assert.Equal(t, Listening, h.State())
	st := h.Stats()
	assert.NotEmpty(t, st.ConnID)
	assert.False(t, st.ConnectedAt.IsZero())

	err := h.Connect(context.Background(), host, port)
	assert.ErrorIs(t, err, protocol.ErrAlreadyConnected)

	require.NoError(t, h.Disconnect())
	assert.Equal(t, Disconnected, h.State())
	require.NoError(t, h.Disconnect())

	env, err := envelope.New(order{Title: "Order"}, nil)
	require.NoError(t, err)
	assert.ErrorIs(t, h.Register(env), protocol.ErrNotConnected)
	assert.ErrorIs(t, h.Unregister("Order"), protocol.ErrNotConnected)
	assert.ErrorIs(t, h.ClearDispatcher(), protocol.ErrNotConnected)
	assert.ErrorIs(t, h.SetSender("Order", order{}), protocol.ErrNotConnected)
	assert.ErrorIs(t, h.SendByName(context.Background(), "Order"), protocol.ErrNotConnected)
	assert.ErrorIs(t, h.SendObject(context.Background(), "Order", order{}), protocol.ErrNotConnected)
	assert.ErrorIs(t, h.SendEnvelope(context.Background(), env), protocol.ErrNotConnected)
	_, err = h.Messages()
	assert.ErrorIs(t, err, protocol.ErrNotConnected)
	_, err = h.Senders()
	assert.ErrorIs(t, err, protocol.ErrNotConnected)

	require.NoError(t, h.Connect(context.Background(), host, port))
	assert.Equal(t, Listening, h.State())
	names, err := h.Names()
	require.NoError(t, err)
	assert.Empty(t, names, "dispatcher is fresh on every connect")
	require.NoError(t, h.Disconnect())
}

func TestEchoDeliversToCallback(t *testing.T) {
	testlog.Start(t)
	_, host, port := startPeer(t, nil)
	h := connectHub(t, host, port)

	got := make(chan order, 1)
	env, err := envelope.New(order{Title: "Order"}, func(o order) { got <- o })
	require.NoError(t, err)
	require.NoError(t, h.Register(env))

	require.NoError(t, h.SendObject(context.Background(), "Order", order{Title: "Order", Qty: 5}))
	select {
	case o := <-got:
		assert.Equal(t, 5, o.Qty)
	case <-time.After(3 * time.Second):
		t.Fatalf("echo never reached callback")
	}

	msg, err := h.Message("Order")
	require.NoError(t, err)
	assert.Equal(t, order{Title: "Order", Qty: 5}, msg)
	sender, err := h.Sender("Order")
	require.NoError(t, err)
	assert.Equal(t, order{Title: "Order", Qty: 5}, sender)

	st := h.Stats()
	assert.EqualValues(t, 1, st.FramesSent)
	assert.EqualValues(t, 1, st.FramesReceived)
	assert.Equal(t, 1, st.Registered)
}

func TestSendByNameErrorsPropagate(t *testing.T) {
	testlog.Start(t)
	_, host, port := startPeer(t, nil)
	h := connectHub(t, host, port)

	assert.ErrorIs(t, h.SendByName(context.Background(), "Missing"), protocol.ErrUnknownName)

	env, err := envelope.New(order{Title: "Order"}, nil)
	require.NoError(t, err)
	require.NoError(t, h.Register(env))
	assert.ErrorIs(t, h.SendByName(context.Background(), "Order"), protocol.ErrNoSenderAttached)
	assert.ErrorIs(t, h.Register(env), protocol.ErrAlreadyRegistered)
	assert.ErrorIs(t, h.SendEnvelope(context.Background(), nil), protocol.ErrNilEnvelope)
}

func TestDispatchErrorsKeepListening(t *testing.T) {
	testlog.Start(t)
	_, host, port := startPeer(t, nil)
	h := connectHub(t, host, port)

	got := make(chan order, 1)
	env, err := envelope.New(order{Title: "Order"}, func(o order) { got <- o })
	require.NoError(t, err)
	require.NoError(t, h.Register(env))

	unregistered, err := envelope.New(order{Title: "Nobody"}, nil)
	require.NoError(t, err)
	unregistered.Stage(order{Title: "Nobody", Qty: 1})
	require.NoError(t, h.SendEnvelope(context.Background(), unregistered))

	bad, err := envelope.New(messages.Document{Title: "Order"}, nil)
	require.NoError(t, err)
	bad.SetSender(map[string]any{"qty": "not a number"})
	require.NoError(t, h.SendEnvelope(context.Background(), bad))

	require.NoError(t, h.SendObject(context.Background(), "Order", order{Title: "Order", Qty: 7}))
	select {
	case o := <-got:
		assert.Equal(t, 7, o.Qty)
	case <-time.After(3 * time.Second):
		t.Fatalf("loop stopped after dispatch errors")
	}
	assert.Equal(t, Listening, h.State())
	assert.EqualValues(t, 2, h.Stats().DispatchErrors)
}

func TestServerCloseDemotesToConnected(t *testing.T) {
	testlog.Start(t)
	srv, host, port := startPeer(t, nil)
	h := connectHub(t, host, port)
	done := h.Done()
	require.NotNil(t, done)

	require.NoError(t, srv.Close())
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatalf("receive loop did not end after server close")
	}
	waitFor(t, func() bool { return h.State() == Connected })
	assert.ErrorIs(t, h.Stats().LastError, protocol.ErrConnectionClosed)

	_, err := h.Names()
	require.NoError(t, err, "registry stays available while Connected")

	require.NoError(t, h.Disconnect())
	assert.Equal(t, Disconnected, h.State())
	assert.Nil(t, h.Done())
}

func TestMalformedInboundFrameIsSkipped(t *testing.T) {
	testlog.Start(t)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })

	go func() {
		c, err := ln.Accept()
		if err != nil {
			return
		}
		defer c.Close()
		if _, err := frame.ReadFrame(c, frame.DefaultLimits()); err != nil {
			return
		}
		// No command key: the hub must skip it and keep reading.
		body := []byte(`{"Payload":"{}"}`)
		var prefix [frame.PrefixLen]byte
		binary.LittleEndian.PutUint32(prefix[:], uint32(len(body)))
		if _, err := c.Write(append(prefix[:], body...)); err != nil {
			return
		}
		if err := frame.WriteFrame(c, frame.Frame{Command: "Order", Payload: `{"title":"Order","qty":2}`}, frame.DefaultLimits()); err != nil {
			return
		}
		_, _ = io.Copy(io.Discard, c)
	}()
	h := connectHub(t, "127.0.0.1", ln.Addr().(*net.TCPAddr).Port)

	got := make(chan order, 1)
	env, err := envelope.New(order{Title: "Order"}, func(o order) { got <- o })
	require.NoError(t, err)
	require.NoError(t, h.Register(env))
	require.NoError(t, h.SendObject(context.Background(), "Order", order{Title: "Order"}))

	select {
	case o := <-got:
		assert.Equal(t, 2, o.Qty)
	case <-time.After(3 * time.Second):
		t.Fatalf("no frame delivered")
	}
	assert.Equal(t, Listening, h.State())
	assert.Zero(t, h.Stats().DispatchErrors)
}

func TestConcurrentSendByNameSharedEnvelope(t *testing.T) {
	testlog.Start(t)
	_, host, port := startPeer(t, peer.HandlerFunc(func(ctx context.Context, s *peer.Session, f frame.Frame) error {
		if err := s.Send(ctx, f); err != nil {
			return err
		}
		return s.Send(ctx, frame.Frame{Command: "Tick", Payload: `{"title":"Tick","seq":1}`})
	}))
	h := connectHub(t, host, port)

	const senders, perSender = 2, 200
	var orders, ticks atomic.Int64
	var badQty atomic.Int64
	orderEnv, err := envelope.New(order{Title: "Order"}, func(o order) {
		if o.Title != "Order" || o.Qty < 1 || o.Qty > senders*perSender {
			badQty.Add(1)
		}
		orders.Add(1)
	})
	require.NoError(t, err)
	require.NoError(t, h.Register(orderEnv))
	tickEnv, err := envelope.New(messages.Ping{Title: "Tick"}, func(messages.Ping) { ticks.Add(1) })
	require.NoError(t, err)
	require.NoError(t, h.Register(tickEnv))

	var wg sync.WaitGroup
	for i := 0; i < senders; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for n := 1; n <= perSender; n++ {
				qty := i*perSender + n
				var err error
				if n%2 == 0 {
					err = h.SendObject(context.Background(), "Order", order{Title: "Order", Qty: qty})
				} else {
					if err = h.SetSender("Order", order{Title: "Order", Qty: qty}); err == nil {
						err = h.SendByName(context.Background(), "Order")
					}
				}
				if err != nil {
					t.Errorf("send: %v", err)
					return
				}
			}
		}(i)
	}
	wg.Wait()

	const total = senders * perSender
	waitFor(t, func() bool { return orders.Load() == total && ticks.Load() == total })
	assert.Zero(t, badQty.Load(), "every echoed order carries a staged value")
	assert.EqualValues(t, total, h.Stats().FramesSent)
	assert.Zero(t, h.Stats().DispatchErrors)
	assert.Equal(t, Listening, h.State())
}

func TestConcurrentSends(t *testing.T) {
	testlog.Start(t)
	_, host, port := startPeer(t, nil)
	h := connectHub(t, host, port)

	const senders, perSender = 8, 20
	var received atomic.Int64
	for i := 0; i < senders; i++ {
		env, err := envelope.New(order{Title: fmt.Sprintf("o%d", i)}, func(order) { received.Add(1) })
		require.NoError(t, err)
		require.NoError(t, h.Register(env))
	}

	var wg sync.WaitGroup
	for i := 0; i < senders; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			name := fmt.Sprintf("o%d", i)
			for n := 0; n < perSender; n++ {
				env, err := envelope.New(order{Title: name}, nil)
				if err != nil {
					t.Errorf("new: %v", err)
					return
				}
				env.Stage(order{Title: name, Qty: n})
				if err := h.SendEnvelope(context.Background(), env); err != nil {
					t.Errorf("send: %v", err)
					return
				}
			}
		}(i)
	}
	wg.Wait()

	waitFor(t, func() bool { return received.Load() == senders*perSender })
	assert.EqualValues(t, senders*perSender, h.Stats().FramesSent)
}

func TestConcurrentConnectDisconnect(t *testing.T) {
	testlog.Start(t)
	_, host, port := startPeer(t, nil)
	h := New(testConfig())

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			err := h.Connect(context.Background(), host, port)
			if err != nil && !errors.Is(err, protocol.ErrAlreadyConnected) {
				t.Errorf("connect: %v", err)
			}
		}()
		go func() {
			defer wg.Done()
			_ = h.Disconnect()
			_ = h.Stats()
		}()
	}
	wg.Wait()
	require.NoError(t, h.Disconnect())
	assert.Equal(t, Disconnected, h.State())
}
