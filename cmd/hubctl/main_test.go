package main

import (
	"bytes"
	"context"
	"net"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/danmuck/framehub/internal/hub"
	"github.com/danmuck/framehub/internal/peer"
	"github.com/danmuck/framehub/internal/protocol/frame"
	"github.com/danmuck/framehub/internal/testutil/testlog"
	"github.com/danmuck/framehub/internal/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func runCommand(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func startEchoPeer(t *testing.T) string {
	t.Helper()
	srv := peer.NewServer(transport.DefaultConfig(), peer.EchoHandler())
	require.NoError(t, srv.Listen("127.0.0.1:0"))
	go func() { _ = srv.Serve(context.Background()) }()
	t.Cleanup(func() { _ = srv.Close() })
	_, port, err := net.SplitHostPort(srv.Addr().String())
	require.NoError(t, err)
	return port
}

func TestConfigInitAndShow(t *testing.T) {
	testlog.Start(t)
	path := filepath.Join(t.TempDir(), "hubctl.toml")

	out, err := runCommand(t, "config", "init", "--path", path)
	require.NoError(t, err)
	assert.Contains(t, out, "wrote "+path)

	_, err = runCommand(t, "config", "init", "--path", path)
	assert.ErrorContains(t, err, "already exists")

	out, err = runCommand(t, "--config", path, "config", "show")
	require.NoError(t, err)
	assert.Contains(t, out, "8388608")
	assert.Contains(t, out, "127.0.0.1:9090")
}

func TestUnknownLogLevel(t *testing.T) {
	testlog.Start(t)
	_, err := runCommand(t, "--log-level", "loud", "config", "show")
	assert.ErrorContains(t, err, "unknown log level")
}

func TestSendWaitsForEcho(t *testing.T) {
	testlog.Start(t)
	port := startEchoPeer(t)

	out, err := runCommand(t, "send", "--host", "127.0.0.1", "--port", port, "--wait", "3s", "Ping", `{"seq": 1}`)
	require.NoError(t, err)
	assert.Contains(t, out, "sent Ping")
	assert.Contains(t, out, `reply Ping {"seq":1}`)

	_, err = runCommand(t, "send", "--port", port, "Ping", `{not json`)
	assert.ErrorContains(t, err, "not valid JSON")
}

func TestSendRefused(t *testing.T) {
	testlog.Start(t)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := strconv.Itoa(ln.Addr().(*net.TCPAddr).Port)
	require.NoError(t, ln.Close())

	_, err = runCommand(t, "send", "--host", "127.0.0.1", "--port", port, "Ping", `{}`)
	assert.ErrorContains(t, err, "connection refused")
}

func TestOrderCountsEchoes(t *testing.T) {
	testlog.Start(t)
	port := startEchoPeer(t)

	out, err := runCommand(t, "order", "--host", "127.0.0.1", "--port", port, "-n", "3", "--wait", "3s")
	require.NoError(t, err)
	assert.Contains(t, out, "3/3 orders echoed")

	out, err = runCommand(t, "order", "--host", "127.0.0.1", "--port", port, "-n", "2", "--titled", "--wait", "3s")
	require.NoError(t, err)
	assert.Contains(t, out, "2/2 orders echoed")
}

func TestRenderStats(t *testing.T) {
	testlog.Start(t)
	out := renderStats(hub.Stats{State: hub.Listening, ConnID: "abc", FramesSent: 4, ConnectedAt: time.Unix(0, 0).UTC()})
	assert.Contains(t, out, "listening")
	assert.Contains(t, out, "abc")
	assert.Contains(t, out, "frames_sent")
	assert.Equal(t, "ab…", truncate("abcdef", 3))
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestListenPrintsFramesAndStats(t *testing.T) {
	testlog.Start(t)
	srv := peer.NewServer(transport.DefaultConfig(), peer.EchoHandler())
	require.NoError(t, srv.Listen("127.0.0.1:0"))
	go func() { _ = srv.Serve(context.Background()) }()
	t.Cleanup(func() { _ = srv.Close() })
	_, port, err := net.SplitHostPort(srv.Addr().String())
	require.NoError(t, err)

	out := &syncBuffer{}
	cmd := newRootCommand()
	cmd.SetOut(out)
	cmd.SetErr(out)
	cmd.SetArgs([]string{"listen", "--host", "127.0.0.1", "--port", port, "--name", "Ping", "--duration", "2s"})
	done := make(chan error, 1)
	go func() { done <- cmd.ExecuteContext(context.Background()) }()

	// Frames sent before the listener registers are dropped, so keep pushing
	// until one is printed.
	deadline := time.Now().Add(2 * time.Second)
	for !strings.Contains(out.String(), `Ping {"seq":1}`) {
		if time.Now().After(deadline) {
			t.Fatalf("no frame printed; output:\n%s", out.String())
		}
		_, _ = srv.Broadcast(context.Background(), frame.Frame{Command: "Ping", Payload: `{"seq":1}`})
		_, _ = srv.Broadcast(context.Background(), frame.Frame{Command: "Other", Payload: `{}`})
		time.Sleep(20 * time.Millisecond)
	}

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatalf("listen did not stop after --duration")
	}
	text := out.String()
	assert.Contains(t, text, "frames_received")
	assert.Contains(t, text, "listening")
	assert.Contains(t, text, "Last payload")

	_, err = runCommand(t, "listen", "--port", port)
	assert.ErrorContains(t, err, "at least one --name")
}
