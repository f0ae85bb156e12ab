package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/danmuck/framehub/internal/envelope"
	"github.com/danmuck/framehub/internal/hub"
	"github.com/spf13/cobra"
)

func newListenCommand(ctx *commandContext) *cobra.Command {
	var t target
	var names []string
	var duration time.Duration

	cmd := &cobra.Command{
		Use:   "listen",
		Short: "Print inbound frames for the given command names until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(names) == 0 {
				return fmt.Errorf("at least one --name is required")
			}
			runCtx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			h, err := ctx.connect(runCtx, t)
			if err != nil {
				return err
			}
			defer h.Disconnect()

			// Callbacks print from the receive goroutine.
			out := &lockedWriter{w: cmd.OutOrStdout()}
			for _, name := range names {
				name := name
				raw, err := envelope.NewRaw(name, func(m json.RawMessage) {
					fmt.Fprintf(out, "%s %s\n", name, m)
				})
				if err != nil {
					return err
				}
				if err := h.Register(raw); err != nil {
					return err
				}
			}

			var timeout <-chan time.Time
			if duration > 0 {
				timer := time.NewTimer(duration)
				defer timer.Stop()
				timeout = timer.C
			}
			select {
			case <-runCtx.Done():
			case <-h.Done():
			case <-timeout:
			}

			fmt.Fprintln(out, renderStats(h.Stats()))
			if table, err := renderRegistry(h); err == nil {
				fmt.Fprintln(out, table)
			}
			return nil
		},
	}

	addTargetFlags(cmd, &t)
	cmd.Flags().StringArrayVarP(&names, "name", "n", nil, "Command name to listen for (repeatable)")
	cmd.Flags().DurationVarP(&duration, "duration", "d", 0, "Stop after this long; zero runs until interrupted")
	return cmd
}

func renderStats(st hub.Stats) string {
	lastErr := ""
	if st.LastError != nil {
		lastErr = st.LastError.Error()
	}
	connected := ""
	if !st.ConnectedAt.IsZero() {
		connected = st.ConnectedAt.Format(time.RFC3339)
	}
	rows := [][]string{
		{"state", st.State.String()},
		{"connection", st.ConnID},
		{"remote", st.RemoteAddr},
		{"connected_at", connected},
		{"frames_sent", strconv.FormatUint(st.FramesSent, 10)},
		{"frames_received", strconv.FormatUint(st.FramesReceived, 10)},
		{"dispatch_errors", strconv.FormatUint(st.DispatchErrors, 10)},
		{"registered", strconv.Itoa(st.Registered)},
		{"last_error", lastErr},
	}
	return renderTable([]string{"Field", "Value"}, rows)
}

func renderRegistry(h *hub.Hub) (string, error) {
	names, err := h.Names()
	if err != nil {
		return "", err
	}
	rows := make([][]string, 0, len(names))
	for _, name := range names {
		msg, err := h.Message(name)
		if err != nil {
			continue
		}
		body, err := json.Marshal(msg)
		if err != nil {
			body = []byte(fmt.Sprintf("%v", msg))
		}
		rows = append(rows, []string{name, truncate(string(body), 72)})
	}
	return renderTable([]string{"Name", "Last payload"}, rows), nil
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}

type lockedWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (l *lockedWriter) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Write(p)
}
