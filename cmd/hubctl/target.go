package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/danmuck/framehub/internal/hub"
	"github.com/spf13/cobra"
)

// target holds per-command host/port overrides.
type target struct {
	host string
	port int
}

func addTargetFlags(cmd *cobra.Command, t *target) {
	cmd.Flags().StringVar(&t.host, "host", "", "Peer host (overrides config)")
	cmd.Flags().IntVarP(&t.port, "port", "p", 0, "Peer port (overrides config)")
}

// connect builds a hub from the resolved config and dials the target.
func (c *commandContext) connect(ctx context.Context, t target) (*hub.Hub, error) {
	cfg, err := c.ensureConfig()
	if err != nil {
		return nil, err
	}
	host := cfg.Host
	if h := strings.TrimSpace(t.host); h != "" {
		host = h
	}
	port := cfg.Port
	if t.port > 0 {
		port = t.port
	}

	h := hub.New(cfg.Transport)
	if err := h.Connect(ctx, host, port); err != nil {
		return nil, fmt.Errorf("connect %s:%d: %w", host, port, err)
	}
	return h, nil
}
