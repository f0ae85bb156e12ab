package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/danmuck/framehub/internal/logging"
	"github.com/danmuck/framehub/internal/observability"
	"github.com/danmuck/framehub/internal/peer"
	"github.com/spf13/cobra"
)

func newServeCommand(ctx *commandContext) *cobra.Command {
	var listen string
	var metricsAddr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run an echo peer that writes every frame back to its sender",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			if v := strings.TrimSpace(listen); v != "" {
				cfg.Listen = v
			}
			if cmd.Flags().Changed("metrics-addr") {
				cfg.MetricsAddr = strings.TrimSpace(metricsAddr)
			}

			runCtx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			log := logging.Component("hubctl")
			srv := peer.NewServer(cfg.Transport, peer.EchoHandler())
			if err := srv.Listen(cfg.Listen); err != nil {
				return err
			}

			if cfg.MetricsAddr != "" {
				httpSrv := &http.Server{
					Addr: cfg.MetricsAddr,
					Handler: observability.NewRouter(func() map[string]any {
						return map[string]any{
							"listen":   srv.Addr().String(),
							"sessions": srv.SessionCount(),
						}
					}),
					ReadHeaderTimeout: 5 * time.Second,
				}
				go func() {
					log.Info().Str("addr", cfg.MetricsAddr).Msg("metrics listening")
					if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
						log.Error().Err(err).Msg("metrics server failed")
					}
				}()
				defer func() {
					shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Transport.ShutdownTimeout)
					defer cancel()
					_ = httpSrv.Shutdown(shutdownCtx)
				}()
			}

			return srv.Serve(runCtx)
		},
	}

	cmd.Flags().StringVarP(&listen, "listen", "l", "", "Listen address (overrides config)")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "HTTP address for /metrics and /healthz; empty disables")
	return cmd
}
