package main

import (
	"fmt"
	"strings"

	"github.com/danmuck/framehub/internal/config"
	"github.com/spf13/cobra"
)

func newConfigCommand(ctx *commandContext) *cobra.Command {
	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Configuration utilities",
	}
	configCmd.AddCommand(newConfigInitCommand())
	configCmd.AddCommand(newConfigShowCommand(ctx))
	return configCmd
}

func newConfigInitCommand() *cobra.Command {
	var targetPath string
	var overwrite bool

	cmd := &cobra.Command{
		Use:         "init",
		Short:       "Write a sample hubctl.toml",
		Annotations: map[string]string{skipConfigLoad: "true"},
		RunE: func(cmd *cobra.Command, args []string) error {
			target := strings.TrimSpace(targetPath)
			if target == "" {
				target = "hubctl.toml"
			}
			if err := config.WriteTemplate(target, overwrite); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", target)
			return nil
		},
	}
	cmd.Flags().StringVarP(&targetPath, "path", "o", "", "Output path (default hubctl.toml)")
	cmd.Flags().BoolVar(&overwrite, "overwrite", false, "Replace an existing file")
	return cmd
}

// newConfigShowCommand prints the resolved configuration, which also
// validates the file and environment.
func newConfigShowCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Print the resolved configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			tc := cfg.Transport
			rows := [][]string{
				{"host", cfg.Host},
				{"port", fmt.Sprint(cfg.Port)},
				{"listen", cfg.Listen},
				{"metrics_addr", cfg.MetricsAddr},
				{"connect_timeout", tc.ConnectTimeout.String()},
				{"connect_attempts", fmt.Sprint(tc.ConnectAttempts)},
				{"write_timeout", tc.WriteTimeout.String()},
				{"idle_timeout", tc.IdleTimeout.String()},
				{"shutdown_timeout", tc.ShutdownTimeout.String()},
				{"max_frame_bytes", fmt.Sprint(tc.MaxFrameBytes)},
				{"send_rate", fmt.Sprint(tc.SendRate)},
				{"send_burst", fmt.Sprint(tc.SendBurst)},
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderTable([]string{"Key", "Value"}, rows, 2))
			return nil
		},
	}
}
