package main

import (
	"fmt"
	"strings"
	"sync"

	"github.com/danmuck/framehub/internal/config"
	"github.com/danmuck/framehub/internal/logging"
	"github.com/spf13/cobra"
)

const skipConfigLoad = "skipConfigLoad"

type commandContext struct {
	configFlag   string
	envFileFlag  string
	logLevelFlag string

	configOnce sync.Once
	config     config.Config
	configErr  error
}

func (c *commandContext) ensureConfig() (config.Config, error) {
	c.configOnce.Do(func() {
		var envFiles []string
		if p := strings.TrimSpace(c.envFileFlag); p != "" {
			envFiles = append(envFiles, p)
		}
		if err := config.LoadDotEnv(envFiles...); err != nil {
			c.configErr = err
			return
		}
		c.config, c.configErr = config.Load(c.configFlag)
	})
	return c.config, c.configErr
}

func newRootCommand() *cobra.Command {
	ctx := &commandContext{}

	rootCmd := &cobra.Command{
		Use:           "hubctl",
		Short:         "Length-prefixed JSON frame hub client and echo peer",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			logging.ConfigureRuntime()
			if lvl := strings.TrimSpace(ctx.logLevelFlag); lvl != "" {
				if !logging.SetLevel(lvl) {
					return fmt.Errorf("unknown log level %q", lvl)
				}
			}
			if cmd.Annotations[skipConfigLoad] == "true" {
				return nil
			}
			_, err := ctx.ensureConfig()
			return err
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	rootCmd.PersistentFlags().StringVarP(&ctx.configFlag, "config", "c", "", "Configuration file path (TOML)")
	rootCmd.PersistentFlags().StringVar(&ctx.envFileFlag, "env-file", "", "Optional .env file (defaults to ./.env when present)")
	rootCmd.PersistentFlags().StringVar(&ctx.logLevelFlag, "log-level", "", "Log level: trace|debug|info|warn|error|off")

	rootCmd.AddCommand(newServeCommand(ctx))
	rootCmd.AddCommand(newSendCommand(ctx))
	rootCmd.AddCommand(newListenCommand(ctx))
	rootCmd.AddCommand(newOrderCommand(ctx))
	rootCmd.AddCommand(newConfigCommand(ctx))

	return rootCmd
}
