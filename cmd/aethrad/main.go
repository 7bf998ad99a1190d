package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/loqalabs/aethra/internal/config"
	"github.com/loqalabs/aethra/internal/logging"
	"github.com/loqalabs/aethra/internal/runtime"
	"github.com/spf13/cobra"
)

var version = "0.1.0-dev"

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "aethrad",
		Short:         "Telegram relay for text-to-speech and speech-to-text",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.PersistentFlags().String("config", "aethra.yaml", "Path to configuration file")
	root.AddCommand(newRunCmd(), newTablesCmd(), newEventsCmd(), newVersionCmd())
	return root
}

func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the relay until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			logger := logging.New(cfg.Telemetry, os.Stdout)

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			if err := runtime.New(cfg, logger).Start(ctx); err != nil {
				logger.Error("runtime exited with error", slog.String("error", err.Error()))
				return err
			}
			logger.Info("shutdown complete")
			return nil
		},
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version)
		},
	}
}

func loadConfig(cmd *cobra.Command) (config.Config, error) {
	path, err := cmd.Flags().GetString("config")
	if err != nil {
		return config.Config{}, err
	}
	if _, statErr := os.Stat(path); os.IsNotExist(statErr) && !cmd.Flags().Changed("config") {
		// The default file is optional; env overrides still apply.
		path = ""
	}
	return config.Load(path)
}
