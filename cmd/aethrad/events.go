package main

import (
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/loqalabs/aethra/internal/eventstore"
	"github.com/loqalabs/aethra/internal/logging"
	"github.com/spf13/cobra"
)

func newEventsCmd() *cobra.Command {
	var (
		chatID int64
		limit  int
	)
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Print the recorded timeline of one chat",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			storeCfg := cfg.EventStore
			if storeCfg.RetentionMode == "ephemeral" || storeCfg.RetentionMode == "" {
				return fmt.Errorf("event store is disabled (retention_mode=%q)", storeCfg.RetentionMode)
			}
			logger := logging.New(cfg.Telemetry, cmd.ErrOrStderr())
			store, err := eventstore.Open(cmd.Context(), storeCfg, logger, eventstore.ForInspection())
			if err != nil {
				return err
			}
			defer store.Close()

			entries, err := store.ListChatEvents(cmd.Context(), chatID, limit)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, e := range entries {
				fmt.Fprintf(out, "%s  %-16s %-16s %8s  %s\n",
					humanize.Time(e.CreatedAt), e.Kind, e.Outcome, e.Duration, e.RequestID)
			}
			return nil
		},
	}
	cmd.Flags().Int64Var(&chatID, "chat", 0, "Chat id")
	cmd.Flags().IntVar(&limit, "limit", 50, "Maximum number of entries")
	_ = cmd.MarkFlagRequired("chat")
	return cmd
}
