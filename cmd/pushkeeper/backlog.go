package main

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/basket/pushkeeper/internal/config"
	"github.com/basket/pushkeeper/internal/persistence"
	"github.com/spf13/cobra"
)

func newBacklogCmd() *cobra.Command {
	var (
		limit      int
		jsonOutput bool
	)
	cmd := &cobra.Command{
		Use:   "backlog",
		Short: "Inspect the offline message queue without draining it",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("config load: %w", err)
			}
			store, err := persistence.Open(config.DBPath(cfg.HomeDir), nil)
			if err != nil {
				return &exitError{code: 1, err: err}
			}
			defer store.Close()

			ctx := cmd.Context()
			pending, err := store.PendingOffline(ctx)
			if err != nil {
				return &exitError{code: 1, err: err}
			}
			msgs, err := store.PeekOffline(ctx, limit)
			if err != nil {
				return &exitError{code: 1, err: err}
			}

			out := cmd.OutOrStdout()
			if jsonOutput {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(map[string]any{"pending": pending, "messages": msgs})
			}
			fmt.Fprintln(out, labelStyle.Render("pending")+valueStyle.Render(fmt.Sprint(pending)))
			for _, m := range msgs {
				fmt.Fprintf(out, "%s  %-12s %s\n",
					labelStyle.Render(m.ReceivedAt.Local().Format(time.DateTime)),
					m.ChatID,
					valueStyle.Render(string(m.Message)))
			}
			if pending > len(msgs) {
				fmt.Fprintln(out, warnStyle.Render(fmt.Sprintf("... %d more", pending-len(msgs))))
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum messages to show")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "print as JSON")
	cmd.AddCommand(newBacklogBackupCmd())
	return cmd
}

func newBacklogBackupCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "backup <dest>",
		Short: "Write a consistent copy of the database",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("config load: %w", err)
			}
			store, err := persistence.Open(config.DBPath(cfg.HomeDir), nil)
			if err != nil {
				return &exitError{code: 1, err: err}
			}
			defer store.Close()
			if err := store.Backup(cmd.Context(), args[0]); err != nil {
				return &exitError{code: 1, err: err}
			}
			fmt.Fprintln(cmd.OutOrStdout(), "backup written to", args[0])
			return nil
		},
	}
}
