package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/basket/pushkeeper/internal/config"
	"github.com/basket/pushkeeper/internal/tui"
	"github.com/spf13/cobra"
)

func newWatchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Live view of notifications and daemon activity",
		Long: `Connects to the running daemon as a host client and shows open
notifications as they arrive. Selecting one clicks it, which routes it to a
page exactly as a click on the system notification would.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("config load: %w", err)
			}
			dialCtx, cancel := context.WithTimeout(cmd.Context(), 5*time.Second)
			defer cancel()
			client, err := tui.DialHost(dialCtx, daemonURL(cfg.BindAddr), config.ReadAuthToken(cfg.HomeDir))
			if err != nil {
				return &exitError{code: 1, err: err}
			}
			defer client.Close()

			if err := tui.Watch(cmd.Context(), client); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		},
	}
}
