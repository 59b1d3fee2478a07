package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	otelPkg "github.com/basket/pushkeeper/internal/otel"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

// Version is overridden at build time with -ldflags "-X main.Version=...".
var Version = otelPkg.Version

// exitError carries a process exit code out of a command.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string {
	if e.err == nil {
		return fmt.Sprintf("exit status %d", e.code)
	}
	return e.err.Error()
}

func (e *exitError) Unwrap() error { return e.err }

func main() {
	loadDotEnv(".env")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	root := newRootCmd()
	if err := root.ExecuteContext(ctx); err != nil {
		var ee *exitError
		if errors.As(err, &ee) {
			if ee.err != nil {
				fmt.Fprintln(os.Stderr, ee.err)
			}
			stop()
			os.Exit(ee.code)
		}
		fmt.Fprintln(os.Stderr, err)
		stop()
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var home string

	root := &cobra.Command{
		Use:   "pushkeeper",
		Short: "Background push agent for the messaging client",
		Long: `PushKeeper receives push notifications while the app's pages are closed,
queues their messages, shows a notification and hands the backlog to the
page when it comes back.

Examples:
  pushkeeper                      run the daemon
  pushkeeper status               show daemon health
  pushkeeper push payload.json    send a push to the running daemon
  pushkeeper backlog              inspect the offline queue
  pushkeeper watch                live view of notifications`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
			if home != "" {
				return os.Setenv("PUSHKEEPER_HOME", home)
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runDaemon(cmd.Context())
		},
	}
	root.PersistentFlags().StringVar(&home, "home", "", "state directory (default $PUSHKEEPER_HOME or ~/.pushkeeper)")

	root.AddCommand(
		newDaemonCmd(),
		newStatusCmd(),
		newPushCmd(),
		newBacklogCmd(),
		newWatchCmd(),
		newDoctorCmd(),
		newVersionCmd(),
	)
	return root
}

func newDaemonCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "daemon",
		Short: "Run the agent (default when no command is given)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runDaemon(cmd.Context())
		},
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), "pushkeeper", Version)
		},
	}
}

// loadDotEnv loads KEY=VALUE pairs from path without overriding variables
// that are already set. A missing file is ignored.
func loadDotEnv(path string) {
	_ = godotenv.Load(path)
}
