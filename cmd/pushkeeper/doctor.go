package main

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/basket/pushkeeper/internal/config"
	"github.com/basket/pushkeeper/internal/doctor"
	"github.com/spf13/cobra"
)

func newDoctorCmd() *cobra.Command {
	var jsonOutput bool
	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Diagnose the local installation",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var cfgPtr *config.Config
			cfg, err := config.Load()
			if err == nil {
				cfgPtr = &cfg
			}
			diag := doctor.Run(cmd.Context(), cfgPtr, Version)

			out := cmd.OutOrStdout()
			if jsonOutput {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				if err := enc.Encode(diag); err != nil {
					return fmt.Errorf("encode json: %w", err)
				}
			} else {
				fmt.Fprintf(out, "PushKeeper Doctor Report (%s)\n", diag.Timestamp.Format(time.RFC3339))
				fmt.Fprintf(out, "System: %s/%s (%s)\n", diag.System.OS, diag.System.Arch, diag.System.Go)
				if err != nil {
					fmt.Fprintf(out, "Config error: %v\n", err)
				}
				fmt.Fprintln(out, "---")
				failCount := 0
				for _, res := range diag.Results {
					mark := okStyle.Render("PASS")
					switch res.Status {
					case doctor.StatusFail:
						mark = badStyle.Render("FAIL")
						failCount++
					case doctor.StatusWarn:
						mark = warnStyle.Render("WARN")
					case doctor.StatusSkip:
						mark = labelStyle.UnsetWidth().Render("SKIP")
					}
					fmt.Fprintf(out, "%s %-15s: %s\n", mark, res.Name, res.Message)
					if res.Detail != "" {
						fmt.Fprintf(out, "     %s\n", res.Detail)
					}
				}
				fmt.Fprintln(out, "---")
				if failCount > 0 {
					fmt.Fprintf(out, "%d check(s) failed.\n", failCount)
				} else {
					fmt.Fprintln(out, "All systems operational.")
				}
			}
			if diag.Failed() {
				return &exitError{code: 1}
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "print the report as JSON")
	return cmd
}
