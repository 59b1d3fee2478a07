package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/basket/pushkeeper/internal/agent"
	"github.com/basket/pushkeeper/internal/config"
	"github.com/spf13/cobra"
)

func newPushCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "push <file|->",
		Short: "Deliver a push payload to the running daemon",
		Long: `Reads a push payload (JSON) from a file, or from stdin when the argument
is "-", and posts it to the daemon as if the push service had delivered it.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("config load: %w", err)
			}
			payload, err := readPayload(cmd.InOrStdin(), args[0])
			if err != nil {
				return err
			}
			token := config.ReadAuthToken(cfg.HomeDir)
			res, err := postPush(cmd.Context(), daemonURL(cfg.BindAddr), token, payload)
			if err != nil {
				return &exitError{code: 1, err: err}
			}
			out := cmd.OutOrStdout()
			fmt.Fprintln(out, labelStyle.Render("notification")+valueStyle.Render(res.NotificationID))
			fmt.Fprintln(out, labelStyle.Render("queued")+valueStyle.Render(fmt.Sprint(res.Persisted)))
			if res.Fallback {
				fmt.Fprintln(out, warnStyle.Render("payload unreadable; fallback notification shown"))
			}
			if len(res.FailedSinks) > 0 {
				fmt.Fprintln(out, warnStyle.Render("not shown by: "+strings.Join(res.FailedSinks, ", ")))
			}
			return nil
		},
	}
}

func readPayload(stdin io.Reader, arg string) ([]byte, error) {
	if arg == "-" {
		data, err := io.ReadAll(stdin)
		if err != nil {
			return nil, fmt.Errorf("read stdin: %w", err)
		}
		return data, nil
	}
	data, err := os.ReadFile(arg)
	if err != nil {
		return nil, fmt.Errorf("read payload: %w", err)
	}
	return data, nil
}

func postPush(ctx context.Context, baseURL, token string, payload []byte) (agent.PushResult, error) {
	var res agent.PushResult

	reqCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, baseURL+"/push", bytes.NewReader(payload))
	if err != nil {
		return res, fmt.Errorf("request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return res, fmt.Errorf("push: %w", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	if resp.StatusCode != http.StatusOK {
		var apiErr struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(body, &apiErr) == nil && apiErr.Error != "" {
			return res, fmt.Errorf("push rejected (%d): %s", resp.StatusCode, apiErr.Error)
		}
		return res, fmt.Errorf("push rejected (%d): %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	if err := json.Unmarshal(body, &res); err != nil {
		return res, fmt.Errorf("decode push result: %w", err)
	}
	return res, nil
}
