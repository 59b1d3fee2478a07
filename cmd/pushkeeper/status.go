package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/basket/pushkeeper/internal/config"
	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"
)

var (
	labelStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("240")).Width(20)
	okStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("42")).Bold(true)
	badStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("196")).Bold(true)
	warnStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	valueStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("252"))
)

func newStatusCmd() *cobra.Command {
	var jsonOutput bool
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the running daemon's health",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("config load: %w", err)
			}
			return runStatus(cmd.Context(), cmd.OutOrStdout(), daemonURL(cfg.BindAddr), jsonOutput)
		},
	}
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "print the raw /healthz response")
	return cmd
}

// daemonURL turns a bind address into a base URL for local clients.
func daemonURL(addr string) string {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		addr = config.DefaultBindAddr
	}
	if strings.HasPrefix(addr, "http://") || strings.HasPrefix(addr, "https://") {
		return strings.TrimRight(addr, "/")
	}
	if host, port, err := net.SplitHostPort(addr); err == nil {
		// A wildcard bind is reached through loopback.
		if host == "" || host == "0.0.0.0" || host == "::" {
			host = "127.0.0.1"
		}
		addr = net.JoinHostPort(host, port)
	}
	return "http://" + addr
}

func runStatus(ctx context.Context, out io.Writer, baseURL string, jsonOutput bool) error {
	reqCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, baseURL+"/healthz", nil)
	if err != nil {
		return fmt.Errorf("request: %w", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return &exitError{code: 1, err: fmt.Errorf("status: %w", err)}
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if jsonOutput {
		_, _ = out.Write(body)
		if len(body) == 0 || body[len(body)-1] != '\n' {
			_, _ = out.Write([]byte("\n"))
		}
	} else {
		renderHealth(out, body)
	}
	if resp.StatusCode != http.StatusOK {
		return &exitError{code: 1}
	}
	return nil
}

func renderHealth(out io.Writer, body []byte) {
	var health map[string]any
	if err := json.Unmarshal(body, &health); err != nil {
		fmt.Fprintln(out, strings.TrimSpace(string(body)))
		return
	}

	headline := okStyle.Render("healthy")
	if ok, _ := health["healthy"].(bool); !ok {
		headline = badStyle.Render("unhealthy")
	}
	fmt.Fprintln(out, labelStyle.Render("pushkeeper")+headline)

	order := []string{"pending_offline", "pages", "hosts", "notifications", "in_flight", "lifecycle_state", "generation", "active_generation", "config_fingerprint"}
	seen := map[string]bool{"healthy": true}
	for _, key := range order {
		if v, ok := health[key]; ok {
			fmt.Fprintln(out, labelStyle.Render(key)+valueStyle.Render(formatValue(v)))
			seen[key] = true
		}
	}

	var rest []string
	for key := range health {
		if !seen[key] {
			rest = append(rest, key)
		}
	}
	sort.Strings(rest)
	for _, key := range rest {
		style := valueStyle
		if strings.HasSuffix(key, "_error") {
			style = warnStyle
		}
		fmt.Fprintln(out, labelStyle.Render(key)+style.Render(formatValue(health[key])))
	}
}

func formatValue(v any) string {
	switch val := v.(type) {
	case float64:
		return fmt.Sprintf("%d", int64(val))
	case string:
		if val == "" {
			return "-"
		}
		return val
	default:
		return fmt.Sprint(val)
	}
}
