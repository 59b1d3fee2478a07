package doctor

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/basket/pushkeeper/internal/config"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	t.Setenv("PUSHKEEPER_AUTH_TOKEN", "")
	cfg, err := config.LoadFrom(t.TempDir())
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	return &cfg
}

func TestRun_NilConfigSkips(t *testing.T) {
	d := Run(context.Background(), nil, "test")
	if !d.Failed() {
		t.Fatal("nil config must fail the Config check")
	}
	for _, r := range d.Results[1:] {
		if r.Status != StatusSkip {
			t.Fatalf("%s status = %s, want SKIP", r.Name, r.Status)
		}
	}
}

func TestCheckDatabase_FreshHome(t *testing.T) {
	cfg := testConfig(t)

	result := checkDatabase(context.Background(), cfg)
	if result.Status != StatusPass {
		t.Fatalf("status = %s (%s), want PASS", result.Status, result.Message)
	}
	if !strings.Contains(result.Message, "0 offline message(s) pending") {
		t.Fatalf("message = %q", result.Message)
	}
}

func TestCheckConfig_Genesis(t *testing.T) {
	cfg := testConfig(t)

	result := checkConfig(context.Background(), cfg)
	if result.Status != StatusWarn {
		t.Fatalf("status = %s, want WARN for a home without config.yaml", result.Status)
	}
}

func TestCheckSchedule(t *testing.T) {
	cfg := testConfig(t)
	if r := checkSchedule(context.Background(), cfg); r.Status != StatusPass {
		t.Fatalf("default schedule status = %s (%s)", r.Status, r.Detail)
	}
	cfg.MaintenanceSchedule = "every now and then"
	if r := checkSchedule(context.Background(), cfg); r.Status != StatusFail {
		t.Fatalf("invalid schedule status = %s, want FAIL", r.Status)
	}
}

func TestCheckCommands(t *testing.T) {
	cfg := testConfig(t)

	if r := checkCommands(context.Background(), cfg); r.Status != StatusWarn {
		t.Fatalf("unset commands status = %s, want WARN", r.Status)
	}

	cfg.Launcher.Command = "sh -c true {{.URL}}"
	cfg.Notifications.Command = "sh -c true"
	if r := checkCommands(context.Background(), cfg); r.Status != StatusPass {
		t.Fatalf("status = %s (%s), want PASS", r.Status, r.Detail)
	}

	cfg.Launcher.Command = "definitely-not-a-real-binary-pushkeeper {{.URL}}"
	r := checkCommands(context.Background(), cfg)
	if r.Status != StatusFail || !strings.Contains(r.Detail, "not found") {
		t.Fatalf("missing binary result = %+v, want FAIL", r)
	}
}

func TestCheckAssets(t *testing.T) {
	cfg := testConfig(t)
	static := t.TempDir()
	if err := os.WriteFile(filepath.Join(static, "index.html"), []byte("<html>"), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg.Assets.StaticDir = static
	cfg.Assets.Precache = []string{"index.html", "manifest.json"}

	r := checkAssets(context.Background(), cfg)
	if r.Status != StatusWarn || r.Detail != "manifest.json" {
		t.Fatalf("result = %+v, want WARN listing manifest.json", r)
	}

	cfg.Assets.Precache = []string{"index.html"}
	if r := checkAssets(context.Background(), cfg); r.Status != StatusPass {
		t.Fatalf("status = %s, want PASS", r.Status)
	}
}

func TestCheckAuthToken(t *testing.T) {
	cfg := testConfig(t)
	if r := checkAuthToken(context.Background(), cfg); r.Status != StatusWarn {
		t.Fatalf("status = %s, want WARN before a token exists", r.Status)
	}
	if _, err := config.EnsureAuthToken(cfg); err != nil {
		t.Fatalf("ensure token: %v", err)
	}
	if r := checkAuthToken(context.Background(), cfg); r.Status != StatusPass {
		t.Fatalf("status = %s (%s), want PASS", r.Status, r.Message)
	}
}
