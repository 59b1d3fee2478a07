package doctor

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/basket/pushkeeper/internal/config"
	"github.com/basket/pushkeeper/internal/cron"
	"github.com/basket/pushkeeper/internal/persistence"
)

const (
	StatusPass = "PASS"
	StatusFail = "FAIL"
	StatusWarn = "WARN"
	StatusSkip = "SKIP"
)

type CheckResult struct {
	Name    string `json:"name"`
	Status  string `json:"status"` // "PASS", "FAIL", "WARN", "SKIP"
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

type Diagnosis struct {
	Timestamp time.Time     `json:"timestamp"`
	System    SystemInfo    `json:"system"`
	Results   []CheckResult `json:"results"`
}

type SystemInfo struct {
	OS      string `json:"os"`
	Arch    string `json:"arch"`
	Go      string `json:"go_version"`
	Version string `json:"version"`
}

// Failed reports whether any check failed.
func (d Diagnosis) Failed() bool {
	for _, r := range d.Results {
		if r.Status == StatusFail {
			return true
		}
	}
	return false
}

// Run executes all diagnostic checks.
func Run(ctx context.Context, cfg *config.Config, version string) Diagnosis {
	d := Diagnosis{
		Timestamp: time.Now().UTC(),
		System: SystemInfo{
			OS:      runtime.GOOS,
			Arch:    runtime.GOARCH,
			Go:      runtime.Version(),
			Version: version,
		},
	}

	checks := []func(context.Context, *config.Config) CheckResult{
		checkConfig,
		checkAuthToken,
		checkDatabase,
		checkPermissions,
		checkSchedule,
		checkAssets,
		checkCommands,
		checkBindAddr,
	}

	for _, check := range checks {
		d.Results = append(d.Results, check(ctx, cfg))
	}

	return d
}

func checkConfig(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Config", Status: StatusFail, Message: "Configuration not loaded"}
	}
	if cfg.NeedsGenesis {
		return CheckResult{Name: "Config", Status: StatusWarn, Message: "config.yaml missing (defaults in use)", Detail: "Run the daemon once to write a starter config"}
	}
	return CheckResult{Name: "Config", Status: StatusPass, Message: fmt.Sprintf("Loaded from %s", cfg.HomeDir), Detail: cfg.Fingerprint()}
}

func checkAuthToken(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Auth Token", Status: StatusSkip, Message: "Config missing"}
	}
	if os.Getenv("PUSHKEEPER_AUTH_TOKEN") != "" {
		return CheckResult{Name: "Auth Token", Status: StatusPass, Message: "PUSHKEEPER_AUTH_TOKEN is set"}
	}
	path := config.TokenPath(cfg.HomeDir)
	info, err := os.Stat(path)
	if err != nil {
		return CheckResult{Name: "Auth Token", Status: StatusWarn, Message: "No token yet", Detail: "The daemon generates " + path + " on first start"}
	}
	if info.Mode().Perm()&0o077 != 0 {
		return CheckResult{Name: "Auth Token", Status: StatusWarn, Message: fmt.Sprintf("%s is readable by others (%v)", path, info.Mode().Perm())}
	}
	return CheckResult{Name: "Auth Token", Status: StatusPass, Message: "Token file present"}
}

func checkDatabase(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Database", Status: StatusSkip, Message: "Config missing"}
	}
	store, err := persistence.Open(config.DBPath(cfg.HomeDir), nil)
	if err != nil {
		return CheckResult{Name: "Database", Status: StatusFail, Message: fmt.Sprintf("Connection failed: %v", err)}
	}
	defer store.Close()

	version, err := store.SchemaVersion(ctx)
	if err != nil {
		return CheckResult{Name: "Database", Status: StatusFail, Message: fmt.Sprintf("Query failed: %v", err)}
	}
	pending, err := store.PendingOffline(ctx)
	if err != nil {
		return CheckResult{Name: "Database", Status: StatusFail, Message: fmt.Sprintf("Query failed: %v", err)}
	}
	return CheckResult{
		Name:    "Database",
		Status:  StatusPass,
		Message: fmt.Sprintf("Schema v%d, %d offline message(s) pending", version, pending),
	}
}

func checkPermissions(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Permissions", Status: StatusSkip, Message: "Config missing"}
	}
	testFile := filepath.Join(cfg.HomeDir, ".write_test")
	if err := os.WriteFile(testFile, []byte("test"), 0o600); err != nil {
		return CheckResult{Name: "Permissions", Status: StatusFail, Message: fmt.Sprintf("Home dir unwritable: %v", err)}
	}
	os.Remove(testFile)

	return CheckResult{Name: "Permissions", Status: StatusPass, Message: "Home directory writable"}
}

func checkSchedule(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Maintenance", Status: StatusSkip, Message: "Config missing"}
	}
	next, err := cron.NextRunTime(cfg.MaintenanceSchedule, time.Now())
	if err != nil {
		return CheckResult{Name: "Maintenance", Status: StatusFail, Message: fmt.Sprintf("Invalid maintenance_schedule %q", cfg.MaintenanceSchedule), Detail: err.Error()}
	}
	return CheckResult{Name: "Maintenance", Status: StatusPass, Message: fmt.Sprintf("Next pass at %s", next.Format(time.RFC3339))}
}

func checkAssets(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Assets", Status: StatusSkip, Message: "Config missing"}
	}
	if cfg.Assets.StaticDir == "" {
		return CheckResult{Name: "Assets", Status: StatusWarn, Message: "assets.static_dir not set; generations start empty"}
	}
	var missing []string
	for _, name := range cfg.Assets.Precache {
		if _, err := os.Stat(filepath.Join(cfg.Assets.StaticDir, filepath.FromSlash(name))); err != nil {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return CheckResult{
			Name:    "Assets",
			Status:  StatusWarn,
			Message: fmt.Sprintf("%d of %d precache file(s) missing", len(missing), len(cfg.Assets.Precache)),
			Detail:  strings.Join(missing, ", "),
		}
	}
	return CheckResult{Name: "Assets", Status: StatusPass, Message: fmt.Sprintf("%d precache file(s) found", len(cfg.Assets.Precache))}
}

// checkCommands looks up the programs the launcher and notify commands run.
func checkCommands(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Commands", Status: StatusSkip, Message: "Config missing"}
	}
	var details []string
	status := StatusPass

	check := func(label, command, unset string) {
		fields := strings.Fields(command)
		if len(fields) == 0 {
			details = append(details, label+": "+unset)
			if status == StatusPass {
				status = StatusWarn
			}
			return
		}
		if _, err := exec.LookPath(fields[0]); err != nil {
			details = append(details, fmt.Sprintf("%s: %s not found", label, fields[0]))
			status = StatusFail
			return
		}
		details = append(details, label+": ok")
	}
	check("launcher", cfg.Launcher.Command, "not set (clicks cannot open a page)")
	check("notify", cfg.Notifications.Command, "not set (host clients render notifications)")

	return CheckResult{
		Name:    "Commands",
		Status:  status,
		Message: fmt.Sprintf("Checked %d commands", len(details)),
		Detail:  strings.Join(details, "; "),
	}
}

func checkBindAddr(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Bind Address", Status: StatusSkip, Message: "Config missing"}
	}
	ln, err := net.Listen("tcp", cfg.BindAddr)
	if err != nil {
		return CheckResult{
			Name:    "Bind Address",
			Status:  StatusWarn,
			Message: fmt.Sprintf("%s unavailable", cfg.BindAddr),
			Detail:  fmt.Sprintf("%v (is the daemon already running?)", err),
		}
	}
	ln.Close()
	return CheckResult{Name: "Bind Address", Status: StatusPass, Message: fmt.Sprintf("%s is free", cfg.BindAddr)}
}
