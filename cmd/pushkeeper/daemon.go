package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/basket/pushkeeper/internal/agent"
	"github.com/basket/pushkeeper/internal/assets"
	"github.com/basket/pushkeeper/internal/audit"
	"github.com/basket/pushkeeper/internal/bus"
	"github.com/basket/pushkeeper/internal/channels"
	"github.com/basket/pushkeeper/internal/config"
	"github.com/basket/pushkeeper/internal/cron"
	"github.com/basket/pushkeeper/internal/gateway"
	"github.com/basket/pushkeeper/internal/lifecycle"
	"github.com/basket/pushkeeper/internal/notify"
	otelPkg "github.com/basket/pushkeeper/internal/otel"
	"github.com/basket/pushkeeper/internal/persistence"
	"github.com/basket/pushkeeper/internal/router"
	"github.com/basket/pushkeeper/internal/telemetry"
)

func runDaemon(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		fatalStartup(nil, "E_CONFIG_LOAD", err)
	}

	// Audit first so a logger failure is still recorded.
	if err := audit.Init(cfg.HomeDir); err != nil {
		fatalStartup(nil, "E_AUDIT_INIT", err)
	}
	defer func() { _ = audit.Close() }()

	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, false)
	if err != nil {
		fatalStartup(nil, "E_LOGGER_INIT", err)
	}
	defer closer.Close()
	slog.SetDefault(logger)
	logger.Info("startup phase", "phase", "config_loaded", "home", cfg.HomeDir, "version", Version)

	if cfg.NeedsGenesis {
		if err := config.WriteDefault(cfg.HomeDir); err != nil {
			fatalStartup(logger, "E_CONFIG_WRITE", err)
		}
		logger.Info("config.yaml written with defaults", "path", config.ConfigPath(cfg.HomeDir))
	}
	if host, _, err := net.SplitHostPort(cfg.BindAddr); err == nil {
		h := strings.TrimSpace(strings.ToLower(host))
		loopback := h == "127.0.0.1" || h == "localhost" || h == "::1"
		if !loopback && len(cfg.AllowOrigins) == 0 {
			logger.Warn("allow_origins is empty on non-loopback bind; cross-origin pages will be rejected (same-origin only)", "bind_addr", cfg.BindAddr)
		}
	}

	eventBus := bus.New()

	// No-op when disabled.
	otelProvider, err := otelPkg.Init(ctx, cfg.Telemetry)
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}
	defer otelProvider.Shutdown(context.Background())
	metrics, err := otelPkg.NewMetrics(otelProvider.Meter)
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}

	// The store opens lazily on first use; a failed open is retried by the
	// next event rather than blocking startup.
	store := persistence.NewOfflineStore(config.DBPath(cfg.HomeDir), eventBus, logger)
	store.OnOpen(func(s *persistence.Store) { audit.SetDB(s.DB()) })
	defer store.Close()

	cache, err := assets.New(config.CacheDir(cfg.HomeDir))
	if err != nil {
		fatalStartup(logger, "E_CACHE_INIT", err)
	}

	center := notify.NewCenter(eventBus)
	var sinks []notify.Sink
	if strings.TrimSpace(cfg.Notifications.Command) != "" {
		sinks = append(sinks, notify.CommandSink{Command: cfg.Notifications.Command})
	}
	if cfg.Notifications.Telegram.Enabled() {
		sinks = append(sinks, channels.NewTelegramSink(cfg.Notifications.Telegram))
		logger.Info("telegram mirroring enabled", "chats", len(cfg.Notifications.Telegram.ChatIDs))
	}
	presenter := notify.NewPresenter(center, notify.DefaultsFrom(cfg.Notifications), logger, sinks...)

	hub := gateway.NewPageHub(cfg.Launcher, eventBus, logger)
	hub.OnChange = func(delta int64) { metrics.PagesConnected.Add(context.Background(), delta) }

	lc := lifecycle.New(lifecycle.Options{
		Generation: cfg.Version,
		StaticDir:  cfg.Assets.StaticDir,
		Precache:   cfg.Assets.Precache,
		Cache:      cache,
		Claimer:    hub,
		State:      store,
		Bus:        eventBus,
		Logger:     logger,
	})

	dispatcher, err := agent.New(agent.Config{
		Store:     store,
		Center:    center,
		Presenter: presenter,
		Router:    router.New(hub, cfg.AppURL, logger),
		Lifecycle: lc,
		Tracer:    otelProvider.Tracer,
		Metrics:   metrics,
		Logger:    logger,
	})
	if err != nil {
		fatalStartup(logger, "E_DISPATCHER_INIT", err)
	}

	if prev, err := lc.Restore(ctx); err != nil {
		logger.Warn("lifecycle state unavailable", "error", err)
	} else if prev != "" && prev != cfg.Version {
		logger.Info("cache generation changed since last run", "previous", prev, "current", cfg.Version)
	}
	if err := dispatcher.OnInstall(ctx); err != nil {
		fatalStartup(logger, "E_LIFECYCLE_INSTALL", err)
	}
	if report, err := dispatcher.OnActivate(ctx); err != nil {
		logger.Warn("activation incomplete", "error", err)
	} else if report.Err != nil {
		logger.Warn("stale cache generations not removed", "error", report.Err)
	}
	logger.Info("startup phase", "phase", "lifecycle_activated", "generation", cfg.Version)

	authToken, err := config.EnsureAuthToken(&cfg)
	if err != nil {
		fatalStartup(logger, "E_AUTH_TOKEN_WRITE", err)
	}

	server := gateway.New(gateway.Config{
		Dispatcher:        dispatcher,
		Center:            center,
		Store:             store,
		Hub:               hub,
		Lifecycle:         lc,
		Assets:            cache,
		Bus:               eventBus,
		Metrics:           metrics,
		Logger:            logger,
		AuthToken:         authToken,
		AllowOrigins:      cfg.AllowOrigins,
		ConfigFingerprint: cfg.Fingerprint(),
		RateLimit:         cfg.RateLimit,
		CORS:              cfg.CORS,
	})
	if cfg.RateLimit.Enabled {
		server.RateLimiter().StartEviction(ctx, 5*time.Minute, 10*time.Minute)
	}
	httpServer := &http.Server{
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	serverErr := make(chan error, 1)
	ln, err := net.Listen("tcp", cfg.BindAddr)
	if err != nil {
		if isAddrInUse(err) {
			fatalStartup(logger, "E_LISTENER_BIND", fmt.Errorf("%w\n\n  %s", err, portOccupantHint(cfg.BindAddr)))
		}
		fatalStartup(logger, "E_LISTENER_BIND", err)
	}
	logger.Info("startup phase", "phase", "listener_bound", "addr", cfg.BindAddr)
	go func() {
		logger.Info("gateway listening", "addr", cfg.BindAddr, "push", "/push", "ws", "/ws")
		if err := httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	maintenance, err := cron.NewScheduler(cron.Config{
		Schedule:        cfg.MaintenanceSchedule,
		Center:          center,
		Store:           store,
		NotificationTTL: time.Duration(cfg.NotificationTTLMinutes) * time.Minute,
		AuditLogDays:    cfg.RetentionAuditLogDays,
		Logger:          logger,
	})
	if err != nil {
		fatalStartup(logger, "E_SCHEDULE_INVALID", err)
	}
	maintenance.Start(ctx)
	defer maintenance.Stop()

	confWatcher := config.NewWatcher(cfg.HomeDir, logger)
	if err := confWatcher.Start(ctx); err != nil {
		fatalStartup(logger, "E_CONFIG_WATCHER_START", err)
	}
	reloader := &configReloader{current: cfg, dispatcher: dispatcher, logger: logger}
	go func() {
		for ev := range confWatcher.Events() {
			if filepath.Base(ev.Path) != "config.yaml" {
				continue
			}
			logger.Info("config hot-reload event", "path", ev.Path, "op", ev.Op.String())
			reloader.reload(ctx)
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serverErr:
		logger.Error("gateway server error", "error", err)
	}

	// Stop intake, wait for in-flight events, then close the store (deferred).
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = httpServer.Shutdown(shutdownCtx)

	drainCtx, drainCancel := context.WithTimeout(context.Background(), time.Duration(cfg.DrainTimeoutSeconds)*time.Second)
	defer drainCancel()
	if err := dispatcher.Wait(drainCtx); err != nil {
		logger.Warn("in-flight events abandoned at shutdown", "in_flight", dispatcher.Stats().InFlight, "error", err)
	}
	logger.Info("shutdown complete")
	return nil
}

// configReloader applies config.yaml edits to the running daemon. Only a
// version change takes effect live; everything else needs a restart.
type configReloader struct {
	mu         sync.Mutex
	current    config.Config
	dispatcher *agent.Dispatcher
	logger     *slog.Logger
}

func (r *configReloader) reload(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()

	next, err := config.LoadFrom(r.current.HomeDir)
	if err != nil {
		r.logger.Error("config.yaml reload rejected; keeping previous config", "error", err)
		return
	}
	if next.Version != r.current.Version {
		report, err := r.dispatcher.OnCutover(ctx, next.Version)
		if err != nil {
			r.logger.Error("cache generation cut-over failed", "generation", next.Version, "error", err)
			return
		}
		if report.Err != nil {
			r.logger.Warn("stale cache generations not removed", "error", report.Err)
		}
		r.logger.Info("cache generation cut over", "from", r.current.Version, "to", next.Version, "deleted", report.Deleted, "claimed", report.Claimed)
		r.current.Version = next.Version
	}
	if next.Fingerprint() != r.current.Fingerprint() {
		r.logger.Warn("config.yaml changed; restart to apply settings other than version")
	}
}

func fatalStartup(logger *slog.Logger, reasonCode string, err error) {
	message := ""
	if err != nil {
		message = err.Error()
	}
	audit.Record(context.Background(), "runtime.startup", audit.OutcomeFailed, reasonCode, message)

	if logger != nil {
		logger.Error("startup failure", "reason_code", reasonCode, "error", message)
	} else {
		fmt.Fprintf(
			os.Stderr,
			`{"timestamp":"%s","level":"ERROR","component":"runtime","trace_id":"-","msg":"startup failure","reason_code":%q,"error":%q}`+"\n",
			time.Now().UTC().Format(time.RFC3339Nano),
			reasonCode,
			message,
		)
	}
	os.Exit(1)
}

func isAddrInUse(err error) bool {
	var sysErr *os.SyscallError
	if errors.As(err, &sysErr) {
		return errors.Is(sysErr.Err, syscall.EADDRINUSE)
	}
	return strings.Contains(err.Error(), "address already in use")
}

func portOccupantHint(addr string) string {
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Sprintf("Another process is using %s. Stop it first or change bind_addr in config.yaml.", addr)
	}
	out, err := execCommand("lsof", "-ti", ":"+port)
	if err == nil && strings.TrimSpace(out) != "" {
		pids := strings.TrimSpace(out)
		return fmt.Sprintf("Port %s is occupied by PID %s. Kill it with: kill %s", port, pids, pids)
	}
	return fmt.Sprintf("Port %s is already in use. Stop the existing process or change bind_addr in config.yaml.", port)
}

func execCommand(name string, args ...string) (string, error) {
	out, err := execCommandFunc(name, args...).Output()
	return string(out), err
}

var execCommandFunc = newExecCommand

func newExecCommand(name string, args ...string) *exec.Cmd {
	return exec.Command(name, args...)
}
