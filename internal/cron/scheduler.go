// Package cron runs the agent's periodic maintenance pass: expiring
// notification contexts nobody clicked and pruning old audit records.
package cron

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/basket/pushkeeper/internal/audit"
	"github.com/basket/pushkeeper/internal/notify"
	"github.com/basket/pushkeeper/internal/persistence"
)

// KeyLastRun is the kv_store key holding the last maintenance run (RFC 3339).
const KeyLastRun = "maintenance.last_run"

// cronParser parses standard 5-field cron expressions (minute, hour, dom,
// month, dow) and descriptors such as "@hourly" or "@every 15m".
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow | cronlib.Descriptor,
)

// Config holds the dependencies for the maintenance scheduler.
type Config struct {
	Schedule        string
	Center          *notify.Center
	Store           *persistence.OfflineStore
	NotificationTTL time.Duration // 0 keeps contexts until clicked or closed
	AuditLogDays    int           // 0 keeps audit records forever
	Logger          *slog.Logger
	Interval        time.Duration // tick interval; defaults to 30s if zero
}

// Result is what one maintenance pass did.
type Result struct {
	Expired     int   `json:"expired"`
	AuditPurged int64 `json:"audit_purged"`
}

// Scheduler fires the maintenance pass whenever its schedule is due.
type Scheduler struct {
	cfg      Config
	logger   *slog.Logger
	interval time.Duration
	schedule cronlib.Schedule

	mu      sync.Mutex
	nextRun time.Time
	lastRun time.Time

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewScheduler validates the schedule and returns a stopped Scheduler.
func NewScheduler(cfg Config) (*Scheduler, error) {
	sched, err := cronParser.Parse(cfg.Schedule)
	if err != nil {
		return nil, fmt.Errorf("maintenance schedule %q: %w", cfg.Schedule, err)
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		cfg:      cfg,
		logger:   logger.With("component", "cron"),
		interval: interval,
		schedule: sched,
	}, nil
}

// Start begins the scheduler loop. It runs in a background goroutine
// and respects the provided context for shutdown.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	s.nextRun = s.schedule.Next(time.Now())
	next := s.nextRun
	s.mu.Unlock()

	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.loop(ctx)
	s.logger.Info("maintenance scheduler started", "schedule", s.cfg.Schedule, "next_run_at", next)
}

// Stop cancels the scheduler loop and waits for it to exit.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.logger.Info("maintenance scheduler stopped")
}

// NextRun returns when the next pass is due.
func (s *Scheduler) NextRun() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nextRun
}

// LastRun returns when the last pass finished, or the zero time.
func (s *Scheduler) LastRun() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastRun
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	now := time.Now()
	s.mu.Lock()
	due := !now.Before(s.nextRun)
	if due {
		s.nextRun = s.schedule.Next(now)
	}
	s.mu.Unlock()
	if !due {
		return
	}
	if _, err := s.RunOnce(ctx); err != nil {
		s.logger.Error("maintenance pass failed", "error", err)
	}
}

// RunOnce runs one maintenance pass now. A retention failure does not undo
// the context sweep.
func (s *Scheduler) RunOnce(ctx context.Context) (Result, error) {
	var res Result
	if s.cfg.Center != nil {
		res.Expired = s.cfg.Center.Sweep(s.cfg.NotificationTTL)
	}

	var runErr error
	if s.cfg.Store != nil {
		store, err := s.cfg.Store.Open(ctx)
		if err != nil {
			runErr = err
		} else if rr, err := store.RunRetention(ctx, s.cfg.AuditLogDays); err != nil {
			runErr = err
		} else {
			res.AuditPurged = rr.PurgedAuditLogs
		}
	}

	finished := time.Now().UTC()
	s.mu.Lock()
	s.lastRun = finished
	s.mu.Unlock()
	if s.cfg.Store != nil && runErr == nil {
		if err := s.cfg.Store.SetState(ctx, KeyLastRun, finished.Format(time.RFC3339)); err != nil {
			s.logger.Warn("record maintenance run failed", "error", err)
		}
	}

	if runErr != nil {
		audit.Record(ctx, "maintenance.run", audit.OutcomeFailed, "", runErr.Error())
		return res, runErr
	}
	s.logger.Info("maintenance pass finished", "expired", res.Expired, "audit_purged", res.AuditPurged)
	audit.Record(ctx, "maintenance.run", audit.OutcomeOK, "", fmt.Sprintf("expired=%d audit_purged=%d", res.Expired, res.AuditPurged))
	return res, nil
}

// NextRunTime parses the cron expression and returns the next run time after the given time.
func NextRunTime(cronExpr string, after time.Time) (time.Time, error) {
	sched, err := cronParser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(after), nil
}
