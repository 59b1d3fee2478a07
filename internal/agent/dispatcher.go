// Package agent dispatches the agent's events: push arrival, notification
// click and close, page commands and lifecycle transitions. Each event runs
// independently and is tracked so shutdown can wait for it.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/basket/pushkeeper/internal/audit"
	"github.com/basket/pushkeeper/internal/lifecycle"
	"github.com/basket/pushkeeper/internal/notify"
	otelPkg "github.com/basket/pushkeeper/internal/otel"
	"github.com/basket/pushkeeper/internal/persistence"
	"github.com/basket/pushkeeper/internal/protocol"
	"github.com/basket/pushkeeper/internal/router"
	"github.com/basket/pushkeeper/internal/shared"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"
	"golang.org/x/sync/errgroup"
)

var ErrShuttingDown = errors.New("agent is shutting down")

// Config wires the dispatcher to its collaborators.
type Config struct {
	Store     *persistence.OfflineStore
	Center    *notify.Center
	Presenter *notify.Presenter
	Router    *router.Router
	Lifecycle *lifecycle.Controller
	Tracer    trace.Tracer
	Metrics   *otelPkg.Metrics
	Logger    *slog.Logger
	// DeliveryTimeout bounds handing a backlog to a page. The drain holds
	// the store's connection until the page accepts it or this expires.
	DeliveryTimeout time.Duration
}

const defaultDeliveryTimeout = 10 * time.Second

// PushResult is what a push event did.
type PushResult struct {
	NotificationID string `json:"notification_id"`
	Persisted      bool   `json:"persisted"`
	Fallback       bool   `json:"fallback"`
	// FailedSinks names sinks that showed nothing; the push still counts as
	// shown while any other sink rendered it.
	FailedSinks []string `json:"failed_sinks,omitempty"`
}

// RouteResult is what a click event did.
type RouteResult struct {
	NotificationID string         `json:"notification_id"`
	Outcome        router.Outcome `json:"outcome"`
	Delivered      bool           `json:"delivered"`
	Error          string         `json:"error,omitempty"`
}

// Stats is a point-in-time snapshot of event counters.
type Stats struct {
	InFlight      int64 `json:"in_flight"`
	Pushes        int64 `json:"pushes"`
	Fallbacks     int64 `json:"fallbacks"`
	Persisted     int64 `json:"persisted"`
	PersistErrors int64 `json:"persist_errors"`
	Drained       int64 `json:"drained"`
	Routed        int64 `json:"routed"`
	RouteFailures int64 `json:"route_failures"`
}

// Dispatcher handles agent events.
type Dispatcher struct {
	cfg     Config
	logger  *slog.Logger
	tracer  trace.Tracer
	metrics *otelPkg.Metrics

	mu      sync.Mutex
	closing bool
	wg      sync.WaitGroup

	// lifecycleMu serialises install, activate and cut-over.
	lifecycleMu sync.Mutex

	inFlight      atomic.Int64
	pushes        atomic.Int64
	fallbacks     atomic.Int64
	persisted     atomic.Int64
	persistErrors atomic.Int64
	drained       atomic.Int64
	routed        atomic.Int64
	routeFailures atomic.Int64
}

func New(cfg Config) (*Dispatcher, error) {
	if cfg.Store == nil || cfg.Center == nil || cfg.Presenter == nil || cfg.Router == nil {
		return nil, fmt.Errorf("agent: store, center, presenter and router are required")
	}
	if cfg.DeliveryTimeout <= 0 {
		cfg.DeliveryTimeout = defaultDeliveryTimeout
	}
	d := &Dispatcher{cfg: cfg, logger: cfg.Logger, tracer: cfg.Tracer, metrics: cfg.Metrics}
	if d.logger == nil {
		d.logger = slog.Default()
	}
	d.logger = d.logger.With("component", "agent")
	if d.tracer == nil {
		d.tracer = nooptrace.NewTracerProvider().Tracer(otelPkg.TracerName)
	}
	if d.metrics == nil {
		m, err := otelPkg.NewMetrics(noop.NewMeterProvider().Meter(otelPkg.MeterName))
		if err != nil {
			return nil, err
		}
		d.metrics = m
	}
	return d, nil
}

// begin registers an in-flight event. The returned finish must be called
// exactly once with the event's error.
func (d *Dispatcher) begin(ctx context.Context, event string, attrs ...attribute.KeyValue) (context.Context, func(error), error) {
	d.mu.Lock()
	if d.closing {
		d.mu.Unlock()
		return ctx, nil, ErrShuttingDown
	}
	d.wg.Add(1)
	d.mu.Unlock()
	d.inFlight.Add(1)

	ctx = shared.EnsureTraceID(ctx)
	attrs = append(attrs, otelPkg.AttrEvent.String(event), otelPkg.AttrTraceID.String(shared.TraceID(ctx)))
	ctx, span := otelPkg.StartServerSpan(ctx, d.tracer, "agent."+event, attrs...)
	start := time.Now()

	finish := func(err error) {
		d.metrics.EventDuration.Record(ctx, time.Since(start).Seconds(),
			metric.WithAttributes(otelPkg.AttrEvent.String(event)))
		otelPkg.EndSpan(span, err)
		d.inFlight.Add(-1)
		d.wg.Done()
	}
	return ctx, finish, nil
}

// Wait stops accepting new events and blocks until every in-flight event
// has finished or ctx is done.
func (d *Dispatcher) Wait(ctx context.Context) error {
	d.mu.Lock()
	d.closing = true
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		d.logger.Info("agent drained cleanly")
		return nil
	case <-ctx.Done():
		d.logger.Warn("agent drain timeout", "in_flight", d.inFlight.Load())
		return ctx.Err()
	}
}

// Stats returns the current counters.
func (d *Dispatcher) Stats() Stats {
	return Stats{
		InFlight:      d.inFlight.Load(),
		Pushes:        d.pushes.Load(),
		Fallbacks:     d.fallbacks.Load(),
		Persisted:     d.persisted.Load(),
		PersistErrors: d.persistErrors.Load(),
		Drained:       d.drained.Load(),
		Routed:        d.routed.Load(),
		RouteFailures: d.routeFailures.Load(),
	}
}

// OnPush handles one push body. A payload that cannot be parsed shows the
// generic notification. Otherwise the message is queued and the
// notification shown concurrently; the event ends when both have finished.
// Queueing failures are logged and never prevent the notification.
func (d *Dispatcher) OnPush(ctx context.Context, raw []byte) (res PushResult, err error) {
	ctx, finish, err := d.begin(ctx, "push")
	if err != nil {
		return PushResult{}, err
	}
	defer func() { finish(err) }()
	logger := d.logger.With("trace_id", shared.TraceID(ctx))

	d.pushes.Add(1)
	d.metrics.PushesReceived.Add(ctx, 1)

	payload, perr := notify.ParsePayload(raw)
	if perr != nil {
		logger.Warn("push payload rejected, showing generic notification", "error", perr)
		shown, err := d.cfg.Presenter.PresentFallback(ctx)
		d.countShown(ctx, shown, true)
		if err != nil {
			return PushResult{}, fmt.Errorf("show generic notification: %w", err)
		}
		return PushResult{NotificationID: shown.Notification.ID, Fallback: true, FailedSinks: shown.FailedSinks}, nil
	}

	ctx = shared.WithChatID(ctx, payload.ChatID)
	trace.SpanFromContext(ctx).SetAttributes(otelPkg.AttrChatID.String(payload.ChatID))

	var (
		g     errgroup.Group
		shown notify.Shown
	)
	queue := payload.Queueable()
	if queue {
		g.Go(func() error {
			if err := d.cfg.Store.Append(ctx, payload.ChatID, payload.Message); err != nil {
				d.persistErrors.Add(1)
				d.metrics.OfflineAppendErrors.Add(ctx, 1)
				logger.Error("offline append failed", "chat_id", payload.ChatID, "error", err)
				queue = false
				return nil
			}
			d.persisted.Add(1)
			d.metrics.OfflineAppended.Add(ctx, 1)
			return nil
		})
	} else {
		logger.Info("push without routing data, not queued")
	}
	g.Go(func() error {
		var err error
		shown, err = d.cfg.Presenter.Present(ctx, payload.Notification(d.cfg.Presenter.Defaults()))
		return err
	})
	if err := g.Wait(); err != nil {
		d.countShown(ctx, shown, false)
		return PushResult{NotificationID: shown.Notification.ID, Persisted: queue, FailedSinks: shown.FailedSinks}, fmt.Errorf("show notification: %w", err)
	}
	d.countShown(ctx, shown, shown.Degraded)
	if len(shown.FailedSinks) > 0 {
		logger.Warn("notification shown with failed sinks", "notification_id", shown.Notification.ID, "failed_sinks", shown.FailedSinks)
	}
	return PushResult{
		NotificationID: shown.Notification.ID,
		Persisted:      queue,
		Fallback:       shown.Degraded,
		FailedSinks:    shown.FailedSinks,
	}, nil
}

func (d *Dispatcher) countShown(ctx context.Context, shown notify.Shown, fallback bool) {
	if shown.Notification.ID == "" {
		return
	}
	d.metrics.NotificationsShown.Add(ctx, 1)
	if fallback {
		d.fallbacks.Add(1)
		d.metrics.NotificationFallback.Add(ctx, 1)
	}
}

// OnNotificationClick consumes the notification's context, dismisses it
// and routes the click. Delivery failures are logged and reported in the
// result, never retried.
func (d *Dispatcher) OnNotificationClick(ctx context.Context, id string) (res RouteResult, err error) {
	ctx, finish, err := d.begin(ctx, "notification_click", otelPkg.AttrNotificationID.String(id))
	if err != nil {
		return RouteResult{NotificationID: id}, err
	}
	defer func() { finish(err) }()
	logger := d.logger.With("trace_id", shared.TraceID(ctx), "notification_id", id)

	n, err := d.cfg.Center.Click(id)
	if err != nil {
		return RouteResult{NotificationID: id}, err
	}
	click := n.Context()
	ctx = shared.WithChatID(ctx, click.ChatID)

	outcome, rerr := d.cfg.Router.Route(ctx, click)
	res = RouteResult{NotificationID: id, Outcome: outcome, Delivered: rerr == nil}
	trace.SpanFromContext(ctx).SetAttributes(otelPkg.AttrRouteOutcome.String(string(outcome)))
	if rerr != nil {
		d.routeFailures.Add(1)
		d.metrics.RouteFailures.Add(ctx, 1)
		res.Error = rerr.Error()
		logger.Warn("notification click not delivered", "outcome", outcome, "error", rerr)
		audit.Record(ctx, "route.click", audit.OutcomeFailed, id, rerr.Error())
		return res, nil
	}
	d.routed.Add(1)
	d.metrics.RouteDeliveries.Add(ctx, 1)
	logger.Info("notification click routed", "outcome", outcome, "chat_id", click.ChatID)
	audit.Record(ctx, "route.click", audit.OutcomeOK, id, string(outcome))
	return res, nil
}

// OnNotificationClose discards the notification's context without routing.
func (d *Dispatcher) OnNotificationClose(ctx context.Context, id string) (err error) {
	ctx, finish, err := d.begin(ctx, "notification_close", otelPkg.AttrNotificationID.String(id))
	if err != nil {
		return err
	}
	defer func() { finish(err) }()
	return d.cfg.Center.Close(id)
}

// OnMessage handles one command from page. It returns the reply to send
// for requests that expect one, or nil.
func (d *Dispatcher) OnMessage(ctx context.Context, page router.Page, env protocol.Envelope) (reply *protocol.Envelope, err error) {
	name := env.Name()
	ctx, finish, err := d.begin(ctx, "message", otelPkg.AttrPageID.String(page.ID()))
	if err != nil {
		return nil, err
	}
	defer func() { finish(err) }()
	ctx = shared.WithPageID(ctx, page.ID())

	switch name {
	case protocol.MethodRequestOfflineMessages:
		// Always fire-and-forget: an empty backlog sends nothing at all.
		return nil, d.drainTo(ctx, page)
	case protocol.MethodPageIsReady:
		if !env.IsRequest() {
			return nil, nil
		}
		r, err := protocol.Reply(env.ID, protocol.Status{Status: protocol.StatusOK})
		if err != nil {
			return nil, err
		}
		return &r, nil
	default:
		d.logger.Debug("unknown page command", "trace_id", shared.TraceID(ctx), "page_id", page.ID(), "command", name)
		if env.IsRequest() {
			r := protocol.ErrorReply(env.ID, protocol.ErrCodeMethodNotFound, "unknown command: "+name)
			return &r, nil
		}
		return nil, nil
	}
}

// drainTo delivers the whole backlog to page and clears it only once the
// page accepted the delivery.
func (d *Dispatcher) drainTo(ctx context.Context, page router.Page) error {
	n, err := d.cfg.Store.Drain(ctx, func(batch []persistence.OfflineMessage) error {
		msgs := make([]protocol.OfflineMessage, len(batch))
		for i, m := range batch {
			msgs[i] = protocol.OfflineMessage{ChatID: m.ChatID, Message: m.Message}
		}
		env, err := protocol.Notification(protocol.MethodOfflineMessages, protocol.OfflineMessages{Messages: msgs})
		if err != nil {
			return err
		}
		postCtx, cancel := context.WithTimeout(ctx, d.cfg.DeliveryTimeout)
		defer cancel()
		if err := page.Post(postCtx, env); err != nil {
			return fmt.Errorf("deliver backlog to page %s: %w", page.ID(), err)
		}
		return nil
	})
	if err != nil {
		d.logger.Error("offline drain failed, backlog kept", "trace_id", shared.TraceID(ctx), "page_id", page.ID(), "error", err)
		audit.Record(ctx, "offline.drain", audit.OutcomeFailed, page.ID(), err.Error())
		return err
	}
	if n == 0 {
		return nil
	}
	d.drained.Add(int64(n))
	d.metrics.OfflineDrained.Add(ctx, int64(n))
	trace.SpanFromContext(ctx).SetAttributes(otelPkg.AttrMessageCount.Int(n))
	d.logger.Info("offline backlog delivered", "trace_id", shared.TraceID(ctx), "page_id", page.ID(), "count", n)
	audit.Record(ctx, "offline.drain", audit.OutcomeOK, page.ID(), fmt.Sprintf("count=%d", n))
	return nil
}

// OnInstall installs the current cache generation.
func (d *Dispatcher) OnInstall(ctx context.Context) (err error) {
	if d.cfg.Lifecycle == nil {
		return nil
	}
	ctx, finish, err := d.begin(ctx, "install")
	if err != nil {
		return err
	}
	defer func() { finish(err) }()
	d.lifecycleMu.Lock()
	defer d.lifecycleMu.Unlock()
	return d.cfg.Lifecycle.Install(ctx)
}

// OnActivate removes stale generations and claims open pages.
func (d *Dispatcher) OnActivate(ctx context.Context) (report lifecycle.ActivationReport, err error) {
	if d.cfg.Lifecycle == nil {
		return lifecycle.ActivationReport{}, nil
	}
	ctx, finish, err := d.begin(ctx, "activate")
	if err != nil {
		return lifecycle.ActivationReport{}, err
	}
	defer func() { finish(err) }()
	d.lifecycleMu.Lock()
	defer d.lifecycleMu.Unlock()
	report, err = d.cfg.Lifecycle.Activate(ctx)
	d.recordActivation(ctx, report)
	return report, err
}

// OnCutover switches to generation gen.
func (d *Dispatcher) OnCutover(ctx context.Context, gen string) (report lifecycle.ActivationReport, err error) {
	if d.cfg.Lifecycle == nil {
		return lifecycle.ActivationReport{}, nil
	}
	ctx, finish, err := d.begin(ctx, "cutover", otelPkg.AttrGeneration.String(gen))
	if err != nil {
		return lifecycle.ActivationReport{}, err
	}
	defer func() { finish(err) }()
	d.lifecycleMu.Lock()
	defer d.lifecycleMu.Unlock()
	report, err = d.cfg.Lifecycle.Cutover(ctx, gen)
	d.recordActivation(ctx, report)
	return report, err
}

func (d *Dispatcher) recordActivation(ctx context.Context, report lifecycle.ActivationReport) {
	if len(report.Deleted) > 0 {
		d.metrics.CacheDeletions.Add(ctx, int64(len(report.Deleted)))
	}
	trace.SpanFromContext(ctx).SetAttributes(otelPkg.AttrGeneration.String(report.Generation))
}
