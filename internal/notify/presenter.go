package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/basket/pushkeeper/internal/shared"
)

// Shown reports what a Present call put on screen.
type Shown struct {
	Notification Notification
	// Degraded is set when a sink could not render the notification and
	// showed the generic one instead.
	Degraded bool
	// FailedSinks names the sinks that rendered nothing at all.
	FailedSinks []string
}

// Presenter registers notifications with the Center and renders them
// through the configured sinks.
type Presenter struct {
	center   *Center
	sinks    []Sink
	defaults Defaults
	logger   *slog.Logger
}

func NewPresenter(center *Center, defaults Defaults, logger *slog.Logger, sinks ...Sink) *Presenter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Presenter{center: center, sinks: sinks, defaults: defaults, logger: logger}
}

// Defaults returns the presentation defaults in use.
func (p *Presenter) Defaults() Defaults {
	return p.defaults
}

// Present shows n. A sink that fails to render n gets the generic
// notification instead. Sinks that render nothing are reported in
// FailedSinks; an error is returned only when no sink rendered anything.
func (p *Presenter) Present(ctx context.Context, n Notification) (Shown, error) {
	shown := Shown{Notification: p.center.Show(n)}
	logger := p.logger.With("trace_id", shared.TraceID(ctx), "notification_id", shown.Notification.ID)

	var (
		errs     []error
		rendered int
	)
	for _, sink := range p.sinks {
		name := SinkName(sink)
		err := sink.Render(ctx, shown.Notification)
		if err == nil {
			rendered++
			continue
		}
		if shown.Notification.Fallback {
			logger.Error("fallback notification render failed", "sink", name, "error", err)
			shown.FailedSinks = append(shown.FailedSinks, name)
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
			continue
		}
		logger.Warn("notification render failed, showing generic notification", "sink", name, "error", err)
		fb := Fallback(p.defaults)
		fb.ID = shown.Notification.ID
		fb.CreatedAt = shown.Notification.CreatedAt
		if fbErr := sink.Render(ctx, fb); fbErr != nil {
			logger.Error("fallback notification render failed", "sink", name, "error", fbErr)
			shown.FailedSinks = append(shown.FailedSinks, name)
			errs = append(errs, fmt.Errorf("%s: %w", name, errors.Join(err, fbErr)))
			continue
		}
		rendered++
		shown.Degraded = true
	}
	if len(p.sinks) > 0 && rendered == 0 {
		return shown, errors.Join(errs...)
	}
	return shown, nil
}

// PresentFallback shows the generic notification.
func (p *Presenter) PresentFallback(ctx context.Context) (Shown, error) {
	return p.Present(ctx, Fallback(p.defaults))
}
