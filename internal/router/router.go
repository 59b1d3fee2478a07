// Package router delivers notification clicks to the page that owns them,
// opening a new page at the canonical app URL when none is open.
package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/basket/pushkeeper/internal/notify"
	"github.com/basket/pushkeeper/internal/protocol"
	"github.com/basket/pushkeeper/internal/shared"
	"github.com/google/uuid"
)

var ErrRouteDeliveryFailed = errors.New("route delivery failed")

// Outcome names which branch a route took.
type Outcome string

const (
	MatchingPageOpen Outcome = "matching_page_open"
	NoPageOpen       Outcome = "no_page_open"
	OtherPageOpen    Outcome = "other_page_open"
)

// Page is one open foreground instance.
type Page interface {
	ID() string
	URL() string
	Focus(ctx context.Context) error
	// Post sends a fire-and-forget envelope.
	Post(ctx context.Context, env protocol.Envelope) error
	// Request sends env and waits for the page's reply.
	Request(ctx context.Context, env protocol.Envelope) (protocol.Envelope, error)
}

// Pages enumerates and opens page instances. MatchAll must reflect the
// current membership; callers never cache its result.
type Pages interface {
	MatchAll(ctx context.Context) ([]Page, error)
	Open(ctx context.Context, url string) (Page, error)
}

// Router routes click contexts to pages.
type Router struct {
	pages  Pages
	appURL string
	logger *slog.Logger
}

func New(pages Pages, appURL string, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{pages: pages, appURL: appURL, logger: logger}
}

// AppURL returns the canonical URL pages are matched against.
func (r *Router) AppURL() string {
	return r.appURL
}

// Route delivers click to the page at the canonical URL. A matching open
// page is focused and sent NOTIFICATION_CLICK directly. Otherwise a new
// page is opened and NOTIFICATION_CLICK is sent only after it answers the
// READY_FOR_MESSAGE probe. Clicks without data are not posted.
func (r *Router) Route(ctx context.Context, click notify.ClickContext) (Outcome, error) {
	logger := r.logger.With("trace_id", shared.TraceID(ctx), "notification_id", click.NotificationID)

	pages, err := r.pages.MatchAll(ctx)
	if err != nil {
		return NoPageOpen, fmt.Errorf("%w: enumerate pages: %v", ErrRouteDeliveryFailed, err)
	}

	outcome := NoPageOpen
	for _, p := range pages {
		if p.URL() == r.appURL {
			return MatchingPageOpen, r.deliverToOpen(ctx, logger, p, click)
		}
		outcome = OtherPageOpen
	}

	page, err := r.pages.Open(ctx, r.appURL)
	if err != nil {
		return outcome, fmt.Errorf("%w: open %s: %v", ErrRouteDeliveryFailed, r.appURL, err)
	}
	logger.Info("opened page for notification click", "page_id", page.ID(), "outcome", outcome)
	if !click.HasData {
		return outcome, nil
	}

	probe, err := protocol.Request(uuid.NewString(), protocol.MethodReadyForMessage, nil)
	if err != nil {
		return outcome, err
	}
	reply, err := page.Request(ctx, probe)
	if err != nil {
		return outcome, fmt.Errorf("%w: ready probe to page %s: %v", ErrRouteDeliveryFailed, page.ID(), err)
	}
	if reply.Error != nil {
		return outcome, fmt.Errorf("%w: page %s refused ready probe: %v", ErrRouteDeliveryFailed, page.ID(), reply.Error)
	}
	return outcome, r.postClick(ctx, page, click)
}

func (r *Router) deliverToOpen(ctx context.Context, logger *slog.Logger, p Page, click notify.ClickContext) error {
	if err := p.Focus(ctx); err != nil {
		logger.Warn("focus page failed", "page_id", p.ID(), "error", err)
	}
	if !click.HasData {
		return nil
	}
	return r.postClick(ctx, p, click)
}

func (r *Router) postClick(ctx context.Context, p Page, click notify.ClickContext) error {
	env, err := protocol.Notification(protocol.MethodNotificationClick, protocol.NotificationClick{
		ChatID:  click.ChatID,
		Message: click.Message,
	})
	if err != nil {
		return err
	}
	if err := p.Post(ctx, env); err != nil {
		return fmt.Errorf("%w: post to page %s: %v", ErrRouteDeliveryFailed, p.ID(), err)
	}
	return nil
}
