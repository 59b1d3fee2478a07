package otel

import "go.opentelemetry.io/otel/metric"

// Metrics holds the daemon's metric instruments.
type Metrics struct {
	EventDuration        metric.Float64Histogram
	PushesReceived       metric.Int64Counter
	NotificationsShown   metric.Int64Counter
	NotificationFallback metric.Int64Counter
	OfflineAppended      metric.Int64Counter
	OfflineAppendErrors  metric.Int64Counter
	OfflineDrained       metric.Int64Counter
	RouteDeliveries      metric.Int64Counter
	RouteFailures        metric.Int64Counter
	CacheDeletions       metric.Int64Counter
	PagesConnected       metric.Int64UpDownCounter
	RateLimitRejects     metric.Int64Counter
}

type counterSpec struct {
	dst  *metric.Int64Counter
	name string
	desc string
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.EventDuration, err = meter.Float64Histogram("pushkeeper.event.duration",
		metric.WithDescription("Agent event handling duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.PagesConnected, err = meter.Int64UpDownCounter("pushkeeper.pages.connected",
		metric.WithDescription("Number of currently connected pages"),
	)
	if err != nil {
		return nil, err
	}

	counters := []counterSpec{
		{&m.PushesReceived, "pushkeeper.push.received", "Push events received"},
		{&m.NotificationsShown, "pushkeeper.notification.shown", "Notifications displayed"},
		{&m.NotificationFallback, "pushkeeper.notification.fallback", "Generic notifications shown after a parse or render failure"},
		{&m.OfflineAppended, "pushkeeper.offline.appended", "Messages appended to the offline queue"},
		{&m.OfflineAppendErrors, "pushkeeper.offline.append_errors", "Failed offline queue appends"},
		{&m.OfflineDrained, "pushkeeper.offline.drained", "Messages drained from the offline queue"},
		{&m.RouteDeliveries, "pushkeeper.route.deliveries", "Notification clicks delivered to a page"},
		{&m.RouteFailures, "pushkeeper.route.failures", "Notification clicks that could not be delivered"},
		{&m.CacheDeletions, "pushkeeper.cache.deletions", "Stale cache generations deleted"},
		{&m.RateLimitRejects, "pushkeeper.ratelimit.rejects", "Requests rejected by rate limiter"},
	}
	for _, c := range counters {
		*c.dst, err = meter.Int64Counter(c.name, metric.WithDescription(c.desc))
		if err != nil {
			return nil, err
		}
	}

	return m, nil
}
