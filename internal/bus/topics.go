package bus

// Notification topics. Host clients subscribe to the "notification." prefix.
const (
	TopicNotificationShown  = "notification.shown"
	TopicNotificationClosed = "notification.closed"
)

// Backlog topics.
const (
	TopicBacklogAppended = "backlog.appended"
	TopicBacklogDrained  = "backlog.drained"
)

// Page and lifecycle topics.
const (
	TopicPageConnected    = "page.connected"
	TopicPageDisconnected = "page.disconnected"
	TopicLifecycleChanged = "lifecycle.changed"
)

// NotificationEvent is published when a notification is shown or closed.
type NotificationEvent struct {
	ID       string `json:"id"`
	Title    string `json:"title,omitempty"`
	Body     string `json:"body,omitempty"`
	Icon     string `json:"icon,omitempty"`
	Badge    string `json:"badge,omitempty"`
	Tag      string `json:"tag,omitempty"`
	ChatID   string `json:"chat_id,omitempty"`
	Fallback bool   `json:"fallback,omitempty"`
	Reason   string `json:"reason,omitempty"` // closed: "clicked", "dismissed", "replaced", "expired"
}

// BacklogEvent is published when the offline queue grows or is drained.
type BacklogEvent struct {
	ChatID string `json:"chat_id,omitempty"` // set for appends
	PageID string `json:"page_id,omitempty"` // set for drains
	Count  int    `json:"count"`
}

// PageEvent is published when a page connects or disconnects.
type PageEvent struct {
	PageID     string `json:"page_id"`
	URL        string `json:"url"`
	LaunchID   string `json:"launch_id,omitempty"`
	Controller string `json:"controller,omitempty"`
}

// LifecycleEvent is published on every lifecycle state transition.
type LifecycleEvent struct {
	Generation string `json:"generation"`
	From       string `json:"from"`
	To         string `json:"to"`
}
