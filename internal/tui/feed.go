package tui

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/basket/pushkeeper/internal/bus"
	"github.com/basket/pushkeeper/internal/protocol"
	"github.com/charmbracelet/lipgloss"
)

// FeedItem is one line of daemon activity.
type FeedItem struct {
	Topic   string
	Message string
	At      time.Time
}

// EventFeed keeps the most recent daemon events for display.
type EventFeed struct {
	mu        sync.Mutex
	items     []FeedItem
	collapsed bool
	maxItems  int
}

func NewEventFeed() *EventFeed {
	return &EventFeed{maxItems: 10}
}

func (f *EventFeed) Add(item FeedItem) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.items = append(f.items, item)
	if len(f.items) > f.maxItems {
		f.items = f.items[1:]
	}
}

func (f *EventFeed) Toggle() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.collapsed = !f.collapsed
}

func (f *EventFeed) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.items)
}

func (f *EventFeed) View() string {
	f.mu.Lock()
	defer f.mu.Unlock()

	if len(f.items) == 0 {
		return ""
	}

	dim := lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
	if f.collapsed {
		return dim.Render(fmt.Sprintf("── %d events (a to expand) ──", len(f.items))) + "\n"
	}

	topicS := lipgloss.NewStyle().Foreground(lipgloss.Color("69"))
	itemS := lipgloss.NewStyle().Foreground(lipgloss.Color("252"))

	var out strings.Builder
	out.WriteString(dim.Render("── Activity (a to collapse) ──") + "\n")
	for _, it := range f.items {
		out.WriteString(dim.Render(it.At.Format(time.TimeOnly)) + " ")
		out.WriteString(topicS.Render(fmt.Sprintf("%-20s", it.Topic)) + " ")
		out.WriteString(itemS.Render(it.Message) + "\n")
	}
	return out.String()
}

// Describe turns a daemon notification envelope into a feed item.
func Describe(env protocol.Envelope, at time.Time) FeedItem {
	item := FeedItem{Topic: env.Name(), At: at}
	switch env.Name() {
	case protocol.MethodHostShown, protocol.MethodHostClosed:
		var ev bus.NotificationEvent
		_ = env.DecodeArgs(&ev)
		item.Message = ev.Title
		if ev.Reason != "" {
			item.Message += " (" + ev.Reason + ")"
		}
		if ev.Fallback {
			item.Message += " [fallback]"
		}
		return item
	case protocol.MethodHostEvent:
		var wrapped struct {
			Topic   string          `json:"topic"`
			Payload json.RawMessage `json:"payload"`
		}
		_ = env.DecodeArgs(&wrapped)
		item.Topic = wrapped.Topic
		item.Message = describeTopic(wrapped.Topic, wrapped.Payload)
		return item
	}
	item.Message = string(env.Arguments())
	return item
}

func describeTopic(topic string, payload json.RawMessage) string {
	switch topic {
	case bus.TopicBacklogAppended, bus.TopicBacklogDrained:
		var ev bus.BacklogEvent
		if json.Unmarshal(payload, &ev) == nil {
			if ev.ChatID != "" {
				return fmt.Sprintf("chat %s, %d queued", ev.ChatID, ev.Count)
			}
			return fmt.Sprintf("%d message(s) to page %s", ev.Count, ev.PageID)
		}
	case bus.TopicPageConnected, bus.TopicPageDisconnected:
		var ev bus.PageEvent
		if json.Unmarshal(payload, &ev) == nil {
			return ev.PageID + " " + ev.URL
		}
	case bus.TopicLifecycleChanged:
		var ev bus.LifecycleEvent
		if json.Unmarshal(payload, &ev) == nil {
			return fmt.Sprintf("%s: %s -> %s", ev.Generation, ev.From, ev.To)
		}
	}
	return string(payload)
}
