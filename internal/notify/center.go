package notify

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/basket/pushkeeper/internal/bus"
	"github.com/google/uuid"
)

// ErrUnknownNotification is returned for ids that are not on screen, including
// notifications that were already clicked or closed.
var ErrUnknownNotification = errors.New("unknown notification")

// Close reasons published with notification.closed.
const (
	ReasonClicked   = "clicked"
	ReasonDismissed = "dismissed"
	ReasonReplaced  = "replaced"
	ReasonExpired   = "expired"
)

// Center holds the notifications currently displayed and the click context
// attached to each. A context is handed out at most once.
type Center struct {
	mu    sync.Mutex
	byID  map[string]Notification
	byTag map[string]string
	bus   *bus.Bus
	now   func() time.Time
}

func NewCenter(eventBus *bus.Bus) *Center {
	return &Center{
		byID:  make(map[string]Notification),
		byTag: make(map[string]string),
		bus:   eventBus,
		now:   time.Now,
	}
}

// Show registers n and returns it with its id assigned. A notification with
// the same non-empty tag as one on screen replaces it.
func (c *Center) Show(n Notification) Notification {
	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = c.now().UTC()
	}

	var replaced *Notification
	c.mu.Lock()
	if n.Tag != "" {
		if prevID, ok := c.byTag[n.Tag]; ok && prevID != n.ID {
			if prev, ok := c.byID[prevID]; ok {
				delete(c.byID, prevID)
				replaced = &prev
			}
		}
		c.byTag[n.Tag] = n.ID
	}
	c.byID[n.ID] = n
	c.mu.Unlock()

	if replaced != nil {
		c.publishClosed(*replaced, ReasonReplaced)
	}
	c.publish(bus.TopicNotificationShown, n, "")
	return n
}

// Click removes the notification and returns it so its context can be routed.
func (c *Center) Click(id string) (Notification, error) {
	n, err := c.take(id)
	if err != nil {
		return n, err
	}
	c.publishClosed(n, ReasonClicked)
	return n, nil
}

// Close dismisses the notification and discards its context.
func (c *Center) Close(id string) error {
	n, err := c.take(id)
	if err != nil {
		return err
	}
	c.publishClosed(n, ReasonDismissed)
	return nil
}

// Get returns the notification without consuming it.
func (c *Center) Get(id string) (Notification, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	n, ok := c.byID[id]
	return n, ok
}

// List returns the displayed notifications, oldest first.
func (c *Center) List() []Notification {
	c.mu.Lock()
	out := make([]Notification, 0, len(c.byID))
	for _, n := range c.byID {
		out = append(out, n)
	}
	c.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Sweep expires notifications older than maxAge and returns how many were dropped.
func (c *Center) Sweep(maxAge time.Duration) int {
	if maxAge <= 0 {
		return 0
	}
	cutoff := c.now().Add(-maxAge)
	var expired []Notification

	c.mu.Lock()
	for id, n := range c.byID {
		if n.CreatedAt.Before(cutoff) {
			delete(c.byID, id)
			c.untagLocked(n)
			expired = append(expired, n)
		}
	}
	c.mu.Unlock()

	for _, n := range expired {
		c.publishClosed(n, ReasonExpired)
	}
	return len(expired)
}

func (c *Center) take(id string) (Notification, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	n, ok := c.byID[id]
	if !ok {
		return Notification{}, fmt.Errorf("%w: %s", ErrUnknownNotification, id)
	}
	delete(c.byID, id)
	c.untagLocked(n)
	return n, nil
}

func (c *Center) untagLocked(n Notification) {
	if n.Tag != "" && c.byTag[n.Tag] == n.ID {
		delete(c.byTag, n.Tag)
	}
}

func (c *Center) publishClosed(n Notification, reason string) {
	c.publish(bus.TopicNotificationClosed, n, reason)
}

func (c *Center) publish(topic string, n Notification, reason string) {
	if c.bus == nil {
		return
	}
	c.bus.Publish(topic, bus.NotificationEvent{
		ID:       n.ID,
		Title:    n.Title,
		Body:     n.Body,
		Icon:     n.Icon,
		Badge:    n.Badge,
		Tag:      n.Tag,
		ChatID:   n.ChatID,
		Fallback: n.Fallback,
		Reason:   reason,
	})
}
