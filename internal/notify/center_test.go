package notify_test

import (
	"errors"
	"testing"
	"time"

	"github.com/basket/pushkeeper/internal/bus"
	"github.com/basket/pushkeeper/internal/notify"
)

func nextEvent(t *testing.T, sub *bus.Subscription) bus.Event {
	t.Helper()
	select {
	case ev := <-sub.Ch():
		return ev
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for bus event")
		return bus.Event{}
	}
}

func TestCenter_ClickConsumesOnce(t *testing.T) {
	c := notify.NewCenter(nil)
	n := c.Show(notify.Notification{Title: "hi", ChatID: "c1", Data: []byte(`{"chatId":"c1"}`)})
	if n.ID == "" {
		t.Fatal("expected id to be assigned")
	}

	got, err := c.Click(n.ID)
	if err != nil {
		t.Fatalf("click: %v", err)
	}
	if got.ChatID != "c1" {
		t.Fatalf("chat id = %q", got.ChatID)
	}
	if _, err := c.Click(n.ID); !errors.Is(err, notify.ErrUnknownNotification) {
		t.Fatalf("second click should fail with ErrUnknownNotification, got %v", err)
	}
	if len(c.List()) != 0 {
		t.Fatal("clicked notification should be gone")
	}
}

func TestCenter_CloseDiscardsContext(t *testing.T) {
	c := notify.NewCenter(nil)
	n := c.Show(notify.Notification{Title: "hi"})
	if err := c.Close(n.ID); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, err := c.Click(n.ID); !errors.Is(err, notify.ErrUnknownNotification) {
		t.Fatalf("click after close should fail, got %v", err)
	}
	if err := c.Close("missing"); !errors.Is(err, notify.ErrUnknownNotification) {
		t.Fatalf("expected ErrUnknownNotification, got %v", err)
	}
}

func TestCenter_SameTagReplaces(t *testing.T) {
	b := bus.New()
	sub := b.Subscribe("notification.")
	defer b.Unsubscribe(sub)

	c := notify.NewCenter(b)
	first := c.Show(notify.Notification{Title: "one", Tag: "chat"})
	nextEvent(t, sub) // shown

	second := c.Show(notify.Notification{Title: "two", Tag: "chat"})
	ev := nextEvent(t, sub)
	if ev.Topic != bus.TopicNotificationClosed {
		t.Fatalf("expected closed event first, got %s", ev.Topic)
	}
	if p := ev.Payload.(bus.NotificationEvent); p.ID != first.ID || p.Reason != notify.ReasonReplaced {
		t.Fatalf("unexpected closed payload: %+v", p)
	}
	ev = nextEvent(t, sub)
	if ev.Topic != bus.TopicNotificationShown || ev.Payload.(bus.NotificationEvent).ID != second.ID {
		t.Fatalf("unexpected shown event: %+v", ev)
	}

	list := c.List()
	if len(list) != 1 || list[0].ID != second.ID {
		t.Fatalf("expected only the replacement on screen, got %+v", list)
	}

	// Untagged notifications stack.
	c.Show(notify.Notification{Title: "a"})
	c.Show(notify.Notification{Title: "b"})
	if len(c.List()) != 3 {
		t.Fatalf("expected 3 notifications, got %d", len(c.List()))
	}
}

func TestCenter_SweepExpiresOld(t *testing.T) {
	c := notify.NewCenter(nil)
	old := c.Show(notify.Notification{Title: "old", CreatedAt: time.Now().Add(-2 * time.Hour)})
	fresh := c.Show(notify.Notification{Title: "fresh"})

	if n := c.Sweep(time.Hour); n != 1 {
		t.Fatalf("expected 1 expired, got %d", n)
	}
	if _, ok := c.Get(old.ID); ok {
		t.Fatal("old notification should be expired")
	}
	if _, ok := c.Get(fresh.ID); !ok {
		t.Fatal("fresh notification should remain")
	}
	if n := c.Sweep(0); n != 0 {
		t.Fatalf("zero max age disables sweeping, got %d", n)
	}
}

func TestCenter_ListOrdersOldestFirst(t *testing.T) {
	c := notify.NewCenter(nil)
	base := time.Now()
	c.Show(notify.Notification{ID: "b", CreatedAt: base.Add(time.Second)})
	c.Show(notify.Notification{ID: "a", CreatedAt: base})
	list := c.List()
	if len(list) != 2 || list[0].ID != "a" || list[1].ID != "b" {
		t.Fatalf("unexpected order: %+v", list)
	}
}
