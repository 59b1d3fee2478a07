package tui

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/basket/pushkeeper/internal/agent"
	"github.com/basket/pushkeeper/internal/bus"
	"github.com/basket/pushkeeper/internal/protocol"
	"github.com/basket/pushkeeper/internal/router"
	tea "github.com/charmbracelet/bubbletea"
)

type call struct {
	method string
	params any
}

type fakeClient struct {
	events chan protocol.Envelope

	mu    sync.Mutex
	calls []call
	reply func(method string, result any) error
}

func newFakeClient() *fakeClient {
	return &fakeClient{events: make(chan protocol.Envelope, 8)}
}

func (f *fakeClient) Events() <-chan protocol.Envelope { return f.events }

func (f *fakeClient) Call(_ context.Context, method string, params, result any) error {
	f.mu.Lock()
	f.calls = append(f.calls, call{method: method, params: params})
	reply := f.reply
	f.mu.Unlock()
	if reply != nil {
		return reply(method, result)
	}
	return nil
}

func (f *fakeClient) lastCall() call {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.calls) == 0 {
		return call{}
	}
	return f.calls[len(f.calls)-1]
}

func shownEvent(t *testing.T, id, title string) eventMsg {
	t.Helper()
	env, err := protocol.Notification(protocol.MethodHostShown, bus.NotificationEvent{ID: id, Title: title})
	if err != nil {
		t.Fatal(err)
	}
	return eventMsg(env)
}

func closedEvent(t *testing.T, id string) eventMsg {
	t.Helper()
	env, err := protocol.Notification(protocol.MethodHostClosed, bus.NotificationEvent{ID: id, Reason: "clicked"})
	if err != nil {
		t.Fatal(err)
	}
	return eventMsg(env)
}

func key(s string) tea.KeyMsg {
	switch s {
	case "enter":
		return tea.KeyMsg{Type: tea.KeyEnter}
	case "down":
		return tea.KeyMsg{Type: tea.KeyDown}
	case "up":
		return tea.KeyMsg{Type: tea.KeyUp}
	}
	return tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune(s)}
}

func update(t *testing.T, m model, msg tea.Msg) (model, tea.Cmd) {
	t.Helper()
	next, cmd := m.Update(msg)
	return next.(model), cmd
}

func TestModel_TracksShownAndClosed(t *testing.T) {
	m := newModel(context.Background(), newFakeClient())

	m, _ = update(t, m, shownEvent(t, "n1", "First"))
	m, _ = update(t, m, shownEvent(t, "n2", "Second"))
	if len(m.notes) != 2 {
		t.Fatalf("notes = %d, want 2", len(m.notes))
	}
	m, _ = update(t, m, key("down"))
	if m.cursor != 1 {
		t.Fatalf("cursor = %d, want 1", m.cursor)
	}

	m, _ = update(t, m, closedEvent(t, "n2"))
	if len(m.notes) != 1 || m.notes[0].ID != "n1" {
		t.Fatalf("notes = %+v, want only n1", m.notes)
	}
	if m.cursor != 0 {
		t.Fatalf("cursor = %d, want clamped to 0", m.cursor)
	}
	if m.feed.Len() != 3 {
		t.Fatalf("feed len = %d, want 3", m.feed.Len())
	}
	if !strings.Contains(m.View(), "First") {
		t.Fatalf("view missing notification:\n%s", m.View())
	}
}

func TestModel_EnterClicksSelected(t *testing.T) {
	client := newFakeClient()
	client.reply = func(method string, result any) error {
		if res, ok := result.(*agent.RouteResult); ok {
			res.Outcome = router.MatchingPageOpen
			res.Delivered = true
		}
		return nil
	}
	m := newModel(context.Background(), client)
	m, _ = update(t, m, shownEvent(t, "n1", "Hello"))

	m, cmd := update(t, m, key("enter"))
	if cmd == nil {
		t.Fatal("enter on a notification should issue a click")
	}
	msg := cmd()
	if got := client.lastCall(); got.method != protocol.MethodHostClick || got.params.(protocol.NotificationRef).ID != "n1" {
		t.Fatalf("call = %+v", got)
	}
	m, _ = update(t, m, msg)
	if m.statusErr || !strings.Contains(m.status, "n1") {
		t.Fatalf("status = %q (err=%v)", m.status, m.statusErr)
	}
}

func TestModel_DismissErrorShown(t *testing.T) {
	client := newFakeClient()
	client.reply = func(string, any) error {
		return &protocol.Error{Code: protocol.ErrCodeNotFound, Message: "unknown notification"}
	}
	m := newModel(context.Background(), client)
	m, _ = update(t, m, shownEvent(t, "n1", "Hello"))

	_, cmd := update(t, m, key("x"))
	if cmd == nil {
		t.Fatal("x should issue a close")
	}
	m, _ = update(t, m, cmd())
	if !m.statusErr || m.status != "Unknown notification" {
		t.Fatalf("status = %q (err=%v)", m.status, m.statusErr)
	}
	if client.lastCall().method != protocol.MethodHostClose {
		t.Fatalf("method = %q", client.lastCall().method)
	}
}

func TestModel_ListReplacesNotes(t *testing.T) {
	client := newFakeClient()
	client.reply = func(_ string, result any) error {
		raw := `{"notifications":[{"id":"a","title":"A"},{"id":"b","title":"B"}]}`
		return json.Unmarshal([]byte(raw), result)
	}
	m := newModel(context.Background(), client)
	m, _ = update(t, m, m.listCmd()())
	if len(m.notes) != 2 || m.notes[1].ID != "b" {
		t.Fatalf("notes = %+v", m.notes)
	}
}

func TestModel_DisconnectDisablesActions(t *testing.T) {
	client := newFakeClient()
	close(client.events)
	m := newModel(context.Background(), client)
	m, _ = update(t, m, shownEvent(t, "n1", "Hello"))

	m, _ = update(t, m, m.waitEvent()())
	if !m.offline {
		t.Fatal("closed event stream should mark the view offline")
	}
	if _, cmd := update(t, m, key("enter")); cmd != nil {
		t.Fatal("click issued while offline")
	}
}

func TestModel_Quit(t *testing.T) {
	m := newModel(context.Background(), newFakeClient())
	_, cmd := update(t, m, key("q"))
	if cmd == nil {
		t.Fatal("q should quit")
	}
	if _, ok := cmd().(tea.QuitMsg); !ok {
		t.Fatal("q did not produce QuitMsg")
	}
}

func TestHumanError(t *testing.T) {
	if got := humanError(errors.New("send notification.click: connection refused")); got != "Connection refused" {
		t.Fatalf("got %q", got)
	}
	if got := humanError(errors.New("plain")); got != "plain" {
		t.Fatalf("got %q", got)
	}
	if humanError(nil) != "" {
		t.Fatal("nil error should be empty")
	}
}

func TestEventFeed(t *testing.T) {
	f := NewEventFeed()
	f.maxItems = 3
	for i := 0; i < 5; i++ {
		f.Add(FeedItem{Topic: "t", Message: "m", At: time.Now()})
	}
	if f.Len() != 3 {
		t.Fatalf("len = %d, want 3", f.Len())
	}
	if !strings.Contains(f.View(), "Activity") {
		t.Fatalf("expanded view = %q", f.View())
	}
	f.Toggle()
	if !strings.Contains(f.View(), "3 events") {
		t.Fatalf("collapsed view = %q", f.View())
	}
	if NewEventFeed().View() != "" {
		t.Fatal("empty feed should render nothing")
	}
}

func TestDescribe(t *testing.T) {
	env, _ := protocol.Notification(protocol.MethodHostEvent, map[string]any{
		"topic":   bus.TopicBacklogDrained,
		"payload": bus.BacklogEvent{PageID: "page-1", Count: 4},
	})
	item := Describe(env, time.Now())
	if item.Topic != bus.TopicBacklogDrained || item.Message != "4 message(s) to page page-1" {
		t.Fatalf("item = %+v", item)
	}

	env, _ = protocol.Notification(protocol.MethodHostClosed, bus.NotificationEvent{ID: "n1", Title: "Hi", Reason: "expired"})
	if item := Describe(env, time.Now()); item.Message != "Hi (expired)" {
		t.Fatalf("closed item = %+v", item)
	}
}
