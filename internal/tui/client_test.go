package tui

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/basket/pushkeeper/internal/bus"
	"github.com/basket/pushkeeper/internal/protocol"
	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

// fakeHost answers notification.list, rejects everything else and pushes
// one notification.shown after the first request.
func fakeHost(t *testing.T) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("role") != "host" || r.Header.Get("Authorization") != "Bearer tok" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.CloseNow()
		ctx := r.Context()
		for {
			var env protocol.Envelope
			if err := wsjson.Read(ctx, conn, &env); err != nil {
				return
			}
			var reply protocol.Envelope
			if env.Name() == protocol.MethodHostList {
				reply, _ = protocol.Reply(env.ID, map[string]any{
					"notifications": []bus.NotificationEvent{{ID: "n1", Title: "Hello"}},
				})
			} else {
				reply = protocol.ErrorReply(env.ID, protocol.ErrCodeNotFound, "unknown notification")
			}
			if err := wsjson.Write(ctx, conn, reply); err != nil {
				return
			}
			shown, _ := protocol.Notification(protocol.MethodHostShown, bus.NotificationEvent{ID: "n2"})
			if err := wsjson.Write(ctx, conn, shown); err != nil {
				return
			}
		}
	}))
}

func TestHostClient_CallAndEvents(t *testing.T) {
	srv := fakeHost(t)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	client, err := DialHost(ctx, srv.URL, "tok")
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer client.Close()

	var res struct {
		Notifications []bus.NotificationEvent `json:"notifications"`
	}
	if err := client.Call(ctx, protocol.MethodHostList, nil, &res); err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(res.Notifications) != 1 || res.Notifications[0].ID != "n1" {
		t.Fatalf("list = %+v", res)
	}

	select {
	case env := <-client.Events():
		if env.Name() != protocol.MethodHostShown {
			t.Fatalf("event = %q", env.Name())
		}
	case <-ctx.Done():
		t.Fatal("no event received")
	}

	err = client.Call(ctx, protocol.MethodHostClick, protocol.NotificationRef{ID: "zzz"}, nil)
	var rpcErr *protocol.Error
	if !errors.As(err, &rpcErr) || rpcErr.Code != protocol.ErrCodeNotFound {
		t.Fatalf("click err = %v, want not-found rpc error", err)
	}
}

func TestHostClient_RejectedToken(t *testing.T) {
	srv := fakeHost(t)
	defer srv.Close()

	if _, err := DialHost(context.Background(), srv.URL, "wrong"); err == nil {
		t.Fatal("expected dial to fail with a bad token")
	}
}

func TestHostClient_CallAfterClose(t *testing.T) {
	srv := fakeHost(t)
	defer srv.Close()

	client, err := DialHost(context.Background(), srv.URL, "tok")
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	// Drain until the read loop notices the close.
	for range client.Events() {
	}
	if err := client.Call(ctx, protocol.MethodHostList, nil, nil); !errors.Is(err, ErrClosed) {
		t.Fatalf("err = %v, want ErrClosed", err)
	}
}
