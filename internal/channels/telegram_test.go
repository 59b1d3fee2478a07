package channels

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/basket/pushkeeper/internal/config"
	"github.com/basket/pushkeeper/internal/notify"
)

type sentMessage struct {
	chatID    string
	text      string
	parseMode string
}

// fakeBotAPI answers getMe and sendMessage the way the Bot API does.
func fakeBotAPI(t *testing.T, failChat string) (*httptest.Server, func() []sentMessage) {
	t.Helper()
	var (
		mu   sync.Mutex
		sent []sentMessage
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch {
		case strings.HasSuffix(r.URL.Path, "/getMe"):
			fmt.Fprint(w, `{"ok":true,"result":{"id":1,"is_bot":true,"first_name":"pk","username":"pushkeeper_bot"}}`)
		case strings.HasSuffix(r.URL.Path, "/sendMessage"):
			if err := r.ParseForm(); err != nil {
				t.Errorf("parse form: %v", err)
			}
			chat := r.FormValue("chat_id")
			if chat == failChat {
				fmt.Fprint(w, `{"ok":false,"error_code":400,"description":"Bad Request: chat not found"}`)
				return
			}
			mu.Lock()
			sent = append(sent, sentMessage{chatID: chat, text: r.FormValue("text"), parseMode: r.FormValue("parse_mode")})
			mu.Unlock()
			fmt.Fprintf(w, `{"ok":true,"result":{"message_id":7,"date":0,"chat":{"id":%s,"type":"private"}}}`, chat)
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)
	return srv, func() []sentMessage {
		mu.Lock()
		defer mu.Unlock()
		return append([]sentMessage(nil), sent...)
	}
}

func testSink(srv *httptest.Server, chats ...int64) *TelegramSink {
	s := NewTelegramSink(config.TelegramConfig{Token: "123:abc", ChatIDs: chats})
	s.endpoint = srv.URL + "/bot%s/%s"
	s.client = srv.Client()
	return s
}

func TestTelegramSink_SendsToEveryChat(t *testing.T) {
	srv, sent := fakeBotAPI(t, "")
	sink := testSink(srv, 42, 43)

	n := notify.Notification{ID: "n1", Title: "New message", Body: "see you at 5.30!", ChatID: "c-1"}
	if err := sink.Render(context.Background(), n); err != nil {
		t.Fatalf("render: %v", err)
	}

	got := sent()
	if len(got) != 2 || got[0].chatID != "42" || got[1].chatID != "43" {
		t.Fatalf("sent = %+v", got)
	}
	if got[0].parseMode != "MarkdownV2" {
		t.Fatalf("parse mode = %q", got[0].parseMode)
	}
	want := "*New message*\nsee you at 5\\.30\\!\n_chat c\\-1_"
	if got[0].text != want {
		t.Fatalf("text = %q, want %q", got[0].text, want)
	}
}

func TestTelegramSink_ReportsFailedChat(t *testing.T) {
	srv, sent := fakeBotAPI(t, "13")
	sink := testSink(srv, 13, 42)

	err := sink.Render(context.Background(), notify.Notification{Title: "Hi"})
	if err == nil || !strings.Contains(err.Error(), "chat 13") {
		t.Fatalf("err = %v, want failure naming chat 13", err)
	}
	if got := sent(); len(got) != 1 || got[0].chatID != "42" {
		t.Fatalf("other chats must still receive the message: %+v", got)
	}
}

func TestTelegramSink_DisabledIsNoop(t *testing.T) {
	sink := NewTelegramSink(config.TelegramConfig{ChatIDs: []int64{1}})
	if err := sink.Render(context.Background(), notify.Notification{Title: "Hi"}); err != nil {
		t.Fatalf("render without token: %v", err)
	}
}

func TestEscapeMarkdownV2(t *testing.T) {
	cases := map[string]string{
		"plain":        "plain",
		"a_b*c":        "a\\_b\\*c",
		"[x](y)":       "\\[x\\]\\(y\\)",
		"1+1=2.":       "1\\+1\\=2\\.",
		"back\\slash":  "back\\\\slash",
		"héllo wörld!": "héllo wörld\\!",
	}
	for in, want := range cases {
		if got := escapeMarkdownV2(in); got != want {
			t.Errorf("escapeMarkdownV2(%q) = %q, want %q", in, got, want)
		}
	}
}
