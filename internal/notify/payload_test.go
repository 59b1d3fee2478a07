package notify_test

import (
	"errors"
	"testing"

	"github.com/basket/pushkeeper/internal/notify"
)

var testDefaults = notify.Defaults{
	Title:         "New message",
	Body:          "You have a new message",
	Icon:          "/icon.png",
	Badge:         "/badge.png",
	Tag:           "pk-notification",
	FallbackTitle: "PushKeeper",
}

func TestParsePayload_Full(t *testing.T) {
	raw := []byte(`{"title":"Alice","body":"hey","icon":"/a.png","badge":"/b.png","tag":"chat-1",
		"data":{"chatId":"chat-1","message":{"text":"hey","ts":1},"extra":true}}`)
	p, err := notify.ParsePayload(raw)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if p.Title != "Alice" || p.Body != "hey" || p.Tag != "chat-1" {
		t.Fatalf("unexpected fields: %+v", p)
	}
	if p.ChatID != "chat-1" {
		t.Fatalf("chat id = %q", p.ChatID)
	}
	if string(p.Message) != `{"text":"hey","ts":1}` {
		t.Fatalf("message = %s", p.Message)
	}
	if len(p.Data) == 0 {
		t.Fatal("data must be passed through")
	}
}

func TestParsePayload_EmptyObjectUsesDefaults(t *testing.T) {
	p, err := notify.ParsePayload([]byte(`{}`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	n := p.Notification(testDefaults)
	if n.Title != testDefaults.Title || n.Body != testDefaults.Body || n.Icon != testDefaults.Icon ||
		n.Badge != testDefaults.Badge || n.Tag != testDefaults.Tag {
		t.Fatalf("defaults not applied: %+v", n)
	}
	if n.ChatID != "" || n.Context().HasData {
		t.Fatalf("expected no routing data: %+v", n)
	}
}

func TestParsePayload_NumericChatID(t *testing.T) {
	p, err := notify.ParsePayload([]byte(`{"data":{"chatId":12345678901234567890,"message":"hi"}}`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if p.ChatID != "12345678901234567890" {
		t.Fatalf("chat id = %q", p.ChatID)
	}
}

func TestParsePayload_Errors(t *testing.T) {
	cases := map[string]string{
		"empty":            ``,
		"whitespace":       "  \n",
		"invalid json":     `{"title":`,
		"not an object":    `["a"]`,
		"scalar":           `"hello"`,
		"wrong title type": `{"title":5}`,
		"wrong data type":  `{"data":"chat-1"}`,
		"wrong chatId":     `{"data":{"chatId":{"id":1}}}`,
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := notify.ParsePayload([]byte(raw))
			if !errors.Is(err, notify.ErrPayloadParse) {
				t.Fatalf("expected ErrPayloadParse, got %v", err)
			}
		})
	}
}

func TestParsePayload_Queueable(t *testing.T) {
	cases := map[string]bool{
		`{"data":{"chatId":"c1","message":{"text":"hi"}}}`: true,
		`{"data":{"chatId":7,"message":"hi"}}`:             true,
		`{"data":{"chatId":"c1","message":""}}`:            false,
		`{"data":{"chatId":"c1","message":0}}`:             false,
		`{"data":{"chatId":"c1","message":false}}`:         false,
		`{"data":{"chatId":"c1"}}`:                         false,
		`{"data":{"chatId":"","message":"hi"}}`:            false,
		`{"data":{"chatId":0,"message":"hi"}}`:             false,
		`{"title":"no data"}`:                              false,
	}
	for raw, want := range cases {
		p, err := notify.ParsePayload([]byte(raw))
		if err != nil {
			t.Fatalf("parse %s: %v", raw, err)
		}
		if p.Queueable() != want {
			t.Errorf("Queueable(%s) = %v, want %v", raw, p.Queueable(), want)
		}
	}
}

func TestParsePayload_NullDataIsAbsent(t *testing.T) {
	p, err := notify.ParsePayload([]byte(`{"title":"x","data":null}`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if p.Data != nil || p.ChatID != "" {
		t.Fatalf("null data should be absent: %+v", p)
	}
}

func TestFallback_HasNoData(t *testing.T) {
	fb := notify.Fallback(testDefaults)
	if fb.Title != "PushKeeper" || fb.Body != testDefaults.Body || !fb.Fallback {
		t.Fatalf("unexpected fallback: %+v", fb)
	}
	if fb.Context().HasData {
		t.Fatal("fallback must not carry click data")
	}
}
