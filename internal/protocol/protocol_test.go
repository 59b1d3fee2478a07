package protocol_test

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/basket/pushkeeper/internal/protocol"
)

func TestDecode_AliasResolution(t *testing.T) {
	cases := map[string]string{
		`{"jsonrpc":"2.0","method":"REQUEST_OFFLINE_MESSAGES"}`:            protocol.MethodRequestOfflineMessages,
		`{"command":"REQUEST_OFFLINE_MESSAGES"}`:                           protocol.MethodRequestOfflineMessages,
		`{"type":"PAGE_IS_READY","id":1}`:                                  protocol.MethodPageIsReady,
		`{"method":"FOCUS","command":"PAGE_IS_READY","type":"OTHER"}`:      protocol.MethodFocus,
		`{"method":"  ","command":"PAGE_IS_READY","type":"OTHER","id":"x"}`: protocol.MethodPageIsReady,
	}
	for raw, want := range cases {
		env, err := protocol.Decode([]byte(raw))
		if err != nil {
			t.Fatalf("decode %s: %v", raw, err)
		}
		if got := env.Name(); got != want {
			t.Fatalf("decode %s: name = %q, want %q", raw, got, want)
		}
	}
}

func TestDecode_Malformed(t *testing.T) {
	for _, raw := range []string{`{`, `[]`, `{}`, `{"jsonrpc":"2.0"}`} {
		if _, err := protocol.Decode([]byte(raw)); !errors.Is(err, protocol.ErrMalformed) {
			t.Fatalf("decode %s: expected ErrMalformed, got %v", raw, err)
		}
	}
}

func TestEnvelope_RequestVersusReply(t *testing.T) {
	req, _ := protocol.Decode([]byte(`{"id":"r1","method":"PAGE_IS_READY"}`))
	if !req.IsRequest() || req.IsReply() {
		t.Fatalf("expected request: %+v", req)
	}
	note, _ := protocol.Decode([]byte(`{"command":"REQUEST_OFFLINE_MESSAGES"}`))
	if note.IsRequest() || note.IsReply() {
		t.Fatalf("expected fire-and-forget: %+v", note)
	}
	reply, _ := protocol.Decode([]byte(`{"id":"r1","result":{"status":"OK"}}`))
	if !reply.IsReply() || reply.IsRequest() {
		t.Fatalf("expected reply: %+v", reply)
	}
	if protocol.RequestID(reply.ID) != "r1" {
		t.Fatalf("request id = %q", protocol.RequestID(reply.ID))
	}
	numeric, _ := protocol.Decode([]byte(`{"id":7,"error":{"code":1000,"message":"no"}}`))
	if !numeric.IsReply() || protocol.RequestID(numeric.ID) != "7" {
		t.Fatalf("numeric reply: %+v", numeric)
	}
}

func TestEnvelope_LegacyDataArguments(t *testing.T) {
	env, err := protocol.Decode([]byte(`{"type":"NOTIFICATION_CLICK","data":{"chatId":"c1","message":{"t":1}}}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	var click protocol.NotificationClick
	if err := env.DecodeArgs(&click); err != nil {
		t.Fatalf("args: %v", err)
	}
	if click.ChatID != "c1" || string(click.Message) != `{"t":1}` {
		t.Fatalf("unexpected args: %+v", click)
	}

	env, _ = protocol.Decode([]byte(`{"method":"notification.click","params":"oops"}`))
	var ref protocol.NotificationRef
	if err := env.DecodeArgs(&ref); !errors.Is(err, protocol.ErrMalformed) {
		t.Fatalf("expected ErrMalformed, got %v", err)
	}
}

func TestNotification_SetsMethodAndType(t *testing.T) {
	env, err := protocol.Notification(protocol.MethodOfflineMessages, protocol.OfflineMessages{
		Messages: []protocol.OfflineMessage{{ChatID: "c1", Message: json.RawMessage(`"hi"`)}},
	})
	if err != nil {
		t.Fatalf("notification: %v", err)
	}
	raw, _ := json.Marshal(env)
	var wire map[string]any
	if err := json.Unmarshal(raw, &wire); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if wire["method"] != protocol.MethodOfflineMessages || wire["type"] != protocol.MethodOfflineMessages {
		t.Fatalf("unexpected wire envelope: %s", raw)
	}
	if _, ok := wire["id"]; ok {
		t.Fatalf("notification must not carry an id: %s", raw)
	}
	params := wire["params"].(map[string]any)
	msgs := params["messages"].([]any)
	if len(msgs) != 1 || msgs[0].(map[string]any)["chatId"] != "c1" {
		t.Fatalf("unexpected params: %s", raw)
	}
}

func TestReply_Shapes(t *testing.T) {
	env, err := protocol.Reply(json.RawMessage(`"p1"`), protocol.Status{Status: protocol.StatusOK})
	if err != nil {
		t.Fatalf("reply: %v", err)
	}
	if string(env.Result) != `{"status":"OK"}` {
		t.Fatalf("result = %s", env.Result)
	}
	e := protocol.ErrorReply(json.RawMessage(`3`), protocol.ErrCodeMethodNotFound, "unknown")
	if e.Error.Code != protocol.ErrCodeMethodNotFound || e.Error.Error() == "" {
		t.Fatalf("unexpected error reply: %+v", e)
	}
}
